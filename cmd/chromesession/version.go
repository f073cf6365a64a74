package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

// version is set at build time via -ldflags "-X main.version=...";
// "dev" is the value checked into source control.
var version = "dev"

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the chromesession core version and exit",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("chromesession " + version)
		},
	}
}
