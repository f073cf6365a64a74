package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/fenwick-labs/chromesession/internal/config"
	"github.com/fenwick-labs/chromesession/pkg/manager"
)

func newServeCmd() *cobra.Command {
	var addr string
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the session and telemetry core and block until signaled",
		RunE: func(cmd *cobra.Command, args []string) error {
			log := buildLogger(cmd)

			cfg, err := config.FromEnv()
			if err != nil {
				return err
			}

			// addr is accepted but unused: the core has no transport of its
			// own to bind. timeout is only logged below; no command reads
			// it.
			mgr := manager.New(cfg.SafetyMode, cfg.AllowHosts, cfg.Policy, log.WithField("component", "manager"))

			if cfg.CDPEndpoint != "" {
				if err := mgr.ConnectBrowser(context.Background(), cfg.CDPEndpoint); err != nil {
					return err
				}
				log.WithField("endpoint", cfg.CDPEndpoint).Info("connected to browser for target discovery")
			}

			log.WithFields(logrus.Fields{"addr": addr, "timeout": timeout}).Info("chromesession core ready")

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
			sig := <-sigCh
			log.WithField("signal", sig.String()).Info("shutting down")
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "address a future transport would bind to (unused: the core has no transport of its own)")
	cmd.Flags().DurationVar(&timeout, "timeout", 30*time.Second, "per-command timeout (logged at startup; not applied to any command)")
	return cmd
}

func buildLogger(cmd *cobra.Command) *logrus.Entry {
	log := logrus.New()
	if level, err := cmd.Flags().GetString("log-level"); err == nil {
		if parsed, perr := logrus.ParseLevel(level); perr == nil {
			log.SetLevel(parsed)
		}
	}
	if format, err := cmd.Flags().GetString("log-format"); err == nil && format == "json" {
		log.SetFormatter(&logrus.JSONFormatter{})
	}
	return logrus.NewEntry(log)
}
