// Package config binds the process's MCP_* environment-variable surface
// into a typed Config, using envconfig for the scalar/slice leaves and
// hand-written parsing for the nested permission-policy grammar (see
// DESIGN.md for why that part isn't envconfig-native).
package config

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mstoykov/envconfig"

	"github.com/fenwick-labs/chromesession/pkg/safety"
)

// Config is the process-wide configuration resolved once at startup and
// threaded through the manager; nothing in the core re-reads the
// environment after FromEnv returns.
type Config struct {
	AllowHostsRaw string `envconfig:"MCP_ALLOW_HOSTS"`
	PolicyJSON    string `envconfig:"MCP_PERMISSION_POLICY"`
	PolicyAllow   string `envconfig:"MCP_PERMISSION_ALLOW"`
	PolicyDeny    string `envconfig:"MCP_PERMISSION_DENY"`
	PolicyDefault string `envconfig:"MCP_PERMISSION_DEFAULT"`
	PolicyDefPerm string `envconfig:"MCP_PERMISSION_DEFAULT_PERMS"`
	ForceTier0    bool   `envconfig:"MCP_TIER0"`
	ForceTier1    bool   `envconfig:"MCP_DIAGNOSTICS"`
	Toolset       string `envconfig:"MCP_TOOLSET"`
	SafetyModeRaw string `envconfig:"MCP_SAFETY_MODE"`
	CDPEndpoint   string `envconfig:"MCP_CDP_ENDPOINT"`

	AllowHosts safety.AllowHosts
	Policy     safety.PermissionPolicy
	SafetyMode safety.Mode
}

// FromEnv reads and validates the MCP_* environment surface.
func FromEnv() (Config, error) {
	var c Config
	if err := envconfig.Process("", &c); err != nil {
		return Config{}, fmt.Errorf("config: %w", err)
	}
	c.AllowHosts = safety.ParseAllowHosts(c.AllowHostsRaw)

	policy, err := buildPolicy(c)
	if err != nil {
		return Config{}, err
	}
	c.Policy = policy

	c.SafetyMode = safety.ModePermissive
	if strings.EqualFold(strings.TrimSpace(c.SafetyModeRaw), "strict") {
		c.SafetyMode = safety.ModeStrict
	}
	return c, nil
}

// buildPolicy merges MCP_PERMISSION_POLICY (a JSON document) with the
// MCP_PERMISSION_ALLOW/DENY/DEFAULT/DEFAULT_PERMS overlays. The JSON
// document is the base; the semicolon-list env vars merge additional
// allow/deny entries on top of it.
func buildPolicy(c Config) (safety.PermissionPolicy, error) {
	var policy safety.PermissionPolicy
	if strings.TrimSpace(c.PolicyJSON) != "" {
		if err := json.Unmarshal([]byte(c.PolicyJSON), &policy); err != nil {
			return policy, fmt.Errorf("config: MCP_PERMISSION_POLICY: %w", err)
		}
	}
	if policy.Allow == nil {
		policy.Allow = map[string][]string{}
	}
	if policy.Deny == nil {
		policy.Deny = map[string][]string{}
	}

	mergeOriginList(policy.Allow, c.PolicyAllow)
	mergeOriginList(policy.Deny, c.PolicyDeny)

	if c.PolicyDefault != "" {
		policy.Default = normalizeDefault(c.PolicyDefault)
	}
	if c.PolicyDefPerm != "" {
		for _, p := range strings.Split(c.PolicyDefPerm, ",") {
			if p = strings.TrimSpace(p); p != "" {
				policy.DefaultPermissions = append(policy.DefaultPermissions, p)
			}
		}
	}
	return policy, nil
}

// mergeOriginList parses "origin=perm1,perm2;origin2=perm3" into dst.
func mergeOriginList(dst map[string][]string, raw string) {
	for _, entry := range strings.Split(raw, ";") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		origin, permsRaw, ok := strings.Cut(entry, "=")
		if !ok {
			continue
		}
		origin = strings.TrimSpace(origin)
		for _, p := range strings.Split(permsRaw, ",") {
			if p = strings.TrimSpace(p); p != "" {
				dst[origin] = append(dst[origin], p)
			}
		}
	}
}

func normalizeDefault(raw string) safety.PermissionState {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "granted", "grant", "allow":
		return safety.PermissionGranted
	case "denied", "deny", "block":
		return safety.PermissionDenied
	default:
		return safety.PermissionPrompt
	}
}
