package safety

import "strings"

// PermissionState is the resolved state of a single browser permission
// for a given origin.
type PermissionState string

const (
	PermissionGranted PermissionState = "granted"
	PermissionDenied  PermissionState = "denied"
	PermissionPrompt  PermissionState = "prompt"
)

// PermissionPolicy is the per-origin browser permission policy
// document. Origin patterns are either "scheme://host" (exact), a bare
// host (suffix match, leading dot stripped), or "*".
type PermissionPolicy struct {
	Default            PermissionState     `json:"default"`
	DefaultPermissions []string            `json:"default_permissions"`
	Allow              map[string][]string `json:"allow"`
	Deny               map[string][]string `json:"deny"`
}

// Enabled reports whether this policy document carries any rules at
// all; an empty environment must yield an enabled=false policy rather
// than one that silently denies everything.
func (p PermissionPolicy) Enabled() bool {
	return p.Default != "" || len(p.DefaultPermissions) > 0 || len(p.Allow) > 0 || len(p.Deny) > 0
}

// matchOrigin implements the origin match rule: exact when the pattern
// contains "://"; otherwise host-suffix with an optional leading dot
// stripped; "*" matches everything.
func matchOrigin(pattern, origin, host string) bool {
	if pattern == "*" {
		return true
	}
	if strings.Contains(pattern, "://") {
		return pattern == origin
	}
	p := strings.ToLower(strings.TrimPrefix(pattern, "."))
	h := strings.ToLower(host)
	return h == p || strings.HasSuffix(h, "."+p)
}

// SettingsForOrigin computes the per-permission state for a given
// origin ("scheme://host") and bare host, applying defaults, then allow
// patterns, then deny patterns: deny always wins regardless of any
// allow match.
func SettingsForOrigin(policy PermissionPolicy, origin, host string) map[string]PermissionState {
	out := make(map[string]PermissionState)

	if policy.Default != "" && policy.Default != PermissionPrompt {
		for _, name := range policy.DefaultPermissions {
			out[name] = policy.Default
		}
	}
	for pattern, names := range policy.Allow {
		if !matchOrigin(pattern, origin, host) {
			continue
		}
		for _, name := range names {
			out[name] = PermissionGranted
		}
	}
	for pattern, names := range policy.Deny {
		if !matchOrigin(pattern, origin, host) {
			continue
		}
		for _, name := range names {
			out[name] = PermissionDenied
		}
	}
	return out
}
