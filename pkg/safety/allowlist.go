// Package safety implements the core's safety layer: the URL allowlist,
// navigation scheme rules, the per-origin permission policy, and URL
// redaction for exported telemetry.
package safety

import (
	"fmt"
	"net/url"
	"strings"
)

// Mode is the global safety mode.
type Mode string

const (
	ModePermissive Mode = "permissive"
	ModeStrict     Mode = "strict"
)

// AllowHosts is a configured host allowlist. An empty allowlist means
// "nothing is allowed" in both modes; strict mode just makes that
// deny-by-default behavior explicit and mandatory.
type AllowHosts struct {
	patterns []string // "*" or bare hosts, suffix-matched
}

// ParseAllowHosts parses a comma-separated host list, e.g. the
// MCP_ALLOW_HOSTS environment variable.
func ParseAllowHosts(raw string) AllowHosts {
	var out []string
	for _, p := range strings.Split(raw, ",") {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return AllowHosts{patterns: out}
}

func (a AllowHosts) matches(host string) bool {
	host = strings.ToLower(host)
	for _, p := range a.patterns {
		if p == "*" {
			return true
		}
		p = strings.ToLower(strings.TrimPrefix(p, "."))
		if host == p || strings.HasSuffix(host, "."+p) {
			return true
		}
	}
	return false
}

func (a AllowHosts) empty() bool { return len(a.patterns) == 0 }

// EnsureAllowed requires url's scheme to be http(s) and its host to
// match the allowlist. In ModeStrict, an empty allowlist is itself a
// denial (deny-by-default).
func EnsureAllowed(rawURL string, allow AllowHosts, mode Mode) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid URL %q: %w", rawURL, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("scheme %q is not allowed (only http/https)", u.Scheme)
	}
	if mode == ModeStrict && allow.empty() {
		return fmt.Errorf("strict mode requires a non-empty allowlist")
	}
	if !allow.matches(u.Hostname()) {
		return fmt.Errorf("host %q is not in the allowlist", u.Hostname())
	}
	return nil
}

// EnsureAllowedNavigation applies EnsureAllowed's http(s) rule but also
// permits about:, data: and blob: unconditionally, and file: only
// outside strict mode and only with a "*" allowlist.
func EnsureAllowedNavigation(rawURL string, allow AllowHosts, mode Mode) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid URL %q: %w", rawURL, err)
	}
	switch u.Scheme {
	case "about", "data", "blob":
		return nil
	case "file":
		if mode == ModeStrict {
			return fmt.Errorf("file: navigation is denied in strict mode")
		}
		if !hasWildcard(allow) {
			return fmt.Errorf("file: navigation requires a \"*\" allowlist")
		}
		return nil
	default:
		return EnsureAllowed(rawURL, allow, mode)
	}
}

func hasWildcard(a AllowHosts) bool {
	for _, p := range a.patterns {
		if p == "*" {
			return true
		}
	}
	return false
}

// ResolveAndCheck resolves url against base (the page's current
// location) when url is not already an absolute http(s) URL, then
// applies EnsureAllowed to the result.
func ResolveAndCheck(rawURL, base string, allow AllowHosts, mode Mode) (resolved string, err error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("invalid URL %q: %w", rawURL, err)
	}
	if !u.IsAbs() || (u.Scheme != "http" && u.Scheme != "https") {
		baseURL, err := url.Parse(base)
		if err != nil {
			return "", fmt.Errorf("invalid base URL %q: %w", base, err)
		}
		u = baseURL.ResolveReference(u)
	}
	resolved = u.String()
	if err := EnsureAllowed(resolved, allow, mode); err != nil {
		return "", err
	}
	return resolved, nil
}

// Redact strips the query and fragment from a URL, for telemetry
// exports (nav graph, affordance maps).
func Redact(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}
	u.RawQuery = ""
	u.Fragment = ""
	return u.String()
}

// StripQueryAndFragment is an alias of Redact kept for callers that
// prefer the more explicit name.
func StripQueryAndFragment(rawURL string) string { return Redact(rawURL) }
