// Package insights turns a raw telemetry snapshot into a short, scored
// list of actionable findings: CORS/CSP/mixed-content/cookie/frame
// policy violations, blocking dialogs, the most frequent JS error,
// unhandled rejections, network failures, auth/5xx/4xx clusters,
// navigation loops, hydration mismatches, and web-vitals thresholds.
package insights

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/fenwick-labs/chromesession/pkg/telemetry"
)

// Severity levels, ordered most to least urgent.
const (
	SeverityError = "error"
	SeverityWarn  = "warn"
	SeverityInfo  = "info"
)

// Web-vitals thresholds (ms for LCP, unitless for CLS), per the
// "good" / "needs improvement" boundaries used across the industry.
const (
	LCPGoodMs             = 2500
	LCPNeedsImprovementMs = 4000
	CLSGood               = 0.1
	CLSNeedsImprovement   = 0.25
	maxInsights           = 10
)

// Finding is one actionable diagnosis derived from a snapshot.
type Finding struct {
	Severity   string         `json:"severity"`
	Kind       string         `json:"kind"`
	Message    string         `json:"message"`
	Suggestion string         `json:"suggestion,omitempty"`
	Evidence   map[string]any `json:"evidence,omitempty"`
	score      float64
}

// Vitals carries the subset of web-vitals numbers insight derivation
// reasons about; it is supplied by the Tier-1 in-page collector and is
// absent when only Tier-0 CDP telemetry is available.
type Vitals struct {
	CLS           float64
	HasCLS        bool
	LCPMs         float64
	HasLCP        bool
	LongTaskMaxMs float64
	HasLongTasks  bool
}

var (
	corsPatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)blocked by cors policy`),
		regexp.MustCompile(`(?i)access-control-allow-origin`),
		regexp.MustCompile(`(?i)cors request did not succeed`),
		regexp.MustCompile(`(?i)preflight.*(failed|blocked)`),
	}
	cspPatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)content security policy`),
		regexp.MustCompile(`(?i)refused to .* because it violates the following content security policy directive`),
		regexp.MustCompile(`(?i)violat.*csp`),
	}
	mixedContentPatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)mixed content`),
		regexp.MustCompile(`(?i)was loaded over https, but requested an insecure`),
	}
	cookiePatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)samesite`),
		regexp.MustCompile(`(?i)this set-cookie was blocked`),
		regexp.MustCompile(`(?i)cookie .* was blocked`),
	}
	frameBlockPatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)x-frame-options`),
		regexp.MustCompile(`(?i)frame-ancestors`),
		regexp.MustCompile(`(?i)refused to display .* in a frame`),
	}
	hydrationPatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)hydration`),
		regexp.MustCompile(`(?i)did not match`),
		regexp.MustCompile(`(?i)text content does not match`),
		regexp.MustCompile(`(?i)expected server html`),
	}

	// extensionNoisePatterns match known browser-extension noise text
	// (wallet content-script collisions are the most common offender)
	// independent of where the text appears.
	extensionNoisePatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)cannot redefine property: ethereum`),
		regexp.MustCompile(`(?i)defineproperty.*ethereum`),
	}
	// extensionSchemePatterns match an extension-origin URL/stack/filename.
	extensionSchemePatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)chrome-extension://`),
		regexp.MustCompile(`(?i)moz-extension://`),
		regexp.MustCompile(`(?i)safari-extension://`),
		regexp.MustCompile(`(?i)ms-browser-extension://`),
		regexp.MustCompile(`(?i)extension://`),
	}
)

// isExtensionNoise reports whether any of the given strings carries
// known extension-origin noise: a wallet/content-script collision
// message, or an extension-scheme URL/stack/filename.
func isExtensionNoise(fields ...string) bool {
	for _, f := range fields {
		if f == "" {
			continue
		}
		if anyMatch(extensionNoisePatterns, f) || anyMatch(extensionSchemePatterns, f) {
			return true
		}
	}
	return false
}

// filterExtensionNoise drops console/error/rejection/network entries
// that originate from a browser extension (wallet content scripts are
// the most common source) before insight derivation runs over them, so
// a page's own errors aren't buried under extension chatter. Network
// filtering goes beyond the noise filter this was grounded on, which
// only covers console/errors/rejections; extension-origin network
// requests are just as much noise for a network-failure finding.
func filterExtensionNoise(snap telemetry.Snapshot) telemetry.Snapshot {
	console := make([]telemetry.ConsoleEntry, 0, len(snap.Console))
	for _, c := range snap.Console {
		if isExtensionNoise(append(append([]string{}, c.Args...), c.StackSummary)...) {
			continue
		}
		console = append(console, c)
	}
	snap.Console = console

	errs := make([]telemetry.ErrorEntry, 0, len(snap.Errors))
	for _, e := range snap.Errors {
		if isExtensionNoise(e.Message, e.Filename) {
			continue
		}
		errs = append(errs, e)
	}
	snap.Errors = errs

	rej := make([]telemetry.RejectionEntry, 0, len(snap.Rejections))
	for _, r := range snap.Rejections {
		if isExtensionNoise(r.Message) {
			continue
		}
		rej = append(rej, r)
	}
	snap.Rejections = rej

	network := make([]telemetry.NetworkEntry, 0, len(snap.Network))
	for _, n := range snap.Network {
		if isExtensionNoise(n.URL) {
			continue
		}
		network = append(network, n)
	}
	snap.Network = network

	return snap
}

func normWS(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func anyMatch(patterns []*regexp.Regexp, s string) bool {
	for _, p := range patterns {
		if p.MatchString(s) {
			return true
		}
	}
	return false
}

// Derive converts a Tier-0 snapshot (plus optional Tier-1 vitals) into
// a severity-sorted list, capped at 10 entries.
func Derive(snap telemetry.Snapshot, vitals *Vitals) []Finding {
	snap = filterExtensionNoise(snap)

	var out []Finding

	var warnErrTexts []string
	for _, c := range snap.Console {
		if c.Level != "warn" && c.Level != "error" {
			continue
		}
		warnErrTexts = append(warnErrTexts, normWS(strings.Join(c.Args, " ")))
	}

	if hits, examples := matchEvidence(corsPatterns, warnErrTexts); hits > 0 {
		out = append(out, Finding{
			Severity:   SeverityError,
			Kind:       "cors",
			Message:    fmt.Sprintf("CORS blocked (signals: %d)", hits),
			Suggestion: "fix CORS headers (Access-Control-Allow-Origin / -Credentials) and preflight",
			Evidence:   map[string]any{"examples": examples},
			score:      50 + float64(hits),
		})
	}
	if hits, examples := matchEvidence(cspPatterns, warnErrTexts); hits > 0 {
		out = append(out, Finding{
			Severity:   SeverityError,
			Kind:       "csp",
			Message:    fmt.Sprintf("CSP violation detected (signals: %d)", hits),
			Suggestion: "inspect the Content-Security-Policy header and fix blocked resource/inline usage",
			Evidence:   map[string]any{"examples": examples},
			score:      45 + float64(hits),
		})
	}
	if hits, examples := matchEvidence(mixedContentPatterns, warnErrTexts); hits > 0 {
		out = append(out, Finding{
			Severity:   SeverityError,
			Kind:       "mixed_content",
			Message:    fmt.Sprintf("mixed content detected (signals: %d)", hits),
			Suggestion: "ensure all resources/APIs use HTTPS; fix hardcoded http:// links",
			Evidence:   map[string]any{"examples": examples},
			score:      40 + float64(hits),
		})
	}
	if hits, examples := matchEvidence(cookiePatterns, warnErrTexts); hits > 0 {
		out = append(out, Finding{
			Severity:   SeverityWarn,
			Kind:       "cookie_policy",
			Message:    fmt.Sprintf("cookie/SameSite warnings detected (signals: %d)", hits),
			Suggestion: "check SameSite/Secure/Domain/Path for auth cookies",
			Evidence:   map[string]any{"examples": examples},
			score:      20 + float64(hits),
		})
	}
	if hits, examples := matchEvidence(frameBlockPatterns, warnErrTexts); hits > 0 {
		out = append(out, Finding{
			Severity:   SeverityWarn,
			Kind:       "frame_block",
			Message:    fmt.Sprintf("frame/embed blocked (signals: %d)", hits),
			Suggestion: "adjust X-Frame-Options / CSP frame-ancestors if embedding is intended",
			Evidence:   map[string]any{"examples": examples},
			score:      15 + float64(hits),
		})
	}

	if snap.Dialogs != nil {
		var lastOpen *telemetry.DialogEntry
		for i := len(snap.Dialogs) - 1; i >= 0; i-- {
			if snap.Dialogs[i].Event == telemetry.DialogOpen {
				lastOpen = &snap.Dialogs[i]
				break
			}
		}
		if lastOpen != nil && isMostRecentDialogStillOpen(snap.Dialogs) {
			out = append(out, Finding{
				Severity:   SeverityError,
				Kind:       "dialog",
				Message:    fmt.Sprintf("blocking JS dialog detected: %s", lastOpen.Type),
				Suggestion: "accept or dismiss the dialog before continuing",
				Evidence:   map[string]any{"type": lastOpen.Type, "message": lastOpen.Message},
				score:      90,
			})
		}
	}

	if f, ok := jsErrorFinding(snap.Errors); ok {
		out = append(out, f)
	}
	if f, ok := resourceErrorFinding(snap.Errors); ok {
		out = append(out, f)
	}
	if f, ok := rejectionFinding(snap.Rejections); ok {
		out = append(out, f)
	}
	out = append(out, networkFindings(snap.Network)...)
	if f, ok := navigationLoopFinding(snap.Navigation); ok {
		out = append(out, f)
	}
	if hydrationDetected(snap.Console) {
		out = append(out, Finding{
			Severity:   SeverityError,
			Kind:       "hydration",
			Message:    "detected hydration mismatch signals in console output",
			Suggestion: "compare server HTML vs client render; check conditional and locale-dependent rendering",
			score:      55,
		})
	}
	out = append(out, vitalsFindings(vitals)...)

	sort.SliceStable(out, func(i, j int) bool {
		ri, rj := severityRank(out[i].Severity), severityRank(out[j].Severity)
		if ri != rj {
			return ri < rj
		}
		return out[i].score > out[j].score
	})
	if len(out) > maxInsights {
		out = out[:maxInsights]
	}
	return out
}

func severityRank(s string) int {
	switch s {
	case SeverityError:
		return 0
	case SeverityWarn:
		return 1
	default:
		return 2
	}
}

// maxEvidenceExamples caps how many matched strings a pattern-based
// finding attaches as evidence.examples.
const maxEvidenceExamples = 3

// matchEvidence counts texts matching any pattern and collects up to
// maxEvidenceExamples of the matched texts themselves as evidence.
func matchEvidence(patterns []*regexp.Regexp, texts []string) (hits int, examples []string) {
	for _, t := range texts {
		if !anyMatch(patterns, t) {
			continue
		}
		hits++
		if len(examples) < maxEvidenceExamples {
			examples = append(examples, t)
		}
	}
	return hits, examples
}

func isMostRecentDialogStillOpen(d []telemetry.DialogEntry) bool {
	if len(d) == 0 {
		return false
	}
	return d[len(d)-1].Event == telemetry.DialogOpen
}

func jsErrorFinding(errs []telemetry.ErrorEntry) (Finding, bool) {
	type agg struct {
		count int
		last  telemetry.ErrorEntry
	}
	counts := map[string]*agg{}
	for _, e := range errs {
		if e.Type != telemetry.ErrorKindError || e.Message == "" {
			continue
		}
		msg := normWS(e.Message)
		a, ok := counts[msg]
		if !ok {
			a = &agg{}
			counts[msg] = a
		}
		a.count++
		a.last = e
	}
	if len(counts) == 0 {
		return Finding{}, false
	}
	var bestMsg string
	var best *agg
	for msg, a := range counts {
		if best == nil || a.count > best.count || (a.count == best.count && msg < bestMsg) {
			bestMsg, best = msg, a
		}
	}
	msg := bestMsg
	if best.count > 1 {
		msg = fmt.Sprintf("%s (x%d)", bestMsg, best.count)
	}
	return Finding{
		Severity:   SeverityError,
		Kind:       "js_error",
		Message:    msg,
		Suggestion: "open the stack trace and fix the root cause, then reload and re-check diagnostics",
		Evidence: map[string]any{
			"count":    best.count,
			"filename": best.last.Filename,
			"line":     best.last.Line,
			"column":   best.last.Column,
		},
		score: 80 + minFloat(20, float64(best.count)),
	}, true
}

func resourceErrorFinding(errs []telemetry.ErrorEntry) (Finding, bool) {
	var last telemetry.ErrorEntry
	found := false
	for _, e := range errs {
		if e.Type == telemetry.ErrorKindResource {
			last, found = e, true
		}
	}
	if !found {
		return Finding{}, false
	}
	return Finding{
		Severity:   SeverityError,
		Kind:       "resource_load_failed",
		Message:    fmt.Sprintf("resource failed to load: %s", last.Filename),
		Suggestion: "check URL, network/CSP/adblock, and whether the asset exists",
		Evidence:   map[string]any{"url": last.Filename},
		score:      35,
	}, true
}

func rejectionFinding(rej []telemetry.RejectionEntry) (Finding, bool) {
	if len(rej) == 0 {
		return Finding{}, false
	}
	last := rej[len(rej)-1]
	msg := last.Message
	if msg == "" {
		msg = "unhandled promise rejection"
	}
	return Finding{
		Severity:   SeverityError,
		Kind:       "unhandled_rejection",
		Message:    msg,
		Suggestion: "find the rejecting promise and add proper error handling",
		score:      60,
	}, true
}

func networkFindings(entries []telemetry.NetworkEntry) []Finding {
	var out []Finding
	if len(entries) == 0 {
		return out
	}

	type key struct {
		method, url, errOrBlocked string
		status                    int
	}
	type agg struct {
		count int
		entry telemetry.NetworkEntry
	}
	counts := map[key]*agg{}
	blockedByClient := 0
	auth, s5, s4 := 0, 0, 0

	for _, e := range entries {
		if e.BlockedReason == "blockedByClient" || strings.Contains(strings.ToLower(e.ErrorText), "err_blocked_by_client") {
			blockedByClient++
		}
		switch {
		case e.Status == 401 || e.Status == 403:
			auth++
		case e.Status >= 500:
			s5++
		case e.Status >= 400:
			s4++
		}
		if e.OK {
			continue
		}
		k := key{method: e.Method, url: e.URL, status: e.Status, errOrBlocked: e.ErrorText + e.BlockedReason}
		a, ok := counts[k]
		if !ok {
			a = &agg{}
			counts[k] = a
		}
		a.count++
		a.entry = e
	}

	if blockedByClient > 0 {
		out = append(out, Finding{
			Severity:   SeverityWarn,
			Kind:       "blocked_by_client",
			Message:    fmt.Sprintf("requests blocked by client (adblock/extension) (signals: %d)", blockedByClient),
			Suggestion: "retry in a clean profile or disable adblock/privacy extensions",
			score:      25 + float64(blockedByClient),
		})
	}

	if len(counts) > 0 {
		var topKey key
		var top *agg
		for k, a := range counts {
			if top == nil || a.count > top.count {
				topKey, top = k, a
			}
		}
		sev := SeverityWarn
		if topKey.status >= 500 {
			sev = SeverityError
		}
		base := 30.0
		if sev == SeverityError {
			base = 70.0
		}
		out = append(out, Finding{
			Severity: sev,
			Kind:     "network_failure",
			Message: fmt.Sprintf("network requests failing: %d total; top failure x%d: %s %s (%d)",
				len(counts), top.count, topKey.method, topKey.url, topKey.status),
			Suggestion: "check API availability/CORS/auth",
			Evidence:   map[string]any{"topFailure": top.entry, "count": top.count},
			score:      base + minFloat(30, float64(top.count)),
		})
	}

	if auth > 0 {
		out = append(out, Finding{
			Severity:   SeverityError,
			Kind:       "auth",
			Message:    fmt.Sprintf("auth failures detected (401/403): %d request(s)", auth),
			Suggestion: "check cookies/tokens/CSRF and whether third-party cookies are blocked",
			score:      75 + float64(auth),
		})
	}
	if s5 > 0 {
		out = append(out, Finding{
			Severity:   SeverityError,
			Kind:       "server_5xx",
			Message:    fmt.Sprintf("server errors detected (5xx): %d request(s)", s5),
			Suggestion: "identify the failing endpoint(s) and capture the response",
			score:      70 + float64(s5),
		})
	} else if s4 > 0 && auth == 0 {
		out = append(out, Finding{
			Severity:   SeverityWarn,
			Kind:       "http_4xx",
			Message:    fmt.Sprintf("HTTP 4xx responses detected: %d request(s)", s4),
			Suggestion: "inspect request parameters/feature flags; check validation and release gating",
			score:      25 + float64(s4),
		})
	}

	return out
}

func navigationLoopFinding(nav []telemetry.NavigationEntry) (Finding, bool) {
	if len(nav) < 6 {
		return Finding{}, false
	}
	tail := nav
	if len(tail) > 50 {
		tail = tail[len(tail)-50:]
	}
	counts := map[string]int{}
	for _, n := range tail {
		if n.URL == "" {
			continue
		}
		counts[normWS(n.URL)]++
	}
	var topURL string
	var topCount int
	for u, c := range counts {
		if c > topCount {
			topURL, topCount = u, c
		}
	}
	if topCount >= 4 || (len(tail) >= 10 && topCount >= 3) {
		return Finding{
			Severity:   SeverityWarn,
			Kind:       "navigation_loop",
			Message:    fmt.Sprintf("navigation loop suspected: %d nav events to the same URL", topCount),
			Suggestion: "check auth redirects, router guards, and whether a failed request triggers infinite retries",
			Evidence:   map[string]any{"url": topURL, "events": len(tail)},
			score:      15 + float64(topCount),
		}, true
	}
	return Finding{}, false
}

func hydrationDetected(console []telemetry.ConsoleEntry) bool {
	for _, c := range console {
		if c.Level != "warn" && c.Level != "error" {
			continue
		}
		if anyMatch(hydrationPatterns, strings.Join(c.Args, " ")) {
			return true
		}
	}
	return false
}

func vitalsFindings(v *Vitals) []Finding {
	if v == nil {
		return nil
	}
	var out []Finding
	if v.HasCLS && v.CLS >= CLSGood {
		sev := SeverityWarn
		if v.CLS >= CLSNeedsImprovement {
			sev = SeverityError
		}
		out = append(out, Finding{
			Severity:   sev,
			Kind:       "cls",
			Message:    fmt.Sprintf("high cumulative layout shift (CLS): %.3f", v.CLS),
			Suggestion: "reserve layout space for images/fonts, avoid inserting content above existing content",
			score:      10 + v.CLS,
		})
	}
	if v.HasLCP && v.LCPMs >= LCPGoodMs {
		sev := SeverityWarn
		if v.LCPMs >= LCPNeedsImprovementMs {
			sev = SeverityError
		}
		out = append(out, Finding{
			Severity:   sev,
			Kind:       "lcp",
			Message:    fmt.Sprintf("slow LCP: %dms", int(v.LCPMs)),
			Suggestion: "optimize the LCP element: reduce JS, compress images, preconnect critical origins",
			score:      10 + v.LCPMs/1000.0,
		})
	}
	if v.HasLongTasks && v.LongTaskMaxMs >= 50 {
		sev := SeverityWarn
		if v.LongTaskMaxMs >= 200 {
			sev = SeverityError
		}
		out = append(out, Finding{
			Severity:   sev,
			Kind:       "long_tasks",
			Message:    fmt.Sprintf("long tasks detected (max %dms)", int(v.LongTaskMaxMs)),
			Suggestion: "break up heavy JS work, defer non-critical scripts",
			score:      5 + v.LongTaskMaxMs/100.0,
		})
	}
	return out
}

func minFloat(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}
