// Package diagnostics installs and queries the Tier-1 in-page
// diagnostics collector: a small piece of JavaScript, injected via
// Runtime.evaluate, that captures web vitals (LCP/CLS/long tasks) and
// a resource-timing summary the CDP event stream alone can't provide.
//
// Tier-1 is best-effort by design: installation is refused while a
// JavaScript dialog is open (Runtime.evaluate would hang), is
// idempotent across navigations via a revision marker on
// globalThis, and never returns an error to the caller — only a
// Result describing what happened.
package diagnostics

import (
	"fmt"

	json "github.com/goccy/go-json"
)

// marker is the globalThis property the collector tags itself with.
// Bumping revision forces reinstall after a script change; a stale
// marker from a prior navigation is simply gone along with the page's
// JS realm, so no explicit teardown is needed.
const (
	markerGlobal = "__chromesessionDiag"
	revision     = 2

	// maxAccumulatorEntries bounds the collector's in-page
	// console/error/rejection arrays, mirroring the overwrite-oldest
	// policy pkg/telemetry's ring buffers apply to their CDP-driven
	// counterparts.
	maxAccumulatorEntries = 200
)

// Evaluator is the subset of Session needed to install and query the
// collector, narrowed for testability.
type Evaluator interface {
	EvalJS(js string) (json.RawMessage, error)
	DialogOpen() bool
}

// Result reports the outcome of an Ensure call.
type Result struct {
	Enabled   bool   `json:"enabled"`
	Available bool   `json:"available"`
	Skipped   bool   `json:"skipped,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

// Ensure installs the Tier-1 collector if it isn't already present at
// the current revision. It never blocks on a dialog: if one is open,
// it returns immediately with Skipped=true.
func Ensure(e Evaluator) Result {
	if e.DialogOpen() {
		return Result{Enabled: true, Available: false, Skipped: true, Reason: "dialog_open"}
	}

	raw, err := e.EvalJS(installScript)
	if err != nil {
		return Result{Enabled: true, Available: false, Reason: err.Error()}
	}
	var installed bool
	if err := json.Unmarshal(raw, &installed); err != nil || !installed {
		return Result{Enabled: true, Available: false, Reason: "collector did not report ready"}
	}
	return Result{Enabled: true, Available: true}
}

// Vitals is the Tier-1 web-vitals snapshot shape, mirrored from the
// collector's globalThis.__chromesessionDiag.vitals() return value.
type Vitals struct {
	CLS       *float64   `json:"cls"`
	LCP       *LCP       `json:"lcp"`
	LongTasks *LongTasks `json:"longTasks"`
}

type LCP struct {
	StartTimeMs float64 `json:"startTime"`
	Element     string  `json:"element,omitempty"`
	URL         string  `json:"url,omitempty"`
}

type LongTasks struct {
	MaxDurationMs float64 `json:"maxDuration"`
	Count         int     `json:"count"`
}

// ResourceSummary mirrors the collector's resource-timing rollup.
type ResourceSummary struct {
	TotalTransferSize int64      `json:"totalTransferSize"`
	Largest           []Resource `json:"largest,omitempty"`
	Slowest           []Resource `json:"slowest,omitempty"`
}

type Resource struct {
	URL           string  `json:"url"`
	TransferSize  int64   `json:"transferSize"`
	DurationMs    float64 `json:"duration"`
	InitiatorType string  `json:"initiatorType,omitempty"`
}

// ConsoleEvent, ErrorEvent and RejectionEvent mirror the collector's
// in-page accumulators, kept independently of the Tier-0 CDP taps so
// snapshot() still reports something on a page where Runtime.enable
// hasn't been called yet.
type ConsoleEvent struct {
	Level string   `json:"level"`
	Args  []string `json:"args"`
}

type ErrorEvent struct {
	Message  string `json:"message"`
	Filename string `json:"filename,omitempty"`
	Line     int    `json:"line,omitempty"`
	Column   int    `json:"column,omitempty"`
}

type RejectionEvent struct {
	Message string `json:"message"`
}

// FullSnapshot is the collector's snapshot() return shape: vitals and
// the resource summary plus everything its in-page accumulators have
// captured since install or the last clear().
type FullSnapshot struct {
	Vitals     Vitals           `json:"vitals"`
	Resources  ResourceSummary  `json:"resources"`
	Console    []ConsoleEvent   `json:"console"`
	Errors     []ErrorEvent     `json:"errors"`
	Rejections []RejectionEvent `json:"rejections"`
}

// Summary is the collector's summary() return shape: counts only, for
// a caller that wants a cheap health check without paginating.
type Summary struct {
	ConsoleCount   int     `json:"consoleCount"`
	ErrorCount     int     `json:"errorCount"`
	RejectionCount int     `json:"rejectionCount"`
	CLS            float64 `json:"cls"`
	LongTasksCount int     `json:"longTasksCount"`
}

// Locator is one element the collector's locators() call found.
type Locator struct {
	Tag  string  `json:"tag"`
	Text string  `json:"text,omitempty"`
	ID   string  `json:"id,omitempty"`
	Name string  `json:"name,omitempty"`
	Role string  `json:"role,omitempty"`
	Rect LocRect `json:"rect"`
}

type LocRect struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	W float64 `json:"w"`
	H float64 `json:"h"`
}

// LocatorsResult is the collector's locators() return shape.
type LocatorsResult struct {
	Items []Locator `json:"items"`
	Total int       `json:"total"`
}

// Snapshot queries the collector's current vitals and resource
// summary. It returns ok=false when Tier-1 isn't installed or a
// dialog currently blocks evaluation — callers should fall back to
// Tier-0 telemetry in that case.
func Snapshot(e Evaluator) (vitals Vitals, resources ResourceSummary, ok bool) {
	if e.DialogOpen() {
		return Vitals{}, ResourceSummary{}, false
	}
	raw, err := e.EvalJS(snapshotScript)
	if err != nil || string(raw) == "null" {
		return Vitals{}, ResourceSummary{}, false
	}
	var payload struct {
		Vitals    Vitals          `json:"vitals"`
		Resources ResourceSummary `json:"resources"`
	}
	if err := json.Unmarshal(raw, &payload); err != nil {
		return Vitals{}, ResourceSummary{}, false
	}
	return payload.Vitals, payload.Resources, true
}

// FullSnapshot calls the collector's snapshot(), returning vitals,
// resources, and everything its in-page console/error/rejection
// accumulators hold. ok=false under the same conditions as Snapshot.
func FullSnapshot(e Evaluator) (FullSnapshot, bool) {
	if e.DialogOpen() {
		return FullSnapshot{}, false
	}
	raw, err := e.EvalJS(fullSnapshotScript)
	if err != nil || string(raw) == "null" {
		return FullSnapshot{}, false
	}
	var out FullSnapshot
	if err := json.Unmarshal(raw, &out); err != nil {
		return FullSnapshot{}, false
	}
	return out, true
}

// GetSummary calls the collector's summary() for a cheap health check.
func GetSummary(e Evaluator) (Summary, bool) {
	if e.DialogOpen() {
		return Summary{}, false
	}
	raw, err := e.EvalJS(summaryScript)
	if err != nil {
		return Summary{}, false
	}
	var out Summary
	if err := json.Unmarshal(raw, &out); err != nil {
		return Summary{}, false
	}
	return out, true
}

// Locators calls the collector's locators(kind, offset, limit),
// returning selector-suggesting items for interactive elements. kind
// is "all", "button", "link", or "input".
func Locators(e Evaluator, kind string, offset, limit int) (LocatorsResult, bool) {
	if e.DialogOpen() {
		return LocatorsResult{}, false
	}
	if kind == "" {
		kind = "all"
	}
	if limit <= 0 {
		limit = 50
	}
	opts, err := json.Marshal(struct {
		Kind   string `json:"kind"`
		Offset int    `json:"offset"`
		Limit  int    `json:"limit"`
	}{kind, offset, limit})
	if err != nil {
		return LocatorsResult{}, false
	}
	raw, err := e.EvalJS(fmt.Sprintf(locatorsScriptFmt, markerGlobal, string(opts)))
	if err != nil {
		return LocatorsResult{}, false
	}
	var out LocatorsResult
	if err := json.Unmarshal(raw, &out); err != nil {
		return LocatorsResult{}, false
	}
	return out, true
}

// Clear resets the collector's in-page accumulators (cls, lcp,
// long-task counters, and the console/error/rejection buffers),
// mirroring the ring-buffer Clear semantics used elsewhere in this
// core. It does not uninstall the collector.
func Clear(e Evaluator) bool {
	if e.DialogOpen() {
		return false
	}
	raw, err := e.EvalJS(clearScript)
	if err != nil {
		return false
	}
	var cleared bool
	_ = json.Unmarshal(raw, &cleared)
	return cleared
}

// installScript installs globalThis.__chromesessionDiag once per
// document: PerformanceObserver entries the CDP event stream does not
// surface (layout-shift, largest-contentful-paint, longtask), plus
// in-page console/error/rejection accumulators so snapshot() has
// something to report even before Runtime.enable runs. It returns true
// once installed (or already present at this revision).
var installScript = fmt.Sprintf(`(() => {
  const g = globalThis;
  if (g.%[1]s && g.%[1]s.rev === %[2]d) return true;
  const MAX = %[3]d;
  const state = {
    cls: 0, lcp: null, longTasks: { maxDuration: 0, count: 0 },
    console: [], errors: [], rejections: [],
  };
  const pushBounded = (arr, item) => {
    arr.push(item);
    if (arr.length > MAX) arr.shift();
  };
  try {
    new PerformanceObserver((list) => {
      for (const entry of list.getEntries()) {
        if (!entry.hadRecentInput) state.cls += entry.value;
      }
    }).observe({ type: 'layout-shift', buffered: true });
  } catch (e) {}
  try {
    new PerformanceObserver((list) => {
      const entries = list.getEntries();
      const last = entries[entries.length - 1];
      if (last) {
        state.lcp = { startTime: last.startTime, element: last.element && last.element.tagName, url: last.url };
      }
    }).observe({ type: 'largest-contentful-paint', buffered: true });
  } catch (e) {}
  try {
    new PerformanceObserver((list) => {
      for (const entry of list.getEntries()) {
        state.longTasks.count += 1;
        if (entry.duration > state.longTasks.maxDuration) state.longTasks.maxDuration = entry.duration;
      }
    }).observe({ type: 'longtask', buffered: true });
  } catch (e) {}
  try {
    window.addEventListener('error', (e) => {
      pushBounded(state.errors, { message: e.message || '', filename: e.filename || '', line: e.lineno || 0, column: e.colno || 0 });
    });
    window.addEventListener('unhandledrejection', (e) => {
      const reason = e.reason;
      pushBounded(state.rejections, { message: String((reason && reason.message) || reason || '') });
    });
  } catch (e) {}
  try {
    ['log', 'warn', 'error', 'info'].forEach((level) => {
      const orig = console[level];
      if (typeof orig !== 'function') return;
      console[level] = function (...args) {
        pushBounded(state.console, { level, args: args.map((a) => { try { return String(a); } catch (_) { return '?'; } }) });
        return orig.apply(console, args);
      };
    });
  } catch (e) {}
  g.%[1]s = {
    rev: %[2]d,
    vitals() { return { cls: state.cls, lcp: state.lcp, longTasks: state.longTasks }; },
    resources() {
      const entries = (performance.getEntriesByType('resource') || []);
      const sized = entries.map((e) => ({
        url: e.name, transferSize: e.transferSize || 0, duration: e.duration || 0, initiatorType: e.initiatorType,
      }));
      const byTransfer = [...sized].sort((a, b) => b.transferSize - a.transferSize).slice(0, 5);
      const byDuration = [...sized].sort((a, b) => b.duration - a.duration).slice(0, 5);
      const total = sized.reduce((acc, r) => acc + r.transferSize, 0);
      return { totalTransferSize: total, largest: byTransfer, slowest: byDuration };
    },
    snapshot() {
      return {
        vitals: this.vitals(), resources: this.resources(),
        console: state.console, errors: state.errors, rejections: state.rejections,
      };
    },
    summary() {
      return {
        consoleCount: state.console.length, errorCount: state.errors.length,
        rejectionCount: state.rejections.length, cls: state.cls, longTasksCount: state.longTasks.count,
      };
    },
    locators(opts) {
      opts = opts || {};
      const kind = opts.kind || 'all';
      const offset = opts.offset || 0;
      const limit = opts.limit || 50;
      const selectorsByKind = {
        button: 'button, [role="button"], input[type=button], input[type=submit]',
        link: 'a[href]',
        input: 'input, textarea, select',
      };
      const sel = kind === 'all' ? Object.values(selectorsByKind).join(', ') : (selectorsByKind[kind] || selectorsByKind.button);
      const nodes = Array.from(document.querySelectorAll(sel));
      const items = nodes.slice(offset, offset + limit).map((el) => {
        const r = el.getBoundingClientRect();
        return {
          tag: el.tagName.toLowerCase(),
          text: ((el.textContent || el.value || '') + '').trim().slice(0, 80),
          id: el.id || undefined,
          name: el.getAttribute('name') || undefined,
          role: el.getAttribute('role') || undefined,
          rect: { x: r.x, y: r.y, w: r.width, h: r.height },
        };
      });
      return { items, total: nodes.length };
    },
    clear() {
      state.cls = 0;
      state.lcp = null;
      state.longTasks = { maxDuration: 0, count: 0 };
      state.console = [];
      state.errors = [];
      state.rejections = [];
      return true;
    },
  };
  return true;
})()`, markerGlobal, revision, maxAccumulatorEntries)

var snapshotScript = fmt.Sprintf(`(() => {
  const d = globalThis.%[1]s;
  if (!d) return null;
  return { vitals: d.vitals(), resources: d.resources() };
})()`, markerGlobal)

var fullSnapshotScript = fmt.Sprintf(`(() => {
  const d = globalThis.%[1]s;
  if (!d || typeof d.snapshot !== 'function') return null;
  return d.snapshot();
})()`, markerGlobal)

var summaryScript = fmt.Sprintf(`(() => {
  const d = globalThis.%[1]s;
  if (!d || typeof d.summary !== 'function') return null;
  return d.summary();
})()`, markerGlobal)

var clearScript = fmt.Sprintf(`(() => {
  const d = globalThis.%[1]s;
  if (!d || typeof d.clear !== 'function') return false;
  return d.clear();
})()`, markerGlobal)

// locatorsScriptFmt is completed with (markerGlobal, jsonOpts) by Locators.
const locatorsScriptFmt = `(() => {
  const d = globalThis.%[1]s;
  if (!d || typeof d.locators !== 'function') return null;
  return d.locators(%[2]s);
})()`
