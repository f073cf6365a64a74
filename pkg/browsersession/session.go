// Package browsersession implements Session: one live CDP connection
// bound to one browser tab, with the composable primitives
// (send/eval_js/navigate/click/type/scroll/drag) every higher-level
// tool is built on top of.
package browsersession

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/fenwick-labs/chromesession/pkg/cdp"
	"github.com/fenwick-labs/chromesession/pkg/chrerr"
)

// Domain is one of the CDP domains a session can idempotently enable.
type Domain string

const (
	DomainPage          Domain = "Page"
	DomainDOM           Domain = "DOM"
	DomainRuntime       Domain = "Runtime"
	DomainNetwork       Domain = "Network"
	DomainPerformance   Domain = "Performance"
	DomainAccessibility Domain = "Accessibility"
)

// Session is one live CDP connection bound to one target. Exactly one
// dispatcher pump runs per Session; Close releases the socket on every
// exit path and is idempotent.
type Session struct {
	TabID       string
	TargetID    string
	DebuggerURL string
	ConnID      string

	d   *cdp.Dispatcher
	log *logrus.Entry

	mu      sync.Mutex
	enabled map[Domain]bool

	dialogOpen atomic.Bool
	closeOnce  sync.Once
}

// Dial opens the transport to debuggerURL, starts the dispatcher pump,
// and returns a ready Session bound to targetID/tabID. Every dial gets
// its own correlation id, carried only in log fields so a multi-tab
// run's log lines can be told apart; it never appears on the wire or
// in any stored telemetry record.
func Dial(ctx context.Context, tabID, targetID, debuggerURL string, log *logrus.Entry) (*Session, error) {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	connID := uuid.NewString()
	log = log.WithField("conn_id", connID)

	t, err := cdp.Dial(ctx, debuggerURL, log)
	if err != nil {
		return nil, chrerr.New("session", "dial", err, "verify the debugger URL is still valid and the tab hasn't closed")
	}
	return &Session{
		TabID:       tabID,
		TargetID:    targetID,
		DebuggerURL: debuggerURL,
		ConnID:      connID,
		d:           cdp.NewDispatcher(t, log),
		log:         log,
		enabled:     make(map[Domain]bool),
	}, nil
}

// Dispatcher exposes the underlying dispatcher for telemetry
// installation and other subscribers; it is not part of the tool
// surface and should only be used by pkg/telemetry and pkg/manager.
func (s *Session) Dispatcher() *cdp.Dispatcher { return s.d }

// DialogOpen reports whether a JavaScript dialog currently blocks
// eval_js and Tier-1 installation on this tab.
func (s *Session) DialogOpen() bool { return s.dialogOpen.Load() }

// SetDialogOpen is called by the dialog subscribers pkg/manager installs
// on this session's dispatcher (wireDialogGate) to flip the gate.
func (s *Session) SetDialogOpen(open bool) { s.dialogOpen.Store(open) }

// EnableDomain sends "<Domain>.enable" once per session; subsequent
// calls are no-ops, since enabling a domain is idempotent and its
// result is cached.
func (s *Session) EnableDomain(ctx context.Context, d Domain) error {
	s.mu.Lock()
	if s.enabled[d] {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	if _, err := s.Send(ctx, string(d)+".enable", nil, 0); err != nil {
		return err
	}
	s.mu.Lock()
	s.enabled[d] = true
	s.mu.Unlock()
	return nil
}

// Send is a thin wrapper around the dispatcher, translating transport
// and protocol failures into a ToolError.
func (s *Session) Send(ctx context.Context, method string, params any, timeout time.Duration) (json.RawMessage, error) {
	raw, err := s.d.Send(ctx, method, params, timeout)
	if err != nil {
		return nil, chrerr.New("session", method, err, "retry once the tab and dialog state settle")
	}
	return raw, nil
}

// EvalJS calls Runtime.evaluate with returnByValue=true,
// awaitPromise=true. It is refused with a DialogBlocked error while a
// dialog is open, since Runtime.evaluate can hang behind it.
func (s *Session) EvalJS(ctx context.Context, expr string, timeout time.Duration) (json.RawMessage, error) {
	if s.DialogOpen() {
		return nil, chrerr.DialogBlocked("session", "eval_js")
	}
	if err := s.EnableDomain(ctx, DomainRuntime); err != nil {
		return nil, err
	}
	params := map[string]any{
		"expression":    expr,
		"returnByValue": true,
		"awaitPromise":  true,
	}
	raw, err := s.Send(ctx, "Runtime.evaluate", params, timeout)
	if err != nil {
		return nil, err
	}
	var result struct {
		Result struct {
			Value json.RawMessage `json:"value"`
		} `json:"result"`
		ExceptionDetails *struct {
			Text string `json:"text"`
		} `json:"exceptionDetails"`
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, chrerr.New("session", "eval_js", err, "")
	}
	if result.ExceptionDetails != nil {
		return nil, chrerr.Validation("session", "eval_js", result.ExceptionDetails.Text)
	}
	return result.Result.Value, nil
}

// EvalJSValue is EvalJS, unmarshaling the materialized value into out.
func (s *Session) EvalJSValue(ctx context.Context, expr string, timeout time.Duration, out any) error {
	raw, err := s.EvalJS(ctx, expr, timeout)
	if err != nil {
		return err
	}
	if raw == nil {
		return nil
	}
	return json.Unmarshal(raw, out)
}

// Navigate calls Page.navigate and, if waitLoad is set, waits for a
// Page.loadEventFired or Page.frameStoppedLoading on the top frame
// bounded by timeout.
func (s *Session) Navigate(ctx context.Context, url string, waitLoad bool, timeout time.Duration) error {
	if err := s.EnableDomain(ctx, DomainPage); err != nil {
		return err
	}

	var loaded chan struct{}
	var unsub1, unsub2 func()
	if waitLoad {
		loaded = make(chan struct{}, 1)
		var once sync.Once
		fire := func(cdp.Event) {
			once.Do(func() { close(loaded) })
		}
		unsub1 = s.d.On("Page.loadEventFired", fire)
		unsub2 = s.d.On("Page.frameStoppedLoading", fire)
		defer unsub1()
		defer unsub2()
	}

	if _, err := s.Send(ctx, "Page.navigate", map[string]any{"url": url}, timeout); err != nil {
		return err
	}
	if !waitLoad {
		return nil
	}

	if timeout <= 0 {
		timeout = cdp.DefaultTimeout
	}
	select {
	case <-loaded:
		return nil
	case <-time.After(timeout):
		return chrerr.New("session", "navigate", fmt.Errorf("%w: load event", cdp.ErrTimeout), "the page may still be loading; retry get_dom or wait longer")
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Click dispatches a mouse press/release pair at (x, y).
func (s *Session) Click(ctx context.Context, x, y float64, button string, count int) error {
	if button == "" {
		button = "left"
	}
	if count <= 0 {
		count = 1
	}
	base := map[string]any{"x": x, "y": y, "button": button, "clickCount": count}
	press := merge(base, map[string]any{"type": "mousePressed"})
	if _, err := s.Send(ctx, "Input.dispatchMouseEvent", press, 0); err != nil {
		return err
	}
	release := merge(base, map[string]any{"type": "mouseReleased"})
	_, err := s.Send(ctx, "Input.dispatchMouseEvent", release, 0)
	return err
}

// TypeText inserts text at the current focus via Input.insertText.
func (s *Session) TypeText(ctx context.Context, text string) error {
	_, err := s.Send(ctx, "Input.insertText", map[string]any{"text": text}, 0)
	return err
}

// PressKey dispatches a keyDown/keyUp pair for a named key.
func (s *Session) PressKey(ctx context.Context, key string) error {
	base := map[string]any{"key": key}
	down := merge(base, map[string]any{"type": "keyDown"})
	if _, err := s.Send(ctx, "Input.dispatchKeyEvent", down, 0); err != nil {
		return err
	}
	up := merge(base, map[string]any{"type": "keyUp"})
	_, err := s.Send(ctx, "Input.dispatchKeyEvent", up, 0)
	return err
}

// Scroll dispatches a mouseWheel event at (x, y) with deltas (dx, dy).
func (s *Session) Scroll(ctx context.Context, x, y, dx, dy float64) error {
	params := map[string]any{"type": "mouseWheel", "x": x, "y": y, "deltaX": dx, "deltaY": dy}
	_, err := s.Send(ctx, "Input.dispatchMouseEvent", params, 0)
	return err
}

// Drag dispatches a press/move-sequence/release to drag from (x1,y1)
// to (x2,y2) over the given number of intermediate steps.
func (s *Session) Drag(ctx context.Context, x1, y1, x2, y2 float64, steps int) error {
	if steps <= 0 {
		steps = 1
	}
	if _, err := s.Send(ctx, "Input.dispatchMouseEvent", map[string]any{
		"type": "mousePressed", "x": x1, "y": y1, "button": "left", "clickCount": 1,
	}, 0); err != nil {
		return err
	}
	for i := 1; i <= steps; i++ {
		frac := float64(i) / float64(steps)
		x := x1 + (x2-x1)*frac
		y := y1 + (y2-y1)*frac
		if _, err := s.Send(ctx, "Input.dispatchMouseEvent", map[string]any{
			"type": "mouseMoved", "x": x, "y": y, "button": "left",
		}, 0); err != nil {
			return err
		}
	}
	_, err := s.Send(ctx, "Input.dispatchMouseEvent", map[string]any{
		"type": "mouseReleased", "x": x2, "y": y2, "button": "left", "clickCount": 1,
	}, 0)
	return err
}

// GetDOM returns the serialized top document via DOM.getDocument.
func (s *Session) GetDOM(ctx context.Context, depth int) (json.RawMessage, error) {
	if err := s.EnableDomain(ctx, DomainDOM); err != nil {
		return nil, err
	}
	if depth == 0 {
		depth = -1
	}
	return s.Send(ctx, "DOM.getDocument", map[string]any{"depth": depth, "pierce": true}, 0)
}

// Close releases the transport unconditionally. It is idempotent: a
// second call is a no-op and never blocks on a dialog or command
// in flight.
func (s *Session) Close() error {
	var err error
	s.closeOnce.Do(func() {
		err = s.d.Close()
	})
	return err
}

func merge(a, b map[string]any) map[string]any {
	out := make(map[string]any, len(a)+len(b))
	for k, v := range a {
		out[k] = v
	}
	for k, v := range b {
		out[k] = v
	}
	return out
}
