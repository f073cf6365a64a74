// Package manager implements the process-wide session manager: the
// registry of per-tab Sessions and telemetry state, the shared-session
// scope used by batched tool calls, the tab lifecycle state machine,
// and the global safety policy.
package manager

import (
	"context"
	"fmt"
	"net/url"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	"github.com/sirupsen/logrus"

	"github.com/fenwick-labs/chromesession/pkg/browsersession"
	"github.com/fenwick-labs/chromesession/pkg/cdp"
	"github.com/fenwick-labs/chromesession/pkg/chrerr"
	"github.com/fenwick-labs/chromesession/pkg/diagnostics"
	"github.com/fenwick-labs/chromesession/pkg/safety"
	"github.com/fenwick-labs/chromesession/pkg/telemetry"
)

// TabState is a tab's position in the lifecycle state machine:
// NEW -> ATTACHED -> LIVE <-> DIALOG_BLOCKED -> CLOSING -> CLOSED.
type TabState string

const (
	TabNew           TabState = "new"
	TabAttached      TabState = "attached"
	TabLive          TabState = "live"
	TabDialogBlocked TabState = "dialog_blocked"
	TabClosing       TabState = "closing"
	TabClosed        TabState = "closed"
)

// tab bundles everything the manager tracks for one browser tab.
type tab struct {
	mu    sync.Mutex
	state TabState

	session *browsersession.Session
	tier0   *telemetry.Tier0
	aff     *affordanceStore
	graph   *navGraph
	captcha *captchaWorkbench
}

func (t *tab) setState(s TabState) {
	t.mu.Lock()
	t.state = s
	t.mu.Unlock()
}

func (t *tab) getState() TabState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Manager is the process-wide registry of tabs, their telemetry state,
// the shared-session scope, and the global safety policy.
type Manager struct {
	log *logrus.Entry

	mu   sync.RWMutex
	tabs map[string]*tab

	sharedMu    sync.Mutex
	sharedTabID string
	sharedDepth int

	browserMu   sync.Mutex
	browserAddr string // host:port of the connected browser-level endpoint
	browserDisp *cdp.Dispatcher
	targets     *cdp.TargetTracker

	policyMu sync.RWMutex
	mode     safety.Mode
	allow    safety.AllowHosts
	policy   safety.PermissionPolicy
}

// SessionConfig selects the target GetSession opens a session against:
// an existing target id, or a freshly created target at URL when
// TargetID is empty.
type SessionConfig struct {
	TargetID string
	URL      string
}

// New constructs an empty Manager bound to the given global safety
// settings.
func New(mode safety.Mode, allow safety.AllowHosts, policy safety.PermissionPolicy, log *logrus.Entry) *Manager {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Manager{
		log:    log,
		tabs:   make(map[string]*tab),
		mode:   mode,
		allow:  allow,
		policy: policy,
	}
}

// ConnectBrowser dials the browser-level CDP endpoint (as opposed to a
// per-tab debugger URL) and starts discovering its targets, so
// GetSession can open sessions against targets this process did not
// itself dial. Calling it again replaces the previous connection.
func (m *Manager) ConnectBrowser(ctx context.Context, browserDebuggerURL string) error {
	u, perr := url.Parse(browserDebuggerURL)
	if perr != nil || u.Host == "" {
		return chrerr.Validation("manager", "connect_browser", fmt.Sprintf("invalid debugger URL %q", browserDebuggerURL))
	}

	t, err := cdp.Dial(ctx, browserDebuggerURL, m.log)
	if err != nil {
		return chrerr.New("manager", "connect_browser", err, "verify the browser's remote-debugging endpoint is reachable")
	}
	d := cdp.NewDispatcher(t, m.log)
	tracker, err := cdp.NewTargetTracker(ctx, d)
	if err != nil {
		d.Close()
		return err
	}

	m.browserMu.Lock()
	if m.browserDisp != nil {
		m.targets.Close()
		m.browserDisp.Close()
	}
	m.browserAddr = u.Host
	m.browserDisp = d
	m.targets = tracker
	m.browserMu.Unlock()
	return nil
}

// GetSession opens a fresh session against a target chosen by cfg: an
// already-discovered target when cfg.TargetID is set, or a newly
// created page at cfg.URL otherwise. ConnectBrowser must have been
// called first. The per-tab debugger URL is constructed as
// ws://<browser-host:port>/devtools/page/<targetId>, the standard
// Chrome DevTools convention for a page-level socket once a target id
// is known, so no Target.attachToTarget session multiplexing is
// needed: the returned Session still owns one dedicated connection.
func (m *Manager) GetSession(ctx context.Context, cfg SessionConfig, timeout time.Duration) (tabID string, sess *browsersession.Session, err error) {
	m.browserMu.Lock()
	addr, tracker := m.browserAddr, m.targets
	m.browserMu.Unlock()
	if tracker == nil {
		return "", nil, chrerr.Policy("manager", "get_session", "no browser connection", "call ConnectBrowser with the browser's remote-debugging endpoint first")
	}

	dialCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		dialCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	var ti cdp.TargetInfo
	if cfg.TargetID != "" {
		var ok bool
		ti, ok = tracker.Get(cfg.TargetID)
		if !ok {
			return "", nil, chrerr.Validation("manager", "get_session", fmt.Sprintf("unknown target %q", cfg.TargetID))
		}
	} else {
		ti, err = tracker.Create(dialCtx, cfg.URL)
		if err != nil {
			return "", nil, err
		}
	}

	debuggerURL := fmt.Sprintf("ws://%s/devtools/page/%s", addr, ti.TargetID)
	sess, err = browsersession.Dial(dialCtx, ti.TargetID, ti.TargetID, debuggerURL, m.log)
	if err != nil {
		return "", nil, err
	}
	m.Attach(sess)
	return sess.TabID, sess, nil
}

// Attach registers a freshly dialed session under tabID, transitioning
// it NEW -> ATTACHED. Telemetry taps are wired immediately so no
// console/network activity before the caller's first enable_domain
// call is lost.
func (m *Manager) Attach(s *browsersession.Session) *tab {
	t := &tab{
		state:   TabAttached,
		session: s,
		tier0:   telemetry.NewTier0(telemetry.Config{}),
		aff:     newAffordanceStore(),
		graph:   newNavGraph(),
		captcha: newCaptchaWorkbench(),
	}
	t.tier0.Install(s.Dispatcher())

	m.mu.Lock()
	m.tabs[s.TabID] = t
	m.mu.Unlock()

	m.wireDialogGate(t)
	m.wireNavGraph(t)
	return t
}

// wireDialogGate keeps session.DialogOpen in lockstep with the Tier-0
// dialog buffer and drives the LIVE <-> DIALOG_BLOCKED half of the
// lifecycle state machine.
func (m *Manager) wireDialogGate(t *tab) {
	t.session.Dispatcher().On("Page.javascriptDialogOpening", func(cdp.Event) {
		t.session.SetDialogOpen(true)
		if t.getState() == TabLive {
			t.setState(TabDialogBlocked)
		}
	})
	t.session.Dispatcher().On("Page.javascriptDialogClosed", func(cdp.Event) {
		t.session.SetDialogOpen(false)
		if t.getState() == TabDialogBlocked {
			t.setState(TabLive)
		}
	})
}

// wireNavGraph records every top-frame navigation the Tier-0 taps
// observe as a nav-graph node, redacted before storage, and advances
// ATTACHED -> LIVE on the tab's first navigation.
func (m *Manager) wireNavGraph(t *tab) {
	t.session.Dispatcher().On("Page.frameNavigated", func(ev cdp.Event) {
		var p struct {
			Frame struct {
				ParentID string `json:"parentId"`
				URL      string `json:"url"`
				Name     string `json:"name"`
			} `json:"frame"`
		}
		if err := json.Unmarshal(ev.Params, &p); err != nil || p.Frame.ParentID != "" {
			return
		}
		t.graph.observe(p.Frame.URL, p.Frame.Name, nil)
		if t.getState() == TabAttached {
			t.setState(TabLive)
		}
	})
}

// tabByID looks up a registered tab by id.
func (m *Manager) tabByID(tabID string) (*tab, error) {
	m.mu.RLock()
	t, ok := m.tabs[tabID]
	m.mu.RUnlock()
	if !ok {
		return nil, chrerr.Validation("manager", "lookup", fmt.Sprintf("unknown tab %q", tabID))
	}
	return t, nil
}

// EnsureTelemetry reports whether Tier-0 taps are attached for tabID.
// Installation happens unconditionally in Attach, so this always
// succeeds for a registered tab; it exists as its own idempotent
// operation so a caller can retry it freely and to surface a clear
// error for an unknown tab.
func (m *Manager) EnsureTelemetry(tabID string) (map[string]any, error) {
	if _, err := m.tabByID(tabID); err != nil {
		return nil, err
	}
	return map[string]any{"enabled": true, "tier": "tier0"}, nil
}

// EnsureDiagnostics installs the Tier-1 collector when safe (not
// dialog-blocked).
func (m *Manager) EnsureDiagnostics(tabID string) (diagnostics.Result, error) {
	t, err := m.tabByID(tabID)
	if err != nil {
		return diagnostics.Result{}, err
	}
	return diagnostics.Ensure(sessionEvaluator{t.session}), nil
}

// sessionEvaluator adapts *browsersession.Session to
// diagnostics.Evaluator, using a bounded background context since
// Tier-1 installation is always best-effort.
type sessionEvaluator struct {
	s *browsersession.Session
}

func (e sessionEvaluator) DialogOpen() bool { return e.s.DialogOpen() }

func (e sessionEvaluator) EvalJS(js string) (json.RawMessage, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return e.s.EvalJS(ctx, js, 0)
}

// Tier0Snapshot returns the paginated Tier-0 view for tabID.
func (m *Manager) Tier0Snapshot(tabID string, since int64, offset, limit int, descending bool) (telemetry.Snapshot, error) {
	t, err := m.tabByID(tabID)
	if err != nil {
		return telemetry.Snapshot{}, err
	}
	return t.tier0.Snapshot(since, offset, limit, descending), nil
}

// GetTelemetry returns the raw Tier-0 state including dialog_open, for
// callers that need the flag without paginating the buffers.
func (m *Manager) GetTelemetry(tabID string) (telemetry.Snapshot, bool, error) {
	t, err := m.tabByID(tabID)
	if err != nil {
		return telemetry.Snapshot{}, false, err
	}
	return t.tier0.Snapshot(0, 0, telemetry.DefaultCapacity, false), t.session.DialogOpen(), nil
}

// ClearTelemetry resets tabID's Tier-0 buffers, keeping the cursor.
func (m *Manager) ClearTelemetry(tabID string) error {
	t, err := m.tabByID(tabID)
	if err != nil {
		return err
	}
	t.tier0.Clear()
	return nil
}

// SetAffordances replaces tabID's affordance store contents, returning
// the assigned refs in item order.
func (m *Manager) SetAffordances(tabID string, items []Affordance, url string) ([]string, error) {
	t, err := m.tabByID(tabID)
	if err != nil {
		return nil, err
	}
	return t.aff.set(items, url), nil
}

// ResolveAffordance looks up a previously assigned ref.
func (m *Manager) ResolveAffordance(tabID, ref string) (Affordance, error) {
	t, err := m.tabByID(tabID)
	if err != nil {
		return Affordance{}, err
	}
	a, ok := t.aff.resolve(ref)
	if !ok {
		return Affordance{}, chrerr.Validation("manager", "resolve_affordance", fmt.Sprintf("unknown ref %q", ref))
	}
	return a, nil
}

// NoteNavGraphObservation records a visit (and any discovered link
// edges) against tabID's navigation graph.
func (m *Manager) NoteNavGraphObservation(tabID, url, title string, linkEdges []string) error {
	t, err := m.tabByID(tabID)
	if err != nil {
		return err
	}
	t.graph.observe(url, title, linkEdges)
	return nil
}

// GetNavGraphView returns a bounded snapshot of tabID's navigation
// graph.
func (m *Manager) GetNavGraphView(tabID string, nodeLimit, edgeLimit int) (View, error) {
	t, err := m.tabByID(tabID)
	if err != nil {
		return View{}, err
	}
	return t.graph.view(nodeLimit, edgeLimit), nil
}

// SetCaptchaState stores tabID's most recent CAPTCHA grid map.
func (m *Manager) SetCaptchaState(tabID string, state CaptchaState, viewport Rect) error {
	t, err := m.tabByID(tabID)
	if err != nil {
		return err
	}
	t.captcha.set(state, viewport)
	return nil
}

// GetCaptchaState returns tabID's CAPTCHA state if it is still fresh
// and the scroll/viewport it was captured at still match.
func (m *Manager) GetCaptchaState(tabID string, maxAge time.Duration, scroll ScrollOffset, viewport Rect) (CaptchaState, bool, error) {
	t, err := m.tabByID(tabID)
	if err != nil {
		return CaptchaState{}, false, err
	}
	state, ok := t.captcha.get(maxAge, scroll, viewport)
	return state, ok, nil
}

// InvalidateCaptcha drops tabID's cached CAPTCHA state; called on
// scroll delta or viewport resize, ahead of the TTL it would otherwise
// expire on.
func (m *Manager) InvalidateCaptcha(tabID string) error {
	t, err := m.tabByID(tabID)
	if err != nil {
		return err
	}
	t.captcha.invalidate()
	return nil
}

// GetPolicy returns the current global safety mode, allowlist and
// permission policy.
func (m *Manager) GetPolicy() (safety.Mode, safety.AllowHosts, safety.PermissionPolicy) {
	m.policyMu.RLock()
	defer m.policyMu.RUnlock()
	return m.mode, m.allow, m.policy
}

// SetPolicy atomically replaces the global safety mode.
func (m *Manager) SetPolicy(mode safety.Mode) {
	m.policyMu.Lock()
	defer m.policyMu.Unlock()
	m.mode = mode
}

// SharedSession acquires the process-wide shared-session scope for
// tabID and hands back its live *browsersession.Session for reuse
// across a batch of tool calls, incrementing a nesting depth. The
// returned release function must be called exactly once; only the
// outermost release closes the session's transport, so nested
// acquisitions by the same tab share one live connection until the
// outermost caller releases it.
func (m *Manager) SharedSession(tabID string) (sess *browsersession.Session, release func(), err error) {
	t, err := m.tabByID(tabID)
	if err != nil {
		return nil, nil, err
	}

	m.sharedMu.Lock()
	if m.sharedTabID != "" && m.sharedTabID != tabID {
		m.sharedMu.Unlock()
		return nil, nil, chrerr.Policy("manager", "shared_session", "a different tab already holds the shared session", "close the active shared session before switching tabs")
	}
	m.sharedTabID = tabID
	m.sharedDepth++
	m.sharedMu.Unlock()

	release = func() {
		m.sharedMu.Lock()
		m.sharedDepth--
		outermost := m.sharedDepth <= 0
		if outermost {
			m.sharedTabID = ""
			m.sharedDepth = 0
		}
		m.sharedMu.Unlock()
		if outermost {
			t.session.Close()
			t.setState(TabClosing)
			t.setState(TabClosed)
		}
	}
	return t.session, release, nil
}

// GetActiveSharedSession returns the tab id and session currently held
// by an outer SharedSession scope, letting a nested tool call reuse it
// without dialing its own connection. ok is false if no scope is
// active.
func (m *Manager) GetActiveSharedSession() (tabID string, sess *browsersession.Session, ok bool) {
	m.sharedMu.Lock()
	tabID = m.sharedTabID
	m.sharedMu.Unlock()
	if tabID == "" {
		return "", nil, false
	}
	t, err := m.tabByID(tabID)
	if err != nil {
		return "", nil, false
	}
	return tabID, t.session, true
}

// Close transitions tabID CLOSING -> CLOSED and releases its
// transport, retaining its telemetry buffers until an explicit
// RemoveTab call.
func (m *Manager) Close(tabID string) error {
	t, err := m.tabByID(tabID)
	if err != nil {
		return err
	}
	t.setState(TabClosing)
	err = t.session.Close()
	t.setState(TabClosed)
	return err
}

// RemoveTab drops tabID from the registry entirely, including its
// telemetry buffers.
func (m *Manager) RemoveTab(tabID string) {
	m.mu.Lock()
	delete(m.tabs, tabID)
	m.mu.Unlock()
}

// State returns tabID's current lifecycle state.
func (m *Manager) State(tabID string) (TabState, error) {
	t, err := m.tabByID(tabID)
	if err != nil {
		return "", err
	}
	return t.getState(), nil
}
