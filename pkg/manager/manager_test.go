package manager

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sort"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/fenwick-labs/chromesession/pkg/browsersession"
	"github.com/fenwick-labs/chromesession/pkg/safety"
)

// fakeTab is a minimal CDP endpoint: it answers every command with
// {"ok":true} and lets the test push events on demand via emit.
type fakeTab struct {
	srv   *httptest.Server
	wsURL string
	conn  chan *websocket.Conn
}

func newFakeTab(t *testing.T) *fakeTab {
	t.Helper()
	upgrader := websocket.Upgrader{}
	ft := &fakeTab{conn: make(chan *websocket.Conn, 1)}
	ft.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		ft.conn <- c
		go func() {
			for {
				_, b, err := c.ReadMessage()
				if err != nil {
					return
				}
				var req struct {
					ID     int64  `json:"id"`
					Method string `json:"method"`
				}
				require.NoError(t, json.Unmarshal(b, &req))
				resp := `{"id":` + strconv.FormatInt(req.ID, 10) + `,"result":{}}`
				if err := c.WriteMessage(websocket.TextMessage, []byte(resp)); err != nil {
					return
				}
			}
		}()
	}))
	ft.wsURL = "ws" + strings.TrimPrefix(ft.srv.URL, "http")
	return ft
}

func (ft *fakeTab) emit(t *testing.T, method string, params string) {
	t.Helper()
	c := <-ft.conn
	ft.conn <- c
	msg := `{"method":"` + method + `","params":` + params + `}`
	require.NoError(t, c.WriteMessage(websocket.TextMessage, []byte(msg)))
}

func newTestManager(t *testing.T) (*Manager, string, *fakeTab) {
	t.Helper()
	ft := newFakeTab(t)
	t.Cleanup(ft.srv.Close)

	s, err := browsersession.Dial(context.Background(), "tab1", "target1", ft.wsURL, nil)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	m := New(safety.ModePermissive, safety.AllowHosts{}, safety.PermissionPolicy{}, nil)
	m.Attach(s)
	return m, "tab1", ft
}

func TestAffordanceRefStableAcrossDOMOrderPermutation(t *testing.T) {
	m, tabID, _ := newTestManager(t)

	a := Affordance{Tool: "click", Args: map[string]any{"x": 1.0, "y": 2.0}}
	b := Affordance{Tool: "type", Args: map[string]any{"text": "hi"}}

	refsForward, err := m.SetAffordances(tabID, []Affordance{a, b}, "https://example.com")
	require.NoError(t, err)

	refsReversed, err := m.SetAffordances(tabID, []Affordance{b, a}, "https://example.com")
	require.NoError(t, err)

	sort.Strings(refsForward)
	sort.Strings(refsReversed)
	require.Equal(t, refsForward, refsReversed)
}

func TestResolveAffordanceUnknownRefErrors(t *testing.T) {
	m, tabID, _ := newTestManager(t)
	_, err := m.ResolveAffordance(tabID, "aff:0000000000")
	require.Error(t, err)
}

func TestNavGraphRedactsQueryAndFragment(t *testing.T) {
	m, tabID, _ := newTestManager(t)

	require.NoError(t, m.NoteNavGraphObservation(tabID, "https://example.com/page?x=1#frag", "Title", nil))

	view, err := m.GetNavGraphView(tabID, 0, 0)
	require.NoError(t, err)
	require.Len(t, view.Nodes, 1)
	require.Equal(t, "https://example.com/page", view.Nodes[0].URL)
}

func TestNavGraphTracksTransitionEdges(t *testing.T) {
	m, tabID, _ := newTestManager(t)

	require.NoError(t, m.NoteNavGraphObservation(tabID, "https://example.com/a", "", nil))
	require.NoError(t, m.NoteNavGraphObservation(tabID, "https://example.com/b", "", nil))

	view, err := m.GetNavGraphView(tabID, 0, 0)
	require.NoError(t, err)
	require.Len(t, view.Nodes, 2)
	require.Len(t, view.Edges, 1)
	require.Equal(t, "https://example.com/a", view.Edges[0].From)
	require.Equal(t, "https://example.com/b", view.Edges[0].To)
	require.False(t, view.Edges[0].Discovered)
}

func TestNavGraphPrunesOldestNodeBeyondCap(t *testing.T) {
	g := newNavGraph()
	for i := 0; i < navGraphMaxNodes+10; i++ {
		g.observe("https://example.com/"+strconv.Itoa(i), "", nil)
	}
	view := g.view(0, 0)
	require.Len(t, view.Nodes, navGraphMaxNodes)
	require.Equal(t, "https://example.com/10", view.Nodes[0].URL)
}

func TestCaptchaStateExpiresByTTL(t *testing.T) {
	m, tabID, _ := newTestManager(t)
	viewport := Rect{W: 1280, H: 720}

	require.NoError(t, m.SetCaptchaState(tabID, CaptchaState{Type: "grid"}, viewport))

	time.Sleep(5 * time.Millisecond)
	_, ok, err := m.GetCaptchaState(tabID, time.Millisecond, ScrollOffset{}, viewport)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestCaptchaStateInvalidatedByScrollChange(t *testing.T) {
	m, tabID, _ := newTestManager(t)
	viewport := Rect{W: 1280, H: 720}

	require.NoError(t, m.SetCaptchaState(tabID, CaptchaState{Type: "grid", Scroll: ScrollOffset{Y: 0}}, viewport))

	_, ok, err := m.GetCaptchaState(tabID, time.Minute, ScrollOffset{Y: 200}, viewport)
	require.NoError(t, err)
	require.False(t, ok, "scroll offset changed since capture, state must be considered stale")
}

func TestCaptchaStateInvalidatedByViewportResize(t *testing.T) {
	m, tabID, _ := newTestManager(t)
	viewport := Rect{W: 1280, H: 720}

	require.NoError(t, m.SetCaptchaState(tabID, CaptchaState{Type: "grid"}, viewport))

	_, ok, err := m.GetCaptchaState(tabID, time.Minute, ScrollOffset{}, Rect{W: 800, H: 600})
	require.NoError(t, err)
	require.False(t, ok)
}

func TestEnsureTelemetryUnknownTabErrors(t *testing.T) {
	m := New(safety.ModePermissive, safety.AllowHosts{}, safety.PermissionPolicy{}, nil)
	_, err := m.EnsureTelemetry("no-such-tab")
	require.Error(t, err)
}

func TestEnsureTelemetryIdempotent(t *testing.T) {
	m, tabID, _ := newTestManager(t)

	r1, err := m.EnsureTelemetry(tabID)
	require.NoError(t, err)
	r2, err := m.EnsureTelemetry(tabID)
	require.NoError(t, err)
	require.Equal(t, r1, r2)
}

func TestDialogOpenCloseTransitionsLifecycleState(t *testing.T) {
	m, tabID, ft := newTestManager(t)

	require.NoError(t, m.NoteNavGraphObservation(tabID, "https://example.com", "", nil))
	ft.emit(t, "Page.frameNavigated", `{"frame":{"id":"f1","url":"https://example.com","name":""}}`)
	require.Eventually(t, func() bool {
		s, _ := m.State(tabID)
		return s == TabLive
	}, time.Second, 5*time.Millisecond)

	ft.emit(t, "Page.javascriptDialogOpening", `{"type":"alert","message":"hi"}`)
	require.Eventually(t, func() bool {
		s, _ := m.State(tabID)
		return s == TabDialogBlocked
	}, time.Second, 5*time.Millisecond)

	ft.emit(t, "Page.javascriptDialogClosed", `{}`)
	require.Eventually(t, func() bool {
		s, _ := m.State(tabID)
		return s == TabLive
	}, time.Second, 5*time.Millisecond)
}

func TestSharedSessionReleasesOnlyAtOutermostDepth(t *testing.T) {
	m, tabID, _ := newTestManager(t)

	sess1, release1, err := m.SharedSession(tabID)
	require.NoError(t, err)
	sess2, release2, err := m.SharedSession(tabID)
	require.NoError(t, err)
	require.Same(t, sess1, sess2)

	activeTab, activeSess, ok := m.GetActiveSharedSession()
	require.True(t, ok)
	require.Equal(t, tabID, activeTab)
	require.Same(t, sess1, activeSess)

	release1()
	m.sharedMu.Lock()
	depth := m.sharedDepth
	held := m.sharedTabID
	m.sharedMu.Unlock()
	require.Equal(t, 1, depth)
	require.Equal(t, tabID, held)

	state, err := m.State(tabID)
	require.NoError(t, err)
	require.NotEqual(t, TabClosed, state, "nested release must not close the transport")

	release2()
	m.sharedMu.Lock()
	depth = m.sharedDepth
	held = m.sharedTabID
	m.sharedMu.Unlock()
	require.Equal(t, 0, depth)
	require.Equal(t, "", held)

	state, err = m.State(tabID)
	require.NoError(t, err)
	require.Equal(t, TabClosed, state, "outermost release must close the transport")

	_, _, ok = m.GetActiveSharedSession()
	require.False(t, ok)
}

func TestSharedSessionRejectsDifferentTabWhileHeld(t *testing.T) {
	m, tabID, _ := newTestManager(t)

	_, release, err := m.SharedSession(tabID)
	require.NoError(t, err)
	defer release()

	_, _, err = m.SharedSession("other-tab")
	require.Error(t, err)
}

// fakeBrowser answers Target.* discovery calls and echoes everything
// else with {}, simulating a browser-level debugger endpoint shared by
// every per-tab connection a test dials against it.
type fakeBrowser struct {
	srv *httptest.Server
	url string
}

func newFakeBrowser(t *testing.T, targetID string) *fakeBrowser {
	t.Helper()
	upgrader := websocket.Upgrader{}
	fb := &fakeBrowser{}
	fb.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		for {
			_, b, err := c.ReadMessage()
			if err != nil {
				return
			}
			var req struct {
				ID     int64  `json:"id"`
				Method string `json:"method"`
			}
			require.NoError(t, json.Unmarshal(b, &req))
			result := `{}`
			switch req.Method {
			case "Target.getTargets":
				result = `{"targetInfos":[{"targetId":"` + targetID + `","type":"page","url":"https://example.com"}]}`
			case "Target.createTarget":
				result = `{"targetId":"` + targetID + `"}`
			}
			resp := `{"id":` + strconv.FormatInt(req.ID, 10) + `,"result":` + result + `}`
			if err := c.WriteMessage(websocket.TextMessage, []byte(resp)); err != nil {
				return
			}
		}
	}))
	fb.url = "ws" + strings.TrimPrefix(fb.srv.URL, "http")
	return fb
}

func TestGetSessionOpensSessionAgainstDiscoveredTarget(t *testing.T) {
	fb := newFakeBrowser(t, "target-1")
	t.Cleanup(fb.srv.Close)

	m := New(safety.ModePermissive, safety.AllowHosts{}, safety.PermissionPolicy{}, nil)
	require.NoError(t, m.ConnectBrowser(context.Background(), fb.url))

	tabID, sess, err := m.GetSession(context.Background(), SessionConfig{TargetID: "target-1"}, time.Second)
	require.NoError(t, err)
	require.Equal(t, "target-1", tabID)
	require.Equal(t, "target-1", sess.TargetID)

	state, err := m.State(tabID)
	require.NoError(t, err)
	require.Equal(t, TabAttached, state)
}

func TestGetSessionCreatesTargetWhenNoneSpecified(t *testing.T) {
	fb := newFakeBrowser(t, "target-2")
	t.Cleanup(fb.srv.Close)

	m := New(safety.ModePermissive, safety.AllowHosts{}, safety.PermissionPolicy{}, nil)
	require.NoError(t, m.ConnectBrowser(context.Background(), fb.url))

	tabID, _, err := m.GetSession(context.Background(), SessionConfig{URL: "https://example.com"}, time.Second)
	require.NoError(t, err)
	require.Equal(t, "target-2", tabID)
}

func TestGetSessionWithoutConnectBrowserErrors(t *testing.T) {
	m := New(safety.ModePermissive, safety.AllowHosts{}, safety.PermissionPolicy{}, nil)
	_, _, err := m.GetSession(context.Background(), SessionConfig{TargetID: "whatever"}, time.Second)
	require.Error(t, err)
}

func TestCloseTransitionsToClosedAndRetainsTelemetry(t *testing.T) {
	m, tabID, _ := newTestManager(t)

	t1, err := m.tabByID(tabID)
	require.NoError(t, err)
	t1.tier0.AddConsole("log", []string{"hello"}, "")

	require.NoError(t, m.Close(tabID))
	state, err := m.State(tabID)
	require.NoError(t, err)
	require.Equal(t, TabClosed, state)

	snap, err := m.Tier0Snapshot(tabID, 0, 0, 10, false)
	require.NoError(t, err)
	require.Len(t, snap.Console, 1)
}
