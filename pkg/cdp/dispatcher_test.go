package cdp

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

// fakeBrowser is a minimal in-process stand-in for a Chromium CDP
// endpoint: it upgrades one WebSocket connection and runs a caller-
// supplied handler over it, so dispatcher/session/telemetry tests never
// need a real browser.
type fakeBrowser struct {
	srv    *httptest.Server
	wsURL  string
	accept chan *websocket.Conn
}

func newFakeBrowser(t *testing.T, handle func(*websocket.Conn)) *fakeBrowser {
	t.Helper()
	upgrader := websocket.Upgrader{}
	fb := &fakeBrowser{accept: make(chan *websocket.Conn, 1)}
	fb.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		fb.accept <- c
		if handle != nil {
			handle(c)
		}
	}))
	fb.wsURL = "ws" + strings.TrimPrefix(fb.srv.URL, "http")
	return fb
}

func (fb *fakeBrowser) close() { fb.srv.Close() }

func TestDispatcherSendResolvesMatchingID(t *testing.T) {
	fb := newFakeBrowser(t, func(c *websocket.Conn) {
		for {
			_, b, err := c.ReadMessage()
			if err != nil {
				return
			}
			m := &Message{}
			require.NoError(t, unmarshal(b, m))
			resp, _ := marshal(&Message{ID: m.ID, Result: rawMessage([]byte(`{"ok":true}`))})
			if err := c.WriteMessage(websocket.TextMessage, resp); err != nil {
				return
			}
		}
	})
	defer fb.close()

	tr, err := Dial(context.Background(), fb.wsURL, nil)
	require.NoError(t, err)
	d := NewDispatcher(tr, nil)
	defer d.Close()

	result, err := d.Send(context.Background(), "Page.enable", nil, time.Second)
	require.NoError(t, err)
	require.JSONEq(t, `{"ok":true}`, string(result))
}

func TestDispatcherTwoCommandsNeverShareAResponse(t *testing.T) {
	fb := newFakeBrowser(t, func(c *websocket.Conn) {
		for i := 0; i < 2; i++ {
			_, b, err := c.ReadMessage()
			if err != nil {
				return
			}
			m := &Message{}
			require.NoError(t, unmarshal(b, m))
			resp, _ := marshal(&Message{ID: m.ID, Result: rawMessage([]byte(`{"n":` + string(rune('0'+m.ID)) + `}`))})
			c.WriteMessage(websocket.TextMessage, resp)
		}
	})
	defer fb.close()

	tr, err := Dial(context.Background(), fb.wsURL, nil)
	require.NoError(t, err)
	d := NewDispatcher(tr, nil)
	defer d.Close()

	type result struct {
		id  int64
		res []byte
		err error
	}
	results := make(chan result, 2)
	for i := 0; i < 2; i++ {
		go func() {
			res, err := d.Send(context.Background(), "Runtime.evaluate", nil, time.Second)
			results <- result{res: res, err: err}
		}()
	}
	seen := map[string]bool{}
	for i := 0; i < 2; i++ {
		r := <-results
		require.NoError(t, r.err)
		require.False(t, seen[string(r.res)], "two commands resolved with the same response frame")
		seen[string(r.res)] = true
	}
}

func TestDispatcherTimeout(t *testing.T) {
	fb := newFakeBrowser(t, func(c *websocket.Conn) {
		// Never respond.
		<-make(chan struct{})
	})
	defer fb.close()

	tr, err := Dial(context.Background(), fb.wsURL, nil)
	require.NoError(t, err)
	d := NewDispatcher(tr, nil)
	defer d.Close()

	_, err = d.Send(context.Background(), "Page.navigate", nil, 20*time.Millisecond)
	require.ErrorIs(t, err, ErrTimeout)
}

func TestDispatcherProtocolError(t *testing.T) {
	fb := newFakeBrowser(t, func(c *websocket.Conn) {
		_, b, err := c.ReadMessage()
		require.NoError(t, err)
		m := &Message{}
		require.NoError(t, unmarshal(b, m))
		resp, _ := marshal(&Message{ID: m.ID, Error: &ProtocolError{Code: -32000, Message: "boom"}})
		c.WriteMessage(websocket.TextMessage, resp)
	})
	defer fb.close()

	tr, err := Dial(context.Background(), fb.wsURL, nil)
	require.NoError(t, err)
	d := NewDispatcher(tr, nil)
	defer d.Close()

	_, err = d.Send(context.Background(), "DOM.querySelector", nil, time.Second)
	require.Error(t, err)
	var cmdErr *CommandError
	require.ErrorAs(t, err, &cmdErr)
	require.Equal(t, "boom", cmdErr.Message)
}

func TestDispatcherCloseFailsPendingSends(t *testing.T) {
	fb := newFakeBrowser(t, func(c *websocket.Conn) {
		<-make(chan struct{})
	})
	defer fb.close()

	tr, err := Dial(context.Background(), fb.wsURL, nil)
	require.NoError(t, err)
	d := NewDispatcher(tr, nil)

	errCh := make(chan error, 1)
	go func() {
		_, err := d.Send(context.Background(), "Page.navigate", nil, 5*time.Second)
		errCh <- err
	}()
	time.Sleep(20 * time.Millisecond)
	d.Close()

	select {
	case err := <-errCh:
		require.ErrorIs(t, err, ErrTransportClosed)
	case <-time.After(time.Second):
		t.Fatal("Send did not return after Close")
	}

	_, err = d.Send(context.Background(), "Page.navigate", nil, time.Second)
	require.ErrorIs(t, err, ErrTransportClosed)
}

func TestDispatcherEventSubscriber(t *testing.T) {
	fb := newFakeBrowser(t, func(c *websocket.Conn) {
		ev, _ := marshal(&Message{Method: "Page.frameNavigated", Params: rawMessage([]byte(`{"url":"https://example.com"}`))})
		c.WriteMessage(websocket.TextMessage, ev)
		<-make(chan struct{})
	})
	defer fb.close()

	tr, err := Dial(context.Background(), fb.wsURL, nil)
	require.NoError(t, err)
	d := NewDispatcher(tr, nil)
	defer d.Close()

	got := make(chan Event, 1)
	d.On("Page.frameNavigated", func(e Event) { got <- e })

	select {
	case e := <-got:
		require.JSONEq(t, `{"url":"https://example.com"}`, string(e.Params))
	case <-time.After(time.Second):
		t.Fatal("event not delivered")
	}
}

func TestDispatcherUnsubscribeStopsDelivery(t *testing.T) {
	evCh := make(chan struct{})
	fb := newFakeBrowser(t, func(c *websocket.Conn) {
		for i := 0; i < 2; i++ {
			<-evCh
			ev, _ := marshal(&Message{Method: "Page.frameNavigated", Params: rawMessage([]byte(`{}`))})
			c.WriteMessage(websocket.TextMessage, ev)
		}
		<-make(chan struct{})
	})
	defer fb.close()

	tr, err := Dial(context.Background(), fb.wsURL, nil)
	require.NoError(t, err)
	d := NewDispatcher(tr, nil)
	defer d.Close()

	calls := 0
	done := make(chan struct{}, 2)
	unsub := d.On("Page.frameNavigated", func(Event) {
		calls++
		done <- struct{}{}
	})

	evCh <- struct{}{}
	<-done
	unsub()
	evCh <- struct{}{}

	time.Sleep(50 * time.Millisecond)
	require.Equal(t, 1, calls)
}
