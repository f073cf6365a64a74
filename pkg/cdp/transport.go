// Package cdp implements the wire transport and command/event dispatcher
// for the Chrome DevTools Protocol (CDP): one WebSocket connection per
// browser tab, carrying length-bounded JSON frames, with a monotonic
// command id correlating requests to responses and a subscriber table
// delivering unsolicited events.
package cdp

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

// DefaultTimeout is used by Send when the caller does not specify one.
const DefaultTimeout = 5 * time.Second

// Transport carries UTF-8 JSON text frames to a single CDP WebSocket
// endpoint (a browser-level or tab-level debugger URL). Writes are
// serialized behind writeMu; reads are only ever performed by the pump
// goroutine started in NewDispatcher, satisfying the single-writer/single-reader
// rule required by the dispatcher.
type Transport struct {
	conn   *websocket.Conn
	url    string
	log    *logrus.Entry
	dialer *websocket.Dialer

	writeMu sync.Mutex

	closeOnce sync.Once
	closed    chan struct{}
	closeErr  error
}

// Dial opens a WebSocket connection to the given CDP debugger URL
// (e.g. "ws://127.0.0.1:9222/devtools/page/<target-id>").
func Dial(ctx context.Context, debuggerURL string, log *logrus.Entry) (*Transport, error) {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	dialer := &websocket.Dialer{
		HandshakeTimeout: 10 * time.Second,
	}
	conn, resp, err := dialer.DialContext(ctx, debuggerURL, http.Header{})
	if err != nil {
		return nil, fmt.Errorf("cdp: dial %s: %w", debuggerURL, err)
	}
	if resp != nil {
		resp.Body.Close()
	}
	// CDP frames can carry large DOM/network payloads (screenshots, full
	// document snapshots); lift gorilla's conservative default.
	conn.SetReadLimit(256 << 20)
	t := &Transport{
		conn:   conn,
		url:    debuggerURL,
		log:    log.WithField("debuggerURL", debuggerURL),
		dialer: dialer,
		closed: make(chan struct{}),
	}
	return t, nil
}

// WriteText sends a single JSON text frame. Safe for concurrent use.
func (t *Transport) WriteText(b []byte) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	select {
	case <-t.closed:
		return fmt.Errorf("cdp: transport closed: %w", t.closeErr)
	default:
	}
	if err := t.conn.WriteMessage(websocket.TextMessage, b); err != nil {
		return fmt.Errorf("cdp: write: %w", err)
	}
	return nil
}

// ReadText blocks for the next text frame. Only the dispatcher's pump
// goroutine may call this.
func (t *Transport) ReadText() ([]byte, error) {
	_, b, err := t.conn.ReadMessage()
	if err != nil {
		return nil, err
	}
	return b, nil
}

// Closed returns a channel that is closed once the transport has shut
// down, either by an explicit Close or a read/write failure.
func (t *Transport) Closed() <-chan struct{} {
	return t.closed
}

// Err returns the reason the transport closed, if any.
func (t *Transport) Err() error {
	select {
	case <-t.closed:
		return t.closeErr
	default:
		return nil
	}
}

// Close releases the underlying socket. Idempotent.
func (t *Transport) Close(reason error) error {
	var err error
	t.closeOnce.Do(func() {
		t.closeErr = reason
		close(t.closed)
		err = t.conn.Close()
	})
	return err
}
