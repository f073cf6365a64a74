package cdp

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
)

// ErrTransportClosed is returned by Send and by all in-flight waiters
// once the underlying transport goes away.
var ErrTransportClosed = errors.New("cdp: connection lost")

// ErrTimeout is returned when a command's deadline elapses before a
// response arrives. The underlying CDP message cannot be canceled on
// the wire; the dispatcher simply stops waiting for it.
var ErrTimeout = errors.New("cdp: command timed out")

// waiter is the one-shot result slot for a single in-flight command.
type waiter struct {
	ch     chan *Message
	method string
	err    error // set by failAll before ch is signaled
}

// Subscriber receives events synchronously on the pump goroutine and
// must not block; heavy work belongs in a bounded queue owned by the
// caller (see pkg/telemetry).
type Subscriber func(Event)

// Dispatcher correlates outbound commands with inbound responses over a
// single Transport, and fans out inbound events to registered
// subscribers. Exactly one pump goroutine runs per Dispatcher.
type Dispatcher struct {
	t   *Transport
	log *logrus.Entry

	nextID int64 // atomic, starts at 1

	mu      sync.Mutex
	waiters map[int64]*waiter

	subMu       sync.RWMutex
	subscribers map[string]map[int64]Subscriber // "*" matches every method
	nextSubID   int64

	pumpDone chan struct{}
}

// NewDispatcher starts the read pump over t and returns a ready
// Dispatcher. The pump runs until t closes.
func NewDispatcher(t *Transport, log *logrus.Entry) *Dispatcher {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	d := &Dispatcher{
		t:           t,
		log:         log,
		nextID:      0,
		waiters:     make(map[int64]*waiter),
		subscribers: make(map[string]map[int64]Subscriber),
		pumpDone:    make(chan struct{}),
	}
	go d.pump()
	return d
}

// pump is the sole reader of the transport. It never blocks on a
// subscriber: subscribers are invoked synchronously but are contracted
// not to block (see Subscriber doc).
func (d *Dispatcher) pump() {
	defer close(d.pumpDone)
	for {
		b, err := d.t.ReadText()
		if err != nil {
			d.failAll(fmt.Errorf("%w: %v", ErrTransportClosed, err))
			d.t.Close(err)
			return
		}
		m := &Message{}
		if uerr := unmarshal(b, m); uerr != nil {
			d.log.WithError(uerr).Warn("cdp: malformed frame, dropped")
			continue
		}
		if m.isResponse() {
			d.deliverResponse(m)
		} else {
			d.deliverEvent(m)
		}
	}
}

func (d *Dispatcher) deliverResponse(m *Message) {
	d.mu.Lock()
	w, ok := d.waiters[m.ID]
	if ok {
		delete(d.waiters, m.ID)
	}
	d.mu.Unlock()
	if !ok {
		// Unknown id: either a duplicate (protocol bug, already resolved
		// and dropped) or a response to an id we never registered.
		// Both are ignored per the dispatcher's edge-case contract.
		return
	}
	w.ch <- m
}

func (d *Dispatcher) deliverEvent(m *Message) {
	ev := Event{Method: m.Method, Params: m.Params, ReceivedAt: time.Now().UnixNano()}
	if ev.Params == nil {
		ev.Params = rawMessage([]byte("{}"))
	}
	d.subMu.RLock()
	var subs []Subscriber
	for _, s := range d.subscribers[m.Method] {
		subs = append(subs, s)
	}
	for _, s := range d.subscribers["*"] {
		subs = append(subs, s)
	}
	d.subMu.RUnlock()
	for _, s := range subs {
		s(ev)
	}
}

func (d *Dispatcher) failAll(reason error) {
	d.mu.Lock()
	waiters := d.waiters
	d.waiters = make(map[int64]*waiter)
	d.mu.Unlock()
	for id, w := range waiters {
		w.err = reason
		w.ch <- &Message{ID: id}
	}
}

// Send allocates a command id, writes the request, and blocks until a
// matching response arrives, the timeout elapses, or the transport
// closes. A zero timeout uses DefaultTimeout.
func (d *Dispatcher) Send(ctx context.Context, method string, params any, timeout time.Duration) (rawResult []byte, err error) {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	id := atomic.AddInt64(&d.nextID, 1)

	var rawParams []byte
	if params != nil {
		rawParams, err = marshal(params)
		if err != nil {
			return nil, fmt.Errorf("cdp: marshal params for %s: %w", method, err)
		}
	}
	req := &Message{ID: id, Method: method, Params: rawParams}
	b, err := marshal(req)
	if err != nil {
		return nil, fmt.Errorf("cdp: marshal request %s: %w", method, err)
	}

	w := &waiter{ch: make(chan *Message, 1), method: method}
	d.mu.Lock()
	d.waiters[id] = w
	d.mu.Unlock()

	if err := d.t.WriteText(b); err != nil {
		d.mu.Lock()
		delete(d.waiters, id)
		d.mu.Unlock()
		return nil, fmt.Errorf("cdp: send %s: %w", method, errors.Join(ErrTransportClosed, err))
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case m := <-w.ch:
		if w.err != nil {
			return nil, fmt.Errorf("cdp: %s: %w", method, w.err)
		}
		if m.Error != nil {
			return nil, &CommandError{Method: method, Code: m.Error.Code, Message: m.Error.Message}
		}
		return m.Result, nil
	case <-timer.C:
		d.mu.Lock()
		delete(d.waiters, id)
		d.mu.Unlock()
		return nil, fmt.Errorf("cdp: %s: %w", method, ErrTimeout)
	case <-ctx.Done():
		d.mu.Lock()
		delete(d.waiters, id)
		d.mu.Unlock()
		return nil, ctx.Err()
	case <-d.t.Closed():
		return nil, fmt.Errorf("cdp: %s: %w", method, ErrTransportClosed)
	}
}

// CommandError wraps a CDP protocol-level error response.
type CommandError struct {
	Method  string
	Code    int64
	Message string
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("cdp: %s: %s (%d)", e.Method, e.Message, e.Code)
}

// On registers a subscriber for a method name, or "*" for every event,
// and returns a function that removes it. Subscribers run
// synchronously on the pump goroutine and must not block.
func (d *Dispatcher) On(method string, sub Subscriber) (unsubscribe func()) {
	id := atomic.AddInt64(&d.nextSubID, 1)
	d.subMu.Lock()
	if d.subscribers[method] == nil {
		d.subscribers[method] = make(map[int64]Subscriber)
	}
	d.subscribers[method][id] = sub
	d.subMu.Unlock()

	return func() {
		d.subMu.Lock()
		delete(d.subscribers[method], id)
		d.subMu.Unlock()
	}
}

// Closed mirrors the transport's closed signal.
func (d *Dispatcher) Closed() <-chan struct{} {
	return d.t.Closed()
}

// Close releases the transport, failing any in-flight waiters.
func (d *Dispatcher) Close() error {
	err := d.t.Close(errors.New("dispatcher closed"))
	<-d.pumpDone
	return err
}
