package cdp

import (
	json "github.com/goccy/go-json"
)

// Message is the generic CDP wire shape: a command sent to the browser,
// or a response/event received from it. Exactly one of (Method+Params)
// or (Result|Error) is meaningful for a given direction; Method without
// an ID identifies an event.
type Message struct {
	ID     int64           `json:"id,omitempty"`
	Method string          `json:"method,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *ProtocolError  `json:"error,omitempty"`
}

// ProtocolError is the error object CDP embeds in a command response.
type ProtocolError struct {
	Code    int64  `json:"code"`
	Message string `json:"message"`
}

func (e *ProtocolError) Error() string {
	if e == nil {
		return ""
	}
	return e.Message
}

// isResponse reports whether m carries a solicited response rather than
// an unsolicited event; any frame without a method name counts as a
// response.
func (m *Message) isResponse() bool {
	return m.Method == ""
}

// Event is the decoded shape handed to event subscribers: a method name
// (domain.Event) plus its raw params, so callers can unmarshal into the
// concrete type they expect without the dispatcher needing to know it.
//
// This is the "tagged sum parametrized by method name, plus a residual
// opaque variant" the core's design notes call for: Method is the tag,
// Params the payload, and any method this build does not model explicitly
// still arrives here intact for a caller that only cares about knowing
// something happened.
type Event struct {
	Method string
	Params json.RawMessage
	// ReceivedAt is the wall-clock time, set by the pump (time.Now in
	// deliverEvent) the instant the frame was parsed.
	ReceivedAt int64 // UnixNano
}

func marshal(v any) ([]byte, error)    { return json.Marshal(v) }
func unmarshal(b []byte, v any) error  { return json.Unmarshal(b, v) }
func rawMessage(b []byte) json.RawMessage { return json.RawMessage(b) }
