package telemetry

import (
	"strings"

	json "github.com/goccy/go-json"

	"github.com/fenwick-labs/chromesession/pkg/cdp"
)

// Subscriber is anything that can register a CDP event callback, i.e.
// *cdp.Dispatcher. Narrowed to an interface so taps can be unit-tested
// without a real dispatcher.
type Subscriber interface {
	On(method string, sub cdp.Subscriber) func()
}

// Install attaches every Tier-0 tap to d, feeding t. Installation is
// idempotent at the manager layer (see pkg/manager), not here: calling
// Install twice on the same dispatcher double-subscribes, by design,
// since the dispatcher has no "has subscriber" query.
func (t *Tier0) Install(d Subscriber) {
	d.On("Runtime.consoleAPICalled", t.onConsoleAPICalled)
	d.On("Runtime.exceptionThrown", t.onExceptionThrown)
	d.On("Page.javascriptDialogOpening", t.onDialogOpening)
	d.On("Page.javascriptDialogClosed", t.onDialogClosed)
	d.On("Page.frameNavigated", t.onFrameNavigated)
	d.On("Network.requestWillBeSent", t.onRequestWillBeSent)
	d.On("Network.responseReceived", t.onResponseReceived)
	d.On("Network.loadingFinished", t.onLoadingFinished)
	d.On("Network.loadingFailed", t.onLoadingFailed)

	t.lastDialogType = "alert"
}

type consoleArg struct {
	Type        string `json:"type"`
	Value       any    `json:"value,omitempty"`
	Description string `json:"description,omitempty"`
}

func (t *Tier0) onConsoleAPICalled(e cdp.Event) {
	var p struct {
		Type string       `json:"type"`
		Args []consoleArg `json:"args"`
	}
	if err := json.Unmarshal(e.Params, &p); err != nil {
		return
	}
	args := make([]string, 0, len(p.Args))
	for _, a := range p.Args {
		switch {
		case a.Description != "":
			args = append(args, truncate(a.Description, 4096))
		case a.Value != nil:
			if s, ok := a.Value.(string); ok {
				args = append(args, truncate(s, 4096))
			} else if b, err := json.Marshal(a.Value); err == nil {
				args = append(args, truncate(string(b), 4096))
			}
		}
	}
	t.AddConsole(p.Type, args, "")
}

func (t *Tier0) onExceptionThrown(e cdp.Event) {
	var p struct {
		ExceptionDetails struct {
			Text         string `json:"text"`
			URL          string `json:"url"`
			LineNumber   int    `json:"lineNumber"`
			ColumnNumber int    `json:"columnNumber"`
			Exception    *struct {
				Description string `json:"description"`
			} `json:"exception"`
		} `json:"exceptionDetails"`
	}
	if err := json.Unmarshal(e.Params, &p); err != nil {
		return
	}
	msg := p.ExceptionDetails.Text
	if p.ExceptionDetails.Exception != nil && p.ExceptionDetails.Exception.Description != "" {
		msg = p.ExceptionDetails.Exception.Description
	}
	// Chromium reports an unhandled promise rejection as an exception
	// whose text starts with "Uncaught (in promise)".
	if strings.HasPrefix(p.ExceptionDetails.Text, "Uncaught (in promise)") {
		t.AddRejection(msg)
		return
	}
	t.AddError(ErrorKindError, msg, p.ExceptionDetails.URL, p.ExceptionDetails.LineNumber, p.ExceptionDetails.ColumnNumber)
}

func (t *Tier0) onDialogOpening(e cdp.Event) {
	var p struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	}
	if err := json.Unmarshal(e.Params, &p); err != nil {
		return
	}
	t.lastDialogType = p.Type
	t.OpenDialog(p.Type, p.Message)
}

func (t *Tier0) onDialogClosed(cdp.Event) {
	t.CloseDialog(t.lastDialogType)
}

func (t *Tier0) onFrameNavigated(e cdp.Event) {
	var p struct {
		Frame struct {
			ParentID string `json:"parentId"`
			URL      string `json:"url"`
			Name     string `json:"name"`
		} `json:"frame"`
	}
	if err := json.Unmarshal(e.Params, &p); err != nil {
		return
	}
	if p.Frame.ParentID != "" {
		return // only the top frame is tracked in Tier-0 navigation history
	}
	t.AddNavigation(p.Frame.URL, p.Frame.Name)
}

func (t *Tier0) onRequestWillBeSent(e cdp.Event) {
	var p struct {
		RequestID string `json:"requestId"`
		Request   struct {
			URL    string `json:"url"`
			Method string `json:"method"`
		} `json:"request"`
		Type      string  `json:"type"`
		Timestamp float64 `json:"timestamp"`
	}
	if err := json.Unmarshal(e.Params, &p); err != nil {
		return
	}
	t.inFlight.requestWillBeSent(p.RequestID, p.Request.URL, p.Request.Method, p.Type, p.Timestamp)
}

func (t *Tier0) onResponseReceived(e cdp.Event) {
	var p struct {
		RequestID string `json:"requestId"`
		Response  struct {
			Status        int  `json:"status"`
			FromDiskCache bool `json:"fromDiskCache"`
		} `json:"response"`
	}
	if err := json.Unmarshal(e.Params, &p); err != nil {
		return
	}
	t.inFlight.responseReceived(p.RequestID, p.Response.Status, p.Response.FromDiskCache)
}

func (t *Tier0) onLoadingFinished(e cdp.Event) {
	var p struct {
		RequestID         string  `json:"requestId"`
		Timestamp         float64 `json:"timestamp"`
		EncodedDataLength int64   `json:"encodedDataLength"`
	}
	if err := json.Unmarshal(e.Params, &p); err != nil {
		return
	}
	r, ok := t.inFlight.finish(p.RequestID)
	if !ok {
		return
	}
	ok2 := r.status < 400
	t.network.Append(NetworkEntry{
		Entry:             t.entry(),
		RequestID:         p.RequestID,
		URL:               r.url,
		Method:            r.method,
		Status:            r.status,
		ResourceType:      r.resourceType,
		OK:                ok2,
		DurationMs:        (p.Timestamp - r.startTs) * 1000,
		EncodedDataLength: p.EncodedDataLength,
		FromCache:         r.fromCache,
	})
}

func (t *Tier0) onLoadingFailed(e cdp.Event) {
	var p struct {
		RequestID     string  `json:"requestId"`
		Timestamp     float64 `json:"timestamp"`
		Type          string  `json:"type"`
		ErrorText     string  `json:"errorText"`
		BlockedReason string  `json:"blockedReason"`
	}
	if err := json.Unmarshal(e.Params, &p); err != nil {
		return
	}
	r, ok := t.inFlight.finish(p.RequestID)
	url, method, resourceType, startTs := p.RequestID, "", p.Type, p.Timestamp
	if ok {
		url, method, resourceType, startTs = r.url, r.method, r.resourceType, r.startTs
	}
	t.network.Append(NetworkEntry{
		Entry:         t.entry(),
		RequestID:     p.RequestID,
		URL:           url,
		Method:        method,
		ResourceType:  resourceType,
		OK:            false,
		DurationMs:    (p.Timestamp - startTs) * 1000,
		ErrorText:     p.ErrorText,
		BlockedReason: p.BlockedReason,
	})
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
