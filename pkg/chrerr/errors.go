// Package chrerr implements the core's single structured error kind and
// the one retry primitive every tool wraps instead of reinventing.
package chrerr

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/fenwick-labs/chromesession/pkg/cdp"
)

// Kind classifies why an operation failed. Kinds are not Go types: every
// ToolError carries exactly one Kind value, never a Kind-specific struct.
type Kind string

const (
	KindValidation    Kind = "validation"     // caller-supplied arguments invalid; never retried
	KindTransport     Kind = "transport"      // socket closed, frame malformed; retried
	KindProtocol      Kind = "protocol"       // CDP returned an error response
	KindTimeout       Kind = "timeout"        // send/eval_js/wait_load exceeded its budget
	KindPolicy        Kind = "policy"         // allowlist/strict-mode/permission/storage denial
	KindDialogBlocked Kind = "dialog_blocked" // eval_js refused because dialog_open
)

// ToolError is the five-field structured error every public core
// operation returns on failure.
type ToolError struct {
	Tool       string         `json:"tool"`
	Action     string         `json:"action"`
	Reason     string         `json:"reason"`
	Suggestion string         `json:"suggestion,omitempty"`
	Details    map[string]any `json:"details,omitempty"`
	Kind       Kind           `json:"-"`
}

func (e *ToolError) Error() string {
	if e.Suggestion != "" {
		return fmt.Sprintf("%s/%s: %s (%s)", e.Tool, e.Action, e.Reason, e.Suggestion)
	}
	return fmt.Sprintf("%s/%s: %s", e.Tool, e.Action, e.Reason)
}

// Retryable reports whether the retry primitive should attempt this
// error again: transport and timeout kinds retry; validation, policy
// and dialog-blocked never do, since retrying them can't change the
// outcome.
func (e *ToolError) Retryable() bool {
	switch e.Kind {
	case KindTransport, KindTimeout:
		return true
	default:
		return false
	}
}

// New builds a ToolError, classifying the underlying cause when it is a
// recognized cdp-layer error so callers don't have to re-derive Kind.
func New(tool, action string, cause error, suggestion string) *ToolError {
	te := &ToolError{Tool: tool, Action: action, Suggestion: suggestion}
	if cause == nil {
		te.Reason = "unknown error"
		return te
	}
	te.Reason = cause.Error()
	var cmdErr *cdp.CommandError
	switch {
	case errors.As(cause, &cmdErr):
		te.Kind = KindProtocol
		te.Details = map[string]any{"code": cmdErr.Code}
	case errors.Is(cause, cdp.ErrTimeout):
		te.Kind = KindTimeout
	case errors.Is(cause, cdp.ErrTransportClosed):
		te.Kind = KindTransport
	default:
		te.Kind = KindProtocol
	}
	return te
}

// Validation builds a non-retryable ToolError for bad caller input.
func Validation(tool, action, reason string) *ToolError {
	return &ToolError{Tool: tool, Action: action, Reason: reason, Kind: KindValidation}
}

// Policy builds a non-retryable ToolError for a safety-layer denial.
func Policy(tool, action, reason, suggestion string) *ToolError {
	return &ToolError{Tool: tool, Action: action, Reason: reason, Suggestion: suggestion, Kind: KindPolicy}
}

// DialogBlocked builds the error returned when eval_js is refused
// because a JavaScript dialog is currently open on the tab.
func DialogBlocked(tool, action string) *ToolError {
	return &ToolError{
		Tool: tool, Action: action,
		Reason:     "a JavaScript dialog is open on this tab",
		Suggestion: "dismiss the dialog, or fall back to Tier-0 telemetry",
		Kind:       KindDialogBlocked,
	}
}

// RetryConfig bounds the retry primitive.
type RetryConfig struct {
	MaxAttempts     int
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

// DefaultRetryConfig bounds retries to 3 attempts with exponential
// backoff between 100ms and 2s.
var DefaultRetryConfig = RetryConfig{
	MaxAttempts:     3,
	InitialInterval: 100 * time.Millisecond,
	MaxInterval:     2 * time.Second,
}

// Retry wraps op with exponential backoff, retrying only on transport-
// level failures and ToolErrors whose Kind is retryable — never on
// validation or policy errors (those are programmer/caller errors, not
// transient conditions).
func Retry(ctx context.Context, cfg RetryConfig, op func(ctx context.Context) error) error {
	if cfg.MaxAttempts <= 0 {
		cfg = DefaultRetryConfig
	}
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = cfg.InitialInterval
	bo.MaxInterval = cfg.MaxInterval
	bo.MaxElapsedTime = 0 // bounded by attempts, not wall-clock
	withCtx := backoff.WithContext(bo, ctx)

	attempt := 0
	return backoff.Retry(func() error {
		attempt++
		err := op(ctx)
		if err == nil {
			return nil
		}
		if attempt >= cfg.MaxAttempts {
			return backoff.Permanent(err)
		}
		if !isRetryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}, withCtx)
}

func isRetryable(err error) bool {
	var te *ToolError
	if errors.As(err, &te) {
		return te.Retryable()
	}
	// Unclassified errors (e.g. raw transport failures that never went
	// through New) are treated as transient transport conditions.
	return errors.Is(err, cdp.ErrTransportClosed) || errors.Is(err, cdp.ErrTimeout)
}
