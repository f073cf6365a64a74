package chrerr

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestRetryRetriesTransportNotValidation(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), RetryConfig{MaxAttempts: 3, InitialInterval: time.Millisecond, MaxInterval: 5 * time.Millisecond}, func(ctx context.Context) error {
		calls++
		return &ToolError{Tool: "t", Action: "a", Reason: "transient", Kind: KindTransport}
	})
	require.Error(t, err)
	require.Equal(t, 3, calls)

	calls = 0
	err = Retry(context.Background(), RetryConfig{MaxAttempts: 3, InitialInterval: time.Millisecond}, func(ctx context.Context) error {
		calls++
		return Validation("t", "a", "bad args")
	})
	require.Error(t, err)
	require.Equal(t, 1, calls, "validation errors must never be retried")
}

func TestRetrySucceedsEventually(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), RetryConfig{MaxAttempts: 5, InitialInterval: time.Millisecond}, func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return &ToolError{Kind: KindTimeout, Reason: "slow"}
		}
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 3, calls)
}

func TestToolErrorRetryableByKind(t *testing.T) {
	cases := []struct {
		kind      Kind
		retryable bool
	}{
		{KindValidation, false},
		{KindTransport, true},
		{KindProtocol, false},
		{KindTimeout, true},
		{KindPolicy, false},
		{KindDialogBlocked, false},
	}
	for _, c := range cases {
		te := &ToolError{Kind: c.kind}
		require.Equal(t, c.retryable, te.Retryable(), "kind=%s", c.kind)
	}
}

func TestDialogBlockedNeverRetried(t *testing.T) {
	var sentinel = errors.New("sentinel")
	calls := 0
	err := Retry(context.Background(), RetryConfig{MaxAttempts: 3, InitialInterval: time.Millisecond}, func(ctx context.Context) error {
		calls++
		if calls == 1 {
			return DialogBlocked("eval_js", "Runtime.evaluate")
		}
		return sentinel
	})
	require.Error(t, err)
	require.Equal(t, 1, calls)
}
