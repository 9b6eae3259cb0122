package retry_test

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"github.com/MegaGrindStone/studylock/internal/retry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type recordingObserver struct {
	mu       sync.Mutex
	outcomes []string
}

func (r *recordingObserver) ObserveAttempt(resource, outcome string, _ time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outcomes = append(r.outcomes, resource+":"+outcome)
}

func newCaller(obs retry.Observer) *retry.Caller {
	return retry.NewCaller(retry.Config{
		Timeout:        50 * time.Millisecond,
		Attempts:       3,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     2 * time.Millisecond,
	}, obs, zap.NewNop())
}

func TestCall(t *testing.T) {
	obs := &recordingObserver{}
	c := newCaller(obs)

	got, err := retry.Call(context.Background(), c, "model", func(context.Context) (string, error) {
		return "hint", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "hint", got)

	wantErr := errors.New("boom")
	_, err = retry.Call(context.Background(), c, "model", func(context.Context) (string, error) {
		return "", wantErr
	})
	assert.ErrorIs(t, err, wantErr)
	assert.NotErrorIs(t, err, retry.ErrTimeout)

	assert.Equal(t, []string{"model:ok", "model:error"}, obs.outcomes)
}

func TestCallTimeout(t *testing.T) {
	c := newCaller(nil)
	release := make(chan struct{})
	defer close(release)

	start := time.Now()
	_, err := retry.Call(context.Background(), c, "ocr", func(context.Context) (int, error) {
		// Ignores its context on purpose.
		<-release
		return 1, nil
	})

	require.ErrorIs(t, err, retry.ErrTimeout)
	assert.Contains(t, err.Error(), "ocr")
	assert.Less(t, time.Since(start), time.Second)
}

func TestCallParentCancelled(t *testing.T) {
	c := newCaller(nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := retry.Call(ctx, c, "model", func(ctx context.Context) (int, error) {
		<-ctx.Done()
		return 0, ctx.Err()
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.NotErrorIs(t, err, retry.ErrTimeout)
}

func TestDo(t *testing.T) {
	tests := []struct {
		name          string
		errs          []error
		wantAttempts  int
		wantErr       bool
		wantExhausted bool
	}{
		{
			name:         "First attempt succeeds",
			errs:         []error{nil},
			wantAttempts: 1,
		},
		{
			name:         "Recovers after a server error",
			errs:         []error{&retry.StatusError{Code: http.StatusServiceUnavailable}, nil},
			wantAttempts: 2,
		},
		{
			name: "Three server errors exhaust retries",
			errs: []error{
				&retry.StatusError{Code: http.StatusServiceUnavailable},
				&retry.StatusError{Code: http.StatusBadGateway},
				&retry.StatusError{Code: http.StatusServiceUnavailable},
				nil,
			},
			wantAttempts:  3,
			wantErr:       true,
			wantExhausted: true,
		},
		{
			name:         "Bad request is not retried",
			errs:         []error{&retry.StatusError{Code: http.StatusBadRequest}, nil},
			wantAttempts: 1,
			wantErr:      true,
		},
		{
			name:         "Connection reset is retried",
			errs:         []error{fmt.Errorf("read: %w", syscall.ECONNRESET), nil},
			wantAttempts: 2,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newCaller(nil)
			attempts := 0

			got, err := retry.Do(context.Background(), c, "model", func(context.Context) (string, error) {
				e := tt.errs[attempts]
				attempts++
				if e != nil {
					return "", e
				}
				return "ok", nil
			})

			assert.Equal(t, tt.wantAttempts, attempts)
			if !tt.wantErr {
				require.NoError(t, err)
				assert.Equal(t, "ok", got)
				return
			}
			require.Error(t, err)
			assert.Equal(t, tt.wantExhausted, errors.Is(err, retry.ErrExhausted))
			var se *retry.StatusError
			assert.ErrorAs(t, err, &se)
		})
	}
}

func TestDoRetriesTimeouts(t *testing.T) {
	obs := &recordingObserver{}
	c := newCaller(obs)
	var attempts atomic.Int32

	_, err := retry.Do(context.Background(), c, "model", func(ctx context.Context) (string, error) {
		attempts.Add(1)
		<-ctx.Done()
		return "", ctx.Err()
	})

	require.ErrorIs(t, err, retry.ErrExhausted)
	assert.ErrorIs(t, err, retry.ErrTimeout)
	assert.Equal(t, int32(3), attempts.Load())
	assert.Equal(t, []string{"model:timeout", "model:timeout", "model:timeout"}, obs.outcomes)
}

func TestRateLimit(t *testing.T) {
	c := retry.NewCaller(retry.Config{
		Timeout:       time.Second,
		RatePerSecond: 0.001,
		Burst:         1,
	}, nil, zap.NewNop())

	noop := func(context.Context) (int, error) { return 1, nil }

	_, err := retry.Call(context.Background(), c, "model", noop)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = retry.Call(ctx, c, "model", noop)
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "rate limiter")
}

func TestRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{name: "Nil", err: nil, want: false},
		{name: "Timeout", err: fmt.Errorf("x: %w", retry.ErrTimeout), want: true},
		{name: "Deadline", err: context.DeadlineExceeded, want: true},
		{name: "Cancelled", err: context.Canceled, want: false},
		{name: "500", err: &retry.StatusError{Code: 500}, want: true},
		{name: "503 wrapped", err: fmt.Errorf("send: %w", &retry.StatusError{Code: 503}), want: true},
		{name: "429", err: &retry.StatusError{Code: 429}, want: true},
		{name: "400", err: &retry.StatusError{Code: 400}, want: false},
		{name: "404", err: &retry.StatusError{Code: 404}, want: false},
		{name: "Reset", err: syscall.ECONNRESET, want: true},
		{name: "Unexpected EOF", err: io.ErrUnexpectedEOF, want: true},
		{name: "Plain", err: errors.New("malformed"), want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, retry.Retryable(tt.err))
		})
	}
}
