package retry

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shelfsync/adapterfactory/pkg/errors"
)

func fastConfig(attempts int) Config {
	cfg := DefaultConfig()
	cfg.MaxAttempts = attempts
	cfg.InitialDelay = time.Millisecond
	cfg.Jitter = false
	return cfg
}

// failing returns fn failing with err for the first n calls.
func failing(n int, err error, calls *int) func(context.Context) error {
	return func(context.Context) error {
		*calls++
		if *calls <= n {
			return err
		}
		return nil
	}
}

func TestDoWithContext(t *testing.T) {
	constructErr := errors.NewError(errors.ErrCodeConstructionFailed, "constructor failed")
	unknownErr := errors.NewError(errors.ErrCodeUnknownPlatform, "platform not registered")

	tests := []struct {
		name      string
		failures  int
		err       error
		wantCalls int
		wantCode  errors.ErrorCode
	}{
		{"first try succeeds", 0, constructErr, 1, ""},
		{"transient then success", 2, constructErr, 3, ""},
		{"non-retryable code", 5, unknownErr, 1, errors.ErrCodeUnknownPlatform},
		{"plain error", 5, fmt.Errorf("plain"), 1, errors.ErrCodeUnknownError},
		{"budget exhausted", 5, constructErr, 3, errors.ErrCodeRetryExhausted},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			calls := 0
			err := New(fastConfig(3)).DoWithContext(context.Background(), failing(tt.failures, tt.err, &calls))
			assert.Equal(t, tt.wantCalls, calls)
			if tt.wantCode == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Equal(t, tt.wantCode, errors.GetCode(err))
		})
	}
}

func TestNonRetryableErrorReturnedUnchanged(t *testing.T) {
	orig := errors.NewError(errors.ErrCodeUnknownPlatform, "platform not registered")
	calls := 0
	err := New(fastConfig(3)).DoWithContext(context.Background(), failing(1, orig, &calls))
	assert.Same(t, orig, err)
}

func TestExhaustedWrapsLastFailure(t *testing.T) {
	calls := 0
	err := New(fastConfig(2)).DoWithContext(context.Background(),
		failing(9, errors.NewError(errors.ErrCodeLifecycleFailed, "activate failed"), &calls))

	assert.True(t, errors.HasCode(err, errors.ErrCodeLifecycleFailed))
	assert.False(t, errors.IsRetryable(err), "an exhausted retry is final")
}

func TestConfiguredCodesAreRetried(t *testing.T) {
	cfg := fastConfig(2)
	cfg.RetryableErrors = []errors.ErrorCode{errors.ErrCodeConstructionSuspended}

	calls := 0
	_ = New(cfg).DoWithContext(context.Background(),
		failing(9, errors.NewError(errors.ErrCodeConstructionSuspended, "breaker open"), &calls))
	assert.Equal(t, 2, calls)
}

func TestCancellation(t *testing.T) {
	t.Run("during backoff", func(t *testing.T) {
		cfg := fastConfig(10)
		cfg.InitialDelay = time.Second
		ctx, cancel := context.WithCancel(context.Background())

		calls := 0
		err := New(cfg).DoWithContext(ctx, func(context.Context) error {
			calls++
			cancel()
			return errors.NewError(errors.ErrCodeOperationTimeout, "timeout")
		})
		assert.Equal(t, 1, calls)
		assert.Equal(t, errors.ErrCodeOperationCanceled, errors.GetCode(err))
	})

	t.Run("before first attempt", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		calls := 0
		err := New(fastConfig(3)).DoWithContext(ctx, failing(0, nil, &calls))
		assert.Zero(t, calls)
		assert.Equal(t, errors.ErrCodeOperationCanceled, errors.GetCode(err))
	})
}

func TestOnRetryObservesAttempts(t *testing.T) {
	var seen []Attempt
	cfg := fastConfig(3)
	cfg.OnRetry = func(a Attempt) { seen = append(seen, a) }

	calls := 0
	_ = New(cfg).DoWithContext(context.Background(),
		failing(9, errors.NewError(errors.ErrCodeInternalError, "boom"), &calls))

	require.Len(t, seen, 2)
	assert.Equal(t, 1, seen[0].Number)
	assert.Equal(t, time.Millisecond, seen[0].Delay)
	assert.Equal(t, 2*time.Millisecond, seen[1].Delay)
	assert.Error(t, seen[1].Err)
}

func TestBackoff(t *testing.T) {
	cfg := fastConfig(10)
	cfg.InitialDelay = 100 * time.Millisecond
	cfg.MaxDelay = time.Second
	r := New(cfg)

	assert.Equal(t, 100*time.Millisecond, r.Backoff(1))
	assert.Equal(t, 200*time.Millisecond, r.Backoff(2))
	assert.Equal(t, 800*time.Millisecond, r.Backoff(4))
	assert.Equal(t, time.Second, r.Backoff(5))
	assert.Equal(t, time.Second, r.Backoff(9))

	cfg.Jitter = true
	r = New(cfg)
	for i := 0; i < 50; i++ {
		assert.InDelta(t, float64(100*time.Millisecond), float64(r.Backoff(1)), float64(20*time.Millisecond))
	}
}

func TestNewFillsDefaults(t *testing.T) {
	r := New(Config{})
	assert.Equal(t, 3, r.cfg.MaxAttempts)
	assert.Equal(t, 100*time.Millisecond, r.cfg.InitialDelay)
	assert.Equal(t, 2.0, r.cfg.Multiplier)
	assert.True(t, r.Retryable(errors.NewError(errors.ErrCodeConstructionFailed, "x")))
	assert.False(t, r.Retryable(errors.NewError(errors.ErrCodeConstructionSuspended, "x")),
		"an empty code list retries only errors marked retryable")
}
