// Package retry runs factory operations again when they fail with a
// transient error code, sleeping on an exponential schedule in between.
package retry

import (
	"context"
	stderr "errors"
	"math"
	"math/rand"
	"time"

	"github.com/shelfsync/adapterfactory/pkg/errors"
)

// Config is the retry section of the factory configuration.
type Config struct {
	// MaxAttempts counts the first try.
	MaxAttempts  int           `yaml:"max_attempts" json:"max_attempts"`
	InitialDelay time.Duration `yaml:"initial_delay" json:"initial_delay"`
	MaxDelay     time.Duration `yaml:"max_delay" json:"max_delay"`
	Multiplier   float64       `yaml:"multiplier" json:"multiplier"`
	// Jitter spreads each delay by up to 20% either way.
	Jitter bool `yaml:"jitter" json:"jitter"`

	// RetryableErrors lists codes retried even when the error itself is not
	// marked retryable.
	RetryableErrors []errors.ErrorCode `yaml:"retryable_errors" json:"retryable_errors"`

	// OnRetry observes each failed attempt that will be tried again.
	OnRetry func(a Attempt) `yaml:"-" json:"-"`
}

// Attempt describes a failed try that is about to be repeated.
type Attempt struct {
	Number int
	Err    error
	Delay  time.Duration
}

// Transient failure codes of adapter construction and lifecycle calls.
var transientCodes = []errors.ErrorCode{
	errors.ErrCodeConstructionFailed,
	errors.ErrCodeLifecycleFailed,
	errors.ErrCodeOperationTimeout,
	errors.ErrCodeInternalError,
}

// DefaultConfig retries transient adapter failures three times.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:     3,
		InitialDelay:    100 * time.Millisecond,
		MaxDelay:        5 * time.Second,
		Multiplier:      2.0,
		Jitter:          true,
		RetryableErrors: append([]errors.ErrorCode(nil), transientCodes...),
	}
}

// Retryer applies a Config. The zero fields of the Config fall back to
// DefaultConfig.
type Retryer struct {
	cfg Config
}

// New returns a Retryer for cfg.
func New(cfg Config) *Retryer {
	def := DefaultConfig()
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.InitialDelay <= 0 {
		cfg.InitialDelay = def.InitialDelay
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = def.MaxDelay
	}
	if cfg.Multiplier <= 0 {
		cfg.Multiplier = def.Multiplier
	}
	return &Retryer{cfg: cfg}
}

// DoWithContext calls fn until it succeeds, fails with a non-retryable
// error (returned unchanged), or the attempt budget runs out
// (RETRY_EXHAUSTED wrapping the last failure). Cancellation of ctx ends the
// loop with OPERATION_CANCELED.
func (r *Retryer) DoWithContext(ctx context.Context, fn func(context.Context) error) error {
	var last error
	for n := 1; ; n++ {
		if ctx.Err() != nil {
			return canceled(ctx.Err(), n-1, last)
		}
		last = fn(ctx)
		switch {
		case last == nil:
			return nil
		case !r.Retryable(last):
			return last
		case n >= r.cfg.MaxAttempts:
			return errors.Wrap(last, errors.ErrCodeRetryExhausted, "max retry attempts exceeded").
				WithDetail("attempts", n)
		}

		wait := r.Backoff(n)
		if r.cfg.OnRetry != nil {
			r.cfg.OnRetry(Attempt{Number: n, Err: last, Delay: wait})
		}
		if err := sleep(ctx, wait); err != nil {
			return canceled(err, n, last)
		}
	}
}

// Retryable reports whether err is a factory error that is either marked
// retryable or carries one of the configured codes.
func (r *Retryer) Retryable(err error) bool {
	var fe *errors.FactoryError
	if !stderr.As(err, &fe) {
		return false
	}
	if fe.Retryable {
		return true
	}
	for _, code := range r.cfg.RetryableErrors {
		if code == fe.Code {
			return true
		}
	}
	return false
}

// Backoff is the wait after failed attempt n (1-based):
// InitialDelay * Multiplier^(n-1), capped at MaxDelay, then jittered.
func (r *Retryer) Backoff(n int) time.Duration {
	d := float64(r.cfg.InitialDelay) * math.Pow(r.cfg.Multiplier, float64(n-1))
	d = math.Min(d, float64(r.cfg.MaxDelay))
	if r.cfg.Jitter {
		d *= 1 + 0.2*(2*rand.Float64()-1)
	}
	return time.Duration(d)
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func canceled(cause error, attempts int, last error) error {
	fe := errors.Wrap(cause, errors.ErrCodeOperationCanceled, "operation canceled").
		WithDetail("attempts", attempts)
	if last != nil {
		fe = fe.WithDetail("last_error", last.Error())
	}
	return fe
}
