// Package retry wraps calls to external dependencies (model providers, the document store) with a per-call
// timeout, structured logging, optional rate limiting and bounded exponential backoff.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Config holds the retry policy. Zero fields are replaced by the defaults.
type Config struct {
	// Timeout bounds a single attempt, not the whole sequence of attempts.
	Timeout time.Duration `yaml:"timeout"`
	// Attempts is the total number of attempts, including the first one.
	Attempts       int           `yaml:"attempts"`
	InitialBackoff time.Duration `yaml:"initialBackoff"`
	MaxBackoff     time.Duration `yaml:"maxBackoff"`
	// RatePerSecond limits attempts across all resources. Zero disables limiting.
	RatePerSecond float64 `yaml:"ratePerSecond"`
	Burst         int     `yaml:"burst"`
}

// Observer receives the outcome of every attempt. The metrics package implements it.
type Observer interface {
	ObserveAttempt(resource, outcome string, duration time.Duration)
}

// Attempt outcomes reported to the Observer.
const (
	OutcomeOK      = "ok"
	OutcomeTimeout = "timeout"
	OutcomeError   = "error"
)

// Caller executes external calls. It is safe for concurrent use.
type Caller struct {
	cfg      Config
	limiter  *rate.Limiter
	observer Observer
	logger   *zap.Logger
}

// DefaultConfig returns a 10 second timeout with three attempts.
func DefaultConfig() Config {
	return Config{
		Timeout:        10 * time.Second,
		Attempts:       3,
		InitialBackoff: 500 * time.Millisecond,
		MaxBackoff:     5 * time.Second,
	}
}

func (c *Config) applyDefaults() {
	d := DefaultConfig()
	if c.Timeout <= 0 {
		c.Timeout = d.Timeout
	}
	if c.Attempts <= 0 {
		c.Attempts = d.Attempts
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = d.InitialBackoff
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = d.MaxBackoff
	}
	if c.Burst <= 0 {
		c.Burst = 1
	}
}

// NewCaller creates a Caller. observer may be nil.
func NewCaller(cfg Config, observer Observer, logger *zap.Logger) *Caller {
	cfg.applyDefaults()

	var limiter *rate.Limiter
	if cfg.RatePerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSecond), cfg.Burst)
	}

	return &Caller{
		cfg:      cfg,
		limiter:  limiter,
		observer: observer,
		logger:   logger.Named("retry"),
	}
}

// Timeout returns the per-attempt timeout.
func (c *Caller) Timeout() time.Duration {
	return c.cfg.Timeout
}

// Call runs fn once. It returns ErrTimeout if fn has not returned within the timeout, even when fn ignores
// its context, and fn's own error otherwise. The context handed to fn is cancelled when Call returns.
func Call[T any](ctx context.Context, c *Caller, resource string, fn func(context.Context) (T, error)) (T, error) {
	var zero T

	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return zero, fmt.Errorf("%s: rate limiter: %w", resource, err)
		}
	}

	callCtx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	type result struct {
		val T
		err error
	}
	done := make(chan result, 1)
	start := time.Now()

	go func() {
		v, err := fn(callCtx)
		done <- result{val: v, err: err}
	}()

	var res result
	select {
	case res = <-done:
	case <-callCtx.Done():
		res.err = callCtx.Err()
	}
	duration := time.Since(start)

	// A deadline hit by our own timer is a timeout, the parent context expiring is not ours to report.
	if res.err != nil && ctx.Err() == nil && errors.Is(callCtx.Err(), context.DeadlineExceeded) {
		res.err = fmt.Errorf("%s after %s: %w", resource, c.cfg.Timeout, ErrTimeout)
	}

	switch {
	case res.err == nil:
		c.observe(resource, OutcomeOK, duration)
		c.logger.Debug("External call succeeded",
			zap.String("resource", resource),
			zap.Duration("duration", duration))
	case errors.Is(res.err, ErrTimeout):
		c.observe(resource, OutcomeTimeout, duration)
		c.logger.Warn("External call timed out",
			zap.String("resource", resource),
			zap.Duration("duration", duration))
	default:
		c.observe(resource, OutcomeError, duration)
		c.logger.Warn("External call failed",
			zap.String("resource", resource),
			zap.Duration("duration", duration),
			zap.Error(res.err))
	}

	return res.val, res.err
}

// Do runs fn through Call with exponential backoff and jitter. Only retryable errors are retried. When
// every attempt fails the returned error wraps both ErrExhausted and the last attempt's error.
func Do[T any](ctx context.Context, c *Caller, resource string, fn func(context.Context) (T, error)) (T, error) {
	var (
		lastErr   error
		permanent bool
		attempts  int
	)

	op := func() (T, error) {
		attempts++
		v, err := Call(ctx, c, resource, fn)
		if err == nil {
			return v, nil
		}
		lastErr = err
		if !Retryable(err) {
			permanent = true
			return v, backoff.Permanent(err)
		}
		return v, err
	}

	b := &backoff.ExponentialBackOff{
		InitialInterval:     c.cfg.InitialBackoff,
		RandomizationFactor: backoff.DefaultRandomizationFactor,
		Multiplier:          backoff.DefaultMultiplier,
		MaxInterval:         c.cfg.MaxBackoff,
	}

	v, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(c.cfg.Attempts)),
		backoff.WithNotify(func(err error, next time.Duration) {
			c.logger.Info("Retrying external call",
				zap.String("resource", resource),
				zap.Int("attempt", attempts),
				zap.Duration("backoff", next),
				zap.Error(err))
		}),
	)
	if err == nil {
		return v, nil
	}
	if permanent {
		return v, lastErr
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return v, ctxErr
	}
	if lastErr == nil {
		lastErr = err
	}

	c.logger.Error("External call retries exhausted",
		zap.String("resource", resource),
		zap.Int("attempts", attempts),
		zap.Error(lastErr))
	return v, fmt.Errorf("%s after %d attempts: %w: %w", resource, attempts, ErrExhausted, lastErr)
}

func (c *Caller) observe(resource, outcome string, d time.Duration) {
	if c.observer != nil {
		c.observer.ObserveAttempt(resource, outcome, d)
	}
}
