package llm

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker"
)

// RetryConfig configures exponential backoff retry behavior for model calls.
type RetryConfig struct {
	InitialInterval     time.Duration // Initial retry interval (default 100ms)
	MaxInterval         time.Duration // Maximum retry interval (default 10s)
	MaxElapsedTime      time.Duration // Maximum total retry time (default 2min)
	Multiplier          float64       // Backoff multiplier (default 2.0)
	RandomizationFactor float64       // Jitter factor (default 0.5)
}

// DefaultRetryConfig returns the default retry configuration.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		InitialInterval:     100 * time.Millisecond,
		MaxInterval:         10 * time.Second,
		MaxElapsedTime:      2 * time.Minute,
		Multiplier:          2.0,
		RandomizationFactor: 0.5,
	}
}

// ResilientConfig configures the Resilient wrapper.
type ResilientConfig struct {
	Name   string      // Circuit breaker name, usually the provider/model
	MaxRPM int         // Requests per minute; 0 disables rate limiting
	Retry  RetryConfig // Backoff policy for transient failures
	Logger *log.Logger // Defaults to log.Default()
}

// Resilient decorates a Handler with a sliding-window requests-per-minute
// limiter, bounded retry with exponential backoff, and a circuit breaker.
// Context cancellation is never retried and never trips the breaker.
type Resilient struct {
	inner   Handler
	cfg     ResilientConfig
	breaker *gobreaker.CircuitBreaker
	logger  *log.Logger

	mu    sync.Mutex
	calls []time.Time // timestamps of calls within the current window
}

// NewResilient wraps a Handler.
func NewResilient(inner Handler, cfg ResilientConfig) *Resilient {
	if cfg.Name == "" {
		cfg.Name = "llm"
	}
	if cfg.Retry == (RetryConfig{}) {
		cfg.Retry = DefaultRetryConfig()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.Default()
	}

	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: 3,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.Printf("llm circuit breaker %q: %s -> %s", name, from, to)
		},
		IsSuccessful: func(err error) bool {
			if err == nil {
				return true
			}
			// User cancellation is not a provider failure.
			return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
		},
	})

	return &Resilient{inner: inner, cfg: cfg, breaker: cb, logger: logger}
}

// Generate applies the rate limit, then executes the call through the
// circuit breaker with bounded exponential-backoff retry.
func (r *Resilient) Generate(ctx context.Context, messages []Message) (*Response, error) {
	if len(messages) == 0 {
		return nil, errors.New("messages cannot be empty")
	}
	if err := r.waitForSlot(ctx); err != nil {
		return nil, err
	}

	var resp *Response
	operation := func() error {
		if ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}

		result, err := r.breaker.Execute(func() (interface{}, error) {
			return r.inner.Generate(ctx, messages)
		})
		if err != nil {
			// Circuit is open: fail fast, no point retrying here.
			if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
				return backoff.Permanent(err)
			}
			if ctx.Err() != nil {
				return backoff.Permanent(err)
			}
			return err
		}

		resp = result.(*Response)
		return nil
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = r.cfg.Retry.InitialInterval
	policy.MaxInterval = r.cfg.Retry.MaxInterval
	policy.MaxElapsedTime = r.cfg.Retry.MaxElapsedTime
	policy.Multiplier = r.cfg.Retry.Multiplier
	policy.RandomizationFactor = r.cfg.Retry.RandomizationFactor

	if err := backoff.Retry(operation, backoff.WithContext(policy, ctx)); err != nil {
		return nil, err
	}
	r.recordCall()
	return resp, nil
}

// waitForSlot blocks until the sliding one-minute window has room for
// another call, or the context is cancelled.
func (r *Resilient) waitForSlot(ctx context.Context) error {
	if r.cfg.MaxRPM <= 0 {
		return nil
	}
	for {
		r.mu.Lock()
		now := time.Now()
		windowStart := now.Add(-time.Minute)
		kept := r.calls[:0]
		for _, t := range r.calls {
			if t.After(windowStart) {
				kept = append(kept, t)
			}
		}
		r.calls = kept

		if len(r.calls) < r.cfg.MaxRPM {
			r.mu.Unlock()
			return nil
		}
		wait := time.Minute - now.Sub(r.calls[0])
		r.mu.Unlock()

		if wait <= 0 {
			continue
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}

func (r *Resilient) recordCall() {
	if r.cfg.MaxRPM <= 0 {
		return
	}
	r.mu.Lock()
	r.calls = append(r.calls, time.Now())
	r.mu.Unlock()
}
