// Package retrylimit provides an adaptive rate limiter and a bounded retry
// helper for REST clients that answer with HTTP-style status codes. The
// limiter speeds up while calls succeed and backs off when the remote side
// signals overload.
package retrylimit

import (
	"context"
	"fmt"
	"log"
	"math/rand"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Limiter adjusts its request rate from call outcomes. Safe for concurrent use.
type Limiter struct {
	mu        sync.Mutex
	limiter   *rate.Limiter
	minLimit  rate.Limit
	maxLimit  rate.Limit
	lastError time.Time
}

// NewLimiter creates a Limiter starting at initial requests per second,
// bounded by min and max.
func NewLimiter(initial, min, max rate.Limit) *Limiter {
	if initial < 1 {
		initial = 1
	}
	if min < 1 {
		min = 1
	}
	burst := int(initial)
	if burst < 1 {
		burst = 1
	}
	return &Limiter{
		limiter:  rate.NewLimiter(initial, burst),
		minLimit: min,
		maxLimit: max,
	}
}

// Wait blocks until a token is available or the context is cancelled.
func (l *Limiter) Wait(ctx context.Context) error {
	return l.limiter.Wait(ctx)
}

// Success nudges the rate up after a successful call. Increases are held back
// for a short window after the last failure so a recovering remote is not
// immediately hammered again.
func (l *Limiter) Success() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if time.Since(l.lastError) > 10*time.Second {
		l.set(l.limiter.Limit() + 1)
	}
}

// Backoff halves the rate after a failure signalling overload.
func (l *Limiter) Backoff() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.lastError = time.Now()
	l.set(rate.Limit(float64(l.limiter.Limit()) / 2))
}

// Limit returns the current requests per second.
func (l *Limiter) Limit() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return float64(l.limiter.Limit())
}

func (l *Limiter) set(v rate.Limit) {
	if v > l.maxLimit {
		v = l.maxLimit
	}
	if v < l.minLimit {
		v = l.minLimit
	}
	if v != l.limiter.Limit() {
		l.limiter.SetLimit(v)
		burst := int(v)
		if burst < 1 {
			burst = 1
		}
		l.limiter.SetBurst(burst)
	}
}

// StatusFunc extracts an HTTP status code from an error, or 0 when the error
// carries none.
type StatusFunc func(error) int

// Config controls Do.
type Config struct {
	MaxAttempts  int           // 0 means DefaultMaxAttempts
	InitialDelay time.Duration // delay before the second attempt
	MaxDelay     time.Duration // backoff cap
	Status       StatusFunc    // nil means no status classification
}

const DefaultMaxAttempts = 4

// DefaultConfig is tuned for Discord REST writes: few attempts, fast backoff.
func DefaultConfig(status StatusFunc) Config {
	return Config{
		MaxAttempts:  DefaultMaxAttempts,
		InitialDelay: 500 * time.Millisecond,
		MaxDelay:     5 * time.Second,
		Status:       status,
	}
}

// Do runs fn through the limiter with bounded exponential backoff. Retries
// stop on success, on context cancellation, or on any status that is not
// retryable (anything 4xx except 429). Errors with no status are treated as
// transient and retried until attempts run out.
func Do(ctx context.Context, lim *Limiter, cfg Config, fn func() error) error {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}

	delay := cfg.InitialDelay
	var lastErr error

	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		if lim != nil {
			if err := lim.Wait(ctx); err != nil {
				return err
			}
		}

		err := fn()
		if err == nil {
			if lim != nil {
				lim.Success()
			}
			return nil
		}
		lastErr = err

		status := 0
		if cfg.Status != nil {
			status = cfg.Status(err)
		}
		switch {
		case status == http.StatusTooManyRequests || status >= 500:
			if lim != nil {
				lim.Backoff()
			}
		case status >= 400:
			// Client error; retrying will not change the answer.
			return err
		}

		if attempt == cfg.MaxAttempts {
			break
		}
		log.Printf("[WARN] Request failed (attempt %d): %v. Sleeping %v", attempt, err, delay)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(jitter(delay)):
		}

		delay *= 2
		if cfg.MaxDelay > 0 && delay > cfg.MaxDelay {
			delay = cfg.MaxDelay
		}
	}

	return fmt.Errorf("max attempts (%d) exceeded: %w", cfg.MaxAttempts, lastErr)
}

// jitter adds 0-25% of delay to avoid synchronized retries.
func jitter(delay time.Duration) time.Duration {
	if delay <= 0 {
		return delay
	}
	return delay + time.Duration(rand.Int63n(int64(delay/4)+1))
}
