package retry

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"math/rand"
	"net/http"
	"strings"
	"time"
)

// ---------------------------------------------------------------------------
// Bounded retry with exponential backoff, shared by every external call.
// ---------------------------------------------------------------------------

// Policy bounds a retry or poll loop.
type Policy struct {
	Attempts   int           // total attempts including the first
	BaseDelay  time.Duration // delay before the second attempt
	MaxDelay   time.Duration // cap on any single delay
	Multiplier float64       // growth factor between delays (1 = fixed backoff)
	Jitter     float64       // extra random fraction of the delay, 0..1
	MaxElapsed time.Duration // Poll only: overall deadline (0 = none)
	Label      string        // used in log lines
}

// DefaultPolicy is 4 attempts starting at 1s, doubling up to 30s, with 25% jitter.
var DefaultPolicy = Policy{
	Attempts:   4,
	BaseDelay:  1 * time.Second,
	MaxDelay:   30 * time.Second,
	Multiplier: 2,
	Jitter:     0.25,
}

// ErrExhausted wraps the last error once every attempt has failed.
var ErrExhausted = errors.New("retry attempts exhausted")

type permanentError struct{ err error }

func (p *permanentError) Error() string { return p.err.Error() }
func (p *permanentError) Unwrap() error { return p.err }

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

// Delay returns the wait before attempt (1-based retry number).
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	mult := p.Multiplier
	if mult <= 0 {
		mult = 1
	}
	delay := float64(p.BaseDelay) * math.Pow(mult, float64(attempt-1))
	if p.MaxDelay > 0 && delay > float64(p.MaxDelay) {
		delay = float64(p.MaxDelay)
	}
	if p.Jitter > 0 {
		delay += delay * p.Jitter * rand.Float64()
	}
	return time.Duration(delay)
}

func (p Policy) label() string {
	if p.Label == "" {
		return "call"
	}
	return p.Label
}

// Do runs fn until it succeeds, returns a Permanent error, the context ends,
// or the attempts are exhausted.
func Do(ctx context.Context, p Policy, fn func(ctx context.Context) error) error {
	attempts := p.Attempts
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			delay := p.Delay(attempt)
			log.Printf("[Retry] %s retry %d/%d (waiting %v): %v", p.label(), attempt, attempts-1, delay, lastErr)
			if err := sleep(ctx, delay); err != nil {
				return fmt.Errorf("%s cancelled: %w", p.label(), err)
			}
		}

		err := fn(ctx)
		if err == nil {
			return nil
		}
		if IsPermanent(err) {
			return err
		}
		lastErr = err
	}

	return fmt.Errorf("%w: %s failed after %d attempts: %w", ErrExhausted, p.label(), attempts, lastErr)
}

// Poll calls fn until it reports done, returns an error, or the policy's
// attempts or MaxElapsed deadline run out. The delay between polls grows
// by Multiplier up to MaxDelay.
func Poll[T any](ctx context.Context, p Policy, fn func(ctx context.Context) (T, bool, error)) (T, error) {
	var zero T
	var deadline time.Time
	if p.MaxElapsed > 0 {
		deadline = time.Now().Add(p.MaxElapsed)
	}

	for attempt := 0; p.Attempts <= 0 || attempt < p.Attempts; attempt++ {
		if attempt > 0 {
			delay := p.Delay(attempt)
			if !deadline.IsZero() && time.Now().Add(delay).After(deadline) {
				return zero, fmt.Errorf("%w: %s timed out after %v (polled %d times)", ErrExhausted, p.label(), p.MaxElapsed, attempt)
			}
			if err := sleep(ctx, delay); err != nil {
				return zero, fmt.Errorf("%s cancelled: %w", p.label(), err)
			}
		}

		v, done, err := fn(ctx)
		if err != nil {
			return zero, err
		}
		if done {
			return v, nil
		}
		if p.Attempts <= 0 && deadline.IsZero() {
			return zero, fmt.Errorf("%s: poll policy has no bound", p.label())
		}
	}

	return zero, fmt.Errorf("%w: %s still pending after %d polls", ErrExhausted, p.label(), p.Attempts)
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

// HTTPError is a non-2xx response from an external service.
type HTTPError struct {
	Service string
	Status  int
	Body    string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("%s returned status %d: %s", e.Service, e.Status, Truncate(e.Body, 200))
}

// CheckStatus converts a failed response into an HTTPError, marked Permanent
// unless the status is worth retrying.
func CheckStatus(service string, status int, body []byte) error {
	if status >= 200 && status < 300 {
		return nil
	}
	err := &HTTPError{Service: service, Status: status, Body: string(body)}
	if RetryableStatus(status) {
		return err
	}
	return Permanent(err)
}

// RetryableStatus checks if an HTTP status code is worth retrying
func RetryableStatus(status int) bool {
	return status == http.StatusTooManyRequests || // 429
		status == http.StatusRequestTimeout || // 408
		status == http.StatusBadGateway || // 502
		status == http.StatusServiceUnavailable || // 503
		status == http.StatusGatewayTimeout // 504
}

// RetryableError checks if a network-level error is worth retrying
func RetryableError(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	return strings.Contains(errStr, "timeout") ||
		strings.Contains(errStr, "deadline exceeded") ||
		strings.Contains(errStr, "connection reset") ||
		strings.Contains(errStr, "connection refused") ||
		strings.Contains(errStr, "EOF") ||
		strings.Contains(errStr, "broken pipe")
}

// Truncate limits a string to maxLen characters for log output
func Truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
