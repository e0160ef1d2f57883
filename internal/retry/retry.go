// Package retry implements the client-side retry/resume engine: a
// bounded-attempt loop for one-shot calls, Retry-After-aware backoff, and
// restart/stitching support for event iterators that need to resume from
// the last delivered event id after a dropped connection.
package retry

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/flowstream/eventcore/internal/metrics"
)

// ErrExpectedEventIterator is returned when a retried call that previously
// yielded an event iterator comes back as something else on resume — a
// contract violation distinct from an ordinary call failure.
var ErrExpectedEventIterator = errors.New("retry: expected event iterator on resume")

// DelayPolicy computes the wait after the failed attempt attemptIndex
// (1-based), i.e. the delay before attempt attemptIndex+1: it is called
// with 1 for the delay before the 2nd attempt, 2 before the 3rd, and so
// on. lastErr is the error from that failed attempt.
type DelayPolicy func(attemptIndex int, lastErr error) time.Duration

// ShouldRetry reports whether a failed attempt should be retried at all,
// independent of the attempt budget.
type ShouldRetry func(attemptIndex int, err error) bool

// OnRetry is invoked after each failed attempt that is going to be
// retried; it is not invoked for a successful attempt or for the final
// failed attempt that ends the loop. It may return a cleanup func, which
// Do calls with no arguments once the delay before the next attempt has
// been computed and before waiting; cleanup does not receive the outcome
// of any attempt. cleanup may be nil.
type OnRetry func(attemptIndex int, err error, willRetry bool) (cleanup func())

// Context scopes a single top-level call's retry behavior, mirroring the
// parameters a caller supplies per invocation rather than globally.
type Context struct {
	MaxAttempts    int
	DelayPolicy    DelayPolicy
	ShouldRetry    ShouldRetry
	OnRetry        OnRetry
	RetryTimeout   time.Duration // 0 = unbounded
	LastEventID    string
	LastEventRetry time.Duration

	// Name labels this call for the retry metrics recorded by Do, e.g. the
	// RPC or channel name. Defaults to "call" when empty.
	Name string
}

// DefaultDelayPolicy returns a DelayPolicy honoring a Retry-After override
// when present, otherwise falling back to a constant base delay.
func DefaultDelayPolicy(base time.Duration) DelayPolicy {
	return func(attemptIndex int, lastErr error) time.Duration {
		if d, ok := RetryAfterFromError(lastErr); ok {
			return d
		}
		return base
	}
}

// AlwaysRetry is a ShouldRetry that retries every error.
func AlwaysRetry(int, error) bool { return true }

// Do runs fn up to rc.MaxAttempts times (1 = no retries), applying
// rc.DelayPolicy between attempts, honoring rc.RetryTimeout as a wall-clock
// bound on total elapsed time, and invoking rc.OnRetry after every failed
// attempt that is retried.
// On exhaustion or timeout, the last underlying error from fn is returned
// verbatim (never wrapped in a new timeout error), matching callers that
// pattern-match on fn's own error type.
func Do(ctx context.Context, rc Context, fn func(ctx context.Context, attemptIndex int) error) error {
	if rc.MaxAttempts <= 0 {
		rc.MaxAttempts = 1
	}
	shouldRetry := rc.ShouldRetry
	if shouldRetry == nil {
		shouldRetry = AlwaysRetry
	}

	name := rc.Name
	if name == "" {
		name = "call"
	}

	start := time.Now()
	var lastErr error

	for attempt := 1; attempt <= rc.MaxAttempts; attempt++ {
		if rc.RetryTimeout > 0 && attempt > 1 && time.Since(start) >= rc.RetryTimeout {
			break
		}

		err := fn(ctx, attempt)
		lastErr = err

		if err == nil {
			if attempt > 1 {
				metrics.RecordRetry(name, "success", "", 0)
			}
			return nil
		}

		willRetry := attempt < rc.MaxAttempts && shouldRetry(attempt, err)
		if willRetry && rc.RetryTimeout > 0 && time.Since(start) >= rc.RetryTimeout {
			willRetry = false
		}
		if !willRetry {
			metrics.RecordRetry(name, "exhausted", "", 0)
			return err
		}

		// onRetry is notified only for attempts that are actually retried,
		// not for the terminal attempt that ends the loop either way.
		var cleanup func()
		if rc.OnRetry != nil {
			cleanup = rc.OnRetry(attempt, err, willRetry)
		}

		delay := time.Duration(0)
		waitSource := "policy"
		if _, ok := RetryAfterFromError(err); ok {
			waitSource = "retry-after"
		}
		if rc.DelayPolicy != nil {
			delay = rc.DelayPolicy(attempt, err)
		}
		if rc.RetryTimeout > 0 {
			remaining := rc.RetryTimeout - time.Since(start)
			if remaining <= 0 {
				if cleanup != nil {
					cleanup()
				}
				metrics.RecordRetry(name, "exhausted", waitSource, 0)
				return lastErr
			}
			if delay > remaining {
				delay = remaining
			}
		}
		metrics.RecordRetry(name, "retry", waitSource, delay.Seconds())

		if cleanup != nil {
			cleanup()
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}

	return lastErr
}

// retryAfterError is an error that carries a parsed Retry-After duration,
// allowing DelayPolicy implementations to recover it without depending on
// a concrete HTTP client type.
type retryAfterError struct {
	err        error
	retryAfter time.Duration
}

func (e *retryAfterError) Error() string { return e.err.Error() }
func (e *retryAfterError) Unwrap() error { return e.err }

// WithRetryAfter wraps err so that RetryAfterFromError can recover d from
// it later in the retry loop. Callers populate this from the response
// metadata captured by their HTTP client's response interceptor — the
// single source of truth the retry engine reads from, per the header
// context route rather than ad hoc per-error data extraction.
func WithRetryAfter(err error, d time.Duration) error {
	if err == nil {
		return nil
	}
	return &retryAfterError{err: err, retryAfter: d}
}

// RetryAfterFromError recovers a Retry-After duration attached via
// WithRetryAfter, if any.
func RetryAfterFromError(err error) (time.Duration, bool) {
	var rae *retryAfterError
	if errors.As(err, &rae) {
		return rae.retryAfter, true
	}
	return 0, false
}

// ParseRetryAfter parses a Retry-After header value: either an integer
// number of seconds (">= 0") or an HTTP-date. Case of the header name is
// the caller's concern; this only parses the value.
func ParseRetryAfter(value string) (time.Duration, error) {
	if value == "" {
		return 0, fmt.Errorf("retry: empty retry-after value")
	}
	if secs, err := strconv.ParseUint(value, 10, 63); err == nil {
		return time.Duration(secs) * time.Second, nil
	}
	t, err := http.ParseTime(value)
	if err != nil {
		return 0, fmt.Errorf("retry: invalid retry-after value %q: %w", value, err)
	}
	d := time.Until(t)
	if d < 0 {
		d = 0
	}
	return d, nil
}

// RetryAfterFromHeader parses the first Retry-After value from header
// (case-insensitive per net/http.Header, which canonicalizes keys).
func RetryAfterFromHeader(header http.Header) (time.Duration, bool) {
	values := header.Values("Retry-After")
	if len(values) == 0 {
		return 0, false
	}
	d, err := ParseRetryAfter(values[0])
	if err != nil {
		return 0, false
	}
	return d, true
}
