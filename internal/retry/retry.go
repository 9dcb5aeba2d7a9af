// Package retry holds the bounded-retry combinator and the exponential
// backoff policy shared by RPC helpers, the broadcast fanout and the feed
// supervisor.
package retry

import (
	"context"
	"errors"
	"strings"
	"time"
)

// ErrExhausted is wrapped into the final error when every attempt failed.
var ErrExhausted = errors.New("retry: attempts exhausted")

// Backoff returns min*2^attempt capped at max. attempt is zero-based; a
// negative attempt is treated as zero.
func Backoff(attempt int, min, max time.Duration) time.Duration {
	if min <= 0 {
		return 0
	}
	if attempt < 0 {
		attempt = 0
	}
	d := min
	for i := 0; i < attempt; i++ {
		d *= 2
		if max > 0 && d >= max {
			return max
		}
		if d <= 0 { // overflow
			return max
		}
	}
	if max > 0 && d > max {
		return max
	}
	return d
}

// Policy bounds a retry loop.
type Policy struct {
	Attempts int           // total attempts, at least 1
	Min      time.Duration // first delay
	Max      time.Duration // delay cap

	// Retryable decides whether an error deserves another attempt. Nil
	// retries every error.
	Retryable func(error) bool
}

// RPC is the policy the ledger helpers use: three attempts, 200ms doubling.
var RPC = Policy{Attempts: 3, Min: 200 * time.Millisecond, Max: 2 * time.Second}

// Result separates success, terminal failure and exhaustion.
type Result[T any] struct {
	// Value is whatever the last attempt returned, even on failure.
	Value    T
	Attempts int
	Err      error
	// Exhausted is true when the last error was still retryable but the
	// attempt budget ran out. A terminal error leaves it false.
	Exhausted bool
}

// OK reports whether the call eventually succeeded.
func (r Result[T]) OK() bool { return r.Err == nil }

// Do runs fn until it succeeds, returns a non-retryable error, the budget
// is spent or ctx is done. attempt passed to fn is zero-based.
func Do[T any](ctx context.Context, p Policy, fn func(ctx context.Context, attempt int) (T, error)) Result[T] {
	attempts := p.Attempts
	if attempts < 1 {
		attempts = 1
	}
	var res Result[T]
	for i := 0; i < attempts; i++ {
		res.Attempts = i + 1
		v, err := fn(ctx, i)
		res.Value = v
		if err == nil {
			res.Err, res.Exhausted = nil, false
			return res
		}
		res.Err = err
		if p.Retryable != nil && !p.Retryable(err) {
			return res
		}
		if i == attempts-1 {
			break
		}
		t := time.NewTimer(Backoff(i, p.Min, p.Max))
		select {
		case <-ctx.Done():
			t.Stop()
			res.Err = errors.Join(err, ctx.Err())
			return res
		case <-t.C:
		}
	}
	res.Exhausted = true
	res.Err = errors.Join(ErrExhausted, res.Err)
	return res
}

// IsRateLimit matches the rate-limit answers public RPC providers return.
func IsRateLimit(err error) bool {
	if err == nil {
		return false
	}
	s := err.Error()
	return strings.Contains(s, "Too Many Requests") || strings.Contains(s, "-32005") ||
		strings.Contains(s, "429") || strings.Contains(strings.ToLower(s), "rate limit")
}
