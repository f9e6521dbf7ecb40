// Package retry holds the bounded-retry and polling loops shared by the
// downloader, backend health checks and process stop escalation.
package retry

import (
	"context"
	"errors"
	"time"
)

// Defaults applied when corresponding Policy fields are unset.
const (
	defaultMaxAttempts = 5
	defaultBaseDelay   = time.Second
	defaultMaxDelay    = 30 * time.Second
	defaultMultiplier  = 2.0
)

// ErrTimeout is returned by Poll when the condition never held within the timeout.
var ErrTimeout = errors.New("retry: timed out")

// Policy describes an exponential backoff schedule.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Multiplier  float64
	// OnRetry, if set, is called before sleeping ahead of the next attempt.
	OnRetry func(attempt int, err error, delay time.Duration)
}

func (p Policy) withDefaults() Policy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = defaultMaxAttempts
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = defaultBaseDelay
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = defaultMaxDelay
	}
	if p.MaxDelay < p.BaseDelay {
		p.MaxDelay = p.BaseDelay
	}
	if p.Multiplier < 1 {
		p.Multiplier = defaultMultiplier
	}
	return p
}

// Delay returns the sleep before attempt n+1 given that attempt n (1-based) failed.
func (p Policy) Delay(n int) time.Duration {
	p = p.withDefaults()
	if n < 1 {
		n = 1
	}
	d := float64(p.BaseDelay)
	for i := 1; i < n; i++ {
		d *= p.Multiplier
		if d >= float64(p.MaxDelay) {
			return p.MaxDelay
		}
	}
	return time.Duration(d)
}

// Attempts returns the effective attempt budget.
func (p Policy) Attempts() int { return p.withDefaults().MaxAttempts }

// Do calls fn until it succeeds, fails with an error that retryable rejects,
// the attempt budget is spent, or ctx is done. It returns the number of
// attempts made and the last error. A nil retryable treats every error as retryable.
func Do(ctx context.Context, p Policy, retryable func(error) bool, fn func(ctx context.Context, attempt int) error) (int, error) {
	p = p.withDefaults()
	var last error
	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			if last == nil {
				last = err
			}
			return attempt - 1, last
		}
		last = fn(ctx, attempt)
		if last == nil {
			return attempt, nil
		}
		if retryable != nil && !retryable(last) {
			return attempt, last
		}
		if attempt == p.MaxAttempts {
			return attempt, last
		}
		d := p.Delay(attempt)
		if p.OnRetry != nil {
			p.OnRetry(attempt, last, d)
		}
		if err := Sleep(ctx, d); err != nil {
			return attempt, last
		}
	}
	return p.MaxAttempts, last
}

// Poll evaluates cond every interval until it reports done, returns an error,
// timeout elapses, or ctx is done. cond is evaluated once immediately.
func Poll(ctx context.Context, interval, timeout time.Duration, cond func(ctx context.Context) (bool, error)) error {
	if interval <= 0 {
		interval = 100 * time.Millisecond
	}
	var deadline <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		deadline = t.C
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		done, err := cond(ctx)
		if err != nil {
			return err
		}
		if done {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline:
			return ErrTimeout
		case <-ticker.C:
		}
	}
}

// Sleep waits for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
