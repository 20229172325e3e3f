package retry

import (
	"context"
	"time"
)

// Policy bounds a retry loop: how many attempts are allowed and how long
// to wait between them. The zero value means "one attempt, no waiting".
type Policy struct {
	MaxAttempts int
	Interval    time.Duration
}

// Wait returns the pause before the next attempt. Backoff is linear in
// the attempt number, so a 2s interval yields 2s, 4s, 6s, ...
func (p Policy) Wait(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	return p.Interval * time.Duration(attempt)
}

// SleepFunc pauses for d or returns early with the context's error.
// Tests substitute a recording implementation so retry behavior is
// verifiable without real delays.
type SleepFunc func(ctx context.Context, d time.Duration) error

// Sleep is the real SleepFunc.
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

// Do runs op up to p.MaxAttempts times, sleeping p.Wait between attempts.
// op receives the 1-based attempt number. retryable decides whether a
// failure is worth another attempt; a nil retryable retries everything.
// The last error is returned once attempts are exhausted.
func Do(ctx context.Context, p Policy, sleep SleepFunc, retryable func(error) bool, op func(attempt int) error) error {
	if p.MaxAttempts < 1 {
		p.MaxAttempts = 1
	}
	if sleep == nil {
		sleep = Sleep
	}

	var err error
	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		if ctxErr := ctx.Err(); ctxErr != nil {
			if err != nil {
				return err
			}
			return ctxErr
		}

		err = op(attempt)
		if err == nil {
			return nil
		}
		if retryable != nil && !retryable(err) {
			return err
		}
		if attempt == p.MaxAttempts {
			return err
		}
		if sleepErr := sleep(ctx, p.Wait(attempt)); sleepErr != nil {
			return err
		}
	}
	return err
}
