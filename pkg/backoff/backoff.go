package backoff

import (
	"context"
	"time"
)

// Strategy describes a bounded exponential backoff sequence. The zero value
// is not usable; construct with New or fill every field.
type Strategy struct {
	Base        time.Duration
	Multiplier  float64
	Cap         time.Duration
	MaxAttempts int
}

func New(base time.Duration, multiplier float64, cap time.Duration, maxAttempts int) Strategy {
	if base <= 0 {
		base = time.Second
	}
	if multiplier < 1 {
		multiplier = 1
	}
	if cap <= 0 {
		cap = base
	}
	return Strategy{Base: base, Multiplier: multiplier, Cap: cap, MaxAttempts: maxAttempts}
}

// Delay returns the wait before attempt n (0-based). Attempt 0 waits Base.
func (s Strategy) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	d := float64(s.Base)
	for i := 0; i < attempt; i++ {
		d *= s.Multiplier
		if time.Duration(d) >= s.Cap {
			return s.Cap
		}
	}
	if time.Duration(d) > s.Cap {
		return s.Cap
	}
	return time.Duration(d)
}

// Sleep waits for d or until ctx is done, whichever comes first.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Retry runs op up to MaxAttempts times, sleeping Delay(attempt) between
// attempts. retryable decides whether a failure is worth another attempt;
// a nil retryable retries every error. The last error is returned.
func Retry(ctx context.Context, s Strategy, op func() error, retryable func(error) bool) error {
	attempts := s.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}
	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		lastErr = op()
		if lastErr == nil {
			return nil
		}
		if retryable != nil && !retryable(lastErr) {
			return lastErr
		}
		if attempt < attempts-1 {
			if err := Sleep(ctx, s.Delay(attempt)); err != nil {
				return lastErr
			}
		}
	}
	return lastErr
}
