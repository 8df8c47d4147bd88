package core

import "time"

// maxBackoffShift bounds the exponent so the doubling never overflows a
// time.Duration before the cap applies.
const maxBackoffShift = 30

// BackoffPolicy is the single parameterized retry policy shared by every
// component that reconnects: delays double per attempt and are capped.
type BackoffPolicy struct {
	MaxRetries int
	Base       time.Duration
	Cap        time.Duration
}

// Delay returns how long to wait before the given retry attempt. Attempts
// are 1-based: Delay(1) is the wait before the first retry. With the default
// base of one second this yields min(2^attempt, cap) seconds.
func (p BackoffPolicy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if attempt > maxBackoffShift {
		attempt = maxBackoffShift
	}

	d := p.Base << uint(attempt)
	if p.Cap > 0 && d > p.Cap {
		d = p.Cap
	}
	return d
}

// Exhausted reports whether the retry budget is spent after attempt
// consumed slots.
func (p BackoffPolicy) Exhausted(attempt int) bool {
	return attempt >= p.MaxRetries
}
