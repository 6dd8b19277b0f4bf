// Package reconnect schedules reconnection attempts after transport loss.
package reconnect

import "time"

const (
	DefaultMaxAttempts = 5
	DefaultBaseDelay   = time.Second
	DefaultMaxDelay    = 30 * time.Second
)

// ExhaustedReason is the failure reason once the attempt budget is spent.
const ExhaustedReason = "Max reconnection attempts exceeded"

// Policy is an exponential backoff with a bounded attempt count: the n-th
// attempt waits min(MaxDelay, BaseDelay*2^n). It is not safe for concurrent
// use.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration

	attempt int
}

// NewPolicy returns a Policy with the default budget: 5 attempts waiting
// 2s, 4s, 8s, 16s and 30s.
func NewPolicy() *Policy {
	return &Policy{
		MaxAttempts: DefaultMaxAttempts,
		BaseDelay:   DefaultBaseDelay,
		MaxDelay:    DefaultMaxDelay,
	}
}

// Next advances the attempt counter and returns the attempt number and the
// delay to wait before it. ok is false once MaxAttempts have been scheduled;
// the counter is not advanced in that case.
func (p *Policy) Next() (attempt int, delay time.Duration, ok bool) {
	if p.attempt >= p.MaxAttempts {
		return p.attempt, 0, false
	}
	p.attempt++
	return p.attempt, Delay(p.attempt, p.BaseDelay, p.MaxDelay), true
}

// Reset clears the attempt counter after a successful connection.
func (p *Policy) Reset() { p.attempt = 0 }

// Attempt returns the number of attempts scheduled since the last Reset.
func (p *Policy) Attempt() int { return p.attempt }

// Delay computes min(max, base*2^attempt).
func Delay(attempt int, base, max time.Duration) time.Duration {
	if base <= 0 {
		base = DefaultBaseDelay
	}
	if max <= 0 {
		max = DefaultMaxDelay
	}
	if attempt < 0 {
		attempt = 0
	}
	delay := base
	for i := 0; i < attempt; i++ {
		delay *= 2
		if delay >= max {
			return max
		}
	}
	if delay > max {
		return max
	}
	return delay
}
