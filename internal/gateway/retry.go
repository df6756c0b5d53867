package gateway

import "time"

const (
	DefaultReconnectBaseDelay   = time.Second
	DefaultReconnectMaxDelay    = 30 * time.Second
	DefaultReconnectMultiplier  = 2.0
	DefaultMaxReconnectAttempts = 5
)

// RetryPolicy computes reconnect delays. Attempts are numbered from zero.
type RetryPolicy struct {
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Multiplier  float64
	MaxAttempts int
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		BaseDelay:   DefaultReconnectBaseDelay,
		MaxDelay:    DefaultReconnectMaxDelay,
		Multiplier:  DefaultReconnectMultiplier,
		MaxAttempts: DefaultMaxReconnectAttempts,
	}
}

// Normalize replaces unusable values with defaults.
func (p RetryPolicy) Normalize() RetryPolicy {
	if p.BaseDelay <= 0 {
		p.BaseDelay = DefaultReconnectBaseDelay
	}
	if p.MaxDelay < p.BaseDelay {
		p.MaxDelay = p.BaseDelay
	}
	if p.Multiplier < 1 {
		p.Multiplier = DefaultReconnectMultiplier
	}
	if p.MaxAttempts < 0 {
		p.MaxAttempts = 0
	}

	return p
}

// Delay returns the wait before the given attempt. It never decreases as the
// attempt grows and never exceeds MaxDelay.
func (p RetryPolicy) Delay(attempt int) time.Duration {
	p = p.Normalize()
	if attempt < 0 {
		attempt = 0
	}

	delay := float64(p.BaseDelay)
	for i := 0; i < attempt; i++ {
		delay *= p.Multiplier
		if delay >= float64(p.MaxDelay) {
			return p.MaxDelay
		}
	}

	return time.Duration(delay)
}

// Exhausted reports whether the attempt index is past the budget.
func (p RetryPolicy) Exhausted(attempt int) bool {
	return attempt >= p.Normalize().MaxAttempts
}

// Timer is a pending scheduled call.
type Timer interface {
	Stop() bool
}

// Scheduler runs a function after a delay. Tests substitute a manual one.
type Scheduler interface {
	AfterFunc(d time.Duration, fn func()) Timer
}

type realScheduler struct{}

// RealScheduler schedules on the wall clock.
func RealScheduler() Scheduler {
	return realScheduler{}
}

func (realScheduler) AfterFunc(d time.Duration, fn func()) Timer {
	return time.AfterFunc(d, fn)
}
