package auth

import "time"

const (
	DefaultMaxFailedAttempts = 5
	DefaultLockoutDuration   = 30 * time.Minute
)

// Decision is the outcome of evaluating an account's lock state.
type Decision int

const (
	MayAttempt Decision = iota
	Locked
)

func (d Decision) String() string {
	if d == Locked {
		return "locked"
	}
	return "may_attempt"
}

// LoginAttemptPolicy decides lockouts. It holds no state.
type LoginAttemptPolicy struct {
	MaxFailedAttempts int
	LockoutDuration   time.Duration
}

// Evaluate refuses while lockedUntil is in the future. An expired lock does
// not reset the counter; only a successful login does.
func (p LoginAttemptPolicy) Evaluate(failed int, lockedUntil *time.Time, now time.Time) Decision {
	if lockedUntil != nil && lockedUntil.After(now) {
		return Locked
	}
	return MayAttempt
}

// FailureOutcome tells the caller how to record a failed verification.
type FailureOutcome struct {
	NextCount   int
	Lock        bool
	LockedUntil time.Time
}

func (p LoginAttemptPolicy) AfterFailure(failed int, now time.Time) FailureOutcome {
	limit := p.MaxFailedAttempts
	if limit <= 0 {
		limit = DefaultMaxFailedAttempts
	}
	out := FailureOutcome{NextCount: failed + 1}
	if out.NextCount >= limit {
		out.Lock = true
		out.LockedUntil = now.Add(p.lockoutDuration())
	}
	return out
}

func (p LoginAttemptPolicy) lockoutDuration() time.Duration {
	if p.LockoutDuration <= 0 {
		return DefaultLockoutDuration
	}
	return p.LockoutDuration
}
