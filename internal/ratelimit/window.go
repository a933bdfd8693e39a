package ratelimit

import "time"

// DefaultWindow is the minimum interval between repeated mutations by the
// same (actor, subject, direction) triple.
const DefaultWindow = time.Hour

// Decision reports whether an action inside a window is allowed, and if not,
// the exact instant it becomes allowed again.
type Decision struct {
	Allowed bool
	RetryAt time.Time
}

// Window models a sliding minimum interval keyed off the last applied time.
type Window struct {
	Duration time.Duration
}

// NewWindow returns a Window, defaulting to DefaultWindow when the provided
// duration is not positive.
func NewWindow(duration time.Duration) Window {
	if duration <= 0 {
		duration = DefaultWindow
	}
	return Window{Duration: duration}
}

// Check evaluates the window against the last applied time. A zero
// lastApplied means no prior action was recorded and is always allowed.
func (w Window) Check(lastApplied, now time.Time) Decision {
	if lastApplied.IsZero() {
		return Decision{Allowed: true}
	}
	allowedAt := lastApplied.Add(w.Duration)
	if now.Before(allowedAt) {
		return Decision{Allowed: false, RetryAt: allowedAt}
	}
	return Decision{Allowed: true}
}
