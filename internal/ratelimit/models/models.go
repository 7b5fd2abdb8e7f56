// Package models holds the login failure window and its rules.
package models

import "time"

// Config sets the failure window. The defaults allow five failures per
// fifteen minutes.
type Config struct {
	Window      time.Duration
	MaxFailures int
}

func DefaultConfig() Config {
	return Config{Window: 15 * time.Minute, MaxFailures: 5}
}

// AuthLockout counts login failures from one client. A record whose
// WindowResetAt has passed is logically absent.
type AuthLockout struct {
	ClientKey     string    `json:"clientKey"`
	FailureCount  int       `json:"failureCount"`
	WindowResetAt time.Time `json:"windowResetAt"`
}

// ActiveAt reports whether the failure window is still open at now.
func (l *AuthLockout) ActiveAt(now time.Time) bool {
	return l != nil && now.Before(l.WindowResetAt)
}

// BlockedAt reports whether the client has used up its failures in the
// current window.
func (l *AuthLockout) BlockedAt(now time.Time, maxFailures int) bool {
	return l.ActiveAt(now) && l.FailureCount >= maxFailures
}

// RetryAfter is the whole number of seconds until the window closes,
// rounded up so a blocked client is never told to retry in 0 seconds.
func (l *AuthLockout) RetryAfter(now time.Time) int {
	remaining := l.WindowResetAt.Sub(now)
	if remaining <= 0 {
		return 0
	}
	secs := int(remaining / time.Second)
	if remaining%time.Second != 0 {
		secs++
	}
	return secs
}

// RecordFailureAt applies one failure. The window is opened only when none
// is active, so repeated failures never extend it; an expired window
// restarts the count.
func (l *AuthLockout) RecordFailureAt(now time.Time, window time.Duration) {
	if !l.ActiveAt(now) {
		l.FailureCount = 0
		l.WindowResetAt = now.Add(window)
	}
	l.FailureCount++
}

// Result is the outcome of a pre-login check.
type Result struct {
	Allowed           bool
	RetryAfterSeconds int
	FailureCount      int
	ResetAt           time.Time
}
