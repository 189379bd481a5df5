// Package lockout decides when repeated failed logins lock an account.
//
// Every function here is pure with respect to storage: it only reads or
// mutates the record it is given. Persisting the result is the caller's job.
package lockout

import (
	"time"

	"triage/models"
)

const (
	DefaultMaxAttempts = 3
	DefaultDuration    = 300 * time.Second
)

type Policy struct {
	MaxAttempts int
	Duration    time.Duration
}

func DefaultPolicy() Policy {
	return Policy{MaxAttempts: DefaultMaxAttempts, Duration: DefaultDuration}
}

// Failure reports what a failed attempt did to the record.
type Failure struct {
	// Remaining is the number of attempts left before a lock. Zero once locked.
	Remaining   int
	Locked      bool
	LockedUntil time.Time
}

// IsLocked reports whether a lock is present and still active at now.
func (p Policy) IsLocked(acct *models.Account, now time.Time) bool {
	return acct.LockedUntil != nil && now.Before(*acct.LockedUntil)
}

// IsExpired reports whether a lock is present but no longer active.
// A true result means the caller must ApplyExpiry before updating the record.
func (p Policy) IsExpired(acct *models.Account, now time.Time) bool {
	return acct.LockedUntil != nil && !now.Before(*acct.LockedUntil)
}

func (p Policy) ApplyExpiry(acct *models.Account) {
	acct.LoginAttempts = 0
	acct.LockedUntil = nil
}

func (p Policy) RecordFailure(acct *models.Account, now time.Time) Failure {
	if acct.LoginAttempts < 0 {
		acct.LoginAttempts = 0
	}
	acct.LoginAttempts++

	if acct.LoginAttempts >= p.MaxAttempts {
		until := now.Add(p.Duration)
		acct.LockedUntil = &until
		return Failure{Locked: true, LockedUntil: until}
	}

	acct.LockedUntil = nil
	return Failure{Remaining: p.MaxAttempts - acct.LoginAttempts}
}

func (p Policy) RecordSuccess(acct *models.Account, now time.Time) {
	acct.LoginAttempts = 0
	acct.LockedUntil = nil
	t := now
	acct.LastLogin = &t
}

// RemainingLock is how long until an active lock lifts, zero when unlocked.
func (p Policy) RemainingLock(acct *models.Account, now time.Time) time.Duration {
	if !p.IsLocked(acct, now) {
		return 0
	}
	return acct.LockedUntil.Sub(now)
}

// LockMinutes rounds the lock duration up to whole minutes for messages.
func (p Policy) LockMinutes() int {
	m := int(p.Duration / time.Minute)
	if p.Duration%time.Minute != 0 {
		m++
	}
	return m
}
