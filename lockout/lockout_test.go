package lockout

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"triage/models"
)

var t0 = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func TestRecordFailureCountsDown(t *testing.T) {
	p := Policy{MaxAttempts: 3, Duration: 5 * time.Minute}
	acct := &models.Account{}

	f := p.RecordFailure(acct, t0)
	assert.False(t, f.Locked)
	assert.Equal(t, 2, f.Remaining)

	f = p.RecordFailure(acct, t0)
	assert.False(t, f.Locked)
	assert.Equal(t, 1, f.Remaining)
	assert.Nil(t, acct.LockedUntil)

	f = p.RecordFailure(acct, t0)
	require.True(t, f.Locked)
	assert.Equal(t, 0, f.Remaining)
	require.NotNil(t, acct.LockedUntil)
	assert.Equal(t, t0.Add(5*time.Minute), *acct.LockedUntil)
	assert.True(t, acct.LockedUntil.After(t0))
}

func TestIsLockedBoundary(t *testing.T) {
	p := Policy{MaxAttempts: 1, Duration: time.Minute}
	acct := &models.Account{}
	p.RecordFailure(acct, t0)

	assert.True(t, p.IsLocked(acct, t0))
	assert.True(t, p.IsLocked(acct, t0.Add(59*time.Second)))
	assert.False(t, p.IsLocked(acct, t0.Add(time.Minute)))

	assert.False(t, p.IsExpired(acct, t0.Add(59*time.Second)))
	assert.True(t, p.IsExpired(acct, t0.Add(time.Minute)))
}

func TestIsExpiredDoesNotMutate(t *testing.T) {
	p := DefaultPolicy()
	until := t0.Add(-time.Second)
	acct := &models.Account{LoginAttempts: 3, LockedUntil: &until}

	assert.True(t, p.IsExpired(acct, t0))
	assert.Equal(t, 3, acct.LoginAttempts)
	assert.NotNil(t, acct.LockedUntil)

	p.ApplyExpiry(acct)
	assert.Equal(t, 0, acct.LoginAttempts)
	assert.Nil(t, acct.LockedUntil)
}

func TestRecordSuccessResets(t *testing.T) {
	p := DefaultPolicy()
	acct := &models.Account{}
	p.RecordFailure(acct, t0)
	p.RecordFailure(acct, t0)

	p.RecordSuccess(acct, t0.Add(time.Second))
	assert.Equal(t, 0, acct.LoginAttempts)
	assert.Nil(t, acct.LockedUntil)
	require.NotNil(t, acct.LastLogin)
	assert.Equal(t, t0.Add(time.Second), *acct.LastLogin)
}

func TestRemainingLockAndMinutes(t *testing.T) {
	p := Policy{MaxAttempts: 1, Duration: 90 * time.Second}
	acct := &models.Account{}
	p.RecordFailure(acct, t0)

	assert.Equal(t, 60*time.Second, p.RemainingLock(acct, t0.Add(30*time.Second)))
	assert.Equal(t, time.Duration(0), p.RemainingLock(acct, t0.Add(2*time.Minute)))
	assert.Equal(t, 2, p.LockMinutes())
	assert.Equal(t, 5, DefaultPolicy().LockMinutes())
}

// After MaxAttempts consecutive failures the account stays locked for exactly
// Duration, and one success afterwards resets the counter.
func TestLockoutProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		p := Policy{
			MaxAttempts: rapid.IntRange(1, 10).Draw(t, "max"),
			Duration:    time.Duration(rapid.IntRange(1, 3600).Draw(t, "secs")) * time.Second,
		}
		acct := &models.Account{}
		now := t0

		for i := 0; i < p.MaxAttempts; i++ {
			if p.IsLocked(acct, now) {
				t.Fatalf("locked after only %d failures", i)
			}
			p.RecordFailure(acct, now)
		}

		offset := time.Duration(rapid.Int64Range(0, int64(p.Duration)-1).Draw(t, "offset"))
		if !p.IsLocked(acct, now.Add(offset)) {
			t.Fatalf("expected lock at +%v", offset)
		}

		later := now.Add(p.Duration)
		if p.IsLocked(acct, later) {
			t.Fatalf("expected lock to lift at +%v", p.Duration)
		}
		if !p.IsExpired(acct, later) {
			t.Fatalf("expected expired lock at +%v", p.Duration)
		}
		p.ApplyExpiry(acct)
		p.RecordSuccess(acct, later)
		if acct.LoginAttempts != 0 || acct.LockedUntil != nil {
			t.Fatalf("success did not reset record: %+v", acct)
		}
	})
}
