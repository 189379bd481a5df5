package auth

import (
	"sort"
	"time"

	"triage/models"
	"triage/store"
)

// ListAccounts returns every account without password hashes, sorted by name.
func (a *Authenticator) ListAccounts() []models.PublicAccount {
	accounts := a.store.Load()
	out := make([]models.PublicAccount, 0, len(accounts))
	for name, acct := range accounts {
		out = append(out, acct.Public(name))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Username < out[j].Username })
	return out
}

// ResetPassword sets a new password and clears any lock on the account.
func (a *Authenticator) ResetPassword(username, newPassword string) error {
	if err := ValidatePassword(newPassword); err != nil {
		return err
	}
	hash, err := a.Hash(newPassword)
	if err != nil {
		return err
	}

	err = a.store.Update(func(accounts map[string]models.Account) error {
		acct, ok := accounts[username]
		if !ok {
			return ErrUnknownUser
		}
		acct.PasswordHash = hash
		a.policy.ApplyExpiry(&acct)
		accounts[username] = acct
		return nil
	})
	if err == nil {
		a.log.Info("password reset by admin", "username", username)
	}
	return err
}

func (a *Authenticator) Unlock(username string) error {
	err := a.store.Update(func(accounts map[string]models.Account) error {
		acct, ok := accounts[username]
		if !ok {
			return ErrUnknownUser
		}
		if acct.LoginAttempts == 0 && acct.LockedUntil == nil {
			return store.ErrNoChange
		}
		a.policy.ApplyExpiry(&acct)
		accounts[username] = acct
		return nil
	})
	if err == nil {
		a.log.Info("account unlocked by admin", "username", username)
	}
	return err
}

// Delete removes an account. An admin cannot delete the account they are
// signed in with.
func (a *Authenticator) Delete(username, actingUser string) error {
	if username == actingUser {
		return ErrCannotDeleteSelf
	}
	err := a.store.Update(func(accounts map[string]models.Account) error {
		if _, ok := accounts[username]; !ok {
			return ErrUnknownUser
		}
		delete(accounts, username)
		return nil
	})
	if err == nil {
		a.log.Info("account deleted by admin", "username", username, "by", actingUser)
	}
	return err
}

type Stats struct {
	Total      int
	Active     int
	Locked     int
	WithLogins int
	Roles      map[models.Role]int
}

func (a *Authenticator) Stats(now time.Time) Stats {
	st := Stats{Roles: map[models.Role]int{}}
	for _, acct := range a.store.Load() {
		st.Total++
		if a.policy.IsLocked(&acct, now) {
			st.Locked++
		} else {
			st.Active++
		}
		if acct.LastLogin != nil {
			st.WithLogins++
		}
		st.Roles[acct.Role]++
	}
	return st
}

// IsLocked reports the lock state of one listed account at now.
func (a *Authenticator) IsLocked(p models.PublicAccount, now time.Time) bool {
	return p.LockedUntil != nil && now.Before(*p.LockedUntil)
}
