// Package auth checks credentials against the credential store, applies the
// lockout policy and manages accounts.
package auth

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"triage/lockout"
	"triage/models"
	"triage/store"
)

var (
	ErrUsernameTaken    = errors.New("username already exists")
	ErrUnknownUser      = errors.New("user not found")
	ErrCannotDeleteSelf = errors.New("cannot delete your own account")
	ErrPasswordTooShort = fmt.Errorf("password must be at least %d characters", MinPasswordLength)
	ErrPasswordTooLong  = fmt.Errorf("password must be at most %d bytes", MaxPasswordLength)
	ErrInvalidRole      = errors.New("invalid role")
)

type Status int

// The zero Status denies access.
const (
	StatusInvalidCredentials Status = iota
	StatusAccountLocked
	StatusOK
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "success"
	case StatusAccountLocked:
		return "locked"
	default:
		return "invalid_credentials"
	}
}

// Outcome is the structured result of an authentication attempt. Failed
// logins are outcomes, not errors.
type Outcome struct {
	Status  Status
	Account *models.PublicAccount

	// Remaining attempts before a lock, or -1 when the username is unknown.
	Remaining   int
	JustLocked  bool
	LockedUntil time.Time
}

func (o Outcome) OK() bool { return o.Status == StatusOK && o.Account != nil }

type Authenticator struct {
	store  *store.Store
	policy lockout.Policy
	cost   int
	dummy  []byte
	log    *slog.Logger
}

func New(st *store.Store, policy lockout.Policy, bcryptCost int, logger *slog.Logger) *Authenticator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Authenticator{
		store:  st,
		policy: policy,
		cost:   bcryptCost,
		dummy:  newDummyHash(bcryptCost),
		log:    logger.With("component", "authenticator"),
	}
}

func (a *Authenticator) Policy() lockout.Policy { return a.policy }

// Hash hashes a password at the configured cost.
func (a *Authenticator) Hash(password string) (string, error) {
	return HashPassword(password, a.cost)
}

// EnsureDefaultAccounts seeds the store on first run.
func (a *Authenticator) EnsureDefaultAccounts(now time.Time) (bool, error) {
	return a.store.EnsureDefaultAccounts(a.Hash, now)
}

// Authenticate checks username and password at now. The returned error is
// only set when the updated record could not be persisted; in that case the
// outcome denies access.
func (a *Authenticator) Authenticate(username, password string, now time.Time) (Outcome, error) {
	username = strings.TrimSpace(username)
	var out Outcome

	err := a.store.Update(func(accounts map[string]models.Account) error {
		acct, ok := accounts[username]
		if !ok {
			CheckPassword(password, string(a.dummy))
			out = Outcome{Status: StatusInvalidCredentials, Remaining: -1}
			return store.ErrNoChange
		}

		if a.policy.IsExpired(&acct, now) {
			a.policy.ApplyExpiry(&acct)
		}

		if a.policy.IsLocked(&acct, now) {
			out = Outcome{Status: StatusAccountLocked, LockedUntil: *acct.LockedUntil}
			return store.ErrNoChange
		}

		match, legacy := CheckPassword(password, acct.PasswordHash)
		if match {
			a.policy.RecordSuccess(&acct, now)
			if legacy {
				if h, err := a.Hash(password); err == nil {
					acct.PasswordHash = h
				}
			}
			pub := acct.Public(username)
			out = Outcome{Status: StatusOK, Account: &pub}
		} else {
			f := a.policy.RecordFailure(&acct, now)
			out = Outcome{
				Status:      StatusInvalidCredentials,
				Remaining:   f.Remaining,
				JustLocked:  f.Locked,
				LockedUntil: f.LockedUntil,
			}
		}
		accounts[username] = acct
		return nil
	})
	if err != nil {
		a.log.Error("persisting login attempt", "username", username, "error", err)
		return Outcome{Status: StatusInvalidCredentials}, err
	}

	switch {
	case out.OK():
		a.log.Info("login succeeded", "username", username, "role", out.Account.Role)
	case out.JustLocked:
		a.log.Warn("account locked after repeated failures", "username", username, "locked_until", out.LockedUntil)
	case out.Status == StatusAccountLocked:
		a.log.Info("login rejected, account locked", "username", username)
	default:
		a.log.Info("login failed", "username", username, "remaining", out.Remaining)
	}
	return out, nil
}

type RegisterInput struct {
	Username        string      `validate:"required,username"`
	Email           string      `validate:"omitempty,email"`
	Password        string      `validate:"required,min=6,pwbytes"`
	ConfirmPassword string      `validate:"eqfield=Password"`
	Role            models.Role `validate:"omitempty,oneof=user doctor admin"`
}

// Register creates a new account. The password must already satisfy the
// minimum length; see ValidateRegistration.
func (a *Authenticator) Register(in RegisterInput, now time.Time) (models.PublicAccount, error) {
	username := strings.TrimSpace(in.Username)
	role := in.Role
	if role == "" {
		role = models.RoleUser
	}
	if !role.Valid() {
		return models.PublicAccount{}, ErrInvalidRole
	}
	if len(in.Password) < MinPasswordLength {
		return models.PublicAccount{}, ErrPasswordTooShort
	}
	if len(in.Password) > MaxPasswordLength {
		return models.PublicAccount{}, ErrPasswordTooLong
	}

	hash, err := a.Hash(in.Password)
	if err != nil {
		return models.PublicAccount{}, fmt.Errorf("hashing password: %w", err)
	}

	var created models.Account
	err = a.store.Update(func(accounts map[string]models.Account) error {
		if _, exists := accounts[username]; exists {
			return ErrUsernameTaken
		}
		created = models.Account{
			PasswordHash: hash,
			Email:        strings.TrimSpace(in.Email),
			Role:         role,
			CreatedAt:    now,
		}
		accounts[username] = created
		return nil
	})
	if err != nil {
		return models.PublicAccount{}, err
	}

	a.log.Info("account registered", "username", username, "role", role)
	return created.Public(username), nil
}
