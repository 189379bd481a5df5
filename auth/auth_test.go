package auth

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"
	"pgregory.net/rapid"

	"triage/lockout"
	"triage/models"
	"triage/store"
)

var t0 = time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)

func newAuthenticator(t testing.TB, max int) (*Authenticator, *store.Store) {
	t.Helper()
	st := store.New(filepath.Join(t.TempDir(), "users.json"), nil)
	a := New(st, lockout.Policy{MaxAttempts: max, Duration: 300 * time.Second}, bcrypt.MinCost, nil)
	return a, st
}

func TestRegisterThenAuthenticate(t *testing.T) {
	a, _ := newAuthenticator(t, 3)

	acct, err := a.Register(RegisterInput{Username: "alice", Password: "Secret1!", Role: models.RoleUser}, t0)
	if err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	if acct.Username != "alice" || acct.Role != models.RoleUser {
		t.Errorf("Expected alice/user, got %s/%s", acct.Username, acct.Role)
	}

	out, err := a.Authenticate("alice", "Secret1!", t0.Add(time.Minute))
	if err != nil {
		t.Fatalf("Authenticate failed: %v", err)
	}
	if !out.OK() {
		t.Fatalf("Expected success, got %v", out.Status)
	}
	if out.Account.Role != models.RoleUser {
		t.Errorf("Expected role user, got %s", out.Account.Role)
	}
	if out.Account.LastLogin == nil || !out.Account.LastLogin.Equal(t0.Add(time.Minute)) {
		t.Errorf("Expected last_login to be set, got %v", out.Account.LastLogin)
	}
}

func TestRegisterDuplicate(t *testing.T) {
	a, _ := newAuthenticator(t, 3)
	if _, err := a.Register(RegisterInput{Username: "bob", Password: "password1"}, t0); err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	_, err := a.Register(RegisterInput{Username: "bob", Password: "another-password"}, t0)
	if !errors.Is(err, ErrUsernameTaken) {
		t.Errorf("Expected ErrUsernameTaken, got %v", err)
	}
}

func TestRegisterDefaultsToUserRole(t *testing.T) {
	a, st := newAuthenticator(t, 3)
	if _, err := a.Register(RegisterInput{Username: "carol", Password: "password1"}, t0); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	rec := st.Load()["carol"]
	if rec.Role != models.RoleUser {
		t.Errorf("Expected role user, got %s", rec.Role)
	}
	if rec.LoginAttempts != 0 || rec.LockedUntil != nil || rec.LastLogin != nil {
		t.Errorf("Expected fresh record, got %+v", rec)
	}
	if strings.Contains(rec.PasswordHash, "password1") {
		t.Error("Plaintext password stored")
	}
}

func TestLockoutScenario(t *testing.T) {
	a, st := newAuthenticator(t, 3)
	if _, err := a.EnsureDefaultAccounts(t0); err != nil {
		t.Fatalf("EnsureDefaultAccounts failed: %v", err)
	}

	out, _ := a.Authenticate("admin", "wrong", t0)
	if out.Status != StatusInvalidCredentials || out.Remaining != 2 {
		t.Errorf("Expected 2 remaining, got %+v", out)
	}
	out, _ = a.Authenticate("admin", "wrong", t0)
	if out.Remaining != 1 {
		t.Errorf("Expected 1 remaining, got %d", out.Remaining)
	}
	out, _ = a.Authenticate("admin", "wrong", t0)
	if !out.JustLocked {
		t.Fatalf("Expected third failure to lock, got %+v", out)
	}

	out, _ = a.Authenticate("admin", "admin123", t0.Add(time.Second))
	if out.Status != StatusAccountLocked {
		t.Fatalf("Expected AccountLocked, got %v", out.Status)
	}
	if got := st.Load()["admin"].LoginAttempts; got != 3 {
		t.Errorf("Locked attempt must not change counter, got %d", got)
	}

	// After the lock lifts the correct password works and resets the counter.
	out, _ = a.Authenticate("admin", "admin123", t0.Add(300*time.Second))
	if !out.OK() {
		t.Fatalf("Expected success after lock expiry, got %v", out.Status)
	}
	rec := st.Load()["admin"]
	if rec.LoginAttempts != 0 || rec.LockedUntil != nil {
		t.Errorf("Expected reset record, got %+v", rec)
	}
}

func TestExpiredLockThenWrongPasswordStartsFresh(t *testing.T) {
	a, st := newAuthenticator(t, 3)
	until := t0.Add(-time.Second)
	hash, _ := HashPassword("pw12345", bcrypt.MinCost)
	st.Save(map[string]models.Account{
		"dave": {PasswordHash: hash, Role: models.RoleUser, LoginAttempts: 3, LockedUntil: &until},
	})

	out, _ := a.Authenticate("dave", "nope", t0)
	if out.Status != StatusInvalidCredentials || out.Remaining != 2 {
		t.Errorf("Expected fresh counter with 2 remaining, got %+v", out)
	}
}

func TestUnknownUser(t *testing.T) {
	a, st := newAuthenticator(t, 3)
	out, err := a.Authenticate("ghost", "whatever", t0)
	if err != nil {
		t.Fatalf("Authenticate failed: %v", err)
	}
	if out.Status != StatusInvalidCredentials || out.Remaining != -1 {
		t.Errorf("Expected invalid credentials with unknown remaining, got %+v", out)
	}
	if len(st.Load()) != 0 {
		t.Error("Unknown user attempt must not write records")
	}
}

func TestLegacyHashUpgrade(t *testing.T) {
	a, st := newAuthenticator(t, 3)
	sum := sha256.Sum256([]byte("doctor123"))
	st.Save(map[string]models.Account{
		"doctor": {PasswordHash: hex.EncodeToString(sum[:]), Role: models.RoleDoctor},
	})

	out, _ := a.Authenticate("doctor", "doctor123", t0)
	if !out.OK() {
		t.Fatalf("Expected legacy hash to authenticate, got %v", out.Status)
	}
	if h := st.Load()["doctor"].PasswordHash; !strings.HasPrefix(h, "$2") {
		t.Errorf("Expected hash upgraded to bcrypt, got %q", h)
	}
}

func TestStorageWriteFailure(t *testing.T) {
	dir := t.TempDir()
	st := store.New(filepath.Join(dir, "users.json"), nil)
	a := New(st, lockout.DefaultPolicy(), bcrypt.MinCost, nil)
	if _, err := a.Register(RegisterInput{Username: "erin", Password: "password1"}, t0); err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	// Point a second store at a path that cannot be written but whose parent
	// file is readable through the first one.
	broken := New(store.New(filepath.Join(st.Path(), "nested.json"), nil), lockout.DefaultPolicy(), bcrypt.MinCost, nil)
	if _, err := broken.Register(RegisterInput{Username: "frank", Password: "password1"}, t0); err == nil {
		t.Error("Expected write failure to propagate")
	}
}

func TestAdminOperations(t *testing.T) {
	a, st := newAuthenticator(t, 1)
	a.EnsureDefaultAccounts(t0)
	a.Authenticate("doctor", "bad", t0)

	stats := a.Stats(t0)
	if stats.Total != 2 || stats.Locked != 1 || stats.Active != 1 {
		t.Errorf("Unexpected stats %+v", stats)
	}
	if stats.Roles[models.RoleAdmin] != 1 || stats.Roles[models.RoleDoctor] != 1 {
		t.Errorf("Unexpected role distribution %v", stats.Roles)
	}

	if err := a.Unlock("doctor"); err != nil {
		t.Fatalf("Unlock failed: %v", err)
	}
	if rec := st.Load()["doctor"]; rec.LockedUntil != nil || rec.LoginAttempts != 0 {
		t.Errorf("Expected unlocked record, got %+v", rec)
	}

	if err := a.ResetPassword("doctor", "short"); err == nil {
		t.Error("Expected short password to be rejected")
	}
	if err := a.ResetPassword("doctor", "newpass1"); err != nil {
		t.Fatalf("ResetPassword failed: %v", err)
	}
	if out, _ := a.Authenticate("doctor", "newpass1", t0); !out.OK() {
		t.Error("Expected new password to work")
	}
	if err := a.ResetPassword("nobody", "newpass1"); !errors.Is(err, ErrUnknownUser) {
		t.Errorf("Expected ErrUnknownUser, got %v", err)
	}

	if err := a.Delete("admin", "admin"); !errors.Is(err, ErrCannotDeleteSelf) {
		t.Errorf("Expected ErrCannotDeleteSelf, got %v", err)
	}
	if err := a.Delete("doctor", "admin"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}

	list := a.ListAccounts()
	if len(list) != 1 || list[0].Username != "admin" {
		t.Errorf("Expected only admin left, got %+v", list)
	}
}

func TestValidateRegistration(t *testing.T) {
	cases := []struct {
		name string
		in   RegisterInput
		want string
	}{
		{"ok", RegisterInput{Username: "alice", Password: "Secret1!", ConfirmPassword: "Secret1!", Role: models.RoleUser}, ""},
		{"mismatch", RegisterInput{Username: "alice", Password: "Secret1!", ConfirmPassword: "Secret2!"}, "Passwords don't match"},
		{"short", RegisterInput{Username: "alice", Password: "abc", ConfirmPassword: "abc"}, "Password must be at least 6 characters"},
		{"email", RegisterInput{Username: "alice", Email: "nope", Password: "Secret1!", ConfirmPassword: "Secret1!"}, "Please enter a valid email address"},
		{"username", RegisterInput{Username: "a b", Password: "Secret1!", ConfirmPassword: "Secret1!"}, "Username must be"},
		{"role", RegisterInput{Username: "alice", Password: "Secret1!", ConfirmPassword: "Secret1!", Role: "root"}, "Invalid role"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := ValidateRegistration(tc.in)
			if tc.want == "" {
				if err != nil {
					t.Errorf("Expected no error, got %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Errorf("Expected %q, got %v", tc.want, err)
			}
		})
	}
}

func TestAPIToken(t *testing.T) {
	secret := []byte("api-secret")
	acct := models.PublicAccount{Username: "alice", Role: models.RoleDoctor}

	tok, err := IssueAPIToken(acct, secret, time.Minute)
	if err != nil {
		t.Fatalf("IssueAPIToken failed: %v", err)
	}
	claims, err := ParseAPIToken(tok, secret)
	if err != nil {
		t.Fatalf("ParseAPIToken failed: %v", err)
	}
	if claims.Username != "alice" || claims.Role != models.RoleDoctor {
		t.Errorf("Unexpected claims %+v", claims)
	}

	if _, err := ParseAPIToken(tok, []byte("other")); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("Expected ErrInvalidToken, got %v", err)
	}

	expired, _ := IssueAPIToken(acct, secret, -time.Minute)
	if _, err := ParseAPIToken(expired, secret); !errors.Is(err, ErrTokenExpired) {
		t.Errorf("Expected ErrTokenExpired, got %v", err)
	}
}

// Authentication never succeeds when the password differs from the one set.
func TestWrongPasswordNeverSucceeds(t *testing.T) {
	a, _ := newAuthenticator(t, 1000)
	secret := strings.Repeat("p", MaxPasswordLength)
	if _, err := a.Register(RegisterInput{Username: "prop", Password: secret}, t0); err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	guesses := rapid.OneOf(
		rapid.String(),
		rapid.Map(rapid.StringN(1, 40, -1), func(suffix string) string { return secret + suffix }),
		rapid.Map(rapid.IntRange(0, MaxPasswordLength-1), func(n int) string { return secret[:n] }),
	)
	rapid.Check(t, func(rt *rapid.T) {
		guess := guesses.Draw(rt, "guess")
		if guess == secret {
			rt.Skip("drew the secret password")
		}
		out, err := a.Authenticate("prop", guess, t0)
		if err != nil {
			rt.Fatalf("Authenticate error: %v", err)
		}
		if out.OK() {
			rt.Fatalf("wrong password %q authenticated", guess)
		}
		// Keep the counter below the lock threshold.
		a.Unlock("prop")
	})
}

func TestPasswordLongerThanBcryptLimit(t *testing.T) {
	a, _ := newAuthenticator(t, 3)
	pw := strings.Repeat("a", MaxPasswordLength)
	if _, err := a.Register(RegisterInput{Username: "longpw", Password: pw}, t0); err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	out, _ := a.Authenticate("longpw", pw+"WRONG-SUFFIX", t0)
	if out.OK() {
		t.Fatal("Expected a longer password sharing the first 72 bytes to be rejected")
	}
	out, _ = a.Authenticate("longpw", pw, t0)
	if !out.OK() {
		t.Errorf("Expected the exact password to work, got %v", out.Status)
	}

	_, err := a.Register(RegisterInput{Username: "toolong", Password: pw + "a"}, t0)
	if !errors.Is(err, ErrPasswordTooLong) {
		t.Errorf("Expected ErrPasswordTooLong, got %v", err)
	}

	var verr *ValidationError
	err = a.ResetPassword("longpw", pw+"a")
	if !errors.As(err, &verr) {
		t.Errorf("Expected validation error for reset over 72 bytes, got %v", err)
	}
}

func TestValidateRegistrationCountsBytes(t *testing.T) {
	ok := strings.Repeat("é", 36) // 72 bytes
	if err := ValidateRegistration(RegisterInput{Username: "marie", Password: ok, ConfirmPassword: ok}); err != nil {
		t.Errorf("Expected 72-byte password to pass, got %v", err)
	}

	long := strings.Repeat("é", 37) // 37 runes, 74 bytes
	err := ValidateRegistration(RegisterInput{Username: "marie", Password: long, ConfirmPassword: long})
	var verr *ValidationError
	if !errors.As(err, &verr) || verr.Message != "Password must be at most 72 bytes" {
		t.Errorf("Expected byte limit message, got %v", err)
	}
}

func TestDummyHashUsesConfiguredCost(t *testing.T) {
	st := store.New(filepath.Join(t.TempDir(), "users.json"), nil)
	for _, cost := range []int{bcrypt.MinCost, 5, 0} {
		a := New(st, lockout.DefaultPolicy(), cost, nil)
		got, err := bcrypt.Cost(a.dummy)
		if err != nil {
			t.Fatalf("bcrypt.Cost failed: %v", err)
		}
		want := cost
		if cost == 0 {
			want = DefaultBcryptCost
		}
		if got != want {
			t.Errorf("Expected dummy hash cost %d, got %d", want, got)
		}
	}
}
