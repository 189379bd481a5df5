// Package session tracks who is signed in on each browser connection.
//
// A Session is either Anonymous or Authenticated. Timeouts are detected
// lazily: an expired session only drops back to Anonymous when something
// next asks for its state.
package session

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"sync"
	"time"

	"triage/models"
)

const DefaultTimeout = 3600 * time.Second

type State int

const (
	StateAnonymous State = iota
	StateAuthenticated
	// StateExpired is reported once, by the check that ends a timed-out session.
	StateExpired
)

func (s State) String() string {
	switch s {
	case StateAuthenticated:
		return "authenticated"
	case StateExpired:
		return "expired"
	default:
		return "anonymous"
	}
}

type Identity struct {
	Username string
	Role     models.Role
	Email    string
}

func (i *Identity) IsAdmin() bool { return i != nil && i.Role == models.RoleAdmin }

// Session is the per-connection state. Authenticated, Identity and LoginTime
// are always set together or cleared together.
type Session struct {
	ID            string
	Authenticated bool
	Identity      *Identity
	LoginTime     time.Time
	LastSeen      time.Time

	// flash is a one-shot notice for the next page. Guarded by Manager.mu.
	flash string
}

func (s *Session) clear() {
	s.Authenticated = false
	s.Identity = nil
	s.LoginTime = time.Time{}
}


type Reason int

const (
	ReasonNone Reason = iota
	ReasonAnonymous
	ReasonExpired
)

// Decision is the result of the guard that runs before protected operations.
type Decision struct {
	Allowed  bool
	Reason   Reason
	Identity Identity
}

type Manager struct {
	timeout time.Duration

	mu       sync.Mutex
	sessions map[string]*Session
}

func NewManager(timeout time.Duration) *Manager {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Manager{timeout: timeout, sessions: make(map[string]*Session)}
}

func (m *Manager) Timeout() time.Duration { return m.timeout }

// Start creates a new Anonymous session.
func (m *Manager) Start(now time.Time) *Session {
	s := &Session{ID: newID(), LastSeen: now}
	m.mu.Lock()
	m.sessions[s.ID] = s
	m.mu.Unlock()
	return s
}

func (m *Manager) Get(id string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	return s, ok
}

// Login moves the session to Authenticated for the given account.
func (m *Manager) Login(s *Session, acct models.PublicAccount, now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s.Authenticated = true
	s.Identity = &Identity{Username: acct.Username, Role: acct.Role, Email: acct.Email}
	s.LoginTime = now
	s.LastSeen = now
	s.flash = ""
}

// Logout moves the session back to Anonymous.
func (m *Manager) Logout(s *Session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s.clear()
}

// Check returns the current state, ending the session if it has outlived
// the timeout. Only the call that performs the expiry sees StateExpired.
func (m *Manager) Check(s *Session, now time.Time) State {
	m.mu.Lock()
	defer m.mu.Unlock()
	s.LastSeen = now

	if !s.Authenticated {
		return StateAnonymous
	}
	if now.Sub(s.LoginTime) > m.timeout {
		s.clear()
		return StateExpired
	}
	return StateAuthenticated
}

// Require is the guard for operations that need a signed-in user.
func (m *Manager) Require(s *Session, now time.Time) Decision {
	switch m.Check(s, now) {
	case StateAuthenticated:
		m.mu.Lock()
		id := *s.Identity
		m.mu.Unlock()
		return Decision{Allowed: true, Identity: id}
	case StateExpired:
		return Decision{Reason: ReasonExpired}
	default:
		return Decision{Reason: ReasonAnonymous}
	}
}

// Remaining is how long the session stays valid, zero when not signed in.
func (m *Manager) Remaining(s *Session, now time.Time) time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !s.Authenticated {
		return 0
	}
	left := m.timeout - now.Sub(s.LoginTime)
	if left < 0 {
		return 0
	}
	return left
}

// SetFlash stores a notice to show on the next page.
func (m *Manager) SetFlash(s *Session, msg string) {
	m.mu.Lock()
	s.flash = msg
	m.mu.Unlock()
}

// TakeFlash returns and clears the pending notice.
func (m *Manager) TakeFlash(s *Session) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	f := s.flash
	s.flash = ""
	return f
}

// Revoke signs out every session belonging to username and returns how
// many were affected.
func (m *Manager) Revoke(username string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, s := range m.sessions {
		if s.Authenticated && s.Identity.Username == username {
			s.clear()
			n++
		}
	}
	return n
}

// Idle is how long a session may go unseen before Sweep forgets it. It
// matches the cookie lifetime, so a timed-out session is still in the table
// when its browser returns and Check can report StateExpired.
func (m *Manager) Idle() time.Duration { return 2 * m.timeout }

// Sweep drops sessions not seen for longer than Idle and returns how many
// were removed. Timed-out sessions that are still within Idle are left for
// Check to end.
func (m *Manager) Sweep(now time.Time) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for id, s := range m.sessions {
		if now.Sub(s.LastSeen) > m.Idle() {
			delete(m.sessions, id)
			n++
		}
	}
	return n
}

// Active counts authenticated sessions that have not timed out.
func (m *Manager) Active(now time.Time) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, s := range m.sessions {
		if s.Authenticated && now.Sub(s.LoginTime) <= m.timeout {
			n++
		}
	}
	return n
}

func newID() string {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		panic(fmt.Sprintf("critical security error: failed to generate session id: %v", err))
	}
	return base64.RawURLEncoding.EncodeToString(b)
}
