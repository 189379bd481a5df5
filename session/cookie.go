package session

import (
	"crypto/sha256"
	"net/http"
	"time"

	"github.com/gorilla/sessions"
)

const CookieName = "triage-session"

// Binder ties browser cookies to Manager sessions. The cookie only carries
// the session id; all state stays in the Manager.
type Binder struct {
	store   *sessions.CookieStore
	manager *Manager
	now     func() time.Time
}

func NewBinder(secret string, secure bool, manager *Manager) *Binder {
	// Derive separate signing and encryption keys from the one secret.
	authKey := sha256.Sum256([]byte(secret + "auth"))
	encKey := sha256.Sum256([]byte(secret + "encryption"))

	store := sessions.NewCookieStore(authKey[:], encKey[:])
	store.Options = &sessions.Options{
		Path:     "/",
		MaxAge:   int(manager.Idle().Seconds()),
		HttpOnly: true,
		Secure:   secure,
		SameSite: http.SameSiteLaxMode,
	}
	return &Binder{store: store, manager: manager, now: time.Now}
}

func (b *Binder) Manager() *Manager { return b.manager }

// Load returns the session for this browser, starting a new Anonymous one
// (and setting its cookie) when there is none or it is no longer known.
func (b *Binder) Load(w http.ResponseWriter, r *http.Request) *Session {
	cs, _ := b.store.Get(r, CookieName)
	if id, ok := cs.Values["sid"].(string); ok {
		if s, found := b.manager.Get(id); found {
			return s
		}
	}

	s := b.manager.Start(b.now())
	cs.Values["sid"] = s.ID
	_ = cs.Save(r, w)
	return s
}

// Rotate replaces the session id after a privilege change, carrying the
// state over, so a pre-login id cannot be reused.
func (b *Binder) Rotate(w http.ResponseWriter, r *http.Request, old *Session) *Session {
	s := b.manager.Start(b.now())
	b.manager.mu.Lock()
	s.flash = old.flash
	delete(b.manager.sessions, old.ID)
	b.manager.mu.Unlock()

	cs, _ := b.store.Get(r, CookieName)
	cs.Values["sid"] = s.ID
	_ = cs.Save(r, w)
	return s
}

// Clear expires the browser cookie and forgets the session.
func (b *Binder) Clear(w http.ResponseWriter, r *http.Request, s *Session) {
	if s != nil {
		b.manager.mu.Lock()
		delete(b.manager.sessions, s.ID)
		b.manager.mu.Unlock()
	}
	cs, _ := b.store.Get(r, CookieName)
	cs.Options.MaxAge = -1
	_ = cs.Save(r, w)
}
