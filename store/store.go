// Package store persists account records as a single human-readable JSON file.
//
// Every call reads or writes the whole file. Nothing is cached between calls,
// so a caller that needs fresh data simply calls Load again.
package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"triage/models"
)

const DefaultPath = "users.json"

// HashFunc turns a plaintext password into the stored digest.
type HashFunc func(password string) (string, error)

// ErrNoChange can be returned by an Update callback to skip the write.
var ErrNoChange = errors.New("store: no change")

type Store struct {
	path string
	log  *slog.Logger

	// mu serialises load-modify-save within this process. Separate processes
	// sharing the file can still overwrite each other.
	mu sync.Mutex
}

func New(path string, logger *slog.Logger) *Store {
	if path == "" {
		path = DefaultPath
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{path: path, log: logger.With("component", "credential_store")}
}

func (s *Store) Path() string { return s.path }

// Load returns every account keyed by username. A missing, unreadable or
// corrupt file yields an empty map; the problem is logged, never returned.
func (s *Store) Load() map[string]models.Account {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			s.log.Warn("reading credentials file", "path", s.path, "error", err)
		}
		return map[string]models.Account{}
	}

	accounts := map[string]models.Account{}
	if err := json.Unmarshal(data, &accounts); err != nil {
		s.log.Warn("credentials file is not valid JSON, treating as empty", "path", s.path, "error", err)
		return map[string]models.Account{}
	}
	if accounts == nil {
		return map[string]models.Account{}
	}
	return accounts
}

// Save replaces the file with the given snapshot. Readers see either the old
// or the new contents, never a partial write.
func (s *Store) Save(accounts map[string]models.Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.save(accounts)
}

// Update runs fn against a freshly loaded snapshot and saves the result.
// If fn returns ErrNoChange nothing is written and Update returns nil.
func (s *Store) Update(fn func(accounts map[string]models.Account) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	accounts := s.Load()
	if err := fn(accounts); err != nil {
		if errors.Is(err, ErrNoChange) {
			return nil
		}
		return err
	}
	return s.save(accounts)
}

func (s *Store) save(accounts map[string]models.Account) error {
	if accounts == nil {
		accounts = map[string]models.Account{}
	}
	data, err := json.MarshalIndent(accounts, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding credentials: %w", err)
	}
	if err := writeFileAtomic(s.path, data, 0o600); err != nil {
		return fmt.Errorf("saving credentials to %s: %w", s.path, err)
	}
	return nil
}

type seed struct {
	username string
	password string
	email    string
	role     models.Role
}

var defaultSeeds = []seed{
	{"admin", "admin123", "admin@medicalai.com", models.RoleAdmin},
	{"doctor", "doctor123", "doctor@medicalai.com", models.RoleDoctor},
}

// EnsureDefaultAccounts seeds one admin and one doctor account when the store
// is empty. Existing records are never touched, so calling it again is a no-op.
func (s *Store) EnsureDefaultAccounts(hash HashFunc, now time.Time) (bool, error) {
	seeded := false
	err := s.Update(func(accounts map[string]models.Account) error {
		if len(accounts) > 0 {
			return ErrNoChange
		}
		for _, sd := range defaultSeeds {
			h, err := hash(sd.password)
			if err != nil {
				return fmt.Errorf("hashing default password for %s: %w", sd.username, err)
			}
			accounts[sd.username] = models.Account{
				PasswordHash: h,
				Email:        sd.email,
				Role:         sd.role,
				CreatedAt:    now,
			}
		}
		seeded = true
		return nil
	})
	if err != nil {
		return false, err
	}
	if seeded {
		s.log.Warn("seeded default accounts, change their passwords", "users", "admin, doctor")
	}
	return seeded, nil
}

func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, ".users_*.tmp")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmpPath := tmp.Name()

	ok := false
	defer func() {
		if !ok {
			tmp.Close()
			os.Remove(tmpPath)
		}
	}()

	if err := tmp.Chmod(perm); err != nil {
		return fmt.Errorf("setting temp file permissions: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		return fmt.Errorf("writing temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		return fmt.Errorf("syncing temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("renaming temp file: %w", err)
	}
	ok = true
	return nil
}
