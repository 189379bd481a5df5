package db

import (
	"context"
	"database/sql"
	"embed"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"

	"triage/crypto"
	"triage/models"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// SummaryLength is how much of a diagnosis is kept in history.
const SummaryLength = 200

// DB stores diagnosis history and login audit events. Symptom text and
// diagnoses are encrypted before they reach the database.
type DB struct {
	x      *sqlx.DB
	sealer *crypto.Sealer
}

// Open opens (creating if needed) the SQLite database at path, applies
// migrations and prepares the history cipher from secret.
func Open(path, secret string) (*DB, error) {
	dsn := path
	if path != ":memory:" {
		dsn = path + "?_foreign_keys=on&_busy_timeout=5000"
	}
	x, err := sqlx.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	// One connection keeps :memory: databases coherent and avoids SQLITE_BUSY.
	x.SetMaxOpenConns(1)

	if err := migrateUp(x.DB); err != nil {
		x.Close()
		return nil, err
	}

	salt, err := loadOrCreateSalt(x)
	if err != nil {
		x.Close()
		return nil, err
	}
	sealer, err := crypto.NewSealer(crypto.DeriveKey(secret, salt))
	if err != nil {
		x.Close()
		return nil, err
	}
	return &DB{x: x, sealer: sealer}, nil
}

func (d *DB) Close() error { return d.x.Close() }

func (d *DB) Ping(ctx context.Context) error { return d.x.PingContext(ctx) }

func migrateUp(conn *sql.DB) error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("loading migrations: %w", err)
	}
	driver, err := sqlite3.WithInstance(conn, &sqlite3.Config{})
	if err != nil {
		return fmt.Errorf("creating migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("creating migrator: %w", err)
	}
	// m.Close would also close conn, so only the source is released.
	defer src.Close()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("running migrations: %w", err)
	}
	return nil
}

func loadOrCreateSalt(x *sqlx.DB) ([]byte, error) {
	var encoded string
	err := x.Get(&encoded, `SELECT value FROM settings WHERE key = 'history_salt'`)
	if err == nil {
		return base64.StdEncoding.DecodeString(encoded)
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("reading history salt: %w", err)
	}

	salt, err := crypto.GenerateSalt()
	if err != nil {
		return nil, err
	}
	if _, err := x.Exec(`INSERT INTO settings (key, value) VALUES ('history_salt', ?)`,
		base64.StdEncoding.EncodeToString(salt)); err != nil {
		return nil, fmt.Errorf("storing history salt: %w", err)
	}
	return salt, nil
}

// Summarize trims a diagnosis to SummaryLength characters plus "...".
func Summarize(s string) string {
	r := []rune(s)
	if len(r) <= SummaryLength {
		return s
	}
	return string(r[:SummaryLength]) + "..."
}

func (d *DB) AddDiagnosis(ctx context.Context, username string, res models.DiagnosisResult, now time.Time) (models.HistoryEntry, error) {
	entry := models.HistoryEntry{
		ID:          uuid.NewString(),
		Username:    username,
		Input:       res.Input,
		SymptomArea: res.SymptomArea,
		Diagnosis:   Summarize(res.Diagnosis),
		CreatedAt:   now.UTC(),
	}

	input, err := d.sealer.Seal(entry.Input)
	if err != nil {
		return models.HistoryEntry{}, err
	}
	diagnosis, err := d.sealer.Seal(entry.Diagnosis)
	if err != nil {
		return models.HistoryEntry{}, err
	}

	_, err = d.x.ExecContext(ctx,
		`INSERT INTO diagnoses (id, username, input_enc, symptom_area, diagnosis_enc, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		entry.ID, entry.Username, input, entry.SymptomArea, diagnosis, entry.CreatedAt)
	if err != nil {
		return models.HistoryEntry{}, fmt.Errorf("inserting diagnosis: %w", err)
	}
	return entry, nil
}

// RecentDiagnoses returns the newest n entries for one user.
func (d *DB) RecentDiagnoses(ctx context.Context, username string, n int) ([]models.HistoryEntry, error) {
	var rows []models.HistoryEntry
	err := d.x.SelectContext(ctx, &rows,
		`SELECT id, username, input_enc, symptom_area, diagnosis_enc, created_at
		   FROM diagnoses WHERE username = ? ORDER BY created_at DESC LIMIT ?`, username, n)
	if err != nil {
		return nil, fmt.Errorf("listing diagnoses: %w", err)
	}
	return d.open(rows)
}

// RecentDiagnosesAll returns the newest n entries across all users.
func (d *DB) RecentDiagnosesAll(ctx context.Context, n int) ([]models.HistoryEntry, error) {
	var rows []models.HistoryEntry
	err := d.x.SelectContext(ctx, &rows,
		`SELECT id, username, input_enc, symptom_area, diagnosis_enc, created_at
		   FROM diagnoses ORDER BY created_at DESC LIMIT ?`, n)
	if err != nil {
		return nil, fmt.Errorf("listing diagnoses: %w", err)
	}
	return d.open(rows)
}

func (d *DB) open(rows []models.HistoryEntry) ([]models.HistoryEntry, error) {
	for i := range rows {
		in, err := d.sealer.Open(rows[i].Input)
		if err != nil {
			return nil, fmt.Errorf("decrypting diagnosis %s: %w", rows[i].ID, err)
		}
		diag, err := d.sealer.Open(rows[i].Diagnosis)
		if err != nil {
			return nil, fmt.Errorf("decrypting diagnosis %s: %w", rows[i].ID, err)
		}
		rows[i].Input, rows[i].Diagnosis = in, diag
	}
	return rows, nil
}

func (d *DB) CountDiagnoses(ctx context.Context) (int, error) {
	var n int
	err := d.x.GetContext(ctx, &n, `SELECT COUNT(*) FROM diagnoses`)
	return n, err
}

func (d *DB) RecordLoginEvent(ctx context.Context, ev models.LoginEvent) error {
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now()
	}
	_, err := d.x.ExecContext(ctx,
		`INSERT INTO login_events (username, outcome, remote_addr, created_at) VALUES (?, ?, ?, ?)`,
		strings.TrimSpace(ev.Username), ev.Outcome, ev.RemoteAddr, ev.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("recording login event: %w", err)
	}
	return nil
}

func (d *DB) RecentLoginEvents(ctx context.Context, n int) ([]models.LoginEvent, error) {
	var events []models.LoginEvent
	err := d.x.SelectContext(ctx, &events,
		`SELECT id, username, outcome, remote_addr, created_at
		   FROM login_events ORDER BY created_at DESC, id DESC LIMIT ?`, n)
	if err != nil {
		return nil, fmt.Errorf("listing login events: %w", err)
	}
	return events, nil
}

// DeleteUserData removes the diagnoses and login events of a deleted account.
func (d *DB) DeleteUserData(ctx context.Context, username string) error {
	tx, err := d.x.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("deleting user data: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM diagnoses WHERE username = ?`, username); err != nil {
		return fmt.Errorf("deleting diagnoses: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM login_events WHERE username = ?`, username); err != nil {
		return fmt.Errorf("deleting login events: %w", err)
	}
	return tx.Commit()
}
