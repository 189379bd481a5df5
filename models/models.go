package models

import "time"

type Role string

const (
	RoleUser   Role = "user"
	RoleDoctor Role = "doctor"
	RoleAdmin  Role = "admin"
)

func (r Role) Valid() bool {
	switch r {
	case RoleUser, RoleDoctor, RoleAdmin:
		return true
	}
	return false
}

// Account is the persisted record for one username in the credentials file.
// The username is the map key and is not repeated inside the record.
type Account struct {
	PasswordHash  string     `json:"password_hash"`
	Email         string     `json:"email"`
	Role          Role       `json:"role"`
	CreatedAt     time.Time  `json:"created_at"`
	LastLogin     *time.Time `json:"last_login"`
	LoginAttempts int        `json:"login_attempts"`
	LockedUntil   *time.Time `json:"locked_until"`
}

// PublicAccount is what leaves the auth layer: never the hash.
type PublicAccount struct {
	Username      string     `json:"username"`
	Email         string     `json:"email"`
	Role          Role       `json:"role"`
	CreatedAt     time.Time  `json:"created_at"`
	LastLogin     *time.Time `json:"last_login"`
	LoginAttempts int        `json:"login_attempts"`
	LockedUntil   *time.Time `json:"locked_until"`
}

func (a Account) Public(username string) PublicAccount {
	return PublicAccount{
		Username:      username,
		Email:         a.Email,
		Role:          a.Role,
		CreatedAt:     a.CreatedAt,
		LastLogin:     a.LastLogin,
		LoginAttempts: a.LoginAttempts,
		LockedUntil:   a.LockedUntil,
	}
}

func (p PublicAccount) IsAdmin() bool {
	return p.Role == RoleAdmin
}

type DiagnosisRequest struct {
	Input string `json:"input" validate:"max=8000"`
}

type DiagnosisResult struct {
	Input       string `json:"input"`
	SymptomArea string `json:"symptom_area"`
	Diagnosis   string `json:"diagnosis"`
}

type HistoryEntry struct {
	ID          string    `json:"id" db:"id"`
	Username    string    `json:"user" db:"username"`
	Input       string    `json:"input" db:"input_enc"`
	SymptomArea string    `json:"symptom_area" db:"symptom_area"`
	Diagnosis   string    `json:"diagnosis" db:"diagnosis_enc"`
	CreatedAt   time.Time `json:"timestamp" db:"created_at"`
}

type LoginEvent struct {
	ID         int64     `json:"id" db:"id"`
	Username   string    `json:"username" db:"username"`
	Outcome    string    `json:"outcome" db:"outcome"`
	RemoteAddr string    `json:"remote_addr" db:"remote_addr"`
	CreatedAt  time.Time `json:"created_at" db:"created_at"`
}
