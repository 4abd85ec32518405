package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"
	"time"
)

// User represents an application user.
type User struct {
	ID           string
	Email        string
	PasswordHash string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// BrokerProfile is a remembered broker login. It never carries a password.
// A nil AISettings on upsert keeps whatever blob is already stored.
type BrokerProfile struct {
	UserID      string
	Login       string
	Server      string
	AccountType string
	AISettings  json.RawMessage
	UpdatedAt   time.Time
}

// RiskLock is the persisted, immutable record of a confirmed risk config.
type RiskLock struct {
	UserID         string
	LockID         string
	LockedAt       time.Time
	TotalCapital   float64
	RiskPercentage float64
	Source         string
	Snapshot       json.RawMessage // broker account snapshot at lock time
	RiskConfig     json.RawMessage // full risk config at lock time
}

// ConfigDocument is the combined profile + AI settings + risk config record.
type ConfigDocument struct {
	UserID      string
	Login       string
	Server      string
	AccountType string
	AISettings  json.RawMessage
	RiskConfig  json.RawMessage
	UpdatedAt   time.Time
}

// CreateUser inserts a new user row.
func (d *Database) CreateUser(ctx context.Context, u User) error {
	_, err := d.DB.ExecContext(ctx, `
		INSERT INTO users (id, email, password_hash, created_at, updated_at)
		VALUES (?, ?, ?, COALESCE(?, CURRENT_TIMESTAMP), COALESCE(?, CURRENT_TIMESTAMP))
	`, u.ID, strings.ToLower(u.Email), u.PasswordHash, u.CreatedAt, u.UpdatedAt)
	return err
}

// GetUserByEmail returns a user by email or nil if not found.
func (d *Database) GetUserByEmail(ctx context.Context, email string) (*User, error) {
	row := d.DB.QueryRowContext(ctx, `
		SELECT id, email, password_hash, created_at, updated_at
		FROM users WHERE email = ?
	`, strings.ToLower(email))
	var u User
	if err := row.Scan(&u.ID, &u.Email, &u.PasswordHash, &u.CreatedAt, &u.UpdatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return &u, nil
}

// nullableJSON maps an empty raw message to SQL NULL.
func nullableJSON(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}
