// Package db provides user-isolated database queries for multi-tenant architecture.
package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

var (
	ErrUserIDRequired = errors.New("user_id is required for data isolation")
	ErrNotFound       = errors.New("record not found")
	ErrAlreadyLocked  = errors.New("risk config already locked")
)

// UserQueries provides user-isolated database queries.
type UserQueries struct {
	db *sql.DB
}

// NewUserQueries creates a new UserQueries instance.
func NewUserQueries(db *sql.DB) *UserQueries {
	return &UserQueries{db: db}
}

// ----------------------------------------
// Broker profile queries
// ----------------------------------------

// GetBrokerProfile returns the remembered login for a user, or nil.
func (q *UserQueries) GetBrokerProfile(ctx context.Context, userID string) (*BrokerProfile, error) {
	if userID == "" {
		return nil, ErrUserIDRequired
	}

	var (
		p  BrokerProfile
		ai sql.NullString
	)
	err := q.db.QueryRowContext(ctx, `
		SELECT user_id, login, server, account_type, ai_settings, updated_at
		FROM broker_profiles
		WHERE user_id = ?
	`, userID).Scan(&p.UserID, &p.Login, &p.Server, &p.AccountType, &ai, &p.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("query broker profile: %w", err)
	}
	if ai.Valid && ai.String != "" {
		p.AISettings = []byte(ai.String)
	}
	return &p, nil
}

// UpsertBrokerProfile creates or overwrites the remembered login. The stored
// AI settings survive when p.AISettings is empty.
func (q *UserQueries) UpsertBrokerProfile(ctx context.Context, p BrokerProfile) error {
	if p.UserID == "" {
		return ErrUserIDRequired
	}
	if p.UpdatedAt.IsZero() {
		p.UpdatedAt = time.Now().UTC()
	}

	_, err := q.db.ExecContext(ctx, `
		INSERT INTO broker_profiles (user_id, login, server, account_type, ai_settings, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			login = excluded.login,
			server = excluded.server,
			account_type = excluded.account_type,
			ai_settings = COALESCE(excluded.ai_settings, broker_profiles.ai_settings),
			updated_at = excluded.updated_at
	`, p.UserID, p.Login, p.Server, p.AccountType, nullableJSON(p.AISettings), p.UpdatedAt)
	if err != nil {
		return fmt.Errorf("upsert broker profile: %w", err)
	}
	return nil
}

// DeleteBrokerProfile removes the remembered login. Deleting a missing row is not an error.
func (q *UserQueries) DeleteBrokerProfile(ctx context.Context, userID string) error {
	if userID == "" {
		return ErrUserIDRequired
	}
	if _, err := q.db.ExecContext(ctx, `DELETE FROM broker_profiles WHERE user_id = ?`, userID); err != nil {
		return fmt.Errorf("delete broker profile: %w", err)
	}
	return nil
}

// ----------------------------------------
// Risk lock queries
// ----------------------------------------

// InsertRiskLock writes a lock row once. A second insert for the same user
// returns ErrAlreadyLocked and leaves the first row untouched.
func (q *UserQueries) InsertRiskLock(ctx context.Context, l RiskLock) error {
	if l.UserID == "" {
		return ErrUserIDRequired
	}

	res, err := q.db.ExecContext(ctx, `
		INSERT INTO risk_locks (
			user_id, lock_id, locked_at, total_capital, risk_percentage, source, snapshot, risk_config
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id) DO NOTHING
	`, l.UserID, l.LockID, l.LockedAt, l.TotalCapital, l.RiskPercentage, l.Source, string(l.Snapshot), string(l.RiskConfig))
	if err != nil {
		return fmt.Errorf("insert risk lock: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("insert risk lock: %w", err)
	}
	if n == 0 {
		return ErrAlreadyLocked
	}
	return nil
}

// GetRiskLock returns the lock row for a user, or nil if unlocked.
func (q *UserQueries) GetRiskLock(ctx context.Context, userID string) (*RiskLock, error) {
	if userID == "" {
		return nil, ErrUserIDRequired
	}

	var (
		l              RiskLock
		snapshot, conf string
	)
	err := q.db.QueryRowContext(ctx, `
		SELECT user_id, lock_id, locked_at, total_capital, risk_percentage, source, snapshot, risk_config
		FROM risk_locks
		WHERE user_id = ?
	`, userID).Scan(&l.UserID, &l.LockID, &l.LockedAt, &l.TotalCapital, &l.RiskPercentage, &l.Source, &snapshot, &conf)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("query risk lock: %w", err)
	}
	l.Snapshot = []byte(snapshot)
	l.RiskConfig = []byte(conf)
	return &l, nil
}

// ----------------------------------------
// Configuration document queries
// ----------------------------------------

// SaveConfigDocument writes the combined document and mirrors its AI settings
// into the broker profile in one transaction.
func (q *UserQueries) SaveConfigDocument(ctx context.Context, doc ConfigDocument) error {
	if doc.UserID == "" {
		return ErrUserIDRequired
	}
	if doc.UpdatedAt.IsZero() {
		doc.UpdatedAt = time.Now().UTC()
	}

	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin config save: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO config_documents (user_id, login, server, account_type, ai_settings, risk_config, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			login = excluded.login,
			server = excluded.server,
			account_type = excluded.account_type,
			ai_settings = excluded.ai_settings,
			risk_config = excluded.risk_config,
			updated_at = excluded.updated_at
	`, doc.UserID, doc.Login, doc.Server, doc.AccountType, string(doc.AISettings), string(doc.RiskConfig), doc.UpdatedAt); err != nil {
		return fmt.Errorf("upsert config document: %w", err)
	}

	// Only a remembered login receives the settings; a save never creates one.
	if _, err := tx.ExecContext(ctx, `
		UPDATE broker_profiles SET ai_settings = ?, updated_at = ?
		WHERE user_id = ?
	`, string(doc.AISettings), doc.UpdatedAt, doc.UserID); err != nil {
		return fmt.Errorf("mirror ai settings into profile: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit config save: %w", err)
	}
	return nil
}

// GetConfigDocument returns the saved document for a user, or nil.
func (q *UserQueries) GetConfigDocument(ctx context.Context, userID string) (*ConfigDocument, error) {
	if userID == "" {
		return nil, ErrUserIDRequired
	}

	var (
		d        ConfigDocument
		ai, risk string
	)
	err := q.db.QueryRowContext(ctx, `
		SELECT user_id, login, server, account_type, ai_settings, risk_config, updated_at
		FROM config_documents
		WHERE user_id = ?
	`, userID).Scan(&d.UserID, &d.Login, &d.Server, &d.AccountType, &ai, &risk, &d.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("query config document: %w", err)
	}
	d.AISettings = []byte(ai)
	d.RiskConfig = []byte(risk)
	return &d, nil
}
