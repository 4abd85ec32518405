package db

import (
	"database/sql"
	"fmt"
)

type migration struct {
	version int
	name    string
	apply   func(tx *sql.Tx) error
}

// migrations run in order, each once, inside its own transaction.
var migrations = []migration{
	{1, "desk tables", execAll(
		`CREATE TABLE IF NOT EXISTS users (
			id TEXT PRIMARY KEY,
			email TEXT NOT NULL UNIQUE,
			password_hash TEXT NOT NULL,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
		// Remembered broker login. Holds no password.
		`CREATE TABLE IF NOT EXISTS broker_profiles (
			user_id TEXT PRIMARY KEY REFERENCES users(id),
			login TEXT NOT NULL,
			server TEXT NOT NULL,
			account_type TEXT NOT NULL DEFAULT 'real',
			updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS risk_locks (
			user_id TEXT PRIMARY KEY REFERENCES users(id),
			locked_at DATETIME NOT NULL,
			total_capital REAL NOT NULL,
			risk_percentage REAL NOT NULL,
			snapshot TEXT NOT NULL,
			risk_config TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS config_documents (
			user_id TEXT PRIMARY KEY REFERENCES users(id),
			login TEXT NOT NULL DEFAULT '',
			server TEXT NOT NULL DEFAULT '',
			account_type TEXT NOT NULL DEFAULT 'real',
			ai_settings TEXT NOT NULL,
			risk_config TEXT NOT NULL,
			updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
	)},
	{2, "lock audit id and source", func(tx *sql.Tx) error {
		if err := addColumn(tx, "risk_locks", "lock_id", "TEXT NOT NULL DEFAULT ''"); err != nil {
			return err
		}
		return addColumn(tx, "risk_locks", "source", "TEXT NOT NULL DEFAULT 'mt5'")
	}},
	{3, "profile ai settings", func(tx *sql.Tx) error {
		return addColumn(tx, "broker_profiles", "ai_settings", "TEXT")
	}},
}

// ApplyMigrations brings the file up to the latest schema version.
func ApplyMigrations(d *Database) error {
	if d == nil || d.DB == nil {
		return fmt.Errorf("database is not initialized")
	}
	// journal_mode cannot change inside a transaction.
	if _, err := d.DB.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		return fmt.Errorf("journal mode: %w", err)
	}
	if _, err := d.DB.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (
		version INTEGER PRIMARY KEY,
		name TEXT NOT NULL,
		applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	var current int
	if err := d.DB.QueryRow(`SELECT COALESCE(MAX(version), 0) FROM schema_migrations`).Scan(&current); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}
	for _, m := range migrations {
		if m.version <= current {
			continue
		}
		if err := runMigration(d.DB, m); err != nil {
			return fmt.Errorf("migration %d (%s): %w", m.version, m.name, err)
		}
	}
	return nil
}

// SchemaVersion reports the highest applied migration.
func (d *Database) SchemaVersion() (int, error) {
	var v int
	err := d.DB.QueryRow(`SELECT COALESCE(MAX(version), 0) FROM schema_migrations`).Scan(&v)
	return v, err
}

func runMigration(handle *sql.DB, m migration) error {
	tx, err := handle.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback() //nolint:errcheck

	if err := m.apply(tx); err != nil {
		return err
	}
	if _, err := tx.Exec(`INSERT INTO schema_migrations (version, name) VALUES (?, ?)`, m.version, m.name); err != nil {
		return err
	}
	return tx.Commit()
}

func execAll(stmts ...string) func(tx *sql.Tx) error {
	return func(tx *sql.Tx) error {
		for _, s := range stmts {
			if _, err := tx.Exec(s); err != nil {
				return err
			}
		}
		return nil
	}
}

// addColumn is a no-op when the column already exists, which covers files
// created before versioned migrations.
func addColumn(tx *sql.Tx, table, column, definition string) error {
	var n int
	if err := tx.QueryRow(`SELECT COUNT(*) FROM pragma_table_info(?) WHERE name = ?`, table, column).Scan(&n); err != nil {
		return fmt.Errorf("inspect %s: %w", table, err)
	}
	if n > 0 {
		return nil
	}
	if _, err := tx.Exec(fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", table, column, definition)); err != nil {
		return fmt.Errorf("add %s.%s: %w", table, column, err)
	}
	return nil
}
