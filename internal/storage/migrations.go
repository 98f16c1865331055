package storage

import (
	"database/sql"
	"fmt"
)

// migrations holds all database migrations in order
var migrations = []struct {
	version int
	name    string
	sql     string
}{
	{
		version: 1,
		name:    "create_session_state_table",
		sql: `
			CREATE TABLE IF NOT EXISTS session_state (
				key TEXT PRIMARY KEY,
				value TEXT NOT NULL,
				updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
			);
		`,
	},
	{
		version: 2,
		name:    "create_credentials_table",
		sql: `
			CREATE TABLE IF NOT EXISTS credentials (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				email TEXT NOT NULL,
				password_encrypted BLOB NOT NULL,
				language INTEGER DEFAULT 0,
				created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
				updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
			);
		`,
	},
	{
		version: 3,
		name:    "create_device_state_table",
		sql: `
			CREATE TABLE IF NOT EXISTS device_state (
				device_id INTEGER PRIMARY KEY,
				building_id INTEGER NOT NULL,
				name TEXT,
				serial_number TEXT,
				power BOOLEAN,
				room_temp REAL,
				set_temp REAL,
				operation_mode INTEGER,
				fan_speed INTEGER,
				vane_horizontal INTEGER,
				vane_vertical INTEGER,
				offline BOOLEAN,
				updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
			);
			CREATE INDEX IF NOT EXISTS idx_device_state_building ON device_state(building_id);
		`,
	},
	{
		version: 4,
		name:    "create_event_log_table",
		sql: `
			CREATE TABLE IF NOT EXISTS event_log (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				timestamp DATETIME DEFAULT CURRENT_TIMESTAMP,
				source TEXT NOT NULL,
				event_type TEXT NOT NULL,
				message TEXT,
				details JSON
			);
			CREATE INDEX IF NOT EXISTS idx_event_log_timestamp ON event_log(timestamp);
			CREATE INDEX IF NOT EXISTS idx_event_log_source ON event_log(source);
		`,
	},
}

// RunMigrations applies all pending migrations
func RunMigrations(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			name TEXT NOT NULL,
			applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
		);
	`)
	if err != nil {
		return fmt.Errorf("failed to create migrations table: %w", err)
	}

	var currentVersion int
	row := db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_migrations")
	if err := row.Scan(&currentVersion); err != nil {
		return fmt.Errorf("failed to get current version: %w", err)
	}

	for _, m := range migrations {
		if m.version <= currentVersion {
			continue
		}

		tx, err := db.Begin()
		if err != nil {
			return fmt.Errorf("failed to begin transaction for migration %d: %w", m.version, err)
		}

		if _, err := tx.Exec(m.sql); err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to execute migration %d (%s): %w", m.version, m.name, err)
		}

		if _, err := tx.Exec("INSERT INTO schema_migrations (version, name) VALUES (?, ?)", m.version, m.name); err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to record migration %d: %w", m.version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("failed to commit migration %d: %w", m.version, err)
		}
	}

	return nil
}

// GetMigrationVersion returns the current schema version
func GetMigrationVersion(db *sql.DB) (int, error) {
	var version int
	row := db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_migrations")
	if err := row.Scan(&version); err != nil {
		return 0, err
	}
	return version, nil
}
