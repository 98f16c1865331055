// Package storage provides the bridge's durable state: the MELCloud
// session fields, encrypted account credentials, the last observed
// device states and an event log, all in a single SQLite database under
// the configured data directory.
package storage

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/stzoran1/melcloud-bridge/internal/log"
	"github.com/stzoran1/melcloud-bridge/internal/melcloud"
)

// DB wraps the SQLite database connection
type DB struct {
	conn *sql.DB
}

// Open creates a new database connection and runs migrations
func Open(path string) (*DB, error) {
	conn, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := conn.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if err := RunMigrations(conn); err != nil {
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return &DB{conn: conn}, nil
}

// Close closes the database connection
func (db *DB) Close() error {
	return db.conn.Close()
}

// --- Session state ---
// DB implements melcloud.SessionStore. Each field is a separate row and
// a separate write, matching the login flow's persistence contract.

func (db *DB) setSessionValue(key, value string) error {
	_, err := db.conn.Exec(`
		INSERT INTO session_state (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at
	`, key, value, time.Now())
	if err != nil {
		return fmt.Errorf("failed to save session value %s: %w", key, err)
	}
	return nil
}

func (db *DB) sessionValue(key string) (string, error) {
	var value string
	err := db.conn.QueryRow("SELECT value FROM session_state WHERE key = ?", key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to get session value %s: %w", key, err)
	}
	return value, nil
}

// SaveContextKey persists the session token
func (db *DB) SaveContextKey(key string) error {
	return db.setSessionValue(sessionKeyContextKey, key)
}

// SaveExpiry persists the session expiration date
func (db *DB) SaveExpiry(t time.Time) error {
	return db.setSessionValue(sessionKeyExpiry, t.Format(time.RFC3339))
}

// SaveUseFahrenheit persists the display-unit preference
func (db *DB) SaveUseFahrenheit(v bool) error {
	return db.setSessionValue(sessionKeyUseFahrenheit, fmt.Sprintf("%t", v))
}

// LoadSession reads whatever session fields survived the last run.
// Missing fields come back as zero values; an expired or partial record
// simply forces a fresh login.
func (db *DB) LoadSession() (melcloud.SessionRecord, error) {
	var rec melcloud.SessionRecord

	key, err := db.sessionValue(sessionKeyContextKey)
	if err != nil {
		return rec, err
	}
	rec.ContextKey = key

	if raw, err := db.sessionValue(sessionKeyExpiry); err != nil {
		return rec, err
	} else if raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			// A corrupt expiry is treated like a missing one: the zero
			// value fails the validity check and forces a fresh login.
			log.Warn("Ignoring unparseable stored expiry %q: %v", raw, err)
		} else {
			rec.Expiry = t
		}
	}

	if raw, err := db.sessionValue(sessionKeyUseFahrenheit); err != nil {
		return rec, err
	} else if raw != "" {
		rec.UseFahrenheit = raw == "true"
	}

	return rec, nil
}

// --- Credentials ---

// SaveCredentials stores the encrypted account login (single-account
// system, existing rows are replaced)
func (db *DB) SaveCredentials(email string, passwordEncrypted []byte, language int) error {
	if _, err := db.conn.Exec("DELETE FROM credentials"); err != nil {
		return fmt.Errorf("failed to clear credentials: %w", err)
	}

	_, err := db.conn.Exec(
		"INSERT INTO credentials (email, password_encrypted, language, created_at, updated_at) VALUES (?, ?, ?, ?, ?)",
		email, passwordEncrypted, language, time.Now(), time.Now(),
	)
	if err != nil {
		return fmt.Errorf("failed to save credentials: %w", err)
	}

	return nil
}

// GetCredentials retrieves stored credentials, nil when none are saved
func (db *DB) GetCredentials() (*Credentials, error) {
	row := db.conn.QueryRow(
		"SELECT id, email, password_encrypted, language, created_at, updated_at FROM credentials LIMIT 1",
	)

	var cred Credentials
	err := row.Scan(&cred.ID, &cred.Email, &cred.PasswordEncrypted, &cred.Language, &cred.CreatedAt, &cred.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get credentials: %w", err)
	}

	return &cred, nil
}

// DeleteCredentials removes stored credentials
func (db *DB) DeleteCredentials() error {
	_, err := db.conn.Exec("DELETE FROM credentials")
	return err
}

// --- Device snapshots ---

// SaveDeviceSnapshot saves or updates the last observed device state
func (db *DB) SaveDeviceSnapshot(snap *DeviceSnapshot) error {
	_, err := db.conn.Exec(`
		INSERT INTO device_state (device_id, building_id, name, serial_number, power, room_temp, set_temp, operation_mode, fan_speed, vane_horizontal, vane_vertical, offline, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(device_id) DO UPDATE SET
			building_id = excluded.building_id,
			name = excluded.name,
			serial_number = excluded.serial_number,
			power = excluded.power,
			room_temp = excluded.room_temp,
			set_temp = excluded.set_temp,
			operation_mode = excluded.operation_mode,
			fan_speed = excluded.fan_speed,
			vane_horizontal = excluded.vane_horizontal,
			vane_vertical = excluded.vane_vertical,
			offline = excluded.offline,
			updated_at = excluded.updated_at
	`, snap.DeviceID, snap.BuildingID, snap.Name, snap.SerialNumber, snap.Power,
		snap.RoomTemp, snap.SetTemp, snap.OperationMode, snap.FanSpeed,
		snap.VaneHorizontal, snap.VaneVertical, snap.Offline, time.Now())

	if err != nil {
		return fmt.Errorf("failed to save device snapshot: %w", err)
	}

	return nil
}

// GetDeviceSnapshots retrieves all stored device snapshots
func (db *DB) GetDeviceSnapshots() ([]DeviceSnapshot, error) {
	rows, err := db.conn.Query(`
		SELECT device_id, building_id, name, serial_number, power, room_temp, set_temp, operation_mode, fan_speed, vane_horizontal, vane_vertical, offline, updated_at
		FROM device_state
		ORDER BY device_id
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query device snapshots: %w", err)
	}
	defer rows.Close()

	var snaps []DeviceSnapshot
	for rows.Next() {
		var s DeviceSnapshot
		err := rows.Scan(&s.DeviceID, &s.BuildingID, &s.Name, &s.SerialNumber, &s.Power,
			&s.RoomTemp, &s.SetTemp, &s.OperationMode, &s.FanSpeed,
			&s.VaneHorizontal, &s.VaneVertical, &s.Offline, &s.UpdatedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan device snapshot: %w", err)
		}
		snaps = append(snaps, s)
	}

	return snaps, rows.Err()
}

// GetDeviceSnapshot retrieves the snapshot for one device, nil when the
// device has never been observed
func (db *DB) GetDeviceSnapshot(deviceID int) (*DeviceSnapshot, error) {
	var s DeviceSnapshot
	err := db.conn.QueryRow(`
		SELECT device_id, building_id, name, serial_number, power, room_temp, set_temp, operation_mode, fan_speed, vane_horizontal, vane_vertical, offline, updated_at
		FROM device_state
		WHERE device_id = ?
	`, deviceID).Scan(&s.DeviceID, &s.BuildingID, &s.Name, &s.SerialNumber, &s.Power,
		&s.RoomTemp, &s.SetTemp, &s.OperationMode, &s.FanSpeed,
		&s.VaneHorizontal, &s.VaneVertical, &s.Offline, &s.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get device snapshot %d: %w", deviceID, err)
	}
	return &s, nil
}

// --- Event log ---

// LogEvent records an event in the log
func (db *DB) LogEvent(source EventSource, eventType EventType, message string, details interface{}) error {
	var detailsJSON []byte
	if details != nil {
		var err error
		detailsJSON, err = json.Marshal(details)
		if err != nil {
			return fmt.Errorf("failed to marshal event details: %w", err)
		}
	}

	_, err := db.conn.Exec(
		"INSERT INTO event_log (timestamp, source, event_type, message, details) VALUES (?, ?, ?, ?, ?)",
		time.Now(), source, eventType, message, detailsJSON,
	)
	if err != nil {
		return fmt.Errorf("failed to log event: %w", err)
	}

	return nil
}

// GetEventLogs retrieves events with optional filtering
func (db *DB) GetEventLogs(filter EventLogFilter) ([]EventLog, error) {
	query := "SELECT id, timestamp, source, event_type, message, details FROM event_log WHERE 1=1"
	args := []interface{}{}

	if filter.Source != nil {
		query += " AND source = ?"
		args = append(args, *filter.Source)
	}
	if filter.EventType != nil {
		query += " AND event_type = ?"
		args = append(args, *filter.EventType)
	}
	if filter.Since != nil {
		query += " AND timestamp >= ?"
		args = append(args, *filter.Since)
	}

	query += " ORDER BY timestamp DESC"

	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}
	if filter.Offset > 0 {
		query += fmt.Sprintf(" OFFSET %d", filter.Offset)
	}

	rows, err := db.conn.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query event logs: %w", err)
	}
	defer rows.Close()

	var logs []EventLog
	for rows.Next() {
		var entry EventLog
		var details sql.NullString
		if err := rows.Scan(&entry.ID, &entry.Timestamp, &entry.Source, &entry.EventType, &entry.Message, &details); err != nil {
			return nil, fmt.Errorf("failed to scan event log: %w", err)
		}
		if details.Valid && details.String != "" {
			entry.Details = json.RawMessage(details.String)
		}
		logs = append(logs, entry)
	}

	return logs, rows.Err()
}

// PruneEventLogs removes old event logs
func (db *DB) PruneEventLogs(olderThan time.Time) (int64, error) {
	result, err := db.conn.Exec("DELETE FROM event_log WHERE timestamp < ?", olderThan)
	if err != nil {
		return 0, fmt.Errorf("failed to prune event logs: %w", err)
	}

	return result.RowsAffected()
}
