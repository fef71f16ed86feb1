package store

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Schema for the trust agent store.
const schema = `
CREATE TABLE IF NOT EXISTS session_keys (
    device_id   BLOB PRIMARY KEY,
    ciphertext  BLOB NOT NULL,
    nonce       BLOB NOT NULL,
    updated_at  INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS handle_users (
    handle      INTEGER PRIMARY KEY,
    user_id     INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS device_handles (
    device_id   BLOB PRIMARY KEY,
    handle      INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS trusted_devices (
    handle       INTEGER PRIMARY KEY,
    user_id      INTEGER NOT NULL,
    device_id    BLOB NOT NULL,
    address      TEXT,
    name         TEXT,
    enrolled_at  INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_trusted_devices_user ON trusted_devices(user_id, handle);
`

// SQLiteStore is a Store backed by a SQLite database file.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens or creates the database at path and applies the schema.
func OpenSQLite(path string) (*SQLiteStore, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Handles are unsigned on the wire; SQLite integers are signed 64-bit, so
// they are stored bit-for-bit as int64.
func sqlHandle(h uint64) int64 { return int64(h) }

func (s *SQLiteStore) PutSessionKey(deviceID []byte, rec KeyRecord) error {
	_, err := s.db.Exec(`
		INSERT INTO session_keys (device_id, ciphertext, nonce, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(device_id) DO UPDATE SET
			ciphertext = excluded.ciphertext,
			nonce = excluded.nonce,
			updated_at = excluded.updated_at`,
		deviceID, rec.Ciphertext, rec.Nonce, time.Now().UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("put session key: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetSessionKey(deviceID []byte) (KeyRecord, error) {
	var rec KeyRecord
	err := s.db.QueryRow(`SELECT ciphertext, nonce FROM session_keys WHERE device_id = ?`, deviceID).
		Scan(&rec.Ciphertext, &rec.Nonce)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return KeyRecord{}, ErrNotFound
		}
		return KeyRecord{}, fmt.Errorf("get session key: %w", err)
	}
	return rec, nil
}

func (s *SQLiteStore) DeleteSessionKey(deviceID []byte) error {
	if _, err := s.db.Exec(`DELETE FROM session_keys WHERE device_id = ?`, deviceID); err != nil {
		return fmt.Errorf("delete session key: %w", err)
	}
	return nil
}

func (s *SQLiteStore) PutHandleUser(handle uint64, userID int) error {
	_, err := s.db.Exec(`
		INSERT INTO handle_users (handle, user_id) VALUES (?, ?)
		ON CONFLICT(handle) DO UPDATE SET user_id = excluded.user_id`,
		sqlHandle(handle), userID,
	)
	if err != nil {
		return fmt.Errorf("put handle user: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetHandleUser(handle uint64) (int, error) {
	var userID int
	err := s.db.QueryRow(`SELECT user_id FROM handle_users WHERE handle = ?`, sqlHandle(handle)).Scan(&userID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, ErrNotFound
		}
		return 0, fmt.Errorf("get handle user: %w", err)
	}
	return userID, nil
}

func (s *SQLiteStore) DeleteHandleUser(handle uint64) error {
	if _, err := s.db.Exec(`DELETE FROM handle_users WHERE handle = ?`, sqlHandle(handle)); err != nil {
		return fmt.Errorf("delete handle user: %w", err)
	}
	return nil
}

func (s *SQLiteStore) PutDeviceHandle(deviceID []byte, handle uint64) error {
	_, err := s.db.Exec(`
		INSERT INTO device_handles (device_id, handle) VALUES (?, ?)
		ON CONFLICT(device_id) DO UPDATE SET handle = excluded.handle`,
		deviceID, sqlHandle(handle),
	)
	if err != nil {
		return fmt.Errorf("put device handle: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetDeviceHandle(deviceID []byte) (uint64, error) {
	var h int64
	err := s.db.QueryRow(`SELECT handle FROM device_handles WHERE device_id = ?`, deviceID).Scan(&h)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, ErrNotFound
		}
		return 0, fmt.Errorf("get device handle: %w", err)
	}
	return uint64(h), nil
}

func (s *SQLiteStore) DeleteDeviceHandle(deviceID []byte) error {
	if _, err := s.db.Exec(`DELETE FROM device_handles WHERE device_id = ?`, deviceID); err != nil {
		return fmt.Errorf("delete device handle: %w", err)
	}
	return nil
}

func (s *SQLiteStore) PutTrustedDevice(info TrustedDeviceInfo) error {
	_, err := s.db.Exec(`
		INSERT INTO trusted_devices (handle, user_id, device_id, address, name, enrolled_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(handle) DO UPDATE SET
			user_id = excluded.user_id,
			device_id = excluded.device_id,
			address = excluded.address,
			name = excluded.name,
			enrolled_at = excluded.enrolled_at`,
		sqlHandle(info.Handle), info.UserID, info.DeviceID, info.Address, info.Name, info.EnrolledAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("put trusted device: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ListTrustedDevices(userID int) ([]TrustedDeviceInfo, error) {
	rows, err := s.db.Query(`
		SELECT handle, user_id, device_id, address, name, enrolled_at
		FROM trusted_devices WHERE user_id = ? ORDER BY handle`, userID)
	if err != nil {
		return nil, fmt.Errorf("list trusted devices: %w", err)
	}
	defer rows.Close()

	result := make([]TrustedDeviceInfo, 0)
	for rows.Next() {
		var (
			info       TrustedDeviceInfo
			handle     int64
			address    sql.NullString
			name       sql.NullString
			enrolledAt int64
		)
		if err := rows.Scan(&handle, &info.UserID, &info.DeviceID, &address, &name, &enrolledAt); err != nil {
			return nil, fmt.Errorf("scan trusted device: %w", err)
		}
		info.Handle = uint64(handle)
		info.Address = address.String
		info.Name = name.String
		info.EnrolledAt = time.Unix(0, enrolledAt)
		result = append(result, info)
	}
	return result, rows.Err()
}

func (s *SQLiteStore) DeleteTrustedDevice(handle uint64) error {
	if _, err := s.db.Exec(`DELETE FROM trusted_devices WHERE handle = ?`, sqlHandle(handle)); err != nil {
		return fmt.Errorf("delete trusted device: %w", err)
	}
	return nil
}

var _ Store = (*SQLiteStore)(nil)
