package storage

import (
	"database/sql"
	"errors"
	"strings"
)

// SettingLastSessionKey remembers the session the CLI talked to last.
const SettingLastSessionKey = "last_session_key"

// GetSetting returns the value stored under key, or "" when unset.
func (s *Store) GetSetting(key string) (string, error) {
	if s == nil || s.db == nil {
		return "", ErrStoreClosed
	}
	var value string
	err := s.db.QueryRow(`SELECT value FROM settings WHERE key = ?`, strings.TrimSpace(key)).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return value, err
}

// SetSetting stores value under key. A blank value removes the key and a
// blank key is ignored.
func (s *Store) SetSetting(key, value string) error {
	key = strings.TrimSpace(key)
	if key == "" {
		return nil
	}
	if value = strings.TrimSpace(value); value == "" {
		return s.DeleteSetting(key)
	}
	return s.exec(`INSERT INTO settings (key, value, updated_at) VALUES (?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`, key, value)
}

// DeleteSetting removes key. Removing a missing key is not an error.
func (s *Store) DeleteSetting(key string) error {
	return s.exec(`DELETE FROM settings WHERE key = ?`, strings.TrimSpace(key))
}
