// Package userdata stores per-user preferences, reading/playback positions
// and file status flags.
package userdata

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"reelcoral/internal/database"
)

// Keys accepted by the generic user-data blob endpoints.
var allowedKeys = map[string]bool{
	"read_positions":  true,
	"reader_settings": true,
	"dir_sort":        true,
}

// File status values.
const (
	StatusOpened    = "opened"
	StatusCompleted = "completed"
)

var (
	ErrInvalidKey    = errors.New("invalid user data key")
	ErrInvalidStatus = errors.New("invalid file status")
)

// Service is the per-user data store, backed by sqlite.
type Service struct {
	db *database.DB
}

func NewService(db *database.DB) *Service {
	return &Service{db: db}
}

// Preferences returns the raw JSON preferences blob for user, "{}" when unset.
func (s *Service) Preferences(userID string) (string, error) {
	var value string
	err := s.db.Connection().QueryRow(
		`SELECT value FROM user_preferences WHERE user_id = ?`, userID,
	).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "{}", nil
	}
	if err != nil {
		return "", fmt.Errorf("load preferences: %w", err)
	}
	return value, nil
}

// SavePreferences replaces the user's preferences blob.
func (s *Service) SavePreferences(userID, value string) error {
	_, err := s.db.Connection().Exec(
		`INSERT INTO user_preferences (user_id, value, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(user_id) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		userID, value, time.Now().Unix(),
	)
	return err
}

// Data returns the JSON blob stored under key, "{}" when unset.
func (s *Service) Data(userID, key string) (string, error) {
	if !allowedKeys[key] {
		return "", fmt.Errorf("%w: %s", ErrInvalidKey, key)
	}
	var value string
	err := s.db.Connection().QueryRow(
		`SELECT value FROM user_data WHERE user_id = ? AND key = ?`, userID, key,
	).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "{}", nil
	}
	if err != nil {
		return "", fmt.Errorf("load user data %q: %w", key, err)
	}
	return value, nil
}

// SaveData replaces the blob stored under key.
func (s *Service) SaveData(userID, key, value string) error {
	if !allowedKeys[key] {
		return fmt.Errorf("%w: %s", ErrInvalidKey, key)
	}
	_, err := s.db.Connection().Exec(
		`INSERT INTO user_data (user_id, key, value, updated_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(user_id, key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		userID, key, value, time.Now().Unix(),
	)
	return err
}

// SetFileStatus marks path as opened or completed for user.
func (s *Service) SetFileStatus(userID, path, status string) error {
	if status != StatusOpened && status != StatusCompleted {
		return fmt.Errorf("%w: %s", ErrInvalidStatus, status)
	}
	_, err := s.db.Connection().Exec(
		`INSERT INTO file_status (user_id, path, status, updated_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(user_id, path) DO UPDATE SET status = excluded.status, updated_at = excluded.updated_at`,
		userID, path, status, time.Now().Unix(),
	)
	return err
}

// ClearFileStatus removes any status flag for path.
func (s *Service) ClearFileStatus(userID, path string) error {
	_, err := s.db.Connection().Exec(
		`DELETE FROM file_status WHERE user_id = ? AND path = ?`, userID, path,
	)
	return err
}

// FileStatuses returns every path -> status pair for user.
func (s *Service) FileStatuses(userID string) (map[string]string, error) {
	rows, err := s.db.Connection().Query(
		`SELECT path, status FROM file_status WHERE user_id = ?`, userID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var path, status string
		if err := rows.Scan(&path, &status); err != nil {
			return nil, err
		}
		out[path] = status
	}
	return out, rows.Err()
}
