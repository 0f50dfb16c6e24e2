package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
)

const (
	keyAutosync = "autosync"
	keyInterval = "autosync-interval"
)

// Get returns the value stored under key
func (s *Store) Get(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := s.db.QueryRowContext(ctx, "SELECT value FROM settings WHERE key = ?", key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to read setting %s: %w", key, err)
	}
	return value, true, nil
}

// Set stores value under key, replacing any previous value
func (s *Store) Set(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx, "INSERT OR REPLACE INTO settings (key, value) VALUES (?, ?)", key, value)
	if err != nil {
		return fmt.Errorf("failed to write setting %s: %w", key, err)
	}
	return nil
}

// Delete removes key
func (s *Store) Delete(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM settings WHERE key = ?", key); err != nil {
		return fmt.Errorf("failed to delete setting %s: %w", key, err)
	}
	return nil
}

// RemoteID returns the remote identifier stored under idKey, or "" when unset
func (s *Store) RemoteID(ctx context.Context, idKey string) (string, error) {
	v, _, err := s.Get(ctx, idKey)
	return v, err
}

// SetRemoteID stores the remote identifier under idKey
func (s *Store) SetRemoteID(ctx context.Context, idKey, id string) error {
	if id == "" {
		return s.Delete(ctx, idKey)
	}
	return s.Set(ctx, idKey, id)
}

// Autosync reports whether timer driven syncs are enabled
func (s *Store) Autosync(ctx context.Context) (bool, error) {
	v, ok, err := s.Get(ctx, keyAutosync)
	if err != nil || !ok {
		return s.defaults.Autosync, err
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return s.defaults.Autosync, fmt.Errorf("invalid autosync setting %q: %w", v, err)
	}
	return b, nil
}

// SetAutosync enables or disables timer driven syncs
func (s *Store) SetAutosync(ctx context.Context, enabled bool) error {
	return s.Set(ctx, keyAutosync, strconv.FormatBool(enabled))
}

// IntervalMinutes returns the autosync interval
func (s *Store) IntervalMinutes(ctx context.Context) (uint32, error) {
	v, ok, err := s.Get(ctx, keyInterval)
	if err != nil || !ok {
		return s.defaults.IntervalMinutes, err
	}
	n, err := strconv.ParseUint(v, 10, 32)
	if err != nil {
		return s.defaults.IntervalMinutes, fmt.Errorf("invalid interval setting %q: %w", v, err)
	}
	return uint32(n), nil
}

// SetIntervalMinutes stores the autosync interval
func (s *Store) SetIntervalMinutes(ctx context.Context, minutes uint32) error {
	return s.Set(ctx, keyInterval, strconv.FormatUint(uint64(minutes), 10))
}
