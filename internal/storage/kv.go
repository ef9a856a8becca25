package storage

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// KVSet stores value under key; a zero ttl never expires.
func (db *DB) KVSet(ctx context.Context, key, value string, ttl time.Duration) error {
	var expiresAt *time.Time
	if ttl > 0 {
		t := time.Now().Add(ttl)
		expiresAt = &t
	}

	_, err := db.ExecContext(ctx,
		"INSERT OR REPLACE INTO kv_store (key, value, expires_at) VALUES (?, ?, ?)",
		key, value, expiresAt,
	)
	return err
}

// KVGet returns the value for key, ErrNotFound when absent or expired.
func (db *DB) KVGet(ctx context.Context, key string) (string, error) {
	var value string
	var expiresAt sql.NullTime

	err := db.QueryRowContext(ctx,
		"SELECT value, expires_at FROM kv_store WHERE key = ?",
		key,
	).Scan(&value, &expiresAt)

	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", err
	}

	if expiresAt.Valid && expiresAt.Time.Before(time.Now()) {
		_, _ = db.ExecContext(ctx, "DELETE FROM kv_store WHERE key = ?", key)
		return "", ErrNotFound
	}

	return value, nil
}

// KVDelete removes key.
func (db *DB) KVDelete(ctx context.Context, key string) error {
	result, err := db.ExecContext(ctx, "DELETE FROM kv_store WHERE key = ?", key)
	if err != nil {
		return err
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// KVList returns the live entries whose key starts with prefix.
func (db *DB) KVList(ctx context.Context, prefix string) (map[string]string, error) {
	rows, err := db.QueryContext(ctx,
		"SELECT key, value, expires_at FROM kv_store WHERE substr(key, 1, length(?)) = ?",
		prefix, prefix,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	now := time.Now()
	result := make(map[string]string)
	for rows.Next() {
		var key, value string
		var expiresAt sql.NullTime
		if err := rows.Scan(&key, &value, &expiresAt); err != nil {
			return nil, err
		}
		if expiresAt.Valid && expiresAt.Time.Before(now) {
			continue
		}
		result[key] = value
	}
	return result, rows.Err()
}

// KVCleanExpired deletes expired entries and reports how many were removed.
func (db *DB) KVCleanExpired(ctx context.Context) (int64, error) {
	result, err := db.ExecContext(ctx,
		"DELETE FROM kv_store WHERE expires_at IS NOT NULL AND expires_at < ?",
		time.Now(),
	)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}
