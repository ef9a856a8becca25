package storage

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// SnapshotInfo describes a saved computer.
type SnapshotInfo struct {
	Hostname string
	Owner    string
	Size     int
	SavedAt  time.Time
}

// SaveSnapshot stores the encoded filesystem of a computer.
func (db *DB) SaveSnapshot(ctx context.Context, hostname, owner string, data []byte) error {
	_, err := db.ExecContext(ctx,
		"INSERT OR REPLACE INTO snapshots (hostname, owner, data, saved_at) VALUES (?, ?, ?, ?)",
		hostname, owner, data, time.Now(),
	)
	return err
}

// LoadSnapshot returns the saved filesystem and owner of a computer.
func (db *DB) LoadSnapshot(ctx context.Context, hostname string) (data []byte, owner string, err error) {
	err = db.QueryRowContext(ctx,
		"SELECT data, owner FROM snapshots WHERE hostname = ?",
		hostname,
	).Scan(&data, &owner)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, "", ErrNotFound
	}
	return data, owner, err
}

// DeleteSnapshot removes a saved computer.
func (db *DB) DeleteSnapshot(ctx context.Context, hostname string) error {
	_, err := db.ExecContext(ctx, "DELETE FROM snapshots WHERE hostname = ?", hostname)
	return err
}

// ListSnapshots returns every saved computer ordered by hostname.
func (db *DB) ListSnapshots(ctx context.Context) ([]SnapshotInfo, error) {
	rows, err := db.QueryContext(ctx,
		"SELECT hostname, owner, length(data), saved_at FROM snapshots ORDER BY hostname",
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []SnapshotInfo
	for rows.Next() {
		var info SnapshotInfo
		if err := rows.Scan(&info.Hostname, &info.Owner, &info.Size, &info.SavedAt); err != nil {
			return nil, err
		}
		out = append(out, info)
	}
	return out, rows.Err()
}
