package storage

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// BlobGet returns the content of stored file id.
func (db *DB) BlobGet(ctx context.Context, id string) ([]byte, bool, error) {
	var data []byte
	err := db.QueryRowContext(ctx, "SELECT data FROM blobs WHERE id = ?", id).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return data, true, nil
}

// BlobPut replaces the content of stored file id.
func (db *DB) BlobPut(ctx context.Context, id string, data []byte) error {
	if data == nil {
		data = []byte{}
	}
	_, err := db.ExecContext(ctx,
		"INSERT OR REPLACE INTO blobs (id, data, updated_at) VALUES (?, ?, ?)",
		id, data, time.Now(),
	)
	return err
}

// BlobDelete removes stored file id. Deleting a missing blob is not an error.
func (db *DB) BlobDelete(ctx context.Context, id string) error {
	_, err := db.ExecContext(ctx, "DELETE FROM blobs WHERE id = ?", id)
	return err
}

// BlobIDs lists every stored blob id.
func (db *DB) BlobIDs(ctx context.Context) ([]string, error) {
	rows, err := db.QueryContext(ctx, "SELECT id FROM blobs ORDER BY id")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
