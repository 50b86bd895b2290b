package store

import (
	"context"
	"database/sql"
	"errors"
)

// SetCheckpoint stores a sync checkpoint value.
func (d *DB) SetCheckpoint(ctx context.Context, key, value string) error {
	db, err := d.handle(ctx, "set_checkpoint")
	if err != nil {
		return err
	}
	_, err = db.ExecContext(ctx, `
		INSERT INTO sync_state (key, value, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, d.now().UnixMilli())
	if err != nil {
		return &Error{Kind: KindTransaction, Op: "set_checkpoint", Err: err}
	}
	return nil
}

// Checkpoint returns a sync checkpoint value. ok is false when the key was
// never written.
func (d *DB) Checkpoint(ctx context.Context, key string) (value string, ok bool, err error) {
	db, err := d.handle(ctx, "checkpoint")
	if err != nil {
		return "", false, err
	}
	err = db.QueryRowContext(ctx, `SELECT value FROM sync_state WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, &Error{Kind: KindTransaction, Op: "checkpoint", Err: err}
	}
	return value, true, nil
}
