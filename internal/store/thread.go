package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/matheus3301/inbox/internal/metrics"
	"github.com/matheus3301/inbox/internal/model"
)

// ReadThread returns the persisted record for threadID, or nil when there is
// none.
func (d *DB) ReadThread(ctx context.Context, threadID int64) (*model.ThreadRecord, error) {
	db, err := d.handle(ctx, "read")
	if err != nil {
		return nil, err
	}
	var (
		blob      []byte
		updatedAt int64
		rec       = model.ThreadRecord{ThreadID: threadID}
	)
	err = db.QueryRowContext(ctx, `
		SELECT messages, updated_at, last_message_id, message_count
		FROM thread_records WHERE thread_id = ?`, threadID).
		Scan(&blob, &updatedAt, &rec.LastMessageID, &rec.Count)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, &Error{Kind: KindTransaction, Op: "read", Err: err}
	}
	if err := msgpack.Unmarshal(blob, &rec.Messages); err != nil {
		return nil, &Error{Kind: KindCodec, Op: "read", Err: err}
	}
	rec.UpdatedAt = time.UnixMilli(updatedAt)
	return &rec, nil
}

// WriteThread persists the durable subset of msgs for threadID and then evicts
// the least recently updated records until at most maxThreads remain. The
// record just written is never evicted. maxThreads <= 0 disables eviction.
// Returns the number of evicted records.
func (d *DB) WriteThread(ctx context.Context, threadID int64, msgs []model.Message, maxThreads int) (int, error) {
	db, err := d.handle(ctx, "write")
	if err != nil {
		return 0, err
	}

	kept := model.Persistable(msgs, d.maxMessages)
	if len(kept) == 0 {
		return 0, nil
	}
	blob, err := msgpack.Marshal(kept)
	if err != nil {
		return 0, &Error{Kind: KindCodec, Op: "write", Err: err}
	}
	lastID := kept[len(kept)-1].ID

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return 0, &Error{Kind: KindTransaction, Op: "write", Err: err}
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO thread_records (thread_id, messages, updated_at, last_message_id, message_count)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(thread_id) DO UPDATE SET
			messages = excluded.messages,
			updated_at = excluded.updated_at,
			last_message_id = excluded.last_message_id,
			message_count = excluded.message_count`,
		threadID, blob, d.now().UnixMilli(), lastID, len(kept)); err != nil {
		return 0, &Error{Kind: KindTransaction, Op: "write", Err: err}
	}

	evicted := 0
	if maxThreads > 0 {
		var count int
		if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM thread_records`).Scan(&count); err != nil {
			return 0, &Error{Kind: KindTransaction, Op: "prune", Err: err}
		}
		if over := count - maxThreads; over > 0 {
			res, err := tx.ExecContext(ctx, `
				DELETE FROM thread_records WHERE thread_id IN (
					SELECT thread_id FROM thread_records
					WHERE thread_id != ?
					ORDER BY updated_at ASC, thread_id ASC
					LIMIT ?)`, threadID, over)
			if err != nil {
				return 0, &Error{Kind: KindTransaction, Op: "prune", Err: err}
			}
			n, _ := res.RowsAffected()
			evicted = int(n)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, &Error{Kind: KindTransaction, Op: "write", Err: err}
	}
	metrics.DurableEvictions.Add(float64(evicted))
	return evicted, nil
}

// RecentThreads returns up to limit records, most recently updated first.
// Records that fail to decode are skipped.
func (d *DB) RecentThreads(ctx context.Context, limit int) ([]model.ThreadRecord, error) {
	db, err := d.handle(ctx, "recent")
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 50
	}
	rows, err := db.QueryContext(ctx, `
		SELECT thread_id, messages, updated_at, last_message_id, message_count
		FROM thread_records
		ORDER BY updated_at DESC, thread_id DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, &Error{Kind: KindTransaction, Op: "recent", Err: err}
	}
	defer func() { _ = rows.Close() }()

	var recs []model.ThreadRecord
	for rows.Next() {
		var (
			rec       model.ThreadRecord
			blob      []byte
			updatedAt int64
		)
		if err := rows.Scan(&rec.ThreadID, &blob, &updatedAt, &rec.LastMessageID, &rec.Count); err != nil {
			return nil, &Error{Kind: KindTransaction, Op: "recent", Err: err}
		}
		if err := msgpack.Unmarshal(blob, &rec.Messages); err != nil {
			continue
		}
		rec.UpdatedAt = time.UnixMilli(updatedAt)
		recs = append(recs, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, &Error{Kind: KindTransaction, Op: "recent", Err: err}
	}
	return recs, nil
}

// Count returns the number of persisted thread records.
func (d *DB) Count(ctx context.Context) (int, error) {
	db, err := d.handle(ctx, "count")
	if err != nil {
		return 0, err
	}
	var n int
	if err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM thread_records`).Scan(&n); err != nil {
		return 0, &Error{Kind: KindTransaction, Op: "count", Err: err}
	}
	return n, nil
}

// ClearAll removes every thread record and sync checkpoint.
func (d *DB) ClearAll(ctx context.Context) error {
	db, err := d.handle(ctx, "clear")
	if err != nil {
		return err
	}
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return &Error{Kind: KindTransaction, Op: "clear", Err: err}
	}
	defer func() { _ = tx.Rollback() }()
	for _, q := range []string{`DELETE FROM thread_records`, `DELETE FROM sync_state`} {
		if _, err := tx.ExecContext(ctx, q); err != nil {
			return &Error{Kind: KindTransaction, Op: "clear", Err: err}
		}
	}
	if err := tx.Commit(); err != nil {
		return &Error{Kind: KindTransaction, Op: "clear", Err: err}
	}
	return nil
}
