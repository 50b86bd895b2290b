package sync

import (
	"context"
	"strconv"
	"time"

	"go.uber.org/zap"
)

// Checkpoint keys.
const (
	keyUnreadTotal = "unread_total"
	keyUnreadETag  = "unread_etag"
	keyRefreshedAt = "threads_refreshed_at"
)

// Checkpointer is the key/value side of the durable store.
type Checkpointer interface {
	SetCheckpoint(ctx context.Context, key, value string) error
	Checkpoint(ctx context.Context, key string) (string, bool, error)
}

// Reconciler manages sync checkpoints that survive restarts: the last server
// unread total with its ETag and the time of the last thread list refresh.
type Reconciler struct {
	cp     Checkpointer
	logger *zap.Logger
}

// NewReconciler creates a new reconciler.
func NewReconciler(cp Checkpointer, logger *zap.Logger) *Reconciler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reconciler{cp: cp, logger: logger}
}

// SaveUnread records the server unread total and its ETag.
func (r *Reconciler) SaveUnread(ctx context.Context, total int, etag string) {
	r.set(ctx, keyUnreadTotal, strconv.Itoa(total))
	r.set(ctx, keyUnreadETag, etag)
}

// LoadUnread returns the saved server unread total and ETag.
func (r *Reconciler) LoadUnread(ctx context.Context) (total int, etag string, ok bool) {
	v, ok := r.get(ctx, keyUnreadTotal)
	if !ok {
		return 0, "", false
	}
	total, err := strconv.Atoi(v)
	if err != nil {
		return 0, "", false
	}
	etag, _ = r.get(ctx, keyUnreadETag)
	return total, etag, true
}

// MarkRefreshed records a successful thread list refresh.
func (r *Reconciler) MarkRefreshed(ctx context.Context, at time.Time) {
	r.set(ctx, keyRefreshedAt, strconv.FormatInt(at.UnixMilli(), 10))
}

// LastRefresh returns the time of the last successful thread list refresh.
func (r *Reconciler) LastRefresh(ctx context.Context) (time.Time, bool) {
	v, ok := r.get(ctx, keyRefreshedAt)
	if !ok {
		return time.Time{}, false
	}
	ms, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return time.Time{}, false
	}
	return time.UnixMilli(ms), true
}

func (r *Reconciler) set(ctx context.Context, key, value string) {
	if err := r.cp.SetCheckpoint(ctx, key, value); err != nil {
		r.logger.Debug("checkpoint not saved", zap.String("key", key), zap.Error(err))
	}
}

func (r *Reconciler) get(ctx context.Context, key string) (string, bool) {
	v, ok, err := r.cp.Checkpoint(ctx, key)
	if err != nil {
		r.logger.Debug("checkpoint not loaded", zap.String("key", key), zap.Error(err))
		return "", false
	}
	return v, ok
}
