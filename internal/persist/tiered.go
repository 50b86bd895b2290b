package persist

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"

	"github.com/matheus3301/inbox/internal/metrics"
	"github.com/matheus3301/inbox/internal/model"
	"github.com/matheus3301/inbox/internal/store"
)

// Durable is the long-lived tier, implemented by *store.DB.
type Durable interface {
	ReadThread(ctx context.Context, threadID int64) (*model.ThreadRecord, error)
	WriteThread(ctx context.Context, threadID int64, msgs []model.Message, maxThreads int) (int, error)
	RecentThreads(ctx context.Context, limit int) ([]model.ThreadRecord, error)
	ClearAll(ctx context.Context) error
}

// Ephemeral is the short-lived tier, implemented by *ephemeral.Store.
type Ephemeral interface {
	ReadThread(ctx context.Context, threadID int64) (*model.ThreadRecord, error)
	WriteThread(ctx context.Context, threadID int64, msgs []model.Message) (int, error)
	Recent(ctx context.Context, limit int) ([]model.ThreadRecord, error)
	Clear(ctx context.Context) error
}

// DefaultMaxThreads caps the durable tier.
const DefaultMaxThreads = 50

// Tiered fans thread snapshots out to both tiers. Ephemeral writes happen in
// the caller; durable writes go through a single worker that keeps only the
// latest pending snapshot per thread and writes threads in first-queued
// order. Snapshots older than the last accepted version of their thread are
// dropped before reaching either tier.
type Tiered struct {
	durable    Durable
	ephemeral  Ephemeral
	maxThreads int
	logger     *zap.Logger

	// wmu orders accepted snapshots across both tiers.
	wmu      sync.Mutex
	versions map[int64]uint64

	mu       sync.Mutex
	pending  map[int64][]model.Message
	order    []int64
	inflight bool
	waiters  []chan struct{}
	running  bool

	wake   chan struct{}
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a Tiered persister. Either tier may be nil.
func New(durable Durable, eph Ephemeral, maxThreads int, logger *zap.Logger) *Tiered {
	if maxThreads <= 0 {
		maxThreads = DefaultMaxThreads
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Tiered{
		durable:    durable,
		ephemeral:  eph,
		maxThreads: maxThreads,
		logger:     logger,
		pending:    make(map[int64][]model.Message),
		versions:   make(map[int64]uint64),
		wake:       make(chan struct{}, 1),
	}
}

// Start runs the durable write worker until Stop or ctx is done.
func (t *Tiered) Start(ctx context.Context) {
	ctx, t.cancel = context.WithCancel(ctx)
	t.done = make(chan struct{})
	t.mu.Lock()
	t.running = true
	t.mu.Unlock()
	go t.loop(ctx)
}

// Stop stops the worker and writes whatever is still queued.
func (t *Tiered) Stop() {
	if t.cancel == nil {
		return
	}
	t.cancel()
	<-t.done
	t.mu.Lock()
	t.running = false
	t.mu.Unlock()
	t.drain(context.Background())
}

func (t *Tiered) loop(ctx context.Context) {
	defer close(t.done)
	for {
		select {
		case <-t.wake:
			t.drain(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// Persist records a snapshot of threadID. It never blocks on the durable
// tier and never fails. A zero version is always accepted.
func (t *Tiered) Persist(threadID int64, version uint64, msgs []model.Message) {
	snapshot := append([]model.Message(nil), msgs...)

	t.wmu.Lock()
	defer t.wmu.Unlock()
	if version != 0 {
		if version < t.versions[threadID] {
			metrics.PersistWrites.WithLabelValues("snapshot", "stale").Inc()
			return
		}
		t.versions[threadID] = version
	}

	if t.ephemeral != nil {
		_, err := t.ephemeral.WriteThread(context.Background(), threadID, snapshot)
		t.observe("ephemeral", threadID, err)
	}
	if t.durable == nil {
		return
	}

	t.mu.Lock()
	if _, queued := t.pending[threadID]; !queued {
		t.order = append(t.order, threadID)
	}
	t.pending[threadID] = snapshot
	running := t.running
	t.mu.Unlock()

	if running {
		select {
		case t.wake <- struct{}{}:
		default:
		}
	}
}

func (t *Tiered) drain(ctx context.Context) {
	for {
		t.mu.Lock()
		if len(t.order) == 0 || ctx.Err() != nil {
			t.inflight = false
			t.notifyIdleLocked()
			t.mu.Unlock()
			return
		}
		id := t.order[0]
		t.order = t.order[1:]
		msgs := t.pending[id]
		delete(t.pending, id)
		t.inflight = true
		t.mu.Unlock()

		evicted, err := t.durable.WriteThread(ctx, id, msgs, t.maxThreads)
		t.observe("durable", id, err)
		if evicted > 0 {
			t.logger.Debug("durable records evicted", zap.Int("count", evicted))
		}
	}
}

func (t *Tiered) notifyIdleLocked() {
	if len(t.order) > 0 || t.inflight {
		return
	}
	for _, ch := range t.waiters {
		close(ch)
	}
	t.waiters = nil
}

// Flush waits until every queued durable write has been attempted. Without a
// running worker the queue is drained in the caller.
func (t *Tiered) Flush(ctx context.Context) error {
	t.mu.Lock()
	if !t.running {
		t.mu.Unlock()
		t.drain(ctx)
		return ctx.Err()
	}
	if len(t.order) == 0 && !t.inflight {
		t.mu.Unlock()
		return nil
	}
	ch := make(chan struct{})
	t.waiters = append(t.waiters, ch)
	t.mu.Unlock()

	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (t *Tiered) observe(tier string, threadID int64, err error) {
	switch {
	case err == nil:
		metrics.PersistWrites.WithLabelValues(tier, "ok").Inc()
	case errors.Is(err, store.ErrUnavailable):
		// Already reported once when the store failed to open.
		metrics.PersistWrites.WithLabelValues(tier, "unavailable").Inc()
	case errors.Is(err, store.ErrCodec):
		metrics.PersistWrites.WithLabelValues(tier, "codec").Inc()
		t.logger.Error("thread snapshot not encodable",
			zap.String("tier", tier),
			zap.Int64("thread_id", threadID),
			zap.Error(err))
	default:
		result := "error"
		if errors.Is(err, store.ErrTransaction) {
			result = "transaction"
		}
		metrics.PersistWrites.WithLabelValues(tier, result).Inc()
		t.logger.Warn("persist thread failed",
			zap.String("tier", tier),
			zap.Int64("thread_id", threadID),
			zap.Error(err))
	}
}

// ReadThread prefers the durable tier and falls back to the ephemeral one when
// the durable tier misses or fails. A thread with a queued durable write is
// read from the ephemeral tier, which already holds the newer snapshot.
func (t *Tiered) ReadThread(ctx context.Context, threadID int64) (*model.ThreadRecord, error) {
	t.mu.Lock()
	_, queued := t.pending[threadID]
	t.mu.Unlock()

	if queued && t.ephemeral != nil {
		if rec, err := t.ephemeral.ReadThread(ctx, threadID); err == nil && rec != nil {
			return rec, nil
		}
	}
	if t.durable != nil {
		rec, err := t.durable.ReadThread(ctx, threadID)
		if err == nil && rec != nil {
			return rec, nil
		}
		if err != nil && !errors.Is(err, store.ErrUnavailable) {
			t.logger.Debug("durable read failed", zap.Int64("thread_id", threadID), zap.Error(err))
		}
	}
	if t.ephemeral == nil {
		return nil, nil
	}
	return t.ephemeral.ReadThread(ctx, threadID)
}

// Recent returns the most recently updated records for cold-start hydration.
func (t *Tiered) Recent(ctx context.Context, limit int) ([]model.ThreadRecord, error) {
	if t.durable != nil {
		recs, err := t.durable.RecentThreads(ctx, limit)
		if err == nil && len(recs) > 0 {
			return recs, nil
		}
		if err != nil && !errors.Is(err, store.ErrUnavailable) {
			t.logger.Debug("durable recent failed", zap.Error(err))
		}
	}
	if t.ephemeral == nil {
		return nil, nil
	}
	return t.ephemeral.Recent(ctx, limit)
}

// ClearAll drops queued writes and wipes both tiers.
func (t *Tiered) ClearAll(ctx context.Context) error {
	t.mu.Lock()
	t.pending = make(map[int64][]model.Message)
	t.order = nil
	t.notifyIdleLocked()
	var wait chan struct{}
	if t.inflight {
		wait = make(chan struct{})
		t.waiters = append(t.waiters, wait)
	}
	t.mu.Unlock()

	// A write already handed to the durable tier must land before the wipe.
	if wait != nil {
		select {
		case <-wait:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	var errs []error
	if t.durable != nil {
		if err := t.durable.ClearAll(ctx); err != nil && !errors.Is(err, store.ErrUnavailable) {
			errs = append(errs, err)
		}
	}
	if t.ephemeral != nil {
		if err := t.ephemeral.Clear(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
