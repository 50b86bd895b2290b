package ephemeral

import (
	"context"
	"fmt"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/matheus3301/inbox/internal/metrics"
	"github.com/matheus3301/inbox/internal/model"
)

const (
	DefaultMaxThreads  = 20
	DefaultMaxMessages = 50
	DefaultNamespace   = "inbox"
)

// Options configures a Store.
type Options struct {
	Namespace   string
	MaxThreads  int
	MaxMessages int
	Now         func() time.Time
}

// Store is the short-lived tier: whole thread snapshots in a KV backend plus
// one LRU index key listing thread ids, most recently used first.
type Store struct {
	kv          KV
	ns          string
	maxThreads  int
	maxMessages int
	now         func() time.Time

	// mu serializes read-modify-write cycles on the LRU index.
	mu sync.Mutex
}

// New creates a Store over kv.
func New(kv KV, opts Options) *Store {
	if opts.Namespace == "" {
		opts.Namespace = DefaultNamespace
	}
	if opts.MaxThreads <= 0 {
		opts.MaxThreads = DefaultMaxThreads
	}
	if opts.MaxMessages <= 0 {
		opts.MaxMessages = DefaultMaxMessages
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Store{
		kv:          kv,
		ns:          opts.Namespace,
		maxThreads:  opts.MaxThreads,
		maxMessages: opts.MaxMessages,
		now:         opts.Now,
	}
}

func (s *Store) threadKey(id int64) string {
	return s.ns + ":thread:" + strconv.FormatInt(id, 10)
}

func (s *Store) lruKey() string {
	return s.ns + ":lru"
}

// ReadThread returns the snapshot for id, or nil when there is none. A hit
// marks the thread as most recently used.
func (s *Store) ReadThread(ctx context.Context, id int64) (*model.ThreadRecord, error) {
	rec, err := s.get(ctx, id)
	if err != nil || rec == nil {
		return nil, err
	}
	if err := s.Touch(ctx, id); err != nil {
		return nil, err
	}
	return rec, nil
}

func (s *Store) get(ctx context.Context, id int64) (*model.ThreadRecord, error) {
	raw, err := s.kv.Get(ctx, s.threadKey(id))
	if err != nil {
		return nil, fmt.Errorf("get thread %d: %w", id, err)
	}
	if raw == nil {
		return nil, nil
	}
	var rec model.ThreadRecord
	if err := msgpack.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("decode thread %d: %w", id, err)
	}
	return &rec, nil
}

// WriteThread stores the persistable subset of msgs for id, marks it most
// recently used and prunes the index to the configured cap. Nothing is
// written when no message qualifies.
func (s *Store) WriteThread(ctx context.Context, id int64, msgs []model.Message) (int, error) {
	kept := model.Persistable(msgs, s.maxMessages)
	if len(kept) == 0 {
		return 0, nil
	}
	rec := model.ThreadRecord{
		ThreadID:      id,
		Messages:      kept,
		UpdatedAt:     s.now(),
		LastMessageID: kept[len(kept)-1].ID,
		Count:         len(kept),
	}
	raw, err := msgpack.Marshal(&rec)
	if err != nil {
		return 0, fmt.Errorf("encode thread %d: %w", id, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.kv.Set(ctx, s.threadKey(id), raw); err != nil {
		return 0, fmt.Errorf("set thread %d: %w", id, err)
	}
	lru, err := s.loadLRU(ctx)
	if err != nil {
		return 0, err
	}
	lru = moveToFront(lru, id)
	return s.pruneLocked(ctx, lru, s.maxThreads)
}

// Touch marks id as most recently used.
func (s *Store) Touch(ctx context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	lru, err := s.loadLRU(ctx)
	if err != nil {
		return err
	}
	return s.saveLRU(ctx, moveToFront(lru, id))
}

// Prune drops the least recently used threads until at most max remain and
// returns how many were dropped.
func (s *Store) Prune(ctx context.Context, max int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	lru, err := s.loadLRU(ctx)
	if err != nil {
		return 0, err
	}
	return s.pruneLocked(ctx, lru, max)
}

func (s *Store) pruneLocked(ctx context.Context, lru []int64, max int) (int, error) {
	var evicted []int64
	if max >= 0 && len(lru) > max {
		evicted = lru[max:]
		lru = lru[:max]
	}
	if len(evicted) > 0 {
		keys := make([]string, len(evicted))
		for i, id := range evicted {
			keys[i] = s.threadKey(id)
		}
		if err := s.kv.Del(ctx, keys...); err != nil {
			return 0, fmt.Errorf("evict: %w", err)
		}
		metrics.EphemeralEvictions.Add(float64(len(evicted)))
	}
	if err := s.saveLRU(ctx, lru); err != nil {
		return 0, err
	}
	return len(evicted), nil
}

// Recent returns up to limit snapshots, most recently used first. It does not
// change the LRU order.
func (s *Store) Recent(ctx context.Context, limit int) ([]model.ThreadRecord, error) {
	s.mu.Lock()
	lru, err := s.loadLRU(ctx)
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}
	var out []model.ThreadRecord
	for _, id := range lru {
		if limit > 0 && len(out) >= limit {
			break
		}
		rec, err := s.get(ctx, id)
		if err != nil || rec == nil {
			continue
		}
		out = append(out, *rec)
	}
	return out, nil
}

// Len returns the number of indexed threads.
func (s *Store) Len(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	lru, err := s.loadLRU(ctx)
	return len(lru), err
}

// Clear removes every key of the namespace, including the index.
func (s *Store) Clear(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys, err := s.kv.Keys(ctx, s.ns+":")
	if err != nil {
		return fmt.Errorf("list keys: %w", err)
	}
	if err := s.kv.Del(ctx, keys...); err != nil {
		return fmt.Errorf("clear: %w", err)
	}
	return nil
}

func (s *Store) loadLRU(ctx context.Context) ([]int64, error) {
	raw, err := s.kv.Get(ctx, s.lruKey())
	if err != nil {
		return nil, fmt.Errorf("get lru: %w", err)
	}
	if raw == nil {
		return nil, nil
	}
	var ids []int64
	if err := msgpack.Unmarshal(raw, &ids); err != nil {
		// A corrupt index is rebuilt from scratch.
		return nil, nil
	}
	return ids, nil
}

func (s *Store) saveLRU(ctx context.Context, ids []int64) error {
	raw, err := msgpack.Marshal(ids)
	if err != nil {
		return fmt.Errorf("encode lru: %w", err)
	}
	if err := s.kv.Set(ctx, s.lruKey(), raw); err != nil {
		return fmt.Errorf("set lru: %w", err)
	}
	return nil
}

func moveToFront(ids []int64, id int64) []int64 {
	out := make([]int64, 0, len(ids)+1)
	out = append(out, id)
	for _, v := range ids {
		if v != id {
			out = append(out, v)
		}
	}
	return slices.Clip(out)
}
