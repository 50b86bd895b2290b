// Package cache holds the in-memory projection of the inbox: thread
// summaries, per-thread message lists and last-read bookkeeping.
//
// Entries are immutable once published. Every mutation builds new values and
// swaps pointers, so a *model.ThreadSummary or *model.Message returned by an
// accessor is safe to keep and unchanged entries keep their identity across
// updates. Callers must not modify returned values.
package cache

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/matheus3301/inbox/internal/bus"
	"github.com/matheus3301/inbox/internal/metrics"
	"github.com/matheus3301/inbox/internal/model"
)

// ChangeKind tells listeners what part of the projection moved.
type ChangeKind string

const (
	ChangeSummaries ChangeKind = "summaries"
	ChangeSummary   ChangeKind = "summary"
	ChangeMessages  ChangeKind = "messages"
	ChangeRead      ChangeKind = "read"
	ChangeHydrated  ChangeKind = "hydrated"
	ChangeCleared   ChangeKind = "cleared"
)

// Change is passed to listeners after every observable mutation. ThreadID is
// zero for changes spanning several threads.
type Change struct {
	Kind     ChangeKind
	ThreadID int64
}

// Persister receives a snapshot of a thread's messages after every message
// list mutation. It must not block and must not call back into the Store.
// Snapshots may arrive out of order; version grows with every mutation and a
// snapshot older than one already seen must be dropped.
type Persister interface {
	Persist(threadID int64, version uint64, msgs []model.Message)
}

// Options configures a Store.
type Options struct {
	Clock     func() time.Time
	Persister Persister
	// Bus, when set, also receives every Change as a cache.changed event.
	Bus    *bus.Bus
	Logger *zap.Logger
}

type marker struct {
	id int64
	at time.Time
}

type listener struct {
	id int
	fn func(Change)
}

// Store is the single source of truth for everything the inbox displays.
type Store struct {
	now       func() time.Time
	persister Persister
	bus       *bus.Bus
	logger    *zap.Logger

	mu        sync.RWMutex
	summaries map[int64]*model.ThreadSummary
	order     []*model.ThreadSummary
	messages  map[int64][]*model.Message
	lastRead  map[int64]marker
	version   uint64

	lmu       sync.Mutex
	listeners []listener
	nextID    int
}

// New creates an empty projection.
func New(opts Options) *Store {
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Store{
		now:       opts.Clock,
		persister: opts.Persister,
		bus:       opts.Bus,
		logger:    opts.Logger,
		summaries: make(map[int64]*model.ThreadSummary),
		messages:  make(map[int64][]*model.Message),
		lastRead:  make(map[int64]marker),
	}
}

// Subscribe registers fn for every change. Listeners run synchronously in the
// mutating goroutine, after the data lock is released, in subscription order.
func (s *Store) Subscribe(fn func(Change)) func() {
	s.lmu.Lock()
	id := s.nextID
	s.nextID++
	s.listeners = append(s.listeners, listener{id: id, fn: fn})
	s.lmu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.lmu.Lock()
			defer s.lmu.Unlock()
			for i, l := range s.listeners {
				if l.id == id {
					s.listeners = append(s.listeners[:i:i], s.listeners[i+1:]...)
					return
				}
			}
		})
	}
}

func (s *Store) notify(c Change) {
	s.lmu.Lock()
	ls := make([]listener, len(s.listeners))
	copy(ls, s.listeners)
	s.lmu.Unlock()

	metrics.ProjectionNotifications.Inc()
	for _, l := range ls {
		l.fn(c)
	}
	s.bus.Emit(bus.KindProjectionChanged, c)
}

// nextVersionLocked stamps a message list mutation.
func (s *Store) nextVersionLocked() uint64 {
	s.version++
	return s.version
}

func (s *Store) persist(threadID int64, version uint64, list []*model.Message) {
	if s.persister == nil {
		return
	}
	snapshot := make([]model.Message, len(list))
	for i, m := range list {
		snapshot[i] = *m
	}
	s.persister.Persist(threadID, version, snapshot)
}

// Summaries returns every summary ordered by last message time, newest first.
func (s *Store) Summaries() []*model.ThreadSummary {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*model.ThreadSummary, len(s.order))
	copy(out, s.order)
	return out
}

// Summary returns the summary for id.
func (s *Store) Summary(id int64) (*model.ThreadSummary, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sum, ok := s.summaries[id]
	return sum, ok
}

// TotalUnread sums the unread counts of every summary.
func (s *Store) TotalUnread() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	total := 0
	for _, sum := range s.summaries {
		total += sum.UnreadCount
	}
	return total
}

// LastRead returns the local last-read message id for a thread.
func (s *Store) LastRead(id int64) (int64, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.lastRead[id]
	return m.id, ok
}

// SetSummaries merges list into the projection. Summaries absent from list
// are kept. Realtime-only flags survive since the list endpoint never carries
// them, and a summary whose last message is already covered by the local
// read marker keeps an unread count of zero.
func (s *Store) SetSummaries(list []model.ThreadSummary) {
	s.mu.Lock()
	changed := false
	for _, in := range list {
		if in.ID == 0 {
			continue
		}
		next := in
		next.UnreadCount = max(0, next.UnreadCount)
		if cur, ok := s.summaries[in.ID]; ok {
			next.Typing = cur.Typing
			next.Presence = cur.Presence
			next.LastPresenceAt = cur.LastPresenceAt
		}
		if m, ok := s.lastRead[in.ID]; ok && m.coversSummary(&next) {
			next.UnreadCount = 0
		}
		if s.putSummaryLocked(&next) {
			changed = true
		}
	}
	if changed {
		s.sortLocked()
	}
	s.mu.Unlock()

	if changed {
		s.notify(Change{Kind: ChangeSummaries})
	}
}

// UpdateSummary applies patch to one summary, creating it when absent.
func (s *Store) UpdateSummary(id int64, patch model.SummaryPatch) {
	s.mu.Lock()
	base := model.ThreadSummary{ID: id}
	if cur, ok := s.summaries[id]; ok {
		base = *cur
	}
	next := patch.Apply(base)
	changed := s.putSummaryLocked(&next)
	if changed {
		s.sortLocked()
	}
	s.mu.Unlock()

	if changed {
		s.notify(Change{Kind: ChangeSummary, ThreadID: id})
	}
}

// SetLastRead zeroes the local unread count of a thread ahead of server
// confirmation and records lastReadID as the read marker. A zero lastReadID
// marks the current last message as read.
func (s *Store) SetLastRead(id, lastReadID int64) {
	s.mu.Lock()
	base := model.ThreadSummary{ID: id}
	if cur, ok := s.summaries[id]; ok {
		base = *cur
	}
	if lastReadID <= 0 {
		lastReadID = base.LastMessageID
	}
	m := s.lastRead[id]
	markerChanged := false
	if lastReadID > m.id || base.LastMessageAt.After(m.at) {
		m.id = max(m.id, lastReadID)
		if base.LastMessageAt.After(m.at) {
			m.at = base.LastMessageAt
		}
		if msg := s.findLocked(id, lastReadID); msg != nil && msg.Timestamp.After(m.at) {
			m.at = msg.Timestamp
		}
		s.lastRead[id] = m
		markerChanged = true
	}
	base.UnreadCount = 0
	changed := s.putSummaryLocked(&base)
	if changed {
		s.sortLocked()
	}
	s.mu.Unlock()

	if changed || markerChanged {
		s.notify(Change{Kind: ChangeRead, ThreadID: id})
	}
}

// ApplyReadServer overwrites the unread count with the server's value. It
// always wins over earlier optimistic state: zero pins the read marker to the
// current last message, a positive count drops the local marker.
func (s *Store) ApplyReadServer(id int64, unread int) {
	unread = max(0, unread)
	s.mu.Lock()
	base := model.ThreadSummary{ID: id}
	if cur, ok := s.summaries[id]; ok {
		base = *cur
	}
	base.UnreadCount = unread
	if unread == 0 {
		m := s.lastRead[id]
		m.id = max(m.id, base.LastMessageID)
		if base.LastMessageAt.After(m.at) {
			m.at = base.LastMessageAt
		}
		s.lastRead[id] = m
	} else {
		delete(s.lastRead, id)
	}
	changed := s.putSummaryLocked(&base)
	if changed {
		s.sortLocked()
	}
	s.mu.Unlock()

	if changed {
		s.notify(Change{Kind: ChangeRead, ThreadID: id})
	}
}

// Hydrate loads persisted records at cold start. Messages already in memory
// win over persisted copies, missing summaries are seeded from the last
// persisted message, and nothing is written back to persistence.
func (s *Store) Hydrate(records []model.ThreadRecord) {
	s.mu.Lock()
	changed := false
	for _, rec := range records {
		if rec.ThreadID == 0 || len(rec.Messages) == 0 {
			continue
		}
		cur := s.messages[rec.ThreadID]
		seen := make(map[int64]bool, len(cur))
		for _, m := range cur {
			seen[m.ID] = true
		}
		next := append([]*model.Message(nil), cur...)
		for i := range rec.Messages {
			m := rec.Messages[i]
			if seen[m.ID] || m.ID <= 0 {
				continue
			}
			m.ThreadID = rec.ThreadID
			seen[m.ID] = true
			next = append(next, &m)
		}
		if len(next) == len(cur) {
			continue
		}
		model.SortMessages(next)
		s.messages[rec.ThreadID] = next
		s.refreshSummaryLocked(rec.ThreadID, next, 0)
		changed = true
	}
	if changed {
		s.sortLocked()
	}
	s.mu.Unlock()

	if changed {
		s.notify(Change{Kind: ChangeHydrated})
	}
}

// Clear drops all in-memory state. Persisted tiers are not touched.
func (s *Store) Clear() {
	s.mu.Lock()
	empty := len(s.summaries) == 0 && len(s.messages) == 0 && len(s.lastRead) == 0
	s.summaries = make(map[int64]*model.ThreadSummary)
	s.order = nil
	s.messages = make(map[int64][]*model.Message)
	s.lastRead = make(map[int64]marker)
	s.mu.Unlock()

	if !empty {
		s.notify(Change{Kind: ChangeCleared})
	}
}

// putSummaryLocked stores sum unless an equal summary is already present.
// The caller re-sorts when it returns true.
func (s *Store) putSummaryLocked(sum *model.ThreadSummary) bool {
	if cur, ok := s.summaries[sum.ID]; ok && cur.Equal(sum) {
		return false
	}
	s.summaries[sum.ID] = sum
	return true
}

func (s *Store) sortLocked() {
	order := make([]*model.ThreadSummary, 0, len(s.summaries))
	for _, sum := range s.summaries {
		order = append(order, sum)
	}
	model.SortSummaries(order)
	s.order = order
}

// coversSummary reports whether the marker already accounts for the
// summary's last message.
// Ids are compared when both sides have one, timestamps otherwise.
func (m marker) coversSummary(sum *model.ThreadSummary) bool {
	if m.id > 0 && sum.LastMessageID > 0 {
		return sum.LastMessageID <= m.id
	}
	return !sum.LastMessageAt.After(m.at)
}

func (m marker) coversMessage(msg *model.Message) bool {
	if m.id > 0 && msg.ID > 0 {
		return msg.ID <= m.id
	}
	return !msg.Timestamp.After(m.at)
}
