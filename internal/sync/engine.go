package sync

import (
	"context"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/matheus3301/inbox/internal/bus"
	"github.com/matheus3301/inbox/internal/cache"
	"github.com/matheus3301/inbox/internal/model"
	"github.com/matheus3301/inbox/internal/status"
)

const (
	DefaultPageSize     = 30
	DefaultHydrateLimit = 50
)

// Remote is the REST side of the engine.
type Remote interface {
	Threads(ctx context.Context) ([]model.ThreadSummary, error)
	Messages(ctx context.Context, threadID int64, limit int, beforeID int64) ([]model.Message, error)
	MarkRead(ctx context.Context, threadID, lastReadID int64) (int, error)
}

// Tiers is the persistence side of the engine.
type Tiers interface {
	ReadThread(ctx context.Context, threadID int64) (*model.ThreadRecord, error)
	Recent(ctx context.Context, limit int) ([]model.ThreadRecord, error)
	ClearAll(ctx context.Context) error
}

// Realtime is the push side of the engine.
type Realtime interface {
	Connect(ctx context.Context) error
	Close()
	SetVisible(visible bool)
	UpdatePresence(subject, presence string)
	AddHandler(fn func([]byte)) func()
}

// Unread is the badge aggregator.
type Unread interface {
	Refresh(ctx context.Context) (int, error)
	Invalidate()
	Seed(total int, etag string)
	Server() (int, string)
}

// Options wires an Engine. Only Cache is required.
type Options struct {
	Cache      *cache.Store
	Tiers      Tiers
	Remote     Remote
	Realtime   Realtime
	Unread     Unread
	Reconciler *Reconciler
	Bus        *bus.Bus
	Logger     *zap.Logger
	Now        func() time.Time

	PageSize     int
	HydrateLimit int
}

// Engine moves data between the durable tiers, the REST API, the realtime
// socket and the in-memory projection.
type Engine struct {
	cache  *cache.Store
	tiers  Tiers
	remote Remote
	rt     Realtime
	unread Unread
	rec    *Reconciler
	bus    *bus.Bus
	logger *zap.Logger
	now    func() time.Time

	pageSize     int
	hydrateLimit int

	// lastRefresh is the unix millisecond time of the last thread list
	// refresh, restored from the checkpoint on bootstrap.
	lastRefresh atomic.Int64

	cancel context.CancelFunc
	done   chan struct{}
}

// NewEngine creates a new sync engine.
func NewEngine(opts Options) *Engine {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.PageSize <= 0 {
		opts.PageSize = DefaultPageSize
	}
	if opts.HydrateLimit <= 0 {
		opts.HydrateLimit = DefaultHydrateLimit
	}
	return &Engine{
		cache:        opts.Cache,
		tiers:        opts.Tiers,
		remote:       opts.Remote,
		rt:           opts.Realtime,
		unread:       opts.Unread,
		rec:          opts.Reconciler,
		bus:          opts.Bus,
		logger:       opts.Logger,
		now:          opts.Now,
		pageSize:     opts.PageSize,
		hydrateLimit: opts.HydrateLimit,
	}
}

// Start hydrates the projection, then refreshes and connects in the
// background. Realtime frames are applied as they arrive and every reopen of
// the socket triggers a catch-up refresh.
func (e *Engine) Start(ctx context.Context) {
	ctx, e.cancel = context.WithCancel(ctx)
	e.done = make(chan struct{})

	e.Bootstrap(ctx)

	removeHandler := func() {}
	if e.rt != nil {
		removeHandler = e.rt.AddHandler(e.HandleRealtime)
	}
	var states, unread <-chan bus.Event
	unsubStates, unsubUnread := func() {}, func() {}
	if e.bus != nil {
		states, unsubStates = e.bus.Subscribe(bus.KindRealtimeState, 16)
		unread, unsubUnread = e.bus.Subscribe(bus.KindUnreadChanged, 16)
	}

	go func() {
		defer close(e.done)
		defer removeHandler()
		defer unsubStates()
		defer unsubUnread()

		if err := e.Refresh(ctx); err != nil {
			e.logger.Warn("initial refresh failed", zap.Error(err))
		}
		if e.rt != nil {
			if err := e.rt.Connect(ctx); err != nil {
				e.logger.Warn("realtime connect failed", zap.Error(err))
			}
		}
		opened := false
		for {
			select {
			case evt := <-states:
				ch, ok := evt.Payload.(status.StatusChange)
				if !ok || ch.To != status.Open {
					continue
				}
				if opened {
					if err := e.Refresh(ctx); err != nil {
						e.logger.Warn("catch-up refresh failed", zap.Error(err))
					}
				}
				opened = true
			case <-unread:
				e.saveUnread(ctx)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop stops the engine and closes the realtime socket.
func (e *Engine) Stop() {
	if e.cancel == nil {
		return
	}
	e.cancel()
	<-e.done
	if e.rt != nil {
		e.rt.Close()
	}
}

// Bootstrap seeds the projection from the persistence tiers and restores the
// saved server unread total. Storage failures only leave the cache cold.
func (e *Engine) Bootstrap(ctx context.Context) {
	if e.tiers != nil {
		records, err := e.tiers.Recent(ctx, e.hydrateLimit)
		if err != nil {
			e.logger.Warn("hydrate skipped", zap.Error(err))
		}
		e.cache.Hydrate(records)
		e.bus.Emit(bus.KindSyncHydrated, len(records))
		e.logger.Info("projection hydrated", zap.Int("threads", len(records)))
	}
	if e.rec == nil {
		return
	}
	if at, ok := e.rec.LastRefresh(ctx); ok {
		e.lastRefresh.Store(at.UnixMilli())
		e.logger.Info("last thread refresh restored", zap.Time("at", at))
	}
	if e.unread != nil {
		if total, etag, ok := e.rec.LoadUnread(ctx); ok {
			e.unread.Seed(total, etag)
		}
	}
}

// LastRefresh returns when the thread list was last refreshed, across
// restarts. The zero time means never.
func (e *Engine) LastRefresh() time.Time {
	ms := e.lastRefresh.Load()
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

// Refresh replaces the thread list with the server's.
func (e *Engine) Refresh(ctx context.Context) error {
	if e.remote == nil {
		return nil
	}
	list, err := e.remote.Threads(ctx)
	if err != nil {
		return err
	}
	e.cache.SetSummaries(list)
	now := e.now()
	e.lastRefresh.Store(now.UnixMilli())
	if e.rec != nil {
		e.rec.MarkRefreshed(ctx, now)
	}
	e.bus.Emit(bus.KindSyncRefreshed, len(list))
	return nil
}

// OpenThread returns the thread's messages, loading them from persistence
// first when the projection has none, then merging the newest server page.
// On a fetch error the cached messages are returned with the error.
func (e *Engine) OpenThread(ctx context.Context, threadID int64, limit int) ([]*model.Message, error) {
	if !e.cache.HasMessages(threadID) && e.tiers != nil {
		rec, err := e.tiers.ReadThread(ctx, threadID)
		if err != nil {
			e.logger.Debug("thread not loaded from persistence", zap.Int64("thread_id", threadID), zap.Error(err))
		}
		if rec != nil {
			e.cache.Hydrate([]model.ThreadRecord{*rec})
		}
	}
	if e.remote == nil {
		return e.cache.Messages(threadID), nil
	}
	if limit <= 0 {
		limit = e.pageSize
	}
	page, err := e.remote.Messages(ctx, threadID, limit, 0)
	if err != nil {
		return e.cache.Messages(threadID), err
	}
	e.cache.SetMessages(threadID, page, false)
	return e.cache.Messages(threadID), nil
}

// LoadOlder merges the page before beforeID and returns how many messages the
// server sent. Zero means the start of the thread was reached.
func (e *Engine) LoadOlder(ctx context.Context, threadID, beforeID int64, limit int) (int, error) {
	if e.remote == nil {
		return 0, nil
	}
	if limit <= 0 {
		limit = e.pageSize
	}
	page, err := e.remote.Messages(ctx, threadID, limit, beforeID)
	if err != nil {
		return 0, err
	}
	if len(page) > 0 {
		e.cache.SetMessages(threadID, page, false)
	}
	return len(page), nil
}

// MarkRead zeroes the thread locally, tells the server, then applies the
// server's answer. The optimistic zero stays when the call fails.
func (e *Engine) MarkRead(ctx context.Context, threadID int64) error {
	var lastID int64
	if s, ok := e.cache.Summary(threadID); ok {
		lastID = s.LastMessageID
	}
	e.cache.SetLastRead(threadID, 0)
	if e.remote == nil {
		return nil
	}
	unread, err := e.remote.MarkRead(ctx, threadID, lastID)
	if err != nil {
		return err
	}
	e.cache.ApplyReadServer(threadID, unread)
	if e.unread != nil {
		e.unread.Invalidate()
		if _, err := e.unread.Refresh(ctx); err != nil {
			e.logger.Debug("unread refresh after read failed", zap.Error(err))
		}
	}
	return nil
}

// HandleRealtime applies one inbound realtime frame to the projection.
func (e *Engine) HandleRealtime(frame []byte) {
	ev, err := model.NormalizeEvent(frame)
	if err != nil {
		e.logger.Debug("realtime frame dropped", zap.Error(err))
		return
	}
	switch ev.Type {
	case model.EventMessage, model.EventMessageUpdated:
		if !e.cache.UpsertMessage(*ev.Message) {
			break
		}
		if m, ok := e.cache.Message(ev.ThreadID, ev.Message.ID); ok {
			e.bus.Emit(bus.KindMessageUpserted, *m)
		}
	case model.EventThread:
		e.cache.SetSummaries([]model.ThreadSummary{*ev.Summary})
	case model.EventTyping:
		if ev.ThreadID > 0 {
			e.cache.SetTyping(ev.ThreadID, ev.Typing)
		}
	case model.EventPresence:
		if ev.ThreadID > 0 {
			e.cache.SetPresence(ev.ThreadID, ev.Presence)
		}
	case model.EventRead:
		if ev.ThreadID > 0 {
			e.cache.ApplyReadServer(ev.ThreadID, ev.UnreadCount)
		}
	case model.EventUnread:
		e.bus.Emit(bus.KindUnread, ev.Unread)
	default:
		e.logger.Debug("realtime frame ignored", zap.String("type", ev.RawType))
	}
}

// SetVisible forwards a foreground/background transition. Coming back to
// the foreground also refreshes the thread list.
func (e *Engine) SetVisible(ctx context.Context, visible bool) {
	if e.rt != nil {
		e.rt.SetVisible(visible)
	}
	e.bus.Emit(bus.KindVisibility, model.VisibilityEvent{Visible: visible})
	if visible {
		if err := e.Refresh(ctx); err != nil {
			e.logger.Debug("foreground refresh failed", zap.Error(err))
		}
	}
}

// SetPresence queues the local presence for subject. Updates are batched by
// the realtime client and replayed when the app returns to the foreground.
func (e *Engine) SetPresence(subject, presence string) {
	if e.rt != nil {
		e.rt.UpdatePresence(subject, presence)
	}
}

// SignOut closes the socket and wipes the projection and both tiers.
func (e *Engine) SignOut(ctx context.Context) error {
	if e.rt != nil {
		e.rt.Close()
	}
	e.cache.Clear()
	var err error
	if e.tiers != nil {
		err = e.tiers.ClearAll(ctx)
	}
	e.bus.Emit(bus.KindSignedOut, nil)
	e.logger.Info("signed out", zap.Error(err))
	return err
}

func (e *Engine) saveUnread(ctx context.Context) {
	if e.rec == nil || e.unread == nil {
		return
	}
	total, etag := e.unread.Server()
	e.rec.SaveUnread(ctx, total, etag)
}
