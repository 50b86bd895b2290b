// Package unread derives the single unread badge count from the local
// projection and a throttled, ETag-validated server total.
package unread

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/matheus3301/inbox/internal/bus"
	"github.com/matheus3301/inbox/internal/cache"
	"github.com/matheus3301/inbox/internal/metrics"
	"github.com/matheus3301/inbox/internal/model"
	"github.com/matheus3301/inbox/internal/remote"
)

const (
	DefaultMinInterval  = 5 * time.Second
	DefaultPollInterval = 60 * time.Second
)

// Local is the projection side of the count.
type Local interface {
	TotalUnread() int
	Subscribe(fn func(cache.Change)) func()
}

// Fetcher returns the server unread total.
type Fetcher interface {
	UnreadCount(ctx context.Context, etag string) (remote.UnreadResult, error)
}

// Options configures an Aggregator.
type Options struct {
	// MinInterval is the minimum spacing between two server fetches.
	MinInterval time.Duration
	// PollInterval refreshes periodically while started. Negative disables.
	PollInterval time.Duration
	Now          func() time.Time
	OnChange     func(count int)
	Bus          *bus.Bus
	Logger       *zap.Logger
}

// Aggregator computes max(local sum, server total).
type Aggregator struct {
	local  Local
	fetch  Fetcher
	opts   Options
	logger *zap.Logger
	flight singleflight.Group

	mu        sync.Mutex
	server    int
	etag      string
	lastFetch time.Time

	// pmu orders publications so listeners never see counts out of order.
	pmu       sync.Mutex
	published int

	cancel context.CancelFunc
	done   chan struct{}
}

// New creates an Aggregator. fetch may be nil for an offline-only count.
func New(local Local, fetch Fetcher, opts Options) *Aggregator {
	if opts.MinInterval <= 0 {
		opts.MinInterval = DefaultMinInterval
	}
	if opts.PollInterval == 0 {
		opts.PollInterval = DefaultPollInterval
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Aggregator{
		local:  local,
		fetch:  fetch,
		opts:   opts,
		logger: opts.Logger,
	}
}

// Count returns the badge count. It never goes below zero.
func (a *Aggregator) Count() int {
	a.mu.Lock()
	server := a.server
	a.mu.Unlock()
	return max(0, a.local.TotalUnread(), server)
}

// Server returns the last known server total and its ETag.
func (a *Aggregator) Server() (int, string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.server, a.etag
}

// Seed restores a server total and ETag saved by a previous run, so the first
// conditional fetch can be answered with not modified.
func (a *Aggregator) Seed(total int, etag string) {
	a.mu.Lock()
	a.server = max(0, total)
	a.etag = etag
	a.mu.Unlock()
	a.recompute()
}

// Invalidate lifts the throttle so the next Refresh hits the server.
func (a *Aggregator) Invalidate() {
	a.mu.Lock()
	a.lastFetch = time.Time{}
	a.mu.Unlock()
}

// Refresh fetches the server total unless one was fetched within MinInterval.
// Concurrent callers share one request. On failure the last known total is
// kept and the error returned.
func (a *Aggregator) Refresh(ctx context.Context) (int, error) {
	if a.fetch == nil {
		return a.Count(), nil
	}
	_, err, _ := a.flight.Do("unread", func() (any, error) {
		a.mu.Lock()
		now := a.opts.Now()
		if !a.lastFetch.IsZero() && now.Sub(a.lastFetch) < a.opts.MinInterval {
			a.mu.Unlock()
			metrics.UnreadFetches.WithLabelValues("throttled").Inc()
			return nil, nil
		}
		a.lastFetch = now
		etag := a.etag
		a.mu.Unlock()

		res, err := a.fetch.UnreadCount(ctx, etag)
		if err != nil {
			metrics.UnreadFetches.WithLabelValues("error").Inc()
			return nil, err
		}
		a.mu.Lock()
		if res.NotModified {
			metrics.UnreadFetches.WithLabelValues("not_modified").Inc()
		} else {
			metrics.UnreadFetches.WithLabelValues("ok").Inc()
			a.server = max(0, res.Count)
			a.etag = res.ETag
		}
		a.mu.Unlock()
		return nil, nil
	})
	if err != nil {
		a.logger.Warn("unread fetch failed", zap.Error(err))
	}
	a.recompute()
	return a.Count(), err
}

// Apply folds an explicit unread event into the server total: Total
// overrides, Delta adjusts.
func (a *Aggregator) Apply(ev model.UnreadEvent) {
	a.mu.Lock()
	switch {
	case ev.Total != nil:
		a.server = max(0, *ev.Total)
	case ev.Delta != nil:
		a.server = max(0, a.server+*ev.Delta)
	}
	a.mu.Unlock()
	a.recompute()
}

func (a *Aggregator) recompute() {
	a.pmu.Lock()
	defer a.pmu.Unlock()
	n := a.Count()
	if n == a.published {
		return
	}
	a.published = n
	metrics.UnreadCount.Set(float64(n))
	a.opts.Bus.Emit(bus.KindUnreadChanged, n)
	if a.opts.OnChange != nil {
		a.opts.OnChange(n)
	}
}

// Start recomputes on projection changes, applies inbox.unread events,
// refreshes when the app comes back to the foreground and polls.
func (a *Aggregator) Start(ctx context.Context) {
	ctx, a.cancel = context.WithCancel(ctx)
	a.done = make(chan struct{})

	unsubLocal := a.local.Subscribe(func(cache.Change) { a.recompute() })

	var inbox, app <-chan bus.Event
	unsubInbox, unsubApp := func() {}, func() {}
	if a.opts.Bus != nil {
		inbox, unsubInbox = a.opts.Bus.Subscribe("inbox.unread", 64)
		app, unsubApp = a.opts.Bus.Subscribe("app.", 16)
	}

	go func() {
		defer close(a.done)
		defer unsubLocal()
		defer unsubInbox()
		defer unsubApp()

		var tick <-chan time.Time
		if a.opts.PollInterval > 0 {
			t := time.NewTicker(a.opts.PollInterval)
			defer t.Stop()
			tick = t.C
		}

		a.recompute()
		_, _ = a.Refresh(ctx)
		for {
			select {
			case evt := <-inbox:
				if ev, ok := evt.Payload.(model.UnreadEvent); ok && evt.Kind == bus.KindUnread {
					a.Apply(ev)
				}
			case evt := <-app:
				if v, ok := evt.Payload.(model.VisibilityEvent); ok && v.Visible {
					_, _ = a.Refresh(ctx)
				}
			case <-tick:
				_, _ = a.Refresh(ctx)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop ends the background loop and waits for it.
func (a *Aggregator) Stop() {
	if a.cancel == nil {
		return
	}
	a.cancel()
	<-a.done
}
