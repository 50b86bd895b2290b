package unread

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/matheus3301/inbox/internal/bus"
	"github.com/matheus3301/inbox/internal/cache"
	"github.com/matheus3301/inbox/internal/model"
	"github.com/matheus3301/inbox/internal/remote"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func newClock() *clock {
	return &clock{now: time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)}
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type fakeFetcher struct {
	mu      sync.Mutex
	calls   int
	etags   []string
	results []remote.UnreadResult
	err     error
	started chan struct{}
	gate    chan struct{}
}

func (f *fakeFetcher) UnreadCount(ctx context.Context, etag string) (remote.UnreadResult, error) {
	f.mu.Lock()
	f.calls++
	f.etags = append(f.etags, etag)
	var res remote.UnreadResult
	if len(f.results) > 0 {
		res = f.results[0]
		if len(f.results) > 1 {
			f.results = f.results[1:]
		}
	}
	err := f.err
	started, gate := f.started, f.gate
	f.mu.Unlock()

	if started != nil {
		started <- struct{}{}
	}
	if gate != nil {
		<-gate
	}
	return res, err
}

func (f *fakeFetcher) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func summary(id int64, unread int) model.ThreadSummary {
	return model.ThreadSummary{
		ID:            id,
		LastMessageAt: time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC),
		UnreadCount:   unread,
	}
}

func TestCountIsMaxOfLocalAndServer(t *testing.T) {
	c := newClock()
	store := cache.New(cache.Options{})
	f := &fakeFetcher{results: []remote.UnreadResult{{Count: 5, ETag: "a"}}}
	a := New(store, f, Options{Now: c.Now})

	store.SetSummaries([]model.ThreadSummary{summary(1, 3)})
	if got, _ := a.Refresh(context.Background()); got != 5 {
		t.Errorf("count = %d, want server total 5", got)
	}

	store.SetSummaries([]model.ThreadSummary{summary(1, 3), summary(2, 4)})
	if got := a.Count(); got != 7 {
		t.Errorf("count = %d, want local sum 7", got)
	}
}

func TestRefreshIsThrottled(t *testing.T) {
	c := newClock()
	f := &fakeFetcher{results: []remote.UnreadResult{{Count: 1}}}
	a := New(cache.New(cache.Options{}), f, Options{Now: c.Now})

	for n := 0; n < 3; n++ {
		if _, err := a.Refresh(context.Background()); err != nil {
			t.Fatal(err)
		}
	}
	if f.count() != 1 {
		t.Fatalf("fetches = %d, want 1 within the interval", f.count())
	}

	c.advance(DefaultMinInterval)
	_, _ = a.Refresh(context.Background())
	if f.count() != 2 {
		t.Errorf("fetches = %d, want 2 after the interval", f.count())
	}
}

func TestConcurrentRefreshSharesRequest(t *testing.T) {
	c := newClock()
	f := &fakeFetcher{
		results: []remote.UnreadResult{{Count: 9}},
		started: make(chan struct{}, 1),
		gate:    make(chan struct{}),
	}
	a := New(cache.New(cache.Options{}), f, Options{Now: c.Now})

	var wg sync.WaitGroup
	counts := make([]int, 5)
	wg.Add(1)
	go func() {
		defer wg.Done()
		counts[0], _ = a.Refresh(context.Background())
	}()
	<-f.started
	for i := 1; i < 5; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			counts[i], _ = a.Refresh(context.Background())
		}()
	}
	time.Sleep(20 * time.Millisecond)
	close(f.gate)
	wg.Wait()

	if f.count() != 1 {
		t.Errorf("fetches = %d, want 1", f.count())
	}
	if counts[0] != 9 {
		t.Errorf("first caller count = %d, want 9", counts[0])
	}
}

func TestNotModifiedKeepsValue(t *testing.T) {
	c := newClock()
	f := &fakeFetcher{results: []remote.UnreadResult{
		{Count: 4, ETag: `"v1"`},
		{NotModified: true, ETag: `"v1"`},
	}}
	a := New(cache.New(cache.Options{}), f, Options{Now: c.Now})

	_, _ = a.Refresh(context.Background())
	c.advance(time.Minute)
	got, err := a.Refresh(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if got != 4 {
		t.Errorf("count = %d, want 4 kept", got)
	}
	if f.etags[1] != `"v1"` {
		t.Errorf("second request etag = %q, want \"v1\"", f.etags[1])
	}
}

func TestFetchErrorKeepsLastKnown(t *testing.T) {
	c := newClock()
	f := &fakeFetcher{results: []remote.UnreadResult{{Count: 6}}}
	a := New(cache.New(cache.Options{}), f, Options{Now: c.Now})
	_, _ = a.Refresh(context.Background())

	f.mu.Lock()
	f.err = errors.New("offline")
	f.mu.Unlock()
	c.advance(time.Minute)

	got, err := a.Refresh(context.Background())
	if err == nil {
		t.Error("Refresh() should report the fetch error")
	}
	if got != 6 {
		t.Errorf("count = %d, want last known 6", got)
	}
}

func TestSeedSendsSavedETag(t *testing.T) {
	f := &fakeFetcher{results: []remote.UnreadResult{{NotModified: true, ETag: "e"}}}
	a := New(cache.New(cache.Options{}), f, Options{})
	a.Seed(3, "e")

	got, _ := a.Refresh(context.Background())
	if got != 3 || f.etags[0] != "e" {
		t.Errorf("count = %d etag = %q, want 3 and e", got, f.etags[0])
	}
}

func TestApplyDeltaAndTotal(t *testing.T) {
	a := New(cache.New(cache.Options{}), nil, Options{})
	ten, minus3, minus20 := 10, -3, -20

	a.Apply(model.UnreadEvent{Total: &ten})
	if a.Count() != 10 {
		t.Errorf("after total: %d, want 10", a.Count())
	}
	a.Apply(model.UnreadEvent{Delta: &minus3})
	if a.Count() != 7 {
		t.Errorf("after delta: %d, want 7", a.Count())
	}
	a.Apply(model.UnreadEvent{Delta: &minus20})
	if a.Count() != 0 {
		t.Errorf("after large delta: %d, want 0", a.Count())
	}
}

// TestServerReadWinsOverStaleLocal covers the case where a lagging summary
// still carries unread after the server confirmed the thread as read.
func TestServerReadWinsOverStaleLocal(t *testing.T) {
	store := cache.New(cache.Options{})
	a := New(store, nil, Options{})

	store.SetSummaries([]model.ThreadSummary{summary(1, 2)})
	if a.Count() != 2 {
		t.Fatalf("count = %d, want 2", a.Count())
	}
	store.ApplyReadServer(1, 0)
	store.SetSummaries([]model.ThreadSummary{summary(1, 2)})
	if a.Count() != 0 {
		t.Errorf("count = %d, want 0", a.Count())
	}
}

func TestStartPublishesChanges(t *testing.T) {
	b := bus.New()
	ch, unsub := b.Subscribe(bus.KindUnreadChanged, 16)
	defer unsub()

	store := cache.New(cache.Options{})
	var last atomic.Int64
	a := New(store, nil, Options{Bus: b, PollInterval: -1, OnChange: func(n int) { last.Store(int64(n)) }})
	a.Start(context.Background())
	defer a.Stop()

	store.SetSummaries([]model.ThreadSummary{summary(1, 2)})
	select {
	case evt := <-ch:
		if evt.Payload.(int) != 2 {
			t.Errorf("payload = %v, want 2", evt.Payload)
		}
	case <-time.After(time.Second):
		t.Fatal("no unread_changed event")
	}
	if last.Load() != 2 {
		t.Errorf("OnChange got %d, want 2", last.Load())
	}

	five := 5
	b.Emit(bus.KindUnread, model.UnreadEvent{Total: &five})
	select {
	case evt := <-ch:
		if evt.Payload.(int) != 5 {
			t.Errorf("payload = %v, want 5", evt.Payload)
		}
	case <-time.After(time.Second):
		t.Fatal("inbox.unread event was not applied")
	}
}

func TestVisibleRefreshes(t *testing.T) {
	b := bus.New()
	c := newClock()
	f := &fakeFetcher{results: []remote.UnreadResult{{Count: 1}}}
	a := New(cache.New(cache.Options{}), f, Options{Bus: b, Now: c.Now, PollInterval: -1})
	a.Start(context.Background())
	defer a.Stop()

	deadline := time.Now().Add(time.Second)
	for f.count() < 1 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	c.advance(10 * time.Second)
	b.Emit(bus.KindVisibility, model.VisibilityEvent{Visible: false})
	b.Emit(bus.KindVisibility, model.VisibilityEvent{Visible: true})

	deadline = time.Now().Add(time.Second)
	for f.count() < 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if f.count() != 2 {
		t.Errorf("fetches = %d, want 2 (start + foreground)", f.count())
	}
}
