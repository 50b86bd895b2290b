package persist

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/matheus3301/inbox/internal/ephemeral"
	"github.com/matheus3301/inbox/internal/model"
	"github.com/matheus3301/inbox/internal/store"
)

// fakeDurable records writes and can block or fail them.
type fakeDurable struct {
	mu      sync.Mutex
	writes  []write
	records map[int64][]model.Message
	gate    chan struct{}
	err     error
}

type write struct {
	threadID int64
	n        int
}

func newFakeDurable() *fakeDurable {
	return &fakeDurable{records: make(map[int64][]model.Message)}
}

func (f *fakeDurable) ReadThread(_ context.Context, id int64) (*model.ThreadRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	m, ok := f.records[id]
	if !ok {
		return nil, nil
	}
	return &model.ThreadRecord{ThreadID: id, Messages: m, Count: len(m)}, nil
}

func (f *fakeDurable) WriteThread(_ context.Context, id int64, msgs []model.Message, _ int) (int, error) {
	if f.gate != nil {
		<-f.gate
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return 0, f.err
	}
	f.writes = append(f.writes, write{id, len(msgs)})
	f.records[id] = msgs
	return 0, nil
}

func (f *fakeDurable) RecentThreads(_ context.Context, _ int) ([]model.ThreadRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	var out []model.ThreadRecord
	for id, m := range f.records {
		out = append(out, model.ThreadRecord{ThreadID: id, Messages: m})
	}
	return out, nil
}

func (f *fakeDurable) ClearAll(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records = make(map[int64][]model.Message)
	return f.err
}

func (f *fakeDurable) snapshot() []write {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]write(nil), f.writes...)
}

func page(threadID int64, n int) []model.Message {
	out := make([]model.Message, n)
	for i := range out {
		out[i] = model.Message{ID: int64(i + 1), ThreadID: threadID, Body: "b", Timestamp: time.Unix(int64(i), 0)}
	}
	return out
}

func TestPersistWritesBothTiers(t *testing.T) {
	d := newFakeDurable()
	eph := ephemeral.New(ephemeral.NewMemoryKV(), ephemeral.Options{})
	p := New(d, eph, 10, nil)
	p.Start(context.Background())
	defer p.Stop()

	p.Persist(1, 0, page(1, 3))
	if err := p.Flush(context.Background()); err != nil {
		t.Fatal(err)
	}

	if w := d.snapshot(); len(w) != 1 || w[0] != (write{1, 3}) {
		t.Errorf("durable writes = %+v, want [{1 3}]", w)
	}
	rec, err := eph.ReadThread(context.Background(), 1)
	if err != nil || rec == nil {
		t.Fatalf("ephemeral record = %+v, err %v", rec, err)
	}
}

func TestPersistCoalescesPerThread(t *testing.T) {
	d := newFakeDurable()
	d.gate = make(chan struct{})
	p := New(d, nil, 10, nil)
	p.Start(context.Background())
	defer p.Stop()

	// The first write blocks in the durable tier; the next three queue up.
	p.Persist(1, 0, page(1, 1))
	time.Sleep(20 * time.Millisecond)
	p.Persist(2, 0, page(2, 1))
	p.Persist(1, 0, page(1, 2))
	p.Persist(1, 0, page(1, 3))
	close(d.gate)

	if err := p.Flush(context.Background()); err != nil {
		t.Fatal(err)
	}
	got := d.snapshot()
	want := []write{{1, 1}, {2, 1}, {1, 3}}
	if len(got) != len(want) {
		t.Fatalf("writes = %+v, want %+v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("write[%d] = %+v, want %+v", i, got[i], want[i])
		}
	}
}

func TestPersistDropsStaleSnapshot(t *testing.T) {
	d := newFakeDurable()
	eph := ephemeral.New(ephemeral.NewMemoryKV(), ephemeral.Options{})
	p := New(d, eph, 10, nil)

	// Version 2 lands before version 1, as when two writers race after
	// releasing the cache lock.
	p.Persist(1, 2, page(1, 3))
	p.Persist(1, 1, page(1, 1))
	p.Persist(2, 1, page(2, 1))
	if err := p.Flush(context.Background()); err != nil {
		t.Fatal(err)
	}

	got := d.snapshot()
	want := []write{{1, 3}, {2, 1}}
	if len(got) != len(want) {
		t.Fatalf("writes = %+v, want %+v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("write[%d] = %+v, want %+v", i, got[i], want[i])
		}
	}
	rec, err := eph.ReadThread(context.Background(), 1)
	if err != nil || rec == nil || rec.Count != 3 {
		t.Errorf("ephemeral record = %+v, err %v, want the newer snapshot", rec, err)
	}
}

func TestFlushWithoutWorker(t *testing.T) {
	d := newFakeDurable()
	p := New(d, nil, 10, nil)
	p.Persist(5, 0, page(5, 2))
	if err := p.Flush(context.Background()); err != nil {
		t.Fatal(err)
	}
	if w := d.snapshot(); len(w) != 1 {
		t.Errorf("writes = %+v, want one", w)
	}
}

func TestReadFallsBackToEphemeral(t *testing.T) {
	d := newFakeDurable()
	d.err = &store.Error{Kind: store.KindUnavailable, Op: "read"}
	eph := ephemeral.New(ephemeral.NewMemoryKV(), ephemeral.Options{})
	p := New(d, eph, 10, nil)

	p.Persist(9, 0, page(9, 2))
	_ = p.Flush(context.Background())

	rec, err := p.ReadThread(context.Background(), 9)
	if err != nil {
		t.Fatal(err)
	}
	if rec == nil || rec.Count != 2 {
		t.Fatalf("record = %+v, want ephemeral snapshot", rec)
	}

	recent, err := p.Recent(context.Background(), 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(recent) != 1 || recent[0].ThreadID != 9 {
		t.Errorf("Recent() = %+v", recent)
	}
}

func TestUnavailableDurableTierIsSilent(t *testing.T) {
	// A path below a regular file can never be opened.
	dir := t.TempDir()
	blocker := filepath.Join(dir, "file")
	if err := os.WriteFile(blocker, []byte("x"), 0600); err != nil {
		t.Fatal(err)
	}
	db := store.New(store.Options{Path: filepath.Join(blocker, "cache.db")})
	eph := ephemeral.New(ephemeral.NewMemoryKV(), ephemeral.Options{})
	p := New(db, eph, 10, nil)
	p.Start(context.Background())
	defer p.Stop()

	p.Persist(1, 0, page(1, 1))
	if err := p.Flush(context.Background()); err != nil {
		t.Fatal(err)
	}
	if db.State() != store.Unavailable {
		t.Errorf("state = %s, want UNAVAILABLE", db.State())
	}
	if rec, _ := p.ReadThread(context.Background(), 1); rec == nil {
		t.Error("ephemeral tier should still serve the thread")
	}
	if err := p.ClearAll(context.Background()); err != nil {
		t.Errorf("ClearAll() error = %v, want nil with an unavailable durable tier", err)
	}
}

func TestClearAllWipesBothTiers(t *testing.T) {
	d := newFakeDurable()
	eph := ephemeral.New(ephemeral.NewMemoryKV(), ephemeral.Options{})
	p := New(d, eph, 10, nil)

	p.Persist(1, 0, page(1, 1))
	_ = p.Flush(context.Background())
	p.Persist(2, 0, page(2, 1)) // still queued

	if err := p.ClearAll(context.Background()); err != nil {
		t.Fatal(err)
	}
	_ = p.Flush(context.Background())

	if rec, _ := p.ReadThread(context.Background(), 1); rec != nil {
		t.Error("thread 1 survived ClearAll")
	}
	if rec, _ := p.ReadThread(context.Background(), 2); rec != nil {
		t.Error("queued thread 2 was written after ClearAll")
	}
}

func TestClearAllReportsDurableFailure(t *testing.T) {
	d := newFakeDurable()
	d.err = errors.New("disk full")
	p := New(d, nil, 10, nil)
	if err := p.ClearAll(context.Background()); err == nil {
		t.Error("ClearAll() should surface a non-availability failure")
	}
}

func TestCodecFailureIsLoggedAsError(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	d := newFakeDurable()
	d.err = &store.Error{Kind: store.KindCodec, Op: "write", Err: errors.New("bad blob")}
	p := New(d, nil, 10, zap.New(core))

	p.Persist(1, 0, page(1, 1))
	if err := p.Flush(context.Background()); err != nil {
		t.Fatal(err)
	}
	entries := logs.FilterMessage("thread snapshot not encodable").All()
	if len(entries) != 1 || entries[0].Level != zapcore.ErrorLevel {
		t.Errorf("log entries = %+v, want one error", logs.All())
	}
}
