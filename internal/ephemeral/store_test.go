package ephemeral

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/matheus3301/inbox/internal/model"
)

func msgs(threadID int64, n int) []model.Message {
	out := make([]model.Message, n)
	for i := range out {
		out[i] = model.Message{
			ID:        int64(i + 1),
			ThreadID:  threadID,
			Body:      "hi",
			Timestamp: time.Unix(1_700_000_000+int64(i), 0),
		}
	}
	return out
}

func ids(recs []model.ThreadRecord) []int64 {
	out := make([]int64, len(recs))
	for i, r := range recs {
		out[i] = r.ThreadID
	}
	return out
}

func equalIDs(a, b []int64) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestWriteAndReadThread(t *testing.T) {
	s := New(NewMemoryKV(), Options{})
	ctx := context.Background()

	if _, err := s.WriteThread(ctx, 3, msgs(3, 4)); err != nil {
		t.Fatal(err)
	}
	rec, err := s.ReadThread(ctx, 3)
	if err != nil {
		t.Fatal(err)
	}
	if rec == nil || rec.Count != 4 || rec.LastMessageID != 4 {
		t.Fatalf("record = %+v", rec)
	}

	missing, err := s.ReadThread(ctx, 4)
	if err != nil {
		t.Fatal(err)
	}
	if missing != nil {
		t.Error("expected nil for unknown thread")
	}
	if n, _ := s.Len(ctx); n != 1 {
		t.Errorf("Len() = %d, want 1 (a miss must not be indexed)", n)
	}
}

func TestWriteThreadSkipsPending(t *testing.T) {
	s := New(NewMemoryKV(), Options{})
	ctx := context.Background()

	only := []model.Message{{ID: -5, ThreadID: 1, Body: "x", Status: model.StatusSending}}
	if _, err := s.WriteThread(ctx, 1, only); err != nil {
		t.Fatal(err)
	}
	if rec, _ := s.ReadThread(ctx, 1); rec != nil {
		t.Errorf("a thread with only sending messages was stored: %+v", rec)
	}

	mixed := append(msgs(1, 2), model.Message{ID: 9, ThreadID: 1, Body: "q", Status: model.StatusQueued})
	if _, err := s.WriteThread(ctx, 1, mixed); err != nil {
		t.Fatal(err)
	}
	rec, _ := s.ReadThread(ctx, 1)
	if rec == nil || len(rec.Messages) != 2 {
		t.Fatalf("record = %+v, want 2 confirmed messages", rec)
	}
}

func TestLRUEviction(t *testing.T) {
	s := New(NewMemoryKV(), Options{MaxThreads: 3})
	ctx := context.Background()

	for id := int64(1); id <= 3; id++ {
		if _, err := s.WriteThread(ctx, id, msgs(id, 1)); err != nil {
			t.Fatal(err)
		}
	}
	// Reading thread 1 makes thread 2 the least recently used.
	if _, err := s.ReadThread(ctx, 1); err != nil {
		t.Fatal(err)
	}
	evicted, err := s.WriteThread(ctx, 4, msgs(4, 1))
	if err != nil {
		t.Fatal(err)
	}
	if evicted != 1 {
		t.Errorf("evicted = %d, want 1", evicted)
	}
	if rec, _ := s.ReadThread(ctx, 2); rec != nil {
		t.Error("thread 2 should have been evicted")
	}

	recent, err := s.Recent(ctx, 0)
	if err != nil {
		t.Fatal(err)
	}
	if got, want := ids(recent), []int64{4, 1, 3}; !equalIDs(got, want) {
		t.Errorf("Recent() = %v, want %v", got, want)
	}
}

func TestPrune(t *testing.T) {
	s := New(NewMemoryKV(), Options{MaxThreads: 10})
	ctx := context.Background()
	for id := int64(1); id <= 5; id++ {
		if _, err := s.WriteThread(ctx, id, msgs(id, 1)); err != nil {
			t.Fatal(err)
		}
	}
	n, err := s.Prune(ctx, 2)
	if err != nil {
		t.Fatal(err)
	}
	if n != 3 {
		t.Errorf("Prune() = %d, want 3", n)
	}
	recent, _ := s.Recent(ctx, 0)
	if got, want := ids(recent), []int64{5, 4}; !equalIDs(got, want) {
		t.Errorf("Recent() = %v, want %v", got, want)
	}
}

func TestClearOnlyTouchesNamespace(t *testing.T) {
	kv := NewMemoryKV()
	ctx := context.Background()
	a := New(kv, Options{Namespace: "a"})
	b := New(kv, Options{Namespace: "b"})

	if _, err := a.WriteThread(ctx, 1, msgs(1, 1)); err != nil {
		t.Fatal(err)
	}
	if _, err := b.WriteThread(ctx, 1, msgs(1, 1)); err != nil {
		t.Fatal(err)
	}
	if err := a.Clear(ctx); err != nil {
		t.Fatal(err)
	}
	if n, _ := a.Len(ctx); n != 0 {
		t.Errorf("a.Len() = %d after Clear, want 0", n)
	}
	if rec, _ := b.ReadThread(ctx, 1); rec == nil {
		t.Error("Clear on namespace a removed namespace b data")
	}
}

func TestRedisKV(t *testing.T) {
	addr := os.Getenv("INBOX_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("INBOX_TEST_REDIS_ADDR not set")
	}
	kv := NewRedisKV(addr, "", 0)
	defer func() { _ = kv.Close() }()
	ctx := context.Background()
	if err := kv.Ping(ctx); err != nil {
		t.Skipf("redis not reachable: %v", err)
	}

	s := New(kv, Options{Namespace: "inbox-test", MaxThreads: 2})
	t.Cleanup(func() { _ = s.Clear(ctx) })

	for id := int64(1); id <= 3; id++ {
		if _, err := s.WriteThread(ctx, id, msgs(id, 2)); err != nil {
			t.Fatal(err)
		}
	}
	recent, err := s.Recent(ctx, 0)
	if err != nil {
		t.Fatal(err)
	}
	if got, want := ids(recent), []int64{3, 2}; !equalIDs(got, want) {
		t.Errorf("Recent() = %v, want %v", got, want)
	}
	if err := s.Clear(ctx); err != nil {
		t.Fatal(err)
	}
	keys, err := kv.Keys(ctx, "inbox-test:")
	if err != nil {
		t.Fatal(err)
	}
	if len(keys) != 0 {
		t.Errorf("keys left after Clear: %v", keys)
	}
}
