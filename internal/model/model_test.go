package model

import (
	"strings"
	"testing"
	"time"
)

func TestNormalizeSummaryAliases(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want ThreadSummary
	}{
		{
			"snake case",
			`{"id":1,"last_message_timestamp":"2024-01-01T10:00:00Z","unread_count":2,"state":"quoted","counterparty":{"display_name":"Ana"}}`,
			ThreadSummary{ID: 1, LastMessageAt: time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC), UnreadCount: 2, State: StateQuoted, Counterparty: Counterparty{DisplayName: "Ana"}},
		},
		{
			"camel case with unix millis",
			`{"threadId":"7","lastMessageAt":1704103200000,"unreadCount":3,"last_message":{"id":9,"content":"hi"}}`,
			ThreadSummary{ID: 7, LastMessageID: 9, LastMessageAt: time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC), LastMessagePreview: "hi", UnreadCount: 3},
		},
		{
			"negative unread clamps",
			`{"thread_id":4,"unread":-5}`,
			ThreadSummary{ID: 4},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := NormalizeSummary([]byte(tt.raw))
			if err != nil {
				t.Fatalf("NormalizeSummary() error = %v", err)
			}
			if !got.Equal(&tt.want) {
				t.Errorf("got %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestNormalizeSummaryMissingID(t *testing.T) {
	if _, err := NormalizeSummary([]byte(`{"unread_count":1}`)); err == nil {
		t.Error("expected error for payload without id")
	}
}

func TestNormalizeSummariesContainer(t *testing.T) {
	raw := `{"results":[{"id":1},{"unread_count":1},{"id":2}]}`
	got, err := NormalizeSummaries([]byte(raw))
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d summaries, want 2 (entry without id skipped)", len(got))
	}
}

func TestNormalizeMessages(t *testing.T) {
	raw := `[
		{"id":10,"content":"hello","created_at":"2024-01-01T10:00:00Z","sender_id":3,"from_me":true},
		{"id":"11","body":"photo","timestamp":1704103260,"type":"image","attachments":[{"url":"u","mime_type":"image/png"}]},
		{"content":"no id"}
	]`
	msgs, err := NormalizeMessages([]byte(raw), 5)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 2 {
		t.Fatalf("got %d messages, want 2", len(msgs))
	}
	if msgs[0].ThreadID != 5 || msgs[0].Body != "hello" || !msgs[0].FromMe || msgs[0].SenderID != 3 || msgs[0].Kind != "text" {
		t.Errorf("msg[0] = %+v", msgs[0])
	}
	if msgs[1].ID != 11 || msgs[1].Kind != "image" || len(msgs[1].Attachments) != 1 {
		t.Errorf("msg[1] = %+v", msgs[1])
	}
	if !msgs[1].Timestamp.Equal(time.Unix(1704103260, 0)) {
		t.Errorf("timestamp = %v", msgs[1].Timestamp)
	}
}

func TestNormalizeEvent(t *testing.T) {
	tests := []struct {
		raw   string
		check func(t *testing.T, ev Event)
	}{
		{`{"type":"message.new","data":{"message":{"id":1,"thread_id":2,"content":"x"}}}`, func(t *testing.T, ev Event) {
			if ev.Type != EventMessage || ev.Message == nil || ev.ThreadID != 2 {
				t.Errorf("got %+v", ev)
			}
		}},
		{`{"type":"message","id":4,"thread_id":2,"content":"flat"}`, func(t *testing.T, ev Event) {
			if ev.Message == nil || ev.Message.Kind != "text" || ev.Message.Body != "flat" {
				t.Errorf("got %+v", ev.Message)
			}
		}},
		{`{"type":"message.updated","data":{"id":2,"thread_id":1,"content":"b2"}}`, func(t *testing.T, ev Event) {
			want := FieldID | FieldBody
			if ev.Type != EventMessageUpdated || ev.Message == nil || ev.Message.Present != want {
				t.Errorf("got %+v", ev.Message)
			}
		}},
		{`{"type":"thread.updated","thread":{"id":3,"unread_count":1}}`, func(t *testing.T, ev Event) {
			if ev.Type != EventThread || ev.Summary == nil || ev.Summary.UnreadCount != 1 {
				t.Errorf("got %+v", ev)
			}
		}},
		{`{"type":"typing","thread_id":3}`, func(t *testing.T, ev Event) {
			if !ev.Typing || ev.ThreadID != 3 {
				t.Errorf("got %+v", ev)
			}
		}},
		{`{"type":"read","thread_id":3,"unread_count":0}`, func(t *testing.T, ev Event) {
			if ev.Type != EventRead || ev.UnreadCount != 0 {
				t.Errorf("got %+v", ev)
			}
		}},
		{`{"type":"unread","delta":-2}`, func(t *testing.T, ev Event) {
			if ev.Unread.Delta == nil || *ev.Unread.Delta != -2 || ev.Unread.Total != nil {
				t.Errorf("got %+v", ev)
			}
		}},
		{`{"type":"booking.updated","id":1}`, func(t *testing.T, ev Event) {
			if ev.Type != EventUnknown || ev.RawType != "booking.updated" {
				t.Errorf("got %+v", ev)
			}
		}},
	}
	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			ev, err := NormalizeEvent([]byte(tt.raw))
			if err != nil {
				t.Fatal(err)
			}
			tt.check(t, ev)
		})
	}
}

func TestMergeMessage(t *testing.T) {
	at := time.Unix(1000, 0)
	cur := Message{ID: 2, ThreadID: 1, SenderID: 7, SenderName: "Ana", Body: "b", Kind: "image", Timestamp: at,
		Attachments: []Attachment{{URL: "u"}}}

	got := MergeMessage(cur, Message{ID: 2, Body: "b2", Kind: "text", Present: FieldID | FieldBody})
	if got.Body != "b2" || got.SenderID != 7 || got.SenderName != "Ana" || got.Kind != "image" ||
		!got.Timestamp.Equal(at) || len(got.Attachments) != 1 || got.ThreadID != 1 || got.Present != 0 {
		t.Errorf("partial merge = %+v", got)
	}

	got = MergeMessage(cur, Message{ID: 2, ThreadID: 1, Body: "c", Attachments: nil, Present: FieldID | FieldAttachments})
	if got.Body != "b" || len(got.Attachments) != 0 {
		t.Errorf("attachments merge = %+v", got)
	}

	// A complete message replaces, but never with a zero timestamp.
	got = MergeMessage(cur, Message{ID: 2, ThreadID: 1, Body: "d"})
	if got.Body != "d" || got.SenderID != 0 || !got.Timestamp.Equal(at) {
		t.Errorf("complete merge = %+v", got)
	}
}

func TestPersistableDropsPendingAndTruncates(t *testing.T) {
	base := time.Unix(1000, 0)
	msgs := []Message{
		{ID: 3, Timestamp: base.Add(3 * time.Second)},
		{ID: -1, Timestamp: base.Add(4 * time.Second), Status: StatusSending},
		{ID: 1, Timestamp: base.Add(1 * time.Second)},
		{ID: 5, Timestamp: base.Add(5 * time.Second), Status: StatusQueued},
		{ID: 2, Timestamp: base.Add(2 * time.Second), Status: StatusFailed},
		{ID: 0, Timestamp: base},
	}
	got := Persistable(msgs, 2)
	if len(got) != 2 {
		t.Fatalf("got %d, want 2", len(got))
	}
	if got[0].ID != 2 || got[1].ID != 3 {
		t.Errorf("got ids %d,%d want 2,3", got[0].ID, got[1].ID)
	}
}

func TestSortMessagesTieBreaksOnID(t *testing.T) {
	ts := time.Unix(1000, 0)
	msgs := []*Message{{ID: 3, Timestamp: ts}, {ID: 1, Timestamp: ts}, {ID: 2, Timestamp: ts.Add(-time.Second)}}
	SortMessages(msgs)
	if msgs[0].ID != 2 || msgs[1].ID != 1 || msgs[2].ID != 3 {
		t.Errorf("order = %d,%d,%d want 2,1,3", msgs[0].ID, msgs[1].ID, msgs[2].ID)
	}
}

func TestSortSummaries(t *testing.T) {
	ts := time.Unix(1000, 0)
	list := []*ThreadSummary{{ID: 1, LastMessageAt: ts}, {ID: 2, LastMessageAt: ts}, {ID: 3, LastMessageAt: ts.Add(time.Second)}}
	SortSummaries(list)
	if list[0].ID != 3 || list[1].ID != 2 || list[2].ID != 1 {
		t.Errorf("order = %d,%d,%d want 3,2,1", list[0].ID, list[1].ID, list[2].ID)
	}
}

func TestPreviewIsRuneSafe(t *testing.T) {
	body := strings.Repeat("é", 150)
	got := Preview(body)
	if n := len([]rune(got)); n != 100 {
		t.Errorf("preview runes = %d, want 100", n)
	}
}
