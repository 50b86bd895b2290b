package model

import (
	"slices"
	"time"
)

// LifecycleState is the booking lifecycle tag carried by a thread.
// Unknown tags from the server are kept verbatim.
type LifecycleState string

const (
	StateRequested LifecycleState = "requested"
	StateQuoted    LifecycleState = "quoted"
	StateConfirmed LifecycleState = "confirmed"
	StateCompleted LifecycleState = "completed"
	StateCancelled LifecycleState = "cancelled"
)

// MessageStatus is a client-only delivery status. The empty status means the
// message is a server-confirmed fact.
type MessageStatus string

const (
	StatusConfirmed MessageStatus = ""
	StatusQueued    MessageStatus = "queued"
	StatusSending   MessageStatus = "sending"
	StatusSent      MessageStatus = "sent"
	StatusFailed    MessageStatus = "failed"
)

// Pending reports whether the message is not yet a durable fact.
func (s MessageStatus) Pending() bool {
	return s == StatusQueued || s == StatusSending
}

// Counterparty is the other side of a conversation as shown in the list.
type Counterparty struct {
	DisplayName string `msgpack:"name"`
	AvatarURL   string `msgpack:"avatar"`
}

// ThreadSummary is the lightweight per-thread metadata used to render the
// conversation list.
type ThreadSummary struct {
	ID                 int64
	LastMessageID      int64
	LastMessageAt      time.Time
	LastMessagePreview string
	UnreadCount        int
	State              LifecycleState
	Counterparty       Counterparty

	// Realtime-only flags, never sent by the REST list endpoint.
	Typing         bool
	Presence       string
	LastPresenceAt time.Time
}

// Equal compares every field of two summaries.
func (s *ThreadSummary) Equal(o *ThreadSummary) bool {
	if s == nil || o == nil {
		return s == o
	}
	return s.ID == o.ID &&
		s.LastMessageID == o.LastMessageID &&
		s.LastMessageAt.Equal(o.LastMessageAt) &&
		s.LastMessagePreview == o.LastMessagePreview &&
		s.UnreadCount == o.UnreadCount &&
		s.State == o.State &&
		s.Counterparty == o.Counterparty &&
		s.Typing == o.Typing &&
		s.Presence == o.Presence &&
		s.LastPresenceAt.Equal(o.LastPresenceAt)
}

// SummaryPatch is a partial update for a ThreadSummary. Nil fields are left
// untouched.
type SummaryPatch struct {
	LastMessageID      *int64
	LastMessageAt      *time.Time
	LastMessagePreview *string
	UnreadCount        *int
	State              *LifecycleState
	Counterparty       *Counterparty
	Typing             *bool
	Presence           *string
	LastPresenceAt     *time.Time
}

// Apply returns a copy of s with the patch applied.
func (p SummaryPatch) Apply(s ThreadSummary) ThreadSummary {
	if p.LastMessageID != nil {
		s.LastMessageID = *p.LastMessageID
	}
	if p.LastMessageAt != nil {
		s.LastMessageAt = *p.LastMessageAt
	}
	if p.LastMessagePreview != nil {
		s.LastMessagePreview = *p.LastMessagePreview
	}
	if p.UnreadCount != nil {
		s.UnreadCount = max(0, *p.UnreadCount)
	}
	if p.State != nil {
		s.State = *p.State
	}
	if p.Counterparty != nil {
		s.Counterparty = *p.Counterparty
	}
	if p.Typing != nil {
		s.Typing = *p.Typing
	}
	if p.Presence != nil {
		s.Presence = *p.Presence
	}
	if p.LastPresenceAt != nil {
		s.LastPresenceAt = *p.LastPresenceAt
	}
	return s
}

// Attachment is a file attached to a message.
type Attachment struct {
	URL      string `msgpack:"url"`
	MimeType string `msgpack:"mime"`
	Name     string `msgpack:"name"`
}

// Message is one entry of a thread.
type Message struct {
	ID          int64         `msgpack:"id"`
	ThreadID    int64         `msgpack:"thread_id"`
	ClientID    string        `msgpack:"client_id,omitempty"`
	SenderID    int64         `msgpack:"sender_id"`
	SenderName  string        `msgpack:"sender_name"`
	FromMe      bool          `msgpack:"from_me"`
	Body        string        `msgpack:"body"`
	Kind        string        `msgpack:"kind"`
	Attachments []Attachment  `msgpack:"attachments,omitempty"`
	Timestamp   time.Time     `msgpack:"ts"`
	Status      MessageStatus `msgpack:"status,omitempty"`

	// Present lists the fields a wire payload actually carried. Zero means
	// the message is complete.
	Present MessageField `msgpack:"-"`
}

// MessageField flags one wire-level field of a Message.
type MessageField uint16

const (
	FieldID MessageField = 1 << iota
	FieldClientID
	FieldSenderID
	FieldSenderName
	FieldFromMe
	FieldBody
	FieldKind
	FieldAttachments
	FieldTimestamp
)

// MergeMessage applies the fields present in next onto cur. A complete next
// replaces cur, except that a zero timestamp keeps the known one.
func MergeMessage(cur, next Message) Message {
	if next.Present == 0 {
		if next.Timestamp.IsZero() {
			next.Timestamp = cur.Timestamp
		}
		return next
	}
	out := cur
	out.ID = next.ID
	if next.ThreadID != 0 {
		out.ThreadID = next.ThreadID
	}
	if next.Present&FieldClientID != 0 {
		out.ClientID = next.ClientID
	}
	if next.Present&FieldSenderID != 0 {
		out.SenderID = next.SenderID
	}
	if next.Present&FieldSenderName != 0 {
		out.SenderName = next.SenderName
	}
	if next.Present&FieldFromMe != 0 {
		out.FromMe = next.FromMe
	}
	if next.Present&FieldBody != 0 {
		out.Body = next.Body
	}
	if next.Present&FieldKind != 0 {
		out.Kind = next.Kind
	}
	if next.Present&FieldAttachments != 0 {
		out.Attachments = next.Attachments
	}
	if next.Present&FieldTimestamp != 0 && !next.Timestamp.IsZero() {
		out.Timestamp = next.Timestamp
	}
	out.Status = next.Status
	out.Present = 0
	return out
}

// Confirmed reports whether the message carries a server id.
func (m *Message) Confirmed() bool {
	return m.ID > 0 && !m.Status.Pending()
}

// SameContent is the cheap no-op check used by the projection: only the id and
// the textual body are compared. Attachment-only edits are not detected.
func SameContent(a, b *Message) bool {
	return a.ID == b.ID && a.Body == b.Body
}

// ThreadRecord is the persisted snapshot of one thread.
type ThreadRecord struct {
	ThreadID      int64
	Messages      []Message
	UpdatedAt     time.Time
	LastMessageID int64
	Count         int
}

// UnreadEvent adjusts or overrides the server unread total. Exactly one of
// Delta and Total is expected to be set.
type UnreadEvent struct {
	Delta *int
	Total *int
}

// VisibilityEvent reports a foreground/background transition of the client.
type VisibilityEvent struct {
	Visible bool
}

// SortMessages orders messages by (timestamp asc, id asc).
func SortMessages(msgs []*Message) {
	slices.SortStableFunc(msgs, compareMessages)
}

func compareMessages(a, b *Message) int {
	if c := a.Timestamp.Compare(b.Timestamp); c != 0 {
		return c
	}
	switch {
	case a.ID < b.ID:
		return -1
	case a.ID > b.ID:
		return 1
	}
	return 0
}

// SortSummaries orders summaries by (last message timestamp desc, id desc).
func SortSummaries(list []*ThreadSummary) {
	slices.SortStableFunc(list, func(a, b *ThreadSummary) int {
		if c := b.LastMessageAt.Compare(a.LastMessageAt); c != 0 {
			return c
		}
		switch {
		case a.ID > b.ID:
			return -1
		case a.ID < b.ID:
			return 1
		}
		return 0
	})
}

// Persistable returns the subset of msgs that may be written to storage:
// pending client-only messages and messages without a positive id are
// dropped, the rest is ordered and truncated to the most recent limit.
func Persistable(msgs []Message, limit int) []Message {
	out := make([]*Message, 0, len(msgs))
	for i := range msgs {
		m := &msgs[i]
		if m.ID <= 0 || m.Status.Pending() {
			continue
		}
		out = append(out, m)
	}
	SortMessages(out)
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	res := make([]Message, len(out))
	for i, m := range out {
		res[i] = *m
	}
	return res
}

const previewRunes = 100

// Preview truncates a message body for the conversation list.
func Preview(body string) string {
	r := []rune(body)
	if len(r) <= previewRunes {
		return body
	}
	return string(r[:previewRunes])
}
