package model

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/tidwall/gjson"
)

// ErrMissingID is returned when a payload carries no usable identifier.
var ErrMissingID = errors.New("payload has no id")

// Wire field aliases. The server has shipped several spellings over time;
// they are resolved here once so the merge logic only sees strict types.
var (
	threadIDPaths      = []string{"id", "thread_id", "threadId"}
	lastMsgIDPaths     = []string{"last_message_id", "lastMessageId", "last_message.id"}
	lastMsgAtPaths     = []string{"last_message_timestamp", "last_message_at", "lastMessageAt", "last_message.created_at"}
	previewPaths       = []string{"last_message_preview", "last_message.content", "last_message_content", "preview"}
	unreadPaths        = []string{"unread_count", "unreadCount", "unread"}
	statePaths         = []string{"state", "status", "booking_status"}
	displayNamePaths   = []string{"counterparty.display_name", "counterparty.name", "counterparty_name", "other_party_name"}
	avatarPaths        = []string{"counterparty.avatar_url", "counterparty.avatar", "counterparty_avatar", "other_party_avatar"}
	msgIDPaths         = []string{"id", "message_id", "messageId"}
	msgThreadPaths     = []string{"thread_id", "threadId", "conversation_id", "conversationId"}
	msgBodyPaths       = []string{"content", "body", "text"}
	msgTimePaths       = []string{"created_at", "timestamp", "createdAt", "sent_at"}
	senderIDPaths      = []string{"sender_id", "senderId", "from", "sender.id"}
	senderNamePaths    = []string{"sender_name", "senderName", "sender.display_name", "sender.name"}
	fromMePaths        = []string{"from_me", "fromMe", "is_mine", "mine"}
	kindPaths          = []string{"kind", "message_type", "type"}
	frameKindPaths     = []string{"kind", "message_type"} // "type" names the event in a flat frame
	clientIDPaths      = []string{"client_id", "clientId", "client_msg_id"}
	listContainerPaths = []string{"threads", "messages", "results", "data", "items"}
)

func first(r gjson.Result, paths []string) gjson.Result {
	for _, p := range paths {
		if v := r.Get(p); v.Exists() && v.Type != gjson.Null {
			return v
		}
	}
	return gjson.Result{}
}

func intOf(r gjson.Result) int64 {
	switch r.Type {
	case gjson.Number:
		return r.Int()
	case gjson.String:
		n, err := strconv.ParseInt(r.Str, 10, 64)
		if err != nil {
			return 0
		}
		return n
	}
	return 0
}

// ParseTimestamp accepts RFC3339 strings, unix seconds and unix milliseconds.
func ParseTimestamp(r gjson.Result) time.Time {
	switch r.Type {
	case gjson.String:
		if t, err := time.Parse(time.RFC3339Nano, r.Str); err == nil {
			return t.UTC()
		}
		if n, err := strconv.ParseInt(r.Str, 10, 64); err == nil {
			return unixAuto(n)
		}
	case gjson.Number:
		return unixAuto(r.Int())
	}
	return time.Time{}
}

func unixAuto(n int64) time.Time {
	if n <= 0 {
		return time.Time{}
	}
	if n > 1e12 {
		return time.UnixMilli(n).UTC()
	}
	return time.Unix(n, 0).UTC()
}

func listOf(raw []byte) ([]gjson.Result, error) {
	if !gjson.ValidBytes(raw) {
		return nil, fmt.Errorf("invalid json")
	}
	root := gjson.ParseBytes(raw)
	if root.IsArray() {
		return root.Array(), nil
	}
	for _, p := range listContainerPaths {
		if v := root.Get(p); v.IsArray() {
			return v.Array(), nil
		}
	}
	return nil, fmt.Errorf("no list in payload")
}

// NormalizeSummary maps one raw thread payload into a ThreadSummary.
func NormalizeSummary(raw []byte) (ThreadSummary, error) {
	if !gjson.ValidBytes(raw) {
		return ThreadSummary{}, fmt.Errorf("invalid json")
	}
	return summaryFrom(gjson.ParseBytes(raw))
}

// NormalizeSummaries maps a thread list payload. Entries without an id are
// skipped.
func NormalizeSummaries(raw []byte) ([]ThreadSummary, error) {
	items, err := listOf(raw)
	if err != nil {
		return nil, err
	}
	out := make([]ThreadSummary, 0, len(items))
	for _, it := range items {
		s, err := summaryFrom(it)
		if err != nil {
			continue
		}
		out = append(out, s)
	}
	return out, nil
}

func summaryFrom(r gjson.Result) (ThreadSummary, error) {
	id := intOf(first(r, threadIDPaths))
	if id <= 0 {
		return ThreadSummary{}, ErrMissingID
	}
	return ThreadSummary{
		ID:                 id,
		LastMessageID:      intOf(first(r, lastMsgIDPaths)),
		LastMessageAt:      ParseTimestamp(first(r, lastMsgAtPaths)),
		LastMessagePreview: Preview(first(r, previewPaths).String()),
		UnreadCount:        int(max(0, intOf(first(r, unreadPaths)))),
		State:              LifecycleState(first(r, statePaths).String()),
		Counterparty: Counterparty{
			DisplayName: first(r, displayNamePaths).String(),
			AvatarURL:   first(r, avatarPaths).String(),
		},
	}, nil
}

// NormalizeMessage maps one raw message payload. threadID is used when the
// payload does not name its thread.
func NormalizeMessage(raw []byte, threadID int64) (Message, error) {
	if !gjson.ValidBytes(raw) {
		return Message{}, fmt.Errorf("invalid json")
	}
	return messageFrom(gjson.ParseBytes(raw), threadID, kindPaths)
}

// NormalizeMessages maps a message page payload.
func NormalizeMessages(raw []byte, threadID int64) ([]Message, error) {
	items, err := listOf(raw)
	if err != nil {
		return nil, err
	}
	out := make([]Message, 0, len(items))
	for _, it := range items {
		m, err := messageFrom(it, threadID, kindPaths)
		if err != nil {
			continue
		}
		out = append(out, m)
	}
	return out, nil
}

func messageFrom(r gjson.Result, threadID int64, kinds []string) (Message, error) {
	id := intOf(first(r, msgIDPaths))
	if id == 0 {
		return Message{}, ErrMissingID
	}
	if tid := intOf(first(r, msgThreadPaths)); tid > 0 {
		threadID = tid
	}
	if threadID <= 0 {
		return Message{}, fmt.Errorf("message %d: %w", id, ErrMissingID)
	}
	m := Message{ID: id, ThreadID: threadID, Kind: "text", Present: FieldID}
	field := func(paths []string, f MessageField) gjson.Result {
		v := first(r, paths)
		if v.Exists() {
			m.Present |= f
		}
		return v
	}
	m.ClientID = field(clientIDPaths, FieldClientID).String()
	m.SenderID = intOf(field(senderIDPaths, FieldSenderID))
	m.SenderName = field(senderNamePaths, FieldSenderName).String()
	m.FromMe = field(fromMePaths, FieldFromMe).Bool()
	m.Body = field(msgBodyPaths, FieldBody).String()
	if k := field(kinds, FieldKind).String(); k != "" {
		m.Kind = k
	}
	m.Timestamp = ParseTimestamp(field(msgTimePaths, FieldTimestamp))
	if att := r.Get("attachments"); att.Exists() {
		m.Present |= FieldAttachments
		for _, a := range att.Array() {
			m.Attachments = append(m.Attachments, Attachment{
				URL:      first(a, []string{"url", "file_url"}).String(),
				MimeType: first(a, []string{"mime_type", "mimeType", "content_type"}).String(),
				Name:     first(a, []string{"name", "filename"}).String(),
			})
		}
	}
	return m, nil
}

// EventType names the realtime domain events the engine understands.
type EventType string

const (
	EventMessage        EventType = "message"
	EventMessageUpdated EventType = "message.updated"
	EventThread         EventType = "thread"
	EventTyping         EventType = "typing"
	EventPresence       EventType = "presence"
	EventRead           EventType = "read"
	EventUnread         EventType = "unread"
	EventUnknown        EventType = ""
)

var eventAliases = map[string]EventType{
	"message":         EventMessage,
	"message.new":     EventMessage,
	"new_message":     EventMessage,
	"message.updated": EventMessageUpdated,
	"message.edit":    EventMessageUpdated,
	"thread":          EventThread,
	"thread.updated":  EventThread,
	"typing":          EventTyping,
	"presence":        EventPresence,
	"read":            EventRead,
	"read_receipt":    EventRead,
	"unread":          EventUnread,
	"inbox:unread":    EventUnread,
}

// Event is a normalized realtime domain event.
type Event struct {
	Type     EventType
	RawType  string
	ThreadID int64

	Message *Message
	Summary *ThreadSummary

	Typing   bool
	Subject  string
	Presence string
	At       time.Time

	UnreadCount int
	Unread      UnreadEvent
}

// NormalizeEvent maps one inbound realtime frame. Unknown types are returned
// with Type EventUnknown and no error.
func NormalizeEvent(raw []byte) (Event, error) {
	if !gjson.ValidBytes(raw) {
		return Event{}, fmt.Errorf("invalid json")
	}
	root := gjson.ParseBytes(raw)
	ev := Event{RawType: root.Get("type").String()}
	ev.Type = eventAliases[ev.RawType]
	ev.ThreadID = intOf(first(root, msgThreadPaths))
	ev.At = ParseTimestamp(first(root, []string{"at", "timestamp"}))

	body := first(root, []string{"data", "payload"})
	if !body.Exists() {
		body = root
	}

	switch ev.Type {
	case EventMessage, EventMessageUpdated:
		src := first(body, []string{"message"})
		kinds := kindPaths
		if !src.Exists() {
			src = body
			if body.Raw == root.Raw {
				kinds = frameKindPaths
			}
		}
		m, err := messageFrom(src, ev.ThreadID, kinds)
		if err != nil {
			return ev, fmt.Errorf("%s event: %w", ev.RawType, err)
		}
		ev.Message = &m
		ev.ThreadID = m.ThreadID
	case EventThread:
		src := first(body, []string{"thread"})
		if !src.Exists() {
			src = body
		}
		s, err := summaryFrom(src)
		if err != nil {
			return ev, fmt.Errorf("%s event: %w", ev.RawType, err)
		}
		ev.Summary = &s
		ev.ThreadID = s.ID
	case EventTyping:
		if ev.ThreadID == 0 {
			ev.ThreadID = intOf(first(body, msgThreadPaths))
		}
		t := first(body, []string{"typing", "is_typing"})
		ev.Typing = !t.Exists() || t.Bool()
	case EventPresence:
		if ev.ThreadID == 0 {
			ev.ThreadID = intOf(first(body, msgThreadPaths))
		}
		ev.Subject = first(body, []string{"user_id", "subject", "userId"}).String()
		ev.Presence = first(body, []string{"status", "presence"}).String()
	case EventRead:
		if ev.ThreadID == 0 {
			ev.ThreadID = intOf(first(body, msgThreadPaths))
		}
		ev.UnreadCount = int(max(0, intOf(first(body, unreadPaths))))
	case EventUnread:
		if d := first(body, []string{"delta"}); d.Exists() {
			n := int(d.Int())
			ev.Unread.Delta = &n
		}
		if t := first(body, []string{"total"}); t.Exists() {
			n := int(max(0, t.Int()))
			ev.Unread.Total = &n
		}
	}
	return ev, nil
}
