package api

import (
	"errors"
	"fmt"
	"time"

	"google.golang.org/protobuf/types/known/structpb"

	"github.com/matheus3301/inbox/internal/cache"
	"github.com/matheus3301/inbox/internal/model"
	"github.com/matheus3301/inbox/internal/outbox"
	"github.com/matheus3301/inbox/internal/status"
)

func unixMs(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func summaryFields(s *model.ThreadSummary) map[string]any {
	return map[string]any{
		"id":                      s.ID,
		"last_message_id":         s.LastMessageID,
		"last_message_at_unix_ms": unixMs(s.LastMessageAt),
		"last_message_preview":    s.LastMessagePreview,
		"unread_count":            s.UnreadCount,
		"state":                   string(s.State),
		"counterparty": map[string]any{
			"display_name": s.Counterparty.DisplayName,
			"avatar_url":   s.Counterparty.AvatarURL,
		},
		"typing":   s.Typing,
		"presence": s.Presence,
	}
}

func messageFields(m *model.Message) map[string]any {
	attachments := make([]any, 0, len(m.Attachments))
	for _, a := range m.Attachments {
		attachments = append(attachments, map[string]any{
			"url":       a.URL,
			"mime_type": a.MimeType,
			"name":      a.Name,
		})
	}
	return map[string]any{
		"id":                m.ID,
		"thread_id":         m.ThreadID,
		"client_id":         m.ClientID,
		"sender_id":         m.SenderID,
		"sender_name":       m.SenderName,
		"from_me":           m.FromMe,
		"body":              m.Body,
		"kind":              m.Kind,
		"attachments":       attachments,
		"timestamp_unix_ms": unixMs(m.Timestamp),
		"status":            string(m.Status),
	}
}

func summaryList(list []*model.ThreadSummary) []any {
	out := make([]any, 0, len(list))
	for _, s := range list {
		out = append(out, summaryFields(s))
	}
	return out
}

func messageList(list []*model.Message) []any {
	out := make([]any, 0, len(list))
	for _, m := range list {
		out = append(out, messageFields(m))
	}
	return out
}

// payloadFields flattens a bus payload into something structpb accepts.
func payloadFields(p any) map[string]any {
	switch v := p.(type) {
	case nil:
		return nil
	case cache.Change:
		return map[string]any{"kind": string(v.Kind), "thread_id": v.ThreadID}
	case status.StatusChange:
		return map[string]any{"from": string(v.From), "to": string(v.To)}
	case outbox.Result:
		return map[string]any{
			"client_id":  v.ClientID,
			"thread_id":  v.ThreadID,
			"message_id": v.MessageID,
			"error":      v.Error,
		}
	case model.Message:
		return messageFields(&v)
	case model.UnreadEvent:
		out := map[string]any{}
		if v.Delta != nil {
			out["delta"] = *v.Delta
		}
		if v.Total != nil {
			out["total"] = *v.Total
		}
		return out
	case model.VisibilityEvent:
		return map[string]any{"visible": v.Visible}
	case int:
		return map[string]any{"count": v}
	case error:
		return map[string]any{"error": v.Error()}
	default:
		return map[string]any{"value": fmt.Sprint(v)}
	}
}

func number(s *structpb.Struct, key string) int64 {
	return int64(s.GetFields()[key].GetNumberValue())
}

func threadID(s *structpb.Struct) (int64, error) {
	id := number(s, "thread_id")
	if id <= 0 {
		return 0, errors.New("thread_id must be positive")
	}
	return id, nil
}
