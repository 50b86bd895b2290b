package remote

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/tidwall/gjson"
)

func newServer(t *testing.T, h http.HandlerFunc) (*httptest.Server, *Client) {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return srv, New(Options{BaseURL: srv.URL, Token: "secret"})
}

func TestThreadsSendsBearerAndNormalizes(t *testing.T) {
	_, c := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/threads" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer secret" {
			t.Errorf("Authorization = %q", got)
		}
		io.WriteString(w, `{"threads":[
			{"id":1,"unread_count":2,"last_message_content":"hi","last_message_id":10},
			{"threadId":2,"unreadCount":-3},
			{"name":"no id"}
		]}`)
	})

	list, err := c.Threads(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 2 {
		t.Fatalf("len = %d, want 2 (entry without id skipped)", len(list))
	}
	if list[0].ID != 1 || list[0].UnreadCount != 2 || list[0].LastMessagePreview != "hi" {
		t.Errorf("first = %+v", list[0])
	}
	if list[1].ID != 2 || list[1].UnreadCount != 0 {
		t.Errorf("second = %+v, want unread clamped to 0", list[1])
	}
}

func TestMessagesQuery(t *testing.T) {
	_, c := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/threads/7/messages" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if r.URL.Query().Get("limit") != "20" || r.URL.Query().Get("before") != "55" {
			t.Errorf("query = %s", r.URL.RawQuery)
		}
		io.WriteString(w, `[{"id":50,"content":"a","created_at":"2024-01-01T10:00:00Z"},{"id":51,"body":"b"}]`)
	})

	page, err := c.Messages(context.Background(), 7, 20, 55)
	if err != nil {
		t.Fatal(err)
	}
	if len(page) != 2 || page[0].ThreadID != 7 || page[0].Body != "a" || page[1].Body != "b" {
		t.Errorf("page = %+v", page)
	}
}

func TestUnreadCountETag(t *testing.T) {
	var calls atomic.Int32
	_, c := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		if r.Header.Get("If-None-Match") == `"v1"` {
			w.WriteHeader(http.StatusNotModified)
			return
		}
		w.Header().Set("ETag", `"v1"`)
		io.WriteString(w, `{"count":4}`)
	})

	first, err := c.UnreadCount(context.Background(), "")
	if err != nil {
		t.Fatal(err)
	}
	if first.Count != 4 || first.ETag != `"v1"` || first.NotModified {
		t.Errorf("first = %+v", first)
	}

	second, err := c.UnreadCount(context.Background(), first.ETag)
	if err != nil {
		t.Fatal(err)
	}
	if !second.NotModified || second.ETag != `"v1"` {
		t.Errorf("second = %+v, want not modified", second)
	}
	if calls.Load() != 2 {
		t.Errorf("calls = %d", calls.Load())
	}
}

func TestUnreadCountAliases(t *testing.T) {
	for _, body := range []string{`{"unread_count":3}`, `{"unreadCount":3}`, `{"total":3}`, `3`} {
		_, c := newServer(t, func(w http.ResponseWriter, r *http.Request) {
			io.WriteString(w, body)
		})
		res, err := c.UnreadCount(context.Background(), "")
		if err != nil {
			t.Fatalf("%s: %v", body, err)
		}
		if res.Count != 3 {
			t.Errorf("%s: count = %d", body, res.Count)
		}
	}
}

func TestMarkReadPostsAndReturnsServerUnread(t *testing.T) {
	_, c := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/api/threads/9/read" {
			t.Errorf("%s %s", r.Method, r.URL.Path)
		}
		b, _ := io.ReadAll(r.Body)
		if gjson.GetBytes(b, "last_read_message_id").Int() != 42 {
			t.Errorf("body = %s", b)
		}
		io.WriteString(w, `{"unread_count":1}`)
	})

	n, err := c.MarkRead(context.Background(), 9, 42)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("unread = %d, want 1", n)
	}
}

func TestMarkReadEmptyBody(t *testing.T) {
	_, c := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	n, err := c.MarkRead(context.Background(), 9, 0)
	if err != nil || n != 0 {
		t.Errorf("MarkRead() = %d, %v", n, err)
	}
}

func TestSendMessage(t *testing.T) {
	_, c := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		if gjson.GetBytes(b, "body").String() != "hello" || gjson.GetBytes(b, "client_id").String() != "c-1" {
			t.Errorf("body = %s", b)
		}
		io.WriteString(w, `{"message":{"id":100,"thread_id":3,"content":"hello"}}`)
	})

	m, err := c.SendMessage(context.Background(), 3, "hello", "c-1")
	if err != nil {
		t.Fatal(err)
	}
	if m.ID != 100 || m.ThreadID != 3 || m.ClientID != "c-1" || !m.FromMe {
		t.Errorf("message = %+v", m)
	}
}

func TestErrorKinds(t *testing.T) {
	srv, c := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.HasSuffix(r.URL.Path, "/threads"):
			http.Error(w, "nope", http.StatusUnauthorized)
		default:
			io.WriteString(w, `not json`)
		}
	})

	_, err := c.Threads(context.Background())
	if KindOf(err) != KindStatus || StatusOf(err) != 401 || !IsAuth(err) {
		t.Errorf("status error = %v", err)
	}

	_, err = c.Messages(context.Background(), 1, 0, 0)
	if KindOf(err) != KindDecode {
		t.Errorf("decode error = %v", err)
	}

	srv.Close()
	_, err = c.UnreadCount(context.Background(), "")
	if KindOf(err) != KindNetwork {
		t.Errorf("network error = %v", err)
	}
	var re *Error
	if !errors.As(err, &re) || re.Op != "unread_count" {
		t.Errorf("error op = %v", err)
	}
}

func TestBaseURLWithoutScheme(t *testing.T) {
	c := New(Options{BaseURL: "example.com:8080/"})
	if c.base != "http://example.com:8080" {
		t.Errorf("base = %q", c.base)
	}
}
