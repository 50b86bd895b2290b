// Package remote talks to the messaging REST endpoints. Responses are passed
// through the model normalizers so callers only ever see canonical types.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/gjson"
	"go.uber.org/zap"

	"github.com/matheus3301/inbox/internal/model"
)

const (
	DefaultTimeout = 15 * time.Second

	maxBody = 8 << 20
)

// Options configures a Client.
type Options struct {
	BaseURL    string
	Token      string
	Timeout    time.Duration
	HTTPClient *http.Client
	Logger     *zap.Logger
}

// Client is a REST client for the thread, message and unread endpoints.
type Client struct {
	base   string
	token  string
	http   *http.Client
	logger *zap.Logger
}

// New creates a Client. A base URL without a scheme is treated as http.
func New(opts Options) *Client {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	hc := opts.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: opts.Timeout}
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Client{
		base:   normalizeBase(opts.BaseURL),
		token:  opts.Token,
		http:   hc,
		logger: opts.Logger,
	}
}

func normalizeBase(addr string) string {
	if !strings.HasPrefix(addr, "http://") && !strings.HasPrefix(addr, "https://") {
		addr = "http://" + addr
	}
	return strings.TrimRight(addr, "/")
}

// Threads fetches the conversation list.
func (c *Client) Threads(ctx context.Context) ([]model.ThreadSummary, error) {
	const op = "threads"
	body, _, err := c.do(ctx, op, http.MethodGet, "/api/threads", nil, nil)
	if err != nil {
		return nil, err
	}
	list, err := model.NormalizeSummaries(body)
	if err != nil {
		return nil, &Error{Kind: KindDecode, Op: op, Err: err}
	}
	return list, nil
}

// Messages fetches one page of a thread. beforeID 0 means the newest page.
func (c *Client) Messages(ctx context.Context, threadID int64, limit int, beforeID int64) ([]model.Message, error) {
	const op = "messages"
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if beforeID > 0 {
		q.Set("before", strconv.FormatInt(beforeID, 10))
	}
	path := fmt.Sprintf("/api/threads/%d/messages", threadID)
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	body, _, err := c.do(ctx, op, http.MethodGet, path, nil, nil)
	if err != nil {
		return nil, err
	}
	page, err := model.NormalizeMessages(body, threadID)
	if err != nil {
		return nil, &Error{Kind: KindDecode, Op: op, Err: err}
	}
	return page, nil
}

// UnreadResult is the answer of the unread-count endpoint.
type UnreadResult struct {
	Count       int
	ETag        string
	NotModified bool
}

var unreadCountPaths = []string{"count", "unread_count", "unreadCount", "unread", "total"}

// UnreadCount fetches the server unread total. A non-empty etag is sent as
// If-None-Match; a 304 answer returns NotModified with the same tag.
func (c *Client) UnreadCount(ctx context.Context, etag string) (UnreadResult, error) {
	const op = "unread_count"
	h := http.Header{}
	if etag != "" {
		h.Set("If-None-Match", etag)
	}
	body, resp, err := c.do(ctx, op, http.MethodGet, "/api/unread-count", nil, h)
	if err != nil {
		return UnreadResult{}, err
	}
	if resp.StatusCode == http.StatusNotModified {
		return UnreadResult{ETag: etag, NotModified: true}, nil
	}
	if !gjson.ValidBytes(body) {
		return UnreadResult{}, &Error{Kind: KindDecode, Op: op, Err: fmt.Errorf("invalid json")}
	}
	root := gjson.ParseBytes(body)
	var n gjson.Result
	if root.Type == gjson.Number {
		n = root
	} else {
		for _, p := range unreadCountPaths {
			if v := root.Get(p); v.Exists() {
				n = v
				break
			}
		}
	}
	if !n.Exists() {
		return UnreadResult{}, &Error{Kind: KindDecode, Op: op, Err: fmt.Errorf("no count in payload")}
	}
	return UnreadResult{
		Count: int(max(0, n.Int())),
		ETag:  resp.Header.Get("ETag"),
	}, nil
}

// MarkRead tells the server the thread has been read up to lastReadID and
// returns the unread count the server reports for it afterwards.
func (c *Client) MarkRead(ctx context.Context, threadID, lastReadID int64) (int, error) {
	const op = "mark_read"
	payload := map[string]int64{}
	if lastReadID > 0 {
		payload["last_read_message_id"] = lastReadID
	}
	body, _, err := c.do(ctx, op, http.MethodPost, fmt.Sprintf("/api/threads/%d/read", threadID), payload, nil)
	if err != nil {
		return 0, err
	}
	if len(bytes.TrimSpace(body)) == 0 || !gjson.ValidBytes(body) {
		return 0, nil
	}
	root := gjson.ParseBytes(body)
	for _, p := range unreadCountPaths[1:] {
		if v := root.Get(p); v.Exists() {
			return int(max(0, v.Int())), nil
		}
	}
	return 0, nil
}

type sendRequest struct {
	Body     string `json:"body"`
	ClientID string `json:"client_id,omitempty"`
}

// SendMessage posts a text message and returns the server's copy of it.
func (c *Client) SendMessage(ctx context.Context, threadID int64, text, clientID string) (model.Message, error) {
	const op = "send_message"
	body, _, err := c.do(ctx, op, http.MethodPost, fmt.Sprintf("/api/threads/%d/messages", threadID),
		sendRequest{Body: text, ClientID: clientID}, nil)
	if err != nil {
		return model.Message{}, err
	}
	raw := body
	if v := gjson.GetBytes(body, "message"); v.IsObject() {
		raw = []byte(v.Raw)
	} else if v := gjson.GetBytes(body, "data"); v.IsObject() {
		raw = []byte(v.Raw)
	}
	m, err := model.NormalizeMessage(raw, threadID)
	if err != nil {
		return model.Message{}, &Error{Kind: KindDecode, Op: op, Err: err}
	}
	if m.ClientID == "" {
		m.ClientID = clientID
	}
	m.FromMe = true
	return m, nil
}

func (c *Client) do(ctx context.Context, op, method, path string, payload any, h http.Header) ([]byte, *http.Response, error) {
	var rd io.Reader
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, nil, &Error{Kind: KindDecode, Op: op, Err: err}
		}
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, rd)
	if err != nil {
		return nil, nil, &Error{Kind: KindNetwork, Op: op, Err: err}
	}
	for k, vs := range h {
		req.Header[k] = vs
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, nil, &Error{Kind: KindNetwork, Op: op, Err: err}
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return nil, resp, &Error{Kind: KindNetwork, Op: op, Err: err}
	}
	c.logger.Debug("rest call",
		zap.String("op", op),
		zap.Int("status", resp.StatusCode),
		zap.Duration("took", time.Since(start)),
	)
	if resp.StatusCode == http.StatusNotModified {
		return nil, resp, nil
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return body, resp, &Error{Kind: KindStatus, Op: op, Status: resp.StatusCode}
	}
	return body, resp, nil
}
