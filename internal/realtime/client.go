package realtime

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/tidwall/gjson"
	"go.uber.org/zap"

	"github.com/matheus3301/inbox/internal/bus"
	"github.com/matheus3301/inbox/internal/metrics"
	"github.com/matheus3301/inbox/internal/status"
)

const (
	DefaultHeartbeat        = 30 * time.Second
	DefaultMobileHeartbeat  = 60 * time.Second
	DefaultPresenceDebounce = 250 * time.Millisecond

	maxBackoff  = 30 * time.Second
	baseBackoff = time.Second
	writeWait   = 10 * time.Second
)

// Device classes negotiate different heartbeat intervals.
const (
	DeviceDesktop = "desktop"
	DeviceMobile  = "mobile"
)

// HeartbeatFor picks the heartbeat interval of a device class. Zero intervals
// fall back to the package defaults.
func HeartbeatFor(class string, desktop, mobile time.Duration) time.Duration {
	if class == DeviceMobile {
		if mobile <= 0 {
			return DefaultMobileHeartbeat
		}
		return mobile
	}
	if desktop <= 0 {
		return DefaultHeartbeat
	}
	return desktop
}

// DefaultAuthCloseCodes are the close codes that end the connection for good.
var DefaultAuthCloseCodes = []int{4401, 4403}

// ErrTerminal is passed to the error callback when the server rejects the
// credentials. No reconnect follows it.
var ErrTerminal = errors.New("realtime: authentication rejected")

// Backoff returns the reconnect delay after the given number of consecutive
// failed attempts: 1s, 2s, 4s, ... capped at 30s.
func Backoff(attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	if attempts > 6 {
		return maxBackoff
	}
	return min(maxBackoff, baseBackoff<<(attempts-1))
}

// Timer is a pending scheduled call.
type Timer interface {
	Stop() bool
}

// Options configures a Client.
type Options struct {
	URL    string
	Header http.Header
	Dialer *websocket.Dialer

	Heartbeat        time.Duration
	PresenceDebounce time.Duration
	AuthCloseCodes   []int

	// AfterFunc schedules reconnects and presence flushes. Defaults to
	// time.AfterFunc.
	AfterFunc func(d time.Duration, f func()) Timer
	// OnError is called after every unexpected close and once on a terminal
	// auth failure.
	OnError func(error)

	Machine *status.Machine
	Bus     *bus.Bus
	Logger  *zap.Logger
}

type handler struct {
	id int
	fn func([]byte)
}

// Client keeps one live socket to the realtime endpoint.
type Client struct {
	opts    Options
	machine *status.Machine
	logger  *zap.Logger

	mu        sync.Mutex
	conn      *websocket.Conn
	gen       uint64
	attempts  int
	reconnect Timer
	closed    bool
	ctx       context.Context

	visible       bool
	lastPresence  map[string]string
	pending       map[string]string
	presenceTimer Timer

	hmu      sync.Mutex
	handlers []handler
	nextID   int

	writeMu sync.Mutex
}

// New creates a Client. Nothing is dialed until Connect.
func New(opts Options) *Client {
	if opts.Dialer == nil {
		opts.Dialer = websocket.DefaultDialer
	}
	if opts.Heartbeat <= 0 {
		opts.Heartbeat = DefaultHeartbeat
	}
	if opts.PresenceDebounce <= 0 {
		opts.PresenceDebounce = DefaultPresenceDebounce
	}
	if len(opts.AuthCloseCodes) == 0 {
		opts.AuthCloseCodes = DefaultAuthCloseCodes
	}
	if opts.AfterFunc == nil {
		opts.AfterFunc = func(d time.Duration, f func()) Timer { return time.AfterFunc(d, f) }
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	m := opts.Machine
	if m == nil {
		m = status.NewMachine(opts.Bus)
	}
	return &Client{
		opts:         opts,
		machine:      m,
		logger:       opts.Logger,
		visible:      true,
		lastPresence: make(map[string]string),
		pending:      make(map[string]string),
		ctx:          context.Background(),
	}
}

// State returns the connection state.
func (c *Client) State() status.State {
	return c.machine.Current()
}

// Attempts returns the number of consecutive failed attempts.
func (c *Client) Attempts() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attempts
}

// AddHandler registers fn for every inbound frame that is not a protocol
// ping. It returns a function that removes the handler.
func (c *Client) AddHandler(fn func([]byte)) func() {
	c.hmu.Lock()
	id := c.nextID
	c.nextID++
	c.handlers = append(c.handlers, handler{id: id, fn: fn})
	c.hmu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			c.hmu.Lock()
			defer c.hmu.Unlock()
			c.handlers = slices.DeleteFunc(c.handlers, func(h handler) bool { return h.id == id })
		})
	}
}

// Connect clears any pending reconnect, closes a previous socket and dials.
// Later reconnects reuse ctx.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	c.ctx = ctx
	c.closed = false
	c.stopReconnectLocked()
	c.dropConnLocked()
	c.enterConnectingLocked()
	c.gen++
	gen := c.gen
	c.mu.Unlock()

	conn, resp, err := c.opts.Dialer.DialContext(ctx, c.opts.URL, c.opts.Header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}

	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		if conn != nil {
			_ = conn.Close()
		}
		return fmt.Errorf("realtime: connect superseded")
	}
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			c.terminateLocked()
			c.mu.Unlock()
			c.reportError(fmt.Errorf("%w: handshake status %d", ErrTerminal, resp.StatusCode))
			return ErrTerminal
		}
		c.to(status.Closed)
		if ctx.Err() != nil {
			c.mu.Unlock()
			return err
		}
		c.scheduleLocked(gen)
		c.mu.Unlock()
		c.reportError(fmt.Errorf("dial: %w", err))
		return err
	}

	c.conn = conn
	c.attempts = 0
	c.to(status.Open)
	metrics.RealtimeConnects.Inc()
	c.mu.Unlock()

	c.logger.Info("realtime connected", zap.String("url", c.opts.URL))
	go c.readLoop(conn, gen)
	c.sendHeartbeat()
	return nil
}

func (c *Client) enterConnectingLocked() {
	switch c.machine.Current() {
	case status.Terminal:
		c.to(status.Idle, status.Connecting)
	case status.Connecting:
		c.to(status.Closed, status.Connecting)
	default:
		c.to(status.Connecting)
	}
}

// dropConnLocked closes the current socket, if any, and invalidates its read
// goroutine.
func (c *Client) dropConnLocked() {
	if c.conn == nil {
		return
	}
	c.gen++
	if c.machine.Current() == status.Open {
		c.to(status.Closing)
	}
	// WriteControl and Close may run concurrently with a blocked Send.
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	_ = c.conn.Close()
	c.conn = nil
	c.to(status.Closed)
}

func (c *Client) readLoop(conn *websocket.Conn, gen uint64) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.handleClose(conn, gen, err)
			return
		}
		metrics.RealtimeFrames.WithLabelValues("in").Inc()
		if gjson.GetBytes(data, "type").String() == "ping" {
			c.Send(map[string]string{"type": "pong"})
			continue
		}
		c.dispatch(data)
	}
}

func (c *Client) dispatch(data []byte) {
	c.hmu.Lock()
	hs := make([]handler, len(c.handlers))
	copy(hs, c.handlers)
	c.hmu.Unlock()
	for _, h := range hs {
		h.fn(data)
	}
}

func (c *Client) handleClose(conn *websocket.Conn, gen uint64, err error) {
	// Force close so no half-open socket lingers.
	_ = conn.Close()

	c.mu.Lock()
	if gen != c.gen || c.closed {
		c.mu.Unlock()
		return
	}
	c.conn = nil
	c.to(status.Closed)

	var ce *websocket.CloseError
	if errors.As(err, &ce) && slices.Contains(c.opts.AuthCloseCodes, ce.Code) {
		c.terminateLocked()
		c.mu.Unlock()
		c.reportError(fmt.Errorf("%w: close code %d", ErrTerminal, ce.Code))
		return
	}
	c.scheduleLocked(gen)
	c.mu.Unlock()
	c.reportError(err)
}

func (c *Client) terminateLocked() {
	c.stopReconnectLocked()
	c.to(status.Terminal)
	metrics.RealtimeTerminal.Inc()
	c.logger.Warn("realtime stopped: authentication rejected")
}

func (c *Client) scheduleLocked(gen uint64) {
	c.stopReconnectLocked()
	c.attempts++
	delay := Backoff(c.attempts)
	c.to(status.ReconnectScheduled)
	metrics.RealtimeReconnects.Inc()
	c.logger.Info("realtime reconnect scheduled", zap.Int("attempt", c.attempts), zap.Duration("delay", delay))
	c.reconnect = c.opts.AfterFunc(delay, func() {
		c.mu.Lock()
		stale := gen != c.gen || c.closed || c.machine.Current() != status.ReconnectScheduled
		ctx := c.ctx
		c.mu.Unlock()
		if stale {
			return
		}
		_ = c.Connect(ctx)
	})
}

func (c *Client) stopReconnectLocked() {
	if c.reconnect != nil {
		c.reconnect.Stop()
		c.reconnect = nil
	}
}

func (c *Client) reportError(err error) {
	c.logger.Warn("realtime error", zap.Error(err))
	c.opts.Bus.Emit(bus.KindRealtimeError, err)
	if c.opts.OnError != nil {
		c.opts.OnError(err)
	}
}

// to walks the machine through states, logging instead of failing on an
// unexpected transition.
func (c *Client) to(states ...status.State) {
	if err := c.machine.Path(states...); err != nil {
		c.logger.Debug("realtime state", zap.Error(err))
	}
}

// Send writes v as a JSON text frame. It is a no-op returning false unless the
// socket is open.
func (c *Client) Send(v any) bool {
	c.mu.Lock()
	conn := c.conn
	open := conn != nil && c.machine.Current() == status.Open
	c.mu.Unlock()
	if !open {
		return false
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteJSON(v); err != nil {
		c.logger.Debug("realtime send failed", zap.Error(err))
		return false
	}
	metrics.RealtimeFrames.WithLabelValues("out").Inc()
	return true
}

// HeartbeatInterval is the interval negotiated for the current visibility.
func (c *Client) HeartbeatInterval() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.heartbeatLocked()
}

func (c *Client) heartbeatLocked() time.Duration {
	if !c.visible {
		return 2 * c.opts.Heartbeat
	}
	return c.opts.Heartbeat
}

func (c *Client) sendHeartbeat() {
	c.Send(heartbeatFrame{Type: "heartbeat", Interval: c.HeartbeatInterval().Milliseconds()})
}

type heartbeatFrame struct {
	Type     string `json:"type"`
	Interval int64  `json:"interval"`
}

type presenceFrame struct {
	Type    string            `json:"type"`
	Updates map[string]string `json:"updates"`
}

// SetVisible renegotiates the heartbeat: hidden doubles the interval. Coming
// back to the foreground also re-sends the last known presence.
func (c *Client) SetVisible(visible bool) {
	c.mu.Lock()
	if c.visible == visible {
		c.mu.Unlock()
		return
	}
	c.visible = visible
	var presence map[string]string
	if visible && len(c.lastPresence) > 0 {
		presence = make(map[string]string, len(c.lastPresence))
		for k, v := range c.lastPresence {
			presence[k] = v
		}
	}
	c.mu.Unlock()

	c.sendHeartbeat()
	if presence != nil {
		c.Send(presenceFrame{Type: "presence", Updates: presence})
	}
}

// UpdatePresence buffers a presence status for subject. Buffered updates are
// sent as one batch after the debounce delay; a later update for the same
// subject replaces the earlier one.
func (c *Client) UpdatePresence(subject, presence string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pending[subject] = presence
	c.lastPresence[subject] = presence
	if c.presenceTimer == nil {
		c.presenceTimer = c.opts.AfterFunc(c.opts.PresenceDebounce, c.flushPresence)
	}
}

func (c *Client) flushPresence() {
	c.mu.Lock()
	updates := c.pending
	c.pending = make(map[string]string)
	c.presenceTimer = nil
	c.mu.Unlock()
	if len(updates) == 0 {
		return
	}
	c.Send(presenceFrame{Type: "presence", Updates: updates})
}

// Close stops all timers and closes the socket with a normal closure. The
// client stays closed until the next Connect.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	c.stopReconnectLocked()
	if c.presenceTimer != nil {
		c.presenceTimer.Stop()
		c.presenceTimer = nil
	}
	if c.conn != nil {
		c.dropConnLocked()
		return
	}
	c.gen++
	switch c.machine.Current() {
	case status.ReconnectScheduled, status.Connecting:
		c.to(status.Closed)
	}
}
