package outbox

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/matheus3301/inbox/internal/bus"
	"github.com/matheus3301/inbox/internal/cache"
	"github.com/matheus3301/inbox/internal/metrics"
	"github.com/matheus3301/inbox/internal/model"
)

const DefaultInterval = 500 * time.Millisecond

var (
	ErrEmptyBody = errors.New("outbox: empty message body")
	ErrNotFound  = errors.New("outbox: unknown client id")
	ErrNotFailed = errors.New("outbox: message has not failed")
)

// MessageSender delivers a text message and returns the server's copy.
type MessageSender interface {
	SendMessage(ctx context.Context, threadID int64, text, clientID string) (model.Message, error)
}

// Result is the payload of send_ack and send_failed events.
type Result struct {
	ClientID  string
	ThreadID  int64
	MessageID int64
	Error     string
}

type entry struct {
	clientID string
	threadID int64
	tempID   int64
	body     string
	status   model.MessageStatus
	err      string
}

// Sender shows outgoing messages immediately as optimistic entries of the
// projection and delivers them in the background.
type Sender struct {
	cache    *cache.Store
	sender   MessageSender
	bus      *bus.Bus
	logger   *zap.Logger
	now      func() time.Time
	interval time.Duration

	mu       sync.Mutex
	entries  map[string]*entry
	queue    []string
	nextTemp int64

	cancel context.CancelFunc
	done   chan struct{}
}

// NewSender creates a new outbox sender.
func NewSender(c *cache.Store, sender MessageSender, b *bus.Bus, logger *zap.Logger) *Sender {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sender{
		cache:    c,
		sender:   sender,
		bus:      b,
		logger:   logger,
		now:      time.Now,
		interval: DefaultInterval,
		entries:  make(map[string]*entry),
	}
}

// Queue inserts an optimistic message with a negative temporary id and
// returns its client id. The message stays out of persistence until the
// server confirms it.
func (s *Sender) Queue(threadID int64, body string) (string, error) {
	if strings.TrimSpace(body) == "" {
		return "", ErrEmptyBody
	}
	s.mu.Lock()
	s.nextTemp--
	e := &entry{
		clientID: uuid.NewString(),
		threadID: threadID,
		tempID:   s.nextTemp,
		body:     body,
		status:   model.StatusQueued,
	}
	s.entries[e.clientID] = e
	s.queue = append(s.queue, e.clientID)
	s.mu.Unlock()

	s.cache.UpsertMessage(model.Message{
		ID:        e.tempID,
		ThreadID:  threadID,
		ClientID:  e.clientID,
		FromMe:    true,
		Body:      body,
		Kind:      "text",
		Timestamp: s.now(),
		Status:    model.StatusQueued,
	})
	metrics.OutboxSends.WithLabelValues("queued").Inc()
	return e.clientID, nil
}

// Retry requeues a failed send.
func (s *Sender) Retry(clientID string) error {
	s.mu.Lock()
	e, ok := s.entries[clientID]
	if !ok {
		s.mu.Unlock()
		return ErrNotFound
	}
	if e.status != model.StatusFailed {
		s.mu.Unlock()
		return ErrNotFailed
	}
	e.status = model.StatusQueued
	e.err = ""
	s.queue = append(s.queue, clientID)
	s.mu.Unlock()

	s.cache.SetStatus(e.threadID, e.tempID, model.StatusQueued)
	return nil
}

// Status returns the delivery status of a send that has not been confirmed.
func (s *Sender) Status(clientID string) (model.MessageStatus, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[clientID]
	if !ok {
		return "", false
	}
	return e.status, true
}

// Start begins draining the queue.
func (s *Sender) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})
	go s.loop(ctx)
}

// Stop stops the sender loop.
func (s *Sender) Stop() {
	if s.cancel != nil {
		s.cancel()
		<-s.done
	}
}

func (s *Sender) loop(ctx context.Context) {
	defer close(s.done)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.processPending(ctx)
		case <-ctx.Done():
			return
		}
	}
}

func (s *Sender) processPending(ctx context.Context) {
	s.mu.Lock()
	ids := s.queue
	s.queue = nil
	s.mu.Unlock()

	for _, id := range ids {
		if ctx.Err() != nil {
			s.requeue(ids)
			return
		}
		s.send(ctx, id)
	}
}

// requeue puts back every id that is still queued, keeping order.
func (s *Sender) requeue(ids []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var keep []string
	for _, id := range ids {
		if e, ok := s.entries[id]; ok && e.status == model.StatusQueued {
			keep = append(keep, id)
		}
	}
	s.queue = append(keep, s.queue...)
}

func (s *Sender) send(ctx context.Context, clientID string) {
	s.mu.Lock()
	e, ok := s.entries[clientID]
	if !ok || e.status != model.StatusQueued {
		s.mu.Unlock()
		return
	}
	e.status = model.StatusSending
	threadID, tempID, body := e.threadID, e.tempID, e.body
	s.mu.Unlock()

	s.cache.SetStatus(threadID, tempID, model.StatusSending)

	msg, err := s.sender.SendMessage(ctx, threadID, body, clientID)
	if err != nil {
		s.logger.Error("failed to send message", zap.Error(err), zap.String("client_id", clientID))
		s.mu.Lock()
		e.status = model.StatusFailed
		e.err = err.Error()
		s.mu.Unlock()
		s.cache.SetStatus(threadID, tempID, model.StatusFailed)
		metrics.OutboxSends.WithLabelValues("failed").Inc()
		s.bus.Emit(bus.KindSendFailed, Result{ClientID: clientID, ThreadID: threadID, Error: err.Error()})
		return
	}

	s.mu.Lock()
	delete(s.entries, clientID)
	s.mu.Unlock()

	msg.ThreadID = threadID
	msg.ClientID = clientID
	msg.FromMe = true
	msg.Status = model.StatusConfirmed
	if msg.Timestamp.IsZero() {
		msg.Timestamp = s.now()
	}
	s.cache.ConfirmMessage(threadID, tempID, msg)
	metrics.OutboxSends.WithLabelValues("sent").Inc()

	s.logger.Info("message sent", zap.String("client_id", clientID), zap.Int64("message_id", msg.ID))
	s.bus.Emit(bus.KindSendAck, Result{ClientID: clientID, ThreadID: threadID, MessageID: msg.ID})
}
