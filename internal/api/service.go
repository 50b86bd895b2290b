package api

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	grpcstatus "google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/matheus3301/inbox/internal/bus"
	"github.com/matheus3301/inbox/internal/cache"
	"github.com/matheus3301/inbox/internal/model"
	"github.com/matheus3301/inbox/internal/outbox"
	"github.com/matheus3301/inbox/internal/status"
)

// Engine is the part of the sync engine the control API drives.
type Engine interface {
	Refresh(ctx context.Context) error
	OpenThread(ctx context.Context, threadID int64, limit int) ([]*model.Message, error)
	LoadOlder(ctx context.Context, threadID, beforeID int64, limit int) (int, error)
	MarkRead(ctx context.Context, threadID int64) error
	SetVisible(ctx context.Context, visible bool)
	SetPresence(subject, presence string)
	SignOut(ctx context.Context) error
	LastRefresh() time.Time
}

// Badge exposes the aggregated unread count.
type Badge interface {
	Count() int
	Server() (int, string)
}

// Outbox queues optimistic sends.
type Outbox interface {
	Queue(threadID int64, body string) (string, error)
	Retry(clientID string) error
}

// StateReader reports the realtime connection state.
type StateReader interface {
	Current() status.State
}

// Options wires a Service.
type Options struct {
	Session string
	Cache   *cache.Store
	Engine  Engine
	Unread  Badge
	Outbox  Outbox
	State   StateReader
	Bus     *bus.Bus
	Logger  *zap.Logger
}

// Service implements InboxServer on top of the projection and the sync
// engine.
type Service struct {
	opts      Options
	startedAt time.Time
}

var _ InboxServer = (*Service)(nil)

// NewService creates the control service.
func NewService(opts Options) *Service {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Service{opts: opts, startedAt: time.Now()}
}

func (s *Service) GetStatus(_ context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	state := status.Idle
	if s.opts.State != nil {
		state = s.opts.State.Current()
	}
	fields := map[string]any{
		"session":   s.opts.Session,
		"realtime":  string(state),
		"uptime_ms": time.Since(s.startedAt).Milliseconds(),
		"threads":   len(s.opts.Cache.Summaries()),
		"unread":    s.opts.Cache.TotalUnread(),
	}
	if at := s.opts.Engine.LastRefresh(); !at.IsZero() {
		fields["last_refresh_unix_ms"] = at.UnixMilli()
	}
	if s.opts.Unread != nil {
		fields["unread"] = s.opts.Unread.Count()
		total, etag := s.opts.Unread.Server()
		fields["server_unread"] = total
		fields["unread_etag"] = etag
	}
	return structpb.NewStruct(fields)
}

func (s *Service) ListThreads(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	if req.GetFields()["refresh"].GetBoolValue() {
		if err := s.opts.Engine.Refresh(ctx); err != nil {
			return nil, grpcstatus.Errorf(codes.Unavailable, "refresh threads: %v", err)
		}
	}
	return structpb.NewStruct(map[string]any{
		"threads": summaryList(s.opts.Cache.Summaries()),
	})
}

func (s *Service) ListMessages(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	id, err := threadID(req)
	if err != nil {
		return nil, grpcstatus.Error(codes.InvalidArgument, err.Error())
	}
	if before := number(req, "before_id"); before > 0 {
		if _, err := s.opts.Engine.LoadOlder(ctx, id, before, int(number(req, "limit"))); err != nil {
			return nil, grpcstatus.Errorf(codes.Unavailable, "load older: %v", err)
		}
	}
	return structpb.NewStruct(map[string]any{
		"messages": messageList(s.opts.Cache.Messages(id)),
	})
}

// OpenThread returns what is cached even when the network fetch fails; the
// response then carries stale=true.
func (s *Service) OpenThread(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	id, err := threadID(req)
	if err != nil {
		return nil, grpcstatus.Error(codes.InvalidArgument, err.Error())
	}
	msgs, err := s.opts.Engine.OpenThread(ctx, id, int(number(req, "limit")))
	if err != nil {
		s.opts.Logger.Warn("open thread served from cache", zap.Int64("thread_id", id), zap.Error(err))
	}
	return structpb.NewStruct(map[string]any{
		"messages": messageList(msgs),
		"stale":    err != nil,
	})
}

func (s *Service) GetUnread(_ context.Context, _ *emptypb.Empty) (*wrapperspb.Int64Value, error) {
	if s.opts.Unread != nil {
		return wrapperspb.Int64(int64(s.opts.Unread.Count())), nil
	}
	return wrapperspb.Int64(int64(s.opts.Cache.TotalUnread())), nil
}

func (s *Service) MarkRead(ctx context.Context, req *wrapperspb.Int64Value) (*emptypb.Empty, error) {
	if req.GetValue() <= 0 {
		return nil, grpcstatus.Error(codes.InvalidArgument, "thread id must be positive")
	}
	if err := s.opts.Engine.MarkRead(ctx, req.GetValue()); err != nil {
		return nil, grpcstatus.Errorf(codes.Unavailable, "mark read: %v", err)
	}
	return &emptypb.Empty{}, nil
}

func (s *Service) SendText(_ context.Context, req *structpb.Struct) (*wrapperspb.StringValue, error) {
	if s.opts.Outbox == nil {
		return nil, grpcstatus.Error(codes.Unavailable, "outbox not initialized")
	}
	id, err := threadID(req)
	if err != nil {
		return nil, grpcstatus.Error(codes.InvalidArgument, err.Error())
	}
	clientID, err := s.opts.Outbox.Queue(id, req.GetFields()["body"].GetStringValue())
	if errors.Is(err, outbox.ErrEmptyBody) {
		return nil, grpcstatus.Error(codes.InvalidArgument, err.Error())
	}
	if err != nil {
		return nil, grpcstatus.Errorf(codes.Internal, "queue message: %v", err)
	}
	return wrapperspb.String(clientID), nil
}

func (s *Service) RetrySend(_ context.Context, req *wrapperspb.StringValue) (*emptypb.Empty, error) {
	if s.opts.Outbox == nil {
		return nil, grpcstatus.Error(codes.Unavailable, "outbox not initialized")
	}
	switch err := s.opts.Outbox.Retry(req.GetValue()); {
	case errors.Is(err, outbox.ErrNotFound):
		return nil, grpcstatus.Error(codes.NotFound, err.Error())
	case errors.Is(err, outbox.ErrNotFailed):
		return nil, grpcstatus.Error(codes.FailedPrecondition, err.Error())
	case err != nil:
		return nil, grpcstatus.Errorf(codes.Internal, "retry: %v", err)
	}
	return &emptypb.Empty{}, nil
}

func (s *Service) SetVisibility(ctx context.Context, req *wrapperspb.BoolValue) (*emptypb.Empty, error) {
	s.opts.Engine.SetVisible(ctx, req.GetValue())
	return &emptypb.Empty{}, nil
}

// SetPresence expects {"subject", "status"}; both are required.
func (s *Service) SetPresence(_ context.Context, req *structpb.Struct) (*emptypb.Empty, error) {
	f := req.GetFields()
	subject := f["subject"].GetStringValue()
	presence := f["status"].GetStringValue()
	if subject == "" || presence == "" {
		return nil, grpcstatus.Error(codes.InvalidArgument, "subject and status are required")
	}
	s.opts.Engine.SetPresence(subject, presence)
	return &emptypb.Empty{}, nil
}

func (s *Service) SignOut(ctx context.Context, _ *emptypb.Empty) (*emptypb.Empty, error) {
	if err := s.opts.Engine.SignOut(ctx); err != nil {
		return nil, grpcstatus.Errorf(codes.Internal, "sign out: %v", err)
	}
	return &emptypb.Empty{}, nil
}

// WatchEvents streams bus events whose kind starts with the requested prefix
// (every event when empty).
func (s *Service) WatchEvents(req *structpb.Struct, stream grpc.ServerStreamingServer[structpb.Struct]) error {
	if s.opts.Bus == nil {
		return grpcstatus.Error(codes.Unavailable, "event bus not initialized")
	}
	ch, unsub := s.opts.Bus.Subscribe(req.GetFields()["prefix"].GetStringValue(), 256)
	defer unsub()

	for {
		select {
		case evt := <-ch:
			env, err := s.envelope(evt)
			if err != nil {
				s.opts.Logger.Warn("dropping unencodable event", zap.String("kind", evt.Kind), zap.Error(err))
				continue
			}
			if err := stream.Send(env); err != nil {
				return err
			}
		case <-stream.Context().Done():
			return nil
		}
	}
}

func (s *Service) envelope(evt bus.Event) (*structpb.Struct, error) {
	fields := map[string]any{
		"event_id":            uuid.NewString(),
		"session":             s.opts.Session,
		"kind":                evt.Kind,
		"occurred_at_unix_ms": evt.Timestamp.UnixMilli(),
		"payload_version":     1,
	}
	if p := payloadFields(evt.Payload); p != nil {
		fields["payload"] = p
	}
	return structpb.NewStruct(fields)
}
