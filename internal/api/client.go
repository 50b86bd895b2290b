package api

import (
	"context"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// Client calls InboxService on a daemon's Unix domain socket.
type Client struct {
	conn *grpc.ClientConn
}

// Dial connects to the daemon's Unix domain socket.
func Dial(socketPath string) (*Client, error) {
	conn, err := grpc.NewClient(
		"unix://"+socketPath,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		return nil, fmt.Errorf("dial daemon: %w", err)
	}
	return &Client{conn: conn}, nil
}

// Close closes the gRPC connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

func (c *Client) Status(ctx context.Context) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	return out, c.conn.Invoke(ctx, MethodGetStatus, &emptypb.Empty{}, out)
}

// Threads lists the projection, refreshing it from the server first when
// refresh is set.
func (c *Client) Threads(ctx context.Context, refresh bool) (*structpb.Struct, error) {
	in, err := structpb.NewStruct(map[string]any{"refresh": refresh})
	if err != nil {
		return nil, err
	}
	out := new(structpb.Struct)
	return out, c.conn.Invoke(ctx, MethodListThreads, in, out)
}

// Messages lists cached messages of a thread. A positive beforeID first pages
// older history in.
func (c *Client) Messages(ctx context.Context, threadID, beforeID int64, limit int) (*structpb.Struct, error) {
	in, err := structpb.NewStruct(map[string]any{"thread_id": threadID, "before_id": beforeID, "limit": limit})
	if err != nil {
		return nil, err
	}
	out := new(structpb.Struct)
	return out, c.conn.Invoke(ctx, MethodListMessages, in, out)
}

func (c *Client) OpenThread(ctx context.Context, threadID int64, limit int) (*structpb.Struct, error) {
	in, err := structpb.NewStruct(map[string]any{"thread_id": threadID, "limit": limit})
	if err != nil {
		return nil, err
	}
	out := new(structpb.Struct)
	return out, c.conn.Invoke(ctx, MethodOpenThread, in, out)
}

func (c *Client) Unread(ctx context.Context) (int64, error) {
	out := new(wrapperspb.Int64Value)
	if err := c.conn.Invoke(ctx, MethodGetUnread, &emptypb.Empty{}, out); err != nil {
		return 0, err
	}
	return out.GetValue(), nil
}

func (c *Client) MarkRead(ctx context.Context, threadID int64) error {
	return c.conn.Invoke(ctx, MethodMarkRead, wrapperspb.Int64(threadID), new(emptypb.Empty))
}

// SendText queues a message and returns its client id.
func (c *Client) SendText(ctx context.Context, threadID int64, body string) (string, error) {
	in, err := structpb.NewStruct(map[string]any{"thread_id": threadID, "body": body})
	if err != nil {
		return "", err
	}
	out := new(wrapperspb.StringValue)
	if err := c.conn.Invoke(ctx, MethodSendText, in, out); err != nil {
		return "", err
	}
	return out.GetValue(), nil
}

func (c *Client) RetrySend(ctx context.Context, clientID string) error {
	return c.conn.Invoke(ctx, MethodRetrySend, wrapperspb.String(clientID), new(emptypb.Empty))
}

func (c *Client) SetVisibility(ctx context.Context, visible bool) error {
	return c.conn.Invoke(ctx, MethodSetVisibility, wrapperspb.Bool(visible), new(emptypb.Empty))
}

func (c *Client) SetPresence(ctx context.Context, subject, presence string) error {
	in, err := structpb.NewStruct(map[string]any{"subject": subject, "status": presence})
	if err != nil {
		return err
	}
	return c.conn.Invoke(ctx, MethodSetPresence, in, new(emptypb.Empty))
}

func (c *Client) SignOut(ctx context.Context) error {
	return c.conn.Invoke(ctx, MethodSignOut, &emptypb.Empty{}, new(emptypb.Empty))
}

// WatchEvents streams event envelopes whose kind starts with prefix.
func (c *Client) WatchEvents(ctx context.Context, prefix string) (grpc.ServerStreamingClient[structpb.Struct], error) {
	in, err := structpb.NewStruct(map[string]any{"prefix": prefix})
	if err != nil {
		return nil, err
	}
	stream, err := c.conn.NewStream(ctx, &ServiceDesc.Streams[0], MethodWatchEvents)
	if err != nil {
		return nil, err
	}
	x := &grpc.GenericClientStream[structpb.Struct, structpb.Struct]{ClientStream: stream}
	if err := x.ClientStream.SendMsg(in); err != nil {
		return nil, err
	}
	if err := x.ClientStream.CloseSend(); err != nil {
		return nil, err
	}
	return x, nil
}
