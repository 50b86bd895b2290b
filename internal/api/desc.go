package api

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "inbox.v1.InboxService"

// Full method names, as they appear on the wire.
const (
	MethodGetStatus     = "/" + ServiceName + "/GetStatus"
	MethodListThreads   = "/" + ServiceName + "/ListThreads"
	MethodListMessages  = "/" + ServiceName + "/ListMessages"
	MethodOpenThread    = "/" + ServiceName + "/OpenThread"
	MethodGetUnread     = "/" + ServiceName + "/GetUnread"
	MethodMarkRead      = "/" + ServiceName + "/MarkRead"
	MethodSendText      = "/" + ServiceName + "/SendText"
	MethodRetrySend     = "/" + ServiceName + "/RetrySend"
	MethodSetVisibility = "/" + ServiceName + "/SetVisibility"
	MethodSetPresence   = "/" + ServiceName + "/SetPresence"
	MethodSignOut       = "/" + ServiceName + "/SignOut"
	MethodWatchEvents   = "/" + ServiceName + "/WatchEvents"
)

// InboxServer is the server API of the control service. Messages are
// protobuf well-known types so no generated code is needed.
type InboxServer interface {
	GetStatus(context.Context, *emptypb.Empty) (*structpb.Struct, error)
	ListThreads(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ListMessages(context.Context, *structpb.Struct) (*structpb.Struct, error)
	OpenThread(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GetUnread(context.Context, *emptypb.Empty) (*wrapperspb.Int64Value, error)
	MarkRead(context.Context, *wrapperspb.Int64Value) (*emptypb.Empty, error)
	SendText(context.Context, *structpb.Struct) (*wrapperspb.StringValue, error)
	RetrySend(context.Context, *wrapperspb.StringValue) (*emptypb.Empty, error)
	SetVisibility(context.Context, *wrapperspb.BoolValue) (*emptypb.Empty, error)
	SetPresence(context.Context, *structpb.Struct) (*emptypb.Empty, error)
	SignOut(context.Context, *emptypb.Empty) (*emptypb.Empty, error)
	WatchEvents(*structpb.Struct, grpc.ServerStreamingServer[structpb.Struct]) error
}

// Register attaches srv to a gRPC server.
func Register(s grpc.ServiceRegistrar, srv InboxServer) {
	s.RegisterService(&ServiceDesc, srv)
}

// ServiceDesc describes inbox.v1.InboxService.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*InboxServer)(nil),
	Methods: []grpc.MethodDesc{
		unary("GetStatus", MethodGetStatus, InboxServer.GetStatus),
		unary("ListThreads", MethodListThreads, InboxServer.ListThreads),
		unary("ListMessages", MethodListMessages, InboxServer.ListMessages),
		unary("OpenThread", MethodOpenThread, InboxServer.OpenThread),
		unary("GetUnread", MethodGetUnread, InboxServer.GetUnread),
		unary("MarkRead", MethodMarkRead, InboxServer.MarkRead),
		unary("SendText", MethodSendText, InboxServer.SendText),
		unary("RetrySend", MethodRetrySend, InboxServer.RetrySend),
		unary("SetVisibility", MethodSetVisibility, InboxServer.SetVisibility),
		unary("SetPresence", MethodSetPresence, InboxServer.SetPresence),
		unary("SignOut", MethodSignOut, InboxServer.SignOut),
	},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "WatchEvents",
			Handler:       watchEventsHandler,
			ServerStreams: true,
		},
	},
	Metadata: "inbox/v1/inbox.proto",
}

// unary builds the method descriptor the protoc plugin would generate for a
// single request/response call.
func unary[Req any, PReq interface{ *Req }, Resp any](
	name, fullMethod string,
	call func(InboxServer, context.Context, PReq) (Resp, error),
) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := PReq(new(Req))
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(InboxServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
			handler := func(ctx context.Context, req any) (any, error) {
				return call(srv.(InboxServer), ctx, req.(PReq))
			}
			return interceptor(ctx, in, info, handler)
		},
	}
}

func watchEventsHandler(srv any, stream grpc.ServerStream) error {
	in := new(structpb.Struct)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(InboxServer).WatchEvents(in, &grpc.GenericServerStream[structpb.Struct, structpb.Struct]{ServerStream: stream})
}
