// Package api exposes the engine to local clients over gRPC.
//
// The service is described by hand with well-known protobuf types as
// request and response messages, so no generated code is needed.
package api

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "chatsync.v1.ControlService"

// ControlServer is the server side of the control service.
type ControlServer interface {
	GetState(context.Context, *emptypb.Empty) (*structpb.Struct, error)
	Refresh(context.Context, *emptypb.Empty) (*structpb.Struct, error)
	ListConversations(context.Context, *wrapperspb.BoolValue) (*structpb.Struct, error)
	OpenConversation(context.Context, *wrapperspb.StringValue) (*structpb.Struct, error)
	CloseConversation(context.Context, *emptypb.Empty) (*emptypb.Empty, error)
	SendMessage(context.Context, *structpb.Struct) (*structpb.Struct, error)
	MarkAsRead(context.Context, *wrapperspb.StringValue) (*emptypb.Empty, error)
	Archive(context.Context, *wrapperspb.StringValue) (*emptypb.Empty, error)
	Restore(context.Context, *wrapperspb.StringValue) (*emptypb.Empty, error)
	InputChanged(context.Context, *wrapperspb.StringValue) (*emptypb.Empty, error)
	GetPresence(context.Context, *wrapperspb.StringValue) (*structpb.Struct, error)
	CheckUnread(context.Context, *emptypb.Empty) (*structpb.Struct, error)
	RecentJournal(context.Context, *wrapperspb.Int32Value) (*structpb.Struct, error)
	WatchState(*emptypb.Empty, grpc.ServerStream) error
}

// ServiceDesc describes ControlService for grpc.Server.RegisterService.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*ControlServer)(nil),
	Methods: []grpc.MethodDesc{
		unary("GetState", ControlServer.GetState),
		unary("Refresh", ControlServer.Refresh),
		unary("ListConversations", ControlServer.ListConversations),
		unary("OpenConversation", ControlServer.OpenConversation),
		unary("CloseConversation", ControlServer.CloseConversation),
		unary("SendMessage", ControlServer.SendMessage),
		unary("MarkAsRead", ControlServer.MarkAsRead),
		unary("Archive", ControlServer.Archive),
		unary("Restore", ControlServer.Restore),
		unary("InputChanged", ControlServer.InputChanged),
		unary("GetPresence", ControlServer.GetPresence),
		unary("CheckUnread", ControlServer.CheckUnread),
		unary("RecentJournal", ControlServer.RecentJournal),
	},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "WatchState",
			Handler:       watchStateHandler,
			ServerStreams: true,
		},
	},
	Metadata: "chatsync/v1/control.proto",
}

// Register adds the control service to a gRPC server.
func Register(s grpc.ServiceRegistrar, srv ControlServer) {
	s.RegisterService(&ServiceDesc, srv)
}

func fullMethod(name string) string {
	return "/" + ServiceName + "/" + name
}

// unary adapts a typed method to grpc.MethodDesc, running interceptors when present.
func unary[In any, PIn interface {
	*In
	proto.Message
}, Out proto.Message](name string, call func(ControlServer, context.Context, PIn) (Out, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := PIn(new(In))
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(ControlServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod(name)}
			return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
				return call(srv.(ControlServer), ctx, req.(PIn))
			})
		},
	}
}

func watchStateHandler(srv any, stream grpc.ServerStream) error {
	in := new(emptypb.Empty)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(ControlServer).WatchState(in, stream)
}
