package grpc

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
)

// ServiceName 完整服務名稱.
const ServiceName = "chatbroker.v1.RoomService"

// 方法完整路徑，客戶端 Invoke / NewStream 使用.
const (
	ListMessagesMethod = "/" + ServiceName + "/ListMessages"
	ListUsersMethod    = "/" + ServiceName + "/ListUsers"
	SubscribeMethod    = "/" + ServiceName + "/Subscribe"
)

// RoomServiceServer 聊天室服務；訊息與事件一律用 protobuf well-known types 表示
type RoomServiceServer interface {
	ListMessages(context.Context, *emptypb.Empty) (*structpb.ListValue, error)
	ListUsers(context.Context, *emptypb.Empty) (*structpb.ListValue, error)
	Subscribe(*emptypb.Empty, RoomService_SubscribeServer) error
}

// RoomService_SubscribeServer Subscribe 的伺服器端串流.
type RoomService_SubscribeServer interface {
	Send(*structpb.Struct) error
	grpc.ServerStream
}

type subscribeServer struct {
	grpc.ServerStream
}

func (x *subscribeServer) Send(m *structpb.Struct) error {
	return x.ServerStream.SendMsg(m)
}

// RegisterRoomService 註冊服務
func RegisterRoomService(s grpc.ServiceRegistrar, srv RoomServiceServer) {
	s.RegisterService(&RoomServiceDesc, srv)
}

func listMessagesHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(emptypb.Empty)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(RoomServiceServer).ListMessages(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: ListMessagesMethod}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(RoomServiceServer).ListMessages(ctx, req.(*emptypb.Empty))
	}
	return interceptor(ctx, in, info, handler)
}

func listUsersHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(emptypb.Empty)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(RoomServiceServer).ListUsers(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: ListUsersMethod}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(RoomServiceServer).ListUsers(ctx, req.(*emptypb.Empty))
	}
	return interceptor(ctx, in, info, handler)
}

func subscribeHandler(srv interface{}, stream grpc.ServerStream) error {
	in := new(emptypb.Empty)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(RoomServiceServer).Subscribe(in, &subscribeServer{stream})
}

// RoomServiceDesc 手動宣告的服務描述，對應 chatbroker/v1/room.proto
var RoomServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*RoomServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "ListMessages", Handler: listMessagesHandler},
		{MethodName: "ListUsers", Handler: listUsersHandler},
	},
	Streams: []grpc.StreamDesc{
		{StreamName: "Subscribe", Handler: subscribeHandler, ServerStreams: true},
	},
	Metadata: "chatbroker/v1/room.proto",
}
