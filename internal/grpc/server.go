package grpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"time"

	"chat-broker/internal/broker"
	"chat-broker/internal/identity"
	"chat-broker/internal/platform/config"
	"chat-broker/internal/platform/logger"
	"chat-broker/internal/platform/middleware"
	"chat-broker/internal/platform/server"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
)

// Server gRPC 服務器
type Server struct {
	grpcServer *grpc.Server
	hub        *broker.Hub
	coord      *broker.Coordinator
	session    broker.SessionOptions
}

var _ RoomServiceServer = (*Server)(nil)

// NewServer 創建新的 gRPC 服務器；所有 RPC 都需經過 auth 攔截器
func NewServer(
	hub *broker.Hub,
	coord *broker.Coordinator,
	auth *middleware.AuthMiddleware,
	tlsConfig config.TLSConfig,
	session broker.SessionOptions,
) (*Server, error) {
	ctx := context.Background()

	opts := []grpc.ServerOption{
		grpc.UnaryInterceptor(auth.GRPCUnaryInterceptor()),
		grpc.StreamInterceptor(auth.GRPCStreamInterceptor()),
	}

	// 根據 TLS 配置決定是否啟用 TLS
	creds, err := server.LoadTLSCredentials(tlsConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to load TLS credentials: %w", err)
	}
	if creds != nil {
		opts = append(opts, grpc.Creds(creds))
		logger.Info(ctx, "gRPC TLS 已啟用")
	} else {
		logger.Info(ctx, "gRPC 以非加密模式運行（開發環境）")
	}

	s := &Server{
		grpcServer: grpc.NewServer(opts...),
		hub:        hub,
		coord:      coord,
		session:    session,
	}
	RegisterRoomService(s.grpcServer, s)
	return s, nil
}

// Serve 在指定 listener 上提供服務，直到 Stop
func (s *Server) Serve(lis net.Listener) error {
	return s.grpcServer.Serve(lis)
}

// Start 啟動 gRPC 服務器直到 ctx 結束
func (s *Server) Start(ctx context.Context, addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}

	logger.Infof(ctx, "gRPC 服務器啟動在 %s", addr)
	go func() {
		<-ctx.Done()
		s.Stop()
	}()
	return s.grpcServer.Serve(lis)
}

// gracefulTimeout 超過後強制中斷仍在進行的訂閱.
const gracefulTimeout = 10 * time.Second

// Stop 停止 gRPC 服務器；進行中的訂閱由 Hub 關閉後才會結束，逾時則強制停止
func (s *Server) Stop() {
	done := make(chan struct{})
	go func() {
		s.grpcServer.GracefulStop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(gracefulTimeout):
		logger.LogWarnf("gRPC 優雅關閉逾時，強制停止")
		s.grpcServer.Stop()
	}
}

// ListMessages 呼叫者可見的所有訊息，依建立時間正序
func (s *Server) ListMessages(ctx context.Context, _ *emptypb.Empty) (*structpb.ListValue, error) {
	ident, ok := identity.FromContext(ctx)
	if !ok {
		return nil, status.Error(codes.Unauthenticated, "未提供認證信息")
	}

	msgs, err := s.coord.Messages(ctx, ident.ID, nil, 0)
	if err != nil {
		return nil, grpcError(err)
	}
	return toListValue(msgs)
}

// ListUsers 使用者列表與在線狀態
func (s *Server) ListUsers(ctx context.Context, _ *emptypb.Empty) (*structpb.ListValue, error) {
	users, err := s.coord.Roster(ctx)
	if err != nil {
		return nil, grpcError(err)
	}
	return toListValue(users)
}

// Subscribe 以唯讀 session 訂閱聊天室事件，frame 內容與 WebSocket 相同
func (s *Server) Subscribe(_ *emptypb.Empty, stream RoomService_SubscribeServer) error {
	ctx := stream.Context()
	ident, ok := identity.FromContext(ctx)
	if !ok {
		return status.Error(codes.Unauthenticated, "未提供認證信息")
	}

	sess := broker.NewSession(ident, s.hub, s.coord, s.session)
	if err := sess.Open(ctx); err != nil {
		return status.Error(codes.Unavailable, "session unavailable")
	}
	defer sess.Close()

	conn := sess.Conn()
	logger.Info(ctx, "gRPC 訂閱建立", logger.WithUserID(ident.ID), logger.WithConnID(conn.ID()))

	for {
		select {
		case frame := <-conn.Outbound():
			st := &structpb.Struct{}
			if err := protojson.Unmarshal(frame, st); err != nil {
				logger.Error(ctx, "frame 轉換失敗", logger.WithConnID(conn.ID()), logger.WithError(err))
				continue
			}
			if err := stream.Send(st); err != nil {
				return err
			}

		case <-conn.Done():
			return closeError(conn.Err())

		case <-ctx.Done():
			return nil
		}
	}
}

// closeError 連線被伺服器終止時對應的 gRPC 狀態.
func closeError(reason error) error {
	switch {
	case reason == nil:
		return nil
	case errors.Is(reason, broker.ErrSlowConsumer):
		return status.Error(codes.ResourceExhausted, "slow consumer")
	case errors.Is(reason, broker.ErrLoggedOut):
		return status.Error(codes.Unauthenticated, "logged out")
	case errors.Is(reason, broker.ErrSessionClosed):
		return status.Error(codes.Unavailable, "server shutting down")
	default:
		return status.Error(codes.Aborted, reason.Error())
	}
}

// grpcError broker 錯誤對應的 gRPC 狀態，不洩漏儲存層細節.
func grpcError(err error) error {
	msg := broker.PublicMessage(err)
	switch {
	case errors.Is(err, broker.ErrValidation):
		return status.Error(codes.InvalidArgument, msg)
	case errors.Is(err, broker.ErrUnauthorized):
		return status.Error(codes.PermissionDenied, msg)
	case errors.Is(err, broker.ErrNotFound):
		return status.Error(codes.NotFound, msg)
	case errors.Is(err, broker.ErrRateLimited):
		return status.Error(codes.ResourceExhausted, msg)
	case errors.Is(err, broker.ErrStoreUnavailable):
		return status.Error(codes.Unavailable, msg)
	default:
		return status.Error(codes.Internal, msg)
	}
}

// toListValue 以 JSON 表示轉成 ListValue，欄位名稱與 HTTP API 一致.
func toListValue(v interface{}) (*structpb.ListValue, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, status.Error(codes.Internal, "encode failed")
	}
	if string(raw) == "null" {
		raw = []byte("[]")
	}
	out := &structpb.ListValue{}
	if err := protojson.Unmarshal(raw, out); err != nil {
		return nil, status.Error(codes.Internal, "encode failed")
	}
	return out, nil
}
