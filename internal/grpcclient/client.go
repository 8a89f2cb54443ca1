package grpcclient

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	roomgrpc "chat-broker/internal/grpc"
	"chat-broker/internal/platform/config"
	"chat-broker/internal/platform/logger"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
)

// bearerToken 每個 RPC 都帶上 authorization metadata.
type bearerToken struct {
	token  string
	secure bool
}

func (b bearerToken) GetRequestMetadata(context.Context, ...string) (map[string]string, error) {
	return map[string]string{"authorization": "Bearer " + b.token}, nil
}

func (b bearerToken) RequireTransportSecurity() bool {
	return b.secure
}

// WithToken 附加 bearer token；secure 為 true 時只允許在 TLS 連線上傳送
func WithToken(token string, secure bool) grpc.DialOption {
	return grpc.WithPerRPCCredentials(bearerToken{token: token, secure: secure})
}

// Dial 依配置連線到 gRPC 服務器
func Dial(cfg *config.Config, token string, opts ...grpc.DialOption) (*grpc.ClientConn, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config not loaded")
	}
	address := fmt.Sprintf("%s:%s", cfg.GRPC.Host, cfg.GRPC.Port)
	return DialAddress(address, cfg.Security.TLS, token, opts...)
}

// DialAddress 連線到指定地址；TLS 未啟用時使用非加密連線
func DialAddress(address string, tlsConfig config.TLSConfig, token string, opts ...grpc.DialOption) (*grpc.ClientConn, error) {
	var (
		conn *grpc.ClientConn
		err  error
	)
	if tlsConfig.Enabled {
		conn, err = dialWithTLS(address, tlsConfig, append(opts, WithToken(token, true))...)
	} else {
		// 開發環境：不使用 TLS
		conn, err = dialInsecure(address, append(opts, WithToken(token, false))...)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to connect to gRPC server at %s: %w", address, err)
	}
	return conn, nil
}

// dialWithTLS 使用 TLS 連接；有 CA 檔時以它驗證伺服器，有客戶端憑證時走雙向 TLS
func dialWithTLS(address string, tlsConfig config.TLSConfig, opts ...grpc.DialOption) (*grpc.ClientConn, error) {
	clientTLS := &tls.Config{MinVersion: tls.VersionTLS13}

	if tlsConfig.CAFile != "" {
		ca, err := os.ReadFile(filepath.Clean(tlsConfig.CAFile))
		if err != nil {
			return nil, fmt.Errorf("failed to read CA cert: %w", err)
		}
		certPool := x509.NewCertPool()
		if ok := certPool.AppendCertsFromPEM(ca); !ok {
			return nil, fmt.Errorf("failed to append CA cert")
		}
		clientTLS.RootCAs = certPool
	}

	if tlsConfig.CertFile != "" && tlsConfig.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(filepath.Clean(tlsConfig.CertFile), filepath.Clean(tlsConfig.KeyFile))
		if err != nil {
			return nil, fmt.Errorf("failed to load client cert: %w", err)
		}
		clientTLS.Certificates = []tls.Certificate{cert}
	}

	opts = append(opts, grpc.WithTransportCredentials(credentials.NewTLS(clientTLS)))
	return grpc.NewClient(address, opts...)
}

// dialInsecure 不使用 TLS 連接（僅開發環境）
func dialInsecure(address string, opts ...grpc.DialOption) (*grpc.ClientConn, error) {
	logger.LogWarnf("gRPC 使用不安全連接（開發環境）")
	opts = append(opts, grpc.WithTransportCredentials(insecure.NewCredentials()))
	return grpc.NewClient(address, opts...)
}

// RoomClient chatbroker.v1.RoomService 客戶端
type RoomClient struct {
	cc grpc.ClientConnInterface
}

// NewRoomClient 創建客戶端
func NewRoomClient(cc grpc.ClientConnInterface) *RoomClient {
	return &RoomClient{cc: cc}
}

// ListMessages 取得呼叫者可見的訊息
func (c *RoomClient) ListMessages(ctx context.Context, opts ...grpc.CallOption) ([]interface{}, error) {
	out := new(structpb.ListValue)
	if err := c.cc.Invoke(ctx, roomgrpc.ListMessagesMethod, &emptypb.Empty{}, out, opts...); err != nil {
		return nil, err
	}
	return out.AsSlice(), nil
}

// ListUsers 取得使用者列表
func (c *RoomClient) ListUsers(ctx context.Context, opts ...grpc.CallOption) ([]interface{}, error) {
	out := new(structpb.ListValue)
	if err := c.cc.Invoke(ctx, roomgrpc.ListUsersMethod, &emptypb.Empty{}, out, opts...); err != nil {
		return nil, err
	}
	return out.AsSlice(), nil
}

// Frame 訂閱收到的事件.
type Frame struct {
	Event string
	Data  interface{}
}

// Subscription 事件串流
type Subscription struct {
	stream grpc.ClientStream
}

// Subscribe 訂閱聊天室事件，ctx 結束即取消
func (c *RoomClient) Subscribe(ctx context.Context, opts ...grpc.CallOption) (*Subscription, error) {
	stream, err := c.cc.NewStream(ctx, &roomgrpc.RoomServiceDesc.Streams[0], roomgrpc.SubscribeMethod, opts...)
	if err != nil {
		return nil, err
	}
	if err := stream.SendMsg(&emptypb.Empty{}); err != nil {
		return nil, err
	}
	if err := stream.CloseSend(); err != nil {
		return nil, err
	}
	return &Subscription{stream: stream}, nil
}

// Recv 阻塞直到下一個事件；串流結束時回傳 io.EOF 或伺服器的狀態錯誤
func (s *Subscription) Recv() (Frame, error) {
	st := new(structpb.Struct)
	if err := s.stream.RecvMsg(st); err != nil {
		return Frame{}, err
	}
	fields := st.GetFields()
	ev, ok := fields["event"]
	if !ok {
		return Frame{}, errors.New("frame missing event")
	}
	var data interface{}
	if d, ok := fields["data"]; ok {
		data = d.AsInterface()
	}
	return Frame{Event: ev.GetStringValue(), Data: data}, nil
}
