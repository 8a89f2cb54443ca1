package middleware

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"chat-broker/internal/identity"
	"chat-broker/internal/platform/logger"
	"chat-broker/internal/security/audit"

	"github.com/gin-gonic/gin"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

// IdentityKey gin.Context 中存放身分的 key.
const IdentityKey = "identity"

// AuthMiddleware bearer token 認證，HTTP 與 gRPC 共用同一個 Verifier.
type AuthMiddleware struct {
	verifier identity.Verifier
	audit    *audit.AuditService
}

// NewAuthMiddleware 創建認證中間件
func NewAuthMiddleware(verifier identity.Verifier, auditService *audit.AuditService) *AuthMiddleware {
	return &AuthMiddleware{
		verifier: verifier,
		audit:    auditService,
	}
}

// TokenFromRequest 取出 Authorization: Bearer；allowQuery 時也接受 ?token=（瀏覽器 WebSocket 無法帶 header）.
func TokenFromRequest(r *http.Request, allowQuery bool) string {
	if token := identity.ExtractBearer(r.Header.Get("Authorization")); token != "" {
		return token
	}
	if allowQuery {
		return strings.TrimSpace(r.URL.Query().Get("token"))
	}
	return ""
}

// Authenticate 驗證 token；失敗時寫審計紀錄.
func (m *AuthMiddleware) Authenticate(ctx context.Context, transport, token string) (identity.Identity, error) {
	ident, err := m.verifier.Verify(ctx, token)
	if err != nil {
		reason := "invalid_token"
		if errors.Is(err, identity.ErrVerifierUnavailable) {
			reason = "verifier_unavailable"
		}
		m.audit.LogAuthenticationFailure(ctx, transport, reason)
		logger.Warning(ctx, "認證失敗",
			logger.WithAction("authenticate"),
			logger.WithDetails(map[string]interface{}{"transport": transport}),
			logger.WithError(err),
		)
		return identity.Identity{}, err
	}
	return ident, nil
}

// AuthStatus 認證錯誤對應的 HTTP 狀態碼.
func AuthStatus(err error) int {
	if errors.Is(err, identity.ErrVerifierUnavailable) {
		return http.StatusServiceUnavailable
	}
	return http.StatusUnauthorized
}

// RequireIdentity 要求認證的 Gin 中間件
// 使用方式：api.Use(auth.RequireIdentity())
func (m *AuthMiddleware) RequireIdentity() gin.HandlerFunc {
	return func(c *gin.Context) {
		token := TokenFromRequest(c.Request, false)
		if token == "" {
			m.audit.LogAuthenticationFailure(c.Request.Context(), "http", "missing_token")
			c.JSON(http.StatusUnauthorized, gin.H{"error": "未提供認證 token", "success": false})
			c.Abort()
			return
		}

		ident, err := m.Authenticate(c.Request.Context(), "http", token)
		if err != nil {
			msg := "認證失敗"
			if AuthStatus(err) == http.StatusServiceUnavailable {
				msg = "認證服務暫時無法使用"
			}
			c.JSON(AuthStatus(err), gin.H{"error": msg, "success": false})
			c.Abort()
			return
		}

		c.Set(IdentityKey, ident)
		c.Request = c.Request.WithContext(identity.NewContext(c.Request.Context(), ident))
		c.Next()
	}
}

// GetIdentity 從 gin.Context 取得已驗證的身分
func GetIdentity(c *gin.Context) (identity.Identity, bool) {
	if v, exists := c.Get(IdentityKey); exists {
		if ident, ok := v.(identity.Identity); ok {
			return ident, true
		}
	}
	return identity.FromContext(c.Request.Context())
}

func grpcAuthError(err error) error {
	if errors.Is(err, identity.ErrVerifierUnavailable) {
		return status.Error(codes.Unavailable, "認證服務暫時無法使用")
	}
	return status.Error(codes.Unauthenticated, "認證失敗")
}

// authenticateGRPC 從 metadata 取出 token 並驗證.
func (m *AuthMiddleware) authenticateGRPC(ctx context.Context) (context.Context, error) {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return nil, status.Errorf(codes.Unauthenticated, "未提供認證信息")
	}

	values := md.Get("authorization")
	if len(values) == 0 {
		m.audit.LogAuthenticationFailure(ctx, "grpc", "missing_token")
		return nil, status.Errorf(codes.Unauthenticated, "未提供認證 token")
	}

	token := identity.ExtractBearer(values[0])
	if token == "" {
		token = strings.TrimSpace(values[0])
	}

	ident, err := m.Authenticate(ctx, "grpc", token)
	if err != nil {
		return nil, grpcAuthError(err)
	}
	return identity.NewContext(ctx, ident), nil
}

// GRPCUnaryInterceptor gRPC 一元 RPC 攔截器
// 使用方式：grpc.NewServer(grpc.UnaryInterceptor(auth.GRPCUnaryInterceptor()))
func (m *AuthMiddleware) GRPCUnaryInterceptor() grpc.UnaryServerInterceptor {
	return func(
		ctx context.Context,
		req interface{},
		info *grpc.UnaryServerInfo,
		handler grpc.UnaryHandler,
	) (interface{}, error) {
		authed, err := m.authenticateGRPC(ctx)
		if err != nil {
			return nil, err
		}
		return handler(authed, req)
	}
}

// authedStream 覆寫 Context 以帶入身分.
type authedStream struct {
	grpc.ServerStream
	ctx context.Context
}

func (s *authedStream) Context() context.Context {
	return s.ctx
}

// GRPCStreamInterceptor gRPC 流式 RPC 攔截器
func (m *AuthMiddleware) GRPCStreamInterceptor() grpc.StreamServerInterceptor {
	return func(
		srv interface{},
		ss grpc.ServerStream,
		info *grpc.StreamServerInfo,
		handler grpc.StreamHandler,
	) error {
		authed, err := m.authenticateGRPC(ss.Context())
		if err != nil {
			return err
		}
		return handler(srv, &authedStream{ServerStream: ss, ctx: authed})
	}
}
