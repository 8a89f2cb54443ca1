package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"chat-broker/internal/broker"
	"chat-broker/internal/constants"
	"chat-broker/internal/identity"
	"chat-broker/internal/platform/config"
	"chat-broker/internal/platform/logger"
	"chat-broker/internal/platform/middleware"
	"chat-broker/internal/security/audit"
	"chat-broker/internal/storage/media"

	"github.com/prometheus/client_golang/prometheus"
)

// Deps HTTP 伺服器依賴的元件.
type Deps struct {
	Hub         *broker.Hub
	Coordinator *broker.Coordinator
	Verifier    identity.Verifier
	Media       media.Store
	Audit       *audit.AuditService
	// Gatherer /metrics 輸出來源，nil 時不掛載 /metrics.
	Gatherer prometheus.Gatherer
}

// Server HTTP + WebSocket 伺服器.
type Server struct {
	cfg         *config.Config
	deps        Deps
	auth        *middleware.AuthMiddleware
	rateLimiter *middleware.RateLimiter
	wsLimiter   *middleware.ConnectionLimiter
	http        *http.Server
}

// New 建立伺服器；cfg 為 nil 時使用預設值.
func New(cfg *config.Config, deps Deps) *Server {
	if cfg == nil {
		cfg = &config.Config{}
	}
	limits := cfg.Limits

	s := &Server{
		cfg:  cfg,
		deps: deps,
		auth: middleware.NewAuthMiddleware(deps.Verifier, deps.Audit),
		rateLimiter: middleware.NewRateLimiter(limits.RateLimiting.RequestsPerSec, limits.RateLimiting.RequestBurst).
			WithAudit(deps.Audit),
		wsLimiter: middleware.NewConnectionLimiter(
			intOr(limits.WebSocket.MaxConnectionsPerIP, constants.DefaultWSMaxConnectionsPerIP),
			intOr(limits.WebSocket.MaxTotalConnections, constants.DefaultWSMaxTotalConnections),
		),
	}

	timeout := time.Duration(intOr(cfg.Server.Timeout, constants.DefaultRequestTimeout)) * time.Second
	s.http = &http.Server{
		Addr:              config.GetServerAddr(),
		Handler:           s.Router(),
		ReadHeaderTimeout: timeout,
		// WebSocket 需要長連接，不設寫入超時；寫入逾時由每個 frame 自行控制
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
	}
	return s
}

func intOr(v, fallback int) int {
	if v > 0 {
		return v
	}
	return fallback
}

// Handler 供測試使用.
func (s *Server) Handler() http.Handler {
	return s.http.Handler
}

// Start 啟動伺服器直到 ctx 結束，之後優雅關閉.
func (s *Server) Start(ctx context.Context) error {
	go s.rateLimiter.Run(ctx)

	errCh := make(chan error, 1)
	go func() {
		logger.LogInfof("HTTP 伺服器正在監聽: %s", s.http.Addr)
		var err error
		if s.cfg.Server.UseHTTPS {
			s.http.TLSConfig, err = serverTLSConfig(s.cfg.Server.CertPath, s.cfg.Server.KeyPath, "")
			if err == nil {
				err = s.http.ListenAndServeTLS("", "")
			}
		} else {
			err = s.http.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok {
			logger.LogErrorf("HTTP 伺服器啟動失敗: %v", err)
			return err
		}
		return nil
	case <-ctx.Done():
	}

	logger.LogInfof("收到關閉信號，正在優雅關閉 HTTP 伺服器...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// 已升級的 WebSocket 不受 Shutdown 管理，由 Hub 逐一關閉
	if s.deps.Hub != nil {
		n := s.deps.Hub.CloseAll(broker.ErrSessionClosed)
		logger.LogInfof("已關閉 %d 條長連線", n)
	}
	if err := s.http.Shutdown(shutdownCtx); err != nil {
		logger.LogErrorf("HTTP 伺服器關閉失敗: %v", err)
		return err
	}

	logger.LogInfof("HTTP 伺服器已優雅關閉")
	return nil
}
