package server

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"chat-broker/internal/broker"
	"chat-broker/internal/constants"
	"chat-broker/internal/httputil"
	"chat-broker/internal/identity"
	"chat-broker/internal/platform/health"
	"chat-broker/internal/platform/middleware"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Router 設定路由
func (s *Server) Router() *gin.Engine {
	if !s.cfg.App.Debug {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(gin.Recovery())

	// 添加請求 ID 中間件（最優先）
	r.Use(middleware.RequestIDMiddleware())
	r.Use(middleware.CORS(s.cfg.Security.CORS.AllowedOrigins))
	r.Use(middleware.SecurityHeaders())
	// 提取 IP、User-Agent 供審計使用
	r.Use(middleware.RequestMetadataMiddleware())

	maxMemory := int64(constants.DefaultMaxMultipartMemory)
	if s.cfg.Limits.Request.MaxMultipartMemory > 0 {
		maxMemory = s.cfg.Limits.Request.MaxMultipartMemory
	}
	r.MaxMultipartMemory = maxMemory

	if s.cfg.Limits.RateLimiting.Enabled {
		r.Use(s.rateLimiter.Middleware())
	}

	var store health.Pinger
	if s.deps.Coordinator != nil {
		store = s.deps.Coordinator
	}
	var hubStats health.HubStats
	if s.deps.Hub != nil {
		hubStats = s.deps.Hub
	}
	healthHandler := health.NewHealthHandler(store, hubStats)
	r.GET("/health", healthHandler.HealthCheck)

	if s.deps.Gatherer != nil {
		r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.deps.Gatherer, promhttp.HandlerOpts{})))
	}

	bodyLimit := s.cfg.Limits.Request.MaxBodySize
	if bodyLimit <= 0 {
		bodyLimit = constants.DefaultMaxRequestBodySize
	}

	r.POST("/api/login", middleware.RequestSizeLimiter(bodyLimit), s.login)

	api := r.Group("/api", s.auth.RequireIdentity())
	api.GET("/messages", s.listMessages)
	api.GET("/users", s.listUsers)
	api.POST("/logout", s.logout)

	// 上傳大小由 handler 依設定檢查
	r.POST("/upload", s.auth.RequireIdentity(), s.upload)
	r.GET("/uploads/:id", s.serveMedia)

	// WebSocket：認證在升級前完成
	r.GET("/ws", s.wsLimiter.Middleware(), s.handleWebSocket)

	return r
}

// listMessages 依建立時間正序取得訊息，可用 since 補齊斷線期間的訊息
func (s *Server) listMessages(c *gin.Context) {
	ident, _ := middleware.GetIdentity(c)

	var since *time.Time
	if raw := strings.TrimSpace(c.Query("since")); raw != "" {
		t, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			httputil.BadRequest(c, "since 必須是 RFC3339 時間格式")
			return
		}
		since = &t
	}

	limit, err := s.historyLimit(c.Query("limit"))
	if err != nil {
		httputil.BadRequest(c, "limit 必須是正整數")
		return
	}

	msgs, err := s.deps.Coordinator.Messages(c.Request.Context(), ident.ID, since, limit)
	if err != nil {
		httputil.Error(c, err)
		return
	}
	httputil.OKWithCount(c, msgs, len(msgs))
}

// historyLimit 解析 limit 參數；未帶時回傳 0（全部），超過上限時以上限為準
func (s *Server) historyLimit(raw string) (int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("invalid limit %q", raw)
	}
	maxLimit := s.cfg.Limits.MongoDB.MaxHistoryLimit
	if maxLimit <= 0 {
		maxLimit = constants.DefaultMaxHistoryLimit
	}
	return min(n, maxLimit), nil
}

// listUsers 使用者列表與在線狀態
func (s *Server) listUsers(c *gin.Context) {
	users, err := s.deps.Coordinator.Roster(c.Request.Context())
	if err != nil {
		httputil.Error(c, err)
		return
	}
	httputil.OKWithCount(c, users, len(users))
}

// login 示範模式登入：以 email 推導穩定的使用者 ID 並發出示範 token
func (s *Server) login(c *gin.Context) {
	if !s.cfg.Security.Authentication.DemoEnabled {
		httputil.NotFoundError(c, "")
		return
	}

	var req struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		httputil.BadRequest(c, "無效的請求格式")
		return
	}
	email := strings.TrimSpace(req.Email)
	if email == "" || req.Password == "" {
		httputil.BadRequest(c, "email 與 password 為必填")
		return
	}

	userID := identity.DemoUserID(email)
	if err := middleware.ValidateUserID(userID); err != nil {
		httputil.BadRequest(c, err.Error())
		return
	}
	token, err := identity.IssueDemoToken(userID)
	if err != nil {
		httputil.BadRequest(c, "無效的 email")
		return
	}
	ident, err := identity.VerifyDemoToken(token)
	if err != nil {
		httputil.InternalServerError(c, err)
		return
	}
	ident.Email = email

	httputil.OK(c, gin.H{"user": ident, "token": token})
}

// logout 關閉呼叫者所有的即時連線；token 本身由客戶端丟棄
func (s *Server) logout(c *gin.Context) {
	ident, _ := middleware.GetIdentity(c)
	closed := 0
	if s.deps.Hub != nil {
		closed = s.deps.Hub.Disconnect(ident.ID, broker.ErrLoggedOut)
	}
	httputil.OK(c, gin.H{"closedConnections": closed})
}

