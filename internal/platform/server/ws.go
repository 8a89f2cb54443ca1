package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"time"

	"chat-broker/internal/broker"
	"chat-broker/internal/constants"
	"chat-broker/internal/identity"
	"chat-broker/internal/platform/logger"
	"chat-broker/internal/platform/middleware"

	"github.com/gin-gonic/gin"
	"nhooyr.io/websocket"
)

// handleWebSocket 升級前先驗證 token，未通過的連線不會建立 session
func (s *Server) handleWebSocket(c *gin.Context) {
	r := c.Request

	token := middleware.TokenFromRequest(r, true)
	if token == "" {
		s.deps.Audit.LogAuthenticationFailure(r.Context(), "websocket", "missing_token")
		c.JSON(http.StatusUnauthorized, gin.H{"error": "未提供認證 token", "success": false})
		return
	}

	ident, err := s.auth.Authenticate(r.Context(), "websocket", token)
	if err != nil {
		c.JSON(middleware.AuthStatus(err), gin.H{"error": "認證失敗", "success": false})
		return
	}

	ws, err := websocket.Accept(c.Writer, r, s.acceptOptions())
	if err != nil {
		// Accept 已自行寫出錯誤回應
		logger.Warning(r.Context(), "WebSocket 升級失敗", logger.WithUserID(ident.ID), logger.WithError(err))
		return
	}
	ws.SetReadLimit(s.maxFrameBytes())

	ctx, cancel := context.WithCancel(identity.NewContext(r.Context(), ident))
	defer cancel()

	sess := broker.NewSession(ident, s.deps.Hub, s.deps.Coordinator, s.sessionOptions())
	if err := sess.Open(ctx); err != nil {
		_ = ws.Close(websocket.StatusInternalError, "session unavailable")
		return
	}
	logger.Info(ctx, "WebSocket 連線建立",
		logger.WithUserID(ident.ID),
		logger.WithConnID(sess.Conn().ID()),
	)

	go sess.Run(ctx)

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		s.writePump(ctx, ws, sess)
	}()

	s.readPump(ctx, ws, sess)
	sess.Close()
	<-writerDone

	logger.Info(ctx, "WebSocket 連線關閉",
		logger.WithUserID(ident.ID),
		logger.WithConnID(sess.Conn().ID()),
	)
}

// readPump 讀取客戶端事件並交給 session；讀取失敗即結束
func (s *Server) readPump(ctx context.Context, ws *websocket.Conn, sess *broker.Session) {
	conn := sess.Conn()
	for {
		typ, data, err := ws.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) == -1 && ctx.Err() == nil && !isConnDone(conn) {
				logger.Warning(ctx, "WebSocket 讀取錯誤",
					logger.WithUserID(conn.Identity().ID),
					logger.WithConnID(conn.ID()),
					logger.WithError(err),
				)
			}
			return
		}

		var ev broker.Inbound
		if typ != websocket.MessageText || json.Unmarshal(data, &ev) != nil || ev.Name == "" {
			_ = conn.Deliver(broker.ErrorEvent(&broker.Error{Kind: broker.ErrValidation, Message: "malformed frame"}))
			continue
		}
		if !sess.Submit(ev) {
			return
		}
	}
}

// writePump 把佇列中的 frame 依序寫出，定期 ping；連線被終止時以對應狀態碼關閉
func (s *Server) writePump(ctx context.Context, ws *websocket.Conn, sess *broker.Session) {
	conn := sess.Conn()
	writeTimeout := time.Duration(intOr(s.cfg.Limits.WebSocket.WriteTimeout, constants.DefaultWSWriteTimeout)) * time.Second
	ticker := time.NewTicker(time.Duration(intOr(s.cfg.Limits.WebSocket.PingInterval, constants.DefaultWSPingInterval)) * time.Second)
	defer ticker.Stop()

	write := func(frame []byte) error {
		wctx, cancel := context.WithTimeout(ctx, writeTimeout)
		defer cancel()
		return ws.Write(wctx, websocket.MessageText, frame)
	}

	for {
		select {
		case frame := <-conn.Outbound():
			if err := write(frame); err != nil {
				sess.Close()
				_ = ws.CloseNow()
				return
			}

		case <-ticker.C:
			pctx, cancel := context.WithTimeout(ctx, writeTimeout)
			err := ws.Ping(pctx)
			cancel()
			if err != nil {
				logger.Warning(ctx, "WebSocket ping 失敗",
					logger.WithUserID(conn.Identity().ID),
					logger.WithConnID(conn.ID()),
					logger.WithError(err),
				)
				sess.Close()
				_ = ws.CloseNow()
				return
			}

		case <-conn.Done():
			reason := conn.Err()
			// 慢速消費者的佇列直接丟棄，其他情況盡量送出已排隊的 frame
			if !errors.Is(reason, broker.ErrSlowConsumer) {
				flush(conn, write)
			}
			code, text := closeStatus(reason)
			_ = ws.Close(code, text)
			return
		}
	}
}

func flush(conn *broker.Conn, write func([]byte) error) {
	for {
		select {
		case frame := <-conn.Outbound():
			if write(frame) != nil {
				return
			}
		default:
			return
		}
	}
}

func isConnDone(conn *broker.Conn) bool {
	select {
	case <-conn.Done():
		return true
	default:
		return false
	}
}

// closeStatus 連線終止原因對應的 close code.
func closeStatus(reason error) (websocket.StatusCode, string) {
	switch {
	case reason == nil:
		return websocket.StatusNormalClosure, ""
	case errors.Is(reason, broker.ErrSlowConsumer):
		return websocket.StatusPolicyViolation, "slow consumer"
	case errors.Is(reason, broker.ErrLoggedOut):
		return websocket.StatusPolicyViolation, "logged out"
	case errors.Is(reason, broker.ErrSessionClosed):
		return websocket.StatusGoingAway, "server shutting down"
	default:
		return websocket.StatusNormalClosure, ""
	}
}

// acceptOptions 依 CORS 設定限制 Origin；允許 "*" 時不檢查
func (s *Server) acceptOptions() *websocket.AcceptOptions {
	opts := &websocket.AcceptOptions{}
	for _, origin := range s.cfg.Security.CORS.AllowedOrigins {
		origin = strings.TrimSpace(origin)
		if origin == "*" {
			opts.InsecureSkipVerify = true
			return opts
		}
		if u, err := url.Parse(origin); err == nil && u.Host != "" {
			opts.OriginPatterns = append(opts.OriginPatterns, u.Host)
		} else if origin != "" {
			opts.OriginPatterns = append(opts.OriginPatterns, origin)
		}
	}
	return opts
}

func (s *Server) maxFrameBytes() int64 {
	if n := s.cfg.Limits.WebSocket.MaxFrameBytes; n > 0 {
		return n
	}
	return constants.DefaultWSMaxFrameBytes
}

// sessionOptions 事件限流只在啟用 rate limiting 時採用設定值，否則使用預設
func (s *Server) sessionOptions() broker.SessionOptions {
	ws := s.cfg.Limits.WebSocket
	opts := broker.SessionOptions{
		SendBuffer:       ws.SendBuffer,
		InboundBuffer:    ws.InboundBuffer,
		OperationTimeout: time.Duration(ws.OperationTimeout) * time.Second,
		Audit:            s.deps.Audit,
	}
	if rl := s.cfg.Limits.RateLimiting; rl.Enabled {
		opts.EventsPerSecond = rl.EventsPerSec
		opts.EventBurst = rl.EventBurst
	}
	return opts
}
