package middleware

import (
	"net/http"
	"strings"
	"time"

	"chat-broker/internal/platform/logger"
	"chat-broker/internal/security/audit"

	"github.com/gin-gonic/gin"
)

// RequestMetadataMiddleware 提取 IP、User-Agent 放進 request context，審計紀錄會帶上；
// 請求結束後寫一筆存取日誌
func RequestMetadataMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		info := audit.ClientInfo{
			IPAddress: GetClientIP(c),
			UserAgent: c.Request.UserAgent(),
		}

		ctx := audit.WithClientInfo(c.Request.Context(), info)
		if id := GetRequestID(c); id != "" {
			ctx = logger.WithTraceID(ctx, id)
		}
		c.Request = c.Request.WithContext(ctx)

		c.Next()

		logAccess(c, info, time.Since(start))
	}
}

// logAccess 5xx 記為 ERROR，4xx 記為 WARNING，其餘 INFO
func logAccess(c *gin.Context, info audit.ClientInfo, latency time.Duration) {
	status := c.Writer.Status()
	severity := logger.SeverityInfo
	switch {
	case status >= http.StatusInternalServerError:
		severity = logger.SeverityError
	case status >= http.StatusBadRequest:
		severity = logger.SeverityWarning
	}

	logger.Log(c.Request.Context(), severity, "HTTP 請求", logger.WithHTTPRequest(&logger.HTTPRequest{
		RequestMethod: c.Request.Method,
		RequestURL:    c.Request.URL.Path,
		RequestSize:   c.Request.ContentLength,
		Status:        status,
		ResponseSize:  int64(c.Writer.Size()),
		UserAgent:     info.UserAgent,
		RemoteIP:      info.IPAddress,
		Referer:       c.Request.Referer(),
		Latency:       latency.String(),
		Protocol:      c.Request.Proto,
	}))
}

// GetClientIP 獲取客戶端真實 IP
func GetClientIP(c *gin.Context) string {
	// X-Forwarded-For 可能包含多個 IP，取第一個
	if forwarded := c.Request.Header.Get("X-Forwarded-For"); forwarded != "" {
		first, _, _ := strings.Cut(forwarded, ",")
		if first = strings.TrimSpace(first); first != "" {
			return first
		}
	}

	if realIP := c.Request.Header.Get("X-Real-IP"); realIP != "" {
		return realIP
	}

	return c.ClientIP()
}
