package middleware

import (
	"context"
	"net/http"
	"sync"
	"time"

	"chat-broker/internal/constants"
	"chat-broker/internal/security/audit"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

// visitor 單一 key 的 token bucket.
type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter 依 key（IP）各自一個 token bucket.
type RateLimiter struct {
	mu       sync.Mutex
	visitors map[string]*visitor
	rps      rate.Limit
	burst    int
	idleTTL  time.Duration
	now      func() time.Time
	audit    *audit.AuditService
}

// NewRateLimiter 創建速率限制器
// rps: 每秒補充的請求數
// burst: 瞬間允許的請求數
func NewRateLimiter(rps float64, burst int) *RateLimiter {
	if rps <= 0 {
		rps = constants.DefaultRequestsPerSecond
	}
	if burst <= 0 {
		burst = constants.DefaultRequestBurst
	}
	return &RateLimiter{
		visitors: make(map[string]*visitor),
		rps:      rate.Limit(rps),
		burst:    burst,
		idleTTL:  constants.RateLimitIdleTTLMin * time.Minute,
		now:      time.Now,
	}
}

// WithAudit 超過限制時寫入審計紀錄.
func (rl *RateLimiter) WithAudit(a *audit.AuditService) *RateLimiter {
	rl.audit = a
	return rl
}

// Allow 檢查 key 是否還有額度.
func (rl *RateLimiter) Allow(key string) bool {
	rl.mu.Lock()
	v, ok := rl.visitors[key]
	if !ok {
		v = &visitor{limiter: rate.NewLimiter(rl.rps, rl.burst)}
		rl.visitors[key] = v
	}
	v.lastSeen = rl.now()
	rl.mu.Unlock()

	return v.limiter.Allow()
}

// Len 目前追蹤的 key 數量.
func (rl *RateLimiter) Len() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.visitors)
}

// Run 定期清理閒置的 key，直到 ctx 結束.
func (rl *RateLimiter) Run(ctx context.Context) {
	ticker := time.NewTicker(constants.RateLimitCleanupIntervalMin * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			rl.cleanup()
		}
	}
}

func (rl *RateLimiter) cleanup() {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	for key, v := range rl.visitors {
		if now.Sub(v.lastSeen) > rl.idleTTL {
			delete(rl.visitors, key)
		}
	}
}

// Middleware 返回 Gin 中間件
func (rl *RateLimiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		ip := c.ClientIP()

		if !rl.Allow(ip) {
			rl.audit.LogRateLimitExceeded(c.Request.Context(), "", "http:"+ip)
			c.JSON(http.StatusTooManyRequests, gin.H{
				"error":   "請求過於頻繁，請稍後再試",
				"success": false,
			})
			c.Abort()
			return
		}

		c.Next()
	}
}
