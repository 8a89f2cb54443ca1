package middleware

import (
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"
)

// ConnectionLimiter 長連線（WebSocket、gRPC 訂閱）數量限制器
type ConnectionLimiter struct {
	mu          sync.Mutex
	connections map[string]int // IP -> 連接數
	maxPerIP    int
	maxTotal    int
	total       int
}

// NewConnectionLimiter 創建連接限制器；上限 <= 0 表示不限制
func NewConnectionLimiter(maxPerIP, maxTotal int) *ConnectionLimiter {
	return &ConnectionLimiter{
		connections: make(map[string]int),
		maxPerIP:    maxPerIP,
		maxTotal:    maxTotal,
	}
}

// Acquire 佔用一個名額；成功時回傳的 release 必須在連線結束時呼叫（可重複呼叫）.
func (l *ConnectionLimiter) Acquire(ip string) (release func(), ok bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.maxTotal > 0 && l.total >= l.maxTotal {
		return func() {}, false
	}
	if l.maxPerIP > 0 && l.connections[ip] >= l.maxPerIP {
		return func() {}, false
	}

	l.connections[ip]++
	l.total++

	var once sync.Once
	return func() { once.Do(func() { l.release(ip) }) }, true
}

func (l *ConnectionLimiter) release(ip string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if count := l.connections[ip]; count <= 1 {
		delete(l.connections, ip)
	} else {
		l.connections[ip]--
	}
	l.total--
}

// Middleware 連接限制中間件，handler 返回後釋放名額
func (l *ConnectionLimiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		release, ok := l.Acquire(c.ClientIP())
		if !ok {
			c.JSON(http.StatusTooManyRequests, gin.H{
				"error":   "連接數已達上限，請稍後再試",
				"success": false,
			})
			c.Abort()
			return
		}
		defer release()

		c.Next()
	}
}

// Stats 獲取統計信息
func (l *ConnectionLimiter) Stats() map[string]interface{} {
	l.mu.Lock()
	defer l.mu.Unlock()

	return map[string]interface{}{
		"total_connections": l.total,
		"unique_ips":        len(l.connections),
		"max_total":         l.maxTotal,
		"max_per_ip":        l.maxPerIP,
	}
}
