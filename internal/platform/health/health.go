package health

import (
	"context"
	"net/http"
	"os"
	"runtime"
	"time"

	"chat-broker/internal/platform/config"
	"chat-broker/internal/platform/logger"

	"github.com/dustin/go-humanize"
	"github.com/gin-gonic/gin"
)

const (
	// 健康狀態常數.
	statusHealthy   = "healthy"
	statusUnhealthy = "unhealthy"
	statusWarning   = "warning"

	// 記憶體超過 1GB 視為警告.
	memoryThreshold = 1 << 30

	// 超時常數.
	dbTimeout = 5 * time.Second
)

// Pinger 可檢查連線的儲存層.
type Pinger interface {
	Ping(ctx context.Context) error
}

// HubStats 在線狀態統計.
type HubStats interface {
	OnlineCount() int
	ConnectionCount() int
}

// Handler 健康檢查處理器.
type Handler struct {
	store Pinger
	hub   HubStats
}

// NewHealthHandler 創建新的健康檢查處理器.
func NewHealthHandler(store Pinger, hub HubStats) *Handler {
	return &Handler{store: store, hub: hub}
}

// HealthCheck 健康檢查端點.
func (h *Handler) HealthCheck(c *gin.Context) {
	cfg := config.Get()

	dbStatus := statusHealthy
	dbError := ""
	if err := h.checkDatabase(c.Request.Context()); err != nil {
		dbStatus = statusUnhealthy
		dbError = "database unreachable"
		logger.LogErrorf("健康檢查 - 資料庫連線失敗: %v", err)
	}

	systemStatus := h.checkSystemResources()

	// 從環境變數讀取版本，沒有則用預設值
	appVersion := os.Getenv("APP_VERSION")
	if appVersion == "" {
		appVersion = "NO_VERSION_SET"
	}

	app := gin.H{"version": appVersion}
	driverName := ""
	if cfg != nil {
		app["name"] = cfg.App.Name
		app["debug"] = cfg.App.Debug
		driverName = cfg.Database.Driver
	}

	response := gin.H{
		"status":    statusHealthy,
		"timestamp": time.Now().Unix(),
		"app":       app,
		"database": gin.H{
			"status": dbStatus,
			"error":  dbError,
			"driver": driverName,
		},
		"system": gin.H{
			"status":  systemStatus.Status,
			"details": systemStatus.Details,
			"uptime":  time.Since(startTime).Round(time.Second).String(),
			"started": humanize.Time(startTime),
		},
	}
	if h.hub != nil {
		response["broker"] = gin.H{
			"online_users": h.hub.OnlineCount(),
			"connections":  h.hub.ConnectionCount(),
		}
	}

	// 資料庫不健康時整體狀態為 degraded，仍回 200 讓監控知道服務本身存活.
	if dbStatus == statusUnhealthy {
		response["status"] = "degraded"
	}

	c.JSON(http.StatusOK, response)
}

// SystemStatus 系統狀態.
type SystemStatus struct {
	Status  string                 `json:"status"`
	Details map[string]interface{} `json:"details"`
}

// checkSystemResources 檢查系統資源.
func (h *Handler) checkSystemResources() SystemStatus {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	details := map[string]interface{}{
		"goroutines": runtime.NumGoroutine(),
		"memory": gin.H{
			"alloc":       humanize.IBytes(m.Alloc),
			"total_alloc": humanize.IBytes(m.TotalAlloc),
			"sys":         humanize.IBytes(m.Sys),
			"num_gc":      m.NumGC,
		},
		"cpu": gin.H{
			"num_cpu": runtime.NumCPU(),
		},
	}

	status := statusHealthy
	if m.Sys > memoryThreshold {
		status = statusWarning
		details["memory_warning"] = "Memory usage is high"
	}

	return SystemStatus{
		Status:  status,
		Details: details,
	}
}

// checkDatabase 檢查資料庫連線.
func (h *Handler) checkDatabase(parent context.Context) error {
	if h.store == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(parent, dbTimeout)
	defer cancel()
	return h.store.Ping(ctx)
}

// 記錄服務啟動時間.
var startTime = time.Now()
