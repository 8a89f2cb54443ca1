package constants

// HTTP 請求相關常數
const (
	// 默認值（可被配置覆蓋）
	DefaultMaxRequestBodySize = 10 << 20 // 10MB
	DefaultMaxMultipartMemory = 10 << 20 // 10MB
	DefaultRequestTimeout     = 30       // 秒
)

// 訊息相關常數
const (
	DefaultMaxMessageLength = 10000
	MaxCaptionLength        = 1000
)

// Rate Limiting 默認值
const (
	DefaultRequestsPerSecond    = 20
	DefaultRequestBurst         = 40
	DefaultEventsPerSecond      = 10
	DefaultEventBurst           = 20
	RateLimitCleanupIntervalMin = 10 // 分鐘
	RateLimitIdleTTLMin         = 30 // 分鐘
)

// WebSocket 連接相關常數
const (
	DefaultWSMaxConnectionsPerIP = 10
	DefaultWSMaxTotalConnections = 5000
	DefaultWSPingInterval        = 25 // 秒
	DefaultWSWriteTimeout        = 10 // 秒
	DefaultWSMaxFrameBytes       = 64 << 10
	DefaultWSSendBuffer          = 256
	DefaultWSInboundBuffer       = 32
	DefaultOperationTimeout      = 10 // 秒
)

// MongoDB 連線與查詢相關常數
const (
	DefaultMongoOperationTimeout       = 10 // 秒
	DefaultMongoConnectTimeout         = 10 // 秒
	DefaultMongoServerSelectionTimeout = 5  // 秒
	DefaultMongoMaxConnIdleTime        = 300
	DefaultMongoMaxPoolSize            = 100
	DefaultMongoMinPoolSize            = 5
	DefaultMaxHistoryLimit             = 5000
	MongoAppName                       = "chat-broker"
)

// 用戶 ID 相關常數
const (
	MaxUserIDLength = 100
)

// 加密相關常數
const (
	MasterKeyLength = 32 // 256 bits
)

// 上傳相關常數
const (
	DefaultMaxUploadBytes = 50 * 1000 * 1000
	MediaBucketName       = "uploads"
	MediaURLPrefix        = "/uploads/"
)
