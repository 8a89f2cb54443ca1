package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"chat-broker/internal/constants"

	"github.com/dustin/go-humanize"
	"github.com/spf13/viper"
)

// Config 應用程式配置結構.
type Config struct {
	App      AppConfig      `mapstructure:"app"`
	Server   ServerConfig   `mapstructure:"server"`
	GRPC     GRPCConfig     `mapstructure:"grpc"`
	Database DatabaseConfig `mapstructure:"database"`
	Log      LogConfig      `mapstructure:"log"`
	Security SecurityConfig `mapstructure:"security"`
	Limits   LimitsConfig   `mapstructure:"limits"`
}

// AppConfig 應用程式基本配置.
type AppConfig struct {
	Name    string `mapstructure:"name"`
	Version string `mapstructure:"version"`
	Debug   bool   `mapstructure:"debug"`
}

// ServerConfig 伺服器配置.
type ServerConfig struct {
	Host     string `mapstructure:"host"`
	Port     string `mapstructure:"port"`
	Timeout  int    `mapstructure:"timeout"`
	UseHTTPS bool   `mapstructure:"use_https"`
	CertPath string `mapstructure:"cert_path"`
	KeyPath  string `mapstructure:"key_path"`
}

// GRPCConfig gRPC 配置.
type GRPCConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Host    string `mapstructure:"host"`
	Port    string `mapstructure:"port"`
}

// DatabaseConfig 資料庫配置.
// Driver 為 "mongo"（預設）或 "memory"（單機示範、測試用，重啟後資料消失）.
type DatabaseConfig struct {
	Driver string      `mapstructure:"driver"`
	Mongo  MongoConfig `mapstructure:"mongo"`
}

// MongoConfig MongoDB 連線配置；連接池與逾時設定在 limits.mongodb.
type MongoConfig struct {
	URL                   string `mapstructure:"url"`
	Database              string `mapstructure:"database"`
	Username              string `mapstructure:"username"`
	Password              string `mapstructure:"password"`
	TLSEnabled            bool   `mapstructure:"tls_enabled"`
	TLSCAFile             string `mapstructure:"tls_ca_file"`
	TLSCertFile           string `mapstructure:"tls_cert_file"`
	TLSKeyFile            string `mapstructure:"tls_key_file"`
	TLSInsecureSkipVerify bool   `mapstructure:"tls_insecure_skip_verify"`
}

// LogConfig 日誌配置.
type LogConfig struct {
	RotationTimeHours int `mapstructure:"rotation_time_hours"` // 日誌輪轉時間 (小時).
	MaxAgeDays        int `mapstructure:"max_age_days"`        // 日誌保留天數.
	MaxSizeMB         int `mapstructure:"max_size_mb"`         // 單個日誌檔案最大大小 (MB).
}

// SecurityConfig 安全配置.
type SecurityConfig struct {
	TLS            TLSConfig            `mapstructure:"tls"`
	Authentication AuthenticationConfig `mapstructure:"authentication"`
	Encryption     EncryptionConfig     `mapstructure:"encryption"`
	Audit          AuditConfig          `mapstructure:"audit"`
	CORS           CORSConfig           `mapstructure:"cors"`
}

// TLSConfig TLS 配置.
type TLSConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	CertFile string `mapstructure:"cert_file"`
	KeyFile  string `mapstructure:"key_file"`
	CAFile   string `mapstructure:"ca_file"`
}

// AuthenticationConfig 認證配置.
// DemoEnabled 允許 fake_token_ 開頭的示範 token；JWT* 為委派簽章 token 的驗證設定.
type AuthenticationConfig struct {
	DemoEnabled      bool   `mapstructure:"demo_enabled"`
	JWTEnabled       bool   `mapstructure:"jwt_enabled"`
	JWTSecret        string `mapstructure:"jwt_secret"`
	JWTPublicKeyFile string `mapstructure:"jwt_public_key_file"`
	JWTIssuer        string `mapstructure:"jwt_issuer"`
	JWTAudience      string `mapstructure:"jwt_audience"`
}

// EncryptionConfig 加密配置（訊息文字靜態加密，非端對端加密）.
type EncryptionConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

// AuditConfig 審計配置.
type AuditConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Level   string `mapstructure:"level"`
}

// CORSConfig 跨來源設定.
type CORSConfig struct {
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

// LimitsConfig 限制配置.
type LimitsConfig struct {
	Request      RequestLimitsConfig   `mapstructure:"request"`
	RateLimiting RateLimitingConfig    `mapstructure:"rate_limiting"`
	WebSocket    WebSocketLimitsConfig `mapstructure:"websocket"`
	Message      MessageLimitsConfig   `mapstructure:"message"`
	Upload       UploadLimitsConfig    `mapstructure:"upload"`
	MongoDB      MongoDBLimitsConfig   `mapstructure:"mongodb"`
}

// RequestLimitsConfig 請求限制配置.
type RequestLimitsConfig struct {
	MaxBodySize        int64 `mapstructure:"max_body_size"`
	MaxMultipartMemory int64 `mapstructure:"max_multipart_memory"`
}

// RateLimitingConfig Rate Limiting 配置.
// HTTP 為每個 IP 的每秒請求數；Events 為每條連線每秒可送出的事件數.
type RateLimitingConfig struct {
	Enabled        bool    `mapstructure:"enabled"`
	RequestsPerSec float64 `mapstructure:"requests_per_second"`
	RequestBurst   int     `mapstructure:"request_burst"`
	EventsPerSec   float64 `mapstructure:"events_per_second"`
	EventBurst     int     `mapstructure:"event_burst"`
}

// WebSocketLimitsConfig WebSocket 連線限制配置.
type WebSocketLimitsConfig struct {
	MaxConnectionsPerIP int   `mapstructure:"max_connections_per_ip"`
	MaxTotalConnections int   `mapstructure:"max_total_connections"`
	PingInterval        int   `mapstructure:"ping_interval_seconds"`
	WriteTimeout        int   `mapstructure:"write_timeout_seconds"`
	MaxFrameBytes       int64 `mapstructure:"max_frame_bytes"`
	SendBuffer          int   `mapstructure:"send_buffer"`
	InboundBuffer       int   `mapstructure:"inbound_buffer"`
	OperationTimeout    int   `mapstructure:"operation_timeout_seconds"`
}

// MessageLimitsConfig 訊息限制配置.
type MessageLimitsConfig struct {
	MaxLength int `mapstructure:"max_length"`
}

// UploadLimitsConfig 上傳限制配置，MaxSize 使用人類可讀格式，例如 "50MB".
type UploadLimitsConfig struct {
	MaxSize string `mapstructure:"max_size"`
}

// MongoDBLimitsConfig MongoDB 連接池、逾時與查詢上限，時間單位為秒；0 使用預設值.
type MongoDBLimitsConfig struct {
	OperationTimeout       int    `mapstructure:"operation_timeout_seconds"`
	ConnectTimeout         int    `mapstructure:"connect_timeout_seconds"`
	ServerSelectionTimeout int    `mapstructure:"server_selection_timeout_seconds"`
	MaxConnIdleTime        int    `mapstructure:"max_conn_idle_seconds"`
	MaxPoolSize            uint64 `mapstructure:"max_pool_size"`
	MinPoolSize            uint64 `mapstructure:"min_pool_size"`
	// MaxHistoryLimit 單次歷史查詢 limit 參數的上限.
	MaxHistoryLimit int `mapstructure:"max_history_limit"`
}

var (
	config *Config
	// ENV 當前環境變數.
	ENV string = "local"
)

// Load 載入設定檔.
func Load(testCfg ...*Config) error {
	// 如果直接傳入配置（主要用於測試），設定並驗證
	if len(testCfg) > 0 && testCfg[0] != nil {
		if err := validateConfig(testCfg[0]); err != nil {
			return fmt.Errorf("配置驗證失敗: %w", err)
		}
		config = testCfg[0]
		return nil
	}

	// 初始化 Viper
	v := viper.New()
	setDefaults(v)

	// 環境變數覆蓋，例如 CHAT_BROKER_DATABASE_MONGO_URL
	v.SetEnvPrefix("CHAT_BROKER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// 檢查是否有 CONFIG_PATH 環境變數
	if configPath := os.Getenv("CONFIG_PATH"); configPath != "" {
		v.SetConfigFile(configPath)
		// 從檔案名稱推斷環境
		baseName := filepath.Base(configPath)
		ENV = strings.TrimSuffix(baseName, filepath.Ext(baseName))
	} else {
		v.SetConfigName(ENV)
		v.SetConfigType("yaml")
		v.AddConfigPath("./configs")
	}

	// 讀取配置檔案
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("讀取配置檔案失敗: %w", err)
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return fmt.Errorf("解析配置失敗: %w", err)
	}

	if err := validateConfig(cfg); err != nil {
		return fmt.Errorf("配置驗證失敗: %w", err)
	}

	config = cfg
	return nil
}

// setDefaults 設定預設值，讓最小的設定檔也能啟動.
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", "4000")
	v.SetDefault("server.timeout", 30)
	v.SetDefault("grpc.host", "localhost")
	v.SetDefault("grpc.port", "8081")
	v.SetDefault("database.driver", DriverMongo)
	v.SetDefault("limits.mongodb.max_pool_size", constants.DefaultMongoMaxPoolSize)
	v.SetDefault("limits.mongodb.min_pool_size", constants.DefaultMongoMinPoolSize)
	v.SetDefault("limits.mongodb.connect_timeout_seconds", constants.DefaultMongoConnectTimeout)
	v.SetDefault("limits.mongodb.server_selection_timeout_seconds", constants.DefaultMongoServerSelectionTimeout)
	v.SetDefault("log.rotation_time_hours", 24)
	v.SetDefault("log.max_age_days", 30)
	v.SetDefault("log.max_size_mb", 100)
	v.SetDefault("security.authentication.demo_enabled", true)
	v.SetDefault("limits.upload.max_size", "50MB")
}

// Get 取得設定.
func Get() *Config {
	return config
}

// GetEnv 取得當前環境.
func GetEnv() string {
	return ENV
}

// 資料庫驅動.
const (
	DriverMongo  = "mongo"
	DriverMemory = "memory"
)

// validateConfig 驗證配置的有效性
func validateConfig(cfg *Config) error {
	if cfg.App.Name == "" {
		return fmt.Errorf("應用程式名稱不能為空")
	}
	if cfg.App.Version == "" {
		return fmt.Errorf("應用程式版本不能為空")
	}

	if cfg.Server.Port == "" {
		return fmt.Errorf("伺服器端口不能為空")
	}
	if cfg.Server.Timeout <= 0 {
		return fmt.Errorf("伺服器超時時間必須大於 0")
	}

	switch cfg.Database.Driver {
	case "", DriverMongo:
		if cfg.Database.Mongo.URL == "" {
			return fmt.Errorf("MongoDB URL 不能為空")
		}
		if cfg.Database.Mongo.Database == "" {
			return fmt.Errorf("MongoDB 資料庫名稱不能為空")
		}
		if m := cfg.Limits.MongoDB; m.MaxPoolSize > 0 && m.MinPoolSize > m.MaxPoolSize {
			return fmt.Errorf("MongoDB 最小連接池大小不能大於最大連接池大小")
		}
	case DriverMemory:
	default:
		return fmt.Errorf("不支援的資料庫驅動: %s", cfg.Database.Driver)
	}

	auth := cfg.Security.Authentication
	if !auth.DemoEnabled && !auth.JWTEnabled {
		return fmt.Errorf("至少需要啟用一種認證方式")
	}
	if auth.JWTEnabled && auth.JWTSecret == "" && auth.JWTPublicKeyFile == "" {
		return fmt.Errorf("啟用 JWT 時必須設定 jwt_secret 或 jwt_public_key_file")
	}

	if cfg.Limits.Upload.MaxSize != "" {
		if _, err := humanize.ParseBytes(cfg.Limits.Upload.MaxSize); err != nil {
			return fmt.Errorf("上傳大小限制格式錯誤: %w", err)
		}
	}

	if m := cfg.Limits.MongoDB; m.OperationTimeout < 0 || m.ConnectTimeout < 0 ||
		m.ServerSelectionTimeout < 0 || m.MaxConnIdleTime < 0 || m.MaxHistoryLimit < 0 {
		return fmt.Errorf("MongoDB 限制設定不能為負數")
	}

	if cfg.Log.RotationTimeHours < 0 || cfg.Log.MaxAgeDays < 0 || cfg.Log.MaxSizeMB < 0 {
		return fmt.Errorf("日誌設定不能為負數")
	}

	return nil
}

// GetServerAddr 取得伺服器地址
func GetServerAddr() string {
	if config != nil {
		return fmt.Sprintf("%s:%s", config.Server.Host, config.Server.Port)
	}
	return "localhost:4000"
}

// GetGRPCAddr 取得 gRPC 伺服器地址
func GetGRPCAddr() string {
	if config != nil {
		return fmt.Sprintf("%s:%s", config.GRPC.Host, config.GRPC.Port)
	}
	return "localhost:8081"
}

// Bytes 解析 MaxSize；空白或格式錯誤時使用 50MB.
func (u UploadLimitsConfig) Bytes() int64 {
	const fallback = constants.DefaultMaxUploadBytes
	if u.MaxSize == "" {
		return fallback
	}
	n, err := humanize.ParseBytes(u.MaxSize)
	if err != nil || n == 0 {
		return fallback
	}
	return int64(n) // #nosec G115 -- validated at load
}
