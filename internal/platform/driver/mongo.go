// Package driver 管理聊天室的 MongoDB 連線；訊息、使用者投影與 GridFS 媒體共用同一個 client.
package driver

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"chat-broker/internal/constants"
	"chat-broker/internal/platform/config"
	"chat-broker/internal/platform/logger"

	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.mongodb.org/mongo-driver/v2/mongo/readpref"
)

var (
	mongoClient *mongo.Client
	mongoDB     *mongo.Database
)

// ConnectMongo 依已載入的設定連線；失敗時啟動流程直接結束.
func ConnectMongo() error {
	cfg := config.Get()
	if cfg == nil {
		return fmt.Errorf("配置未載入")
	}
	return Connect(context.Background(), cfg.Database.Mongo, cfg.Limits.MongoDB)
}

// Connect 建立 client 並 ping primary，成功後才設定全域實例.
func Connect(ctx context.Context, conn config.MongoConfig, limits config.MongoDBLimitsConfig) error {
	opts, err := clientOptions(conn, limits)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, seconds(limits.ConnectTimeout, constants.DefaultMongoConnectTimeout))
	defer cancel()

	client, err := mongo.Connect(opts)
	if err != nil {
		return fmt.Errorf("failed to connect to MongoDB: %w", err)
	}
	if err := client.Ping(ctx, readpref.Primary()); err != nil {
		_ = client.Disconnect(context.Background())
		return fmt.Errorf("failed to ping MongoDB: %w", err)
	}

	mongoClient = client
	mongoDB = client.Database(conn.Database)

	logger.Info(ctx, "MongoDB 已連線", logger.WithDetails(map[string]interface{}{
		"database":      conn.Database,
		"max_pool_size": *opts.MaxPoolSize,
		"min_pool_size": *opts.MinPoolSize,
		"tls":           conn.TLSEnabled,
	}))
	return nil
}

// clientOptions 組出 client 設定；limits 的 0 值以 constants 預設補上.
func clientOptions(conn config.MongoConfig, limits config.MongoDBLimitsConfig) (*options.ClientOptions, error) {
	if conn.URL == "" {
		return nil, fmt.Errorf("MongoDB URL 不能為空")
	}

	maxPool := limits.MaxPoolSize
	if maxPool == 0 {
		maxPool = constants.DefaultMongoMaxPoolSize
	}
	minPool := limits.MinPoolSize
	if minPool == 0 {
		minPool = constants.DefaultMongoMinPoolSize
	}
	if minPool > maxPool {
		minPool = maxPool
	}

	opts := options.Client().
		ApplyURI(conn.URL).
		SetAppName(constants.MongoAppName).
		SetMaxPoolSize(maxPool).
		SetMinPoolSize(minPool).
		SetMaxConnIdleTime(seconds(limits.MaxConnIdleTime, constants.DefaultMongoMaxConnIdleTime)).
		SetConnectTimeout(seconds(limits.ConnectTimeout, constants.DefaultMongoConnectTimeout)).
		SetServerSelectionTimeout(seconds(limits.ServerSelectionTimeout, constants.DefaultMongoServerSelectionTimeout))

	// 設定檔優先，未設定時讀環境變數
	username, password := conn.Username, conn.Password
	if username == "" {
		username = os.Getenv("MONGO_USERNAME")
	}
	if password == "" {
		password = os.Getenv("MONGO_PASSWORD")
	}
	if username != "" && password != "" {
		opts.SetAuth(options.Credential{Username: username, Password: password})
		logger.LogInfof("MongoDB 使用認證連接")
	} else {
		logger.LogInfof("MongoDB 使用無認證連接（開發環境）")
	}

	if conn.TLSEnabled {
		tlsConfig, err := loadMongoTLSConfig(conn)
		if err != nil {
			return nil, fmt.Errorf("failed to load MongoDB TLS config: %w", err)
		}
		opts.SetTLSConfig(tlsConfig)
	}
	return opts, nil
}

func seconds(n, fallback int) time.Duration {
	if n <= 0 {
		n = fallback
	}
	return time.Duration(n) * time.Second
}

// GetMongoDatabase 取得聊天室資料庫；ConnectMongo 成功前為 nil.
func GetMongoDatabase() *mongo.Database {
	return mongoDB
}

// CloseMongo 關閉連線.
func CloseMongo() error {
	if mongoClient == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := mongoClient.Disconnect(ctx)
	mongoClient, mongoDB = nil, nil
	return err
}

// loadMongoTLSConfig 載入 MongoDB TLS 配置
func loadMongoTLSConfig(conn config.MongoConfig) (*tls.Config, error) {
	tlsConfig := &tls.Config{MinVersion: tls.VersionTLS12}

	if conn.TLSInsecureSkipVerify {
		// #nosec G402 -- 僅開發環境
		tlsConfig.InsecureSkipVerify = true
		logger.LogWarnf("MongoDB TLS 證書驗證已跳過（僅開發環境）")
		return tlsConfig, nil
	}

	if conn.TLSCAFile != "" {
		caCert, err := os.ReadFile(filepath.Clean(conn.TLSCAFile))
		if err != nil {
			return nil, fmt.Errorf("failed to read CA file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(caCert) {
			return nil, fmt.Errorf("failed to append CA certs")
		}
		tlsConfig.RootCAs = pool
	}

	if conn.TLSCertFile != "" && conn.TLSKeyFile != "" {
		clientCert, err := tls.LoadX509KeyPair(filepath.Clean(conn.TLSCertFile), filepath.Clean(conn.TLSKeyFile))
		if err != nil {
			return nil, fmt.Errorf("failed to load client certificate: %w", err)
		}
		tlsConfig.Certificates = []tls.Certificate{clientCert}
	}
	return tlsConfig, nil
}
