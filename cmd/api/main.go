package main

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"chat-broker/internal/broker"
	"chat-broker/internal/constants"
	roomgrpc "chat-broker/internal/grpc"
	"chat-broker/internal/identity"
	"chat-broker/internal/platform/config"
	"chat-broker/internal/platform/driver"
	"chat-broker/internal/platform/logger"
	"chat-broker/internal/platform/middleware"
	"chat-broker/internal/platform/server"
	"chat-broker/internal/security/audit"
	"chat-broker/internal/security/encryption"
	"chat-broker/internal/storage/database"
	"chat-broker/internal/storage/database/room"
	"chat-broker/internal/storage/media"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"
)

func main() {
	if err := mainNoExit(); err != nil {
		fmt.Fprintf(os.Stderr, "Fatal error: %v\n", err)
		os.Exit(1)
	}
}

// loadMasterKey 載入主密鑰
// 從環境變量 MASTER_KEY 讀取 base64 編碼的 32 bytes 密鑰
// 如果未設置，生成臨時隨機密鑰（開發環境）
func loadMasterKey() ([]byte, error) {
	ctx := context.Background()
	masterKeyEnv := os.Getenv("MASTER_KEY")

	if masterKeyEnv != "" {
		masterKey, err := base64.StdEncoding.DecodeString(masterKeyEnv)
		if err != nil {
			logger.Error(ctx, "Master Key 格式錯誤", logger.WithError(err))
			return nil, fmt.Errorf("invalid master key configuration")
		}

		// 驗證長度必須是 32 bytes
		if len(masterKey) != constants.MasterKeyLength {
			logger.Error(ctx, "Master Key 長度錯誤", logger.WithDetails(map[string]interface{}{"expected": constants.MasterKeyLength, "got": len(masterKey)}))
			return nil, fmt.Errorf("invalid master key configuration")
		}

		logger.Info(ctx, "[SUCCESS] 成功從環境變量載入主密鑰", logger.WithDetails(map[string]interface{}{
			"masked": fmt.Sprintf("%x****", masterKey[:2]),
			"source": "MASTER_KEY environment variable",
		}))
		return masterKey, nil
	}

	masterKey := make([]byte, constants.MasterKeyLength)
	if _, err := rand.Read(masterKey); err != nil {
		logger.Error(ctx, "無法生成隨機密鑰", logger.WithError(err))
		return nil, fmt.Errorf("master key initialization failed")
	}

	logger.Warning(ctx, "[WARNING] 開發模式：使用臨時主密鑰（重啟後舊訊息將無法解密）")
	logger.Info(ctx, "生成方式：export MASTER_KEY=$(openssl rand -base64 32)")
	return masterKey, nil
}

// newVerifier 示範 token 與委派 JWT 組成驗證鏈
func newVerifier(auth config.AuthenticationConfig) (identity.Verifier, error) {
	var delegated identity.TokenVerifier
	if auth.JWTEnabled {
		var (
			v   *identity.JWTVerifier
			err error
		)
		if auth.JWTPublicKeyFile != "" {
			v, err = identity.NewJWTVerifierFromFile(auth.JWTPublicKeyFile, auth.JWTIssuer, auth.JWTAudience)
		} else {
			v, err = identity.NewJWTVerifier(identity.JWTConfig{
				Secret:   auth.JWTSecret,
				Issuer:   auth.JWTIssuer,
				Audience: auth.JWTAudience,
			})
		}
		if err != nil {
			return nil, err
		}
		delegated = v
	}
	return identity.NewChain(auth.DemoEnabled, delegated), nil
}

// openStorage 依設定建立倉儲與檔案存儲；回傳的 close 負責斷線
func openStorage(ctx context.Context, cfg *config.Config) (*database.Repositories, media.Store, func(), error) {
	if cfg.Database.Driver == config.DriverMemory {
		logger.Warning(ctx, "使用記憶體存儲，重啟後資料消失")
		return database.NewMemoryRepositories(), media.NewMemoryStore(), func() {}, nil
	}

	// 資料庫無法連線時直接結束
	if err := driver.ConnectMongo(); err != nil {
		return nil, nil, nil, err
	}
	closeFn := func() {
		if err := driver.CloseMongo(); err != nil {
			logger.Errorf(ctx, "關閉 MongoDB 連接失敗: %v", err)
		}
	}

	var cipher room.TextCipher
	if cfg.Security.Encryption.Enabled {
		masterKey, err := loadMasterKey()
		if err != nil {
			closeFn()
			return nil, nil, nil, fmt.Errorf("encryption initialization failed: %w", err)
		}
		c, err := encryption.NewTextCipherFromMaster(masterKey)
		if err != nil {
			closeFn()
			return nil, nil, nil, fmt.Errorf("encryption initialization failed: %w", err)
		}
		cipher = c
		logger.Info(ctx, "訊息文字靜態加密已啟用")
	}

	db := driver.GetMongoDatabase()
	repos, err := database.NewRepositories(ctx, db, cipher)
	if err != nil {
		closeFn()
		return nil, nil, nil, err
	}
	return repos, media.NewGridFSStore(db, constants.MediaBucketName), closeFn, nil
}

// mainNoExit 分離主要邏輯以避免 exitAfterDefer 問題，確保 defer 函數正常執行.
func mainNoExit() error {
	// 本機開發時從 .env 載入環境變數，檔案不存在不影響啟動
	_ = godotenv.Load()

	// 初始化日誌.
	if err := logger.InitLogger(); err != nil {
		return err
	}
	defer logger.CloseLogger()

	// 載入配置.
	if err := config.Load(); err != nil {
		return err
	}
	cfg := config.Get()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	repos, store, closeStorage, err := openStorage(ctx, cfg)
	if err != nil {
		logger.Error(ctx, "存儲初始化失敗", logger.WithError(err))
		return fmt.Errorf("storage initialization failed: %w", err)
	}
	defer closeStorage()

	verifier, err := newVerifier(cfg.Security.Authentication)
	if err != nil {
		return fmt.Errorf("authentication initialization failed: %w", err)
	}

	auditService := audit.NewAuditService(cfg.Security.Audit.Enabled)

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := broker.NewMetrics(reg)

	hub := broker.NewHub(repos.Users, metrics)
	broker.RegisterHubGauges(reg, hub)
	// 上一個行程留下的在線狀態在這裡清掉，之後才開始接受連線
	if err := hub.ResetPresence(ctx); err != nil {
		logger.Error(ctx, "重設在線狀態失敗", logger.WithError(err))
		return fmt.Errorf("storage initialization failed: %w", err)
	}

	coordOpts := []broker.CoordinatorOption{broker.WithAudit(auditService), broker.WithMetrics(metrics)}
	if n := cfg.Limits.Message.MaxLength; n > 0 {
		coordOpts = append(coordOpts, broker.WithMaxLength(n))
	}
	coord := broker.NewCoordinator(repos.Messages, repos.Users, hub, coordOpts...)

	httpServer := server.New(cfg, server.Deps{
		Hub:         hub,
		Coordinator: coord,
		Verifier:    verifier,
		Media:       store,
		Audit:       auditService,
		Gatherer:    reg,
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return httpServer.Start(gctx)
	})

	if cfg.GRPC.Enabled {
		grpcServer, err := roomgrpc.NewServer(
			hub,
			coord,
			middleware.NewAuthMiddleware(verifier, auditService),
			cfg.Security.TLS,
			broker.SessionOptions{
				SendBuffer:       cfg.Limits.WebSocket.SendBuffer,
				OperationTimeout: time.Duration(cfg.Limits.WebSocket.OperationTimeout) * time.Second,
				Audit:            auditService,
			},
		)
		if err != nil {
			logger.Error(ctx, "gRPC 服務器創建失敗", logger.WithError(err))
			return fmt.Errorf("server initialization failed")
		}
		g.Go(func() error {
			return grpcServer.Start(gctx, config.GetGRPCAddr())
		})
	}

	logger.Info(ctx, "[System] 服務器啟動完成", logger.WithDetails(map[string]interface{}{
		"http":    config.GetServerAddr(),
		"grpc":    cfg.GRPC.Enabled,
		"driver":  cfg.Database.Driver,
		"audit":   auditService.IsEnabled(),
		"encrypt": cfg.Security.Encryption.Enabled,
	}))

	err = g.Wait()
	logger.Info(context.Background(), "服務器已關閉", logger.WithAction("shutdown"))
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
