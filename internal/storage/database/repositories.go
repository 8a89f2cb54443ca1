package database

import (
	"context"
	"fmt"

	"chat-broker/internal/platform/logger"
	"chat-broker/internal/storage/database/room"
	"chat-broker/internal/storage/memstore"

	"go.mongodb.org/mongo-driver/v2/mongo"
)

// Repositories 倉儲集合.
type Repositories struct {
	Messages room.MessageRepository
	Users    room.UserRepository
}

// NewRepositories 以 MongoDB 創建倉儲集合；cipher 為 nil 時不加密訊息文字.
func NewRepositories(ctx context.Context, db *mongo.Database, cipher room.TextCipher) (*Repositories, error) {
	if db == nil {
		return nil, fmt.Errorf("MongoDB 尚未初始化")
	}

	// 創建索引以優化查詢性能，失敗不中斷服務啟動
	if err := room.CreateIndexes(ctx, db); err != nil {
		logger.Warning(ctx, "建立索引失敗", logger.WithError(err))
	}

	return &Repositories{
		Messages: room.NewMessageStore(db, cipher),
		Users:    room.NewUserStore(db),
	}, nil
}

// NewMemoryRepositories 創建記憶體倉儲集合，重啟後資料消失.
func NewMemoryRepositories() *Repositories {
	return &Repositories{
		Messages: memstore.NewMessageStore(),
		Users:    memstore.NewUserStore(),
	}
}
