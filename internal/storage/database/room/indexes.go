package room

import (
	"context"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

// CreateIndexes 創建數據庫索引以優化查詢性能
func CreateIndexes(ctx context.Context, db *mongo.Database) error {
	// 1. 建立時間 + _id：全部訊息的排序順序
	timeIndex := mongo.IndexModel{
		Keys:    bson.D{{Key: "created_at", Value: 1}, {Key: "_id", Value: 1}},
		Options: options.Index().SetName("created_at_id_idx"),
	}

	// 2. 發送者：編輯與刪除的條件寫入
	senderIndex := mongo.IndexModel{
		Keys:    bson.D{{Key: "sender_id", Value: 1}},
		Options: options.Index().SetName("sender_idx"),
	}

	if _, err := db.Collection(messagesCollection).Indexes().CreateMany(ctx, []mongo.IndexModel{timeIndex, senderIndex}); err != nil {
		return err
	}

	// 使用者列表依顯示名稱排序
	nameIndex := mongo.IndexModel{
		Keys:    bson.D{{Key: "display_name", Value: 1}},
		Options: options.Index().SetName("display_name_idx"),
	}
	_, err := db.Collection(usersCollection).Indexes().CreateOne(ctx, nameIndex)
	return err
}
