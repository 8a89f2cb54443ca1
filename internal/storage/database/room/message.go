package room

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"chat-broker/internal/constants"
	"chat-broker/internal/platform/config"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

// MessageRepository 消息倉儲接口.
// 每個寫入都是單一的條件式原子操作.
type MessageRepository interface {
	Create(ctx context.Context, message *Message) error
	GetByID(ctx context.Context, id string) (*Message, error)
	List(ctx context.Context, q ListQuery) ([]*Message, error)
	// UpdateText 以 (id, senderID) 為條件更新文字.
	UpdateText(ctx context.Context, id, senderID, text string, editedAt time.Time) (*Message, error)
	// MarkSeen 將狀態設為 seen，並在尚未記錄時加入已讀名單.
	MarkSeen(ctx context.Context, id, userID string, seenAt time.Time) (*Message, error)
	// DeleteOwned 以 (id, senderID) 為條件永久刪除.
	DeleteOwned(ctx context.Context, id, senderID string) error
	// HideFor 將發送者本人加入 deleted_for.
	HideFor(ctx context.Context, id, senderID string) error
	Ping(ctx context.Context) error
}

// TextCipher 訊息文字的靜態加解密.
type TextCipher interface {
	Encrypt(plaintext string) (string, error)
	Decrypt(ciphertext string) (string, error)
}

const messagesCollection = "messages"

// MessageStore 消息存儲實作.
type MessageStore struct {
	collection *mongo.Collection
	cipher     TextCipher
}

// NewMessageStore 創建新的消息存儲；cipher 可為 nil.
func NewMessageStore(db *mongo.Database, cipher TextCipher) *MessageStore {
	return &MessageStore{
		collection: db.Collection(messagesCollection),
		cipher:     cipher,
	}
}

// opContext 為每次資料庫操作加上逾時.
func opContext(ctx context.Context) (context.Context, context.CancelFunc) {
	timeout := constants.DefaultMongoOperationTimeout
	if cfg := config.Get(); cfg != nil && cfg.Limits.MongoDB.OperationTimeout > 0 {
		timeout = cfg.Limits.MongoDB.OperationTimeout
	}
	return context.WithTimeout(ctx, time.Duration(timeout)*time.Second)
}

// storeErr 將驅動錯誤轉為倉儲錯誤.
func storeErr(op string, err error) error {
	if errors.Is(err, mongo.ErrNoDocuments) {
		return ErrNotFound
	}
	return fmt.Errorf("%w: %s: %v", ErrUnavailable, op, err)
}

func (s *MessageStore) encrypt(text string) (string, error) {
	if s.cipher == nil || text == "" {
		return text, nil
	}
	return s.cipher.Encrypt(text)
}

func (s *MessageStore) decrypt(m *Message) error {
	if s.cipher == nil || m.Text == "" {
		return nil
	}
	plain, err := s.cipher.Decrypt(m.Text)
	if err != nil {
		return fmt.Errorf("解密訊息 %s 失敗: %w", m.ID.Hex(), err)
	}
	m.Text = plain
	return nil
}

// Create 創建消息.
func (s *MessageStore) Create(ctx context.Context, message *Message) error {
	ctx, cancel := opContext(ctx)
	defer cancel()

	if message.ID.IsZero() {
		message.ID = bson.NewObjectID()
	}
	if message.SeenBy == nil {
		message.SeenBy = []SeenReceipt{}
	}
	if message.DeletedFor == nil {
		message.DeletedFor = []string{}
	}

	doc := *message
	enc, err := s.encrypt(message.Text)
	if err != nil {
		return fmt.Errorf("加密訊息失敗: %w", err)
	}
	doc.Text = enc

	if _, err := s.collection.InsertOne(ctx, &doc); err != nil {
		return storeErr("insert message", err)
	}
	return nil
}

// GetByID 根據 ID 獲取消息.
func (s *MessageStore) GetByID(ctx context.Context, id string) (*Message, error) {
	oid, err := ParseID(id)
	if err != nil {
		return nil, err
	}

	ctx, cancel := opContext(ctx)
	defer cancel()

	var message Message
	if err := s.collection.FindOne(ctx, bson.M{"_id": oid}).Decode(&message); err != nil {
		return nil, storeErr("find message", err)
	}
	if err := s.decrypt(&message); err != nil {
		return nil, err
	}
	return &message, nil
}

// List 依建立時間正序取得訊息；q.Limit > 0 時只取最新的 q.Limit 筆.
func (s *MessageStore) List(ctx context.Context, q ListQuery) ([]*Message, error) {
	ctx, cancel := opContext(ctx)
	defer cancel()

	filter := bson.M{}
	if q.Viewer != "" {
		filter["deleted_for"] = bson.M{"$ne": q.Viewer}
	}
	if q.Since != nil {
		filter["created_at"] = bson.M{"$gt": *q.Since}
	}

	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}, {Key: "_id", Value: 1}})
	if q.Limit > 0 {
		// 反向取最新的 N 筆，讀完再翻回正序
		opts = options.Find().
			SetSort(bson.D{{Key: "created_at", Value: -1}, {Key: "_id", Value: -1}}).
			SetLimit(int64(q.Limit))
	}

	cursor, err := s.collection.Find(ctx, filter, opts)
	if err != nil {
		return nil, storeErr("find messages", err)
	}
	defer cursor.Close(ctx)

	messages := make([]*Message, 0)
	for cursor.Next(ctx) {
		var message Message
		if err := cursor.Decode(&message); err != nil {
			return nil, storeErr("decode message", err)
		}
		if err := s.decrypt(&message); err != nil {
			return nil, err
		}
		messages = append(messages, &message)
	}
	if err := cursor.Err(); err != nil {
		return nil, storeErr("iterate messages", err)
	}
	if q.Limit > 0 {
		slices.Reverse(messages)
	}
	return messages, nil
}

// UpdateText 編輯訊息.
func (s *MessageStore) UpdateText(ctx context.Context, id, senderID, text string, editedAt time.Time) (*Message, error) {
	oid, err := ParseID(id)
	if err != nil {
		return nil, err
	}
	enc, err := s.encrypt(text)
	if err != nil {
		return nil, fmt.Errorf("加密訊息失敗: %w", err)
	}

	ctx, cancel := opContext(ctx)
	defer cancel()

	update := bson.M{"$set": bson.M{
		"text":       enc,
		"is_edited":  true,
		"edited_at":  editedAt,
		"updated_at": editedAt,
	}}
	opts := options.FindOneAndUpdate().SetReturnDocument(options.After)

	var message Message
	err = s.collection.FindOneAndUpdate(ctx, bson.M{"_id": oid, "sender_id": senderID}, update, opts).Decode(&message)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, s.missReason(ctx, oid)
		}
		return nil, storeErr("update message", err)
	}
	if err := s.decrypt(&message); err != nil {
		return nil, err
	}
	return &message, nil
}

// MarkSeen 標記訊息為已讀.
func (s *MessageStore) MarkSeen(ctx context.Context, id, userID string, seenAt time.Time) (*Message, error) {
	oid, err := ParseID(id)
	if err != nil {
		return nil, err
	}

	ctx, cancel := opContext(ctx)
	defer cancel()

	opts := options.FindOneAndUpdate().SetReturnDocument(options.After)

	// 第一步：只有 seen_by 中還沒有該使用者時才加入
	filter := bson.M{
		"_id":             oid,
		"seen_by.user_id": bson.M{"$ne": userID},
	}
	update := bson.M{
		"$set":  bson.M{"status": StatusSeen, "updated_at": seenAt},
		"$push": bson.M{"seen_by": SeenReceipt{UserID: userID, SeenAt: seenAt}},
	}

	var message Message
	err = s.collection.FindOneAndUpdate(ctx, filter, update, opts).Decode(&message)
	if errors.Is(err, mongo.ErrNoDocuments) {
		// 第二步：已經讀過，狀態仍確保為 seen
		err = s.collection.FindOneAndUpdate(ctx,
			bson.M{"_id": oid},
			bson.M{"$set": bson.M{"status": StatusSeen}},
			opts,
		).Decode(&message)
	}
	if err != nil {
		return nil, storeErr("mark seen", err)
	}
	if err := s.decrypt(&message); err != nil {
		return nil, err
	}
	return &message, nil
}

// DeleteOwned 永久刪除訊息.
func (s *MessageStore) DeleteOwned(ctx context.Context, id, senderID string) error {
	oid, err := ParseID(id)
	if err != nil {
		return err
	}

	ctx, cancel := opContext(ctx)
	defer cancel()

	res, err := s.collection.DeleteOne(ctx, bson.M{"_id": oid, "sender_id": senderID})
	if err != nil {
		return storeErr("delete message", err)
	}
	if res.DeletedCount == 0 {
		return s.missReason(ctx, oid)
	}
	return nil
}

// HideFor 對發送者本人隱藏訊息.
func (s *MessageStore) HideFor(ctx context.Context, id, senderID string) error {
	oid, err := ParseID(id)
	if err != nil {
		return err
	}

	ctx, cancel := opContext(ctx)
	defer cancel()

	res, err := s.collection.UpdateOne(ctx,
		bson.M{"_id": oid, "sender_id": senderID},
		bson.M{"$addToSet": bson.M{"deleted_for": senderID}},
	)
	if err != nil {
		return storeErr("hide message", err)
	}
	if res.MatchedCount == 0 {
		return s.missReason(ctx, oid)
	}
	return nil
}

// missReason 條件寫入未命中時，區分訊息不存在與非發送者.
func (s *MessageStore) missReason(ctx context.Context, oid bson.ObjectID) error {
	n, err := s.collection.CountDocuments(ctx, bson.M{"_id": oid}, options.Count().SetLimit(1))
	if err != nil {
		return storeErr("count message", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return ErrNotOwner
}

// Ping 檢查連線.
func (s *MessageStore) Ping(ctx context.Context) error {
	ctx, cancel := opContext(ctx)
	defer cancel()
	if err := s.collection.Database().Client().Ping(ctx, nil); err != nil {
		return storeErr("ping", err)
	}
	return nil
}
