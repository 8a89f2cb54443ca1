package room

import (
	"context"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

// UserRepository 使用者在線狀態倉儲接口.
type UserRepository interface {
	// ApplyPresence 只在 u.PresenceSeq 比已存的新時寫入，舊的寫入直接忽略.
	ApplyPresence(ctx context.Context, u *User) error
	// ResetPresence 將所有使用者標為離線且未輸入，presence_seq 一律設為 seq.
	ResetPresence(ctx context.Context, seq int64) error
	List(ctx context.Context) ([]*User, error)
}

const usersCollection = "users"

// UserStore 使用者存儲實作.
type UserStore struct {
	collection *mongo.Collection
}

// NewUserStore 創建新的使用者存儲.
func NewUserStore(db *mongo.Database) *UserStore {
	return &UserStore{collection: db.Collection(usersCollection)}
}

// ApplyPresence 條件式 upsert：presence_seq 較新才覆蓋.
func (s *UserStore) ApplyPresence(ctx context.Context, u *User) error {
	ctx, cancel := opContext(ctx)
	defer cancel()

	filter := bson.M{
		"_id":          u.ID,
		"presence_seq": bson.M{"$lt": u.PresenceSeq},
	}
	set := bson.M{
		"display_name": u.DisplayName,
		"avatar_ref":   u.AvatarRef,
		"is_online":    u.IsOnline,
		"is_typing":    u.IsTyping,
		"last_seen":    u.LastSeen,
		"presence_seq": u.PresenceSeq,
	}
	if u.Email != "" {
		set["email"] = u.Email
	}

	_, err := s.collection.UpdateOne(ctx, filter, bson.M{"$set": set}, options.UpdateOne().SetUpsert(true))
	if err != nil {
		// 文件已存在且序號較新：upsert 嘗試插入同 _id 而衝突，代表這次寫入已過期
		if mongo.IsDuplicateKeyError(err) {
			return nil
		}
		return storeErr("apply presence", err)
	}
	return nil
}

// ResetPresence 啟動時清除上一個行程留下的在線狀態；last_seen 保留原值.
func (s *UserStore) ResetPresence(ctx context.Context, seq int64) error {
	ctx, cancel := opContext(ctx)
	defer cancel()

	_, err := s.collection.UpdateMany(ctx, bson.M{}, bson.M{"$set": bson.M{
		"is_online":    false,
		"is_typing":    false,
		"presence_seq": seq,
	}})
	if err != nil {
		return storeErr("reset presence", err)
	}
	return nil
}

// List 取得所有使用者，依顯示名稱排序.
func (s *UserStore) List(ctx context.Context) ([]*User, error) {
	ctx, cancel := opContext(ctx)
	defer cancel()

	opts := options.Find().SetSort(bson.D{{Key: "display_name", Value: 1}, {Key: "_id", Value: 1}})
	cursor, err := s.collection.Find(ctx, bson.M{}, opts)
	if err != nil {
		return nil, storeErr("find users", err)
	}
	defer cursor.Close(ctx)

	users := make([]*User, 0)
	if err := cursor.All(ctx, &users); err != nil {
		return nil, storeErr("decode users", err)
	}
	return users, nil
}
