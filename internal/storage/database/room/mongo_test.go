package room

import (
	"bytes"
	"context"
	"os"
	"testing"
	"time"

	"chat-broker/internal/platform/logger"
	"chat-broker/internal/security/encryption"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

// testDatabase 連到 MONGO_URI 指定的實例並建立一次性資料庫；未設定時跳過.
func testDatabase(t *testing.T) *mongo.Database {
	t.Helper()
	uri := os.Getenv("MONGO_URI")
	if uri == "" {
		t.Skip("MONGO_URI 未設定，略過 MongoDB 整合測試")
	}
	logger.SetOutput(&bytes.Buffer{})

	client, err := mongo.Connect(options.Client().ApplyURI(uri))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, client.Ping(ctx, nil))

	db := client.Database("chat_broker_test_" + bson.NewObjectID().Hex())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = db.Drop(ctx)
		_ = client.Disconnect(ctx)
	})
	require.NoError(t, CreateIndexes(ctx, db))
	return db
}

func seedMessage(t *testing.T, s *MessageStore, sender, text string, at time.Time) *Message {
	t.Helper()
	m := NewMessage()
	m.SenderID = sender
	m.SenderName = sender
	m.Text = text
	m.Kind = KindText
	m.CreatedAt = at
	m.UpdatedAt = at
	require.NoError(t, s.Create(context.Background(), &m))
	return &m
}

func TestMongoMessageStoreList(t *testing.T) {
	db := testDatabase(t)
	s := NewMessageStore(db, nil)
	ctx := context.Background()

	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	var ids []string
	for i, text := range []string{"m1", "m2", "m3", "m4"} {
		ids = append(ids, seedMessage(t, s, "u1", text, base.Add(time.Duration(i)*time.Second)).ID.Hex())
	}

	all, err := s.List(ctx, ListQuery{})
	require.NoError(t, err)
	require.Len(t, all, 4)
	for i, m := range all {
		assert.Equal(t, ids[i], m.ID.Hex())
	}

	latest, err := s.List(ctx, ListQuery{Limit: 2})
	require.NoError(t, err)
	require.Len(t, latest, 2)
	assert.Equal(t, "m3", latest[0].Text)
	assert.Equal(t, "m4", latest[1].Text)

	since := base.Add(time.Second)
	recent, err := s.List(ctx, ListQuery{Since: &since})
	require.NoError(t, err)
	assert.Len(t, recent, 2)

	// deleted_for 只影響該 viewer
	require.NoError(t, s.HideFor(ctx, ids[0], "u1"))
	require.NoError(t, s.HideFor(ctx, ids[0], "u1"))
	forU1, err := s.List(ctx, ListQuery{Viewer: "u1"})
	require.NoError(t, err)
	assert.Len(t, forU1, 3)
	forU2, err := s.List(ctx, ListQuery{Viewer: "u2"})
	require.NoError(t, err)
	assert.Len(t, forU2, 4)

	hidden, err := s.GetByID(ctx, ids[0])
	require.NoError(t, err)
	assert.Equal(t, []string{"u1"}, hidden.DeletedFor)
}

func TestMongoMessageStoreOwnership(t *testing.T) {
	db := testDatabase(t)
	s := NewMessageStore(db, nil)
	ctx := context.Background()
	m := seedMessage(t, s, "u1", "hello", time.Now().UTC().Truncate(time.Millisecond))
	id := m.ID.Hex()
	missing := bson.NewObjectID().Hex()

	_, err := s.UpdateText(ctx, id, "u2", "hijack", time.Now())
	assert.ErrorIs(t, err, ErrNotOwner)
	_, err = s.UpdateText(ctx, missing, "u1", "x", time.Now())
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = s.UpdateText(ctx, "not-an-id", "u1", "x", time.Now())
	assert.ErrorIs(t, err, ErrNotFound)

	edited, err := s.UpdateText(ctx, id, "u1", "hello again", time.Now())
	require.NoError(t, err)
	assert.True(t, edited.IsEdited)
	assert.Equal(t, "hello again", edited.Text)

	assert.ErrorIs(t, s.HideFor(ctx, id, "u2"), ErrNotOwner)
	assert.ErrorIs(t, s.HideFor(ctx, missing, "u1"), ErrNotFound)

	assert.ErrorIs(t, s.DeleteOwned(ctx, id, "u2"), ErrNotOwner)
	require.NoError(t, s.DeleteOwned(ctx, id, "u1"))
	assert.ErrorIs(t, s.DeleteOwned(ctx, id, "u1"), ErrNotFound)
	_, err = s.GetByID(ctx, id)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMongoMessageStoreMarkSeen(t *testing.T) {
	db := testDatabase(t)
	s := NewMessageStore(db, nil)
	ctx := context.Background()
	m := seedMessage(t, s, "u1", "read me", time.Now().UTC().Truncate(time.Millisecond))
	id := m.ID.Hex()

	first, err := s.MarkSeen(ctx, id, "u2", time.Now())
	require.NoError(t, err)
	assert.Equal(t, StatusSeen, first.Status)
	require.Len(t, first.SeenBy, 1)

	// 第二次走第二步：不重複加入已讀名單
	again, err := s.MarkSeen(ctx, id, "u2", time.Now())
	require.NoError(t, err)
	assert.Equal(t, StatusSeen, again.Status)
	assert.Len(t, again.SeenBy, 1)

	other, err := s.MarkSeen(ctx, id, "u3", time.Now())
	require.NoError(t, err)
	assert.Len(t, other.SeenBy, 2)

	_, err = s.MarkSeen(ctx, bson.NewObjectID().Hex(), "u2", time.Now())
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMongoMessageStoreEncryptsText(t *testing.T) {
	db := testDatabase(t)
	cipher, err := encryption.NewTextCipher(bytes.Repeat([]byte{7}, 32))
	require.NoError(t, err)
	s := NewMessageStore(db, cipher)
	ctx := context.Background()

	m := seedMessage(t, s, "u1", "secret text", time.Now().UTC().Truncate(time.Millisecond))

	var raw bson.M
	require.NoError(t, db.Collection(messagesCollection).FindOne(ctx, bson.M{"_id": m.ID}).Decode(&raw))
	stored, _ := raw["text"].(string)
	assert.NotContains(t, stored, "secret")
	assert.True(t, encryption.IsEncrypted(stored))

	got, err := s.GetByID(ctx, m.ID.Hex())
	require.NoError(t, err)
	assert.Equal(t, "secret text", got.Text)
}

func TestMongoUserStorePresence(t *testing.T) {
	db := testDatabase(t)
	s := NewUserStore(db)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Millisecond)

	require.NoError(t, s.ApplyPresence(ctx, &User{ID: "u1", DisplayName: "Bob", IsOnline: true, LastSeen: now, PresenceSeq: 5}))
	// 舊序號：upsert 撞到同一個 _id，視為過期寫入
	require.NoError(t, s.ApplyPresence(ctx, &User{ID: "u1", DisplayName: "Bob", IsOnline: false, LastSeen: now, PresenceSeq: 3}))

	users, err := s.List(ctx)
	require.NoError(t, err)
	require.Len(t, users, 1)
	assert.True(t, users[0].IsOnline)
	assert.EqualValues(t, 5, users[0].PresenceSeq)

	require.NoError(t, s.ApplyPresence(ctx, &User{ID: "u2", DisplayName: "Alice", IsOnline: true, IsTyping: true, LastSeen: now, PresenceSeq: 6}))
	require.NoError(t, s.ResetPresence(ctx, 2))

	users, err = s.List(ctx)
	require.NoError(t, err)
	require.Len(t, users, 2)
	assert.Equal(t, "u2", users[0].ID, "依顯示名稱排序")
	for _, u := range users {
		assert.False(t, u.IsOnline)
		assert.False(t, u.IsTyping)
		assert.EqualValues(t, 2, u.PresenceSeq)
	}

	// 重設之後新的序號可以寫入
	later := now.Add(time.Minute)
	require.NoError(t, s.ApplyPresence(ctx, &User{ID: "u1", DisplayName: "Bob", IsOnline: true, LastSeen: later, PresenceSeq: 3}))
	users, err = s.List(ctx)
	require.NoError(t, err)
	assert.True(t, users[1].IsOnline)
	assert.True(t, users[1].LastSeen.Equal(later))
}
