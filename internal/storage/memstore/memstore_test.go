package memstore

import (
	"context"
	"testing"
	"time"

	"chat-broker/internal/storage/database/room"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMessage(sender, text string) *room.Message {
	m := room.NewMessage()
	m.SenderID = sender
	m.SenderName = sender
	m.Text = text
	m.Kind = room.KindText
	m.Status = room.StatusDelivered
	return &m
}

func TestMessageStoreListOrderAndFilter(t *testing.T) {
	ctx := context.Background()
	s := NewMessageStore()

	var ids []string
	for _, text := range []string{"a", "b", "c"} {
		m := newMessage("u1", text)
		require.NoError(t, s.Create(ctx, m))
		ids = append(ids, m.ID.Hex())
	}

	all, err := s.List(ctx, room.ListQuery{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	for i := 1; i < len(all); i++ {
		assert.False(t, all[i].CreatedAt.Before(all[i-1].CreatedAt), "created_at 必須遞增")
	}
	assert.Equal(t, ids, []string{all[0].ID.Hex(), all[1].ID.Hex(), all[2].ID.Hex()})

	require.NoError(t, s.HideFor(ctx, ids[1], "u1"))
	require.NoError(t, s.HideFor(ctx, ids[1], "u1"))

	forU1, err := s.List(ctx, room.ListQuery{Viewer: "u1"})
	require.NoError(t, err)
	assert.Len(t, forU1, 2)

	forU2, err := s.List(ctx, room.ListQuery{Viewer: "u2"})
	require.NoError(t, err)
	assert.Len(t, forU2, 3)

	hidden, err := s.GetByID(ctx, ids[1])
	require.NoError(t, err)
	assert.Equal(t, []string{"u1"}, hidden.DeletedFor)

	since := all[0].CreatedAt.Add(-time.Millisecond)
	recent, err := s.List(ctx, room.ListQuery{Since: &since, Limit: 2})
	require.NoError(t, err)
	// limit 取最新的兩筆，仍為正序
	require.Len(t, recent, 2)
	assert.Equal(t, []string{ids[1], ids[2]}, []string{recent[0].ID.Hex(), recent[1].ID.Hex()})
}

func TestMessageStoreOwnership(t *testing.T) {
	ctx := context.Background()
	s := NewMessageStore()
	m := newMessage("u1", "hi")
	require.NoError(t, s.Create(ctx, m))
	id := m.ID.Hex()

	_, err := s.UpdateText(ctx, id, "u2", "hacked", time.Now())
	assert.ErrorIs(t, err, room.ErrNotOwner)
	assert.ErrorIs(t, s.DeleteOwned(ctx, id, "u2"), room.ErrNotOwner)
	assert.ErrorIs(t, s.HideFor(ctx, id, "u2"), room.ErrNotOwner)

	got, err := s.GetByID(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "hi", got.Text)
	assert.False(t, got.IsEdited)

	_, err = s.UpdateText(ctx, "missing", "u1", "x", time.Now())
	assert.ErrorIs(t, err, room.ErrNotFound)

	require.NoError(t, s.DeleteOwned(ctx, id, "u1"))
	_, err = s.GetByID(ctx, id)
	assert.ErrorIs(t, err, room.ErrNotFound)
}

func TestMessageStoreMarkSeenIdempotent(t *testing.T) {
	ctx := context.Background()
	s := NewMessageStore()
	m := newMessage("u1", "hi")
	require.NoError(t, s.Create(ctx, m))

	for i := 0; i < 2; i++ {
		got, err := s.MarkSeen(ctx, m.ID.Hex(), "u2", time.Now())
		require.NoError(t, err)
		assert.Equal(t, room.StatusSeen, got.Status)
		assert.Len(t, got.SeenBy, 1)
	}
}

func TestMessageStoreFailure(t *testing.T) {
	ctx := context.Background()
	s := NewMessageStore()
	s.SetFailure(room.ErrUnavailable)

	assert.ErrorIs(t, s.Create(ctx, newMessage("u1", "x")), room.ErrUnavailable)
	_, err := s.List(ctx, room.ListQuery{})
	assert.ErrorIs(t, err, room.ErrUnavailable)
	assert.ErrorIs(t, s.Ping(ctx), room.ErrUnavailable)

	s.SetFailure(nil)
	assert.NoError(t, s.Ping(ctx))
}

func TestUserStoreLastWriterWins(t *testing.T) {
	ctx := context.Background()
	s := NewUserStore()

	require.NoError(t, s.ApplyPresence(ctx, &room.User{ID: "u1", DisplayName: "User1", IsOnline: false, PresenceSeq: 5}))
	// 較舊的序號不得覆蓋
	require.NoError(t, s.ApplyPresence(ctx, &room.User{ID: "u1", DisplayName: "User1", IsOnline: true, PresenceSeq: 3}))

	u, ok := s.Get("u1")
	require.True(t, ok)
	assert.False(t, u.IsOnline)
	assert.EqualValues(t, 5, u.PresenceSeq)

	require.NoError(t, s.ApplyPresence(ctx, &room.User{ID: "u1", DisplayName: "User1", IsOnline: true, PresenceSeq: 6}))
	require.NoError(t, s.ApplyPresence(ctx, &room.User{ID: "u0", DisplayName: "Alpha", PresenceSeq: 1}))

	users, err := s.List(ctx)
	require.NoError(t, err)
	require.Len(t, users, 2)
	assert.Equal(t, "u0", users[0].ID)
	assert.True(t, users[1].IsOnline)
}

func TestUserStoreResetPresence(t *testing.T) {
	ctx := context.Background()
	s := NewUserStore()
	require.NoError(t, s.ApplyPresence(ctx, &room.User{ID: "u1", IsOnline: true, IsTyping: true, PresenceSeq: 100}))

	require.NoError(t, s.ResetPresence(ctx, 7))
	u, _ := s.Get("u1")
	assert.False(t, u.IsOnline)
	assert.False(t, u.IsTyping)
	assert.EqualValues(t, 7, u.PresenceSeq)

	// 重設後較新的序號可以寫入
	require.NoError(t, s.ApplyPresence(ctx, &room.User{ID: "u1", IsOnline: true, PresenceSeq: 8}))
	u, _ = s.Get("u1")
	assert.True(t, u.IsOnline)
}
