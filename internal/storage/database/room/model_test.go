package room

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/v2/bson"
)

func TestStatusAdvance(t *testing.T) {
	assert.Equal(t, StatusDelivered, StatusSent.Advance(StatusDelivered))
	assert.Equal(t, StatusSeen, StatusDelivered.Advance(StatusSeen))
	// 狀態不可倒退
	assert.Equal(t, StatusSeen, StatusSeen.Advance(StatusDelivered))
	assert.Equal(t, StatusDelivered, StatusDelivered.Advance(StatusSent))
}

func TestKindFromContentType(t *testing.T) {
	cases := map[string]Kind{
		"image/png":          KindImage,
		"IMAGE/JPEG":         KindImage,
		"video/mp4":          KindVideo,
		"audio/mpeg":         KindVoice,
		"application/pdf":    KindFile,
		"application/msword": KindFile,
		"":                   KindFile,
	}
	for ct, want := range cases {
		assert.Equal(t, want, KindFromContentType(ct), ct)
	}
}

func TestMessageOrdering(t *testing.T) {
	now := time.Now()
	a := &Message{ID: bson.NewObjectID(), CreatedAt: now}
	b := &Message{ID: bson.NewObjectID(), CreatedAt: now}
	c := &Message{ID: bson.NewObjectID(), CreatedAt: now.Add(-time.Second)}

	assert.True(t, a.Before(b), "同時間以 _id 決定順序")
	assert.False(t, b.Before(a))
	assert.True(t, c.Before(a))
}

func TestMessageClone(t *testing.T) {
	m := NewMessage()
	m.Media = &Media{URL: "/uploads/x"}
	m.SeenBy = append(m.SeenBy, SeenReceipt{UserID: "u2"})

	c := m.Clone()
	c.Media.URL = "/changed"
	c.SeenBy[0].UserID = "u3"
	c.DeletedFor = append(c.DeletedFor, "u1")

	assert.Equal(t, "/uploads/x", m.Media.URL)
	assert.Equal(t, "u2", m.SeenBy[0].UserID)
	assert.Empty(t, m.DeletedFor)
	assert.True(t, c.HiddenFor("u1"))
	assert.True(t, m.SeenByUser("u2"))
}

func TestParseID(t *testing.T) {
	_, err := ParseID("not-an-id")
	require.ErrorIs(t, err, ErrNotFound)

	oid := bson.NewObjectID()
	got, err := ParseID(oid.Hex())
	require.NoError(t, err)
	assert.Equal(t, oid, got)
}
