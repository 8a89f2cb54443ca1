package media

import (
	"bytes"
	"context"
	"io"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

func TestGridFSStore(t *testing.T) {
	uri := os.Getenv("MONGO_URI")
	if uri == "" {
		t.Skip("MONGO_URI 未設定，略過 GridFS 整合測試")
	}

	client, err := mongo.Connect(options.Client().ApplyURI(uri))
	require.NoError(t, err)
	db := client.Database("chat_broker_media_" + bson.NewObjectID().Hex())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = db.Drop(ctx)
		_ = client.Disconnect(ctx)
	})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	s := NewGridFSStore(db, "uploads")

	obj, err := s.Put(ctx, Object{Name: "a.png", ContentType: "image/png", UploaderID: "alice", Size: 9}, bytes.NewReader([]byte("png-bytes")))
	require.NoError(t, err)
	require.NotEmpty(t, obj.ID)

	rc, got, err := s.Open(ctx, obj.ID)
	require.NoError(t, err)
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	require.NoError(t, rc.Close())
	assert.Equal(t, "png-bytes", string(data))
	assert.Equal(t, "a.png", got.Name)
	assert.Equal(t, "image/png", got.ContentType)
	assert.Equal(t, "alice", got.UploaderID)
	assert.EqualValues(t, 9, got.Size)

	require.NoError(t, s.Delete(ctx, obj.ID))
	_, _, err = s.Open(ctx, obj.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, s.Delete(ctx, obj.ID), ErrNotFound)
	assert.ErrorIs(t, s.Delete(ctx, "not-an-id"), ErrNotFound)
}
