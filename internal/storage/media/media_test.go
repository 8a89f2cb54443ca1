package media

import (
	"bytes"
	"context"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStore(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	obj, err := s.Put(ctx, Object{Name: "a.png", ContentType: "image/png", UploaderID: "alice"}, bytes.NewReader([]byte("png-bytes")))
	require.NoError(t, err)
	assert.NotEmpty(t, obj.ID)
	assert.Equal(t, int64(9), obj.Size)
	assert.False(t, obj.UploadedAt.IsZero())

	rc, got, err := s.Open(ctx, obj.ID)
	require.NoError(t, err)
	defer rc.Close()
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, "png-bytes", string(data))
	assert.Equal(t, "a.png", got.Name)
	assert.Equal(t, "alice", got.UploaderID)

	_, _, err = s.Open(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	assert.Equal(t, 1, s.Len())
	require.NoError(t, s.Delete(ctx, obj.ID))
	assert.Equal(t, 0, s.Len())
	_, _, err = s.Open(ctx, obj.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, s.Delete(ctx, obj.ID), ErrNotFound)
}
