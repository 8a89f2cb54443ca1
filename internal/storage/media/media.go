// Package media 上傳檔案的物件存儲：MongoDB GridFS 與記憶體兩種實作.
package media

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

// ErrNotFound 檔案不存在.
var ErrNotFound = errors.New("media object not found")

// Object 已儲存檔案的描述.
type Object struct {
	ID          string    `bson:"-" json:"id"`
	Name        string    `bson:"-" json:"name"`
	ContentType string    `bson:"content_type" json:"contentType"`
	Size        int64     `bson:"-" json:"size"`
	UploaderID  string    `bson:"uploader_id" json:"uploaderId"`
	UploadedAt  time.Time `bson:"-" json:"uploadedAt"`
}

// Store 物件存儲接口.
type Store interface {
	Put(ctx context.Context, obj Object, r io.Reader) (Object, error)
	Open(ctx context.Context, id string) (io.ReadCloser, Object, error)
	// Delete 移除檔案；不存在時回傳 ErrNotFound.
	Delete(ctx context.Context, id string) error
}

// GridFSStore 以 GridFS bucket 存放檔案.
type GridFSStore struct {
	bucket *mongo.GridFSBucket
}

// NewGridFSStore 建立 GridFS 存儲.
func NewGridFSStore(db *mongo.Database, bucketName string) *GridFSStore {
	return &GridFSStore{
		bucket: db.GridFSBucket(options.GridFSBucket().SetName(bucketName)),
	}
}

// Put 上傳檔案.
func (s *GridFSStore) Put(ctx context.Context, obj Object, r io.Reader) (Object, error) {
	meta := bson.M{"content_type": obj.ContentType, "uploader_id": obj.UploaderID}
	id, err := s.bucket.UploadFromStream(ctx, obj.Name, r, options.GridFSUpload().SetMetadata(meta))
	if err != nil {
		return Object{}, fmt.Errorf("上傳至 GridFS 失敗: %w", err)
	}

	obj.ID = id.Hex()
	obj.UploadedAt = time.Now().UTC()
	return obj, nil
}

// Open 開啟檔案串流，呼叫端負責 Close.
func (s *GridFSStore) Open(ctx context.Context, id string) (io.ReadCloser, Object, error) {
	oid, err := bson.ObjectIDFromHex(id)
	if err != nil {
		return nil, Object{}, ErrNotFound
	}

	stream, err := s.bucket.OpenDownloadStream(ctx, oid)
	if err != nil {
		if errors.Is(err, mongo.ErrFileNotFound) {
			return nil, Object{}, ErrNotFound
		}
		return nil, Object{}, fmt.Errorf("開啟 GridFS 檔案失敗: %w", err)
	}

	file := stream.GetFile()
	obj := Object{
		ID:         id,
		Name:       file.Name,
		Size:       file.Length,
		UploadedAt: file.UploadDate,
	}
	if len(file.Metadata) > 0 {
		// metadata 解析失敗不影響下載
		_ = bson.Unmarshal(file.Metadata, &obj)
	}
	return stream, obj, nil
}

// Delete 刪除檔案與其 chunks.
func (s *GridFSStore) Delete(ctx context.Context, id string) error {
	oid, err := bson.ObjectIDFromHex(id)
	if err != nil {
		return ErrNotFound
	}
	if err := s.bucket.Delete(ctx, oid); err != nil {
		if errors.Is(err, mongo.ErrFileNotFound) {
			return ErrNotFound
		}
		return fmt.Errorf("刪除 GridFS 檔案失敗: %w", err)
	}
	return nil
}

// MemoryStore 記憶體物件存儲.
type MemoryStore struct {
	mu      sync.RWMutex
	objects map[string]memObject
}

type memObject struct {
	meta Object
	data []byte
}

// NewMemoryStore 建立記憶體物件存儲.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{objects: make(map[string]memObject)}
}

// Put 實作 Store.
func (s *MemoryStore) Put(_ context.Context, obj Object, r io.Reader) (Object, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return Object{}, err
	}

	obj.ID = bson.NewObjectID().Hex()
	obj.Size = int64(len(data))
	obj.UploadedAt = time.Now().UTC()

	s.mu.Lock()
	s.objects[obj.ID] = memObject{meta: obj, data: data}
	s.mu.Unlock()
	return obj, nil
}

// Open 實作 Store.
func (s *MemoryStore) Open(_ context.Context, id string) (io.ReadCloser, Object, error) {
	s.mu.RLock()
	o, ok := s.objects[id]
	s.mu.RUnlock()
	if !ok {
		return nil, Object{}, ErrNotFound
	}
	return io.NopCloser(bytes.NewReader(o.data)), o.meta, nil
}

// Delete 實作 Store.
func (s *MemoryStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.objects[id]; !ok {
		return ErrNotFound
	}
	delete(s.objects, id)
	return nil
}

// Len 目前存放的檔案數.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.objects)
}
