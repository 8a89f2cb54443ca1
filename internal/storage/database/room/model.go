// Package room 單一聊天室的訊息與使用者在線狀態持久層.
package room

import (
	"bytes"
	"errors"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
)

var (
	// ErrNotFound 訊息不存在（包含格式錯誤的 ID）.
	ErrNotFound = errors.New("message not found")
	// ErrNotOwner 訊息存在但操作者不是發送者.
	ErrNotOwner = errors.New("not the message sender")
	// ErrUnavailable 資料庫無法使用.
	ErrUnavailable = errors.New("store unavailable")
)

// Kind 訊息類型.
type Kind string

const (
	KindText  Kind = "text"
	KindImage Kind = "image"
	KindVideo Kind = "video"
	KindVoice Kind = "voice"
	KindFile  Kind = "file"
)

// KindFromContentType 依 MIME 類型前綴推導訊息類型.
func KindFromContentType(contentType string) Kind {
	ct := strings.ToLower(contentType)
	switch {
	case strings.HasPrefix(ct, "image/"):
		return KindImage
	case strings.HasPrefix(ct, "video/"):
		return KindVideo
	case strings.HasPrefix(ct, "audio/"):
		return KindVoice
	default:
		return KindFile
	}
}

// Status 訊息狀態，只會往前推進.
type Status string

const (
	StatusSent      Status = "sent"
	StatusDelivered Status = "delivered"
	StatusSeen      Status = "seen"
)

func (s Status) rank() int {
	switch s {
	case StatusSent:
		return 1
	case StatusDelivered:
		return 2
	case StatusSeen:
		return 3
	}
	return 0
}

// Advance 回傳 s 與 next 中較後面的狀態.
func (s Status) Advance(next Status) Status {
	if next.rank() > s.rank() {
		return next
	}
	return s
}

// Media 附件資訊；僅在非文字訊息時存在.
type Media struct {
	URL          string `bson:"url" json:"url"`
	OriginalName string `bson:"original_name" json:"originalName"`
	SizeBytes    int64  `bson:"size_bytes" json:"sizeBytes"`
	ContentType  string `bson:"content_type,omitempty" json:"contentType,omitempty"`
}

// SeenReceipt 已讀紀錄，依 UserID 去重.
type SeenReceipt struct {
	UserID string    `bson:"user_id" json:"userId"`
	SeenAt time.Time `bson:"seen_at" json:"seenAt"`
}

// Message 訊息數據模型.
type Message struct {
	ID         bson.ObjectID `bson:"_id" json:"id"`
	Text       string        `bson:"text" json:"text"`
	SenderID   string        `bson:"sender_id" json:"senderId"`
	SenderName string        `bson:"sender_name" json:"senderName"`
	Kind       Kind          `bson:"kind" json:"kind"`
	Media      *Media        `bson:"media,omitempty" json:"media,omitempty"`
	Status     Status        `bson:"status" json:"status"`
	SeenBy     []SeenReceipt `bson:"seen_by" json:"seenBy"`
	IsEdited   bool          `bson:"is_edited" json:"isEdited"`
	EditedAt   *time.Time    `bson:"edited_at,omitempty" json:"editedAt,omitempty"`
	DeletedFor []string      `bson:"deleted_for" json:"deletedFor"`
	CreatedAt  time.Time     `bson:"created_at" json:"createdAt"`
	UpdatedAt  time.Time     `bson:"updated_at" json:"updatedAt"`
}

// NewMessage 創建新的 Message 實例（時間精度與 MongoDB 一致為毫秒）.
func NewMessage() Message {
	now := time.Now().UTC().Truncate(time.Millisecond)
	return Message{
		ID:         bson.NewObjectID(),
		Status:     StatusSent,
		SeenBy:     []SeenReceipt{},
		DeletedFor: []string{},
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

// HiddenFor 是否已被該使用者「僅對我刪除」.
func (m *Message) HiddenFor(userID string) bool {
	for _, id := range m.DeletedFor {
		if id == userID {
			return true
		}
	}
	return false
}

// SeenByUser 該使用者是否已在已讀名單中.
func (m *Message) SeenByUser(userID string) bool {
	for _, r := range m.SeenBy {
		if r.UserID == userID {
			return true
		}
	}
	return false
}

// Clone 深拷貝.
func (m *Message) Clone() *Message {
	c := *m
	if m.Media != nil {
		media := *m.Media
		c.Media = &media
	}
	if m.EditedAt != nil {
		t := *m.EditedAt
		c.EditedAt = &t
	}
	c.SeenBy = append([]SeenReceipt{}, m.SeenBy...)
	c.DeletedFor = append([]string{}, m.DeletedFor...)
	return &c
}

// Before 依 created_at、_id 排序.
func (m *Message) Before(o *Message) bool {
	if !m.CreatedAt.Equal(o.CreatedAt) {
		return m.CreatedAt.Before(o.CreatedAt)
	}
	return bytes.Compare(m.ID[:], o.ID[:]) < 0
}

// User 使用者在線狀態投影；只是快取，不是身分的來源.
type User struct {
	ID          string    `bson:"_id" json:"id"`
	Email       string    `bson:"email,omitempty" json:"email,omitempty"`
	DisplayName string    `bson:"display_name" json:"displayName"`
	AvatarRef   string    `bson:"avatar_ref" json:"avatarRef"`
	IsOnline    bool      `bson:"is_online" json:"isOnline"`
	IsTyping    bool      `bson:"is_typing" json:"isTyping"`
	LastSeen    time.Time `bson:"last_seen" json:"lastSeen"`
	PresenceSeq int64     `bson:"presence_seq" json:"-"`
}

// ListQuery 訊息查詢條件.
type ListQuery struct {
	// Viewer 非空時排除該使用者「僅對我刪除」的訊息.
	Viewer string
	// Since 非 nil 時只取 created_at 之後的訊息.
	Since *time.Time
	// Limit > 0 時只取最新的 Limit 筆（仍依時間正序回傳）；0 表示全部.
	Limit int
}

// ParseID 將十六進位字串轉為 ObjectID，格式錯誤視為不存在.
func ParseID(id string) (bson.ObjectID, error) {
	oid, err := bson.ObjectIDFromHex(id)
	if err != nil {
		return bson.NilObjectID, ErrNotFound
	}
	return oid, nil
}
