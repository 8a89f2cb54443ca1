// Package memstore 以記憶體實作訊息與使用者倉儲，供測試與單機示範使用.
package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"chat-broker/internal/storage/database/room"
)

// MessageStore 記憶體訊息倉儲；所有回傳值都是拷貝.
type MessageStore struct {
	mu       sync.RWMutex
	messages map[string]*room.Message
	// failWith 非 nil 時所有操作回傳此錯誤，用來模擬資料庫中斷.
	failWith error
}

// NewMessageStore 創建記憶體訊息倉儲.
func NewMessageStore() *MessageStore {
	return &MessageStore{messages: make(map[string]*room.Message)}
}

// SetFailure 設定之後所有操作都失敗；傳入 nil 恢復.
func (s *MessageStore) SetFailure(err error) {
	s.mu.Lock()
	s.failWith = err
	s.mu.Unlock()
}

// Create 實作 room.MessageRepository.
func (s *MessageStore) Create(_ context.Context, message *room.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failWith != nil {
		return s.failWith
	}

	if message.ID.IsZero() {
		fresh := room.NewMessage()
		message.ID = fresh.ID
	}
	if message.SeenBy == nil {
		message.SeenBy = []room.SeenReceipt{}
	}
	if message.DeletedFor == nil {
		message.DeletedFor = []string{}
	}
	s.messages[message.ID.Hex()] = message.Clone()
	return nil
}

// GetByID 實作 room.MessageRepository.
func (s *MessageStore) GetByID(_ context.Context, id string) (*room.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.failWith != nil {
		return nil, s.failWith
	}

	m, ok := s.messages[id]
	if !ok {
		return nil, room.ErrNotFound
	}
	return m.Clone(), nil
}

// List 實作 room.MessageRepository.
func (s *MessageStore) List(_ context.Context, q room.ListQuery) ([]*room.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.failWith != nil {
		return nil, s.failWith
	}

	out := make([]*room.Message, 0, len(s.messages))
	for _, m := range s.messages {
		if q.Viewer != "" && m.HiddenFor(q.Viewer) {
			continue
		}
		if q.Since != nil && !m.CreatedAt.After(*q.Since) {
			continue
		}
		out = append(out, m.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Before(out[j]) })

	// 與 Mongo 相同：只保留最新的 q.Limit 筆
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[len(out)-q.Limit:]
	}
	return out, nil
}

// owned 在鎖內取得訊息並檢查發送者.
func (s *MessageStore) owned(id, senderID string) (*room.Message, error) {
	if s.failWith != nil {
		return nil, s.failWith
	}
	m, ok := s.messages[id]
	if !ok {
		return nil, room.ErrNotFound
	}
	if m.SenderID != senderID {
		return nil, room.ErrNotOwner
	}
	return m, nil
}

// UpdateText 實作 room.MessageRepository.
func (s *MessageStore) UpdateText(_ context.Context, id, senderID, text string, editedAt time.Time) (*room.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, err := s.owned(id, senderID)
	if err != nil {
		return nil, err
	}
	at := editedAt
	m.Text = text
	m.IsEdited = true
	m.EditedAt = &at
	m.UpdatedAt = editedAt
	return m.Clone(), nil
}

// MarkSeen 實作 room.MessageRepository.
func (s *MessageStore) MarkSeen(_ context.Context, id, userID string, seenAt time.Time) (*room.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failWith != nil {
		return nil, s.failWith
	}

	m, ok := s.messages[id]
	if !ok {
		return nil, room.ErrNotFound
	}
	m.Status = m.Status.Advance(room.StatusSeen)
	if !m.SeenByUser(userID) {
		m.SeenBy = append(m.SeenBy, room.SeenReceipt{UserID: userID, SeenAt: seenAt})
		m.UpdatedAt = seenAt
	}
	return m.Clone(), nil
}

// DeleteOwned 實作 room.MessageRepository.
func (s *MessageStore) DeleteOwned(_ context.Context, id, senderID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.owned(id, senderID); err != nil {
		return err
	}
	delete(s.messages, id)
	return nil
}

// HideFor 實作 room.MessageRepository.
func (s *MessageStore) HideFor(_ context.Context, id, senderID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, err := s.owned(id, senderID)
	if err != nil {
		return err
	}
	if !m.HiddenFor(senderID) {
		m.DeletedFor = append(m.DeletedFor, senderID)
	}
	return nil
}

// Ping 實作 room.MessageRepository.
func (s *MessageStore) Ping(context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.failWith
}

// UserStore 記憶體使用者倉儲.
type UserStore struct {
	mu    sync.RWMutex
	users map[string]*room.User
}

// NewUserStore 創建記憶體使用者倉儲.
func NewUserStore() *UserStore {
	return &UserStore{users: make(map[string]*room.User)}
}

// ApplyPresence 實作 room.UserRepository.
func (s *UserStore) ApplyPresence(_ context.Context, u *room.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if cur, ok := s.users[u.ID]; ok && cur.PresenceSeq >= u.PresenceSeq {
		return nil
	}
	c := *u
	if cur, ok := s.users[u.ID]; ok && c.Email == "" {
		c.Email = cur.Email
	}
	s.users[u.ID] = &c
	return nil
}

// ResetPresence 實作 room.UserRepository.
func (s *UserStore) ResetPresence(_ context.Context, seq int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, u := range s.users {
		u.IsOnline = false
		u.IsTyping = false
		u.PresenceSeq = seq
	}
	return nil
}

// List 實作 room.UserRepository.
func (s *UserStore) List(context.Context) ([]*room.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*room.User, 0, len(s.users))
	for _, u := range s.users {
		c := *u
		out = append(out, &c)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].DisplayName != out[j].DisplayName {
			return out[i].DisplayName < out[j].DisplayName
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// Get 取得單一使用者（測試用）.
func (s *UserStore) Get(id string) (room.User, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[id]
	if !ok {
		return room.User{}, false
	}
	return *u, true
}
