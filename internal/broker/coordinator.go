package broker

import (
	"context"
	"errors"
	"strings"
	"time"
	"unicode/utf8"

	"chat-broker/internal/constants"
	"chat-broker/internal/identity"
	"chat-broker/internal/platform/logger"
	"chat-broker/internal/security/audit"
	"chat-broker/internal/storage/database/room"
)

// Coordinator 訊息生命週期的唯一寫入者.
// 不在記憶體中快取訊息；每個變更都是倉儲的一次條件式原子寫入，成功後才廣播.
type Coordinator struct {
	messages room.MessageRepository
	users    room.UserRepository
	emitter  Emitter
	audit    *audit.AuditService
	metrics  *Metrics
	maxLen   int
	now      func() time.Time
}

// CoordinatorOption Coordinator 選項.
type CoordinatorOption func(*Coordinator)

// WithAudit 啟用審計紀錄.
func WithAudit(a *audit.AuditService) CoordinatorOption {
	return func(c *Coordinator) { c.audit = a }
}

// WithMetrics 記錄操作指標.
func WithMetrics(m *Metrics) CoordinatorOption {
	return func(c *Coordinator) { c.metrics = m }
}

// WithMaxLength 訊息文字長度上限（字元數）.
func WithMaxLength(n int) CoordinatorOption {
	return func(c *Coordinator) {
		if n > 0 {
			c.maxLen = n
		}
	}
}

// NewCoordinator 建立 Coordinator.
func NewCoordinator(messages room.MessageRepository, users room.UserRepository, emitter Emitter, opts ...CoordinatorOption) *Coordinator {
	c := &Coordinator{
		messages: messages,
		users:    users,
		emitter:  emitter,
		maxLen:   constants.DefaultMaxMessageLength,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// normalizeText 移除控制字元並去除前後空白.
func (c *Coordinator) normalizeText(text string) (string, error) {
	var b strings.Builder
	b.Grow(len(text))
	for _, r := range text {
		if r >= 32 || r == '\n' || r == '\t' {
			b.WriteRune(r)
		}
	}
	out := strings.TrimSpace(b.String())
	if utf8.RuneCountInString(out) > c.maxLen {
		return "", newError(ErrValidation, "message exceeds %d characters", c.maxLen)
	}
	return out, nil
}

func (c *Coordinator) timestamp() time.Time {
	return c.now().UTC().Truncate(time.Millisecond)
}

// Send 建立訊息並廣播給整個聊天室（包含發送者自己的其他連線）.
func (c *Coordinator) Send(ctx context.Context, actor identity.Identity, text string, media *room.Media) (msg *room.Message, err error) {
	defer func() { c.metrics.observeOp("send", err) }()

	text, err = c.normalizeText(text)
	if err != nil {
		return nil, err
	}
	if text == "" && media == nil {
		return nil, newError(ErrValidation, "message text cannot be empty")
	}

	m := room.NewMessage()
	now := c.timestamp()
	m.CreatedAt, m.UpdatedAt = now, now
	m.Text = text
	m.SenderID = actor.ID
	m.SenderName = actor.DisplayName
	m.Kind = room.KindText
	if media != nil {
		mc := *media
		m.Media = &mc
		m.Kind = room.KindFromContentType(media.ContentType)
	}
	// 寫入成功即代表伺服器已收到，直接推進為 delivered
	m.Status = m.Status.Advance(room.StatusDelivered)

	if err := c.messages.Create(ctx, &m); err != nil {
		return nil, storeError(err)
	}

	c.emitter.Emit(ctx, Event{Name: EventReceiveMessage, Data: &m}, AllConnections())
	c.audit.LogMessageSent(ctx, actor.ID, m.ID.Hex(), string(m.Kind))
	return &m, nil
}

// MarkSeen 將訊息標為已讀（全域狀態），重複標記不會重複加入已讀名單，但仍會廣播.
func (c *Coordinator) MarkSeen(ctx context.Context, actor identity.Identity, messageID string) (msg *room.Message, err error) {
	defer func() { c.metrics.observeOp("mark_seen", err) }()

	m, err := c.messages.MarkSeen(ctx, messageID, actor.ID, c.timestamp())
	if err != nil {
		return nil, storeError(err)
	}

	c.emitter.Emit(ctx, Event{Name: EventStatusUpdated, Data: StatusUpdate{
		MessageID: m.ID.Hex(),
		Status:    string(m.Status),
		UserID:    actor.ID,
	}}, AllConnections())
	c.audit.LogMessageSeen(ctx, actor.ID, m.ID.Hex())
	return m, nil
}

// Edit 只有發送者能編輯；擁有權檢查與更新是同一個條件式寫入.
func (c *Coordinator) Edit(ctx context.Context, actor identity.Identity, messageID, text string) (msg *room.Message, err error) {
	defer func() { c.metrics.observeOp("edit", err) }()

	text, err = c.normalizeText(text)
	if err != nil {
		return nil, err
	}
	if text == "" {
		return nil, newError(ErrValidation, "message text cannot be empty")
	}

	m, err := c.messages.UpdateText(ctx, messageID, actor.ID, text, c.timestamp())
	if err != nil {
		err = storeError(err)
		if errors.Is(err, ErrUnauthorized) {
			c.audit.LogAccessDenied(ctx, actor.ID, messageID, "edit_message")
		}
		return nil, err
	}

	c.emitter.Emit(ctx, Event{Name: EventMessageEdited, Data: m}, AllConnections())
	c.audit.LogMessageEdited(ctx, actor.ID, m.ID.Hex())
	return m, nil
}

// Delete 兩種模式都需要是發送者.
// everyone 永久刪除並廣播；me 只加入 deleted_for，確認只送回操作者自己的連線.
func (c *Coordinator) Delete(ctx context.Context, actor identity.Identity, messageID string, mode DeleteMode) (err error) {
	defer func() { c.metrics.observeOp("delete", err) }()

	switch mode {
	case DeleteForEveryone:
		err = c.messages.DeleteOwned(ctx, messageID, actor.ID)
	case DeleteForMe:
		err = c.messages.HideFor(ctx, messageID, actor.ID)
	default:
		return newError(ErrValidation, "deleteType must be \"me\" or \"everyone\"")
	}
	if err != nil {
		err = storeError(err)
		if errors.Is(err, ErrUnauthorized) {
			c.audit.LogAccessDenied(ctx, actor.ID, messageID, "delete_message")
		}
		return err
	}

	aud := AllConnections()
	if mode == DeleteForMe {
		aud = SingleIdentity(actor.ID)
	}
	c.emitter.Emit(ctx, Event{Name: EventMessageDeleted, Data: Deletion{ID: messageID, DeleteType: mode}}, aud)
	c.audit.LogMessageDeleted(ctx, actor.ID, messageID, string(mode))
	return nil
}

// Messages 依建立時間正序取得訊息，排除 viewer「僅對我刪除」的訊息.
// limit > 0 時只回傳最新的 limit 筆.
func (c *Coordinator) Messages(ctx context.Context, viewer string, since *time.Time, limit int) ([]*room.Message, error) {
	msgs, err := c.messages.List(ctx, room.ListQuery{Viewer: viewer, Since: since, Limit: limit})
	if err != nil {
		logger.Error(ctx, "查詢訊息失敗", logger.WithUserID(viewer), logger.WithError(err))
		return nil, storeError(err)
	}
	return msgs, nil
}

// Roster 使用者列表與在線狀態.
func (c *Coordinator) Roster(ctx context.Context) ([]*room.User, error) {
	users, err := c.users.List(ctx)
	if err != nil {
		logger.Error(ctx, "查詢使用者失敗", logger.WithError(err))
		return nil, storeError(err)
	}
	return users, nil
}

// Ping 檢查訊息倉儲.
func (c *Coordinator) Ping(ctx context.Context) error {
	return c.messages.Ping(ctx)
}
