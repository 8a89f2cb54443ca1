package broker

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"chat-broker/internal/identity"
	"chat-broker/internal/platform/logger"
	"chat-broker/internal/storage/database/room"
)

// presence 單一身分的在線狀態.
type presence struct {
	ident  identity.Identity
	conns  map[*Conn]struct{}
	typing bool
}

// Hub 身分 → 連線集合的對照表，同時負責事件分送.
// 所有狀態變更都在同一把鎖內完成，0→1、1→0 的轉換因此有一致的順序.
type Hub struct {
	mu    sync.Mutex
	users map[string]*presence
	seq   int64

	store   room.UserRepository
	metrics *Metrics
	now     func() time.Time
}

// NewHub 建立 Hub；store 為使用者在線狀態投影，可為 nil.
// 序號以啟動時的 Unix 奈秒起算，重啟後的寫入一定比上一個行程留下的新.
func NewHub(store room.UserRepository, metrics *Metrics) *Hub {
	return &Hub{
		users:   make(map[string]*presence),
		seq:     time.Now().UnixNano(),
		store:   store,
		metrics: metrics,
		now:     time.Now,
	}
}

// ResetPresence 啟動時將投影中所有使用者標為離線；上一個行程異常結束時留下的在線狀態因此不會殘留.
// 必須在接受任何連線之前呼叫.
func (h *Hub) ResetPresence(ctx context.Context) error {
	if h.store == nil {
		return nil
	}
	h.mu.Lock()
	h.seq++
	seq := h.seq
	h.mu.Unlock()

	if err := h.store.ResetPresence(ctx, seq); err != nil {
		return fmt.Errorf("reset presence: %w", err)
	}
	return nil
}

// snapshotLocked 產生投影寫入用的快照，序號在鎖內遞增.
func (h *Hub) snapshotLocked(ident identity.Identity, online, typing bool) *room.User {
	h.seq++
	return &room.User{
		ID:          ident.ID,
		Email:       ident.Email,
		DisplayName: ident.DisplayName,
		AvatarRef:   ident.AvatarRef,
		IsOnline:    online,
		IsTyping:    typing,
		LastSeen:    h.now().UTC(),
		PresenceSeq: h.seq,
	}
}

// applyPresence 在鎖外寫入投影；投影只是快取，失敗只記錄.
func (h *Hub) applyPresence(ctx context.Context, u *room.User) {
	if h.store == nil || u == nil {
		return
	}
	if err := h.store.ApplyPresence(context.WithoutCancel(ctx), u); err != nil {
		logger.Warning(ctx, "寫入在線狀態失敗",
			logger.WithUserID(u.ID),
			logger.WithError(err),
		)
	}
}

// Register 加入連線；該身分的第一條連線會廣播上線.
func (h *Hub) Register(ctx context.Context, c *Conn) {
	ident := c.Identity()

	h.mu.Lock()
	p, ok := h.users[ident.ID]
	if !ok {
		p = &presence{conns: make(map[*Conn]struct{})}
		h.users[ident.ID] = p
	}
	p.ident = ident
	first := len(p.conns) == 0
	p.conns[c] = struct{}{}

	var victims []*Conn
	if first {
		victims = h.emitLocked(Event{Name: EventUserOnline, Data: OnlineChange{UserID: ident.ID, IsOnline: true}}, AllExceptConnection(c))
	}
	snap := h.snapshotLocked(ident, true, p.typing)
	h.mu.Unlock()

	h.killSlow(ctx, victims)
	if h.metrics != nil {
		h.metrics.Connections.Inc()
	}
	logger.Info(ctx, "連線已註冊",
		logger.WithUserID(ident.ID),
		logger.WithConnID(c.ID()),
		logger.WithDetails(map[string]interface{}{"first": first}),
	)
	h.applyPresence(ctx, snap)
}

// Deregister 移除連線；重複呼叫不會有副作用.
// 該身分最後一條連線移除時廣播離線與停止輸入.
func (h *Hub) Deregister(ctx context.Context, c *Conn) {
	ident := c.Identity()

	h.mu.Lock()
	p, ok := h.users[ident.ID]
	if !ok {
		h.mu.Unlock()
		return
	}
	if _, member := p.conns[c]; !member {
		h.mu.Unlock()
		return
	}
	delete(p.conns, c)

	var (
		victims []*Conn
		snap    *room.User
		last    = len(p.conns) == 0
	)
	if last {
		p.typing = false
		delete(h.users, ident.ID)
		victims = h.emitLocked(Event{Name: EventUserOnline, Data: OnlineChange{UserID: ident.ID, IsOnline: false}}, AllConnections())
		victims = append(victims, h.emitLocked(Event{Name: EventUserTyping, Data: TypingChange{UserID: ident.ID, IsTyping: false}}, AllConnections())...)
		snap = h.snapshotLocked(p.ident, false, false)
	}
	h.mu.Unlock()

	h.killSlow(ctx, victims)
	if h.metrics != nil {
		h.metrics.Connections.Dec()
	}
	logger.Info(ctx, "連線已移除",
		logger.WithUserID(ident.ID),
		logger.WithConnID(c.ID()),
		logger.WithDetails(map[string]interface{}{"last": last}),
	)
	h.applyPresence(ctx, snap)
}

// SetTyping 更新輸入狀態並通知其他身分；不做去抖動.
func (h *Hub) SetTyping(ctx context.Context, c *Conn, typing bool) {
	ident := c.Identity()

	h.mu.Lock()
	p, ok := h.users[ident.ID]
	if !ok {
		h.mu.Unlock()
		return
	}
	if _, member := p.conns[c]; !member {
		h.mu.Unlock()
		return
	}
	p.typing = typing
	victims := h.emitLocked(Event{Name: EventUserTyping, Data: TypingChange{UserID: ident.ID, IsTyping: typing}}, AllExceptIdentity(ident.ID))
	snap := h.snapshotLocked(p.ident, true, typing)
	h.mu.Unlock()

	h.killSlow(ctx, victims)
	h.applyPresence(ctx, snap)
}

// Disconnect 關閉某身分的所有連線，回傳關閉數量.
func (h *Hub) Disconnect(userID string, reason error) int {
	h.mu.Lock()
	var conns []*Conn
	if p, ok := h.users[userID]; ok {
		for c := range p.conns {
			conns = append(conns, c)
		}
	}
	h.mu.Unlock()

	for _, c := range conns {
		c.Kill(reason)
	}
	return len(conns)
}

// CloseAll 關閉所有連線（伺服器關閉時使用），回傳關閉數量.
func (h *Hub) CloseAll(reason error) int {
	h.mu.Lock()
	var conns []*Conn
	for _, p := range h.users {
		for c := range p.conns {
			conns = append(conns, c)
		}
	}
	h.mu.Unlock()

	for _, c := range conns {
		c.Kill(reason)
	}
	return len(conns)
}

// PresenceState 單一身分的在線快照.
type PresenceState struct {
	UserID      string `json:"userId"`
	IsTyping    bool   `json:"isTyping"`
	Connections int    `json:"connections"`
}

// Online 目前在線的身分，依 ID 排序.
func (h *Hub) Online() []PresenceState {
	h.mu.Lock()
	out := make([]PresenceState, 0, len(h.users))
	for id, p := range h.users {
		out = append(out, PresenceState{UserID: id, IsTyping: p.typing, Connections: len(p.conns)})
	}
	h.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}

// IsOnline 該身分是否至少有一條連線.
func (h *Hub) IsOnline(userID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	p, ok := h.users[userID]
	return ok && len(p.conns) > 0
}

// OnlineCount 在線身分數.
func (h *Hub) OnlineCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.users)
}

// ConnectionCount 連線總數.
func (h *Hub) ConnectionCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for _, p := range h.users {
		n += len(p.conns)
	}
	return n
}
