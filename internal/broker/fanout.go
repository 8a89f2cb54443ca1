package broker

import (
	"context"

	"chat-broker/internal/platform/logger"
)

type audienceKind int

const (
	audienceAll audienceKind = iota
	audienceIdentity
	audienceAllExceptConn
	audienceAllExceptIdentity
)

// Audience 事件的接收對象.
type Audience struct {
	kind   audienceKind
	userID string
	conn   *Conn
}

// AllConnections 所有連線（包含操作者自己的連線）.
func AllConnections() Audience {
	return Audience{kind: audienceAll}
}

// SingleIdentity 某身分的所有連線.
func SingleIdentity(userID string) Audience {
	return Audience{kind: audienceIdentity, userID: userID}
}

// AllExceptConnection 除了指定連線以外的所有連線.
func AllExceptConnection(c *Conn) Audience {
	return Audience{kind: audienceAllExceptConn, conn: c}
}

// AllExceptIdentity 除了指定身分以外的所有連線.
func AllExceptIdentity(userID string) Audience {
	return Audience{kind: audienceAllExceptIdentity, userID: userID}
}

func (a Audience) includes(userID string, c *Conn) bool {
	switch a.kind {
	case audienceIdentity:
		return userID == a.userID
	case audienceAllExceptConn:
		return c != a.conn
	case audienceAllExceptIdentity:
		return userID != a.userID
	default:
		return true
	}
}

// Emitter 事件分送接口.
type Emitter interface {
	Emit(ctx context.Context, ev Event, aud Audience)
}

// Emit 將事件放入每條目標連線的輸出佇列.
// 放入是非阻塞的：佇列已滿的連線視為慢速消費者並被關閉，
// 之後由客戶端重連並透過查詢介面補齊，其他連線不受影響.
func (h *Hub) Emit(ctx context.Context, ev Event, aud Audience) {
	frame, err := encodeEvent(ev)
	if err != nil {
		logger.Error(ctx, "事件序列化失敗", logger.WithAction(ev.Name), logger.WithError(err))
		return
	}

	h.mu.Lock()
	victims := h.enqueueLocked(ev.Name, frame, aud)
	h.mu.Unlock()

	h.killSlow(ctx, victims)
}

// emitLocked 呼叫端必須持有 h.mu；回傳需要關閉的慢速連線.
func (h *Hub) emitLocked(ev Event, aud Audience) []*Conn {
	frame, err := encodeEvent(ev)
	if err != nil {
		return nil
	}
	return h.enqueueLocked(ev.Name, frame, aud)
}

func (h *Hub) enqueueLocked(name string, frame []byte, aud Audience) []*Conn {
	var victims []*Conn
	delivered := 0
	for userID, p := range h.users {
		for c := range p.conns {
			if !aud.includes(userID, c) {
				continue
			}
			if c.enqueue(frame) {
				delivered++
			} else {
				victims = append(victims, c)
			}
		}
	}
	if h.metrics != nil && delivered > 0 {
		h.metrics.EventsEmitted.WithLabelValues(name).Add(float64(delivered))
	}
	return victims
}

// killSlow 在鎖外關閉慢速連線.
func (h *Hub) killSlow(ctx context.Context, victims []*Conn) {
	for _, c := range victims {
		if !c.Kill(ErrSlowConsumer) {
			continue
		}
		if h.metrics != nil {
			h.metrics.SlowConsumers.Inc()
		}
		logger.Warning(ctx, "輸出佇列已滿，關閉慢速連線",
			logger.WithUserID(c.Identity().ID),
			logger.WithConnID(c.ID()),
		)
	}
}
