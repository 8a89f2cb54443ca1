package broker

import (
	"sync"

	"chat-broker/internal/identity"

	"github.com/google/uuid"
)

// Conn 一條已認證連線的輸出端.
// 傳輸層從 Outbound 讀出已序列化的事件寫給客戶端，Done 關閉時停止並關閉底層連線.
type Conn struct {
	id    string
	ident identity.Identity
	send  chan []byte

	done     chan struct{}
	killOnce sync.Once
	mu       sync.Mutex
	reason   error
}

// NewConn 建立連線，buffer 為輸出佇列長度.
func NewConn(ident identity.Identity, buffer int) *Conn {
	if buffer <= 0 {
		buffer = 1
	}
	return &Conn{
		id:    uuid.NewString(),
		ident: ident,
		send:  make(chan []byte, buffer),
		done:  make(chan struct{}),
	}
}

// ID 連線 ID.
func (c *Conn) ID() string { return c.id }

// Identity 連線的使用者身分.
func (c *Conn) Identity() identity.Identity { return c.ident }

// Outbound 待寫出的事件.
func (c *Conn) Outbound() <-chan []byte { return c.send }

// Done 連線被關閉後關閉.
func (c *Conn) Done() <-chan struct{} { return c.done }

// Err 關閉原因；正常關閉為 nil.
func (c *Conn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reason
}

// Kill 關閉連線，可重複呼叫，只有第一次的原因會保留；第一次呼叫回傳 true.
func (c *Conn) Kill(reason error) bool {
	first := false
	c.killOnce.Do(func() {
		c.mu.Lock()
		c.reason = reason
		c.mu.Unlock()
		close(c.done)
		first = true
	})
	return first
}

func (c *Conn) closed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// enqueue 非阻塞放入輸出佇列；佇列已滿回傳 false.
func (c *Conn) enqueue(frame []byte) bool {
	if c.closed() {
		return true
	}
	select {
	case c.send <- frame:
		return true
	default:
		return false
	}
}

// Deliver 只送給這條連線（錯誤回覆、pong）.
func (c *Conn) Deliver(ev Event) error {
	frame, err := encodeEvent(ev)
	if err != nil {
		return err
	}
	if !c.enqueue(frame) {
		c.Kill(ErrSlowConsumer)
		return ErrSlowConsumer
	}
	return nil
}
