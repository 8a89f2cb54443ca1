package broker

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"chat-broker/internal/constants"
	"chat-broker/internal/identity"
	"chat-broker/internal/platform/logger"
	"chat-broker/internal/security/audit"

	"golang.org/x/time/rate"
)

// State session 狀態；只會往前走.
type State int32

const (
	StateConnecting State = iota
	StateAuthenticated
	StateActive
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAuthenticated:
		return "authenticated"
	case StateActive:
		return "active"
	case StateClosed:
		return "closed"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// SessionOptions session 參數，零值使用預設.
type SessionOptions struct {
	SendBuffer       int
	InboundBuffer    int
	EventsPerSecond  float64
	EventBurst       int
	OperationTimeout time.Duration
	Audit            *audit.AuditService
}

func (o SessionOptions) withDefaults() SessionOptions {
	if o.SendBuffer <= 0 {
		o.SendBuffer = constants.DefaultWSSendBuffer
	}
	if o.InboundBuffer <= 0 {
		o.InboundBuffer = constants.DefaultWSInboundBuffer
	}
	if o.EventsPerSecond <= 0 {
		o.EventsPerSecond = constants.DefaultEventsPerSecond
	}
	if o.EventBurst <= 0 {
		o.EventBurst = constants.DefaultEventBurst
	}
	if o.OperationTimeout <= 0 {
		o.OperationTimeout = constants.DefaultOperationTimeout * time.Second
	}
	return o
}

// Session 一條已認證連線的完整生命週期.
// 進來的事件依序放進 inbound channel，由 Run 的單一 goroutine 依序分派給 Coordinator.
type Session struct {
	conn    *Conn
	hub     *Hub
	coord   *Coordinator
	opts    SessionOptions
	limiter *rate.Limiter
	inbound chan Inbound

	mu        sync.Mutex
	state     State
	closeOnce sync.Once
	closed    chan struct{}
}

// NewSession 以已驗證的身分建立 session；未驗證的連線不會有 session.
func NewSession(ident identity.Identity, hub *Hub, coord *Coordinator, opts SessionOptions) *Session {
	opts = opts.withDefaults()
	return &Session{
		conn:    NewConn(ident, opts.SendBuffer),
		hub:     hub,
		coord:   coord,
		opts:    opts,
		limiter: rate.NewLimiter(rate.Limit(opts.EventsPerSecond), opts.EventBurst),
		inbound: make(chan Inbound, opts.InboundBuffer),
		state:   StateAuthenticated,
		closed:  make(chan struct{}),
	}
}

// Conn 連線輸出端.
func (s *Session) Conn() *Conn { return s.conn }

// Identity 連線身分.
func (s *Session) Identity() identity.Identity { return s.conn.Identity() }

// State 目前狀態.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Open 註冊到 Hub，進入 Active.
func (s *Session) Open(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateAuthenticated {
		return ErrSessionClosed
	}
	s.state = StateActive
	s.hub.Register(ctx, s.conn)
	return nil
}

// Submit 交給 Run 處理；會阻塞到 inbound 有空位，session 關閉時回傳 false.
func (s *Session) Submit(ev Inbound) bool {
	select {
	case <-s.closed:
		return false
	case <-s.conn.Done():
		return false
	default:
	}

	select {
	case s.inbound <- ev:
		return true
	case <-s.closed:
		return false
	case <-s.conn.Done():
		return false
	}
}

// Run 依序處理 inbound 事件直到 ctx 結束或 session 關閉；結束時關閉 session.
func (s *Session) Run(ctx context.Context) {
	defer s.Close()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.closed:
			return
		case <-s.conn.Done():
			return
		case ev := <-s.inbound:
			s.dispatch(ctx, ev)
		}
	}
}

// Close 關閉 session；不論呼叫幾次、由誰呼叫，都只會從 Hub 移除一次.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		wasActive := s.state == StateActive
		s.state = StateClosed
		if wasActive {
			s.hub.Deregister(context.Background(), s.conn)
		}
		close(s.closed)
		s.mu.Unlock()
		s.conn.Kill(nil)
	})
}

// Done session 關閉後關閉.
func (s *Session) Done() <-chan struct{} { return s.closed }

func (s *Session) reply(ev Event) {
	_ = s.conn.Deliver(ev)
}

func (s *Session) replyError(ctx context.Context, event string, err error) {
	logger.Warning(ctx, "事件處理失敗",
		logger.WithUserID(s.conn.Identity().ID),
		logger.WithConnID(s.conn.ID()),
		logger.WithAction(event),
		logger.WithError(err),
	)
	s.reply(ErrorEvent(err))
}

// dispatch 處理單一事件；任何 panic 只影響這條連線.
func (s *Session) dispatch(parent context.Context, ev Inbound) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error(parent, "事件處理發生 panic",
				logger.WithUserID(s.conn.Identity().ID),
				logger.WithConnID(s.conn.ID()),
				logger.WithAction(ev.Name),
				logger.WithDetails(map[string]interface{}{"panic": fmt.Sprint(r), "stack": string(debug.Stack())}),
			)
			s.reply(ErrorEvent(fmt.Errorf("panic: %v", r)))
		}
	}()

	if ev.Name == EventPing {
		s.reply(Event{Name: EventPong})
		return
	}

	if !s.limiter.Allow() {
		s.opts.Audit.LogRateLimitExceeded(parent, s.conn.Identity().ID, "ws_event")
		s.reply(ErrorEvent(newError(ErrRateLimited, "too many events, slow down")))
		return
	}

	// 連線斷開不取消已開始的寫入，避免變更只套用一半
	ctx, cancel := context.WithTimeout(context.WithoutCancel(parent), s.opts.OperationTimeout)
	defer cancel()

	if err := s.handle(ctx, ev); err != nil {
		s.replyError(ctx, ev.Name, err)
	}
}

func (s *Session) handle(ctx context.Context, ev Inbound) error {
	actor := s.conn.Identity()

	switch ev.Name {
	case EventSendMessage:
		text, err := decodeText(ev.Data)
		if err != nil {
			return err
		}
		_, err = s.coord.Send(ctx, actor, text, nil)
		return err

	case EventMessageSeen:
		id, err := decodeMessageID(ev.Data)
		if err != nil {
			return err
		}
		_, err = s.coord.MarkSeen(ctx, actor, id)
		return err

	case EventTypingStart, EventTypingStop:
		s.hub.SetTyping(ctx, s.conn, ev.Name == EventTypingStart)
		return nil

	case EventEditMessage:
		var req EditRequest
		if err := decodeInto(ev.Data, &req, ev.Name); err != nil {
			return err
		}
		_, err := s.coord.Edit(ctx, actor, req.ID, req.Text)
		return err

	case EventDeleteMessage:
		var req DeleteRequest
		if err := decodeInto(ev.Data, &req, ev.Name); err != nil {
			return err
		}
		return s.coord.Delete(ctx, actor, req.ID, req.DeleteType)

	default:
		return newError(ErrValidation, "unknown event %q", ev.Name)
	}
}
