package broker

import (
	"bytes"
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"chat-broker/internal/identity"
	"chat-broker/internal/platform/logger"
	"chat-broker/internal/storage/memstore"

	"github.com/stretchr/testify/require"
)

// frame 解析後的輸出事件.
type frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// recorder 記錄 Emit 呼叫的 Emitter.
type recorder struct {
	mu     sync.Mutex
	events []recorded
}

type recorded struct {
	ev  Event
	aud Audience
}

func (r *recorder) Emit(_ context.Context, ev Event, aud Audience) {
	r.mu.Lock()
	r.events = append(r.events, recorded{ev: ev, aud: aud})
	r.mu.Unlock()
}

func (r *recorder) named(name string) []recorded {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []recorded
	for _, e := range r.events {
		if e.ev.Name == name {
			out = append(out, e)
		}
	}
	return out
}

func quietLogs(t *testing.T) {
	t.Helper()
	logger.SetOutput(&bytes.Buffer{})
}

func ident(id string) identity.Identity {
	return identity.Identity{ID: id, DisplayName: "User " + id, AvatarRef: "https://example.com/" + id}
}

// drain 讀出連線目前佇列中的所有事件.
func drain(t *testing.T, c *Conn) []frame {
	t.Helper()
	var out []frame
	for {
		select {
		case raw := <-c.Outbound():
			var f frame
			require.NoError(t, json.Unmarshal(raw, &f))
			out = append(out, f)
		default:
			return out
		}
	}
}

// waitFrame 等待連線收到指定事件.
func waitFrame(t *testing.T, c *Conn, name string) frame {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case raw := <-c.Outbound():
			var f frame
			require.NoError(t, json.Unmarshal(raw, &f))
			if f.Event == name {
				return f
			}
		case <-deadline:
			t.Fatalf("等待 %s 逾時", name)
			return frame{}
		}
	}
}

func names(frames []frame) []string {
	out := make([]string, 0, len(frames))
	for _, f := range frames {
		out = append(out, f.Event)
	}
	return out
}

type fixture struct {
	messages *memstore.MessageStore
	users    *memstore.UserStore
	hub      *Hub
	coord    *Coordinator
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	quietLogs(t)
	f := &fixture{
		messages: memstore.NewMessageStore(),
		users:    memstore.NewUserStore(),
	}
	f.hub = NewHub(f.users, NewMetrics(nil))
	f.coord = NewCoordinator(f.messages, f.users, f.hub, WithMetrics(NewMetrics(nil)))
	return f
}

// connect 建立並註冊一條連線，並清掉註冊時產生的事件.
func (f *fixture) connect(t *testing.T, id string) *Conn {
	t.Helper()
	c := NewConn(ident(id), 64)
	f.hub.Register(context.Background(), c)
	return c
}
