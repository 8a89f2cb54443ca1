package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"chat-broker/internal/broker"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

type wsFrame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

func dialWS(t *testing.T, ctx context.Context, base, token string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(base, "http") + "/ws?token=" + token
	c, _, err := websocket.Dial(ctx, url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.CloseNow() })
	return c
}

// readUntil 讀取直到收到指定事件.
func readUntil(t *testing.T, ctx context.Context, c *websocket.Conn, name string) wsFrame {
	t.Helper()
	for {
		var f wsFrame
		require.NoError(t, wsjson.Read(ctx, c, &f))
		if f.Event == name {
			return f
		}
	}
}

func waitOnline(t *testing.T, hub *broker.Hub, userID string) {
	t.Helper()
	require.Eventually(t, func() bool { return hub.IsOnline(userID) }, 2*time.Second, 10*time.Millisecond)
}

func TestWebSocketBroadcast(t *testing.T) {
	env := newTestEnv(t)
	ts := httptest.NewServer(env.srv.Handler())
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	alice := dialWS(t, ctx, ts.URL, "fake_token_alice")
	waitOnline(t, env.hub, "alice")
	bob := dialWS(t, ctx, ts.URL, "fake_token_bob")
	waitOnline(t, env.hub, "bob")

	online := readUntil(t, ctx, alice, broker.EventUserOnline)
	var change broker.OnlineChange
	require.NoError(t, json.Unmarshal(online.Data, &change))
	assert.Equal(t, "bob", change.UserID)
	assert.True(t, change.IsOnline)

	require.NoError(t, wsjson.Write(ctx, alice, map[string]interface{}{"event": "send_message", "data": map[string]string{"text": "hi bob"}}))

	var got struct {
		ID       string `json:"id"`
		Text     string `json:"text"`
		SenderID string `json:"senderId"`
	}
	require.NoError(t, json.Unmarshal(readUntil(t, ctx, bob, broker.EventReceiveMessage).Data, &got))
	assert.Equal(t, "hi bob", got.Text)
	assert.Equal(t, "alice", got.SenderID)

	// 發送者自己的連線也會收到
	readUntil(t, ctx, alice, broker.EventReceiveMessage)

	require.NoError(t, wsjson.Write(ctx, bob, map[string]interface{}{"event": "message_seen", "data": map[string]string{"messageId": got.ID}}))
	var status broker.StatusUpdate
	require.NoError(t, json.Unmarshal(readUntil(t, ctx, alice, broker.EventStatusUpdated).Data, &status))
	assert.Equal(t, got.ID, status.MessageID)
	assert.Equal(t, "seen", status.Status)
	assert.Equal(t, "bob", status.UserID)

	require.NoError(t, bob.Close(websocket.StatusNormalClosure, ""))
	offline := readUntil(t, ctx, alice, broker.EventUserOnline)
	require.NoError(t, json.Unmarshal(offline.Data, &change))
	assert.Equal(t, "bob", change.UserID)
	assert.False(t, change.IsOnline)
}

func TestWebSocketPingAndErrors(t *testing.T) {
	env := newTestEnv(t)
	ts := httptest.NewServer(env.srv.Handler())
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	c := dialWS(t, ctx, ts.URL, "fake_token_alice")

	require.NoError(t, wsjson.Write(ctx, c, map[string]string{"event": "ping"}))
	readUntil(t, ctx, c, broker.EventPong)

	// 格式錯誤的 frame 只回錯誤，不中斷連線
	require.NoError(t, c.Write(ctx, websocket.MessageText, []byte("{not json")))
	var payload broker.ErrorPayload
	require.NoError(t, json.Unmarshal(readUntil(t, ctx, c, broker.EventError).Data, &payload))
	assert.Equal(t, "validation_error", payload.Code)

	require.NoError(t, wsjson.Write(ctx, c, map[string]interface{}{"event": "send_message", "data": "   "}))
	require.NoError(t, json.Unmarshal(readUntil(t, ctx, c, broker.EventError).Data, &payload))
	assert.Equal(t, "validation_error", payload.Code)

	require.NoError(t, wsjson.Write(ctx, c, map[string]interface{}{"event": "edit_message", "data": map[string]string{"id": "000000000000000000000000", "text": "x"}}))
	require.NoError(t, json.Unmarshal(readUntil(t, ctx, c, broker.EventError).Data, &payload))
	assert.Equal(t, "not_found", payload.Code)

	require.NoError(t, wsjson.Write(ctx, c, map[string]string{"event": "ping"}))
	readUntil(t, ctx, c, broker.EventPong)
}

func TestWebSocketRejectsUnauthenticated(t *testing.T) {
	env := newTestEnv(t)
	ts := httptest.NewServer(env.srv.Handler())
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	base := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	_, resp, err := websocket.Dial(ctx, base, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	_, resp, err = websocket.Dial(ctx, base+"?token=fake_token_!!", nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	assert.Equal(t, 0, env.hub.ConnectionCount())
}

func TestWebSocketLogoutCloses(t *testing.T) {
	env := newTestEnv(t)
	ts := httptest.NewServer(env.srv.Handler())
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	c := dialWS(t, ctx, ts.URL, "fake_token_alice")
	waitOnline(t, env.hub, "alice")

	w := env.do(t, http.MethodPost, "/api/logout", "fake_token_alice", nil, "")
	require.Equal(t, http.StatusOK, w.Code)

	var f wsFrame
	var err error
	for err == nil {
		err = wsjson.Read(ctx, c, &f)
	}
	assert.Equal(t, websocket.StatusPolicyViolation, websocket.CloseStatus(err))
	require.Eventually(t, func() bool { return !env.hub.IsOnline("alice") }, 2*time.Second, 10*time.Millisecond)
}

func TestCloseStatus(t *testing.T) {
	code, _ := closeStatus(nil)
	assert.Equal(t, websocket.StatusNormalClosure, code)
	code, reason := closeStatus(broker.ErrSlowConsumer)
	assert.Equal(t, websocket.StatusPolicyViolation, code)
	assert.Equal(t, "slow consumer", reason)
	code, _ = closeStatus(broker.ErrSessionClosed)
	assert.Equal(t, websocket.StatusGoingAway, code)
}

func TestAcceptOptions(t *testing.T) {
	env := newTestEnv(t)
	assert.True(t, env.srv.acceptOptions().InsecureSkipVerify)

	env.srv.cfg.Security.CORS.AllowedOrigins = []string{"https://chat.example.com", "localhost:3000"}
	opts := env.srv.acceptOptions()
	assert.False(t, opts.InsecureSkipVerify)
	assert.Equal(t, []string{"chat.example.com", "localhost:3000"}, opts.OriginPatterns)
}
