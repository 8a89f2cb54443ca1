package broker

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHubMultipleConnectionsOneIdentity(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	watcher := f.connect(t, "observer")

	a := f.connect(t, "u1")
	online := drain(t, watcher)
	require.Equal(t, []string{EventUserOnline}, names(online))
	var oc OnlineChange
	require.NoError(t, json.Unmarshal(online[0].Data, &oc))
	assert.Equal(t, OnlineChange{UserID: "u1", IsOnline: true}, oc)
	assert.Empty(t, drain(t, a), "新連線不會收到自己的上線通知")

	first, ok := f.users.Get("u1")
	require.True(t, ok)
	assert.True(t, first.IsOnline)

	time.Sleep(2 * time.Millisecond)
	b := f.connect(t, "u1")
	assert.Empty(t, drain(t, watcher), "第二條連線不會重複廣播上線")
	assert.Equal(t, 2, f.hub.OnlineCount())
	assert.Equal(t, 3, f.hub.ConnectionCount())

	second, _ := f.users.Get("u1")
	assert.True(t, second.LastSeen.After(first.LastSeen), "lastSeen 需前進")

	f.hub.Deregister(ctx, a)
	assert.Empty(t, drain(t, watcher), "仍有連線時不廣播離線")
	assert.True(t, f.hub.IsOnline("u1"))

	f.hub.Deregister(ctx, b)
	f.hub.Deregister(ctx, b)
	got := drain(t, watcher)
	require.Equal(t, []string{EventUserOnline, EventUserTyping}, names(got))
	require.NoError(t, json.Unmarshal(got[0].Data, &oc))
	assert.False(t, oc.IsOnline)
	var tc TypingChange
	require.NoError(t, json.Unmarshal(got[1].Data, &tc))
	assert.Equal(t, TypingChange{UserID: "u1", IsTyping: false}, tc)

	assert.False(t, f.hub.IsOnline("u1"))
	last, _ := f.users.Get("u1")
	assert.False(t, last.IsOnline)
	assert.False(t, last.IsTyping)
	assert.Equal(t, 1, f.hub.ConnectionCount())
}

func TestHubTyping(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a1 := f.connect(t, "u1")
	a2 := f.connect(t, "u1")
	b := f.connect(t, "u2")
	drain(t, a1)
	drain(t, a2)
	drain(t, b)

	f.hub.SetTyping(ctx, a1, true)
	assert.Empty(t, drain(t, a1))
	assert.Empty(t, drain(t, a2), "同一身分的其他連線不會收到")
	got := drain(t, b)
	require.Len(t, got, 1)
	var tc TypingChange
	require.NoError(t, json.Unmarshal(got[0].Data, &tc))
	assert.Equal(t, TypingChange{UserID: "u1", IsTyping: true}, tc)

	states := f.hub.Online()
	require.Len(t, states, 2)
	assert.Equal(t, PresenceState{UserID: "u1", IsTyping: true, Connections: 2}, states[0])

	u, _ := f.users.Get("u1")
	assert.True(t, u.IsTyping)

	// 未註冊的連線不影響狀態
	stray := NewConn(ident("u1"), 1)
	f.hub.SetTyping(ctx, stray, false)
	assert.Empty(t, drain(t, b))
}

func TestHubDisconnect(t *testing.T) {
	f := newFixture(t)
	a := f.connect(t, "u1")
	b := f.connect(t, "u1")
	other := f.connect(t, "u2")

	assert.Equal(t, 2, f.hub.Disconnect("u1", ErrLoggedOut))
	for _, c := range []*Conn{a, b} {
		<-c.Done()
		assert.ErrorIs(t, c.Err(), ErrLoggedOut)
	}
	assert.Nil(t, other.Err())
	assert.Equal(t, 0, f.hub.Disconnect("nobody", ErrLoggedOut))
}

func TestHubConcurrentRegisterDeregister(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	watcher := NewConn(ident("observer"), 4096)
	f.hub.Register(ctx, watcher)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c := NewConn(ident("u1"), 16)
			f.hub.Register(ctx, c)
			f.hub.Deregister(ctx, c)
		}()
	}
	wg.Wait()

	assert.False(t, f.hub.IsOnline("u1"))
	assert.Equal(t, 1, f.hub.ConnectionCount())

	// 上線與離線通知交替出現，最後一個一定是離線
	var transitions []bool
	for _, fr := range drain(t, watcher) {
		if fr.Event != EventUserOnline {
			continue
		}
		var oc OnlineChange
		require.NoError(t, json.Unmarshal(fr.Data, &oc))
		transitions = append(transitions, oc.IsOnline)
	}
	require.NotEmpty(t, transitions)
	for i, online := range transitions {
		assert.Equal(t, i%2 == 0, online, "index %d", i)
	}

	u, ok := f.users.Get("u1")
	require.True(t, ok)
	assert.False(t, u.IsOnline, "投影以序號保留最後狀態")
}

func TestHubRestartKeepsProjectionCurrent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// 第一個行程：u1 上線後行程直接結束，沒有機會寫入離線
	for i := 0; i < 15; i++ {
		f.hub.Deregister(ctx, f.connect(t, "u1"))
	}
	f.connect(t, "u1")
	before, ok := f.users.Get("u1")
	require.True(t, ok)
	require.True(t, before.IsOnline)

	time.Sleep(2 * time.Millisecond)
	restarted := NewHub(f.users, NewMetrics(nil))
	c := NewConn(ident("u1"), 8)
	restarted.Register(ctx, c)
	restarted.Deregister(ctx, c)

	after, _ := f.users.Get("u1")
	assert.False(t, after.IsOnline)
	assert.True(t, after.LastSeen.After(before.LastSeen), "lastSeen 需前進")
	assert.Greater(t, after.PresenceSeq, before.PresenceSeq)
}

func TestHubResetPresence(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.connect(t, "u1")
	f.connect(t, "u2")
	// 投影裡的序號即使比新行程的計數器還大，重設後也能繼續寫入
	u2, _ := f.users.Get("u2")
	u2.PresenceSeq = time.Now().Add(time.Hour).UnixNano()
	require.NoError(t, f.users.ApplyPresence(ctx, &u2))

	restarted := NewHub(f.users, NewMetrics(nil))
	require.NoError(t, restarted.ResetPresence(ctx))

	users, err := f.users.List(ctx)
	require.NoError(t, err)
	require.Len(t, users, 2)
	for _, u := range users {
		assert.False(t, u.IsOnline, u.ID)
		assert.False(t, u.IsTyping, u.ID)
	}

	restarted.Register(ctx, NewConn(ident("u2"), 8))
	got, _ := f.users.Get("u2")
	assert.True(t, got.IsOnline)

	assert.NoError(t, NewHub(nil, NewMetrics(nil)).ResetPresence(ctx))
}
