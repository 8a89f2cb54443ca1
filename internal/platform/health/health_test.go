package health

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"chat-broker/internal/platform/logger"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakePinger struct{ err error }

func (f fakePinger) Ping(context.Context) error { return f.err }

type fakeHub struct{ online, conns int }

func (f fakeHub) OnlineCount() int     { return f.online }
func (f fakeHub) ConnectionCount() int { return f.conns }

func check(t *testing.T, h *Handler) map[string]interface{} {
	t.Helper()
	gin.SetMode(gin.TestMode)
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest(http.MethodGet, "/health", nil)

	h.HealthCheck(c)
	require.Equal(t, http.StatusOK, w.Code)

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return body
}

func TestHealthy(t *testing.T) {
	body := check(t, NewHealthHandler(fakePinger{}, fakeHub{online: 2, conns: 3}))

	assert.Equal(t, "healthy", body["status"])
	b := body["broker"].(map[string]interface{})
	assert.EqualValues(t, 2, b["online_users"])
	assert.EqualValues(t, 3, b["connections"])
}

func TestDegradedWhenStoreDown(t *testing.T) {
	logger.SetOutput(&bytes.Buffer{})
	body := check(t, NewHealthHandler(fakePinger{err: errors.New("mongo: no reachable servers")}, nil))

	assert.Equal(t, "degraded", body["status"])
	db := body["database"].(map[string]interface{})
	assert.Equal(t, "unhealthy", db["status"])
	// 不回傳底層錯誤
	assert.Equal(t, "database unreachable", db["error"])
	assert.NotContains(t, body, "broker")
}
