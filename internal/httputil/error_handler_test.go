package httputil

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"chat-broker/internal/broker"
	"chat-broker/internal/identity"
	"chat-broker/internal/platform/logger"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{&broker.Error{Kind: broker.ErrValidation, Message: "empty"}, http.StatusBadRequest},
		{broker.ErrUnauthorized, http.StatusForbidden},
		{broker.ErrNotFound, http.StatusNotFound},
		{broker.ErrRateLimited, http.StatusTooManyRequests},
		{fmt.Errorf("%w: timeout", broker.ErrStoreUnavailable), http.StatusServiceUnavailable},
		{identity.ErrVerifierUnavailable, http.StatusServiceUnavailable},
		{identity.ErrAuth, http.StatusUnauthorized},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, StatusFor(tt.err), tt.err.Error())
	}
}

func TestErrorHidesStoreDetails(t *testing.T) {
	gin.SetMode(gin.TestMode)
	logger.SetOutput(&bytes.Buffer{})

	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest(http.MethodGet, "/api/messages", nil)

	Error(c, fmt.Errorf("%w: mongo: connection refused at 10.0.0.5", broker.ErrStoreUnavailable))
	require.Equal(t, http.StatusServiceUnavailable, w.Code)

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, false, body["success"])
	assert.NotContains(t, body["error"], "10.0.0.5")
}

func TestErrorClientMessage(t *testing.T) {
	gin.SetMode(gin.TestMode)

	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest(http.MethodPost, "/upload", nil)

	Error(c, &broker.Error{Kind: broker.ErrValidation, Message: "message is empty"})
	require.Equal(t, http.StatusBadRequest, w.Code)

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "message is empty", body["error"])
	assert.Equal(t, "validation_error", body["code"])
}
