package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"

	"chat-broker/internal/platform/logger"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAuditWritesThroughLogger(t *testing.T) {
	var buf bytes.Buffer
	logger.SetOutput(&buf)
	defer logger.SetOutput(nil)

	a := NewAuditService(true)
	ctx := WithClientInfo(context.Background(), ClientInfo{IPAddress: "10.0.0.1", UserAgent: "test"})
	a.LogMessageDeleted(ctx, "u1", "abc", "everyone")

	line := strings.TrimSpace(buf.String())
	require.NotEmpty(t, line)

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(line), &entry))
	assert.Equal(t, "NOTICE", entry["severity"])
	assert.Equal(t, "u1", entry["userId"])
	assert.Equal(t, "abc", entry["messageId"])
	assert.Equal(t, "delete_message", entry["action"])

	details := entry["details"].(map[string]interface{})
	assert.Equal(t, "everyone", details["delete_type"])
	assert.Equal(t, "10.0.0.1", details["ip_address"])
}

func TestAuditDisabled(t *testing.T) {
	var buf bytes.Buffer
	logger.SetOutput(&buf)
	defer logger.SetOutput(nil)

	NewAuditService(false).LogMessageSent(context.Background(), "u1", "m1", "text")
	var nilService *AuditService
	nilService.LogAccessDenied(context.Background(), "u1", "m1", "edit_message")

	assert.Empty(t, buf.String())
}

func TestAuditFailureSeverity(t *testing.T) {
	var buf bytes.Buffer
	logger.SetOutput(&buf)
	defer logger.SetOutput(nil)

	NewAuditService(true).LogAccessDenied(context.Background(), "u2", "m1", "edit_message")
	assert.Contains(t, buf.String(), `"severity":"WARNING"`)
}
