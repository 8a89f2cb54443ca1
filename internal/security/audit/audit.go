// Package audit 訊息異動與安全事件的審計紀錄，統一經由 logger 輸出.
package audit

import (
	"context"

	"chat-broker/internal/platform/logger"
)

// ClientInfo 發起操作的客戶端資訊.
type ClientInfo struct {
	IPAddress string
	UserAgent string
}

type clientInfoKey struct{}

// WithClientInfo 將客戶端資訊放入 context，審計紀錄會自動帶上.
func WithClientInfo(ctx context.Context, info ClientInfo) context.Context {
	return context.WithValue(ctx, clientInfoKey{}, info)
}

// ClientInfoFrom 從 context 取出客戶端資訊.
func ClientInfoFrom(ctx context.Context) (ClientInfo, bool) {
	info, ok := ctx.Value(clientInfoKey{}).(ClientInfo)
	return info, ok
}

// AuditService 審計服務
type AuditService struct {
	enabled bool
}

// NewAuditService 創建審計服務
func NewAuditService(enabled bool) *AuditService {
	return &AuditService{enabled: enabled}
}

// IsEnabled 檢查審計是否啟用
func (a *AuditService) IsEnabled() bool {
	return a != nil && a.enabled
}

// AuditEvent 審計事件
type AuditEvent struct {
	EventType string
	UserID    string
	MessageID string
	Action    string
	Result    string // success, failure, denied, blocked
	Details   map[string]interface{}
}

// LogMessageSent 記錄消息發送
func (a *AuditService) LogMessageSent(ctx context.Context, userID, messageID, kind string) {
	a.log(ctx, AuditEvent{
		EventType: "message_sent",
		UserID:    userID,
		MessageID: messageID,
		Action:    "send_message",
		Result:    "success",
		Details:   map[string]interface{}{"kind": kind},
	})
}

// LogMessageSeen 記錄消息已讀
func (a *AuditService) LogMessageSeen(ctx context.Context, userID, messageID string) {
	a.log(ctx, AuditEvent{
		EventType: "message_seen",
		UserID:    userID,
		MessageID: messageID,
		Action:    "mark_seen",
		Result:    "success",
	})
}

// LogMessageEdited 記錄消息編輯
func (a *AuditService) LogMessageEdited(ctx context.Context, userID, messageID string) {
	a.log(ctx, AuditEvent{
		EventType: "data_modification",
		UserID:    userID,
		MessageID: messageID,
		Action:    "edit_message",
		Result:    "success",
	})
}

// LogMessageDeleted 記錄消息刪除
func (a *AuditService) LogMessageDeleted(ctx context.Context, userID, messageID, mode string) {
	a.log(ctx, AuditEvent{
		EventType: "data_modification",
		UserID:    userID,
		MessageID: messageID,
		Action:    "delete_message",
		Result:    "success",
		Details:   map[string]interface{}{"delete_type": mode},
	})
}

// LogAccessDenied 記錄訪問被拒絕（例如編輯他人的訊息）
func (a *AuditService) LogAccessDenied(ctx context.Context, userID, messageID, action string) {
	a.log(ctx, AuditEvent{
		EventType: "access_denied",
		UserID:    userID,
		MessageID: messageID,
		Action:    action,
		Result:    "denied",
	})
}

// LogAuthenticationFailure 記錄認證失敗
func (a *AuditService) LogAuthenticationFailure(ctx context.Context, transport, reason string) {
	a.log(ctx, AuditEvent{
		EventType: "authentication",
		Action:    "authenticate",
		Result:    "failure",
		Details:   map[string]interface{}{"transport": transport, "reason": reason},
	})
}

// LogRateLimitExceeded 記錄速率限制超過
func (a *AuditService) LogRateLimitExceeded(ctx context.Context, userID, scope string) {
	a.log(ctx, AuditEvent{
		EventType: "rate_limit",
		UserID:    userID,
		Action:    scope,
		Result:    "blocked",
		Details:   map[string]interface{}{"reason": "rate_limit_exceeded"},
	})
}

// log 記錄審計事件
func (a *AuditService) log(ctx context.Context, event AuditEvent) {
	if !a.IsEnabled() {
		return
	}

	details := map[string]interface{}{
		"audit":      true,
		"event_type": event.EventType,
		"result":     event.Result,
	}
	for k, v := range event.Details {
		details[k] = v
	}
	if info, ok := ClientInfoFrom(ctx); ok {
		details["ip_address"] = info.IPAddress
		details["user_agent"] = info.UserAgent
	}

	opts := []logger.LogOption{
		logger.WithAction(event.Action),
		logger.WithDetails(details),
		logger.WithLabels(map[string]string{"log_type": "audit"}),
	}
	if event.UserID != "" {
		opts = append(opts, logger.WithUserID(event.UserID))
	}
	if event.MessageID != "" {
		opts = append(opts, logger.WithMessageID(event.MessageID))
	}

	severity := logger.SeverityNotice
	if event.Result != "success" {
		severity = logger.SeverityWarning
	}
	logger.Log(ctx, severity, "[AUDIT] "+event.EventType, opts...)
}
