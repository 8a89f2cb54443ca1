package broker

import (
	"encoding/json"
	"strings"
)

// 客戶端 → 伺服器事件.
const (
	EventSendMessage   = "send_message"
	EventMessageSeen   = "message_seen"
	EventTypingStart   = "typing_start"
	EventTypingStop    = "typing_stop"
	EventEditMessage   = "edit_message"
	EventDeleteMessage = "delete_message"
	EventPing          = "ping"
)

// 伺服器 → 客戶端事件.
const (
	EventReceiveMessage = "receive_message"
	EventStatusUpdated  = "message_status_updated"
	EventMessageEdited  = "message_edited"
	EventMessageDeleted = "message_deleted"
	EventUserOnline     = "user_online"
	EventUserTyping     = "user_typing"
	EventError          = "error"
	EventPong           = "pong"
)

// DeleteMode 刪除模式.
type DeleteMode string

const (
	DeleteForMe       DeleteMode = "me"
	DeleteForEveryone DeleteMode = "everyone"
)

// Event 伺服器送出的事件.
type Event struct {
	Name string      `json:"event"`
	Data interface{} `json:"data,omitempty"`
}

// Inbound 客戶端送來的事件，Data 延後解析.
type Inbound struct {
	Name string          `json:"event"`
	Data json.RawMessage `json:"data,omitempty"`
}

// StatusUpdate message_status_updated 內容.
type StatusUpdate struct {
	MessageID string `json:"messageId"`
	Status    string `json:"status"`
	UserID    string `json:"userId"`
}

// Deletion message_deleted 內容.
type Deletion struct {
	ID         string     `json:"id"`
	DeleteType DeleteMode `json:"deleteType"`
}

// OnlineChange user_online 內容.
type OnlineChange struct {
	UserID   string `json:"userId"`
	IsOnline bool   `json:"isOnline"`
}

// TypingChange user_typing 內容.
type TypingChange struct {
	UserID   string `json:"userId"`
	IsTyping bool   `json:"isTyping"`
}

// ErrorPayload error 內容.
type ErrorPayload struct {
	Message string `json:"message"`
	Code    string `json:"code"`
}

// EditRequest edit_message 內容.
type EditRequest struct {
	ID   string `json:"id"`
	Text string `json:"text"`
}

// DeleteRequest delete_message 內容.
type DeleteRequest struct {
	ID         string     `json:"id"`
	DeleteType DeleteMode `json:"deleteType"`
}

// ErrorEvent 建立 error 事件.
func ErrorEvent(err error) Event {
	return Event{Name: EventError, Data: ErrorPayload{Message: PublicMessage(err), Code: Code(err)}}
}

// decodeText 接受字串或 {text}.
func decodeText(raw json.RawMessage) (string, error) {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s, nil
	}
	var obj struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal(raw, &obj); err != nil {
		return "", newError(ErrValidation, "invalid send_message payload")
	}
	return obj.Text, nil
}

// decodeMessageID 接受字串或 {messageId} / {id}.
func decodeMessageID(raw json.RawMessage) (string, error) {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return strings.TrimSpace(s), nil
	}
	var obj struct {
		MessageID string `json:"messageId"`
		ID        string `json:"id"`
	}
	if err := json.Unmarshal(raw, &obj); err != nil {
		return "", newError(ErrValidation, "invalid message id payload")
	}
	if obj.MessageID != "" {
		return strings.TrimSpace(obj.MessageID), nil
	}
	return strings.TrimSpace(obj.ID), nil
}

func decodeInto(raw json.RawMessage, v interface{}, event string) error {
	if len(raw) == 0 {
		return newError(ErrValidation, "missing %s payload", event)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return newError(ErrValidation, "invalid %s payload", event)
	}
	return nil
}

// encodeEvent 事件只序列化一次，再分送到各連線.
func encodeEvent(ev Event) ([]byte, error) {
	return json.Marshal(ev)
}
