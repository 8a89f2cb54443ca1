package broker

import (
	"errors"
	"fmt"

	"chat-broker/internal/storage/database/room"
)

var (
	// ErrValidation 內容不合法，例如空訊息.
	ErrValidation = errors.New("validation error")
	// ErrUnauthorized 非訊息發送者嘗試編輯或刪除.
	ErrUnauthorized = errors.New("unauthorized")
	// ErrNotFound 訊息不存在.
	ErrNotFound = errors.New("not found")
	// ErrStoreUnavailable 資料庫無法使用，操作視為失敗，不自動重試.
	ErrStoreUnavailable = errors.New("store unavailable")
	// ErrRateLimited 連線送出事件過於頻繁.
	ErrRateLimited = errors.New("rate limited")
	// ErrSlowConsumer 連線的輸出佇列已滿.
	ErrSlowConsumer = errors.New("slow consumer")
	// ErrLoggedOut 使用者登出，連線被伺服器關閉.
	ErrLoggedOut = errors.New("logged out")
	// ErrSessionClosed session 已關閉.
	ErrSessionClosed = errors.New("session closed")
)

// Error 帶有可回傳給客戶端訊息的錯誤.
type Error struct {
	Kind    error
	Message string
}

func (e *Error) Error() string {
	return e.Message
}

// Unwrap 讓 errors.Is 能比對 Kind.
func (e *Error) Unwrap() error {
	return e.Kind
}

func newError(kind error, format string, args ...interface{}) error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Code 錯誤對應的機器可讀代碼.
func Code(err error) string {
	switch {
	case errors.Is(err, ErrValidation):
		return "validation_error"
	case errors.Is(err, ErrUnauthorized):
		return "unauthorized"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrStoreUnavailable):
		return "store_unavailable"
	case errors.Is(err, ErrRateLimited):
		return "rate_limited"
	default:
		return "internal_error"
	}
}

// PublicMessage 回傳可安全給客戶端看的錯誤訊息，不洩漏資料庫細節.
func PublicMessage(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Message
	}
	switch Code(err) {
	case "store_unavailable":
		return "storage temporarily unavailable"
	case "not_found":
		return "message not found"
	case "unauthorized":
		return "not allowed"
	}
	return "internal error"
}

// storeError 將倉儲錯誤轉為 broker 錯誤.
func storeError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, room.ErrNotFound):
		return newError(ErrNotFound, "message not found")
	case errors.Is(err, room.ErrNotOwner):
		return newError(ErrUnauthorized, "only the sender can modify this message")
	default:
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
}
