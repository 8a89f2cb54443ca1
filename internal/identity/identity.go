// Package identity 將不透明的 bearer token 轉換為穩定的使用者身分.
//
// 支援兩種憑證：本地示範 token（fake_token_<id>，僅做結構比對）以及
// 委派給外部簽章驗證器的 token（預設實作為 JWT）。呼叫端不需要知道是哪一種。
package identity

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
)

var (
	// ErrAuth token 格式錯誤或驗證失敗.
	ErrAuth = errors.New("authentication failed")
	// ErrVerifierUnavailable 委派驗證器未設定或無法使用.
	ErrVerifierUnavailable = errors.New("identity verifier unavailable")
)

// AuthError 帶有失敗原因的認證錯誤，errors.Is(err, ErrAuth) 為 true.
type AuthError struct {
	Reason string
}

func (e *AuthError) Error() string {
	return "authentication failed: " + e.Reason
}

// Unwrap 讓 errors.Is 能比對 ErrAuth.
func (e *AuthError) Unwrap() error {
	return ErrAuth
}

func authErr(format string, args ...interface{}) error {
	return &AuthError{Reason: fmt.Sprintf(format, args...)}
}

// Identity 已驗證的使用者身分，在同一個 session 內不可變.
type Identity struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName"`
	AvatarRef   string `json:"avatarRef"`
	Email       string `json:"email,omitempty"`
}

// Verifier 驗證 token 並回傳身分.
type Verifier interface {
	Verify(ctx context.Context, token string) (Identity, error)
}

// TokenVerifier 外部簽章 token 驗證器.
type TokenVerifier interface {
	VerifyToken(ctx context.Context, token string) (Identity, error)
}

// Chain 依 token 形態分派到示範模式或委派驗證器.
type Chain struct {
	demoEnabled bool
	delegated   TokenVerifier
}

// NewChain 建立驗證鏈；delegated 可為 nil（僅允許示範 token）.
func NewChain(demoEnabled bool, delegated TokenVerifier) *Chain {
	return &Chain{demoEnabled: demoEnabled, delegated: delegated}
}

// Verify 實作 Verifier.
func (c *Chain) Verify(ctx context.Context, token string) (Identity, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return Identity{}, authErr("missing token")
	}

	if strings.HasPrefix(token, DemoTokenPrefix) {
		if !c.demoEnabled {
			return Identity{}, authErr("demo tokens are disabled")
		}
		return VerifyDemoToken(token)
	}

	if c.delegated == nil {
		return Identity{}, ErrVerifierUnavailable
	}
	return c.delegated.VerifyToken(ctx, token)
}

// ExtractBearer 取出 "Bearer <token>" 的 token 部分；非 Bearer 格式回傳空字串.
func ExtractBearer(header string) string {
	const prefix = "bearer "
	if len(header) <= len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return ""
	}
	return strings.TrimSpace(header[len(prefix):])
}

// shortName 以 id 末四碼產生顯示名稱.
func shortName(id string) string {
	tail := id
	if len(tail) > 4 {
		tail = tail[len(tail)-4:]
	}
	return "User" + tail
}

// AvatarURL 以顯示名稱產生預設頭像連結.
func AvatarURL(name string) string {
	return "https://ui-avatars.com/api/?name=" + url.QueryEscape(name) + "&background=random"
}

type ctxKey struct{}

// NewContext 將身分放入 context.
func NewContext(ctx context.Context, ident Identity) context.Context {
	return context.WithValue(ctx, ctxKey{}, ident)
}

// FromContext 取出 NewContext 放入的身分.
func FromContext(ctx context.Context) (Identity, bool) {
	ident, ok := ctx.Value(ctxKey{}).(Identity)
	return ident, ok
}
