package identity

import (
	"regexp"
	"strings"
)

// DemoTokenPrefix 示範模式 token 前綴.
const DemoTokenPrefix = "fake_token_"

var demoFragment = regexp.MustCompile(`^[A-Za-z0-9_-]{1,100}$`)

// VerifyDemoToken 僅做結構比對，不涉及任何密碼學驗證.
func VerifyDemoToken(token string) (Identity, error) {
	fragment := strings.TrimPrefix(token, DemoTokenPrefix)
	if fragment == token || !demoFragment.MatchString(fragment) {
		return Identity{}, authErr("malformed demo token")
	}

	name := shortName(fragment)
	return Identity{
		ID:          fragment,
		DisplayName: name,
		AvatarRef:   AvatarURL(name),
	}, nil
}

// IssueDemoToken 為示範登入產生 token.
func IssueDemoToken(userID string) (string, error) {
	if !demoFragment.MatchString(userID) {
		return "", authErr("invalid demo user id")
	}
	return DemoTokenPrefix + userID, nil
}

// DemoUserID 以 email 推導穩定的示範使用者 ID.
func DemoUserID(email string) string {
	local := strings.ToLower(strings.TrimSpace(email))
	if i := strings.IndexByte(local, '@'); i >= 0 {
		local = local[:i]
	}

	var b strings.Builder
	for _, r := range local {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '_', r == '-':
			b.WriteRune(r)
		case r == '.' || r == '+':
			b.WriteByte('_')
		}
		if b.Len() >= 100 {
			break
		}
	}
	if b.Len() == 0 {
		return "guest"
	}
	return b.String()
}
