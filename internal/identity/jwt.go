package identity

import (
	"context"
	"crypto/rsa"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// JWTConfig 委派 token 驗證設定；Secret 與 PublicKeyPEM 擇一.
type JWTConfig struct {
	Secret       string
	PublicKeyPEM []byte
	Issuer       string
	Audience     string
}

// JWTVerifier 以 HS256 共用密鑰或 RS256 公鑰驗證簽章 token.
type JWTVerifier struct {
	secret []byte
	pubKey *rsa.PublicKey
	opts   []jwt.ParserOption
}

// NewJWTVerifier 建立 JWT 驗證器.
func NewJWTVerifier(cfg JWTConfig) (*JWTVerifier, error) {
	v := &JWTVerifier{}

	switch {
	case len(cfg.PublicKeyPEM) > 0:
		key, err := jwt.ParseRSAPublicKeyFromPEM(cfg.PublicKeyPEM)
		if err != nil {
			return nil, fmt.Errorf("解析 JWT 公鑰失敗: %w", err)
		}
		v.pubKey = key
		v.opts = append(v.opts, jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}))
	case cfg.Secret != "":
		v.secret = []byte(cfg.Secret)
		v.opts = append(v.opts, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	default:
		return nil, errors.New("JWT 驗證器需要 secret 或公鑰")
	}

	v.opts = append(v.opts, jwt.WithExpirationRequired())
	if cfg.Issuer != "" {
		v.opts = append(v.opts, jwt.WithIssuer(cfg.Issuer))
	}
	if cfg.Audience != "" {
		v.opts = append(v.opts, jwt.WithAudience(cfg.Audience))
	}
	return v, nil
}

// NewJWTVerifierFromFile 從 PEM 檔案載入公鑰.
func NewJWTVerifierFromFile(path, issuer, audience string) (*JWTVerifier, error) {
	pem, err := os.ReadFile(path) // #nosec G304 -- path comes from config
	if err != nil {
		return nil, fmt.Errorf("讀取 JWT 公鑰失敗: %w", err)
	}
	return NewJWTVerifier(JWTConfig{PublicKeyPEM: pem, Issuer: issuer, Audience: audience})
}

type claims struct {
	Name    string `json:"name,omitempty"`
	Email   string `json:"email,omitempty"`
	Picture string `json:"picture,omitempty"`
	jwt.RegisteredClaims
}

func (v *JWTVerifier) keyFunc(*jwt.Token) (any, error) {
	if v.pubKey != nil {
		return v.pubKey, nil
	}
	return v.secret, nil
}

// VerifyToken 實作 TokenVerifier.
func (v *JWTVerifier) VerifyToken(_ context.Context, token string) (Identity, error) {
	c := &claims{}
	if _, err := jwt.ParseWithClaims(token, c, v.keyFunc, v.opts...); err != nil {
		return Identity{}, authErr("%v", err)
	}

	if c.Subject == "" || len(c.Subject) > 128 {
		return Identity{}, authErr("invalid subject")
	}

	name := strings.TrimSpace(c.Name)
	if name == "" && c.Email != "" {
		name = strings.SplitN(c.Email, "@", 2)[0]
	}
	if name == "" {
		name = shortName(c.Subject)
	}

	avatar := c.Picture
	if avatar == "" {
		avatar = AvatarURL(name)
	}

	return Identity{
		ID:          c.Subject,
		DisplayName: name,
		AvatarRef:   avatar,
		Email:       c.Email,
	}, nil
}
