package identity

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDemoToken(t *testing.T) {
	v := NewChain(true, nil)

	id, err := v.Verify(context.Background(), "fake_token_alice_1234")
	require.NoError(t, err)
	assert.Equal(t, "alice_1234", id.ID)
	assert.Equal(t, "User1234", id.DisplayName)
	assert.True(t, strings.HasPrefix(id.AvatarRef, "https://ui-avatars.com/api/?name=User1234"))

	short, err := v.Verify(context.Background(), "fake_token_ab")
	require.NoError(t, err)
	assert.Equal(t, "Userab", short.DisplayName)
}

func TestDemoTokenMalformed(t *testing.T) {
	v := NewChain(true, nil)

	cases := []string{
		"",
		"   ",
		"fake_token_",
		"fake_token_has space",
		"fake_token_" + strings.Repeat("a", 101),
		"fake_token_<script>",
	}
	for _, tok := range cases {
		_, err := v.Verify(context.Background(), tok)
		require.Error(t, err, "token %q 應該驗證失敗", tok)
		assert.True(t, errors.Is(err, ErrAuth), "token %q 應回傳 ErrAuth", tok)
	}
}

func TestDemoDisabled(t *testing.T) {
	v := NewChain(false, nil)
	_, err := v.Verify(context.Background(), "fake_token_u1")
	assert.ErrorIs(t, err, ErrAuth)
}

func TestDelegatedUnavailable(t *testing.T) {
	v := NewChain(true, nil)
	_, err := v.Verify(context.Background(), "eyJhbGciOi.not.configured")
	assert.ErrorIs(t, err, ErrVerifierUnavailable)
}

func TestJWTVerifierHS256(t *testing.T) {
	jv, err := NewJWTVerifier(JWTConfig{Secret: "s3cret", Issuer: "idp", Audience: "chat"})
	require.NoError(t, err)
	v := NewChain(false, jv)

	sign := func(c jwt.MapClaims) string {
		tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, c).SignedString([]byte("s3cret"))
		require.NoError(t, err)
		return tok
	}
	exp := time.Now().Add(time.Hour).Unix()

	id, err := v.Verify(context.Background(), sign(jwt.MapClaims{
		"sub": "uid-42", "email": "bob@example.com", "iss": "idp", "aud": "chat", "exp": exp,
	}))
	require.NoError(t, err)
	assert.Equal(t, "uid-42", id.ID)
	assert.Equal(t, "bob", id.DisplayName)
	assert.Equal(t, "bob@example.com", id.Email)

	// 錯誤 issuer
	_, err = v.Verify(context.Background(), sign(jwt.MapClaims{
		"sub": "uid-42", "iss": "other", "aud": "chat", "exp": exp,
	}))
	assert.ErrorIs(t, err, ErrAuth)

	// 過期
	_, err = v.Verify(context.Background(), sign(jwt.MapClaims{
		"sub": "uid-42", "iss": "idp", "aud": "chat", "exp": time.Now().Add(-time.Minute).Unix(),
	}))
	assert.ErrorIs(t, err, ErrAuth)

	// 缺少 exp
	_, err = v.Verify(context.Background(), sign(jwt.MapClaims{"sub": "uid-42", "iss": "idp", "aud": "chat"}))
	assert.ErrorIs(t, err, ErrAuth)

	// 簽章錯誤
	bad, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "uid-42", "iss": "idp", "aud": "chat", "exp": exp,
	}).SignedString([]byte("wrong"))
	require.NoError(t, err)
	_, err = v.Verify(context.Background(), bad)
	assert.ErrorIs(t, err, ErrAuth)
}

func TestJWTVerifierRS256(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	der, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	require.NoError(t, err)
	pemBytes := pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der})

	jv, err := NewJWTVerifier(JWTConfig{PublicKeyPEM: pemBytes})
	require.NoError(t, err)

	tok, err := jwt.NewWithClaims(jwt.SigningMethodRS256, jwt.MapClaims{
		"sub": "firebase-uid-9876", "name": "Carol", "picture": "https://img/x.png",
		"exp": time.Now().Add(time.Hour).Unix(),
	}).SignedString(key)
	require.NoError(t, err)

	id, err := jv.VerifyToken(context.Background(), tok)
	require.NoError(t, err)
	assert.Equal(t, Identity{ID: "firebase-uid-9876", DisplayName: "Carol", AvatarRef: "https://img/x.png"}, id)

	// HS256 token 不得通過 RS256 驗證器
	hs, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "x", "exp": time.Now().Add(time.Hour).Unix(),
	}).SignedString([]byte("whatever"))
	require.NoError(t, err)
	_, err = jv.VerifyToken(context.Background(), hs)
	assert.ErrorIs(t, err, ErrAuth)
}

func TestExtractBearer(t *testing.T) {
	assert.Equal(t, "abc", ExtractBearer("Bearer abc"))
	assert.Equal(t, "abc", ExtractBearer("bearer   abc "))
	assert.Equal(t, "", ExtractBearer("Basic abc"))
	assert.Equal(t, "", ExtractBearer("Bearer "))
}

func TestDemoUserID(t *testing.T) {
	assert.Equal(t, "john_doe", DemoUserID("John.Doe@example.com"))
	assert.Equal(t, "guest", DemoUserID("@@"))

	tok, err := IssueDemoToken(DemoUserID("a+b@x.io"))
	require.NoError(t, err)
	id, err := VerifyDemoToken(tok)
	require.NoError(t, err)
	assert.Equal(t, "a_b", id.ID)
}
