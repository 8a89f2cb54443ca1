// Package encryption 訊息文字的靜態加密（資料庫層），不是端對端加密.
package encryption

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/hkdf"
)

// CipherPrefix 密文前綴，沒有此前綴的內容視為舊的明文資料.
const CipherPrefix = "aes256ctr:"

// keyInfo HKDF info，換用途時必須換值.
const keyInfo = "chat-broker/message-text/v1"

// DeriveKey 以 HKDF-SHA256 從主密鑰推導 32 bytes 的資料密鑰.
func DeriveKey(masterKey []byte, info string) ([]byte, error) {
	if len(masterKey) < 32 {
		return nil, fmt.Errorf("master key must be at least 32 bytes, got %d bytes", len(masterKey))
	}
	key := make([]byte, 32)
	if _, err := io.ReadFull(hkdf.New(sha256.New, masterKey, nil, []byte(info)), key); err != nil {
		return nil, fmt.Errorf("failed to derive key: %w", err)
	}
	return key, nil
}

// TextCipher AES-256-CTR 文字加密.
// 格式: "aes256ctr:" + base64(IV + ciphertext)，每次加密使用新的隨機 IV.
type TextCipher struct {
	block cipher.Block
}

// NewTextCipher 以 32 bytes 金鑰建立加密器.
func NewTextCipher(key []byte) (*TextCipher, error) {
	if len(key) != 32 {
		return nil, fmt.Errorf("key must be 32 bytes (256 bits), got %d bytes", len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	return &TextCipher{block: block}, nil
}

// NewTextCipherFromMaster 從主密鑰推導資料密鑰並建立加密器.
func NewTextCipherFromMaster(masterKey []byte) (*TextCipher, error) {
	key, err := DeriveKey(masterKey, keyInfo)
	if err != nil {
		return nil, err
	}
	defer func() {
		for i := range key {
			key[i] = 0
		}
	}()
	return NewTextCipher(key)
}

// Encrypt 加密文字；空字串原樣回傳.
func (c *TextCipher) Encrypt(plaintext string) (string, error) {
	if plaintext == "" {
		return "", nil
	}

	buf := make([]byte, aes.BlockSize+len(plaintext))
	iv := buf[:aes.BlockSize]
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return "", fmt.Errorf("failed to generate IV: %w", err)
	}
	cipher.NewCTR(c.block, iv).XORKeyStream(buf[aes.BlockSize:], []byte(plaintext))

	return CipherPrefix + base64.StdEncoding.EncodeToString(buf), nil
}

// Decrypt 解密文字；沒有前綴的內容視為明文直接回傳.
func (c *TextCipher) Decrypt(text string) (string, error) {
	if !IsEncrypted(text) {
		return text, nil
	}

	data, err := base64.StdEncoding.DecodeString(text[len(CipherPrefix):])
	if err != nil {
		return "", fmt.Errorf("failed to decode base64: %w", err)
	}
	if len(data) < aes.BlockSize {
		return "", fmt.Errorf("ciphertext too short: must be at least %d bytes", aes.BlockSize)
	}

	plaintext := make([]byte, len(data)-aes.BlockSize)
	cipher.NewCTR(c.block, data[:aes.BlockSize]).XORKeyStream(plaintext, data[aes.BlockSize:])
	return string(plaintext), nil
}

// IsEncrypted 檢查文本是否已加密
func IsEncrypted(text string) bool {
	return strings.HasPrefix(text, CipherPrefix)
}
