package middleware

import (
	"fmt"
	"net/http"
	"strings"
	"unicode/utf8"

	"chat-broker/internal/constants"

	"github.com/dustin/go-humanize"
	"github.com/gin-gonic/gin"
)

// ValidateCaption 驗證附件說明文字
func ValidateCaption(caption string) error {
	if utf8.RuneCountInString(caption) > constants.MaxCaptionLength {
		return fmt.Errorf("說明文字超過最大長度限制 (%d 字符)", constants.MaxCaptionLength)
	}
	return nil
}

// ValidateUserID 驗證用戶 ID 格式
func ValidateUserID(userID string) error {
	if strings.TrimSpace(userID) == "" {
		return fmt.Errorf("用戶 ID 不能為空")
	}

	if len(userID) > constants.MaxUserIDLength {
		return fmt.Errorf("用戶 ID 格式錯誤")
	}

	// 防止 NULL 字符注入和特殊字符
	if strings.ContainsAny(userID, "\x00${}[]") {
		return fmt.Errorf("用戶 ID 包含非法字符")
	}

	return nil
}

// SanitizeInput 消毒輸入（移除危險字符）
func SanitizeInput(input string) string {
	var result strings.Builder
	result.Grow(len(input))
	// 移除控制字符（除了換行和 Tab）
	for _, r := range input {
		if r >= 32 || r == '\n' || r == '\t' {
			result.WriteRune(r)
		}
	}

	return result.String()
}

// SanitizeFilename 只保留檔名本身，移除路徑與控制字符
func SanitizeFilename(name string) string {
	name = SanitizeInput(name)
	if i := strings.LastIndexAny(name, `/\`); i >= 0 {
		name = name[i+1:]
	}
	name = strings.TrimSpace(name)
	if name == "" || name == "." || name == ".." {
		return "file"
	}
	return name
}

// RequestSizeLimiter 限制請求體大小的中間件
func RequestSizeLimiter(maxSize int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.ContentLength > maxSize {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{
				"error":   fmt.Sprintf("請求體過大，最大允許 %s", humanize.Bytes(uint64(maxSize))),
				"success": false,
			})
			c.Abort()
			return
		}
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxSize)

		c.Next()
	}
}
