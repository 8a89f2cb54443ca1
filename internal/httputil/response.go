package httputil

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// 錯誤訊息常數.
const (
	InvalidParameter  = "Invalid parameter"
	InvalidFileFormat = "Invalid file format"
	FileTooLarge      = "File too large"
	MissingFile       = "Missing file"
)

// SuccessResponse 成功回應結構.
type SuccessResponse struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Count   *int        `json:"count,omitempty"`
}

// OK 回傳資料.
func OK(c *gin.Context, data interface{}) {
	c.JSON(http.StatusOK, SuccessResponse{Success: true, Data: data})
}

// OKWithCount 回傳列表與筆數.
func OKWithCount(c *gin.Context, data interface{}, count int) {
	c.JSON(http.StatusOK, SuccessResponse{Success: true, Data: data, Count: &count})
}

// Created 回傳新建立的資源.
func Created(c *gin.Context, data interface{}) {
	c.JSON(http.StatusCreated, SuccessResponse{Success: true, Data: data})
}
