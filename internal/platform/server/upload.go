package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"time"

	"chat-broker/internal/constants"
	"chat-broker/internal/httputil"
	"chat-broker/internal/platform/logger"
	"chat-broker/internal/platform/middleware"
	"chat-broker/internal/storage/database/room"
	"chat-broker/internal/storage/media"

	"github.com/dustin/go-humanize"
	"github.com/gabriel-vasile/mimetype"
	"github.com/gin-gonic/gin"
)

// allowedUploadTypes 允許上傳的檔案類型（以內容偵測，不信任副檔名與客戶端 header）.
var allowedUploadTypes = []string{
	"image/jpeg",
	"image/png",
	"image/gif",
	"image/webp",
	"video/mp4",
	"video/webm",
	"video/x-msvideo",
	"audio/mpeg",
	"audio/wav",
	"audio/ogg",
	"application/ogg",
	"application/pdf",
	"application/msword",
	"application/x-ole-storage",
	"application/vnd.openxmlformats-officedocument.wordprocessingml.document",
}

// allowedMIME 偵測結果或其父類型在白名單內即接受.
func allowedMIME(mt *mimetype.MIME) (string, bool) {
	for m := mt; m != nil; m = m.Parent() {
		for _, allowed := range allowedUploadTypes {
			if m.Is(allowed) {
				ct, _, err := mime.ParseMediaType(mt.String())
				if err != nil {
					ct = allowed
				}
				return ct, true
			}
		}
	}
	return "", false
}

const (
	// multipartOverhead multipart 邊界與欄位的額外空間.
	multipartOverhead   = 1 << 20
	mediaCleanupTimeout = 10 * time.Second
)

// upload 上傳附件並以訊息形式廣播；caption 未填時使用原始檔名
func (s *Server) upload(c *gin.Context) {
	ident, _ := middleware.GetIdentity(c)
	ctx := c.Request.Context()

	if s.deps.Media == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "檔案存儲未啟用", "success": false})
		return
	}

	limit := s.cfg.Limits.Upload.Bytes()
	tooLarge := func() {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{
			"error":   fmt.Sprintf("%s，最大允許 %s", httputil.FileTooLarge, humanize.Bytes(uint64(limit))),
			"success": false,
		})
	}
	if c.Request.ContentLength > limit+multipartOverhead {
		tooLarge()
		return
	}
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, limit+multipartOverhead)

	fh, err := c.FormFile("file")
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			tooLarge()
			return
		}
		httputil.BadRequest(c, httputil.MissingFile)
		return
	}
	if fh.Size > limit {
		tooLarge()
		return
	}

	caption := middleware.SanitizeInput(c.PostForm("caption"))
	if err := middleware.ValidateCaption(caption); err != nil {
		httputil.BadRequest(c, err.Error())
		return
	}

	f, err := fh.Open()
	if err != nil {
		httputil.InternalServerError(c, err)
		return
	}
	defer func() { _ = f.Close() }()

	detected, err := mimetype.DetectReader(f)
	if err != nil {
		httputil.InternalServerError(c, err)
		return
	}
	contentType, ok := allowedMIME(detected)
	if !ok {
		c.JSON(http.StatusUnsupportedMediaType, gin.H{
			"error":   fmt.Sprintf("%s: %s", httputil.InvalidFileFormat, detected.String()),
			"success": false,
		})
		return
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		httputil.InternalServerError(c, err)
		return
	}

	name := middleware.SanitizeFilename(fh.Filename)
	obj, err := s.deps.Media.Put(ctx, media.Object{
		Name:        name,
		ContentType: contentType,
		Size:        fh.Size,
		UploaderID:  ident.ID,
	}, f)
	if err != nil {
		storageUnavailable(c, err)
		return
	}

	text := caption
	if text == "" {
		text = name
	}
	msg, err := s.deps.Coordinator.Send(ctx, ident, text, &room.Media{
		URL:          constants.MediaURLPrefix + obj.ID,
		OriginalName: name,
		SizeBytes:    fh.Size,
		ContentType:  contentType,
	})
	if err != nil {
		s.discardMedia(ctx, obj.ID)
		httputil.Error(c, err)
		return
	}

	logger.Info(ctx, "附件已上傳",
		logger.WithUserID(ident.ID),
		logger.WithMessageID(msg.ID.Hex()),
		logger.WithDetails(map[string]interface{}{
			"content_type": contentType,
			"size":         humanize.Bytes(uint64(fh.Size)),
		}),
	)
	httputil.Created(c, msg)
}

// discardMedia 訊息建立失敗時移除已存入的檔案，避免留下沒有訊息指向的物件
func (s *Server) discardMedia(ctx context.Context, id string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), mediaCleanupTimeout)
	defer cancel()
	if err := s.deps.Media.Delete(ctx, id); err != nil && !errors.Is(err, media.ErrNotFound) {
		logger.Error(ctx, "清除孤立附件失敗", logger.WithDetails(map[string]interface{}{"media_id": id}), logger.WithError(err))
	}
}

// serveMedia 串流輸出已上傳的檔案
func (s *Server) serveMedia(c *gin.Context) {
	if s.deps.Media == nil {
		httputil.NotFoundError(c, "")
		return
	}

	rc, obj, err := s.deps.Media.Open(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, media.ErrNotFound) {
			httputil.NotFoundError(c, "")
			return
		}
		storageUnavailable(c, err)
		return
	}
	defer func() { _ = rc.Close() }()

	contentType := obj.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	headers := map[string]string{
		"Content-Disposition": mime.FormatMediaType("inline", map[string]string{"filename": obj.Name}),
		"Cache-Control":       "private, max-age=86400",
	}
	c.DataFromReader(http.StatusOK, obj.Size, contentType, rc, headers)
}

// storageUnavailable 存儲層錯誤一律回 503，不洩露細節
func storageUnavailable(c *gin.Context, err error) {
	httputil.SafeError(c, http.StatusServiceUnavailable, err, "storage temporarily unavailable")
}
