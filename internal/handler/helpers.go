package handler

import (
	"errors"

	"github.com/gin-gonic/gin"
	"github.com/xxxsen/common/logutil"
	"go.uber.org/zap"

	"github.com/quillhq/contextd/internal/pkg/errcode"
	appErr "github.com/quillhq/contextd/internal/pkg/errors"
	"github.com/quillhq/contextd/internal/pkg/response"
)

func getUserID(c *gin.Context) string {
	value, _ := c.Get("user_id")
	userID, _ := value.(string)
	return userID
}

func handleError(c *gin.Context, err error) {
	if err == nil {
		return
	}
	logutil.GetLogger(c.Request.Context()).Error("request failed",
		zap.String("method", c.Request.Method),
		zap.String("path", c.Request.URL.Path),
		zap.String("user_id", getUserID(c)),
		zap.Error(err))
	var modifyErr *appErr.ModifyContextError
	switch {
	case errors.Is(err, appErr.ErrUnauthorized):
		response.Error(c, errcode.ErrUnauthorized, "unauthorized")
	case errors.Is(err, appErr.ErrForbidden):
		response.Error(c, errcode.ErrForbidden, "forbidden")
	case errors.Is(err, appErr.ErrSessionNotFound):
		response.Error(c, errcode.ErrSessionNotFound, "chat session not found")
	case errors.Is(err, appErr.ErrInvalidContext):
		response.Error(c, errcode.ErrInvalidContext, "invalid context")
	case errors.Is(err, appErr.ErrNotFound):
		response.Error(c, errcode.ErrNotFound, "not found")
	case errors.Is(err, appErr.ErrInvalid):
		response.Error(c, errcode.ErrInvalid, "invalid request")
	case errors.Is(err, appErr.ErrConflict):
		response.Error(c, errcode.ErrConflict, "conflict")
	case errors.Is(err, appErr.ErrBusy):
		response.Error(c, errcode.ErrBusy, "context is busy, try again later")
	case errors.Is(err, appErr.ErrEmbeddingUnavailable):
		response.Error(c, errcode.ErrEmbeddingUnavailable, "embedding is not available")
	case errors.Is(err, appErr.ErrQuotaExceeded):
		response.Error(c, errcode.ErrQuotaExceeded, "file too large")
	case errors.Is(err, appErr.ErrFileNotSupported):
		response.Error(c, errcode.ErrFileNotSupported, "file type not supported")
	case errors.As(err, &modifyErr):
		response.Error(c, errcode.ErrInternal, modifyErr.Error())
	default:
		response.Error(c, errcode.ErrInternal, "internal error")
	}
}
