package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/Gopher0727/Vela/internal/services"
	logger "github.com/Gopher0727/Vela/middleware/log"
)

// statusOf 错误分类到 HTTP 状态码
func statusOf(err error) int {
	switch services.KindOf(err) {
	case services.KindValidation:
		return http.StatusBadRequest
	case services.KindNotFound:
		return http.StatusNotFound
	case services.KindPermissionDenied:
		return http.StatusForbidden
	case services.KindUpstream:
		return http.StatusBadGateway
	case services.KindConflict:
		return http.StatusConflict
	case services.KindExpired:
		return http.StatusGone
	}
	return http.StatusInternalServerError
}

// fail 统一的错误响应
// 校验错误带字段信息；权限错误和内部错误不带细节
func fail(c *gin.Context, log *logger.Logger, err error) {
	status := statusOf(err)
	body := gin.H{}

	var verr *services.ValidationError
	switch {
	case errors.As(err, &verr):
		body["error"] = verr.Error()
		body["field"] = verr.Field
	case status == http.StatusForbidden:
		body["error"] = "forbidden"
	case status == http.StatusInternalServerError:
		body["error"] = "internal server error"
	case status == http.StatusBadGateway:
		body["error"] = "upstream unavailable"
	default:
		body["error"] = err.Error()
	}
	if services.Retryable(err) {
		body["retryable"] = true
	}

	if status >= http.StatusInternalServerError {
		log.ErrorContext(c.Request.Context(), "request failed", zap.String("route", c.FullPath()), zap.Error(err))
	}
	_ = c.Error(err)
	c.AbortWithStatusJSON(status, body)
}

func ok(c *gin.Context, data any) {
	c.JSON(http.StatusOK, gin.H{
		"code":    0,
		"message": "success",
		"data":    data,
	})
}

// page 列表响应
func page(c *gin.Context, items any, total int64, limit, offset int) {
	ok(c, gin.H{
		"items":  items,
		"total":  total,
		"limit":  limit,
		"offset": offset,
	})
}
