package controller

import (
	"net/http"
	"time"

	"github.com/CamberLoid/Satori/internal/errcode"
	"github.com/CamberLoid/Satori/internal/restfulpayload"
	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
)

// LoggerMiddleware 用 logrus 记录每个请求
func LoggerMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.WithFields(log.Fields{
			"method":  c.Request.Method,
			"path":    c.Request.URL.Path,
			"status":  c.Writer.Status(),
			"latency": time.Since(start),
		}).Debugln("request handled")
	}
}

// StatusOf 把错误分类映射到 HTTP 状态码
func StatusOf(err error) int {
	switch errcode.KindOf(err) {
	case errcode.KindMissingField, errcode.KindCorruptArchive, errcode.KindSerialization, errcode.KindEncoding:
		return http.StatusBadRequest
	case errcode.KindPayloadTooLarge:
		return http.StatusRequestEntityTooLarge
	case errcode.KindUnsupportedFormat:
		return http.StatusUnsupportedMediaType
	case errcode.KindNotFound:
		return http.StatusNotFound
	case errcode.KindInvalidTransition, errcode.KindCancelled, errcode.KindFailedComparison, errcode.KindFailedChallenge:
		return http.StatusConflict
	case errcode.KindExpired:
		return http.StatusGone
	case errcode.KindInvalidStamp:
		return http.StatusUnauthorized
	case errcode.KindSessionCreate:
		return http.StatusUnprocessableEntity
	case errcode.KindEngineInit:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// Fail 写出统一格式的失败响应。msg 为空时使用 err 的内容
func Fail(c *gin.Context, status int, err error) {
	FailWithMessage(c, status, err, "")
}

// FailWithMessage 只把 msg 返回给调用方，错误分类也不返回；完整错误写入日志
func FailWithMessage(c *gin.Context, status int, err error, msg string) {
	resp := restfulpayload.Failure{Status: restfulpayload.StatusFailed, Err: msg}
	if msg == "" {
		resp.Err = err.Error()
		if e, ok := errcode.As(err); ok {
			resp.Kind = e.Kind.String()
		}
	}
	log.WithError(err).WithField("path", c.Request.URL.Path).Warnln("request failed")
	c.AbortWithStatusJSON(status, resp)
}
