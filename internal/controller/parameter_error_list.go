package controller

import (
	"net/http"
	"strings"

	"github.com/CamberLoid/Satori/internal/errcode"
	"github.com/CamberLoid/Satori/internal/restfulpayload"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

// ParameterErrorList contains a list of human-readable errors about parameters.
type ParameterErrorList []string

// AppendIfEmptyOrBlankSpaces appends the error message specified if `str` is empty or contains only blank spaces.
//
// Returns the trimmed string.
func (pel *ParameterErrorList) AppendIfEmptyOrBlankSpaces(str string, errMsg string) string {
	if str = strings.TrimSpace(str); str == "" {
		*pel = append(*pel, errMsg)
	}
	return str
}

// AppendIfNotUUID appends the error message specified if `str` is not a UUID.
//
// Returns the parsed UUID or uuid.Nil if there's error.
func (pel *ParameterErrorList) AppendIfNotUUID(str string, errMsg string) uuid.UUID {
	id, err := uuid.Parse(strings.TrimSpace(str))
	if err != nil {
		*pel = append(*pel, errMsg)
		return uuid.Nil
	}
	return id
}

// Abort 在列表非空时以 400 结束请求并返回 true。
// publicMsg 非空时只返回它，参数错误只写入日志
func (pel *ParameterErrorList) Abort(c *gin.Context, publicMsg string) bool {
	if len(*pel) == 0 {
		return false
	}
	detail := strings.Join(*pel, "; ")
	resp := restfulpayload.Failure{Status: restfulpayload.StatusFailed, Err: publicMsg}
	if publicMsg == "" {
		resp.Err = detail
		resp.Kind = errcode.KindMissingField.String()
	}
	log.WithField("path", c.Request.URL.Path).Warnln("bad parameters: " + detail)
	c.AbortWithStatusJSON(http.StatusBadRequest, resp)
	return true
}
