package serverlib

import (
	"io"
	"mime/multipart"
	"net/http"

	"github.com/CamberLoid/Satori/internal/controller"
	"github.com/CamberLoid/Satori/internal/errcode"
	"github.com/CamberLoid/Satori/internal/he"
	"github.com/CamberLoid/Satori/internal/restfulpayload"
	"github.com/CamberLoid/Satori/internal/session"
	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"
)

// A DomainController exposes the computational domain to clients and to the SP.
// It implements the interface `controller.Controller`.
type DomainController struct {
	GroupName string
	Service   *Service
}

// GetGroupName returns the group name.
func (dc *DomainController) GetGroupName() string {
	return dc.GroupName
}

// GetEndpointMap implements part of the interface `Controller`.
func (dc *DomainController) GetEndpointMap() controller.EndpointMap {
	return controller.EndpointMap{
		controller.URLMethodPair{URLSuffix: "version", Method: "GET"}:             {handleVersion},
		controller.URLMethodPair{URLSuffix: "public-key", Method: "GET"}:          {dc.handlePublicKey},
		controller.URLMethodPair{URLSuffix: "context", Method: "GET"}:             {dc.handleContext},
		controller.URLMethodPair{URLSuffix: "sessions", Method: "POST"}:           {dc.handleIntake},
		controller.URLMethodPair{URLSuffix: "sessions/:id", Method: "DELETE"}:     {dc.handleProviderCancel},
		controller.URLMethodPair{URLSuffix: "verification", Method: "POST"}:       {dc.handleSubmit},
		controller.URLMethodPair{URLSuffix: "verification/:id", Method: "GET"}:    {dc.handleStatus},
		controller.URLMethodPair{URLSuffix: "verification/:id", Method: "PUT"}:    {dc.handleAnswer},
		controller.URLMethodPair{URLSuffix: "verification/:id", Method: "DELETE"}: {dc.handleCancel},
	}
}

func handleVersion(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": restfulpayload.StatusOK, "version": Version})
}

// failPublic 对客户端只返回通用信息
func failPublic(c *gin.Context, err error) {
	controller.FailWithMessage(c, controller.StatusOf(err), err, session.PublicMessage(err))
}

// --- 公开材料 ---

func (dc *DomainController) handlePublicKey(c *gin.Context) {
	dc.serveObject(c, dc.Service.PublicKey)
}

func (dc *DomainController) handleContext(c *gin.Context) {
	dc.serveObject(c, dc.Service.Context)
}

// serveObject 默认返回二进制，?format=text 时返回 base64 文本
func (dc *DomainController) serveObject(c *gin.Context, get func(he.Format) ([]byte, error)) {
	f, ok := he.ParseFormat(c.Query("format"))
	if !ok {
		controller.Fail(c, http.StatusBadRequest, errcode.UnsupportedFormat("format", c.Query("format")))
		return
	}
	data, err := get(f)
	if err != nil {
		controller.FailWithMessage(c, http.StatusServiceUnavailable, err, session.MessageUnavailable)
		return
	}
	if f == he.FormatText {
		c.Data(http.StatusOK, "text/plain; charset=utf-8", data)
		return
	}
	c.Data(http.StatusOK, "application/octet-stream", data)
}

// --- SP 通道 ---

func (dc *DomainController) handleIntake(c *gin.Context) {
	var intake restfulpayload.SessionIntake
	if err := c.ShouldBindJSON(&intake); err != nil {
		controller.Fail(c, http.StatusBadRequest, err)
		return
	}
	sess, err := dc.Service.Intake(intake)
	if err != nil {
		controller.Fail(c, controller.StatusOf(err), err)
		return
	}
	c.JSON(http.StatusOK, restfulpayload.StatusResp{
		Status:    restfulpayload.StatusOK,
		RequestID: sess.RequestID,
		State:     sess.State,
		ExpiresAt: sess.Stamp().ExpiresAt().UnixMilli(),
	})
}

func (dc *DomainController) handleProviderCancel(c *gin.Context) {
	pel := &controller.ParameterErrorList{}
	id := pel.AppendIfNotUUID(c.Param("id"), "会话 ID 无效")
	if pel.Abort(c, "") {
		return
	}
	if err := dc.Service.Cancel(c.Request.Context(), id, session.ReasonClient, false); err != nil {
		controller.Fail(c, controller.StatusOf(err), err)
		return
	}
	c.JSON(http.StatusOK, restfulpayload.Result{Status: restfulpayload.StatusOK, Success: true})
}

// --- 客户端 ---

// readPart 读取 multipart 中的文件或普通字段。
// 文件按声明的大小先行拒绝，读取时仍以 limit 截断
func readPart(c *gin.Context, name string, limit int64) ([]byte, error) {
	fh, err := c.FormFile(name)
	if err != nil {
		if errors.Is(err, http.ErrMissingFile) || errors.Is(err, http.ErrNotMultipart) {
			if v, ok := c.GetPostForm(name); ok {
				if n := int64(len(v)); n > limit {
					return nil, errcode.PayloadTooLarge(name, n, limit)
				}
				return []byte(v), nil
			}
			return nil, errcode.MissingField(name)
		}
		return nil, errors.Wrapf(err, "read form part %s", name)
	}
	return readFile(fh, name, limit)
}

func readFile(fh *multipart.FileHeader, name string, limit int64) ([]byte, error) {
	if fh.Size > limit {
		return nil, errcode.PayloadTooLarge(name, fh.Size, limit)
	}
	f, err := fh.Open()
	if err != nil {
		return nil, errors.Wrapf(err, "open form part %s", name)
	}
	defer f.Close()
	data, err := io.ReadAll(io.LimitReader(f, limit+1))
	if err != nil {
		return nil, errors.Wrapf(err, "read form part %s", name)
	}
	if n := int64(len(data)); n > limit {
		return nil, errcode.PayloadTooLarge(name, n, limit)
	}
	return data, nil
}

// formOverhead 是 multipart 表单除两个文件外允许的额外字节
const formOverhead int64 = 64 << 10

// parseForm 在整个请求体上加上限后解析表单，超限时不再继续读取
func (dc *DomainController) parseForm(c *gin.Context) error {
	limits := dc.Service.limits
	total := limits.MaxKeyBytes + limits.MaxValueBytes + formOverhead
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, total)

	err := c.Request.ParseMultipartForm(total)
	var tooLarge *http.MaxBytesError
	switch {
	case err == nil, errors.Is(err, http.ErrNotMultipart):
		return nil
	case errors.As(err, &tooLarge):
		return errcode.PayloadTooLarge("form", tooLarge.Limit+1, total)
	default:
		return errcode.UnsupportedFormat("form", err.Error())
	}
}

// handleSubmit 接收 multipart 表单 {requestId, key, ssn}
func (dc *DomainController) handleSubmit(c *gin.Context) {
	if err := dc.parseForm(c); err != nil {
		failPublic(c, err)
		return
	}
	pel := &controller.ParameterErrorList{}
	id := pel.AppendIfNotUUID(c.PostForm("requestId"), "requestId 无效")
	if pel.Abort(c, session.MessageInvalid) {
		return
	}
	limits := dc.Service.limits
	keyBytes, err := readPart(c, "key", limits.MaxKeyBytes)
	if err != nil {
		failPublic(c, err)
		return
	}
	ssnBytes, err := readPart(c, "ssn", limits.MaxValueBytes)
	if err != nil {
		failPublic(c, err)
		return
	}

	reveal, err := dc.Service.Submit(c.Request.Context(), id, keyBytes, ssnBytes)
	if err != nil {
		failPublic(c, err)
		return
	}
	c.JSON(http.StatusOK, reveal)
}

func (dc *DomainController) handleStatus(c *gin.Context) {
	pel := &controller.ParameterErrorList{}
	id := pel.AppendIfNotUUID(c.Param("id"), "会话 ID 无效")
	if pel.Abort(c, session.MessageInvalid) {
		return
	}
	sess, err := dc.Service.Status(id)
	if err != nil {
		failPublic(c, err)
		return
	}
	c.JSON(http.StatusOK, restfulpayload.StatusResp{
		Status:    restfulpayload.StatusOK,
		RequestID: sess.RequestID,
		State:     sess.State,
		ExpiresAt: sess.Stamp().ExpiresAt().UnixMilli(),
	})
}

func (dc *DomainController) handleAnswer(c *gin.Context) {
	pel := &controller.ParameterErrorList{}
	id := pel.AppendIfNotUUID(c.Param("id"), "会话 ID 无效")
	var req restfulpayload.SecureCodeReq
	if err := c.ShouldBind(&req); err != nil {
		*pel = append(*pel, "secureCode 无法解析")
	}
	pel.AppendIfEmptyOrBlankSpaces(req.SecureCode, "secureCode 不能为空")
	if pel.Abort(c, session.MessageInvalid) {
		return
	}

	accepted, err := dc.Service.Answer(c.Request.Context(), id, req.SecureCode)
	if err != nil {
		failPublic(c, err)
		return
	}
	if !accepted {
		controller.FailWithMessage(c, http.StatusConflict,
			errcode.New(errcode.KindFailedChallenge, session.ReasonWrongResponse), session.MessageFailed)
		return
	}
	c.JSON(http.StatusOK, restfulpayload.Result{Status: restfulpayload.StatusOK, Success: true})
}

func (dc *DomainController) handleCancel(c *gin.Context) {
	pel := &controller.ParameterErrorList{}
	id := pel.AppendIfNotUUID(c.Param("id"), "会话 ID 无效")
	if pel.Abort(c, session.MessageInvalid) {
		return
	}
	if err := dc.Service.Cancel(c.Request.Context(), id, session.ReasonClient, true); err != nil {
		failPublic(c, err)
		return
	}
	c.JSON(http.StatusOK, restfulpayload.Result{
		Status:  restfulpayload.StatusOK,
		Success: true,
		Message: session.MessageCancelled,
	})
}
