package providerlib

import (
	"net/http"

	"github.com/CamberLoid/Satori/internal/controller"
	"github.com/CamberLoid/Satori/internal/restfulpayload"
	"github.com/CamberLoid/Satori/internal/session"
	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
)

// A ProviderController exposes the SP endpoints used by clients and by the computational domain.
// It implements the interface `controller.Controller`.
type ProviderController struct {
	GroupName string
	Provider  *Provider
	// DomainURL 随登录结果一起返回给客户端
	DomainURL string
}

// GetGroupName returns the group name.
func (pc *ProviderController) GetGroupName() string {
	return pc.GroupName
}

// GetEndpointMap implements part of the interface `Controller`.
func (pc *ProviderController) GetEndpointMap() controller.EndpointMap {
	return controller.EndpointMap{
		controller.URLMethodPair{URLSuffix: "subjects", Method: "POST"}:          {pc.handleRegisterSubject},
		controller.URLMethodPair{URLSuffix: "subjects/:id/value", Method: "PUT"}: {pc.handleUpdateValue},
		controller.URLMethodPair{URLSuffix: "login/:subjectId", Method: "POST"}:  {pc.handleLogin},
		controller.URLMethodPair{URLSuffix: "sessions/:id", Method: "GET"}:       {pc.handleGetSession},
		controller.URLMethodPair{URLSuffix: "sessions/:id", Method: "DELETE"}:    {pc.handleCancel},
		controller.URLMethodPair{URLSuffix: "snapshot/:id", Method: "GET"}:       {pc.handleSnapshot},
		controller.URLMethodPair{URLSuffix: "challenge/:id", Method: "POST"}:     {pc.handleChallenge},
		controller.URLMethodPair{URLSuffix: "outcome/:id", Method: "POST"}:       {pc.handleOutcome},
		controller.URLMethodPair{URLSuffix: "version", Method: "GET"}:            {handleVersion},
	}
}

func handleVersion(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": restfulpayload.StatusOK, "version": Version})
}

func (pc *ProviderController) handleRegisterSubject(c *gin.Context) {
	var req restfulpayload.RegisterSubjectReq
	if err := c.ShouldBindJSON(&req); err != nil {
		controller.Fail(c, http.StatusBadRequest, err)
		return
	}
	s, err := pc.Provider.RegisterSubject(req)
	if err != nil {
		controller.Fail(c, controller.StatusOf(err), err)
		return
	}
	c.JSON(http.StatusOK, restfulpayload.RegisterSubjectResp{Status: restfulpayload.StatusOK, SubjectID: s.Identifier})
}

func (pc *ProviderController) handleUpdateValue(c *gin.Context) {
	pel := &controller.ParameterErrorList{}
	id := pel.AppendIfNotUUID(c.Param("id"), "主体 ID 无效")
	if pel.Abort(c, "") {
		return
	}
	var req restfulpayload.UpdateValueReq
	if err := c.ShouldBindJSON(&req); err != nil {
		controller.Fail(c, http.StatusBadRequest, err)
		return
	}
	if err := pc.Provider.UpdateSubjectValue(id, req.EncryptedValue); err != nil {
		controller.Fail(c, controller.StatusOf(err), err)
		return
	}
	c.JSON(http.StatusOK, restfulpayload.Result{Status: restfulpayload.StatusOK, Success: true})
}

// handleLogin 发起一次验证，客户端拿到 requestId 后去计算域上传密文
func (pc *ProviderController) handleLogin(c *gin.Context) {
	pel := &controller.ParameterErrorList{}
	id := pel.AppendIfNotUUID(c.Param("subjectId"), "主体 ID 无效")
	if pel.Abort(c, "") {
		return
	}
	s, err := pc.Provider.CreateSession(c.Request.Context(), id)
	if err != nil {
		controller.Fail(c, controller.StatusOf(err), err)
		return
	}
	c.JSON(http.StatusOK, restfulpayload.LoginResp{
		Status:    restfulpayload.StatusOK,
		RequestID: s.RequestID,
		DomainURL: pc.DomainURL,
		ExpiresAt: s.Stamp().ExpiresAt().UnixMilli(),
	})
}

func (pc *ProviderController) handleGetSession(c *gin.Context) {
	pel := &controller.ParameterErrorList{}
	id := pel.AppendIfNotUUID(c.Param("id"), "会话 ID 无效")
	if pel.Abort(c, "") {
		return
	}
	s, err := pc.Provider.Session(id)
	if err != nil {
		controller.Fail(c, controller.StatusOf(err), err)
		return
	}
	c.JSON(http.StatusOK, restfulpayload.SessionStateResp{
		Status:    restfulpayload.StatusOK,
		RequestID: s.RequestID,
		State:     s.State,
		Reason:    s.Reason,
	})
}

// handleCancel 是客户端发起的取消，同时通知计算域。
// 计算域一侧的终态通过 outcome 报告
func (pc *ProviderController) handleCancel(c *gin.Context) {
	pel := &controller.ParameterErrorList{}
	id := pel.AppendIfNotUUID(c.Param("id"), "会话 ID 无效")
	if pel.Abort(c, "") {
		return
	}
	if err := pc.Provider.Cancel(c.Request.Context(), id, session.ReasonClient, true); err != nil {
		controller.Fail(c, controller.StatusOf(err), err)
		return
	}
	c.JSON(http.StatusOK, restfulpayload.Result{Status: restfulpayload.StatusOK, Success: true})
}

func (pc *ProviderController) handleSnapshot(c *gin.Context) {
	pel := &controller.ParameterErrorList{}
	id := pel.AppendIfNotUUID(c.Param("id"), "会话 ID 无效")
	digest := pel.AppendIfEmptyOrBlankSpaces(c.Query("digest"), "摘要不能为空")
	if pel.Abort(c, "") {
		return
	}
	valid, err := pc.Provider.CheckSnapshot(id, digest)
	if err != nil {
		controller.Fail(c, controller.StatusOf(err), err)
		return
	}
	if !valid {
		log.WithField("requestId", id.String()).Infoln("snapshot mismatch reported to domain")
	}
	c.JSON(http.StatusOK, restfulpayload.SnapshotResp{Status: restfulpayload.StatusOK, Valid: valid})
}

func (pc *ProviderController) handleChallenge(c *gin.Context) {
	pel := &controller.ParameterErrorList{}
	id := pel.AppendIfNotUUID(c.Param("id"), "会话 ID 无效")
	if pel.Abort(c, "") {
		return
	}
	var req restfulpayload.ChallengeForward
	if err := c.ShouldBindJSON(&req); err != nil {
		controller.Fail(c, http.StatusBadRequest, err)
		return
	}
	pel.AppendIfEmptyOrBlankSpaces(req.SecureCode, "secureCode 不能为空")
	if pel.Abort(c, "") {
		return
	}

	accepted, err := pc.Provider.VerifyChallenge(id, req.SecureCode)
	if err != nil {
		controller.Fail(c, controller.StatusOf(err), err)
		return
	}
	state := session.FailedChallenge
	if accepted {
		state = session.Succeeded
	}
	c.JSON(http.StatusOK, restfulpayload.ChallengeResult{Status: restfulpayload.StatusOK, Accepted: accepted, State: state})
}

func (pc *ProviderController) handleOutcome(c *gin.Context) {
	pel := &controller.ParameterErrorList{}
	id := pel.AppendIfNotUUID(c.Param("id"), "会话 ID 无效")
	if pel.Abort(c, "") {
		return
	}
	var notice restfulpayload.OutcomeNotice
	if err := c.ShouldBindJSON(&notice); err != nil {
		controller.Fail(c, http.StatusBadRequest, err)
		return
	}
	s, err := pc.Provider.Outcome(id, notice)
	if err != nil {
		controller.Fail(c, controller.StatusOf(err), err)
		return
	}
	c.JSON(http.StatusOK, restfulpayload.SessionStateResp{
		Status:    restfulpayload.StatusOK,
		RequestID: s.RequestID,
		State:     s.State,
		Reason:    s.Reason,
	})
}
