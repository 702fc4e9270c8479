// 包 restfulpayload 定义三方之间 HTTP 通信所用的结构体。
// []byte 字段在 JSON 中按 base64 编码
package restfulpayload

import (
	"github.com/CamberLoid/Satori/internal/session"
	"github.com/google/uuid"
)

const (
	StatusOK     = "OK"
	StatusFailed = "failed"
)

// Failure 是所有失败响应的统一格式
type Failure struct {
	Status string `json:"status"`
	Err    string `json:"err"`
	Kind   string `json:"kind,omitempty"`
}

// --- SP -> 计算域 ---

// SessionIntake 是 SP 转交给计算域的会话，Signature 覆盖 requestId、createdAt、ttl 和 valueDigest
type SessionIntake struct {
	RequestID             uuid.UUID `json:"requestId"`
	SubjectID             string    `json:"subjectId"`
	EncryptedSubjectValue []byte    `json:"encryptedSubjectValue"`
	ValueDigest           string    `json:"valueDigest"`
	Question              string    `json:"question"`
	Code                  string    `json:"code"`
	CreatedAt             int64     `json:"createdAt"`
	TTL                   int64     `json:"ttl"`
	Signature             []byte    `json:"signature"`
}

func IntakeFromSession(s *session.Session) SessionIntake {
	return SessionIntake{
		RequestID:             s.RequestID,
		SubjectID:             s.SubjectID,
		EncryptedSubjectValue: s.EncryptedSubjectValue,
		ValueDigest:           s.ValueDigest,
		Question:              s.SecurityQuestion,
		Code:                  s.Code,
		CreatedAt:             s.CreatedAt,
		TTL:                   s.TTL,
		Signature:             s.Signature,
	}
}

// Session 还原出计算域一侧的会话，状态为 Initiated
func (i SessionIntake) Session() *session.Session {
	return &session.Session{
		RequestID:             i.RequestID,
		SubjectID:             i.SubjectID,
		EncryptedSubjectValue: i.EncryptedSubjectValue,
		ValueDigest:           i.ValueDigest,
		SecurityQuestion:      i.Question,
		Code:                  i.Code,
		State:                 session.Initiated,
		CreatedAt:             i.CreatedAt,
		TTL:                   i.TTL,
		Signature:             i.Signature,
	}
}

// --- 计算域 -> SP ---

// SnapshotResp 回答快照摘要是否仍与主体当前值一致
type SnapshotResp struct {
	Status string `json:"status"`
	Valid  bool   `json:"valid"`
}

// ChallengeForward 是计算域转发给 SP 的挑战应答
type ChallengeForward struct {
	SecureCode string `json:"secureCode"`
}

type ChallengeResult struct {
	Status   string        `json:"status"`
	Accepted bool          `json:"accepted"`
	State    session.State `json:"state"`
}

// OutcomeNotice 通知 SP 会话进入了终态
type OutcomeNotice struct {
	State  session.State `json:"state"`
	Reason string        `json:"reason"`
}

// --- 客户端 <-> 计算域 ---

type StatusResp struct {
	Status    string        `json:"status"`
	RequestID uuid.UUID     `json:"requestId"`
	State     session.State `json:"state"`
	ExpiresAt int64         `json:"expiresAt"`
}

// ChallengeReveal 只在比较成功后返回
type ChallengeReveal struct {
	Status    string    `json:"status"`
	RequestID uuid.UUID `json:"requestId"`
	Question  string    `json:"question"`
	Code      string    `json:"code"`
}

type SecureCodeReq struct {
	SecureCode string `json:"secureCode" form:"secureCode"`
}

type Result struct {
	Status  string `json:"status"`
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
}

// --- 客户端 <-> SP ---

type QuestionReq struct {
	Question string `json:"question"`
	// Answer 与 HashedAnswer 二选一
	Answer       string `json:"answer,omitempty"`
	HashedAnswer string `json:"hashedAnswer,omitempty"`
}

type RegisterSubjectReq struct {
	Name           string        `json:"name"`
	EncryptedValue []byte        `json:"encryptedValue"`
	Questions      []QuestionReq `json:"questions"`
}

type RegisterSubjectResp struct {
	Status    string    `json:"status"`
	SubjectID uuid.UUID `json:"subjectId"`
}

type UpdateValueReq struct {
	EncryptedValue []byte `json:"encryptedValue"`
}

// LoginResp 带回带外链接所需的 requestId
type LoginResp struct {
	Status    string    `json:"status"`
	RequestID uuid.UUID `json:"requestId"`
	DomainURL string    `json:"domainURL"`
	ExpiresAt int64     `json:"expiresAt"`
}

type SessionStateResp struct {
	Status    string        `json:"status"`
	RequestID uuid.UUID     `json:"requestId"`
	State     session.State `json:"state"`
	Reason    string        `json:"reason,omitempty"`
}
