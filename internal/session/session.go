// 包 session 定义三方握手中的验证会话及其状态机。
// SP 与计算域各自持有一份 Session，两边按同一张转移表推进。
package session

import (
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/CamberLoid/Satori/internal/errcode"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

// State 是会话状态，以字符串形式持久化
type State string

const (
	Initiated          State = "initiated"
	AwaitingClientKeys State = "awaiting_client_keys"
	ComparisonInFlight State = "comparison_in_flight"
	// ChallengePending 即比较成功后的中间态，等待挑战应答
	ChallengePending State = "challenge_pending"
	Succeeded        State = "succeeded"
	FailedComparison State = "failed_comparison"
	FailedChallenge  State = "failed_challenge"
	Cancelled        State = "cancelled"
	Expired          State = "expired"
)

// transitions 列出每个非终态允许进入的状态。
// 任意非终态都可以被取消或过期
var transitions = map[State][]State{
	Initiated:          {AwaitingClientKeys, FailedComparison},
	AwaitingClientKeys: {ComparisonInFlight, FailedComparison},
	ComparisonInFlight: {ChallengePending, FailedComparison},
	ChallengePending:   {Succeeded, FailedChallenge},
}

func (s State) Terminal() bool {
	switch s {
	case Succeeded, FailedComparison, FailedChallenge, Cancelled, Expired:
		return true
	}
	return false
}

func (s State) Valid() bool {
	_, ok := transitions[s]
	return ok || s.Terminal()
}

// CanTransition 按转移表判断 from -> to 是否合法
func CanTransition(from, to State) bool {
	if from.Terminal() || !from.Valid() {
		return false
	}
	if to == Cancelled || to == Expired {
		return true
	}
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// 取消时记录的原因
const (
	ReasonClient        = "cancelled by client"
	ReasonOperator      = "cancelled by operator"
	ReasonValueChanged  = "subject value changed"
	ReasonTTL           = "time to live exceeded"
	ReasonMismatch      = "encrypted values differ"
	ReasonEngine        = "engine failure"
	ReasonTransport     = "peer unreachable"
	ReasonWrongResponse = "challenge response mismatch"
)

// Session 是一次验证尝试。
// HashedExpectedAnswer 只存在于 SP 一侧，计算域上恒为空
type Session struct {
	RequestID             uuid.UUID `json:"requestId"`
	SubjectID             string    `json:"subjectId"`
	EncryptedSubjectValue []byte    `json:"encryptedSubjectValue"`
	ValueDigest           string    `json:"valueDigest"`
	SecurityQuestion      string    `json:"securityQuestion"`
	HashedExpectedAnswer  string    `json:"-"`
	Code                  string    `json:"-"`
	State                 State     `json:"state"`
	Reason                string    `json:"reason,omitempty"`
	CreatedAt             int64     `json:"createdAt"` // unix 毫秒
	TTL                   int64     `json:"ttl"`       // 毫秒
	Signature             []byte    `json:"signature"`
}

// New 建立一个处于 Initiated 的会话，createdAt 截断到毫秒
func New(subjectID string, encryptedValue []byte, question, code string, now time.Time, ttl time.Duration) *Session {
	return &Session{
		RequestID:             uuid.New(),
		SubjectID:             subjectID,
		EncryptedSubjectValue: encryptedValue,
		ValueDigest:           Digest(encryptedValue),
		SecurityQuestion:      question,
		Code:                  code,
		State:                 Initiated,
		CreatedAt:             now.UnixMilli(),
		TTL:                   ttl.Milliseconds(),
	}
}

// Digest 是密文快照的摘要
func Digest(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func (s *Session) logger() *log.Entry {
	return log.WithField("requestId", s.RequestID.String())
}

// Transition 推进状态；非法转移返回 InvalidTransition 且不修改会话
func (s *Session) Transition(to State, reason string) error {
	if !CanTransition(s.State, to) {
		return errcode.InvalidTransition(string(s.State), string(to))
	}
	from := s.State
	s.State = to
	s.Reason = reason

	entry := s.logger().WithFields(log.Fields{"from": from, "to": to})
	switch to {
	case Expired:
		entry.Warnln("session expired")
	case Cancelled:
		entry.WithField("reason", reason).Infoln("session cancelled")
	default:
		if reason != "" {
			entry = entry.WithField("reason", reason)
		}
		entry.Infoln("session transition")
	}
	return nil
}

// Stamp 返回会话中被签名的那部分字段
func (s *Session) Stamp() Stamp {
	return Stamp{
		RequestID:   s.RequestID,
		CreatedAt:   s.CreatedAt,
		TTL:         s.TTL,
		ValueDigest: s.ValueDigest,
	}
}

// Expired 只看签名覆盖的 createdAt 和 ttl，终态会话不会过期
func (s *Session) Expired(now time.Time) bool {
	return !s.State.Terminal() && s.Stamp().Expired(now)
}

// ExpireIfDue 在到期时把会话转为 Expired，返回是否发生了转移
func (s *Session) ExpireIfDue(now time.Time) bool {
	if !s.Expired(now) {
		return false
	}
	return s.Transition(Expired, ReasonTTL) == nil
}

// Snapshot 判断 SP 当前的主体值是否仍是会话建立时的那一份
func (s *Session) Snapshot(currentDigest string) bool {
	return currentDigest == s.ValueDigest
}
