package session

import (
	"crypto/subtle"
	"strings"

	"github.com/CamberLoid/Satori/internal/errcode"
	"github.com/CamberLoid/Satori/internal/misc"
)

// --- 挑战应答部分 ---

// HashAnswer 是注册时对安全问题答案做的第一次哈希，
// SP 与客户端各自保存这个值
func HashAnswer(answer string) string {
	return misc.HashHex(strings.TrimSpace(answer))
}

// SecureCode = sha256(hex(sha256(answer)) || code)
func SecureCode(hashedAnswer, code string) string {
	return misc.HashHex(hashedAnswer, code)
}

// CheckResponse 重新计算期望值并做一次常数时间比较
func CheckResponse(hashedAnswer, code, response string) bool {
	expected := SecureCode(hashedAnswer, code)
	return subtle.ConstantTimeCompare([]byte(expected), []byte(strings.ToLower(response))) == 1
}

// 返回给客户端的通用信息，不区分具体失败原因
const (
	MessageFailed      = "verification failed"
	MessageInvalid     = "request is invalid or has expired"
	MessageCancelled   = "verification cancelled"
	MessageUnavailable = "service unavailable, please try again later"
)

// PublicMessage 把内部错误收敛为少数几条通用信息
func PublicMessage(err error) string {
	switch errcode.KindOf(err) {
	case errcode.KindCancelled:
		return MessageCancelled
	case errcode.KindEngineInit:
		return MessageUnavailable
	case errcode.KindExpired, errcode.KindNotFound, errcode.KindInvalidTransition, errcode.KindInvalidStamp,
		errcode.KindPayloadTooLarge, errcode.KindUnsupportedFormat, errcode.KindMissingField:
		return MessageInvalid
	default:
		return MessageFailed
	}
}

// Outcome 把终态映射成错误；Succeeded 和非终态返回 nil
func Outcome(s *Session) error {
	switch s.State {
	case FailedComparison:
		return errcode.New(errcode.KindFailedComparison, s.Reason)
	case FailedChallenge:
		return errcode.New(errcode.KindFailedChallenge, s.Reason)
	case Cancelled:
		return errcode.New(errcode.KindCancelled, s.Reason)
	case Expired:
		return errcode.New(errcode.KindExpired, s.Reason)
	}
	return nil
}
