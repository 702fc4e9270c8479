// 包 errcode 定义了整个协议共用的错误分类
package errcode

import (
	"fmt"

	"github.com/pkg/errors"
)

type Kind int

const (
	KindUnknown Kind = iota
	KindEngineInit
	KindMissingField
	KindCorruptArchive
	KindPayloadTooLarge
	KindUnsupportedFormat
	KindEncoding
	KindSerialization
	KindSchemeSwitchSetup
	KindComparison
	KindSessionCreate
	KindFailedComparison
	KindFailedChallenge
	KindExpired
	KindCancelled
	KindNotFound
	KindInvalidTransition
	KindInvalidStamp
)

var kindNames = map[Kind]string{
	KindUnknown:           "UnknownError",
	KindEngineInit:        "EngineInitError",
	KindMissingField:      "MissingFieldError",
	KindCorruptArchive:    "CorruptArchiveError",
	KindPayloadTooLarge:   "PayloadTooLargeError",
	KindUnsupportedFormat: "UnsupportedFormatError",
	KindEncoding:          "EncodingError",
	KindSerialization:     "SerializationError",
	KindSchemeSwitchSetup: "SchemeSwitchSetupError",
	KindComparison:        "ComparisonError",
	KindSessionCreate:     "SessionCreateError",
	KindFailedComparison:  "FailedComparison",
	KindFailedChallenge:   "FailedChallenge",
	KindExpired:           "Expired",
	KindCancelled:         "Cancelled",
	KindNotFound:          "NotFound",
	KindInvalidTransition: "InvalidTransition",
	KindInvalidStamp:      "InvalidStamp",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// ParseKind 是 String 的逆运算，未知名字返回 KindUnknown
func ParseKind(name string) Kind {
	for k, s := range kindNames {
		if s == name {
			return k
		}
	}
	return KindUnknown
}

// Error 是分类后的错误。
// Subject 视 Kind 而定：缺失的字段名、对象种类、或档案条目名
type Error struct {
	Kind    Kind
	Subject string
	Index   *uint32
	Role    string
	Detail  string
	cause   error
}

func (e *Error) Error() string {
	msg := e.Kind.String()
	if e.Subject != "" {
		msg += " [" + e.Subject + "]"
	}
	if e.Index != nil {
		msg += fmt.Sprintf(" index %d", *e.Index)
	}
	if e.Role != "" {
		msg += " role " + e.Role
	}
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	if e.cause != nil {
		msg += ": " + e.cause.Error()
	}
	return msg
}

// Cause 兼容 errors.Cause
func (e *Error) Cause() error { return e.cause }

func (e *Error) Unwrap() error { return e.cause }

func New(kind Kind, detail string) *Error {
	return &Error{Kind: kind, Detail: detail}
}

func Wrap(kind Kind, cause error, detail string) *Error {
	return &Error{Kind: kind, Detail: detail, cause: cause}
}

// As 找到错误链上第一个 *Error
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

func Is(err error, kind Kind) bool {
	e, ok := As(err)
	return ok && e.Kind == kind
}

func KindOf(err error) Kind {
	if e, ok := As(err); ok {
		return e.Kind
	}
	return KindUnknown
}

// --- 构造函数 ---

func EngineInit(cause error) error {
	return &Error{Kind: KindEngineInit, cause: cause}
}

func MissingField(field string) error {
	return &Error{Kind: KindMissingField, Subject: field}
}

func CorruptArchive(entry string, detail string) error {
	return &Error{Kind: KindCorruptArchive, Subject: entry, Detail: detail}
}

// CorruptIndexedEntry 指出缺失的下标和角色（refresh / switch）
func CorruptIndexedEntry(index uint32, role string) error {
	return &Error{Kind: KindCorruptArchive, Index: &index, Role: role, Detail: "missing indexed entry"}
}

func PayloadTooLarge(artifact string, size, limit int64) error {
	return &Error{
		Kind:    KindPayloadTooLarge,
		Subject: artifact,
		Detail:  fmt.Sprintf("%d bytes exceeds limit of %d bytes", size, limit),
	}
}

func UnsupportedFormat(artifact string, detail string) error {
	return &Error{Kind: KindUnsupportedFormat, Subject: artifact, Detail: detail}
}

func Encoding(length, slots int) error {
	return &Error{
		Kind:   KindEncoding,
		Detail: fmt.Sprintf("vector of length %d exceeds %d slots", length, slots),
	}
}

func Serialization(objectKind string, cause error) error {
	return &Error{Kind: KindSerialization, Subject: objectKind, cause: cause}
}

func SchemeSwitchSetup(detail string) error {
	return &Error{Kind: KindSchemeSwitchSetup, Detail: detail}
}

func Comparison(slot int, value float64) error {
	return &Error{
		Kind:   KindComparison,
		Detail: fmt.Sprintf("slot %d decrypted to non-numeric value %v", slot, value),
	}
}

func SessionCreate(detail string) error {
	return &Error{Kind: KindSessionCreate, Detail: detail}
}

func NotFound(what string) error {
	return &Error{Kind: KindNotFound, Subject: what}
}

func InvalidTransition(from, to string) error {
	return &Error{Kind: KindInvalidTransition, Detail: from + " -> " + to}
}

func InvalidStamp(detail string) error {
	return &Error{Kind: KindInvalidStamp, Detail: detail}
}
