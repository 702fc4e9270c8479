package he

import (
	"fmt"

	"github.com/CamberLoid/Satori/internal/errcode"
	"github.com/pkg/errors"
)

// Code 是引擎以整数形式报告的错误码
type Code int

const (
	CodeUnknown Code = iota
	CodeInvalidParameters
	CodeLevelMismatch
	CodeScaleMismatch
	CodeDegreeMismatch
	CodeBufferTooShort
	CodeTypeMismatch
	CodeKeyMismatch
)

var codeMessages = map[Code]string{
	CodeUnknown:           "unknown engine failure",
	CodeInvalidParameters: "invalid scheme parameters",
	CodeLevelMismatch:     "operand levels do not match",
	CodeScaleMismatch:     "operand scales do not match",
	CodeDegreeMismatch:    "ciphertext degree is not supported",
	CodeBufferTooShort:    "serialized buffer is too short",
	CodeTypeMismatch:      "object type does not match the requested kind",
	CodeKeyMismatch:       "key does not belong to this context",
}

// ExceptionMessage 把整数错误码翻译成可读信息
func ExceptionMessage(c Code) string {
	if msg, ok := codeMessages[c]; ok {
		return msg
	}
	return fmt.Sprintf("engine error code %d", int(c))
}

// recovered 把引擎 panic 出来的任意值统一成 error。
// 整数视为错误码，先查表
func recovered(p interface{}) error {
	switch v := p.(type) {
	case nil:
		return nil
	case error:
		return v
	case Code:
		return errors.New(ExceptionMessage(v))
	case int:
		return errors.New(ExceptionMessage(Code(v)))
	case string:
		return errors.New(v)
	default:
		return fmt.Errorf("%v", v)
	}
}

// serializationGuard 用在 defer 中：把 panic 转为 SerializationError
func serializationGuard(kind Kind, err *error) {
	if p := recover(); p != nil {
		*err = errcode.Serialization(kind.String(), recovered(p))
	}
}

// operationGuard 把运算过程中的 panic 转为 SerializationError 以外的分类
func operationGuard(op string, errKind errcode.Kind, err *error) {
	if p := recover(); p != nil {
		*err = errcode.Wrap(errKind, recovered(p), op)
	}
}
