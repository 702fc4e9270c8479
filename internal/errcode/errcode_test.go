package errcode_test

import (
	"testing"

	"github.com/CamberLoid/Satori/internal/errcode"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
)

func TestParseKind(t *testing.T) {
	for k := errcode.KindUnknown; k <= errcode.KindInvalidStamp; k++ {
		assert.Equal(t, k, errcode.ParseKind(k.String()), k.String())
	}
	assert.Equal(t, errcode.KindUnknown, errcode.ParseKind(""))
	assert.Equal(t, errcode.KindUnknown, errcode.ParseKind("NoSuchError"))
}

func TestKindThroughWrapping(t *testing.T) {
	err := errors.Wrap(errcode.PayloadTooLarge("key", 10, 5), "upload")
	assert.True(t, errcode.Is(err, errcode.KindPayloadTooLarge))
	assert.Equal(t, errcode.KindPayloadTooLarge, errcode.KindOf(err))
	assert.Equal(t, errcode.KindUnknown, errcode.KindOf(errors.New("plain")))

	cause := errors.New("broken pipe")
	wrapped := errcode.Wrap(errcode.KindSerialization, cause, "ciphertext")
	assert.Equal(t, cause, errors.Cause(wrapped))
}
