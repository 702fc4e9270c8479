package he

import (
	"bytes"
	"encoding/base64"
	"encoding/binary"
	"hash/crc32"

	"github.com/CamberLoid/Satori/internal/errcode"
	"github.com/pkg/errors"
)

// 所有序列化对象都带一个固定头：
//
//	magic(4) | kind(1) | version(1) | payload 长度(4, LE) | crc32(4, LE) | payload
//
// 头部让上层无需调用引擎即可判断对象种类，也能在交给 lattigo 之前拦下被篡改的数据
var envelopeMagic = []byte("STRI")

const (
	envelopeVersion    = 1
	envelopeHeaderSize = 4 + 1 + 1 + 4 + 4
)

func seal(kind Kind, payload []byte, f Format) []byte {
	buf := make([]byte, envelopeHeaderSize+len(payload))
	copy(buf, envelopeMagic)
	buf[4] = byte(kind)
	buf[5] = envelopeVersion
	binary.LittleEndian.PutUint32(buf[6:], uint32(len(payload)))
	binary.LittleEndian.PutUint32(buf[10:], crc32.ChecksumIEEE(payload))
	copy(buf[envelopeHeaderSize:], payload)

	if f == FormatText {
		out := make([]byte, base64.StdEncoding.EncodedLen(len(buf)))
		base64.StdEncoding.Encode(out, buf)
		return out
	}
	return buf
}

func unarmor(data []byte, f Format) ([]byte, error) {
	switch f {
	case FormatBinary:
		return data, nil
	case FormatText:
		raw := make([]byte, base64.StdEncoding.DecodedLen(len(data)))
		n, err := base64.StdEncoding.Decode(raw, bytes.TrimSpace(data))
		if err != nil {
			return nil, errors.Wrap(err, "text armor")
		}
		return raw[:n], nil
	default:
		return nil, errors.Errorf("unknown format %d", int(f))
	}
}

// open 校验头部并返回 payload，不调用引擎
func open(data []byte, want Kind, f Format) ([]byte, error) {
	raw, err := unarmor(data, f)
	if err != nil {
		return nil, errcode.Serialization(want.String(), err)
	}
	kind, payload, err := parseEnvelope(raw)
	if err != nil {
		return nil, errcode.Serialization(want.String(), err)
	}
	if kind != want {
		return nil, errcode.Serialization(want.String(),
			errors.Errorf("%s: got %s", ExceptionMessage(CodeTypeMismatch), kind))
	}
	return payload, nil
}

func parseEnvelope(raw []byte) (Kind, []byte, error) {
	if len(raw) < envelopeHeaderSize {
		return 0, nil, errors.New(ExceptionMessage(CodeBufferTooShort))
	}
	if !bytes.Equal(raw[:4], envelopeMagic) {
		return 0, nil, errors.New("bad magic")
	}
	kind := Kind(raw[4])
	if !kind.valid() {
		return 0, nil, errors.Errorf("unknown object kind %d", raw[4])
	}
	if raw[5] != envelopeVersion {
		return 0, nil, errors.Errorf("unsupported envelope version %d", raw[5])
	}
	size := binary.LittleEndian.Uint32(raw[6:])
	payload := raw[envelopeHeaderSize:]
	if uint32(len(payload)) != size {
		return 0, nil, errors.Errorf("payload length %d, header says %d", len(payload), size)
	}
	if crc32.ChecksumIEEE(payload) != binary.LittleEndian.Uint32(raw[10:]) {
		return 0, nil, errors.New("checksum mismatch")
	}
	return kind, payload, nil
}

// PeekKind 只读取头部，判断一段序列化数据是什么对象。
// 用于在反序列化之前校验上传内容，不会触碰引擎
func PeekKind(data []byte, f Format) (Kind, error) {
	raw, err := unarmor(data, f)
	if err != nil {
		return 0, errcode.UnsupportedFormat("object", err.Error())
	}
	if len(raw) < envelopeHeaderSize || !bytes.Equal(raw[:4], envelopeMagic) {
		return 0, errcode.UnsupportedFormat("object", "not a serialized engine object")
	}
	kind := Kind(raw[4])
	if !kind.valid() {
		return 0, errcode.UnsupportedFormat("object", "unknown object kind")
	}
	return kind, nil
}
