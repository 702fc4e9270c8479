package session

import (
	"crypto/ecdsa"
	"strconv"
	"strings"
	"time"

	"github.com/CamberLoid/Satori/internal/errcode"
	"github.com/CamberLoid/Satori/internal/key"
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// Stamp 是 SP 签名的会话时间戳。
// 两方都只根据这里的 createdAt 和 ttl 判断过期，各自的本地时钟只提供 now
type Stamp struct {
	RequestID   uuid.UUID
	CreatedAt   int64
	TTL         int64
	ValueDigest string
}

const stampPrefix = "satori-stamp/v1"

// Bytes 是签名覆盖的规范化字节串
func (st Stamp) Bytes() []byte {
	return []byte(strings.Join([]string{
		stampPrefix,
		st.RequestID.String(),
		strconv.FormatInt(st.CreatedAt, 10),
		strconv.FormatInt(st.TTL, 10),
		st.ValueDigest,
	}, "|"))
}

func (st Stamp) ExpiresAt() time.Time {
	return time.UnixMilli(st.CreatedAt + st.TTL)
}

// Expired 当且仅当 now >= createdAt + ttl
func (st Stamp) Expired(now time.Time) bool {
	return now.UnixMilli() >= st.CreatedAt+st.TTL
}

// Sign 用 SP 的签名私钥签署会话戳
func (s *Session) Sign(sk *ecdsa.PrivateKey) error {
	if s.TTL <= 0 {
		return errcode.InvalidStamp("ttl must be positive")
	}
	sig, err := key.Sign(sk, s.Stamp().Bytes())
	if err != nil {
		return errors.Wrap(err, "sign session stamp")
	}
	s.Signature = sig
	return nil
}

// VerifyStamp 检查签名与会话字段是否一致，包括快照摘要
func (s *Session) VerifyStamp(pk *ecdsa.PublicKey) error {
	if len(s.Signature) == 0 {
		return errcode.InvalidStamp("missing signature")
	}
	if s.TTL <= 0 {
		return errcode.InvalidStamp("ttl must be positive")
	}
	if Digest(s.EncryptedSubjectValue) != s.ValueDigest {
		return errcode.InvalidStamp("value digest does not match the encrypted value")
	}
	if !key.Verify(pk, s.Stamp().Bytes(), s.Signature) {
		return errcode.InvalidStamp("signature does not verify")
	}
	return nil
}
