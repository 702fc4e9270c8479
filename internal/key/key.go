// 包 key 管理各方的签名密钥，以及签名和验签
package key

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"fmt"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// SigningKeyChain 是一方的 ECDSA 签名密钥。
// 对端只持有 PublicKey
type SigningKeyChain struct {
	Identifier uuid.UUID
	PrivateKey *ecdsa.PrivateKey
	PublicKey  *ecdsa.PublicKey
}

// GenerateSigningKey 生成 P-256 签名密钥
func GenerateSigningKey() (*SigningKeyChain, error) {
	sk, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, errors.Wrap(err, "generate ecdsa key")
	}
	return &SigningKeyChain{Identifier: uuid.New(), PrivateKey: sk, PublicKey: &sk.PublicKey}, nil
}

// Sign 对 sha256(msg) 签名，输出 ASN.1 格式
func Sign(sk *ecdsa.PrivateKey, msg []byte) ([]byte, error) {
	if sk == nil {
		return nil, errors.New("no signing key")
	}
	hash := sha256.Sum256(msg)
	return ecdsa.SignASN1(rand.Reader, sk, hash[:])
}

func Verify(pk *ecdsa.PublicKey, msg []byte, sig []byte) bool {
	if pk == nil {
		return false
	}
	hash := sha256.Sum256(msg)
	return ecdsa.VerifyASN1(pk, hash[:], sig)
}

func MarshalECDSAPublicKey(pk *ecdsa.PublicKey) ([]byte, error) {
	return x509.MarshalPKIXPublicKey(pk)
}

func UnmarshalECDSAPublicKey(data []byte) (pk *ecdsa.PublicKey, err error) {
	_pubkey, err := x509.ParsePKIXPublicKey(data)
	if err != nil {
		return nil, errors.Wrap(err, "parse public key")
	}
	switch v := _pubkey.(type) {
	case *ecdsa.PublicKey:
		return v, nil
	default:
		return nil, fmt.Errorf("not a ecdsa public key, got %T", v)
	}
}
