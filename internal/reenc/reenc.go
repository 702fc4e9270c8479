// 包 reenc 实现代理重加密与密文比较。
//
// 比较方只解密两个密文之差，从而只知道"相等/不相等"，不知道任何一方的明文。
package reenc

import (
	"github.com/CamberLoid/Satori/internal/errcode"
	"github.com/CamberLoid/Satori/internal/he"
	"github.com/CamberLoid/Satori/internal/misc"
	"github.com/pkg/errors"
)

// --- 代理重加密部分 ---

// GenerateReEncryptionKey 由源私钥和目标公钥生成重加密密钥。
// 生成的密钥只对 ct 有效，ct 必须与 srcSK 处于同一上下文
func GenerateReEncryptionKey(engine he.Engine, ctx he.Context, srcSK he.SecretKey, targetPK he.PublicKey, ct he.Ciphertext) (he.ReKey, error) {
	if srcSK == nil {
		return nil, errcode.MissingField("source secret key")
	}
	if targetPK == nil {
		return nil, errcode.MissingField("target public key")
	}
	if ct == nil {
		return nil, errcode.MissingField("ciphertext")
	}
	rk, err := engine.KeySwitchShare(ctx, srcSK, targetPK, ct)
	if err != nil {
		return nil, errors.Wrap(err, "generate re-encryption key")
	}
	return rk, nil
}

// ReEncrypt 输出的密文只能由目标私钥解密
func ReEncrypt(engine he.Engine, ctx he.Context, rk he.ReKey, ct he.Ciphertext) (he.Ciphertext, error) {
	if rk == nil {
		return nil, errcode.MissingField("re-encryption key")
	}
	if ct == nil {
		return nil, errcode.MissingField("ciphertext")
	}
	out, err := engine.KeySwitch(ctx, rk, ct)
	if err != nil {
		return nil, errors.Wrap(err, "re-encrypt")
	}
	return out, nil
}

// --- 主体值编码 ---

// EncodeSubject 把主体值（例如 SSN）转成待加密的向量
func EncodeSubject(value string) []float64 {
	return misc.StringToValues(value)
}

func DecodeSubject(values []float64) string {
	return misc.ValuesToString(values)
}

// EncryptSubject 编码并加密主体值
func EncryptSubject(engine he.Engine, ctx he.Context, pk he.PublicKey, value string) (he.Ciphertext, error) {
	return engine.Encrypt(ctx, pk, EncodeSubject(value))
}
