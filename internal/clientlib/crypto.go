// crypto.go: 客户端的密钥生成、加密与重加密密钥生成

package clientlib

import (
	"os"
	"path/filepath"

	"github.com/CamberLoid/Satori/internal/config"
	"github.com/CamberLoid/Satori/internal/container"
	"github.com/CamberLoid/Satori/internal/errcode"
	"github.com/CamberLoid/Satori/internal/he"
	"github.com/CamberLoid/Satori/internal/reenc"
	"github.com/pkg/errors"
)

const (
	KeyArchiveName  = "client_keys.zip"
	EvalArchiveName = "client_eval_keys.zip"
)

// --- 密钥部分 ---

// GenerateKeys 生成客户端的完整密钥材料，包括求值密钥与方案切换材料
func GenerateKeys(engine he.Engine, params he.Params) (*container.Bundle, error) {
	ctx, err := engine.CreateContext(params)
	if err != nil {
		return nil, err
	}
	kp, err := engine.GenerateKeyPair(ctx)
	if err != nil {
		return nil, err
	}
	set, err := engine.DeriveSchemeSwitchingMaterial(ctx, kp)
	if err != nil {
		return nil, err
	}
	return &container.Bundle{Context: ctx, PublicKey: kp.Public, SecretKey: kp.Secret, EvalKeys: set}, nil
}

// SaveKeys 把密钥写成两个档案：
// 含私钥的档案只有上下文和密钥对，求值密钥单独成档且不含私钥
func SaveKeys(engine he.Engine, b *container.Bundle, dir string, f he.Format) (keyPath, evalPath string, err error) {
	if err = os.MkdirAll(dir, 0700); err != nil {
		return "", "", errors.Wrap(err, "create key directory")
	}
	secret, err := container.BuildArchive(engine, b.WithoutEvalKeys(), f)
	if err != nil {
		return "", "", err
	}
	keyPath = filepath.Join(dir, KeyArchiveName)
	if err = container.WriteFile(keyPath, secret, true); err != nil {
		return "", "", err
	}

	if b.EvalKeys == nil {
		return keyPath, "", nil
	}
	eval, err := container.BuildArchive(engine, b.WithoutSecret(), f)
	if err != nil {
		return "", "", err
	}
	evalPath = filepath.Join(dir, EvalArchiveName)
	if err = container.WriteFile(evalPath, eval, false); err != nil {
		return "", "", err
	}
	return keyPath, evalPath, nil
}

// LoadKeys 读取含私钥的档案
func LoadKeys(engine he.Engine, path string, f he.Format) (*container.Bundle, error) {
	data, err := container.ReadFile(path, 0)
	if err != nil {
		return nil, err
	}
	b, err := container.OpenArchive(engine, data, f)
	if err != nil {
		return nil, err
	}
	if b.SecretKey == nil {
		return nil, errcode.MissingField(container.EntrySecretKey)
	}
	return b, nil
}

// --- 加密部分 ---

// DomainMaterial 是从计算域取得的上下文和公钥
type DomainMaterial struct {
	Context   he.Context
	PublicKey he.PublicKey
}

// RestoreDomainMaterial 从序列化的上下文和公钥还原计算域材料
func RestoreDomainMaterial(engine he.Engine, ctxBytes, pkBytes []byte, f he.Format) (*DomainMaterial, error) {
	h, err := engine.Deserialize(nil, ctxBytes, he.KindContext, f)
	if err != nil {
		return nil, err
	}
	ctx, ok := h.(he.Context)
	if !ok {
		return nil, errcode.Serialization(he.KindContext.String(), errors.New("not a context"))
	}
	pk, err := engine.Deserialize(ctx, pkBytes, he.KindPublicKey, f)
	if err != nil {
		return nil, err
	}
	return &DomainMaterial{Context: ctx, PublicKey: pk}, nil
}

// EncryptForRegistration 用计算域公钥加密主体值，结果交给 SP 登记
func EncryptForRegistration(engine he.Engine, domain *DomainMaterial, value string, f he.Format) ([]byte, error) {
	ct, err := reenc.EncryptSubject(engine, domain.Context, domain.PublicKey, value)
	if err != nil {
		return nil, err
	}
	return engine.Serialize(ct, f)
}

// Upload 是一次验证要上传的两个文件
type Upload struct {
	Key []byte
	SSN []byte
}

// PrepareVerification 用客户端公钥加密主体值，
// 再生成把这个密文转到计算域公钥下的重加密密钥。上传前检查大小上限
func PrepareVerification(engine he.Engine, b *container.Bundle, domain *DomainMaterial, value string, f he.Format, limits config.Limits) (*Upload, error) {
	if b == nil || b.SecretKey == nil {
		return nil, errcode.MissingField(container.EntrySecretKey)
	}
	if domain == nil || domain.PublicKey == nil {
		return nil, errcode.MissingField("domain public key")
	}
	ct, err := reenc.EncryptSubject(engine, b.Context, b.PublicKey, value)
	if err != nil {
		return nil, err
	}
	rk, err := reenc.GenerateReEncryptionKey(engine, b.Context, b.SecretKey, domain.PublicKey, ct)
	if err != nil {
		return nil, err
	}

	up := &Upload{}
	if up.Key, err = engine.Serialize(rk, f); err != nil {
		return nil, err
	}
	if up.SSN, err = engine.Serialize(ct, f); err != nil {
		return nil, err
	}
	if err = up.Check(limits); err != nil {
		return nil, err
	}
	return up, nil
}

// Check 与计算域使用相同的上限
func (u *Upload) Check(limits config.Limits) error {
	if limits.MaxKeyBytes > 0 && int64(len(u.Key)) > limits.MaxKeyBytes {
		return errcode.PayloadTooLarge("key", int64(len(u.Key)), limits.MaxKeyBytes)
	}
	if limits.MaxValueBytes > 0 && int64(len(u.SSN)) > limits.MaxValueBytes {
		return errcode.PayloadTooLarge("ssn", int64(len(u.SSN)), limits.MaxValueBytes)
	}
	return nil
}
