package serverlib

import (
	"os"
	"path/filepath"

	"github.com/CamberLoid/Satori/internal/container"
	"github.com/CamberLoid/Satori/internal/he"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// GenerateKeys 建立上下文并生成计算域的密钥对。
// 计算域只做减法、换钥和解密，不需要求值密钥
func GenerateKeys(engine he.Engine, params he.Params) (*container.Bundle, error) {
	ctx, err := engine.CreateContext(params)
	if err != nil {
		return nil, err
	}
	kp, err := engine.GenerateKeyPair(ctx)
	if err != nil {
		return nil, err
	}
	return &container.Bundle{Context: ctx, PublicKey: kp.Public, SecretKey: kp.Secret}, nil
}

// LoadOrCreateKeys 读取计算域的密钥档案，不存在时生成并写入 path
func LoadOrCreateKeys(engine he.Engine, path string, params he.Params, f he.Format) (*container.Bundle, error) {
	data, err := container.ReadFile(path, 0)
	switch {
	case err == nil:
		b, err := container.OpenArchive(engine, data, f)
		if err != nil {
			return nil, errors.Wrapf(err, "open key archive %s", path)
		}
		if b.SecretKey == nil {
			return nil, errors.Errorf("key archive %s has no secret key", path)
		}
		return b, nil
	case !errors.Is(err, os.ErrNotExist):
		return nil, err
	}

	log.WithField("path", path).Infoln("key archive not found, generating a new one")
	b, err := GenerateKeys(engine, params)
	if err != nil {
		return nil, err
	}
	if data, err = container.BuildArchive(engine, b, f); err != nil {
		return nil, err
	}
	if err = os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, errors.Wrap(err, "create key directory")
	}
	if err = container.WriteFile(path, data, true); err != nil {
		return nil, err
	}
	return b, nil
}
