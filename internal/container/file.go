package container

import (
	"os"

	"github.com/CamberLoid/Satori/internal/errcode"
	"github.com/pkg/errors"
)

// ReadFile 先按文件大小检查上限，超限时不读取内容
func ReadFile(path string, limit int64) ([]byte, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, errors.Wrap(err, "stat archive")
	}
	if limit > 0 && info.Size() > limit {
		return nil, errcode.PayloadTooLarge(path, info.Size(), limit)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "read archive")
	}
	return data, nil
}

// WriteFile 写出档案。含私钥的档案只允许属主读写
func WriteFile(path string, data []byte, secret bool) error {
	perm := os.FileMode(0644)
	if secret {
		perm = 0600
	}
	return errors.Wrap(os.WriteFile(path, data, perm), "write archive")
}
