package container

import (
	"bytes"

	"github.com/CamberLoid/Satori/internal/errcode"
	"github.com/CamberLoid/Satori/internal/he"
	"github.com/klauspost/compress/zip"
	"github.com/pkg/errors"
)

type archiveWriter struct {
	engine he.Engine
	format he.Format
	buf    bytes.Buffer
	zw     *zip.Writer
}

func (w *archiveWriter) putRaw(name string, data []byte) error {
	fw, err := w.zw.CreateHeader(&zip.FileHeader{Name: name, Method: zip.Deflate})
	if err != nil {
		return errors.Wrapf(err, "create entry %s", name)
	}
	if _, err = fw.Write(data); err != nil {
		return errors.Wrapf(err, "write entry %s", name)
	}
	return nil
}

func (w *archiveWriter) put(name string, obj he.Handle) error {
	data, err := w.engine.Serialize(obj, w.format)
	if err != nil {
		return err
	}
	return w.putRaw(name, data)
}

// BuildArchive 把 bundle 中存在的字段逐个序列化写入档案。
// 上下文和公钥必须存在，否则返回指明第一个缺失字段的 MissingFieldError
func BuildArchive(engine he.Engine, b *Bundle, f he.Format) ([]byte, error) {
	if b == nil || b.Context == nil {
		return nil, errcode.MissingField(EntryContext)
	}
	if b.PublicKey == nil {
		return nil, errcode.MissingField(EntryPublicKey)
	}

	w := &archiveWriter{engine: engine, format: f}
	w.zw = zip.NewWriter(&w.buf)

	if err := w.put(EntryContext, b.Context); err != nil {
		return nil, err
	}
	if err := w.put(EntryPublicKey, b.PublicKey); err != nil {
		return nil, err
	}
	if b.SecretKey != nil {
		if err := w.put(EntrySecretKey, b.SecretKey); err != nil {
			return nil, err
		}
	}

	if set := b.EvalKeys; set != nil {
		for _, e := range evalEntries {
			obj := e.get(set)
			if obj == nil {
				continue
			}
			if err := w.put(e.name, obj); err != nil {
				return nil, err
			}
		}

		if len(set.Indexed) > 0 {
			indices := sortedIndices(set.Indexed)
			data, err := encodeIndices(indices, f)
			if err != nil {
				return nil, errcode.Serialization("index list", err)
			}
			if err = w.putRaw(EntryIndices, data); err != nil {
				return nil, err
			}
			for _, i := range indices {
				pair := set.Indexed[i]
				if pair.Refresh == nil {
					return nil, errcode.CorruptIndexedEntry(i, RoleRefresh)
				}
				if pair.Switch == nil {
					return nil, errcode.CorruptIndexedEntry(i, RoleSwitch)
				}
				if err = w.put(RefreshEntry(i), pair.Refresh); err != nil {
					return nil, err
				}
				if err = w.put(SwitchingEntry(i), pair.Switch); err != nil {
					return nil, err
				}
			}
		}
	}

	if err := w.zw.Close(); err != nil {
		return nil, errors.Wrap(err, "finish archive")
	}
	return w.buf.Bytes(), nil
}
