package container

import (
	"bytes"
	"io"

	"github.com/CamberLoid/Satori/internal/errcode"
	"github.com/CamberLoid/Satori/internal/he"
	"github.com/klauspost/compress/zip"
)

// archive 是通过结构校验、尚未反序列化的档案
type archive struct {
	files   map[string]*zip.File
	indices []uint32
}

func (a *archive) has(name string) bool {
	_, ok := a.files[name]
	return ok
}

func (a *archive) read(name string) ([]byte, error) {
	f, ok := a.files[name]
	if !ok {
		return nil, errcode.MissingField(name)
	}
	if f.UncompressedSize64 > maxEntrySize {
		return nil, errcode.CorruptArchive(name, "entry too large")
	}
	rc, err := f.Open()
	if err != nil {
		return nil, errcode.CorruptArchive(name, err.Error())
	}
	defer rc.Close()

	// 整条读入，读到一半失败的条目整体作废
	data, err := io.ReadAll(io.LimitReader(rc, maxEntrySize+1))
	if err != nil {
		return nil, errcode.CorruptArchive(name, err.Error())
	}
	if len(data) > maxEntrySize {
		return nil, errcode.CorruptArchive(name, "entry too large")
	}
	return data, nil
}

// Probe 只做结构校验：大小、能否作为 zip 打开、必需条目、下标表与成对条目是否一致。
// 全程不调用引擎。limit <= 0 表示不限大小
func Probe(data []byte, f he.Format, limit int64) error {
	_, err := probe(data, f, limit)
	return err
}

func probe(data []byte, f he.Format, limit int64) (*archive, error) {
	if limit > 0 && int64(len(data)) > limit {
		return nil, errcode.PayloadTooLarge("container", int64(len(data)), limit)
	}
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, errcode.UnsupportedFormat("container", err.Error())
	}

	a := &archive{files: make(map[string]*zip.File, len(zr.File))}
	for _, file := range zr.File {
		if _, dup := a.files[file.Name]; dup {
			return nil, errcode.CorruptArchive(file.Name, "duplicate entry")
		}
		a.files[file.Name] = file
	}

	for _, name := range []string{EntryContext, EntryPublicKey} {
		if !a.has(name) {
			return nil, errcode.MissingField(name)
		}
	}

	if a.has(EntryIndices) {
		raw, err := a.read(EntryIndices)
		if err != nil {
			return nil, err
		}
		if a.indices, err = decodeIndices(raw, f); err != nil {
			return nil, err
		}
		for _, i := range a.indices {
			if !a.has(RefreshEntry(i)) {
				return nil, errcode.CorruptIndexedEntry(i, RoleRefresh)
			}
			if !a.has(SwitchingEntry(i)) {
				return nil, errcode.CorruptIndexedEntry(i, RoleSwitch)
			}
		}
	}

	// 下标表的长度必须等于档案中成对条目的数量
	pairs := 0
	for name := range a.files {
		if i, ok := indexedEntry(name, suffixRefresh); ok && a.has(SwitchingEntry(i)) {
			pairs++
		}
	}
	if pairs != len(a.indices) {
		return nil, errcode.CorruptArchive(EntryIndices, "index list does not match the indexed key pairs")
	}
	return a, nil
}

type archiveReader struct {
	engine he.Engine
	format he.Format
	a      *archive
	ctx    he.Context
}

func (r *archiveReader) restore(name string, kind he.Kind) (he.Handle, error) {
	data, err := r.a.read(name)
	if err != nil {
		return nil, err
	}
	return r.engine.Deserialize(r.ctx, data, kind, r.format)
}

// restoreContext 必须先于其余条目执行
func (r *archiveReader) restoreContext() error {
	h, err := r.restore(EntryContext, he.KindContext)
	if err != nil {
		return err
	}
	ctx, ok := h.(he.Context)
	if !ok {
		return errcode.CorruptArchive(EntryContext, "not a context")
	}
	r.ctx = ctx
	return nil
}

func (r *archiveReader) restoreEvalKeys() (*he.EvaluationKeySet, error) {
	var set *he.EvaluationKeySet
	ensure := func() {
		if set == nil {
			set = &he.EvaluationKeySet{}
		}
	}

	for _, e := range evalEntries {
		if !r.a.has(e.name) {
			continue
		}
		h, err := r.restore(e.name, e.kind)
		if err != nil {
			return nil, err
		}
		ensure()
		e.set(set, h)
	}

	if len(r.a.indices) > 0 {
		ensure()
		set.Indexed = make(map[uint32]he.IndexedKeyPair, len(r.a.indices))
		for _, i := range r.a.indices {
			refresh, err := r.restore(RefreshEntry(i), he.KindIndexedRefreshKey)
			if err != nil {
				return nil, err
			}
			switching, err := r.restore(SwitchingEntry(i), he.KindIndexedSwitchKey)
			if err != nil {
				return nil, err
			}
			set.Indexed[i] = he.IndexedKeyPair{Refresh: refresh, Switch: switching}
		}
	}
	return set, nil
}

func (r *archiveReader) restorePublic() (pk he.PublicKey, set *he.EvaluationKeySet, err error) {
	if err = r.restoreContext(); err != nil {
		return nil, nil, err
	}
	if pk, err = r.restore(EntryPublicKey, he.KindPublicKey); err != nil {
		return nil, nil, err
	}
	if set, err = r.restoreEvalKeys(); err != nil {
		return nil, nil, err
	}
	return pk, set, nil
}

// OpenArchive 供档案所有者使用；私钥条目存在时一并还原。
// 上下文总是最先恢复
func OpenArchive(engine he.Engine, data []byte, f he.Format) (*Bundle, error) {
	a, err := probe(data, f, 0)
	if err != nil {
		return nil, err
	}
	r := &archiveReader{engine: engine, format: f, a: a}
	pk, set, err := r.restorePublic()
	if err != nil {
		return nil, err
	}

	b := &Bundle{Context: r.ctx, PublicKey: pk, EvalKeys: set}
	if a.has(EntrySecretKey) {
		if b.SecretKey, err = r.restore(EntrySecretKey, he.KindSecretKey); err != nil {
			return nil, err
		}
	}
	return b, nil
}

// OpenPublicArchive 供对端使用，私钥条目即使存在也不会被读取
func OpenPublicArchive(engine he.Engine, data []byte, f he.Format) (*PublicBundle, error) {
	a, err := probe(data, f, 0)
	if err != nil {
		return nil, err
	}
	r := &archiveReader{engine: engine, format: f, a: a}
	pk, set, err := r.restorePublic()
	if err != nil {
		return nil, err
	}
	return &PublicBundle{Context: r.ctx, PublicKey: pk, EvalKeys: set}, nil
}
