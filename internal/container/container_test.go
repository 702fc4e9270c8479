package container_test

import (
	"bytes"
	"crypto/rand"
	"encoding/binary"
	"io"
	"math"
	"os"
	"path/filepath"
	"sort"
	"testing"

	"github.com/CamberLoid/Satori/internal/container"
	"github.com/CamberLoid/Satori/internal/errcode"
	"github.com/CamberLoid/Satori/internal/he"
	"github.com/CamberLoid/Satori/internal/misc"
	"github.com/go-test/deep"
	"github.com/klauspost/compress/zip"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	engine he.Engine
	bundle *container.Bundle
}

func newFixture(t testing.TB) *fixture {
	engine, err := he.NewLattigo()
	require.NoError(t, err)
	ctx, err := engine.CreateContext(he.DefaultParams())
	require.NoError(t, err)
	kp, err := engine.GenerateKeyPair(ctx)
	require.NoError(t, err)
	set, err := engine.DeriveSchemeSwitchingMaterial(ctx, kp)
	require.NoError(t, err)
	return &fixture{
		engine: engine,
		bundle: &container.Bundle{Context: ctx, PublicKey: kp.Public, SecretKey: kp.Secret, EvalKeys: set},
	}
}

// rewrite 逐条复制档案，edit 返回 nil 表示删除该条目
func rewrite(t testing.TB, data []byte, edit func(name string, content []byte) []byte, extra map[string][]byte) []byte {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	require.NoError(t, err)

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for _, f := range zr.File {
		rc, err := f.Open()
		require.NoError(t, err)
		content, err := io.ReadAll(rc)
		require.NoError(t, err)
		rc.Close()

		if edit != nil {
			content = edit(f.Name, content)
		}
		if content == nil {
			continue
		}
		w, err := zw.Create(f.Name)
		require.NoError(t, err)
		_, err = w.Write(content)
		require.NoError(t, err)
	}
	for name, content := range extra {
		w, err := zw.Create(name)
		require.NoError(t, err)
		_, err = w.Write(content)
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

func newArchive(t testing.TB, entries map[string][]byte) []byte {
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for name, content := range entries {
		w, err := zw.Create(name)
		require.NoError(t, err)
		_, err = w.Write(content)
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

func binaryIndices(indices ...uint32) []byte {
	buf := make([]byte, 4+4*len(indices))
	binary.LittleEndian.PutUint32(buf, uint32(len(indices)))
	for i, idx := range indices {
		binary.LittleEndian.PutUint32(buf[4+4*i:], idx)
	}
	return buf
}

// testFunctionalEquivalence 检查还原出的密钥与原密钥在参考密文上的行为一致
func testFunctionalEquivalence(engine he.Engine, original, restored *container.Bundle) error {
	reference := misc.StringToValues("123-45-6789")
	slots := original.Context.Slots()
	expected := misc.PadLeft(reference, slots)

	if !restored.Context.SchemeParametersEqual(original.Context) {
		return errors.New("scheme parameters differ")
	}

	ct, err := engine.Encrypt(original.Context, original.PublicKey, reference)
	if err != nil {
		return err
	}
	decrypted, err := engine.Decrypt(restored.Context, restored.SecretKey, ct)
	if err != nil {
		return err
	}
	for i := range expected {
		if math.Abs(decrypted[i]-expected[i]) > 1e-6 {
			return errors.Errorf("slot %d: got %f, expected %f", i, decrypted[i], expected[i])
		}
	}
	return nil
}

func TestRoundTrip(t *testing.T) {
	fx := newFixture(t)

	for _, format := range []he.Format{he.FormatBinary, he.FormatText} {
		data, err := container.BuildArchive(fx.engine, fx.bundle, format)
		require.NoError(t, err)

		restored, err := container.OpenArchive(fx.engine, data, format)
		require.NoError(t, err)
		require.NotNil(t, restored.SecretKey)
		if err = testFunctionalEquivalence(fx.engine, fx.bundle, restored); err != nil {
			t.Errorf("format %s: %v", format, err)
		}

		// 用还原出的公钥加密，原私钥解密
		reverse := &container.Bundle{Context: fx.bundle.Context, PublicKey: restored.PublicKey, SecretKey: fx.bundle.SecretKey}
		if err = testFunctionalEquivalence(fx.engine, reverse, fx.bundle); err != nil {
			t.Errorf("format %s: %v", format, err)
		}

		require.NotNil(t, restored.EvalKeys)
		want := make([]uint32, 0)
		for i := range fx.bundle.EvalKeys.Indexed {
			want = append(want, i)
		}
		got := make([]uint32, 0)
		for i := range restored.EvalKeys.Indexed {
			got = append(got, i)
		}
		sort.Slice(want, func(a, b int) bool { return want[a] < want[b] })
		sort.Slice(got, func(a, b int) bool { return got[a] < got[b] })
		if diff := deep.Equal(got, want); diff != nil {
			t.Error(diff)
		}
		assert.NotNil(t, restored.EvalKeys.Mult)
		assert.NotNil(t, restored.EvalKeys.Switch)
		assert.NotNil(t, restored.EvalKeys.SubContext)
	}
}

func TestArchiveEntryNames(t *testing.T) {
	fx := newFixture(t)
	data, err := container.BuildArchive(fx.engine, fx.bundle, he.FormatBinary)
	require.NoError(t, err)

	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	require.NoError(t, err)
	names := make(map[string]bool)
	for _, f := range zr.File {
		names[f.Name] = true
	}
	for _, name := range []string{
		"cryptocontext.txt", "key_pub.txt", "key_secret.txt", "key_mult.txt", "key_rot.txt",
		"key_switch_fhew_ckks.txt", "binfhe_cryptocontext.txt", "key_binfhe_boot_refresh.txt",
		"key_binfhe_boot_rot.txt", "key_indices.txt",
		"1_key_refresh.txt", "1_key_switching.txt", "8_key_refresh.txt", "8_key_switching.txt",
	} {
		assert.True(t, names[name], "missing %s", name)
	}
}

func TestBuildMissingFields(t *testing.T) {
	fx := newFixture(t)

	_, err := container.BuildArchive(fx.engine, &container.Bundle{PublicKey: fx.bundle.PublicKey}, he.FormatBinary)
	e, ok := errcode.As(err)
	require.True(t, ok, "got %v", err)
	assert.Equal(t, errcode.KindMissingField, e.Kind)
	assert.Equal(t, container.EntryContext, e.Subject)

	_, err = container.BuildArchive(fx.engine, &container.Bundle{Context: fx.bundle.Context}, he.FormatBinary)
	e, ok = errcode.As(err)
	require.True(t, ok, "got %v", err)
	assert.Equal(t, errcode.KindMissingField, e.Kind)
	assert.Equal(t, container.EntryPublicKey, e.Subject)
}

func TestOpenMissingPublicKey(t *testing.T) {
	fx := newFixture(t)
	data, err := container.BuildArchive(fx.engine, fx.bundle.WithoutEvalKeys(), he.FormatBinary)
	require.NoError(t, err)

	data = rewrite(t, data, func(name string, content []byte) []byte {
		if name == container.EntryPublicKey {
			return nil
		}
		return content
	}, nil)

	counting := he.NewCountingEngine(fx.engine)
	_, err = container.OpenArchive(counting, data, he.FormatBinary)
	e, ok := errcode.As(err)
	require.True(t, ok, "got %v", err)
	assert.Equal(t, errcode.KindMissingField, e.Kind)
	assert.Equal(t, container.EntryPublicKey, e.Subject)
	assert.EqualValues(t, 0, counting.Calls())
}

func TestOpenMissingIndexedEntry(t *testing.T) {
	data := newArchive(t, map[string][]byte{
		container.EntryContext:   []byte("context"),
		container.EntryPublicKey: []byte("public key"),
		container.EntryIndices:   binaryIndices(3, 7),
		"3_key_refresh.txt":      []byte("r3"),
		"3_key_switching.txt":    []byte("s3"),
		"7_key_refresh.txt":      []byte("r7"),
	})

	engine, err := he.NewLattigo()
	require.NoError(t, err)
	counting := he.NewCountingEngine(engine)

	_, err = container.OpenArchive(counting, data, he.FormatBinary)
	e, ok := errcode.As(err)
	require.True(t, ok, "got %v", err)
	assert.Equal(t, errcode.KindCorruptArchive, e.Kind)
	require.NotNil(t, e.Index)
	assert.EqualValues(t, 7, *e.Index)
	assert.Equal(t, container.RoleSwitch, e.Role)
	assert.EqualValues(t, 0, counting.Calls())
}

func TestOpenIndexListMismatch(t *testing.T) {
	base := map[string][]byte{
		container.EntryContext:   []byte("context"),
		container.EntryPublicKey: []byte("public key"),
	}

	cases := map[string]map[string][]byte{
		"empty list": {container.EntryIndices: binaryIndices()},
		"truncated":  {container.EntryIndices: binaryIndices(3)[:6]},
		"duplicate": {
			container.EntryIndices: binaryIndices(3, 3),
			"3_key_refresh.txt":    []byte("r"), "3_key_switching.txt": []byte("s"),
		},
		"extra pair": {
			container.EntryIndices: binaryIndices(3),
			"3_key_refresh.txt":    []byte("r"), "3_key_switching.txt": []byte("s"),
			"5_key_refresh.txt": []byte("r"), "5_key_switching.txt": []byte("s"),
		},
		"pairs without list": {
			"3_key_refresh.txt": []byte("r"), "3_key_switching.txt": []byte("s"),
		},
	}

	for name, entries := range cases {
		all := make(map[string][]byte)
		for k, v := range base {
			all[k] = v
		}
		for k, v := range entries {
			all[k] = v
		}
		err := container.Probe(newArchive(t, all), he.FormatBinary, 0)
		assert.True(t, errcode.Is(err, errcode.KindCorruptArchive), "%s: got %v", name, err)
	}
}

func TestOpenIgnoresUnknownEntries(t *testing.T) {
	fx := newFixture(t)
	data, err := container.BuildArchive(fx.engine, fx.bundle.WithoutEvalKeys(), he.FormatBinary)
	require.NoError(t, err)
	data = rewrite(t, data, nil, map[string][]byte{
		"README.txt":          []byte("generated by a newer client"),
		"key_future_thing.txt": {1, 2, 3},
	})

	restored, err := container.OpenArchive(fx.engine, data, he.FormatBinary)
	require.NoError(t, err)
	assert.Nil(t, restored.EvalKeys)
	if err = testFunctionalEquivalence(fx.engine, fx.bundle, restored); err != nil {
		t.Error(err)
	}
}

func TestPublicOpenNeverReadsSecret(t *testing.T) {
	fx := newFixture(t)
	data, err := container.BuildArchive(fx.engine, fx.bundle.WithoutEvalKeys(), he.FormatBinary)
	require.NoError(t, err)

	// 私钥条目被换成无法解析的内容
	data = rewrite(t, data, func(name string, content []byte) []byte {
		if name == container.EntrySecretKey {
			return []byte("garbage")
		}
		return content
	}, nil)

	pub, err := container.OpenPublicArchive(fx.engine, data, he.FormatBinary)
	require.NoError(t, err)
	assert.True(t, pub.PublicKey.SchemeParametersEqual(fx.bundle.Context))

	_, err = container.OpenArchive(fx.engine, data, he.FormatBinary)
	assert.True(t, errcode.Is(err, errcode.KindSerialization), "got %v", err)
}

func TestWithoutSecret(t *testing.T) {
	fx := newFixture(t)
	data, err := container.BuildArchive(fx.engine, fx.bundle.WithoutSecret().WithoutEvalKeys(), he.FormatText)
	require.NoError(t, err)

	restored, err := container.OpenArchive(fx.engine, data, he.FormatText)
	require.NoError(t, err)
	assert.Nil(t, restored.SecretKey)
	assert.NotNil(t, restored.PublicKey)
}

func TestTamperedSecretKey(t *testing.T) {
	fx := newFixture(t)
	data, err := container.BuildArchive(fx.engine, fx.bundle.WithoutEvalKeys(), he.FormatBinary)
	require.NoError(t, err)

	data = rewrite(t, data, func(name string, content []byte) []byte {
		if name != container.EntrySecretKey {
			return content
		}
		garbage := make([]byte, len(content))
		_, _ = rand.Read(garbage)
		return garbage
	}, nil)

	restored, err := container.OpenArchive(fx.engine, data, he.FormatBinary)
	if err != nil {
		assert.True(t, errcode.Is(err, errcode.KindSerialization), "got %v", err)
		return
	}
	// 结构上打开成功时，功能等价检查必须失败
	assert.Error(t, testFunctionalEquivalence(fx.engine, fx.bundle, restored))
}

func TestProbe(t *testing.T) {
	fx := newFixture(t)
	data, err := container.BuildArchive(fx.engine, fx.bundle.WithoutEvalKeys(), he.FormatBinary)
	require.NoError(t, err)

	assert.NoError(t, container.Probe(data, he.FormatBinary, 2000000))

	err = container.Probe(data, he.FormatBinary, int64(len(data)-1))
	assert.True(t, errcode.Is(err, errcode.KindPayloadTooLarge), "got %v", err)

	err = container.Probe([]byte("definitely not a zip archive"), he.FormatBinary, 0)
	assert.True(t, errcode.Is(err, errcode.KindUnsupportedFormat), "got %v", err)
}

func TestReadFileLimit(t *testing.T) {
	path := filepath.Join(t.TempDir(), "big.zip")
	require.NoError(t, container.WriteFile(path, make([]byte, 1024), true))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())

	_, err = container.ReadFile(path, 1000)
	assert.True(t, errcode.Is(err, errcode.KindPayloadTooLarge), "got %v", err)

	data, err := container.ReadFile(path, 2000)
	require.NoError(t, err)
	assert.Len(t, data, 1024)
}
