package he_test

import (
	"crypto/rand"
	"math"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/CamberLoid/Satori/internal/errcode"
	"github.com/CamberLoid/Satori/internal/he"
	"github.com/CamberLoid/Satori/internal/misc"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const tolerance = 1e-6

func newFixture(t testing.TB) (he.Engine, he.Context, *he.KeyPair) {
	engine, err := he.NewLattigo()
	require.NoError(t, err)
	ctx, err := engine.CreateContext(he.DefaultParams())
	require.NoError(t, err)
	kp, err := engine.GenerateKeyPair(ctx)
	require.NoError(t, err)
	return engine, ctx, kp
}

// testDecryptsTo 检查左侧补零后的解密结果
func testDecryptsTo(values, decrypted []float64, slots int) error {
	if len(decrypted) != slots {
		return errors.Errorf("got %d slots, expected %d", len(decrypted), slots)
	}
	padded := misc.PadLeft(values, slots)
	for i := range padded {
		if math.Abs(padded[i]-decrypted[i]) > tolerance {
			return errors.Errorf("slot %d: got %f, expected %f", i, decrypted[i], padded[i])
		}
	}
	return nil
}

func TestEncryptAndDecrypt(t *testing.T) {
	engine, ctx, kp := newFixture(t)
	assert.Equal(t, 16, ctx.Slots())

	for _, values := range [][]float64{
		misc.StringToValues("123-45-6789"),
		{},
		{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16},
		{-3.25, 0.5},
	} {
		ct, err := engine.Encrypt(ctx, kp.Public, values)
		require.NoError(t, err)
		decrypted, err := engine.Decrypt(ctx, kp.Secret, ct)
		require.NoError(t, err)
		if err = testDecryptsTo(values, decrypted, ctx.Slots()); err != nil {
			t.Error(err)
		}
	}
}

func TestEncryptRejectsLongVector(t *testing.T) {
	engine, ctx, kp := newFixture(t)
	_, err := engine.Encrypt(ctx, kp.Public, make([]float64, ctx.Slots()+1))
	assert.True(t, errcode.Is(err, errcode.KindEncoding), "got %v", err)
}

func TestEvalSub(t *testing.T) {
	engine, ctx, kp := newFixture(t)
	a, err := engine.Encrypt(ctx, kp.Public, []float64{10, 20, 30})
	require.NoError(t, err)
	b, err := engine.Encrypt(ctx, kp.Public, []float64{1, 2, 3})
	require.NoError(t, err)

	diff, err := engine.EvalSub(ctx, a, b)
	require.NoError(t, err)
	decrypted, err := engine.Decrypt(ctx, kp.Secret, diff)
	require.NoError(t, err)
	if err = testDecryptsTo([]float64{9, 18, 27}, decrypted, ctx.Slots()); err != nil {
		t.Error(err)
	}
}

func TestSerializeRoundTrip(t *testing.T) {
	engine, ctx, kp := newFixture(t)
	values := misc.StringToValues("Paris")

	for _, format := range []he.Format{he.FormatBinary, he.FormatText} {
		ctxBytes, err := engine.Serialize(ctx, format)
		require.NoError(t, err)
		pkBytes, err := engine.Serialize(kp.Public, format)
		require.NoError(t, err)
		skBytes, err := engine.Serialize(kp.Secret, format)
		require.NoError(t, err)

		restoredCtx, err := engine.Deserialize(nil, ctxBytes, he.KindContext, format)
		require.NoError(t, err)
		ctx2 := restoredCtx.(he.Context)
		assert.True(t, ctx2.SchemeParametersEqual(ctx))

		pk, err := engine.Deserialize(ctx2, pkBytes, he.KindPublicKey, format)
		require.NoError(t, err)
		sk, err := engine.Deserialize(ctx2, skBytes, he.KindSecretKey, format)
		require.NoError(t, err)

		ct, err := engine.Encrypt(ctx2, pk, values)
		require.NoError(t, err)
		ctBytes, err := engine.Serialize(ct, format)
		require.NoError(t, err)
		ct2, err := engine.Deserialize(ctx2, ctBytes, he.KindCiphertext, format)
		require.NoError(t, err)

		// 用原始私钥解密恢复出来的密文
		decrypted, err := engine.Decrypt(ctx, kp.Secret, ct2)
		require.NoError(t, err)
		if err = testDecryptsTo(values, decrypted, ctx.Slots()); err != nil {
			t.Errorf("format %s: %v", format, err)
		}
		decrypted, err = engine.Decrypt(ctx2, sk, ct2)
		require.NoError(t, err)
		if err = testDecryptsTo(values, decrypted, ctx.Slots()); err != nil {
			t.Errorf("format %s: %v", format, err)
		}
	}
}

func TestDeserializeRequiresContext(t *testing.T) {
	engine, _, kp := newFixture(t)
	data, err := engine.Serialize(kp.Public, he.FormatBinary)
	require.NoError(t, err)

	_, err = engine.Deserialize(nil, data, he.KindPublicKey, he.FormatBinary)
	assert.True(t, errcode.Is(err, errcode.KindSerialization), "got %v", err)
}

func TestDeserializeFailures(t *testing.T) {
	engine, ctx, kp := newFixture(t)
	pkBytes, err := engine.Serialize(kp.Public, he.FormatBinary)
	require.NoError(t, err)

	// 种类不符
	_, err = engine.Deserialize(ctx, pkBytes, he.KindSecretKey, he.FormatBinary)
	e, ok := errcode.As(err)
	require.True(t, ok, "got %v", err)
	assert.Equal(t, errcode.KindSerialization, e.Kind)
	assert.Equal(t, he.KindSecretKey.String(), e.Subject)

	// 随机字节
	garbage := make([]byte, len(pkBytes))
	_, _ = rand.Read(garbage)
	_, err = engine.Deserialize(ctx, garbage, he.KindPublicKey, he.FormatBinary)
	assert.True(t, errcode.Is(err, errcode.KindSerialization), "got %v", err)

	// 改动一个字节
	flipped := append([]byte(nil), pkBytes...)
	flipped[len(flipped)-1] ^= 0xff
	_, err = engine.Deserialize(ctx, flipped, he.KindPublicKey, he.FormatBinary)
	assert.True(t, errcode.Is(err, errcode.KindSerialization), "got %v", err)

	// 非法的 text
	_, err = engine.Deserialize(ctx, []byte("%%%"), he.KindPublicKey, he.FormatText)
	assert.True(t, errcode.Is(err, errcode.KindSerialization), "got %v", err)
}

func TestPeekKind(t *testing.T) {
	engine, ctx, kp := newFixture(t)
	ct, err := engine.Encrypt(ctx, kp.Public, []float64{1})
	require.NoError(t, err)

	for _, format := range []he.Format{he.FormatBinary, he.FormatText} {
		data, err := engine.Serialize(ct, format)
		require.NoError(t, err)
		kind, err := he.PeekKind(data, format)
		require.NoError(t, err)
		assert.Equal(t, he.KindCiphertext, kind)
	}

	_, err = he.PeekKind([]byte("PK\x03\x04 definitely not an engine object"), he.FormatBinary)
	assert.True(t, errcode.Is(err, errcode.KindUnsupportedFormat))
}

func TestSchemeParametersEqual(t *testing.T) {
	engine, ctx, kp := newFixture(t)
	other, err := engine.CreateContext(he.Params{Preset: he.PresetPN12QP109})
	require.NoError(t, err)

	assert.True(t, kp.Public.SchemeParametersEqual(ctx))
	assert.False(t, kp.Public.SchemeParametersEqual(other))

	// 不属于该上下文的公钥不能用于加密
	_, err = engine.Encrypt(other, kp.Public, []float64{1})
	assert.True(t, errcode.Is(err, errcode.KindSerialization), "got %v", err)
}

func TestCreateContextRejectsUnknownPreset(t *testing.T) {
	engine, err := he.NewLattigo()
	require.NoError(t, err)
	_, err = engine.CreateContext(he.Params{Preset: "PN99"})
	assert.True(t, errcode.Is(err, errcode.KindEngineInit), "got %v", err)
}

func TestDeriveSchemeSwitchingMaterial(t *testing.T) {
	engine, ctx, kp := newFixture(t)

	_, err := engine.DeriveSchemeSwitchingMaterial(ctx, nil)
	assert.True(t, errcode.Is(err, errcode.KindSchemeSwitchSetup), "got %v", err)
	_, err = engine.DeriveSchemeSwitchingMaterial(nil, kp)
	assert.True(t, errcode.Is(err, errcode.KindSchemeSwitchSetup), "got %v", err)

	set, err := engine.DeriveSchemeSwitchingMaterial(ctx, kp)
	require.NoError(t, err)
	assert.Len(t, set.Indexed, len(he.DefaultParams().Rotations))
	for _, k := range he.DefaultParams().Rotations {
		pair, ok := set.Indexed[uint32(k)]
		require.True(t, ok, "index %d", k)
		assert.Equal(t, he.KindIndexedRefreshKey, pair.Refresh.Kind())
		assert.Equal(t, he.KindIndexedSwitchKey, pair.Switch.Kind())
	}
	assert.Equal(t, he.KindMultKey, set.Mult.Kind())
	assert.Equal(t, he.KindSubContext, set.SubContext.Kind())

	data, err := engine.Serialize(set.Switch, he.FormatBinary)
	require.NoError(t, err)
	restored, err := engine.Deserialize(ctx, data, he.KindSchemeSwitchKey, he.FormatBinary)
	require.NoError(t, err)
	assert.True(t, restored.SchemeParametersEqual(ctx))
}

func TestKeySwitchDirectionality(t *testing.T) {
	engine, ctx, source := newFixture(t)
	target, err := engine.GenerateKeyPair(ctx)
	require.NoError(t, err)
	values := misc.StringToValues("123-45-6789")

	ct, err := engine.Encrypt(ctx, source.Public, values)
	require.NoError(t, err)
	rk, err := engine.KeySwitchShare(ctx, source.Secret, target.Public, ct)
	require.NoError(t, err)
	switched, err := engine.KeySwitch(ctx, rk, ct)
	require.NoError(t, err)

	decrypted, err := engine.Decrypt(ctx, target.Secret, switched)
	require.NoError(t, err)
	if err = testDecryptsTo(values, decrypted, ctx.Slots()); err != nil {
		t.Error(err)
	}

	decrypted, err = engine.Decrypt(ctx, source.Secret, switched)
	require.NoError(t, err)
	assert.Error(t, testDecryptsTo(values, decrypted, ctx.Slots()),
		"source key must not decrypt the switched ciphertext")
}

func TestLoaderBuildsOnce(t *testing.T) {
	var builds int32
	loader := he.NewLoader(func() (he.Engine, error) {
		atomic.AddInt32(&builds, 1)
		return he.NewLattigo()
	})

	var wg sync.WaitGroup
	engines := make([]he.Engine, 32)
	for i := range engines {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			engines[i], _ = loader.Get()
		}(i)
	}
	wg.Wait()

	assert.EqualValues(t, 1, atomic.LoadInt32(&builds))
	for _, e := range engines {
		assert.Same(t, engines[0], e)
	}
}

func TestLoaderCachesFailure(t *testing.T) {
	var builds int32
	loader := he.NewLoader(func() (he.Engine, error) {
		atomic.AddInt32(&builds, 1)
		return nil, errors.New("wasm module missing")
	})

	for i := 0; i < 3; i++ {
		engine, err := loader.Get()
		assert.Nil(t, engine)
		assert.True(t, errcode.Is(err, errcode.KindEngineInit), "got %v", err)
	}
	assert.EqualValues(t, 1, atomic.LoadInt32(&builds))
}

func TestCountingEngine(t *testing.T) {
	inner, err := he.NewLattigo()
	require.NoError(t, err)
	engine := he.NewCountingEngine(inner)
	ctx, err := engine.CreateContext(he.DefaultParams())
	require.NoError(t, err)
	_, err = engine.GenerateKeyPair(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 2, engine.Calls())
}

func BenchmarkKeySwitch(b *testing.B) {
	engine, ctx, source := newFixture(b)
	target, _ := engine.GenerateKeyPair(ctx)
	ct, _ := engine.Encrypt(ctx, source.Public, misc.StringToValues("123-45-6789"))
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		rk, err := engine.KeySwitchShare(ctx, source.Secret, target.Public, ct)
		if err != nil {
			b.Fatal(err)
		}
		if _, err = engine.KeySwitch(ctx, rk, ct); err != nil {
			b.Fatal(err)
		}
	}
}
