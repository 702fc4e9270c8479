package reenc_test

import (
	"math"
	"testing"

	"github.com/CamberLoid/Satori/internal/errcode"
	"github.com/CamberLoid/Satori/internal/he"
	"github.com/CamberLoid/Satori/internal/misc"
	"github.com/CamberLoid/Satori/internal/reenc"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const ssn = "123-45-6789"

type party struct {
	ctx he.Context
	kp  *he.KeyPair
}

func newParties(t testing.TB) (he.Engine, *party, *party) {
	engine, err := he.NewLattigo()
	require.NoError(t, err)
	ctx, err := engine.CreateContext(he.DefaultParams())
	require.NoError(t, err)

	client, err := engine.GenerateKeyPair(ctx)
	require.NoError(t, err)
	domain, err := engine.GenerateKeyPair(ctx)
	require.NoError(t, err)
	return engine, &party{ctx, client}, &party{ctx, domain}
}

func testDecryptsToSubject(engine he.Engine, ctx he.Context, sk he.SecretKey, ct he.Ciphertext, want string) error {
	values, err := engine.Decrypt(ctx, sk, ct)
	if err != nil {
		return err
	}
	if got := reenc.DecodeSubject(values); got != want {
		return errors.Errorf("decrypted %q, expected %q", got, want)
	}
	return nil
}

func TestReEncryptDirectionality(t *testing.T) {
	engine, client, domain := newParties(t)

	ct, err := reenc.EncryptSubject(engine, client.ctx, client.kp.Public, ssn)
	require.NoError(t, err)
	require.NoError(t, testDecryptsToSubject(engine, client.ctx, client.kp.Secret, ct, ssn))

	rk, err := reenc.GenerateReEncryptionKey(engine, client.ctx, client.kp.Secret, domain.kp.Public, ct)
	require.NoError(t, err)
	switched, err := reenc.ReEncrypt(engine, domain.ctx, rk, ct)
	require.NoError(t, err)

	if err = testDecryptsToSubject(engine, domain.ctx, domain.kp.Secret, switched, ssn); err != nil {
		t.Error(err)
	}
	// 原私钥不能再解出明文
	assert.Error(t, testDecryptsToSubject(engine, client.ctx, client.kp.Secret, switched, ssn))
}

func TestCompareAfterReEncryption(t *testing.T) {
	engine, client, domain := newParties(t)

	held, err := reenc.EncryptSubject(engine, domain.ctx, domain.kp.Public, ssn)
	require.NoError(t, err)

	for value, want := range map[string]bool{
		ssn:           true,
		"123-45-6780": false,
		"023-45-6789": false,
		"":            false,
	} {
		ct, err := reenc.EncryptSubject(engine, client.ctx, client.kp.Public, value)
		require.NoError(t, err)
		rk, err := reenc.GenerateReEncryptionKey(engine, client.ctx, client.kp.Secret, domain.kp.Public, ct)
		require.NoError(t, err)
		switched, err := reenc.ReEncrypt(engine, domain.ctx, rk, ct)
		require.NoError(t, err)

		match, err := reenc.Compare(engine, domain.ctx, held, switched, domain.kp.Secret, reenc.DefaultEpsilon)
		require.NoError(t, err)
		assert.Equal(t, want, match, "value %q", value)
	}
}

func TestCompareBothDirections(t *testing.T) {
	engine, _, domain := newParties(t)
	cmp := reenc.NewComparator(engine, domain.ctx, domain.kp.Secret, 0)
	assert.Equal(t, reenc.DefaultEpsilon, cmp.Epsilon())

	a, err := engine.Encrypt(domain.ctx, domain.kp.Public, []float64{1, 2, 3.5})
	require.NoError(t, err)
	b, err := engine.Encrypt(domain.ctx, domain.kp.Public, []float64{1, 2, 3.5})
	require.NoError(t, err)
	c, err := engine.Encrypt(domain.ctx, domain.kp.Public, []float64{1, 2, 3.5001})
	require.NoError(t, err)

	match, err := cmp.Compare(a, b)
	require.NoError(t, err)
	assert.True(t, match)

	match, err = cmp.Compare(a, c)
	require.NoError(t, err)
	assert.False(t, match)

	match, err = cmp.Compare(c, a)
	require.NoError(t, err)
	assert.False(t, match)
}

func TestWithinEpsilon(t *testing.T) {
	match, err := reenc.WithinEpsilon([]float64{0, 1e-12, -5e-11}, reenc.DefaultEpsilon)
	require.NoError(t, err)
	assert.True(t, match)

	match, err = reenc.WithinEpsilon([]float64{0, 1e-10}, reenc.DefaultEpsilon)
	require.NoError(t, err)
	assert.False(t, match)

	for _, bad := range []float64{math.NaN(), math.Inf(1), math.Inf(-1)} {
		_, err = reenc.WithinEpsilon([]float64{0, bad}, reenc.DefaultEpsilon)
		e, ok := errcode.As(err)
		require.True(t, ok, "got %v", err)
		assert.Equal(t, errcode.KindComparison, e.Kind)
	}
}

func TestMissingInputs(t *testing.T) {
	engine, client, domain := newParties(t)
	ct, err := engine.Encrypt(client.ctx, client.kp.Public, []float64{1})
	require.NoError(t, err)

	_, err = reenc.GenerateReEncryptionKey(engine, client.ctx, nil, domain.kp.Public, ct)
	assert.True(t, errcode.Is(err, errcode.KindMissingField))
	_, err = reenc.GenerateReEncryptionKey(engine, client.ctx, client.kp.Secret, nil, ct)
	assert.True(t, errcode.Is(err, errcode.KindMissingField))
	_, err = reenc.ReEncrypt(engine, domain.ctx, nil, ct)
	assert.True(t, errcode.Is(err, errcode.KindMissingField))
	_, err = reenc.NewComparator(engine, domain.ctx, nil, 0).Compare(ct, ct)
	assert.True(t, errcode.Is(err, errcode.KindMissingField))
}

func TestEncodeSubject(t *testing.T) {
	values := reenc.EncodeSubject(ssn)
	assert.Len(t, values, len(ssn))
	assert.Equal(t, ssn, reenc.DecodeSubject(misc.PadLeft(values, 16)))
}

// --- 只解密差值 ---

type fakeHandle struct{ name string }

func (h *fakeHandle) Kind() he.Kind                      { return he.KindCiphertext }
func (h *fakeHandle) SchemeParametersEqual(he.Handle) bool { return true }

// recordingEngine 记录 Decrypt 收到的密文
type recordingEngine struct {
	he.Engine
	diff      *fakeHandle
	decrypted []he.Ciphertext
	values    []float64
}

func (e *recordingEngine) EvalSub(ctx he.Context, a, b he.Ciphertext) (he.Ciphertext, error) {
	return e.diff, nil
}

func (e *recordingEngine) Decrypt(ctx he.Context, sk he.SecretKey, ct he.Ciphertext) ([]float64, error) {
	e.decrypted = append(e.decrypted, ct)
	return e.values, nil
}

func TestCompareDecryptsOnlyTheDifference(t *testing.T) {
	a, b := &fakeHandle{"a"}, &fakeHandle{"b"}
	engine := &recordingEngine{diff: &fakeHandle{"a-b"}, values: make([]float64, 16)}

	match, err := reenc.Compare(engine, nil, a, b, &fakeHandle{"sk"}, 0)
	require.NoError(t, err)
	assert.True(t, match)

	require.Len(t, engine.decrypted, 1)
	assert.Same(t, engine.diff, engine.decrypted[0])
	for _, ct := range engine.decrypted {
		assert.NotSame(t, a, ct)
		assert.NotSame(t, b, ct)
	}

	engine.values = []float64{0, math.NaN()}
	_, err = reenc.Compare(engine, nil, a, b, &fakeHandle{"sk"}, 0)
	assert.True(t, errcode.Is(err, errcode.KindComparison), "got %v", err)
}

func BenchmarkReEncrypt(b *testing.B) {
	engine, client, domain := newParties(b)
	ct, err := reenc.EncryptSubject(engine, client.ctx, client.kp.Public, ssn)
	require.NoError(b, err)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		rk, err := reenc.GenerateReEncryptionKey(engine, client.ctx, client.kp.Secret, domain.kp.Public, ct)
		if err != nil {
			b.Fatal(err)
		}
		if _, err = reenc.ReEncrypt(engine, domain.ctx, rk, ct); err != nil {
			b.Fatal(err)
		}
	}
}
