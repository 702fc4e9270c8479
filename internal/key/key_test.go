package key_test

import (
	"path/filepath"
	"testing"

	"github.com/CamberLoid/Satori/internal/key"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSignAndVerify(t *testing.T) {
	chain, err := key.GenerateSigningKey()
	require.NoError(t, err)

	msg := []byte("satori-stamp/v1|request|1700000000000|600000|digest")
	sig, err := key.Sign(chain.PrivateKey, msg)
	require.NoError(t, err)

	assert.True(t, key.Verify(chain.PublicKey, msg, sig))
	assert.False(t, key.Verify(chain.PublicKey, append(msg, '0'), sig))
	assert.False(t, key.Verify(nil, msg, sig))

	other, err := key.GenerateSigningKey()
	require.NoError(t, err)
	assert.False(t, key.Verify(other.PublicKey, msg, sig))
}

func TestJSONRoundTrip(t *testing.T) {
	chain, err := key.GenerateSigningKey()
	require.NoError(t, err)

	restored, err := key.DecodeJSONToSigningKey(key.EncodeSigningKeyToJson(chain))
	require.NoError(t, err)
	assert.Equal(t, chain.Identifier, restored.Identifier)
	assert.True(t, chain.PrivateKey.Equal(restored.PrivateKey))

	pk, err := key.DecodeJSONToECDSAPubkey(key.EncodeECDSAPubkeyToJson(chain.PublicKey))
	require.NoError(t, err)
	assert.True(t, chain.PublicKey.Equal(pk))

	_, err = key.DecodeJSONToECDSAPubkey([]byte(`{"x":"1","y":"2","curve":"P-256"}`))
	assert.Error(t, err)
	_, err = key.DecodeJSONToECDSAPubkey([]byte(`{"x":"1","y":"2","curve":"secp256k1"}`))
	assert.Error(t, err)
}

func TestFiles(t *testing.T) {
	dir := t.TempDir()
	chain, err := key.GenerateSigningKey()
	require.NoError(t, err)

	skPath := filepath.Join(dir, "sp.key.json")
	pkPath := filepath.Join(dir, "sp.pub.json")
	require.NoError(t, key.SaveSigningKey(skPath, chain))
	require.NoError(t, key.SavePublicKey(pkPath, chain.PublicKey))

	loaded, err := key.LoadSigningKey(skPath)
	require.NoError(t, err)
	assert.True(t, chain.PrivateKey.Equal(loaded.PrivateKey))

	for _, path := range []string{skPath, pkPath} {
		pk, err := key.LoadPublicKey(path)
		require.NoError(t, err)
		assert.True(t, chain.PublicKey.Equal(pk))
	}

	der, err := key.MarshalECDSAPublicKey(chain.PublicKey)
	require.NoError(t, err)
	pk, err := key.UnmarshalECDSAPublicKey(der)
	require.NoError(t, err)
	assert.True(t, chain.PublicKey.Equal(pk))

	pemPath := filepath.Join(filepath.Dir(pkPath), "provider.pub.pem")
	require.NoError(t, key.SavePublicKeyPEM(pemPath, chain.PublicKey))
	pk, err = key.LoadPublicKey(pemPath)
	require.NoError(t, err)
	assert.True(t, chain.PublicKey.Equal(pk))
}
