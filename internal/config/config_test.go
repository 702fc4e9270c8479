package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/CamberLoid/Satori/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDomainDefaults(t *testing.T) {
	d := config.DefaultDomain()
	assert.Equal(t, int64(2000000), d.Limits.MaxKeyBytes)
	assert.Equal(t, int64(5000000), d.Limits.MaxValueBytes)
	assert.Equal(t, 10*time.Minute, d.SessionTTL)
	assert.Equal(t, 1e-10, d.Epsilon)
	assert.Equal(t, "binary", d.Format)
	// 缺少 SP 公钥
	assert.Error(t, d.Validate())
}

func TestDecodeOverlaysDefaults(t *testing.T) {
	d := config.DefaultDomain()
	err := config.Decode([]byte(`
listenPort: 18001
sessionTTL: 90s
providerPublicKey: /etc/satori/provider.pub.json
limits:
  maxKeyBytes: "1000"
params:
  logN: 13
  rotations: [1, 2]
log:
  level: debug
`), &d)
	require.NoError(t, err)

	assert.Equal(t, 18001, d.ListenPort)
	assert.Equal(t, "127.0.0.1", d.ListenAddr)
	assert.Equal(t, 90*time.Second, d.SessionTTL)
	assert.Equal(t, int64(1000), d.Limits.MaxKeyBytes)
	assert.Equal(t, int64(5000000), d.Limits.MaxValueBytes)
	assert.Equal(t, 13, d.Params.LogN)
	assert.Equal(t, []int{1, 2}, d.Params.Rotations)
	assert.Equal(t, "debug", d.Log.Level)
	assert.NoError(t, d.Validate())
	assert.NoError(t, d.Log.Apply())
}

func TestDecodeRejectsUnknownKeys(t *testing.T) {
	p := config.DefaultProvider()
	assert.Error(t, config.Decode([]byte("sesionTTL: 1m\n"), &p))
	assert.Error(t, config.Decode([]byte("listenPort: [oops\n"), &p))
}

func TestProviderValidate(t *testing.T) {
	p := config.DefaultProvider()
	require.NoError(t, p.Validate())
	p.Dialect = "postgres"
	assert.Error(t, p.Validate())
}

func TestLoad(t *testing.T) {
	c := config.DefaultClient()
	require.NoError(t, config.Load(filepath.Join(t.TempDir(), "missing.yaml"), &c))
	assert.Equal(t, config.DefaultClient(), c)

	path := filepath.Join(t.TempDir(), "client.yaml")
	require.NoError(t, os.WriteFile(path, []byte("domainURL: http://domain.example:8080\nformat: text\n"), 0644))
	require.NoError(t, config.Load(path, &c))
	assert.Equal(t, "http://domain.example:8080", c.DomainURL)
	assert.Equal(t, "text", c.Format)
	assert.Equal(t, 30*time.Second, c.Timeout)
}
