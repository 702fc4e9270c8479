// 包 config 读取三方程序的 YAML 配置文件。
// 文件先被解析成通用的 map，再用 mapstructure 填入预先放好默认值的结构体，
// 所以文件里没写的字段保持默认值。
package config

import (
	"os"
	"time"

	"github.com/CamberLoid/Satori/internal/he"
	"github.com/mitchellh/mapstructure"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"gopkg.in/yaml.v2"
)

const (
	DefaultMaxKeyBytes   int64 = 2000000
	DefaultMaxValueBytes int64 = 5000000
	DefaultSessionTTL          = 10 * time.Minute
	DefaultSweepInterval       = 30 * time.Second
)

type Log struct {
	Level string `mapstructure:"level"`
}

// Apply 设置 logrus 的级别与格式
func (l Log) Apply() error {
	level, err := log.ParseLevel(l.Level)
	if err != nil {
		return errors.Wrap(err, "parse log level")
	}
	log.SetLevel(level)
	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	return nil
}

// Limits 是上传内容的大小上限，单位字节
type Limits struct {
	MaxKeyBytes   int64 `mapstructure:"maxKeyBytes"`
	MaxValueBytes int64 `mapstructure:"maxValueBytes"`
}

// Domain 是计算域服务的配置
type Domain struct {
	ListenAddr        string        `mapstructure:"listenAddr"`
	ListenPort        int           `mapstructure:"listenPort"`
	Database          string        `mapstructure:"database"`
	KeyArchive        string        `mapstructure:"keyArchive"`
	Format            string        `mapstructure:"format"`
	// SessionTTL 是计算域接受的会话寿命上限，SP 签入的 ttl 不得超过它
	SessionTTL        time.Duration `mapstructure:"sessionTTL"`
	SweepInterval     time.Duration `mapstructure:"sweepInterval"`
	Limits            Limits        `mapstructure:"limits"`
	Epsilon           float64       `mapstructure:"epsilon"`
	ProviderURL       string        `mapstructure:"providerURL"`
	ProviderPublicKey string        `mapstructure:"providerPublicKey"`
	Params            he.Params     `mapstructure:"params"`
	Log               Log           `mapstructure:"log"`
}

// Provider 是 SP 服务的配置
type Provider struct {
	ListenAddr string        `mapstructure:"listenAddr"`
	ListenPort int           `mapstructure:"listenPort"`
	Dialect    string        `mapstructure:"dialect"`
	DSN        string        `mapstructure:"dsn"`
	DomainURL  string        `mapstructure:"domainURL"`
	SigningKey string        `mapstructure:"signingKey"`
	SessionTTL time.Duration `mapstructure:"sessionTTL"`
	Log        Log           `mapstructure:"log"`
}

// Client 是命令行客户端的配置
type Client struct {
	DomainURL   string        `mapstructure:"domainURL"`
	ProviderURL string        `mapstructure:"providerURL"`
	Format      string        `mapstructure:"format"`
	Timeout     time.Duration `mapstructure:"timeout"`
	KeyDir      string        `mapstructure:"keyDir"`
	Database    string        `mapstructure:"database"`
	Limits      Limits        `mapstructure:"limits"`
	Params      he.Params     `mapstructure:"params"`
	Log         Log           `mapstructure:"log"`
}

func DefaultDomain() Domain {
	home, _ := os.UserHomeDir()
	return Domain{
		ListenAddr:    "127.0.0.1",
		ListenPort:    16001,
		Database:      home + "/.config/Satori/server.db",
		KeyArchive:    home + "/.config/Satori/domain_keys.zip",
		Format:        "binary",
		SessionTTL:    DefaultSessionTTL,
		SweepInterval: DefaultSweepInterval,
		Limits:        Limits{MaxKeyBytes: DefaultMaxKeyBytes, MaxValueBytes: DefaultMaxValueBytes},
		Epsilon:       1e-10,
		ProviderURL:   "http://127.0.0.1:16002",
		// Params 保持零值，由 he 包补默认参数
		Params: he.Params{Preset: he.PresetDefault},
		Log:    Log{Level: "info"},
	}
}

func DefaultProvider() Provider {
	home, _ := os.UserHomeDir()
	return Provider{
		ListenAddr: "127.0.0.1",
		ListenPort: 16002,
		Dialect:    "sqlite",
		DSN:        home + "/.config/Satori/provider.db",
		DomainURL:  "http://127.0.0.1:16001",
		SigningKey: home + "/.config/Satori/provider.key.json",
		SessionTTL: DefaultSessionTTL,
		Log:        Log{Level: "info"},
	}
}

func DefaultClient() Client {
	home, _ := os.UserHomeDir()
	return Client{
		DomainURL:   "http://127.0.0.1:16001",
		ProviderURL: "http://127.0.0.1:16002",
		Format:      "binary",
		Timeout:     30 * time.Second,
		KeyDir:      home + "/.config/Satori/",
		Database:    home + "/.config/Satori/client.db",
		Limits:      Limits{MaxKeyBytes: DefaultMaxKeyBytes, MaxValueBytes: DefaultMaxValueBytes},
		// 必须与计算域一致
		Params: he.Params{Preset: he.PresetDefault},
		Log:    Log{Level: "info"},
	}
}

// Load 把 path 指向的 YAML 文件叠加到 out 已有的默认值上。
// path 为空或文件不存在时 out 保持不变
func Load(path string, out interface{}) error {
	if path == "" {
		return nil
	}
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		log.WithField("path", path).Warnln("config file not found, using defaults")
		return nil
	}
	if err != nil {
		return errors.Wrap(err, "read config file")
	}
	return Decode(data, out)
}

// Decode 解析 YAML 内容并填入 out
func Decode(data []byte, out interface{}) error {
	var raw map[interface{}]interface{}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return errors.Wrap(err, "parse yaml")
	}

	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		),
		WeaklyTypedInput: true,
		ErrorUnused:      true,
		Result:           out,
	})
	if err != nil {
		return errors.Wrap(err, "create decoder")
	}
	return errors.Wrap(decoder.Decode(normalize(raw)), "decode config")
}

// normalize 把 yaml.v2 产生的 map[interface{}]interface{} 转为字符串键
func normalize(v interface{}) interface{} {
	switch t := v.(type) {
	case map[interface{}]interface{}:
		m := make(map[string]interface{}, len(t))
		for k, val := range t {
			if s, ok := k.(string); ok {
				m[s] = normalize(val)
			}
		}
		return m
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, val := range t {
			out[i] = normalize(val)
		}
		return out
	default:
		return v
	}
}

func (d *Domain) Validate() error {
	if _, ok := he.ParseFormat(d.Format); !ok {
		return errors.Errorf("unknown archive format %q", d.Format)
	}
	if d.SessionTTL <= 0 {
		return errors.New("sessionTTL must be positive")
	}
	if d.Limits.MaxKeyBytes <= 0 || d.Limits.MaxValueBytes <= 0 {
		return errors.New("upload limits must be positive")
	}
	if d.ProviderPublicKey == "" {
		return errors.New("providerPublicKey is required")
	}
	return nil
}

func (p *Provider) Validate() error {
	switch p.Dialect {
	case "sqlite", "mysql":
	default:
		return errors.Errorf("unsupported database dialect %q", p.Dialect)
	}
	if p.SessionTTL <= 0 {
		return errors.New("sessionTTL must be positive")
	}
	return nil
}
