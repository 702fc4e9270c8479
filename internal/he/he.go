// 包 he 是同态加密引擎的边界。
// 协议的其余部分只通过这里的接口接触密钥、密文和上下文，
// 具体的 lattigo 对象被藏在 Handle 后面。
package he

// Kind 标记一个引擎对象的种类
type Kind uint8

const (
	KindContext Kind = iota + 1
	KindPublicKey
	KindSecretKey
	KindCiphertext
	KindMultKey
	KindAutomorphismKey
	KindSchemeSwitchKey
	KindSubContext
	KindBootRefreshKey
	KindBootRotationKey
	KindIndexedRefreshKey
	KindIndexedSwitchKey
	KindReKey
)

var kindNames = map[Kind]string{
	KindContext:           "cryptocontext",
	KindPublicKey:         "public key",
	KindSecretKey:         "secret key",
	KindCiphertext:        "ciphertext",
	KindMultKey:           "mult eval key",
	KindAutomorphismKey:   "automorphism eval key",
	KindSchemeSwitchKey:   "scheme switch key",
	KindSubContext:        "binary sub-context",
	KindBootRefreshKey:    "boot refresh key",
	KindBootRotationKey:   "boot rotation key",
	KindIndexedRefreshKey: "indexed refresh key",
	KindIndexedSwitchKey:  "indexed switch key",
	KindReKey:             "re-encryption key",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return "unknown object"
}

func (k Kind) valid() bool {
	_, ok := kindNames[k]
	return ok
}

// Format 是序列化格式。text 是 binary 的 base64 形式
type Format int

const (
	FormatBinary Format = iota
	FormatText
)

func (f Format) String() string {
	switch f {
	case FormatBinary:
		return "binary"
	case FormatText:
		return "text"
	default:
		return "unknown"
	}
}

// ParseFormat 解析配置文件里的格式名
func ParseFormat(s string) (Format, bool) {
	switch s {
	case "", "binary", "BINARY":
		return FormatBinary, true
	case "text", "json", "TEXT", "JSON":
		return FormatText, true
	}
	return FormatBinary, false
}

// Handle 是每一种引擎对象都具备的最小能力
type Handle interface {
	Kind() Kind
	// SchemeParametersEqual 判断两个对象是否属于同一套方案参数
	SchemeParametersEqual(other Handle) bool
}

type Context interface {
	Handle
	Slots() int
}

type PublicKey interface{ Handle }

type SecretKey interface{ Handle }

type Ciphertext interface{ Handle }

type EvalKey interface{ Handle }

type ReKey interface{ Handle }

type KeyPair struct {
	Public PublicKey
	Secret SecretKey
}

// IndexedKeyPair 是某个下标对应的 {refresh, switch} 密钥对
type IndexedKeyPair struct {
	Refresh EvalKey
	Switch  EvalKey
}

// EvaluationKeySet 是乘法、旋转以及方案切换所需的全部求值密钥。
// Indexed 只在生成时写入，之后只读
type EvaluationKeySet struct {
	Mult         EvalKey
	Automorphism EvalKey
	Switch       EvalKey
	SubContext   Handle
	BootRefresh  EvalKey
	BootRotation EvalKey
	Indexed      map[uint32]IndexedKeyPair
}

// Engine 是协议所需的全部同态能力
type Engine interface {
	CreateContext(p Params) (Context, error)
	GenerateKeyPair(ctx Context) (*KeyPair, error)
	DeriveSchemeSwitchingMaterial(ctx Context, kp *KeyPair) (*EvaluationKeySet, error)

	Encrypt(ctx Context, pk PublicKey, values []float64) (Ciphertext, error)
	Decrypt(ctx Context, sk SecretKey, ct Ciphertext) ([]float64, error)
	EvalSub(ctx Context, a, b Ciphertext) (Ciphertext, error)

	// KeySwitchShare 用源私钥和目标公钥生成把 ct 转到目标密钥下的份额
	KeySwitchShare(ctx Context, sk SecretKey, target PublicKey, ct Ciphertext) (ReKey, error)
	KeySwitch(ctx Context, rk ReKey, ct Ciphertext) (Ciphertext, error)

	Serialize(obj Handle, f Format) ([]byte, error)
	// Deserialize 除 KindContext 之外都需要一个已恢复的 ctx
	Deserialize(ctx Context, data []byte, kind Kind, f Format) (Handle, error)
}
