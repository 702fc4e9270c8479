package he

import (
	"sync"

	"github.com/CamberLoid/Satori/internal/errcode"
	"github.com/CamberLoid/Satori/internal/misc"
	"github.com/pkg/errors"
	"github.com/tuneinsight/lattigo/v4/ckks"
	"github.com/tuneinsight/lattigo/v4/dckks"
	"github.com/tuneinsight/lattigo/v4/drlwe"
	"github.com/tuneinsight/lattigo/v4/rlwe"
)

// 公钥换钥时加入的平滑噪声
const sigmaSmudging = 8 * rlwe.DefaultSigma

type binaryMarshaler interface {
	MarshalBinary() ([]byte, error)
}

// --- 句柄 ---

type lattigoContext struct {
	params    ckks.Parameters
	rotations []int
}

func (c *lattigoContext) Kind() Kind { return KindContext }

func (c *lattigoContext) Slots() int { return c.params.Slots() }

func (c *lattigoContext) SchemeParametersEqual(other Handle) bool {
	p, ok := paramsOf(other)
	return ok && c.params.Equals(p)
}

type lattigoObject struct {
	kind   Kind
	params ckks.Parameters
	value  binaryMarshaler
}

func (o *lattigoObject) Kind() Kind { return o.kind }

func (o *lattigoObject) SchemeParametersEqual(other Handle) bool {
	p, ok := paramsOf(other)
	return ok && o.params.Equals(p)
}

func paramsOf(h Handle) (ckks.Parameters, bool) {
	switch v := h.(type) {
	case *lattigoContext:
		if v != nil {
			return v.params, true
		}
	case *lattigoObject:
		if v != nil {
			return v.params, true
		}
	}
	return ckks.Parameters{}, false
}

func wrap(kind Kind, params ckks.Parameters, v binaryMarshaler) *lattigoObject {
	return &lattigoObject{kind: kind, params: params, value: v}
}

// unwrap 取出句柄背后的 lattigo 对象
func unwrap[T any](h Handle, kind Kind) (T, error) {
	var zero T
	o, ok := h.(*lattigoObject)
	if !ok || o == nil || o.kind != kind {
		return zero, errcode.Serialization(kind.String(), errors.New(ExceptionMessage(CodeTypeMismatch)))
	}
	v, ok := o.value.(T)
	if !ok {
		return zero, errcode.Serialization(kind.String(), errors.New(ExceptionMessage(CodeTypeMismatch)))
	}
	return v, nil
}

func contextOf(ctx Context) (*lattigoContext, error) {
	c, ok := ctx.(*lattigoContext)
	if !ok || c == nil {
		return nil, errcode.Serialization(KindContext.String(), errors.New("no live context"))
	}
	return c, nil
}

// belongs 检查对象是否属于 ctx 的参数
func belongs(ctx *lattigoContext, h Handle) error {
	if h == nil || !h.SchemeParametersEqual(ctx) {
		kind := KindContext
		if h != nil {
			kind = h.Kind()
		}
		return errcode.Serialization(kind.String(), errors.New(ExceptionMessage(CodeKeyMismatch)))
	}
	return nil
}

// --- 引擎 ---

// Lattigo 是基于 lattigo v4 CKKS 的引擎实现。
// 同一个实例上的所有调用由 mu 串行化
type Lattigo struct {
	mu sync.Mutex
}

// NewLattigo 建立引擎，并用默认参数做一次自检
func NewLattigo() (*Lattigo, error) {
	lit, err := DefaultParams().literal()
	if err != nil {
		return nil, err
	}
	if _, err = ckks.NewParametersFromLiteral(lit); err != nil {
		return nil, errors.Wrap(err, "default parameters")
	}
	return &Lattigo{}, nil
}

func (l *Lattigo) CreateContext(p Params) (ctx Context, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	defer operationGuard("create context", errcode.KindEngineInit, &err)

	lit, err := p.literal()
	if err != nil {
		return nil, errcode.EngineInit(err)
	}
	params, err := ckks.NewParametersFromLiteral(lit)
	if err != nil {
		return nil, errcode.EngineInit(err)
	}
	return &lattigoContext{params: params, rotations: p.rotations()}, nil
}

func (l *Lattigo) GenerateKeyPair(ctx Context) (kp *KeyPair, err error) {
	c, err := contextOf(ctx)
	if err != nil {
		return nil, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	defer operationGuard("generate key pair", errcode.KindSerialization, &err)

	sk, pk := ckks.NewKeyGenerator(c.params).GenKeyPair()
	return &KeyPair{
		Public: wrap(KindPublicKey, c.params, pk),
		Secret: wrap(KindSecretKey, c.params, sk),
	}, nil
}

// DeriveSchemeSwitchingMaterial 生成乘法、旋转密钥以及子方案的切换密钥。
// 子方案与主方案共用同一个环，其私钥只在这里出现，不会被导出
func (l *Lattigo) DeriveSchemeSwitchingMaterial(ctx Context, kp *KeyPair) (set *EvaluationKeySet, err error) {
	if ctx == nil || kp == nil || kp.Secret == nil || kp.Public == nil {
		return nil, errcode.SchemeSwitchSetup("context or key pair absent")
	}
	c, err := contextOf(ctx)
	if err != nil {
		return nil, errcode.SchemeSwitchSetup(err.Error())
	}
	sk, err := unwrap[*rlwe.SecretKey](kp.Secret, KindSecretKey)
	if err != nil {
		return nil, errcode.SchemeSwitchSetup(err.Error())
	}
	if !kp.Secret.SchemeParametersEqual(c) || !kp.Public.SchemeParametersEqual(c) {
		return nil, errcode.SchemeSwitchSetup("key pair was not generated under this context")
	}
	for _, k := range c.rotations {
		if k <= 0 {
			return nil, errcode.SchemeSwitchSetup("rotation indices must be positive")
		}
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	defer operationGuard("scheme switch setup", errcode.KindSchemeSwitchSetup, &err)

	params := c.params
	kgen := ckks.NewKeyGenerator(params)
	subSK := kgen.GenSecretKey()

	galEls := make([]uint64, 0, len(c.rotations))
	for _, k := range c.rotations {
		galEls = append(galEls, params.GaloisElementForColumnRotationBy(k))
	}
	rtks := kgen.GenRotationKeys(galEls, sk)

	set = &EvaluationKeySet{
		Mult:         wrap(KindMultKey, params, kgen.GenRelinearizationKey(sk, 1)),
		Automorphism: wrap(KindAutomorphismKey, params, rtks),
		Switch:       wrap(KindSchemeSwitchKey, params, kgen.GenSwitchingKey(subSK, sk)),
		SubContext:   wrap(KindSubContext, params, params),
		BootRefresh:  wrap(KindBootRefreshKey, params, kgen.GenSwitchingKey(sk, subSK)),
		BootRotation: wrap(KindBootRotationKey, params, kgen.GenRelinearizationKey(subSK, 1)),
		Indexed:      make(map[uint32]IndexedKeyPair, len(c.rotations)),
	}
	for _, k := range c.rotations {
		galEl := params.GaloisElementForColumnRotationBy(k)
		set.Indexed[uint32(k)] = IndexedKeyPair{
			Refresh: wrap(KindIndexedRefreshKey, params, kgen.GenSwitchingKeyForGalois(galEl, subSK)),
			Switch:  wrap(KindIndexedSwitchKey, params, rtks.Keys[galEl]),
		}
	}
	return set, nil
}

// Encrypt 左侧补零到槽数后编码并加密
func (l *Lattigo) Encrypt(ctx Context, pk PublicKey, values []float64) (ct Ciphertext, err error) {
	c, err := contextOf(ctx)
	if err != nil {
		return nil, err
	}
	slots := c.params.Slots()
	if len(values) > slots {
		return nil, errcode.Encoding(len(values), slots)
	}
	if err = belongs(c, pk); err != nil {
		return nil, err
	}
	rpk, err := unwrap[*rlwe.PublicKey](pk, KindPublicKey)
	if err != nil {
		return nil, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	defer operationGuard("encrypt", errcode.KindEncoding, &err)

	params := c.params
	encoder := ckks.NewEncoder(params)
	pt := encoder.EncodeNew(misc.PadLeft(values, slots), params.MaxLevel(), params.DefaultScale(), params.LogSlots())
	out := ckks.NewEncryptor(params, rpk).EncryptNew(pt)
	return wrap(KindCiphertext, params, out), nil
}

func (l *Lattigo) Decrypt(ctx Context, sk SecretKey, ct Ciphertext) (values []float64, err error) {
	c, err := contextOf(ctx)
	if err != nil {
		return nil, err
	}
	if err = belongs(c, sk); err != nil {
		return nil, err
	}
	rsk, err := unwrap[*rlwe.SecretKey](sk, KindSecretKey)
	if err != nil {
		return nil, err
	}
	rct, err := unwrap[*rlwe.Ciphertext](ct, KindCiphertext)
	if err != nil {
		return nil, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	defer operationGuard("decrypt", errcode.KindSerialization, &err)

	params := c.params
	pt := ckks.NewDecryptor(params, rsk).DecryptNew(rct)
	decoded := ckks.NewEncoder(params).Decode(pt, params.LogSlots())
	values = make([]float64, len(decoded))
	for i, v := range decoded {
		values[i] = real(v)
	}
	return values, nil
}

// EvalSub 计算 a - b，不解密
func (l *Lattigo) EvalSub(ctx Context, a, b Ciphertext) (out Ciphertext, err error) {
	c, err := contextOf(ctx)
	if err != nil {
		return nil, err
	}
	ra, err := unwrap[*rlwe.Ciphertext](a, KindCiphertext)
	if err != nil {
		return nil, err
	}
	rb, err := unwrap[*rlwe.Ciphertext](b, KindCiphertext)
	if err != nil {
		return nil, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	defer operationGuard("homomorphic subtraction", errcode.KindSerialization, &err)

	evaluator := ckks.NewEvaluator(c.params, rlwe.EvaluationKey{})
	diff := evaluator.AddNew(ra, evaluator.MultByConstNew(rb, -1))
	return wrap(KindCiphertext, c.params, diff), nil
}

// --- 代理重加密部分 ---

func (l *Lattigo) KeySwitchShare(ctx Context, sk SecretKey, target PublicKey, ct Ciphertext) (rk ReKey, err error) {
	c, err := contextOf(ctx)
	if err != nil {
		return nil, err
	}
	rsk, err := unwrap[*rlwe.SecretKey](sk, KindSecretKey)
	if err != nil {
		return nil, err
	}
	rpk, err := unwrap[*rlwe.PublicKey](target, KindPublicKey)
	if err != nil {
		return nil, err
	}
	rct, err := unwrap[*rlwe.Ciphertext](ct, KindCiphertext)
	if err != nil {
		return nil, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	defer operationGuard("re-encryption key generation", errcode.KindSerialization, &err)

	pcks := dckks.NewPCKSProtocol(c.params, sigmaSmudging)
	share := pcks.AllocateShare(rct.Level())
	pcks.GenShare(rsk, rpk, rct, share)
	return wrap(KindReKey, c.params, share), nil
}

func (l *Lattigo) KeySwitch(ctx Context, rk ReKey, ct Ciphertext) (out Ciphertext, err error) {
	c, err := contextOf(ctx)
	if err != nil {
		return nil, err
	}
	share, err := unwrap[*drlwe.PCKSShare](rk, KindReKey)
	if err != nil {
		return nil, err
	}
	rct, err := unwrap[*rlwe.Ciphertext](ct, KindCiphertext)
	if err != nil {
		return nil, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	defer operationGuard("re-encrypt", errcode.KindSerialization, &err)

	pcks := dckks.NewPCKSProtocol(c.params, sigmaSmudging)
	switched := ckks.NewCiphertext(c.params, 1, rct.Level())
	pcks.KeySwitch(rct, share, switched)
	return wrap(KindCiphertext, c.params, switched), nil
}

// --- 序列化部分 ---

func (l *Lattigo) Serialize(obj Handle, f Format) (data []byte, err error) {
	if obj == nil {
		return nil, errcode.Serialization("object", errors.New("nil object"))
	}
	kind := obj.Kind()

	var m binaryMarshaler
	switch v := obj.(type) {
	case *lattigoContext:
		m = v.params
	case *lattigoObject:
		m = v.value
	default:
		return nil, errcode.Serialization(kind.String(), errors.New(ExceptionMessage(CodeTypeMismatch)))
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	defer serializationGuard(kind, &err)

	payload, err := m.MarshalBinary()
	if err != nil {
		return nil, errcode.Serialization(kind.String(), err)
	}
	return seal(kind, payload, f), nil
}

func (l *Lattigo) Deserialize(ctx Context, data []byte, kind Kind, f Format) (h Handle, err error) {
	payload, err := open(data, kind, f)
	if err != nil {
		return nil, err
	}

	if kind == KindContext {
		l.mu.Lock()
		defer l.mu.Unlock()
		defer serializationGuard(kind, &err)

		var params ckks.Parameters
		if err = params.UnmarshalBinary(payload); err != nil {
			return nil, errcode.Serialization(kind.String(), err)
		}
		return &lattigoContext{params: params}, nil
	}

	// 其余对象都需要先恢复上下文
	c, err := contextOf(ctx)
	if err != nil {
		return nil, errcode.Serialization(kind.String(), errors.New("context must be restored first"))
	}
	params := c.params

	l.mu.Lock()
	defer l.mu.Unlock()
	defer serializationGuard(kind, &err)

	var target interface {
		binaryMarshaler
		UnmarshalBinary([]byte) error
	}
	switch kind {
	case KindSubContext:
		var sub ckks.Parameters
		if err = sub.UnmarshalBinary(payload); err != nil {
			return nil, errcode.Serialization(kind.String(), err)
		}
		if !sub.Equals(params) {
			return nil, errcode.Serialization(kind.String(), errors.New(ExceptionMessage(CodeInvalidParameters)))
		}
		return wrap(kind, params, sub), nil
	case KindPublicKey:
		target = rlwe.NewPublicKey(params.Parameters)
	case KindSecretKey:
		target = rlwe.NewSecretKey(params.Parameters)
	case KindCiphertext:
		target = new(rlwe.Ciphertext)
	case KindMultKey, KindBootRotationKey:
		target = new(rlwe.RelinearizationKey)
	case KindAutomorphismKey:
		target = new(rlwe.RotationKeySet)
	case KindSchemeSwitchKey, KindBootRefreshKey, KindIndexedRefreshKey, KindIndexedSwitchKey:
		target = new(rlwe.SwitchingKey)
	case KindReKey:
		target = new(drlwe.PCKSShare)
	default:
		return nil, errcode.Serialization(kind.String(), errors.New(ExceptionMessage(CodeTypeMismatch)))
	}

	if err = target.UnmarshalBinary(payload); err != nil {
		return nil, errcode.Serialization(kind.String(), err)
	}
	return wrap(kind, params, target), nil
}
