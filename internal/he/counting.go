package he

import "sync/atomic"

// CountingEngine 记录进入引擎的调用次数
type CountingEngine struct {
	Engine
	calls atomic.Int64
}

func NewCountingEngine(inner Engine) *CountingEngine {
	return &CountingEngine{Engine: inner}
}

func (c *CountingEngine) Calls() int64 { return c.calls.Load() }

func (c *CountingEngine) CreateContext(p Params) (Context, error) {
	c.calls.Add(1)
	return c.Engine.CreateContext(p)
}

func (c *CountingEngine) GenerateKeyPair(ctx Context) (*KeyPair, error) {
	c.calls.Add(1)
	return c.Engine.GenerateKeyPair(ctx)
}

func (c *CountingEngine) DeriveSchemeSwitchingMaterial(ctx Context, kp *KeyPair) (*EvaluationKeySet, error) {
	c.calls.Add(1)
	return c.Engine.DeriveSchemeSwitchingMaterial(ctx, kp)
}

func (c *CountingEngine) Encrypt(ctx Context, pk PublicKey, values []float64) (Ciphertext, error) {
	c.calls.Add(1)
	return c.Engine.Encrypt(ctx, pk, values)
}

func (c *CountingEngine) Decrypt(ctx Context, sk SecretKey, ct Ciphertext) ([]float64, error) {
	c.calls.Add(1)
	return c.Engine.Decrypt(ctx, sk, ct)
}

func (c *CountingEngine) EvalSub(ctx Context, a, b Ciphertext) (Ciphertext, error) {
	c.calls.Add(1)
	return c.Engine.EvalSub(ctx, a, b)
}

func (c *CountingEngine) KeySwitchShare(ctx Context, sk SecretKey, target PublicKey, ct Ciphertext) (ReKey, error) {
	c.calls.Add(1)
	return c.Engine.KeySwitchShare(ctx, sk, target, ct)
}

func (c *CountingEngine) KeySwitch(ctx Context, rk ReKey, ct Ciphertext) (Ciphertext, error) {
	c.calls.Add(1)
	return c.Engine.KeySwitch(ctx, rk, ct)
}

func (c *CountingEngine) Serialize(obj Handle, f Format) ([]byte, error) {
	c.calls.Add(1)
	return c.Engine.Serialize(obj, f)
}

func (c *CountingEngine) Deserialize(ctx Context, data []byte, kind Kind, f Format) (Handle, error) {
	c.calls.Add(1)
	return c.Engine.Deserialize(ctx, data, kind, f)
}
