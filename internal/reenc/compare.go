package reenc

import (
	"math"

	"github.com/CamberLoid/Satori/internal/errcode"
	"github.com/CamberLoid/Satori/internal/he"
	"github.com/pkg/errors"
)

// DefaultEpsilon 是判定差值为零的默认阈值
const DefaultEpsilon = 1e-10

// Comparator 持有解密差值所需的私钥。
// 输入密文本身从不会被交给 Decrypt
type Comparator struct {
	engine  he.Engine
	ctx     he.Context
	sk      he.SecretKey
	epsilon float64
}

// NewComparator 在 epsilon <= 0 时使用 DefaultEpsilon
func NewComparator(engine he.Engine, ctx he.Context, sk he.SecretKey, epsilon float64) *Comparator {
	if epsilon <= 0 {
		epsilon = DefaultEpsilon
	}
	return &Comparator{engine: engine, ctx: ctx, sk: sk, epsilon: epsilon}
}

func (c *Comparator) Epsilon() float64 { return c.epsilon }

// Compare 计算 a - b 并解密差值，所有槽都满足 |v| < epsilon 时返回 true
func (c *Comparator) Compare(a, b he.Ciphertext) (bool, error) {
	if a == nil || b == nil {
		return false, errcode.MissingField("ciphertext")
	}
	if c.sk == nil {
		return false, errcode.MissingField("decrypting secret key")
	}
	diff, err := c.engine.EvalSub(c.ctx, a, b)
	if err != nil {
		return false, errors.Wrap(err, "homomorphic subtraction")
	}
	values, err := c.engine.Decrypt(c.ctx, c.sk, diff)
	if err != nil {
		return false, errors.Wrap(err, "decrypt difference")
	}
	return WithinEpsilon(values, c.epsilon)
}

// Compare 是不需要复用 Comparator 时的简写
func Compare(engine he.Engine, ctx he.Context, a, b he.Ciphertext, sk he.SecretKey, epsilon float64) (bool, error) {
	return NewComparator(engine, ctx, sk, epsilon).Compare(a, b)
}

// WithinEpsilon 逐槽检查，NaN 和 Inf 不会被当成零
func WithinEpsilon(values []float64, epsilon float64) (bool, error) {
	match := true
	for i, v := range values {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false, errcode.Comparison(i, v)
		}
		if math.Abs(v) >= epsilon {
			match = false
		}
	}
	return match, nil
}
