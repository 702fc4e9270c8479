package he

import (
	"fmt"

	"github.com/tuneinsight/lattigo/v4/ckks"
)

// Params 是创建上下文时使用的具名参数
type Params struct {
	Preset    string `mapstructure:"preset"`
	LogN      int    `mapstructure:"logN"`
	LogQ      []int  `mapstructure:"logQ"`
	LogP      []int  `mapstructure:"logP"`
	LogScale  int    `mapstructure:"logScale"`
	LogSlots  int    `mapstructure:"logSlots"`
	Rotations []int  `mapstructure:"rotations"`
}

const (
	PresetDefault   = "default"
	PresetPN12QP109 = "PN12QP109"
	PresetPN13QP218 = "PN13QP218"
)

// DefaultParams 与原型保持一致：16 个槽。
// 缩放因子取 55 bit，使换钥后的误差仍远小于比较阈值 1e-10。
// 该组参数不满足 128 bit 安全性，只适合演示
func DefaultParams() Params {
	return Params{
		Preset:    PresetDefault,
		LogN:      12,
		LogQ:      []int{60, 55},
		LogP:      []int{61},
		LogScale:  55,
		LogSlots:  4,
		Rotations: []int{1, 2, 4, 8},
	}
}

func (p Params) literal() (lit ckks.ParametersLiteral, err error) {
	switch p.Preset {
	case PresetPN12QP109:
		lit = ckks.PN12QP109
	case PresetPN13QP218:
		lit = ckks.PN13QP218
	case "", PresetDefault:
		d := DefaultParams()
		if p.LogN == 0 {
			p.LogN = d.LogN
		}
		if len(p.LogQ) == 0 {
			p.LogQ = d.LogQ
		}
		if len(p.LogP) == 0 {
			p.LogP = d.LogP
		}
		if p.LogScale == 0 {
			p.LogScale = d.LogScale
		}
		// 借用预设里的 Sigma / H 等字段，再替换模数链
		lit = ckks.PN12QP109
		lit.LogN = p.LogN
		lit.Q = nil
		lit.P = nil
		lit.LogQ = p.LogQ
		lit.LogP = p.LogP
		lit.DefaultScale = float64(uint64(1) << uint(p.LogScale))
	default:
		return lit, fmt.Errorf("unknown parameter preset %q", p.Preset)
	}

	logSlots := p.LogSlots
	if logSlots == 0 && (p.Preset == "" || p.Preset == PresetDefault) {
		logSlots = DefaultParams().LogSlots
	}
	if logSlots > 0 {
		if logSlots > lit.LogN-1 {
			return lit, fmt.Errorf("logSlots %d exceeds logN-1 = %d", logSlots, lit.LogN-1)
		}
		lit.LogSlots = logSlots
	}
	return lit, nil
}

func (p Params) rotations() []int {
	if p.Rotations == nil {
		return DefaultParams().Rotations
	}
	return p.Rotations
}
