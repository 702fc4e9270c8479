package misc

import "math"

// RoundSlot 把解密得到的近似值取整
func RoundSlot(v float64) float64 {
	return math.Round(v)
}
