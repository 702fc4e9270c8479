// 包 misc 放一些各方共用的小工具
package misc

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math/big"
	"unicode/utf16"
)

// CodeDigits 是挑战码的位数
const CodeDigits = 10

var codeSpace = new(big.Int).Exp(big.NewInt(10), big.NewInt(CodeDigits), nil)

// GenerateCode 生成一个随机的 10 位数字挑战码，保留前导零
func GenerateCode() (string, error) {
	n, err := rand.Int(rand.Reader, codeSpace)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%0*d", CodeDigits, n), nil
}

// IsValidCode 检查是否为 10 位纯数字
func IsValidCode(code string) bool {
	if len(code) != CodeDigits {
		return false
	}
	for _, c := range code {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}

// PadLeft 在左侧补零到 slots 长度。
// 调用方保证 len(values) <= slots
func PadLeft(values []float64, slots int) []float64 {
	if len(values) >= slots {
		return values
	}
	out := make([]float64, slots)
	copy(out[slots-len(values):], values)
	return out
}

// StringToValues 按 UTF-16 码元把字符串转为向量
func StringToValues(s string) []float64 {
	units := utf16.Encode([]rune(s))
	values := make([]float64, len(units))
	for i, u := range units {
		values[i] = float64(u)
	}
	return values
}

// ValuesToString 是 StringToValues 的逆运算，左侧补的零被跳过
func ValuesToString(values []float64) string {
	units := make([]uint16, 0, len(values))
	for _, v := range values {
		r := RoundSlot(v)
		if r <= 0 {
			continue
		}
		units = append(units, uint16(r))
	}
	return string(utf16.Decode(units))
}

// HashHex 返回 SHA-256 的小写十六进制表示
func HashHex(parts ...string) string {
	h := sha256.New()
	for _, p := range parts {
		h.Write([]byte(p))
	}
	return hex.EncodeToString(h.Sum(nil))
}
