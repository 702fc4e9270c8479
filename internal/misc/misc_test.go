package misc_test

import (
	"testing"

	"github.com/CamberLoid/Satori/internal/misc"
	"github.com/stretchr/testify/assert"
)

func TestGenerateCode(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 50; i++ {
		code, err := misc.GenerateCode()
		assert.NoError(t, err)
		assert.True(t, misc.IsValidCode(code), "got %q", code)
		seen[code] = true
	}
	// 50 次之内不应该全部相同
	assert.Greater(t, len(seen), 1)
}

func TestIsValidCode(t *testing.T) {
	assert.True(t, misc.IsValidCode("4821573690"))
	assert.True(t, misc.IsValidCode("0000000001"))
	assert.False(t, misc.IsValidCode("482157369"))
	assert.False(t, misc.IsValidCode("48215736900"))
	assert.False(t, misc.IsValidCode("48215a3690"))
}

func TestPadLeft(t *testing.T) {
	assert.Equal(t, []float64{0, 0, 1, 2}, misc.PadLeft([]float64{1, 2}, 4))
	assert.Equal(t, []float64{1, 2}, misc.PadLeft([]float64{1, 2}, 2))
}

func TestStringRoundTrip(t *testing.T) {
	values := misc.StringToValues("123-45-6789")
	assert.Len(t, values, 11)
	assert.Equal(t, float64('1'), values[0])
	assert.Equal(t, float64('-'), values[3])

	padded := misc.PadLeft(values, 16)
	assert.Equal(t, "123-45-6789", misc.ValuesToString(padded))
}

func TestValuesToStringRoundsNoise(t *testing.T) {
	noisy := []float64{0.0000001, 49.0000002, 49.9999999}
	assert.Equal(t, "12", misc.ValuesToString(noisy))
}

func TestHashHex(t *testing.T) {
	// echo -n "abc" | sha256sum
	assert.Equal(t,
		"ba7816bf8f01cfea414140de5dae2223b00361a396177a9cb410ff61f20015ad",
		misc.HashHex("abc"))
	assert.Equal(t, misc.HashHex("abc"), misc.HashHex("a", "bc"))
}
