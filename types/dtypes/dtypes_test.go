package dtypes

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAsm(t *testing.T) {
	want := map[DType]string{
		Half:     "f16",
		BFloat16: "bf16",
		Float:    "f32",
		Double:   "f64",
		Int32:    "si32",
		Int64:    "si64",
		Boolean:  "i1",
	}
	for dtype, asm := range want {
		assert.Equal(t, asm, dtype.Asm(), dtype.String())
	}
	assert.Empty(t, NotSet.Asm())
}

func TestTorchCodes(t *testing.T) {
	// Codes must match PyTorch's ScalarType enum since they are emitted
	// verbatim into aten.to.dtype.
	assert.Equal(t, int64(5), Half.TorchCode())
	assert.Equal(t, int64(15), BFloat16.TorchCode())
	assert.Equal(t, int64(6), Float.TorchCode())
	assert.Equal(t, int64(7), Double.TorchCode())
	assert.Equal(t, int64(3), Int32.TorchCode())
	assert.Equal(t, int64(4), Int64.TorchCode())
	assert.Equal(t, int64(11), Boolean.TorchCode())
}

func TestSizesAndPredicates(t *testing.T) {
	for _, dtype := range All {
		require.Greater(t, dtype.SizeBytes(), int64(0), dtype.String())
	}
	assert.Equal(t, int64(0), NotSet.SizeBytes())
	assert.True(t, Half.IsFloat())
	assert.True(t, BFloat16.IsFloat())
	assert.False(t, Int32.IsFloat())
	assert.True(t, Int64.IsInt())
	assert.False(t, Boolean.IsInt())
	assert.False(t, Boolean.IsFloat())
}
