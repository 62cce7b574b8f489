package graph

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nod-ai/fusilli/types/dtypes"
)

func TestStrideOrderContiguous(t *testing.T) {
	x := NewTensorAttr().SetDim(16, 128, 64, 32).SetStride(262144, 2048, 32, 1)
	assert.Equal(t, []int64{0, 1, 2, 3}, x.StrideOrder())
	assert.True(t, x.IsContiguous())
	assert.False(t, x.IsChannelsLast())
	assert.Equal(t, []int64{16, 128, 64, 32}, x.PhysicalDims())
}

func TestStrideOrderChannelsLast(t *testing.T) {
	// NCHW logical [16,128,64,32] stored NHWC.
	x := NewTensorAttr().SetDim(16, 128, 64, 32).SetStride(262144, 1, 4096, 128)
	assert.Equal(t, []int64{0, 3, 1, 2}, x.StrideOrder())
	assert.False(t, x.IsContiguous())
	assert.True(t, x.IsChannelsLast())
	assert.Equal(t, []int64{16, 64, 32, 128}, x.PhysicalDims())
}

func TestPermuteRoundTrip(t *testing.T) {
	x := NewTensorAttr().SetDim(2, 3, 4, 5).SetStride(60, 1, 15, 3)
	toLogical := x.PermuteToLogical()
	toPhysical := x.PermuteToPhysical()
	require.Len(t, toPhysical, 4)
	for logical, physical := range toLogical {
		assert.Equal(t, int64(logical), toPhysical[physical])
	}
}

func TestStrideOrderBreaksTiesInLogicalOrder(t *testing.T) {
	// Unit-stride stats layout [4,1,1,1]: the three trailing axes tie.
	x := NewTensorAttr().SetDim(4, 1, 1, 1).SetStride(1, 1, 1, 1)
	assert.Equal(t, []int64{0, 1, 2, 3}, x.StrideOrder())
}

func TestVolumeAndPackedSize(t *testing.T) {
	x := NewTensorAttr().SetDim(2, 3, 4).SetStride(12, 4, 1).SetDataType(dtypes.BFloat16)
	assert.Equal(t, int64(24), x.Volume())
	assert.Equal(t, int64(48), x.PackedSizeBytes())
}

func TestScalarConstructors(t *testing.T) {
	s := ScalarFloat32(2.5)
	assert.True(t, s.IsScalar())
	assert.True(t, s.HasScalarValue())
	assert.False(t, s.ScalarIsInt())
	assert.Equal(t, dtypes.Float, s.DataType())
	assert.Equal(t, 2.5, s.ScalarFloatValue())

	i := ScalarInt64(7)
	assert.True(t, i.ScalarIsInt())
	assert.Equal(t, int64(7), i.ScalarIntValue())
	assert.Equal(t, dtypes.Int64, i.DataType())
}

func TestUid(t *testing.T) {
	x := NewTensorAttr().SetName("x")
	assert.False(t, x.HasUid())
	x.SetUid(42)
	assert.True(t, x.HasUid())
	assert.Equal(t, int64(42), x.Uid())
}

func TestValidateFullRejectsIncompleteTensors(t *testing.T) {
	cases := []struct {
		name   string
		tensor *TensorAttr
	}{
		{"no name", NewTensorAttr().SetDim(2).SetStride(1).SetDataType(dtypes.Float)},
		{"no dims", NewTensorAttr().SetName("t").SetDataType(dtypes.Float)},
		{"no strides", NewTensorAttr().SetName("t").SetDim(2).SetDataType(dtypes.Float)},
		{"rank mismatch", NewTensorAttr().SetName("t").SetDim(2, 2).SetStride(1).SetDataType(dtypes.Float)},
		{"zero dim", NewTensorAttr().SetName("t").SetDim(2, 0).SetStride(1, 1).SetDataType(dtypes.Float)},
		{"no dtype", NewTensorAttr().SetName("t").SetDim(2).SetStride(1)},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Error(t, tc.tensor.validateFull())
		})
	}
}

func TestValidateFullAcceptsScalar(t *testing.T) {
	s := ScalarFloat32(1.0).SetName("alpha")
	assert.NoError(t, s.validateFull())
}
