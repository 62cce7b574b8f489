package graph

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nod-ai/fusilli/types/dtypes"
	"github.com/nod-ai/fusilli/types/status"
)

// matmulFixture builds a valid single-matmul graph with contiguous
// [1,16,32] x [1,32,64] inputs.
func matmulFixture() (*Graph, *TensorAttr, *TensorAttr, *TensorAttr) {
	g := New().SetName("mm").SetIODataType(dtypes.Float).SetComputeDataType(dtypes.Float)
	a := g.Tensor(NewTensorAttr().SetName("A").
		SetDim(1, 16, 32).SetStride(512, 32, 1).SetDataType(dtypes.Float))
	b := g.Tensor(NewTensorAttr().SetName("B").
		SetDim(1, 32, 64).SetStride(2048, 64, 1).SetDataType(dtypes.Float))
	c := g.Matmul(a, b, MatmulAttr{}).SetOutput(true).
		SetStride(1024, 64, 1)
	return g, a, b, c
}

func TestValidateSucceedsAndFreezesSortedSets(t *testing.T) {
	g, a, b, c := matmulFixture()
	require.NoError(t, g.Validate())

	require.Len(t, g.Inputs(), 2)
	assert.Same(t, a, g.Inputs()[0])
	assert.Same(t, b, g.Inputs()[1])
	require.Len(t, g.Outputs(), 1)
	assert.Same(t, c, g.Outputs()[0])

	// Output dims were inferred.
	assert.Equal(t, []int64{1, 16, 64}, c.Dims())
	assert.Equal(t, dtypes.Float, c.DataType())
}

func TestValidateRequiresGraphName(t *testing.T) {
	g := New()
	err := g.Validate()
	require.Error(t, err)
	assert.Equal(t, status.UnsetProperty, status.CodeOf(err))
}

func TestValidateRejectsDuplicateTensorNames(t *testing.T) {
	g, _, _, _ := matmulFixture()
	g.Tensor(NewTensorAttr().SetName("A").
		SetDim(2).SetStride(1).SetDataType(dtypes.Float))
	err := g.Validate()
	require.Error(t, err)
	assert.Equal(t, status.InvalidTensor, status.CodeOf(err))
	assert.Contains(t, err.Error(), `duplicate symbol "A"`)
}

func TestValidateRejectsDuplicateUids(t *testing.T) {
	g, a, b, _ := matmulFixture()
	a.SetUid(7)
	b.SetUid(7)
	err := g.Validate()
	require.Error(t, err)
	assert.Equal(t, status.InvalidTensor, status.CodeOf(err))
	assert.Contains(t, err.Error(), "share uid 7")
}

func TestTensorByUid(t *testing.T) {
	g, a, _, _ := matmulFixture()
	a.SetUid(11)

	got, err := g.TensorByUid(11)
	require.NoError(t, err)
	assert.Same(t, a, got)

	_, err = g.TensorByUid(99)
	require.Error(t, err)
	assert.Equal(t, status.InvalidTensor, status.CodeOf(err))
}

func TestSetNameStripsColons(t *testing.T) {
	x := NewTensorAttr().SetName("layer:0:weight")
	assert.Equal(t, "layer0weight", x.Name())
}

func TestValidateAllowsDistinctUids(t *testing.T) {
	g, a, b, _ := matmulFixture()
	a.SetUid(1)
	b.SetUid(2)
	assert.NoError(t, g.Validate())
}

func TestValidateRejectsDanglingInput(t *testing.T) {
	g := New().SetName("dangling").SetIODataType(dtypes.Float).
		SetComputeDataType(dtypes.Float)
	a := g.Tensor(NewTensorAttr().SetName("A").
		SetDim(1, 16, 32).SetStride(512, 32, 1).SetDataType(dtypes.Float))
	// B carries full properties but was never registered on the graph.
	b := NewTensorAttr().SetName("B").
		SetDim(1, 32, 64).SetStride(2048, 64, 1).SetDataType(dtypes.Float)
	g.Matmul(a, b, MatmulAttr{}).SetOutput(true).SetStride(1024, 64, 1)

	err := g.Validate()
	require.Error(t, err)
	assert.Equal(t, status.DanglingInput, status.CodeOf(err))
}

func TestValidateRejectsShapeMismatch(t *testing.T) {
	g := New().SetName("bad").SetIODataType(dtypes.Float).
		SetComputeDataType(dtypes.Float)
	a := g.Tensor(NewTensorAttr().SetName("A").
		SetDim(1, 16, 32).SetStride(512, 32, 1).SetDataType(dtypes.Float))
	b := g.Tensor(NewTensorAttr().SetName("B").
		SetDim(1, 31, 64).SetStride(1984, 64, 1).SetDataType(dtypes.Float))
	g.Matmul(a, b, MatmulAttr{}).SetOutput(true)

	err := g.Validate()
	require.Error(t, err)
	assert.Equal(t, status.ShapeMismatch, status.CodeOf(err))
}

func TestValidateFillsDtypesFromContext(t *testing.T) {
	g := New().SetName("ctx").SetIODataType(dtypes.BFloat16).
		SetComputeDataType(dtypes.Float)
	a := g.Tensor(NewTensorAttr().SetName("A").
		SetDim(1, 4, 8).SetStride(32, 8, 1))
	b := g.Tensor(NewTensorAttr().SetName("B").
		SetDim(1, 8, 4).SetStride(32, 4, 1))
	c := g.Matmul(a, b, MatmulAttr{}).SetOutput(true).SetStride(16, 4, 1)

	require.NoError(t, g.Validate())
	assert.Equal(t, dtypes.BFloat16, a.DataType())
	assert.Equal(t, dtypes.BFloat16, b.DataType())
	assert.Equal(t, dtypes.BFloat16, c.DataType())
}

func TestVirtualTensorsStayOutOfSortedSets(t *testing.T) {
	g := New().SetName("chain").SetIODataType(dtypes.Float).
		SetComputeDataType(dtypes.Float)
	a := g.Tensor(NewTensorAttr().SetName("A").
		SetDim(1, 4, 8).SetStride(32, 8, 1).SetDataType(dtypes.Float))
	b := g.Tensor(NewTensorAttr().SetName("B").
		SetDim(1, 8, 4).SetStride(32, 4, 1).SetDataType(dtypes.Float))
	c := g.Matmul(a, b, MatmulAttr{})
	relu := PointwiseAttr{}
	out := g.Pointwise(c, *relu.SetMode(PointwiseReluFwd)).SetOutput(true).
		SetStride(16, 4, 1)

	require.NoError(t, g.Validate())
	require.Len(t, g.Outputs(), 1)
	assert.Same(t, out, g.Outputs()[0])
	for _, in := range g.Inputs() {
		assert.NotSame(t, c, in)
	}
}

func TestScalarsStayOutOfInputs(t *testing.T) {
	g := New().SetName("scaled").SetIODataType(dtypes.Float).
		SetComputeDataType(dtypes.Float)
	x := g.Tensor(NewTensorAttr().SetName("X").
		SetDim(1, 4, 8).SetStride(32, 8, 1).SetDataType(dtypes.Float))
	two := g.Tensor(ScalarFloat32(2).SetName("two"))
	mul := PointwiseAttr{}
	g.PointwiseBinary(x, two, *mul.SetMode(PointwiseMul)).SetOutput(true).
		SetStride(32, 8, 1)

	require.NoError(t, g.Validate())
	require.Len(t, g.Inputs(), 1)
	assert.Same(t, x, g.Inputs()[0])
}

func TestNextNodeNameCountsNodes(t *testing.T) {
	g := New().SetName("names").SetIODataType(dtypes.Float).
		SetComputeDataType(dtypes.Float)
	a := g.Tensor(NewTensorAttr().SetName("A").
		SetDim(1, 4, 4).SetStride(16, 4, 1).SetDataType(dtypes.Float))
	b := g.Tensor(NewTensorAttr().SetName("B").
		SetDim(1, 4, 4).SetStride(16, 4, 1).SetDataType(dtypes.Float))
	c := g.Matmul(a, b, MatmulAttr{})
	relu := PointwiseAttr{}
	d := g.Pointwise(c, *relu.SetMode(PointwiseReluFwd))

	assert.Equal(t, "matmul_0_C", c.Name())
	assert.Equal(t, "pointwise_1_OUT_0", d.Name())
}
