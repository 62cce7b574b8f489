// Package graph builds typed computation graphs of neural network
// primitives, validates and type-infers them, emits Torch-dialect MLIR
// assembly, and drives compilation (through IREE) and execution.
//
// A Graph is built by creating input tensors with Graph.Tensor and
// chaining op builder methods (Matmul, ConvFProp, Pointwise, ...), each
// of which returns the op's output tensor. Output tensors start as
// virtual (intermediate) and are promoted to graph outputs with
// TensorAttr.SetOutput(true). Nothing is checked during building;
// Graph.Validate runs property inference and reports the first problem
// with a status code.
package graph

import (
	"slices"
	"sort"
	"strings"

	"github.com/nod-ai/fusilli/types/dtypes"
	"github.com/nod-ai/fusilli/types/status"
)

// TensorAttr describes one tensor: its symbolic name, logical dimensions,
// strides, element type, and role (input, output, or virtual
// intermediate). Scalars are tensors of volume one carrying a compile
// time constant value; they are folded into the emitted assembly and
// never appear in the entry point signature.
//
// Setters return the receiver for chaining and perform no validation.
type TensorAttr struct {
	name    string
	uid     int64
	uidSet  bool
	dims    []int64
	strides []int64
	dtype   dtypes.DType

	isVirtual bool
	isScalar  bool

	scalarIsSet bool
	scalarIsInt bool
	scalarF     float64
	scalarI     int64
}

// NewTensorAttr returns an empty tensor attribute.
func NewTensorAttr() *TensorAttr { return &TensorAttr{} }

// ScalarFloat32 returns a scalar tensor holding a float32 constant.
func ScalarFloat32(v float32) *TensorAttr {
	return newScalarFloat(float64(v), dtypes.Float)
}

// ScalarFloat64 returns a scalar tensor holding a float64 constant.
func ScalarFloat64(v float64) *TensorAttr {
	return newScalarFloat(v, dtypes.Double)
}

// ScalarInt32 returns a scalar tensor holding an int32 constant.
func ScalarInt32(v int32) *TensorAttr {
	return newScalarInt(int64(v), dtypes.Int32)
}

// ScalarInt64 returns a scalar tensor holding an int64 constant.
func ScalarInt64(v int64) *TensorAttr {
	return newScalarInt(v, dtypes.Int64)
}

func newScalarFloat(v float64, dtype dtypes.DType) *TensorAttr {
	return &TensorAttr{
		dims:        []int64{1},
		strides:     []int64{1},
		dtype:       dtype,
		isScalar:    true,
		scalarIsSet: true,
		scalarF:     v,
	}
}

func newScalarInt(v int64, dtype dtypes.DType) *TensorAttr {
	return &TensorAttr{
		dims:        []int64{1},
		strides:     []int64{1},
		dtype:       dtype,
		isScalar:    true,
		scalarIsSet: true,
		scalarIsInt: true,
		scalarI:     v,
	}
}

// SetName sets the symbolic name. Colons are stripped so the name stays
// usable as an MLIR SSA identifier.
func (t *TensorAttr) SetName(name string) *TensorAttr {
	t.name = strings.ReplaceAll(name, ":", "")
	return t
}

// SetUid assigns a caller-chosen numeric identifier. Uids are optional;
// when set they must be unique across the graph and can stand in for the
// tensor pointer when assembling variant packs.
func (t *TensorAttr) SetUid(uid int64) *TensorAttr {
	t.uid = uid
	t.uidSet = true
	return t
}

func (t *TensorAttr) SetDim(dims ...int64) *TensorAttr {
	t.dims = slices.Clone(dims)
	return t
}

func (t *TensorAttr) SetStride(strides ...int64) *TensorAttr {
	t.strides = slices.Clone(strides)
	return t
}

func (t *TensorAttr) SetDataType(dtype dtypes.DType) *TensorAttr {
	t.dtype = dtype
	return t
}

// SetIsVirtual marks the tensor as an intermediate value that is neither
// read nor written by the caller.
func (t *TensorAttr) SetIsVirtual(virtual bool) *TensorAttr {
	t.isVirtual = virtual
	return t
}

// SetOutput promotes (or demotes) the tensor to a graph output. It is
// the inverse of SetIsVirtual and exists for builder readability:
// op outputs start virtual and samples call SetOutput(true).
func (t *TensorAttr) SetOutput(output bool) *TensorAttr {
	t.isVirtual = !output
	return t
}

func (t *TensorAttr) Name() string            { return t.name }
func (t *TensorAttr) Uid() int64              { return t.uid }
func (t *TensorAttr) HasUid() bool            { return t.uidSet }
func (t *TensorAttr) Dims() []int64           { return t.dims }
func (t *TensorAttr) Strides() []int64        { return t.strides }
func (t *TensorAttr) DataType() dtypes.DType  { return t.dtype }
func (t *TensorAttr) IsVirtual() bool         { return t.isVirtual }
func (t *TensorAttr) IsScalar() bool          { return t.isScalar }
func (t *TensorAttr) HasScalarValue() bool    { return t.scalarIsSet }
func (t *TensorAttr) ScalarFloatValue() float64 { return t.scalarF }
func (t *TensorAttr) ScalarIntValue() int64     { return t.scalarI }

// ScalarIsInt reports whether the scalar constant is integral.
func (t *TensorAttr) ScalarIsInt() bool { return t.scalarIsInt }

// Volume returns the number of elements.
func (t *TensorAttr) Volume() int64 {
	v := int64(1)
	for _, d := range t.dims {
		v *= d
	}
	return v
}

// PackedSizeBytes returns the densely packed byte size of the tensor.
func (t *TensorAttr) PackedSizeBytes() int64 {
	return t.Volume() * t.dtype.SizeBytes()
}

// contiguousStrides returns row-major strides for dims.
func contiguousStrides(dims []int64) []int64 {
	strides := make([]int64, len(dims))
	stride := int64(1)
	for i := len(dims) - 1; i >= 0; i-- {
		strides[i] = stride
		stride *= dims[i]
	}
	return strides
}

// IsContiguous reports whether the strides describe a densely packed
// row-major layout of the logical dims.
func (t *TensorAttr) IsContiguous() bool {
	return slices.Equal(t.strides, contiguousStrides(t.dims))
}

// IsChannelsLast reports whether the memory layout keeps the batch axis
// outermost and moves the channel axis (logical axis 1) innermost, as
// in NCHW-logical data stored NHWC.
func (t *TensorAttr) IsChannelsLast() bool {
	if len(t.dims) < 3 {
		return false
	}
	order := t.StrideOrder()
	if order[0] != 0 || order[1] != int64(len(t.dims)-1) {
		return false
	}
	for i := 2; i < len(t.dims); i++ {
		if order[i] != int64(i-1) {
			return false
		}
	}
	return true
}

// StrideOrder returns, for each logical axis, its position in the
// physical (memory) layout: axes sorted by decreasing stride, ties kept
// in logical order. For an NCHW tensor stored NHWC this is [0, 3, 1, 2].
//
// The result doubles as the permutation that rearranges the physical
// layout into logical order, so the emitter uses it directly for input
// permute prologues.
func (t *TensorAttr) StrideOrder() []int64 {
	axes := make([]int, len(t.strides))
	for i := range axes {
		axes[i] = i
	}
	sort.SliceStable(axes, func(a, b int) bool {
		return t.strides[axes[a]] > t.strides[axes[b]]
	})
	// axes[p] is the logical axis at physical position p; invert to get
	// each logical axis' physical position.
	order := make([]int64, len(axes))
	for physical, logical := range axes {
		order[logical] = int64(physical)
	}
	return order
}

// PermuteToLogical returns the permutation that maps the physical layout
// to logical order (input prologue form): result[i] is the physical axis
// holding logical axis i.
func (t *TensorAttr) PermuteToLogical() []int64 {
	return t.StrideOrder()
}

// PermuteToPhysical returns the inverse permutation, mapping logical
// order back to the physical layout (output epilogue form).
func (t *TensorAttr) PermuteToPhysical() []int64 {
	order := t.StrideOrder()
	inv := make([]int64, len(order))
	for logical, physical := range order {
		inv[physical] = int64(logical)
	}
	return inv
}

// PhysicalDims returns the dims in memory order (decreasing stride).
func (t *TensorAttr) PhysicalDims() []int64 {
	order := t.StrideOrder()
	physical := make([]int64, len(t.dims))
	for logical, pos := range order {
		physical[pos] = t.dims[logical]
	}
	return physical
}

// validateFull checks that the tensor is fully specified. Called on
// every tensor after property inference.
func (t *TensorAttr) validateFull() error {
	if t.name == "" {
		return status.Errorf(status.InvalidTensor, "tensor has no name")
	}
	if len(t.dims) == 0 {
		return status.Errorf(status.UnsetProperty, "tensor %q has no dims", t.name)
	}
	if len(t.strides) == 0 {
		return status.Errorf(status.UnsetProperty, "tensor %q has no strides", t.name)
	}
	if len(t.dims) != len(t.strides) {
		return status.Errorf(status.InvalidTensor,
			"tensor %q has %d dims but %d strides", t.name, len(t.dims), len(t.strides))
	}
	for i, d := range t.dims {
		if d <= 0 {
			return status.Errorf(status.InvalidTensor,
				"tensor %q dim %d is %d, must be positive", t.name, i, d)
		}
	}
	if t.dtype == dtypes.NotSet {
		return status.Errorf(status.UnsetProperty, "tensor %q has no data type", t.name)
	}
	if t.isScalar {
		if !t.scalarIsSet {
			return status.Errorf(status.InvalidTensor,
				"scalar tensor %q has no value", t.name)
		}
		if t.isVirtual {
			return status.Errorf(status.InvalidTensor,
				"scalar tensor %q cannot be virtual", t.name)
		}
		if t.Volume() != 1 {
			return status.Errorf(status.InvalidTensor,
				"scalar tensor %q must have volume 1, has dims %v", t.name, t.dims)
		}
	}
	return nil
}
