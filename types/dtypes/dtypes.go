// Package dtypes enumerates the element data types fusilli tensors can
// carry, and their mappings to the MLIR Torch dialect and the IREE HAL.
//
// DType values are stable and ordered; NotSet is the zero value so that a
// freshly built TensorAttr has no type until inference assigns one.
package dtypes

import "fmt"

// DType indicates the type of the unit element of a tensor.
type DType int32

const (
	NotSet DType = iota
	Half
	BFloat16
	Float
	Double
	Int32
	Int64
	Boolean
)

// All lists every concrete DType, in declaration order.
var All = []DType{Half, BFloat16, Float, Double, Int32, Int64, Boolean}

func (dtype DType) String() string {
	switch dtype {
	case NotSet:
		return "NOT_SET"
	case Half:
		return "HALF"
	case BFloat16:
		return "BFLOAT16"
	case Float:
		return "FLOAT"
	case Double:
		return "DOUBLE"
	case Int32:
		return "INT32"
	case Int64:
		return "INT64"
	case Boolean:
		return "BOOLEAN"
	}
	return fmt.Sprintf("DType(%d)", int32(dtype))
}

// Asm returns the MLIR Torch dialect spelling of the element type, as it
// appears inside !torch.vtensor<...> types.
func (dtype DType) Asm() string {
	switch dtype {
	case Half:
		return "f16"
	case BFloat16:
		return "bf16"
	case Float:
		return "f32"
	case Double:
		return "f64"
	case Int32:
		return "si32"
	case Int64:
		return "si64"
	case Boolean:
		return "i1"
	}
	return ""
}

// TorchCode returns the integer constant the Torch dialect uses to select
// this dtype in ops like aten.to.dtype. The codes match PyTorch's
// ScalarType enum.
func (dtype DType) TorchCode() int64 {
	switch dtype {
	case Half:
		return 5
	case BFloat16:
		return 15
	case Float:
		return 6
	case Double:
		return 7
	case Int32:
		return 3
	case Int64:
		return 4
	case Boolean:
		return 11
	}
	return -1
}

// SizeBytes returns the storage size of one element.
func (dtype DType) SizeBytes() int64 {
	switch dtype {
	case Half, BFloat16:
		return 2
	case Float, Int32:
		return 4
	case Double, Int64:
		return 8
	case Boolean:
		return 1
	}
	return 0
}

// IsFloat returns whether dtype is a floating point type.
func (dtype DType) IsFloat() bool {
	switch dtype {
	case Half, BFloat16, Float, Double:
		return true
	}
	return false
}

// IsInt returns whether dtype is an integer type.
func (dtype DType) IsInt() bool {
	return dtype == Int32 || dtype == Int64
}
