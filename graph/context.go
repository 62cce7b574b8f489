package graph

import "github.com/nod-ai/fusilli/types/dtypes"

// Context carries graph-wide defaults used during property inference.
// Tensors without an explicit data type inherit the IO type (graph
// inputs and outputs) or the intermediate type (virtual tensors), and
// nodes compute in the compute type, casting operands when it differs
// from their storage type.
type Context struct {
	name             string
	ioDataType       dtypes.DType
	intermediateType dtypes.DType
	computeDataType  dtypes.DType
}

func (c *Context) SetName(name string) *Context {
	c.name = name
	return c
}

func (c *Context) SetIODataType(dtype dtypes.DType) *Context {
	c.ioDataType = dtype
	return c
}

func (c *Context) SetIntermediateDataType(dtype dtypes.DType) *Context {
	c.intermediateType = dtype
	return c
}

func (c *Context) SetComputeDataType(dtype dtypes.DType) *Context {
	c.computeDataType = dtype
	return c
}

func (c *Context) Name() string { return c.name }

func (c *Context) IODataType() dtypes.DType { return c.ioDataType }

// IntermediateDataType falls back to the IO type when unset.
func (c *Context) IntermediateDataType() dtypes.DType {
	if c.intermediateType == dtypes.NotSet {
		return c.ioDataType
	}
	return c.intermediateType
}

// ComputeDataType falls back to the IO type when unset.
func (c *Context) ComputeDataType() dtypes.DType {
	if c.computeDataType == dtypes.NotSet {
		return c.ioDataType
	}
	return c.computeDataType
}

// fillFromContext assigns the context default to a tensor with an unset
// data type.
func (c *Context) fillFromContext(t *TensorAttr) {
	if t.dtype != dtypes.NotSet {
		return
	}
	if t.isVirtual {
		t.dtype = c.IntermediateDataType()
	} else {
		t.dtype = c.ioDataType
	}
}
