package graph

// node is the interface every op in a Graph implements. The lifecycle
// during Validate is preValidate (required attributes present),
// inferProperties (fill unset dtypes, dims and strides), postValidate
// (cross-check the now fully specified tensors). emit writes the node's
// Torch dialect ops; it runs only on validated graphs.
type node interface {
	name() string
	inputs() []*TensorAttr
	outputs() []*TensorAttr

	preValidate() error
	inferProperties(ctx *Context) error
	postValidate() error

	emit(b *asmBlock) error
}

// finalizeTensor fills a tensor's unset properties from the context:
// data type inheritance and contiguous strides when dims are known.
func finalizeTensor(ctx *Context, t *TensorAttr) {
	ctx.fillFromContext(t)
	if len(t.strides) == 0 && len(t.dims) > 0 {
		t.strides = contiguousStrides(t.dims)
	}
}
