package graph

import (
	"fmt"

	"k8s.io/klog/v2"

	"github.com/nod-ai/fusilli/types/status"
)

// ConvAttr configures a convolution node (forward, data gradient, or
// weight gradient). Stride, padding and dilation are per spatial axis;
// group count is derived from the channel dims, never set directly.
type ConvAttr struct {
	name     string
	stride   []int64
	padding  []int64
	dilation []int64
}

func (a *ConvAttr) SetName(name string) *ConvAttr {
	a.name = name
	return a
}

func (a *ConvAttr) SetStride(stride ...int64) *ConvAttr {
	a.stride = append([]int64(nil), stride...)
	return a
}

func (a *ConvAttr) SetPadding(padding ...int64) *ConvAttr {
	a.padding = append([]int64(nil), padding...)
	return a
}

func (a *ConvAttr) SetDilation(dilation ...int64) *ConvAttr {
	a.dilation = append([]int64(nil), dilation...)
	return a
}

func (a *ConvAttr) Name() string      { return a.name }
func (a *ConvAttr) Stride() []int64   { return a.stride }
func (a *ConvAttr) Padding() []int64  { return a.padding }
func (a *ConvAttr) Dilation() []int64 { return a.dilation }

func (a *ConvAttr) validateLists(node string, spatial int) error {
	for _, l := range []struct {
		what string
		vals []int64
	}{
		{"stride", a.stride},
		{"padding", a.padding},
		{"dilation", a.dilation},
	} {
		if len(l.vals) != spatial {
			return status.Errorf(status.UnsetProperty,
				"conv %q %s must have %d entries, got %d",
				node, l.what, spatial, len(l.vals))
		}
		if l.what != "padding" {
			for _, v := range l.vals {
				if v <= 0 {
					return status.Errorf(status.InvalidTensor,
						"conv %q %s entries must be positive, got %v", node, l.what, l.vals)
				}
			}
		}
	}
	return nil
}

// convOutputSpatial applies the standard convolution output size
// formula per spatial axis.
func convOutputSpatial(in, kernel []int64, a *ConvAttr) []int64 {
	out := make([]int64, len(in))
	for i := range in {
		out[i] = (in[i]+2*a.padding[i]-a.dilation[i]*(kernel[i]-1)-1)/a.stride[i] + 1
	}
	return out
}

// emitConvPreamble writes the operand constants shared by all three
// convolution forms, in their fixed order, and returns the SSA names of
// (bias, transposed, outputPadding, groups, stride, padding, dilation).
func emitConvPreamble(b *asmBlock, node string, a *ConvAttr, groups int64) (string, string, string, string, string, string, string) {
	bias := fmt.Sprintf("%%bias_%s", node)
	b.linef("%s = torch.constant.none", bias)
	transposed := fmt.Sprintf("%%transposed_%s", node)
	b.linef("%s = torch.constant.bool false", transposed)
	outputPadding := emitIntList(b, "output_padding", node, nil)
	groupsVal := fmt.Sprintf("%%groups_%s", node)
	b.linef("%s = torch.constant.int %d", groupsVal, groups)
	stride := emitIntList(b, "stride", node, a.stride)
	padding := emitIntList(b, "padding", node, a.padding)
	dilation := emitIntList(b, "dilation", node, a.dilation)
	return bias, transposed, outputPadding, groupsVal, stride, padding, dilation
}

// emitEmptyTensor materializes an uninitialized tensor of t's logical
// shape via aten.empty.memory_format; port tags the helper constants
// ("DW", "DX").
func emitEmptyTensor(b *asmBlock, t *TensorAttr, port, node, result string) {
	list := emitIntList(b, "empty_"+port, node, t.dims)
	b.linef("%%none_%s_%s = torch.constant.none", port, node)
	b.linef("%%dtype_%s_%s = torch.constant.int %d", port, node, t.dtype.TorchCode())
	b.linef("%s = torch.aten.empty.memory_format %s, %%dtype_%s_%s, %%none_%s_%s, %%none_%s_%s, %%none_%s_%s, %%none_%s_%s : !torch.list<int>, !torch.int, !torch.none, !torch.none, !torch.none, !torch.none -> %s",
		result, list, port, node, port, node, port, node, port, node, port, node,
		logicalTypeAsm(t))
}

// emitOutputMask builds the convolution_backward output mask selecting
// exactly one of (grad input, grad weight, grad bias).
func emitOutputMask(b *asmBlock, node string, wantInput, wantWeight bool) string {
	b.linef("%%true_%s = torch.constant.bool true", node)
	b.linef("%%false_%s = torch.constant.bool false", node)
	pick := func(want bool) string {
		if want {
			return fmt.Sprintf("%%true_%s", node)
		}
		return fmt.Sprintf("%%false_%s", node)
	}
	mask := fmt.Sprintf("%%output_mask_%s", node)
	b.linef("%s = torch.prim.ListConstruct %s, %s, %s : (!torch.bool, !torch.bool, !torch.bool) -> !torch.list<bool>",
		mask, pick(wantInput), pick(wantWeight), pick(false))
	return mask
}

//===----------------------------------------------------------------------===//
// Forward convolution.
//===----------------------------------------------------------------------===//

type convFPropNode struct {
	attr ConvAttr
	x, w *TensorAttr
	y    *TensorAttr
}

// ConvFProp adds a forward convolution node: Y = conv(X, W). Logical
// layout is NCHW for X and Y, KCRS for W; strides may describe any
// memory layout. Group count is X's channels over W's.
func (g *Graph) ConvFProp(x, w *TensorAttr, attr ConvAttr) *TensorAttr {
	if attr.name == "" {
		attr.name = g.nextNodeName("conv_fprop")
	}
	y := g.outputTensor(attr.name + "_Y")
	g.addNode(&convFPropNode{attr: attr, x: x, w: w, y: y})
	return y
}

func (n *convFPropNode) name() string           { return n.attr.name }
func (n *convFPropNode) inputs() []*TensorAttr  { return []*TensorAttr{n.x, n.w} }
func (n *convFPropNode) outputs() []*TensorAttr { return []*TensorAttr{n.y} }

func (n *convFPropNode) groups() int64 { return n.x.dims[1] / n.w.dims[1] }

func (n *convFPropNode) preValidate() error {
	klog.V(2).Infof("Pre-validating conv fprop node %q", n.attr.name)
	if n.x == nil || n.w == nil {
		return status.Errorf(status.UnsetProperty,
			"conv %q is missing an input tensor", n.attr.name)
	}
	if len(n.x.dims) < 3 || len(n.x.dims) != len(n.w.dims) {
		return status.Errorf(status.ShapeMismatch,
			"conv %q X and W must have equal rank >= 3", n.attr.name)
	}
	if err := n.attr.validateLists(n.attr.name, len(n.x.dims)-2); err != nil {
		return err
	}
	if n.w.dims[1] == 0 || n.x.dims[1]%n.w.dims[1] != 0 {
		return status.Errorf(status.ShapeMismatch,
			"conv %q input channels %d not divisible by filter channels %d",
			n.attr.name, n.x.dims[1], n.w.dims[1])
	}
	return nil
}

func (n *convFPropNode) inferProperties(ctx *Context) error {
	klog.V(2).Infof("Inferring properties for conv fprop node %q", n.attr.name)
	ctx.fillFromContext(n.x)
	ctx.fillFromContext(n.w)
	if len(n.y.dims) == 0 {
		n.y.dims = append([]int64{n.x.dims[0], n.w.dims[0]},
			convOutputSpatial(n.x.dims[2:], n.w.dims[2:], &n.attr)...)
	}
	finalizeTensor(ctx, n.y)
	return nil
}

func (n *convFPropNode) postValidate() error {
	want := append([]int64{n.x.dims[0], n.w.dims[0]},
		convOutputSpatial(n.x.dims[2:], n.w.dims[2:], &n.attr)...)
	if fmt.Sprint(n.y.dims) != fmt.Sprint(want) {
		return status.Errorf(status.ShapeMismatch,
			"conv %q output dims %v do not match inferred %v",
			n.attr.name, n.y.dims, want)
	}
	return nil
}

func (n *convFPropNode) emit(b *asmBlock) error {
	node := n.attr.name
	bias, transposed, outputPadding, groups, stride, padding, dilation :=
		emitConvPreamble(b, node, &n.attr, n.groups())

	xOp := fmt.Sprintf("%%%s_%s_perm", n.x.name, node)
	wOp := fmt.Sprintf("%%%s_%s_perm", n.w.name, node)
	emitPermuteProlog(b, n.x, "permute_X", node, xOp)
	emitPermuteProlog(b, n.w, "permute_W", node, wOp)

	result := fmt.Sprintf("%%%s_%s_perm", n.y.name, node)
	b.linef("%s = torch.aten.convolution %s, %s, %s, %s, %s, %s, %s, %s, %s : %s, %s, !torch.none, !torch.list<int>, !torch.list<int>, !torch.list<int>, !torch.bool, !torch.list<int>, !torch.int -> %s",
		result, xOp, wOp, bias, stride, padding, dilation, transposed, outputPadding, groups,
		logicalTypeAsm(n.x), logicalTypeAsm(n.w), logicalTypeAsm(n.y))

	emitPermuteEpilog(b, n.y, "permute_Y", node, result)
	return nil
}

//===----------------------------------------------------------------------===//
// Weight gradient.
//===----------------------------------------------------------------------===//

type convWGradNode struct {
	attr  ConvAttr
	dy, x *TensorAttr
	dw    *TensorAttr
}

// ConvWGrad adds a convolution weight gradient node: DW = wgrad(DY, X).
// The output DW's dims must be set by the caller (they carry the group
// count: groups is X's channels over DW's filter channels).
func (g *Graph) ConvWGrad(dy, x *TensorAttr, attr ConvAttr) *TensorAttr {
	if attr.name == "" {
		attr.name = g.nextNodeName("conv_wgrad")
	}
	dw := g.outputTensor(attr.name + "_DW")
	g.addNode(&convWGradNode{attr: attr, dy: dy, x: x, dw: dw})
	return dw
}

func (n *convWGradNode) name() string           { return n.attr.name }
func (n *convWGradNode) inputs() []*TensorAttr  { return []*TensorAttr{n.dy, n.x} }
func (n *convWGradNode) outputs() []*TensorAttr { return []*TensorAttr{n.dw} }

func (n *convWGradNode) groups() int64 { return n.x.dims[1] / n.dw.dims[1] }

func (n *convWGradNode) preValidate() error {
	klog.V(2).Infof("Pre-validating conv wgrad node %q", n.attr.name)
	if n.dy == nil || n.x == nil {
		return status.Errorf(status.UnsetProperty,
			"conv %q is missing an input tensor", n.attr.name)
	}
	if len(n.x.dims) < 3 || len(n.x.dims) != len(n.dy.dims) {
		return status.Errorf(status.ShapeMismatch,
			"conv %q DY and X must have equal rank >= 3", n.attr.name)
	}
	if n.dy.dims[0] != n.x.dims[0] {
		return status.Errorf(status.ShapeMismatch,
			"conv %q DY and X batch dims differ: %d vs %d",
			n.attr.name, n.dy.dims[0], n.x.dims[0])
	}
	if len(n.dw.dims) == 0 {
		return status.Errorf(status.UnsetProperty,
			"conv %q output DW dims must be set; they define the group count",
			n.attr.name)
	}
	return n.attr.validateLists(n.attr.name, len(n.x.dims)-2)
}

func (n *convWGradNode) inferProperties(ctx *Context) error {
	klog.V(2).Infof("Inferring properties for conv wgrad node %q", n.attr.name)
	ctx.fillFromContext(n.dy)
	ctx.fillFromContext(n.x)
	finalizeTensor(ctx, n.dw)
	return nil
}

func (n *convWGradNode) postValidate() error {
	if len(n.dw.dims) != len(n.x.dims) {
		return status.Errorf(status.ShapeMismatch,
			"conv %q DW rank must match X rank", n.attr.name)
	}
	if n.dw.dims[0] != n.dy.dims[1] {
		return status.Errorf(status.ShapeMismatch,
			"conv %q DW output channels %d must match DY channels %d",
			n.attr.name, n.dw.dims[0], n.dy.dims[1])
	}
	if n.dw.dims[1] == 0 || n.x.dims[1]%n.dw.dims[1] != 0 {
		return status.Errorf(status.ShapeMismatch,
			"conv %q X channels %d not divisible by DW filter channels %d",
			n.attr.name, n.x.dims[1], n.dw.dims[1])
	}
	return nil
}

func (n *convWGradNode) emit(b *asmBlock) error {
	node := n.attr.name
	bias, transposed, outputPadding, groups, stride, padding, dilation :=
		emitConvPreamble(b, node, &n.attr, n.groups())

	dyOp := fmt.Sprintf("%%%s_%s_perm", n.dy.name, node)
	xOp := fmt.Sprintf("%%%s_%s_perm", n.x.name, node)
	emitPermuteProlog(b, n.dy, "permute_DY", node, dyOp)
	emitPermuteProlog(b, n.x, "permute_X", node, xOp)

	emptyW := fmt.Sprintf("%%empty_w_%s", node)
	emitEmptyTensor(b, n.dw, "DW", node, emptyW)
	mask := emitOutputMask(b, node, false, true)

	result := fmt.Sprintf("%%%s_%s_perm", n.dw.name, node)
	b.linef("%%grad_input_%s, %s, %%grad_bias_%s = torch.aten.convolution_backward %s, %s, %s, %s, %s, %s, %s, %s, %s, %s, %s : %s, %s, %s, !torch.none, !torch.list<int>, !torch.list<int>, !torch.list<int>, !torch.bool, !torch.list<int>, !torch.int, !torch.list<bool> -> !torch.none, %s, !torch.none",
		node, result, node, dyOp, xOp, emptyW, bias, stride, padding, dilation,
		transposed, outputPadding, groups, mask,
		logicalTypeAsm(n.dy), logicalTypeAsm(n.x), logicalTypeAsm(n.dw),
		logicalTypeAsm(n.dw))

	emitPermuteEpilog(b, n.dw, "permute_DW", node, result)
	return nil
}

//===----------------------------------------------------------------------===//
// Data gradient.
//===----------------------------------------------------------------------===//

type convDGradNode struct {
	attr  ConvAttr
	dy, w *TensorAttr
	dx    *TensorAttr
}

// ConvDGrad adds a convolution data gradient node: DX = dgrad(DY, W).
// The output DX's dims must be set by the caller since the forward
// input extent is not recoverable from DY alone.
func (g *Graph) ConvDGrad(dy, w *TensorAttr, attr ConvAttr) *TensorAttr {
	if attr.name == "" {
		attr.name = g.nextNodeName("conv_dgrad")
	}
	dx := g.outputTensor(attr.name + "_DX")
	g.addNode(&convDGradNode{attr: attr, dy: dy, w: w, dx: dx})
	return dx
}

func (n *convDGradNode) name() string           { return n.attr.name }
func (n *convDGradNode) inputs() []*TensorAttr  { return []*TensorAttr{n.dy, n.w} }
func (n *convDGradNode) outputs() []*TensorAttr { return []*TensorAttr{n.dx} }

func (n *convDGradNode) groups() int64 { return n.dx.dims[1] / n.w.dims[1] }

func (n *convDGradNode) preValidate() error {
	klog.V(2).Infof("Pre-validating conv dgrad node %q", n.attr.name)
	if n.dy == nil || n.w == nil {
		return status.Errorf(status.UnsetProperty,
			"conv %q is missing an input tensor", n.attr.name)
	}
	if len(n.dy.dims) < 3 || len(n.dy.dims) != len(n.w.dims) {
		return status.Errorf(status.ShapeMismatch,
			"conv %q DY and W must have equal rank >= 3", n.attr.name)
	}
	if len(n.dx.dims) == 0 {
		return status.Errorf(status.UnsetProperty,
			"conv %q output DX dims must be set", n.attr.name)
	}
	return n.attr.validateLists(n.attr.name, len(n.dy.dims)-2)
}

func (n *convDGradNode) inferProperties(ctx *Context) error {
	klog.V(2).Infof("Inferring properties for conv dgrad node %q", n.attr.name)
	ctx.fillFromContext(n.dy)
	ctx.fillFromContext(n.w)
	finalizeTensor(ctx, n.dx)
	return nil
}

func (n *convDGradNode) postValidate() error {
	if len(n.dx.dims) != len(n.dy.dims) {
		return status.Errorf(status.ShapeMismatch,
			"conv %q DX rank must match DY rank", n.attr.name)
	}
	if n.dx.dims[0] != n.dy.dims[0] {
		return status.Errorf(status.ShapeMismatch,
			"conv %q DX and DY batch dims differ", n.attr.name)
	}
	if n.dy.dims[1] != n.w.dims[0] {
		return status.Errorf(status.ShapeMismatch,
			"conv %q DY channels %d must match W output channels %d",
			n.attr.name, n.dy.dims[1], n.w.dims[0])
	}
	if n.w.dims[1] == 0 || n.dx.dims[1]%n.w.dims[1] != 0 {
		return status.Errorf(status.ShapeMismatch,
			"conv %q DX channels %d not divisible by W filter channels %d",
			n.attr.name, n.dx.dims[1], n.w.dims[1])
	}
	want := convOutputSpatial(n.dx.dims[2:], n.w.dims[2:], &n.attr)
	if fmt.Sprint(n.dy.dims[2:]) != fmt.Sprint(want) {
		return status.Errorf(status.ShapeMismatch,
			"conv %q DY spatial dims %v inconsistent with DX %v under the node's stride/padding/dilation",
			n.attr.name, n.dy.dims[2:], n.dx.dims[2:])
	}
	return nil
}

func (n *convDGradNode) emit(b *asmBlock) error {
	node := n.attr.name
	bias, transposed, outputPadding, groups, stride, padding, dilation :=
		emitConvPreamble(b, node, &n.attr, n.groups())

	dyOp := fmt.Sprintf("%%%s_%s_perm", n.dy.name, node)
	wOp := fmt.Sprintf("%%%s_%s_perm", n.w.name, node)
	emitPermuteProlog(b, n.dy, "permute_DY", node, dyOp)
	emitPermuteProlog(b, n.w, "permute_W", node, wOp)

	emptyX := fmt.Sprintf("%%empty_x_%s", node)
	emitEmptyTensor(b, n.dx, "DX", node, emptyX)
	mask := emitOutputMask(b, node, true, false)

	result := fmt.Sprintf("%%%s_%s_perm", n.dx.name, node)
	b.linef("%s, %%grad_weight_%s, %%grad_bias_%s = torch.aten.convolution_backward %s, %s, %s, %s, %s, %s, %s, %s, %s, %s, %s : %s, %s, %s, !torch.none, !torch.list<int>, !torch.list<int>, !torch.list<int>, !torch.bool, !torch.list<int>, !torch.int, !torch.list<bool> -> %s, !torch.none, !torch.none",
		result, node, node, dyOp, emptyX, wOp, bias, stride, padding, dilation,
		transposed, outputPadding, groups, mask,
		logicalTypeAsm(n.dy), logicalTypeAsm(n.dx), logicalTypeAsm(n.w),
		logicalTypeAsm(n.dx))

	emitPermuteEpilog(b, n.dx, "permute_DX", node, result)
	return nil
}
