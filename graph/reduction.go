package graph

import (
	"fmt"

	"k8s.io/klog/v2"

	"github.com/nod-ai/fusilli/types/status"
)

// ReductionMode selects the reduction operation.
type ReductionMode int

const (
	ReductionModeNotSet ReductionMode = iota
	ReductionSum
	ReductionMax
	ReductionMin
)

var reductionModeStr = map[ReductionMode]string{
	ReductionSum: "SUM",
	ReductionMax: "MAX",
	ReductionMin: "MIN",
}

func (m ReductionMode) String() string {
	if s, ok := reductionModeStr[m]; ok {
		return s
	}
	return fmt.Sprintf("ReductionMode(%d)", int(m))
}

// ReductionAttr configures a reduction node. The reduced axes are not
// set directly: the caller shapes the output tensor with 1s on the axes
// to reduce.
type ReductionAttr struct {
	name string
	mode ReductionMode
}

func (a *ReductionAttr) SetName(name string) *ReductionAttr {
	a.name = name
	return a
}

func (a *ReductionAttr) SetMode(mode ReductionMode) *ReductionAttr {
	a.mode = mode
	return a
}

func (a *ReductionAttr) Name() string        { return a.name }
func (a *ReductionAttr) Mode() ReductionMode { return a.mode }

type reductionNode struct {
	attr ReductionAttr
	x    *TensorAttr
	y    *TensorAttr
}

// Reduction adds a reduction node over x and returns its output. Set
// the output's dims to 1 on every axis to reduce; unset output dims
// default to x's shape (reducing nothing, which fails validation).
func (g *Graph) Reduction(x *TensorAttr, attr ReductionAttr) *TensorAttr {
	if attr.name == "" {
		attr.name = g.nextNodeName("reduction")
	}
	y := g.outputTensor(attr.name + "_Y")
	g.addNode(&reductionNode{attr: attr, x: x, y: y})
	return y
}

func (n *reductionNode) name() string           { return n.attr.name }
func (n *reductionNode) inputs() []*TensorAttr  { return []*TensorAttr{n.x} }
func (n *reductionNode) outputs() []*TensorAttr { return []*TensorAttr{n.y} }

// reductionDims lists the axes where Y is 1 and X is larger.
func (n *reductionNode) reductionDims() []int64 {
	var dims []int64
	for i := range n.x.dims {
		if n.y.dims[i] == 1 && n.x.dims[i] > 1 {
			dims = append(dims, int64(i))
		}
	}
	return dims
}

func (n *reductionNode) preValidate() error {
	klog.V(2).Infof("Pre-validating reduction node %q", n.attr.name)
	if _, ok := reductionModeStr[n.attr.mode]; !ok {
		return status.Errorf(status.UnsetProperty,
			"reduction %q has unknown or unset mode %v", n.attr.name, n.attr.mode)
	}
	if n.x == nil {
		return status.Errorf(status.UnsetProperty,
			"reduction %q input X not set", n.attr.name)
	}
	if len(n.x.dims) == 0 {
		return status.Errorf(status.UnsetProperty,
			"reduction %q input X dims not set", n.attr.name)
	}
	return nil
}

func (n *reductionNode) inferProperties(ctx *Context) error {
	klog.V(2).Infof("Inferring properties for reduction node %q", n.attr.name)
	ctx.fillFromContext(n.x)
	if len(n.y.dims) == 0 {
		n.y.dims = append([]int64(nil), n.x.dims...)
	}
	finalizeTensor(ctx, n.y)
	return nil
}

func (n *reductionNode) postValidate() error {
	if len(n.x.dims) != len(n.y.dims) {
		return status.Errorf(status.ShapeMismatch,
			"reduction %q input and output must have the same rank", n.attr.name)
	}
	for i, d := range n.y.dims {
		if d != 1 && d != n.x.dims[i] {
			return status.Errorf(status.ShapeMismatch,
				"reduction %q output dim %d must be 1 or match input dim %d",
				n.attr.name, i, n.x.dims[i])
		}
	}
	if len(n.reductionDims()) == 0 {
		return status.Errorf(status.InvalidTensor,
			"reduction %q reduces no axes; set output dims to 1 on the axes to reduce",
			n.attr.name)
	}
	return nil
}

func (n *reductionNode) emit(b *asmBlock) error {
	node := n.attr.name
	xOp := fmt.Sprintf("%%%s_%s_perm", n.x.name, node)
	emitPermuteProlog(b, n.x, "permute_X", node, xOp)

	dimsList := emitIntList(b, "reduction_dims", node, n.reductionDims())
	b.linef("%%keepdim_%s = torch.constant.bool true", node)

	result := fmt.Sprintf("%%%s_%s_perm", n.y.name, node)
	switch n.attr.mode {
	case ReductionSum:
		b.linef("%%dtype_%s = torch.constant.none", node)
		b.linef("%s = torch.aten.sum.dim_IntList %s, %s, %%keepdim_%s, %%dtype_%s : %s, !torch.list<int>, !torch.bool, !torch.none -> %s",
			result, xOp, dimsList, node, node, logicalTypeAsm(n.x), logicalTypeAsm(n.y))
	case ReductionMax:
		b.linef("%s = torch.aten.amax %s, %s, %%keepdim_%s : %s, !torch.list<int>, !torch.bool -> %s",
			result, xOp, dimsList, node, logicalTypeAsm(n.x), logicalTypeAsm(n.y))
	case ReductionMin:
		b.linef("%s = torch.aten.amin %s, %s, %%keepdim_%s : %s, !torch.list<int>, !torch.bool -> %s",
			result, xOp, dimsList, node, logicalTypeAsm(n.x), logicalTypeAsm(n.y))
	}

	emitPermuteEpilog(b, n.y, "permute_Y", node, result)
	return nil
}
