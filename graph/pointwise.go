package graph

import (
	"fmt"
	"strings"

	"k8s.io/klog/v2"

	"github.com/nod-ai/fusilli/types/dtypes"
	"github.com/nod-ai/fusilli/types/status"
)

// PointwiseMode selects the elementwise operation.
type PointwiseMode int

const (
	PointwiseModeNotSet PointwiseMode = iota
	PointwiseAdd
	PointwiseSub
	PointwiseMul
	PointwiseDiv
	PointwiseMin
	PointwiseMax
	PointwiseCmpEq
	PointwiseCmpNeq
	PointwiseCmpLt
	PointwiseCmpLe
	PointwiseCmpGt
	PointwiseCmpGe
	PointwiseReluFwd
	PointwiseNeg
	PointwiseCeil
	PointwiseSigmoidFwd
	PointwiseTanhFwd
)

// pointwiseModeInfo drives validation and emission per mode. alpha
// marks torch ops taking a trailing integer alpha operand; cmp modes
// force a Boolean output.
type pointwiseModeInfo struct {
	str     string
	torchOp string
	arity   int
	alpha   bool
	cmp     bool
}

var pointwiseModes = map[PointwiseMode]pointwiseModeInfo{
	PointwiseAdd:        {"ADD", "torch.aten.add.Tensor", 2, true, false},
	PointwiseSub:        {"SUB", "torch.aten.sub.Tensor", 2, true, false},
	PointwiseMul:        {"MUL", "torch.aten.mul.Tensor", 2, false, false},
	PointwiseDiv:        {"DIV", "torch.aten.div.Tensor", 2, false, false},
	PointwiseMin:        {"MIN", "torch.aten.minimum", 2, false, false},
	PointwiseMax:        {"MAX", "torch.aten.maximum", 2, false, false},
	PointwiseCmpEq:      {"CMP_EQ", "torch.aten.eq.Tensor", 2, false, true},
	PointwiseCmpNeq:     {"CMP_NEQ", "torch.aten.ne.Tensor", 2, false, true},
	PointwiseCmpLt:      {"CMP_LT", "torch.aten.lt.Tensor", 2, false, true},
	PointwiseCmpLe:      {"CMP_LE", "torch.aten.le.Tensor", 2, false, true},
	PointwiseCmpGt:      {"CMP_GT", "torch.aten.gt.Tensor", 2, false, true},
	PointwiseCmpGe:      {"CMP_GE", "torch.aten.ge.Tensor", 2, false, true},
	PointwiseReluFwd:    {"RELU_FWD", "torch.aten.relu", 1, false, false},
	PointwiseNeg:        {"NEG", "torch.aten.neg", 1, false, false},
	PointwiseCeil:       {"CEIL", "torch.aten.ceil", 1, false, false},
	PointwiseSigmoidFwd: {"SIGMOID_FWD", "torch.aten.sigmoid", 1, false, false},
	PointwiseTanhFwd:    {"TANH_FWD", "torch.aten.tanh", 1, false, false},
}

func (m PointwiseMode) String() string {
	if info, ok := pointwiseModes[m]; ok {
		return info.str
	}
	return fmt.Sprintf("PointwiseMode(%d)", int(m))
}

// PointwiseAttr configures a pointwise node.
type PointwiseAttr struct {
	name string
	mode PointwiseMode
}

func (a *PointwiseAttr) SetName(name string) *PointwiseAttr {
	a.name = name
	return a
}

func (a *PointwiseAttr) SetMode(mode PointwiseMode) *PointwiseAttr {
	a.mode = mode
	return a
}

func (a *PointwiseAttr) Name() string        { return a.name }
func (a *PointwiseAttr) Mode() PointwiseMode { return a.mode }

type pointwiseNode struct {
	attr PointwiseAttr
	ins  []*TensorAttr
	out  *TensorAttr

	compute dtypes.DType
}

// Pointwise adds a unary elementwise node over x.
func (g *Graph) Pointwise(x *TensorAttr, attr PointwiseAttr) *TensorAttr {
	return g.addPointwise(attr, x)
}

// PointwiseBinary adds a binary elementwise node over a and b. Either
// operand may be a scalar constant, which is folded into the emitted
// assembly.
func (g *Graph) PointwiseBinary(a, b *TensorAttr, attr PointwiseAttr) *TensorAttr {
	return g.addPointwise(attr, a, b)
}

func (g *Graph) addPointwise(attr PointwiseAttr, ins ...*TensorAttr) *TensorAttr {
	if attr.name == "" {
		attr.name = g.nextNodeName("pointwise")
	}
	for i, in := range ins {
		if in != nil && in.name == "" {
			in.name = fmt.Sprintf("%s_IN_%d", attr.name, i)
		}
	}
	out := g.outputTensor(attr.name + "_OUT_0")
	g.addNode(&pointwiseNode{attr: attr, ins: ins, out: out})
	return out
}

func (n *pointwiseNode) name() string           { return n.attr.name }
func (n *pointwiseNode) inputs() []*TensorAttr  { return n.ins }
func (n *pointwiseNode) outputs() []*TensorAttr { return []*TensorAttr{n.out} }

func (n *pointwiseNode) preValidate() error {
	klog.V(2).Infof("Pre-validating pointwise node %q", n.attr.name)
	info, ok := pointwiseModes[n.attr.mode]
	if !ok {
		return status.Errorf(status.UnsetProperty,
			"pointwise %q has unknown or unset mode %v", n.attr.name, n.attr.mode)
	}
	if len(n.ins) != info.arity {
		return status.Errorf(status.InvalidTensor,
			"pointwise %q mode %s requires %d inputs, got %d",
			n.attr.name, info.str, info.arity, len(n.ins))
	}
	for i, in := range n.ins {
		if in == nil {
			return status.Errorf(status.UnsetProperty,
				"pointwise %q input %d not set", n.attr.name, i)
		}
	}
	return nil
}

// pointwiseOutputDims broadcasts input dims elementwise; scalars do not
// constrain the output shape.
func pointwiseOutputDims(ins []*TensorAttr) []int64 {
	var out []int64
	for _, in := range ins {
		if in.isScalar {
			continue
		}
		if len(in.dims) > len(out) {
			grown := make([]int64, len(in.dims))
			copy(grown[len(in.dims)-len(out):], out)
			out = grown
		}
		for i, d := range in.dims {
			if d > out[len(out)-len(in.dims)+i] {
				out[len(out)-len(in.dims)+i] = d
			}
		}
	}
	return out
}

func (n *pointwiseNode) inferProperties(ctx *Context) error {
	klog.V(2).Infof("Inferring properties for pointwise node %q", n.attr.name)
	for _, in := range n.ins {
		ctx.fillFromContext(in)
	}
	n.compute = ctx.ComputeDataType()
	if len(n.out.dims) == 0 {
		n.out.dims = pointwiseOutputDims(n.ins)
	}
	if pointwiseModes[n.attr.mode].cmp {
		n.out.dtype = dtypes.Boolean
	}
	finalizeTensor(ctx, n.out)
	return nil
}

func (n *pointwiseNode) postValidate() error {
	for _, in := range n.ins {
		if in.isScalar {
			continue
		}
		if len(in.dims) != len(n.out.dims) {
			return status.Errorf(status.ShapeMismatch,
				"pointwise %q input %q rank %d does not match output rank %d",
				n.attr.name, in.name, len(in.dims), len(n.out.dims))
		}
		for i, d := range in.dims {
			if d != 1 && d != n.out.dims[i] {
				return status.Errorf(status.ShapeMismatch,
					"pointwise %q input %q dim %d is %d, not broadcastable to %d",
					n.attr.name, in.name, i, d, n.out.dims[i])
			}
		}
	}
	return nil
}

func (n *pointwiseNode) emit(b *asmBlock) error {
	node := n.attr.name
	info := pointwiseModes[n.attr.mode]

	tensorIns := 0
	for _, in := range n.ins {
		if !in.isScalar {
			tensorIns++
		}
	}

	// Two tensor operands name themselves by input slot and leave the
	// result unsuffixed; unary and tensor-scalar forms suffix the node
	// name throughout.
	operands := make([]string, len(n.ins))
	operandTypes := make([]string, len(n.ins))
	for i, in := range n.ins {
		if in.isScalar {
			operands[i] = emitScalarOperand(b, in, node)
			operandTypes[i] = logicalTypeAsm(in)
			continue
		}
		if tensorIns >= 2 {
			operands[i] = fmt.Sprintf("%%%s_in%d_%s_perm", in.name, i, node)
		} else {
			operands[i] = fmt.Sprintf("%%%s_%s_perm", in.name, node)
		}
		emitPermuteProlog(b, in, fmt.Sprintf("permute_IN_%d", i), node, operands[i])
		compute := n.compute
		if compute == dtypes.NotSet {
			compute = n.out.dtype
		}
		if !info.cmp {
			operands[i] = emitCastIfNeeded(b, operands[i], fmt.Sprintf("IN_%d", i), node, in, compute)
			operandTypes[i] = vtensorTypeAsm(in.dims, compute)
		} else {
			operandTypes[i] = logicalTypeAsm(in)
		}
	}

	if info.alpha {
		b.linef("%%alpha_%s = torch.constant.int 1", node)
		operands = append(operands, fmt.Sprintf("%%alpha_%s", node))
		operandTypes = append(operandTypes, "!torch.int")
	}

	var result string
	if tensorIns >= 2 {
		result = fmt.Sprintf("%%%s_perm", n.out.name)
	} else {
		result = fmt.Sprintf("%%%s_%s_perm", n.out.name, node)
	}
	b.linef("%s = %s %s : %s -> %s",
		result, info.torchOp, strings.Join(operands, ", "),
		strings.Join(operandTypes, ", "), logicalTypeAsm(n.out))

	emitPermuteEpilog(b, n.out, "permute_OUT_0", node, result)
	return nil
}
