package graph

import (
	"fmt"
	"regexp"
	"strings"

	"k8s.io/klog/v2"

	"github.com/nod-ai/fusilli/types/status"
)

// CustomOpAttr embeds a user supplied MLIR function in the graph,
// composable with the built-in ops. The MLIR template may use these
// placeholders, resolved at emission time:
//
//	{FUNC_NAME}    the node's unique name
//	{IN<i>_DTYPE}  input i's MLIR element type (e.g. "f32")
//	{OUT<i>_DTYPE} output i's MLIR element type
//
// A template without placeholders is emitted verbatim. The function
// must take and return dynamically shaped value tensors; the emitter
// inserts the static-to-dynamic casts around the call.
type CustomOpAttr struct {
	name       string
	mlir       string
	numOutputs int
}

func (a *CustomOpAttr) SetName(name string) *CustomOpAttr {
	a.name = name
	return a
}

func (a *CustomOpAttr) SetMlir(mlir string) *CustomOpAttr {
	a.mlir = mlir
	return a
}

func (a *CustomOpAttr) SetNumOutputs(n int) *CustomOpAttr {
	a.numOutputs = n
	return a
}

func (a *CustomOpAttr) Name() string    { return a.name }
func (a *CustomOpAttr) Mlir() string    { return a.mlir }
func (a *CustomOpAttr) NumOutputs() int { return a.numOutputs }

type customOpNode struct {
	attr CustomOpAttr
	ins  []*TensorAttr
	outs []*TensorAttr
}

// CustomOp adds a custom op node and returns its output tensors. The
// caller must fully shape each output (dims, strides, dtype): no
// property inference runs across a user supplied function. The same
// tensor may feed several input slots.
func (g *Graph) CustomOp(attr CustomOpAttr, ins ...*TensorAttr) []*TensorAttr {
	if attr.name == "" {
		attr.name = g.nextNodeName("custom_op")
	}
	outs := make([]*TensorAttr, attr.numOutputs)
	for i := range outs {
		outs[i] = g.outputTensor(fmt.Sprintf("%s_OUT_%d", attr.name, i))
	}
	g.addNode(&customOpNode{attr: attr, ins: ins, outs: outs})
	return outs
}

func (n *customOpNode) name() string           { return n.attr.name }
func (n *customOpNode) inputs() []*TensorAttr  { return n.ins }
func (n *customOpNode) outputs() []*TensorAttr { return n.outs }

func (n *customOpNode) preValidate() error {
	klog.V(2).Infof("Pre-validating custom op node %q", n.attr.name)
	if n.attr.mlir == "" {
		return status.Errorf(status.UnsetProperty,
			"custom op %q has no MLIR set", n.attr.name)
	}
	if len(n.ins) == 0 {
		return status.Errorf(status.UnsetProperty,
			"custom op %q has no inputs", n.attr.name)
	}
	if len(n.outs) == 0 {
		return status.Errorf(status.UnsetProperty,
			"custom op %q declares no outputs", n.attr.name)
	}
	for i, in := range n.ins {
		if in == nil {
			return status.Errorf(status.UnsetProperty,
				"custom op %q input %d is nil", n.attr.name, i)
		}
		if in.isScalar {
			return status.Errorf(status.InvalidTensor,
				"custom op %q input %d is a scalar, which is not supported",
				n.attr.name, i)
		}
	}
	return nil
}

func (n *customOpNode) inferProperties(ctx *Context) error {
	klog.V(2).Infof("Inferring properties for custom op node %q", n.attr.name)
	for _, in := range n.ins {
		ctx.fillFromContext(in)
	}
	// Output shapes cannot be inferred through user MLIR; dtypes still
	// inherit from the context so templates can rely on {OUT<i>_DTYPE}.
	for _, out := range n.outs {
		ctx.fillFromContext(out)
	}
	return nil
}

var unresolvedPlaceholder = regexp.MustCompile(`\{FUNC_NAME\}|\{IN\d+_DTYPE\}|\{OUT\d+_DTYPE\}`)

func (n *customOpNode) postValidate() error {
	for i, out := range n.outs {
		if len(out.dims) == 0 {
			return status.Errorf(status.UnsetProperty,
				"custom op %q output %d dims not set; custom op outputs must be fully shaped by the caller",
				n.attr.name, i)
		}
	}
	if leftover := unresolvedPlaceholder.FindString(n.resolveMlir()); leftover != "" {
		return status.Errorf(status.InvalidTensor,
			"custom op %q MLIR references placeholder %s with no matching tensor",
			n.attr.name, leftover)
	}
	return nil
}

// resolveMlir substitutes the node name and tensor dtypes into the MLIR
// template.
func (n *customOpNode) resolveMlir() string {
	mlir := strings.ReplaceAll(n.attr.mlir, "{FUNC_NAME}", n.attr.name)
	for i, in := range n.ins {
		mlir = strings.ReplaceAll(mlir,
			fmt.Sprintf("{IN%d_DTYPE}", i), in.dtype.Asm())
	}
	for i, out := range n.outs {
		mlir = strings.ReplaceAll(mlir,
			fmt.Sprintf("{OUT%d_DTYPE}", i), out.dtype.Asm())
	}
	return mlir
}

// dynamicTypeAsm is t's value tensor type with every dim unknown, the
// form custom op functions traffic in.
func dynamicTypeAsm(t *TensorAttr) string {
	marks := make([]string, len(t.dims))
	for i := range marks {
		marks[i] = "?"
	}
	return fmt.Sprintf("!torch.vtensor<[%s],%s>", strings.Join(marks, ","), t.dtype.Asm())
}

func (n *customOpNode) emit(b *asmBlock) error {
	node := n.attr.name
	b.moduleScopeAsm(n.resolveMlir())

	// Inputs: permute into logical order, then erase the static shape.
	// Per-slot indices keep SSA names unique when one tensor feeds
	// multiple slots.
	callOperands := make([]string, len(n.ins))
	callOperandTypes := make([]string, len(n.ins))
	for k, in := range n.ins {
		perm := fmt.Sprintf("%%%s_%s_i%d_perm", in.name, node, k)
		emitPermuteProlog(b, in, fmt.Sprintf("permute_IN_%d", k), node, perm)
		dyn := fmt.Sprintf("%%%s_%s_i%d_dyn", in.name, node, k)
		b.linef("%s = torch.tensor_static_info_cast %s : %s to %s",
			dyn, perm, logicalTypeAsm(in), dynamicTypeAsm(in))
		callOperands[k] = dyn
		callOperandTypes[k] = dynamicTypeAsm(in)
	}

	resultTypes := make([]string, len(n.outs))
	for k, out := range n.outs {
		resultTypes[k] = dynamicTypeAsm(out)
	}
	callResult := fmt.Sprintf("%%%s_%s_dyn", n.outs[0].name, node)
	if len(n.outs) == 1 {
		b.linef("%s = func.call @%s(%s) : (%s) -> %s",
			callResult, node, strings.Join(callOperands, ", "),
			strings.Join(callOperandTypes, ", "), resultTypes[0])
	} else {
		b.linef("%s:%d = func.call @%s(%s) : (%s) -> (%s)",
			callResult, len(n.outs), node, strings.Join(callOperands, ", "),
			strings.Join(callOperandTypes, ", "), strings.Join(resultTypes, ", "))
	}

	// Outputs: restore the static shape, then permute back into memory
	// order.
	for k, out := range n.outs {
		src := callResult
		if len(n.outs) > 1 {
			src = fmt.Sprintf("%s#%d", callResult, k)
		}
		perm := fmt.Sprintf("%%%s_%s_perm", out.name, node)
		b.linef("%s = torch.tensor_static_info_cast %s : %s to %s",
			perm, src, dynamicTypeAsm(out), logicalTypeAsm(out))
		emitPermuteEpilog(b, out, fmt.Sprintf("permute_OUT_%d", k), node, perm)
	}
	return nil
}
