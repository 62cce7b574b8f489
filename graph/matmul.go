package graph

import (
	"fmt"

	"k8s.io/klog/v2"

	"github.com/nod-ai/fusilli/types/dtypes"
	"github.com/nod-ai/fusilli/types/status"
)

// MatmulAttr configures a matrix multiplication: C = A @ B over
// [..., M, K] x [..., K, N] operands with broadcastable batch dims.
type MatmulAttr struct {
	name string
}

func (a *MatmulAttr) SetName(name string) *MatmulAttr {
	a.name = name
	return a
}

func (a *MatmulAttr) Name() string { return a.name }

type matmulNode struct {
	attr MatmulAttr
	a, b *TensorAttr
	c    *TensorAttr

	compute dtypes.DType
}

// Matmul adds a matrix multiplication node and returns its output
// tensor (virtual until promoted with SetOutput).
func (g *Graph) Matmul(a, b *TensorAttr, attr MatmulAttr) *TensorAttr {
	if attr.name == "" {
		attr.name = g.nextNodeName("matmul")
	}
	c := g.outputTensor(attr.name + "_C")
	g.addNode(&matmulNode{attr: attr, a: a, b: b, c: c})
	return c
}

func (n *matmulNode) name() string           { return n.attr.name }
func (n *matmulNode) inputs() []*TensorAttr  { return []*TensorAttr{n.a, n.b} }
func (n *matmulNode) outputs() []*TensorAttr { return []*TensorAttr{n.c} }

// matmulOutputDims infers [..., M, N] from [..., M, K] and [..., K, N],
// broadcasting batch dims to the larger of the pair.
func matmulOutputDims(aDims, bDims []int64) []int64 {
	rank := len(aDims)
	out := make([]int64, rank)
	for i := 0; i < rank-2; i++ {
		out[i] = max(aDims[i], bDims[i])
	}
	out[rank-2] = aDims[rank-2]
	out[rank-1] = bDims[rank-1]
	return out
}

func (n *matmulNode) preValidate() error {
	klog.V(2).Infof("Pre-validating matmul node %q", n.attr.name)
	if n.a == nil || n.b == nil {
		return status.Errorf(status.UnsetProperty,
			"matmul %q is missing an input tensor", n.attr.name)
	}
	aRank, bRank := len(n.a.dims), len(n.b.dims)
	if aRank < 2 || bRank < 2 {
		return status.Errorf(status.InvalidTensor,
			"matmul %q inputs must have rank >= 2", n.attr.name)
	}
	if aRank != bRank {
		return status.Errorf(status.ShapeMismatch,
			"matmul %q inputs must have equal rank: A is rank %d, B is rank %d",
			n.attr.name, aRank, bRank)
	}
	if aK, bK := n.a.dims[aRank-1], n.b.dims[bRank-2]; aK != bK {
		return status.Errorf(status.ShapeMismatch,
			"matmul %q inner dims differ: A has K=%d, B has K=%d", n.attr.name, aK, bK)
	}
	for i := 0; i < aRank-2; i++ {
		ad, bd := n.a.dims[i], n.b.dims[i]
		if ad%bd != 0 && bd%ad != 0 {
			return status.Errorf(status.ShapeMismatch,
				"matmul %q batch dim %d not broadcastable: %d vs %d",
				n.attr.name, i, ad, bd)
		}
	}
	if err := checkMatmulBatchDims(n.a, n.attr.name, "A"); err != nil {
		return err
	}
	return checkMatmulBatchDims(n.b, n.attr.name, "B")
}

// Batch dims must stay outermost and untransposed; only the trailing
// M/K dims may be permuted by strides.
func checkMatmulBatchDims(t *TensorAttr, node, port string) error {
	if len(t.strides) != len(t.dims) {
		return nil // Stride arity problems surface in validateFull.
	}
	order := t.StrideOrder()
	for i := 0; i < len(t.dims)-2; i++ {
		if order[i] != int64(i) {
			return status.Errorf(status.InvalidTensor,
				"matmul %q tensor %s has transposed or non-outermost batch dims", node, port)
		}
	}
	return nil
}

func (n *matmulNode) inferProperties(ctx *Context) error {
	klog.V(2).Infof("Inferring properties for matmul node %q", n.attr.name)
	ctx.fillFromContext(n.a)
	ctx.fillFromContext(n.b)
	n.compute = ctx.ComputeDataType()
	if len(n.c.dims) == 0 {
		n.c.dims = matmulOutputDims(n.a.dims, n.b.dims)
	}
	finalizeTensor(ctx, n.c)
	return nil
}

func (n *matmulNode) postValidate() error {
	want := matmulOutputDims(n.a.dims, n.b.dims)
	if len(n.c.dims) < 2 {
		return status.Errorf(status.InvalidTensor,
			"matmul %q output must have rank >= 2", n.attr.name)
	}
	if fmt.Sprint(n.c.dims) != fmt.Sprint(want) {
		return status.Errorf(status.ShapeMismatch,
			"matmul %q output dims %v do not match inferred %v",
			n.attr.name, n.c.dims, want)
	}
	return checkMatmulBatchDims(n.c, n.attr.name, "C")
}

func (n *matmulNode) emit(b *asmBlock) error {
	node := n.attr.name
	aOp := fmt.Sprintf("%%%s_perm", n.a.name)
	bOp := fmt.Sprintf("%%%s_perm", n.b.name)
	emitPermuteProlog(b, n.a, "permute_A", node, aOp)
	emitPermuteProlog(b, n.b, "permute_B", node, bOp)

	compute := n.compute
	if compute == dtypes.NotSet {
		compute = n.c.dtype
	}
	aOp = emitCastIfNeeded(b, aOp, "A", node, n.a, compute)
	bOp = emitCastIfNeeded(b, bOp, "B", node, n.b, compute)

	result := fmt.Sprintf("%%%s_perm", n.c.name)
	b.linef("%s = torch.aten.matmul %s, %s : %s, %s -> %s",
		result, aOp, bOp,
		vtensorTypeAsm(n.a.dims, compute), vtensorTypeAsm(n.b.dims, compute),
		logicalTypeAsm(n.c))

	emitPermuteEpilog(b, n.c, "permute_C", node, result)
	return nil
}
