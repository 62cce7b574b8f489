package graph

import (
	"fmt"

	"k8s.io/klog/v2"

	"github.com/nod-ai/fusilli/types/status"
)

// NormFwdPhase distinguishes training (saved statistics) from inference
// layer normalization.
type NormFwdPhase int

const (
	NormFwdPhaseNotSet NormFwdPhase = iota
	NormFwdTraining
	NormFwdInference
)

func (p NormFwdPhase) String() string {
	switch p {
	case NormFwdTraining:
		return "TRAINING"
	case NormFwdInference:
		return "INFERENCE"
	default:
		return "NOT_SET"
	}
}

// LayernormAttr configures a layer normalization node. Normalization
// runs over every axis but the batch axis; epsilon arrives as a scalar
// tensor input.
type LayernormAttr struct {
	name  string
	phase NormFwdPhase
}

func (a *LayernormAttr) SetName(name string) *LayernormAttr {
	a.name = name
	return a
}

func (a *LayernormAttr) SetForwardPhase(phase NormFwdPhase) *LayernormAttr {
	a.phase = phase
	return a
}

func (a *LayernormAttr) Name() string              { return a.name }
func (a *LayernormAttr) ForwardPhase() NormFwdPhase { return a.phase }

type layernormNode struct {
	attr        LayernormAttr
	x           *TensorAttr
	scale, bias *TensorAttr // optional
	epsilon     *TensorAttr
	y           *TensorAttr
	mean        *TensorAttr // training only
	invVariance *TensorAttr // training only
}

// Layernorm adds a layer normalization node. scale and bias may be nil;
// epsilon must be a scalar constant. In the TRAINING phase the saved
// mean and inverse variance come back as extra outputs, otherwise both
// are nil.
func (g *Graph) Layernorm(x, scale, bias, epsilon *TensorAttr, attr LayernormAttr) (y, mean, invVariance *TensorAttr) {
	if attr.name == "" {
		attr.name = g.nextNodeName("layernorm")
	}
	if epsilon != nil && epsilon.name == "" {
		epsilon.name = attr.name + "_EPSILON"
	}
	y = g.outputTensor(attr.name + "_Y")
	n := &layernormNode{attr: attr, x: x, scale: scale, bias: bias, epsilon: epsilon, y: y}
	if attr.phase == NormFwdTraining {
		n.mean = g.outputTensor(attr.name + "_MEAN")
		n.invVariance = g.outputTensor(attr.name + "_INV_VARIANCE")
		mean, invVariance = n.mean, n.invVariance
	}
	g.addNode(n)
	return y, mean, invVariance
}

func (n *layernormNode) name() string { return n.attr.name }

func (n *layernormNode) inputs() []*TensorAttr {
	ins := []*TensorAttr{n.x}
	if n.scale != nil {
		ins = append(ins, n.scale)
	}
	if n.bias != nil {
		ins = append(ins, n.bias)
	}
	if n.epsilon != nil {
		ins = append(ins, n.epsilon)
	}
	return ins
}

func (n *layernormNode) outputs() []*TensorAttr {
	outs := []*TensorAttr{n.y}
	if n.mean != nil {
		outs = append(outs, n.mean)
	}
	if n.invVariance != nil {
		outs = append(outs, n.invVariance)
	}
	return outs
}

func checkDenseLayout(node string, t *TensorAttr) error {
	if len(t.strides) == 0 || t.IsContiguous() || t.IsChannelsLast() {
		return nil
	}
	return status.Errorf(status.Unimplemented,
		"layernorm %q tensor %q is neither contiguous nor channels-last",
		node, t.name)
}

func (n *layernormNode) preValidate() error {
	klog.V(2).Infof("Pre-validating layernorm node %q", n.attr.name)
	if n.attr.phase == NormFwdPhaseNotSet {
		return status.Errorf(status.UnsetProperty,
			"layernorm %q forward phase not set", n.attr.name)
	}
	if n.x == nil {
		return status.Errorf(status.UnsetProperty,
			"layernorm %q input X not set", n.attr.name)
	}
	if n.epsilon == nil {
		return status.Errorf(status.UnsetProperty,
			"layernorm %q input EPSILON not set", n.attr.name)
	}
	if !n.epsilon.isScalar {
		return status.Errorf(status.InvalidTensor,
			"layernorm %q EPSILON must be a scalar constant", n.attr.name)
	}
	if len(n.x.dims) < 2 {
		return status.Errorf(status.InvalidTensor,
			"layernorm %q input X must have rank >= 2", n.attr.name)
	}
	if err := checkDenseLayout(n.attr.name, n.x); err != nil {
		return err
	}
	for _, t := range []*TensorAttr{n.scale, n.bias} {
		if t == nil {
			continue
		}
		want := append([]int64(nil), n.x.dims...)
		want[0] = 1
		if fmt.Sprint(t.dims) != fmt.Sprint(want) {
			return status.Errorf(status.ShapeMismatch,
				"layernorm %q tensor %q must have X's shape with a unit batch dim",
				n.attr.name, t.name)
		}
		if err := checkDenseLayout(n.attr.name, t); err != nil {
			return err
		}
	}
	return nil
}

// statsDimsAndStrides shapes the saved MEAN and INV_VARIANCE tensors:
// [B, 1, ..., 1] with unit strides.
func (n *layernormNode) statsDimsAndStrides() ([]int64, []int64) {
	dims := make([]int64, len(n.x.dims))
	strides := make([]int64, len(n.x.dims))
	for i := range dims {
		dims[i] = 1
		strides[i] = 1
	}
	dims[0] = n.x.dims[0]
	return dims, strides
}

func (n *layernormNode) inferProperties(ctx *Context) error {
	klog.V(2).Infof("Inferring properties for layernorm node %q", n.attr.name)
	for _, in := range n.inputs() {
		ctx.fillFromContext(in)
	}
	if len(n.y.dims) == 0 {
		n.y.dims = append([]int64(nil), n.x.dims...)
	}
	if len(n.y.strides) == 0 {
		n.y.strides = append([]int64(nil), n.x.strides...)
	}
	ctx.fillFromContext(n.y)
	if n.attr.phase == NormFwdTraining {
		dims, strides := n.statsDimsAndStrides()
		for _, t := range []*TensorAttr{n.mean, n.invVariance} {
			if len(t.dims) == 0 {
				t.dims = append([]int64(nil), dims...)
			}
			if len(t.strides) == 0 {
				t.strides = append([]int64(nil), strides...)
			}
			ctx.fillFromContext(t)
		}
	}
	return nil
}

func (n *layernormNode) postValidate() error {
	if fmt.Sprint(n.y.dims) != fmt.Sprint(n.x.dims) {
		return status.Errorf(status.ShapeMismatch,
			"layernorm %q output Y must have X's shape", n.attr.name)
	}
	if err := checkDenseLayout(n.attr.name, n.y); err != nil {
		return err
	}
	if n.attr.phase != NormFwdTraining {
		return nil
	}
	dims, strides := n.statsDimsAndStrides()
	for _, t := range []*TensorAttr{n.mean, n.invVariance} {
		if fmt.Sprint(t.dims) != fmt.Sprint(dims) {
			return status.Errorf(status.ShapeMismatch,
				"layernorm %q tensor %q must have shape [B, 1, ..., 1]",
				n.attr.name, t.name)
		}
		if fmt.Sprint(t.strides) != fmt.Sprint(strides) {
			return status.Errorf(status.InvalidTensor,
				"layernorm %q tensor %q must have unit strides", n.attr.name, t.name)
		}
	}
	return nil
}

func (n *layernormNode) emit(b *asmBlock) error {
	if n.attr.phase == NormFwdTraining {
		return n.emitTraining(b)
	}
	return n.emitInference(b)
}

func (n *layernormNode) emitTraining(b *asmBlock) error {
	node := n.attr.name
	shape := emitIntList(b, "normalized_shape", node, n.x.dims[1:])
	eps := fmt.Sprintf("%%eps_%s", node)
	b.linef("%s = torch.constant.float %e", eps, n.epsilon.scalarF)

	xOp := fmt.Sprintf("%%%s_%s_perm", n.x.name, node)
	emitPermuteProlog(b, n.x, "permute_x", node, xOp)
	scaleOp, scaleType := n.emitOptionalOperand(b, n.scale, "scale")
	biasOp, biasType := n.emitOptionalOperand(b, n.bias, "bias")

	yRes := fmt.Sprintf("%%%s_%s_perm", n.y.name, node)
	meanRes := fmt.Sprintf("%%%s_%s_perm", n.mean.name, node)
	ivRes := fmt.Sprintf("%%%s_%s_perm", n.invVariance.name, node)
	b.linef("%s, %s, %s = torch.aten.native_layer_norm %s, %s, %s, %s, %s : %s, !torch.list<int>, %s, %s, !torch.float -> %s, %s, %s",
		yRes, meanRes, ivRes, xOp, shape, scaleOp, biasOp, eps,
		logicalTypeAsm(n.x), scaleType, biasType,
		logicalTypeAsm(n.y), logicalTypeAsm(n.mean), logicalTypeAsm(n.invVariance))

	emitPermuteEpilog(b, n.y, "permute_y", node, yRes)
	emitPermuteEpilog(b, n.mean, "permute_mean", node, meanRes)
	emitPermuteEpilog(b, n.invVariance, "permute_inv_variance", node, ivRes)
	return nil
}

func (n *layernormNode) emitInference(b *asmBlock) error {
	node := n.attr.name
	epsLit := fmt.Sprintf("%%%s", n.epsilon.name)
	b.topLinef("%s = torch.vtensor.literal(%s) : %s",
		epsLit, scalarLiteralHexAsm(n.epsilon), logicalTypeAsm(n.epsilon))

	shape := emitIntList(b, "normalized_shape", node, n.x.dims[1:])
	eps := fmt.Sprintf("%%eps_%s", node)
	b.linef("%s = torch.aten.item %s : %s -> !torch.float",
		eps, epsLit, logicalTypeAsm(n.epsilon))

	xOp := fmt.Sprintf("%%%s_%s_perm", n.x.name, node)
	emitPermuteProlog(b, n.x, "permute_x", node, xOp)
	scaleOp, scaleType := n.emitOptionalOperand(b, n.scale, "scale")
	biasOp, biasType := n.emitOptionalOperand(b, n.bias, "bias")

	cudnn := fmt.Sprintf("%%cudnn_enable_%s", node)
	b.linef("%s = torch.constant.bool false", cudnn)

	yRes := fmt.Sprintf("%%%s_%s_perm", n.y.name, node)
	b.linef("%s = torch.aten.layer_norm %s, %s, %s, %s, %s, %s : %s, !torch.list<int>, %s, %s, !torch.float, !torch.bool -> %s",
		yRes, xOp, shape, scaleOp, biasOp, eps, cudnn,
		logicalTypeAsm(n.x), scaleType, biasType, logicalTypeAsm(n.y))

	emitPermuteEpilog(b, n.y, "permute_y", node, yRes)
	return nil
}

// emitOptionalOperand permutes an optional scale/bias input into place
// or materializes a torch.constant.none, returning the operand and its
// type spelling.
func (n *layernormNode) emitOptionalOperand(b *asmBlock, t *TensorAttr, port string) (string, string) {
	node := n.attr.name
	if t == nil {
		name := fmt.Sprintf("%%none_%s_%s", port, node)
		b.linef("%s = torch.constant.none", name)
		return name, "!torch.none"
	}
	op := fmt.Sprintf("%%%s_%s_perm", t.name, node)
	emitPermuteProlog(b, t, "permute_"+port, node, op)
	return op, logicalTypeAsm(t)
}
