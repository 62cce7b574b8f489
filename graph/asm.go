package graph

import (
	"fmt"
	"math"
	"strings"

	"github.com/d4l3k/go-bfloat16"
	"github.com/x448/float16"
	"k8s.io/klog/v2"

	"github.com/nod-ai/fusilli/types/dtypes"
	"github.com/nod-ai/fusilli/types/status"
)

// asmBlock accumulates the pieces of the emitted Torch dialect module
// while nodes emit in insertion order. Module scope holds private
// function definitions (custom ops), top holds constants hoisted to the
// start of the entry point body, body holds everything else.
type asmBlock struct {
	moduleScope strings.Builder
	top         strings.Builder
	body        strings.Builder
}

const bodyIndent = "    "

func (b *asmBlock) linef(format string, args ...any) {
	b.body.WriteString(bodyIndent)
	fmt.Fprintf(&b.body, format, args...)
	b.body.WriteByte('\n')
}

func (b *asmBlock) topLinef(format string, args ...any) {
	b.top.WriteString(bodyIndent)
	fmt.Fprintf(&b.top, format, args...)
	b.top.WriteByte('\n')
}

// moduleScopeAsm appends a module scope definition verbatim. The text is
// expected to carry its own two space indentation.
func (b *asmBlock) moduleScopeAsm(text string) {
	text = strings.Trim(text, "\n")
	b.moduleScope.WriteString(text)
	b.moduleScope.WriteByte('\n')
}

// dimsAsm renders dims as a comma separated list: "16,256,64,32".
func dimsAsm(dims []int64) string {
	parts := make([]string, len(dims))
	for i, d := range dims {
		parts[i] = fmt.Sprintf("%d", d)
	}
	return strings.Join(parts, ",")
}

// vtensorTypeAsm renders a value tensor type over the given dims.
func vtensorTypeAsm(dims []int64, dtype dtypes.DType) string {
	return fmt.Sprintf("!torch.vtensor<[%s],%s>", dimsAsm(dims), dtype.Asm())
}

// logicalTypeAsm is the tensor's value type in logical dim order, the
// form ops compute in.
func logicalTypeAsm(t *TensorAttr) string {
	return vtensorTypeAsm(t.dims, t.dtype)
}

// physicalTypeAsm is the tensor's value type in memory order, the form
// entry point arguments have.
func physicalTypeAsm(t *TensorAttr) string {
	return vtensorTypeAsm(t.PhysicalDims(), t.dtype)
}

// signatureTypeAsm is the non-value tensor type used for output
// placeholder arguments.
func signatureTypeAsm(t *TensorAttr) string {
	return fmt.Sprintf("!torch.tensor<[%s],%s>", dimsAsm(t.PhysicalDims()), t.dtype.Asm())
}

// emitIntList writes one torch.constant.int per value followed by a
// torch.prim.ListConstruct, and returns the list's SSA name. Names
// follow the "<prefix>_val_<k>_<suffix>" / "<prefix>_<suffix>" scheme.
// An empty list is a bare ListConstruct.
func emitIntList(b *asmBlock, prefix, suffix string, values []int64) string {
	list := fmt.Sprintf("%%%s_%s", prefix, suffix)
	if len(values) == 0 {
		b.linef("%s = torch.prim.ListConstruct  : () -> !torch.list<int>", list)
		return list
	}
	operands := make([]string, len(values))
	types := make([]string, len(values))
	for k, v := range values {
		operands[k] = fmt.Sprintf("%%%s_val_%d_%s", prefix, k, suffix)
		types[k] = "!torch.int"
		b.linef("%s = torch.constant.int %d", operands[k], v)
	}
	b.linef("%s = torch.prim.ListConstruct %s : (%s) -> !torch.list<int>",
		list, strings.Join(operands, ", "), strings.Join(types, ", "))
	return list
}

// scalarLiteralHexAsm renders a float scalar as a dense literal with the
// raw IEEE bits in uppercase hex, matching how hoisted constants print.
// The bit width follows the scalar's dtype.
func scalarLiteralHexAsm(t *TensorAttr) string {
	var bits string
	switch t.dtype {
	case dtypes.Double:
		bits = fmt.Sprintf("0x%016X", math.Float64bits(t.scalarF))
	case dtypes.Half:
		bits = fmt.Sprintf("0x%04X", float16.Fromfloat32(float32(t.scalarF)).Bits())
	case dtypes.BFloat16:
		bits = fmt.Sprintf("0x%04X", uint16(bfloat16.FromFloat32(float32(t.scalarF))))
	default:
		bits = fmt.Sprintf("0x%08X", math.Float32bits(float32(t.scalarF)))
	}
	return fmt.Sprintf("dense<%s> : tensor<1x%s>", bits, t.dtype.Asm())
}

// scalarLiteralDecimalAsm renders a scalar as a dense literal in decimal
// form, the spelling pointwise operands use.
func scalarLiteralDecimalAsm(t *TensorAttr) string {
	var v string
	if t.scalarIsInt {
		v = fmt.Sprintf("%d", t.scalarI)
	} else {
		v = fmt.Sprintf("%e", t.scalarF)
	}
	return fmt.Sprintf("dense<%s> : tensor<1x%s>", v, t.dtype.Asm())
}

// emitScalarOperand materializes a scalar constant as a value tensor
// literal usable as an op operand, returning its SSA name.
func emitScalarOperand(b *asmBlock, t *TensorAttr, nodeName string) string {
	name := fmt.Sprintf("%%%s_%s_perm", t.name, nodeName)
	b.linef("%s = torch.vtensor.literal(%s) : %s",
		name, scalarLiteralDecimalAsm(t), logicalTypeAsm(t))
	return name
}

// emitPermuteProlog rearranges an input operand from its memory layout
// into logical order. listPrefix names the permutation list (for
// example "permute_A"), operand is the emitted value's SSA name.
func emitPermuteProlog(b *asmBlock, t *TensorAttr, listPrefix, nodeName, operand string) {
	list := emitIntList(b, listPrefix, nodeName, t.PermuteToLogical())
	b.linef("%s = torch.aten.permute %%%s, %s : %s, !torch.list<int> -> %s",
		operand, t.name, list, physicalTypeAsm(t), logicalTypeAsm(t))
}

// emitPermuteEpilog rearranges a node result from logical order back
// into the output tensor's memory layout, defining %<tensor>.
func emitPermuteEpilog(b *asmBlock, t *TensorAttr, listPrefix, nodeName, result string) {
	list := emitIntList(b, listPrefix, nodeName, t.PermuteToPhysical())
	b.linef("%%%s = torch.aten.permute %s, %s : %s, !torch.list<int> -> %s",
		t.name, result, list, logicalTypeAsm(t), physicalTypeAsm(t))
}

// emitCastIfNeeded inserts a dtype cast when the operand's storage type
// differs from the node's compute type, returning the operand name to
// use afterwards. port tags the cast's constants ("A", "B", "IN_0").
func emitCastIfNeeded(b *asmBlock, operand, port, nodeName string, t *TensorAttr, compute dtypes.DType) string {
	if compute == dtypes.NotSet || t.dtype == compute {
		return operand
	}
	b.linef("%%dtype_%s_cast_%s = torch.constant.int %d", port, nodeName, compute.TorchCode())
	b.linef("%%false_%s_%s = torch.constant.bool false", port, nodeName)
	b.linef("%%none_%s_%s = torch.constant.none", port, nodeName)
	cast := operand + "_cast"
	b.linef("%s = torch.aten.to.dtype %s, %%dtype_%s_cast_%s, %%false_%s_%s, %%false_%s_%s, %%none_%s_%s : %s, !torch.int, !torch.bool, !torch.bool, !torch.none -> %s",
		cast, operand, port, nodeName, port, nodeName, port, nodeName, port, nodeName,
		logicalTypeAsm(t), vtensorTypeAsm(t.dims, compute))
	return cast
}

// EmitAsm renders the validated graph as a deterministic Torch dialect
// module. The entry point @main takes the output placeholders first
// (sorted by name, non-value tensor types) then the inputs (sorted by
// name, value tensor types); scalars are folded into the body and never
// appear in the signature. Calling this before Validate is an error.
func (g *Graph) EmitAsm() (string, error) {
	if !g.validated {
		return "", status.Errorf(status.UnsetProperty,
			"graph %q must be validated before emission", g.ctx.Name())
	}
	klog.V(1).Infof("Emitting ASM for graph %q", g.ctx.Name())

	b := &asmBlock{}
	for _, n := range g.nodes {
		if err := n.emit(b); err != nil {
			return "", err
		}
	}

	var args []string
	for _, t := range g.sortedOutputs {
		args = append(args, fmt.Sprintf("%%%s_: %s", t.name, signatureTypeAsm(t)))
	}
	for _, t := range g.sortedInputs {
		args = append(args, fmt.Sprintf("%%%s: %s", t.name, physicalTypeAsm(t)))
	}

	var sb strings.Builder
	sb.WriteString("module @module {\n")
	sb.WriteString(b.moduleScope.String())
	fmt.Fprintf(&sb, "  func.func @main(%s) attributes {torch.assume_strict_symbolic_shapes} {\n",
		strings.Join(args, ", "))
	sb.WriteString(b.top.String())
	sb.WriteString(b.body.String())
	for _, t := range g.sortedOutputs {
		fmt.Fprintf(&sb, "%storch.overwrite.tensor.contents %%%s overwrites %%%s_ : %s, %s\n",
			bodyIndent, t.name, t.name, physicalTypeAsm(t), signatureTypeAsm(t))
	}
	sb.WriteString(bodyIndent + "return\n")
	sb.WriteString("  }\n")
	sb.WriteString("}\n")
	return sb.String(), nil
}
