package graph

import (
	"slices"

	"github.com/nod-ai/fusilli/backend"
	"github.com/nod-ai/fusilli/types/status"
)

// Execute runs the compiled graph with the given variant pack, which
// must bind a device buffer to every graph input and every graph
// output. A workspace buffer is required when WorkspaceSize is
// positive.
//
// Results land in the output buffers when Execute returns; on AMDGPU
// the invocation is queue-ordered against any prior work on the
// handle's device.
func (g *Graph) Execute(h *backend.Handle, pack map[*TensorAttr]*backend.Buffer, workspace ...*backend.Buffer) error {
	if g.compiled.executable == nil {
		return status.Errorf(status.UnsetProperty,
			"graph %q must be compiled before executing", g.ctx.Name())
	}

	for t, buf := range pack {
		if t.isVirtual {
			return status.Errorf(status.InvalidTensor,
				"variant pack binds virtual tensor %q", t.name)
		}
		if t.isScalar {
			return status.Errorf(status.InvalidTensor,
				"variant pack binds scalar %q; scalars are baked into the compiled graph", t.name)
		}
		if buf == nil {
			return status.Errorf(status.InvalidTensor,
				"variant pack binds tensor %q to a nil buffer", t.name)
		}
		if buf.DType() != t.dtype {
			return status.Errorf(status.DtypeMismatch,
				"tensor %q is %s but its buffer is %s", t.name, t.dtype, buf.DType())
		}
		if !slices.Equal(buf.Dims(), t.dims) {
			return status.Errorf(status.ShapeMismatch,
				"tensor %q has dims %v but its buffer has %v", t.name, t.dims, buf.Dims())
		}
	}

	// Arguments follow the entry point signature: outputs sorted by
	// name, then inputs sorted by name.
	args := make([]*backend.Buffer, 0, len(g.sortedOutputs)+len(g.sortedInputs))
	for _, t := range g.sortedOutputs {
		buf, ok := pack[t]
		if !ok {
			return status.Errorf(status.InvalidTensor,
				"variant pack is missing output tensor %q", t.name)
		}
		args = append(args, buf)
	}
	for _, t := range g.sortedInputs {
		buf, ok := pack[t]
		if !ok {
			return status.Errorf(status.InvalidTensor,
				"variant pack is missing input tensor %q", t.name)
		}
		args = append(args, buf)
	}

	var ws *backend.Buffer
	if len(workspace) > 0 {
		ws = workspace[0]
	}
	return g.compiled.executable.Invoke(args, ws)
}
