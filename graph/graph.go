package graph

import (
	"fmt"
	"sort"

	"k8s.io/klog/v2"

	"github.com/nod-ai/fusilli/types/dtypes"
	"github.com/nod-ai/fusilli/types/status"
)

// Graph is a DAG of tensor ops. Build it, promote the tensors you want
// back with SetOutput(true), then Validate, Compile and Execute.
type Graph struct {
	ctx     Context
	nodes   []node
	tensors []*TensorAttr

	validated bool

	// Populated by Validate, both sorted by tensor name. These orders
	// define the entry point signature and the variant pack layout.
	sortedInputs  []*TensorAttr
	sortedOutputs []*TensorAttr

	// Compilation state, see compile.go.
	compiled compiledState
}

// New returns an empty graph.
func New() *Graph { return &Graph{} }

func (g *Graph) SetName(name string) *Graph {
	g.ctx.SetName(name)
	return g
}

func (g *Graph) SetIODataType(dtype dtypes.DType) *Graph {
	g.ctx.SetIODataType(dtype)
	return g
}

func (g *Graph) SetIntermediateDataType(dtype dtypes.DType) *Graph {
	g.ctx.SetIntermediateDataType(dtype)
	return g
}

func (g *Graph) SetComputeDataType(dtype dtypes.DType) *Graph {
	g.ctx.SetComputeDataType(dtype)
	return g
}

func (g *Graph) Name() string { return g.ctx.Name() }

// Tensor registers an externally supplied tensor (a graph input or a
// scalar constant) and returns it.
func (g *Graph) Tensor(t *TensorAttr) *TensorAttr {
	g.tensors = append(g.tensors, t)
	return t
}

// outputTensor creates a node output: virtual until the caller promotes
// it with SetOutput(true).
func (g *Graph) outputTensor(name string) *TensorAttr {
	t := NewTensorAttr().SetName(name).SetIsVirtual(true)
	g.tensors = append(g.tensors, t)
	return t
}

// nextNodeName derives the auto-assigned node name for builders:
// "<prefix>_<index>" with the running node count as index.
func (g *Graph) nextNodeName(prefix string) string {
	return fmt.Sprintf("%s_%d", prefix, len(g.nodes))
}

func (g *Graph) addNode(n node) { g.nodes = append(g.nodes, n) }

// Inputs returns the non-virtual, non-scalar graph inputs sorted by
// name. Only valid after Validate.
func (g *Graph) Inputs() []*TensorAttr { return g.sortedInputs }

// Outputs returns the graph outputs sorted by name. Only valid after
// Validate.
func (g *Graph) Outputs() []*TensorAttr { return g.sortedOutputs }

// TensorByUid finds the registered tensor carrying the given uid, for
// callers that assemble variant packs by uid instead of by handle.
func (g *Graph) TensorByUid(uid int64) (*TensorAttr, error) {
	for _, t := range g.tensors {
		if t.uidSet && t.uid == uid {
			return t, nil
		}
	}
	return nil, status.Errorf(status.InvalidTensor,
		"no tensor with uid %d in graph %q", uid, g.ctx.Name())
}

// Validate checks the graph structure, runs property inference on every
// node in insertion order, and freezes the sorted input/output sets.
// The first problem found is returned with its status code.
func (g *Graph) Validate() error {
	if g.ctx.Name() == "" {
		return status.Errorf(status.UnsetProperty, "graph name not set")
	}
	klog.V(1).Infof("Validating graph %q: %d nodes, %d tensors",
		g.ctx.Name(), len(g.nodes), len(g.tensors))

	if err := g.checkUniqueSymbols(); err != nil {
		return err
	}

	for _, n := range g.nodes {
		if err := n.preValidate(); err != nil {
			return err
		}
	}
	for _, n := range g.nodes {
		if err := n.inferProperties(&g.ctx); err != nil {
			return err
		}
	}
	for _, n := range g.nodes {
		if err := n.postValidate(); err != nil {
			return err
		}
	}

	for _, t := range g.tensors {
		if err := t.validateFull(); err != nil {
			return err
		}
	}

	if err := g.checkStructure(); err != nil {
		return err
	}

	g.populateSortedSets()
	g.validated = true
	return nil
}

// checkUniqueSymbols rejects duplicate names across nodes and tensors.
// All symbols share one namespace since they all become SSA value names
// in the emitted assembly.
func (g *Graph) checkUniqueSymbols() error {
	seen := make(map[string]bool, len(g.nodes)+len(g.tensors))
	register := func(symbol string) error {
		if symbol == "" {
			return nil // Caught later by validateFull.
		}
		if seen[symbol] {
			return status.Errorf(status.InvalidTensor,
				"duplicate symbol %q in graph %q", symbol, g.ctx.Name())
		}
		seen[symbol] = true
		return nil
	}
	for _, n := range g.nodes {
		if err := register(n.name()); err != nil {
			return err
		}
	}
	uids := make(map[int64]string)
	for _, t := range g.tensors {
		if err := register(t.name); err != nil {
			return err
		}
		if !t.uidSet {
			continue
		}
		if other, ok := uids[t.uid]; ok {
			return status.Errorf(status.InvalidTensor,
				"tensors %q and %q share uid %d in graph %q",
				other, t.name, t.uid, g.ctx.Name())
		}
		uids[t.uid] = t.name
	}
	return nil
}

// producers maps each tensor to the node that computes it.
func (g *Graph) producers() (map[*TensorAttr]node, error) {
	producer := make(map[*TensorAttr]node)
	for _, n := range g.nodes {
		for _, out := range n.outputs() {
			if prev, ok := producer[out]; ok {
				return nil, status.Errorf(status.InvalidTensor,
					"tensor %q produced by both %q and %q",
					out.name, prev.name(), n.name())
			}
			producer[out] = n
		}
	}
	return producer, nil
}

// checkStructure verifies every node input is either a registered graph
// tensor or produced by another node, and that the node graph is
// acyclic.
func (g *Graph) checkStructure() error {
	producer, err := g.producers()
	if err != nil {
		return err
	}

	registered := make(map[*TensorAttr]bool, len(g.tensors))
	for _, t := range g.tensors {
		registered[t] = true
	}
	for _, n := range g.nodes {
		for _, in := range n.inputs() {
			if producer[in] == nil && !registered[in] {
				return status.Errorf(status.DanglingInput,
					"node %q consumes tensor %q that is neither a graph input nor produced by any node",
					n.name(), in.name)
			}
		}
	}

	// Kahn's algorithm over node-to-node edges.
	indegree := make(map[node]int, len(g.nodes))
	consumers := make(map[node][]node)
	for _, n := range g.nodes {
		indegree[n] += 0
		for _, in := range n.inputs() {
			if p := producer[in]; p != nil && p != n {
				indegree[n]++
				consumers[p] = append(consumers[p], n)
			}
		}
	}
	var ready []node
	for _, n := range g.nodes {
		if indegree[n] == 0 {
			ready = append(ready, n)
		}
	}
	processed := 0
	for len(ready) > 0 {
		n := ready[len(ready)-1]
		ready = ready[:len(ready)-1]
		processed++
		for _, c := range consumers[n] {
			indegree[c]--
			if indegree[c] == 0 {
				ready = append(ready, c)
			}
		}
	}
	if processed != len(g.nodes) {
		return status.Errorf(status.CycleDetected,
			"graph %q contains a cycle", g.ctx.Name())
	}
	return nil
}

// populateSortedSets freezes the entry point signature: graph inputs are
// the non-virtual, non-scalar tensors consumed but never produced;
// graph outputs are the non-virtual tensors nodes produce. Both sorted
// by name.
func (g *Graph) populateSortedSets() {
	producer, _ := g.producers()

	inputSet := make(map[*TensorAttr]bool)
	outputSet := make(map[*TensorAttr]bool)
	for _, n := range g.nodes {
		for _, in := range n.inputs() {
			if !in.isVirtual && !in.isScalar && producer[in] == nil {
				inputSet[in] = true
			}
		}
		for _, out := range n.outputs() {
			if !out.isVirtual {
				outputSet[out] = true
			}
		}
	}

	g.sortedInputs = sortedByName(inputSet)
	g.sortedOutputs = sortedByName(outputSet)
}

func sortedByName(set map[*TensorAttr]bool) []*TensorAttr {
	out := make([]*TensorAttr, 0, len(set))
	for t := range set {
		out = append(out, t)
	}
	sort.Slice(out, func(a, b int) bool { return out[a].name < out[b].name })
	return out
}
