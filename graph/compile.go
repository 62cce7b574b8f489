package graph

import (
	"os"

	"k8s.io/klog/v2"

	"github.com/nod-ai/fusilli/backend"
	"github.com/nod-ai/fusilli/internal/cache"
	"github.com/nod-ai/fusilli/types/status"
)

// compiledState is what Compile leaves behind: the loaded executable
// plus enough provenance to inspect or clean the cache entry.
type compiledState struct {
	executable *backend.Executable
	cacheDir   string
	asm        string
}

// CompileOptions adjusts Compile behavior.
type CompileOptions struct {
	// InvalidateCache discards any cached artifacts for this graph and
	// recompiles from scratch.
	InvalidateCache bool
}

// Compile emits the graph, compiles it for the handle's backend (or
// reuses a valid cached artifact), and loads the result onto the
// handle's device. The graph must have been validated.
func (g *Graph) Compile(h *backend.Handle, opts CompileOptions) error {
	if !g.validated {
		return status.Errorf(status.UnsetProperty,
			"graph %q must be validated before compiling", g.ctx.Name())
	}
	if g.compiled.executable != nil {
		return status.Errorf(status.InvalidTensor,
			"graph %q is already compiled", g.ctx.Name())
	}

	asm, err := g.EmitAsm()
	if err != nil {
		return err
	}
	flags, err := backend.CompileFlags(h.Backend())
	if err != nil {
		return err
	}

	key := cache.Key(asm, h.Backend().CompilerTarget(), flags)
	entry, err := cache.Acquire(cache.Root(), key)
	if err != nil {
		return err
	}
	defer entry.Release()

	if opts.InvalidateCache {
		if err := entry.Invalidate(); err != nil {
			return err
		}
	}

	if entry.Valid(asm) {
		klog.V(1).Infof("Graph %q: reusing cached artifacts in %s",
			g.ctx.Name(), entry.Dir())
	} else {
		if err := entry.WriteFile(cache.MlirFile, []byte(asm)); err != nil {
			return err
		}
		if err := backend.Compile(h.Backend(),
			entry.Path(cache.MlirFile),
			entry.Path(cache.VmfbFile),
			entry.Path(cache.StatsFile)); err != nil {
			return err
		}
		if _, err := os.Stat(entry.Path(cache.VmfbFile)); err != nil {
			return status.Errorf(status.CompilationFailed,
				"compiler produced no artifact for graph %q", g.ctx.Name())
		}
		klog.V(1).Infof("Graph %q: compiled into %s", g.ctx.Name(), entry.Dir())
	}

	vmfb, err := entry.ReadFile(cache.VmfbFile)
	if err != nil {
		return err
	}
	executable, err := h.LoadExecutable(vmfb)
	if err != nil {
		return err
	}

	g.compiled = compiledState{
		executable: executable,
		cacheDir:   entry.Dir(),
		asm:        asm,
	}
	return nil
}

// WorkspaceSize reports the scratch memory in bytes Execute needs for
// this graph. Only valid after Compile.
func (g *Graph) WorkspaceSize() (int64, error) {
	if g.compiled.executable == nil {
		return 0, status.Errorf(status.UnsetProperty,
			"graph %q is not compiled", g.ctx.Name())
	}
	return g.compiled.executable.WorkspaceSize(), nil
}

// CacheDir reports where this graph's compiled artifacts live. Only
// valid after Compile.
func (g *Graph) CacheDir() string { return g.compiled.cacheDir }

// Free releases the loaded executable. The graph can be compiled
// again afterwards.
func (g *Graph) Free() {
	if g.compiled.executable != nil {
		g.compiled.executable.Close()
		g.compiled = compiledState{}
	}
}
