package backend

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nod-ai/fusilli/internal/tools"
	"github.com/nod-ai/fusilli/types/status"
)

func TestBuildCompileCommand(t *testing.T) {
	args := BuildCompileCommand("iree-compile", "in.mlir", "out.vmfb", "stats.json",
		[]string{"--iree-hal-target-backends=llvm-cpu"})
	assert.Equal(t, []string{
		"iree-compile",
		"--iree-hal-target-backends=llvm-cpu",
		"--iree-input-type=torch",
		"-o", "out.vmfb",
		"in.mlir",
		"--output-format=vm-bytecode",
		"--mlir-timing",
		"--iree-scheduling-dump-statistics-format=json",
		"--iree-scheduling-dump-statistics-file=stats.json",
	}, args)
}

func TestCommandStringQuoting(t *testing.T) {
	assert.Equal(t, "a b", CommandString([]string{"a", "b"}))
	assert.Equal(t, `a "b c"`, CommandString([]string{"a", "b c"}))
	assert.Equal(t, `"say \"hi\""`, CommandString([]string{`say "hi"`}))
	assert.Equal(t, `""`, CommandString([]string{""}))
}

func TestUseCliCompiler(t *testing.T) {
	t.Setenv(EnvCompileUseCli, "")
	assert.False(t, UseCliCompiler())
	t.Setenv(EnvCompileUseCli, "1")
	assert.True(t, UseCliCompiler())
}

func TestCompileWithCliRunsFakeCompiler(t *testing.T) {
	dir := t.TempDir()
	vmfb := filepath.Join(dir, "out.vmfb")
	// Fake compiler: writes its last flag's file argument.
	t.Setenv(tools.EnvIreeCompile, fakeTool(t, "iree-compile",
		`out=""
while [ $# -gt 0 ]; do
  if [ "$1" = "-o" ]; then out="$2"; shift; fi
  shift
done
printf 'vmfb' > "$out"`))

	mlir := filepath.Join(dir, "in.mlir")
	require.NoError(t, os.WriteFile(mlir, []byte("module @module {\n}\n"), 0o644))

	err := CompileWithCli(CPU, mlir, vmfb, filepath.Join(dir, "stats.json"))
	require.NoError(t, err)
	data, err := os.ReadFile(vmfb)
	require.NoError(t, err)
	assert.Equal(t, "vmfb", string(data))
}

func TestCompileWithCliSurfacesStderr(t *testing.T) {
	t.Setenv(tools.EnvIreeCompile, fakeTool(t, "iree-compile",
		`echo "error: unknown op" >&2; exit 2`))

	err := CompileWithCli(CPU, "in.mlir", "out.vmfb", "stats.json")
	require.Error(t, err)
	assert.Equal(t, status.CompilationFailed, status.CodeOf(err))
	assert.Contains(t, err.Error(), "unknown op")
}
