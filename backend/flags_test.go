package backend

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseCompilerFlagsSplitsOnWhitespace(t *testing.T) {
	flags := ParseCompilerFlags("--flag-a --flag-b=1   --flag-c")
	assert.Equal(t, []string{"--flag-a", "--flag-b=1", "--flag-c"}, flags)
}

func TestParseCompilerFlagsEmpty(t *testing.T) {
	assert.Empty(t, ParseCompilerFlags(""))
	assert.Empty(t, ParseCompilerFlags("   \t\n"))
}

func TestParseCompilerFlagsQuotedValues(t *testing.T) {
	flags := ParseCompilerFlags(`--pipeline="builtin.module(util.func(foo, bar))" --other`)
	require.Len(t, flags, 2)
	assert.Equal(t, "--pipeline=builtin.module(util.func(foo, bar))", flags[0])
	assert.Equal(t, "--other", flags[1])
}

func TestParseCompilerFlagsQuotesMidToken(t *testing.T) {
	flags := ParseCompilerFlags(`--a="x y"z --b`)
	assert.Equal(t, []string{"--a=x yz", "--b"}, flags)
}

func TestParseCompilerFlagsSingleQuotesAreLiteral(t *testing.T) {
	flags := ParseCompilerFlags("--a='x --b")
	assert.Equal(t, []string{"--a='x", "--b"}, flags)
}

func TestCompileFlagsCpu(t *testing.T) {
	flags, err := CompileFlags(CPU)
	require.NoError(t, err)
	assert.Contains(t, flags, "--iree-hal-target-backends=llvm-cpu")
	assert.Contains(t, flags, "--iree-llvmcpu-target-cpu=host")
	assert.Contains(t, flags, "--iree-torch-externalize-transients")
}

func TestCompileFlagsAppendsExtraFlags(t *testing.T) {
	t.Setenv(EnvExtraCompilerFlags, `--extra-one --extra-two="a b"`)
	flags, err := CompileFlags(CPU)
	require.NoError(t, err)
	require.GreaterOrEqual(t, len(flags), 2)
	assert.Equal(t, "--extra-one", flags[len(flags)-2])
	assert.Equal(t, "--extra-two=a b", flags[len(flags)-1])
}

func TestCompileFlagsRejectsUnknownBackend(t *testing.T) {
	_, err := CompileFlags(Backend(42))
	require.Error(t, err)
}

func TestBackendProperties(t *testing.T) {
	assert.Equal(t, "local-task", CPU.HalDriver())
	assert.Equal(t, "hip", AMDGPU.HalDriver())
	assert.Equal(t, "llvm-cpu", CPU.CompilerTarget())
	assert.Equal(t, "rocm", AMDGPU.CompilerTarget())
	assert.False(t, CPU.Async())
	assert.True(t, AMDGPU.Async())
	assert.Error(t, Backend(-1).Validate())
}
