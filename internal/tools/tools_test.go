package tools

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nod-ai/fusilli/types/status"
)

func TestEnvOverrideWinsWithoutExistenceCheck(t *testing.T) {
	t.Setenv(EnvIreeCompile, "/nonexistent/iree-compile")
	p, err := IreeCompile()
	require.NoError(t, err)
	assert.Equal(t, "/nonexistent/iree-compile", p)
}

func TestLookupFallsBackToPath(t *testing.T) {
	dir := t.TempDir()
	fake := filepath.Join(dir, "amd-smi")
	require.NoError(t, os.WriteFile(fake, []byte("#!/bin/sh\n"), 0o755))
	t.Setenv(EnvAmdSmi, "")
	t.Setenv("PATH", dir)
	p, err := AmdSmi()
	require.NoError(t, err)
	assert.Equal(t, fake, p)
}

func TestMissingToolIsIoError(t *testing.T) {
	t.Setenv(EnvRocmAgentEnumerator, "")
	t.Setenv("PATH", t.TempDir())
	_, err := RocmAgentEnumerator()
	require.Error(t, err)
	assert.Equal(t, status.IoError, status.CodeOf(err))
}

func TestCompilerLibDefaultsToSoname(t *testing.T) {
	t.Setenv(EnvIreeCompilerLib, "")
	p, err := IreeCompilerLib()
	require.NoError(t, err)
	// Either a resolved site-packages path or the bare soname; both end
	// the same way.
	assert.Equal(t, "libIREECompiler.so", filepath.Base(p))
}
