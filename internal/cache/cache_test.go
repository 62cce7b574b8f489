package cache

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeyIsSensitiveToEveryComponent(t *testing.T) {
	base := Key("mlir", "rocm", []string{"-O3"})
	assert.Len(t, base, 64)
	assert.Equal(t, base, Key("mlir", "rocm", []string{"-O3"}))
	assert.NotEqual(t, base, Key("mlir2", "rocm", []string{"-O3"}))
	assert.NotEqual(t, base, Key("mlir", "llvm-cpu", []string{"-O3"}))
	assert.NotEqual(t, base, Key("mlir", "rocm", []string{"-O2"}))
	assert.NotEqual(t, base, Key("mlir", "rocm", nil))
	// Concatenation boundaries must not alias.
	assert.NotEqual(t, Key("ab", "c", nil), Key("a", "bc", nil))
}

func TestRootHonorsEnvOverride(t *testing.T) {
	t.Setenv("FUSILLI_CACHE_DIR", "/custom/cache")
	assert.Equal(t, "/custom/cache", Root())
	t.Setenv("FUSILLI_CACHE_DIR", "")
	assert.NotEmpty(t, Root())
}

func TestAcquireWriteValidateRelease(t *testing.T) {
	root := t.TempDir()
	key := Key("module @module {}", "llvm-cpu", nil)

	e, err := Acquire(root, key)
	require.NoError(t, err)
	defer e.Release()

	assert.False(t, e.Valid("module @module {}"))

	require.NoError(t, e.WriteFile(MlirFile, []byte("module @module {}")))
	require.NoError(t, e.WriteFile(VmfbFile, []byte{0xde, 0xad}))
	require.NoError(t, e.WriteFile(StatsFile, []byte("{}")))
	assert.True(t, e.Valid("module @module {}"))
	assert.False(t, e.Valid("module @other {}"))

	data, err := e.ReadFile(VmfbFile)
	require.NoError(t, err)
	assert.Equal(t, []byte{0xde, 0xad}, data)

	// No temp files left behind by the atomic writes.
	dirents, err := os.ReadDir(e.Dir())
	require.NoError(t, err)
	for _, d := range dirents {
		assert.NotContains(t, d.Name(), ".tmp")
	}
}

func TestInvalidateKeepsDirectoryAndLock(t *testing.T) {
	root := t.TempDir()
	e, err := Acquire(root, Key("m", "t", nil))
	require.NoError(t, err)
	defer e.Release()

	require.NoError(t, e.WriteFile(VmfbFile, []byte{1}))
	require.NoError(t, e.Invalidate())
	assert.False(t, e.Valid("m"))
	_, err = os.Stat(e.Dir())
	assert.NoError(t, err)
	// Invalidating an already empty entry is fine.
	require.NoError(t, e.Invalidate())
}

func TestReacquireSeesPersistedArtifacts(t *testing.T) {
	root := t.TempDir()
	key := Key("m", "t", []string{"-f"})

	e, err := Acquire(root, key)
	require.NoError(t, err)
	require.NoError(t, e.WriteFile(MlirFile, []byte("m")))
	require.NoError(t, e.WriteFile(VmfbFile, []byte{2}))
	require.NoError(t, e.WriteFile(StatsFile, []byte("{}")))
	require.NoError(t, e.Release())

	e2, err := Acquire(root, key)
	require.NoError(t, err)
	defer e2.Release()
	assert.True(t, e2.Valid("m"))
}

func TestListAndClean(t *testing.T) {
	root := t.TempDir()
	dirs, err := List(root)
	require.NoError(t, err)
	assert.Empty(t, dirs)

	e, err := Acquire(root, Key("m", "t", nil))
	require.NoError(t, err)
	require.NoError(t, e.Release())

	dirs, err = List(root)
	require.NoError(t, err)
	require.Len(t, dirs, 1)
	assert.Equal(t, filepath.Join(root, Key("m", "t", nil)), dirs[0])

	require.NoError(t, Clean(dirs[0]))
	dirs, err = List(root)
	require.NoError(t, err)
	assert.Empty(t, dirs)

	// Listing a root that never existed is an empty cache.
	dirs, err = List(filepath.Join(root, "missing"))
	require.NoError(t, err)
	assert.Empty(t, dirs)
}
