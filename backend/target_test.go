package backend

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nod-ai/fusilli/internal/tools"
)

func TestSkuFromMarketingName(t *testing.T) {
	assert.Equal(t, "mi300x", skuFromMarketingName("AMD Instinct MI300X OAM"))
	assert.Equal(t, "mi355x", skuFromMarketingName("amd instinct mi355x"))
	assert.Equal(t, "rx7900xtx", skuFromMarketingName("Radeon RX 7900 XTX"))
	// XT must not shadow XTX: patterns are ordered longest first.
	assert.Equal(t, "rx7900xt", skuFromMarketingName("Radeon RX 7900 XT"))
	assert.Equal(t, "", skuFromMarketingName("Some Future GPU"))
}

func TestFindMarketNameWalksNestedJson(t *testing.T) {
	decoded := map[string]any{
		"gpu_0": map[string]any{
			"asic": map[string]any{
				"market_name": "AMD Instinct MI325X",
				"vendor_id":   "0x1002",
			},
		},
	}
	assert.Equal(t, "AMD Instinct MI325X", findMarketName(decoded))
	assert.Equal(t, "", findMarketName(map[string]any{"no": "match"}))

	inList := []any{map[string]any{"market_name": "MI210"}}
	assert.Equal(t, "MI210", findMarketName(inList))
}

// fakeTool writes an executable shell script and returns its path.
func fakeTool(t *testing.T, name, script string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+script+"\n"), 0o755))
	return path
}

func TestRocmTargetPrefersAmdSmiSku(t *testing.T) {
	resetRocmTargetForTesting()
	t.Cleanup(resetRocmTargetForTesting)
	t.Setenv(tools.EnvAmdSmi, fakeTool(t, "amd-smi",
		`echo '{"gpu": {"asic": {"market_name": "AMD Instinct MI300X"}}}'`))
	t.Setenv(tools.EnvRocmAgentEnumerator, fakeTool(t, "rocm_agent_enumerator",
		"echo gfx942"))

	target, err := RocmTarget()
	require.NoError(t, err)
	assert.Equal(t, "mi300x", target)
}

func TestRocmTargetFallsBackToAgentEnumerator(t *testing.T) {
	resetRocmTargetForTesting()
	t.Cleanup(resetRocmTargetForTesting)
	// amd-smi reports an unrecognized marketing name.
	t.Setenv(tools.EnvAmdSmi, fakeTool(t, "amd-smi",
		`echo '{"asic": {"market_name": "Unknown GPU"}}'`))
	t.Setenv(tools.EnvRocmAgentEnumerator, fakeTool(t, "rocm_agent_enumerator",
		"echo gfx000; echo gfx90a"))

	target, err := RocmTarget()
	require.NoError(t, err)
	assert.Equal(t, "gfx90a", target)
}

func TestRocmTargetErrorsWhenNothingDetected(t *testing.T) {
	resetRocmTargetForTesting()
	t.Cleanup(resetRocmTargetForTesting)
	t.Setenv(tools.EnvAmdSmi, fakeTool(t, "amd-smi", "exit 1"))
	t.Setenv(tools.EnvRocmAgentEnumerator, fakeTool(t, "rocm_agent_enumerator", "exit 1"))

	_, err := RocmTarget()
	require.Error(t, err)
}

func TestRocmTargetMemoizes(t *testing.T) {
	resetRocmTargetForTesting()
	t.Cleanup(resetRocmTargetForTesting)
	t.Setenv(tools.EnvAmdSmi, fakeTool(t, "amd-smi",
		`echo '{"asic": {"market_name": "AMD Instinct MI250X"}}'`))
	t.Setenv(tools.EnvRocmAgentEnumerator, fakeTool(t, "rocm_agent_enumerator", "exit 1"))

	first, err := RocmTarget()
	require.NoError(t, err)
	require.Equal(t, "mi250x", first)

	// Break the probes: the memoized result must still be served.
	t.Setenv(tools.EnvAmdSmi, fakeTool(t, "amd-smi", "exit 1"))
	second, err := RocmTarget()
	require.NoError(t, err)
	assert.Equal(t, first, second)
}
