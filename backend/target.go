package backend

import (
	"encoding/json"
	"os/exec"
	"strings"
	"sync"

	"golang.org/x/sync/singleflight"
	"k8s.io/klog/v2"

	"github.com/nod-ai/fusilli/internal/tools"
	"github.com/nod-ai/fusilli/types/status"
)

// skuPatterns maps GPU marketing name substrings (matched
// case-insensitively, in order) to IREE SKU target names. SKU targets
// give the compiler better tuning data than the bare architecture.
var skuPatterns = []struct{ pattern, sku string }{
	// CDNA4
	{"MI355X", "mi355x"},
	{"MI350X", "mi350x"},
	// CDNA3
	{"MI325X", "mi325x"},
	{"MI308X", "mi308x"},
	{"MI300X", "mi300x"},
	{"MI300A", "mi300a"},
	// CDNA2
	{"MI250X", "mi250x"},
	{"MI250", "mi250"},
	{"MI210", "mi210"},
	// CDNA1
	{"MI100", "mi100"},
	// RDNA3 Pro
	{"W7900", "w7900"},
	{"W7800", "w7800"},
	{"W7700", "w7700"},
	{"V710", "v710"},
	// RDNA3 Consumer
	{"RX 7900 XTX", "rx7900xtx"},
	{"RX 7900 XT", "rx7900xt"},
	{"RX 7800 XT", "rx7800xt"},
	{"RX 7700 XT", "rx7700xt"},
	// RDNA4
	{"RX 9070 XT", "rx9070xt"},
	{"RX 9070", "rx9070"},
	{"RX 9060 XT", "rx9060xt"},
	{"R9700", "r9700"},
}

// skuFromMarketingName maps an amd-smi marketing name to an IREE SKU
// target, or "" when unrecognized.
func skuFromMarketingName(name string) string {
	upper := strings.ToUpper(name)
	for _, p := range skuPatterns {
		if strings.Contains(upper, p.pattern) {
			return p.sku
		}
	}
	return ""
}

// marketingNameFromAmdSmi runs `amd-smi static --gpu 0 --json` and
// extracts the market_name field, searching the decoded JSON at any
// nesting depth. Returns "" on any failure.
func marketingNameFromAmdSmi() string {
	smi, err := tools.AmdSmi()
	if err != nil {
		return ""
	}
	out, err := exec.Command(smi, "static", "--gpu", "0", "--json").Output()
	if err != nil {
		klog.V(2).Infof("amd-smi probe failed: %v", err)
		return ""
	}
	var decoded any
	if err := json.Unmarshal(out, &decoded); err != nil {
		return ""
	}
	return findMarketName(decoded)
}

func findMarketName(v any) string {
	switch node := v.(type) {
	case map[string]any:
		if name, ok := node["market_name"].(string); ok {
			return name
		}
		for _, child := range node {
			if name := findMarketName(child); name != "" {
				return name
			}
		}
	case []any:
		for _, child := range node {
			if name := findMarketName(child); name != "" {
				return name
			}
		}
	}
	return ""
}

// archFromRocmAgentEnumerator returns the first agent architecture that
// is not the gfx000 CPU placeholder, or "" on failure.
func archFromRocmAgentEnumerator() string {
	rae, err := tools.RocmAgentEnumerator()
	if err != nil {
		return ""
	}
	out, err := exec.Command(rae).Output()
	if err != nil {
		klog.V(2).Infof("rocm_agent_enumerator probe failed: %v", err)
		return ""
	}
	for _, line := range strings.Split(string(out), "\n") {
		arch := strings.TrimSpace(line)
		if arch == "" || arch == "gfx000" {
			continue
		}
		return arch
	}
	return ""
}

var (
	targetMu     sync.Mutex
	targetMemo   string
	targetProbes singleflight.Group
)

// RocmTarget detects the IREE HIP target for GPU 0: the SKU from
// amd-smi's marketing name when recognized, else the architecture from
// rocm_agent_enumerator. The result is memoized; concurrent first
// callers share a single probe.
func RocmTarget() (string, error) {
	targetMu.Lock()
	if targetMemo != "" {
		defer targetMu.Unlock()
		return targetMemo, nil
	}
	targetMu.Unlock()

	v, err, _ := targetProbes.Do("rocm-target", func() (any, error) {
		klog.V(1).Info("Detecting IREE HIP target for AMD GPU")
		if name := marketingNameFromAmdSmi(); name != "" {
			klog.V(1).Infof("amd-smi marketing name: %q", name)
			if sku := skuFromMarketingName(name); sku != "" {
				klog.V(1).Infof("Using SKU target %q", sku)
				return sku, nil
			}
		}
		if arch := archFromRocmAgentEnumerator(); arch != "" {
			klog.V(1).Infof("Using architecture target %q", arch)
			return arch, nil
		}
		return "", status.Errorf(status.DeviceError,
			"no AMD GPU target detected: amd-smi and rocm_agent_enumerator both unavailable or reported nothing")
	})
	if err != nil {
		return "", err
	}
	target := v.(string)
	targetMu.Lock()
	targetMemo = target
	targetMu.Unlock()
	return target, nil
}

// resetRocmTargetForTesting clears the memoized detection result.
func resetRocmTargetForTesting() {
	targetMu.Lock()
	targetMemo = ""
	targetMu.Unlock()
}
