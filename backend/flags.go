package backend

import (
	"os"
	"strings"

	"k8s.io/klog/v2"

	"github.com/nod-ai/fusilli/types/status"
)

// EnvExtraCompilerFlags appends user flags to every backend's flag set.
const EnvExtraCompilerFlags = "FUSILLI_EXTRA_COMPILER_FLAGS"

var cpuFlags = []string{
	"--iree-hal-target-backends=llvm-cpu",
	"--iree-llvmcpu-target-cpu=host",
	"--iree-torch-externalize-transients",
}

// amdgpuFlags returns the rocm flag set for the given HIP target (an SKU
// like "mi300x" or an architecture like "gfx942").
func amdgpuFlags(target string) []string {
	return []string{
		"--iree-hal-target-backends=rocm",
		"--iree-hip-target=" + target,
		"--iree-opt-level=O3",
		"--iree-preprocessing-pass-pipeline=builtin.module(util.func(iree-preprocessing-convert-conv-filter-to-channels-last))",
		"--iree-flow-enable-pad-handling",
		"--iree-global-opt-propagate-transposes-through-conv",
		"--iree-global-opt-enable-sink-transpose-through-pad",
		"--iree-dispatch-creation-enable-fuse-padding-into-linalg-consumer-ops",
		"--iree-dispatch-creation-enable-aggressive-reshape-movement",
		"--iree-dispatch-creation-enable-split-reduction",
		"--iree-torch-externalize-transients",
	}
}

// CompileFlags returns the backend's IREE compiler flag list, including
// any FUSILLI_EXTRA_COMPILER_FLAGS. For AMDGPU the HIP target is
// detected on first use.
func CompileFlags(b Backend) ([]string, error) {
	if err := b.Validate(); err != nil {
		return nil, err
	}
	var flags []string
	switch b {
	case AMDGPU:
		target, err := RocmTarget()
		if err != nil {
			return nil, err
		}
		flags = amdgpuFlags(target)
	default:
		flags = append([]string(nil), cpuFlags...)
	}
	if extra := os.Getenv(EnvExtraCompilerFlags); extra != "" {
		parsed := ParseCompilerFlags(extra)
		klog.V(1).Infof("Adding %d extra compiler flags from %s",
			len(parsed), EnvExtraCompilerFlags)
		flags = append(flags, parsed...)
	}
	return flags, nil
}

// ParseCompilerFlags splits a space-separated flag string. Double quotes
// group tokens containing spaces and may appear mid-token
// (--flag="a b"); single quotes are literal characters.
func ParseCompilerFlags(s string) []string {
	var flags []string
	var token strings.Builder
	inQuotes := false
	flush := func() {
		if token.Len() > 0 {
			flags = append(flags, token.String())
			token.Reset()
		}
	}
	for _, r := range s {
		switch {
		case r == '"':
			inQuotes = !inQuotes
		case !inQuotes && (r == ' ' || r == '\t' || r == '\n' || r == '\r'):
			flush()
		default:
			token.WriteRune(r)
		}
	}
	flush()
	return flags
}

// Targets summarizes the compiler target selection for diagnostics.
func Targets(b Backend) (string, error) {
	if err := b.Validate(); err != nil {
		return "", err
	}
	if b == AMDGPU {
		target, err := RocmTarget()
		if err != nil {
			return "", status.Wrap(status.DeviceError, err, "detecting ROCm target")
		}
		return b.CompilerTarget() + "/" + target, nil
	}
	return b.CompilerTarget(), nil
}
