// Package backend selects and drives fusilli's execution targets: the
// Backend enum, per-backend IREE compiler flags, AMD GPU target
// detection, device handles, device buffers, and the two compiler
// invocation paths (subprocess CLI and in-process C API).
package backend

import (
	"github.com/nod-ai/fusilli/types/status"
)

// Backend identifies a compilation and execution target.
type Backend int

const (
	// CPU compiles for llvm-cpu and executes on the local-task HAL
	// driver.
	CPU Backend = iota
	// AMDGPU compiles for rocm and executes on the hip HAL driver.
	AMDGPU
)

func (b Backend) String() string {
	switch b {
	case CPU:
		return "CPU"
	case AMDGPU:
		return "AMDGPU"
	}
	return "UNKNOWN_BACKEND"
}

// Validate rejects values outside the enum.
func (b Backend) Validate() error {
	switch b {
	case CPU, AMDGPU:
		return nil
	}
	return status.Errorf(status.UnsupportedBackend, "unsupported backend %d", int(b))
}

// HalDriver returns the IREE HAL driver name for the backend.
func (b Backend) HalDriver() string {
	switch b {
	case AMDGPU:
		return "hip"
	default:
		return "local-task"
	}
}

// CompilerTarget returns the --iree-hal-target-backends value.
func (b Backend) CompilerTarget() string {
	switch b {
	case AMDGPU:
		return "rocm"
	default:
		return "llvm-cpu"
	}
}

// Async reports whether execution runs asynchronously on a device queue.
// Only AMDGPU schedules asynchronously; CPU invocations are synchronous.
func (b Backend) Async() bool { return b == AMDGPU }
