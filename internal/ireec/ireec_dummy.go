//go:build !linux || !cgo

package ireec

import (
	"github.com/nod-ai/fusilli/types/status"
)

// Dummy compiler binding for builds without cgo; the CLI compile path
// remains available.

type Compiler struct{}

func Load() (*Compiler, error) {
	return nil, status.Errorf(status.LibraryNotLoaded,
		"in-process compilation requires cgo on Linux; set FUSILLI_COMPILE_BACKEND_USE_CLI=1")
}

func (c *Compiler) Version() string { return "unavailable" }

func (c *Compiler) Compile(mlirPath, vmfbPath string, flags []string) error {
	return status.Errorf(status.LibraryNotLoaded,
		"in-process compilation requires cgo on Linux")
}
