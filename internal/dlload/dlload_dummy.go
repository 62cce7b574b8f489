//go:build !linux || !cgo

package dlload

import (
	"unsafe"

	"github.com/nod-ai/fusilli/types/status"
)

// Library is unavailable without cgo on Linux; every operation reports
// LibraryNotLoaded.
type Library struct {
	path string
}

func Open(path string) (*Library, error) {
	return nil, status.Errorf(status.LibraryNotLoaded,
		"dynamic loading requires cgo on Linux; cannot load %s", path)
}

func (l *Library) Path() string   { return l.path }
func (l *Library) IsLoaded() bool { return false }

func (l *Library) Symbol(name string) (unsafe.Pointer, error) {
	return nil, status.Errorf(status.LibraryNotLoaded,
		"dynamic loading requires cgo on Linux")
}

func (l *Library) Close() error { return nil }
