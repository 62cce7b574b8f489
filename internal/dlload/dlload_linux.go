//go:build linux && cgo

// Package dlload wraps the glibc dynamic loader for fusilli's optional
// runtime dependencies (the IREE compiler shared library). Libraries are
// loaded into a fresh link-map namespace via dlmopen so their own
// dependencies (notably their bundled LLVM) cannot collide with anything
// already mapped into the process.
package dlload

/*
#cgo CFLAGS: -D_GNU_SOURCE
#cgo LDFLAGS: -ldl
#include <dlfcn.h>
#include <stdlib.h>

static void *fusilliDlmopen(const char *path) {
	return dlmopen(LM_ID_NEWLM, path, RTLD_NOW | RTLD_LOCAL);
}
*/
import "C"

import (
	"unsafe"

	"k8s.io/klog/v2"

	"github.com/nod-ai/fusilli/types/status"
)

// Library is an open shared library in its own namespace.
type Library struct {
	handle unsafe.Pointer
	path   string
}

func dlerror() string {
	if msg := C.dlerror(); msg != nil {
		return C.GoString(msg)
	}
	return "unknown dlopen error"
}

// Open loads the library at path (or by soname when path has no slash,
// searched along the loader's default paths).
func Open(path string) (*Library, error) {
	cpath := C.CString(path)
	defer C.free(unsafe.Pointer(cpath))
	C.dlerror() // Clear any stale error.
	handle := C.fusilliDlmopen(cpath)
	if handle == nil {
		return nil, status.Errorf(status.LinkingFailed,
			"loading %s: %s", path, dlerror())
	}
	klog.V(1).Infof("Loaded %s into a new namespace", path)
	return &Library{handle: handle, path: path}, nil
}

// Path returns the path the library was opened with.
func (l *Library) Path() string { return l.path }

// IsLoaded reports whether the library is open.
func (l *Library) IsLoaded() bool { return l != nil && l.handle != nil }

// Symbol resolves a symbol to its address.
func (l *Library) Symbol(name string) (unsafe.Pointer, error) {
	if l.handle == nil {
		return nil, status.Errorf(status.LibraryNotLoaded,
			"library %s is closed", l.path)
	}
	cname := C.CString(name)
	defer C.free(unsafe.Pointer(cname))
	C.dlerror()
	addr := C.dlsym(l.handle, cname)
	if addr == nil {
		return nil, status.Errorf(status.SymbolNotFound,
			"symbol %s not found in %s: %s", name, l.path, dlerror())
	}
	return addr, nil
}

// Close unloads the library. Resolved symbols must not be used
// afterwards.
func (l *Library) Close() error {
	if l.handle == nil {
		return nil
	}
	handle := l.handle
	l.handle = nil
	if C.dlclose(handle) != 0 {
		return status.Errorf(status.LinkingFailed,
			"unloading %s: %s", l.path, dlerror())
	}
	return nil
}
