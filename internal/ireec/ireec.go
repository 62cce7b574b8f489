//go:build linux && cgo

// Package ireec drives the IREE compiler in-process through
// libIREECompiler.so. The library is loaded with dlmopen into its own
// namespace (its bundled LLVM must not collide with the host process)
// and every ireeCompiler* entry point is resolved by name, so the
// compiler is a runtime dependency only: builds and non-compiling
// workflows never need it.
package ireec

/*
#include <stdbool.h>
#include <stdlib.h>

typedef void (*fusilliVoidFn)(void);
typedef int (*fusilliIntFn)(void);
typedef const char *(*fusilliStrFn)(void);
typedef void *(*fusilliCreateFn)(void);
typedef void (*fusilliDestroyFn)(void *);
typedef void *(*fusilliSessionSetFlagsFn)(void *, int, const char *const *);
typedef void *(*fusilliInvocationCreateFn)(void *);
typedef bool (*fusilliInvocationParseFn)(void *, void *);
typedef bool (*fusilliInvocationPipelineFn)(void *, int);
typedef void *(*fusilliSourceOpenFn)(void *, const char *, void **);
typedef void *(*fusilliOutputOpenFn)(const char *, void **);
typedef void *(*fusilliInvocationOutputFn)(void *, void *);
typedef const char *(*fusilliErrorMessageFn)(void *);

static void callVoid(void *fn) { ((fusilliVoidFn)fn)(); }
static int callInt(void *fn) { return ((fusilliIntFn)fn)(); }
static const char *callStr(void *fn) { return ((fusilliStrFn)fn)(); }
static void *callCreate(void *fn) { return ((fusilliCreateFn)fn)(); }
static void callUnary(void *fn, void *arg) { ((fusilliDestroyFn)fn)(arg); }
static void *callSessionSetFlags(void *fn, void *session, int argc,
                                 const char *const *argv) {
	return ((fusilliSessionSetFlagsFn)fn)(session, argc, argv);
}
static void *callInvocationCreate(void *fn, void *session) {
	return ((fusilliInvocationCreateFn)fn)(session);
}
static bool callInvocationParse(void *fn, void *inv, void *source) {
	return ((fusilliInvocationParseFn)fn)(inv, source);
}
static bool callInvocationPipeline(void *fn, void *inv, int pipeline) {
	return ((fusilliInvocationPipelineFn)fn)(inv, pipeline);
}
static void *callSourceOpen(void *fn, void *session, const char *path,
                            void **out) {
	return ((fusilliSourceOpenFn)fn)(session, path, out);
}
static void *callOutputOpen(void *fn, const char *path, void **out) {
	return ((fusilliOutputOpenFn)fn)(path, out);
}
static void *callInvocationOutput(void *fn, void *inv, void *output) {
	return ((fusilliInvocationOutputFn)fn)(inv, output);
}
static const char *callErrorMessage(void *fn, void *err) {
	return ((fusilliErrorMessageFn)fn)(err);
}
*/
import "C"

import (
	"fmt"
	"sync"
	"unsafe"

	"k8s.io/klog/v2"

	"github.com/nod-ai/fusilli/internal/dlload"
	"github.com/nod-ai/fusilli/internal/tools"
	"github.com/nod-ai/fusilli/types/status"
)

// pipelineStd is IREE_COMPILER_PIPELINE_STD: the full compilation
// pipeline from parsed input to the configured targets.
const pipelineStd = 0

// symbolNames is the complete ireeCompiler entry point set fusilli
// resolves; a library missing any of them is rejected up front.
var symbolNames = []string{
	"ireeCompilerGlobalInitialize",
	"ireeCompilerGlobalShutdown",
	"ireeCompilerGetAPIVersion",
	"ireeCompilerGetRevision",
	"ireeCompilerErrorDestroy",
	"ireeCompilerErrorGetMessage",
	"ireeCompilerSessionCreate",
	"ireeCompilerSessionDestroy",
	"ireeCompilerSessionSetFlags",
	"ireeCompilerInvocationCreate",
	"ireeCompilerInvocationDestroy",
	"ireeCompilerInvocationEnableConsoleDiagnostics",
	"ireeCompilerInvocationParseSource",
	"ireeCompilerInvocationPipeline",
	"ireeCompilerSourceOpenFile",
	"ireeCompilerSourceDestroy",
	"ireeCompilerOutputOpenFile",
	"ireeCompilerOutputKeep",
	"ireeCompilerOutputDestroy",
	"ireeCompilerInvocationOutputVMBytecode",
}

// Compiler is a loaded and globally initialized compiler library. One
// Compiler serves the whole process; sessions are created per compile.
type Compiler struct {
	lib  *dlload.Library
	syms map[string]unsafe.Pointer
}

var (
	loadOnce sync.Once
	loaded   *Compiler
	loadErr  error
)

// Load resolves, loads, and initializes the compiler library once per
// process.
func Load() (*Compiler, error) {
	loadOnce.Do(func() {
		loaded, loadErr = load()
	})
	return loaded, loadErr
}

func load() (*Compiler, error) {
	path, err := tools.IreeCompilerLib()
	if err != nil {
		return nil, err
	}
	lib, err := dlload.Open(path)
	if err != nil {
		return nil, err
	}
	c := &Compiler{lib: lib, syms: make(map[string]unsafe.Pointer, len(symbolNames))}
	for _, name := range symbolNames {
		addr, err := lib.Symbol(name)
		if err != nil {
			lib.Close()
			return nil, err
		}
		c.syms[name] = addr
	}
	C.callVoid(c.syms["ireeCompilerGlobalInitialize"])
	klog.V(1).Infof("IREE compiler %s loaded from %s", c.Version(), lib.Path())
	return c, nil
}

// Version reports the loaded compiler's API version and revision.
func (c *Compiler) Version() string {
	packed := int(C.callInt(c.syms["ireeCompilerGetAPIVersion"]))
	revision := C.GoString(C.callStr(c.syms["ireeCompilerGetRevision"]))
	if revision == "" {
		revision = "unknown"
	}
	return fmt.Sprintf("API %d.%d (%s)", packed>>16, packed&0xffff, revision)
}

// takeError consumes an iree_compiler_error_t, returning a coded error
// with its message, or nil.
func (c *Compiler) takeError(e unsafe.Pointer, op string) error {
	if e == nil {
		return nil
	}
	msg := C.GoString(C.callErrorMessage(c.syms["ireeCompilerErrorGetMessage"], e))
	C.callUnary(c.syms["ireeCompilerErrorDestroy"], e)
	return status.Errorf(status.CompilationFailed, "%s: %s", op, msg)
}

// Compile runs mlirPath through the standard pipeline with the given
// session flags and writes VM bytecode to vmfbPath.
func (c *Compiler) Compile(mlirPath, vmfbPath string, flags []string) error {
	session := C.callCreate(c.syms["ireeCompilerSessionCreate"])
	if session == nil {
		return status.Errorf(status.CompilationFailed, "creating compiler session")
	}
	defer C.callUnary(c.syms["ireeCompilerSessionDestroy"], session)

	if len(flags) > 0 {
		argv := make([]*C.char, len(flags))
		for i, f := range flags {
			argv[i] = C.CString(f)
			defer C.free(unsafe.Pointer(argv[i]))
		}
		if err := c.takeError(C.callSessionSetFlags(
			c.syms["ireeCompilerSessionSetFlags"], session,
			C.int(len(flags)), &argv[0]), "setting session flags"); err != nil {
			return err
		}
	}

	inv := C.callInvocationCreate(c.syms["ireeCompilerInvocationCreate"], session)
	if inv == nil {
		return status.Errorf(status.CompilationFailed, "creating invocation")
	}
	defer C.callUnary(c.syms["ireeCompilerInvocationDestroy"], inv)
	C.callUnary(c.syms["ireeCompilerInvocationEnableConsoleDiagnostics"], inv)

	cmlir := C.CString(mlirPath)
	defer C.free(unsafe.Pointer(cmlir))
	var source unsafe.Pointer
	if err := c.takeError(C.callSourceOpen(
		c.syms["ireeCompilerSourceOpenFile"], session, cmlir, &source),
		"opening "+mlirPath); err != nil {
		return err
	}
	defer C.callUnary(c.syms["ireeCompilerSourceDestroy"], source)

	if !C.callInvocationParse(c.syms["ireeCompilerInvocationParseSource"], inv, source) {
		return status.Errorf(status.CompilationFailed, "parsing %s", mlirPath)
	}
	if !C.callInvocationPipeline(c.syms["ireeCompilerInvocationPipeline"], inv, pipelineStd) {
		return status.Errorf(status.CompilationFailed, "running compilation pipeline")
	}

	cvmfb := C.CString(vmfbPath)
	defer C.free(unsafe.Pointer(cvmfb))
	var output unsafe.Pointer
	if err := c.takeError(C.callOutputOpen(
		c.syms["ireeCompilerOutputOpenFile"], cvmfb, &output),
		"opening "+vmfbPath); err != nil {
		return err
	}
	defer C.callUnary(c.syms["ireeCompilerOutputDestroy"], output)

	if err := c.takeError(C.callInvocationOutput(
		c.syms["ireeCompilerInvocationOutputVMBytecode"], inv, output),
		"emitting VM bytecode"); err != nil {
		return err
	}
	// Outputs are discarded on destroy unless kept.
	C.callUnary(c.syms["ireeCompilerOutputKeep"], output)
	return nil
}
