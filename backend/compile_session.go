package backend

import (
	"k8s.io/klog/v2"

	"github.com/nod-ai/fusilli/internal/ireec"
)

// CompileWithSession compiles mlirPath into vmfbPath in-process through
// libIREECompiler.so, avoiding the fork/exec of the CLI path (which
// matters on GPU hosts where forking a process with live HIP state is
// expensive or unsafe).
func CompileWithSession(b Backend, mlirPath, vmfbPath, statsPath string) error {
	compiler, err := ireec.Load()
	if err != nil {
		return err
	}
	flags, err := CompileFlags(b)
	if err != nil {
		return err
	}
	flags = append(flags,
		"--iree-input-type=torch",
		"--output-format=vm-bytecode",
		"--mlir-timing",
		"--iree-scheduling-dump-statistics-format=json",
		"--iree-scheduling-dump-statistics-file="+statsPath,
	)
	klog.V(1).Infof("Compiling via %s session: %s -> %s",
		compiler.Version(), mlirPath, vmfbPath)
	return compiler.Compile(mlirPath, vmfbPath, flags)
}

// Compile produces vmfbPath from mlirPath on the selected path: the
// subprocess CLI when FUSILLI_COMPILE_BACKEND_USE_CLI is set, else the
// in-process session.
func Compile(b Backend, mlirPath, vmfbPath, statsPath string) error {
	if UseCliCompiler() {
		return CompileWithCli(b, mlirPath, vmfbPath, statsPath)
	}
	return CompileWithSession(b, mlirPath, vmfbPath, statsPath)
}
