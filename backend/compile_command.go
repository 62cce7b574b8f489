package backend

import (
	"bytes"
	"os"
	"os/exec"
	"strings"

	"github.com/dustin/go-humanize"
	"k8s.io/klog/v2"

	"github.com/nod-ai/fusilli/internal/tools"
	"github.com/nod-ai/fusilli/types/status"
)

// EnvCompileUseCli selects the subprocess compile path when set to a
// non-empty value; the default is the in-process C API.
const EnvCompileUseCli = "FUSILLI_COMPILE_BACKEND_USE_CLI"

// UseCliCompiler reports whether compilation should spawn iree-compile
// instead of loading libIREECompiler.so.
func UseCliCompiler() bool {
	return os.Getenv(EnvCompileUseCli) != ""
}

// BuildCompileCommand assembles the iree-compile argv: backend flags,
// the torch input dialect, the output artifact, the input MLIR, the
// bytecode output format, and compile statistics dumping.
func BuildCompileCommand(compiler, mlirPath, vmfbPath, statsPath string, flags []string) []string {
	args := append([]string{compiler}, flags...)
	args = append(args,
		"--iree-input-type=torch",
		"-o", vmfbPath,
		mlirPath,
		"--output-format=vm-bytecode",
		"--mlir-timing",
		"--iree-scheduling-dump-statistics-format=json",
		"--iree-scheduling-dump-statistics-file="+statsPath,
	)
	return args
}

// CommandString renders an argv for logs and diagnostics: arguments
// containing spaces or quotes are wrapped in double quotes with embedded
// `"` and `\` escaped.
func CommandString(args []string) string {
	quoted := make([]string, len(args))
	for i, arg := range args {
		quoted[i] = quoteArg(arg)
	}
	return strings.Join(quoted, " ")
}

func quoteArg(arg string) string {
	if arg != "" && !strings.ContainsAny(arg, " \t\"'") {
		return arg
	}
	var sb strings.Builder
	sb.WriteByte('"')
	for i := 0; i < len(arg); i++ {
		if arg[i] == '"' || arg[i] == '\\' {
			sb.WriteByte('\\')
		}
		sb.WriteByte(arg[i])
	}
	sb.WriteByte('"')
	return sb.String()
}

// CompileWithCli compiles mlirPath into vmfbPath by spawning the
// iree-compile binary. Failures carry the process stderr.
func CompileWithCli(b Backend, mlirPath, vmfbPath, statsPath string) error {
	compiler, err := tools.IreeCompile()
	if err != nil {
		return err
	}
	flags, err := CompileFlags(b)
	if err != nil {
		return err
	}
	args := BuildCompileCommand(compiler, mlirPath, vmfbPath, statsPath, flags)
	klog.V(1).Infof("Compiling via CLI: %s", CommandString(args))

	cmd := exec.Command(args[0], args[1:]...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return status.Errorf(status.CompilationFailed,
			"iree-compile failed: %v\n%s", err, stderr.String())
	}
	if info, err := os.Stat(vmfbPath); err == nil {
		klog.V(1).Infof("Compiled %s (%s)", vmfbPath,
			humanize.Bytes(uint64(info.Size())))
	}
	return nil
}
