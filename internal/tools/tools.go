// Package tools locates the external programs and shared libraries
// fusilli drives: the IREE compiler (CLI binary or libIREECompiler.so)
// and the ROCm device discovery utilities. Every lookup honors an
// environment override first, then falls back to PATH and, for IREE
// artifacts, to the active Python installation's site-packages (where
// pip installs of iree-base-compiler land).
package tools

import (
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"

	"k8s.io/klog/v2"

	"github.com/nod-ai/fusilli/types/status"
)

// Environment overrides, each naming a full path to the tool.
const (
	EnvIreeCompile         = "FUSILLI_EXTERNAL_IREE_COMPILE"
	EnvIreeCompilerLib     = "FUSILLI_EXTERNAL_IREE_COMPILER_LIB"
	EnvRocmAgentEnumerator = "FUSILLI_EXTERNAL_ROCM_AGENT_ENUMERATOR"
	EnvAmdSmi              = "FUSILLI_EXTERNAL_AMD_SMI"
)

var (
	sitePackagesOnce sync.Once
	sitePackagesDir  string
)

// sitePackages returns the purelib directory of the first python3 on
// PATH, or "" when no usable interpreter is found. The probe runs once
// per process.
func sitePackages() string {
	sitePackagesOnce.Do(func() {
		out, err := exec.Command("python3", "-c",
			"import sysconfig; print(sysconfig.get_paths()['purelib'])").Output()
		if err != nil {
			klog.V(2).Infof("python3 site-packages probe failed: %v", err)
			return
		}
		sitePackagesDir = strings.TrimSpace(string(out))
		klog.V(2).Infof("python3 site-packages: %s", sitePackagesDir)
	})
	return sitePackagesDir
}

// find resolves a tool: the env override wins unconditionally (even if
// the file does not exist, so misconfiguration fails loudly), then PATH,
// then any site-packages relative candidates.
func find(envVar, name string, siteRelative ...string) (string, error) {
	if p := os.Getenv(envVar); p != "" {
		klog.V(2).Infof("Using %s from %s: %s", name, envVar, p)
		return p, nil
	}
	if p, err := exec.LookPath(name); err == nil {
		klog.V(2).Infof("Found %s on PATH: %s", name, p)
		return p, nil
	}
	if site := sitePackages(); site != "" {
		for _, rel := range siteRelative {
			p := filepath.Join(site, rel)
			if _, err := os.Stat(p); err == nil {
				klog.V(2).Infof("Found %s in site-packages: %s", name, p)
				return p, nil
			}
		}
	}
	return "", status.Errorf(status.IoError,
		"%s not found: set %s, add it to PATH, or pip install it", name, envVar)
}

// IreeCompile locates the iree-compile CLI binary.
func IreeCompile() (string, error) {
	return find(EnvIreeCompile, "iree-compile",
		filepath.Join("iree", "compiler", "_mlir_libs", "iree-compile"))
}

// IreeCompilerLib locates libIREECompiler.so for in-process compilation.
// When neither the override nor site-packages yields a path, the bare
// soname is returned so the dynamic loader can search its default paths.
func IreeCompilerLib() (string, error) {
	const soname = "libIREECompiler.so"
	if p := os.Getenv(EnvIreeCompilerLib); p != "" {
		klog.V(2).Infof("Using %s from %s: %s", soname, EnvIreeCompilerLib, p)
		return p, nil
	}
	if site := sitePackages(); site != "" {
		p := filepath.Join(site, "iree", "compiler", "_mlir_libs", soname)
		if _, err := os.Stat(p); err == nil {
			klog.V(2).Infof("Found %s in site-packages: %s", soname, p)
			return p, nil
		}
	}
	return soname, nil
}

// RocmAgentEnumerator locates the rocm_agent_enumerator utility.
func RocmAgentEnumerator() (string, error) {
	return find(EnvRocmAgentEnumerator, "rocm_agent_enumerator")
}

// AmdSmi locates the amd-smi utility.
func AmdSmi() (string, error) {
	return find(EnvAmdSmi, "amd-smi")
}
