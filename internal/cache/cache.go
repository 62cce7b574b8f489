// Package cache implements fusilli's content-addressed on-disk compile
// cache. Each entry is a directory named by the hex digest of the
// emitted MLIR plus the compilation target and flags:
//
//	<root>/
//	  <hash>/
//	    graph.mlir        compiler input
//	    graph.vmfb        compiled artifact
//	    statistics.json   compiler telemetry
//	    .lock             advisory lock sentinel
//
// Concurrent callers on the same key serialize on an exclusive flock of
// .lock: the first one compiles, the rest reuse the result. Callers on
// distinct keys never contend.
package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"golang.org/x/sys/unix"
	"k8s.io/klog/v2"

	"github.com/nod-ai/fusilli/types/status"
)

// Artifact file names within an entry directory.
const (
	MlirFile  = "graph.mlir"
	VmfbFile  = "graph.vmfb"
	StatsFile = "statistics.json"

	lockFile = ".lock"
)

// Root returns the cache root: $FUSILLI_CACHE_DIR when set, else a
// fusilli directory under the OS temp dir.
func Root() string {
	if dir := os.Getenv("FUSILLI_CACHE_DIR"); dir != "" {
		return dir
	}
	return filepath.Join(os.TempDir(), "fusilli")
}

// Key digests the compiler input and target options into the entry name.
// Anything that changes the produced artifact must feed the digest.
func Key(mlir, target string, flags []string) string {
	h := sha256.New()
	h.Write([]byte(mlir))
	h.Write([]byte{0})
	h.Write([]byte(target))
	for _, f := range flags {
		h.Write([]byte{0})
		h.Write([]byte(f))
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Entry is a locked cache directory. Hold it for the duration of the
// reuse-or-compile decision and any artifact writes, then Release.
type Entry struct {
	dir  string
	lock *os.File
}

// Acquire creates the entry directory if needed and takes the exclusive
// lock, blocking until concurrent holders release it.
func Acquire(root, key string) (*Entry, error) {
	dir := filepath.Join(root, key)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, status.Wrapf(status.IoError, err, "creating cache entry %s", dir)
	}
	f, err := os.OpenFile(filepath.Join(dir, lockFile), os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, status.Wrapf(status.LockError, err, "opening lock in %s", dir)
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX); err != nil {
		f.Close()
		return nil, status.Wrapf(status.LockError, err, "locking cache entry %s", dir)
	}
	klog.V(1).Infof("Acquired cache entry %s", dir)
	return &Entry{dir: dir, lock: f}, nil
}

// Release drops the lock. The entry must not be used afterwards.
func (e *Entry) Release() error {
	if e.lock == nil {
		return nil
	}
	err := unix.Flock(int(e.lock.Fd()), unix.LOCK_UN)
	if cerr := e.lock.Close(); err == nil {
		err = cerr
	}
	e.lock = nil
	return status.Wrapf(status.LockError, err, "releasing cache entry %s", e.dir)
}

// Dir returns the entry directory path.
func (e *Entry) Dir() string { return e.dir }

// Path returns the path of an artifact file within the entry.
func (e *Entry) Path(name string) string { return filepath.Join(e.dir, name) }

// Valid reports whether the entry holds a reusable artifact for the
// given compiler input: all three artifact files present and the stored
// MLIR byte-identical to the current emission. The key already encodes
// the MLIR, so a mismatch means a truncated or corrupted entry.
func (e *Entry) Valid(mlir string) bool {
	for _, name := range []string{VmfbFile, StatsFile} {
		if _, err := os.Stat(e.Path(name)); err != nil {
			return false
		}
	}
	stored, err := os.ReadFile(e.Path(MlirFile))
	if err != nil || string(stored) != mlir {
		return false
	}
	return true
}

// WriteFile atomically writes an artifact: the data lands in a uniquely
// named temp file in the entry directory and is renamed into place, so
// readers never observe partial content.
func (e *Entry) WriteFile(name string, data []byte) error {
	tmp := e.Path(name + "." + uuid.NewString() + ".tmp")
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return status.Wrapf(status.IoError, err, "writing %s", tmp)
	}
	if err := os.Rename(tmp, e.Path(name)); err != nil {
		os.Remove(tmp)
		return status.Wrapf(status.IoError, err, "renaming %s into place", name)
	}
	return nil
}

// ReadFile reads an artifact file.
func (e *Entry) ReadFile(name string) ([]byte, error) {
	data, err := os.ReadFile(e.Path(name))
	if err != nil {
		return nil, status.Wrapf(status.IoError, err,
			"reading cache artifact %s", e.Path(name))
	}
	return data, nil
}

// Invalidate removes the artifact files, keeping the directory and the
// held lock so the caller can regenerate in place.
func (e *Entry) Invalidate() error {
	for _, name := range []string{MlirFile, VmfbFile, StatsFile} {
		if err := os.Remove(e.Path(name)); err != nil && !os.IsNotExist(err) {
			return status.Wrapf(status.IoError, err, "removing %s", e.Path(name))
		}
	}
	klog.V(1).Infof("Invalidated cache entry %s", e.dir)
	return nil
}

// List returns the entry directories currently present under root,
// sorted by name. Missing root is an empty cache, not an error.
func List(root string) ([]string, error) {
	dirents, err := os.ReadDir(root)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, status.Wrapf(status.IoError, err, "listing cache root %s", root)
	}
	var dirs []string
	for _, d := range dirents {
		if d.IsDir() {
			dirs = append(dirs, filepath.Join(root, d.Name()))
		}
	}
	return dirs, nil
}

// Clean removes a single entry directory, lock and all. Racing a live
// compilation on the same entry is the caller's responsibility.
func Clean(dir string) error {
	if err := os.RemoveAll(dir); err != nil {
		return status.Wrapf(status.IoError, err, "removing cache entry %s", dir)
	}
	return nil
}
