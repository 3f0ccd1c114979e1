// Package cgroupid discovers the unified cgroup-v2 mount and maps cgroup
// filesystem paths to the 64-bit identifier the kernel classifier keys its
// maps on. Grounded on src/cgroup_util.c (cg_find_unified /
// cg_path_get_cgroupid) from the original C sources.
package cgroupid

import (
	"errors"
	"fmt"
	"os"

	"github.com/containerd/cgroups"
	"golang.org/x/sys/unix"
)

// ErrNoMedium is returned when only a legacy cgroup-v1 hierarchy is
// mounted; the daemon aborts initialization in that case, mirroring the
// original's -ENOMEDIUM.
var ErrNoMedium = errors.New("cgroupid: no unified cgroup-v2 hierarchy mounted")

// candidateMounts are tried in order.
var candidateMounts = []string{
	"/sys/fs/cgroup",
	"/sys/fs/cgroup/unified",
	"/sys/fs/cgroup/systemd",
}

// Root holds a path-only handle to the unified cgroup-v2 mount, opened once
// at startup.
type Root struct {
	dir *os.File
}

// FindUnifiedRoot locates the unified cgroup-v2 hierarchy by trying each of
// candidateMounts in turn and classifying the mount with
// cgroups.Mode(). The chosen directory is opened O_PATH|O_DIRECTORY.
func FindUnifiedRoot() (*Root, error) {
	var lastErr error = ErrNoMedium
	for _, path := range candidateMounts {
		if _, err := os.Stat(path); err != nil {
			continue
		}
		switch cgroups.Mode() {
		case cgroups.Unified, cgroups.Hybrid:
			// fall through to opening this candidate.
		default:
			lastErr = ErrNoMedium
			continue
		}
		dir, err := openPathDir(path)
		if err != nil {
			lastErr = err
			continue
		}
		return &Root{dir: dir}, nil
	}
	return nil, lastErr
}

func openPathDir(path string) (*os.File, error) {
	fd, err := unix.Open(path, unix.O_PATH|unix.O_DIRECTORY|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("cgroupid: open %s: %w", path, err)
	}
	return os.NewFile(uintptr(fd), path), nil
}

// Close releases the held directory handle.
func (r *Root) Close() error {
	if r == nil || r.dir == nil {
		return nil
	}
	return r.dir.Close()
}

// PathToID resolves relPath (relative to the unified root, e.g. the
// ControlGroup property of a transient scope with its leading slash
// trimmed) to the kernel's 64-bit cgroup id, by requesting a file handle
// whose content IS that id.
func (r *Root) PathToID(relPath string) (uint64, error) {
	// The kernel returns a cgroupfs file handle whose content is exactly
	// the 8-byte cgroup id (handle_bytes == sizeof(uint64_t) in the C
	// original); x/sys/unix negotiates the handle size for us.
	handle, _, err := unix.NameToHandleAt(int(r.dir.Fd()), "./"+relPath, 0)
	if err != nil {
		return 0, fmt.Errorf("cgroupid: name_to_handle_at %q: %w", relPath, err)
	}
	b := handle.Bytes()
	if len(b) < 8 {
		return 0, fmt.Errorf("cgroupid: unexpected file handle length %d", len(b))
	}
	return nativeUint64(b[:8]), nil
}

func nativeUint64(b []byte) uint64 {
	var v uint64
	for i := 0; i < 8; i++ {
		v |= uint64(b[i]) << (8 * i)
	}
	return v
}
