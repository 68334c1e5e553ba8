package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/shirou/gopsutil/v4/disk"
)

// Filesystems SQLite cannot lock reliably.
var networkFilesystems = map[string]struct{}{
	"afpfs":      {},
	"cifs":       {},
	"fuse.sshfs": {},
	"nfs":        {},
	"nfs4":       {},
	"smb2":       {},
	"smb3":       {},
	"smbfs":      {},
	"webdav":     {},
}

// mount is the part of a partition table entry the check needs.
type mount struct {
	point  string
	fsType string
}

// CheckLocalFilesystem rejects a state path that lives on a network
// filesystem. Hosts whose mount table cannot be read pass.
func CheckLocalFilesystem(path string) error {
	mounts, err := readMounts(context.Background())
	if err != nil || len(mounts) == 0 {
		return nil
	}
	return checkFilesystem(path, mounts)
}

func readMounts(ctx context.Context) ([]mount, error) {
	parts, err := disk.PartitionsWithContext(ctx, true)
	if err != nil {
		return nil, fmt.Errorf("list partitions: %w", err)
	}
	out := make([]mount, 0, len(parts))
	for _, p := range parts {
		out = append(out, mount{point: p.Mountpoint, fsType: p.Fstype})
	}
	return out, nil
}

func checkFilesystem(path string, mounts []mount) error {
	if path == "" {
		return errors.New("state path is empty")
	}
	existing, err := nearestExistingPath(path)
	if err != nil {
		return fmt.Errorf("resolve state path %q: %w", path, err)
	}
	if resolved, err := filepath.EvalSymlinks(existing); err == nil {
		existing = resolved
	}

	m, ok := mountFor(existing, mounts)
	if !ok {
		return nil
	}
	if isNetworkFilesystem(m.fsType) {
		return fmt.Errorf("state path %q is on %s mount %s; SQLite needs local disk for locking, point state.path elsewhere",
			path, m.fsType, m.point)
	}
	return nil
}

// mountFor picks the deepest mount point containing path.
func mountFor(path string, mounts []mount) (mount, bool) {
	var best mount
	found := false
	for _, m := range mounts {
		if !within(path, m.point) {
			continue
		}
		if !found || len(m.point) > len(best.point) {
			best, found = m, true
		}
	}
	return best, found
}

func within(path, dir string) bool {
	if dir == "/" || path == dir {
		return true
	}
	return strings.HasPrefix(path, strings.TrimRight(dir, string(os.PathSeparator))+string(os.PathSeparator))
}

func nearestExistingPath(path string) (string, error) {
	candidate, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	for {
		if _, err := os.Stat(candidate); err == nil {
			return candidate, nil
		} else if !errors.Is(err, os.ErrNotExist) {
			return "", err
		}
		parent := filepath.Dir(candidate)
		if parent == candidate {
			return "", fmt.Errorf("no existing parent for %q", path)
		}
		candidate = parent
	}
}

func isNetworkFilesystem(fsType string) bool {
	_, ok := networkFilesystems[strings.ToLower(strings.TrimSpace(fsType))]
	return ok
}
