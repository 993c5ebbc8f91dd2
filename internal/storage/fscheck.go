package storage

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// remoteFilesystems are filesystem types on which SQLite locking is unreliable.
var remoteFilesystems = map[string]bool{
	"nfs":   true,
	"cifs":  true,
	"smbfs": true,
	"smb2":  true,
}

// fsTypeFunc reports the filesystem type holding path.
type fsTypeFunc func(path string) (string, error)

// checkLocalFilesystem rejects stats databases placed on network mounts.
// Platforms without detection pass.
func checkLocalFilesystem(path string, detect fsTypeFunc) error {
	dir, err := existingAncestor(path)
	if err != nil {
		return fmt.Errorf("resolve stats database path %q: %w", path, err)
	}

	fsType, err := detect(dir)
	if errors.Is(err, errUndetectable) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("detect filesystem for %q: %w", dir, err)
	}
	if remoteFilesystems[strings.ToLower(strings.TrimSpace(fsType))] {
		return fmt.Errorf("stats database %q is on network filesystem %q; set process_monitoring.sqlite_path to a local disk", path, fsType)
	}
	return nil
}

var errUndetectable = errors.New("filesystem detection unsupported")

// existingAncestor walks up from path until it finds something that exists.
func existingAncestor(path string) (string, error) {
	p, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	for {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		} else if !errors.Is(err, os.ErrNotExist) {
			return "", err
		}
		parent := filepath.Dir(p)
		if parent == p {
			return "", fmt.Errorf("no existing parent for %q", path)
		}
		p = parent
	}
}
