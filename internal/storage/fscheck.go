package storage

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ErrFilesystemUnknown is returned where the platform cannot report a
// filesystem type.
var ErrFilesystemUnknown = errors.New("filesystem type detection unsupported")

var remoteFilesystems = map[string]bool{
	"afpfs":  true,
	"cifs":   true,
	"nfs":    true,
	"smbfs":  true,
	"smb2":   true,
	"webdav": true,
}

// NetworkFilesystemError reports a state path on a network mount, where
// neither SQLite WAL nor the instance flock can be trusted.
type NetworkFilesystemError struct {
	Path   string
	FSType string
}

func (e *NetworkFilesystemError) Error() string {
	return fmt.Sprintf("state path %q is on network filesystem %q; keep state.path on local disk", e.Path, e.FSType)
}

// CheckLocalFilesystem returns a *NetworkFilesystemError when path, or its
// nearest existing parent, lives on a network mount.
func CheckLocalFilesystem(path string) error {
	return checkLocalFilesystem(path, filesystemType)
}

func checkLocalFilesystem(path string, detect func(string) (string, error)) error {
	if path == "" {
		return errors.New("sqlite path is empty")
	}
	existing, err := nearestExisting(path)
	if err != nil {
		return err
	}
	fsType, err := detect(existing)
	if err != nil {
		return err
	}
	if remoteFilesystems[strings.ToLower(strings.TrimSpace(fsType))] {
		return &NetworkFilesystemError{Path: path, FSType: fsType}
	}
	return nil
}

func nearestExisting(path string) (string, error) {
	p, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("resolve %q: %w", path, err)
	}
	for {
		_, err := os.Stat(p)
		if err == nil {
			return p, nil
		}
		if !errors.Is(err, os.ErrNotExist) {
			return "", fmt.Errorf("stat %q: %w", p, err)
		}
		parent := filepath.Dir(p)
		if parent == p {
			return "", fmt.Errorf("no existing parent for %q", path)
		}
		p = parent
	}
}
