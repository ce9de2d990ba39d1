// Package fsutil provides filesystem utilities for atomic operations and syncing.
package fsutil

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/afero"
)

// TempPrefix marks in-progress writes. Files with this prefix are never
// visible under a final name and may be removed by cleanup passes.
const TempPrefix = ".tmp-"

// IsTemp reports whether a base name belongs to an unfinished atomic write.
func IsTemp(name string) bool {
	return strings.HasPrefix(name, TempPrefix)
}

// WriteTemp writes data to a new fsynced temporary file in dir and returns its path.
// The caller owns the file: rename it into place or remove it.
func WriteTemp(fsys afero.Fs, dir string, data []byte, perm os.FileMode) (string, error) {
	tmp, err := afero.TempFile(fsys, dir, TempPrefix+"*")
	if err != nil {
		return "", fmt.Errorf("create tmp: %w", err)
	}
	tmpPath := tmp.Name()

	success := false
	defer func() {
		if !success {
			tmp.Close()
			fsys.Remove(tmpPath)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		return "", fmt.Errorf("write tmp: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		return "", fmt.Errorf("fsync tmp: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("close tmp: %w", err)
	}
	if err := fsys.Chmod(tmpPath, perm); err != nil {
		return "", fmt.Errorf("chmod tmp: %w", err)
	}
	success = true
	return tmpPath, nil
}

// AtomicWrite writes data to a temporary file, fsyncs, then renames to target path.
func AtomicWrite(fsys afero.Fs, path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	if err := fsys.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("atomic write mkdir: %w", err)
	}
	tmpPath, err := WriteTemp(fsys, dir, data, perm)
	if err != nil {
		return fmt.Errorf("atomic write: %w", err)
	}
	if err := fsys.Rename(tmpPath, path); err != nil {
		fsys.Remove(tmpPath)
		return fmt.Errorf("atomic write rename: %w", err)
	}
	if err := FsyncDir(fsys, dir); err != nil {
		return fmt.Errorf("atomic write fsync dir: %w", err)
	}
	return nil
}

// RenameAndSync renames old to new and fsyncs the parent directory.
func RenameAndSync(fsys afero.Fs, oldpath, newpath string) error {
	if err := fsys.Rename(oldpath, newpath); err != nil {
		return fmt.Errorf("rename: %w", err)
	}
	return FsyncDir(fsys, filepath.Dir(newpath))
}

// RemoveAndSync removes path and fsyncs its parent so the removal is durable.
func RemoveAndSync(fsys afero.Fs, path string) error {
	if err := fsys.Remove(path); err != nil {
		return err
	}
	return FsyncDir(fsys, filepath.Dir(path))
}

// FsyncDir fsyncs a directory to ensure rename visibility is durable.
func FsyncDir(fsys afero.Fs, dirPath string) error {
	d, err := fsys.Open(dirPath)
	if err != nil {
		return fmt.Errorf("fsync dir open: %w", err)
	}
	defer d.Close()
	return d.Sync()
}
