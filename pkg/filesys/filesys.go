// Package filesys provides the small set of file system helpers the engine
// needs when working under a data root: path creation honoring a configured
// access mode, existence checks, and atomic whole-file writes.
package filesys

import (
	"errors"
	"os"
	"path/filepath"
)

var (
	ErrIsNotDir = errors.New("path isn't a directory")
)

// CreateDir creates a directory (and any missing parents) at the specified
// path with the given permissions. An existing directory is not an error;
// an existing non-directory is.
func CreateDir(dirPath string, permission os.FileMode) error {
	stat, err := os.Stat(dirPath)
	if err == nil {
		if !stat.IsDir() {
			return ErrIsNotDir
		}
		return nil
	}

	return os.MkdirAll(dirPath, permission)
}

// Exists checks if a file or directory at the given path exists.
func Exists(path string) (bool, error) {
	_, err := os.Stat(path)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	return false, err
}

// ReadFile reads the entire content of the file at path into a byte slice.
func ReadFile(path string) ([]byte, error) {
	return os.ReadFile(path)
}

// WriteFileAtomic writes contents to a temporary file in the target
// directory, syncs it, and renames it over the final path. Readers never
// observe a partially written file; a crash leaves either the old file or
// the new one.
func WriteFileAtomic(path string, permission os.FileMode, contents []byte) error {
	dir := filepath.Dir(path)

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()

	cleanup := func() {
		tmp.Close()
		os.Remove(tmpName)
	}

	if _, err := tmp.Write(contents); err != nil {
		cleanup()
		return err
	}

	if err := tmp.Chmod(permission); err != nil {
		cleanup()
		return err
	}

	if err := tmp.Sync(); err != nil {
		cleanup()
		return err
	}

	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}

	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return err
	}

	return nil
}

// DeleteDir deletes a directory and all its contents recursively.
func DeleteDir(path string) error {
	return os.RemoveAll(path)
}

// DeleteFile deletes the file at the specified path.
func DeleteFile(path string) error {
	return os.Remove(path)
}
