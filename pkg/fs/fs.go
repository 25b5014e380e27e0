// Package fs holds file helpers shared by the on-disk stores.
package fs

import (
	"os"
	"path/filepath"
	"syscall"

	"github.com/pkg/errors"
)

// SyncDir flushes any file renames to the filesystem.
func SyncDir(dirName string) error {
	dir, err := os.OpenFile(dirName, os.O_RDONLY, os.ModeDir)
	if err != nil {
		return err
	}
	defer dir.Close()

	// Some network filesystems do not support fsync on directories and
	// report EINVAL.
	err = dir.Sync()
	if pe, ok := err.(*os.PathError); ok && pe.Err == syscall.EINVAL {
		err = nil
	} else if err != nil {
		return err
	}

	return dir.Close()
}

// WriteFileAtomic replaces path with data. Readers see either the old or
// the new contents, never a partial write.
func WriteFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	f, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-")
	if err != nil {
		return errors.Wrap(err, "create temp file")
	}
	tmp := f.Name()
	defer os.Remove(tmp)

	if _, err := f.Write(data); err != nil {
		f.Close()
		return errors.Wrapf(err, "write %s", tmp)
	}
	if err := f.Chmod(perm); err != nil {
		f.Close()
		return errors.Wrapf(err, "chmod %s", tmp)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return errors.Wrapf(err, "sync %s", tmp)
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		return errors.Wrapf(err, "rename to %s", path)
	}
	return SyncDir(dir)
}
