package store

import (
	"os"
	"strconv"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	ierrors "github.com/clusterlabs/cibd/kit/platform/errors"
)

// PIDFile is an exclusive advisory lock on a file holding our pid. Only
// the holder may write the checkpoint.
type PIDFile struct {
	path string
	f    *os.File
}

// LockPIDFile takes the lock at path without waiting. It fails with
// EConflict when another process holds it.
func LockPIDFile(path string) (*PIDFile, error) {
	const op = "store.LockPIDFile"

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, &ierrors.Error{Code: ierrors.EInternal, Op: op, Err: err}
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close()
		if err == unix.EWOULDBLOCK {
			return nil, &ierrors.Error{Code: ierrors.EConflict, Op: op, Msg: path + " is locked by another process"}
		}
		return nil, &ierrors.Error{Code: ierrors.EInternal, Op: op, Err: errors.Wrap(err, "flock")}
	}
	if err := f.Truncate(0); err != nil {
		f.Close()
		return nil, &ierrors.Error{Code: ierrors.EInternal, Op: op, Err: err}
	}
	if _, err := f.WriteAt([]byte(strconv.Itoa(os.Getpid())+"\n"), 0); err != nil {
		f.Close()
		return nil, &ierrors.Error{Code: ierrors.EInternal, Op: op, Err: err}
	}
	return &PIDFile{path: path, f: f}, nil
}

// Path is the locked file.
func (p *PIDFile) Path() string { return p.path }

// Unlock releases the lock and removes the file.
func (p *PIDFile) Unlock() error {
	if p == nil || p.f == nil {
		return nil
	}
	os.Remove(p.path)
	err := p.f.Close()
	p.f = nil
	return err
}
