// Package store keeps the document on disk: the last checkpoint with its
// signature, the writer lock and an archive of earlier checkpoints.
package store

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	cib "github.com/clusterlabs/cibd"
	ierrors "github.com/clusterlabs/cibd/kit/platform/errors"
	"github.com/clusterlabs/cibd/pkg/fs"
	"github.com/clusterlabs/cibd/tree"
)

const (
	// FileName is the checkpoint file inside the state directory.
	FileName = "cib.xml"

	// SigSuffix is appended to FileName for the signature file.
	SigSuffix = ".sig"
)

// Files reads and writes the checkpoint file pair in a directory.
type Files struct {
	Dir string
	log *zap.Logger
}

// NewFiles returns the file pair for dir.
func NewFiles(dir string, log *zap.Logger) *Files {
	if log == nil {
		log = zap.NewNop()
	}
	return &Files{Dir: dir, log: log.With(zap.String("service", "store"))}
}

// Path is the checkpoint file path.
func (f *Files) Path() string { return filepath.Join(f.Dir, FileName) }

// SigPath is the signature file path.
func (f *Files) SigPath() string { return f.Path() + SigSuffix }

// Write replaces the checkpoint with doc. The file is written before its
// signature, so a crash in between leaves a mismatch that Load reports.
func (f *Files) Write(doc *tree.Document) error {
	const op = "store.Write"

	if err := os.MkdirAll(f.Dir, 0o750); err != nil {
		return &ierrors.Error{Code: ierrors.EInternal, Op: op, Err: err}
	}
	data := doc.Bytes(tree.Indented())
	if err := fs.WriteFileAtomic(f.Path(), data, 0o600); err != nil {
		return &ierrors.Error{Code: ierrors.EInternal, Op: op, Err: err}
	}
	sig := []byte(tree.BytesDigest(data) + "\n")
	if err := fs.WriteFileAtomic(f.SigPath(), sig, 0o600); err != nil {
		return &ierrors.Error{Code: ierrors.EInternal, Op: op, Err: err}
	}
	f.log.Debug("Wrote checkpoint",
		zap.String("path", f.Path()),
		zap.Stringer("version", cib.VersionOf(doc.Root())))
	return nil
}

// Load reads the checkpoint and verifies it against its signature. A
// missing signature is tolerated with a warning; a mismatching one is an
// error. A missing checkpoint is ENotFound.
func (f *Files) Load() (*tree.Document, error) {
	const op = "store.Load"

	data, err := os.ReadFile(f.Path())
	if os.IsNotExist(err) {
		return nil, &ierrors.Error{Code: ierrors.ENotFound, Op: op, Msg: "no checkpoint at " + f.Path()}
	} else if err != nil {
		return nil, &ierrors.Error{Code: ierrors.EInternal, Op: op, Err: err}
	}

	sig, err := os.ReadFile(f.SigPath())
	switch {
	case os.IsNotExist(err):
		f.log.Warn("No signature for checkpoint, continuing", zap.String("path", f.SigPath()))
	case err != nil:
		return nil, &ierrors.Error{Code: ierrors.EInternal, Op: op, Err: err}
	default:
		want := strings.TrimSpace(string(sig))
		if got := tree.BytesDigest(data); got != want {
			return nil, &ierrors.Error{
				Code: ierrors.EInvalid,
				Op:   op,
				Msg:  "checkpoint digest " + got + " does not match signature " + want,
			}
		}
	}

	doc, err := tree.ParseReader(bytes.NewReader(data))
	if err != nil {
		return nil, &ierrors.Error{Code: ierrors.EInvalid, Op: op, Msg: "unreadable checkpoint", Err: err}
	}
	return doc, nil
}
