package server

import (
	"go.uber.org/zap"

	cib "github.com/clusterlabs/cibd"
	ierrors "github.com/clusterlabs/cibd/kit/platform/errors"
	"github.com/clusterlabs/cibd/tree"
)

// load returns the document to start with: the checkpoint, or the newest
// archived copy when it is newer or the checkpoint is unusable, or an
// empty document when there is neither.
func (s *Server) load() (*tree.Document, error) {
	var (
		doc     *tree.Document
		loadErr error
	)
	if s.files != nil {
		d, err := s.files.Load()
		switch {
		case err == nil:
			doc = d
		case ierrors.ErrorCode(err) == ierrors.ENotFound:
		default:
			s.log.Warn("Checkpoint is unusable", zap.Error(err))
			loadErr = err
		}
	}

	if s.archive != nil {
		latest, err := s.archive.Latest()
		switch {
		case err == nil:
			if doc == nil || cib.VersionOf(doc.Root()).Less(cib.VersionOf(latest.Root())) {
				s.log.Info("Using archived checkpoint", zap.Stringer("version", cib.VersionOf(latest.Root())))
				doc = latest
			}
		case ierrors.ErrorCode(err) != ierrors.ENotFound:
			s.log.Warn("Could not read the checkpoint archive", zap.Error(err))
		}
	}

	if doc == nil {
		if loadErr != nil {
			return nil, loadErr
		}
		s.log.Info("No checkpoint found, starting with an empty document")
		return cib.Empty(0, s.schemas.Latest()), nil
	}
	if err := s.schemas.ValidateDeclared(doc); err != nil {
		return nil, &ierrors.Error{Code: ierrors.ErrorCode(err), Op: "server.load", Msg: "checkpoint does not validate", Err: err}
	}
	s.log.Info("Loaded checkpoint", zap.Stringer("version", cib.VersionOf(doc.Root())))
	return doc, nil
}

// changed counts a committed change towards the next checkpoint.
func (s *Server) changed() {
	s.unsaved++
	if s.unsaved >= s.cfg.CheckpointUpdates {
		s.checkpoint()
	}
}

// checkpoint writes the current document to disk and archives it.
func (s *Server) checkpoint() {
	s.saved = s.clock.Now()
	if s.files == nil {
		s.unsaved = 0
		return
	}
	if err := s.files.Write(s.doc); err != nil {
		s.metrics.checkpoints.WithLabelValues("error").Inc()
		s.log.Error("Could not write checkpoint", zap.Error(err))
		return
	}
	if s.archive != nil {
		if err := s.archive.Put(s.doc); err != nil {
			s.log.Warn("Could not archive checkpoint", zap.Error(err))
		} else if n, err := s.archive.Prune(s.cfg.ArchiveKeep); err != nil {
			s.log.Warn("Could not prune the checkpoint archive", zap.Error(err))
		} else if n > 0 {
			s.log.Debug("Pruned the checkpoint archive", zap.Int("removed", n))
		}
	}
	s.metrics.checkpoints.WithLabelValues("ok").Inc()
	s.unsaved = 0
}
