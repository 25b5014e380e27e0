package server

import (
	"context"

	"go.uber.org/zap"

	cib "github.com/clusterlabs/cibd"
	"github.com/clusterlabs/cibd/bus"
	ierrors "github.com/clusterlabs/cibd/kit/platform/errors"
	"github.com/clusterlabs/cibd/peer"
)

// Shutdown asks the cluster to let this node leave and stops the server
// once the primary has acknowledged, or after ShutdownTimeout. The
// primary and stand-alone servers stop right away.
func (s *Server) Shutdown(ctx context.Context) error {
	result := make(chan error, 1)
	if err := s.do(ctx, func() {
		s.beginShutdown(ctx, func(err error) { result <- err })
	}); err != nil {
		return err
	}
	select {
	case err := <-result:
		return err
	case <-s.done:
		select {
		case err := <-result:
			return err
		default:
			return nil
		}
	case <-ctx.Done():
		return &ierrors.Error{Code: ierrors.ETimeout, Op: "server.Shutdown", Err: ctx.Err()}
	}
}

func (s *Server) beginShutdown(ctx context.Context, done func(error)) {
	prev := s.shutdownDone
	s.shutdownDone = func(err error) {
		if prev != nil {
			prev(err)
		}
		if done != nil {
			done(err)
		}
	}
	if s.shuttingDown {
		return
	}
	s.shuttingDown = true
	s.log.Info("Shutdown requested")

	if s.cfg.StandAlone || s.transport == nil {
		s.finishShutdown(nil)
		return
	}

	m := cib.NewMessage(cib.OpShutdownReq)
	m.Set(cib.FieldHostFrom, s.local)
	if err := s.transport.Broadcast(ctx, m.Bytes()); err != nil {
		s.log.Warn("Could not announce our shutdown", zap.Error(err))
	}

	if s.primary || !s.hasOtherMembers() {
		s.finishShutdown(nil)
		return
	}
	s.shutdownBy = s.clock.Now().Add(s.cfg.ShutdownTimeout)
	s.log.Info("Waiting for the primary to acknowledge our shutdown",
		zap.String("primary", s.primaryName()),
		zap.Duration("timeout", s.cfg.ShutdownTimeout))
}

func (s *Server) hasOtherMembers() bool {
	for _, r := range s.peers.Members() {
		if r.Name != s.local {
			return true
		}
	}
	return false
}

// peerShutdown records that a peer is about to leave. The primary
// acknowledges.
func (s *Server) peerShutdown(ctx context.Context, from string, msg *cib.Message) {
	if !s.peers.SetFlags(from, peer.FlagShuttingDown) {
		s.log.Debug("Shutdown request from an unknown peer", zap.String("peer", from))
	}
	s.log.Info("Peer is shutting down", zap.String("peer", from))
	if !s.primary {
		return
	}
	r := msg.Reply(nil)
	r.Set(cib.FieldHostFrom, s.local)
	if err := s.transport.Unicast(ctx, from, r.Bytes()); err != nil {
		s.log.Warn("Could not acknowledge shutdown", zap.String("peer", from), zap.Error(err))
	}
}

// shutdownAcknowledged handles the primary's reply to our shutdown
// request.
func (s *Server) shutdownAcknowledged(from string) {
	if !s.shuttingDown {
		err := &ierrors.Error{Code: ierrors.EInvalid, Op: cib.OpShutdownReq, Msg: "shutdown acknowledged but none was requested"}
		s.log.Error("Ignoring shutdown reply", zap.String("from", from), zap.Error(err))
		return
	}
	s.log.Info("Shutdown acknowledged", zap.String("from", from))
	s.finishShutdown(nil)
}

func (s *Server) finishShutdown(err error) {
	if s.unsaved > 0 {
		s.checkpoint()
	}
	s.bus.Publish(bus.Event{Kind: bus.KindShutdown, Err: err})
	if done := s.shutdownDone; done != nil {
		s.shutdownDone = nil
		done(err)
	}
	s.terminate()
}
