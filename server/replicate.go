package server

import (
	"context"

	"go.uber.org/zap"

	cib "github.com/clusterlabs/cibd"
	"github.com/clusterlabs/cibd/bus"
	"github.com/clusterlabs/cibd/election"
	ierrors "github.com/clusterlabs/cibd/kit/platform/errors"
	"github.com/clusterlabs/cibd/patchset"
	"github.com/clusterlabs/cibd/peer"
	"github.com/clusterlabs/cibd/transport"
	"github.com/clusterlabs/cibd/tree"
)

// Outcomes of a peer patchset.
const (
	diffApplied = "applied"
	diffIgnored = "ignored"
	diffOld     = "old"
	diffResync  = "resync"
	diffFailed  = "failed"
)

// handleTransport processes one event from the cluster transport.
func (s *Server) handleTransport(ctx context.Context, ev transport.Event) {
	switch ev.Type {
	case transport.EventPeerUp:
		if ev.Peer.Name == s.local {
			return
		}
		if _, changed := s.peers.Up(ev.Peer); changed {
			s.log.Info("Peer joined", zap.Stringer("peer", ev.Peer))
		}
		if s.primary {
			s.announce(ctx, ev.Peer.Name)
		}
		s.checkElection(ctx)

	case transport.EventPeerDown:
		s.peerLost(ctx, ev.Peer.Name)

	case transport.EventQuorum:
		if s.quorum != ev.Quorum {
			s.log.Info("Quorum changed", zap.Bool("quorum", ev.Quorum))
		}
		s.quorum = ev.Quorum

	case transport.EventMessage:
		from := ev.Peer.Name
		s.peers.Seen(from)
		doc, err := tree.Parse(ev.Payload)
		if err != nil {
			s.log.Warn("Dropping unparsable peer message", zap.String("from", from), zap.Error(err))
			return
		}
		if election.IsMessage(doc) {
			if s.election == nil {
				return
			}
			st, err := s.election.Observe(ctx, doc)
			if err != nil {
				s.log.Warn("Election message failed", zap.String("from", from), zap.Error(err))
			}
			s.electionResult(ctx, st)
			return
		}
		msg, err := cib.WrapMessage(doc)
		if err != nil {
			s.log.Warn("Dropping peer message", zap.String("from", from), zap.Error(err))
			return
		}
		s.handlePeer(ctx, from, msg)
	}
}

// peerLost handles a peer leaving the membership.
func (s *Server) peerLost(ctx context.Context, name string) {
	rec, known := s.peers.Get(name)
	if s.peers.Down(name) {
		s.log.Info("Peer left", zap.String("peer", name))
	}
	if known && rec.Flags&peer.FlagShuttingDown != 0 {
		s.peers.Evict(name)
	}

	for _, p := range s.callbacks.sentTo(name) {
		p.reply(p.request.Reply(&ierrors.Error{
			Code: ierrors.EUnavailable,
			Op:   p.request.Op(),
			Msg:  name + " left before replying",
		}))
	}
	s.metrics.callbacks.Set(float64(s.callbacks.len()))

	if known && rec.Flags&peer.FlagPrimary != 0 {
		s.log.Warn("Lost the primary", zap.String("peer", name))
		if s.election != nil {
			s.election.Reset()
			s.startElection(ctx)
		}
		return
	}
	s.checkElection(ctx)
}

// handlePeer routes a message from another node.
func (s *Server) handlePeer(ctx context.Context, from string, msg *cib.Message) {
	op := msg.Op()
	switch {
	case op == cib.OpDiffNotify:
		s.receiveDiff(ctx, from, msg)

	case op == cib.OpReplace && msg.GetBool(cib.FieldGlobalUpdate) &&
		(msg.Get(cib.FieldOriginalOp) == cib.OpSync || msg.Get(cib.FieldOriginalOp) == cib.OpSyncOne):
		s.receiveSync(ctx, from, msg)

	case msg.IsReply():
		if op == cib.OpShutdownReq {
			s.shutdownAcknowledged(from)
			return
		}
		s.remoteReply(msg)

	case op == cib.OpPrimary:
		s.primaryAnnounced(ctx, from, msg)

	case op == cib.OpShutdownReq:
		s.peerShutdown(ctx, from, msg)

	case op == cib.OpUpgrade:
		if msg.Get(cib.FieldSchemaMax) != "" {
			s.peerUpgrade(ctx, msg)
			return
		}
		s.delegated(ctx, from, msg)

	case op == cib.OpSync || op == cib.OpSyncOne:
		if !s.primary {
			return
		}
		to := ""
		if op == cib.OpSyncOne {
			to = from
		}
		if err := s.syncOurCIB(ctx, op, to); err != nil {
			s.log.Warn("Could not send our document", zap.String("to", from), zap.Error(err))
		}

	case msg.Get(cib.FieldDelegated) != "":
		s.delegated(ctx, from, msg)

	default:
		s.log.Debug("Ignoring peer message", zap.String("op", op), zap.String("from", from))
	}
}

// primaryAnnounced records that from now acts as the primary. The
// announcement carries the primary's version; a newer local document is
// offered to it.
func (s *Server) primaryAnnounced(ctx context.Context, from string, msg *cib.Message) {
	if !s.peers.SetFlags(from, peer.FlagPrimary) {
		s.peers.Up(transport.Peer{Name: from})
		s.peers.SetFlags(from, peer.FlagPrimary)
	}
	s.log.Debug("Primary announced", zap.String("primary", from))
	if s.primary {
		if s.election != nil {
			s.log.Warn("Another node claims to be the primary, holding an election", zap.String("peer", from))
			s.election.Reset()
			s.startElection(ctx)
			return
		}
		s.setPrimary(false)
	}

	theirs, ours := cib.VersionOf(msg.Root()), cib.VersionOf(s.doc.Root())
	if !theirs.Less(ours) {
		return
	}
	s.log.Info("Offering our newer document to the primary",
		zap.String("primary", from),
		zap.Stringer("primary_version", theirs),
		zap.Stringer("local", ours))
	if err := s.syncOurCIB(ctx, cib.OpSyncOne, from); err != nil {
		s.log.Warn("Could not offer our document", zap.String("to", from), zap.Error(err))
	}
}

// receiveDiff applies a patchset broadcast by the primary.
func (s *Server) receiveDiff(ctx context.Context, from string, msg *cib.Message) {
	retry := false
	if s.syncIgnore > MaxDiffRetry {
		s.syncIgnore = 0
		retry = true
	}
	if s.syncIgnore > 0 && !s.primary {
		s.syncIgnore++
		s.metrics.diffs.WithLabelValues(diffIgnored).Inc()
		s.log.Info("Not applying diff, a resync is in progress",
			zap.String("from", from),
			zap.Int("ignored", s.syncIgnore-1))
		return
	}

	p, err := patchset.Decode(msg.UpdateResult())
	if err != nil {
		s.metrics.diffs.WithLabelValues(diffFailed).Inc()
		s.log.Warn("Dropping undecodable diff", zap.String("from", from), zap.Error(err))
		return
	}
	next, err := p.Apply(s.doc)
	if err == nil {
		s.commit(ctx, next, p, msg.Get(cib.FieldOriginalOp))
		if s.fatal != nil {
			s.metrics.diffs.WithLabelValues(diffFailed).Inc()
			return
		}
		s.metrics.diffs.WithLabelValues(diffApplied).Inc()
		s.log.Debug("Applied diff",
			zap.String("from", from),
			zap.Stringer("source", p.Source),
			zap.Stringer("target", p.Target))
		return
	}

	code := ierrors.ErrorCode(err)
	switch {
	case code == ierrors.EOldData:
		s.metrics.diffs.WithLabelValues(diffOld).Inc()
		s.log.Debug("Dropping diff we have already seen", zap.String("from", from), zap.Error(err))
	case s.primary:
		s.metrics.diffs.WithLabelValues(diffFailed).Inc()
		s.log.Warn("Could not apply diff", zap.String("from", from), zap.Error(err))
		if msg.Options().Has(cib.CallForceDiff) {
			s.log.Warn("Not requesting full refresh in R/W mode")
		}
	case code == ierrors.EDiffResync || code == ierrors.EDiffFailed:
		s.metrics.diffs.WithLabelValues(diffResync).Inc()
		s.log.Info("Diff does not apply, requesting a full refresh",
			zap.String("from", from),
			zap.Stringer("local", cib.VersionOf(s.doc.Root())),
			zap.Error(err))
		s.requestResync(ctx, retry)
	default:
		s.metrics.diffs.WithLabelValues(diffFailed).Inc()
		s.log.Warn("Could not apply diff", zap.String("from", from), zap.Error(err))
	}
}

// requestResync asks the primary for its whole document and ignores diffs
// until it arrives. A retry, made once MaxDiffRetry diffs went by without
// the document, is not rate limited.
func (s *Server) requestResync(ctx context.Context, retry bool) {
	if s.transport == nil {
		return
	}
	if !retry && !s.resync.AllowN(s.clock.Now(), 1) {
		s.log.Debug("Not requesting a resync, one was requested recently")
		return
	}
	s.syncIgnore = 1
	s.resyncs++
	if s.resyncs > MaxDiffRetry {
		s.log.Warn("Repeatedly out of step with the primary", zap.Int("resyncs", s.resyncs))
	}

	m := cib.NewMessage(cib.OpSyncOne)
	m.Set(cib.FieldDelegated, s.local)
	m.Set(cib.FieldHostFrom, s.local)

	var err error
	if to := s.primaryName(); to != "" && to != s.local {
		err = s.transport.Unicast(ctx, to, m.Bytes())
	} else {
		err = s.transport.Broadcast(ctx, m.Bytes())
	}
	if err != nil {
		s.syncIgnore = 0
		s.log.Warn("Could not request a resync", zap.Error(err))
		return
	}
	s.metrics.resyncs.Inc()
}

// syncOurCIB sends the whole document to one peer, or to all when to is
// empty.
func (s *Server) syncOurCIB(ctx context.Context, op, to string) error {
	if s.transport == nil {
		return nil
	}
	m := cib.NewMessage(cib.OpReplace)
	m.Set(cib.FieldOriginalOp, op)
	m.Set(cib.FieldHostFrom, s.local)
	m.SetBool(cib.FieldGlobalUpdate, true)
	m.Set(cib.FieldFeatureSet, cib.FeatureSet)
	m.Set(cib.FieldDigest, s.digest)
	m.SetData(s.doc.Root())

	var err error
	if to == "" {
		err = s.transport.Broadcast(ctx, m.Bytes())
	} else {
		err = s.transport.Unicast(ctx, to, m.Bytes())
	}
	if err != nil {
		return err
	}
	s.metrics.syncs.Inc()
	s.log.Info("Sent our document",
		zap.String("to", to),
		zap.Stringer("version", cib.VersionOf(s.doc.Root())))
	return nil
}

// receiveSync installs a whole document sent by the primary. On the
// primary it is a document offered by a peer that was newer than ours.
func (s *Server) receiveSync(ctx context.Context, from string, msg *cib.Message) {
	data := msg.Data()
	if data.IsZero() {
		s.log.Warn("Ignoring empty sync", zap.String("from", from))
		return
	}
	if want := msg.Get(cib.FieldDigest); want != "" {
		if got := tree.Digest(data); got != want {
			s.log.Warn("Ignoring sync with a bad digest",
				zap.String("from", from),
				zap.String("expected", want),
				zap.String("actual", got))
			return
		}
	}
	doc := tree.FromNode(data)
	if err := doc.Validate(); err != nil {
		s.fatal = &ierrors.Error{
			Code: ierrors.EInternal,
			Op:   "server.receiveSync",
			Msg:  "document from " + from + " is invalid",
			Err:  err,
		}
		return
	}
	if s.primary {
		s.receiveOffer(ctx, from, doc)
		return
	}

	// The primary is authoritative; anyone else may only move us forward.
	next, cur := cib.VersionOf(doc.Root()), cib.VersionOf(s.doc.Root())
	if next.Less(cur) && from != s.primaryName() {
		s.log.Warn("Ignoring sync older than our document",
			zap.String("from", from),
			zap.Stringer("sync", next),
			zap.Stringer("local", cur))
		return
	}
	s.replaceDocument(ctx, doc)
	s.log.Info("Replaced our document", zap.String("from", from), zap.Stringer("version", next))
}

// receiveOffer handles a peer's document offered to the primary. While the
// join window is open the highest version wins and is sent to everyone.
// Later offers lose to the primary's document.
func (s *Server) receiveOffer(ctx context.Context, from string, doc *tree.Document) {
	next, cur := cib.VersionOf(doc.Root()), cib.VersionOf(s.doc.Root())
	if !cur.Less(next) {
		s.log.Debug("Ignoring offered document, ours is as new",
			zap.String("from", from),
			zap.Stringer("offered", next),
			zap.Stringer("local", cur))
		return
	}
	if s.clock.Now().After(s.joinUntil) {
		s.log.Warn("Peer has a newer document than the primary, replacing it with ours",
			zap.String("peer", from),
			zap.Stringer("offered", next),
			zap.Stringer("local", cur))
		if err := s.syncOurCIB(ctx, cib.OpSyncOne, from); err != nil {
			s.log.Warn("Could not send our document", zap.String("to", from), zap.Error(err))
		}
		return
	}

	s.replaceDocument(ctx, doc)
	s.log.Info("Adopted newer document from peer", zap.String("from", from), zap.Stringer("version", next))
	if err := s.syncOurCIB(ctx, cib.OpSync, ""); err != nil {
		s.log.Warn("Could not send our document", zap.Error(err))
	}
}

func (s *Server) replaceDocument(_ context.Context, doc *tree.Document) {
	doc.AcceptChanges()
	s.setDocument(doc)
	s.syncIgnore = 0
	s.resyncs = 0
	s.bus.Publish(bus.Event{Kind: bus.KindReplace, Op: cib.OpReplace, Document: doc})
	if s.alerts != nil {
		_ = s.alerts.Reload(doc)
	}
	s.changed()
}

// announce tells one peer, or all when to is empty, that we are the
// primary.
func (s *Server) announce(ctx context.Context, to string) {
	if s.transport == nil {
		return
	}
	m := cib.NewMessage(cib.OpPrimary)
	m.Set(cib.FieldHostFrom, s.local)
	cib.SetVersion(m.Root(), cib.VersionOf(s.doc.Root()))
	var err error
	if to == "" {
		err = s.transport.Broadcast(ctx, m.Bytes())
	} else {
		err = s.transport.Unicast(ctx, to, m.Bytes())
	}
	if err != nil {
		s.log.Warn("Could not announce ourselves as primary", zap.String("to", to), zap.Error(err))
	}
}

func (s *Server) startElection(ctx context.Context) {
	st, err := s.election.Vote(ctx)
	if err != nil {
		s.log.Warn("Could not start an election", zap.Error(err))
	}
	s.electionResult(ctx, st)
}

func (s *Server) checkElection(ctx context.Context) {
	if s.election != nil && s.election.State() == election.StateInProgress {
		s.electionResult(ctx, s.election.Check())
	}
}

func (s *Server) electionResult(ctx context.Context, st election.State) {
	switch st {
	case election.StateWon:
		if s.primary {
			return
		}
		s.setPrimary(true)
		s.announce(ctx, "")
	case election.StateLost:
		s.setPrimary(false)
	}
}
