package server

import (
	"context"

	"go.uber.org/zap"

	cib "github.com/clusterlabs/cibd"
	ierrors "github.com/clusterlabs/cibd/kit/platform/errors"
	"github.com/clusterlabs/cibd/tree"
)

// upgrade moves the document to the newest schema up to req.SchemaMax it
// validates against. Every node runs it for itself once the primary has
// named the target schema, so the result is never broadcast as a diff.
func (s *Server) upgrade(_ context.Context, req *Request, doc *tree.Document) (*tree.Document, *tree.Document, error) {
	if req.SchemaMax != "" && s.schemas.Index(req.SchemaMax) < 0 {
		return nil, nil, &ierrors.Error{Code: ierrors.EInvalid, Op: cib.OpUpgrade, Msg: "unknown schema " + req.SchemaMax}
	}
	current := s.schemas.Index(doc.Root().Attr(cib.AttrValidateWith))
	next, best, err := s.schemas.UpgradeName(doc, req.SchemaMax, true)
	if err != nil {
		return nil, nil, err
	}
	if best <= current {
		return nil, nil, errSchemaUnchanged(doc)
	}
	return next, nil, nil
}

func errSchemaUnchanged(doc *tree.Document) error {
	return &ierrors.Error{
		Code: ierrors.ESchemaUnchanged,
		Op:   cib.OpUpgrade,
		Msg:  "already using the newest usable schema " + doc.Root().Attr(cib.AttrValidateWith),
	}
}

// upgradeRequest handles a client's upgrade request, which names no
// target schema yet. The primary picks the target.
func (s *Server) upgradeRequest(ctx context.Context, msg *cib.Message, req *Request, reply func(*cib.Message)) {
	if !s.performsLocally(req) {
		s.forward(ctx, msg, reply)
		return
	}
	answer, err := s.upgradeServer(ctx, msg, req)
	reply(s.reply(msg, answer, err))
}

// upgradeServer works out the schema the document can reach, tells the
// peers to upgrade to it and upgrades the local copy.
func (s *Server) upgradeServer(ctx context.Context, msg *cib.Message, req *Request) (*tree.Document, error) {
	current := s.schemas.Index(s.doc.Root().Attr(cib.AttrValidateWith))
	_, best, err := s.schemas.UpgradeName(s.doc, "", true)
	if err != nil {
		s.count(req.Op, err)
		return nil, err
	}
	if best <= current {
		err := errSchemaUnchanged(s.doc)
		s.count(req.Op, err)
		return nil, err
	}
	target := s.schemas.At(best).Name

	if !s.cfg.StandAlone && s.transport != nil && !req.Options.Has(cib.CallScopeLocal) {
		origin := req.Origin
		if origin == "" {
			origin = s.local
		}
		b := msg.Copy()
		b.Set(cib.FieldSchemaMax, target)
		b.Set(cib.FieldDelegated, origin)
		b.Set(cib.FieldHostFrom, s.local)
		if err := s.transport.Broadcast(ctx, b.Bytes()); err != nil {
			s.log.Warn("Could not broadcast upgrade", zap.String("schema", target), zap.Error(err))
		}
	}

	s.log.Info("Upgrading the configuration schema",
		zap.String("from", s.doc.Root().Attr(cib.AttrValidateWith)),
		zap.String("to", target))
	req.SchemaMax = target
	return s.process(ctx, req, operations[cib.OpUpgrade])
}

// peerUpgrade performs an upgrade the primary broadcast. The node the
// request came from also answers its waiting client.
func (s *Server) peerUpgrade(ctx context.Context, msg *cib.Message) {
	req := parseRequest(msg.Root())
	req.Origin = msg.Get(cib.FieldDelegated)
	answer, err := s.process(ctx, req, operations[cib.OpUpgrade])
	if err != nil {
		s.log.Warn("Upgrade requested by the primary failed",
			zap.String("schema", req.SchemaMax),
			zap.Error(err))
	}
	if req.Origin != s.local {
		return
	}
	p, ok := s.callbacks.take(msg.Reference())
	if !ok {
		return
	}
	s.metrics.callbacks.Set(float64(s.callbacks.len()))
	p.reply(s.reply(msg, answer, err))
}

// delegatedUpgrade runs an upgrade a peer forwarded to us. On success the
// origin hears back through the broadcast; only failures are answered.
func (s *Server) delegatedUpgrade(ctx context.Context, msg *cib.Message, req *Request) {
	_, err := s.upgradeServer(ctx, msg, req)
	if err == nil || msg.Options().Has(cib.CallDiscardReply) {
		return
	}
	r := s.reply(msg, nil, err)
	r.Set(cib.FieldHostFrom, s.local)
	r.SetInt(cib.FieldUpgradeRC, ierrors.RC(err))
	if uerr := s.transport.Unicast(ctx, req.Origin, r.Bytes()); uerr != nil {
		s.log.Warn("Could not send upgrade reply", zap.String("to", req.Origin), zap.Error(uerr))
	}
}
