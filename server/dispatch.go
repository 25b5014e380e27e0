package server

import (
	"context"
	"strconv"
	"time"

	"go.uber.org/zap"

	cib "github.com/clusterlabs/cibd"
	ierrors "github.com/clusterlabs/cibd/kit/platform/errors"
	"github.com/clusterlabs/cibd/logger"
	"github.com/clusterlabs/cibd/tree"
)

// Request is one operation as a handler sees it.
type Request struct {
	Op         string
	Section    string
	Options    cib.CallOptions
	Data       tree.Node
	ClientID   string
	ClientName string
	CallID     int
	User       string
	PingID     string
	SchemaMax  string

	// Origin is the node the request was made on.
	Origin string

	// ownCounters is set by handlers whose result carries its own
	// version.
	ownCounters bool
}

// parseRequest reads a request from a <cib-command> element.
func parseRequest(root tree.Node) *Request {
	return &Request{
		Op:         root.Attr(cib.FieldOp),
		Section:    root.Attr(cib.FieldSection),
		Options:    cib.CallOptions(atoi(root.Attr(cib.FieldCallOpts))),
		Data:       root.FirstChild(cib.ElemCallData).FirstChild(""),
		ClientID:   root.Attr(cib.FieldClientID),
		ClientName: root.Attr(cib.FieldClientName),
		CallID:     atoi(root.Attr(cib.FieldCallID)),
		User:       root.Attr(cib.FieldUser),
		PingID:     root.Attr(cib.FieldPingID),
		SchemaMax:  root.Attr(cib.FieldSchemaMax),
		Origin:     root.Attr(cib.FieldHostFrom),
	}
}

// handler performs an operation against doc. Handlers of modifying
// operations receive a private copy and return the new document as result,
// which may be doc itself. answer is returned to the caller.
type handler func(s *Server, ctx context.Context, req *Request, doc *tree.Document) (result, answer *tree.Document, err error)

type opFlags uint8

const (
	// modifies marks operations that change the document.
	modifies opFlags = 1 << iota

	// needsPrimary marks operations only the primary may perform.
	needsPrimary

	// replicated marks modifying operations whose patchset is broadcast.
	replicated

	// transactional marks operations allowed inside a transaction.
	transactional
)

type operation struct {
	fn    handler
	flags opFlags
}

func (o operation) has(f opFlags) bool { return o.flags&f != 0 }

var operations map[string]operation

func init() {
	const write = modifies | needsPrimary | replicated | transactional
	operations = map[string]operation{
		cib.OpAbsDelete:   {fn: (*Server).absDelete},
		cib.OpApplyPatch:  {fn: (*Server).applyPatch, flags: modifies | needsPrimary | replicated},
		cib.OpBump:        {fn: (*Server).bump, flags: write},
		cib.OpCommit:      {fn: (*Server).commitTransaction, flags: modifies | needsPrimary | replicated},
		cib.OpCreate:      {fn: (*Server).create, flags: write},
		cib.OpDelete:      {fn: (*Server).delete, flags: write},
		cib.OpErase:       {fn: (*Server).erase, flags: write},
		cib.OpIsPrimary:   {fn: (*Server).isPrimary},
		cib.OpModify:      {fn: (*Server).modify, flags: write},
		cib.OpNoop:        {fn: (*Server).noop},
		cib.OpPing:        {fn: (*Server).ping},
		cib.OpPrimary:     {fn: (*Server).makePrimary},
		cib.OpQuery:       {fn: (*Server).query},
		cib.OpReplace:     {fn: (*Server).replace, flags: write},
		cib.OpSecondary:   {fn: (*Server).makeSecondary},
		cib.OpShutdownReq: {fn: (*Server).shutdownRequest},
		cib.OpSync:        {fn: (*Server).sync, flags: needsPrimary},
		cib.OpSyncOne:     {fn: (*Server).sync, flags: needsPrimary},
		cib.OpUpgrade:     {fn: (*Server).upgrade, flags: modifies},
		cib.OpSchemas:     {fn: (*Server).listSchemas},
	}
}

func lookup(op string) (operation, error) {
	o, ok := operations[op]
	if !ok {
		return operation{}, &ierrors.Error{Code: ierrors.ENotImplemented, Op: "server.lookup", Msg: "unknown operation " + op}
	}
	return o, nil
}

// handleClient routes a local client's request. reply is called exactly
// once, possibly after the loop has handled other events.
func (s *Server) handleClient(ctx context.Context, msg *cib.Message, reply func(*cib.Message)) {
	if msg.HostFrom() == "" {
		msg.Set(cib.FieldHostFrom, s.local)
	}
	op, err := lookup(msg.Op())
	if err != nil {
		s.count(msg.Op(), err)
		reply(msg.Reply(err))
		return
	}
	req := parseRequest(msg.Root())

	if msg.Op() == cib.OpUpgrade && msg.Get(cib.FieldSchemaMax) == "" {
		s.upgradeRequest(ctx, msg, req, reply)
		return
	}
	if op.has(needsPrimary) && !s.performsLocally(req) {
		s.forward(ctx, msg, reply)
		return
	}
	answer, err := s.process(ctx, req, op)
	reply(s.reply(msg, answer, err))
}

// performsLocally reports whether a request needing the primary can run
// here.
func (s *Server) performsLocally(req *Request) bool {
	return s.cfg.StandAlone || s.primary || req.Options.Has(cib.CallScopeLocal)
}

// process runs a request against the current document.
func (s *Server) process(ctx context.Context, req *Request, op operation) (*tree.Document, error) {
	var (
		answer *tree.Document
		err    error
	)
	if op.has(modifies) {
		answer, err = s.performOp(ctx, req, op)
	} else {
		_, answer, err = op.fn(s, ctx, req, s.doc)
	}
	s.count(req.Op, err)
	if err != nil {
		logger.FromContext(ctx, s.log).Debug("Request failed",
			zap.String("op", req.Op),
			zap.String("section", req.Section),
			zap.String("client", req.ClientName),
			zap.Error(err))
	}
	return answer, err
}

func (s *Server) count(op string, err error) {
	code := "ok"
	if err != nil {
		code = ierrors.ErrorCode(err)
	}
	s.metrics.requests.WithLabelValues(op, code).Inc()
}

func (s *Server) reply(msg *cib.Message, answer *tree.Document, err error) *cib.Message {
	r := msg.Reply(err)
	if answer != nil {
		r.SetData(answer.Root())
	}
	return r
}

// forward sends msg to the primary and arranges for its reply to be
// passed to reply.
func (s *Server) forward(ctx context.Context, msg *cib.Message, reply func(*cib.Message)) {
	target := s.primaryName()
	if target == "" {
		err := &ierrors.Error{Code: ierrors.EUnavailable, Op: msg.Op(), Msg: "no primary known"}
		s.count(msg.Op(), err)
		reply(msg.Reply(err))
		return
	}

	fwd := msg.Copy()
	fwd.Set(cib.FieldDelegated, s.local)
	s.expect(msg, target, reply)
	if err := s.transport.Unicast(ctx, target, fwd.Bytes()); err != nil {
		s.callbacks.take(msg.Reference())
		s.metrics.callbacks.Set(float64(s.callbacks.len()))
		reply(msg.Reply(&ierrors.Error{Code: ierrors.EUnavailable, Op: msg.Op(), Msg: "could not reach " + target, Err: err}))
		return
	}
	s.log.Debug("Forwarded request to the primary",
		zap.String("op", msg.Op()),
		zap.String("primary", target),
		zap.Int("call", msg.CallID()))
}

// expect registers a callback for the reply to msg from target.
func (s *Server) expect(msg *cib.Message, target string, reply func(*cib.Message)) {
	timeout := s.cfg.CallbackTimeout
	if t := msg.GetInt(cib.FieldTimeout); t > 0 {
		timeout = time.Duration(t) * time.Second
	}
	s.callbacks.add(&pending{
		ref:      msg.Reference(),
		clientID: msg.ClientID(),
		callID:   msg.CallID(),
		target:   target,
		deadline: s.clock.Now().Add(timeout),
		request:  msg,
		reply:    reply,
	})
	s.metrics.callbacks.Set(float64(s.callbacks.len()))
}

// remoteReply hands a peer's reply to the callback waiting for it.
func (s *Server) remoteReply(msg *cib.Message) {
	p, ok := s.callbacks.take(msg.Reference())
	if !ok {
		s.log.Debug("Dropping reply nobody waits for",
			zap.String("op", msg.Op()),
			zap.String("reference", msg.Reference()))
		return
	}
	s.metrics.callbacks.Set(float64(s.callbacks.len()))
	p.reply(msg)
}

// delegated performs a request another node forwarded to the primary and
// sends the reply back.
func (s *Server) delegated(ctx context.Context, from string, msg *cib.Message) {
	if !s.primary {
		s.log.Debug("Ignoring delegated request, we are not the primary",
			zap.String("op", msg.Op()), zap.String("from", from))
		return
	}
	origin := msg.Get(cib.FieldDelegated)
	req := parseRequest(msg.Root())
	req.Origin = origin

	if req.Op == cib.OpUpgrade && req.SchemaMax == "" {
		s.delegatedUpgrade(ctx, msg, req)
		return
	}

	var (
		answer *tree.Document
		err    error
	)
	if op, lerr := lookup(req.Op); lerr != nil {
		err = lerr
		s.count(req.Op, err)
	} else {
		answer, err = s.process(ctx, req, op)
	}
	if msg.Options().Has(cib.CallDiscardReply) {
		return
	}
	r := s.reply(msg, answer, err)
	r.Set(cib.FieldHostFrom, s.local)
	if uerr := s.transport.Unicast(ctx, origin, r.Bytes()); uerr != nil {
		s.log.Warn("Could not send reply", zap.String("to", origin), zap.String("op", req.Op), zap.Error(uerr))
	}
}

func atoi(s string) int {
	n, _ := strconv.Atoi(s)
	return n
}
