package server

import (
	"context"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	cib "github.com/clusterlabs/cibd"
	"github.com/clusterlabs/cibd/bus"
	ierrors "github.com/clusterlabs/cibd/kit/platform/errors"
	"github.com/clusterlabs/cibd/patchset"
	"github.com/clusterlabs/cibd/tree"
)

// originStampSchema is the oldest schema whose documents carry the
// update-origin, update-client and update-user stamps.
const originStampSchema = "pacemaker-1.2"

// performOp runs a modifying request: the handler works on a copy, the
// result is checked and diffed, then committed, announced and, for global
// requests on the primary, broadcast.
func (s *Server) performOp(ctx context.Context, req *Request, op operation) (*tree.Document, error) {
	notify := !req.Options.Has(cib.CallInhibitNotify)
	if notify {
		s.bus.Publish(bus.Event{Kind: bus.KindPreModify, Op: req.Op, Section: req.Section, Input: req.Data})
	}

	p, result, answer, err := s.prepare(ctx, req, op.fn, s.doc)
	committed := err == nil && p != nil && !req.Options.Has(cib.CallDryRun)
	if committed {
		s.commit(ctx, result, p, req.Op)
	}

	if notify {
		ev := bus.Event{Kind: bus.KindPostModify, Op: req.Op, Err: err, Digest: s.digest}
		if committed {
			ev.Patchset = p
		}
		s.bus.Publish(ev)
	}

	if err != nil {
		if ierrors.ErrorCode(err) == ierrors.EDiffResync && !s.primary {
			s.requestResync(ctx, false)
		}
		return answer, err
	}
	if !committed {
		return answer, nil
	}

	if req.Op == cib.OpReplace && req.Data.Name() == "cib" {
		s.syncIgnore = 0
		s.bus.Publish(bus.Event{Kind: bus.KindReplace, Op: req.Op, Document: s.doc})
	}
	if op.has(replicated) && s.replicates(req) {
		s.broadcastDiff(ctx, req, p)
	}
	return answer, nil
}

// prepare runs fn on a copy of current and returns the patchset leading to
// its result. A nil patchset means nothing changed.
func (s *Server) prepare(ctx context.Context, req *Request, fn handler, current *tree.Document) (*patchset.Patchset, *tree.Document, *tree.Document, error) {
	work := current.Copy()
	result, answer, err := fn(s, ctx, req, work)
	if err != nil {
		return nil, nil, answer, err
	}
	if result == nil {
		result = work
	}
	if err := s.check(req, current, result); err != nil {
		return nil, nil, answer, err
	}

	if configChanged(current, result) {
		s.stamp(req, result)
	}

	// A result carrying its own version still gets managed counters when
	// that version does not move forward, or peers would discard it.
	manage := !req.ownCounters || !cib.VersionOf(current.Root()).Less(cib.VersionOf(result.Root()))
	p, err := patchset.Create(current, result, manage)
	if err != nil {
		return nil, nil, answer, err
	}
	if p == nil {
		return nil, current, answer, nil
	}
	return p, result, answer, nil
}

// check rejects results that move the version backwards, need a newer
// feature set than ours or do not validate.
func (s *Server) check(req *Request, current, result *tree.Document) error {
	const op = "server.check"

	cur, next := cib.VersionOf(current.Root()), cib.VersionOf(result.Root())
	if next.AdminEpoch < cur.AdminEpoch || (next.AdminEpoch == cur.AdminEpoch && next.Epoch < cur.Epoch) {
		return &ierrors.Error{
			Code: ierrors.EOldData,
			Op:   op,
			Msg:  "update would move the version back from " + cur.String() + " to " + next.String(),
		}
	}
	if fs := result.Root().Attr(cib.AttrFeatureSet); fs != "" && cib.CompareFeatureSet(fs, cib.FeatureSet) > 0 {
		return &ierrors.Error{
			Code: ierrors.EInvalid,
			Op:   op,
			Msg:  "feature set " + fs + " is newer than ours (" + cib.FeatureSet + ")",
		}
	}
	if err := result.Validate(); err != nil {
		return &ierrors.Error{Code: ierrors.ESchemaInvalid, Op: op, Err: err}
	}
	if req.Section == cib.SectionStatus {
		return nil
	}
	return s.schemas.ValidateDeclared(result)
}

// configChanged reports whether next differs from prev in the
// configuration section or the schema it declares, noise aside.
func configChanged(prev, next *tree.Document) bool {
	a, b := prev.Root(), next.Root()
	if a.Attr(cib.AttrValidateWith) != b.Attr(cib.AttrValidateWith) {
		return true
	}
	ac, bc := a.FirstChild(cib.SectionConfiguration), b.FirstChild(cib.SectionConfiguration)
	if ac.IsZero() || bc.IsZero() {
		return ac.IsZero() != bc.IsZero()
	}
	return tree.Digest(ac) != tree.Digest(bc)
}

// stamp records when and by whom the configuration was last written. The
// stamps are noise attributes: they stay out of digests but ride along on
// the root of the patchset.
func (s *Server) stamp(req *Request, doc *tree.Document) {
	if req.Options.Has(cib.CallNoMtime) {
		return
	}
	root := doc.Root()
	root.SetAttr(cib.AttrLastWritten, s.clock.Now().UTC().Format(time.ANSIC))
	if s.schemas.Compare(root.Attr(cib.AttrValidateWith), originStampSchema) < 0 {
		return
	}
	origin := req.Origin
	if origin == "" {
		origin = s.local
	}
	for attr, v := range map[string]string{
		cib.AttrUpdateOrigin: origin,
		cib.AttrUpdateClient: req.ClientName,
		cib.AttrUpdateUser:   req.User,
	} {
		if v == "" {
			root.RemoveAttr(attr)
			continue
		}
		root.SetAttr(attr, v)
	}
}

// commit installs doc, reached from the current document through p, and
// tells everyone who follows changes.
func (s *Server) commit(ctx context.Context, doc *tree.Document, p *patchset.Patchset, op string) {
	if err := doc.Validate(); err != nil {
		s.fatal = &ierrors.Error{
			Code: ierrors.EInternal,
			Op:   "server.commit",
			Msg:  "document at " + p.Target.String() + " is invalid",
			Err:  err,
		}
		return
	}
	doc.AcceptChanges()
	s.setDocument(doc)

	s.bus.Publish(bus.Event{Kind: bus.KindDiff, Op: op, Patchset: p})
	if s.interp != nil {
		s.interp.Process(p)
	}
	s.notifyAlerts(ctx, p, doc)
	s.changed()
}

// replicates reports whether a committed request goes to the peers.
func (s *Server) replicates(req *Request) bool {
	if s.cfg.StandAlone || s.transport == nil || !s.primary {
		return false
	}
	return !req.Options.Has(cib.CallScopeLocal) && !req.Options.Has(cib.CallInhibitBroadcast)
}

func (s *Server) broadcastDiff(ctx context.Context, req *Request, p *patchset.Patchset) {
	diff, err := patchset.Encode(p)
	if err != nil {
		s.log.Error("Could not encode patchset", zap.String("op", req.Op), zap.Error(err))
		return
	}
	msg := cib.NewMessage(cib.OpDiffNotify)
	msg.Set(cib.FieldOriginalOp, req.Op)
	msg.Set(cib.FieldHostFrom, s.local)
	msg.Set(cib.FieldClientID, req.ClientID)
	msg.SetInt(cib.FieldCallID, req.CallID)
	msg.SetOptions(req.Options)
	msg.SetBool(cib.FieldGlobalUpdate, true)
	msg.Set(cib.FieldFeatureSet, cib.FeatureSet)
	msg.SetUpdateResult(diff.Root())

	if err := s.transport.Broadcast(ctx, msg.Bytes()); err != nil {
		// Peers that missed it resync on the next gap.
		s.log.Warn("Could not broadcast patchset",
			zap.String("op", req.Op),
			zap.Stringer("target", p.Target),
			zap.Error(err))
		return
	}
	s.metrics.broadcasts.Inc()
	s.log.Debug("Broadcast patchset",
		zap.String("op", req.Op),
		zap.Stringer("source", p.Source),
		zap.Stringer("target", p.Target))
}

// create adds the request's element under the target. An input named
// like the target has each of its children added instead.
func (s *Server) create(_ context.Context, req *Request, doc *tree.Document) (*tree.Document, *tree.Document, error) {
	if req.Data.IsZero() {
		return nil, nil, &ierrors.Error{Code: ierrors.EInvalid, Op: req.Op, Msg: "nothing to create"}
	}
	nodes, err := targets(doc, req)
	if err != nil {
		return nil, nil, err
	}
	parent := nodes[0]

	items := []tree.Node{req.Data}
	if req.Data.Name() == parent.Name() {
		items = req.Data.Elements()
	}
	for _, in := range items {
		if !parent.ChildByID(in.Name(), in.ID()).IsZero() {
			return nil, nil, &ierrors.Error{
				Code: ierrors.EConflict,
				Op:   req.Op,
				Msg:  "<" + in.Name() + " id=" + strconv.Quote(in.ID()) + "> already exists",
			}
		}
		parent.CopyNode(in, -1)
	}
	return doc, nil, nil
}

// modify merges the request's element into the target: attributes are
// set, children matched by name and id are merged and the others added.
func (s *Server) modify(_ context.Context, req *Request, doc *tree.Document) (*tree.Document, *tree.Document, error) {
	if req.Data.IsZero() {
		return nil, nil, &ierrors.Error{Code: ierrors.EInvalid, Op: req.Op, Msg: "nothing to modify"}
	}
	nodes, err := targets(doc, req)
	if err != nil {
		return nil, nil, err
	}
	canCreate := req.Options.Has(cib.CallCanCreate)
	for _, n := range nodes {
		if sameObject(n, req.Data) {
			merge(n, req.Data)
			continue
		}
		match := findMatch(n, req.Data)
		switch {
		case !match.IsZero():
			merge(match, req.Data)
		case canCreate:
			n.CopyNode(req.Data, -1)
		default:
			return nil, nil, &ierrors.Error{
				Code: ierrors.ENotFound,
				Op:   req.Op,
				Msg:  "no <" + req.Data.Name() + "> with id " + strconv.Quote(req.Data.ID()) + " under " + n.Path(),
			}
		}
	}
	return doc, nil, nil
}

// delete removes the request's element from the target section, or every
// match of an xpath. Deleting an object that does not exist succeeds.
func (s *Server) delete(_ context.Context, req *Request, doc *tree.Document) (*tree.Document, *tree.Document, error) {
	if req.Options.Has(cib.CallXPath) {
		nodes, err := targets(doc, req)
		if err != nil {
			return nil, nil, err
		}
		for _, n := range nodes {
			if n.Parent().IsZero() {
				return nil, nil, &ierrors.Error{Code: ierrors.EInvalid, Op: req.Op, Msg: "cannot delete the document root"}
			}
			n.Remove()
		}
		return doc, nil, nil
	}

	if req.Data.IsZero() {
		return nil, nil, &ierrors.Error{Code: ierrors.EInvalid, Op: req.Op, Msg: "nothing to delete"}
	}
	sec, err := section(doc, req)
	if err != nil {
		return nil, nil, err
	}
	if match := findMatch(sec, req.Data); !match.IsZero() {
		match.Remove()
	}
	return doc, nil, nil
}

// replace swaps the target for the request's element. A whole <cib>
// replaces the document, provided it is not older.
func (s *Server) replace(_ context.Context, req *Request, doc *tree.Document) (*tree.Document, *tree.Document, error) {
	if req.Data.IsZero() {
		return nil, nil, &ierrors.Error{Code: ierrors.EInvalid, Op: req.Op, Msg: "no replacement given"}
	}
	if req.Data.Name() == "cib" && !req.Options.Has(cib.CallXPath) {
		cur, next := cib.VersionOf(doc.Root()), cib.VersionOf(req.Data)
		if next.Less(cur) {
			return nil, nil, &ierrors.Error{
				Code: ierrors.EOldData,
				Op:   req.Op,
				Msg:  "replacement " + next.String() + " is older than the current " + cur.String(),
			}
		}
		req.ownCounters = true
		return tree.FromNode(req.Data), nil, nil
	}

	nodes, err := targets(doc, req)
	if err != nil {
		return nil, nil, err
	}
	for _, n := range nodes {
		if n.Name() == req.Data.Name() {
			n.ReplaceWith(req.Data)
			continue
		}
		match := findMatch(n, req.Data)
		switch {
		case !match.IsZero():
			match.ReplaceWith(req.Data)
		case req.Options.Has(cib.CallCanCreate):
			n.CopyNode(req.Data, -1)
		default:
			return nil, nil, &ierrors.Error{
				Code: ierrors.ENotFound,
				Op:   req.Op,
				Msg:  "no <" + req.Data.Name() + "> with id " + strconv.Quote(req.Data.ID()) + " under " + n.Path(),
			}
		}
	}
	return doc, nil, nil
}

// erase empties the document, keeping the root attributes and moving the
// admin epoch forward.
func (s *Server) erase(_ context.Context, _ *Request, doc *tree.Document) (*tree.Document, *tree.Document, error) {
	old := doc.Root()
	next := cib.Empty(0, old.Attr(cib.AttrValidateWith))
	for _, a := range old.Attrs() {
		next.Root().SetAttr(a.Name, a.Value)
	}
	v := cib.VersionOf(old)
	v.AdminEpoch++
	cib.SetVersion(next.Root(), v)
	return next, nil, nil
}

// bump moves the epoch forward without other changes.
func (s *Server) bump(_ context.Context, req *Request, doc *tree.Document) (*tree.Document, *tree.Document, error) {
	v := cib.VersionOf(doc.Root())
	cib.SetVersion(doc.Root(), cib.Version{AdminEpoch: v.AdminEpoch, Epoch: v.Epoch + 1})
	req.ownCounters = true
	return doc, nil, nil
}

// applyPatch applies a patchset sent by a client.
func (s *Server) applyPatch(_ context.Context, req *Request, doc *tree.Document) (*tree.Document, *tree.Document, error) {
	if req.Data.IsZero() {
		return nil, nil, &ierrors.Error{Code: ierrors.EInvalid, Op: req.Op, Msg: "no patchset given"}
	}
	p, err := patchset.Decode(req.Data)
	if err != nil {
		return nil, nil, err
	}
	next, err := p.Apply(doc)
	if err != nil {
		return nil, nil, err
	}
	req.ownCounters = true
	return next, nil, nil
}

// sameObject reports whether in addresses n itself.
func sameObject(n, in tree.Node) bool {
	return n.Name() == in.Name() && (in.ID() == "" || in.ID() == n.ID())
}

// findMatch looks for the element in addresses below n: a direct child of
// the same name and id, or for inputs with an id, any descendant.
func findMatch(n, in tree.Node) tree.Node {
	if c := n.ChildByID(in.Name(), in.ID()); !c.IsZero() {
		return c
	}
	if in.ID() == "" {
		return tree.Node{}
	}
	var found tree.Node
	n.Walk(func(c tree.Node) bool {
		if !found.IsZero() {
			return false
		}
		if c.IsElement() && c.Name() == in.Name() && c.ID() == in.ID() {
			found = c
			return false
		}
		return true
	})
	return found
}

// merge applies the attributes and children of src to dst.
func merge(dst, src tree.Node) {
	for _, a := range src.Attrs() {
		dst.SetAttr(a.Name, expandValue(a.Name, dst.Attr(a.Name), a.Value))
	}
	for _, c := range src.Elements() {
		if match := dst.ChildByID(c.Name(), c.ID()); !match.IsZero() {
			merge(match, c)
			continue
		}
		dst.CopyNode(c, -1)
	}
}

// expandValue resolves the increments "name++" and "name+=N" against the
// current value of attribute name. Other values are returned unchanged.
func expandValue(name, current, value string) string {
	if !strings.HasPrefix(value, name) {
		return value
	}
	var step int
	switch rest := value[len(name):]; {
	case rest == "++":
		step = 1
	case strings.HasPrefix(rest, "+="):
		n, err := strconv.Atoi(rest[2:])
		if err != nil {
			return value
		}
		step = n
	default:
		return value
	}
	return strconv.Itoa(atoi(current) + step)
}
