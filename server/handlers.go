package server

import (
	"context"

	cib "github.com/clusterlabs/cibd"
	ierrors "github.com/clusterlabs/cibd/kit/platform/errors"
	"github.com/clusterlabs/cibd/tree"
)

// Answer elements.
const (
	elemPingResponse = "ping_response"
	elemXPathQuery   = "xpath-query"
	elemSchemas      = "schemas"
	elemSchema       = "schema"
	attrVersion      = "version"
)

// targets resolves the elements a request addresses: the matches of an
// xpath when the request says so, its section otherwise.
func targets(doc *tree.Document, req *Request) ([]tree.Node, error) {
	if req.Options.Has(cib.CallXPath) {
		nodes, err := doc.Select(req.Section)
		if err != nil {
			return nil, &ierrors.Error{Code: ierrors.EInvalid, Op: req.Op, Msg: "bad xpath", Err: err}
		}
		if len(nodes) == 0 {
			return nil, &ierrors.Error{Code: ierrors.ENotFound, Op: req.Op, Msg: "no match for " + req.Section}
		}
		return nodes, nil
	}
	n, err := section(doc, req)
	if err != nil {
		return nil, err
	}
	return []tree.Node{n}, nil
}

// section returns the element of the section a request targets.
func section(doc *tree.Document, req *Request) (tree.Node, error) {
	path, ok := cib.SectionPath(req.Section)
	if !ok {
		return tree.Node{}, &ierrors.Error{Code: ierrors.EInvalid, Op: req.Op, Msg: "no such section " + req.Section}
	}
	n, err := doc.SelectFirst(path)
	if err != nil {
		return tree.Node{}, err
	}
	if n.IsZero() {
		return tree.Node{}, &ierrors.Error{Code: ierrors.ENotFound, Op: req.Op, Msg: "section " + req.Section + " not present"}
	}
	return n, nil
}

// shallow copies n without its children into a new document.
func shallow(n tree.Node) *tree.Document {
	d := tree.New(n.Name())
	for _, a := range n.Attrs() {
		d.Root().SetAttr(a.Name, a.Value)
	}
	return d
}

func (s *Server) query(_ context.Context, req *Request, doc *tree.Document) (*tree.Document, *tree.Document, error) {
	nodes, err := targets(doc, req)
	if err != nil {
		return nil, nil, err
	}
	noChildren := req.Options.Has(cib.CallNoChildren)
	if len(nodes) == 1 {
		if noChildren {
			return nil, shallow(nodes[0]), nil
		}
		return nil, tree.FromNode(nodes[0]), nil
	}

	answer := tree.New(elemXPathQuery)
	for _, n := range nodes {
		if noChildren {
			answer.Root().CopyNode(shallow(n).Root(), -1)
			continue
		}
		answer.Root().CopyNode(n, -1)
	}
	return nil, answer, nil
}

func (s *Server) ping(_ context.Context, req *Request, doc *tree.Document) (*tree.Document, *tree.Document, error) {
	answer := tree.New(elemPingResponse)
	root := answer.Root()
	root.SetAttr(cib.FieldFeatureSet, cib.FeatureSet)
	root.SetAttr(cib.FieldDigest, s.digest)
	if req.PingID != "" {
		root.SetAttr(cib.FieldPingID, req.PingID)
	}
	if s.cfg.Tracing {
		root.CopyNode(doc.Root(), -1)
	} else {
		root.CopyNode(shallow(doc.Root()).Root(), -1)
	}
	return nil, answer, nil
}

func (s *Server) isPrimary(context.Context, *Request, *tree.Document) (*tree.Document, *tree.Document, error) {
	if !s.primary {
		return nil, nil, &ierrors.Error{Code: ierrors.EForbidden, Op: cib.OpIsPrimary, Msg: "not the primary"}
	}
	return nil, nil, nil
}

func (s *Server) makePrimary(ctx context.Context, _ *Request, _ *tree.Document) (*tree.Document, *tree.Document, error) {
	s.setPrimary(true)
	s.announce(ctx, "")
	return nil, nil, nil
}

func (s *Server) makeSecondary(context.Context, *Request, *tree.Document) (*tree.Document, *tree.Document, error) {
	s.setPrimary(false)
	return nil, nil, nil
}

func (s *Server) sync(ctx context.Context, req *Request, _ *tree.Document) (*tree.Document, *tree.Document, error) {
	to := ""
	if req.Op == cib.OpSyncOne {
		to = req.Origin
		if to == s.local {
			return nil, nil, nil
		}
	}
	return nil, nil, s.syncOurCIB(ctx, req.Op, to)
}

func (s *Server) shutdownRequest(ctx context.Context, _ *Request, _ *tree.Document) (*tree.Document, *tree.Document, error) {
	s.beginShutdown(ctx, nil)
	return nil, nil, nil
}

func (s *Server) noop(context.Context, *Request, *tree.Document) (*tree.Document, *tree.Document, error) {
	return nil, nil, nil
}

func (s *Server) absDelete(context.Context, *Request, *tree.Document) (*tree.Document, *tree.Document, error) {
	return nil, nil, &ierrors.Error{Code: ierrors.EInvalid, Op: cib.OpAbsDelete, Msg: "absolute delete is not supported"}
}

// listSchemas answers with the schemas newer than the one named in the
// request.
func (s *Server) listSchemas(_ context.Context, req *Request, _ *tree.Document) (*tree.Document, *tree.Document, error) {
	since := req.Data.Attr(attrVersion)
	if since == "" {
		return nil, nil, &ierrors.Error{Code: ierrors.EInvalid, Op: cib.OpSchemas, Msg: "no schema version given"}
	}
	answer := tree.New(elemSchemas)
	for i := s.schemas.Index(since) + 1; i < s.schemas.Len(); i++ {
		answer.Root().AddChild(elemSchema).SetAttr(attrVersion, s.schemas.At(i).Name)
	}
	return nil, answer, nil
}
