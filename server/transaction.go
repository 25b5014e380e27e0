package server

import (
	"context"
	"strconv"

	cib "github.com/clusterlabs/cibd"
	ierrors "github.com/clusterlabs/cibd/kit/platform/errors"
	"github.com/clusterlabs/cibd/tree"
)

const elemTransaction = "cib_transaction"

// commitTransaction runs the requests of a <cib_transaction> one after the
// other against the same working copy. The first failure aborts the whole
// transaction; nothing is committed unless every request succeeds.
func (s *Server) commitTransaction(ctx context.Context, req *Request, doc *tree.Document) (*tree.Document, *tree.Document, error) {
	const op = "server.commitTransaction"

	if req.Data.IsZero() || req.Data.Name() != elemTransaction {
		return nil, nil, &ierrors.Error{Code: ierrors.EInvalid, Op: op, Msg: "expected a <" + elemTransaction + ">"}
	}

	work := doc
	for i, cmd := range req.Data.ElementsNamed(cib.MessageRoot) {
		sub := parseRequest(cmd)
		o, ok := operations[sub.Op]
		if !ok || !o.has(transactional) {
			return nil, nil, &ierrors.Error{
				Code: ierrors.EInvalid,
				Op:   op,
				Msg:  "operation " + sub.Op + " is not allowed in a transaction",
			}
		}
		if sub.Origin == "" {
			sub.Origin = req.Origin
		}
		if sub.ClientName == "" {
			sub.ClientName = req.ClientName
		}
		if sub.User == "" {
			sub.User = req.User
		}

		result, _, err := o.fn(s, ctx, sub, work)
		if err != nil {
			return nil, nil, &ierrors.Error{
				Code: ierrors.ErrorCode(err),
				Op:   op,
				Msg:  "request " + strconv.Itoa(i) + " (" + sub.Op + ") failed",
				Err:  err,
			}
		}
		if result != nil {
			work = result
		}
		if sub.ownCounters {
			req.ownCounters = true
		}
	}
	return work, nil, nil
}
