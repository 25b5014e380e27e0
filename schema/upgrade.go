package schema

import (
	"go.uber.org/zap"

	cib "github.com/clusterlabs/cibd"
	ierrors "github.com/clusterlabs/cibd/kit/platform/errors"
	"github.com/clusterlabs/cibd/tree"
)

// Upgrade walks doc forward through the schemas, starting at the one it
// declares, and returns an upgraded copy along with the index of the newest
// schema it validates against. doc is never modified.
//
// A maxIndex below 1 or past the latest schema means the latest. A document
// already at or past maxIndex is returned unchanged. Transforms are only run
// when allowTransforms is set and the next schema rejects the unchanged
// document. The declared schema is only ever moved forward.
func (r *Registry) Upgrade(doc *tree.Document, maxIndex int, allowTransforms bool) (*tree.Document, int, error) {
	const op = "schema.Upgrade"

	if maxIndex < 1 || maxIndex > r.LatestIndex() {
		maxIndex = r.LatestIndex()
	}

	work := doc.Copy()
	original := r.Index(work.Root().Attr(cib.AttrValidateWith))
	if original >= maxIndex {
		return work, original, nil
	}
	start := original
	if start < 0 {
		start = 0
	}

	var (
		best    = -1
		lastErr error
	)
	for i := start; i <= maxIndex; i++ {
		s := r.schemas[i]
		if err := s.rules.check(work); err != nil {
			r.log.Debug("Schema does not validate", zap.String("schema", s.Name), zap.Error(err))
			if best >= 0 {
				break
			}
			lastErr = err
			continue
		}

		r.log.Debug("Schema validates", zap.String("schema", s.Name))
		best, lastErr = i, nil
		if i == maxIndex {
			break
		}

		fn, ok := r.transforms[s.Transform]
		if !allowTransforms || s.Transform == "" || r.schemas[i+1].rules.check(work) == nil {
			continue
		}
		if !ok {
			lastErr = ierrors.Errorf(ierrors.ESchemaInvalid, "transform %q from %s is not registered", s.Transform, s.Name)
			continue
		}

		upgraded := work.Copy()
		if err := fn(upgraded); err != nil {
			r.log.Warn("Schema transform failed",
				zap.String("schema", s.Name),
				zap.String("transform", s.Transform),
				zap.Error(err))
			lastErr = err
			continue
		}
		work = upgraded
	}

	if best < 0 {
		return nil, original, &ierrors.Error{
			Code: ierrors.ESchemaInvalid,
			Op:   op,
			Msg:  "document does not validate against any schema up to " + r.schemas[maxIndex].Name,
			Err:  lastErr,
		}
	}
	if best > original {
		verb := "Upgraded"
		if allowTransforms {
			verb = "Transformed"
		}
		r.log.Info(verb+" the configuration schema", zap.String("schema", r.schemas[best].Name))
		work.Root().SetAttr(cib.AttrValidateWith, r.schemas[best].Name)
	}
	return work, best, nil
}

// UpgradeName is Upgrade with the ceiling given by name. An empty or unknown
// name means the latest schema.
func (r *Registry) UpgradeName(doc *tree.Document, max string, allowTransforms bool) (*tree.Document, int, error) {
	return r.Upgrade(doc, r.Index(max), allowTransforms)
}
