package patchset

import (
	"sort"

	"github.com/hashicorp/go-multierror"

	cib "github.com/clusterlabs/cibd"
	ierrors "github.com/clusterlabs/cibd/kit/platform/errors"
	"github.com/clusterlabs/cibd/tree"
)

// CheckVersion reports whether the patchset can be applied to a document
// at version current. A document behind the source needs a resync; one
// ahead of it has already seen the change.
func (p *Patchset) CheckVersion(current cib.Version) error {
	const op = "patchset.CheckVersion"

	switch c := current.Compare(p.Source); {
	case c < 0:
		return &ierrors.Error{
			Code: ierrors.EDiffResync,
			Op:   op,
			Msg:  "current version " + current.String() + " is behind patch source " + p.Source.String(),
		}
	case c > 0:
		return &ierrors.Error{
			Code: ierrors.EOldData,
			Op:   op,
			Msg:  "current version " + current.String() + " is ahead of patch source " + p.Source.String(),
		}
	}
	if p.Target.Compare(p.Source) <= 0 {
		return &ierrors.Error{
			Code: ierrors.EOldData,
			Op:   op,
			Msg:  "patch does not advance version " + p.Source.String(),
		}
	}
	return nil
}

// Apply applies the patchset to a copy of doc and returns the copy. doc is
// never modified. The result must carry the target version and, when the
// patchset has one, the target digest.
func (p *Patchset) Apply(doc *tree.Document) (*tree.Document, error) {
	return p.apply(doc, true)
}

// ApplyUnchecked is Apply without the version preconditions. It is used to
// replay patches onto documents that do not carry version counters.
func (p *Patchset) ApplyUnchecked(doc *tree.Document) (*tree.Document, error) {
	return p.apply(doc, false)
}

func (p *Patchset) apply(doc *tree.Document, checkVersion bool) (*tree.Document, error) {
	const op = "patchset.Apply"

	if checkVersion {
		if err := p.CheckVersion(cib.VersionOf(doc.Root())); err != nil {
			return nil, err
		}
	}

	shadow := doc.Copy()
	var err error
	switch p.Format {
	case FormatV2:
		err = p.applyV2(shadow)
	case FormatLegacy:
		err = p.applyLegacy(shadow)
	default:
		err = ierrors.Errorf(ierrors.EInvalid, "unknown patch format %d", p.Format)
	}
	if err != nil {
		return nil, &ierrors.Error{Code: ierrors.ErrorCode(err), Op: op, Err: err}
	}

	// Changes never carry the counters; the digest below covers them.
	if checkVersion {
		cib.SetVersion(shadow.Root(), p.Target)
	}
	if p.Digest != "" {
		if got := tree.Digest(shadow.Root()); got != p.Digest {
			return nil, &ierrors.Error{
				Code: ierrors.EDiffFailed,
				Op:   op,
				Msg:  "result digest " + got + " does not match patch digest " + p.Digest,
			}
		}
	}
	return shadow, nil
}

type deferred struct {
	change *Change
	target tree.Node
}

// applyV2 runs deletes and modifies in list order. Moved elements are
// parked after their last sibling; then creates and moves are placed in
// ascending order of final position. Elements that keep their relative
// order are never touched, so each placement lands at its final index.
func (p *Patchset) applyV2(doc *tree.Document) error {
	var (
		errs  *multierror.Error
		later []deferred
	)
	for i := range p.Changes {
		c := &p.Changes[i]
		target, err := doc.SelectFirst(c.Path)
		if err != nil {
			errs = multierror.Append(errs, ierrors.Errorf(ierrors.EDiffFailed, "%s %s: %v", c.Op, c.Path, err))
			continue
		}
		if target.IsZero() {
			if c.Op == OpDelete {
				continue
			}
			errs = multierror.Append(errs, ierrors.Errorf(ierrors.EDiffFailed, "%s %s: no match", c.Op, c.Path))
			continue
		}

		switch c.Op {
		case OpDelete:
			if target.Parent().IsZero() {
				errs = multierror.Append(errs, ierrors.Errorf(ierrors.EDiffFailed, "delete %s: cannot delete the root", c.Path))
				continue
			}
			target.Remove()
		case OpModify:
			if c.Result.IsZero() {
				errs = multierror.Append(errs, ierrors.Errorf(ierrors.EDiffFailed, "modify %s: no result", c.Path))
				continue
			}
			target.ClearAttrs()
			for _, a := range c.Result.Attrs() {
				target.SetAttr(a.Name, a.Value)
			}
			if c.ReplaceContent {
				target.RemoveChildren()
				for _, child := range c.Result.Children() {
					target.CopyNode(child, -1)
				}
			}
		case OpCreate:
			if c.Result.IsZero() {
				errs = multierror.Append(errs, ierrors.Errorf(ierrors.EDiffFailed, "create under %s: no content", c.Path))
				continue
			}
			later = append(later, deferred{change: c, target: target})
		case OpMove:
			later = append(later, deferred{change: c, target: target})
			target.MoveTo(-1)
		default:
			errs = multierror.Append(errs, ierrors.Errorf(ierrors.EDiffFailed, "unknown operation %q", c.Op))
		}
	}

	sort.SliceStable(later, func(i, j int) bool {
		return later[i].change.Position < later[j].change.Position
	})
	for _, d := range later {
		c := d.change
		switch c.Op {
		case OpCreate:
			d.target.CopyNode(c.Result, c.Position)
		case OpMove:
			d.target.MoveTo(c.Position)
			if got := d.target.Index(); got != c.Position {
				errs = multierror.Append(errs, ierrors.Errorf(ierrors.EDiffFailed, "move %s: landed at %d instead of %d", c.Path, got, c.Position))
			}
		}
	}
	return errs.ErrorOrNil()
}
