// Package patchset computes, applies and encodes the differences between
// two versions of the document.
//
// A format 2 patchset is an ordered list of create, modify, delete and move
// changes, each addressing an element by an absolute, id keyed path, plus
// the source and target version triples and a digest of the target. Format
// 1 patchsets, which carry a removed and an added subtree, can be decoded
// and applied but are never produced.
package patchset

import (
	"strings"

	cib "github.com/clusterlabs/cibd"
	ierrors "github.com/clusterlabs/cibd/kit/platform/errors"
	"github.com/clusterlabs/cibd/tree"
)

// Format is the patchset wire format.
type Format int

const (
	FormatLegacy Format = 1
	FormatV2     Format = 2
)

// Op is the kind of a change.
type Op string

const (
	OpCreate Op = "create"
	OpModify Op = "modify"
	OpDelete Op = "delete"
	OpMove   Op = "move"
)

// AttrChange is one attribute delta of a modify change.
type AttrChange struct {
	Name  string
	Value string
	Unset bool
}

// Change is one step of a patchset.
type Change struct {
	Op Op

	// Path addresses the changed element, or its parent for a create.
	Path string

	// Position is the final index among the parent's children for
	// create and move, and the former index for delete. -1 when unset.
	Position int

	// Attrs are the attribute deltas of a modify.
	Attrs []AttrChange

	// Result is the new subtree for a create and the element with its
	// final attributes for a modify.
	Result tree.Node

	// ReplaceContent is set on a modify whose children are carried whole
	// in Result because text or comment content changed.
	ReplaceContent bool
}

// Patchset bridges two versions of the document.
type Patchset struct {
	Format  Format
	Source  cib.Version
	Target  cib.Version
	Digest  string
	Changes []Change

	// store owns every Result node.
	store *tree.Document

	// removed and added hold the two halves of a format 1 patchset.
	removed tree.Node
	added   tree.Node
}

func newPatchset(format Format) *Patchset {
	return &Patchset{Format: format, store: tree.New("patchset")}
}

// keep copies n into the patchset's own storage. Unless deep is set only
// the element and its attributes are kept.
func (p *Patchset) keep(n tree.Node, deep bool) tree.Node {
	holder := p.store.Root()
	if deep {
		return holder.CopyNode(n, -1)
	}
	e := holder.AddChild(n.Name())
	for _, a := range n.Attrs() {
		e.SetAttr(a.Name, a.Value)
	}
	return e
}

const configPath = "/cib/" + cib.SectionConfiguration

// Create computes the patchset that turns prev into next. It returns nil
// when the documents do not differ.
//
// When manageCounters is set the version of next is bumped: epoch when
// the configuration changed, num-updates otherwise. The counter updates
// are part of the patchset.
func Create(prev, next *tree.Document, manageCounters bool) (*Patchset, error) {
	const op = "patchset.Create"

	if prev.Root().Name() != next.Root().Name() {
		return nil, &ierrors.Error{
			Code: ierrors.EInvalid,
			Op:   op,
			Msg:  "cannot diff <" + prev.Root().Name() + "> against <" + next.Root().Name() + ">",
		}
	}

	work := next.Copy()
	tree.CalculateChanges(prev, work, next.User())
	if !work.IsDirty() {
		return nil, nil
	}

	if manageCounters {
		v := cib.VersionOf(work.Root()).Bump(isConfigChange(work))
		cib.SetVersion(work.Root(), v)
		cib.SetVersion(next.Root(), v)
	}

	p := newPatchset(FormatV2)
	p.Source = cib.VersionOf(prev.Root())
	p.Target = cib.VersionOf(work.Root())
	p.Digest = tree.Digest(work.Root())

	for _, d := range work.DeletedObjects() {
		p.Changes = append(p.Changes, Change{Op: OpDelete, Path: d.Path, Position: d.Position})
	}
	p.collect(work.Root())
	return p, nil
}

// isConfigChange reports whether a tracked document has changes under the
// configuration section or to the schema it declares.
func isConfigChange(doc *tree.Document) bool {
	root := doc.Root()
	if cfg := root.FirstChild(cib.SectionConfiguration); !cfg.IsZero() && cfg.Flags().Has(tree.FlagDirty) {
		return true
	}
	for _, d := range doc.DeletedObjects() {
		if strings.Contains(d.Path, configPath) {
			return true
		}
	}
	for _, a := range root.AllAttrs() {
		if a.Name == cib.AttrValidateWith && a.Flags.Has(tree.FlagDirty) {
			return true
		}
	}
	return false
}

// collect appends the changes of n and its descendants in document order:
// a created element is reported whole, otherwise a modify for its own
// attributes, then its children, then its own move.
func (p *Patchset) collect(n tree.Node) {
	if n.Flags().Has(tree.FlagCreated) {
		parent := n.Parent()
		if parent.IsZero() {
			return
		}
		p.Changes = append(p.Changes, Change{
			Op:       OpCreate,
			Path:     parent.Path(),
			Position: n.Index(),
			Result:   p.keep(n, true),
		})
		return
	}

	// The root's counters travel in the version block.
	isRoot := n.Parent().IsZero()
	var attrs []AttrChange
	for _, a := range n.AllAttrs() {
		switch {
		case isRoot && isVersionAttr(a.Name):
		case a.Flags.Has(tree.FlagDeleted):
			attrs = append(attrs, AttrChange{Name: a.Name, Unset: true})
		case a.Flags.Has(tree.FlagDirty):
			attrs = append(attrs, AttrChange{Name: a.Name, Value: a.Value})
		}
	}
	replace := n.Flags().Has(tree.FlagContentReplaced)
	if len(attrs) > 0 || replace {
		p.Changes = append(p.Changes, Change{
			Op:             OpModify,
			Path:           n.Path(),
			Position:       -1,
			Attrs:          attrs,
			Result:         p.keep(n, replace),
			ReplaceContent: replace,
		})
	}

	if !replace {
		for _, c := range n.Elements() {
			p.collect(c)
		}
	}

	if n.Flags().Has(tree.FlagMoved) {
		p.Changes = append(p.Changes, Change{Op: OpMove, Path: n.Path(), Position: n.Index()})
	}
}

// ConfigChanged reports whether any change touches the configuration
// section.
func (p *Patchset) ConfigChanged() bool {
	return p.Touches(configPath)
}

// Touches reports whether any change affects an element at or below
// prefix. Creates are matched against the path of the element they add.
func (p *Patchset) Touches(prefix string) bool {
	for _, path := range p.ChangedPaths() {
		if hasPathPrefix(path, prefix) {
			return true
		}
	}
	return false
}

// ChangedPaths returns the path of every changed element, in change order.
// For a format 1 patchset these are the paths of the marked subtrees and
// of every element whose attributes change.
func (p *Patchset) ChangedPaths() []string {
	if p.Format == FormatLegacy {
		return p.legacyPaths()
	}
	out := make([]string, 0, len(p.Changes))
	for _, c := range p.Changes {
		if c.Op == OpCreate {
			out = append(out, childPath(c.Path, c.Result))
			continue
		}
		out = append(out, c.Path)
	}
	return out
}

func childPath(parent string, n tree.Node) string {
	part := n.Name()
	if id := n.ID(); id != "" {
		part += "[@id='" + id + "']"
	}
	return parent + "/" + part
}

// hasPathPrefix matches whole path components, so /cib/configuration does
// not match /cib/configurationX.
func hasPathPrefix(path, prefix string) bool {
	if !strings.HasPrefix(path, prefix) {
		return false
	}
	rest := path[len(prefix):]
	return rest == "" || rest[0] == '/' || rest[0] == '['
}
