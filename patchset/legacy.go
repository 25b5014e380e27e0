package patchset

import (
	cib "github.com/clusterlabs/cibd"
	ierrors "github.com/clusterlabs/cibd/kit/platform/errors"
	"github.com/clusterlabs/cibd/tree"
)

// decodeLegacy reads a format 1 patchset: a <diff-removed> and a
// <diff-added> subtree, each rooted at <cib> and carrying the version of
// its side. Subtrees removed or added whole carry a marker attribute.
func decodeLegacy(n tree.Node) (*Patchset, error) {
	const op = "patchset.Decode"

	p := newPatchset(FormatLegacy)
	p.Digest = n.Attr(attrDigest)

	half := func(name string) (tree.Node, cib.Version, error) {
		section := n.FirstChild(name)
		if section.IsZero() {
			return tree.Node{}, cib.Version{}, &ierrors.Error{Code: ierrors.EInvalid, Op: op, Msg: "legacy patch without <" + name + ">"}
		}
		top := section.FirstChild("")
		if len(section.Elements()) > 1 {
			return tree.Node{}, cib.Version{}, &ierrors.Error{Code: ierrors.EInvalid, Op: op, Msg: "legacy patch with more than one change set in <" + name + ">"}
		}
		versionNode := section
		if !top.IsZero() && top.Name() == "cib" {
			versionNode = top
		}
		if _, ok := versionNode.LookupAttr(cib.AttrEpoch); !ok {
			return tree.Node{}, cib.Version{}, &ierrors.Error{Code: ierrors.EInvalid, Op: op, Msg: "legacy patch without version in <" + name + ">"}
		}
		if top.IsZero() {
			return tree.Node{}, cib.VersionOf(versionNode), nil
		}
		return p.keep(top, true), cib.VersionOf(versionNode), nil
	}

	var err error
	if p.removed, p.Source, err = half(elemRemoved); err != nil {
		return nil, err
	}
	if p.added, p.Target, err = half(elemAdded); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *Patchset) applyLegacy(doc *tree.Document) error {
	if !p.removed.IsZero() {
		legacyRemove(doc.Root(), p.removed)
	}
	if !p.added.IsZero() {
		if err := legacyAdd(tree.Node{}, doc.Root(), p.added); err != nil {
			return err
		}
	}
	doc.Root().Walk(func(n tree.Node) bool {
		if n.IsElement() {
			n.RemoveAttr(legacyMarker)
		}
		return true
	})
	cib.SetVersion(doc.Root(), p.Target)
	return nil
}

func sameElement(a, b tree.Node) bool {
	return a.IsElement() && b.IsElement() && a.Name() == b.Name() && a.ID() == b.ID()
}

func matchChild(parent, like tree.Node) tree.Node {
	for _, c := range parent.Elements() {
		if sameElement(c, like) {
			return c
		}
	}
	return tree.Node{}
}

// legacyRemove deletes marked subtrees and the attributes listed on every
// other element of the removed half.
func legacyRemove(target, patch tree.Node) {
	if !sameElement(target, patch) {
		return
	}
	if patch.Attr(legacyMarker) == markerRemoved {
		target.Remove()
		return
	}
	for _, a := range patch.Attrs() {
		if a.Name == "id" || a.Name == legacyMarker || isVersionAttr(a.Name) {
			continue
		}
		target.RemoveAttr(a.Name)
	}
	for _, child := range target.Elements() {
		if pc := matchChild(patch, child); !pc.IsZero() {
			legacyRemove(child, pc)
		}
	}
}

// legacyAdd copies marked subtrees under parent and sets the attributes
// listed on every other element of the added half. Version counters are
// left to the caller.
func legacyAdd(parent, target, patch tree.Node) error {
	if target.IsZero() {
		if patch.Attr(legacyMarker) == markerAdded && !parent.IsZero() {
			parent.CopyNode(patch, -1)
			return nil
		}
		return ierrors.Errorf(ierrors.EDiffFailed, "could not locate %s[@id='%s']", patch.Name(), patch.ID())
	}
	if !sameElement(target, patch) {
		return ierrors.Errorf(ierrors.EDiffFailed, "expected <%s>, found <%s>", patch.Name(), target.Name())
	}
	for _, a := range patch.Attrs() {
		if a.Name == legacyMarker || isVersionAttr(a.Name) {
			continue
		}
		target.SetAttr(a.Name, a.Value)
	}
	for _, pc := range patch.Elements() {
		if err := legacyAdd(target, matchChild(target, pc), pc); err != nil {
			return err
		}
	}
	return nil
}

// legacyPaths lists marked subtrees and elements with listed attributes.
func (p *Patchset) legacyPaths() []string {
	var out []string
	for _, half := range []tree.Node{p.removed, p.added} {
		if half.IsZero() {
			continue
		}
		var walk func(n tree.Node, path string)
		walk = func(n tree.Node, path string) {
			part := n.Name()
			if id := n.ID(); id != "" {
				part += "[@id='" + id + "']"
			}
			path += "/" + part
			if n.Attr(legacyMarker) != "" {
				out = append(out, path)
				return
			}
			for _, a := range n.Attrs() {
				if a.Name != "id" && !isVersionAttr(a.Name) {
					out = append(out, path)
					break
				}
			}
			for _, c := range n.Elements() {
				walk(c, path)
			}
		}
		walk(half, "")
	}
	return out
}

func isVersionAttr(name string) bool {
	switch name {
	case cib.AttrAdminEpoch, cib.AttrEpoch, cib.AttrNumUpdates, "admin_epoch", "num_updates":
		return true
	}
	return false
}

// Legacy returns the removed and added halves of a format 1 patchset.
// Both are zero for format 2.
func (p *Patchset) Legacy() (removed, added tree.Node) {
	return p.removed, p.added
}
