package patchset

import (
	"strconv"

	cib "github.com/clusterlabs/cibd"
	ierrors "github.com/clusterlabs/cibd/kit/platform/errors"
	"github.com/clusterlabs/cibd/tree"
)

// Element and attribute names of the wire form.
const (
	elemDiff       = "diff"
	elemVersion    = "version"
	elemSource     = "source"
	elemTarget     = "target"
	elemChange     = "change"
	elemChangeList = "change-list"
	elemChangeAttr = "change-attr"
	elemResult     = "change-result"

	attrFormat    = "format"
	attrDigest    = "digest"
	attrOperation = "operation"
	attrPath      = "path"
	attrPosition  = "position"
	attrName      = "name"
	attrValue     = "value"
	attrContent   = "content"

	attrOpSet     = "set"
	attrOpUnset   = "unset"
	contentWhole  = "replace"
	elemRemoved   = "diff-removed"
	elemAdded     = "diff-added"
	legacyMarker  = "__crm_diff_marker__"
	markerAdded   = "added:top"
	markerRemoved = "removed:top"
)

// Encode renders a format 2 patchset as a document rooted at <diff>.
// Format 1 patchsets are never written.
func Encode(p *Patchset) (*tree.Document, error) {
	if p.Format != FormatV2 {
		return nil, &ierrors.Error{
			Code: ierrors.EInvalid,
			Op:   "patchset.Encode",
			Msg:  "refusing to write format " + strconv.Itoa(int(p.Format)) + " patchset",
		}
	}

	doc := tree.New(elemDiff)
	root := doc.Root()
	root.SetAttr(attrFormat, strconv.Itoa(int(FormatV2)))
	if p.Digest != "" {
		root.SetAttr(attrDigest, p.Digest)
	}
	version := root.AddChild(elemVersion)
	cib.SetVersion(version.AddChild(elemSource), p.Source)
	cib.SetVersion(version.AddChild(elemTarget), p.Target)

	for _, c := range p.Changes {
		e := root.AddChild(elemChange)
		e.SetAttr(attrOperation, string(c.Op))
		e.SetAttr(attrPath, c.Path)
		switch c.Op {
		case OpCreate:
			e.SetAttr(attrPosition, strconv.Itoa(c.Position))
			e.CopyNode(c.Result, -1)
		case OpMove:
			e.SetAttr(attrPosition, strconv.Itoa(c.Position))
		case OpDelete:
			if c.Position >= 0 {
				e.SetAttr(attrPosition, strconv.Itoa(c.Position))
			}
		case OpModify:
			if c.ReplaceContent {
				e.SetAttr(attrContent, contentWhole)
			}
			list := e.AddChild(elemChangeList)
			for _, a := range c.Attrs {
				ca := list.AddChild(elemChangeAttr).SetAttr(attrName, a.Name)
				if a.Unset {
					ca.SetAttr(attrOperation, attrOpUnset)
					continue
				}
				ca.SetAttr(attrOperation, attrOpSet).SetAttr(attrValue, a.Value)
			}
			e.AddChild(elemResult).CopyNode(c.Result, -1)
		}
	}
	return doc, nil
}

// MustEncode is Encode for patchsets known to be format 2.
func MustEncode(p *Patchset) *tree.Document {
	doc, err := Encode(p)
	if err != nil {
		panic(err)
	}
	return doc
}

// Decode reads a patchset from its wire form. A missing format attribute
// means format 1.
func Decode(n tree.Node) (*Patchset, error) {
	const op = "patchset.Decode"

	invalid := func(msg string) error {
		return &ierrors.Error{Code: ierrors.EInvalid, Op: op, Msg: msg}
	}

	if n.Name() != elemDiff {
		return nil, invalid("expected <diff>, got <" + n.Name() + ">")
	}
	format := int(FormatLegacy)
	if v, ok := n.LookupAttr(attrFormat); ok {
		f, err := strconv.Atoi(v)
		if err != nil {
			return nil, invalid("malformed format " + strconv.Quote(v))
		}
		format = f
	}

	switch Format(format) {
	case FormatLegacy:
		return decodeLegacy(n)
	case FormatV2:
	default:
		return nil, invalid("unknown patch format " + strconv.Itoa(format))
	}

	p := newPatchset(FormatV2)
	p.Digest = n.Attr(attrDigest)
	version := n.FirstChild(elemVersion)
	source, target := version.FirstChild(elemSource), version.FirstChild(elemTarget)
	if source.IsZero() || target.IsZero() {
		return nil, invalid("missing source or target version")
	}
	p.Source = cib.VersionOf(source)
	p.Target = cib.VersionOf(target)

	for _, e := range n.ElementsNamed(elemChange) {
		c := Change{Op: Op(e.Attr(attrOperation)), Path: e.Attr(attrPath), Position: -1}
		if c.Path == "" {
			return nil, invalid("change without path")
		}
		if v, ok := e.LookupAttr(attrPosition); ok {
			pos, err := strconv.Atoi(v)
			if err != nil {
				return nil, invalid("malformed position " + strconv.Quote(v))
			}
			c.Position = pos
		}

		switch c.Op {
		case OpDelete:
		case OpMove:
			if c.Position < 0 {
				return nil, invalid("move of " + c.Path + " without position")
			}
		case OpCreate:
			children := e.Children()
			if len(children) == 0 {
				return nil, invalid("create under " + c.Path + " without content")
			}
			c.Result = p.keep(children[0], true)
		case OpModify:
			result := e.FirstChild(elemResult).FirstChild("")
			if result.IsZero() {
				return nil, invalid("modify of " + c.Path + " without result")
			}
			c.ReplaceContent = e.Attr(attrContent) == contentWhole
			c.Result = p.keep(result, c.ReplaceContent)
			for _, ca := range e.FirstChild(elemChangeList).ElementsNamed(elemChangeAttr) {
				c.Attrs = append(c.Attrs, AttrChange{
					Name:  ca.Attr(attrName),
					Value: ca.Attr(attrValue),
					Unset: ca.Attr(attrOperation) == attrOpUnset,
				})
			}
		default:
			return nil, invalid("unknown operation " + strconv.Quote(string(c.Op)))
		}
		p.Changes = append(p.Changes, c)
	}
	return p, nil
}
