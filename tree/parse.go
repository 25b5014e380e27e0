package tree

import (
	"bytes"
	"encoding/xml"
	"fmt"
	"io"
	"strings"

	ierrors "github.com/clusterlabs/cibd/kit/platform/errors"
)

// Parse builds a document from its serialized form. Whitespace-only text
// between elements and processing instructions are dropped.
func Parse(b []byte) (*Document, error) {
	return ParseReader(bytes.NewReader(b))
}

// ParseString is Parse for a string.
func ParseString(s string) (*Document, error) {
	return ParseReader(strings.NewReader(s))
}

// MustParse is Parse that panics on error. It is meant for tests and
// static documents.
func MustParse(s string) *Document {
	d, err := ParseString(s)
	if err != nil {
		panic(err)
	}
	return d
}

// ParseReader builds a document from r.
func ParseReader(r io.Reader) (*Document, error) {
	dec := xml.NewDecoder(r)
	dec.Strict = true

	d := &Document{root: noParent}
	cur := int32(noParent)

	for {
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, &ierrors.Error{Code: ierrors.EInvalid, Op: "tree.Parse", Msg: "malformed document", Err: err}
		}

		switch t := tok.(type) {
		case xml.StartElement:
			if cur == noParent && d.root != noParent {
				return nil, &ierrors.Error{Code: ierrors.EInvalid, Op: "tree.Parse", Msg: "multiple root elements"}
			}
			idx := d.alloc(ElementNode, qualified(t.Name), "", cur)
			if len(t.Attr) > 0 {
				attrs := make([]Attr, 0, len(t.Attr))
				for _, a := range t.Attr {
					attrs = append(attrs, Attr{Name: qualified(a.Name), Value: a.Value})
				}
				d.nodes[idx].attrs = attrs
			}
			if cur == noParent {
				d.root = idx
			} else {
				d.nodes[cur].children = append(d.nodes[cur].children, idx)
			}
			cur = idx
		case xml.EndElement:
			cur = d.nodes[cur].parent
		case xml.CharData:
			if cur == noParent || len(bytes.TrimSpace(t)) == 0 {
				continue
			}
			d.appendLeaf(cur, TextNode, string(t))
		case xml.Comment:
			if cur == noParent {
				continue
			}
			d.appendLeaf(cur, CommentNode, string(t))
		case xml.Directive:
			if cur != noParent {
				d.appendLeaf(cur, DTDNode, string(t))
			}
		}
	}

	if d.root == noParent {
		return nil, &ierrors.Error{Code: ierrors.EInvalid, Op: "tree.Parse", Msg: "document has no root element"}
	}
	return d, nil
}

func (d *Document) appendLeaf(parent int32, kind Kind, value string) {
	idx := d.alloc(kind, "", value, parent)
	d.nodes[parent].children = append(d.nodes[parent].children, idx)
}

func qualified(n xml.Name) string {
	if n.Space == "" {
		return n.Local
	}
	return n.Space + ":" + n.Local
}

// Validate checks that no two elements share an id. The status section
// is keyed by path rather than id (every node_state repeats the same
// lrm_resource ids) and is skipped.
func (d *Document) Validate() error {
	seen := make(map[string]string)
	var dup error
	d.Root().Walk(func(n Node) bool {
		if dup != nil || !n.IsElement() {
			return false
		}
		if n.Name() == "status" && n.Parent().Parent().IsZero() {
			return false
		}
		if id, ok := n.LookupAttr("id"); ok {
			if prev, exists := seen[id]; exists {
				dup = &ierrors.Error{
					Code: ierrors.EInvalid,
					Op:   "tree.Validate",
					Msg:  fmt.Sprintf("duplicate id %q at %s and %s", id, prev, n.Path()),
				}
				return false
			}
			seen[id] = n.Path()
		}
		return true
	})
	return dup
}
