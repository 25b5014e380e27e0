package tree

import (
	"bytes"
	"sort"
	"strings"
)

// Noise attributes churn on every write without semantic effect. They
// are left out of filtered serializations and digests.
var noise = map[string]struct{}{
	"crm-debug-origin": {},
	"cib-last-written": {},
	"update-origin":    {},
	"update-client":    {},
	"update-user":      {},
}

// IsNoise reports whether the attribute name is in the noise set.
func IsNoise(name string) bool {
	_, ok := noise[name]
	return ok
}

type serializer struct {
	buf      bytes.Buffer
	filtered bool
	indent   bool
}

// Option changes how a tree is serialized.
type Option func(*serializer)

// Filtered drops noise attributes.
func Filtered() Option { return func(s *serializer) { s.filtered = true } }

// Indented puts each element on its own line, indented by depth.
func Indented() Option { return func(s *serializer) { s.indent = true } }

// Serialize renders the subtree rooted at n. Attributes are sorted by
// name, so identical content yields identical bytes.
func Serialize(n Node, opts ...Option) []byte {
	if n.IsZero() {
		return nil
	}
	var s serializer
	for _, o := range opts {
		o(&s)
	}
	s.node(n, 0)
	if s.indent {
		s.buf.WriteByte('\n')
	}
	return s.buf.Bytes()
}

// Bytes serializes the whole document.
func (d *Document) Bytes(opts ...Option) []byte {
	return Serialize(d.Root(), opts...)
}

// String serializes the subtree rooted at n.
func (n Node) String() string {
	return string(Serialize(n))
}

func (s *serializer) node(n Node, depth int) {
	switch n.Kind() {
	case TextNode:
		escapeText(&s.buf, n.Content())
		return
	case CommentNode:
		s.newline(depth)
		s.buf.WriteString("<!--")
		s.buf.WriteString(n.Content())
		s.buf.WriteString("-->")
		return
	case CDATANode:
		s.buf.WriteString("<![CDATA[")
		s.buf.WriteString(n.Content())
		s.buf.WriteString("]]>")
		return
	case DTDNode:
		s.newline(depth)
		s.buf.WriteString("<!")
		s.buf.WriteString(n.Content())
		s.buf.WriteString(">")
		return
	}

	s.newline(depth)
	s.buf.WriteByte('<')
	s.buf.WriteString(n.Name())

	attrs := n.Attrs()
	sort.SliceStable(attrs, func(i, j int) bool { return attrs[i].Name < attrs[j].Name })
	for _, a := range attrs {
		if s.filtered && IsNoise(a.Name) {
			continue
		}
		s.buf.WriteByte(' ')
		s.buf.WriteString(a.Name)
		s.buf.WriteString(`="`)
		escapeAttr(&s.buf, a.Value)
		s.buf.WriteByte('"')
	}

	children := n.Children()
	if len(children) == 0 {
		s.buf.WriteString("/>")
		return
	}
	s.buf.WriteByte('>')
	hasElements := false
	for _, c := range children {
		if c.Kind() == ElementNode || c.Kind() == CommentNode {
			hasElements = true
		}
		s.node(c, depth+1)
	}
	if hasElements {
		s.newline(depth)
	}
	s.buf.WriteString("</")
	s.buf.WriteString(n.Name())
	s.buf.WriteByte('>')
}

func (s *serializer) newline(depth int) {
	if !s.indent || s.buf.Len() == 0 {
		return
	}
	s.buf.WriteByte('\n')
	s.buf.WriteString(strings.Repeat("  ", depth))
}

func escapeText(b *bytes.Buffer, v string) {
	for _, r := range v {
		switch r {
		case '&':
			b.WriteString("&amp;")
		case '<':
			b.WriteString("&lt;")
		case '>':
			b.WriteString("&gt;")
		default:
			b.WriteRune(r)
		}
	}
}

func escapeAttr(b *bytes.Buffer, v string) {
	for _, r := range v {
		switch r {
		case '&':
			b.WriteString("&amp;")
		case '<':
			b.WriteString("&lt;")
		case '>':
			b.WriteString("&gt;")
		case '"':
			b.WriteString("&quot;")
		case '\n':
			b.WriteString("&#10;")
		case '\r':
			b.WriteString("&#13;")
		case '\t':
			b.WriteString("&#9;")
		default:
			b.WriteRune(r)
		}
	}
}
