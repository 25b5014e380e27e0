// Package tree implements the in-memory document store: an arena of
// element, text, comment, CDATA and DTD nodes addressed by index, with
// per-node change flags and a document-wide deletion log.
package tree

import (
	"strings"
)

// Kind is the type of a node.
type Kind uint8

const (
	ElementNode Kind = iota
	TextNode
	CommentNode
	CDATANode
	DTDNode
)

func (k Kind) String() string {
	switch k {
	case ElementNode:
		return "element"
	case TextNode:
		return "text"
	case CommentNode:
		return "comment"
	case CDATANode:
		return "cdata"
	case DTDNode:
		return "dtd"
	}
	return "unknown"
}

// Flags is the private change-tracking state of a node or attribute.
// It is never serialized.
type Flags uint16

const (
	FlagDirty Flags = 1 << iota
	FlagCreated
	FlagDeleted
	FlagMoved
	FlagACLDenied
)

// Has reports whether all of f2 are set in f.
func (f Flags) Has(f2 Flags) bool { return f&f2 == f2 }

// DocFlags is the document-wide state.
type DocFlags uint8

const (
	DocDirty DocFlags = 1 << iota
	DocTracking
	DocACLsEnforced
)

// Attr is one attribute of an element.
type Attr struct {
	Name  string
	Value string
	Flags Flags
}

const noParent = -1

type node struct {
	kind     Kind
	name     string
	value    string
	attrs    []Attr
	parent   int32
	children []int32
	flags    Flags
	order    uint64
	detached bool
}

// DeletedObject records an element removed while the document was
// tracking changes.
type DeletedObject struct {
	Path     string
	Position int
}

// Document is a tree of nodes owned by a single arena.
type Document struct {
	nodes   []node
	root    int32
	flags   DocFlags
	user    string
	acl     *Document
	seq     uint64
	deleted []DeletedObject
}

// New returns a document whose root element is named rootName.
func New(rootName string) *Document {
	d := &Document{root: noParent}
	d.root = d.alloc(ElementNode, rootName, "", noParent)
	return d
}

func (d *Document) alloc(kind Kind, name, value string, parent int32) int32 {
	d.seq++
	d.nodes = append(d.nodes, node{
		kind:   kind,
		name:   name,
		value:  value,
		parent: parent,
		order:  d.seq,
	})
	return int32(len(d.nodes) - 1)
}

// Root returns the root element.
func (d *Document) Root() Node {
	if d == nil || d.root == noParent {
		return Node{}
	}
	return Node{doc: d, idx: d.root}
}

// Flags returns the document flags.
func (d *Document) Flags() DocFlags { return d.flags }

// Seq is the change sequence number. It grows on every mutation.
func (d *Document) Seq() uint64 { return d.seq }

// User is the user whose changes are being tracked.
func (d *Document) User() string { return d.user }

// SetACLSource sets the tree ACL checks are evaluated against. A nil
// source means the document itself.
func (d *Document) SetACLSource(src *Document, enforce bool) {
	d.acl = src
	if enforce {
		d.flags |= DocACLsEnforced
	} else {
		d.flags &^= DocACLsEnforced
	}
}

// ACLSource returns the tree ACL checks are evaluated against.
func (d *Document) ACLSource() *Document {
	if d.acl == nil {
		return d
	}
	return d.acl
}

// Copy returns a deep copy of the document content without any change
// tracking state. The arena is compacted.
func (d *Document) Copy() *Document {
	c := &Document{root: noParent}
	if d.root != noParent {
		c.root = c.importNode(d, d.root, noParent)
	}
	return c
}

// FromNode returns a new document holding a copy of the subtree rooted at
// n.
func FromNode(n Node) *Document {
	c := &Document{root: noParent}
	if !n.IsZero() {
		c.root = c.importNode(n.doc, n.idx, noParent)
	}
	return c
}

// Node is a handle to a node of a Document. The zero Node is invalid.
type Node struct {
	doc *Document
	idx int32
}

// IsZero reports whether n refers to no node.
func (n Node) IsZero() bool { return n.doc == nil }

// Doc returns the owning document.
func (n Node) Doc() *Document { return n.doc }

func (n Node) p() *node { return &n.doc.nodes[n.idx] }

// Kind returns the node type.
func (n Node) Kind() Kind {
	if n.doc == nil {
		return ElementNode
	}
	return n.p().kind
}

// IsElement reports whether n is a valid element.
func (n Node) IsElement() bool { return n.doc != nil && n.p().kind == ElementNode }

// Name returns the element name, or "" for other nodes.
func (n Node) Name() string {
	if n.doc == nil {
		return ""
	}
	return n.p().name
}

// Content returns the content of text, comment, CDATA and DTD nodes.
func (n Node) Content() string {
	if n.doc == nil {
		return ""
	}
	return n.p().value
}

// Flags returns the change flags of the node.
func (n Node) Flags() Flags {
	if n.doc == nil {
		return 0
	}
	return n.p().flags
}

// Order is the creation order of the node within its document.
func (n Node) Order() uint64 {
	if n.doc == nil {
		return 0
	}
	return n.p().order
}

// SetFlags adds f to the node flags.
func (n Node) SetFlags(f Flags) { n.p().flags |= f }

// ClearFlags removes f from the node flags.
func (n Node) ClearFlags(f Flags) { n.p().flags &^= f }

// Parent returns the parent element or a zero Node for the root.
func (n Node) Parent() Node {
	if n.doc == nil || n.p().parent == noParent {
		return Node{}
	}
	return Node{doc: n.doc, idx: n.p().parent}
}

// ID returns the id attribute.
func (n Node) ID() string { return n.Attr("id") }

// Attr returns the value of the named attribute, or "" when it is unset.
func (n Node) Attr(name string) string {
	v, _ := n.LookupAttr(name)
	return v
}

// LookupAttr returns the named attribute and whether it is set.
// Attributes flagged deleted are not visible.
func (n Node) LookupAttr(name string) (string, bool) {
	if n.doc == nil {
		return "", false
	}
	for _, a := range n.p().attrs {
		if a.Name == name && a.Flags&FlagDeleted == 0 {
			return a.Value, true
		}
	}
	return "", false
}

// Attrs returns a copy of the visible attributes in insertion order.
func (n Node) Attrs() []Attr {
	if n.doc == nil {
		return nil
	}
	out := make([]Attr, 0, len(n.p().attrs))
	for _, a := range n.p().attrs {
		if a.Flags&FlagDeleted == 0 {
			out = append(out, a)
		}
	}
	return out
}

// AllAttrs returns a copy of every attribute, including those flagged
// deleted while tracking.
func (n Node) AllAttrs() []Attr {
	if n.doc == nil {
		return nil
	}
	return append([]Attr(nil), n.p().attrs...)
}

// SetAttr sets an attribute. When the document is tracking changes the
// attribute and the element are marked dirty if the value changed.
func (n Node) SetAttr(name, value string) Node {
	p := n.p()
	for i := range p.attrs {
		a := &p.attrs[i]
		if a.Name != name {
			continue
		}
		if a.Value == value && a.Flags&FlagDeleted == 0 {
			return n
		}
		a.Value = value
		a.Flags &^= FlagDeleted
		n.markAttrDirty(a)
		return n
	}
	p.attrs = append(p.attrs, Attr{Name: name, Value: value})
	n.markAttrDirty(&p.attrs[len(p.attrs)-1])
	return n
}

// RemoveAttr unsets an attribute. While tracking the attribute is kept,
// flagged deleted, until AcceptChanges.
func (n Node) RemoveAttr(name string) {
	p := n.p()
	for i := range p.attrs {
		a := &p.attrs[i]
		if a.Name != name || a.Flags&FlagDeleted != 0 {
			continue
		}
		if n.doc.flags&DocTracking != 0 && n.p().flags&FlagCreated == 0 {
			a.Flags |= FlagDeleted | FlagDirty
			n.markDirty()
			return
		}
		p.attrs = append(p.attrs[:i], p.attrs[i+1:]...)
		n.doc.seq++
		return
	}
}

// ClearAttrs removes every attribute.
func (n Node) ClearAttrs() {
	for _, a := range n.Attrs() {
		n.RemoveAttr(a.Name)
	}
}

func (n Node) markAttrDirty(a *Attr) {
	n.doc.seq++
	if n.doc.flags&DocTracking == 0 {
		return
	}
	a.Flags |= FlagDirty
	n.markDirty()
}

func (n Node) markDirty() {
	n.doc.flags |= DocDirty
	for c := n; !c.IsZero(); c = c.Parent() {
		c.p().flags |= FlagDirty
	}
}

// Children returns every child node in order.
func (n Node) Children() []Node {
	if n.doc == nil {
		return nil
	}
	out := make([]Node, len(n.p().children))
	for i, c := range n.p().children {
		out[i] = Node{doc: n.doc, idx: c}
	}
	return out
}

// Elements returns the element children in order.
func (n Node) Elements() []Node {
	if n.doc == nil {
		return nil
	}
	var out []Node
	for _, c := range n.p().children {
		if n.doc.nodes[c].kind == ElementNode {
			out = append(out, Node{doc: n.doc, idx: c})
		}
	}
	return out
}

// ElementsNamed returns the element children called name.
func (n Node) ElementsNamed(name string) []Node {
	var out []Node
	for _, c := range n.Elements() {
		if c.Name() == name {
			out = append(out, c)
		}
	}
	return out
}

// FirstChild returns the first element child called name, or any element
// child when name is "".
func (n Node) FirstChild(name string) Node {
	for _, c := range n.Elements() {
		if name == "" || c.Name() == name {
			return c
		}
	}
	return Node{}
}

// ChildByID returns the element child called name with the given id.
func (n Node) ChildByID(name, id string) Node {
	for _, c := range n.Elements() {
		if c.Name() == name && c.ID() == id {
			return c
		}
	}
	return Node{}
}

// Index returns the position of n among all of its parent's children.
func (n Node) Index() int {
	parent := n.Parent()
	if parent.IsZero() {
		return 0
	}
	for i, c := range parent.p().children {
		if c == n.idx {
			return i
		}
	}
	return -1
}

// Position is like Index but skips siblings carrying any of the ignore
// flags.
func (n Node) Position(ignore Flags) int {
	parent := n.Parent()
	if parent.IsZero() {
		return 0
	}
	pos := 0
	for _, c := range parent.p().children {
		if c == n.idx {
			return pos
		}
		if ignore == 0 || n.doc.nodes[c].flags&ignore == 0 {
			pos++
		}
	}
	return -1
}

// Path returns the absolute location of an element, keyed by id where
// the element carries one: /cib/configuration/resources/primitive[@id='x'].
func (n Node) Path() string {
	if n.doc == nil {
		return ""
	}
	var parts []string
	for c := n; !c.IsZero(); c = c.Parent() {
		part := c.Name()
		if c.Kind() != ElementNode {
			part = "text()"
		} else if id := c.ID(); id != "" {
			part += "[@id='" + id + "']"
		}
		parts = append(parts, part)
	}
	var b strings.Builder
	for i := len(parts) - 1; i >= 0; i-- {
		b.WriteByte('/')
		b.WriteString(parts[i])
	}
	return b.String()
}

// AddChild appends a new element called name and returns it.
func (n Node) AddChild(name string) Node {
	return n.InsertChild(name, -1)
}

// InsertChild inserts a new element called name at index at among all
// children. A negative or too large index appends.
func (n Node) InsertChild(name string, at int) Node {
	idx := n.doc.alloc(ElementNode, name, "", n.idx)
	n.link(idx, at)
	c := Node{doc: n.doc, idx: idx}
	c.markCreated()
	return c
}

// AddText appends a text node.
func (n Node) AddText(text string) Node { return n.addLeaf(TextNode, text) }

// AddComment appends a comment node.
func (n Node) AddComment(text string) Node { return n.addLeaf(CommentNode, text) }

// AddCDATA appends a CDATA section.
func (n Node) AddCDATA(text string) Node { return n.addLeaf(CDATANode, text) }

func (n Node) addLeaf(kind Kind, text string) Node {
	idx := n.doc.alloc(kind, "", text, n.idx)
	n.link(idx, -1)
	c := Node{doc: n.doc, idx: idx}
	c.markCreated()
	return c
}

func (n Node) link(idx int32, at int) {
	p := n.p()
	if at < 0 || at >= len(p.children) {
		p.children = append(p.children, idx)
		return
	}
	p.children = append(p.children, 0)
	copy(p.children[at+1:], p.children[at:])
	p.children[at] = idx
}

func (n Node) unlink() {
	parent := n.Parent()
	if parent.IsZero() {
		return
	}
	p := parent.p()
	for i, c := range p.children {
		if c == n.idx {
			p.children = append(p.children[:i], p.children[i+1:]...)
			break
		}
	}
	n.p().parent = noParent
	n.p().detached = true
}

func (n Node) markCreated() {
	n.doc.seq++
	if n.doc.flags&DocTracking == 0 {
		return
	}
	n.p().flags |= FlagCreated | FlagDirty
	if parent := n.Parent(); !parent.IsZero() {
		parent.markDirty()
	}
}

// Remove unlinks n from its parent. While tracking, removal of an element
// that existed before tracking began is logged as a DeletedObject.
func (n Node) Remove() {
	parent := n.Parent()
	if parent.IsZero() {
		return
	}
	d := n.doc
	if d.flags&DocTracking != 0 && n.Kind() == ElementNode && n.p().flags&FlagCreated == 0 {
		d.deleted = append(d.deleted, DeletedObject{Path: n.Path(), Position: n.Position(FlagCreated)})
		parent.markDirty()
	}
	n.unlink()
	d.seq++
}

// RemoveChildren removes every child of n.
func (n Node) RemoveChildren() {
	for _, c := range n.Children() {
		c.Remove()
	}
}

// MoveTo repositions n to index at among its siblings.
func (n Node) MoveTo(at int) {
	parent := n.Parent()
	if parent.IsZero() || n.Index() == at {
		return
	}
	pp := parent.p()
	for i, c := range pp.children {
		if c == n.idx {
			pp.children = append(pp.children[:i], pp.children[i+1:]...)
			break
		}
	}
	parent.link(n.idx, at)
	n.doc.seq++
	if n.doc.flags&DocTracking != 0 && n.p().flags&FlagCreated == 0 {
		n.p().flags |= FlagMoved
		parent.markDirty()
	}
}

// CopyNode copies the subtree rooted at src, which may belong to another
// document, and inserts it under n at index at (negative appends).
func (n Node) CopyNode(src Node, at int) Node {
	idx := n.doc.importNode(src.doc, src.idx, n.idx)
	n.link(idx, at)
	c := Node{doc: n.doc, idx: idx}
	c.markCreated()
	return c
}

// ReplaceChild replaces old, a child of n, with a copy of src.
func (n Node) ReplaceChild(old, src Node) Node {
	at := old.Index()
	old.Remove()
	return n.CopyNode(src, at)
}

// ReplaceWith replaces the content of the element n (attributes and
// children) with that of src, keeping its position.
func (n Node) ReplaceWith(src Node) {
	n.ClearAttrs()
	for _, a := range src.Attrs() {
		n.SetAttr(a.Name, a.Value)
	}
	n.RemoveChildren()
	for _, c := range src.Children() {
		n.CopyNode(c, -1)
	}
}

func (d *Document) importNode(src *Document, si int32, parent int32) int32 {
	s := &src.nodes[si]
	idx := d.alloc(s.kind, s.name, s.value, parent)
	if len(s.attrs) > 0 {
		attrs := make([]Attr, 0, len(s.attrs))
		for _, a := range s.attrs {
			if a.Flags&FlagDeleted != 0 {
				continue
			}
			attrs = append(attrs, Attr{Name: a.Name, Value: a.Value})
		}
		d.nodes[idx].attrs = attrs
	}
	if len(s.children) > 0 {
		children := make([]int32, 0, len(s.children))
		for _, c := range s.children {
			children = append(children, d.importNode(src, c, idx))
		}
		d.nodes[idx].children = children
	}
	return idx
}

// Walk calls fn for n and each of its descendants in document order.
// Returning false from fn skips the node's children.
func (n Node) Walk(fn func(Node) bool) {
	if n.IsZero() {
		return
	}
	if !fn(n) {
		return
	}
	for _, c := range n.Children() {
		c.Walk(fn)
	}
}

// FindByID returns the first element in document order with the given id.
func (d *Document) FindByID(id string) Node {
	var found Node
	d.Root().Walk(func(n Node) bool {
		if !found.IsZero() {
			return false
		}
		if n.IsElement() && n.ID() == id {
			found = n
			return false
		}
		return true
	})
	return found
}

// Equal reports whether two subtrees have the same content, ignoring
// attribute order and change flags.
func Equal(a, b Node) bool {
	if a.IsZero() || b.IsZero() {
		return a.IsZero() == b.IsZero()
	}
	return string(Serialize(a)) == string(Serialize(b))
}
