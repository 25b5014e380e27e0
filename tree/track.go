package tree

// FlagContentReplaced marks an element whose text, comment or CDATA
// children changed. Such leaves have no addressable path, so the element
// content is carried whole.
const FlagContentReplaced Flags = 1 << 8

const changeFlags = FlagDirty | FlagCreated | FlagDeleted | FlagMoved | FlagContentReplaced

// Track starts recording changes made by user.
func (d *Document) Track(user string) {
	d.flags |= DocTracking
	d.user = user
}

// Tracking reports whether changes are being recorded.
func (d *Document) Tracking() bool { return d.flags&DocTracking != 0 }

// IsDirty reports whether any change was recorded since tracking began.
func (d *Document) IsDirty() bool { return d.flags&DocDirty != 0 }

// DeletedObjects returns the elements removed while tracking, in removal
// order.
func (d *Document) DeletedObjects() []DeletedObject {
	return append([]DeletedObject(nil), d.deleted...)
}

// AcceptChanges clears every change flag, drops attributes flagged
// deleted, forgets the deletion log and stops tracking.
func (d *Document) AcceptChanges() {
	for i := range d.nodes {
		nd := &d.nodes[i]
		nd.flags &^= changeFlags
		if len(nd.attrs) == 0 {
			continue
		}
		kept := nd.attrs[:0]
		for _, a := range nd.attrs {
			if a.Flags&FlagDeleted != 0 {
				continue
			}
			a.Flags &^= changeFlags
			kept = append(kept, a)
		}
		nd.attrs = kept
	}
	d.deleted = nil
	d.flags &^= DocDirty | DocTracking
	d.user = ""
}

// CalculateChanges marks next with the changes that turn prev into next,
// as if they had been made on next while tracking on behalf of user.
// Changes to noise attributes are only recorded when the same element has
// a significant attribute change. The root is the exception: its noise
// attributes are recorded whenever anything else changed.
func CalculateChanges(prev, next *Document, user string) {
	next.Track(user)
	o, n := prev.Root(), next.Root()
	if o.Name() != n.Name() || o.ID() != n.ID() {
		next.deleted = append(next.deleted, DeletedObject{Path: o.Path()})
		n.SetFlags(FlagCreated | FlagDirty)
		next.flags |= DocDirty
		return
	}
	markChanges(o, n)
	if next.IsDirty() {
		markNoise(o, n)
	}
}

func markNoise(o, n Node) {
	p := n.p()
	for i := range p.attrs {
		a := &p.attrs[i]
		if !IsNoise(a.Name) || a.Flags&FlagDeleted != 0 {
			continue
		}
		if v, ok := o.LookupAttr(a.Name); !ok || v != a.Value {
			a.Flags |= FlagDirty
		}
	}
next:
	for _, a := range o.Attrs() {
		if !IsNoise(a.Name) {
			continue
		}
		for _, have := range p.attrs {
			if have.Name == a.Name {
				continue next
			}
		}
		p.attrs = append(p.attrs, Attr{Name: a.Name, Value: a.Value, Flags: FlagDeleted | FlagDirty})
	}
}

type matchKey struct {
	kind    Kind
	name    string
	id      string
	content string
}

func keyOf(n Node) matchKey {
	if n.Kind() == ElementNode {
		return matchKey{kind: ElementNode, name: n.Name(), id: n.ID()}
	}
	return matchKey{kind: n.Kind(), content: n.Content()}
}

func markChanges(o, n Node) {
	markAttrChanges(o, n)

	oc, nc := o.Children(), n.Children()
	if len(oc) == 0 && len(nc) == 0 {
		return
	}

	// Pair children by name and id (content for leaves), first come first
	// served among duplicates.
	pending := make(map[matchKey][]int, len(oc))
	for i, c := range oc {
		k := keyOf(c)
		pending[k] = append(pending[k], i)
	}
	oldMatch := make([]int, len(oc))
	for i := range oldMatch {
		oldMatch[i] = -1
	}
	newMatch := make([]int, len(nc))
	for j, c := range nc {
		newMatch[j] = -1
		k := keyOf(c)
		if q := pending[k]; len(q) > 0 {
			newMatch[j] = q[0]
			oldMatch[q[0]] = j
			pending[k] = q[1:]
		}
	}

	contentChanged := false
	for i, c := range oc {
		if oldMatch[i] >= 0 {
			continue
		}
		if c.Kind() != ElementNode {
			contentChanged = true
			continue
		}
		n.doc.deleted = append(n.doc.deleted, DeletedObject{Path: c.Path(), Position: c.Index()})
		n.markDirty()
	}

	stable := stableChildren(newMatch)
	for j, c := range nc {
		switch {
		case newMatch[j] < 0 && c.Kind() == ElementNode:
			c.SetFlags(FlagCreated | FlagDirty)
			n.markDirty()
		case newMatch[j] < 0:
			contentChanged = true
		case stable[j]:
		case c.Kind() == ElementNode:
			c.SetFlags(FlagMoved)
			n.markDirty()
		default:
			contentChanged = true
		}
	}

	if contentChanged {
		n.SetFlags(FlagContentReplaced)
		n.markDirty()
		return
	}

	for j, c := range nc {
		if i := newMatch[j]; i >= 0 && c.Kind() == ElementNode {
			markChanges(oc[i], c)
		}
	}
}

func markAttrChanges(o, n Node) {
	significant := false
	var changed []string
	for _, a := range n.Attrs() {
		if v, ok := o.LookupAttr(a.Name); !ok || v != a.Value {
			changed = append(changed, a.Name)
			if !IsNoise(a.Name) {
				significant = true
			}
		}
	}
	var removed []Attr
	for _, a := range o.Attrs() {
		if _, ok := n.LookupAttr(a.Name); !ok {
			removed = append(removed, a)
			if !IsNoise(a.Name) {
				significant = true
			}
		}
	}
	if !significant {
		return
	}

	p := n.p()
	for _, name := range changed {
		for i := range p.attrs {
			if p.attrs[i].Name == name {
				p.attrs[i].Flags |= FlagDirty
			}
		}
	}
	for _, a := range removed {
		p.attrs = append(p.attrs, Attr{Name: a.Name, Value: a.Value, Flags: FlagDeleted | FlagDirty})
	}
	n.markDirty()
}

// stableChildren picks the largest set of matched children whose relative
// order is unchanged (a longest increasing subsequence of their old
// indices). Every other matched child has moved.
func stableChildren(newMatch []int) []bool {
	var seq []int // positions in newMatch of matched children
	for j, i := range newMatch {
		if i >= 0 {
			seq = append(seq, j)
		}
	}

	tails := make([]int, 0, len(seq)) // indices into seq
	prev := make([]int, len(seq))
	for k, j := range seq {
		v := newMatch[j]
		lo, hi := 0, len(tails)
		for lo < hi {
			mid := (lo + hi) / 2
			if newMatch[seq[tails[mid]]] < v {
				lo = mid + 1
			} else {
				hi = mid
			}
		}
		prev[k] = -1
		if lo > 0 {
			prev[k] = tails[lo-1]
		}
		if lo == len(tails) {
			tails = append(tails, k)
		} else {
			tails[lo] = k
		}
	}

	stable := make([]bool, len(newMatch))
	if len(tails) == 0 {
		return stable
	}
	for k := tails[len(tails)-1]; k >= 0; k = prev[k] {
		stable[seq[k]] = true
	}
	return stable
}
