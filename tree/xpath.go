package tree

import (
	"fmt"
	"strconv"
	"strings"

	ierrors "github.com/clusterlabs/cibd/kit/platform/errors"
)

// XPath is a compiled location path. The supported subset covers what
// patchsets, notifications and clients use:
//
//	/cib/configuration/resources/primitive[@id='rsc1']
//	//node_state[@uname="node1"]/lrm
//	/cib/status/*[2]
//	//nvpair[@name='target-role'][@value]
type XPath struct {
	expr     string
	absolute bool
	steps    []step
}

type step struct {
	descendant bool
	name       string // "*" matches any element
	preds      []predicate
}

type predicate struct {
	attr     string
	value    string
	hasValue bool
	index    int // 1-based; 0 when the predicate tests an attribute
}

// CompileXPath parses expr.
func CompileXPath(expr string) (*XPath, error) {
	x := &XPath{expr: expr}
	s := strings.TrimSpace(expr)
	if s == "" {
		return nil, xpathError(expr, "empty expression")
	}
	if strings.HasPrefix(s, "/") {
		x.absolute = true
	} else {
		s = "/" + s
	}

	for len(s) > 0 {
		var st step
		switch {
		case strings.HasPrefix(s, "//"):
			st.descendant = true
			s = s[2:]
		case strings.HasPrefix(s, "/"):
			s = s[1:]
		default:
			return nil, xpathError(expr, "expected /")
		}

		end := strings.IndexAny(s, "[/")
		if end < 0 {
			end = len(s)
		}
		st.name = s[:end]
		if st.name == "" {
			return nil, xpathError(expr, "empty step")
		}
		s = s[end:]

		for strings.HasPrefix(s, "[") {
			closeAt := closingBracket(s)
			if closeAt < 0 {
				return nil, xpathError(expr, "unterminated predicate")
			}
			p, err := parsePredicate(s[1:closeAt])
			if err != nil {
				return nil, xpathError(expr, err.Error())
			}
			st.preds = append(st.preds, p)
			s = s[closeAt+1:]
		}
		x.steps = append(x.steps, st)
	}
	return x, nil
}

// closingBracket finds the ] ending the predicate that starts s, skipping
// quoted strings.
func closingBracket(s string) int {
	var quote byte
	for i := 1; i < len(s); i++ {
		c := s[i]
		switch {
		case quote != 0:
			if c == quote {
				quote = 0
			}
		case c == '\'' || c == '"':
			quote = c
		case c == ']':
			return i
		}
	}
	return -1
}

func parsePredicate(s string) (predicate, error) {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "@") {
		n, err := strconv.Atoi(s)
		if err != nil || n < 1 {
			return predicate{}, fmt.Errorf("unsupported predicate [%s]", s)
		}
		return predicate{index: n}, nil
	}
	s = s[1:]
	eq := strings.IndexByte(s, '=')
	if eq < 0 {
		return predicate{attr: strings.TrimSpace(s)}, nil
	}
	attr := strings.TrimSpace(s[:eq])
	v := strings.TrimSpace(s[eq+1:])
	if len(v) < 2 || (v[0] != '\'' && v[0] != '"') || v[len(v)-1] != v[0] {
		return predicate{}, fmt.Errorf("unquoted value in [@%s]", s)
	}
	return predicate{attr: attr, value: v[1 : len(v)-1], hasValue: true}, nil
}

func xpathError(expr, msg string) error {
	return &ierrors.Error{Code: ierrors.EInvalid, Op: "tree.CompileXPath", Msg: fmt.Sprintf("invalid xpath %q: %s", expr, msg)}
}

// String returns the source expression.
func (x *XPath) String() string { return x.expr }

// Eval returns the matching elements in document order. Relative paths
// are evaluated from ctx; absolute ones from the root of ctx's document.
func (x *XPath) Eval(ctx Node) []Node {
	if ctx.IsZero() {
		return nil
	}
	var current []Node
	first := 0
	if x.absolute {
		root := ctx.doc.Root()
		st := x.steps[0]
		if st.descendant {
			current = matchStep(st, []Node{root}, true)
		} else if st.matches(root) {
			current = applyIndex(st, []Node{root})
		}
		first = 1
	} else {
		current = []Node{ctx}
	}

	for _, st := range x.steps[first:] {
		if len(current) == 0 {
			break
		}
		current = matchStep(st, current, false)
	}
	return current
}

// matchStep evaluates one step against a context set. When includeSelf is
// true the context nodes themselves are candidates for a descendant step.
func matchStep(st step, ctx []Node, includeSelf bool) []Node {
	var out []Node
	seen := make(map[int32]struct{})
	add := func(n Node) {
		if _, ok := seen[n.idx]; !ok {
			seen[n.idx] = struct{}{}
			out = append(out, n)
		}
	}
	for _, c := range ctx {
		if st.descendant {
			var found []Node
			c.Walk(func(n Node) bool {
				if !n.IsElement() {
					return false
				}
				if (n != c || includeSelf) && st.matches(n) {
					found = append(found, n)
				}
				return true
			})
			for _, n := range applyIndex(st, found) {
				add(n)
			}
			continue
		}
		var found []Node
		for _, n := range c.Elements() {
			if st.matches(n) {
				found = append(found, n)
			}
		}
		for _, n := range applyIndex(st, found) {
			add(n)
		}
	}
	return out
}

func (st step) matches(n Node) bool {
	if st.name != "*" && st.name != n.Name() {
		return false
	}
	for _, p := range st.preds {
		if p.index > 0 {
			continue
		}
		v, ok := n.LookupAttr(p.attr)
		if !ok || (p.hasValue && v != p.value) {
			return false
		}
	}
	return true
}

func applyIndex(st step, nodes []Node) []Node {
	for _, p := range st.preds {
		if p.index == 0 {
			continue
		}
		if p.index > len(nodes) {
			return nil
		}
		nodes = []Node{nodes[p.index-1]}
	}
	return nodes
}

// Select evaluates expr against the document.
func (d *Document) Select(expr string) ([]Node, error) {
	x, err := CompileXPath(expr)
	if err != nil {
		return nil, err
	}
	return x.Eval(d.Root()), nil
}

// SelectFirst returns the first match of expr, or a zero Node.
func (d *Document) SelectFirst(expr string) (Node, error) {
	nodes, err := d.Select(expr)
	if err != nil || len(nodes) == 0 {
		return Node{}, err
	}
	return nodes[0], nil
}

// Select evaluates expr relative to n.
func (n Node) Select(expr string) ([]Node, error) {
	x, err := CompileXPath(expr)
	if err != nil {
		return nil, err
	}
	return x.Eval(n), nil
}
