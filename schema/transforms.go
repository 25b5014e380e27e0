package schema

import (
	"github.com/clusterlabs/cibd/tree"
)

func builtinTransforms() map[string]Transform {
	return map[string]Transform{
		"upgrade-1.3":  upgrade13,
		"upgrade-2.10": upgrade210,
	}
}

// elements returns every element named name below the configuration, in
// document order. The slice is safe to use while editing the tree.
func elements(doc *tree.Document, name string) []tree.Node {
	cfg := doc.Root().FirstChild("configuration")
	var out []tree.Node
	cfg.Walk(func(n tree.Node) bool {
		if !n.IsElement() {
			return false
		}
		if n.Name() == name {
			out = append(out, n)
		}
		return true
	})
	return out
}

func renameAttr(n tree.Node, from, to string) {
	v, ok := n.LookupAttr(from)
	if !ok {
		return
	}
	n.RemoveAttr(from)
	if _, exists := n.LookupAttr(to); !exists {
		n.SetAttr(to, v)
	}
}

// upgrade13 brings a pacemaker-1.3 configuration to the 2.0 layout.
func upgrade13(doc *tree.Document) error {
	for _, n := range elements(doc, "rule") {
		renameAttr(n, "boolean_op", "boolean-op")
	}
	for _, n := range elements(doc, "lifetime") {
		n.Remove()
	}
	for _, n := range elements(doc, "rsc_colocation") {
		renameAttr(n, "from", "rsc")
		renameAttr(n, "to", "with-rsc")
	}
	for _, n := range elements(doc, "rsc_order") {
		renameAttr(n, "from", "first")
		renameAttr(n, "to", "then")
	}
	return nil
}

// upgrade210 moves op requires into meta attributes and drops the
// primitive restart-type, which 3.0 no longer accepts.
func upgrade210(doc *tree.Document) error {
	for _, n := range elements(doc, "op") {
		v, ok := n.LookupAttr("requires")
		if !ok {
			continue
		}
		n.RemoveAttr("requires")

		meta := n.FirstChild("meta_attributes")
		if meta.IsZero() {
			meta = n.AddChild("meta_attributes")
			meta.SetAttr("id", n.ID()+"-meta_attributes")
		}
		nv := meta.AddChild("nvpair")
		nv.SetAttr("id", meta.ID()+"-requires")
		nv.SetAttr("name", "requires")
		nv.SetAttr("value", v)
	}
	for _, n := range elements(doc, "primitive") {
		n.RemoveAttr("restart-type")
	}
	return nil
}
