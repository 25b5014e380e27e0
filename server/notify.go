package server

import (
	"context"
	"strconv"
	"strings"

	"github.com/clusterlabs/cibd/alerts"
	"github.com/clusterlabs/cibd/patchset"
	"github.com/clusterlabs/cibd/transition"
	"github.com/clusterlabs/cibd/tree"
)

const (
	elemNodeState    = "node_state"
	elemTransient    = "transient_attributes"
	elemNVPair       = "nvpair"
	elemLRMResource  = "lrm_resource"
	elemLRMRscOp     = "lrm_rsc_op"
	attrInCCM        = "in_ccm"
	attrUname        = "uname"
	nodeStateMember  = "member"
	nodeStateLost    = "lost"
	statusPathPrefix = "/cib/status"
)

// notifyAlerts reloads the alert entries when p touches them and runs the
// agents for the node attribute, membership and resource operation
// changes p carries.
func (s *Server) notifyAlerts(ctx context.Context, p *patchset.Patchset, doc *tree.Document) {
	if s.alerts == nil {
		return
	}
	if alerts.NeedsReload(p) {
		_ = s.alerts.Reload(doc)
	}
	for _, ev := range attributeEvents(p, doc) {
		s.alerts.AttributeUpdate(ctx, ev)
	}
	for _, ev := range nodeEvents(p, doc) {
		s.alerts.NodeEvent(ctx, ev)
	}
	for _, ev := range resourceEvents(p, doc) {
		s.alerts.ResourceEvent(ctx, ev)
	}
}

// attributeEvents returns the transient node attributes p creates or
// changes.
func attributeEvents(p *patchset.Patchset, doc *tree.Document) []alerts.AttributeEvent {
	var out []alerts.AttributeEvent
	for _, c := range p.Changes {
		if !strings.HasPrefix(c.Path, statusPathPrefix) {
			continue
		}
		switch c.Op {
		case patchset.OpModify:
			if c.Result.Name() != elemNVPair || !strings.Contains(c.Path, elemTransient) {
				continue
			}
			id := transition.ExtractNodeUUID(c.Path)
			out = append(out, alerts.AttributeEvent{
				Node:   nodeName(doc, id),
				NodeID: id,
				Name:   c.Result.Attr("name"),
				Value:  c.Result.Attr("value"),
			})
		case patchset.OpCreate:
			id := transition.ExtractNodeUUID(c.Path)
			if c.Result.Name() == elemNodeState {
				id = c.Result.ID()
			}
			inTransient := strings.Contains(c.Path, elemTransient)
			collectPairs(c.Result, inTransient, func(name, value string) {
				out = append(out, alerts.AttributeEvent{
					Node:   nodeName(doc, id),
					NodeID: id,
					Name:   name,
					Value:  value,
				})
			})
		}
	}
	return out
}

// collectPairs calls fn for every nvpair below a transient_attributes
// element in the subtree rooted at n.
func collectPairs(n tree.Node, inTransient bool, fn func(name, value string)) {
	if n.Name() == elemTransient {
		inTransient = true
	}
	if inTransient && n.Name() == elemNVPair {
		fn(n.Attr("name"), n.Attr("value"))
		return
	}
	for _, c := range n.Elements() {
		collectPairs(c, inTransient, fn)
	}
}

// nodeEvents returns the membership changes recorded in node_state
// elements.
func nodeEvents(p *patchset.Patchset, doc *tree.Document) []alerts.NodeEvent {
	var out []alerts.NodeEvent
	for _, c := range p.Changes {
		if c.Result.IsZero() || c.Result.Name() != elemNodeState {
			continue
		}
		var changed bool
		switch c.Op {
		case patchset.OpCreate:
			_, changed = c.Result.LookupAttr(attrInCCM)
		case patchset.OpModify:
			for _, a := range c.Attrs {
				if a.Name == attrInCCM {
					changed = true
				}
			}
		}
		if !changed {
			continue
		}
		id := c.Result.ID()
		if id == "" {
			id = transition.ExtractNodeUUID(c.Path)
		}
		name := c.Result.Attr(attrUname)
		if name == "" {
			name = nodeName(doc, id)
		}
		out = append(out, alerts.NodeEvent{Node: name, NodeID: id, State: membership(c.Result.Attr(attrInCCM))})
	}
	return out
}

// membership maps in_ccm, a boolean or the time the node joined, to a
// node state.
func membership(inCCM string) string {
	switch inCCM {
	case "", "false", "0", "no", "off":
		return nodeStateLost
	}
	return nodeStateMember
}

func nodeName(doc *tree.Document, id string) string {
	if id == "" {
		return ""
	}
	n, err := doc.SelectFirst(statusPathPrefix + "/" + elemNodeState + "[@id='" + id + "']")
	if err != nil || n.IsZero() {
		return ""
	}
	return n.Attr(attrUname)
}

// resourceEvents returns the operation results p records, found in
// created or modified lrm_rsc_op elements. Pending operations are skipped.
func resourceEvents(p *patchset.Patchset, doc *tree.Document) []alerts.ResourceEvent {
	var out []alerts.ResourceEvent
	for _, c := range p.Changes {
		if c.Op != patchset.OpCreate && c.Op != patchset.OpModify {
			continue
		}
		if c.Result.IsZero() || !strings.HasPrefix(c.Path, statusPathPrefix) {
			continue
		}
		node := transition.ExtractNodeUUID(c.Path)
		rsc := idIn(c.Path, elemLRMResource)
		c.Result.Walk(func(n tree.Node) bool {
			if !n.IsElement() {
				return false
			}
			switch n.Name() {
			case elemNodeState:
				node = n.ID()
			case elemLRMResource:
				rsc = n.ID()
			case elemLRMRscOp:
				if n.Attr("op-status") != "-1" {
					out = append(out, resourceEvent(n, nodeName(doc, node), node, rsc))
				}
				return false
			}
			return true
		})
	}
	return out
}

func resourceEvent(op tree.Node, name, id, rsc string) alerts.ResourceEvent {
	ev := alerts.ResourceEvent{
		Node:     name,
		NodeID:   id,
		Resource: rsc,
		Op:       op.Attr("operation"),
		Interval: atoi(op.Attr("interval")),
		RC:       atoi(op.Attr("rc-code")),
		Status:   atoi(op.Attr("op-status")),
	}
	// The transition key is action:transition:target-rc:uuid.
	if parts := strings.SplitN(op.Attr("transition-key"), ":", 4); len(parts) == 4 {
		ev.TargetRC, _ = strconv.Atoi(parts[2])
	}
	return ev
}

// idIn returns the id in the first elem[@id='...'] step of path.
func idIn(path, elem string) string {
	marker := elem + "[@id='"
	i := strings.Index(path, marker)
	if i < 0 {
		return ""
	}
	rest := path[i+len(marker):]
	if j := strings.IndexByte(rest, '\''); j >= 0 {
		return rest[:j]
	}
	return ""
}
