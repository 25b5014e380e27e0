package transition

import (
	"go.uber.org/zap"

	"github.com/clusterlabs/cibd/patchset"
	"github.com/clusterlabs/cibd/tree"
)

// processLegacy handles a format 1 patchset by searching its removed and
// added halves.
func (in *Interpreter) processLegacy(p *patchset.Patchset) {
	removed, added := p.Legacy()

	if p.ConfigChanged() {
		in.ctl.RestartTransition(ReasonNonStatus, nil)
		return
	}
	if len(descendants(added, elemTickets)) > 0 {
		in.ctl.RestartTransition(ReasonTicketUpdate, nil)
		return
	}
	if len(descendants(removed, elemTickets)) > 0 {
		in.ctl.RestartTransition(ReasonTicketRemoval, nil)
		return
	}
	if len(descendants(removed, elemTransient)) > 0 {
		in.ctl.RestartTransition(ReasonTransientRemoval, nil)
		return
	}

	resources := descendants(added, elemLRMResource)
	if !in.ctl.GraphInFlight() && len(resources) > 1 {
		in.log.Debug("Ignoring resource operation updates due to history refresh",
			zap.Int("resources", len(resources)))
		in.ctl.RestartTransition(ReasonHistoryRefresh, nil)
		return
	}
	if len(resources) == 1 && shutdownLockCleared(resources[0]) {
		in.ctl.RestartTransition(ReasonShutdownLock, nil)
	}

	addedOps := descendants(added, elemLRMRscOp)
	present := make(map[string]bool, len(addedOps))
	for _, op := range addedOps {
		present[op.ID()] = true
		in.graphEvent(op, nodeOf(op), "")
	}

	for _, op := range descendants(removed, elemLRMRscOp) {
		if present[op.ID()] {
			continue
		}
		node := nodeOf(op)
		if !in.ctl.ConfirmCancel(op.ID(), node) {
			in.log.Debug("No match for deleted action", zap.String("op", op.ID()), zap.String("node", node))
			in.ctl.RestartTransition(ReasonLegacyOpRemoval, nil)
			return
		}
	}
}

// descendants returns n and every element below it called name, in
// document order.
func descendants(n tree.Node, name string) []tree.Node {
	var out []tree.Node
	n.Walk(func(c tree.Node) bool {
		if !c.IsElement() {
			return false
		}
		if c.Name() == name {
			out = append(out, c)
		}
		return true
	})
	return out
}

// nodeOf returns the id of the node_state holding op.
func nodeOf(op tree.Node) string {
	for p := op.Parent(); !p.IsZero(); p = p.Parent() {
		if p.Name() == elemNodeState {
			return p.ID()
		}
	}
	return op.Attr("on_node")
}
