// Package transition turns applied patchsets into the coarse events the
// cluster controller acts on: restarting the current transition or feeding
// resource operation results into the running graph.
package transition

import (
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/clusterlabs/cibd/patchset"
	"github.com/clusterlabs/cibd/tree"
)

// Element names of the status section.
const (
	elemCIB           = "cib"
	elemStatus        = "status"
	elemConfiguration = "configuration"
	elemTickets       = "tickets"
	elemNodeState     = "node_state"
	elemTransient     = "transient_attributes"
	elemLRM           = "lrm"
	elemLRMResources  = "lrm_resources"
	elemLRMResource   = "lrm_resource"
	elemLRMRscOp      = "lrm_rsc_op"

	attrShutdownLock = "shutdown-lock"
)

// Reasons passed to RestartTransition.
const (
	ReasonConfig           = "Configuration change"
	ReasonNonStatus        = "Non-status change"
	ReasonNonStatusOnly    = "Non-status-only change"
	ReasonTicket           = "Ticket attribute change"
	ReasonTicketUpdate     = "Ticket attribute: update"
	ReasonTicketRemoval    = "Ticket attribute: removal"
	ReasonTransient        = "Transient attribute change"
	ReasonTransientRemoval = "Transient attribute: removal"
	ReasonHistoryRefresh   = "History refresh"
	ReasonShutdownLock     = "Shutdown lock cleared"
	ReasonOpRemoval        = "Resource operation removal"
	ReasonLegacyOpRemoval  = "Resource op removal"
	ReasonResourceRemoval  = "Resource state removal"
	ReasonNodeStateRemoval = "Node state removal"
)

// RscOp is a resource operation result recorded in the status section.
type RscOp struct {
	ID            string
	Key           string
	Resource      string
	Node          string
	CallID        int
	RC            int
	Status        int
	TransitionKey string
}

// Controller receives the interpreter's decisions.
type Controller interface {
	// RestartTransition abandons the current graph. change is the change
	// that caused it, nil when the whole patchset did.
	RestartTransition(reason string, change *patchset.Change)

	// GraphEvent reports an operation result.
	GraphEvent(op RscOp)

	// GraphInFlight reports whether graph actions are outstanding.
	GraphInFlight() bool

	// ConfirmCancel reports whether a pending cancel action accounts for
	// the removal of the operation opKey on nodeID, consuming it if so.
	ConfirmCancel(opKey, nodeID string) bool

	// DownPending reports whether a node-down action is expected for
	// nodeID.
	DownPending(nodeID string) bool
}

// Interpreter feeds patchsets to a Controller.
type Interpreter struct {
	ctl Controller
	log *zap.Logger
}

// New returns an interpreter for ctl.
func New(ctl Controller, log *zap.Logger) *Interpreter {
	if log == nil {
		log = zap.NewNop()
	}
	return &Interpreter{ctl: ctl, log: log.With(zap.String("service", "transition"))}
}

// Process interprets one applied patchset.
func (in *Interpreter) Process(p *patchset.Patchset) {
	if p == nil {
		return
	}
	in.log.Debug("Processing diff",
		zap.Stringer("source", p.Source),
		zap.Stringer("target", p.Target),
		zap.Int("format", int(p.Format)))

	switch p.Format {
	case patchset.FormatV2:
		in.processV2(p)
	case patchset.FormatLegacy:
		in.processLegacy(p)
	default:
		in.log.Warn("Ignoring patch of unknown format", zap.Int("format", int(p.Format)))
	}
}

func (in *Interpreter) processV2(p *patchset.Patchset) {
	if !in.ctl.GraphInFlight() && touchedResources(p) > 1 {
		in.log.Debug("Ignoring resource operation updates due to history refresh")
		in.ctl.RestartTransition(ReasonHistoryRefresh, nil)
		return
	}

	for i := range p.Changes {
		c := &p.Changes[i]
		path := c.Path

		// Moves only matter for placement order within resources.
		if c.Op == patchset.OpMove && !strings.Contains(path, "/cib/configuration/resources") {
			continue
		}

		var name string
		var result tree.Node
		if c.Op == patchset.OpCreate || c.Op == patchset.OpModify {
			result = c.Result
			if !result.IsZero() {
				name = result.Name()
			}
		}

		switch {
		case strings.Contains(path, "/cib/configuration"):
			in.ctl.RestartTransition(ReasonConfig, c)
			return

		case strings.Contains(path, "/"+elemTickets) || name == elemTickets:
			in.ctl.RestartTransition(ReasonTicket, c)
			return

		case strings.Contains(path, "/"+elemTransient+"[") || name == elemTransient:
			in.abortUnlessDown(path, c, ReasonTransient)
			return

		case c.Op == patchset.OpDelete:
			in.processDelete(path, c)

		case name == "":
			in.log.Warn("Ignoring change without a result", zap.String("op", string(c.Op)), zap.String("path", path))

		case name == elemCIB:
			in.processCIB(result, c)

		case name == elemStatus:
			in.processStatus(result, c)

		case name == elemNodeState:
			in.processNodeState(result, c)

		case name == elemLRM:
			in.processResources(result.ID(), result, c)

		case name == elemLRMResources:
			in.processResources(nodeIDFrom(path, elemLRM), result, c)

		case name == elemLRMResource:
			in.processResource(result, nodeIDFrom(path, elemLRM))

		case name == elemLRMRscOp:
			in.graphEvent(result, nodeIDFrom(path, elemLRM), resourceIDFrom(path))

		default:
			in.log.Warn("Ignoring change with unrecognized result",
				zap.String("op", string(c.Op)),
				zap.String("path", path),
				zap.String("result", name))
		}
	}
}

// touchedResources counts the distinct lrm_resource elements created or
// modified by p.
func touchedResources(p *patchset.Patchset) int {
	seen := make(map[string]struct{})
	for _, c := range p.Changes {
		if c.Op != patchset.OpCreate && c.Op != patchset.OpModify {
			continue
		}
		if c.Result.IsZero() {
			continue
		}
		if name := c.Result.Name(); name != elemCIB && name != elemStatus && !strings.Contains(c.Path, "/cib/status") {
			continue
		}
		node := nodeIDFrom(c.Path, elemNodeState)
		if rsc := resourceIDFrom(c.Path); rsc != "" {
			seen[node+"/"+rsc] = struct{}{}
			continue
		}
		c.Result.Walk(func(n tree.Node) bool {
			if !n.IsElement() {
				return false
			}
			switch n.Name() {
			case elemNodeState:
				node = n.ID()
			case elemLRMResource:
				seen[node+"/"+n.ID()] = struct{}{}
				return false
			}
			return true
		})
	}
	return len(seen)
}

func (in *Interpreter) processCIB(cib tree.Node, c *patchset.Change) {
	if status := cib.FirstChild(elemStatus); !status.IsZero() {
		in.processStatus(status, c)
	}
	if !cib.FirstChild(elemConfiguration).IsZero() {
		in.ctl.RestartTransition(ReasonNonStatusOnly, c)
	}
}

func (in *Interpreter) processStatus(status tree.Node, c *patchset.Change) {
	for _, state := range status.ElementsNamed(elemNodeState) {
		in.processNodeState(state, c)
	}
}

func (in *Interpreter) processNodeState(state tree.Node, c *patchset.Change) {
	lrm := state.FirstChild(elemLRM)
	if lrm.IsZero() {
		return
	}
	in.processResources(state.ID(), lrm, c)
}

// processResources handles an lrm or lrm_resources element.
func (in *Interpreter) processResources(node string, n tree.Node, c *patchset.Change) {
	if n.Name() == elemLRM {
		n = n.FirstChild(elemLRMResources)
		if n.IsZero() {
			return
		}
	}
	resources := n.ElementsNamed(elemLRMResource)
	if !in.ctl.GraphInFlight() && len(resources) > 1 {
		in.ctl.RestartTransition(ReasonHistoryRefresh, nil)
		return
	}
	for _, rsc := range resources {
		in.processResource(rsc, node)
	}
}

func (in *Interpreter) processResource(rsc tree.Node, node string) {
	for _, op := range rsc.ElementsNamed(elemLRMRscOp) {
		in.graphEvent(op, node, rsc.ID())
	}
	if shutdownLockCleared(rsc) {
		in.ctl.RestartTransition(ReasonShutdownLock, nil)
	}
}

// shutdownLockCleared reports an explicit lock time of zero.
func shutdownLockCleared(rsc tree.Node) bool {
	v, ok := rsc.LookupAttr(attrShutdownLock)
	if !ok {
		return false
	}
	t, err := strconv.ParseInt(v, 10, 64)
	return err == nil && t == 0
}

func (in *Interpreter) graphEvent(op tree.Node, node, rsc string) {
	if node == "" {
		node = op.Attr("on_node")
	}
	if rsc == "" {
		if parent := op.Parent(); !parent.IsZero() && parent.Name() == elemLRMResource {
			rsc = parent.ID()
		}
	}
	in.ctl.GraphEvent(RscOp{
		ID:            op.ID(),
		Key:           op.Attr("operation_key"),
		Resource:      rsc,
		Node:          node,
		CallID:        atoi(op.Attr("call-id")),
		RC:            atoi(op.Attr("rc-code")),
		Status:        atoi(op.Attr("op-status")),
		TransitionKey: op.Attr("transition-key"),
	})
}

func atoi(s string) int {
	i, _ := strconv.Atoi(s)
	return i
}

func (in *Interpreter) processDelete(path string, c *patchset.Change) {
	switch {
	case strings.Contains(path, "/"+elemLRMRscOp+"["):
		in.processOpDeletion(path, c)
	case strings.Contains(path, "/"+elemLRM+"["):
		in.abortUnlessDown(path, c, ReasonResourceRemoval)
	case strings.Contains(path, "/"+elemNodeState+"["):
		in.abortUnlessDown(path, c, ReasonNodeStateRemoval)
	default:
		in.log.Debug("Ignoring delete", zap.String("path", path))
	}
}

// processOpDeletion takes the operation key from the last quoted value of
// path.
func (in *Interpreter) processOpDeletion(path string, c *patchset.Change) {
	end := strings.LastIndexByte(path, '\'')
	if end < 0 {
		in.log.Warn("Ignoring malformed resource deletion", zap.String("path", path))
		return
	}
	start := strings.LastIndexByte(path[:end], '\'')
	if start < 0 {
		in.log.Warn("Ignoring malformed resource deletion", zap.String("path", path))
		return
	}
	key := path[start+1 : end]
	node := ExtractNodeUUID(path)
	if !in.ctl.ConfirmCancel(key, node) {
		in.ctl.RestartTransition(ReasonOpRemoval, c)
	}
}

// abortUnlessDown restarts the transition unless c deletes state of a node
// that is expected to go down.
func (in *Interpreter) abortUnlessDown(path string, c *patchset.Change, reason string) {
	if c.Op != patchset.OpDelete {
		in.ctl.RestartTransition(reason, c)
		return
	}
	node := ExtractNodeUUID(path)
	if node == "" {
		in.log.Error("Could not extract node id", zap.String("path", path))
		in.ctl.RestartTransition(reason, c)
		return
	}
	if !in.ctl.DownPending(node) {
		in.ctl.RestartTransition(reason, c)
		return
	}
	in.log.Debug("Expecting node state changes", zap.String("node", node), zap.String("path", path))
}

// ExtractNodeUUID returns the id in the first node_state[@id='...'] step of
// path, or "" when there is none.
func ExtractNodeUUID(path string) string {
	return idFrom(path, elemNodeState)
}

func nodeIDFrom(path, elem string) string {
	return idFrom(path, elem)
}

func resourceIDFrom(path string) string {
	return idFrom(path, elemLRMResource)
}

func idFrom(path, elem string) string {
	marker := elem + "[@id='"
	i := strings.Index(path, marker)
	if i < 0 {
		return ""
	}
	rest := path[i+len(marker):]
	j := strings.IndexByte(rest, '\'')
	if j < 0 {
		return ""
	}
	return rest[:j]
}
