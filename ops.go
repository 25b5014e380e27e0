package cib

import (
	"strings"
)

// Operation names carried in the cib-op attribute.
const (
	OpAbsDelete   = "abs-delete"
	OpApplyPatch  = "apply-patch"
	OpBump        = "bump"
	OpCommit      = "commit-transaction"
	OpCreate      = "create"
	OpDelete      = "delete"
	OpErase       = "erase"
	OpIsPrimary   = "is-primary"
	OpModify      = "modify"
	OpNoop        = "noop"
	OpPing        = "ping"
	OpPrimary     = "primary"
	OpQuery       = "query"
	OpReplace     = "replace"
	OpSecondary   = "secondary"
	OpShutdownReq = "shutdown-req"
	OpSync        = "sync"
	OpSyncOne     = "sync-one"
	OpUpgrade     = "upgrade"
	OpSchemas     = "schemas"

	// OpDiffNotify is the class of broadcast patchsets.
	OpDiffNotify = "diff-notify"
)

// CallOptions modify how a request is handled.
type CallOptions uint32

const (
	CallVerbose CallOptions = 1 << iota
	CallXPath
	CallMultiple
	CallCanCreate
	CallDiscardReply
	CallNoChildren
	CallXPathAddress
	CallMixedUpdate
	CallScopeLocal
	CallDryRun
	CallSyncCall
	CallNoMtime
	CallInhibitNotify
	CallForceDiff
	CallTransaction
	CallInhibitBroadcast
	CallSchemaLatest
)

// CallNone is the empty option set.
const CallNone CallOptions = 0

// Has reports whether all of o2 are set.
func (o CallOptions) Has(o2 CallOptions) bool { return o&o2 == o2 }

var callOptionNames = []struct {
	opt  CallOptions
	name string
}{
	{CallVerbose, "verbose"},
	{CallXPath, "xpath"},
	{CallMultiple, "multiple"},
	{CallCanCreate, "can-create"},
	{CallDiscardReply, "discard-reply"},
	{CallNoChildren, "no-children"},
	{CallXPathAddress, "xpath-address"},
	{CallMixedUpdate, "mixed-update"},
	{CallScopeLocal, "scope-local"},
	{CallDryRun, "dry-run"},
	{CallSyncCall, "sync-call"},
	{CallNoMtime, "no-mtime"},
	{CallInhibitNotify, "inhibit-notify"},
	{CallForceDiff, "force-diff"},
	{CallTransaction, "transaction"},
	{CallInhibitBroadcast, "inhibit-broadcast"},
	{CallSchemaLatest, "schema-latest"},
}

func (o CallOptions) String() string {
	if o == CallNone {
		return "none"
	}
	var parts []string
	for _, n := range callOptionNames {
		if o.Has(n.opt) {
			parts = append(parts, n.name)
		}
	}
	return strings.Join(parts, "|")
}
