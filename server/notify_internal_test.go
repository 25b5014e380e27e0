package server

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	cib "github.com/clusterlabs/cibd"
	"github.com/clusterlabs/cibd/alerts"
	"github.com/clusterlabs/cibd/patchset"
	"github.com/clusterlabs/cibd/tree"
)

const statusBefore = `<cib admin-epoch="0" epoch="1" num-updates="0" validate-with="pacemaker-3.0">
<configuration><crm_config/><nodes/><resources/><constraints/></configuration>
<status>
<node_state id="1" uname="a" in_ccm="true">
<transient_attributes id="1"><instance_attributes id="status-1"><nvpair id="status-1-p" name="probe" value="1"/></instance_attributes></transient_attributes>
</node_state>
</status>
</cib>`

func statusDiff(t *testing.T, edit func(doc *tree.Document)) (*patchset.Patchset, *tree.Document) {
	t.Helper()
	prev := tree.MustParse(statusBefore)
	next := prev.Copy()
	edit(next)
	p, err := patchset.Create(prev, next, true)
	require.NoError(t, err)
	require.NotNil(t, p)
	return p, next
}

func mustSelect(t *testing.T, doc *tree.Document, expr string) tree.Node {
	t.Helper()
	n, err := doc.SelectFirst(expr)
	require.NoError(t, err)
	require.False(t, n.IsZero(), expr)
	return n
}

func TestAttributeEvents(t *testing.T) {
	p, doc := statusDiff(t, func(doc *tree.Document) {
		mustSelect(t, doc, "//nvpair[@id='status-1-p']").SetAttr("value", "2")
		set := mustSelect(t, doc, "//instance_attributes[@id='status-1']")
		set.AddChild("nvpair").SetAttr("id", "status-1-q").SetAttr("name", "fail-count").SetAttr("value", "3")
		mustSelect(t, doc, "/cib/status").AddChild("node_state").SetAttr("id", "2").SetAttr("uname", "b")
	})

	got := attributeEvents(p, doc)
	want := []alerts.AttributeEvent{
		{Node: "a", NodeID: "1", Name: "probe", Value: "2"},
		{Node: "a", NodeID: "1", Name: "fail-count", Value: "3"},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("unexpected attribute events (-want +got):\n%s", diff)
	}
	require.Empty(t, nodeEvents(p, doc), "no membership changed")
}

func TestNodeEvents(t *testing.T) {
	p, doc := statusDiff(t, func(doc *tree.Document) {
		mustSelect(t, doc, "//node_state[@id='1']").SetAttr("in_ccm", "false")
		mustSelect(t, doc, "/cib/status").AddChild("node_state").
			SetAttr("id", "2").SetAttr("uname", "b").SetAttr("in_ccm", "1700000000")
	})

	got := nodeEvents(p, doc)
	want := []alerts.NodeEvent{
		{Node: "a", NodeID: "1", State: nodeStateLost},
		{Node: "b", NodeID: "2", State: nodeStateMember},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("unexpected node events (-want +got):\n%s", diff)
	}
	require.Equal(t, cib.Version{Epoch: 1, NumUpdates: 1}, p.Target)
}

func TestResourceEvents(t *testing.T) {
	p, doc := statusDiff(t, func(doc *tree.Document) {
		state := mustSelect(t, doc, "//node_state[@id='1']")
		rscs := state.AddChild("lrm").SetAttr("id", "1").AddChild("lrm_resources")
		r1 := rscs.AddChild("lrm_resource").SetAttr("id", "r1")
		r1.AddChild("lrm_rsc_op").SetAttr("id", "r1_last_0").
			SetAttr("operation", "start").SetAttr("interval", "0").
			SetAttr("rc-code", "0").SetAttr("op-status", "0").
			SetAttr("transition-key", "3:1:0:0f9a2d1c")
		r1.AddChild("lrm_rsc_op").SetAttr("id", "r1_monitor_10000").
			SetAttr("operation", "monitor").SetAttr("interval", "10000").
			SetAttr("op-status", "-1")
	})
	want := []alerts.ResourceEvent{
		{Node: "a", NodeID: "1", Resource: "r1", Op: "start"},
	}
	if diff := cmp.Diff(want, resourceEvents(p, doc)); diff != "" {
		t.Fatalf("unexpected resource events (-want +got):\n%s", diff)
	}

	// A later result for the same operation is a modify.
	prev := doc.Copy()
	prev.AcceptChanges()
	next := prev.Copy()
	mustSelect(t, next, "//lrm_rsc_op[@id='r1_monitor_10000']").
		SetAttr("op-status", "0").SetAttr("rc-code", "7").
		SetAttr("transition-key", "4:1:0:0f9a2d1c")
	p, err := patchset.Create(prev, next, true)
	require.NoError(t, err)
	want = []alerts.ResourceEvent{
		{Node: "a", NodeID: "1", Resource: "r1", Op: "monitor", Interval: 10000, RC: 7},
	}
	if diff := cmp.Diff(want, resourceEvents(p, next)); diff != "" {
		t.Fatalf("unexpected resource events (-want +got):\n%s", diff)
	}
}
