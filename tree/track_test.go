package tree_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/clusterlabs/cibd/tree"
)

func TestTracking_DirectEdits(t *testing.T) {
	t.Parallel()

	doc := tree.MustParse(sample)
	doc.Track("hacluster")
	require.True(t, doc.Tracking())
	require.False(t, doc.IsDirty())

	n1 := doc.FindByID("n1")
	n1.SetAttr("uname", "a")
	require.False(t, doc.IsDirty(), "setting an unchanged value is not a change")

	n1.SetAttr("uname", "z")
	require.True(t, doc.IsDirty())
	require.True(t, n1.Flags().Has(tree.FlagDirty))
	require.True(t, doc.Root().Flags().Has(tree.FlagDirty), "ancestors are marked")

	n1.RemoveAttr("uname")
	_, ok := n1.LookupAttr("uname")
	require.False(t, ok)
	require.Len(t, n1.AllAttrs(), 2, "removed attribute is kept flagged until accepted")

	doc.FindByID("n2").Remove()
	require.Equal(t, []tree.DeletedObject{{Path: "/cib/configuration/nodes/node[@id='n2']", Position: 1}}, doc.DeletedObjects())

	created := doc.FindByID("rsc1").Parent().AddChild("primitive")
	require.True(t, created.Flags().Has(tree.FlagCreated))
	created.Remove()
	require.Len(t, doc.DeletedObjects(), 1, "removing a node created in this session is not logged")

	doc.AcceptChanges()
	require.False(t, doc.Tracking())
	require.False(t, doc.IsDirty())
	require.Empty(t, doc.DeletedObjects())
	require.Len(t, n1.AllAttrs(), 1)
	doc.Root().Walk(func(n tree.Node) bool {
		require.Zero(t, n.Flags()&(tree.FlagDirty|tree.FlagCreated|tree.FlagDeleted|tree.FlagMoved), n.Path())
		return true
	})
}

func TestCalculateChanges(t *testing.T) {
	t.Parallel()

	prev := tree.MustParse(`<cib epoch="1"><configuration>
		<nodes><node id="n1" uname="a"/><node id="n2" uname="b"/><node id="n3" uname="c"/></nodes>
		<resources><primitive id="r1" type="Dummy"/></resources>
	</configuration></cib>`)
	next := tree.MustParse(`<cib epoch="1"><configuration>
		<nodes><node id="n3" uname="c"/><node id="n1" uname="a"/><node id="n4" uname="d"/></nodes>
		<resources><primitive id="r1" type="Stateful"/></resources>
	</configuration></cib>`)

	tree.CalculateChanges(prev, next, "root")
	require.True(t, next.IsDirty())

	require.Equal(t, []tree.DeletedObject{{Path: "/cib/configuration/nodes/node[@id='n2']", Position: 1}}, next.DeletedObjects())
	require.True(t, next.FindByID("n4").Flags().Has(tree.FlagCreated))
	require.True(t, next.FindByID("n3").Flags().Has(tree.FlagMoved), "n3 jumped ahead of n1")
	require.False(t, next.FindByID("n1").Flags().Has(tree.FlagMoved))

	r1 := next.FindByID("r1")
	require.True(t, r1.Flags().Has(tree.FlagDirty))
	for _, a := range r1.AllAttrs() {
		if a.Name == "type" {
			require.True(t, a.Flags.Has(tree.FlagDirty))
		} else {
			require.False(t, a.Flags.Has(tree.FlagDirty), a.Name)
		}
	}
}

func TestCalculateChanges_NoiseOnly(t *testing.T) {
	t.Parallel()

	prev := tree.MustParse(`<cib epoch="1" cib-last-written="Mon"><status/></cib>`)
	next := tree.MustParse(`<cib epoch="1" cib-last-written="Tue"><status/></cib>`)
	tree.CalculateChanges(prev, next, "")
	require.False(t, next.IsDirty(), "a lone noise attribute change is not significant")

	next = tree.MustParse(`<cib epoch="2" cib-last-written="Tue"><status/></cib>`)
	tree.CalculateChanges(prev, next, "")
	require.True(t, next.IsDirty())
	for _, a := range next.Root().AllAttrs() {
		require.True(t, a.Flags.Has(tree.FlagDirty), a.Name)
	}

	// Root noise rides along with a change anywhere below it; noise on
	// other elements does not.
	prev = tree.MustParse(`<cib epoch="1" cib-last-written="Mon" update-client="crmd"><status><node_state id="1" crm-debug-origin="a"/></status></cib>`)
	next = tree.MustParse(`<cib epoch="1" cib-last-written="Tue"><status><node_state id="1" crm-debug-origin="b"/><node_state id="2"/></status></cib>`)
	tree.CalculateChanges(prev, next, "")
	require.True(t, next.IsDirty())
	flags := make(map[string]tree.Flags)
	for _, a := range next.Root().AllAttrs() {
		flags[a.Name] = a.Flags
	}
	require.True(t, flags["cib-last-written"].Has(tree.FlagDirty))
	require.True(t, flags["update-client"].Has(tree.FlagDeleted))
	require.False(t, flags["epoch"].Has(tree.FlagDirty))
	for _, a := range next.Root().FirstChild("status").FirstChild("node_state").AllAttrs() {
		require.False(t, a.Flags.Has(tree.FlagDirty), a.Name)
	}
}

func TestCalculateChanges_Comments(t *testing.T) {
	t.Parallel()

	prev := tree.MustParse(`<cib><configuration><!-- a --><nodes/></configuration></cib>`)
	next := tree.MustParse(`<cib><configuration><!-- b --><nodes/></configuration></cib>`)
	tree.CalculateChanges(prev, next, "")

	cfg := next.Root().FirstChild("configuration")
	require.True(t, cfg.Flags().Has(tree.FlagContentReplaced))
	require.Empty(t, next.DeletedObjects())
}
