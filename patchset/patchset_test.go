package patchset_test

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	cib "github.com/clusterlabs/cibd"
	ierrors "github.com/clusterlabs/cibd/kit/platform/errors"
	"github.com/clusterlabs/cibd/patchset"
	"github.com/clusterlabs/cibd/tree"
)

func ops(p *patchset.Patchset) []string {
	out := make([]string, len(p.Changes))
	for i, c := range p.Changes {
		out[i] = fmt.Sprintf("%s %s %d", c.Op, c.Path, c.Position)
	}
	return out
}

// roundTrip pushes p through its wire form.
func roundTrip(t *testing.T, p *patchset.Patchset) *patchset.Patchset {
	t.Helper()
	wire, err := patchset.Encode(p)
	require.NoError(t, err)
	doc, err := tree.Parse(wire.Bytes())
	require.NoError(t, err)
	decoded, err := patchset.Decode(doc.Root())
	require.NoError(t, err)
	again, err := patchset.Encode(decoded)
	require.NoError(t, err)
	require.Equal(t, string(wire.Bytes()), string(again.Bytes()))
	return decoded
}

func TestCreate_NodeAdded(t *testing.T) {
	t.Parallel()

	prev := tree.MustParse(`<cib admin-epoch="0" epoch="1" num-updates="0"><configuration/><status/></cib>`)
	next := prev.Copy()
	next.Root().FirstChild("configuration").AddChild("nodes").
		AddChild("node").SetAttr("id", "n1").SetAttr("uname", "a")

	p, err := patchset.Create(prev, next, true)
	require.NoError(t, err)
	require.NotNil(t, p)
	require.Equal(t, cib.Version{AdminEpoch: 0, Epoch: 1, NumUpdates: 0}, p.Source)
	require.Equal(t, cib.Version{AdminEpoch: 0, Epoch: 2, NumUpdates: 0}, p.Target)
	require.Equal(t, p.Target, cib.VersionOf(next.Root()))
	require.Equal(t, []string{"create /cib/configuration 0"}, ops(p))
	require.Equal(t, `<nodes><node id="n1" uname="a"/></nodes>`, p.Changes[0].Result.String())
	require.True(t, p.ConfigChanged())

	wire, err := patchset.Encode(p)
	require.NoError(t, err)
	require.Equal(t, fmt.Sprintf(`<diff digest="%s" format="2">`+
		`<version><source admin-epoch="0" epoch="1" num-updates="0"/><target admin-epoch="0" epoch="2" num-updates="0"/></version>`+
		`<change operation="create" path="/cib/configuration" position="0"><nodes><node id="n1" uname="a"/></nodes></change>`+
		`</diff>`, p.Digest), string(wire.Bytes()))

	applied, err := roundTrip(t, p).Apply(prev)
	require.NoError(t, err)
	require.True(t, tree.Equal(next.Root(), applied.Root()), applied.Root().String())
	require.Equal(t, p.Digest, tree.Digest(applied.Root()))

	// prev is untouched.
	require.Equal(t, `<cib admin-epoch="0" epoch="1" num-updates="0"><configuration/><status/></cib>`, prev.Root().String())
}

func TestCreate_Mixed(t *testing.T) {
	t.Parallel()

	prev := tree.MustParse(`<cib admin-epoch="0" epoch="3" num-updates="4">
  <configuration>
    <crm_config>
      <cluster_property_set id="cps"><nvpair id="nv1" name="stonith-enabled" value="true"/></cluster_property_set>
    </crm_config>
    <nodes><node id="n1" uname="a"/><node id="n2" uname="b"/><node id="n3" uname="c"/></nodes>
    <resources>
      <primitive id="r1" class="ocf" type="Dummy"/>
      <primitive id="r2" class="ocf" type="Dummy" description="old"/>
    </resources>
  </configuration>
  <status/>
</cib>`)
	next := tree.MustParse(`<cib admin-epoch="0" epoch="3" num-updates="4">
  <configuration>
    <crm_config>
      <cluster_property_set id="cps"><nvpair id="nv1" name="stonith-enabled" value="false"/></cluster_property_set>
    </crm_config>
    <nodes><node id="n3" uname="c"/><node id="n1" uname="a"/><node id="n2" uname="b"/></nodes>
    <resources>
      <primitive id="r2" class="ocf" type="Dummy"/>
      <primitive id="r3" class="ocf" type="Dummy"/>
    </resources>
  </configuration>
  <status><node_state id="n1" uname="a"/></status>
</cib>`)

	p, err := patchset.Create(prev, next, true)
	require.NoError(t, err)
	require.Equal(t, cib.Version{AdminEpoch: 0, Epoch: 4, NumUpdates: 0}, p.Target)
	require.Equal(t, []string{
		"delete /cib/configuration/resources/primitive[@id='r1'] 0",
		"modify /cib/configuration/crm_config/cluster_property_set[@id='cps']/nvpair[@id='nv1'] -1",
		"move /cib/configuration/nodes/node[@id='n3'] 0",
		"modify /cib/configuration/resources/primitive[@id='r2'] -1",
		"create /cib/configuration/resources 1",
		"create /cib/status 0",
	}, ops(p))
	require.Equal(t, []patchset.AttrChange{{Name: "value", Value: "false"}}, p.Changes[1].Attrs)
	require.Equal(t, []patchset.AttrChange{{Name: "description", Unset: true}}, p.Changes[3].Attrs)

	require.True(t, p.Touches("/cib/status"))
	require.True(t, p.Touches("/cib/configuration/nodes"))
	require.False(t, p.Touches("/cib/configuration/alerts"))
	require.Contains(t, p.ChangedPaths(), "/cib/status/node_state[@id='n1']")

	applied, err := roundTrip(t, p).Apply(prev)
	require.NoError(t, err)
	require.True(t, tree.Equal(next.Root(), applied.Root()), applied.Root().String())
}

func TestCreate_StatusOnly(t *testing.T) {
	t.Parallel()

	prev := tree.MustParse(`<cib admin-epoch="0" epoch="3" num-updates="4"><configuration/><status/></cib>`)
	next := prev.Copy()
	next.Root().FirstChild("status").AddChild("node_state").SetAttr("id", "n1")

	p, err := patchset.Create(prev, next, true)
	require.NoError(t, err)
	require.Equal(t, cib.Version{AdminEpoch: 0, Epoch: 3, NumUpdates: 5}, p.Target)
	require.False(t, p.ConfigChanged())
}

func TestCreate_NoChange(t *testing.T) {
	t.Parallel()

	prev := tree.MustParse(`<cib epoch="1" cib-last-written="Mon Jan  1 00:00:00 2024"><configuration/></cib>`)
	next := prev.Copy()
	p, err := patchset.Create(prev, next, true)
	require.NoError(t, err)
	require.Nil(t, p)

	// Noise attributes alone are not a change.
	next.Root().SetAttr(cib.AttrLastWritten, "Tue Jan  2 00:00:00 2024")
	next.Root().SetAttr(cib.AttrUpdateClient, "cibadmin")
	p, err = patchset.Create(prev, next, true)
	require.NoError(t, err)
	require.Nil(t, p)
	require.Equal(t, cib.Version{Epoch: 1}, cib.VersionOf(next.Root()))
}

func TestCreate_DifferentRoots(t *testing.T) {
	t.Parallel()

	_, err := patchset.Create(tree.MustParse(`<cib/>`), tree.MustParse(`<other/>`), true)
	require.Equal(t, ierrors.EInvalid, ierrors.ErrorCode(err))
}

func TestCreate_ContentReplaced(t *testing.T) {
	t.Parallel()

	prev := tree.MustParse(`<cib epoch="1" num-updates="0" admin-epoch="0"><configuration><resources>` +
		`<primitive id="r1"><!--first--><description>old</description></primitive>` +
		`</resources></configuration><status/></cib>`)
	next := tree.MustParse(`<cib epoch="1" num-updates="0" admin-epoch="0"><configuration><resources>` +
		`<primitive id="r1"><!--second--><description>old</description></primitive>` +
		`</resources></configuration><status/></cib>`)

	p, err := patchset.Create(prev, next, true)
	require.NoError(t, err)
	require.Equal(t, []string{"modify /cib/configuration/resources/primitive[@id='r1'] -1"}, ops(p))
	require.True(t, p.Changes[0].ReplaceContent)

	applied, err := roundTrip(t, p).Apply(prev)
	require.NoError(t, err)
	require.True(t, tree.Equal(next.Root(), applied.Root()), applied.Root().String())
}

func TestApply_Reconciles(t *testing.T) {
	t.Parallel()

	wrap := func(inner string) string {
		return `<cib admin-epoch="0" epoch="1" num-updates="0"><configuration><resources>` + inner +
			`</resources></configuration><status/></cib>`
	}
	for _, tc := range []struct {
		name       string
		prev, next string
	}{
		{
			name: "swap",
			prev: `<primitive id="a"/><primitive id="b"/>`,
			next: `<primitive id="b"/><primitive id="a"/>`,
		},
		{
			name: "reverse",
			prev: `<primitive id="a"/><primitive id="b"/><primitive id="c"/><primitive id="d"/>`,
			next: `<primitive id="d"/><primitive id="c"/><primitive id="b"/><primitive id="a"/>`,
		},
		{
			name: "insert and delete",
			prev: `<primitive id="a"/><primitive id="b"/><primitive id="c"/>`,
			next: `<primitive id="a"/><primitive id="x"/><primitive id="c"/>`,
		},
		{
			name: "move and create",
			prev: `<primitive id="a"/><primitive id="b"/><primitive id="c"/>`,
			next: `<primitive id="c"/><primitive id="x"/><primitive id="a"/><primitive id="b"/>`,
		},
		{
			name: "modified while moved",
			prev: `<primitive id="a" type="Dummy"/><group id="g"><primitive id="b"/></group>`,
			next: `<group id="g"><primitive id="b" type="Stateful"/></group><primitive id="a" type="IPaddr2"/>`,
		},
		{
			name: "text change",
			prev: `<primitive id="a"><description>old</description></primitive>`,
			next: `<primitive id="a"><description>new</description></primitive>`,
		},
		{
			name: "emptied",
			prev: `<primitive id="a"/><primitive id="b"><meta_attributes id="b-meta"/></primitive>`,
			next: ``,
		},
	} {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			prev := tree.MustParse(wrap(tc.prev))
			next := tree.MustParse(wrap(tc.next))
			p, err := patchset.Create(prev, next, true)
			require.NoError(t, err)
			require.NotNil(t, p)

			applied, err := roundTrip(t, p).Apply(prev)
			require.NoError(t, err)
			require.True(t, tree.Equal(next.Root(), applied.Root()), "got %s\nwant %s", applied.Root(), next.Root())
			require.Equal(t, p.Digest, tree.Digest(applied.Root()))
		})
	}
}

func TestApply_VersionChecks(t *testing.T) {
	t.Parallel()

	prev := tree.MustParse(`<cib admin-epoch="0" epoch="7" num-updates="0"><configuration/><status/></cib>`)
	next := prev.Copy()
	next.Root().FirstChild("status").AddChild("node_state").SetAttr("id", "n1")
	p, err := patchset.Create(prev, next, true)
	require.NoError(t, err)
	require.Equal(t, cib.Version{AdminEpoch: 0, Epoch: 7, NumUpdates: 1}, p.Target)

	behind := prev.Copy()
	cib.SetVersion(behind.Root(), cib.Version{Epoch: 5})
	_, err = p.Apply(behind)
	require.Equal(t, ierrors.EDiffResync, ierrors.ErrorCode(err))

	ahead := prev.Copy()
	cib.SetVersion(ahead.Root(), cib.Version{Epoch: 7, NumUpdates: 1})
	_, err = p.Apply(ahead)
	require.Equal(t, ierrors.EOldData, ierrors.ErrorCode(err))

	unrelated := prev.Copy()
	cib.SetVersion(unrelated.Root(), cib.Version{AdminEpoch: 1})
	_, err = p.Apply(unrelated)
	require.Equal(t, ierrors.EOldData, ierrors.ErrorCode(err))
}

func TestApply_Failures(t *testing.T) {
	t.Parallel()

	prev := tree.MustParse(`<cib admin-epoch="0" epoch="1" num-updates="0"><configuration><nodes/></configuration><status/></cib>`)
	next := prev.Copy()
	next.Root().FirstChild("configuration").FirstChild("nodes").AddChild("node").SetAttr("id", "n1")
	p, err := patchset.Create(prev, next, true)
	require.NoError(t, err)

	// The parent the create targets is missing.
	missing := prev.Copy()
	missing.Root().FirstChild("configuration").FirstChild("nodes").Remove()
	_, err = p.Apply(missing)
	require.Equal(t, ierrors.EDiffFailed, ierrors.ErrorCode(err))

	// Same version, different content: the digest catches it.
	diverged := prev.Copy()
	diverged.Root().FirstChild("status").AddChild("node_state").SetAttr("id", "n9")
	_, err = p.Apply(diverged)
	require.Equal(t, ierrors.EDiffFailed, ierrors.ErrorCode(err))
	require.Empty(t, diverged.Root().FirstChild("configuration").FirstChild("nodes").Elements())

	// The target version is stamped on the result and the digest covers it.
	applied, err := p.Apply(prev)
	require.NoError(t, err)
	require.Equal(t, p.Target, cib.VersionOf(applied.Root()))
	tampered := *p
	tampered.Target.NumUpdates++
	_, err = tampered.Apply(prev)
	require.Equal(t, ierrors.EDiffFailed, ierrors.ErrorCode(err))
}

func TestDecode_Errors(t *testing.T) {
	t.Parallel()

	for _, s := range []string{
		`<patch format="2"/>`,
		`<diff format="3"/>`,
		`<diff format="x"/>`,
		`<diff format="2"/>`,
		`<diff format="2"><version><source epoch="1"/><target epoch="2"/></version><change operation="modify" path="/cib"/></diff>`,
		`<diff format="2"><version><source epoch="1"/><target epoch="2"/></version><change operation="create" path="/cib" position="0"/></diff>`,
		`<diff format="2"><version><source epoch="1"/><target epoch="2"/></version><change operation="explode" path="/cib"/></diff>`,
		`<diff><diff-added/></diff>`,
	} {
		_, err := patchset.Decode(tree.MustParse(s).Root())
		require.Equal(t, ierrors.EInvalid, ierrors.ErrorCode(err), s)
	}
}

func TestLegacy(t *testing.T) {
	t.Parallel()

	doc := tree.MustParse(`<cib admin_epoch="0" epoch="2" num_updates="1"><configuration><nodes>` +
		`<node id="n1" uname="a"/><node id="n3" uname="c" standby="true"/>` +
		`</nodes></configuration><status/></cib>`)
	wire := tree.MustParse(`<diff>` +
		`<diff-removed><cib admin_epoch="0" epoch="2" num_updates="1"><configuration><nodes>` +
		`<node id="n1" uname="a" __crm_diff_marker__="removed:top"/><node id="n3" standby="true"/>` +
		`</nodes></configuration></cib></diff-removed>` +
		`<diff-added><cib admin_epoch="0" epoch="3" num_updates="0"><configuration><nodes>` +
		`<node id="n2" uname="b" __crm_diff_marker__="added:top"/><node id="n3" description="spare"/>` +
		`</nodes></configuration></cib></diff-added>` +
		`</diff>`)

	p, err := patchset.Decode(wire.Root())
	require.NoError(t, err)
	require.Equal(t, patchset.FormatLegacy, p.Format)
	require.Equal(t, cib.Version{AdminEpoch: 0, Epoch: 2, NumUpdates: 1}, p.Source)
	require.Equal(t, cib.Version{AdminEpoch: 0, Epoch: 3, NumUpdates: 0}, p.Target)
	require.True(t, p.ConfigChanged())
	require.Contains(t, p.ChangedPaths(), "/cib/configuration/nodes/node[@id='n1']")

	applied, err := p.Apply(doc)
	require.NoError(t, err)
	require.Equal(t, `<cib admin-epoch="0" epoch="3" num-updates="0"><configuration><nodes>`+
		`<node description="spare" id="n3" uname="c"/><node id="n2" uname="b"/>`+
		`</nodes></configuration><status/></cib>`, applied.Root().String())

	_, err = patchset.Encode(p)
	require.Equal(t, ierrors.EInvalid, ierrors.ErrorCode(err))
}
