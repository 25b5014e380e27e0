package server

import (
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	cib "github.com/clusterlabs/cibd"
	"github.com/clusterlabs/cibd/patchset"
	"github.com/clusterlabs/cibd/tree"
)

func TestExpandValue(t *testing.T) {
	for _, tt := range []struct {
		name, current, value, want string
	}{
		{"score", "5", "score++", "6"},
		{"score", "", "score++", "1"},
		{"score", "5", "score+=10", "15"},
		{"score", "5", "score+=-2", "3"},
		{"score", "5", "score+=x", "score+=x"},
		{"score", "5", "7", "7"},
		{"score", "5", "other++", "other++"},
		{"score", "5", "score--", "score--"},
	} {
		require.Equal(t, tt.want, expandValue(tt.name, tt.current, tt.value), "%s=%q with %q", tt.name, tt.current, tt.value)
	}
}

func TestMerge(t *testing.T) {
	doc := tree.MustParse(`<primitive id="r1" type="Dummy"><meta_attributes id="m"><nvpair id="m-1" name="a" value="1"/></meta_attributes></primitive>`)
	in := tree.MustParse(`<primitive id="r1" description="x"><meta_attributes id="m"><nvpair id="m-1" value="2"/><nvpair id="m-2" name="b" value="3"/></meta_attributes></primitive>`)

	merge(doc.Root(), in.Root())

	want := `<primitive description="x" id="r1" type="Dummy"><meta_attributes id="m"><nvpair id="m-1" name="a" value="2"/><nvpair id="m-2" name="b" value="3"/></meta_attributes></primitive>`
	if diff := cmp.Diff(want, string(doc.Bytes())); diff != "" {
		t.Fatalf("unexpected merge result (-want +got):\n%s", diff)
	}
}

func TestFindMatch(t *testing.T) {
	doc := tree.MustParse(`<resources><group id="g"><primitive id="r1"/></group><primitive id="r2"/></resources>`)
	root := doc.Root()

	require.Equal(t, "r2", findMatch(root, tree.MustParse(`<primitive id="r2"/>`).Root()).ID())
	require.Equal(t, "group", findMatch(root, tree.MustParse(`<primitive id="r1"/>`).Root()).Parent().Name(), "nested objects are found by id")
	require.True(t, findMatch(root, tree.MustParse(`<group id="r1"/>`).Root()).IsZero(), "name and id must both match")
	require.True(t, findMatch(root, tree.MustParse(`<primitive id="r3"/>`).Root()).IsZero())
}

func TestStamp(t *testing.T) {
	s := New(Config{StandAlone: true})
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	mock := clock.NewMock()
	mock.Set(now)
	s.clock = mock

	prev := cib.Empty(1, "pacemaker-3.0")
	prev.AcceptChanges()
	next := prev.Copy()
	sec, err := next.SelectFirst("/cib/configuration/resources")
	require.NoError(t, err)
	sec.AddChild("primitive").SetAttr("id", "r1").SetAttr("type", "Dummy")

	require.True(t, configChanged(prev, next))
	require.False(t, configChanged(prev, prev.Copy()))

	s.stamp(&Request{ClientName: "cibadmin", User: "root", Origin: "n1"}, next)
	root := next.Root()
	require.Equal(t, now.Format(time.ANSIC), root.Attr(cib.AttrLastWritten))
	require.Equal(t, "n1", root.Attr(cib.AttrUpdateOrigin))
	require.Equal(t, "cibadmin", root.Attr(cib.AttrUpdateClient))
	require.Equal(t, "root", root.Attr(cib.AttrUpdateUser))

	p, err := patchset.Create(prev, next, true)
	require.NoError(t, err)
	require.NotNil(t, p)
	require.Equal(t, p.Digest, tree.Digest(root), "stamps do not change the digest")
	require.Equal(t, patchset.OpModify, p.Changes[0].Op)
	require.Equal(t, "/cib", p.Changes[0].Path, "stamps travel on the root")

	// A peer applying the patchset gets the same stamps.
	applied, err := p.Apply(prev)
	require.NoError(t, err)
	require.Equal(t, now.Format(time.ANSIC), applied.Root().Attr(cib.AttrLastWritten))
	require.Equal(t, "cibadmin", applied.Root().Attr(cib.AttrUpdateClient))

	noMtime := prev.Copy()
	s.stamp(&Request{Options: cib.CallNoMtime}, noMtime)
	require.Empty(t, noMtime.Root().Attr(cib.AttrLastWritten))

	old := cib.Empty(1, "pacemaker-1.0")
	s.stamp(&Request{ClientName: "cibadmin"}, old)
	require.Equal(t, now.Format(time.ANSIC), old.Root().Attr(cib.AttrLastWritten))
	require.Empty(t, old.Root().Attr(cib.AttrUpdateClient), "schemas before 1.2 carry no origin stamps")
}

func TestCheck(t *testing.T) {
	s := New(Config{StandAlone: true})
	cur := cib.Empty(5, "pacemaker-3.0")

	older := cib.Empty(4, "pacemaker-3.0")
	require.Error(t, s.check(&Request{}, cur, older))

	newer := cib.Empty(6, "pacemaker-3.0")
	newer.Root().SetAttr(cib.AttrFeatureSet, "99.0.0")
	require.Error(t, s.check(&Request{}, cur, newer))

	bad := cib.Empty(6, "pacemaker-3.0")
	res, err := bad.SelectFirst("/cib/configuration/resources")
	require.NoError(t, err)
	res.AddChild("primitive").SetAttr("id", "r1")
	require.Error(t, s.check(&Request{}, cur, bad), "primitive without type")

	require.NoError(t, s.check(&Request{}, cur, cib.Empty(6, "pacemaker-3.0")))
}
