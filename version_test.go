package cib_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	cib "github.com/clusterlabs/cibd"
	"github.com/clusterlabs/cibd/tree"
)

func TestVersion_Compare(t *testing.T) {
	t.Parallel()

	cases := []struct {
		a, b cib.Version
		want int
	}{
		{cib.Version{0, 1, 0}, cib.Version{0, 1, 0}, 0},
		{cib.Version{0, 1, 9}, cib.Version{0, 2, 0}, -1},
		{cib.Version{1, 0, 0}, cib.Version{0, 99, 99}, 1},
		{cib.Version{0, 7, 1}, cib.Version{0, 7, 0}, 1},
	}
	for _, tc := range cases {
		require.Equal(t, tc.want, tc.a.Compare(tc.b), "%s vs %s", tc.a, tc.b)
	}
}

func TestVersion_Bump(t *testing.T) {
	t.Parallel()

	v := cib.Version{AdminEpoch: 0, Epoch: 1, NumUpdates: 4}
	require.Equal(t, cib.Version{0, 2, 0}, v.Bump(true))
	require.Equal(t, cib.Version{0, 1, 5}, v.Bump(false))
}

func TestVersionOf(t *testing.T) {
	t.Parallel()

	doc := tree.MustParse(`<cib admin_epoch="2" epoch="5" num_updates="7"/>`)
	require.Equal(t, cib.Version{2, 5, 7}, cib.VersionOf(doc.Root()))

	cib.SetVersion(doc.Root(), cib.Version{2, 6, 0})
	require.Equal(t, `<cib admin-epoch="2" epoch="6" num-updates="0"/>`, doc.Root().String())
}

func TestEmpty(t *testing.T) {
	t.Parallel()

	doc := cib.Empty(1, "pacemaker-3.10")
	require.Equal(t, cib.Version{0, 1, 0}, cib.VersionOf(doc.Root()))

	path, ok := cib.SectionPath(cib.SectionResources)
	require.True(t, ok)
	n, err := doc.SelectFirst(path)
	require.NoError(t, err)
	require.False(t, n.IsZero())

	_, ok = cib.SectionPath("bogus")
	require.False(t, ok)
}

func TestCompareFeatureSet(t *testing.T) {
	t.Parallel()

	require.Equal(t, 0, cib.CompareFeatureSet("3.19.0", "3.19.0"))
	require.Equal(t, 0, cib.CompareFeatureSet("3.19", "3.19.0"))
	require.Equal(t, 1, cib.CompareFeatureSet("3.20.0", "3.19.9"))
	require.Equal(t, -1, cib.CompareFeatureSet("3.2.0", "3.19.0"))
	require.Equal(t, 1, cib.CompareFeatureSet("4", cib.FeatureSet))
}
