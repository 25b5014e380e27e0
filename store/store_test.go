package store_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	cib "github.com/clusterlabs/cibd"
	ierrors "github.com/clusterlabs/cibd/kit/platform/errors"
	"github.com/clusterlabs/cibd/store"
)

func TestFiles_WriteLoad(t *testing.T) {
	t.Parallel()

	f := store.NewFiles(filepath.Join(t.TempDir(), "state"), zaptest.NewLogger(t))

	_, err := f.Load()
	require.Equal(t, ierrors.ENotFound, ierrors.ErrorCode(err))

	doc := cib.Empty(7, "pacemaker-3.10")
	require.NoError(t, f.Write(doc))

	got, err := f.Load()
	require.NoError(t, err)
	require.Equal(t, doc.Root().String(), got.Root().String())
	require.Equal(t, cib.Version{Epoch: 7}, cib.VersionOf(got.Root()))
}

func TestFiles_Signature(t *testing.T) {
	t.Parallel()

	f := store.NewFiles(t.TempDir(), zaptest.NewLogger(t))
	require.NoError(t, f.Write(cib.Empty(1, "pacemaker-3.10")))

	// Tampering with the checkpoint is detected.
	data, err := os.ReadFile(f.Path())
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(f.Path(), append(data, ' '), 0o600))
	_, err = f.Load()
	require.Equal(t, ierrors.EInvalid, ierrors.ErrorCode(err))

	// Without a signature the checkpoint still loads.
	require.NoError(t, os.Remove(f.SigPath()))
	_, err = f.Load()
	require.NoError(t, err)
}

func TestLockPIDFile(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "cibd.pid")
	l, err := store.LockPIDFile(path)
	require.NoError(t, err)

	_, err = store.LockPIDFile(path)
	require.Equal(t, ierrors.EConflict, ierrors.ErrorCode(err))

	require.NoError(t, l.Unlock())
	l, err = store.LockPIDFile(path)
	require.NoError(t, err)
	require.NoError(t, l.Unlock())
	require.NoError(t, l.Unlock())
}

func TestArchive(t *testing.T) {
	t.Parallel()

	a := store.NewArchive(filepath.Join(t.TempDir(), "archive.db"), zaptest.NewLogger(t))
	require.NoError(t, a.Open())
	defer a.Close()

	_, err := a.Latest()
	require.Equal(t, ierrors.ENotFound, ierrors.ErrorCode(err))

	for _, v := range []cib.Version{
		{Epoch: 2, NumUpdates: 5},
		{AdminEpoch: 1},
		{Epoch: 10},
		{Epoch: 2, NumUpdates: 40},
	} {
		doc := cib.Empty(0, "pacemaker-3.10")
		cib.SetVersion(doc.Root(), v)
		require.NoError(t, a.Put(doc))
	}

	versions, err := a.Versions()
	require.NoError(t, err)
	require.Equal(t, []cib.Version{
		{Epoch: 2, NumUpdates: 5},
		{Epoch: 2, NumUpdates: 40},
		{Epoch: 10},
		{AdminEpoch: 1},
	}, versions)

	latest, err := a.Latest()
	require.NoError(t, err)
	require.Equal(t, cib.Version{AdminEpoch: 1}, cib.VersionOf(latest.Root()))

	got, err := a.Get(cib.Version{Epoch: 10})
	require.NoError(t, err)
	require.Equal(t, "10", got.Root().Attr(cib.AttrEpoch))

	_, err = a.Get(cib.Version{Epoch: 3})
	require.Equal(t, ierrors.ENotFound, ierrors.ErrorCode(err))

	removed, err := a.Prune(2)
	require.NoError(t, err)
	require.Equal(t, 2, removed)
	versions, err = a.Versions()
	require.NoError(t, err)
	require.Equal(t, []cib.Version{{Epoch: 10}, {AdminEpoch: 1}}, versions)
}
