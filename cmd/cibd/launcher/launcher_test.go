package launcher

import (
	"context"
	nethttp "net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	cib "github.com/clusterlabs/cibd"
	"github.com/clusterlabs/cibd/ipc"
	ierrors "github.com/clusterlabs/cibd/kit/platform/errors"
	"github.com/clusterlabs/cibd/store"
	"github.com/clusterlabs/cibd/tree"
)

func standAlone(t *testing.T, dir string) *Launcher {
	t.Helper()
	l := NewLauncher(BuildInfo{Version: "test"})
	l.standAlone = true
	l.nodeName = "n1"
	l.dataDir = dir
	l.socketDir = filepath.Join(dir, "run")
	l.httpBindAddress = "127.0.0.1:0"
	l.logLevel = "error"
	return l
}

func TestLauncher_StandAlone(t *testing.T) {
	dir := t.TempDir()
	l := standAlone(t, dir)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, l.Run(ctx))

	second := standAlone(t, dir)
	err := second.Run(ctx)
	require.Equal(t, ierrors.EConflict, ierrors.ErrorCode(err), "the data directory is locked")
	require.NoError(t, second.close())

	c, err := ipc.Dial(ctx, l.IPCPath(), "launcher-test")
	require.NoError(t, err)
	defer c.Close()

	rsc := tree.MustParse(`<primitive id="r1" class="ocf" provider="heartbeat" type="Dummy"/>`)
	_, err = c.Call(ctx, cib.OpCreate, "resources", cib.CallNone, rsc.Root())
	require.NoError(t, err)

	r, err := c.Call(ctx, cib.OpQuery, "resources", cib.CallNone, tree.Node{})
	require.NoError(t, err)
	require.Equal(t, "Dummy", r.Data().ChildByID("primitive", "r1").Attr("type"))

	h := l.handler()
	for _, tt := range []struct {
		method, path string
		want         int
	}{
		{nethttp.MethodGet, "/health", nethttp.StatusNoContent},
		{nethttp.MethodPost, "/health", nethttp.StatusMethodNotAllowed},
		{nethttp.MethodGet, "/metrics", nethttp.StatusOK},
		{nethttp.MethodGet, ClusterPath, nethttp.StatusNotFound},
	} {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(tt.method, tt.path, nil))
		require.Equal(t, tt.want, rec.Code, "%s %s", tt.method, tt.path)
	}

	require.NoError(t, l.Shutdown(ctx))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(nethttp.MethodGet, "/health", nil))
	require.Equal(t, nethttp.StatusServiceUnavailable, rec.Code, "unhealthy once the server stopped")

	saved, err := os.ReadFile(filepath.Join(dir, store.FileName))
	require.NoError(t, err)
	require.True(t, strings.Contains(string(saved), `id="r1"`), "shutdown writes a checkpoint")
}

func TestConfig(t *testing.T) {
	cfg := NewConfig()
	require.NoError(t, cfg.FromToml(`
http-bind-address = ":9000"

[node]
name = "n1"
id = 1

[cluster]
expected-votes = 3
reconnect-interval = "2s"
max-payload = "1m"

[cluster.peers]
n2 = "ws://n2:7440/cluster"
n3 = "ws://n3:7440/cluster"

[cib]
checkpoint-updates = 10
shutdown-timeout = "1m"
join-window = "45s"

[ipc]
name = "cib_ro"

[logging]
level = "debug"
`))
	require.NoError(t, cfg.Validate())
	require.Equal(t, ":9000", cfg.HTTPBindAddress)
	require.Equal(t, []string{"n2", "n3"}, peerNames(cfg.Cluster.Peers))
	require.Equal(t, uint64(1<<20), uint64(cfg.Cluster.MaxPayload))
	require.Equal(t, "cib_ro", cfg.IPC.Name)
	require.Equal(t, ipc.DefaultAdminGroup, cfg.IPC.AdminGroup, "unset keys keep their defaults")

	sc := cfg.ServerConfig()
	require.Equal(t, 10, sc.CheckpointUpdates)
	require.Equal(t, time.Minute, sc.ShutdownTimeout)
	require.Equal(t, 45*time.Second, sc.JoinWindow)

	cfg.Cluster.Peers["n1"] = "ws://n1:7440/cluster"
	cfg.Alerts.QueueSize = 0
	err := cfg.Validate()
	require.Error(t, err)
	require.Contains(t, err.Error(), "local node")
	require.Contains(t, err.Error(), "queue-size")
}

func TestParsePeers(t *testing.T) {
	peers, err := parsePeers([]string{"n2=ws://n2/cluster", "n3=ws://n3/cluster"})
	require.NoError(t, err)
	require.Equal(t, map[string]string{"n2": "ws://n2/cluster", "n3": "ws://n3/cluster"}, peers)

	_, err = parsePeers([]string{"n2"})
	require.Error(t, err)
}
