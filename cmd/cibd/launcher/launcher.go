// Package launcher assembles and runs the cibd daemon.
package launcher

import (
	"context"
	"errors"
	"fmt"
	"net"
	nethttp "net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/go-chi/chi"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"

	"github.com/clusterlabs/cibd/alerts"
	"github.com/clusterlabs/cibd/bus"
	"github.com/clusterlabs/cibd/election"
	"github.com/clusterlabs/cibd/executor"
	"github.com/clusterlabs/cibd/ipc"
	"github.com/clusterlabs/cibd/kit/cli"
	ierrors "github.com/clusterlabs/cibd/kit/platform/errors"
	"github.com/clusterlabs/cibd/kit/prom"
	"github.com/clusterlabs/cibd/peer"
	"github.com/clusterlabs/cibd/schema"
	"github.com/clusterlabs/cibd/server"
	"github.com/clusterlabs/cibd/store"
	"github.com/clusterlabs/cibd/transition"
	"github.com/clusterlabs/cibd/transport"
)

const (
	// ClusterPath is where peers connect to the websocket mesh.
	ClusterPath = "/cluster"

	pidFileName     = "cibd.pid"
	archiveFileName = "archive.db"

	// shutdownGrace is added to the CIB shutdown timeout to close the
	// remaining services.
	shutdownGrace = 5 * time.Second
)

// BuildInfo describes the running binary.
type BuildInfo struct {
	Version string
	Commit  string
}

// NewCommand returns a command that runs the daemon until it receives
// SIGINT or SIGTERM.
func NewCommand(use string, info BuildInfo) *cobra.Command {
	l := NewLauncher(info)
	prog := &cli.Program{
		Name: "cibd",
		Run: func() error {
			return l.Execute(context.Background())
		},
		Opts: l.options(),
	}
	cmd, err := cli.NewCommand(viper.New(), prog)
	if err != nil {
		panic(fmt.Errorf("failed to build the %s command: %v", use, err))
	}
	cmd.Use = use
	cmd.Short = "Start the cibd server"
	return cmd
}

// Launcher owns the services of a running daemon.
type Launcher struct {
	info    BuildInfo
	running bool

	configPath      string
	logLevel        string
	logFormat       string
	httpBindAddress string
	nodeName        string
	nodeID          int
	dataDir         string
	standAlone      bool
	peers           []string
	expected        int
	socketDir       string
	ipcName         string

	cfg *Config
	log *zap.Logger
	reg *prom.Registry

	pidFile    *store.PIDFile
	archive    *store.Archive
	mesh       *transport.Mesh
	executor   *executor.Local
	alerts     *alerts.Notifier
	bus        *bus.Bus
	server     *server.Server
	ipc        *ipc.Server
	httpServer *nethttp.Server

	cancel context.CancelFunc
	group  *errgroup.Group
}

// NewLauncher returns a launcher that has not started anything yet.
func NewLauncher(info BuildInfo) *Launcher {
	return &Launcher{info: info, log: zap.NewNop()}
}

func (l *Launcher) options() []cli.Opt {
	return []cli.Opt{
		{DestP: &l.configPath, Flag: "config", Desc: "path to the TOML configuration file"},
		{DestP: &l.logLevel, Flag: "log-level", Desc: "supported log levels are debug, info, warn and error (overrides the config file)"},
		{DestP: &l.logFormat, Flag: "log-format", Desc: "auto, console, logfmt or json (overrides the config file)"},
		{DestP: &l.httpBindAddress, Flag: "http-bind-address", Desc: "bind address for metrics and peer connections"},
		{DestP: &l.nodeName, Flag: "node-name", Desc: "name of this node in the cluster"},
		{DestP: &l.nodeID, Flag: "node-id", Desc: "numeric id of this node"},
		{DestP: &l.dataDir, Flag: "data-dir", Desc: "directory holding cib.xml and its archive"},
		{DestP: &l.standAlone, Flag: "stand-alone", Desc: "run without peers"},
		{DestP: &l.peers, Flag: "peer", Desc: "peer as name=ws://host:port" + ClusterPath + ", repeatable"},
		{DestP: &l.expected, Flag: "expected-votes", Desc: "cluster size used for quorum"},
		{DestP: &l.socketDir, Flag: "socket-dir", Desc: "directory of the local client sockets"},
		{DestP: &l.ipcName, Flag: "ipc-name", Desc: "name of the local client socket"},
	}
}

// Logger returns the daemon logger.
func (l *Launcher) Logger() *zap.Logger { return l.log }

// Running reports whether the launcher has been started.
func (l *Launcher) Running() bool { return l.running }

// Registry returns the metrics registry.
func (l *Launcher) Registry() *prom.Registry { return l.reg }

// Server returns the CIB server.
func (l *Launcher) Server() *server.Server { return l.server }

// IPCPath returns the local client socket.
func (l *Launcher) IPCPath() string { return l.cfg.IPC.Path() }

// Execute runs the daemon until ctx ends, a signal arrives or the server
// stops on its own, then shuts it down.
func (l *Launcher) Execute(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := l.Run(ctx); err != nil {
		return multierr.Append(err, l.close())
	}
	select {
	case <-ctx.Done():
		l.log.Info("Shutdown signal received")
	case <-l.server.Done():
	}

	sctx, cancel := context.WithTimeout(context.Background(), time.Duration(l.cfg.CIB.ShutdownTimeout)+shutdownGrace)
	defer cancel()
	return l.Shutdown(sctx)
}

// loadConfig reads the configuration file, when one is named, and applies
// the command line on top.
func (l *Launcher) loadConfig() (*Config, error) {
	cfg := NewConfig()
	if l.configPath != "" {
		if err := cfg.FromTomlFile(l.configPath); err != nil {
			return nil, fmt.Errorf("reading %s: %w", l.configPath, err)
		}
	}

	if l.logLevel != "" {
		var lvl zapcore.Level
		if err := lvl.Set(l.logLevel); err != nil {
			return nil, err
		}
		cfg.Logging.Level = lvl
	}
	if l.logFormat != "" {
		cfg.Logging.Format = l.logFormat
	}
	if l.httpBindAddress != "" {
		cfg.HTTPBindAddress = l.httpBindAddress
	}
	if l.nodeName != "" {
		cfg.Node.Name = l.nodeName
	}
	if l.nodeID != 0 {
		cfg.Node.ID = uint32(l.nodeID)
	}
	if l.dataDir != "" {
		cfg.Node.DataDir = l.dataDir
	}
	if l.standAlone {
		cfg.Node.StandAlone = true
	}
	if len(l.peers) > 0 {
		peers, err := parsePeers(l.peers)
		if err != nil {
			return nil, err
		}
		cfg.Cluster.Peers = peers
	}
	if l.expected != 0 {
		cfg.Cluster.Expected = l.expected
	}
	if l.socketDir != "" {
		cfg.IPC.SocketDir = l.socketDir
	}
	if l.ipcName != "" {
		cfg.IPC.Name = l.ipcName
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Run starts every service and returns once they are up.
func (l *Launcher) Run(ctx context.Context) error {
	l.running = true

	cfg, err := l.loadConfig()
	if err != nil {
		return err
	}
	l.cfg = cfg

	log, err := cfg.Logging.New(os.Stdout)
	if err != nil {
		return err
	}
	l.log = log
	l.log.Info("Welcome to cibd",
		zap.String("version", l.info.Version),
		zap.String("commit", l.info.Commit),
		zap.String("node", cfg.Node.Name),
		zap.Bool("stand_alone", cfg.Node.StandAlone))

	if err := os.MkdirAll(cfg.Node.DataDir, 0o750); err != nil {
		return err
	}
	l.pidFile, err = store.LockPIDFile(filepath.Join(cfg.Node.DataDir, pidFileName))
	if err != nil {
		if ierrors.ErrorCode(err) == ierrors.EConflict {
			return fmt.Errorf("another cibd is using %s: %w", cfg.Node.DataDir, err)
		}
		return err
	}

	files := store.NewFiles(cfg.Node.DataDir, log)
	l.archive = store.NewArchive(filepath.Join(cfg.Node.DataDir, archiveFileName), log)
	if err := l.archive.Open(); err != nil {
		return err
	}

	schemas, err := l.loadSchemas()
	if err != nil {
		return err
	}

	l.reg = prom.NewRegistry(log.With(zap.String("service", "prom_registry")))
	l.bus = bus.New(log)
	l.executor = executor.NewLocal(cfg.Alerts.QueueSize, executor.WithLogger(log))
	l.alerts = alerts.NewNotifier(l.executor, alerts.WithLogger(log), alerts.WithVersion(l.info.Version))

	opts := []server.Option{
		server.WithLogger(log),
		server.WithSchemas(schemas),
		server.WithBus(l.bus),
		server.WithTransition(transition.New(newLogController(log), log)),
		server.WithAlerts(l.alerts, l.executor),
		server.WithStore(files, l.archive),
	}
	if !cfg.Node.StandAlone {
		l.mesh = transport.NewMesh(transport.MeshConfig{
			Name:              cfg.Node.Name,
			ID:                cfg.Node.ID,
			Peers:             cfg.Cluster.Peers,
			Expected:          cfg.Cluster.Expected,
			MaxPayload:        int(cfg.Cluster.MaxPayload),
			ReconnectInterval: time.Duration(cfg.Cluster.ReconnectInterval),
		}, log)
		peers := peer.NewCache(clock.New())
		opts = append(opts,
			server.WithTransport(l.mesh, peers),
			server.WithElection(election.New(l.mesh, peers, election.WithLogger(log))))
		l.log.Info("Cluster peers configured", zap.Strings("peers", peerNames(cfg.Cluster.Peers)))
	}
	l.server = server.New(cfg.ServerConfig(), opts...)
	l.ipc = ipc.NewServer(cfg.IPC, l.server, l.bus, ipc.WithLogger(log))
	l.reg.Register(l.server, l.bus, l.alerts, l.executor, l.ipc)

	runCtx, cancel := context.WithCancel(context.Background())
	l.cancel = cancel
	l.group, runCtx = errgroup.WithContext(runCtx)

	if err := l.serveHTTP(); err != nil {
		return err
	}
	if l.mesh != nil {
		if err := l.mesh.Open(runCtx); err != nil {
			return err
		}
	}
	if err := l.server.Open(runCtx); err != nil {
		return err
	}
	l.group.Go(func() error { return l.server.Run(runCtx) })
	if err := l.ipc.Open(); err != nil {
		return err
	}
	return nil
}

func (l *Launcher) loadSchemas() (*schema.Registry, error) {
	if l.cfg.CIB.SchemaFile == "" {
		return schema.Default(), nil
	}
	f, err := os.Open(l.cfg.CIB.SchemaFile)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return schema.NewRegistry(f, schema.WithLogger(l.log))
}

// handler routes the metrics, health and peer endpoints.
func (l *Launcher) handler() nethttp.Handler {
	r := chi.NewRouter()
	r.Handle("/metrics", l.reg.HTTPHandler())
	r.Get("/health", func(w nethttp.ResponseWriter, _ *nethttp.Request) {
		select {
		case <-l.server.Done():
			w.WriteHeader(nethttp.StatusServiceUnavailable)
		default:
			w.WriteHeader(nethttp.StatusNoContent)
		}
	})
	if l.mesh != nil {
		r.Handle(ClusterPath, l.mesh.Handler())
	}
	return r
}

func (l *Launcher) serveHTTP() error {
	ln, err := net.Listen("tcp", l.cfg.HTTPBindAddress)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", l.cfg.HTTPBindAddress, err)
	}
	l.httpServer = &nethttp.Server{
		Handler:           l.handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ErrorLog:          zap.NewStdLog(l.log.With(zap.String("service", "http"))),
	}
	l.log.Info("Listening", zap.String("transport", "http"), zap.String("addr", ln.Addr().String()))
	l.group.Go(func() error {
		if err := l.httpServer.Serve(ln); err != nil && !errors.Is(err, nethttp.ErrServerClosed) {
			return err
		}
		return nil
	})
	return nil
}

// Shutdown leaves the cluster and stops every service. Errors of the
// individual services are collected.
func (l *Launcher) Shutdown(ctx context.Context) error {
	var err error
	select {
	case <-l.server.Done():
	default:
		l.log.Info("Stopping", zap.String("service", "cib"))
		err = multierr.Append(err, l.server.Shutdown(ctx))
	}
	return multierr.Append(err, l.close())
}

// close stops whatever Run started, in reverse order.
func (l *Launcher) close() error {
	var err error
	if l.ipc != nil {
		err = multierr.Append(err, l.ipc.Close())
	}
	if l.httpServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		err = multierr.Append(err, l.httpServer.Shutdown(ctx))
		cancel()
	}
	if l.cancel != nil {
		l.cancel()
	}
	if l.group != nil {
		err = multierr.Append(err, l.group.Wait())
	}
	if l.mesh != nil {
		err = multierr.Append(err, l.mesh.Close())
	}
	if l.alerts != nil {
		err = multierr.Append(err, l.alerts.Close())
	}
	if l.executor != nil {
		err = multierr.Append(err, l.executor.Close())
	}
	if l.archive != nil {
		err = multierr.Append(err, l.archive.Close())
	}
	if l.pidFile != nil {
		err = multierr.Append(err, l.pidFile.Unlock())
	}
	_ = l.log.Sync()
	return err
}
