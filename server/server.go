// Package server implements the CIB server. A Server owns the current
// document, runs client requests against it and keeps it in step with the
// other nodes of the cluster.
//
// All mutable state is owned by the goroutine running Run. Local clients
// reach it through Submit; peers through the transport.
package server

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	cib "github.com/clusterlabs/cibd"
	"github.com/clusterlabs/cibd/alerts"
	"github.com/clusterlabs/cibd/bus"
	"github.com/clusterlabs/cibd/election"
	"github.com/clusterlabs/cibd/executor"
	ierrors "github.com/clusterlabs/cibd/kit/platform/errors"
	"github.com/clusterlabs/cibd/peer"
	"github.com/clusterlabs/cibd/schema"
	"github.com/clusterlabs/cibd/store"
	"github.com/clusterlabs/cibd/transition"
	"github.com/clusterlabs/cibd/transport"
	"github.com/clusterlabs/cibd/tree"
)

const (
	DefaultCallbackTimeout    = 120 * time.Second
	DefaultCheckpointUpdates  = 100
	DefaultCheckpointInterval = 5 * time.Minute
	DefaultShutdownTimeout    = 30 * time.Second
	DefaultArchiveKeep        = 50
	DefaultResyncInterval     = time.Second
	DefaultJoinWindow         = 30 * time.Second

	// MaxDiffRetry is the number of diffs dropped while a resync is
	// awaited before another resync may be requested.
	MaxDiffRetry = 5

	tickInterval = time.Second
)

// ErrStopped is returned by calls made after Run has returned.
var ErrStopped = &ierrors.Error{Code: ierrors.EUnavailable, Msg: "server stopped"}

// Config tunes a Server.
type Config struct {
	// StandAlone runs without peers. The node is primary from the start.
	StandAlone bool

	// Tracing puts the whole document into ping answers.
	Tracing bool

	// CallbackTimeout bounds the wait for a forwarded request's reply
	// when the request names no timeout.
	CallbackTimeout time.Duration

	// A checkpoint is written after CheckpointUpdates changes or once
	// CheckpointInterval has passed since the last one with changes
	// pending, whichever comes first.
	CheckpointUpdates  int
	CheckpointInterval time.Duration

	// ArchiveKeep is the number of archived checkpoints kept.
	ArchiveKeep int

	// ShutdownTimeout bounds the wait for the primary's shutdown reply.
	ShutdownTimeout time.Duration

	// ResyncInterval is the minimum time between two resync requests.
	ResyncInterval time.Duration

	// JoinWindow is how long after becoming primary a newer document
	// offered by a peer replaces ours.
	JoinWindow time.Duration
}

func (c *Config) setDefaults() {
	if c.CallbackTimeout <= 0 {
		c.CallbackTimeout = DefaultCallbackTimeout
	}
	if c.CheckpointUpdates <= 0 {
		c.CheckpointUpdates = DefaultCheckpointUpdates
	}
	if c.CheckpointInterval <= 0 {
		c.CheckpointInterval = DefaultCheckpointInterval
	}
	if c.ArchiveKeep <= 0 {
		c.ArchiveKeep = DefaultArchiveKeep
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = DefaultShutdownTimeout
	}
	if c.ResyncInterval <= 0 {
		c.ResyncInterval = DefaultResyncInterval
	}
	if c.JoinWindow <= 0 {
		c.JoinWindow = DefaultJoinWindow
	}
}

// State is a snapshot of the server's state.
type State struct {
	Primary      bool
	PrimaryNode  string
	Quorum       bool
	ShuttingDown bool
	SyncIgnore   int
	Version      cib.Version
	Digest       string
	Schema       string
	Callbacks    int
}

// Server is the CIB server.
type Server struct {
	cfg   Config
	log   *zap.Logger
	clock clock.Clock
	local string

	transport transport.Transport
	peers     *peer.Cache
	election  *election.Election
	schemas   *schema.Registry
	bus       *bus.Bus
	interp    *transition.Interpreter
	alerts    *alerts.Notifier
	executor  executor.Executor
	files     *store.Files
	archive   *store.Archive

	actions  chan func()
	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}

	// Owned by the loop.
	doc          *tree.Document
	digest       string
	primary      bool
	quorum       bool
	shuttingDown bool
	shutdownDone func(error)
	shutdownBy   time.Time
	joinUntil    time.Time
	syncIgnore   int
	resyncs      int
	resync       *rate.Limiter
	callbacks    *callbacks
	unsaved      int
	saved        time.Time
	fatal        error

	mu    sync.RWMutex
	state State

	metrics *metrics
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the logger.
func WithLogger(log *zap.Logger) Option {
	return func(s *Server) { s.log = log }
}

// WithClock sets the clock driving timeouts and checkpoints.
func WithClock(c clock.Clock) Option {
	return func(s *Server) { s.clock = c }
}

// WithTransport connects the server to its peers.
func WithTransport(t transport.Transport, peers *peer.Cache) Option {
	return func(s *Server) {
		s.transport = t
		s.peers = peers
	}
}

// WithElection lets an election pick the primary. Without one the role
// only changes through primary and secondary requests.
func WithElection(e *election.Election) Option {
	return func(s *Server) { s.election = e }
}

// WithSchemas sets the schema registry.
func WithSchemas(r *schema.Registry) Option {
	return func(s *Server) { s.schemas = r }
}

// WithBus sets the bus notified of document changes.
func WithBus(b *bus.Bus) Option {
	return func(s *Server) { s.bus = b }
}

// WithTransition feeds every applied patchset to in.
func WithTransition(in *transition.Interpreter) Option {
	return func(s *Server) { s.interp = in }
}

// WithAlerts runs alert agents for attribute and membership changes. The
// executor's events are consumed by the server.
func WithAlerts(n *alerts.Notifier, ex executor.Executor) Option {
	return func(s *Server) {
		s.alerts = n
		s.executor = ex
	}
}

// WithStore persists checkpoints to files and, when archive is not nil,
// keeps their history.
func WithStore(files *store.Files, archive *store.Archive) Option {
	return func(s *Server) {
		s.files = files
		s.archive = archive
	}
}

// WithDocument starts the server with doc instead of loading one.
func WithDocument(doc *tree.Document) Option {
	return func(s *Server) { s.doc = doc }
}

// New returns a server. Open must be called before Run.
func New(cfg Config, opts ...Option) *Server {
	cfg.setDefaults()
	s := &Server{
		cfg:       cfg,
		log:       zap.NewNop(),
		clock:     clock.New(),
		actions:   make(chan func()),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
		callbacks: newCallbacks(),
		metrics:   newMetrics(),
	}
	for _, o := range opts {
		o(s)
	}
	if s.schemas == nil {
		s.schemas = schema.Default()
	}
	if s.bus == nil {
		s.bus = bus.New(s.log)
	}
	if s.transport == nil {
		s.cfg.StandAlone = true
	}
	if s.transport != nil {
		s.local = s.transport.Local().Name
		if s.peers == nil {
			s.peers = peer.NewCache(s.clock)
		}
	}
	s.log = s.log.With(zap.String("service", "cib"))
	s.resync = rate.NewLimiter(rate.Every(s.cfg.ResyncInterval), 1)
	return s
}

// Open loads the document and sets the initial role. Stand-alone servers
// start as primary; others take part in the election when one is set.
func (s *Server) Open(ctx context.Context) error {
	if s.doc == nil {
		doc, err := s.load()
		if err != nil {
			return err
		}
		s.doc = doc
	}
	s.doc.AcceptChanges()
	s.setDocument(s.doc)
	s.saved = s.clock.Now()

	if s.alerts != nil {
		_ = s.alerts.Reload(s.doc)
	}

	if s.cfg.StandAlone {
		s.setPrimary(true)
		s.log.Info("Starting in stand-alone mode", zap.Stringer("version", cib.VersionOf(s.doc.Root())))
	} else if s.election != nil {
		s.startElection(ctx)
	}
	s.publish()
	return nil
}

// PrometheusCollectors returns the server's metrics.
func (s *Server) PrometheusCollectors() []prometheus.Collector {
	return s.metrics.collectors()
}

// Bus returns the bus the server notifies.
func (s *Server) Bus() *bus.Bus { return s.bus }

// Peers returns the peer cache, nil in stand-alone mode.
func (s *Server) Peers() *peer.Cache { return s.peers }

// Run processes requests, peer messages and timers until ctx is done or
// the server shuts down.
func (s *Server) Run(ctx context.Context) error {
	defer close(s.done)

	ticker := s.clock.Ticker(tickInterval)
	defer ticker.Stop()

	var peerEvents <-chan transport.Event
	if s.transport != nil {
		peerEvents = s.transport.Events()
	}
	var execEvents <-chan executor.Event
	if s.executor != nil {
		execEvents = s.executor.Events()
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-s.stop:
			s.log.Info("Server stopped")
			return nil
		case fn := <-s.actions:
			fn()
		case ev, ok := <-peerEvents:
			if !ok {
				s.log.Warn("Cluster transport closed")
				peerEvents = nil
				continue
			}
			s.handleTransport(ctx, ev)
		case ev, ok := <-execEvents:
			if !ok {
				execEvents = nil
				continue
			}
			s.alerts.HandleEvent(ctx, ev)
		case <-ticker.C:
			s.tick(ctx)
		}

		if s.fatal != nil {
			s.log.Error("Stopping on unrecoverable error", zap.Error(s.fatal))
			return s.fatal
		}
		s.publish()
	}
}

// Done is closed once Run has returned.
func (s *Server) Done() <-chan struct{} { return s.done }

func (s *Server) terminate() {
	s.stopOnce.Do(func() { close(s.stop) })
}

// do runs fn on the loop and waits for it.
func (s *Server) do(ctx context.Context, fn func()) error {
	ran := make(chan struct{})
	select {
	case s.actions <- func() { fn(); close(ran) }:
	case <-s.done:
		return ErrStopped
	case <-ctx.Done():
		return &ierrors.Error{Code: ierrors.ETimeout, Op: "server.do", Err: ctx.Err()}
	}
	<-ran
	return nil
}

// Submit runs a request on behalf of a local client and returns the
// reply. Requests that only the primary may perform are forwarded to it,
// and Submit waits for its answer.
func (s *Server) Submit(ctx context.Context, msg *cib.Message) (*cib.Message, error) {
	if msg.ClientID() == "" {
		msg.Set(cib.FieldClientID, uuid.NewString())
	}
	replies := make(chan *cib.Message, 1)
	if err := s.do(ctx, func() {
		s.handleClient(ctx, msg, func(r *cib.Message) { replies <- r })
	}); err != nil {
		return nil, err
	}
	select {
	case r := <-replies:
		return r, nil
	case <-ctx.Done():
		return nil, &ierrors.Error{Code: ierrors.ETimeout, Op: "server.Submit", Err: ctx.Err()}
	case <-s.done:
		return nil, ErrStopped
	}
}

// Cancel drops the forwarded call a client made with callID. The call's
// reply is never delivered.
func (s *Server) Cancel(ctx context.Context, clientID string, callID int) (bool, error) {
	var found bool
	err := s.do(ctx, func() {
		_, found = s.callbacks.cancel(clientID, callID)
		s.metrics.callbacks.Set(float64(s.callbacks.len()))
	})
	return found, err
}

// Document returns a copy of the current document.
func (s *Server) Document(ctx context.Context) (*tree.Document, error) {
	var doc *tree.Document
	err := s.do(ctx, func() { doc = s.doc.Copy() })
	return doc, err
}

// State returns the state as of the last loop iteration.
func (s *Server) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

func (s *Server) publish() {
	st := State{
		Primary:      s.primary,
		PrimaryNode:  s.primaryName(),
		Quorum:       s.quorum,
		ShuttingDown: s.shuttingDown,
		SyncIgnore:   s.syncIgnore,
		Version:      cib.VersionOf(s.doc.Root()),
		Digest:       s.digest,
		Schema:       s.doc.Root().Attr(cib.AttrValidateWith),
		Callbacks:    s.callbacks.len(),
	}
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

func (s *Server) setDocument(doc *tree.Document) {
	s.doc = doc
	s.digest = tree.Digest(doc.Root())
	v := cib.VersionOf(doc.Root())
	s.metrics.epoch.WithLabelValues(cib.AttrAdminEpoch).Set(float64(v.AdminEpoch))
	s.metrics.epoch.WithLabelValues(cib.AttrEpoch).Set(float64(v.Epoch))
	s.metrics.epoch.WithLabelValues(cib.AttrNumUpdates).Set(float64(v.NumUpdates))
}

func (s *Server) setPrimary(primary bool) {
	if s.primary == primary {
		return
	}
	s.primary = primary
	if primary {
		if s.peers != nil {
			for _, r := range s.peers.All() {
				s.peers.ClearFlags(r.Name, peer.FlagPrimary)
			}
		}
		s.joinUntil = s.clock.Now().Add(s.cfg.JoinWindow)
		s.metrics.primary.Set(1)
		s.log.Info("We are now in R/W mode")
		return
	}
	s.metrics.primary.Set(0)
	s.log.Info("We are now in R/O mode")
}

// primaryName returns the node requests needing the primary go to, or ""
// when none is known.
func (s *Server) primaryName() string {
	if s.primary {
		return s.local
	}
	if s.peers != nil {
		if r, ok := s.peers.Primary(); ok {
			return r.Name
		}
	}
	if s.election != nil {
		if w := s.election.Winner(); w != "" && w != s.local {
			return w
		}
	}
	return ""
}

func (s *Server) tick(ctx context.Context) {
	now := s.clock.Now()
	for _, p := range s.callbacks.expire(now) {
		s.log.Warn("Forwarded request timed out",
			zap.String("op", p.request.Op()),
			zap.String("target", p.target),
			zap.Int("call", p.callID))
		p.reply(p.request.Reply(&ierrors.Error{Code: ierrors.ETimeout, Op: p.request.Op(), Msg: "no reply from " + p.target}))
	}
	s.metrics.callbacks.Set(float64(s.callbacks.len()))

	if s.election != nil && s.election.State() == election.StateInProgress {
		s.electionResult(ctx, s.election.Check())
	}
	if s.unsaved > 0 && now.Sub(s.saved) >= s.cfg.CheckpointInterval {
		s.checkpoint()
	}
	if s.shuttingDown && s.shutdownDone != nil && !now.Before(s.shutdownBy) {
		s.log.Warn("No reply to our shutdown request, stopping anyway")
		s.finishShutdown(&ierrors.Error{Code: ierrors.ETimeout, Op: cib.OpShutdownReq, Msg: "shutdown not acknowledged"})
	}
}
