package alerts

import (
	"context"
	"strconv"
	"sync"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/clusterlabs/cibd/executor"
	"github.com/clusterlabs/cibd/patchset"
	"github.com/clusterlabs/cibd/pkg/lifecycle"
	"github.com/clusterlabs/cibd/tree"
)

// Agent registration details.
const (
	agentClass    = "alert"
	agentProvider = "pacemaker"
)

// Parameter names passed to alert agents, without executor.EnvPrefix.
const (
	ParamRecipient      = "recipient"
	ParamNode           = "node"
	ParamNodeID         = "nodeid"
	ParamAttributeName  = "attribute_name"
	ParamAttributeValue = "attribute_value"
	ParamDesc           = "desc"
	ParamPath           = "path"
	ParamVersion        = "version"
	ParamKind           = "kind"
	ParamTimestamp      = "timestamp"
	ParamTimestampEpoch = "timestamp_epoch"
	ParamTimestampUsec  = "timestamp_usec"
	ParamSequence       = "node_sequence"
	ParamResource       = "rsc"
	ParamTask           = "task"
	ParamInterval       = "interval"
	ParamTargetRC       = "target_rc"
	ParamStatus         = "status"
	ParamRC             = "rc"
)

// AttributeEvent is the update of one node attribute.
type AttributeEvent struct {
	Node   string
	NodeID string
	Name   string
	Value  string
}

// NodeEvent is a change of a node's cluster membership.
type NodeEvent struct {
	Node   string
	NodeID string
	State  string
}

// ResourceEvent is the recorded result of one resource operation.
type ResourceEvent struct {
	Node     string
	NodeID   string
	Resource string
	Op       string
	Interval int
	RC       int
	Status   int
	TargetRC int
}

// Desc summarizes the result the way agents show it.
func (ev ResourceEvent) Desc() string {
	if ev.Status != 0 {
		return "op-status " + strconv.Itoa(ev.Status)
	}
	if ev.RC == ev.TargetRC {
		return "ok"
	}
	return "rc " + strconv.Itoa(ev.RC) + ", expected " + strconv.Itoa(ev.TargetRC)
}

// config is one generation of alert entries. References on res are held by
// invocations until their agent completes.
type config struct {
	entries []Entry
	res     lifecycle.Resource
}

func newConfig(entries []Entry) *config {
	c := &config{entries: entries}
	c.res.Open()
	return c
}

type invocation struct {
	entry  Entry
	params map[string]string
	ref    *lifecycle.Reference
}

// slot serializes the invocations of one entry.
type slot struct {
	busy    bool
	pending []invocation
}

type inflight struct {
	id  string
	ref *lifecycle.Reference
}

// Notifier runs alert agents for attribute, node and resource events. At most one
// invocation per entry is with the executor at any time; later ones wait
// in order for its completion.
type Notifier struct {
	ex      executor.Executor
	clock   clock.Clock
	log     *zap.Logger
	version string

	mu         sync.Mutex
	cfg        *config
	registered map[string]executor.ResourceInfo
	slots      map[string]*slot
	calls      map[int]inflight
	seq        uint64
	draining   sync.WaitGroup

	sent   *prometheus.CounterVec
	failed prometheus.Counter
}

// Option configures a Notifier.
type Option func(*Notifier)

// WithLogger sets the logger.
func WithLogger(log *zap.Logger) Option {
	return func(n *Notifier) { n.log = log }
}

// WithClock sets the clock used for timestamps.
func WithClock(c clock.Clock) Option {
	return func(n *Notifier) { n.clock = c }
}

// WithVersion sets the version reported to agents.
func WithVersion(v string) Option {
	return func(n *Notifier) { n.version = v }
}

// NewNotifier returns a notifier with no entries.
func NewNotifier(ex executor.Executor, opts ...Option) *Notifier {
	n := &Notifier{
		ex:         ex,
		clock:      clock.New(),
		log:        zap.NewNop(),
		cfg:        newConfig(nil),
		registered: make(map[string]executor.ResourceInfo),
		slots:      make(map[string]*slot),
		calls:      make(map[int]inflight),
		sent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "cibd",
			Subsystem: "alerts",
			Name:      "sent_total",
			Help:      "Number of alert agent invocations submitted, by event kind.",
		}, []string{"kind"}),
		failed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "cibd",
			Subsystem: "alerts",
			Name:      "submit_failures_total",
			Help:      "Number of alert invocations the executor refused.",
		}),
	}
	for _, o := range opts {
		o(n)
	}
	n.log = n.log.With(zap.String("service", "alerts"))
	return n
}

// PrometheusCollectors returns the notifier's metrics.
func (n *Notifier) PrometheusCollectors() []prometheus.Collector {
	return []prometheus.Collector{n.sent, n.failed}
}

// Entries returns the current entries.
func (n *Notifier) Entries() []Entry {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]Entry(nil), n.cfg.entries...)
}

// Sequence returns the number of invocations emitted so far.
func (n *Notifier) Sequence() uint64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.seq
}

// NeedsReload reports whether p changes the alert configuration.
func NeedsReload(p *patchset.Patchset) bool {
	if p == nil {
		return false
	}
	for _, path := range p.ChangedPaths() {
		if NeedsReloadPath(path) {
			return true
		}
	}
	return false
}

// Reload replaces the entries with those of doc. Invalid alerts are
// skipped and reported in the returned error; the valid ones are still
// installed.
func (n *Notifier) Reload(doc *tree.Document) error {
	entries, err := Parse(doc)
	if err != nil {
		n.log.Warn("Ignoring invalid alert configuration", zap.Error(err))
	}
	n.Swap(entries)
	return err
}

// Swap installs entries. The previous generation is released once every
// invocation still using it has completed.
func (n *Notifier) Swap(entries []Entry) {
	n.mu.Lock()
	old := n.cfg
	n.cfg = newConfig(entries)
	n.registered = make(map[string]executor.ResourceInfo)
	n.mu.Unlock()

	n.log.Info("Alert configuration reloaded", zap.Int("entries", len(entries)))

	n.draining.Add(1)
	go func() {
		defer n.draining.Done()
		old.res.Close()
		n.log.Debug("Previous alert configuration released", zap.Int("entries", len(old.entries)))
	}()
}

// AttributeUpdate runs the agents that select attribute events and the
// attribute's name.
func (n *Notifier) AttributeUpdate(ctx context.Context, ev AttributeEvent) int {
	return n.notify(ctx, KindAttribute, func(e *Entry) (map[string]string, bool) {
		if !e.SelectsAttribute(ev.Name) {
			return nil, false
		}
		return map[string]string{
			ParamNode:           ev.Node,
			ParamNodeID:         ev.NodeID,
			ParamAttributeName:  ev.Name,
			ParamAttributeValue: ev.Value,
		}, true
	})
}

// NodeEvent runs the agents that select node events.
func (n *Notifier) NodeEvent(ctx context.Context, ev NodeEvent) int {
	return n.notify(ctx, KindNode, func(*Entry) (map[string]string, bool) {
		return map[string]string{
			ParamNode:   ev.Node,
			ParamNodeID: ev.NodeID,
			ParamDesc:   ev.State,
		}, true
	})
}

// ResourceEvent runs the agents that select resource events.
func (n *Notifier) ResourceEvent(ctx context.Context, ev ResourceEvent) int {
	return n.notify(ctx, KindResource, func(*Entry) (map[string]string, bool) {
		return map[string]string{
			ParamNode:     ev.Node,
			ParamNodeID:   ev.NodeID,
			ParamResource: ev.Resource,
			ParamTask:     ev.Op,
			ParamInterval: strconv.Itoa(ev.Interval),
			ParamRC:       strconv.Itoa(ev.RC),
			ParamStatus:   strconv.Itoa(ev.Status),
			ParamTargetRC: strconv.Itoa(ev.TargetRC),
			ParamDesc:     ev.Desc(),
		}, true
	})
}

// notify emits one invocation per matching entry and returns how many were
// emitted.
func (n *Notifier) notify(ctx context.Context, kind string, match func(*Entry) (map[string]string, bool)) int {
	n.mu.Lock()
	defer n.mu.Unlock()

	emitted := 0
	for i := range n.cfg.entries {
		e := &n.cfg.entries[i]
		if !e.Selects(kind) {
			continue
		}
		base, ok := match(e)
		if !ok {
			continue
		}
		if err := n.register(ctx, e); err != nil {
			n.log.Error("Could not register alert agent",
				zap.String("alert", e.ID), zap.String("path", e.Path), zap.Error(err))
			continue
		}

		ref, err := n.cfg.res.Acquire()
		if err != nil {
			n.log.Warn("Alert configuration is being replaced", zap.String("alert", e.ID))
			return emitted
		}

		n.seq++
		inv := invocation{
			entry:  *e,
			params: n.params(e, kind, base, n.seq),
			ref:    ref,
		}
		n.sent.WithLabelValues(kind).Inc()
		emitted++

		s := n.slot(e.ID)
		if s.busy {
			s.pending = append(s.pending, inv)
			n.log.Debug("Alert agent busy, queueing", zap.String("alert", e.ID), zap.Int("queued", len(s.pending)))
			continue
		}
		n.submit(ctx, s, inv)
	}
	return emitted
}

func (n *Notifier) slot(id string) *slot {
	s, ok := n.slots[id]
	if !ok {
		s = &slot{}
		n.slots[id] = s
	}
	return s
}

// register makes sure the executor knows the agent of e.
func (n *Notifier) register(ctx context.Context, e *Entry) error {
	if _, ok := n.registered[e.ID]; ok {
		return nil
	}
	if info, ok := n.ex.Info(e.ID); ok && info.Path == e.Path {
		n.registered[e.ID] = info
		return nil
	}
	info, err := n.ex.Register(ctx, e.ID, agentClass, agentProvider, e.Path)
	if err != nil {
		return err
	}
	n.registered[e.ID] = info
	return nil
}

func (n *Notifier) params(e *Entry, kind string, base map[string]string, seq uint64) map[string]string {
	now := n.clock.Now()
	out := make(map[string]string, len(base)+len(e.Env)+8)
	for k, v := range e.Env {
		out[k] = v
	}
	for k, v := range base {
		out[executor.EnvPrefix+k] = v
	}
	out[executor.EnvPrefix+ParamRecipient] = e.Recipient
	out[executor.EnvPrefix+ParamPath] = e.Path
	out[executor.EnvPrefix+ParamVersion] = n.version
	out[executor.EnvPrefix+ParamKind] = kind
	out[executor.EnvPrefix+ParamTimestamp] = FormatTimestamp(e.TimestampFormat, now)
	out[executor.EnvPrefix+ParamTimestampEpoch] = strconv.FormatInt(now.Unix(), 10)
	out[executor.EnvPrefix+ParamTimestampUsec] = strconv.Itoa(now.Nanosecond() / 1000)
	out[executor.EnvPrefix+ParamSequence] = strconv.FormatUint(seq, 10)
	return out
}

// submit hands inv to the executor. It is called with n.mu held.
func (n *Notifier) submit(ctx context.Context, s *slot, inv invocation) {
	callID, err := n.ex.ExecAlert(ctx, inv.entry.ID, inv.entry.Timeout, inv.params)
	if err != nil {
		n.failed.Inc()
		inv.ref.Release()
		n.log.Error("Could not run alert agent", zap.String("alert", inv.entry.ID), zap.Error(err))
		return
	}
	s.busy = true
	n.calls[callID] = inflight{id: inv.entry.ID, ref: inv.ref}
	n.log.Debug("Alert agent started",
		zap.String("alert", inv.entry.ID),
		zap.Int("call", callID),
		zap.String("sequence", inv.params[executor.EnvPrefix+ParamSequence]))
}

// HandleEvent processes an executor event. A completion frees its entry
// for the next queued invocation; a disconnect drops everything in flight
// and the registration cache.
func (n *Notifier) HandleEvent(ctx context.Context, ev executor.Event) {
	n.mu.Lock()
	defer n.mu.Unlock()

	switch ev.Type {
	case executor.EventExecComplete:
		call, ok := n.calls[ev.CallID]
		if !ok {
			return
		}
		delete(n.calls, ev.CallID)
		call.ref.Release()

		if ev.RC != executor.RCOK {
			n.log.Warn("Alert agent failed", zap.String("alert", call.id), zap.Int("rc", ev.RC), zap.Error(ev.Err))
		}

		s := n.slot(call.id)
		s.busy = false
		for len(s.pending) > 0 && !s.busy {
			next := s.pending[0]
			s.pending = s.pending[1:]
			n.submit(ctx, s, next)
		}

	case executor.EventDisconnected:
		n.log.Warn("Lost connection to the executor", zap.Int("in_flight", len(n.calls)))
		for id, call := range n.calls {
			call.ref.Release()
			delete(n.calls, id)
		}
		for id, s := range n.slots {
			for _, inv := range s.pending {
				inv.ref.Release()
			}
			delete(n.slots, id)
		}
		n.registered = make(map[string]executor.ResourceInfo)
	}
}

// Close drops the entries and waits for every generation to drain.
func (n *Notifier) Close() error {
	n.Swap(nil)
	n.draining.Wait()
	return nil
}
