package executor

import (
	"bytes"
	"context"
	"errors"
	"os"
	"os/exec"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	ierrors "github.com/clusterlabs/cibd/kit/platform/errors"
)

const maxOutput = 64 * 1024

// Local runs agents as child processes of the daemon.
type Local struct {
	log   *zap.Logger
	clock clock.Clock

	mu        sync.Mutex
	resources map[string]ResourceInfo
	queues    map[string]chan call
	nextCall  int
	closed    bool
	wg        sync.WaitGroup

	evMu     sync.RWMutex
	evClosed bool
	events   chan Event

	runs     *prometheus.CounterVec
	duration prometheus.Histogram
}

var _ Executor = (*Local)(nil)

type call struct {
	id      int
	ctx     context.Context
	info    ResourceInfo
	timeout time.Duration
	params  map[string]string
}

// Option configures a Local executor.
type Option func(*Local)

// WithLogger sets the logger.
func WithLogger(log *zap.Logger) Option {
	return func(l *Local) { l.log = log }
}

// WithClock sets the clock used to time calls.
func WithClock(c clock.Clock) Option {
	return func(l *Local) { l.clock = c }
}

// NewLocal returns an executor with an event queue of the given size.
func NewLocal(queue int, opts ...Option) *Local {
	l := &Local{
		log:       zap.NewNop(),
		clock:     clock.New(),
		resources: make(map[string]ResourceInfo),
		queues:    make(map[string]chan call),
		events:    make(chan Event, queue),
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "cibd",
			Subsystem: "executor",
			Name:      "alert_runs_total",
			Help:      "Number of alert agent invocations by result.",
		}, []string{"result"}),
		duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "cibd",
			Subsystem: "executor",
			Name:      "alert_duration_seconds",
			Help:      "Run time of alert agents.",
			Buckets:   prometheus.DefBuckets,
		}),
	}
	for _, o := range opts {
		o(l)
	}
	l.log = l.log.With(zap.String("service", "executor"))
	return l
}

// PrometheusCollectors returns the executor's metrics.
func (l *Local) PrometheusCollectors() []prometheus.Collector {
	return []prometheus.Collector{l.runs, l.duration}
}

// Register records an agent. Registering an id again replaces its details
// for later calls.
func (l *Local) Register(ctx context.Context, id, class, provider, path string) (ResourceInfo, error) {
	const op = "executor.Register"

	if id == "" || path == "" {
		return ResourceInfo{}, &ierrors.Error{Code: ierrors.EInvalid, Op: op, Msg: "alert agent needs an id and a path"}
	}
	info := ResourceInfo{ID: id, Class: class, Provider: provider, Path: path}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return ResourceInfo{}, &ierrors.Error{Code: ierrors.EUnavailable, Op: op, Msg: "executor closed"}
	}
	l.resources[id] = info
	return info, nil
}

// Info returns a registered agent.
func (l *Local) Info(id string) (ResourceInfo, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	info, ok := l.resources[id]
	return info, ok
}

// ExecAlert queues a call and returns its id. The result arrives as an
// EventExecComplete with the same call id.
func (l *Local) ExecAlert(ctx context.Context, id string, timeout time.Duration, params map[string]string) (int, error) {
	const op = "executor.ExecAlert"

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return 0, &ierrors.Error{Code: ierrors.EUnavailable, Op: op, Msg: "executor closed"}
	}
	info, ok := l.resources[id]
	if !ok {
		return 0, &ierrors.Error{Code: ierrors.ENotFound, Op: op, Msg: "alert agent " + id + " is not registered"}
	}

	q, ok := l.queues[id]
	if !ok {
		q = make(chan call, 64)
		l.queues[id] = q
		l.wg.Add(1)
		go l.worker(q)
	}

	l.nextCall++
	c := call{id: l.nextCall, ctx: ctx, info: info, timeout: timeout, params: copyParams(params)}
	select {
	case q <- c:
	default:
		l.nextCall--
		return 0, &ierrors.Error{Code: ierrors.EUnavailable, Op: op, Msg: "too many queued calls for " + id}
	}
	return c.id, nil
}

func copyParams(in map[string]string) map[string]string {
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

// worker runs the calls of one id in order.
func (l *Local) worker(q chan call) {
	defer l.wg.Done()
	for c := range q {
		l.emit(l.run(c))
	}
}

func (l *Local) run(c call) Event {
	ctx := context.Background()
	if c.ctx != nil && c.ctx.Err() == nil {
		ctx = c.ctx
	}
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, c.info.Path)
	cmd.WaitDelay = time.Second
	cmd.Env = append(os.Environ(), environ(c.params)...)
	var out bytes.Buffer
	cmd.Stdout = limitWriter{&out}
	cmd.Stderr = limitWriter{&out}

	start := l.clock.Now()
	err := cmd.Run()
	elapsed := l.clock.Since(start)

	ev := Event{
		Type:     EventExecComplete,
		CallID:   c.id,
		ID:       c.info.ID,
		Output:   out.String(),
		Duration: elapsed,
	}
	var exitErr *exec.ExitError
	switch {
	case err == nil:
		ev.RC = RCOK
	case ctx.Err() == context.DeadlineExceeded:
		ev.RC, ev.Err = RCTimeout, &ierrors.Error{Code: ierrors.ETimeout, Msg: "alert agent " + c.info.ID + " timed out", Err: err}
	case errors.As(err, &exitErr):
		ev.RC, ev.Err = exitErr.ExitCode(), err
	default:
		ev.RC, ev.Err = RCNoAgent, err
	}

	result := "ok"
	if ev.RC != RCOK {
		result = "failed"
		l.log.Warn("Alert agent failed",
			zap.String("alert", c.info.ID),
			zap.Int("call", c.id),
			zap.Int("rc", ev.RC),
			zap.Error(ev.Err))
	} else {
		l.log.Debug("Alert agent completed", zap.String("alert", c.info.ID), zap.Int("call", c.id))
	}
	l.runs.WithLabelValues(result).Inc()
	l.duration.Observe(elapsed.Seconds())
	return ev
}

// environ renders params as environment variables in a stable order.
func environ(params map[string]string) []string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+params[k])
	}
	return out
}

type limitWriter struct{ b *bytes.Buffer }

func (w limitWriter) Write(p []byte) (int, error) {
	if room := maxOutput - w.b.Len(); room > 0 {
		if len(p) > room {
			w.b.Write(p[:room])
		} else {
			w.b.Write(p)
		}
	}
	return len(p), nil
}

func (l *Local) emit(ev Event) {
	l.evMu.RLock()
	defer l.evMu.RUnlock()
	if l.evClosed {
		return
	}
	l.events <- ev
}

// Events implements Executor.
func (l *Local) Events() <-chan Event { return l.events }

// Close waits for queued calls to finish, reports the executor as
// disconnected and closes the event stream.
func (l *Local) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	for _, q := range l.queues {
		close(q)
	}
	l.mu.Unlock()

	l.wg.Wait()

	l.evMu.Lock()
	defer l.evMu.Unlock()
	select {
	case l.events <- Event{Type: EventDisconnected}:
	default:
	}
	l.evClosed = true
	close(l.events)
	return nil
}
