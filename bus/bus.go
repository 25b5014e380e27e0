// Package bus delivers document change events to local subscribers.
//
// Every subscriber owns a bounded queue. Publish never waits for a
// subscriber: one whose queue is full is evicted, its channel closed, so a
// slow client can never stall the server.
package bus

import (
	"strings"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	ierrors "github.com/clusterlabs/cibd/kit/platform/errors"
	"github.com/clusterlabs/cibd/patchset"
	"github.com/clusterlabs/cibd/tree"
)

// Kind is a class of event. Kinds combine into a subscription mask.
type Kind uint8

const (
	KindPreModify Kind = 1 << iota
	KindPostModify
	KindDiff
	KindReplace
	KindShutdown

	KindAll = KindPreModify | KindPostModify | KindDiff | KindReplace | KindShutdown
)

// privileged kinds expose document content.
const privileged = KindPreModify | KindDiff | KindReplace

var kindNames = []struct {
	kind Kind
	name string
}{
	{KindPreModify, "pre-modify"},
	{KindPostModify, "post-modify"},
	{KindDiff, "diff"},
	{KindReplace, "replace"},
	{KindShutdown, "shutdown"},
}

func (k Kind) String() string {
	var parts []string
	for _, n := range kindNames {
		if k&n.kind != 0 {
			parts = append(parts, n.name)
		}
	}
	if len(parts) == 0 {
		return "none"
	}
	return strings.Join(parts, "|")
}

// ParseKind returns the kind with the given name.
func ParseKind(s string) (Kind, bool) {
	for _, n := range kindNames {
		if n.name == s {
			return n.kind, true
		}
	}
	return 0, false
}

// Event is one notification. Documents and patchsets carried by an event
// are shared between subscribers and must not be modified.
type Event struct {
	Kind Kind

	// Op is the operation that caused the event.
	Op string

	// Section is the target of a pre-modify.
	Section string

	// Input is the request payload of a pre-modify.
	Input tree.Node

	// Err is the result of a post-modify.
	Err error

	// Patchset is carried by post-modify and diff.
	Patchset *patchset.Patchset

	// Digest of the document after a post-modify.
	Digest string

	// Document is the new document of a replace.
	Document *tree.Document
}

// DefaultWatermark is the queue size used when a subscriber names none.
const DefaultWatermark = 500

// Subscription is a subscriber's end of the bus.
type Subscription struct {
	ID            string
	Name          string
	Authenticated bool
	Kinds         Kind
	Watermark     int

	ch      chan Event
	evicted atomic.Bool
}

// C returns the event channel. It is closed on eviction and on
// Unsubscribe.
func (s *Subscription) C() <-chan Event { return s.ch }

// Evicted reports whether the bus dropped the subscriber because its
// queue overflowed.
func (s *Subscription) Evicted() bool { return s.evicted.Load() }

// Bus fans events out to subscribers.
type Bus struct {
	log *zap.Logger

	mu   sync.Mutex
	subs map[string]*Subscription

	published   *prometheus.CounterVec
	evictions   prometheus.Counter
	subscribers prometheus.Gauge
}

// New returns an empty bus.
func New(log *zap.Logger) *Bus {
	if log == nil {
		log = zap.NewNop()
	}
	return &Bus{
		log:  log.With(zap.String("service", "bus")),
		subs: make(map[string]*Subscription),
		published: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "cibd",
			Subsystem: "bus",
			Name:      "events_published_total",
			Help:      "Number of events published by kind.",
		}, []string{"kind"}),
		evictions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "cibd",
			Subsystem: "bus",
			Name:      "evictions_total",
			Help:      "Number of subscribers dropped for falling behind.",
		}),
		subscribers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "cibd",
			Subsystem: "bus",
			Name:      "subscribers",
			Help:      "Number of current subscribers.",
		}),
	}
}

// PrometheusCollectors returns the bus metrics.
func (b *Bus) PrometheusCollectors() []prometheus.Collector {
	return []prometheus.Collector{b.published, b.evictions, b.subscribers}
}

// Subscribe registers a subscriber for kinds. Unauthenticated subscribers
// may only receive post-modify and shutdown events. A watermark of zero
// or less selects DefaultWatermark.
func (b *Bus) Subscribe(name string, authenticated bool, watermark int, kinds Kind) (*Subscription, error) {
	const op = "bus.Subscribe"

	if kinds&KindAll == 0 {
		return nil, &ierrors.Error{Code: ierrors.EInvalid, Op: op, Msg: "no event kinds requested"}
	}
	if !authenticated && kinds&privileged != 0 {
		return nil, &ierrors.Error{
			Code: ierrors.EForbidden,
			Op:   op,
			Msg:  name + " may not receive " + (kinds & privileged).String() + " events",
		}
	}
	if watermark <= 0 {
		watermark = DefaultWatermark
	}

	s := &Subscription{
		ID:            uuid.NewString(),
		Name:          name,
		Authenticated: authenticated,
		Kinds:         kinds & KindAll,
		Watermark:     watermark,
		ch:            make(chan Event, watermark),
	}

	b.mu.Lock()
	b.subs[s.ID] = s
	n := len(b.subs)
	b.mu.Unlock()

	b.subscribers.Set(float64(n))
	b.log.Debug("Subscriber added",
		zap.String("subscriber", s.ID),
		zap.String("name", name),
		zap.Stringer("kinds", s.Kinds))
	return s, nil
}

// Unsubscribe removes a subscriber and closes its channel. Removing an
// evicted or unknown subscriber is a no-op.
func (b *Bus) Unsubscribe(id string) {
	b.mu.Lock()
	s, ok := b.subs[id]
	if ok {
		delete(b.subs, id)
		close(s.ch)
	}
	n := len(b.subs)
	b.mu.Unlock()

	if ok {
		b.subscribers.Set(float64(n))
	}
}

// Len returns the number of subscribers.
func (b *Bus) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Publish queues ev for every subscriber of its kind.
func (b *Bus) Publish(ev Event) {
	b.mu.Lock()
	var evicted []*Subscription
	for id, s := range b.subs {
		if s.Kinds&ev.Kind == 0 {
			continue
		}
		select {
		case s.ch <- ev:
		default:
			s.evicted.Store(true)
			delete(b.subs, id)
			close(s.ch)
			evicted = append(evicted, s)
		}
	}
	n := len(b.subs)
	b.mu.Unlock()

	b.published.WithLabelValues(ev.Kind.String()).Inc()
	if len(evicted) == 0 {
		return
	}
	b.subscribers.Set(float64(n))
	for _, s := range evicted {
		b.evictions.Inc()
		b.log.Warn("Evicting subscriber with full queue",
			zap.String("subscriber", s.ID),
			zap.String("name", s.Name),
			zap.Int("watermark", s.Watermark))
	}
}

// Close removes every subscriber.
func (b *Bus) Close() {
	b.mu.Lock()
	for id, s := range b.subs {
		delete(b.subs, id)
		close(s.ch)
	}
	b.mu.Unlock()
	b.subscribers.Set(0)
}
