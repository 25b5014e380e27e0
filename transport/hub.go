package transport

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

// DefaultQueueSize is the default capacity of an endpoint's event queue.
const DefaultQueueSize = 1024

// Hub connects in-process endpoints. It is used for stand-alone operation
// and in tests; messages go through the same fragmentation as a network
// link.
type Hub struct {
	mu        sync.Mutex
	endpoints map[string]*Endpoint
	nextID    uint32
	quorum    bool

	// Expected is the number of nodes the cluster is configured for. Zero
	// means quorum follows membership: any member count has quorum.
	Expected int

	QueueSize  int
	MaxPayload int
	Logger     *zap.Logger
}

// NewHub returns an empty hub.
func NewHub() *Hub {
	return &Hub{
		endpoints:  make(map[string]*Endpoint),
		QueueSize:  DefaultQueueSize,
		MaxPayload: DefaultMaxPayload,
		Logger:     zap.NewNop(),
	}
}

// Endpoint is one node attached to a Hub.
type Endpoint struct {
	hub   *Hub
	local Peer
	frag  *Fragmenter

	mu     sync.Mutex
	events chan Event
	closed bool
}

var _ Transport = (*Endpoint)(nil)

// Join attaches a node to the hub. Every current member sees it come up
// and it sees every current member.
func (h *Hub) Join(name string) *Endpoint {
	h.mu.Lock()
	defer h.mu.Unlock()

	if old, ok := h.endpoints[name]; ok {
		old.shutdown()
		delete(h.endpoints, name)
		h.broadcastLocked(Event{Type: EventPeerDown, Peer: old.local}, name)
	}

	h.nextID++
	frag := NewFragmenter()
	frag.MaxPayload = h.MaxPayload
	e := &Endpoint{
		hub:    h,
		local:  Peer{ID: h.nextID, Name: name},
		frag:   frag,
		events: make(chan Event, h.QueueSize),
	}

	for _, other := range h.endpoints {
		e.deliver(Event{Type: EventPeerUp, Peer: other.local})
	}
	h.endpoints[name] = e
	h.broadcastLocked(Event{Type: EventPeerUp, Peer: e.local}, name)
	h.updateQuorumLocked(e)
	return e
}

// Leave detaches a node. The remaining members see it go down.
func (h *Hub) Leave(name string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.leaveLocked(name)
}

func (h *Hub) leaveLocked(name string) {
	e, ok := h.endpoints[name]
	if !ok {
		return
	}
	delete(h.endpoints, name)
	e.shutdown()
	h.broadcastLocked(Event{Type: EventPeerDown, Peer: e.local}, name)
	for _, other := range h.endpoints {
		other.frag.Forget(name)
	}
	h.updateQuorumLocked(nil)
}

// Members lists the attached nodes.
func (h *Hub) Members() []Peer {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]Peer, 0, len(h.endpoints))
	for _, e := range h.endpoints {
		out = append(out, e.local)
	}
	return out
}

func (h *Hub) broadcastLocked(ev Event, except string) {
	for name, e := range h.endpoints {
		if name == except {
			continue
		}
		if !e.deliver(ev) {
			h.Logger.Warn("Dropped membership event", zap.String("peer", name), zap.Stringer("event", ev.Type))
		}
	}
}

// updateQuorumLocked announces a quorum change to everyone, or the current
// state to a node that just joined.
func (h *Hub) updateQuorumLocked(joined *Endpoint) {
	q := h.Expected == 0 || len(h.endpoints)*2 > h.Expected
	if q != h.quorum {
		h.quorum = q
		h.broadcastLocked(Event{Type: EventQuorum, Quorum: q}, "")
		return
	}
	if joined != nil {
		joined.deliver(Event{Type: EventQuorum, Quorum: q})
	}
}

func (h *Hub) send(ctx context.Context, from *Endpoint, to string, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	chunks, err := from.frag.Split(payload)
	if err != nil {
		return err
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.endpoints[from.local.Name]; !ok {
		return ErrClosed
	}

	var targets []*Endpoint
	if to == "" {
		for name, e := range h.endpoints {
			if name != from.local.Name {
				targets = append(targets, e)
			}
		}
	} else {
		e, ok := h.endpoints[to]
		if !ok {
			return ErrUnknownPeer(to)
		}
		targets = append(targets, e)
	}

	var overflow bool
	for _, e := range targets {
		for _, c := range chunks {
			b, ok, err := e.frag.Reassemble(from.local.Name, c)
			if err != nil {
				h.Logger.Warn("Dropped malformed fragment", zap.String("from", from.local.Name), zap.Error(err))
				break
			}
			if !ok {
				continue
			}
			if !e.deliver(Event{Type: EventMessage, Peer: from.local, Payload: b}) {
				overflow = true
			}
		}
	}
	if overflow {
		return ErrOverflow
	}
	return nil
}

// Local implements Transport.
func (e *Endpoint) Local() Peer { return e.local }

// Broadcast implements Transport.
func (e *Endpoint) Broadcast(ctx context.Context, payload []byte) error {
	return e.hub.send(ctx, e, "", payload)
}

// Unicast implements Transport.
func (e *Endpoint) Unicast(ctx context.Context, to string, payload []byte) error {
	if to == "" {
		return ErrUnknownPeer(to)
	}
	return e.hub.send(ctx, e, to, payload)
}

// Events implements Transport.
func (e *Endpoint) Events() <-chan Event { return e.events }

// Close leaves the hub.
func (e *Endpoint) Close() error {
	e.hub.mu.Lock()
	defer e.hub.mu.Unlock()
	if cur, ok := e.hub.endpoints[e.local.Name]; ok && cur == e {
		e.hub.leaveLocked(e.local.Name)
		return nil
	}
	e.shutdown()
	return nil
}

// deliver queues ev without blocking. It reports false when the queue is
// full or the endpoint is closed.
func (e *Endpoint) deliver(ev Event) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return false
	}
	select {
	case e.events <- ev:
		return true
	default:
		return false
	}
}

func (e *Endpoint) shutdown() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.closed {
		e.closed = true
		close(e.events)
	}
}
