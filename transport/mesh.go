package transport

import (
	"context"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	// DefaultReconnectInterval is how long a mesh waits between dials to a
	// disconnected peer.
	DefaultReconnectInterval = time.Second

	writeTimeout = 10 * time.Second
)

// MeshConfig describes a node of a websocket mesh.
type MeshConfig struct {
	Name string
	ID   uint32

	// Peers maps the name of every other node to its websocket URL. A node
	// dials the peers whose names sort after its own and accepts the rest.
	Peers map[string]string

	// Expected is the cluster size used for quorum. Zero means every
	// configured node.
	Expected int

	QueueSize         int
	MaxPayload        int
	ReconnectInterval time.Duration
}

// Mesh is a Transport over one websocket connection per peer.
type Mesh struct {
	cfg    MeshConfig
	log    *zap.Logger
	frag   *Fragmenter
	clock  clock.Clock
	dialer *websocket.Dialer

	upgrader websocket.Upgrader

	ctx    context.Context
	cancel context.CancelFunc
	group  *errgroup.Group

	mu     sync.Mutex
	links  map[string]*link
	quorum bool
	closed bool

	// evMu guards closing events against late senders.
	evMu     sync.RWMutex
	evClosed bool
	events   chan Event
}

var _ Transport = (*Mesh)(nil)

type link struct {
	peer Peer
	conn *websocket.Conn
	out  chan []byte
	once sync.Once
	done chan struct{}
}

func (l *link) close() {
	l.once.Do(func() {
		close(l.done)
		_ = l.conn.Close()
	})
}

type hello struct {
	Name string `json:"name"`
	ID   uint32 `json:"id"`
}

// NewMesh returns a mesh node. Call Open to start dialing and serve
// Handler to accept peers.
func NewMesh(cfg MeshConfig, log *zap.Logger) *Mesh {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultQueueSize
	}
	if cfg.MaxPayload <= 0 {
		cfg.MaxPayload = DefaultMaxPayload
	}
	if cfg.ReconnectInterval <= 0 {
		cfg.ReconnectInterval = DefaultReconnectInterval
	}
	if cfg.Expected <= 0 {
		cfg.Expected = len(cfg.Peers) + 1
	}
	if log == nil {
		log = zap.NewNop()
	}

	frag := NewFragmenter()
	frag.MaxPayload = cfg.MaxPayload

	return &Mesh{
		cfg:    cfg,
		log:    log.With(zap.String("service", "transport"), zap.String("node", cfg.Name)),
		frag:   frag,
		clock:  clock.New(),
		dialer: websocket.DefaultDialer,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  cfg.MaxPayload,
			WriteBufferSize: cfg.MaxPayload,
		},
		links:  make(map[string]*link),
		events: make(chan Event, cfg.QueueSize),
	}
}

// WithClock sets the clock used for reconnect waits and fragment expiry.
func (m *Mesh) WithClock(c clock.Clock) {
	m.clock = c
	m.frag.Clock = c
}

// Open starts the dial loops. It reports the initial quorum state.
func (m *Mesh) Open(ctx context.Context) error {
	m.mu.Lock()
	if m.ctx != nil {
		m.mu.Unlock()
		return errors.New("mesh already open")
	}
	m.ctx, m.cancel = context.WithCancel(ctx)
	m.group, m.ctx = errgroup.WithContext(m.ctx)
	m.updateQuorumLocked(true)
	m.mu.Unlock()

	names := make([]string, 0, len(m.cfg.Peers))
	for name := range m.cfg.Peers {
		if name > m.cfg.Name {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	for _, name := range names {
		name, url := name, m.cfg.Peers[name]
		m.group.Go(func() error {
			m.dialLoop(name, url)
			return nil
		})
	}
	return nil
}

// Handler accepts connections from peers that dial this node.
func (m *Mesh) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := m.upgrader.Upgrade(w, r, nil)
		if err != nil {
			m.log.Info("Rejected peer connection", zap.Error(err))
			return
		}
		peer, err := m.handshake(conn, false)
		if err != nil {
			m.log.Info("Peer handshake failed", zap.String("remote", r.RemoteAddr), zap.Error(err))
			_ = conn.Close()
			return
		}
		m.attach(peer, conn)
	})
}

func (m *Mesh) dialLoop(name, url string) {
	for {
		if m.ctx.Err() != nil {
			return
		}
		if !m.connected(name) {
			conn, _, err := m.dialer.DialContext(m.ctx, url, nil)
			if err == nil {
				var peer Peer
				if peer, err = m.handshake(conn, true); err == nil && peer.Name != name {
					err = errors.Errorf("dialed %s but reached %s", name, peer.Name)
				}
				if err != nil {
					_ = conn.Close()
				} else {
					m.attach(peer, conn)
				}
			}
			if err != nil && m.ctx.Err() == nil {
				m.log.Debug("Peer dial failed", zap.String("peer", name), zap.Error(err))
			}
		}

		select {
		case <-m.ctx.Done():
			return
		case <-m.clock.After(m.cfg.ReconnectInterval):
		}
	}
}

// handshake exchanges identities. The dialing side speaks first.
func (m *Mesh) handshake(conn *websocket.Conn, dialer bool) (Peer, error) {
	me := hello{Name: m.cfg.Name, ID: m.cfg.ID}
	var them hello
	_ = conn.SetReadDeadline(time.Now().Add(writeTimeout))
	defer func() { _ = conn.SetReadDeadline(time.Time{}) }()

	if dialer {
		if err := conn.WriteJSON(me); err != nil {
			return Peer{}, errors.Wrap(err, "sending hello")
		}
	}
	if err := conn.ReadJSON(&them); err != nil {
		return Peer{}, errors.Wrap(err, "reading hello")
	}
	if !dialer {
		if err := conn.WriteJSON(me); err != nil {
			return Peer{}, errors.Wrap(err, "sending hello")
		}
	}
	if them.Name == "" || them.Name == m.cfg.Name {
		return Peer{}, errors.Errorf("bad peer name %q", them.Name)
	}
	return Peer{ID: them.ID, Name: them.Name}, nil
}

func (m *Mesh) connected(name string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.links[name]
	return ok
}

func (m *Mesh) attach(peer Peer, conn *websocket.Conn) {
	l := &link{
		peer: peer,
		conn: conn,
		out:  make(chan []byte, m.cfg.QueueSize),
		done: make(chan struct{}),
	}

	m.mu.Lock()
	if m.closed || m.group == nil {
		m.mu.Unlock()
		_ = conn.Close()
		return
	}
	if old, ok := m.links[peer.Name]; ok {
		old.close()
	}
	m.links[peer.Name] = l
	m.mu.Unlock()

	m.log.Info("Peer connected", zap.Stringer("peer", peer))
	m.emit(Event{Type: EventPeerUp, Peer: peer})
	m.mu.Lock()
	m.updateQuorumLocked(false)
	m.mu.Unlock()

	m.group.Go(func() error {
		m.writeLoop(l)
		return nil
	})
	m.group.Go(func() error {
		m.readLoop(l)
		return nil
	})
}

func (m *Mesh) detach(l *link, reason error) {
	l.close()

	m.mu.Lock()
	cur, ok := m.links[l.peer.Name]
	if !ok || cur != l {
		m.mu.Unlock()
		return
	}
	delete(m.links, l.peer.Name)
	m.mu.Unlock()

	m.frag.Forget(l.peer.Name)
	m.log.Info("Peer disconnected", zap.Stringer("peer", l.peer), zap.Error(reason))
	m.emit(Event{Type: EventPeerDown, Peer: l.peer})

	m.mu.Lock()
	m.updateQuorumLocked(false)
	m.mu.Unlock()
}

func (m *Mesh) writeLoop(l *link) {
	for {
		select {
		case <-l.done:
			return
		case b := <-l.out:
			_ = l.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := l.conn.WriteMessage(websocket.BinaryMessage, b); err != nil {
				m.detach(l, err)
				return
			}
		}
	}
}

func (m *Mesh) readLoop(l *link) {
	for {
		typ, b, err := l.conn.ReadMessage()
		if err != nil {
			m.detach(l, err)
			return
		}
		if typ != websocket.BinaryMessage {
			continue
		}
		payload, ok, err := m.frag.Reassemble(l.peer.Name, b)
		if err != nil {
			m.log.Warn("Dropped malformed fragment", zap.Stringer("peer", l.peer), zap.Error(err))
			continue
		}
		if ok {
			m.emit(Event{Type: EventMessage, Peer: l.peer, Payload: payload})
		}
	}
}

// emit blocks until the event is queued or the mesh closes, so a slow
// consumer pushes back on the readers.
func (m *Mesh) emit(ev Event) {
	m.evMu.RLock()
	defer m.evMu.RUnlock()
	if m.evClosed {
		return
	}
	select {
	case m.events <- ev:
	case <-m.ctx.Done():
	}
}

// updateQuorumLocked emits a quorum event when the state changes, or
// unconditionally when force is set.
func (m *Mesh) updateQuorumLocked(force bool) {
	q := (len(m.links)+1)*2 > m.cfg.Expected
	if q == m.quorum && !force {
		return
	}
	m.quorum = q

	m.evMu.RLock()
	defer m.evMu.RUnlock()
	if m.evClosed {
		return
	}
	select {
	case m.events <- Event{Type: EventQuorum, Quorum: q}:
	default:
		m.log.Warn("Dropped quorum event", zap.Bool("quorum", q))
	}
}

// Local implements Transport.
func (m *Mesh) Local() Peer { return Peer{ID: m.cfg.ID, Name: m.cfg.Name} }

// Events implements Transport.
func (m *Mesh) Events() <-chan Event { return m.events }

// Broadcast implements Transport.
func (m *Mesh) Broadcast(ctx context.Context, payload []byte) error {
	return m.send(ctx, "", payload)
}

// Unicast implements Transport.
func (m *Mesh) Unicast(ctx context.Context, to string, payload []byte) error {
	if to == "" {
		return ErrUnknownPeer(to)
	}
	return m.send(ctx, to, payload)
}

// send queues the chunks of payload on each target link. A link whose
// queue is full is dropped; the peer catches up through a resync once it
// reconnects.
func (m *Mesh) send(ctx context.Context, to string, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	chunks, err := m.frag.Split(payload)
	if err != nil {
		return err
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	var targets []*link
	if to == "" {
		for _, l := range m.links {
			targets = append(targets, l)
		}
	} else if l, ok := m.links[to]; ok {
		targets = append(targets, l)
	} else {
		m.mu.Unlock()
		return ErrUnknownPeer(to)
	}
	m.mu.Unlock()

	var overflow bool
	for _, l := range targets {
		if !l.enqueue(chunks) {
			overflow = true
			m.log.Warn("Outbound queue full, dropping peer link", zap.Stringer("peer", l.peer))
			go m.detach(l, ErrOverflow)
		}
	}
	if overflow {
		return ErrOverflow
	}
	return nil
}

func (l *link) enqueue(chunks [][]byte) bool {
	if cap(l.out)-len(l.out) < len(chunks) {
		return false
	}
	for _, c := range chunks {
		select {
		case l.out <- c:
		case <-l.done:
			return false
		default:
			return false
		}
	}
	return true
}

// Close drops every link and stops the dial loops.
func (m *Mesh) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	links := make([]*link, 0, len(m.links))
	for _, l := range m.links {
		links = append(links, l)
	}
	m.links = map[string]*link{}
	m.mu.Unlock()

	if m.cancel != nil {
		m.cancel()
	}
	for _, l := range links {
		l.close()
	}
	var err error
	if m.group != nil {
		err = m.group.Wait()
	}

	m.evMu.Lock()
	m.evClosed = true
	close(m.events)
	m.evMu.Unlock()
	return err
}
