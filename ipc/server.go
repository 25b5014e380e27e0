package ipc

import (
	"context"
	"io"
	"net"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	cib "github.com/clusterlabs/cibd"
	"github.com/clusterlabs/cibd/bus"
	ierrors "github.com/clusterlabs/cibd/kit/platform/errors"
	"github.com/clusterlabs/cibd/logger"
	"github.com/clusterlabs/cibd/patchset"
)

// Operations handled by the listener itself.
const (
	OpRegister = "register"
	OpNotify   = "notify"
)

// FieldNotifyActivate turns a notify request's kind on or off.
const FieldNotifyActivate = "cib-notify-activate"

// readOnly operations are open to untrusted clients.
var readOnly = map[string]bool{
	cib.OpQuery:     true,
	cib.OpPing:      true,
	cib.OpNoop:      true,
	cib.OpIsPrimary: true,
	cib.OpSchemas:   true,
}

// cancelTimeout bounds the cleanup of a disconnected client's call.
const cancelTimeout = 5 * time.Second

// Backend runs client requests.
type Backend interface {
	Submit(ctx context.Context, msg *cib.Message) (*cib.Message, error)
	Cancel(ctx context.Context, clientID string, callID int) (bool, error)
}

// Server accepts local clients and relays their requests to a Backend.
type Server struct {
	cfg     Config
	backend Backend
	bus     *bus.Bus
	log     *zap.Logger
	creds   CredentialsFunc
	auth    *authorizer

	ln     net.Listener
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	clients     prometheus.Gauge
	connections *prometheus.CounterVec
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the logger.
func WithLogger(log *zap.Logger) Option {
	return func(s *Server) { s.log = log }
}

// WithCredentials replaces the peer credential lookup.
func WithCredentials(fn CredentialsFunc) Option {
	return func(s *Server) { s.creds = fn }
}

// NewServer returns a listener for cfg. Notifications are taken from b.
func NewServer(cfg Config, backend Backend, b *bus.Bus, opts ...Option) *Server {
	s := &Server{
		cfg:     cfg.WithDefaults(),
		backend: backend,
		bus:     b,
		log:     zap.NewNop(),
		creds:   PeerCredentials,
		clients: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "cibd",
			Subsystem: "ipc",
			Name:      "clients",
			Help:      "Number of connected local clients.",
		}),
		connections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "cibd",
			Subsystem: "ipc",
			Name:      "connections_total",
			Help:      "Number of local connections by outcome.",
		}, []string{"result"}),
	}
	for _, o := range opts {
		o(s)
	}
	s.log = s.log.With(zap.String("service", "ipc"))
	s.auth = newAuthorizer(s.cfg.AdminGroup, s.log)
	return s
}

// PrometheusCollectors returns the listener metrics.
func (s *Server) PrometheusCollectors() []prometheus.Collector {
	return []prometheus.Collector{s.clients, s.connections}
}

// Open creates the socket and starts accepting clients. A stale socket
// left by an earlier run is removed.
func (s *Server) Open() error {
	const op = "ipc.Open"

	path := s.cfg.Path()
	if err := os.MkdirAll(s.cfg.SocketDir, 0o755); err != nil {
		return &ierrors.Error{Code: ierrors.EInternal, Op: op, Err: err}
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return &ierrors.Error{Code: ierrors.EInternal, Op: op, Err: err}
	}
	ln, err := net.Listen("unix", path)
	if err != nil {
		return &ierrors.Error{Code: ierrors.EUnavailable, Op: op, Err: err}
	}
	// Access is decided per client from its credentials.
	if err := os.Chmod(path, 0o666); err != nil {
		ln.Close()
		return &ierrors.Error{Code: ierrors.EInternal, Op: op, Err: err}
	}
	s.ln = ln
	s.ctx, s.cancel = context.WithCancel(context.Background())

	s.log.Info("Listening for local clients", zap.String("path", path))
	s.wg.Add(1)
	go s.serve()
	return nil
}

// Addr returns the socket path.
func (s *Server) Addr() string { return s.cfg.Path() }

// Close stops accepting clients and disconnects the connected ones.
func (s *Server) Close() error {
	if s.ln == nil {
		return nil
	}
	s.cancel()
	err := s.ln.Close()
	s.wg.Wait()
	s.ln = nil
	return err
}

func (s *Server) serve() {
	defer s.wg.Done()
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			select {
			case <-s.ctx.Done():
				return
			default:
			}
			s.log.Error("Accept failed", zap.Error(err))
			return
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handle(conn)
		}()
	}
}

// session is one connected client.
type session struct {
	s       *Server
	conn    net.Conn
	log     *zap.Logger
	id      string
	name    string
	cred    Credentials
	user    string
	trusted bool

	wmu sync.Mutex

	kinds bus.Kind
	sub   *bus.Subscription
}

func (s *Server) handle(conn net.Conn) {
	defer conn.Close()

	cred, err := s.creds(conn)
	if err != nil {
		s.connections.WithLabelValues("rejected").Inc()
		s.log.Warn("Could not read client credentials", zap.Error(err))
		return
	}
	c := &session{
		s:       s,
		conn:    conn,
		id:      uuid.NewString(),
		cred:    cred,
		user:    username(cred.UID),
		trusted: s.auth.trusted(cred),
	}
	if err := c.register(); err != nil {
		s.connections.WithLabelValues("rejected").Inc()
		s.log.Warn("Client failed to register",
			zap.Int32("pid", cred.PID),
			zap.Uint32("uid", cred.UID),
			zap.Error(err))
		return
	}
	s.connections.WithLabelValues("accepted").Inc()
	s.clients.Inc()
	defer s.clients.Dec()

	c.log.Debug("Client connected", zap.Bool("trusted", c.trusted))
	err = c.run(s.ctx)
	if c.sub != nil {
		s.bus.Unsubscribe(c.sub.ID)
	}
	if err != nil && err != io.EOF && s.ctx.Err() == nil {
		c.log.Info("Client disconnected", zap.Error(err))
		return
	}
	c.log.Debug("Client disconnected")
}

// register waits for the client's register request and answers it with
// the client's id.
func (c *session) register() error {
	if err := c.conn.SetReadDeadline(time.Now().Add(time.Duration(c.s.cfg.AuthTimeout))); err != nil {
		return err
	}
	msg, err := ReadMessage(c.conn, int(c.s.cfg.MaxFrameSize))
	if err != nil {
		return err
	}
	if err := c.conn.SetReadDeadline(time.Time{}); err != nil {
		return err
	}
	if msg.Op() != OpRegister {
		err := &ierrors.Error{Code: ierrors.EInvalid, Op: OpRegister, Msg: "expected register, got " + msg.Op()}
		_ = c.write(msg.Reply(err))
		return err
	}

	c.name = msg.Get(cib.FieldClientName)
	if c.name == "" {
		c.name = strconv.Itoa(int(c.cred.PID))
	}
	c.log = c.s.log.With(zap.String("client", c.name), zap.String("client_id", c.id))

	r := msg.Reply(nil)
	r.Set(cib.FieldClientID, c.id)
	return c.write(r)
}

// run serves requests until the client goes away or ctx is cancelled.
// Requests of one client are performed in order.
func (c *session) run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(logger.WithContext(ctx, c.log))
	requests := make(chan *cib.Message)

	g.Go(func() error {
		defer close(requests)
		for {
			msg, err := ReadMessage(c.conn, int(c.s.cfg.MaxFrameSize))
			if err != nil {
				return err
			}
			select {
			case requests <- msg:
			case <-ctx.Done():
				return nil
			}
		}
	})
	g.Go(func() error {
		<-ctx.Done()
		return c.conn.Close()
	})
	g.Go(func() error {
		for msg := range requests {
			if err := c.serveRequest(ctx, g, msg); err != nil {
				return err
			}
		}
		return io.EOF
	})
	return g.Wait()
}

func (c *session) serveRequest(ctx context.Context, g *errgroup.Group, msg *cib.Message) error {
	switch msg.Op() {
	case OpRegister:
		return c.write(msg.Reply(&ierrors.Error{Code: ierrors.EInvalid, Op: OpRegister, Msg: "already registered"}))
	case OpNotify:
		return c.write(msg.Reply(c.notify(ctx, g, msg)))
	}

	if !c.trusted && !readOnly[msg.Op()] {
		return c.write(msg.Reply(&ierrors.Error{
			Code: ierrors.EForbidden,
			Op:   msg.Op(),
			Msg:  "user " + c.user + " may only read",
		}))
	}

	msg.Set(cib.FieldClientID, c.id)
	if msg.Get(cib.FieldClientName) == "" {
		msg.Set(cib.FieldClientName, c.name)
	}
	// Only root and our own user may act on behalf of someone else.
	if msg.Get(cib.FieldUser) == "" || (c.cred.UID != 0 && c.cred.UID != c.s.auth.self) {
		msg.Set(cib.FieldUser, c.user)
	}

	reply, err := c.s.backend.Submit(ctx, msg)
	if err != nil {
		if ctx.Err() != nil {
			c.cancelCall(msg.CallID())
			return ctx.Err()
		}
		reply = msg.Reply(err)
	}
	return c.write(reply)
}

func (c *session) cancelCall(callID int) {
	ctx, cancel := context.WithTimeout(context.Background(), cancelTimeout)
	defer cancel()
	if found, err := c.s.backend.Cancel(ctx, c.id, callID); err != nil {
		c.log.Debug("Could not cancel call", zap.Int("call", callID), zap.Error(err))
	} else if found {
		c.log.Debug("Cancelled call of departed client", zap.Int("call", callID))
	}
}

// notify turns one notification kind on or off, replacing the client's
// subscription.
func (c *session) notify(ctx context.Context, g *errgroup.Group, msg *cib.Message) error {
	kind, ok := bus.ParseKind(msg.Get(cib.FieldNotifyType))
	if !ok {
		return &ierrors.Error{Code: ierrors.EInvalid, Op: OpNotify, Msg: "unknown notification type " + msg.Get(cib.FieldNotifyType)}
	}
	kinds := c.kinds &^ kind
	if msg.GetBool(FieldNotifyActivate) {
		kinds |= kind
	}
	if kinds == c.kinds {
		return nil
	}

	var sub *bus.Subscription
	if kinds != 0 {
		var err error
		sub, err = c.s.bus.Subscribe(c.name, c.trusted, c.s.cfg.Watermark, kinds)
		if err != nil {
			return err
		}
	}
	if c.sub != nil {
		c.s.bus.Unsubscribe(c.sub.ID)
	}
	c.sub, c.kinds = sub, kinds
	if sub != nil {
		g.Go(func() error { return c.forward(ctx, sub) })
	}
	return nil
}

// forward relays a subscription's events until it ends.
func (c *session) forward(ctx context.Context, sub *bus.Subscription) error {
	for {
		select {
		case ev, ok := <-sub.C():
			if !ok {
				if sub.Evicted() {
					c.log.Warn("Client fell behind on notifications, disconnecting",
						zap.Int("watermark", sub.Watermark))
					return &ierrors.Error{Code: ierrors.EUnavailable, Op: OpNotify, Msg: "notification backlog exceeded"}
				}
				return nil
			}
			if err := c.write(notification(ev, c.trusted)); err != nil {
				return err
			}
		case <-ctx.Done():
			return nil
		}
	}
}

func (c *session) write(m *cib.Message) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	return WriteMessage(c.conn, m)
}

// notification renders an event for a client. Untrusted clients get no
// document content.
func notification(ev bus.Event, trusted bool) *cib.Message {
	m := cib.NewMessage(OpNotify)
	m.Set(cib.FieldNotifyType, ev.Kind.String())
	m.Set(cib.FieldOriginalOp, ev.Op)

	switch ev.Kind {
	case bus.KindPreModify:
		m.Set(cib.FieldSection, ev.Section)
		if !ev.Input.IsZero() {
			m.SetData(ev.Input)
		}
	case bus.KindPostModify:
		m.SetErr(ev.Err)
		m.Set(cib.FieldDigest, ev.Digest)
		if trusted {
			setPatchset(m, ev.Patchset)
		}
	case bus.KindDiff:
		setPatchset(m, ev.Patchset)
	case bus.KindReplace:
		if ev.Document != nil {
			v := cib.VersionOf(ev.Document.Root())
			m.Set(cib.AttrAdminEpoch, strconv.Itoa(v.AdminEpoch))
			m.Set(cib.AttrEpoch, strconv.Itoa(v.Epoch))
			m.Set(cib.AttrNumUpdates, strconv.Itoa(v.NumUpdates))
		}
	case bus.KindShutdown:
		m.SetErr(ev.Err)
	}
	return m
}

func setPatchset(m *cib.Message, p *patchset.Patchset) {
	if p == nil {
		return
	}
	doc, err := patchset.Encode(p)
	if err != nil {
		return
	}
	m.SetUpdateResult(doc.Root())
}
