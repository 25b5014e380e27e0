package ipc_test

import (
	"bytes"
	"context"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	cib "github.com/clusterlabs/cibd"
	"github.com/clusterlabs/cibd/bus"
	"github.com/clusterlabs/cibd/ipc"
	ierrors "github.com/clusterlabs/cibd/kit/platform/errors"
	"github.com/clusterlabs/cibd/patchset"
	"github.com/clusterlabs/cibd/toml"
)

type cancelled struct {
	clientID string
	callID   int
}

type backend struct {
	mu   sync.Mutex
	seen []*cib.Message

	// block makes Submit wait for the caller to go away.
	block   bool
	started chan struct{}
	cancels chan cancelled
}

func newBackend() *backend {
	return &backend{started: make(chan struct{}, 10), cancels: make(chan cancelled, 10)}
}

func (b *backend) Submit(ctx context.Context, msg *cib.Message) (*cib.Message, error) {
	b.mu.Lock()
	b.seen = append(b.seen, msg.Copy())
	b.mu.Unlock()
	b.started <- struct{}{}
	if b.block {
		<-ctx.Done()
		return nil, &ierrors.Error{Code: ierrors.ETimeout, Err: ctx.Err()}
	}
	r := msg.Reply(nil)
	r.SetData(cib.Empty(1, "pacemaker-3.0").Root())
	return r, nil
}

func (b *backend) Cancel(ctx context.Context, clientID string, callID int) (bool, error) {
	b.cancels <- cancelled{clientID, callID}
	return true, nil
}

func (b *backend) last(t *testing.T) *cib.Message {
	t.Helper()
	b.mu.Lock()
	defer b.mu.Unlock()
	require.NotEmpty(t, b.seen)
	return b.seen[len(b.seen)-1]
}

func start(t *testing.T, be ipc.Backend, bs *bus.Bus, opts ...ipc.Option) *ipc.Server {
	t.Helper()
	cfg := ipc.NewConfig()
	cfg.SocketDir = t.TempDir()
	cfg.Name = "t"
	cfg.AdminGroup = ""
	cfg.AuthTimeout = toml.Duration(100 * time.Millisecond)
	opts = append([]ipc.Option{ipc.WithLogger(zaptest.NewLogger(t))}, opts...)
	s := ipc.NewServer(cfg, be, bs, opts...)
	require.NoError(t, s.Open())
	t.Cleanup(func() { require.NoError(t, s.Close()) })
	return s
}

func dial(t *testing.T, s *ipc.Server) *ipc.Client {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c, err := ipc.Dial(ctx, s.Addr(), "tester")
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func untrusted(net.Conn) (ipc.Credentials, error) {
	return ipc.Credentials{PID: 1, UID: 4242, GID: 4242}, nil
}

func TestFrame(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, ipc.WriteFrame(&buf, []byte("<cib-command/>")))
	require.Equal(t, []byte{0, 0, 0, 14}, buf.Bytes()[:4])

	b, err := ipc.ReadFrame(bytes.NewReader(buf.Bytes()), 0)
	require.NoError(t, err)
	require.Equal(t, "<cib-command/>", string(b))

	_, err = ipc.ReadFrame(bytes.NewReader(buf.Bytes()), 8)
	require.Equal(t, ierrors.ETooLarge, ierrors.ErrorCode(err))

	_, err = ipc.ReadFrame(bytes.NewReader(buf.Bytes()[:10]), 0)
	require.Error(t, err, "truncated payload")
}

func TestServer_Call(t *testing.T) {
	be := newBackend()
	s := start(t, be, bus.New(zaptest.NewLogger(t)))
	c := dial(t, s)
	require.NotEmpty(t, c.ID())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	r, err := c.Call(ctx, cib.OpQuery, "configuration", cib.CallNone, cib.Empty(0, "").Root())
	require.NoError(t, err)
	require.Equal(t, "cib", r.Data().Name())
	require.Equal(t, 1, r.CallID())

	got := be.last(t)
	require.Equal(t, c.ID(), got.ClientID())
	require.Equal(t, "tester", got.Get(cib.FieldClientName))
	require.NotEmpty(t, got.Get(cib.FieldUser))
	require.Equal(t, "configuration", got.Section())

	_, err = c.Call(ctx, ipc.OpRegister, "", cib.CallNone, cib.Empty(0, "").Root())
	require.Error(t, err, "a second register is refused")
}

func TestServer_UntrustedClientsMayOnlyRead(t *testing.T) {
	be := newBackend()
	s := start(t, be, bus.New(zaptest.NewLogger(t)), ipc.WithCredentials(untrusted))
	c := dial(t, s)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := c.Call(ctx, cib.OpQuery, "", cib.CallNone, cib.Empty(0, "").Root())
	require.NoError(t, err)
	require.Equal(t, "4242", be.last(t).Get(cib.FieldUser))

	r, err := c.Call(ctx, cib.OpModify, "status", cib.CallNone, cib.Empty(0, "").Root())
	require.Equal(t, ierrors.EForbidden, ierrors.ErrorCode(err))
	require.True(t, r.IsReply())

	require.Equal(t, ierrors.EForbidden, ierrors.ErrorCode(c.Subscribe(ctx, bus.KindDiff, true)))
	require.NoError(t, c.Subscribe(ctx, bus.KindPostModify, true))
}

func TestServer_Notifications(t *testing.T) {
	bs := bus.New(zaptest.NewLogger(t))
	s := start(t, newBackend(), bs)
	c := dial(t, s)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, c.Subscribe(ctx, bus.KindDiff, true))
	require.Equal(t, 1, bs.Len())

	prev := cib.Empty(1, "pacemaker-3.0")
	next := prev.Copy()
	res, err := next.SelectFirst("/cib/configuration/resources")
	require.NoError(t, err)
	res.AddChild("primitive").SetAttr("id", "r1")
	p, err := patchset.Create(prev, next, true)
	require.NoError(t, err)

	bs.Publish(bus.Event{Kind: bus.KindPostModify, Op: cib.OpCreate})
	bs.Publish(bus.Event{Kind: bus.KindDiff, Op: cib.OpCreate, Patchset: p})

	select {
	case n := <-c.Notifications():
		require.Equal(t, "diff", n.Get(cib.FieldNotifyType))
		require.Equal(t, cib.OpCreate, n.Get(cib.FieldOriginalOp))
		got, err := patchset.Decode(n.UpdateResult())
		require.NoError(t, err)
		require.Equal(t, p.Target, got.Target)
	case <-ctx.Done():
		t.Fatal("no notification")
	}

	require.NoError(t, c.Subscribe(ctx, bus.KindDiff, false))
	require.Equal(t, 0, bs.Len())
}

func TestServer_RegisterDeadline(t *testing.T) {
	s := start(t, newBackend(), bus.New(zaptest.NewLogger(t)))

	conn, err := net.Dial("unix", s.Addr())
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))

	_, err = ipc.ReadFrame(conn, 0)
	require.ErrorIs(t, err, io.EOF, "server hangs up on clients that do not register")
}

func TestServer_CancelOnDisconnect(t *testing.T) {
	be := newBackend()
	be.block = true
	s := start(t, be, bus.New(zaptest.NewLogger(t)))

	conn, err := net.Dial("unix", s.Addr())
	require.NoError(t, err)
	reg := cib.NewMessage(ipc.OpRegister)
	require.NoError(t, ipc.WriteMessage(conn, reg))
	r, err := ipc.ReadMessage(conn, 0)
	require.NoError(t, err)
	id := r.ClientID()
	require.NotEmpty(t, id)

	req := cib.NewMessage(cib.OpReplace)
	req.SetInt(cib.FieldCallID, 7)
	require.NoError(t, ipc.WriteMessage(conn, req))

	select {
	case <-be.started:
	case <-time.After(5 * time.Second):
		t.Fatal("request never reached the backend")
	}
	require.NoError(t, conn.Close())

	select {
	case got := <-be.cancels:
		require.Equal(t, cancelled{clientID: id, callID: 7}, got)
	case <-time.After(5 * time.Second):
		t.Fatal("call was not cancelled")
	}
}
