package transport_test

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	ierrors "github.com/clusterlabs/cibd/kit/platform/errors"
	"github.com/clusterlabs/cibd/transport"
)

// next returns the next event of the given type, skipping others.
func next(t *testing.T, ch <-chan transport.Event, typ transport.EventType) transport.Event {
	t.Helper()
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-ch:
			require.True(t, ok, "event stream closed while waiting for %s", typ)
			if ev.Type == typ {
				return ev
			}
		case <-timeout:
			t.Fatalf("timed out waiting for %s", typ)
		}
	}
}

func drain(ch <-chan transport.Event) []transport.Event {
	var out []transport.Event
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, ev)
		default:
			return out
		}
	}
}

func TestHub_Membership(t *testing.T) {
	t.Parallel()

	hub := transport.NewHub()
	a := hub.Join("a")
	b := hub.Join("b")

	require.Equal(t, "a", a.Local().Name)
	require.NotEqual(t, a.Local().ID, b.Local().ID)

	up := next(t, a.Events(), transport.EventPeerUp)
	require.Equal(t, "b", up.Peer.Name)
	up = next(t, b.Events(), transport.EventPeerUp)
	require.Equal(t, "a", up.Peer.Name)

	require.NoError(t, b.Close())
	down := next(t, a.Events(), transport.EventPeerDown)
	require.Equal(t, b.Local(), down.Peer)

	for range b.Events() {
	}
	require.Len(t, hub.Members(), 1)
}

func TestHub_Quorum(t *testing.T) {
	t.Parallel()

	hub := transport.NewHub()
	hub.Expected = 3
	a := hub.Join("a")
	require.Equal(t, []bool{false}, quorumEvents(drain(a.Events())), "one of three has no quorum")

	hub.Join("b")
	require.Equal(t, []bool{true}, quorumEvents(drain(a.Events())))

	hub.Leave("b")
	require.Equal(t, []bool{false}, quorumEvents(drain(a.Events())))
}

func quorumEvents(evs []transport.Event) []bool {
	var out []bool
	for _, ev := range evs {
		if ev.Type == transport.EventQuorum {
			out = append(out, ev.Quorum)
		}
	}
	return out
}

func TestHub_Messages(t *testing.T) {
	t.Parallel()

	hub := transport.NewHub()
	hub.MaxPayload = 128
	a, b, c := hub.Join("a"), hub.Join("b"), hub.Join("c")
	ctx := context.Background()

	big := strings.Repeat("<node id='n1'/>", 500)
	require.NoError(t, a.Broadcast(ctx, []byte(big)))
	for _, e := range []*transport.Endpoint{b, c} {
		msg := next(t, e.Events(), transport.EventMessage)
		require.Equal(t, "a", msg.Peer.Name)
		require.Equal(t, big, string(msg.Payload))
	}
	for _, ev := range drain(a.Events()) {
		require.NotEqual(t, transport.EventMessage, ev.Type, "no echo to the sender")
	}

	require.NoError(t, b.Unicast(ctx, "c", []byte("hi")))
	msg := next(t, c.Events(), transport.EventMessage)
	require.Equal(t, "hi", string(msg.Payload))
	for _, ev := range drain(a.Events()) {
		require.NotEqual(t, transport.EventMessage, ev.Type)
	}

	err := b.Unicast(ctx, "zz", []byte("hi"))
	require.Equal(t, ierrors.EUnavailable, ierrors.ErrorCode(err))

	require.NoError(t, c.Close())
	require.Equal(t, transport.ErrClosed, c.Broadcast(ctx, []byte("x")))
}

func TestHub_Overflow(t *testing.T) {
	t.Parallel()

	hub := transport.NewHub()
	hub.QueueSize = 4
	a := hub.Join("a")
	hub.Join("b")

	var err error
	for i := 0; i < 8 && err == nil; i++ {
		err = a.Broadcast(context.Background(), []byte("x"))
	}
	require.Equal(t, transport.ErrOverflow, err)
}

func TestMesh(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	b := transport.NewMesh(transport.MeshConfig{Name: "b", ID: 2, MaxPayload: 512}, zaptest.NewLogger(t))
	srv := httptest.NewServer(b.Handler())
	defer srv.Close()
	require.NoError(t, b.Open(ctx))

	a := transport.NewMesh(transport.MeshConfig{
		Name:              "a",
		ID:                1,
		Peers:             map[string]string{"b": "ws" + strings.TrimPrefix(srv.URL, "http")},
		MaxPayload:        512,
		ReconnectInterval: 10 * time.Millisecond,
	}, zaptest.NewLogger(t))
	require.NoError(t, a.Open(ctx))

	up := next(t, a.Events(), transport.EventPeerUp)
	require.Equal(t, transport.Peer{ID: 2, Name: "b"}, up.Peer)
	up = next(t, b.Events(), transport.EventPeerUp)
	require.Equal(t, transport.Peer{ID: 1, Name: "a"}, up.Peer)

	payload := strings.Repeat("<nvpair id='x' name='y' value='z'/>", 200)
	require.NoError(t, a.Broadcast(ctx, []byte(payload)))
	msg := next(t, b.Events(), transport.EventMessage)
	require.Equal(t, payload, string(msg.Payload))

	require.NoError(t, b.Unicast(ctx, "a", []byte("ack")))
	msg = next(t, a.Events(), transport.EventMessage)
	require.Equal(t, "ack", string(msg.Payload))

	require.NoError(t, b.Close())
	down := next(t, a.Events(), transport.EventPeerDown)
	require.Equal(t, "b", down.Peer.Name)
	require.NoError(t, a.Close())
}
