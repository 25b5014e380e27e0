package bus_test

import (
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/clusterlabs/cibd/bus"
	ierrors "github.com/clusterlabs/cibd/kit/platform/errors"
	"github.com/clusterlabs/cibd/kit/prom/promtest"
)

func TestBus_FIFO(t *testing.T) {
	t.Parallel()

	b := bus.New(zaptest.NewLogger(t))
	s, err := b.Subscribe("crmd", true, 10, bus.KindPostModify|bus.KindReplace)
	require.NoError(t, err)

	b.Publish(bus.Event{Kind: bus.KindPostModify, Op: "create"})
	b.Publish(bus.Event{Kind: bus.KindPreModify, Op: "ignored"})
	b.Publish(bus.Event{Kind: bus.KindPostModify, Op: "modify"})
	b.Publish(bus.Event{Kind: bus.KindReplace, Op: "replace"})

	var ops []string
	for i := 0; i < 3; i++ {
		ops = append(ops, (<-s.C()).Op)
	}
	require.Equal(t, []string{"create", "modify", "replace"}, ops)
	require.Len(t, s.C(), 0)

	b.Unsubscribe(s.ID)
	_, ok := <-s.C()
	require.False(t, ok)
	require.False(t, s.Evicted())
	b.Unsubscribe(s.ID)
}

func TestBus_Eviction(t *testing.T) {
	t.Parallel()

	b := bus.New(zaptest.NewLogger(t))
	slow, err := b.Subscribe("slow", true, 2, bus.KindAll)
	require.NoError(t, err)
	fast, err := b.Subscribe("fast", true, 10, bus.KindAll)
	require.NoError(t, err)
	require.Equal(t, 2, b.Len())

	for i := 0; i < 3; i++ {
		b.Publish(bus.Event{Kind: bus.KindDiff})
	}

	require.True(t, slow.Evicted())
	n := 0
	for range slow.C() {
		n++
	}
	require.Equal(t, 2, n)

	require.False(t, fast.Evicted())
	require.Len(t, fast.C(), 3)
	require.Equal(t, 1, b.Len())

	mfs := promtest.MustGather(t, b.PrometheusCollectors()...)
	require.Equal(t, float64(1), promtest.CounterValue(t, mfs, "cibd_bus_evictions_total", nil))
	require.Equal(t, float64(1), promtest.CounterValue(t, mfs, "cibd_bus_subscribers", nil))
	require.Equal(t, float64(3), promtest.CounterValue(t, mfs, "cibd_bus_events_published_total", map[string]string{"kind": "diff"}))
}

func TestBus_Subscribe(t *testing.T) {
	t.Parallel()

	b := bus.New(nil)

	_, err := b.Subscribe("anon", false, 0, bus.KindDiff)
	require.Equal(t, ierrors.EForbidden, ierrors.ErrorCode(err))

	_, err = b.Subscribe("nothing", true, 0, 0)
	require.Equal(t, ierrors.EInvalid, ierrors.ErrorCode(err))

	s, err := b.Subscribe("anon", false, 0, bus.KindPostModify|bus.KindShutdown)
	require.NoError(t, err)
	require.Equal(t, bus.DefaultWatermark, s.Watermark)
	require.Equal(t, "post-modify|shutdown", s.Kinds.String())

	k, ok := bus.ParseKind("replace")
	require.True(t, ok)
	require.Equal(t, bus.KindReplace, k)
	_, ok = bus.ParseKind("bogus")
	require.False(t, ok)

	b.Close()
	_, ok = <-s.C()
	require.False(t, ok)
	require.Equal(t, 0, b.Len())
}
