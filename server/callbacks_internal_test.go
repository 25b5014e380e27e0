package server

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	cib "github.com/clusterlabs/cibd"
)

func TestCallbacks(t *testing.T) {
	base := time.Unix(1000, 0)
	c := newCallbacks()
	add := func(ref, client string, call int, target string, after time.Duration) {
		c.add(&pending{
			ref:      ref,
			clientID: client,
			callID:   call,
			target:   target,
			deadline: base.Add(after),
			request:  cib.NewMessage(cib.OpCreate),
		})
	}
	add("r1", "c1", 1, "a", 3*time.Second)
	add("r2", "c1", 2, "b", time.Second)
	add("r3", "c2", 1, "a", 2*time.Second)
	add("r4", "c2", 2, "b", 2*time.Second)
	require.Equal(t, 4, c.len())

	p, ok := c.cancel("c2", 2)
	require.True(t, ok)
	require.Equal(t, "r4", p.ref)
	_, ok = c.cancel("c2", 2)
	require.False(t, ok)

	expired := c.expire(base.Add(2 * time.Second))
	require.Len(t, expired, 2)
	require.Equal(t, "r2", expired[0].ref, "earliest deadline first")
	require.Equal(t, "r3", expired[1].ref)

	add("r5", "c3", 1, "a", 10*time.Second)
	lost := c.sentTo("a")
	require.Len(t, lost, 2)
	require.Equal(t, 0, c.len())

	_, ok = c.take("r1")
	require.False(t, ok)
}

func TestCallbacks_ReplaceSameReference(t *testing.T) {
	base := time.Unix(1000, 0)
	c := newCallbacks()
	c.add(&pending{ref: "r1", deadline: base.Add(time.Second)})
	c.add(&pending{ref: "r1", deadline: base.Add(time.Hour)})
	require.Equal(t, 1, c.len())
	require.Empty(t, c.expire(base.Add(time.Minute)))

	p, ok := c.take("r1")
	require.True(t, ok)
	require.Equal(t, base.Add(time.Hour), p.deadline)
}
