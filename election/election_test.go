package election_test

import (
	"context"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/require"

	"github.com/clusterlabs/cibd/election"
	"github.com/clusterlabs/cibd/peer"
	"github.com/clusterlabs/cibd/transport"
	"github.com/clusterlabs/cibd/tree"
)

type node struct {
	ep *transport.Endpoint
	el *election.Election
}

// cluster joins every name to a hub. Each node is created one second after
// the previous one, so earlier names have longer uptimes unless same is set.
func cluster(t *testing.T, mock *clock.Mock, same bool, names ...string) map[string]*node {
	t.Helper()
	hub := transport.NewHub()
	out := make(map[string]*node)
	eps := make(map[string]*transport.Endpoint)
	for _, name := range names {
		eps[name] = hub.Join(name)
	}
	for _, name := range names {
		cache := peer.NewCache(mock)
		for _, other := range names {
			cache.Up(eps[other].Local())
		}
		out[name] = &node{ep: eps[name], el: election.New(eps[name], cache, election.WithClock(mock))}
		if !same {
			mock.Add(time.Second)
		}
	}
	return out
}

// settle delivers queued election messages until every node is idle.
func settle(t *testing.T, nodes map[string]*node) {
	t.Helper()
	ctx := context.Background()
	for progress := true; progress; {
		progress = false
		for _, n := range nodes {
			for more := true; more; {
				select {
				case ev := <-n.ep.Events():
					if ev.Type != transport.EventMessage {
						continue
					}
					doc, err := tree.Parse(ev.Payload)
					require.NoError(t, err)
					require.True(t, election.IsMessage(doc))
					_, err = n.el.Observe(ctx, doc)
					require.NoError(t, err)
					progress = true
				default:
					more = false
				}
			}
		}
	}
}

func TestElection_LongestUptimeWins(t *testing.T) {
	t.Parallel()

	mock := clock.NewMock()
	nodes := cluster(t, mock, false, "a", "b", "c")

	state, err := nodes["c"].el.Vote(context.Background())
	require.NoError(t, err)
	require.Equal(t, election.StateInProgress, state)

	settle(t, nodes)
	require.Equal(t, election.StateWon, nodes["a"].el.State())
	require.Equal(t, election.StateLost, nodes["b"].el.State())
	require.Equal(t, election.StateLost, nodes["c"].el.State())
	require.Equal(t, "a", nodes["b"].el.Winner())
	require.Equal(t, "a", nodes["a"].el.Winner())
}

func TestElection_TieGoesToSmallerName(t *testing.T) {
	t.Parallel()

	mock := clock.NewMock()
	nodes := cluster(t, mock, true, "beta", "alpha")

	_, err := nodes["beta"].el.Vote(context.Background())
	require.NoError(t, err)
	settle(t, nodes)

	require.Equal(t, election.StateWon, nodes["alpha"].el.State())
	require.Equal(t, election.StateLost, nodes["beta"].el.State())
}

func TestElection_Alone(t *testing.T) {
	t.Parallel()

	mock := clock.NewMock()
	nodes := cluster(t, mock, false, "solo")
	state, err := nodes["solo"].el.Vote(context.Background())
	require.NoError(t, err)
	require.Equal(t, election.StateWon, state)
}

func TestElection_Timeout(t *testing.T) {
	t.Parallel()

	mock := clock.NewMock()
	nodes := cluster(t, mock, false, "a", "b")
	a := nodes["a"].el

	_, err := a.Vote(context.Background())
	require.NoError(t, err)
	require.Equal(t, election.StateInProgress, a.Check())

	mock.Add(election.DefaultTimeout)
	require.Equal(t, election.StateWon, a.Check())

	a.Reset()
	require.Equal(t, election.StateUnstarted, a.State())
	require.Empty(t, a.Winner())
}

func TestElection_Malformed(t *testing.T) {
	t.Parallel()

	mock := clock.NewMock()
	nodes := cluster(t, mock, false, "a")
	el := nodes["a"].el
	ctx := context.Background()

	_, err := el.Observe(ctx, tree.MustParse(`<cib/>`))
	require.Error(t, err)
	_, err = el.Observe(ctx, tree.MustParse(`<election op="vote" from="b"/>`))
	require.Error(t, err)
	_, err = el.Observe(ctx, tree.MustParse(`<election op="shout" from="b" round="1"/>`))
	require.Error(t, err)
}
