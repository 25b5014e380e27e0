// Package election picks the primary among the cluster members.
//
// A node starts a round by broadcasting a vote carrying its uptime. A node
// that receives a vote it beats starts a round of its own; one that loses
// answers with a no-vote. The node that collects a no-vote from every other
// member, or whose round times out, has won. Longer uptime wins; equal
// uptimes go to the lexicographically smaller name.
package election

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	ierrors "github.com/clusterlabs/cibd/kit/platform/errors"
	"github.com/clusterlabs/cibd/peer"
	"github.com/clusterlabs/cibd/transport"
	"github.com/clusterlabs/cibd/tree"
)

// State is the local view of the election.
type State int

const (
	StateUnstarted State = iota
	StateInProgress
	StateWon
	StateLost
)

func (s State) String() string {
	switch s {
	case StateUnstarted:
		return "unstarted"
	case StateInProgress:
		return "in-progress"
	case StateWon:
		return "won"
	case StateLost:
		return "lost"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// DefaultTimeout is how long a round waits for no-votes.
const DefaultTimeout = 2 * time.Minute

// MessageRoot is the root element of election messages.
const MessageRoot = "election"

const (
	attrOp     = "op"
	attrFrom   = "from"
	attrTo     = "to"
	attrRound  = "round"
	attrUptime = "uptime-ms"

	opVote   = "vote"
	opNoVote = "no-vote"
)

// Election runs rounds for the local node.
type Election struct {
	mu sync.Mutex

	local     string
	transport transport.Transport
	peers     *peer.Cache
	clock     clock.Clock
	log       *zap.Logger
	started   time.Time

	// Timeout bounds a round; a round that times out is won.
	Timeout time.Duration

	state   State
	round   uint64
	begun   time.Time
	noVotes map[string]bool
	winner  string
}

// Option configures an Election.
type Option func(*Election)

// WithClock sets the clock used for uptime and round timeouts.
func WithClock(c clock.Clock) Option {
	return func(e *Election) { e.clock = c }
}

// WithLogger sets the logger.
func WithLogger(log *zap.Logger) Option {
	return func(e *Election) { e.log = log }
}

// New returns an election for the transport's local node. Uptime counts
// from now.
func New(t transport.Transport, peers *peer.Cache, opts ...Option) *Election {
	e := &Election{
		local:     t.Local().Name,
		transport: t,
		peers:     peers,
		clock:     clock.New(),
		log:       zap.NewNop(),
		Timeout:   DefaultTimeout,
	}
	for _, o := range opts {
		o(e)
	}
	e.log = e.log.With(zap.String("service", "election"))
	e.started = e.clock.Now()
	return e
}

// State returns the current state.
func (e *Election) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Winner returns the name of the node known to have won the last round.
func (e *Election) Winner() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.winner
}

func (e *Election) uptime() time.Duration {
	return e.clock.Since(e.started)
}

// Vote starts a new round.
func (e *Election) Vote(ctx context.Context) (State, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.voteLocked(ctx)
}

func (e *Election) voteLocked(ctx context.Context) (State, error) {
	e.round++
	e.state = StateInProgress
	e.begun = e.clock.Now()
	e.noVotes = map[string]bool{}
	e.winner = ""

	e.log.Debug("Starting election round", zap.Uint64("round", e.round))
	if e.checkLocked() {
		return e.state, nil
	}
	msg := e.message(opVote, "", e.round)
	if err := e.transport.Broadcast(ctx, msg.Bytes()); err != nil {
		return e.state, err
	}
	return e.state, nil
}

func (e *Election) message(op, to string, round uint64) *tree.Document {
	doc := tree.New(MessageRoot)
	root := doc.Root()
	root.SetAttr(attrOp, op)
	root.SetAttr(attrFrom, e.local)
	if to != "" {
		root.SetAttr(attrTo, to)
	}
	root.SetAttr(attrRound, strconv.FormatUint(round, 10))
	root.SetAttr(attrUptime, strconv.FormatInt(e.uptime().Milliseconds(), 10))
	return doc
}

// IsMessage reports whether doc is an election message.
func IsMessage(doc *tree.Document) bool {
	return doc.Root().Name() == MessageRoot
}

// Observe processes an election message from a peer and returns the
// resulting state.
func (e *Election) Observe(ctx context.Context, doc *tree.Document) (State, error) {
	const op = "election.Observe"

	root := doc.Root()
	if root.Name() != MessageRoot {
		return e.State(), &ierrors.Error{Code: ierrors.EInvalid, Op: op, Msg: "not an election message: <" + root.Name() + ">"}
	}
	from := root.Attr(attrFrom)
	round, err := strconv.ParseUint(root.Attr(attrRound), 10, 64)
	if err != nil || from == "" {
		return e.State(), &ierrors.Error{Code: ierrors.EInvalid, Op: op, Msg: "malformed election message", Err: err}
	}
	uptimeMS, _ := strconv.ParseInt(root.Attr(attrUptime), 10, 64)
	theirs := time.Duration(uptimeMS) * time.Millisecond

	e.mu.Lock()
	defer e.mu.Unlock()

	if from == e.local {
		return e.state, nil
	}
	if to := root.Attr(attrTo); to != "" && to != e.local {
		return e.state, nil
	}

	switch root.Attr(attrOp) {
	case opVote:
		if e.beats(theirs, from) {
			if e.state == StateInProgress {
				return e.state, nil
			}
			e.log.Info("Contesting election", zap.String("from", from))
			return e.voteLocked(ctx)
		}
		e.state = StateLost
		e.winner = from
		reply := e.message(opNoVote, from, round)
		if err := e.transport.Unicast(ctx, from, reply.Bytes()); err != nil {
			return e.state, err
		}
		return e.state, nil

	case opNoVote:
		if e.state != StateInProgress || round != e.round {
			return e.state, nil
		}
		e.noVotes[from] = true
		e.checkLocked()
		return e.state, nil
	}
	return e.state, &ierrors.Error{Code: ierrors.EInvalid, Op: op, Msg: "unknown election op " + root.Attr(attrOp)}
}

// beats reports whether the local node wins against a peer.
func (e *Election) beats(theirs time.Duration, name string) bool {
	ours := e.uptime()
	if ours != theirs {
		return ours > theirs
	}
	return e.local < name
}

// Check re-evaluates a round in progress after membership changes or time
// passing, and returns the state.
func (e *Election) Check() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.checkLocked()
	return e.state
}

func (e *Election) checkLocked() bool {
	if e.state != StateInProgress {
		return false
	}
	if e.clock.Since(e.begun) >= e.Timeout {
		e.log.Warn("Election round timed out, assuming victory", zap.Uint64("round", e.round))
		e.winLocked()
		return true
	}
	for _, m := range e.peers.Members() {
		if m.Name != e.local && !e.noVotes[m.Name] {
			return false
		}
	}
	e.winLocked()
	return true
}

func (e *Election) winLocked() {
	e.state = StateWon
	e.winner = e.local
	e.log.Info("Won election", zap.Uint64("round", e.round))
}

// Reset forgets the outcome, for instance when the primary is lost.
func (e *Election) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.state = StateUnstarted
	e.winner = ""
	e.noVotes = nil
}
