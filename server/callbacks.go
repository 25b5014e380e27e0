package server

import (
	"time"

	"github.com/google/btree"

	cib "github.com/clusterlabs/cibd"
)

// pending is a request forwarded to another node whose reply has not
// arrived yet.
type pending struct {
	ref      string
	clientID string
	callID   int
	target   string
	deadline time.Time
	seq      uint64
	request  *cib.Message
	reply    func(*cib.Message)
}

// Less orders pending calls by deadline, then by registration order.
func (p *pending) Less(than btree.Item) bool {
	o := than.(*pending)
	if !p.deadline.Equal(o.deadline) {
		return p.deadline.Before(o.deadline)
	}
	return p.seq < o.seq
}

// callbacks is the table of forwarded requests, indexed by message
// reference and ordered by deadline.
type callbacks struct {
	tree  *btree.BTree
	byRef map[string]*pending
	seq   uint64
}

func newCallbacks() *callbacks {
	return &callbacks{
		tree:  btree.New(8),
		byRef: make(map[string]*pending),
	}
}

func (c *callbacks) len() int { return len(c.byRef) }

// add registers p, replacing any call with the same reference.
func (c *callbacks) add(p *pending) {
	if old, ok := c.byRef[p.ref]; ok {
		c.tree.Delete(old)
	}
	c.seq++
	p.seq = c.seq
	c.byRef[p.ref] = p
	c.tree.ReplaceOrInsert(p)
}

// take removes and returns the call with reference ref.
func (c *callbacks) take(ref string) (*pending, bool) {
	p, ok := c.byRef[ref]
	if !ok {
		return nil, false
	}
	delete(c.byRef, ref)
	c.tree.Delete(p)
	return p, true
}

// cancel removes the call a client made with callID.
func (c *callbacks) cancel(clientID string, callID int) (*pending, bool) {
	for ref, p := range c.byRef {
		if p.clientID == clientID && p.callID == callID {
			return c.take(ref)
		}
	}
	return nil, false
}

// expire removes and returns every call whose deadline is not after now,
// earliest first.
func (c *callbacks) expire(now time.Time) []*pending {
	var out []*pending
	c.tree.Ascend(func(i btree.Item) bool {
		p := i.(*pending)
		if p.deadline.After(now) {
			return false
		}
		out = append(out, p)
		return true
	})
	for _, p := range out {
		c.take(p.ref)
	}
	return out
}

// sentTo removes and returns every call forwarded to node.
func (c *callbacks) sentTo(node string) []*pending {
	var out []*pending
	c.tree.Ascend(func(i btree.Item) bool {
		if p := i.(*pending); p.target == node {
			out = append(out, p)
		}
		return true
	})
	for _, p := range out {
		c.take(p.ref)
	}
	return out
}
