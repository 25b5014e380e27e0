// Package peer tracks the cluster nodes this daemon has heard of.
package peer

import (
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/btree"

	"github.com/clusterlabs/cibd/transport"
)

// State is the membership state of a peer.
type State int

const (
	StateLost State = iota
	StateMember
	StateEvicted
)

func (s State) String() string {
	switch s {
	case StateLost:
		return "lost"
	case StateMember:
		return "member"
	case StateEvicted:
		return "evicted"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Flags are per-peer markers.
type Flags uint32

const (
	// FlagShuttingDown is set once the peer asked to leave.
	FlagShuttingDown Flags = 1 << iota

	// FlagPrimary is set on the peer currently acting as primary.
	FlagPrimary
)

// Record is what the cache knows about one peer.
type Record struct {
	ID       uint32
	Name     string
	State    State
	Flags    Flags
	Joined   time.Time
	LastSeen time.Time
}

// Less implements btree.Item.
func (r *Record) Less(than btree.Item) bool {
	o, ok := than.(*Record)
	if !ok {
		return false
	}
	return r.Name < o.Name
}

// Cache holds peer records ordered by name.
type Cache struct {
	mu    sync.RWMutex
	tree  *btree.BTree
	byID  map[uint32]*Record
	clock clock.Clock
}

// NewCache returns an empty cache.
func NewCache(c clock.Clock) *Cache {
	if c == nil {
		c = clock.New()
	}
	return &Cache{
		tree:  btree.New(2),
		byID:  make(map[uint32]*Record),
		clock: c,
	}
}

func (c *Cache) lookup(name string) *Record {
	i := c.tree.Get(&Record{Name: name})
	if i == nil {
		return nil
	}
	return i.(*Record)
}

// Up records that a peer is a member. It returns the updated record and
// whether the peer was previously unknown or not a member.
func (c *Cache) Up(p transport.Peer) (Record, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.clock.Now()
	r := c.lookup(p.Name)
	changed := r == nil || r.State != StateMember
	if r == nil {
		r = &Record{Name: p.Name}
		c.tree.ReplaceOrInsert(r)
	}
	if r.State != StateMember {
		r.Joined = now
		r.Flags &^= FlagShuttingDown
	}
	if r.ID != p.ID {
		delete(c.byID, r.ID)
	}
	r.ID = p.ID
	if p.ID != 0 {
		c.byID[p.ID] = r
	}
	r.State = StateMember
	r.LastSeen = now
	return *r, changed
}

// Seen refreshes the last-seen time of a known peer.
func (c *Cache) Seen(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if r := c.lookup(name); r != nil {
		r.LastSeen = c.clock.Now()
	}
}

// Down marks a peer lost. It reports whether the peer was a member.
func (c *Cache) Down(name string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	r := c.lookup(name)
	if r == nil || r.State != StateMember {
		return false
	}
	r.State = StateLost
	r.Flags &^= FlagPrimary
	return true
}

// Evict removes a peer from the cache and returns its final record.
func (c *Cache) Evict(name string) (Record, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.evictLocked(name)
}

func (c *Cache) evictLocked(name string) (Record, bool) {
	r := c.lookup(name)
	if r == nil {
		return Record{}, false
	}
	c.tree.Delete(r)
	if c.byID[r.ID] == r {
		delete(c.byID, r.ID)
	}
	r.State = StateEvicted
	return *r, true
}

// Reap evicts every lost peer not seen for longer than age.
func (c *Cache) Reap(age time.Duration) []Record {
	c.mu.Lock()
	defer c.mu.Unlock()

	cutoff := c.clock.Now().Add(-age)
	var names []string
	c.tree.Ascend(func(i btree.Item) bool {
		r := i.(*Record)
		if r.State == StateLost && r.LastSeen.Before(cutoff) {
			names = append(names, r.Name)
		}
		return true
	})

	out := make([]Record, 0, len(names))
	for _, name := range names {
		if r, ok := c.evictLocked(name); ok {
			out = append(out, r)
		}
	}
	return out
}

// SetFlags sets f on a peer. Setting FlagPrimary clears it on every other
// peer.
func (c *Cache) SetFlags(name string, f Flags) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	r := c.lookup(name)
	if r == nil {
		return false
	}
	if f&FlagPrimary != 0 {
		c.tree.Ascend(func(i btree.Item) bool {
			i.(*Record).Flags &^= FlagPrimary
			return true
		})
	}
	r.Flags |= f
	return true
}

// ClearFlags clears f on a peer.
func (c *Cache) ClearFlags(name string, f Flags) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if r := c.lookup(name); r != nil {
		r.Flags &^= f
	}
}

// Get returns the record of a peer by name.
func (c *Cache) Get(name string) (Record, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if r := c.lookup(name); r != nil {
		return *r, true
	}
	return Record{}, false
}

// ByID returns the record of a peer by node id.
func (c *Cache) ByID(id uint32) (Record, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if r, ok := c.byID[id]; ok {
		return *r, true
	}
	return Record{}, false
}

// All returns every record ordered by name.
func (c *Cache) All() []Record {
	return c.filter(func(*Record) bool { return true })
}

// Members returns the current members ordered by name.
func (c *Cache) Members() []Record {
	return c.filter(func(r *Record) bool { return r.State == StateMember })
}

// Primary returns the peer flagged primary, if any.
func (c *Cache) Primary() (Record, bool) {
	recs := c.filter(func(r *Record) bool { return r.Flags&FlagPrimary != 0 })
	if len(recs) == 0 {
		return Record{}, false
	}
	return recs[0], true
}

func (c *Cache) filter(keep func(*Record) bool) []Record {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var out []Record
	c.tree.Ascend(func(i btree.Item) bool {
		if r := i.(*Record); keep(r) {
			out = append(out, *r)
		}
		return true
	})
	return out
}

// Len is the number of cached peers in any state.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.tree.Len()
}
