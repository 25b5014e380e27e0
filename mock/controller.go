package mock

import (
	"sync"

	"github.com/clusterlabs/cibd/patchset"
	"github.com/clusterlabs/cibd/transition"
)

var _ transition.Controller = (*Controller)(nil)

// Restart is one recorded RestartTransition call.
type Restart struct {
	Reason string
	Change *patchset.Change
}

// Controller is a mock transition.Controller. Calls are recorded; the Fn
// fields answer the queries and default to "nothing outstanding".
type Controller struct {
	GraphInFlightFn func() bool
	ConfirmCancelFn func(opKey, nodeID string) bool
	DownPendingFn   func(nodeID string) bool

	mu       sync.Mutex
	restarts []Restart
	events   []transition.RscOp
}

// NewController returns a controller with no graph in flight, no pending
// cancels and no expected node downs.
func NewController() *Controller {
	return &Controller{
		GraphInFlightFn: func() bool { return false },
		ConfirmCancelFn: func(string, string) bool { return false },
		DownPendingFn:   func(string) bool { return false },
	}
}

func (c *Controller) RestartTransition(reason string, change *patchset.Change) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.restarts = append(c.restarts, Restart{Reason: reason, Change: change})
}

func (c *Controller) GraphEvent(op transition.RscOp) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, op)
}

func (c *Controller) GraphInFlight() bool { return c.GraphInFlightFn() }

func (c *Controller) ConfirmCancel(opKey, nodeID string) bool {
	return c.ConfirmCancelFn(opKey, nodeID)
}

func (c *Controller) DownPending(nodeID string) bool { return c.DownPendingFn(nodeID) }

// Reasons returns the reasons of every restart so far.
func (c *Controller) Reasons() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.restarts))
	for _, r := range c.restarts {
		out = append(out, r.Reason)
	}
	return out
}

// Restarts returns the recorded restarts.
func (c *Controller) Restarts() []Restart {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Restart(nil), c.restarts...)
}

// GraphEvents returns the recorded graph events.
func (c *Controller) GraphEvents() []transition.RscOp {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]transition.RscOp(nil), c.events...)
}
