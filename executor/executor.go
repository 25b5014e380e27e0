// Package executor runs alert agents on behalf of the daemon.
//
// Agents are registered once by id and then invoked with a parameter map
// that becomes the agent's environment, on top of the daemon's own. Calls
// for the same id never overlap: each id has its own queue, and a call
// starts only after the previous one for that id has completed.
package executor

import (
	"context"
	"fmt"
	"time"
)

// Well-known agent exit codes.
const (
	RCOK      = 0
	RCError   = 1
	RCTimeout = 124
	RCNoAgent = 127
)

// EnvPrefix starts the name of every variable the daemon itself passes to
// an alert agent.
const EnvPrefix = "CRM_alert_"

// ResourceInfo describes a registered agent.
type ResourceInfo struct {
	ID       string
	Class    string
	Provider string
	Path     string
}

// EventType is the kind of an executor event.
type EventType int

const (
	EventExecComplete EventType = iota + 1
	EventDisconnected
)

func (t EventType) String() string {
	switch t {
	case EventExecComplete:
		return "exec-complete"
	case EventDisconnected:
		return "disconnected"
	}
	return fmt.Sprintf("EventType(%d)", int(t))
}

// Event reports a finished call or the loss of the executor.
type Event struct {
	Type     EventType
	CallID   int
	ID       string
	RC       int
	Output   string
	Duration time.Duration
	Err      error
}

//go:generate mockgen -package mock -destination ../mock/executor_mock.go github.com/clusterlabs/cibd/executor Executor

// Executor runs agents. Implementations must serialize calls per id.
type Executor interface {
	Register(ctx context.Context, id, class, provider, path string) (ResourceInfo, error)
	Info(id string) (ResourceInfo, bool)
	ExecAlert(ctx context.Context, id string, timeout time.Duration, params map[string]string) (int, error)
	Events() <-chan Event
	Close() error
}
