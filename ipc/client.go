package ipc

import (
	"context"
	"net"
	"sync"
	"time"

	cib "github.com/clusterlabs/cibd"
	"github.com/clusterlabs/cibd/bus"
	ierrors "github.com/clusterlabs/cibd/kit/platform/errors"
	"github.com/clusterlabs/cibd/tree"
)

// Client is a connection to a local cibd.
type Client struct {
	conn net.Conn
	name string
	id   string

	wmu sync.Mutex

	mu      sync.Mutex
	nextID  int
	pending map[int]chan *cib.Message
	err     error

	notes chan *cib.Message
	done  chan struct{}
}

// Dial connects to the socket at path and registers as name.
func Dial(ctx context.Context, path, name string) (*Client, error) {
	const op = "ipc.Dial"

	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", path)
	if err != nil {
		return nil, &ierrors.Error{Code: ierrors.EUnavailable, Op: op, Msg: "could not connect to " + path, Err: err}
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	reg := cib.NewMessage(OpRegister)
	reg.Set(cib.FieldClientName, name)
	if err := WriteMessage(conn, reg); err != nil {
		conn.Close()
		return nil, &ierrors.Error{Code: ierrors.EUnavailable, Op: op, Err: err}
	}
	r, err := ReadMessage(conn, DefaultMaxFrameSize)
	if err != nil {
		conn.Close()
		return nil, &ierrors.Error{Code: ierrors.EUnavailable, Op: op, Msg: "no register reply", Err: err}
	}
	if err := r.Err(); err != nil {
		conn.Close()
		return nil, err
	}
	_ = conn.SetDeadline(time.Time{})

	c := &Client{
		conn:    conn,
		name:    name,
		id:      r.ClientID(),
		pending: make(map[int]chan *cib.Message),
		notes:   make(chan *cib.Message, DefaultWatermark),
		done:    make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

// ID returns the client id the server assigned.
func (c *Client) ID() string { return c.id }

// Notifications returns the channel notifications are delivered on. It is
// closed when the connection ends. Notifications arriving while the
// channel is full are dropped.
func (c *Client) Notifications() <-chan *cib.Message { return c.notes }

// Done is closed when the connection ends.
func (c *Client) Done() <-chan struct{} { return c.done }

// Do sends a request and waits for its reply. A reply carrying a non-zero
// return code is returned together with the matching error.
func (c *Client) Do(ctx context.Context, msg *cib.Message) (*cib.Message, error) {
	c.mu.Lock()
	if c.err != nil {
		err := c.err
		c.mu.Unlock()
		return nil, err
	}
	c.nextID++
	callID := c.nextID
	ch := make(chan *cib.Message, 1)
	c.pending[callID] = ch
	c.mu.Unlock()

	msg.SetInt(cib.FieldCallID, callID)
	msg.Set(cib.FieldClientID, c.id)
	if msg.Get(cib.FieldClientName) == "" {
		msg.Set(cib.FieldClientName, c.name)
	}
	if deadline, ok := ctx.Deadline(); ok && msg.Get(cib.FieldTimeout) == "" {
		if secs := int(time.Until(deadline) / time.Second); secs > 0 {
			msg.SetInt(cib.FieldTimeout, secs)
		}
	}

	c.wmu.Lock()
	err := WriteMessage(c.conn, msg)
	c.wmu.Unlock()
	if err != nil {
		c.forget(callID)
		return nil, &ierrors.Error{Code: ierrors.EUnavailable, Op: msg.Op(), Err: err}
	}

	select {
	case r, ok := <-ch:
		if !ok {
			return nil, c.closeErr()
		}
		return r, r.Err()
	case <-ctx.Done():
		c.forget(callID)
		return nil, &ierrors.Error{Code: ierrors.ETimeout, Op: msg.Op(), Err: ctx.Err()}
	}
}

// Call builds a request for op and performs it.
func (c *Client) Call(ctx context.Context, op, section string, opts cib.CallOptions, data tree.Node) (*cib.Message, error) {
	msg := cib.NewMessage(op)
	msg.Set(cib.FieldSection, section)
	if opts != cib.CallNone {
		msg.SetOptions(opts)
	}
	if !data.IsZero() {
		msg.SetData(data)
	}
	return c.Do(ctx, msg)
}

// Subscribe turns delivery of one notification kind on or off.
func (c *Client) Subscribe(ctx context.Context, kind bus.Kind, on bool) error {
	msg := cib.NewMessage(OpNotify)
	msg.Set(cib.FieldNotifyType, kind.String())
	msg.SetBool(FieldNotifyActivate, on)
	_, err := c.Do(ctx, msg)
	return err
}

// Close ends the connection.
func (c *Client) Close() error {
	err := c.conn.Close()
	<-c.done
	return err
}

func (c *Client) forget(callID int) {
	c.mu.Lock()
	delete(c.pending, callID)
	c.mu.Unlock()
}

func (c *Client) closeErr() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *Client) readLoop() {
	var err error
	defer func() {
		c.mu.Lock()
		c.err = &ierrors.Error{Code: ierrors.EUnavailable, Op: "ipc.Client", Msg: "connection closed", Err: err}
		for id, ch := range c.pending {
			close(ch)
			delete(c.pending, id)
		}
		c.mu.Unlock()
		close(c.notes)
		close(c.done)
	}()

	for {
		var m *cib.Message
		m, err = ReadMessage(c.conn, DefaultMaxFrameSize)
		if err != nil {
			return
		}
		if !m.IsReply() {
			if m.Op() == OpNotify {
				select {
				case c.notes <- m:
				default:
				}
			}
			continue
		}
		c.mu.Lock()
		ch, ok := c.pending[m.CallID()]
		delete(c.pending, m.CallID())
		c.mu.Unlock()
		if ok {
			ch <- m
		}
	}
}
