package client

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mistakeknot/supportline/internal/core"
)

// fakeConn is an in-memory Conn. The test plays the relay through in/out.
type fakeConn struct {
	in     chan core.Frame
	out    chan core.Request
	closed chan struct{}
	once   sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		in:     make(chan core.Frame, 16),
		out:    make(chan core.Request, 16),
		closed: make(chan struct{}),
	}
}

func (c *fakeConn) Read(ctx context.Context) (core.Frame, error) {
	select {
	case f := <-c.in:
		return f, nil
	case <-c.closed:
		return core.Frame{}, errors.New("fake conn closed")
	case <-ctx.Done():
		return core.Frame{}, ctx.Err()
	}
}

func (c *fakeConn) Write(ctx context.Context, req core.Request) error {
	select {
	case <-c.closed:
		return errors.New("fake conn closed")
	default:
	}
	select {
	case c.out <- req:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *fakeConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

// push delivers a relay event.
func (c *fakeConn) push(t *testing.T, typ core.EventType, payload any) {
	t.Helper()
	f, err := core.EventFrame(core.Event{Type: typ, Payload: payload})
	require.NoError(t, err)
	c.in <- f
}

// next returns the next request the client wrote.
func (c *fakeConn) next(t *testing.T) core.Request {
	t.Helper()
	select {
	case req := <-c.out:
		return req
	case <-time.After(2 * time.Second):
		t.Fatal("no request written")
		return core.Request{}
	}
}

func (c *fakeConn) reply(t *testing.T, req core.Request, payload any, err error) {
	t.Helper()
	f, ferr := core.ReplyFrame(req.ID, payload, err)
	require.NoError(t, ferr)
	c.in <- f
}

// fakeDialer hands out fakeConns already carrying session:init. Errors
// queued with failNext are returned by the next dials instead.
type fakeDialer struct {
	mu    sync.Mutex
	conns []*fakeConn
	ids   []Identity
	errs  []error
	dials atomic.Int32
}

func (d *fakeDialer) Dial(ctx context.Context, id Identity) (Conn, error) {
	d.dials.Add(1)
	d.mu.Lock()
	defer d.mu.Unlock()
	d.ids = append(d.ids, id)
	if len(d.errs) > 0 {
		err := d.errs[0]
		d.errs = d.errs[1:]
		return nil, err
	}
	conn := newFakeConn()
	si := core.SessionInit{Role: id.Role, SessionID: id.SessionID}
	if id.Role == core.RoleAgent {
		si.AgentID = "agent-" + id.Token
		si.SessionID = "s-" + id.Token
	} else if id.SessionID == "" {
		si.SessionID = "minted"
	}
	raw, _ := json.Marshal(si)
	conn.in <- core.Frame{Type: string(core.EventSessionInit), Payload: raw}
	d.conns = append(d.conns, conn)
	return conn, nil
}

func (d *fakeDialer) failNext(errs ...error) {
	d.mu.Lock()
	d.errs = append(d.errs, errs...)
	d.mu.Unlock()
}

func (d *fakeDialer) conn(i int) *fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.conns[i]
}

func (d *fakeDialer) count() int {
	return int(d.dials.Load())
}

func fastOptions() ChannelOptions {
	return ChannelOptions{
		RequestTimeout:    300 * time.Millisecond,
		HeartbeatInterval: -1,
		Policy:            &Policy{InitialInterval: 10 * time.Millisecond, MaxInterval: 50 * time.Millisecond, Multiplier: 2},
	}
}
