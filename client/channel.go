package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/mistakeknot/supportline/internal/core"
)

const (
	DefaultRequestTimeout    = 10 * time.Second
	DefaultHeartbeatInterval = 15 * time.Second

	// AnyEvent subscribes to every push.
	AnyEvent core.EventType = "*"
)

// Identity is what a channel presents to the relay. Visitors present a
// session id; agents present a bearer token.
type Identity struct {
	Role      core.Role
	SessionID string
	Name      string
	Email     string
	Token     string
}

// Conn is one physical connection to the relay.
type Conn interface {
	Read(ctx context.Context) (core.Frame, error)
	Write(ctx context.Context, req core.Request) error
	Close() error
}

// Dialer opens physical connections. Dial returns an error wrapping ErrAuth
// when the credential is rejected.
type Dialer interface {
	Dial(ctx context.Context, id Identity) (Conn, error)
}

// WSDialer dials the relay's websocket endpoints.
type WSDialer struct {
	BaseURL    string
	HTTPClient *http.Client
}

func (d *WSDialer) Dial(ctx context.Context, id Identity) (Conn, error) {
	u, err := url.Parse(strings.TrimRight(d.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	opts := &websocket.DialOptions{HTTPClient: d.HTTPClient}
	switch id.Role {
	case core.RoleVisitor:
		u.Path += "/ws/visitor"
		q := u.Query()
		q.Set("session_id", id.SessionID)
		if id.Name != "" {
			q.Set("name", id.Name)
		}
		if id.Email != "" {
			q.Set("email", id.Email)
		}
		u.RawQuery = q.Encode()
	case core.RoleAgent:
		u.Path += "/ws/agent"
		opts.HTTPHeader = http.Header{"Authorization": []string{"Bearer " + id.Token}}
	default:
		return nil, fmt.Errorf("%w: unknown role %q", core.ErrValidation, id.Role)
	}

	conn, resp, err := websocket.Dial(ctx, u.String(), opts)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			return nil, fmt.Errorf("%w: credential rejected", ErrAuth)
		}
		return nil, transportf("dial %s: %v", u.Path, err)
	}
	conn.SetReadLimit(1 << 20)
	return &wsConn{conn: conn}, nil
}

type wsConn struct {
	conn *websocket.Conn
}

func (c *wsConn) Read(ctx context.Context) (core.Frame, error) {
	var f core.Frame
	err := wsjson.Read(ctx, c.conn, &f)
	return f, err
}

func (c *wsConn) Write(ctx context.Context, req core.Request) error {
	return wsjson.Write(ctx, c.conn, req)
}

func (c *wsConn) Close() error {
	return c.conn.Close(websocket.StatusNormalClosure, "")
}

// Handler receives push frames. Handlers run on the channel's read
// goroutine and must not issue requests on the same channel.
type Handler func(core.Frame)

type ChannelOptions struct {
	RequestTimeout time.Duration
	// HeartbeatInterval applies to agent channels; one heartbeat loop runs
	// per physical channel. Negative disables it.
	HeartbeatInterval time.Duration
	Policy            *Policy
	Logger            *slog.Logger
}

func (o ChannelOptions) withDefaults() ChannelOptions {
	if o.RequestTimeout <= 0 {
		o.RequestTimeout = DefaultRequestTimeout
	}
	if o.HeartbeatInterval == 0 {
		o.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if o.Policy == nil {
		o.Policy = DefaultPolicy()
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}

type reply struct {
	frame core.Frame
	err   error
}

type subscription struct {
	id int
	h  Handler
}

// Channel is a live, self-healing connection for one identity. Requests are
// correlated with replies by id; pushes go to subscribers.
type Channel struct {
	dialer Dialer
	opts   ChannelOptions
	logger *slog.Logger
	key    string

	mu       sync.Mutex
	identity Identity
	hello    core.SessionInit
	conn     Conn
	gen      int
	state    State
	err      error
	ready    chan struct{}
	downAt   time.Time
	attempts int
	visible  bool
	explicit bool
	pending  map[string]chan reply
	subs     map[core.EventType][]subscription
	nextSub  int

	// refs is guarded by the owning Pool's mutex.
	refs int

	wake      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

func newChannel(dialer Dialer, id Identity, opts ChannelOptions) *Channel {
	opts = opts.withDefaults()
	c := &Channel{
		dialer:   dialer,
		opts:     opts,
		identity: id,
		state:    StateConnecting,
		ready:    make(chan struct{}),
		visible:  true,
		pending:  make(map[string]chan reply),
		subs:     make(map[core.EventType][]subscription),
		wake:     make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
	if id.Role == core.RoleAgent {
		c.key = id.Token
	}
	c.logger = opts.Logger.With("component", "client", "role", id.Role)
	return c
}

// start performs the first dial. Failure closes the channel.
func (c *Channel) start(ctx context.Context) error {
	conn, hello, err := c.dial(ctx)
	if err != nil {
		c.mu.Lock()
		c.err = err
		c.mu.Unlock()
		c.Close()
		return err
	}
	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		conn.Close()
		return ErrClosed
	}
	c.attach(conn, hello)
	c.mu.Unlock()

	go c.supervise()
	if c.identity.Role == core.RoleAgent && c.opts.HeartbeatInterval > 0 {
		go c.heartbeatLoop()
	}
	c.dispatch(hello)
	return nil
}

func (c *Channel) dial(ctx context.Context) (Conn, core.Frame, error) {
	c.mu.Lock()
	id := c.identity
	c.mu.Unlock()

	dctx, cancel := context.WithTimeout(ctx, c.opts.RequestTimeout)
	defer cancel()
	conn, err := c.dialer.Dial(dctx, id)
	if err != nil {
		if errors.Is(err, ErrAuth) || errors.Is(err, ErrTransport) {
			return nil, core.Frame{}, err
		}
		return nil, core.Frame{}, transportf("dial: %v", err)
	}
	hello, err := conn.Read(dctx)
	if err != nil {
		conn.Close()
		return nil, core.Frame{}, transportf("handshake: %v", err)
	}
	if hello.Type != string(core.EventSessionInit) {
		conn.Close()
		return nil, core.Frame{}, transportf("handshake: unexpected %q", hello.Type)
	}
	return conn, hello, nil
}

// attach installs conn as the live connection. Callers hold c.mu.
func (c *Channel) attach(conn Conn, hello core.Frame) {
	var si core.SessionInit
	if err := json.Unmarshal(hello.Payload, &si); err == nil {
		c.hello = si
		if c.identity.Role == core.RoleVisitor && si.SessionID != "" {
			// The relay is authoritative for the visitor session id.
			c.identity.SessionID = si.SessionID
		}
	}
	c.gen++
	c.conn = conn
	c.state = StateOpen
	c.attempts = 0
	close(c.ready)
	go c.readLoop(conn, c.gen)
}

func (c *Channel) readLoop(conn Conn, gen int) {
	for {
		f, err := conn.Read(context.Background())
		if err != nil {
			c.lost(gen, err)
			return
		}
		if f.Type == core.FrameReply {
			c.resolve(f)
			continue
		}
		c.dispatch(f)
	}
}

// lost tears down connection gen and schedules a redial.
func (c *Channel) lost(gen int, cause error) {
	c.mu.Lock()
	if gen != c.gen || c.state != StateOpen {
		c.mu.Unlock()
		return
	}
	c.conn.Close()
	c.conn = nil
	c.state = StateReconnecting
	c.downAt = time.Now()
	c.ready = make(chan struct{})
	pending := c.takePending()
	c.mu.Unlock()

	c.logger.Debug("connection lost", "error", cause)
	failAll(pending, transportf("connection lost: %v", cause))
	c.signal()
}

func (c *Channel) supervise() {
	for {
		select {
		case <-c.done:
			return
		case <-c.wake:
		}
		c.redial()
	}
}

func (c *Channel) redial() {
	for {
		c.mu.Lock()
		in := Input{
			LastState:       c.state,
			SinceDisconnect: time.Since(c.downAt),
			Visible:         c.visible,
			Explicit:        c.explicit,
			Attempts:        c.attempts,
		}
		c.explicit = false
		c.mu.Unlock()

		d := c.opts.Policy.Decide(in)
		switch d.Action {
		case WaitForSignal:
			return
		case ReconnectAfter:
			t := time.NewTimer(d.Delay)
			select {
			case <-c.done:
				t.Stop()
				return
			case <-c.wake:
				t.Stop()
				continue
			case <-t.C:
			}
		}

		ctx, cancel := context.WithCancel(context.Background())
		go func() {
			select {
			case <-c.done:
				cancel()
			case <-ctx.Done():
			}
		}()
		conn, hello, err := c.dial(ctx)
		cancel()
		if err != nil {
			if errors.Is(err, ErrAuth) {
				c.fail(err)
				return
			}
			c.mu.Lock()
			c.attempts++
			c.mu.Unlock()
			c.logger.Debug("redial failed", "attempt", in.Attempts+1, "error", err)
			continue
		}

		c.mu.Lock()
		if c.state != StateReconnecting {
			c.mu.Unlock()
			conn.Close()
			return
		}
		c.attach(conn, hello)
		c.mu.Unlock()
		c.logger.Debug("reconnected", "attempts", in.Attempts)
		c.dispatch(hello)
		return
	}
}

// fail marks the channel unusable after the relay rejected the credential.
func (c *Channel) fail(err error) {
	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		return
	}
	c.state = StateAuthFailed
	c.err = err
	pending := c.takePending()
	c.mu.Unlock()

	failAll(pending, err)
	body := core.ErrorBody{Code: core.CodeAuth, Message: err.Error()}
	raw, _ := json.Marshal(body)
	c.dispatch(core.Frame{Type: string(core.EventError), Payload: raw})
}

func (c *Channel) heartbeatLoop() {
	t := time.NewTicker(c.opts.HeartbeatInterval)
	defer t.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-t.C:
		}
		if c.State() != StateOpen {
			continue
		}
		if err := c.Request(context.Background(), core.RequestHeartbeat, nil, nil); err != nil {
			c.logger.Debug("heartbeat failed", "error", err)
		}
	}
}

// Request sends one request and waits for its reply. Error replies are
// returned as relay faults; if the reply also carries a payload (a
// read-only snapshot on conflict) it is decoded into out as well. No reply
// within the request timeout fails with ErrTransport and drops the
// connection so it is re-established.
func (c *Channel) Request(ctx context.Context, typ core.RequestType, payload, out any) error {
	req, err := core.NewRequest(uuid.NewString(), typ, payload)
	if err != nil {
		return err
	}

	c.mu.Lock()
	switch c.state {
	case StateOpen:
	case StateClosed:
		c.mu.Unlock()
		return ErrClosed
	case StateAuthFailed:
		err := c.err
		c.mu.Unlock()
		return err
	default:
		c.mu.Unlock()
		return transportf("not connected")
	}
	conn, gen := c.conn, c.gen
	ch := make(chan reply, 1)
	c.pending[req.ID] = ch
	c.mu.Unlock()

	rctx, cancel := context.WithTimeout(ctx, c.opts.RequestTimeout)
	defer cancel()
	if err := conn.Write(rctx, req); err != nil {
		c.forget(req.ID)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		c.lost(gen, err)
		return transportf("write %s: %v", typ, err)
	}

	select {
	case r := <-ch:
		if r.err != nil {
			return r.err
		}
		return decodeReply(r.frame, req, out)
	case <-rctx.Done():
		c.forget(req.ID)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		c.lost(gen, errors.New("request timeout"))
		return transportf("no reply to %s within %s", typ, c.opts.RequestTimeout)
	}
}

func decodeReply(f core.Frame, req core.Request, out any) error {
	if out != nil && len(f.Payload) > 0 && string(f.Payload) != "null" {
		if err := json.Unmarshal(f.Payload, out); err != nil {
			return fmt.Errorf("decode %s reply: %w", req.Type, err)
		}
	}
	if f.Error == nil {
		return nil
	}
	var target struct {
		ConversationID string `json:"conversation_id"`
	}
	_ = json.Unmarshal(req.Payload, &target)
	return f.Error.Err(target.ConversationID)
}

func (c *Channel) resolve(f core.Frame) {
	c.mu.Lock()
	ch, ok := c.pending[f.ReplyTo]
	delete(c.pending, f.ReplyTo)
	c.mu.Unlock()
	if ok {
		ch <- reply{frame: f}
	}
}

func (c *Channel) forget(id string) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

// takePending detaches every waiter. Callers hold c.mu.
func (c *Channel) takePending() map[string]chan reply {
	pending := c.pending
	c.pending = make(map[string]chan reply)
	return pending
}

func failAll(pending map[string]chan reply, err error) {
	for _, ch := range pending {
		ch <- reply{err: err}
	}
}

// Subscribe registers h for pushes of type t (or AnyEvent). The returned
// func removes it.
func (c *Channel) Subscribe(t core.EventType, h Handler) func() {
	c.mu.Lock()
	c.nextSub++
	id := c.nextSub
	c.subs[t] = append(c.subs[t], subscription{id: id, h: h})
	c.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			defer c.mu.Unlock()
			subs := c.subs[t]
			for i, s := range subs {
				if s.id == id {
					c.subs[t] = append(subs[:i:i], subs[i+1:]...)
					break
				}
			}
		})
	}
}

func (c *Channel) dispatch(f core.Frame) {
	c.mu.Lock()
	subs := append([]subscription(nil), c.subs[core.EventType(f.Type)]...)
	subs = append(subs, c.subs[AnyEvent]...)
	c.mu.Unlock()
	for _, s := range subs {
		s.h(f)
	}
}

func (c *Channel) signal() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// SetVisible reports whether the consumer is in the foreground. Becoming
// visible prompts a redial of a dropped connection.
func (c *Channel) SetVisible(visible bool) {
	c.mu.Lock()
	c.visible = visible
	c.mu.Unlock()
	if visible {
		c.signal()
	}
}

// Reconnect asks for an immediate redial if the connection is down.
func (c *Channel) Reconnect() {
	c.mu.Lock()
	c.explicit = true
	c.mu.Unlock()
	c.signal()
}

// WaitConnected blocks until the channel is open.
func (c *Channel) WaitConnected(ctx context.Context) error {
	for {
		c.mu.Lock()
		switch c.state {
		case StateOpen:
			c.mu.Unlock()
			return nil
		case StateAuthFailed:
			err := c.err
			c.mu.Unlock()
			return err
		case StateClosed:
			err := c.err
			c.mu.Unlock()
			if err == nil {
				err = ErrClosed
			}
			return err
		}
		ready := c.ready
		c.mu.Unlock()

		select {
		case <-ready:
		case <-c.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (c *Channel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Identity returns the identity the channel presents, including the
// relay-assigned visitor session id.
func (c *Channel) Identity() Identity {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.identity
}

// Hello returns the latest session:init payload.
func (c *Channel) Hello() core.SessionInit {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hello
}

// Close tears the channel down for good.
func (c *Channel) Close() error {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.state = StateClosed
		conn := c.conn
		c.conn = nil
		pending := c.takePending()
		close(c.done)
		c.mu.Unlock()

		if conn != nil {
			conn.Close()
		}
		failAll(pending, ErrClosed)
	})
	return nil
}
