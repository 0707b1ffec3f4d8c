package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/mistakeknot/supportline/internal/auth"
	"github.com/mistakeknot/supportline/internal/core"
)

// echoDispatcher replies to every request with the caller's participant and
// records connections.
type echoDispatcher struct {
	mu        sync.Mutex
	connected []core.Participant
}

func (d *echoDispatcher) Connected(_ context.Context, p core.Participant) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.connected = append(d.connected, p)
}

func (d *echoDispatcher) Handle(_ context.Context, p core.Participant, req core.Request) (any, error) {
	if req.Type == core.RequestClose {
		return nil, &core.LockError{ConversationID: "c1", LockedBy: "bob"}
	}
	return p, nil
}

func (d *echoDispatcher) participants() []core.Participant {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]core.Participant(nil), d.connected...)
}

func newGateway(t *testing.T) (*Hub, *echoDispatcher, *httptest.Server) {
	t.Helper()
	hub := NewHub(nil)
	d := &echoDispatcher{}
	keyring := auth.NewKeyring(map[string]auth.Identity{
		"key-alice": {AgentID: "alice", Name: "Alice", Role: "supervisor"},
	})
	mux := http.NewServeMux()
	mux.Handle("/ws/visitor", hub.VisitorHandler(d))
	mux.Handle("/ws/agent", auth.Middleware(keyring)(hub.AgentHandler(d)))
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return hub, d, srv
}

func wsURL(srv *httptest.Server, path string) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http") + path
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", url, err)
	}
	t.Cleanup(func() { conn.Close(websocket.StatusNormalClosure, "") })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) core.Frame {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	var f core.Frame
	if err := wsjson.Read(ctx, conn, &f); err != nil {
		t.Fatalf("read: %v", err)
	}
	return f
}

func readInit(t *testing.T, conn *websocket.Conn) core.SessionInit {
	t.Helper()
	f := readFrame(t, conn)
	if f.Type != string(core.EventSessionInit) {
		t.Fatalf("expected session:init, got %s", f.Type)
	}
	var hello core.SessionInit
	if err := json.Unmarshal(f.Payload, &hello); err != nil {
		t.Fatalf("decode init: %v", err)
	}
	return hello
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met")
}

func TestVisitorHandshakeKeepsValidSession(t *testing.T) {
	_, d, srv := newGateway(t)
	id := uuid.NewString()
	conn := dial(t, wsURL(srv, "/ws/visitor?session_id="+id+"&name=Ada&email=ada@example.com"))

	hello := readInit(t, conn)
	if hello.SessionID != id || hello.DisplayName != "Ada" || hello.Role != core.RoleVisitor {
		t.Fatalf("unexpected init: %+v", hello)
	}
	waitFor(t, func() bool { return len(d.participants()) == 1 })
	if got := d.participants()[0]; got.Email != "ada@example.com" {
		t.Fatalf("expected email from handshake, got %+v", got)
	}
}

func TestVisitorHandshakeSupersedesBadSession(t *testing.T) {
	_, _, srv := newGateway(t)
	conn := dial(t, wsURL(srv, "/ws/visitor?session_id=not-a-uuid"))

	hello := readInit(t, conn)
	if hello.SessionID == "not-a-uuid" {
		t.Fatal("expected a fresh session id")
	}
	if _, err := uuid.Parse(hello.SessionID); err != nil {
		t.Fatalf("session id is not a uuid: %v", err)
	}
	if hello.DisplayName == "" {
		t.Fatal("expected a generated display name")
	}
}

func TestAgentRequiresCredential(t *testing.T) {
	_, _, srv := newGateway(t)
	resp, err := http.Get(srv.URL + "/ws/agent")
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.StatusCode)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, _, err = websocket.Dial(ctx, wsURL(srv, "/ws/agent?token=wrong"), nil)
	if err == nil {
		t.Fatal("expected dial with a bad token to fail")
	}
}

func TestAgentHandlerWithoutMiddleware(t *testing.T) {
	hub := NewHub(nil)
	rr := httptest.NewRecorder()
	hub.AgentHandler(&echoDispatcher{}).ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/ws/agent", nil))
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rr.Code)
	}
}

func TestRequestReplyRoundTrip(t *testing.T) {
	_, _, srv := newGateway(t)
	conn := dial(t, wsURL(srv, "/ws/agent?token=key-alice"))
	hello := readInit(t, conn)
	if hello.AgentID != "alice" || hello.Role != core.RoleAgent {
		t.Fatalf("unexpected init: %+v", hello)
	}

	ctx := context.Background()
	req, _ := core.NewRequest("r1", core.RequestHeartbeat, nil)
	if err := wsjson.Write(ctx, conn, req); err != nil {
		t.Fatalf("write: %v", err)
	}
	reply := readFrame(t, conn)
	if reply.Type != core.FrameReply || reply.ReplyTo != "r1" || reply.Error != nil {
		t.Fatalf("unexpected reply: %+v", reply)
	}
	var p core.Participant
	if err := json.Unmarshal(reply.Payload, &p); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if p.ID != "alice" || p.AgentRole != "supervisor" {
		t.Fatalf("unexpected participant: %+v", p)
	}

	req, _ = core.NewRequest("r2", core.RequestClose, core.ConversationPayload{ConversationID: "c1"})
	if err := wsjson.Write(ctx, conn, req); err != nil {
		t.Fatalf("write: %v", err)
	}
	reply = readFrame(t, conn)
	if reply.ReplyTo != "r2" || reply.Error == nil || reply.Error.Code != core.CodeLocked || reply.Error.LockedBy != "bob" {
		t.Fatalf("expected locked error, got %+v", reply)
	}
}

func TestMalformedRequestPushesError(t *testing.T) {
	_, _, srv := newGateway(t)
	conn := dial(t, wsURL(srv, "/ws/visitor"))
	readInit(t, conn)

	if err := conn.Write(context.Background(), websocket.MessageText, []byte("{not json")); err != nil {
		t.Fatalf("write: %v", err)
	}
	f := readFrame(t, conn)
	if f.Type != string(core.EventError) {
		t.Fatalf("expected error push, got %s", f.Type)
	}
	var body core.ErrorBody
	if err := json.Unmarshal(f.Payload, &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Code != core.CodeValidation {
		t.Fatalf("expected validation code, got %q", body.Code)
	}

	// The connection survives.
	req, _ := core.NewRequest("r1", core.RequestJoin, nil)
	if err := wsjson.Write(context.Background(), conn, req); err != nil {
		t.Fatalf("write: %v", err)
	}
	if reply := readFrame(t, conn); reply.ReplyTo != "r1" {
		t.Fatalf("expected reply to r1, got %+v", reply)
	}
}

func TestNotifyRoutesByRole(t *testing.T) {
	hub, _, srv := newGateway(t)
	id := uuid.NewString()
	visitor := dial(t, wsURL(srv, "/ws/visitor?session_id="+id))
	readInit(t, visitor)
	agent := dial(t, wsURL(srv, "/ws/agent?token=key-alice"))
	readInit(t, agent)
	waitFor(t, func() bool {
		c := hub.Connections()
		return c[core.RoleVisitor] == 1 && c[core.RoleAgent] == 1
	})

	if hub.NotifyAgent("carol", core.Event{Type: core.EventLockExpired}) {
		t.Fatal("expected no delivery to an offline agent")
	}
	if !hub.NotifyAgent("alice", core.Event{Type: core.EventLockTakeover, Payload: core.LockNotice{ConversationID: "c1"}}) {
		t.Fatal("expected delivery to alice")
	}
	if f := readFrame(t, agent); f.Type != string(core.EventLockTakeover) {
		t.Fatalf("expected lock:takeover, got %s", f.Type)
	}

	hub.NotifyAgents(core.Event{Type: core.EventListUpdate, Payload: core.ListUpdate{ConversationID: "c1"}})
	if f := readFrame(t, agent); f.Type != string(core.EventListUpdate) {
		t.Fatalf("expected list:update, got %s", f.Type)
	}

	hub.NotifyVisitor(id, core.Event{Type: core.EventClosed, Payload: core.ClosedNotice{ConversationID: "c1"}})
	if f := readFrame(t, visitor); f.Type != string(core.EventClosed) {
		t.Fatalf("expected closed, got %s", f.Type)
	}
}

func TestDisconnectRemovesConnection(t *testing.T) {
	hub, _, srv := newGateway(t)
	conn := dial(t, wsURL(srv, "/ws/agent?token=key-alice"))
	readInit(t, conn)
	waitFor(t, func() bool { return hub.Connections()[core.RoleAgent] == 1 })

	conn.Close(websocket.StatusNormalClosure, "bye")
	waitFor(t, func() bool { return hub.Connections()[core.RoleAgent] == 0 })
	if hub.NotifyAgent("alice", core.Event{Type: core.EventLockExpired}) {
		t.Fatal("expected no delivery after disconnect")
	}
}
