package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/mistakeknot/supportline/internal/auth"
	"github.com/mistakeknot/supportline/internal/core"
	"github.com/mistakeknot/supportline/internal/names"
)

const (
	writeTimeout = 5 * time.Second
	readLimit    = 64 << 10
)

// Dispatcher serves requests arriving on an accepted connection.
type Dispatcher interface {
	Connected(ctx context.Context, p core.Participant)
	Handle(ctx context.Context, p core.Participant, req core.Request) (any, error)
}

var _ core.Notifier = (*Hub)(nil)

// Hub tracks live connections by role and identity. One identity may have
// several connections; pushes go to all of them.
type Hub struct {
	mu     sync.RWMutex
	conns  map[string]map[*websocket.Conn]struct{}
	logger *slog.Logger
}

func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		conns:  make(map[string]map[*websocket.Conn]struct{}),
		logger: logger.With("component", "ws"),
	}
}

// VisitorHandler accepts /ws/visitor?session_id=&name=&email=. A missing or
// malformed session id is replaced by a fresh one announced in session:init.
func (h *Hub) VisitorHandler(d Dispatcher) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		sessionID := strings.TrimSpace(q.Get("session_id"))
		if _, err := uuid.Parse(sessionID); err != nil {
			sessionID = uuid.NewString()
		}
		name := strings.TrimSpace(q.Get("name"))
		if name == "" {
			name = names.ForSession(sessionID)
		}
		p := core.Participant{
			Role:  core.RoleVisitor,
			ID:    sessionID,
			Name:  name,
			Email: strings.TrimSpace(q.Get("email")),
		}
		h.serve(w, r, d, p)
	}
}

// AgentHandler accepts /ws/agent. It must sit behind auth.Middleware.
func (h *Hub) AgentHandler(d Dispatcher) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := auth.FromContext(r.Context())
		if !ok || id.AgentID == "" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		p := core.Participant{Role: core.RoleAgent, ID: id.AgentID, Name: id.Name, AgentRole: id.Role}
		h.serve(w, r, d, p)
	}
}

func (h *Hub) serve(w http.ResponseWriter, r *http.Request, d Dispatcher, p core.Participant) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	conn.SetReadLimit(readLimit)
	key := connKey(p.Role, p.ID)
	logger := h.logger.With("role", p.Role, "id", p.ID)

	ctx := r.Context()
	hello := core.SessionInit{SessionID: p.ID, DisplayName: p.Name, Role: p.Role}
	if p.IsAgent() {
		hello.AgentID = p.ID
	}
	if err := h.write(conn, core.Event{Type: core.EventSessionInit, Payload: hello}); err != nil {
		conn.Close(websocket.StatusInternalError, "handshake failed")
		return
	}

	h.add(key, conn)
	defer h.remove(key, conn)
	logger.Debug("connected")
	d.Connected(ctx, p)

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			status := websocket.CloseStatus(err)
			if status != websocket.StatusNormalClosure && status != websocket.StatusGoingAway && ctx.Err() == nil {
				logger.Debug("read failed", "error", err)
			}
			return
		}
		var req core.Request
		if err := json.Unmarshal(data, &req); err != nil || req.Type == "" {
			h.pushError(conn, fmt.Errorf("%w: malformed request", core.ErrValidation))
			continue
		}
		payload, herr := d.Handle(ctx, p, req)
		frame, ferr := core.ReplyFrame(req.ID, payload, herr)
		if ferr != nil {
			frame, _ = core.ReplyFrame(req.ID, nil, ferr)
		}
		if err := h.writeFrame(conn, frame); err != nil {
			logger.Debug("reply write failed", "error", err)
			return
		}
	}
}

func (h *Hub) NotifyVisitor(sessionID string, ev core.Event) {
	h.broadcast(h.snapshot(connKey(core.RoleVisitor, sessionID)), ev)
}

func (h *Hub) NotifyAgent(agentID string, ev core.Event) bool {
	return h.broadcast(h.snapshot(connKey(core.RoleAgent, agentID)), ev) > 0
}

func (h *Hub) NotifyAgents(ev core.Event) {
	h.broadcast(h.snapshotPrefix(string(core.RoleAgent)+":"), ev)
}

// Connections reports the number of live connections per role.
func (h *Hub) Connections() map[core.Role]int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := map[core.Role]int{core.RoleVisitor: 0, core.RoleAgent: 0}
	for key, conns := range h.conns {
		role, _, _ := strings.Cut(key, ":")
		out[core.Role(role)] += len(conns)
	}
	return out
}

// CloseAll disconnects every live connection. http.Server.Shutdown does not
// wait for hijacked connections, so callers run this after it.
func (h *Hub) CloseAll() {
	for _, e := range h.snapshotPrefix("") {
		e.conn.Close(websocket.StatusGoingAway, "relay shutting down")
		h.remove(e.key, e.conn)
	}
}

type connEntry struct {
	conn *websocket.Conn
	key  string
}

// broadcast writes ev to every entry and returns how many writes succeeded.
func (h *Hub) broadcast(entries []connEntry, ev core.Event) int {
	if len(entries) == 0 {
		return 0
	}
	frame, err := core.EventFrame(ev)
	if err != nil {
		h.logger.Error("encode event", "type", ev.Type, "error", err)
		return 0
	}
	delivered := 0
	for _, e := range entries {
		if err := h.writeFrame(e.conn, frame); err != nil {
			go func(e connEntry) {
				e.conn.Close(websocket.StatusGoingAway, "write error")
				h.remove(e.key, e.conn)
			}(e)
			continue
		}
		delivered++
	}
	return delivered
}

func (h *Hub) pushError(conn *websocket.Conn, err error) {
	_ = h.write(conn, core.Event{Type: core.EventError, Payload: core.NewErrorBody(err)})
}

func (h *Hub) write(conn *websocket.Conn, ev core.Event) error {
	frame, err := core.EventFrame(ev)
	if err != nil {
		return err
	}
	return h.writeFrame(conn, frame)
}

func (h *Hub) writeFrame(conn *websocket.Conn, frame core.Frame) error {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	return wsjson.Write(ctx, conn, frame)
}

func (h *Hub) snapshot(key string) []connEntry {
	h.mu.RLock()
	defer h.mu.RUnlock()
	var out []connEntry
	for conn := range h.conns[key] {
		out = append(out, connEntry{conn: conn, key: key})
	}
	return out
}

func (h *Hub) snapshotPrefix(prefix string) []connEntry {
	h.mu.RLock()
	defer h.mu.RUnlock()
	var out []connEntry
	for key, conns := range h.conns {
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		for conn := range conns {
			out = append(out, connEntry{conn: conn, key: key})
		}
	}
	return out
}

func (h *Hub) add(key string, conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.conns[key]
	if !ok {
		set = make(map[*websocket.Conn]struct{})
		h.conns[key] = set
	}
	set[conn] = struct{}{}
}

func (h *Hub) remove(key string, conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.conns[key]
	if !ok {
		return
	}
	delete(set, conn)
	if len(set) == 0 {
		delete(h.conns, key)
	}
}

func connKey(role core.Role, id string) string {
	return string(role) + ":" + id
}
