package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/mistakeknot/supportline/internal/auth"
	"github.com/mistakeknot/supportline/internal/core"
	"github.com/mistakeknot/supportline/internal/storage"
	"github.com/mistakeknot/supportline/internal/storage/sqlite"
)

const testKey = "test-key-alice"

// testEnv bundles a Service + httptest.Server over an in-memory sqlite store.
// Requests carry testKey unless sent with getAnon.
type testEnv struct {
	srv   *httptest.Server
	store *sqlite.ResilientStore
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	st, err := sqlite.NewInMemory()
	if err != nil {
		t.Fatalf("sqlite: %v", err)
	}
	res := sqlite.NewResilient(st)
	t.Cleanup(func() { _ = res.Close() })

	keyring := auth.NewKeyring(map[string]auth.Identity{
		testKey: {AgentID: "alice", Name: "Alice", Role: auth.RoleAgent},
	})
	svc := NewService(res).WithHealth(res).WithConnections(fixedConns{core.RoleAgent: 2, core.RoleVisitor: 3})
	srv := httptest.NewServer(NewRouter(svc, Handlers{}, auth.Middleware(keyring)))
	t.Cleanup(srv.Close)
	return &testEnv{srv: srv, store: res}
}

type fixedConns map[core.Role]int

func (f fixedConns) Connections() map[core.Role]int { return f }

func (e *testEnv) seed(t *testing.T, visitor string, lines ...string) core.Conversation {
	t.Helper()
	ctx := context.Background()
	conv, err := e.store.CreateConversation(ctx, core.Conversation{
		VisitorSessionID: visitor,
		VisitorName:      "Quiet Otter",
		Status:           core.StatusOpen,
		CreatedAt:        time.Now(),
		LastActivity:     time.Now(),
	})
	if err != nil {
		t.Fatalf("create conversation: %v", err)
	}
	for i, line := range lines {
		_, _, err := e.store.AppendMessage(ctx, storage.AppendRequest{
			Message: core.Message{
				ID:             conv.ID + "-" + string(rune('a'+i)),
				ConversationID: conv.ID,
				SenderRole:     core.RoleVisitor,
				SenderID:       visitor,
				Content:        line,
				CreatedAt:      time.Now(),
			},
			RequireVisitor: visitor,
		})
		if err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	return conv
}

func (e *testEnv) get(t *testing.T, path string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, e.srv.URL+path, nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Authorization", "Bearer "+testKey)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET %s: %v", path, err)
	}
	return resp
}

func (e *testEnv) getAnon(t *testing.T, path string) *http.Response {
	t.Helper()
	resp, err := http.Get(e.srv.URL + path)
	if err != nil {
		t.Fatalf("GET %s: %v", path, err)
	}
	return resp
}

func decodeJSON[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer resp.Body.Close()
	var v T
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return v
}

func requireStatus(t *testing.T, resp *http.Response, want int) {
	t.Helper()
	if resp.StatusCode != want {
		t.Fatalf("expected status %d, got %d", want, resp.StatusCode)
	}
}
