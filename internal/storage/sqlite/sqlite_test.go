package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/mistakeknot/supportline/internal/core"
	"github.com/mistakeknot/supportline/internal/storage"
)

func createConversation(t *testing.T, st storage.Store, visitor string) core.Conversation {
	t.Helper()
	conv, err := st.CreateConversation(context.Background(), core.Conversation{VisitorSessionID: visitor, VisitorName: "Blue Heron"})
	if err != nil {
		t.Fatalf("create conversation: %v", err)
	}
	return conv
}

func TestSQLiteCreateResumesOpenConversation(t *testing.T) {
	st := NewSQLiteTest(t)
	first := createConversation(t, st, "visitor-1")
	second := createConversation(t, st, "visitor-1")
	if first.ID != second.ID {
		t.Fatalf("expected resume of %s, got %s", first.ID, second.ID)
	}
	if second.Status != core.StatusOpen {
		t.Fatalf("expected open, got %s", second.Status)
	}

	if _, _, err := st.CloseConversation(context.Background(), first.ID, ""); err != nil {
		t.Fatalf("close: %v", err)
	}
	third := createConversation(t, st, "visitor-1")
	if third.ID == first.ID {
		t.Fatalf("expected a new conversation after close")
	}
}

func TestSQLiteGetMissingConversation(t *testing.T) {
	st := NewSQLiteTest(t)
	_, err := st.GetConversation(context.Background(), "missing")
	if !errors.Is(err, core.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if _, err := st.ActiveConversation(context.Background(), "nobody"); !errors.Is(err, core.ErrNotFound) {
		t.Fatalf("expected not found for unknown visitor, got %v", err)
	}
}

func TestSQLiteAcquireLockConflict(t *testing.T) {
	st := NewSQLiteTest(t)
	ctx := context.Background()
	conv := createConversation(t, st, "visitor-1")
	now := time.Now().UTC()

	locked, err := st.AcquireLock(ctx, conv.ID, "agent-a", now)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if locked.Status != core.StatusLocked || locked.Holder != "agent-a" {
		t.Fatalf("expected locked by agent-a, got %+v", locked)
	}

	seen, err := st.AcquireLock(ctx, conv.ID, "agent-b", now)
	var lockErr *core.LockError
	if !errors.As(err, &lockErr) {
		t.Fatalf("expected lock error, got %v", err)
	}
	if lockErr.LockedBy != "agent-a" {
		t.Fatalf("expected locked_by agent-a, got %s", lockErr.LockedBy)
	}
	if seen.ID != conv.ID || seen.Holder != "agent-a" {
		t.Fatalf("expected conflicting conversation returned, got %+v", seen)
	}

	later := now.Add(time.Second)
	again, err := st.AcquireLock(ctx, conv.ID, "agent-a", later)
	if err != nil {
		t.Fatalf("re-acquire by holder: %v", err)
	}
	if !again.LastHeartbeat.Equal(later) {
		t.Fatalf("expected heartbeat refreshed to %v, got %v", later, again.LastHeartbeat)
	}
	if !again.LockedAt.Equal(now) {
		t.Fatalf("expected locked_at unchanged, got %v", again.LockedAt)
	}
}

func TestSQLiteReleaseLock(t *testing.T) {
	st := NewSQLiteTest(t)
	ctx := context.Background()
	conv := createConversation(t, st, "visitor-1")
	if _, err := st.AcquireLock(ctx, conv.ID, "agent-a", time.Now()); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if _, err := st.ReleaseLock(ctx, conv.ID, "agent-b"); !errors.Is(err, core.ErrNotHolder) {
		t.Fatalf("expected not holder, got %v", err)
	}
	released, err := st.ReleaseLock(ctx, conv.ID, "agent-a")
	if err != nil {
		t.Fatalf("release: %v", err)
	}
	if released.Status != core.StatusOpen || released.Holder != "" {
		t.Fatalf("expected open without holder, got %+v", released)
	}
	if _, err := st.AcquireLock(ctx, conv.ID, "agent-b", time.Now()); err != nil {
		t.Fatalf("acquire after release: %v", err)
	}
}

func TestSQLiteReassignLock(t *testing.T) {
	st := NewSQLiteTest(t)
	ctx := context.Background()
	conv := createConversation(t, st, "visitor-1")
	if _, err := st.AcquireLock(ctx, conv.ID, "agent-a", time.Now()); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	prev, got, err := st.ReassignLock(ctx, conv.ID, "supervisor", time.Now())
	if err != nil {
		t.Fatalf("reassign: %v", err)
	}
	if prev != "agent-a" || got.Holder != "supervisor" {
		t.Fatalf("expected agent-a -> supervisor, got %s -> %s", prev, got.Holder)
	}
	stored, _ := st.GetConversation(ctx, conv.ID)
	if stored.Holder != "supervisor" || stored.Status != core.StatusLocked {
		t.Fatalf("expected persisted reassignment, got %+v", stored)
	}
}

func TestSQLiteCloseIsTerminal(t *testing.T) {
	st := NewSQLiteTest(t)
	ctx := context.Background()
	conv := createConversation(t, st, "visitor-1")
	if _, err := st.AcquireLock(ctx, conv.ID, "agent-a", time.Now()); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	_, snapshot, err := st.CloseConversation(ctx, conv.ID, "agent-b")
	var lockErr *core.LockError
	if !errors.As(err, &lockErr) || lockErr.LockedBy != "agent-a" {
		t.Fatalf("expected lock error naming agent-a, got %v", err)
	}
	if snapshot.Status != core.StatusLocked {
		t.Fatalf("expected conversation untouched, got %+v", snapshot)
	}
	previous, closed, err := st.CloseConversation(ctx, conv.ID, "agent-a")
	if err != nil {
		t.Fatalf("close: %v", err)
	}
	if previous != "agent-a" {
		t.Fatalf("expected previous holder agent-a, got %q", previous)
	}
	if closed.Status != core.StatusClosed || closed.Holder != "" {
		t.Fatalf("expected closed without holder, got %+v", closed)
	}
	if _, _, err := st.CloseConversation(ctx, conv.ID, ""); !errors.Is(err, core.ErrClosed) {
		t.Fatalf("expected closed on second close, got %v", err)
	}
	if _, err := st.AcquireLock(ctx, conv.ID, "agent-b", time.Now()); !errors.Is(err, core.ErrClosed) {
		t.Fatalf("expected closed on acquire, got %v", err)
	}
	if _, _, err := st.ReassignLock(ctx, conv.ID, "agent-b", time.Now()); !errors.Is(err, core.ErrClosed) {
		t.Fatalf("expected closed on reassign, got %v", err)
	}
	_, _, err = st.AppendMessage(ctx, storage.AppendRequest{
		Message:        core.Message{ConversationID: conv.ID, SenderRole: core.RoleVisitor, Content: "hello?"},
		RequireVisitor: "visitor-1",
	})
	if !errors.Is(err, core.ErrClosed) {
		t.Fatalf("expected closed on append, got %v", err)
	}
}

func TestSQLiteAppendAssignsSequence(t *testing.T) {
	st := NewSQLiteTest(t)
	ctx := context.Background()
	conv := createConversation(t, st, "visitor-1")

	for i := 1; i <= 3; i++ {
		msg, created, err := st.AppendMessage(ctx, storage.AppendRequest{
			Message:        core.Message{ConversationID: conv.ID, SenderRole: core.RoleVisitor, SenderID: "visitor-1", Content: "hi"},
			RequireVisitor: "visitor-1",
		})
		if err != nil || !created {
			t.Fatalf("append %d: created=%v err=%v", i, created, err)
		}
		if msg.Seq != uint64(i) {
			t.Fatalf("expected seq %d, got %d", i, msg.Seq)
		}
	}

	msgs, err := st.Messages(ctx, conv.ID, 1)
	if err != nil {
		t.Fatalf("messages: %v", err)
	}
	if len(msgs) != 2 || msgs[0].Seq != 2 || msgs[1].Seq != 3 {
		t.Fatalf("expected seqs 2,3 after cursor 1, got %+v", msgs)
	}
	stored, _ := st.GetConversation(ctx, conv.ID)
	if stored.LastSeq != 3 {
		t.Fatalf("expected last_seq 3, got %d", stored.LastSeq)
	}
}

func TestSQLiteAppendIdempotencyKey(t *testing.T) {
	st := NewSQLiteTest(t)
	ctx := context.Background()
	conv := createConversation(t, st, "visitor-1")
	if _, err := st.AcquireLock(ctx, conv.ID, "agent-a", time.Now()); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	req := storage.AppendRequest{
		Message:       core.Message{ConversationID: conv.ID, SenderRole: core.RoleAgent, SenderID: "agent-a", Content: "on it", IdempotencyKey: "key-1"},
		RequireHolder: "agent-a",
	}
	first, created, err := st.AppendMessage(ctx, req)
	if err != nil || !created {
		t.Fatalf("append: created=%v err=%v", created, err)
	}

	// The retry arrives after the lock moved; the original is still returned.
	if _, err := st.ReleaseLock(ctx, conv.ID, "agent-a"); err != nil {
		t.Fatalf("release: %v", err)
	}
	again, created, err := st.AppendMessage(ctx, req)
	if err != nil {
		t.Fatalf("append retry: %v", err)
	}
	if created || again.ID != first.ID || again.Seq != first.Seq {
		t.Fatalf("expected original message, got created=%v %+v", created, again)
	}
	msgs, _ := st.Messages(ctx, conv.ID, 0)
	if len(msgs) != 1 {
		t.Fatalf("expected one stored message, got %d", len(msgs))
	}
	if msgs[0].IdempotencyKey != "key-1" {
		t.Fatalf("expected key persisted, got %q", msgs[0].IdempotencyKey)
	}
}

func TestSQLiteAppendRequiresHolder(t *testing.T) {
	st := NewSQLiteTest(t)
	ctx := context.Background()
	conv := createConversation(t, st, "visitor-1")
	_, _, err := st.AppendMessage(ctx, storage.AppendRequest{
		Message:       core.Message{ConversationID: conv.ID, SenderRole: core.RoleAgent, SenderID: "agent-a", Content: "hi"},
		RequireHolder: "agent-a",
	})
	if !errors.Is(err, core.ErrNotHolder) {
		t.Fatalf("expected not holder, got %v", err)
	}
	_, _, err = st.AppendMessage(ctx, storage.AppendRequest{
		Message:        core.Message{ConversationID: conv.ID, SenderRole: core.RoleVisitor, Content: "hi"},
		RequireVisitor: "visitor-2",
	})
	if !errors.Is(err, core.ErrForbidden) {
		t.Fatalf("expected forbidden, got %v", err)
	}
}

func TestSQLiteHeartbeatAndExpire(t *testing.T) {
	st := NewSQLiteTest(t)
	ctx := context.Background()
	c1 := createConversation(t, st, "visitor-1")
	c2 := createConversation(t, st, "visitor-2")
	start := time.Now().UTC()
	for _, id := range []string{c1.ID, c2.ID} {
		if _, err := st.AcquireLock(ctx, id, "agent-a", start); err != nil {
			t.Fatalf("acquire %s: %v", id, err)
		}
	}

	refreshed, err := st.Heartbeat(ctx, "agent-a", start.Add(30*time.Second))
	if err != nil {
		t.Fatalf("heartbeat: %v", err)
	}
	if len(refreshed) != 2 {
		t.Fatalf("expected 2 refreshed locks, got %v", refreshed)
	}
	if ids, _ := st.Heartbeat(ctx, "agent-b", start); len(ids) != 0 {
		t.Fatalf("expected nothing refreshed for agent-b, got %v", ids)
	}

	expired, err := st.ExpireLocks(ctx, start.Add(10*time.Second))
	if err != nil {
		t.Fatalf("expire: %v", err)
	}
	if len(expired) != 0 {
		t.Fatalf("expected no expiry after heartbeat, got %+v", expired)
	}

	expired, err = st.ExpireLocks(ctx, start.Add(time.Minute))
	if err != nil {
		t.Fatalf("expire: %v", err)
	}
	if len(expired) != 2 {
		t.Fatalf("expected 2 expired locks, got %+v", expired)
	}
	for _, id := range []string{c1.ID, c2.ID} {
		conv, _ := st.GetConversation(ctx, id)
		if conv.Status != core.StatusOpen || conv.Holder != "" {
			t.Fatalf("expected %s reopened, got %+v", id, conv)
		}
	}
}

func TestSQLiteExpiryReportsOnlyReopenedLocks(t *testing.T) {
	st := NewSQLiteTest(t)
	ctx := context.Background()
	stale := createConversation(t, st, "visitor-1")
	refreshed := createConversation(t, st, "visitor-2")
	start := time.Now().UTC()
	if _, err := st.AcquireLock(ctx, stale.ID, "agent-a", start); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if _, err := st.AcquireLock(ctx, refreshed.ID, "agent-b", start); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	candidates := []core.Lock{
		{ConversationID: stale.ID, AgentID: "agent-a", LastHeartbeat: start},
		{ConversationID: refreshed.ID, AgentID: "agent-b", LastHeartbeat: start},
	}
	// agent-b heartbeats after the candidates were selected.
	if _, err := st.Heartbeat(ctx, "agent-b", start.Add(20*time.Second)); err != nil {
		t.Fatalf("heartbeat: %v", err)
	}

	reopened, err := reopenExpired(ctx, st.db, candidates)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if len(reopened) != 1 || reopened[0].ConversationID != stale.ID {
		t.Fatalf("expected only the stale lock reopened, got %+v", reopened)
	}
	got, _ := st.GetConversation(ctx, refreshed.ID)
	if got.Status != core.StatusLocked || got.Holder != "agent-b" {
		t.Fatalf("expected refreshed lock kept, got %+v", got)
	}
}

func TestSQLiteListConversationsByStatus(t *testing.T) {
	st := NewSQLiteTest(t)
	ctx := context.Background()
	c1 := createConversation(t, st, "visitor-1")
	createConversation(t, st, "visitor-2")
	if _, err := st.AcquireLock(ctx, c1.ID, "agent-a", time.Now()); err != nil {
		t.Fatalf("acquire: %v", err)
	}

	open, err := st.ListConversations(ctx, core.StatusOpen, 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(open) != 1 || open[0].VisitorSessionID != "visitor-2" {
		t.Fatalf("expected only visitor-2 open, got %+v", open)
	}
	all, _ := st.ListConversations(ctx, "", 0)
	if len(all) != 2 {
		t.Fatalf("expected 2 conversations, got %d", len(all))
	}
	limited, _ := st.ListConversations(ctx, "", 1)
	if len(limited) != 1 {
		t.Fatalf("expected limit to apply, got %d", len(limited))
	}
}

func TestSQLiteDeleteCascadesMessages(t *testing.T) {
	st := NewSQLiteTest(t)
	ctx := context.Background()
	conv := createConversation(t, st, "visitor-1")
	if _, _, err := st.AppendMessage(ctx, storage.AppendRequest{
		Message: core.Message{ConversationID: conv.ID, SenderRole: core.RoleVisitor, Content: "hi"},
	}); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := st.DeleteConversation(ctx, conv.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := st.Messages(ctx, conv.ID, 0); !errors.Is(err, core.ErrNotFound) {
		t.Fatalf("expected not found after delete, got %v", err)
	}
	if err := st.DeleteConversation(ctx, conv.ID); !errors.Is(err, core.ErrNotFound) {
		t.Fatalf("expected not found on second delete, got %v", err)
	}
}

func TestSQLiteFileStorePersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "relay.db")
	st, err := New(path, nil)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	conv := createConversation(t, st, "visitor-1")
	if err := st.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	reopened, err := New(path, nil)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()
	got, err := reopened.GetConversation(context.Background(), conv.ID)
	if err != nil {
		t.Fatalf("get after reopen: %v", err)
	}
	if got.VisitorName != "Blue Heron" {
		t.Fatalf("expected persisted visitor name, got %q", got.VisitorName)
	}
}

func TestResilientStoreDelegates(t *testing.T) {
	rs := NewResilient(NewSQLiteTest(t))
	ctx := context.Background()
	conv := createConversation(t, rs, "visitor-1")
	if _, err := rs.AcquireLock(ctx, conv.ID, "agent-a", time.Now()); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	// Domain conflicts must not trip the breaker.
	for i := 0; i < 10; i++ {
		if _, err := rs.AcquireLock(ctx, conv.ID, "agent-b", time.Now()); err == nil {
			t.Fatalf("expected conflict")
		}
	}
	if rs.CircuitBreakerState() != "closed" {
		t.Fatalf("expected breaker closed, got %s", rs.CircuitBreakerState())
	}
	if err := rs.Ping(ctx); err != nil {
		t.Fatalf("ping: %v", err)
	}
}
