package router

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mistakeknot/supportline/internal/core"
	"github.com/mistakeknot/supportline/internal/core/coretest"
	"github.com/mistakeknot/supportline/internal/storage"
	"github.com/mistakeknot/supportline/internal/storage/sqlite"
)

var (
	visitor = core.Participant{Role: core.RoleVisitor, ID: "visitor-1"}
	agentA  = core.Participant{Role: core.RoleAgent, ID: "agent-a"}
	agentB  = core.Participant{Role: core.RoleAgent, ID: "agent-b"}
)

type fixture struct {
	r     *Router
	store storage.Store
	rec   *coretest.Recorder
	conv  core.Conversation
}

func newFixture(t *testing.T, store storage.Store) *fixture {
	t.Helper()
	if store == nil {
		store = storage.NewInMemory()
	}
	rec := coretest.NewRecorder()
	r, err := New(store, rec, Options{NodeID: 1})
	require.NoError(t, err)
	conv, err := store.CreateConversation(context.Background(), core.Conversation{VisitorSessionID: visitor.ID})
	require.NoError(t, err)
	return &fixture{r: r, store: store, rec: rec, conv: conv}
}

func (f *fixture) lock(t *testing.T, agent core.Participant) {
	t.Helper()
	_, err := f.store.AcquireLock(context.Background(), f.conv.ID, agent.ID, time.Now())
	require.NoError(t, err)
}

func TestSendValidation(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	cases := []SendRequest{
		{ConversationID: "", Sender: visitor, Content: "hi"},
		{ConversationID: f.conv.ID, Sender: visitor, Content: "   "},
		{ConversationID: f.conv.ID, Sender: core.Participant{Role: core.RoleVisitor}, Content: "hi"},
		{ConversationID: f.conv.ID, Sender: visitor, Content: strings.Repeat("x", MaxContentLength+1)},
	}
	for i, req := range cases {
		_, err := f.r.Send(ctx, req)
		assert.ErrorIs(t, err, core.ErrValidation, "case %d", i)
	}
	assert.Empty(t, f.rec.Deliveries())
}

func TestSendAuthorization(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	_, err := f.r.Send(ctx, SendRequest{ConversationID: f.conv.ID, Sender: core.Participant{Role: core.RoleVisitor, ID: "intruder"}, Content: "hi"})
	assert.ErrorIs(t, err, core.ErrForbidden)

	_, err = f.r.Send(ctx, SendRequest{ConversationID: f.conv.ID, Sender: agentA, Content: "hi"})
	assert.ErrorIs(t, err, core.ErrNotHolder, "agents need the lock")

	f.lock(t, agentA)
	_, err = f.r.Send(ctx, SendRequest{ConversationID: f.conv.ID, Sender: agentB, Content: "hi"})
	assert.ErrorIs(t, err, core.ErrNotHolder)

	_, err = f.r.Send(ctx, SendRequest{ConversationID: f.conv.ID, Sender: core.Participant{Role: core.RoleSystem, ID: "sys"}, Content: "hi"})
	assert.ErrorIs(t, err, core.ErrForbidden)

	_, err = f.r.Send(ctx, SendRequest{ConversationID: "missing", Sender: visitor, Content: "hi"})
	assert.ErrorIs(t, err, core.ErrNotFound)

	_, _, err = f.store.CloseConversation(ctx, f.conv.ID, "")
	require.NoError(t, err)
	_, err = f.r.Send(ctx, SendRequest{ConversationID: f.conv.ID, Sender: visitor, Content: "hello?"})
	assert.ErrorIs(t, err, core.ErrClosed)
}

func TestSendFansOut(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.lock(t, agentA)

	msg, err := f.r.Send(ctx, SendRequest{ConversationID: f.conv.ID, Sender: visitor, Content: "my order is late", IdempotencyKey: "k1"})
	require.NoError(t, err)
	assert.EqualValues(t, 1, msg.Seq)
	assert.NotEmpty(t, msg.ID)
	assert.Equal(t, core.RoleVisitor, msg.SenderRole)

	toVisitor := f.rec.For("visitor:visitor-1", core.EventMessage)
	require.Len(t, toVisitor, 1, "sender's own channels get the authoritative copy")
	toHolder := f.rec.For("agent:agent-a", core.EventMessage)
	require.Len(t, toHolder, 1)
	assert.Equal(t, msg, toHolder[0].Payload)

	list := f.rec.For("agents")
	require.Len(t, list, 1)
	assert.Equal(t, core.EventListUpdate, list[0].Type)
	update := list[0].Payload.(core.ListUpdate)
	assert.Equal(t, f.conv.ID, update.ConversationID)
	assert.EqualValues(t, 1, update.LastSeq)
}

func TestSendIdempotencyKey(t *testing.T) {
	for name, store := range map[string]storage.Store{
		"memory": storage.NewInMemory(),
		"sqlite": sqlite.NewSQLiteTest(t),
	} {
		t.Run(name, func(t *testing.T) {
			f := newFixture(t, store)
			ctx := context.Background()
			f.lock(t, agentA)
			req := SendRequest{ConversationID: f.conv.ID, Sender: agentA, Content: "checking now", IdempotencyKey: "retry-me"}

			first, err := f.r.Send(ctx, req)
			require.NoError(t, err)
			f.rec.Reset()

			second, err := f.r.Send(ctx, req)
			require.NoError(t, err)
			assert.Equal(t, first, second)

			assert.Empty(t, f.rec.For("visitor:visitor-1"), "no re-fan-out to the other side")
			assert.Empty(t, f.rec.For("agents"), "no second list update")
			assert.Len(t, f.rec.For("agent:agent-a", core.EventMessage), 1, "sender still reconciles")

			msgs, err := f.store.Messages(ctx, f.conv.ID, 0)
			require.NoError(t, err)
			assert.Len(t, msgs, 1)
		})
	}
}

func TestSendIdempotencyAfterCacheMiss(t *testing.T) {
	store := storage.NewInMemory()
	f := newFixture(t, store)
	ctx := context.Background()
	first, err := f.r.Send(ctx, SendRequest{ConversationID: f.conv.ID, Sender: visitor, Content: "hi", IdempotencyKey: "k"})
	require.NoError(t, err)

	// A fresh router has an empty cache; the store's key index still dedupes.
	other, err := New(store, f.rec, Options{NodeID: 2})
	require.NoError(t, err)
	again, err := other.Send(ctx, SendRequest{ConversationID: f.conv.ID, Sender: visitor, Content: "hi", IdempotencyKey: "k"})
	require.NoError(t, err)
	assert.Equal(t, first.ID, again.ID)
	assert.Equal(t, first.Seq, again.Seq)
}

func TestInterleavedSendersGetGaplessSequence(t *testing.T) {
	f := newFixture(t, sqlite.NewSQLiteTest(t))
	ctx := context.Background()
	f.lock(t, agentA)

	const perSender = 25
	var wg sync.WaitGroup
	for _, sender := range []core.Participant{visitor, agentA} {
		wg.Add(1)
		go func(sender core.Participant) {
			defer wg.Done()
			for i := 0; i < perSender; i++ {
				_, err := f.r.Send(ctx, SendRequest{
					ConversationID: f.conv.ID,
					Sender:         sender,
					Content:        fmt.Sprintf("%s #%d", sender.ID, i),
					IdempotencyKey: fmt.Sprintf("%s-%d", sender.ID, i),
				})
				assert.NoError(t, err)
			}
		}(sender)
	}
	wg.Wait()

	msgs, err := f.r.Transcript(ctx, agentB, f.conv.ID, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 2*perSender)
	seen := make(map[string]bool)
	for i, m := range msgs {
		assert.EqualValues(t, i+1, m.Seq)
		assert.False(t, seen[m.ID], "duplicate id %s", m.ID)
		seen[m.ID] = true
	}
}

func TestTranscriptAuthorization(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	_, err := f.r.Send(ctx, SendRequest{ConversationID: f.conv.ID, Sender: visitor, Content: "hi"})
	require.NoError(t, err)

	msgs, err := f.r.Transcript(ctx, visitor, f.conv.ID, 0)
	require.NoError(t, err)
	assert.Len(t, msgs, 1)

	_, err = f.r.Transcript(ctx, core.Participant{Role: core.RoleVisitor, ID: "other"}, f.conv.ID, 0)
	assert.ErrorIs(t, err, core.ErrForbidden)

	msgs, err = f.r.Transcript(ctx, agentB, f.conv.ID, 1)
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestNewRejectsBadNodeID(t *testing.T) {
	_, err := New(storage.NewInMemory(), coretest.NewRecorder(), Options{NodeID: 5000})
	assert.Error(t, err)
}
