package lock

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mistakeknot/supportline/internal/core"
	"github.com/mistakeknot/supportline/internal/storage"
	"github.com/mistakeknot/supportline/internal/storage/sqlite"
)

func stores(t *testing.T) map[string]func() storage.Store {
	return map[string]func() storage.Store{
		"memory": func() storage.Store { return storage.NewInMemory() },
		"sqlite": func() storage.Store { return sqlite.NewSQLiteTest(t) },
	}
}

// checkInvariants asserts holder is set iff LOCKED and that closed
// conversations never leave CLOSED.
func checkInvariants(t *testing.T, ctx context.Context, m *Manager, closed map[string]bool) {
	t.Helper()
	convs, err := m.List(ctx, "", 0)
	require.NoError(t, err)
	for _, c := range convs {
		require.Equal(t, c.Status == core.StatusLocked, c.Holder != "",
			"holder/status mismatch on %s: %+v", c.ID, c)
		if closed[c.ID] {
			require.Equal(t, core.StatusClosed, c.Status, "closed conversation %s reopened", c.ID)
		}
		if c.Status == core.StatusClosed {
			closed[c.ID] = true
		}
	}
}

func TestRandomOperationSequencesKeepInvariants(t *testing.T) {
	for name, newStore := range stores(t) {
		t.Run(name, func(t *testing.T) {
			h := newHarness(t, newStore())
			ctx := context.Background()
			rng := rand.New(rand.NewSource(42))
			agents := []core.Participant{agentA, agentB, supervisor}
			visitors := []string{"v1", "v2", "v3"}
			closed := make(map[string]bool)

			var ids []string
			for step := 0; step < 400; step++ {
				agent := agents[rng.Intn(len(agents))]
				var id string
				if len(ids) > 0 {
					id = ids[rng.Intn(len(ids))]
				}
				switch op := rng.Intn(8); op {
				case 0:
					v := core.Participant{Role: core.RoleVisitor, ID: visitors[rng.Intn(len(visitors))]}
					conv, err := h.m.Join(ctx, v, "")
					require.NoError(t, err)
					ids = append(ids, conv.ID)
				case 1, 2:
					_, _ = h.m.Open(ctx, agent, id)
				case 3:
					_, _ = h.m.Release(ctx, agent, id)
				case 4:
					_, _ = h.m.Takeover(ctx, agent, id)
				case 5:
					_, _ = h.m.Close(ctx, agent, id)
				case 6:
					_, _ = h.m.Heartbeat(ctx, agent)
				case 7:
					h.clock.Advance(time.Duration(rng.Intn(30)) * time.Second)
					_, err := h.m.Expire(ctx)
					require.NoError(t, err)
				}
				checkInvariants(t, ctx, h.m, closed)
			}
			assert.NotEmpty(t, ids)
		})
	}
}

func TestConcurrentOpenHasSingleWinner(t *testing.T) {
	for name, newStore := range stores(t) {
		t.Run(name, func(t *testing.T) {
			h := newHarness(t, newStore())
			ctx := context.Background()
			conv := h.join(t)

			const workers = 16
			var (
				wg        sync.WaitGroup
				wins      atomic.Int32
				conflicts atomic.Int32
			)
			start := make(chan struct{})
			for i := 0; i < workers; i++ {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					<-start
					agent := core.Participant{Role: core.RoleAgent, ID: fmt.Sprintf("agent-%d", i), AgentRole: "agent"}
					_, err := h.m.Open(ctx, agent, conv.ID)
					if err == nil {
						wins.Add(1)
						return
					}
					if _, ok := core.AsLockError(err); ok {
						conflicts.Add(1)
						return
					}
					t.Errorf("unexpected error: %v", err)
				}(i)
			}
			close(start)
			wg.Wait()

			assert.EqualValues(t, 1, wins.Load())
			assert.EqualValues(t, workers-1, conflicts.Load())
		})
	}
}
