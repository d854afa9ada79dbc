package routing

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gpufleet/gpufleet/internal/models"
	"github.com/gpufleet/gpufleet/internal/store"
)

func seedReady(t *testing.T, st *store.Memory, modelID string, queueDepth int) uuid.UUID {
	t.Helper()
	ctx := context.Background()
	inst := &models.Instance{
		Provider: "mock", Zone: "fsn1", InstanceType: "gpu-l40s",
		ModelID: modelID, Status: models.StatusReady,
	}
	require.NoError(t, st.CreateInstance(ctx, inst))
	d := queueDepth
	_, err := st.RecordHeartbeat(ctx, inst.ID, store.WorkerReport{
		Status: models.WorkerReady, ModelID: modelID, QueueDepth: &d,
	})
	require.NoError(t, err)
	return inst.ID
}

func TestSelectRanksByQueueDepth(t *testing.T) {
	t.Parallel()
	st := store.NewMemory()
	busy := seedReady(t, st, "llama-3-70b", 8)
	quiet := seedReady(t, st, "llama-3-70b", 1)

	sel := NewSelector(st, 5*time.Minute)
	got, err := sel.Select(context.Background(), "llama-3-70b", "")
	require.NoError(t, err)
	assert.Equal(t, quiet, got.ID)
	assert.NotEqual(t, busy, got.ID)
}

func TestSelectNoReadyWorker(t *testing.T) {
	t.Parallel()
	st := store.NewMemory()
	seedReady(t, st, "mistral-7b", 0)

	sel := NewSelector(st, 5*time.Minute)
	_, err := sel.Select(context.Background(), "llama-3-70b", "")
	assert.ErrorIs(t, err, ErrNoReadyWorker)
}

func TestSelectExcludesStale(t *testing.T) {
	t.Parallel()
	st := store.NewMemory()
	id := seedReady(t, st, "llama-3-70b", 0)

	sel := NewSelector(st, 5*time.Minute)
	got, err := sel.Select(context.Background(), "llama-3-70b", "")
	require.NoError(t, err)
	assert.Equal(t, id, got.ID)

	// Heartbeats stop; once the window elapses the instance is excluded
	// even though its status is still ready.
	st.SetClock(func() time.Time { return time.Now().Add(6 * time.Minute) })
	_, err = sel.Select(context.Background(), "llama-3-70b", "")
	assert.ErrorIs(t, err, ErrNoReadyWorker)
}

func TestSelectIgnoresReconciliationStamps(t *testing.T) {
	t.Parallel()
	st := store.NewMemory()
	seedReady(t, st, "llama-3-70b", 0)

	// Heartbeats stop and the staleness window elapses.
	st.SetClock(func() time.Time { return time.Now().Add(6 * time.Minute) })

	// The watchdog claims the ready row, stamping last_reconciliation to
	// now. That stamp records orchestrator activity, not worker liveness,
	// and must not revive the row for routing.
	claimed, err := st.Claim(context.Background(), store.ClaimSpec{
		Statuses:       []models.Status{models.StatusReady},
		Lease:          store.LeaseReconciliation,
		LeaseOlderThan: 30 * time.Second,
		Limit:          10,
	})
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	sel := NewSelector(st, 5*time.Minute)
	_, err = sel.Select(context.Background(), "llama-3-70b", "")
	assert.ErrorIs(t, err, ErrNoReadyWorker)
}

func TestSelectStickyIsStable(t *testing.T) {
	t.Parallel()
	st := store.NewMemory()
	for i := 0; i < 5; i++ {
		seedReady(t, st, "llama-3-70b", i)
	}

	sel := NewSelector(st, 5*time.Minute)
	first, err := sel.Select(context.Background(), "llama-3-70b", "session-abc")
	require.NoError(t, err)
	for i := 0; i < 10; i++ {
		got, err := sel.Select(context.Background(), "llama-3-70b", "session-abc")
		require.NoError(t, err)
		assert.Equal(t, first.ID, got.ID, "sticky pick must be stable over a stable candidate set")
	}

	// A different key may land elsewhere; whatever it picks is also stable.
	other, err := sel.Select(context.Background(), "llama-3-70b", "session-xyz")
	require.NoError(t, err)
	again, err := sel.Select(context.Background(), "llama-3-70b", "session-xyz")
	require.NoError(t, err)
	assert.Equal(t, other.ID, again.ID)
}

func TestSelectStickyDropsWithCandidate(t *testing.T) {
	t.Parallel()
	st := store.NewMemory()
	ctx := context.Background()
	a := seedReady(t, st, "llama-3-70b", 0)
	b := seedReady(t, st, "llama-3-70b", 0)

	sel := NewSelector(st, 5*time.Minute)
	pinned, err := sel.Select(ctx, "llama-3-70b", "key-1")
	require.NoError(t, err)

	// Drain the pinned worker; the sticky key silently moves to a
	// remaining candidate instead of failing.
	_, err = st.RecordHeartbeat(ctx, pinned.ID, store.WorkerReport{Status: models.WorkerDraining})
	require.NoError(t, err)

	got, err := sel.Select(ctx, "llama-3-70b", "key-1")
	require.NoError(t, err)
	assert.NotEqual(t, pinned.ID, got.ID)
	assert.Contains(t, []uuid.UUID{a, b}, got.ID)
}
