package jobs

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gpufleet/gpufleet/internal/models"
	"github.com/gpufleet/gpufleet/internal/provider"
	"github.com/gpufleet/gpufleet/internal/store"
)

func TestTerminatorDeletesFlaggedVolumesAndConfirms(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	ctx := context.Background()
	created, err := e.provider.CreateInstance(ctx, providerCreateRequest())
	require.NoError(t, err)
	e.provider.AttachVolume(created.ProviderInstanceID, provider.AttachedVolume{
		ProviderVolumeID: "vol-boot", VolumeType: "local-ssd", SizeBytes: 100 << 30, IsBoot: true,
	})
	e.provider.AttachVolume(created.ProviderInstanceID, provider.AttachedVolume{
		ProviderVolumeID: "vol-data", VolumeType: "network-ssd", SizeBytes: 500 << 30,
	})

	inst := e.seed(t, models.StatusTerminating, func(i *models.Instance) {
		i.ProviderInstanceID = created.ProviderInstanceID
	})
	require.NoError(t, e.store.UpsertVolume(ctx, &models.Volume{
		InstanceID:        inst.ID,
		ProviderVolumeID:  "vol-boot",
		VolumeType:        "local-ssd",
		SizeBytes:         100 << 30,
		IsBoot:            true,
		DeleteOnTerminate: true,
		Status:            models.VolumeAttached,
	}))
	issued, err := e.store.CreateWorkerToken(ctx, &models.WorkerAuthToken{
		InstanceID: inst.ID, TokenHash: "deadbeef", TokenPrefix: "deadbeef",
	})
	require.NoError(t, err)
	require.True(t, issued)

	tm := NewTerminator(e.deps)
	require.NoError(t, tm.Tick(ctx))

	got := e.get(t, inst)
	assert.Equal(t, models.StatusTerminated, got.Status)
	assert.NotNil(t, got.TerminatedAt)
	assert.Zero(t, e.provider.ServerCount())
	assert.False(t, e.provider.VolumeExists("vol-boot"))

	// Not flagged delete-on-terminate: discovered and tracked, never
	// deleted.
	assert.True(t, e.provider.VolumeExists("vol-data"))
	vols, err := e.store.ListVolumes(ctx, inst.ID)
	require.NoError(t, err)
	byID := make(map[string]*models.Volume, len(vols))
	for _, v := range vols {
		byID[v.ProviderVolumeID] = v
	}
	require.Contains(t, byID, "vol-data")
	assert.False(t, byID["vol-data"].DeleteOnTerminate)
	assert.Equal(t, models.VolumeDeleted, byID["vol-boot"].Status)

	_, err = e.store.GetWorkerToken(ctx, inst.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestTerminatorConfirmsRowWithoutProviderResource(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	inst := e.seed(t, models.StatusTerminating)

	tm := NewTerminator(e.deps)
	require.NoError(t, tm.Tick(context.Background()))

	got := e.get(t, inst)
	assert.Equal(t, models.StatusTerminated, got.Status)
}

func TestTerminatorAlreadyGoneResourceConfirms(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	inst := e.seed(t, models.StatusTerminating, func(i *models.Instance) {
		i.ProviderInstanceID = "mock-404"
	})

	tm := NewTerminator(e.deps)
	require.NoError(t, tm.Tick(context.Background()))

	got := e.get(t, inst)
	assert.Equal(t, models.StatusTerminated, got.Status)
}

func TestTerminatorRetryExhaustionFlagsRow(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	ctx := context.Background()
	created, err := e.provider.CreateInstance(ctx, providerCreateRequest())
	require.NoError(t, err)
	e.provider.DeleteErr = func(string) error { return errors.New("provider api down") }

	retryCap := e.deps.Timeouts.TerminateRetryCap
	inst := e.seed(t, models.StatusTerminating, func(i *models.Instance) {
		i.ProviderInstanceID = created.ProviderInstanceID
		i.RetryCount = retryCap - 1
	})

	tm := NewTerminator(e.deps)
	require.NoError(t, tm.Tick(ctx))

	got := e.get(t, inst)
	assert.Equal(t, models.StatusTerminating, got.Status)
	assert.Equal(t, retryCap, got.RetryCount)
	assert.Equal(t, "terminate_retry_exhausted", got.ErrorCode)

	// Exhausted rows drop out of the claim entirely.
	require.NoError(t, e.store.ReleaseClaim(ctx, inst.ID, store.LeaseReconciliation))
	require.NoError(t, tm.Tick(ctx))
	got = e.get(t, inst)
	assert.Equal(t, retryCap, got.RetryCount)
}

func TestTerminatorKeepsRowUntilProviderConfirms(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	ctx := context.Background()
	created, err := e.provider.CreateInstance(ctx, providerCreateRequest())
	require.NoError(t, err)
	// Delete succeeds but the resource lingers, as async providers do.
	e.provider.LingerAfterDelete = true

	inst := e.seed(t, models.StatusTerminating, func(i *models.Instance) {
		i.ProviderInstanceID = created.ProviderInstanceID
	})

	tm := NewTerminator(e.deps)

	// A slow but healthy delete may span many ticks; in-flight ticks must
	// not consume the retry budget or flag the row.
	for i := 0; i < e.deps.Timeouts.TerminateRetryCap+2; i++ {
		require.NoError(t, tm.Tick(ctx))
		require.NoError(t, e.store.ReleaseClaim(ctx, inst.ID, store.LeaseReconciliation))
	}
	got := e.get(t, inst)
	assert.Equal(t, models.StatusTerminating, got.Status)
	assert.Zero(t, got.RetryCount)
	assert.Empty(t, got.ErrorCode)

	// The provider finished the deletion; the next tick confirms.
	e.provider.LingerAfterDelete = false
	e.provider.RemoveServer(created.ProviderInstanceID)
	require.NoError(t, tm.Tick(ctx))
	assert.Equal(t, models.StatusTerminated, e.get(t, inst).Status)
}

func TestTerminatorLeaseIsSharedWithOtherReconciliationJobs(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	ctx := context.Background()
	inst := e.seed(t, models.StatusTerminating)

	// A fresh reconciliation lease from any claimant hides the row.
	claimed, err := e.store.Claim(ctx, store.ClaimSpec{
		Statuses:       []models.Status{models.StatusTerminating},
		Lease:          store.LeaseReconciliation,
		LeaseOlderThan: e.deps.Timeouts.ClaimLease,
		Limit:          1,
	})
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	tm := NewTerminator(e.deps)
	require.NoError(t, tm.Tick(ctx))
	assert.Equal(t, models.StatusTerminating, e.get(t, inst).Status)
}
