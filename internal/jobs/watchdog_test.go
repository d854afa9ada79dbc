package jobs

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gpufleet/gpufleet/internal/models"
	"github.com/gpufleet/gpufleet/internal/provider"
)

func TestWatchDogMarksOutOfBandDeletion(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	ctx := context.Background()
	created, err := e.provider.CreateInstance(ctx, providerCreateRequest())
	require.NoError(t, err)
	inst := e.seed(t, models.StatusReady, func(i *models.Instance) {
		i.ProviderInstanceID = created.ProviderInstanceID
	})

	// Someone deletes the server in the provider console.
	e.provider.RemoveServer(created.ProviderInstanceID)

	wd := NewWatchDog(e.deps)
	require.NoError(t, wd.Tick(ctx))

	got := e.get(t, inst)
	assert.Equal(t, models.StatusTerminated, got.Status)
	assert.True(t, got.DeletedByProvider)
	assert.NotNil(t, got.TerminatedAt)
}

func TestWatchDogTreatsMissingProviderIDAsDeletion(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	inst := e.seed(t, models.StatusReady)

	wd := NewWatchDog(e.deps)
	require.NoError(t, wd.Tick(context.Background()))

	got := e.get(t, inst)
	assert.Equal(t, models.StatusTerminated, got.Status)
}

func TestWatchDogBackfillsUntrackedVolumes(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	ctx := context.Background()
	created, err := e.provider.CreateInstance(ctx, providerCreateRequest())
	require.NoError(t, err)
	e.provider.AttachVolume(created.ProviderInstanceID, provider.AttachedVolume{
		ProviderVolumeID: "vol-scratch", VolumeType: "network-ssd", SizeBytes: 200 << 30,
	})
	inst := e.seed(t, models.StatusReady, func(i *models.Instance) {
		i.ProviderInstanceID = created.ProviderInstanceID
	})

	wd := NewWatchDog(e.deps)
	require.NoError(t, wd.Tick(ctx))

	got := e.get(t, inst)
	assert.Equal(t, models.StatusReady, got.Status)

	vols, err := e.store.ListVolumes(ctx, inst.ID)
	require.NoError(t, err)
	require.Len(t, vols, 1)
	assert.Equal(t, "vol-scratch", vols[0].ProviderVolumeID)
	assert.False(t, vols[0].DeleteOnTerminate)
	assert.NotNil(t, vols[0].ReconciledAt)
}

func TestWatchDogSecondReplicaSkipsFreshLease(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	ctx := context.Background()
	created, err := e.provider.CreateInstance(ctx, providerCreateRequest())
	require.NoError(t, err)
	inst := e.seed(t, models.StatusReady, func(i *models.Instance) {
		i.ProviderInstanceID = created.ProviderInstanceID
	})

	first := NewWatchDog(e.deps)
	require.NoError(t, first.Tick(ctx))

	// The server vanishes right after the first audit. A second replica
	// ticking inside the lease window must not re-audit the row.
	e.provider.RemoveServer(created.ProviderInstanceID)
	second := NewWatchDog(e.deps)
	require.NoError(t, second.Tick(ctx))

	assert.Equal(t, models.StatusReady, e.get(t, inst).Status)
}
