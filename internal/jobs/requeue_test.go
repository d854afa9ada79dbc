package jobs

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gpufleet/gpufleet/internal/dispatcher"
	"github.com/gpufleet/gpufleet/internal/models"
	"github.com/gpufleet/gpufleet/internal/store"
)

func newRequeue(e *env) *Requeue {
	d := dispatcher.New(e.store, e.machine, e.provider, dispatcher.NewLocalBus(),
		"gpufleet.commands", "ubuntu-24.04", e.deps.Timeouts, e.deps.Log)
	return NewRequeue(e.deps, d)
}

func TestRequeueResumesStalledProvisioning(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	// The PROVISION command was lost; the row has sat unattended past the
	// requeue window.
	inst := e.seed(t, models.StatusProvisioning, func(i *models.Instance) {
		i.CreatedAt = time.Now().Add(-5 * time.Minute)
	})

	rq := newRequeue(e)
	require.NoError(t, rq.Tick(context.Background()))

	got := e.get(t, inst)
	assert.Equal(t, models.StatusBooting, got.Status)
	assert.NotEmpty(t, got.ProviderInstanceID)
	assert.NotEmpty(t, got.IPAddress)
	assert.Equal(t, 1, got.RetryCount)
}

func TestRequeueLeavesFreshRowsAlone(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	inst := e.seed(t, models.StatusProvisioning)

	rq := newRequeue(e)
	require.NoError(t, rq.Tick(context.Background()))

	got := e.get(t, inst)
	assert.Equal(t, models.StatusProvisioning, got.Status)
	assert.Empty(t, got.ProviderInstanceID)
	assert.Zero(t, got.RetryCount)
}

func TestDroppedProvisionReachesReadyUnattended(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	ctx := context.Background()
	inst := e.seed(t, models.StatusProvisioning, func(i *models.Instance) {
		i.CreatedAt = time.Now().Add(-5 * time.Minute)
	})

	rq := newRequeue(e)
	require.NoError(t, rq.Tick(ctx))
	require.Equal(t, models.StatusBooting, e.get(t, inst).Status)

	// The worker comes up and reports ready; the next health-check tick
	// trusts the heartbeat and promotes the instance with no command
	// involved at any point.
	_, err := e.store.RecordHeartbeat(ctx, inst.ID, store.WorkerReport{Status: models.WorkerReady})
	require.NoError(t, err)

	hc := NewHealthCheck(e.deps)
	require.NoError(t, hc.Tick(ctx))

	got := e.get(t, inst)
	assert.Equal(t, models.StatusReady, got.Status)
	assert.NotNil(t, got.ReadyAt)
}

func TestRequeueFailsRowsPastRetryCap(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	inst := e.seed(t, models.StatusProvisioning, func(i *models.Instance) {
		i.CreatedAt = time.Now().Add(-time.Hour)
		i.RetryCount = e.deps.Timeouts.ProvisionRetryCap
	})

	rq := newRequeue(e)
	require.NoError(t, rq.Tick(context.Background()))

	got := e.get(t, inst)
	assert.Equal(t, models.StatusProvisioningFailed, got.Status)
	assert.Equal(t, "provision_retry_exhausted", got.ErrorCode)
	assert.Empty(t, got.ProviderInstanceID)
}
