package jobs

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gpufleet/gpufleet/internal/models"
)

func TestRecoveryForceFailsStuckProvisioning(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	inst := e.seed(t, models.StatusProvisioning, func(i *models.Instance) {
		i.CreatedAt = time.Now().Add(-time.Hour)
	})

	rec := NewRecovery(e.deps)
	require.NoError(t, rec.Tick(context.Background()))

	got := e.get(t, inst)
	assert.Equal(t, models.StatusProvisioningFailed, got.Status)
	assert.Equal(t, "state_timeout", got.ErrorCode)
	assert.NotNil(t, got.FailedAt)
}

func TestRecoveryMeasuresFromPhaseEntry(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	ctx := context.Background()
	boot := time.Now().Add(-3 * time.Hour)
	inst := e.seed(t, models.StatusBooting, func(i *models.Instance) {
		i.CreatedAt = boot
		i.BootStartedAt = &boot
	})

	// Entered installing ten minutes ago. The three hours spent booting
	// must not count against the install budget.
	tenAgo := time.Now().Add(-10 * time.Minute)
	e.store.SetClock(func() time.Time { return tenAgo })
	applied, err := e.machine.Advance(ctx, inst.ID, models.StatusBooting, models.StatusInstalling, "instance reachable")
	require.NoError(t, err)
	require.True(t, applied)
	e.store.SetClock(time.Now)

	rec := NewRecovery(e.deps)
	require.NoError(t, rec.Tick(ctx))
	assert.Equal(t, models.StatusInstalling, e.get(t, inst).Status)
}

func TestRecoveryFailsExpiredInstallPhase(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	ctx := context.Background()
	inst := e.seed(t, models.StatusBooting)

	entered := time.Now().Add(-50 * time.Minute)
	e.store.SetClock(func() time.Time { return entered })
	applied, err := e.machine.Advance(ctx, inst.ID, models.StatusBooting, models.StatusInstalling, "instance reachable")
	require.NoError(t, err)
	require.True(t, applied)
	e.store.SetClock(time.Now)

	rec := NewRecovery(e.deps)
	require.NoError(t, rec.Tick(ctx))

	got := e.get(t, inst)
	assert.Equal(t, models.StatusStartupFailed, got.Status)
	assert.Equal(t, "state_timeout", got.ErrorCode)
}

func TestRecoveryFailsStuckTermination(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	past := time.Now().Add(-2 * time.Hour)
	inst := e.seed(t, models.StatusTerminating, func(i *models.Instance) {
		i.CreatedAt = past
	})

	rec := NewRecovery(e.deps)
	require.NoError(t, rec.Tick(context.Background()))

	got := e.get(t, inst)
	assert.Equal(t, models.StatusFailed, got.Status)
	assert.Equal(t, "state_timeout", got.ErrorCode)
}

func TestRecoveryIgnoresHealthyRows(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	fresh := e.seed(t, models.StatusBooting, func(i *models.Instance) {
		now := time.Now()
		i.BootStartedAt = &now
	})
	ready := e.seed(t, models.StatusReady, func(i *models.Instance) {
		i.CreatedAt = time.Now().Add(-24 * time.Hour)
	})

	rec := NewRecovery(e.deps)
	require.NoError(t, rec.Tick(context.Background()))

	assert.Equal(t, models.StatusBooting, e.get(t, fresh).Status)
	assert.Equal(t, models.StatusReady, e.get(t, ready).Status)
}
