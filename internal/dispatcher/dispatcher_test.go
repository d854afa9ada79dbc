package dispatcher

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gpufleet/gpufleet/internal/config"
	"github.com/gpufleet/gpufleet/internal/models"
	"github.com/gpufleet/gpufleet/internal/provider"
	"github.com/gpufleet/gpufleet/internal/provider/mock"
	"github.com/gpufleet/gpufleet/internal/statemachine"
	"github.com/gpufleet/gpufleet/internal/store"
)

func testTimeouts() *config.Timeouts {
	t := config.LoadTimeouts()
	t.IPPollAttempts = 2
	t.IPPollDelay = time.Millisecond
	return t
}

func newDispatcher(t *testing.T) (*Dispatcher, *store.Memory, *mock.Provider) {
	t.Helper()
	st := store.NewMemory()
	pv := mock.New()
	machine := statemachine.New(st, zerolog.Nop())
	d := New(st, machine, pv, NewLocalBus(), "gpufleet.commands", "ubuntu-24.04", testTimeouts(), zerolog.Nop())
	return d, st, pv
}

func TestProvisionHappyPath(t *testing.T) {
	t.Parallel()
	d, st, pv := newDispatcher(t)
	ctx := context.Background()

	id, err := d.Provision(ctx, models.Command{
		Type: models.CommandProvision, Zone: "fsn1",
		InstanceType: "gpu-l40s", ModelID: "llama-3-70b",
	})
	require.NoError(t, err)

	inst, err := st.GetInstance(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.StatusBooting, inst.Status)
	assert.NotEmpty(t, inst.ProviderInstanceID)
	assert.NotEmpty(t, inst.IPAddress)
	assert.NotNil(t, inst.BootStartedAt)
	assert.Equal(t, 1, pv.ServerCount())

	actions, err := st.CompletedActions(ctx, id)
	require.NoError(t, err)
	assert.Contains(t, actions, models.ActionProviderCreate)
	assert.Contains(t, actions, models.ActionProviderStart)
	assert.Contains(t, actions, models.ActionIPAssigned)
}

func TestProvisionResolvesConfiguredBootImage(t *testing.T) {
	t.Parallel()
	d, _, pv := newDispatcher(t)
	ctx := context.Background()

	var captured provider.CreateRequest
	pv.CreateErr = func(req provider.CreateRequest) error {
		captured = req
		return nil
	}

	_, err := d.Provision(ctx, models.Command{Type: models.CommandProvision, Zone: "fsn1", InstanceType: "gpu-l40s"})
	require.NoError(t, err)
	assert.Equal(t, "img-ubuntu-24.04", captured.BootImage,
		"create request must carry the adapter-resolved image, not the raw name")
}

func TestProvisionUnresolvableBootImageFailsPermanently(t *testing.T) {
	t.Parallel()
	d, st, pv := newDispatcher(t)
	ctx := context.Background()
	pv.ResolveErr = func(string) error {
		return &provider.PermanentError{Code: "image_not_found", Err: errors.New("no such image")}
	}

	id, err := d.Provision(ctx, models.Command{Type: models.CommandProvision, Zone: "fsn1", InstanceType: "gpu-l40s"})
	require.NoError(t, err)

	inst, err := st.GetInstance(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.StatusProvisioningFailed, inst.Status)
	assert.Equal(t, "image_not_found", inst.ErrorCode)
	assert.Equal(t, 0, pv.ServerCount(), "no server may be created without a resolved image")
}

func TestProvisionPermanentFailure(t *testing.T) {
	t.Parallel()
	d, st, pv := newDispatcher(t)
	ctx := context.Background()
	pv.CreateErr = func(provider.CreateRequest) error {
		return &provider.PermanentError{Code: "quota_exceeded", Err: errors.New("limit reached")}
	}

	id, err := d.Provision(ctx, models.Command{Type: models.CommandProvision, Zone: "fsn1", InstanceType: "gpu-l40s"})
	require.NoError(t, err, "permanent failure is handled, not propagated")

	inst, err := st.GetInstance(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.StatusProvisioningFailed, inst.Status)
	assert.Equal(t, "quota_exceeded", inst.ErrorCode)
	assert.NotNil(t, inst.FailedAt)
}

func TestProvisionTransientFailureLeavesRowForRequeue(t *testing.T) {
	t.Parallel()
	d, st, pv := newDispatcher(t)
	ctx := context.Background()
	pv.CreateErr = func(provider.CreateRequest) error {
		return errors.New("api timeout")
	}

	id, err := d.Provision(ctx, models.Command{Type: models.CommandProvision, Zone: "fsn1", InstanceType: "gpu-l40s"})
	require.Error(t, err)

	inst, err := st.GetInstance(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.StatusProvisioning, inst.Status, "transient failure must not fail the row")
	assert.Equal(t, "provider_error", inst.ErrorCode)
}

func TestProvisionResumeIsIdempotent(t *testing.T) {
	t.Parallel()
	d, st, pv := newDispatcher(t)
	ctx := context.Background()

	id, err := d.Provision(ctx, models.Command{Type: models.CommandProvision, Zone: "fsn1", InstanceType: "gpu-l40s"})
	require.NoError(t, err)

	// Re-issuing against the booting row changes nothing.
	again, err := d.Provision(ctx, models.Command{Type: models.CommandProvision, InstanceID: id})
	require.NoError(t, err)
	assert.Equal(t, id, again)
	assert.Equal(t, 1, pv.ServerCount())

	inst, err := st.GetInstance(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.StatusBooting, inst.Status)
}

func TestProvisionDelayedIPDefersToHealthCheck(t *testing.T) {
	t.Parallel()
	d, st, pv := newDispatcher(t)
	pv.DelayIPAssignment = 10 // more polls than the budget allows
	ctx := context.Background()

	id, err := d.Provision(ctx, models.Command{Type: models.CommandProvision, Zone: "fsn1", InstanceType: "gpu-l40s"})
	require.NoError(t, err)

	inst, err := st.GetInstance(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.StatusBooting, inst.Status, "missing ip must not block the transition")
	assert.Empty(t, inst.IPAddress)
}

func TestTerminateMarksTerminatingAndRevokesToken(t *testing.T) {
	t.Parallel()
	d, st, _ := newDispatcher(t)
	ctx := context.Background()

	id, err := d.Provision(ctx, models.Command{Type: models.CommandProvision, Zone: "fsn1", InstanceType: "gpu-l40s"})
	require.NoError(t, err)
	_, err = st.CreateWorkerToken(ctx, &models.WorkerAuthToken{InstanceID: id, TokenHash: "aa"})
	require.NoError(t, err)

	require.NoError(t, d.Terminate(ctx, id, "scale down"))

	inst, err := st.GetInstance(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.StatusTerminating, inst.Status)
	assert.Equal(t, "scale down", inst.DeletionReason)
	_, err = st.GetWorkerToken(ctx, id)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestReinstallResetsBootWindow(t *testing.T) {
	t.Parallel()
	d, st, _ := newDispatcher(t)
	ctx := context.Background()

	id, err := d.Provision(ctx, models.Command{Type: models.CommandProvision, Zone: "fsn1", InstanceType: "gpu-l40s"})
	require.NoError(t, err)
	machine := statemachine.New(st, zerolog.Nop())
	_, err = machine.Advance(ctx, id, models.StatusBooting, models.StatusReady, "test")
	require.NoError(t, err)

	require.NoError(t, d.Reinstall(ctx, id))

	inst, err := st.GetInstance(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.StatusBooting, inst.Status)
	assert.Empty(t, inst.ErrorCode)
}

func TestReinstallRefusedWhileComingUp(t *testing.T) {
	t.Parallel()
	d, st, _ := newDispatcher(t)
	ctx := context.Background()
	inst := &models.Instance{Provider: "mock", Zone: "fsn1", InstanceType: "gpu-l40s", Status: models.StatusInstalling}
	require.NoError(t, st.CreateInstance(ctx, inst))

	assert.Error(t, d.Reinstall(ctx, inst.ID))
}

func TestSyncCatalog(t *testing.T) {
	t.Parallel()
	d, st, _ := newDispatcher(t)
	ctx := context.Background()

	require.NoError(t, d.SyncCatalog(ctx))
	types, err := st.ListInstanceTypes(ctx, "mock")
	require.NoError(t, err)
	assert.Len(t, types, 2)
}

func TestReconcileImportsOrphanAndRevivesZombie(t *testing.T) {
	t.Parallel()
	d, st, pv := newDispatcher(t)
	ctx := context.Background()

	// Zombie: terminal row whose provider resource still exists.
	id, err := d.Provision(ctx, models.Command{Type: models.CommandProvision, Zone: "fsn1", InstanceType: "gpu-l40s"})
	require.NoError(t, err)
	machine := statemachine.New(st, zerolog.Nop())
	_, err = machine.Advance(ctx, id, models.StatusBooting, models.StatusReady, "test")
	require.NoError(t, err)
	_, err = machine.MarkProviderDeleted(ctx, id, "mistaken watchdog call")
	require.NoError(t, err)

	// Orphan: provider instance with no store row.
	created, err := pv.CreateInstance(ctx, provider.CreateRequest{Name: "stray", Zone: "fsn1"})
	require.NoError(t, err)

	require.NoError(t, d.Reconcile(ctx))

	zombie, err := st.GetInstance(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.StatusReady, zombie.Status)
	assert.Nil(t, zombie.TerminatedAt)

	orphan, err := st.GetInstanceByProviderID(ctx, created.ProviderInstanceID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusReady, orphan.Status)
}

func TestRunHandlesBusCommands(t *testing.T) {
	t.Parallel()
	st := store.NewMemory()
	pv := mock.New()
	machine := statemachine.New(st, zerolog.Nop())
	bus := NewLocalBus()
	d := New(st, machine, pv, bus, "gpufleet.commands", "ubuntu-24.04", testTimeouts(), zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	// Give Run a moment to subscribe.
	require.Eventually(t, func() bool {
		data, _ := json.Marshal(models.Command{
			Type: models.CommandProvision, Zone: "fsn1",
			InstanceType: "gpu-l40s", CorrelationID: uuid.NewString(),
		})
		require.NoError(t, bus.Publish("gpufleet.commands", data))
		instances, err := st.ListInstancesByStatus(context.Background(), models.StatusBooting)
		return err == nil && len(instances) > 0
	}, 3*time.Second, 50*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
}
