package heartbeat

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gpufleet/gpufleet/internal/models"
	"github.com/gpufleet/gpufleet/internal/statemachine"
	"github.com/gpufleet/gpufleet/internal/store"
)

func newService(t *testing.T) (*Service, *store.Memory) {
	t.Helper()
	st := store.NewMemory()
	machine := statemachine.New(st, zerolog.Nop())
	return NewService(st, machine, 3, zerolog.Nop()), st
}

func seed(t *testing.T, st *store.Memory, status models.Status, provider, ip string) *models.Instance {
	t.Helper()
	inst := &models.Instance{
		Provider: provider, Zone: "fsn1", InstanceType: "gpu-l40s",
		IPAddress: ip, Status: status,
	}
	require.NoError(t, st.CreateInstance(context.Background(), inst))
	return inst
}

func TestRegisterIssuesTokenOnce(t *testing.T) {
	t.Parallel()
	svc, st := newService(t)
	ctx := context.Background()
	inst := seed(t, st, models.StatusBooting, "hetzner", "203.0.113.7")

	token, err := svc.Register(ctx, inst.ID, "203.0.113.7", store.WorkerRegistration{
		ModelID: "llama-3-70b", HealthPort: 8081, InferencePort: 8000,
	})
	require.NoError(t, err)
	require.NotEmpty(t, token)

	require.NoError(t, svc.Authenticate(ctx, inst.ID, token))
	assert.ErrorIs(t, svc.Authenticate(ctx, inst.ID, "not-the-token"), ErrUnauthorized)

	_, err = svc.Register(ctx, inst.ID, "203.0.113.7", store.WorkerRegistration{})
	assert.ErrorIs(t, err, ErrAlreadyRegistered)

	got, err := st.GetInstance(ctx, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, 8081, got.Worker.HealthPort)
	assert.Equal(t, 8000, got.Worker.InferencePort)
	assert.Equal(t, models.WorkerStarting, got.Worker.Status)
}

func TestRegisterRefusesForeignIP(t *testing.T) {
	t.Parallel()
	svc, st := newService(t)
	inst := seed(t, st, models.StatusBooting, "hetzner", "203.0.113.7")

	_, err := svc.Register(context.Background(), inst.ID, "198.51.100.9", store.WorkerRegistration{})
	assert.ErrorIs(t, err, ErrIPMismatch)
}

func TestRegisterMockProviderSkipsIPCheck(t *testing.T) {
	t.Parallel()
	svc, st := newService(t)
	inst := seed(t, st, models.StatusBooting, "mock", "10.0.0.1")

	_, err := svc.Register(context.Background(), inst.ID, "127.0.0.1", store.WorkerRegistration{})
	assert.NoError(t, err)
}

func TestReportUpdatesWorkerFieldsOnly(t *testing.T) {
	t.Parallel()
	svc, st := newService(t)
	ctx := context.Background()
	inst := seed(t, st, models.StatusStarting, "mock", "10.0.0.1")

	depth := 3
	util := 0.71
	require.NoError(t, svc.Report(ctx, inst.ID, store.WorkerReport{
		Status: models.WorkerReady, ModelID: "llama-3-70b",
		QueueDepth: &depth, GPUUtilization: &util,
	}))

	got, err := st.GetInstance(ctx, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusStarting, got.Status, "heartbeat must not change lifecycle status")
	assert.Equal(t, models.WorkerReady, got.Worker.Status)
	assert.Equal(t, 3, got.Worker.QueueDepth)
	assert.NotNil(t, got.Worker.LastHeartbeat)
}

func TestReportTerminalRefused(t *testing.T) {
	t.Parallel()
	svc, st := newService(t)
	inst := seed(t, st, models.StatusTerminated, "mock", "10.0.0.1")

	err := svc.Report(context.Background(), inst.ID, store.WorkerReport{Status: models.WorkerReady})
	assert.ErrorIs(t, err, ErrInstanceTerminal)
}

func TestLateHeartbeatSelfHealsBounded(t *testing.T) {
	t.Parallel()
	svc, st := newService(t)
	ctx := context.Background()
	machine := statemachine.New(st, zerolog.Nop())
	inst := seed(t, st, models.StatusBooting, "mock", "10.0.0.1")

	// Three full fail/heal rounds are allowed.
	for round := 0; round < 3; round++ {
		_, err := machine.FailStartup(ctx, inst.ID, models.StatusBooting, "boot_timeout", "no heartbeat")
		require.NoError(t, err)
		require.NoError(t, svc.Report(ctx, inst.ID, store.WorkerReport{Status: models.WorkerStarting}))
		got, err := st.GetInstance(ctx, inst.ID)
		require.NoError(t, err)
		assert.Equal(t, models.StatusBooting, got.Status, "round %d", round)
	}

	// The fourth failure is final; the late heartbeat no longer heals.
	_, err := machine.FailStartup(ctx, inst.ID, models.StatusBooting, "boot_timeout", "no heartbeat")
	require.NoError(t, err)
	require.NoError(t, svc.Report(ctx, inst.ID, store.WorkerReport{Status: models.WorkerStarting}))
	got, err := st.GetInstance(ctx, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusStartupFailed, got.Status)
}
