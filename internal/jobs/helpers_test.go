package jobs

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/gpufleet/gpufleet/internal/config"
	"github.com/gpufleet/gpufleet/internal/models"
	"github.com/gpufleet/gpufleet/internal/probe"
	"github.com/gpufleet/gpufleet/internal/provider"
	"github.com/gpufleet/gpufleet/internal/provider/mock"
	"github.com/gpufleet/gpufleet/internal/statemachine"
	"github.com/gpufleet/gpufleet/internal/store"
)

func testTimeouts() *config.Timeouts {
	return &config.Timeouts{
		HeartbeatTrust:   30 * time.Second,
		RoutingStaleness: 5 * time.Minute,

		BootTimeout:         2 * time.Hour,
		InstallTimeout:      45 * time.Minute,
		ModelLoadTimeout:    30 * time.Minute,
		ProvisioningTimeout: 30 * time.Minute,
		TerminatingTimeout:  time.Hour,

		RequeueAfter:          time.Minute,
		ProvisionRetryCap:     3,
		StartupRetryCap:       3,
		HealthCheckFailureCap: 3,
		TerminateRetryCap:     3,

		HealthCheckInterval: 10 * time.Millisecond,
		TerminatorInterval:  10 * time.Millisecond,
		WatchDogInterval:    10 * time.Millisecond,
		RequeueInterval:     10 * time.Millisecond,
		RecoveryInterval:    10 * time.Millisecond,

		ClaimBatch: 50,
		ClaimLease: 30 * time.Second,

		ProbeTimeout:   200 * time.Millisecond,
		IPPollAttempts: 2,
		IPPollDelay:    time.Millisecond,
	}
}

type env struct {
	store    *store.Memory
	provider *mock.Provider
	machine  *statemachine.Machine
	deps     Deps
}

func newEnv(t *testing.T) *env {
	t.Helper()
	st := store.NewMemory()
	pv := mock.New()
	log := zerolog.Nop()
	machine := statemachine.New(st, log)
	return &env{
		store:    st,
		provider: pv,
		machine:  machine,
		deps: Deps{
			Store:    st,
			Machine:  machine,
			Provider: pv,
			Prober:   probe.New(200 * time.Millisecond),
			Timeouts: testTimeouts(),
			Log:      log,
		},
	}
}

func (e *env) seed(t *testing.T, status models.Status, mutate ...func(*models.Instance)) *models.Instance {
	t.Helper()
	inst := &models.Instance{
		Provider:     "mock",
		Zone:         "fsn1",
		InstanceType: "gpu-l40s",
		ModelID:      "llama-3-8b",
		Status:       status,
	}
	for _, fn := range mutate {
		fn(inst)
	}
	require.NoError(t, e.store.CreateInstance(context.Background(), inst))
	return inst
}

func (e *env) get(t *testing.T, inst *models.Instance) *models.Instance {
	t.Helper()
	got, err := e.store.GetInstance(context.Background(), inst.ID)
	require.NoError(t, err)
	return got
}

func providerCreateRequest() provider.CreateRequest {
	return provider.CreateRequest{
		Name:         "gpufleet-test",
		Zone:         "fsn1",
		InstanceType: "gpu-l40s",
		BootImage:    "ubuntu-24.04",
	}
}

func (e *env) actions(t *testing.T, inst *models.Instance) []models.Action {
	t.Helper()
	done, err := e.store.CompletedActions(context.Background(), inst.ID)
	require.NoError(t, err)
	return done
}
