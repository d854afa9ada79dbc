package progress

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/gpufleet/gpufleet/internal/models"
)

func TestComputePhases(t *testing.T) {
	t.Parallel()

	assert.Equal(t, 5, Compute(models.StatusProvisioning, nil))
	assert.Equal(t, 20, Compute(models.StatusProvisioning, []models.Action{models.ActionProviderCreate}))

	assert.Equal(t, 25, Compute(models.StatusBooting, nil))
	assert.Equal(t, 30, Compute(models.StatusBooting, []models.Action{
		models.ActionProviderCreate, models.ActionProviderStart,
	}))
	assert.Equal(t, 75, Compute(models.StatusStarting, []models.Action{
		models.ActionProviderStart, models.ActionIPAssigned,
		models.ActionWorkerInstall, models.ActionHTTPReady, models.ActionModelLoaded,
	}))
	assert.Equal(t, 95, Compute(models.StatusStarting, []models.Action{
		models.ActionHealthCheckPass,
	}))

	assert.Equal(t, 100, Compute(models.StatusReady, nil))
	assert.Equal(t, 100, Compute(models.StatusDraining, nil))
}

func TestComputeFailuresReportZero(t *testing.T) {
	t.Parallel()
	all := []models.Action{
		models.ActionProviderCreate, models.ActionProviderStart, models.ActionIPAssigned,
		models.ActionWorkerInstall, models.ActionHTTPReady, models.ActionModelLoaded,
		models.ActionWarmupDone, models.ActionHealthCheckPass,
	}
	for _, s := range []models.Status{
		models.StatusProvisioningFailed, models.StatusStartupFailed, models.StatusFailed,
		models.StatusTerminating, models.StatusTerminated, models.StatusArchived,
	} {
		assert.Equal(t, 0, Compute(s, all), "status %s", s)
	}
}

func TestComputeMonotonicInActions(t *testing.T) {
	t.Parallel()
	order := []models.Action{
		models.ActionProviderStart, models.ActionIPAssigned, models.ActionWorkerInstall,
		models.ActionHTTPReady, models.ActionModelLoaded, models.ActionWarmupDone,
		models.ActionHealthCheckPass,
	}
	prev := Compute(models.StatusBooting, nil)
	for i := range order {
		got := Compute(models.StatusBooting, order[:i+1])
		assert.GreaterOrEqual(t, got, prev, "after %s", order[i])
		prev = got
	}
}
