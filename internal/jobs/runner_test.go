package jobs

import (
	"context"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"

	"github.com/gpufleet/gpufleet/internal/metrics"
	"github.com/gpufleet/gpufleet/internal/models"
)

func TestStatusGaugeSweep(t *testing.T) {
	e := newEnv(t)
	e.seed(t, models.StatusReady)
	e.seed(t, models.StatusReady)
	e.seed(t, models.StatusBooting)

	r := NewRunner(e.deps.Log, e.store)
	r.sweepStatusGauges(context.Background())

	gauge := func(s models.Status) float64 {
		return testutil.ToFloat64(metrics.InstancesByStatus.WithLabelValues(string(s)))
	}
	assert.Equal(t, 2.0, gauge(models.StatusReady))
	assert.Equal(t, 1.0, gauge(models.StatusBooting))
	assert.Equal(t, 0.0, gauge(models.StatusFailed))
}
