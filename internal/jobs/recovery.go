package jobs

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/gpufleet/gpufleet/internal/metrics"
	"github.com/gpufleet/gpufleet/internal/models"
	"github.com/gpufleet/gpufleet/internal/store"
)

// Recovery is the backstop for rows stuck in a transitional status longer
// than the status allows. It measures from the last transition into the
// current status, so a long install does not eat into the boot budget,
// and force-fails what is past the deadline.
type Recovery struct {
	deps Deps
	log  zerolog.Logger
	now  func() time.Time
}

func NewRecovery(deps Deps) *Recovery {
	return &Recovery{
		deps: deps,
		log:  deps.Log.With().Str("job", "recovery").Logger(),
		now:  time.Now,
	}
}

func (r *Recovery) Name() string            { return "recovery" }
func (r *Recovery) Interval() time.Duration { return r.deps.Timeouts.RecoveryInterval }

func (r *Recovery) Tick(ctx context.Context) error {
	claimed, err := r.deps.Store.Claim(ctx, store.ClaimSpec{
		Statuses: []models.Status{
			models.StatusProvisioning,
			models.StatusBooting,
			models.StatusInstalling,
			models.StatusStarting,
			models.StatusDraining,
			models.StatusTerminating,
		},
		Lease:          store.LeaseReconciliation,
		LeaseOlderThan: r.deps.Timeouts.ClaimLease,
		Limit:          r.deps.Timeouts.ClaimBatch,
	})
	if err != nil {
		return err
	}
	metrics.JobClaimedRows.WithLabelValues(r.Name()).Add(float64(len(claimed)))
	for _, inst := range claimed {
		if err := r.inspect(ctx, inst); err != nil {
			r.log.Error().Err(err).Str("instance_id", inst.ID.String()).Msg("recovery inspection failed")
		}
	}
	return nil
}

func (r *Recovery) inspect(ctx context.Context, inst *models.Instance) error {
	timeout, ok := r.deps.Timeouts.StateTimeout(string(inst.Status))
	if !ok {
		return nil
	}
	entered := phaseEnteredAt(ctx, r.deps.Store, inst)
	elapsed := r.now().Sub(entered)
	if elapsed <= timeout {
		return nil
	}
	r.log.Warn().
		Str("instance_id", inst.ID.String()).
		Str("status", string(inst.Status)).
		Dur("elapsed", elapsed).
		Dur("timeout", timeout).
		Msg("status timeout exceeded, force-failing")
	_, err := r.deps.Machine.ForceFail(ctx, inst.ID, inst.Status, "state_timeout",
		fmt.Sprintf("stuck in %s for %s (limit %s)", inst.Status, elapsed.Round(time.Second), timeout))
	return err
}
