package jobs

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/gpufleet/gpufleet/internal/metrics"
	"github.com/gpufleet/gpufleet/internal/models"
	"github.com/gpufleet/gpufleet/internal/store"
)

// Provisioner resumes provisioning for an existing row. Satisfied by
// *dispatcher.Dispatcher.
type Provisioner interface {
	Provision(ctx context.Context, cmd models.Command) (uuid.UUID, error)
}

// Requeue picks provisioning rows that have sat idle past the requeue
// window, whether the original command was lost or a previous attempt hit
// a transient provider error, and re-enters the provisioning workflow.
// Rows past the retry cap are failed instead of looping forever.
type Requeue struct {
	deps        Deps
	provisioner Provisioner
	log         zerolog.Logger
}

func NewRequeue(deps Deps, provisioner Provisioner) *Requeue {
	return &Requeue{
		deps:        deps,
		provisioner: provisioner,
		log:         deps.Log.With().Str("job", "requeue").Logger(),
	}
}

func (r *Requeue) Name() string            { return "requeue" }
func (r *Requeue) Interval() time.Duration { return r.deps.Timeouts.RequeueInterval }

func (r *Requeue) Tick(ctx context.Context) error {
	if err := r.failExhausted(ctx); err != nil {
		return err
	}
	claimed, err := r.deps.Store.Claim(ctx, store.ClaimSpec{
		Statuses:       []models.Status{models.StatusProvisioning},
		Lease:          store.LeaseReconciliation,
		LeaseOlderThan: r.deps.Timeouts.ClaimLease,
		MinAge:         r.deps.Timeouts.RequeueAfter,
		MaxRetryCount:  r.deps.Timeouts.ProvisionRetryCap,
		BumpRetry:      true,
		Limit:          r.deps.Timeouts.ClaimBatch,
	})
	if err != nil {
		return err
	}
	metrics.JobClaimedRows.WithLabelValues(r.Name()).Add(float64(len(claimed)))
	for _, inst := range claimed {
		r.log.Info().
			Str("instance_id", inst.ID.String()).
			Int("retry_count", inst.RetryCount).
			Msg("requeueing stalled provisioning")
		cmd := models.Command{
			Type:         models.CommandProvision,
			InstanceID:   inst.ID,
			Zone:         inst.Zone,
			InstanceType: inst.InstanceType,
			ModelID:      inst.ModelID,
		}
		if _, err := r.provisioner.Provision(ctx, cmd); err != nil {
			r.log.Error().Err(err).Str("instance_id", inst.ID.String()).Msg("requeued provision failed")
		}
	}
	return nil
}

// failExhausted closes out provisioning rows that burned through the retry
// budget. The loop is separate from the main claim so those rows stop
// consuming claim slots.
func (r *Requeue) failExhausted(ctx context.Context) error {
	rows, err := r.deps.Store.ListInstancesByStatus(ctx, models.StatusProvisioning)
	if err != nil {
		return err
	}
	for _, inst := range rows {
		if inst.RetryCount < r.deps.Timeouts.ProvisionRetryCap {
			continue
		}
		if _, err := r.deps.Machine.FailProvisioning(ctx, inst.ID,
			"provision_retry_exhausted", "provisioning retry budget exhausted"); err != nil {
			r.log.Error().Err(err).Str("instance_id", inst.ID.String()).Msg("failing exhausted row")
		}
	}
	return nil
}
