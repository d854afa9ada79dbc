package jobs

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/gpufleet/gpufleet/internal/metrics"
	"github.com/gpufleet/gpufleet/internal/models"
	"github.com/gpufleet/gpufleet/internal/provider"
	"github.com/gpufleet/gpufleet/internal/store"
)

// Terminator tears down terminating instances: deletes volumes flagged
// delete-on-terminate, deletes the provider instance, and confirms the
// terminated status once the provider agrees the resource is gone. Every
// step treats "already deleted" as success.
type Terminator struct {
	deps Deps
	log  zerolog.Logger
}

func NewTerminator(deps Deps) *Terminator {
	return &Terminator{deps: deps, log: deps.Log.With().Str("job", "terminator").Logger()}
}

func (t *Terminator) Name() string            { return "terminator" }
func (t *Terminator) Interval() time.Duration { return t.deps.Timeouts.TerminatorInterval }

func (t *Terminator) Tick(ctx context.Context) error {
	claimed, err := t.deps.Store.Claim(ctx, store.ClaimSpec{
		Statuses:       []models.Status{models.StatusTerminating},
		Lease:          store.LeaseReconciliation,
		LeaseOlderThan: t.deps.Timeouts.ClaimLease,
		MaxRetryCount:  t.deps.Timeouts.TerminateRetryCap,
		Limit:          t.deps.Timeouts.ClaimBatch,
	})
	if err != nil {
		return err
	}
	metrics.JobClaimedRows.WithLabelValues(t.Name()).Add(float64(len(claimed)))
	for _, inst := range claimed {
		if err := t.terminate(ctx, inst); err != nil {
			// Only failed attempts consume the retry budget; a tick that
			// finds an async delete still in flight is not a failure.
			retries, berr := t.deps.Store.BumpRetry(ctx, inst.ID)
			if berr != nil {
				retries = inst.RetryCount + 1
			}
			t.log.Error().Err(err).
				Str("instance_id", inst.ID.String()).
				Int("retry_count", retries).
				Msg("teardown attempt failed")
			if retries >= t.deps.Timeouts.TerminateRetryCap {
				// Out of retries: flag for manual intervention. The recovery
				// job will eventually force-fail the stuck row.
				_ = t.deps.Store.RecordInstanceError(ctx, inst.ID,
					"terminate_retry_exhausted", "manual intervention required: "+err.Error())
			}
		}
	}
	return nil
}

func (t *Terminator) terminate(ctx context.Context, inst *models.Instance) error {
	if inst.ProviderInstanceID == "" {
		// Nothing was ever created; confirm directly.
		return t.confirm(ctx, inst, "no provider resource to delete")
	}

	if err := t.deleteVolumes(ctx, inst); err != nil {
		return err
	}
	if err := t.deps.Provider.DeleteInstance(ctx, inst.ProviderInstanceID); err != nil {
		return err
	}
	exists, err := t.deps.Provider.InstanceExists(ctx, inst.ProviderInstanceID)
	if err != nil {
		return err
	}
	if exists {
		// Deletion is asynchronous at some providers; the next tick
		// confirms.
		return nil
	}
	return t.confirm(ctx, inst, "provider confirmed deletion")
}

// deleteVolumes discovers the live attachment list from the provider (not
// just tracked rows), merges it with the store, and deletes what is
// flagged delete-on-terminate.
func (t *Terminator) deleteVolumes(ctx context.Context, inst *models.Instance) error {
	attached, err := t.deps.Provider.ListAttachedVolumes(ctx, inst.ProviderInstanceID)
	if err != nil && !provider.IsNotFound(err) {
		return err
	}
	tracked, err := t.deps.Store.ListVolumes(ctx, inst.ID)
	if err != nil {
		return err
	}
	byProviderID := make(map[string]*models.Volume, len(tracked))
	for _, v := range tracked {
		byProviderID[v.ProviderVolumeID] = v
	}
	// Track discovered volumes the orchestrator did not create. They keep
	// delete_on_terminate=false: unknown data is never deleted implicitly.
	for _, av := range attached {
		if _, ok := byProviderID[av.ProviderVolumeID]; ok {
			continue
		}
		v := &models.Volume{
			InstanceID:       inst.ID,
			ProviderVolumeID: av.ProviderVolumeID,
			VolumeType:       av.VolumeType,
			SizeBytes:        av.SizeBytes,
			IsBoot:           av.IsBoot,
			Status:           models.VolumeAttached,
		}
		if err := t.deps.Store.UpsertVolume(ctx, v); err != nil {
			return err
		}
		byProviderID[av.ProviderVolumeID] = v
	}

	for _, v := range byProviderID {
		if !v.DeleteOnTerminate || v.Status == models.VolumeDeleted {
			continue
		}
		if err := t.deps.Provider.DeleteVolume(ctx, v.ProviderVolumeID); err != nil && !provider.IsNotFound(err) {
			return err
		}
		if _, err := t.deps.Store.MarkVolumeDeleted(ctx, v.ID); err != nil {
			return err
		}
		t.log.Info().
			Str("instance_id", inst.ID.String()).
			Str("provider_volume_id", v.ProviderVolumeID).
			Msg("volume deleted")
	}
	return nil
}

func (t *Terminator) confirm(ctx context.Context, inst *models.Instance, reason string) error {
	if _, err := t.deps.Machine.ConfirmTerminated(ctx, inst.ID, reason); err != nil {
		return err
	}
	return t.deps.Store.RevokeWorkerToken(ctx, inst.ID)
}
