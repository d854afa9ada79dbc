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

// WatchDog audits ready instances against the provider. If the provider
// no longer knows the instance it was deleted out of band, and the row is
// moved straight to terminated so routing stops sending traffic to a
// ghost. While it is there it backfills the volume inventory.
type WatchDog struct {
	deps Deps
	log  zerolog.Logger
	now  func() time.Time
}

func NewWatchDog(deps Deps) *WatchDog {
	return &WatchDog{
		deps: deps,
		log:  deps.Log.With().Str("job", "watchdog").Logger(),
		now:  time.Now,
	}
}

func (w *WatchDog) Name() string            { return "watchdog" }
func (w *WatchDog) Interval() time.Duration { return w.deps.Timeouts.WatchDogInterval }

func (w *WatchDog) Tick(ctx context.Context) error {
	claimed, err := w.deps.Store.Claim(ctx, store.ClaimSpec{
		Statuses:       []models.Status{models.StatusReady},
		Lease:          store.LeaseReconciliation,
		LeaseOlderThan: w.deps.Timeouts.ClaimLease,
		Limit:          w.deps.Timeouts.ClaimBatch,
	})
	if err != nil {
		return err
	}
	metrics.JobClaimedRows.WithLabelValues(w.Name()).Add(float64(len(claimed)))
	for _, inst := range claimed {
		if err := w.audit(ctx, inst); err != nil {
			w.log.Error().Err(err).Str("instance_id", inst.ID.String()).Msg("audit failed")
		}
	}
	return nil
}

func (w *WatchDog) audit(ctx context.Context, inst *models.Instance) error {
	if inst.ProviderInstanceID == "" {
		// A ready row without a provider resource should not exist. Treat
		// it like an out-of-band deletion.
		w.log.Warn().Str("instance_id", inst.ID.String()).Msg("ready instance has no provider resource")
		_, err := w.deps.Machine.MarkProviderDeleted(ctx, inst.ID, "no provider resource")
		return err
	}
	exists, err := w.deps.Provider.InstanceExists(ctx, inst.ProviderInstanceID)
	if err != nil {
		return err
	}
	if !exists {
		w.log.Warn().
			Str("instance_id", inst.ID.String()).
			Str("provider_instance_id", inst.ProviderInstanceID).
			Msg("provider resource gone, marking terminated")
		_, err := w.deps.Machine.MarkProviderDeleted(ctx, inst.ID, "deleted at provider")
		return err
	}
	return w.syncVolumes(ctx, inst)
}

func (w *WatchDog) syncVolumes(ctx context.Context, inst *models.Instance) error {
	attached, err := w.deps.Provider.ListAttachedVolumes(ctx, inst.ProviderInstanceID)
	if err != nil {
		if provider.IsNotFound(err) {
			return nil
		}
		return err
	}
	tracked, err := w.deps.Store.ListVolumes(ctx, inst.ID)
	if err != nil {
		return err
	}
	known := make(map[string]*models.Volume, len(tracked))
	for _, v := range tracked {
		known[v.ProviderVolumeID] = v
	}
	now := w.now().UTC()
	for _, av := range attached {
		v, ok := known[av.ProviderVolumeID]
		if !ok {
			v = &models.Volume{
				InstanceID:       inst.ID,
				ProviderVolumeID: av.ProviderVolumeID,
				VolumeType:       av.VolumeType,
				SizeBytes:        av.SizeBytes,
				IsBoot:           av.IsBoot,
				Status:           models.VolumeAttached,
				AttachedAt:       &now,
			}
		}
		v.ReconciledAt = &now
		if err := w.deps.Store.UpsertVolume(ctx, v); err != nil {
			return err
		}
	}
	return nil
}
