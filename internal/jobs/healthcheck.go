package jobs

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/gpufleet/gpufleet/internal/metrics"
	"github.com/gpufleet/gpufleet/internal/models"
	"github.com/gpufleet/gpufleet/internal/probe"
	"github.com/gpufleet/gpufleet/internal/store"
)

// HealthCheck advances coming-up instances through their boot sub-phases.
// A fresh heartbeat is trusted outright; otherwise the prober escalates
// through reachability, worker readiness and the model endpoint. An
// instance that makes no progress past its phase timeout fails to
// startup_failed.
type HealthCheck struct {
	deps Deps
	log  zerolog.Logger

	// now is swappable in tests.
	now func() time.Time
}

func NewHealthCheck(deps Deps) *HealthCheck {
	return &HealthCheck{
		deps: deps,
		log:  deps.Log.With().Str("job", "health-check").Logger(),
		now:  time.Now,
	}
}

func (h *HealthCheck) Name() string            { return "health-check" }
func (h *HealthCheck) Interval() time.Duration { return h.deps.Timeouts.HealthCheckInterval }

func (h *HealthCheck) Tick(ctx context.Context) error {
	claimed, err := h.deps.Store.Claim(ctx, store.ClaimSpec{
		Statuses: []models.Status{
			models.StatusBooting, models.StatusInstalling, models.StatusStarting,
		},
		Lease:          store.LeaseHealthCheck,
		LeaseOlderThan: h.deps.Timeouts.ClaimLease,
		Limit:          h.deps.Timeouts.ClaimBatch,
	})
	if err != nil {
		return err
	}
	metrics.JobClaimedRows.WithLabelValues(h.Name()).Add(float64(len(claimed)))
	for _, inst := range claimed {
		if err := h.check(ctx, inst); err != nil {
			h.log.Error().Err(err).Str("instance_id", inst.ID.String()).Msg("check failed")
		}
	}
	return nil
}

func (h *HealthCheck) check(ctx context.Context, inst *models.Instance) error {
	if inst.IPAddress == "" {
		h.backfillIP(ctx, inst)
	}

	level, trusted := h.observe(ctx, inst)
	progressed, err := h.advance(ctx, inst, level, trusted)
	if err != nil {
		return err
	}
	if progressed {
		return h.deps.Store.SetHealthCheckFailures(ctx, inst.ID, 0)
	}
	return h.recordFailure(ctx, inst)
}

func (h *HealthCheck) backfillIP(ctx context.Context, inst *models.Instance) {
	if inst.ProviderInstanceID == "" {
		return
	}
	ip, err := h.deps.Provider.GetIP(ctx, inst.ProviderInstanceID)
	if err != nil || ip == "" {
		return
	}
	if err := h.deps.Store.SetIPAddress(ctx, inst.ID, ip); err == nil {
		inst.IPAddress = ip
		_ = h.deps.Store.RecordAction(ctx, inst.ID, models.ActionIPAssigned, true, ip)
	}
}

// observe returns the evidence level for the instance. A heartbeat inside
// the trust window wins over active probing.
func (h *HealthCheck) observe(ctx context.Context, inst *models.Instance) (probe.Level, bool) {
	hb := inst.Worker.LastHeartbeat
	if hb != nil && h.now().Sub(*hb) < h.deps.Timeouts.HeartbeatTrust {
		switch inst.Worker.Status {
		case models.WorkerReady:
			return probe.ModelReady, true
		default:
			// Any heartbeat proves the worker agent is up and serving HTTP.
			return probe.WorkerReady, true
		}
	}
	level, err := h.deps.Prober.Check(ctx, probe.Target{
		IP:            inst.IPAddress,
		HealthPort:    inst.Worker.HealthPort,
		InferencePort: inst.Worker.InferencePort,
	})
	if err != nil {
		return probe.Unreachable, false
	}
	return level, false
}

// advance maps the evidence level onto sub-phase transitions. Returns
// whether the instance moved (or already sits at the phase the evidence
// supports).
func (h *HealthCheck) advance(ctx context.Context, inst *models.Instance, level probe.Level, trusted bool) (bool, error) {
	switch level {
	case probe.ModelReady:
		reason := "model endpoint healthy"
		if trusted {
			reason = "worker heartbeat reports ready"
		}
		_ = h.deps.Store.RecordAction(ctx, inst.ID, models.ActionModelLoaded, true, "")
		_ = h.deps.Store.RecordAction(ctx, inst.ID, models.ActionHealthCheckPass, true, reason)
		_, err := h.deps.Machine.Advance(ctx, inst.ID, inst.Status, models.StatusReady, reason)
		return true, err

	case probe.WorkerReady:
		_ = h.deps.Store.RecordAction(ctx, inst.ID, models.ActionHTTPReady, true, "")
		if inst.Status == models.StatusStarting {
			// Model still loading; evidence supports the current phase.
			return true, nil
		}
		_, err := h.deps.Machine.Advance(ctx, inst.ID, inst.Status, models.StatusStarting, "worker http ready")
		return true, err

	case probe.Reachable:
		if inst.Status != models.StatusBooting {
			return true, nil
		}
		_ = h.deps.Store.RecordAction(ctx, inst.ID, models.ActionWorkerInstall, true, "")
		_, err := h.deps.Machine.Advance(ctx, inst.ID, inst.Status, models.StatusInstalling, "instance reachable")
		return true, err
	}
	return false, nil
}

func (h *HealthCheck) recordFailure(ctx context.Context, inst *models.Instance) error {
	failures := inst.HealthCheckFailures + 1
	if err := h.deps.Store.SetHealthCheckFailures(ctx, inst.ID, failures); err != nil {
		return err
	}

	deadline, code := h.phaseDeadline(ctx, inst)
	switch {
	case h.now().After(deadline):
		_, err := h.deps.Machine.FailStartup(ctx, inst.ID, inst.Status, code,
			"no progress within the "+string(inst.Status)+" timeout")
		return err
	case failures > h.deps.Timeouts.HealthCheckFailureCap:
		_, err := h.deps.Machine.FailStartup(ctx, inst.ID, inst.Status, "health_check_failures",
			"consecutive health checks failed")
		return err
	}
	return nil
}

// phaseDeadline derives the cutoff from when the instance entered its
// current phase; timeouts are enforced by elapsed time, never by in-flight
// timers.
func (h *HealthCheck) phaseDeadline(ctx context.Context, inst *models.Instance) (time.Time, string) {
	base := phaseEnteredAt(ctx, h.deps.Store, inst)
	switch inst.Status {
	case models.StatusInstalling:
		return base.Add(h.deps.Timeouts.InstallTimeout), "install_timeout"
	case models.StatusStarting:
		return base.Add(h.deps.Timeouts.ModelLoadTimeout), "model_load_timeout"
	default:
		return base.Add(h.deps.Timeouts.BootTimeout), "boot_timeout"
	}
}

// phaseEnteredAt finds the most recent transition into the current status,
// falling back to boot start and then row creation.
func phaseEnteredAt(ctx context.Context, st store.Store, inst *models.Instance) time.Time {
	if hist, err := st.History(ctx, inst.ID); err == nil {
		for i := len(hist) - 1; i >= 0; i-- {
			if hist[i].ToStatus == inst.Status {
				return hist[i].CreatedAt
			}
		}
	}
	if inst.BootStartedAt != nil {
		return *inst.BootStartedAt
	}
	return inst.CreatedAt
}
