// Package statemachine owns the instance lifecycle graph. It is a library
// of transition functions over the store, not a loop: the dispatcher and
// the reconciliation jobs call into it, and every status change in the
// system goes through Apply so no undefined edge can ever be written.
package statemachine

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/gpufleet/gpufleet/internal/metrics"
	"github.com/gpufleet/gpufleet/internal/models"
	"github.com/gpufleet/gpufleet/internal/store"
)

// edges is the lifecycle graph. The happy path is the linear chain
// provisioning through archived; failure branches hang off each phase.
// startup_failed is the only failure state with a way back (self-heal to
// booting on a late heartbeat).
var edges = map[models.Status][]models.Status{
	models.StatusProvisioning: {
		models.StatusBooting,
		models.StatusProvisioningFailed,
		models.StatusTerminating,
	},
	models.StatusBooting: {
		models.StatusInstalling,
		models.StatusStarting,
		models.StatusReady,
		models.StatusStartupFailed,
		models.StatusTerminating,
	},
	models.StatusInstalling: {
		models.StatusStarting,
		models.StatusReady,
		models.StatusStartupFailed,
		models.StatusTerminating,
	},
	models.StatusStarting: {
		models.StatusReady,
		models.StatusStartupFailed,
		models.StatusTerminating,
	},
	models.StatusReady: {
		models.StatusBooting, // reinstall
		models.StatusDraining,
		models.StatusTerminating,
		models.StatusTerminated, // orphan detection: resource gone at the provider
		models.StatusFailed,
	},
	models.StatusDraining: {
		models.StatusReady,
		models.StatusTerminating,
		models.StatusFailed,
	},
	models.StatusTerminating: {
		models.StatusTerminated,
		models.StatusFailed,
	},
	models.StatusStartupFailed: {
		models.StatusBooting, // self-heal, bounded by the startup retry cap
		models.StatusTerminating,
		models.StatusFailed,
	},
	// Terminal states accept archival only.
	models.StatusTerminated:         {models.StatusArchived},
	models.StatusProvisioningFailed: {models.StatusArchived},
	models.StatusFailed:             {models.StatusArchived},
	models.StatusArchived:           {},
}

// Valid reports whether from → to is a defined edge.
func Valid(from, to models.Status) bool {
	for _, next := range edges[from] {
		if next == to {
			return true
		}
	}
	return false
}

// ErrInvalidTransition wraps an attempt to walk an undefined edge. This is
// a programming error, distinct from a guard miss (which is a no-op).
type ErrInvalidTransition struct {
	From, To models.Status
}

func (e *ErrInvalidTransition) Error() string {
	return fmt.Sprintf("invalid transition %s -> %s", e.From, e.To)
}

// Machine applies guarded transitions through the store.
type Machine struct {
	store store.Store
	log   zerolog.Logger
}

func New(st store.Store, log zerolog.Logger) *Machine {
	return &Machine{store: st, log: log.With().Str("component", "statemachine").Logger()}
}

// Apply validates the edge and runs the guarded CAS. applied=false means
// another actor moved the row first; callers treat that as success.
func (m *Machine) Apply(ctx context.Context, t store.Transition) (bool, error) {
	if !Valid(t.From, t.To) {
		return false, &ErrInvalidTransition{From: t.From, To: t.To}
	}
	applied, err := m.store.Transition(ctx, t)
	if err != nil {
		return false, fmt.Errorf("transition %s %s -> %s: %w", t.InstanceID, t.From, t.To, err)
	}
	evt := m.log.Info()
	if !applied {
		evt = m.log.Debug()
	} else {
		metrics.TransitionsTotal.WithLabelValues(string(t.From), string(t.To)).Inc()
	}
	evt.
		Str("instance_id", t.InstanceID.String()).
		Str("from", string(t.From)).
		Str("to", string(t.To)).
		Str("reason", t.Reason).
		Bool("applied", applied).
		Msg("transition")
	return applied, nil
}

// MarkBooting records a successful provider create/start.
func (m *Machine) MarkBooting(ctx context.Context, id uuid.UUID, reason string) (bool, error) {
	return m.Apply(ctx, store.Transition{
		InstanceID: id,
		From:       models.StatusProvisioning,
		To:         models.StatusBooting,
		Reason:     reason,
	})
}

// Advance moves an instance one coming-up phase forward. from must be a
// coming-up status.
func (m *Machine) Advance(ctx context.Context, id uuid.UUID, from, to models.Status, reason string) (bool, error) {
	return m.Apply(ctx, store.Transition{
		InstanceID: id,
		From:       from,
		To:         to,
		Reason:     reason,
	})
}

// FailProvisioning records a permanent provisioning error.
func (m *Machine) FailProvisioning(ctx context.Context, id uuid.UUID, code, message string) (bool, error) {
	return m.Apply(ctx, store.Transition{
		InstanceID:   id,
		From:         models.StatusProvisioning,
		To:           models.StatusProvisioningFailed,
		Reason:       "provisioning failed",
		ErrorCode:    code,
		ErrorMessage: message,
	})
}

// FailStartup moves a coming-up instance to startup_failed.
func (m *Machine) FailStartup(ctx context.Context, id uuid.UUID, from models.Status, code, message string) (bool, error) {
	return m.Apply(ctx, store.Transition{
		InstanceID:   id,
		From:         from,
		To:           models.StatusStartupFailed,
		Reason:       "startup failed",
		ErrorCode:    code,
		ErrorMessage: message,
	})
}

// SelfHeal puts a startup_failed instance back into booting with a fresh
// boot window. The caller enforces the retry cap before invoking this.
func (m *Machine) SelfHeal(ctx context.Context, id uuid.UUID, reason string) (bool, error) {
	return m.Apply(ctx, store.Transition{
		InstanceID:         id,
		From:               models.StatusStartupFailed,
		To:                 models.StatusBooting,
		Reason:             reason,
		ResetBootStartedAt: true,
	})
}

// BeginTermination moves any live status to terminating. It tries each
// live edge until one lands; a fully raced row (already terminal) reports
// applied=false.
func (m *Machine) BeginTermination(ctx context.Context, id uuid.UUID, reason string) (bool, error) {
	inst, err := m.store.GetInstance(ctx, id)
	if err != nil {
		return false, err
	}
	for attempt := 0; attempt < 3; attempt++ {
		from := inst.Status
		if from == models.StatusTerminating || from.Terminal() {
			return false, nil
		}
		if !Valid(from, models.StatusTerminating) {
			return false, nil
		}
		applied, err := m.Apply(ctx, store.Transition{
			InstanceID:     id,
			From:           from,
			To:             models.StatusTerminating,
			Reason:         reason,
			DeletionReason: reason,
		})
		if err != nil || applied {
			return applied, err
		}
		// Guard miss: the row moved while we looked at it. Re-read and
		// retry from its new status.
		if inst, err = m.store.GetInstance(ctx, id); err != nil {
			return false, err
		}
	}
	return false, nil
}

// ConfirmTerminated records that the provider resource is gone.
func (m *Machine) ConfirmTerminated(ctx context.Context, id uuid.UUID, reason string) (bool, error) {
	return m.Apply(ctx, store.Transition{
		InstanceID: id,
		From:       models.StatusTerminating,
		To:         models.StatusTerminated,
		Reason:     reason,
	})
}

// MarkProviderDeleted is the orphan-detection edge: a ready instance whose
// provider resource vanished goes straight to terminated.
func (m *Machine) MarkProviderDeleted(ctx context.Context, id uuid.UUID, reason string) (bool, error) {
	return m.Apply(ctx, store.Transition{
		InstanceID:        id,
		From:              models.StatusReady,
		To:                models.StatusTerminated,
		Reason:            reason,
		DeletionReason:    reason,
		DeletedByProvider: true,
	})
}

// ForceFail is the recovery edge for rows stuck past their state timeout.
func (m *Machine) ForceFail(ctx context.Context, id uuid.UUID, from models.Status, code, message string) (bool, error) {
	to := models.StatusFailed
	switch {
	case from == models.StatusProvisioning:
		to = models.StatusProvisioningFailed
	case from.ComingUp():
		to = models.StatusStartupFailed
	}
	return m.Apply(ctx, store.Transition{
		InstanceID:   id,
		From:         from,
		To:           to,
		Reason:       "stuck past state timeout",
		ErrorCode:    code,
		ErrorMessage: message,
	})
}

// Archive freezes a terminal instance.
func (m *Machine) Archive(ctx context.Context, id uuid.UUID, reason string) (bool, error) {
	inst, err := m.store.GetInstance(ctx, id)
	if err != nil {
		return false, err
	}
	if !Valid(inst.Status, models.StatusArchived) {
		return false, nil
	}
	return m.Apply(ctx, store.Transition{
		InstanceID: id,
		From:       inst.Status,
		To:         models.StatusArchived,
		Reason:     reason,
	})
}
