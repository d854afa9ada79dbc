// Package store persists the fleet data model. Two implementations share
// one interface: Postgres (production, row-claiming via FOR UPDATE SKIP
// LOCKED) and Memory (tests and local development with the mock provider).
//
// The contract every implementation must honor:
//   - Transition applies a guarded compare-and-swap: the status update and
//     the history append happen atomically, and a guard miss (row already
//     moved on) is a no-op reported as applied=false, never an error.
//   - Claim leases a bounded batch of rows to the calling replica by
//     stamping a lease timestamp; rows whose lease is fresh are invisible
//     to other claimers. Two concurrent claimers never receive the same row.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/gpufleet/gpufleet/internal/models"
)

// ErrNotFound is returned when a referenced instance, volume or token does
// not exist.
var ErrNotFound = errors.New("store: not found")

// ErrEndpointConflict is returned when a worker registration would give two
// live instances the same (ip, port) endpoint.
var ErrEndpointConflict = errors.New("store: worker endpoint already in use")

// LeaseField selects which timestamp column a claim leases on. The
// health-check job leases on last_health_check; every other job leases on
// last_reconciliation, so the two families never starve each other.
type LeaseField int

const (
	LeaseHealthCheck LeaseField = iota
	LeaseReconciliation
)

// ClaimSpec describes one batch claim.
type ClaimSpec struct {
	// Statuses filters claimable rows; required.
	Statuses []models.Status
	// Lease selects the lease column; it is stamped to now on claim.
	Lease LeaseField
	// LeaseOlderThan hides rows whose lease is fresher than this.
	LeaseOlderThan time.Duration
	// MinAge requires created_at older than now-MinAge. Zero disables.
	MinAge time.Duration
	// RequireProviderID filters on provider_instance_id presence when
	// non-nil: true keeps only rows that have one, false only rows without.
	RequireProviderID *bool
	// RequireNotFailed excludes rows with failed_at set.
	RequireNotFailed bool
	// MaxRetryCount excludes rows at or above the cap when > 0.
	MaxRetryCount int
	// BumpRetry increments retry_count on each claimed row.
	BumpRetry bool
	// Limit bounds the batch size; required.
	Limit int
}

// Transition is one guarded status change. From must match the row's
// current status for the change to apply.
type Transition struct {
	InstanceID uuid.UUID
	From       models.Status
	To         models.Status
	Reason     string
	Metadata   map[string]string

	// ErrorCode/ErrorMessage are recorded on failure transitions and
	// preserved if already set.
	ErrorCode    string
	ErrorMessage string

	// DeletionReason and DeletedByProvider annotate terminations.
	DeletionReason    string
	DeletedByProvider bool

	// ResetBootStartedAt restamps boot_started_at, clears the error fields
	// and the health-check failure counter. Used by reinstall and by the
	// startup_failed self-heal so the fresh boot gets a full timeout window.
	ResetBootStartedAt bool
}

// WorkerReport is one heartbeat payload.
type WorkerReport struct {
	Status         models.WorkerStatus
	ModelID        string
	QueueDepth     *int
	GPUUtilization *float64
	Metadata       map[string]string
}

// WorkerRegistration is the one-time worker bootstrap payload.
type WorkerRegistration struct {
	ModelID       string
	HealthPort    int
	InferencePort int
	Metadata      map[string]string
}

// Store is the single source of truth shared by the dispatcher, the
// reconciliation jobs, heartbeat ingestion and routing.
type Store interface {
	CreateInstance(ctx context.Context, inst *models.Instance) error
	GetInstance(ctx context.Context, id uuid.UUID) (*models.Instance, error)
	GetInstanceByProviderID(ctx context.Context, providerInstanceID string) (*models.Instance, error)
	ListInstancesByStatus(ctx context.Context, statuses ...models.Status) ([]*models.Instance, error)

	// Transition applies a guarded CAS status change plus exactly one
	// history row. applied=false means the guard missed (already moved).
	Transition(ctx context.Context, t Transition) (applied bool, err error)

	// Claim leases a batch per spec. The returned rows reflect their state
	// at claim time.
	Claim(ctx context.Context, spec ClaimSpec) ([]*models.Instance, error)
	// ReleaseClaim clears the lease so another tick may retry the row
	// before the lease would naturally expire.
	ReleaseClaim(ctx context.Context, id uuid.UUID, lease LeaseField) error
	// BumpRetry increments retry_count and returns the new value. Used by
	// jobs that count failures instead of claims.
	BumpRetry(ctx context.Context, id uuid.UUID) (int, error)

	// SetProviderInstance persists the provider resource id (and IP when
	// already known) after a successful create call.
	SetProviderInstance(ctx context.Context, id uuid.UUID, providerInstanceID, ip string) error
	// SetIPAddress fills the IP only if none is recorded yet.
	SetIPAddress(ctx context.Context, id uuid.UUID, ip string) error
	// RecordInstanceError stamps error_code/error_message, preserving an
	// earlier code if one is present.
	RecordInstanceError(ctx context.Context, id uuid.UUID, code, message string) error
	// SetHealthCheckFailures stores the consecutive probe failure count.
	SetHealthCheckFailures(ctx context.Context, id uuid.UUID, failures int) error

	// RecordHeartbeat updates worker_* fields and the heartbeat timestamp.
	// It never touches lifecycle status.
	RecordHeartbeat(ctx context.Context, id uuid.UUID, report WorkerReport) (bool, error)
	// RegisterWorker fills worker ports/model on first contact.
	RegisterWorker(ctx context.Context, id uuid.UUID, reg WorkerRegistration) (bool, error)

	// ListRoutable returns ready instances serving modelID whose freshness
	// signal is within staleness, ordered by queue depth ascending, then
	// freshness descending, then created_at descending.
	ListRoutable(ctx context.Context, modelID string, staleness time.Duration, limit int) ([]*models.Instance, error)

	History(ctx context.Context, id uuid.UUID) ([]models.StateTransition, error)

	RecordAction(ctx context.Context, id uuid.UUID, action models.Action, success bool, detail string) error
	CompletedActions(ctx context.Context, id uuid.UUID) ([]models.Action, error)

	UpsertVolume(ctx context.Context, v *models.Volume) error
	ListVolumes(ctx context.Context, instanceID uuid.UUID) ([]*models.Volume, error)
	// MarkVolumeDeleted is idempotent: deleting a deleted volume reports
	// applied=false with no error.
	MarkVolumeDeleted(ctx context.Context, volumeID uuid.UUID) (bool, error)

	// CreateWorkerToken stores the token hash once per instance; a second
	// call reports created=false.
	CreateWorkerToken(ctx context.Context, tok *models.WorkerAuthToken) (created bool, err error)
	GetWorkerToken(ctx context.Context, instanceID uuid.UUID) (*models.WorkerAuthToken, error)
	TouchWorkerToken(ctx context.Context, instanceID uuid.UUID) error
	RevokeWorkerToken(ctx context.Context, instanceID uuid.UUID) error

	UpsertInstanceType(ctx context.Context, t models.InstanceType) error
	ListInstanceTypes(ctx context.Context, provider string) ([]models.InstanceType, error)

	// ReviveInstance undoes a bogus termination when reconciliation finds
	// the provider resource alive (zombie detection): status back to ready,
	// termination stamps cleared. Guarded on a terminal status.
	ReviveInstance(ctx context.Context, id uuid.UUID, reason string) (bool, error)
}
