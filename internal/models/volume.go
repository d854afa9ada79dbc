package models

import (
	"time"

	"github.com/google/uuid"
)

// VolumeStatus is the lifecycle state of a tracked volume. "deleted" is
// terminal.
type VolumeStatus string

const (
	VolumeAttached VolumeStatus = "attached"
	VolumeDeleting VolumeStatus = "deleting"
	VolumeDeleted  VolumeStatus = "deleted"
)

// Volume is a block-storage volume attached to an instance. Rows are
// discovered either at provisioning time or by the watch-dog backfilling
// provider-attached volumes the orchestrator did not create itself.
type Volume struct {
	ID                uuid.UUID
	InstanceID        uuid.UUID
	ProviderVolumeID  string
	VolumeType        string
	SizeBytes         int64
	IsBoot            bool
	DeleteOnTerminate bool
	Status            VolumeStatus
	ErrorMessage      string

	CreatedAt    time.Time
	AttachedAt   *time.Time
	DeletedAt    *time.Time
	ReconciledAt *time.Time
}

// StateTransition is one append-only row of instance_state_history. Every
// successful guarded status update appends exactly one.
type StateTransition struct {
	ID         int64
	InstanceID uuid.UUID
	FromStatus Status
	ToStatus   Status
	Reason     string
	Metadata   map[string]string
	CreatedAt  time.Time
}

// WorkerAuthToken authenticates heartbeat and register calls for one
// instance. Issued once at worker bootstrap; never reissued after the
// instance terminates.
type WorkerAuthToken struct {
	InstanceID  uuid.UUID
	TokenHash   string // hex sha256 of the bearer token
	TokenPrefix string
	CreatedAt   time.Time
	LastSeenAt  *time.Time
	RevokedAt   *time.Time
}

// Action names a completed lifecycle milestone. The progress calculator
// maps the recorded action set onto a readiness percentage.
type Action string

const (
	ActionProviderCreate  Action = "provider_create"
	ActionProviderStart   Action = "provider_start"
	ActionIPAssigned      Action = "ip_assigned"
	ActionWorkerInstall   Action = "worker_install"
	ActionHTTPReady       Action = "http_ready"
	ActionModelLoaded     Action = "model_loaded"
	ActionWarmupDone      Action = "warmup_done"
	ActionHealthCheckPass Action = "health_check_pass"
)

// ActionRecord is one row of instance_actions: a milestone with its
// outcome, kept for progress computation and failure attribution.
type ActionRecord struct {
	ID         int64
	InstanceID uuid.UUID
	Action     Action
	Success    bool
	Detail     string
	CreatedAt  time.Time
}

// InstanceType is one catalog row written by the SYNC_CATALOG workflow.
type InstanceType struct {
	Provider     string
	Code         string
	Name         string
	CostPerHour  float64
	CPUCount     int
	RAMGB        int
	GPUCount     int
	VRAMPerGPUGB int
	BandwidthBPS int64
	IsActive     bool
	UpdatedAt    time.Time
}
