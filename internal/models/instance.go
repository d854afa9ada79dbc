// Package models defines the persistent data model for the fleet:
// instances, their volumes, state history, worker auth tokens and the
// transient command messages carried on the event bus.
package models

import (
	"time"

	"github.com/google/uuid"
)

// Status is the lifecycle state of an instance. Transitions between
// statuses are only legal along the edges defined in the statemachine
// package.
type Status string

const (
	StatusProvisioning Status = "provisioning"
	StatusBooting      Status = "booting"
	StatusInstalling   Status = "installing"
	StatusStarting     Status = "starting"
	StatusReady        Status = "ready"
	StatusDraining     Status = "draining"
	StatusTerminating  Status = "terminating"
	StatusTerminated   Status = "terminated"
	StatusArchived     Status = "archived"

	StatusProvisioningFailed Status = "provisioning_failed"
	StatusStartupFailed      Status = "startup_failed"
	StatusFailed             Status = "failed"
)

// AllStatuses lists every lifecycle status in rough lifecycle order.
var AllStatuses = []Status{
	StatusProvisioning, StatusBooting, StatusInstalling, StatusStarting,
	StatusReady, StatusDraining, StatusTerminating, StatusTerminated,
	StatusArchived, StatusProvisioningFailed, StatusStartupFailed, StatusFailed,
}

// ComingUp reports whether the status is one of the boot sub-phases that
// the health-check job is responsible for advancing.
func (s Status) ComingUp() bool {
	switch s {
	case StatusBooting, StatusInstalling, StatusStarting:
		return true
	}
	return false
}

// Terminal reports whether the status accepts no further transitions
// except explicit archival.
func (s Status) Terminal() bool {
	switch s {
	case StatusTerminated, StatusArchived, StatusProvisioningFailed, StatusFailed:
		return true
	}
	return false
}

// Active reports whether the instance still occupies (or may occupy) a
// provider resource. Port-uniqueness constraints apply only to active rows.
func (s Status) Active() bool {
	return !s.Terminal() && s != StatusStartupFailed
}

// WorkerStatus is the status last reported by the worker agent running on
// the instance. It never drives lifecycle transitions directly.
type WorkerStatus string

const (
	WorkerStarting WorkerStatus = "starting"
	WorkerReady    WorkerStatus = "ready"
	WorkerDraining WorkerStatus = "draining"
)

// Instance is one GPU compute instance managed by the orchestrator.
type Instance struct {
	ID                 uuid.UUID
	Provider           string // provider code: "hetzner", "mock"
	Zone               string
	InstanceType       string
	ModelID            string // model the instance is expected to serve
	ProviderInstanceID string // empty until the provider resource exists
	IPAddress          string

	Status Status

	CreatedAt     time.Time
	BootStartedAt *time.Time
	ReadyAt       *time.Time
	FailedAt      *time.Time
	TerminatedAt  *time.Time
	ArchivedAt    *time.Time

	ErrorCode    string
	ErrorMessage string

	RetryCount          int
	HealthCheckFailures int
	LastHealthCheck     *time.Time
	LastReconciliation  *time.Time

	DeletionReason    string
	DeletedByProvider bool
	IsArchived        bool

	Worker WorkerState
}

// WorkerState holds the worker_* columns, written only by heartbeat
// ingestion and read by the health-check job and the routing layer.
type WorkerState struct {
	LastHeartbeat  *time.Time
	Status         WorkerStatus // empty until the worker first reports
	ModelID        string
	HealthPort     int
	InferencePort  int
	QueueDepth     int
	GPUUtilization float64
	Metadata       map[string]string
}

// FreshestSignal returns the most recent of the worker heartbeat and the
// orchestrator's own health-check timestamp. Routing uses this as the
// staleness signal. LastReconciliation is excluded: the watchdog stamps
// it on every lease claim, so it says nothing about worker liveness.
func (i *Instance) FreshestSignal() time.Time {
	var t time.Time
	if i.Worker.LastHeartbeat != nil && i.Worker.LastHeartbeat.After(t) {
		t = *i.Worker.LastHeartbeat
	}
	if i.LastHealthCheck != nil && i.LastHealthCheck.After(t) {
		t = *i.LastHealthCheck
	}
	return t
}
