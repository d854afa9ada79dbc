package models

import "github.com/google/uuid"

// CommandType discriminates messages on the command bus.
type CommandType string

const (
	CommandProvision   CommandType = "PROVISION"
	CommandTerminate   CommandType = "TERMINATE"
	CommandReinstall   CommandType = "REINSTALL"
	CommandSyncCatalog CommandType = "SYNC_CATALOG"
	CommandReconcile   CommandType = "RECONCILE"
)

// Command is the transient message consumed by the dispatcher. Delivery is
// best-effort: the provisioning-requeue and recovery jobs are the
// correctness backstop for lost commands.
type Command struct {
	Type          CommandType `json:"type"`
	InstanceID    uuid.UUID   `json:"instance_id,omitempty"`
	Zone          string      `json:"zone,omitempty"`
	InstanceType  string      `json:"instance_type,omitempty"`
	ModelID       string      `json:"model_id,omitempty"`
	CorrelationID string      `json:"correlation_id,omitempty"`
}
