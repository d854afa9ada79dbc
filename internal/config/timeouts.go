package config

import (
	"os"
	"strconv"
	"time"
)

// Timeouts holds every tunable threshold in the reconciliation machinery.
// All values can be customized via environment variables; defaults match
// production experience with GPU instances (long boots, slow model loads).
type Timeouts struct {
	// HeartbeatTrust is how fresh a worker heartbeat must be for the
	// health-check job to trust it over active probing.
	HeartbeatTrust time.Duration
	// RoutingStaleness is the maximum age of the freshness signal before
	// routing excludes an otherwise-ready instance.
	RoutingStaleness time.Duration

	// BootTimeout bounds the booting phase (provider start to worker HTTP).
	BootTimeout time.Duration
	// InstallTimeout bounds the installing phase.
	InstallTimeout time.Duration
	// ModelLoadTimeout bounds the starting phase (model load and warmup).
	ModelLoadTimeout time.Duration
	// ProvisioningTimeout bounds how long a row may sit in provisioning
	// before the recovery job force-fails it.
	ProvisioningTimeout time.Duration
	// TerminatingTimeout bounds termination before it is flagged for
	// manual intervention.
	TerminatingTimeout time.Duration

	// RequeueAfter is how old an unprovisioned row must be before the
	// requeue job re-issues the provisioning workflow.
	RequeueAfter time.Duration
	// ProvisionRetryCap bounds requeue attempts.
	ProvisionRetryCap int
	// StartupRetryCap bounds startup_failed -> booting self-healing.
	StartupRetryCap int
	// HealthCheckFailureCap is the consecutive probe failures tolerated
	// before a coming-up instance is failed.
	HealthCheckFailureCap int
	// TerminateRetryCap bounds terminator retries before flagging the row.
	TerminateRetryCap int

	// HealthCheckInterval, TerminatorInterval, WatchDogInterval,
	// RequeueInterval and RecoveryInterval are the job tick periods.
	HealthCheckInterval time.Duration
	TerminatorInterval  time.Duration
	WatchDogInterval    time.Duration
	RequeueInterval     time.Duration
	RecoveryInterval    time.Duration

	// ClaimBatch is the maximum rows a single job tick claims.
	ClaimBatch int
	// ClaimLease is how long a claimed row is considered leased before
	// another replica may pick it up again.
	ClaimLease time.Duration

	// ProbeTimeout bounds each individual HTTP probe.
	ProbeTimeout time.Duration
	// IPPollAttempts and IPPollDelay bound the IP retrieval loop after
	// provider start.
	IPPollAttempts int
	IPPollDelay    time.Duration
}

// LoadTimeouts loads all thresholds from environment variables, falling
// back to defaults.
//
// Environment variables:
//   - GPUFLEET_HEARTBEAT_TRUST (default: 30s)
//   - GPUFLEET_ROUTING_STALENESS (default: 300s)
//   - GPUFLEET_BOOT_TIMEOUT (default: 2h)
//   - GPUFLEET_INSTALL_TIMEOUT (default: 45m)
//   - GPUFLEET_MODEL_LOAD_TIMEOUT (default: 30m)
//   - GPUFLEET_PROVISIONING_TIMEOUT (default: 30m)
//   - GPUFLEET_TERMINATING_TIMEOUT (default: 1h)
//   - GPUFLEET_REQUEUE_AFTER (default: 30s)
//   - GPUFLEET_PROVISION_RETRY_CAP (default: 5)
//   - GPUFLEET_STARTUP_RETRY_CAP (default: 3)
//   - GPUFLEET_HEALTH_FAILURE_CAP (default: 20)
//   - GPUFLEET_TERMINATE_RETRY_CAP (default: 10)
//   - GPUFLEET_JOB_* intervals, GPUFLEET_CLAIM_BATCH, GPUFLEET_CLAIM_LEASE
//   - GPUFLEET_PROBE_TIMEOUT (default: 5s)
func LoadTimeouts() *Timeouts {
	return &Timeouts{
		HeartbeatTrust:   parseDuration("GPUFLEET_HEARTBEAT_TRUST", 30*time.Second),
		RoutingStaleness: parseDuration("GPUFLEET_ROUTING_STALENESS", 300*time.Second),

		BootTimeout:         parseDuration("GPUFLEET_BOOT_TIMEOUT", 2*time.Hour),
		InstallTimeout:      parseDuration("GPUFLEET_INSTALL_TIMEOUT", 45*time.Minute),
		ModelLoadTimeout:    parseDuration("GPUFLEET_MODEL_LOAD_TIMEOUT", 30*time.Minute),
		ProvisioningTimeout: parseDuration("GPUFLEET_PROVISIONING_TIMEOUT", 30*time.Minute),
		TerminatingTimeout:  parseDuration("GPUFLEET_TERMINATING_TIMEOUT", time.Hour),

		RequeueAfter:          parseDuration("GPUFLEET_REQUEUE_AFTER", 30*time.Second),
		ProvisionRetryCap:     parseInt("GPUFLEET_PROVISION_RETRY_CAP", 5),
		StartupRetryCap:       parseInt("GPUFLEET_STARTUP_RETRY_CAP", 3),
		HealthCheckFailureCap: parseInt("GPUFLEET_HEALTH_FAILURE_CAP", 20),
		TerminateRetryCap:     parseInt("GPUFLEET_TERMINATE_RETRY_CAP", 10),

		HealthCheckInterval: parseDuration("GPUFLEET_JOB_HEALTH_INTERVAL", 10*time.Second),
		TerminatorInterval:  parseDuration("GPUFLEET_JOB_TERMINATOR_INTERVAL", 10*time.Second),
		WatchDogInterval:    parseDuration("GPUFLEET_JOB_WATCHDOG_INTERVAL", 10*time.Second),
		RequeueInterval:     parseDuration("GPUFLEET_JOB_REQUEUE_INTERVAL", 10*time.Second),
		RecoveryInterval:    parseDuration("GPUFLEET_JOB_RECOVERY_INTERVAL", 30*time.Second),

		ClaimBatch: parseInt("GPUFLEET_CLAIM_BATCH", 50),
		ClaimLease: parseDuration("GPUFLEET_CLAIM_LEASE", 30*time.Second),

		ProbeTimeout:   parseDuration("GPUFLEET_PROBE_TIMEOUT", 5*time.Second),
		IPPollAttempts: parseInt("GPUFLEET_IP_POLL_ATTEMPTS", 5),
		IPPollDelay:    parseDuration("GPUFLEET_IP_POLL_DELAY", 2*time.Second),
	}
}

// StateTimeout returns the stuck-state threshold the recovery job applies
// for the given status, and whether one is defined.
func (t *Timeouts) StateTimeout(status string) (time.Duration, bool) {
	switch status {
	case "provisioning":
		return t.ProvisioningTimeout, true
	case "booting":
		return t.BootTimeout, true
	case "installing":
		return t.InstallTimeout, true
	case "starting":
		return t.ModelLoadTimeout, true
	case "terminating", "draining":
		return t.TerminatingTimeout, true
	}
	return 0, false
}

// parseDuration parses a duration from an environment variable, falling
// back to the default when unset or invalid.
func parseDuration(envVar string, defaultVal time.Duration) time.Duration {
	val := os.Getenv(envVar)
	if val == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(val)
	if err != nil {
		return defaultVal
	}
	return d
}

func parseInt(envVar string, defaultVal int) int {
	val := os.Getenv(envVar)
	if val == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(val)
	if err != nil {
		return defaultVal
	}
	return i
}
