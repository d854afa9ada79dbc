// Package progress derives a 0-100 readiness percentage from an instance's
// status and its completed milestone actions. Pure computation, no store
// access: callers load the action set and pass it in.
package progress

import "github.com/gpufleet/gpufleet/internal/models"

// Milestone percentages for the coming-up phase. The values are spaced to
// reflect where the wall-clock time actually goes (model load and warmup
// dominate).
var milestones = map[models.Action]int{
	models.ActionProviderStart:   30,
	models.ActionIPAssigned:      40,
	models.ActionWorkerInstall:   50,
	models.ActionHTTPReady:       60,
	models.ActionModelLoaded:     75,
	models.ActionWarmupDone:      90,
	models.ActionHealthCheckPass: 95,
}

// Compute maps status plus the completed-action set to a percentage.
// Monotonic: adding a completed action never lowers the result.
func Compute(status models.Status, completed []models.Action) int {
	switch status {
	case models.StatusProvisioning:
		for _, a := range completed {
			if a == models.ActionProviderCreate {
				return 20
			}
		}
		return 5
	case models.StatusBooting, models.StatusInstalling, models.StatusStarting:
		// Floor above the provisioning cap: reaching a coming-up phase
		// means the provider resource exists.
		pct := 25
		for _, a := range completed {
			if p, ok := milestones[a]; ok && p > pct {
				pct = p
			}
		}
		return pct
	case models.StatusReady, models.StatusDraining:
		return 100
	default:
		// Failure branches and teardown states report no progress.
		return 0
	}
}
