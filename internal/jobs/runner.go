// Package jobs contains the five reconciliation loops. They share one
// shape: tick on a fixed interval, claim a bounded batch of rows through
// the store's lease mechanism, process each row, continue on per-row
// errors. All cross-replica coordination is the row claim itself; the
// loops hold no other locks.
package jobs

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/gpufleet/gpufleet/internal/config"
	"github.com/gpufleet/gpufleet/internal/metrics"
	"github.com/gpufleet/gpufleet/internal/models"
	"github.com/gpufleet/gpufleet/internal/probe"
	"github.com/gpufleet/gpufleet/internal/provider"
	"github.com/gpufleet/gpufleet/internal/statemachine"
	"github.com/gpufleet/gpufleet/internal/store"
)

// Job is one reconciliation loop.
type Job interface {
	Name() string
	Interval() time.Duration
	Tick(ctx context.Context) error
}

// Deps bundles what every job needs.
type Deps struct {
	Store    store.Store
	Machine  *statemachine.Machine
	Provider provider.Provider
	Prober   *probe.Prober
	Timeouts *config.Timeouts
	Log      zerolog.Logger
}

// statusGaugeInterval spaces the per-status gauge sweeps; the gauge is
// observability only, so a coarse refresh is enough.
const statusGaugeInterval = 15 * time.Second

// Runner drives a set of jobs until the context ends.
type Runner struct {
	jobs  []Job
	store store.Store
	log   zerolog.Logger
}

func NewRunner(log zerolog.Logger, st store.Store, jobs ...Job) *Runner {
	return &Runner{jobs: jobs, store: st, log: log.With().Str("component", "jobs").Logger()}
}

// Run starts one goroutine per job and blocks until ctx is cancelled. A
// failing tick is logged and counted, never fatal: the next tick retries.
func (r *Runner) Run(ctx context.Context) {
	done := make(chan struct{})
	for _, job := range r.jobs {
		go func(j Job) {
			defer func() { done <- struct{}{} }()
			ticker := time.NewTicker(j.Interval())
			defer ticker.Stop()
			r.log.Info().Str("job", j.Name()).Dur("interval", j.Interval()).Msg("job started")
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					r.tick(ctx, j)
				}
			}
		}(job)
	}
	go func() {
		defer func() { done <- struct{}{} }()
		ticker := time.NewTicker(statusGaugeInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				r.sweepStatusGauges(ctx)
			}
		}
	}()
	for i := 0; i < len(r.jobs)+1; i++ {
		<-done
	}
}

// sweepStatusGauges refreshes the per-status instance gauge. Every status
// is written on each sweep so a drained status falls back to zero instead
// of freezing at its last value.
func (r *Runner) sweepStatusGauges(ctx context.Context) {
	for _, status := range models.AllStatuses {
		rows, err := r.store.ListInstancesByStatus(ctx, status)
		if err != nil {
			r.log.Warn().Err(err).Msg("status gauge sweep aborted")
			return
		}
		metrics.InstancesByStatus.WithLabelValues(string(status)).Set(float64(len(rows)))
	}
}

func (r *Runner) tick(ctx context.Context, j Job) {
	start := time.Now()
	err := j.Tick(ctx)
	metrics.JobTickDuration.WithLabelValues(j.Name()).Observe(time.Since(start).Seconds())
	result := "ok"
	if err != nil {
		result = "error"
		r.log.Error().Err(err).Str("job", j.Name()).Msg("tick failed")
	}
	metrics.JobTicksTotal.WithLabelValues(j.Name(), result).Inc()
}
