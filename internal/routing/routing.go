// Package routing picks the instance an inference request should land on.
package routing

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/gpufleet/gpufleet/internal/models"
	"github.com/gpufleet/gpufleet/internal/store"
)

// ErrNoReadyWorker signals that no instance currently qualifies for the
// model. Callers surface it as retryable service-unavailable.
var ErrNoReadyWorker = errors.New("routing: no ready worker")

// candidateLimit bounds how many ranked rows one selection considers.
const candidateLimit = 64

// Selector routes requests over ready instances. Candidates must be ready,
// serving the requested model, and fresh within the staleness window;
// stale rows are excluded outright, never merely deprioritized.
type Selector struct {
	store     store.Store
	staleness time.Duration
}

func NewSelector(st store.Store, staleness time.Duration) *Selector {
	return &Selector{store: st, staleness: staleness}
}

// Select returns the instance to route to. Ranking is queue depth
// ascending, then freshness descending, then created_at descending. A
// sticky key overrides the ranking with a stable hash over the candidate
// set; affinity is best-effort and silently moves when the pinned worker
// drops out of the set.
func (s *Selector) Select(ctx context.Context, modelID, stickyKey string) (*models.Instance, error) {
	candidates, err := s.store.ListRoutable(ctx, modelID, s.staleness, candidateLimit)
	if err != nil {
		return nil, err
	}
	if len(candidates) == 0 {
		return nil, ErrNoReadyWorker
	}
	if stickyKey == "" {
		return candidates[0], nil
	}
	// Hash over an id-sorted view so the pick is independent of ranking
	// churn (queue depths move every heartbeat).
	sorted := make([]*models.Instance, len(candidates))
	copy(sorted, candidates)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].ID.String() < sorted[j].ID.String()
	})
	idx := xxhash.Sum64String(stickyKey) % uint64(len(sorted))
	return sorted[idx], nil
}
