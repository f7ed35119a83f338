// Package scheduler selects the per-iteration work batches. Ordering
// lives in the store queries; this layer only applies the configured
// batch sizes.
package scheduler

import (
	"taskloom/internal/config"
	"taskloom/internal/model"
	"taskloom/internal/store"
)

// Scheduler hands out bounded batches of runnable nodes.
type Scheduler struct {
	store *store.Store
	rt    config.Runtime
}

// New returns a scheduler using the runtime batch sizes.
func New(st *store.Store, rt config.Runtime) *Scheduler {
	return &Scheduler{store: st, rt: rt}
}

// ExecutorBatch returns ACTION nodes the executor should work on now,
// revisions before fresh work.
func (s *Scheduler) ExecutorBatch(planID string) ([]*model.TaskNode, error) {
	return s.store.ExecutorBatch(planID, s.rt.ExecutorBatchSize)
}

// CheckBatch returns CHECK nodes whose target has a candidate artifact.
func (s *Scheduler) CheckBatch(planID string) ([]*model.TaskNode, error) {
	return s.store.CheckBatch(planID, s.rt.CheckBatchSize)
}
