package server

import (
	"sync/atomic"
	"time"

	"github.com/raterudder/chargeplanner/pkg/controller"
	"github.com/raterudder/chargeplanner/pkg/types"
)

// PlanSnapshot is one planning cycle's result.
type PlanSnapshot struct {
	Plan       types.RollingPlan           `json:"plan"`
	CurrentSOC float64                     `json:"currentSOC"`
	ShortTerm  controller.ShortTermDeficit `json:"shortTermDeficit"`
	PriceCount int                         `json:"priceCount"`
	// Warnings lists the collaborators that failed and were replaced by
	// fallbacks in this cycle.
	Warnings  []string  `json:"warnings,omitempty"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// SchedulerState holds the latest plan. The planner replaces it as a whole
// and readers never see a partial update; the last writer wins.
type SchedulerState struct {
	latest atomic.Pointer[PlanSnapshot]
}

// Store replaces the current snapshot.
func (s *SchedulerState) Store(snap PlanSnapshot) {
	s.latest.Store(&snap)
}

// Snapshot returns the latest snapshot and false when no plan has been
// computed yet. The slices inside are shared and must not be modified.
func (s *SchedulerState) Snapshot() (PlanSnapshot, bool) {
	p := s.latest.Load()
	if p == nil {
		return PlanSnapshot{}, false
	}
	return *p, true
}

// Plan returns the latest plan or nil.
func (s *SchedulerState) Plan() *types.RollingPlan {
	p := s.latest.Load()
	if p == nil {
		return nil
	}
	return &p.Plan
}
