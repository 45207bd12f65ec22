// Package schedule decides when a scheduled instance may fire. It reads
// instance state and never changes it.
package schedule

import (
	"math"
	"time"

	"github.com/beaulazear/voxxy-campaign-engine/internal/domain"
)

// DefaultGracePeriod is how late an instance may fire before it counts as
// overdue.
const DefaultGracePeriod = 10 * time.Minute

// Gate answers readiness and lateness questions for scheduled instances.
type Gate struct {
	grace time.Duration
}

// NewGate returns a gate with the given grace period. A non-positive grace
// falls back to DefaultGracePeriod.
func NewGate(grace time.Duration) *Gate {
	if grace <= 0 {
		grace = DefaultGracePeriod
	}
	return &Gate{grace: grace}
}

// GracePeriod returns the configured grace period.
func (g *Gate) GracePeriod() time.Duration {
	return g.grace
}

// Ready is true when the instance is scheduled and its fire time has passed.
func (g *Gate) Ready(inst *domain.ScheduledInstance, now time.Time) bool {
	return inst.Status == domain.InstanceScheduled &&
		inst.FireTime != nil &&
		!inst.FireTime.After(now)
}

// Overdue is true when a scheduled instance is later than the grace period.
func (g *Gate) Overdue(inst *domain.ScheduledInstance, now time.Time) bool {
	return inst.Status == domain.InstanceScheduled &&
		inst.FireTime != nil &&
		now.Sub(*inst.FireTime) > g.grace
}

// MinutesOverdue returns whole minutes since the fire time, floored so any
// moment before it is negative. Zero when no fire time is set.
func (g *Gate) MinutesOverdue(inst *domain.ScheduledInstance, now time.Time) int {
	if inst.FireTime == nil {
		return 0
	}
	return int(math.Floor(now.Sub(*inst.FireTime).Minutes()))
}

// Status bundles the gate's answers for one instance.
type Status struct {
	InstanceID     string     `json:"instance_id"`
	Status         string     `json:"status"`
	FireTime       *time.Time `json:"fire_time,omitempty"`
	Ready          bool       `json:"ready"`
	Overdue        bool       `json:"overdue"`
	MinutesOverdue int        `json:"minutes_overdue"`
}

// Check evaluates every gate predicate at now.
func (g *Gate) Check(inst *domain.ScheduledInstance, now time.Time) Status {
	return Status{
		InstanceID:     inst.ID,
		Status:         string(inst.Status),
		FireTime:       inst.FireTime,
		Ready:          g.Ready(inst, now),
		Overdue:        g.Overdue(inst, now),
		MinutesOverdue: g.MinutesOverdue(inst, now),
	}
}
