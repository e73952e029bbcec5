// Package budget enforces the hard token spend ceiling for one processing
// run. Every dispatch first reserves its projected cost; actual usage is
// committed afterwards and the difference released. The ceiling therefore
// holds within one task's worth of overshoot at the boundary check.
package budget

import (
	"sync"

	"go.uber.org/zap"

	"github.com/meridianlabs/fathom/internal/metrics"
)

// Pressure describes how close a run is to its ceiling.
type Pressure string

const (
	PressureLow      Pressure = "low"
	PressureMedium   Pressure = "medium"
	PressureHigh     Pressure = "high"
	PressureCritical Pressure = "critical"
)

// Tracker accounts token spend for a single run. Safe for concurrent use
// by sibling workers.
type Tracker struct {
	mu       sync.Mutex
	ceiling  int
	reserved int
	used     int
	logger   *zap.Logger
}

// NewTracker creates a tracker with the given ceiling. A ceiling of zero
// or less disables enforcement.
func NewTracker(ceiling int, logger *zap.Logger) *Tracker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Tracker{ceiling: ceiling, logger: logger}
}

// Reserve attempts to set aside projected tokens for a dispatch. It fails
// when the projection would push committed plus reserved spend past the
// ceiling; the caller then degrades instead of dispatching.
func (t *Tracker) Reserve(projected int) bool {
	if projected < 0 {
		projected = 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.ceiling <= 0 {
		t.reserved += projected
		return true
	}
	if t.used+t.reserved+projected > t.ceiling {
		metrics.BudgetRejections.Inc()
		t.logger.Debug("Budget reservation rejected",
			zap.Int("projected", projected),
			zap.Int("used", t.used),
			zap.Int("reserved", t.reserved),
			zap.Int("ceiling", t.ceiling),
		)
		return false
	}
	t.reserved += projected
	return true
}

// Commit replaces a reservation with the actual spend. Actual may exceed
// the reservation; the overshoot is bounded by one task's usage.
func (t *Tracker) Commit(projected, actual int) {
	if projected < 0 {
		projected = 0
	}
	if actual < 0 {
		actual = 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.reserved -= projected
	if t.reserved < 0 {
		t.reserved = 0
	}
	t.used += actual
}

// Exhausted reports whether committed spend has reached the ceiling.
// Fallback calls that bypass reservation are allowed only before this
// point, which bounds the run's overshoot to one task's usage.
func (t *Tracker) Exhausted() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.ceiling > 0 && t.used >= t.ceiling
}

// Used returns committed token spend.
func (t *Tracker) Used() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.used
}

// Remaining returns ceiling minus committed and reserved spend. Unlimited
// trackers return a negative value.
func (t *Tracker) Remaining() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.ceiling <= 0 {
		return -1
	}
	r := t.ceiling - t.used - t.reserved
	if r < 0 {
		r = 0
	}
	return r
}

// Pressure reports how much of the ceiling is consumed.
func (t *Tracker) Pressure() Pressure {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.ceiling <= 0 {
		return PressureLow
	}
	ratio := float64(t.used+t.reserved) / float64(t.ceiling)
	switch {
	case ratio < 0.5:
		return PressureLow
	case ratio < 0.75:
		return PressureMedium
	case ratio < 0.9:
		return PressureHigh
	default:
		return PressureCritical
	}
}
