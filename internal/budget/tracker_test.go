package budget

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestReserveWithinCeiling(t *testing.T) {
	tr := NewTracker(1000, nil)
	assert.True(t, tr.Reserve(400))
	assert.True(t, tr.Reserve(400))
	assert.False(t, tr.Reserve(400), "third reservation would exceed the ceiling")
	assert.Equal(t, 200, tr.Remaining())
}

func TestCommitReleasesReservation(t *testing.T) {
	tr := NewTracker(1000, nil)
	assert.True(t, tr.Reserve(600))
	tr.Commit(600, 250)

	assert.Equal(t, 250, tr.Used())
	assert.Equal(t, 750, tr.Remaining())
	assert.True(t, tr.Reserve(700))
}

func TestCommitOvershootBoundedByOneTask(t *testing.T) {
	tr := NewTracker(1000, nil)
	assert.True(t, tr.Reserve(900))
	// Actual spend may exceed the projection; the ceiling holds within one
	// task's worth of overshoot.
	tr.Commit(900, 1100)
	assert.Equal(t, 1100, tr.Used())
	assert.False(t, tr.Reserve(1))
	assert.Equal(t, 0, tr.Remaining())
}

func TestExhaustedOnlyAfterSpendReachesCeiling(t *testing.T) {
	tr := NewTracker(100, nil)
	assert.False(t, tr.Exhausted())

	// Reservations alone do not exhaust the tracker.
	assert.True(t, tr.Reserve(100))
	assert.False(t, tr.Exhausted())

	tr.Commit(100, 99)
	assert.False(t, tr.Exhausted())

	tr.Commit(0, 1)
	assert.True(t, tr.Exhausted())
}

func TestZeroCeilingDisablesEnforcement(t *testing.T) {
	tr := NewTracker(0, nil)
	for i := 0; i < 100; i++ {
		assert.True(t, tr.Reserve(1_000_000))
	}
	assert.Equal(t, -1, tr.Remaining())
	assert.Equal(t, PressureLow, tr.Pressure())
	tr.Commit(0, 1_000_000)
	assert.False(t, tr.Exhausted())
}

func TestPressureBands(t *testing.T) {
	tr := NewTracker(1000, nil)
	assert.Equal(t, PressureLow, tr.Pressure())

	tr.Commit(0, 500)
	assert.Equal(t, PressureMedium, tr.Pressure())

	tr.Commit(0, 250)
	assert.Equal(t, PressureHigh, tr.Pressure())

	tr.Commit(0, 200)
	assert.Equal(t, PressureCritical, tr.Pressure())
}

func TestNegativeInputsClamped(t *testing.T) {
	tr := NewTracker(100, nil)
	assert.True(t, tr.Reserve(-5))
	tr.Commit(-5, -10)
	assert.Equal(t, 0, tr.Used())
	assert.Equal(t, 100, tr.Remaining())
}
