package engine

import (
	"time"

	"github.com/meridianlabs/fathom/internal/partition"
)

// Limits is the recognized configuration of one processing run. Every
// limit is an explicit, checked invariant: depth, fan-out, parallelism and
// spend are enforced by the controller, not hoped for.
type Limits struct {
	// MaxDepth bounds recursion height absolutely; tasks at this depth
	// resolve directly regardless of size.
	MaxDepth int
	// MaxFanOut bounds the number of chunks per recursion step.
	MaxFanOut int
	// MaxParallelism bounds concurrently running workers.
	MaxParallelism int
	// MaxTokenBudget is the hard spend ceiling; zero disables it.
	MaxTokenBudget int
	// MaxRetries is the per-task retry count.
	MaxRetries int
	// TaskTimeout is the per-task wall-time limit.
	TaskTimeout time.Duration
	// DirectThreshold is the token count at or below which a slice
	// resolves without further recursion.
	DirectThreshold int
	// TargetTokensPerChunk sizes partition_map chunks; defaults to
	// DirectThreshold.
	TargetTokensPerChunk int
	// SearchWindowLines is the context window around search matches.
	SearchWindowLines int
	// DegradationFactor multiplies final confidence when a run
	// terminates early under budget pressure.
	DegradationFactor float64
	// AggregationDecay discounts confidence per aggregation level.
	AggregationDecay float64
}

// DefaultLimits returns the documented defaults.
func DefaultLimits() Limits {
	return Limits{
		MaxDepth:          3,
		MaxFanOut:         16,
		MaxParallelism:    8,
		MaxTokenBudget:    200000,
		MaxRetries:        1,
		TaskTimeout:       120 * time.Second,
		DirectThreshold:   4000,
		SearchWindowLines: 20,
		DegradationFactor: 0.7,
		AggregationDecay:  0.95,
	}
}

func (l Limits) withDefaults() Limits {
	d := DefaultLimits()
	if l.MaxDepth <= 0 {
		l.MaxDepth = d.MaxDepth
	}
	if l.MaxFanOut <= 0 {
		l.MaxFanOut = d.MaxFanOut
	}
	if l.MaxParallelism <= 0 {
		l.MaxParallelism = d.MaxParallelism
		if l.MaxParallelism > l.MaxFanOut {
			l.MaxParallelism = l.MaxFanOut
		}
	}
	if l.MaxRetries < 0 {
		l.MaxRetries = 0
	}
	if l.TaskTimeout <= 0 {
		l.TaskTimeout = d.TaskTimeout
	}
	if l.DirectThreshold <= 0 {
		l.DirectThreshold = d.DirectThreshold
	}
	if l.TargetTokensPerChunk <= 0 {
		l.TargetTokensPerChunk = l.DirectThreshold
	}
	if l.SearchWindowLines <= 0 {
		l.SearchWindowLines = d.SearchWindowLines
	}
	if l.DegradationFactor <= 0 || l.DegradationFactor > 1 {
		l.DegradationFactor = d.DegradationFactor
	}
	if l.AggregationDecay <= 0 || l.AggregationDecay > 1 {
		l.AggregationDecay = d.AggregationDecay
	}
	return l
}

func (l Limits) partitionLimits() partition.Limits {
	return partition.Limits{
		DirectThreshold:      l.DirectThreshold,
		MaxFanOut:            l.MaxFanOut,
		TargetTokensPerChunk: l.TargetTokensPerChunk,
		SearchWindowLines:    l.SearchWindowLines,
	}
}
