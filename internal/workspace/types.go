package workspace

import (
	"time"
)

// Status tracks the lifecycle of a processing run. Transitions are
// monotonically forward: pending -> active -> {complete, error}.
type Status string

const (
	StatusPending  Status = "pending"
	StatusActive   Status = "active"
	StatusComplete Status = "complete"
	StatusError    Status = "error"
)

// statusRank orders statuses for monotonic transition checks.
var statusRank = map[Status]int{
	StatusPending:  0,
	StatusActive:   1,
	StatusComplete: 2,
	StatusError:    2,
}

// Valid reports whether s is a known status value.
func (s Status) Valid() bool {
	_, ok := statusRank[s]
	return ok
}

// Strategy identifies how a context blob is partitioned for processing.
type Strategy string

const (
	StrategyDirect       Strategy = "direct"
	StrategySearch       Strategy = "search"
	StrategyPartitionMap Strategy = "partition_map"
	StrategyHybrid       Strategy = "hybrid"
)

// Structure is a hint about the shape of the source content.
type Structure string

const (
	StructureStructured   Structure = "structured"
	StructureUnstructured Structure = "unstructured"
	StructureMixed        Structure = "mixed"
)

// ContextRef identifies a source context blob without embedding its content.
type ContextRef struct {
	Source          string    `json:"source"`
	SizeBytes       int64     `json:"size_bytes"`
	EstimatedTokens int       `json:"estimated_tokens"`
	Structure       Structure `json:"structure"`
}

// ByteRange is a half-open [Start, End) slice of the source content.
type ByteRange struct {
	Start int `json:"start"`
	End   int `json:"end"`
}

// Len returns the number of bytes covered by the range.
func (r ByteRange) Len() int { return r.End - r.Start }

// Chunk is a contiguous, addressable slice of a workspace's context.
// Chunks are created once at workspace activation and never mutated.
type Chunk struct {
	Index           int       `json:"index"`
	Range           ByteRange `json:"byte_range"`
	EstimatedTokens int       `json:"estimated_tokens"`
	// Placeholder marks a search anchor whose window boundaries the
	// controller resolves on demand (partition.ResolveWindows).
	Placeholder bool `json:"placeholder,omitempty"`
}

// Finding is one extracted fact with its source chunk reference.
type Finding struct {
	Text       string `json:"text"`
	ChunkIndex int    `json:"chunk_index"`
}

// WorkerResult is the structured outcome of one worker task execution.
// A failed task is represented as a placeholder result with Confidence 0
// and a nil Answer so aggregation can proceed on partial data.
type WorkerResult struct {
	WorkerID       string    `json:"worker_id"`
	Depth          int       `json:"depth"`
	ChunkIndex     int       `json:"chunk_index"`
	Findings       []Finding `json:"findings"`
	Answer         *string   `json:"answer"`
	Confidence     float64   `json:"confidence"`
	ProcessingCost int       `json:"processing_cost"`
	Failed         bool      `json:"failed,omitempty"`
	Degraded       bool      `json:"degraded,omitempty"`
}

// FinalAnswer is the single terminal record of a workspace.
type FinalAnswer struct {
	Text            string    `json:"text"`
	Confidence      float64   `json:"confidence"`
	TotalTokenUsage int       `json:"total_token_usage"`
	CreatedAt       time.Time `json:"created_at"`
}

// Workspace is one processing run: the context reference, the chunk list,
// the worker results collected across the recursion tree, and the final
// answer once aggregation completes.
type Workspace struct {
	ID        string         `json:"id"`
	CreatedAt time.Time      `json:"created_at"`
	Context   ContextRef     `json:"context"`
	Status    Status         `json:"status"`
	Strategy  Strategy       `json:"strategy,omitempty"`
	Chunks    []Chunk        `json:"chunks,omitempty"`
	Results   []WorkerResult `json:"results,omitempty"`
	Final     *FinalAnswer   `json:"final,omitempty"`
}

// Clone returns a deep copy so callers can't mutate store-owned state.
func (w *Workspace) Clone() *Workspace {
	if w == nil {
		return nil
	}
	cp := *w
	if w.Chunks != nil {
		cp.Chunks = append([]Chunk(nil), w.Chunks...)
	}
	if w.Results != nil {
		cp.Results = make([]WorkerResult, len(w.Results))
		for i, r := range w.Results {
			cp.Results[i] = r
			if r.Findings != nil {
				cp.Results[i].Findings = append([]Finding(nil), r.Findings...)
			}
			if r.Answer != nil {
				a := *r.Answer
				cp.Results[i].Answer = &a
			}
		}
	}
	if w.Final != nil {
		f := *w.Final
		cp.Final = &f
	}
	return &cp
}
