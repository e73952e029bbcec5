// Package workspace defines the durable record of a processing run and the
// store abstraction that persists it. Each workspace's fields have a single
// logical writer (the controller owns status/strategy, the coordinator owns
// result records, the aggregator owns the final answer), so the store only
// needs atomic writes of individual records, not cross-field locking.
package workspace

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrNotFound indicates the workspace id is unknown to the store.
	ErrNotFound = errors.New("workspace not found")
	// ErrAlreadyFinalized indicates a second finalization attempt.
	ErrAlreadyFinalized = errors.New("workspace already finalized")
	// ErrInvalidTransition indicates a status write that would move the
	// lifecycle backwards.
	ErrInvalidTransition = errors.New("invalid status transition")
)

// Store persists workspace records. Implementations must keep chunk and
// result ordering stable (append order).
type Store interface {
	// Create inserts a new workspace record. The record's status must be
	// pending.
	Create(ctx context.Context, ws *Workspace) error
	// Get returns a copy of the workspace record.
	Get(ctx context.Context, id string) (*Workspace, error)
	// SetStrategy records the partitioning strategy chosen at activation.
	SetStrategy(ctx context.Context, id string, strategy Strategy) error
	// PutChunks stores the ordered chunk list created by the partitioner.
	PutChunks(ctx context.Context, id string, chunks []Chunk) error
	// SetStatus advances the workspace lifecycle. Backward transitions
	// fail with ErrInvalidTransition.
	SetStatus(ctx context.Context, id string, status Status) error
	// AppendResult appends one worker result to the workspace record.
	AppendResult(ctx context.Context, id string, result WorkerResult) error
	// Finalize writes the final answer and moves the workspace to
	// complete. A second call fails with ErrAlreadyFinalized.
	Finalize(ctx context.Context, id string, final FinalAnswer) error
	// Delete removes a workspace record.
	Delete(ctx context.Context, id string) error
	// Sweep removes workspaces older than the store's retention window
	// and returns how many were removed.
	Sweep(ctx context.Context) (int, error)
	// Close releases store resources.
	Close() error
}

// checkTransition validates a status move along the lifecycle
// pending -> active -> {complete, error}: no backward step, no skipped
// stage, and no leaving a terminal state. Writing the current status again
// is a no-op.
func checkTransition(from, to Status) error {
	if !to.Valid() {
		return fmt.Errorf("%w: unknown status %q", ErrInvalidTransition, to)
	}
	if from == to {
		return nil
	}
	switch from {
	case StatusPending:
		if to == StatusActive {
			return nil
		}
	case StatusActive:
		if to == StatusComplete || to == StatusError {
			return nil
		}
	}
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
}
