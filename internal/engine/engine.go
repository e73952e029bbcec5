// Package engine implements the recursion controller: it decides whether a
// slice of context is direct-answerable or must recurse, enforces depth,
// fan-out and spend limits as checked invariants, and folds worker results
// upward into one final answer per workspace.
package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/meridianlabs/fathom/internal/aggregate"
	"github.com/meridianlabs/fathom/internal/budget"
	"github.com/meridianlabs/fathom/internal/inference"
	"github.com/meridianlabs/fathom/internal/metrics"
	"github.com/meridianlabs/fathom/internal/partition"
	"github.com/meridianlabs/fathom/internal/worker"
	"github.com/meridianlabs/fathom/internal/workspace"
)

// ErrInvalidContext re-exports the partitioner's fatal input error.
var ErrInvalidContext = partition.ErrInvalidContext

// ErrAllChildrenFailed re-exports the aggregator's total-failure error.
// It reaches the caller only when the root-level fan-out fails entirely.
var ErrAllChildrenFailed = aggregate.ErrAllChildrenFailed

// Engine processes oversized contexts recursively. One Engine serves many
// concurrent, fully independent workspaces.
type Engine struct {
	store  workspace.Store
	client inference.Client
	loader Loader
	logger *zap.Logger

	mu       sync.RWMutex
	defaults Limits
}

// New creates an engine. Zero-valued limits fields fall back to defaults.
func New(store workspace.Store, client inference.Client, defaults Limits, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		store:    store,
		client:   client,
		loader:   SourceLoader{},
		logger:   logger,
		defaults: defaults.withDefaults(),
	}
}

// SetLoader replaces the context loader.
func (e *Engine) SetLoader(l Loader) {
	if l != nil {
		e.loader = l
	}
}

// Defaults returns the engine's default limits.
func (e *Engine) Defaults() Limits {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.defaults
}

// SetDefaults replaces the default limits. In-flight runs keep the limits
// they started with.
func (e *Engine) SetDefaults(limits Limits) {
	e.mu.Lock()
	e.defaults = limits.withDefaults()
	e.mu.Unlock()
}

// Process resolves the context reference and runs a full processing run.
func (e *Engine) Process(ctx context.Context, ref workspace.ContextRef, query string, limits Limits) (*workspace.FinalAnswer, error) {
	content, err := e.loader.Load(ctx, ref)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidContext, err)
	}
	return e.ProcessContent(ctx, ref, content, query, limits)
}

// ProcessContent runs a full processing run over content the caller already
// holds. It creates the workspace, selects the strategy once at activation,
// drives the recursion tree, and finalizes or errors the workspace.
func (e *Engine) ProcessContent(ctx context.Context, ref workspace.ContextRef, content, query string, limits Limits) (*workspace.FinalAnswer, error) {
	_, final, err := e.Execute(ctx, ref, content, query, limits)
	return final, err
}

// Execute is ProcessContent plus the created workspace id, for callers that
// inspect the persisted run afterwards.
func (e *Engine) Execute(ctx context.Context, ref workspace.ContextRef, content, query string, limits Limits) (string, *workspace.FinalAnswer, error) {
	limits = limits.withDefaults()
	if strings.TrimSpace(content) == "" {
		return "", nil, fmt.Errorf("%w: empty content", ErrInvalidContext)
	}
	if ref.EstimatedTokens <= 0 {
		ref.EstimatedTokens = partition.EstimateTokens(content)
	}
	ref.SizeBytes = int64(len(content))

	id := uuid.New().String()
	ws := &workspace.Workspace{ID: id, Context: ref, Status: workspace.StatusPending}
	if err := e.store.Create(ctx, ws); err != nil {
		return "", nil, fmt.Errorf("failed to create workspace: %w", err)
	}

	strategy := partition.SelectStrategy(ref, query, limits.partitionLimits())
	if err := e.store.SetStrategy(ctx, id, strategy); err != nil {
		return id, nil, err
	}
	if err := e.store.SetStatus(ctx, id, workspace.StatusActive); err != nil {
		return id, nil, err
	}
	metrics.RunsStarted.WithLabelValues(string(strategy)).Inc()
	e.logger.Info("Processing run started",
		zap.String("workspace_id", id),
		zap.String("strategy", string(strategy)),
		zap.Int("estimated_tokens", ref.EstimatedTokens),
	)
	start := time.Now()

	tracker := budget.NewTracker(limits.MaxTokenBudget, e.logger)
	r := &run{
		engine:      e,
		id:          id,
		query:       query,
		structure:   ref.Structure,
		limits:      limits,
		strategy:    strategy,
		holistic:    !partition.Locatable(query),
		tracker:     tracker,
		coordinator: worker.NewCoordinator(worker.Options{MaxParallelism: limits.MaxParallelism, MaxRetries: limits.MaxRetries}, e.logger),
		aggregator: aggregate.New(e.client, aggregate.Options{
			Decay:              limits.AggregationDecay,
			MaxSynthesisTokens: limits.DirectThreshold,
			Budget:             tracker,
		}, e.logger),
	}

	rootChunk := workspace.Chunk{
		Range:           workspace.ByteRange{Start: 0, End: len(content)},
		EstimatedTokens: ref.EstimatedTokens,
	}
	rootTask := worker.NewTask(0, &rootChunk, query)
	outcomes := r.coordinator.Dispatch(ctx, []worker.Task{rootTask}, func(tctx context.Context, t worker.Task) (workspace.WorkerResult, error) {
		res, err := r.resolve(tctx, t, content, strategy)
		if errors.Is(err, ErrAllChildrenFailed) {
			res.Failed = true
			return res, nil
		}
		return res, err
	})
	root := outcomes[0]

	if ctx.Err() != nil {
		// Cancellation propagates top-down: in-flight results are
		// discarded and the workspace is marked error.
		e.fail(ctx, id, strategy, start, r.tracker.Used())
		return id, nil, ctx.Err()
	}
	if root.Err != nil || root.Result.Failed {
		e.fail(ctx, id, strategy, start, r.tracker.Used())
		if root.Err != nil && !errors.Is(root.Err, ErrAllChildrenFailed) {
			return id, nil, fmt.Errorf("%w: %v", ErrAllChildrenFailed, root.Err)
		}
		return id, nil, ErrAllChildrenFailed
	}

	result := root.Result
	if result.Degraded {
		result.Confidence *= limits.DegradationFactor
		metrics.RunsDegraded.Inc()
		e.logger.Warn("Run degraded under budget pressure",
			zap.String("workspace_id", id),
			zap.Int("tokens_used", r.tracker.Used()),
			zap.Int("budget", limits.MaxTokenBudget),
		)
	}

	final := aggregate.Finalize(result)
	if err := e.store.Finalize(context.WithoutCancel(ctx), id, final); err != nil {
		return id, nil, err
	}
	metrics.RecordRun(string(strategy), "complete", time.Since(start).Seconds(), final.TotalTokenUsage)
	e.logger.Info("Processing run complete",
		zap.String("workspace_id", id),
		zap.Float64("confidence", final.Confidence),
		zap.Int("total_tokens", final.TotalTokenUsage),
	)
	return id, &final, nil
}

func (e *Engine) fail(ctx context.Context, id string, strategy workspace.Strategy, start time.Time, tokensUsed int) {
	cctx := context.WithoutCancel(ctx)
	if err := e.store.SetStatus(cctx, id, workspace.StatusError); err != nil {
		e.logger.Error("Failed to mark workspace error",
			zap.String("workspace_id", id),
			zap.Error(err),
		)
	}
	metrics.RecordRun(string(strategy), "error", time.Since(start).Seconds(), tokensUsed)
}

// run carries the per-workspace state of one recursion tree.
type run struct {
	engine      *Engine
	id          string
	query       string
	structure   workspace.Structure
	limits      Limits
	strategy    workspace.Strategy
	holistic    bool
	tracker     *budget.Tracker
	coordinator *worker.Coordinator
	aggregator  *aggregate.Aggregator
}

// resolve is the task state machine: a dispatched task either resolves
// directly, recurses into child tasks, or fails. slice is the task's
// assigned piece of the original content.
func (r *run) resolve(ctx context.Context, task worker.Task, slice string, strategy workspace.Strategy) (workspace.WorkerResult, error) {
	tokens := partition.EstimateTokens(slice)
	if task.Chunk != nil && task.Chunk.EstimatedTokens > 0 {
		tokens = task.Chunk.EstimatedTokens
	}

	// Depth cap forces direct resolution regardless of size; this bounds
	// recursion height absolutely.
	forced := task.Depth >= r.limits.MaxDepth
	if forced || strategy == workspace.StrategyDirect || tokens <= r.limits.DirectThreshold {
		return r.direct(ctx, task, slice, forced && tokens > r.limits.DirectThreshold)
	}

	chunks, err := partition.Partition(slice, strategy, r.structure, r.query, r.limits.partitionLimits())
	if err != nil {
		return workspace.WorkerResult{}, err
	}
	// Search emits index-only anchors; the controller widens them into
	// concrete sub-ranges here, at dispatch time.
	chunks = partition.ResolveWindows(slice, chunks, r.limits.partitionLimits())
	if task.Depth == 0 {
		if err := r.engine.store.PutChunks(ctx, r.id, chunks); err != nil {
			return workspace.WorkerResult{}, err
		}
	}
	// No-progress guard: a single chunk spanning the whole slice cannot
	// shrink further, so resolve it directly.
	if len(chunks) == 1 && chunks[0].Range.Len() >= len(slice) {
		return r.direct(ctx, task, slice, true)
	}

	// Budget projection before every dispatch. Once a reservation fails,
	// the remaining siblings short-circuit to one degraded summarization
	// over their unprocessed text.
	var tasks []worker.Task
	var projections []int
	var shorted []workspace.Chunk
	exceeded := false
	for i := range chunks {
		c := chunks[i]
		if exceeded {
			shorted = append(shorted, c)
			continue
		}
		projected := c.EstimatedTokens
		if projected > r.limits.DirectThreshold {
			projected = r.limits.DirectThreshold
		}
		if !r.tracker.Reserve(projected) {
			exceeded = true
			shorted = append(shorted, c)
			continue
		}
		tasks = append(tasks, worker.NewTask(task.Depth+1, &chunks[i], r.query))
		projections = append(projections, projected)
	}

	var children []workspace.WorkerResult
	if len(tasks) > 0 {
		outcomes := r.coordinator.Dispatch(ctx, tasks, func(tctx context.Context, t worker.Task) (workspace.WorkerResult, error) {
			child := slice[t.Chunk.Range.Start:t.Chunk.Range.End]
			// Levels below the activation strategy always re-chunk
			// with partition_map; search already narrowed at the top.
			res, err := r.resolve(tctx, t, child, workspace.StrategyPartitionMap)
			if errors.Is(err, ErrAllChildrenFailed) {
				res.Failed = true
				return res, nil
			}
			return res, err
		})
		for i, o := range outcomes {
			r.tracker.Commit(projections[i], 0)
			children = append(children, o.Result)
		}
		if ctx.Err() != nil {
			return workspace.WorkerResult{}, ctx.Err()
		}
	}

	if len(shorted) > 0 {
		children = append(children, r.degradedSummary(ctx, task.Depth+1, slice, shorted))
	}

	merged, err := r.aggregator.Aggregate(ctx, task.Depth, task.SubQuery, r.holistic, children)
	if err != nil {
		return merged, err
	}
	if task.Depth == 0 {
		for _, c := range children {
			if serr := r.engine.store.AppendResult(ctx, r.id, c); serr != nil {
				r.engine.logger.Warn("Failed to append worker result",
					zap.String("workspace_id", r.id),
					zap.Error(serr),
				)
			}
		}
	}
	return merged, nil
}

// direct resolves a slice with a single inference call. truncate applies
// when the depth cap forces an oversized slice through.
func (r *run) direct(ctx context.Context, task worker.Task, slice string, truncate bool) (workspace.WorkerResult, error) {
	if truncate {
		slice = truncateTokens(slice, r.limits.DirectThreshold)
	}
	cctx, cancel := context.WithTimeout(ctx, r.limits.TaskTimeout)
	defer cancel()
	reply, err := r.engine.client.Answer(cctx, slice, task.SubQuery, r.limits.DirectThreshold)
	if err != nil {
		return workspace.WorkerResult{}, err
	}
	r.tracker.Commit(0, reply.TokensUsed)

	chunkIndex := 0
	if task.Chunk != nil {
		chunkIndex = task.Chunk.Index
	}
	answer := reply.Answer
	return workspace.WorkerResult{
		ChunkIndex:     chunkIndex,
		Findings:       []workspace.Finding{{Text: reply.Answer, ChunkIndex: chunkIndex}},
		Answer:         &answer,
		Confidence:     clamp01(reply.Confidence),
		ProcessingCost: reply.TokensUsed,
	}, nil
}

// degradedSummary is the budget-pressure fallback: one truncated direct
// summarization over already-fetched-but-unprocessed sibling text. It runs
// outside the reservation check so that a run under pressure terminates
// with a result, but only until committed spend reaches the ceiling; the
// total overshoot stays within one task's usage.
func (r *run) degradedSummary(ctx context.Context, depth int, slice string, shorted []workspace.Chunk) workspace.WorkerResult {
	if r.tracker.Exhausted() {
		return workspace.WorkerResult{
			WorkerID:   uuid.New().String(),
			Depth:      depth,
			ChunkIndex: shorted[0].Index,
			Failed:     true,
			Degraded:   true,
		}
	}
	var sb strings.Builder
	for _, c := range shorted {
		sb.WriteString(slice[c.Range.Start:c.Range.End])
		sb.WriteString("\n")
	}
	text := truncateTokens(sb.String(), r.limits.DirectThreshold)

	cctx, cancel := context.WithTimeout(ctx, r.limits.TaskTimeout)
	defer cancel()
	reply, err := r.engine.client.Answer(cctx, text, r.query, r.limits.DirectThreshold)
	if err != nil {
		r.engine.logger.Warn("Degraded summarization failed",
			zap.String("workspace_id", r.id),
			zap.Error(err),
		)
		return workspace.WorkerResult{
			WorkerID:   uuid.New().String(),
			Depth:      depth,
			ChunkIndex: shorted[0].Index,
			Failed:     true,
			Degraded:   true,
		}
	}
	r.tracker.Commit(0, reply.TokensUsed)

	answer := reply.Answer
	return workspace.WorkerResult{
		WorkerID:       uuid.New().String(),
		Depth:          depth,
		ChunkIndex:     shorted[0].Index,
		Findings:       []workspace.Finding{{Text: reply.Answer, ChunkIndex: shorted[0].Index}},
		Answer:         &answer,
		Confidence:     clamp01(reply.Confidence),
		ProcessingCost: reply.TokensUsed,
		Degraded:       true,
	}
}

// truncateTokens trims text to roughly maxTokens, breaking at a word
// boundary.
func truncateTokens(text string, maxTokens int) string {
	maxBytes := maxTokens * 4
	if len(text) <= maxBytes {
		return text
	}
	cut := text[:maxBytes]
	if i := strings.LastIndexByte(cut, ' '); i > maxBytes/2 {
		cut = cut[:i]
	}
	return cut
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
