// Package aggregate folds child worker results into a single parent result.
// The merge is deterministic: output order derives from chunk index, never
// from completion order, so reruns with different sibling timing produce
// identical output.
package aggregate

import (
	"context"
	"errors"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/meridianlabs/fathom/internal/inference"
	"github.com/meridianlabs/fathom/internal/workspace"
)

// ErrAllChildrenFailed indicates no child of a subtree produced usable
// output. It propagates upward as a failed result, never as a crash of
// sibling subtrees; only a root-level occurrence reaches the caller.
var ErrAllChildrenFailed = errors.New("all children failed")

// Budget gates synthesis spend. It matches the budget tracker's
// reserve-then-commit contract.
type Budget interface {
	Reserve(projected int) bool
	Commit(projected, actual int)
}

// Options tunes an Aggregator.
type Options struct {
	// Decay discounts confidence per aggregation level to reflect
	// information loss through summarization. Values outside (0, 1] fall
	// back to 0.95.
	Decay float64
	// MaxSynthesisTokens bounds both the synthesis call's input and its
	// reply size. Defaults to 4000.
	MaxSynthesisTokens int
	// Budget, when set, is charged for every synthesis call. A failed
	// reservation skips the call and degrades to the best child answer.
	Budget Budget
}

// Aggregator merges worker results and synthesizes combined answers.
type Aggregator struct {
	client    inference.Client
	decay     float64
	maxTokens int
	budget    Budget
	logger    *zap.Logger
}

// New creates an aggregator.
func New(client inference.Client, opts Options, logger *zap.Logger) *Aggregator {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.Decay <= 0 || opts.Decay > 1 {
		opts.Decay = 0.95
	}
	if opts.MaxSynthesisTokens <= 0 {
		opts.MaxSynthesisTokens = 4000
	}
	return &Aggregator{
		client:    client,
		decay:     opts.Decay,
		maxTokens: opts.MaxSynthesisTokens,
		budget:    opts.Budget,
		logger:    logger,
	}
}

// Aggregate merges childResults into one result for the parent task. With
// holistic set, one inference call synthesizes the combined answer; this is
// the only parent-level call after children resolve. Extractive sub-queries
// forward the best single child answer without another call.
func (a *Aggregator) Aggregate(ctx context.Context, parentDepth int, subQuery string, holistic bool, childResults []workspace.WorkerResult) (workspace.WorkerResult, error) {
	children := append([]workspace.WorkerResult(nil), childResults...)
	sort.SliceStable(children, func(i, j int) bool {
		return children[i].ChunkIndex < children[j].ChunkIndex
	})

	parent := workspace.WorkerResult{Depth: parentDepth}
	allFailed := true
	totalCost := 0
	for _, c := range children {
		totalCost += c.ProcessingCost
		if !c.Failed {
			allFailed = false
		}
		if c.Degraded {
			parent.Degraded = true
		}
	}
	parent.ProcessingCost = totalCost
	if len(children) > 0 {
		parent.ChunkIndex = children[0].ChunkIndex
	}

	if allFailed {
		parent.Failed = true
		return parent, ErrAllChildrenFailed
	}

	// Findings concatenate in chunk order, failed children contributing
	// nothing.
	for _, c := range children {
		parent.Findings = append(parent.Findings, c.Findings...)
	}

	parent.Confidence = a.mergedConfidence(children)

	if holistic {
		a.synthesize(ctx, subQuery, children, &parent)
	} else {
		if best := bestAnswer(children); best != nil {
			answer := *best
			parent.Answer = &answer
		}
	}
	return parent, nil
}

// mergedConfidence is the cost-weighted average of successful children's
// confidences, discounted by the per-level decay. Children without recorded
// cost weigh equally.
func (a *Aggregator) mergedConfidence(children []workspace.WorkerResult) float64 {
	var weighted, weights float64
	for _, c := range children {
		if c.Failed {
			continue
		}
		w := float64(c.ProcessingCost)
		if w <= 0 {
			w = 1
		}
		weighted += c.Confidence * w
		weights += w
	}
	if weights == 0 {
		return 0
	}
	return weighted / weights * a.decay
}

// bestAnswer picks the non-null answer with highest confidence, tie-broken
// by lowest depth then lowest chunk index.
func bestAnswer(children []workspace.WorkerResult) *string {
	var best *workspace.WorkerResult
	for i := range children {
		c := &children[i]
		if c.Failed || c.Answer == nil {
			continue
		}
		if best == nil {
			best = c
			continue
		}
		switch {
		case c.Confidence > best.Confidence:
			best = c
		case c.Confidence == best.Confidence && c.Depth < best.Depth:
			best = c
		case c.Confidence == best.Confidence && c.Depth == best.Depth && c.ChunkIndex < best.ChunkIndex:
			best = c
		}
	}
	if best == nil {
		return nil
	}
	return best.Answer
}

// synthesize issues the single parent-level inference call over the
// concatenated child output, truncated to the synthesis token bound. The
// call's projected cost is reserved against the budget first; a rejected
// reservation skips the call entirely. Either way the merge degrades to the
// best child answer rather than failing the subtree.
func (a *Aggregator) synthesize(ctx context.Context, subQuery string, children []workspace.WorkerResult, parent *workspace.WorkerResult) {
	var sb strings.Builder
	for _, c := range children {
		if c.Failed {
			continue
		}
		if c.Answer != nil {
			sb.WriteString(*c.Answer)
			sb.WriteString("\n")
		}
		for _, f := range c.Findings {
			sb.WriteString(f.Text)
			sb.WriteString("\n")
		}
	}
	text := truncateTokens(sb.String(), a.maxTokens)

	if a.budget != nil && !a.budget.Reserve(a.maxTokens) {
		a.logger.Warn("Synthesis skipped under budget pressure, forwarding best child answer",
			zap.String("sub_query", subQuery),
		)
		if best := bestAnswer(children); best != nil {
			answer := *best
			parent.Answer = &answer
		}
		parent.Degraded = true
		return
	}

	reply, err := a.client.Answer(ctx, text, subQuery, a.maxTokens)
	if err != nil {
		if a.budget != nil {
			a.budget.Commit(a.maxTokens, 0)
		}
		a.logger.Warn("Synthesis call failed, forwarding best child answer",
			zap.String("sub_query", subQuery),
			zap.Error(err),
		)
		if best := bestAnswer(children); best != nil {
			answer := *best
			parent.Answer = &answer
		}
		parent.Degraded = true
		return
	}
	if a.budget != nil {
		a.budget.Commit(a.maxTokens, reply.TokensUsed)
	}
	parent.ProcessingCost += reply.TokensUsed
	answer := reply.Answer
	parent.Answer = &answer
}

// truncateTokens trims text to roughly maxTokens, breaking at a line
// boundary.
func truncateTokens(text string, maxTokens int) string {
	maxBytes := maxTokens * 4
	if len(text) <= maxBytes {
		return text
	}
	cut := text[:maxBytes]
	if i := strings.LastIndexByte(cut, '\n'); i > maxBytes/2 {
		cut = cut[:i]
	}
	return cut
}

// Finalize converts the root-level merged result into the workspace's final
// answer record.
func Finalize(root workspace.WorkerResult) workspace.FinalAnswer {
	text := ""
	if root.Answer != nil {
		text = *root.Answer
	}
	return workspace.FinalAnswer{
		Text:            text,
		Confidence:      root.Confidence,
		TotalTokenUsage: root.ProcessingCost,
	}
}
