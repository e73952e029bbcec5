// Package partition splits a context blob into addressable chunks. The
// strategy is selected once per workspace by a deterministic decision table;
// chunk lists are immutable after creation and keep a stable 0-based order.
package partition

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/meridianlabs/fathom/internal/metrics"
	"github.com/meridianlabs/fathom/internal/workspace"
)

// ErrInvalidContext indicates empty or unreadable input. It is fatal and
// surfaced to the caller without retry.
var ErrInvalidContext = errors.New("invalid context")

// bytesPerToken is the estimation heuristic used when no token count is
// supplied with the context reference.
const bytesPerToken = 4

// Limits bounds partitioning decisions.
type Limits struct {
	// DirectThreshold is the token count at or below which a slice is
	// answered with a single inference call.
	DirectThreshold int
	// MaxFanOut bounds the number of chunks per recursion step.
	MaxFanOut int
	// TargetTokensPerChunk sizes partition_map chunks; defaults to
	// DirectThreshold.
	TargetTokensPerChunk int
	// SearchWindowLines is the context window kept around each search
	// match.
	SearchWindowLines int
}

func (l Limits) withDefaults() Limits {
	if l.DirectThreshold <= 0 {
		l.DirectThreshold = 4000
	}
	if l.MaxFanOut <= 0 {
		l.MaxFanOut = 16
	}
	if l.TargetTokensPerChunk <= 0 {
		l.TargetTokensPerChunk = l.DirectThreshold
	}
	if l.SearchWindowLines <= 0 {
		l.SearchWindowLines = 20
	}
	return l
}

// EstimateTokens approximates the token count of content.
func EstimateTokens(content string) int {
	if content == "" {
		return 0
	}
	return (len(content) + bytesPerToken - 1) / bytesPerToken
}

// Partition splits content according to the chosen strategy and returns the
// ordered chunk list. Chunk byte ranges always address the original content.
func Partition(content string, strategy workspace.Strategy, structure workspace.Structure, query string, limits Limits) ([]workspace.Chunk, error) {
	limits = limits.withDefaults()
	if strings.TrimSpace(content) == "" {
		return nil, fmt.Errorf("%w: empty content", ErrInvalidContext)
	}
	if !utf8.ValidString(content) {
		return nil, fmt.Errorf("%w: content is not valid UTF-8", ErrInvalidContext)
	}

	var chunks []workspace.Chunk
	switch strategy {
	case workspace.StrategyDirect:
		chunks = []workspace.Chunk{{
			Range:           workspace.ByteRange{Start: 0, End: len(content)},
			EstimatedTokens: EstimateTokens(content),
		}}
	case workspace.StrategyPartitionMap:
		chunks = partitionMap(content, 0, structure, limits)
	case workspace.StrategySearch:
		chunks = searchChunks(content, query, limits)
	case workspace.StrategyHybrid:
		chunks = hybridChunks(content, structure, query, limits)
	default:
		return nil, fmt.Errorf("unknown strategy %q", strategy)
	}

	chunks = mergeToFanOut(chunks, limits.MaxFanOut)
	for i := range chunks {
		chunks[i].Index = i
	}
	metrics.PartitionChunks.WithLabelValues(string(strategy)).Observe(float64(len(chunks)))
	return chunks, nil
}

// partitionMap splits content into chunks of roughly TargetTokensPerChunk,
// breaking at structural boundaries (blank lines for structured content,
// whitespace otherwise). offset shifts ranges into the original content for
// hybrid sub-partitioning.
func partitionMap(content string, offset int, structure workspace.Structure, limits Limits) []workspace.Chunk {
	targetBytes := limits.TargetTokensPerChunk * bytesPerToken
	var chunks []workspace.Chunk
	start := 0
	for start < len(content) {
		end := start + targetBytes
		if end >= len(content) {
			end = len(content)
		} else {
			end = adjustBoundary(content, start, end, structure)
		}
		if end <= start {
			end = start + targetBytes
			if end > len(content) {
				end = len(content)
			}
		}
		slice := content[start:end]
		if strings.TrimSpace(slice) != "" {
			chunks = append(chunks, workspace.Chunk{
				Range:           workspace.ByteRange{Start: offset + start, End: offset + end},
				EstimatedTokens: EstimateTokens(slice),
			})
		}
		start = end
	}
	return chunks
}

// adjustBoundary moves a cut point backwards to the nearest structural
// break, never shrinking the chunk below three quarters of its target.
func adjustBoundary(content string, start, end int, structure workspace.Structure) int {
	floor := start + (end-start)*3/4
	window := content[floor:end]
	if structure == workspace.StructureStructured || structure == workspace.StructureMixed {
		// Record boundary: blank line between paragraphs/records.
		if i := strings.LastIndex(window, "\n\n"); i >= 0 {
			return floor + i + 2
		}
	}
	if i := strings.LastIndexByte(window, '\n'); i >= 0 {
		return floor + i + 1
	}
	if i := strings.LastIndexByte(window, ' '); i >= 0 {
		return floor + i + 1
	}
	return end
}

// searchChunks finds lines matching the query's anchor terms and returns
// index-only placeholder chunks anchored on them. Boundaries stay narrow
// here: the controller widens each anchor into its context window on
// demand through ResolveWindows. Falls back to partition_map when no term
// matches: an unmatched locatable query still needs the whole context
// examined.
func searchChunks(content, query string, limits Limits) []workspace.Chunk {
	terms := SearchTerms(query)
	lines := strings.Split(content, "\n")
	lineStart := lineStarts(content, lines)

	var chunks []workspace.Chunk
	for i, line := range lines {
		lower := strings.ToLower(line)
		for _, term := range terms {
			if !strings.Contains(lower, strings.ToLower(term)) {
				continue
			}
			start := lineStart[i]
			end := lineStart[i+1] - 1
			if end > len(content) {
				end = len(content)
			}
			chunks = append(chunks, workspace.Chunk{
				Range:           workspace.ByteRange{Start: start, End: end},
				EstimatedTokens: EstimateTokens(content[start:end]),
				Placeholder:     true,
			})
			break
		}
	}
	if len(chunks) == 0 {
		return partitionMap(content, 0, workspace.StructureUnstructured, limits)
	}
	return chunks
}

// ResolveWindows widens placeholder anchors into their surrounding context
// windows, merging windows that overlap or touch, and reindexes the result.
// Chunks with resolved boundaries pass through unchanged. This is the lazy
// half of the search strategy, invoked by the controller right before
// dispatch.
func ResolveWindows(content string, chunks []workspace.Chunk, limits Limits) []workspace.Chunk {
	lazy := false
	for _, c := range chunks {
		if c.Placeholder {
			lazy = true
			break
		}
	}
	if !lazy {
		return chunks
	}
	limits = limits.withDefaults()

	lines := strings.Split(content, "\n")
	lineStart := lineStarts(content, lines)
	// lineOf returns the index of the line containing byte offset b.
	lineOf := func(b int) int {
		return sort.Search(len(lines), func(i int) bool { return lineStart[i+1] > b })
	}

	var resolved []workspace.Chunk
	for _, c := range chunks {
		if c.Placeholder {
			first := lineOf(c.Range.Start) - limits.SearchWindowLines
			if first < 0 {
				first = 0
			}
			last := lineOf(c.Range.End) + limits.SearchWindowLines
			if last >= len(lines) {
				last = len(lines) - 1
			}
			start := lineStart[first]
			end := lineStart[last+1] - 1
			if end > len(content) {
				end = len(content)
			}
			c.Range = workspace.ByteRange{Start: start, End: end}
			c.EstimatedTokens = EstimateTokens(content[start:end])
			c.Placeholder = false
		}
		if n := len(resolved); n > 0 && c.Range.Start <= resolved[n-1].Range.End+1 {
			prev := &resolved[n-1]
			if c.Range.End > prev.Range.End {
				prev.Range.End = c.Range.End
				prev.EstimatedTokens = EstimateTokens(content[prev.Range.Start:prev.Range.End])
			}
			continue
		}
		resolved = append(resolved, c)
	}
	for i := range resolved {
		resolved[i].Index = i
	}
	return resolved
}

// lineStarts maps line index to the byte offset of the line's first byte.
// The sentinel entry at len(lines) closes the last line's half-open range.
func lineStarts(content string, lines []string) []int {
	lineStart := make([]int, len(lines)+1)
	pos := 0
	for i, line := range lines {
		lineStart[i] = pos
		pos += len(line) + 1
	}
	lineStart[len(lines)] = len(content) + 1
	return lineStart
}

// hybridChunks narrows with search first, then maps partitions over each
// narrowed region. Unlike plain search, the windows resolve eagerly here:
// the sub-partitioning consumes their boundaries immediately.
func hybridChunks(content string, structure workspace.Structure, query string, limits Limits) []workspace.Chunk {
	regions := ResolveWindows(content, searchChunks(content, query, limits), limits)
	var chunks []workspace.Chunk
	for _, r := range regions {
		slice := content[r.Range.Start:r.Range.End]
		if r.EstimatedTokens <= limits.TargetTokensPerChunk {
			chunks = append(chunks, r)
			continue
		}
		chunks = append(chunks, partitionMap(slice, r.Range.Start, structure, limits)...)
	}
	return chunks
}

// mergeToFanOut merges adjacent chunks until the count fits maxFanOut. The
// pair with the smallest combined size merges first, which preserves the
// largest chunks intact.
func mergeToFanOut(chunks []workspace.Chunk, maxFanOut int) []workspace.Chunk {
	for len(chunks) > maxFanOut {
		best := -1
		bestTokens := 0
		for i := 0; i+1 < len(chunks); i++ {
			combined := chunks[i].EstimatedTokens + chunks[i+1].EstimatedTokens
			if best < 0 || combined < bestTokens {
				best = i
				bestTokens = combined
			}
		}
		a, b := chunks[best], chunks[best+1]
		merged := workspace.Chunk{
			Range:           workspace.ByteRange{Start: a.Range.Start, End: b.Range.End},
			EstimatedTokens: (b.Range.End - a.Range.Start + bytesPerToken - 1) / bytesPerToken,
			Placeholder:     a.Placeholder && b.Placeholder,
		}
		chunks = append(chunks[:best], append([]workspace.Chunk{merged}, chunks[best+2:]...)...)
	}
	return chunks
}
