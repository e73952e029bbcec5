package partition

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/meridianlabs/fathom/internal/workspace"
)

func TestSelectStrategy(t *testing.T) {
	limits := Limits{DirectThreshold: 4000, MaxFanOut: 16}

	tests := []struct {
		name   string
		tokens int
		query  string
		want   workspace.Strategy
	}{
		{
			name:   "small context always direct",
			tokens: 4000,
			query:  "Summarize the main themes",
			want:   workspace.StrategyDirect,
		},
		{
			name:   "locatable query within hybrid bound uses search",
			tokens: 20000,
			query:  "What does configure_rate_limiter do?",
			want:   workspace.StrategySearch,
		},
		{
			name:   "locatable query past hybrid bound uses hybrid",
			tokens: 40000,
			query:  "Where is \"connection refused\" logged?",
			want:   workspace.StrategyHybrid,
		},
		{
			name:   "holistic query uses partition map",
			tokens: 50000,
			query:  "Summarize the main themes of this document",
			want:   workspace.StrategyPartitionMap,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ref := workspace.ContextRef{EstimatedTokens: tt.tokens}
			assert.Equal(t, tt.want, SelectStrategy(ref, tt.query, limits))
		})
	}
}

func TestSelectStrategyDeterministic(t *testing.T) {
	ref := workspace.ContextRef{EstimatedTokens: 20000}
	query := "find the handle_request function"
	first := SelectStrategy(ref, query, Limits{})
	for i := 0; i < 10; i++ {
		assert.Equal(t, first, SelectStrategy(ref, query, Limits{}))
	}
}

func TestLocatable(t *testing.T) {
	locatable := []string{
		`Where is "retry budget" defined?`,
		"What does rate_limiter do?",
		"Explain the maxFanOut parameter",
		"Find server.yaml references",
	}
	for _, q := range locatable {
		assert.True(t, Locatable(q), "query %q should be locatable", q)
	}

	holistic := []string{
		"Summarize the main themes",
		"What is this document about?",
		"Give an overall assessment of the argument",
	}
	for _, q := range holistic {
		assert.False(t, Locatable(q), "query %q should be holistic", q)
	}
}

func TestSearchTerms(t *testing.T) {
	terms := SearchTerms(`Where does "token bucket" interact with rate_limiter?`)
	assert.Equal(t, []string{"token bucket", "rate_limiter"}, terms)
}

func TestSearchTermsEmptyForProse(t *testing.T) {
	assert.Empty(t, SearchTerms("Summarize the main themes"))
}
