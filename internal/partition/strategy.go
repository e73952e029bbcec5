package partition

import (
	"strings"
	"unicode"

	"github.com/meridianlabs/fathom/internal/workspace"
)

// hybridFactor is the size multiple of the direct threshold past which a
// locatable query narrows with search before mapping partitions.
const hybridFactor = 8

// SelectStrategy chooses the partitioning strategy once, at workspace
// activation. The table is deterministic:
//
//	tokens <= directThreshold                  -> direct
//	locatable query, tokens <= 8x threshold    -> search
//	locatable query, tokens  > 8x threshold    -> hybrid
//	otherwise (holistic synthesis)             -> partition_map
func SelectStrategy(ref workspace.ContextRef, query string, limits Limits) workspace.Strategy {
	limits = limits.withDefaults()
	if ref.EstimatedTokens <= limits.DirectThreshold {
		return workspace.StrategyDirect
	}
	if Locatable(query) {
		if ref.EstimatedTokens > hybridFactor*limits.DirectThreshold {
			return workspace.StrategyHybrid
		}
		return workspace.StrategySearch
	}
	return workspace.StrategyPartitionMap
}

// Locatable reports whether a query names something findable by pattern
// match: a quoted phrase or an identifier-shaped token. Queries without
// such anchors require holistic synthesis over the whole context.
func Locatable(query string) bool {
	return len(quotedTerms(query)) > 0 || len(identifierTerms(query)) > 0
}

// SearchTerms extracts the anchor terms used by the search strategy, in
// order of appearance: quoted phrases first, then identifier-shaped tokens.
func SearchTerms(query string) []string {
	terms := quotedTerms(query)
	terms = append(terms, identifierTerms(query)...)
	return terms
}

func quotedTerms(query string) []string {
	var terms []string
	for _, q := range []byte{'"', '\''} {
		rest := query
		for {
			i := strings.IndexByte(rest, q)
			if i < 0 {
				break
			}
			j := strings.IndexByte(rest[i+1:], q)
			if j < 0 {
				break
			}
			term := rest[i+1 : i+1+j]
			if strings.TrimSpace(term) != "" {
				terms = append(terms, term)
			}
			rest = rest[i+j+2:]
		}
	}
	return terms
}

// identifierTerms returns tokens that look like code or record identifiers:
// snake_case, dotted.paths, or mixed-case words with an interior capital.
func identifierTerms(query string) []string {
	var terms []string
	for _, tok := range strings.FieldsFunc(query, func(r rune) bool {
		return unicode.IsSpace(r) || r == ',' || r == ';' || r == '(' || r == ')' || r == '?'
	}) {
		if looksLikeIdentifier(tok) {
			terms = append(terms, tok)
		}
	}
	return terms
}

func looksLikeIdentifier(tok string) bool {
	if len(tok) < 3 {
		return false
	}
	trimmed := strings.Trim(tok, ".:")
	if strings.ContainsAny(trimmed, "_") {
		return true
	}
	if strings.Contains(trimmed, ".") && !strings.HasSuffix(trimmed, ".") {
		// Dotted path such as pkg.Func or server.yaml.
		parts := strings.Split(trimmed, ".")
		for _, p := range parts {
			if p == "" {
				return false
			}
		}
		return true
	}
	// Mixed case with an interior capital (camelCase / PascalCase word).
	for i, r := range trimmed {
		if i > 0 && unicode.IsUpper(r) {
			for _, r2 := range trimmed {
				if unicode.IsLower(r2) {
					return true
				}
			}
			return false
		}
	}
	return false
}
