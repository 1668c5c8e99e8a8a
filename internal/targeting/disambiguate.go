// File: internal/targeting/disambiguate.go
package targeting

import "github.com/xkilldash9x/docfix-cli/internal/xmltree"

// DefaultConfidenceThreshold is the score a disambiguated candidate must exceed.
const DefaultConfidenceThreshold = 0.5

// ContextScore is the share of distinct context words that also occur in text.
// Both sides are compared as lower-cased, deduplicated word sets. An empty context
// scores zero.
func ContextScore(text, context string) float64 {
	ctxWords := words(context)
	if len(ctxWords) == 0 {
		return 0
	}
	textWords := words(text)
	common := 0
	for w := range ctxWords {
		if _, ok := textWords[w]; ok {
			common++
		}
	}
	return float64(common) / float64(len(ctxWords))
}

// Disambiguate scores each candidate's full text against the observed context and
// returns the best one. Candidates must be in document order; on equal scores the
// earlier one wins. ok is false when the best score does not exceed threshold.
func Disambiguate(cands []Candidate, context string, threshold float64) (best Candidate, ok bool) {
	bestScore := -1.0
	for _, c := range cands {
		score := ContextScore(xmltree.Text(c.Element), context)
		if score > bestScore {
			bestScore = score
			best = c
			best.Score = score
		}
	}
	if bestScore <= threshold {
		return best, false
	}
	best.Method = MethodDisambiguatedText
	return best, true
}
