// Package estimate sizes rate-limit permits for AI requests before
// dispatch. Estimates only need to be proportional to real usage; exact
// counts come back from the vendor in the response.
package estimate

import (
	"unicode"

	"github.com/tamma/pkg/models"
)

// tokensPerWord approximates the usual BPE expansion of English prose.
const tokensPerWord = 1.3

// Estimator computes the token cost of a request for rate limiting.
type Estimator interface {
	EstimateTokens(req models.Request) int
}

// WordEstimator is the default estimator: word count across all message
// content times the expansion ratio, plus the requested output budget.
type WordEstimator struct{}

func (WordEstimator) EstimateTokens(req models.Request) int {
	words := 0
	for _, m := range req.Messages {
		words += countWords(m.Content)
	}
	tokens := int(float64(words) * tokensPerWord)
	if tokens < 1 {
		tokens = 1
	}
	return tokens + req.MaxTokens
}

func countWords(s string) int {
	count := 0
	inWord := false
	for _, r := range s {
		if unicode.IsLetter(r) || unicode.IsNumber(r) {
			if !inWord {
				count++
				inWord = true
			}
		} else {
			inWord = false
		}
	}
	return count
}
