package router

import (
	"context"
	"errors"
	"strings"

	"github.com/superluminal-jp/slack-ai-app-sub001/pkg/models"
)

// KeywordRule routes explicit phrasings to a specialized agent without any
// model call, e.g. "current time" to the time agent.
type KeywordRule struct {
	Keywords []string
	AgentID  string
}

// Match reports whether any keyword occurs in text, case-insensitively.
func (r KeywordRule) Match(text string) bool {
	lowered := strings.ToLower(text)
	for _, kw := range r.Keywords {
		if kw != "" && strings.Contains(lowered, strings.ToLower(kw)) {
			return true
		}
	}
	return false
}

// RuleClassifier is the model-free Classifier: it scores agents by matching
// request words against their capability cards. Interchangeable with the
// model-backed classifier.
type RuleClassifier struct{}

func (RuleClassifier) Classify(ctx context.Context, text string, cards map[string]models.AgentCard) (string, error) {
	words := strings.Fields(strings.ToLower(text))
	bestID := ""
	bestScore := 0
	for id, card := range cards {
		haystack := strings.ToLower(card.Name + " " + card.Description + " " + strings.Join(card.Capabilities, " "))
		score := 0
		for _, w := range words {
			if len(w) >= 3 && strings.Contains(haystack, w) {
				score++
			}
		}
		if score > bestScore || (score == bestScore && score > 0 && id < bestID) {
			bestID = id
			bestScore = score
		}
	}
	if bestID == "" {
		return "", errors.New("no capability match")
	}
	return bestID, nil
}
