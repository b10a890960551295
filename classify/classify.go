// Package classify provides the swappable message-classification
// capability used by the orchestrator.
//
// Implementations:
//   - Keyword: deterministic scoring over intent keyword tables
//     (reference implementation, used in tests and as a fallback)
//   - Anthropic: Claude-backed classification
//   - Cached: ristretto decorator over any Classifier
package classify

import (
	"context"
	"strings"

	"github.com/voyantlabs/concierge-core/core"
)

// Result is an intent label with the classifier's confidence in it.
type Result struct {
	Intent     core.Intent
	Confidence float64
}

// Classifier computes an intent label and confidence for a message.
type Classifier interface {
	Classify(ctx context.Context, text string, history []*core.Message) (Result, error)
}

// Keyword is the reference classifier: each intent has a keyword table
// and the highest-scoring intent wins. Confidence grows with the number
// of hits; no hits fall back to unstructured with zero confidence.
type Keyword struct{}

// NewKeyword creates the reference keyword classifier.
func NewKeyword() *Keyword { return &Keyword{} }

var keywordTable = map[core.Intent][]string{
	core.IntentDataCapture: {
		"remind me", "reminder for", "remember that", "remember this",
		"take a note", "note that", "save this",
	},
	core.IntentRecommendation: {
		"recommend", "suggestion", "suggest", "what should", "best option",
		"any ideas", "options for",
	},
	core.IntentProjectUpdate: {
		"project", "task", "mark done", "mark complete", "completed",
		"progress on", "status update", "kick off",
	},
	core.IntentReminderAck: {
		"got the reminder", "thanks for the reminder", "acknowledged",
		"snooze", "dismiss the reminder",
	},
	core.IntentInformation: {
		"what is", "what's", "who is", "when is", "when did", "where",
		"how much", "look up", "find", "tell me about", "details on",
	},
}

func (k *Keyword) Classify(ctx context.Context, text string, history []*core.Message) (Result, error) {
	lower := strings.ToLower(text)

	best := Result{Intent: core.IntentUnstructured}
	for intent, phrases := range keywordTable {
		hits := 0
		for _, p := range phrases {
			if strings.Contains(lower, p) {
				hits++
			}
		}
		if hits == 0 {
			continue
		}
		conf := 0.55 + 0.15*float64(hits)
		if conf > 0.95 {
			conf = 0.95
		}
		// Capture phrases are stronger signals than generic question
		// words; ties break toward the more specific intent.
		if conf > best.Confidence || (conf == best.Confidence && precedence[intent] > precedence[best.Intent]) {
			best = Result{Intent: intent, Confidence: conf}
		}
	}
	return best, nil
}

var precedence = map[core.Intent]int{
	core.IntentUnstructured:   0,
	core.IntentInformation:    1,
	core.IntentProjectUpdate:  2,
	core.IntentRecommendation: 3,
	core.IntentReminderAck:    4,
	core.IntentDataCapture:    5,
}
