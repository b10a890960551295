package agents

import (
	"context"
	"fmt"
	"strings"

	"github.com/voyantlabs/concierge-core/core"
	"github.com/voyantlabs/concierge-core/index"
)

// Ranker orders candidate matches for recommendation. The actual
// ranking model is a pluggable capability; ScoreRanker is the default
// and simply trusts index similarity order.
type Ranker interface {
	Rank(ctx context.Context, matches []index.Match) []index.Match
}

// ScoreRanker keeps the index's similarity ordering.
type ScoreRanker struct{}

func (ScoreRanker) Rank(ctx context.Context, matches []index.Match) []index.Match {
	return matches
}

// Recommendation suggests vendor/option matches for a request, ranked
// by the configured Ranker.
type Recommendation struct {
	ranker Ranker
	topK   int
}

// NewRecommendation creates the recommendation agent. A nil ranker
// falls back to ScoreRanker.
func NewRecommendation(ranker Ranker, topK int) *Recommendation {
	if ranker == nil {
		ranker = ScoreRanker{}
	}
	if topK <= 0 {
		topK = 3
	}
	return &Recommendation{ranker: ranker, topK: topK}
}

func (a *Recommendation) Name() string { return NameRecommendation }

func (a *Recommendation) Handle(ctx context.Context, req *Request) (*core.AgentResult, error) {
	result := &core.AgentResult{Agent: a.Name()}
	if req.Index == nil || req.Embedder == nil {
		return result, nil
	}

	vec, err := req.Embedder.Embed(ctx, req.Message.Text)
	if err != nil {
		return nil, &core.FatalAgentError{Agent: a.Name(), Err: fmt.Errorf("embed query: %w", err)}
	}
	matches, err := req.Index.Query(ctx, req.Conversation.ClientID, vec, a.topK*2)
	if err != nil {
		return nil, &core.FatalAgentError{Agent: a.Name(), Err: fmt.Errorf("index query: %w", err)}
	}
	ranked := a.ranker.Rank(ctx, matches)
	if len(ranked) > a.topK {
		ranked = ranked[:a.topK]
	}
	if len(ranked) == 0 {
		return result, nil
	}

	var lines []string
	for i, m := range ranked {
		text := m.Content
		if text == "" {
			text = m.EntityID
		}
		lines = append(lines, fmt.Sprintf("%d. %s", i+1, text))
	}
	result.Text = "A few options you might consider:\n" + strings.Join(lines, "\n")
	result.Confidence = float64(ranked[0].Score)
	return result, nil
}

var _ Agent = (*Recommendation)(nil)
