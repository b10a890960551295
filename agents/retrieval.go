package agents

import (
	"context"
	"fmt"
	"strings"

	"github.com/voyantlabs/concierge-core/core"
)

// Retrieval answers information requests by nearest-neighbor lookup
// against the embedding index. A miss is an empty result, never an
// error; the orchestrator's composition supplies the "nothing found"
// reply text.
type Retrieval struct {
	topK     int
	minScore float32
}

// NewRetrieval creates the retrieval agent. topK defaults to 5.
func NewRetrieval(topK int) *Retrieval {
	if topK <= 0 {
		topK = 5
	}
	return &Retrieval{topK: topK, minScore: 0.1}
}

func (a *Retrieval) Name() string { return NameRetrieval }

func (a *Retrieval) Handle(ctx context.Context, req *Request) (*core.AgentResult, error) {
	result := &core.AgentResult{Agent: a.Name()}
	if req.Index == nil || req.Embedder == nil {
		return result, nil
	}

	vec, err := req.Embedder.Embed(ctx, req.Message.Text)
	if err != nil {
		return nil, &core.FatalAgentError{Agent: a.Name(), Err: fmt.Errorf("embed query: %w", err)}
	}
	matches, err := req.Index.Query(ctx, req.Conversation.ClientID, vec, a.topK)
	if err != nil {
		return nil, &core.FatalAgentError{Agent: a.Name(), Err: fmt.Errorf("index query: %w", err)}
	}

	var lines []string
	for _, m := range matches {
		if m.Score < a.minScore {
			continue
		}
		text := m.Content
		if text == "" {
			text = m.EntityID
		}
		lines = append(lines, "- "+text)
	}
	if len(lines) == 0 {
		// Retrieval miss: empty result by contract.
		return result, nil
	}

	result.Text = "Here's what I found:\n" + strings.Join(lines, "\n")
	result.Confidence = float64(matches[0].Score)
	return result, nil
}

var _ Agent = (*Retrieval)(nil)
