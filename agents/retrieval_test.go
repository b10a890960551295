package agents

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voyantlabs/concierge-core/core"
	"github.com/voyantlabs/concierge-core/index"
)

// stubIndex returns canned matches so formatting and error handling are
// deterministic.
type stubIndex struct {
	matches []index.Match
	err     error
}

func (s *stubIndex) Upsert(ctx context.Context, clientID string, doc index.Document) error {
	return nil
}

func (s *stubIndex) Query(ctx context.Context, clientID string, embedding []float32, topK int) ([]index.Match, error) {
	if s.err != nil {
		return nil, s.err
	}
	if len(s.matches) > topK {
		return s.matches[:topK], nil
	}
	return s.matches, nil
}

func (s *stubIndex) Close() error { return nil }

func retrievalRequest(t *testing.T, idx index.Index) *Request {
	t.Helper()
	req, _ := captureRequest(t, "what is the venue address?")
	req.Message.Intent = core.IntentInformation
	req.Index = idx
	req.Embedder = index.NewHashEmbedder(64)
	return req
}

func TestRetrievalFormatsMatches(t *testing.T) {
	idx := &stubIndex{matches: []index.Match{
		{EntityID: "p1", Score: 0.8, Content: "Venue: Aldrich Hall, 14 Court St"},
		{EntityID: "p2", Score: 0.5, Content: "Parking garage on Pearl St"},
	}}

	res, err := NewRetrieval(5).Handle(context.Background(), retrievalRequest(t, idx))
	require.NoError(t, err)
	assert.Equal(t, "Here's what I found:\n- Venue: Aldrich Hall, 14 Court St\n- Parking garage on Pearl St", res.Text)
	assert.InDelta(t, 0.8, res.Confidence, 1e-6)
}

func TestRetrievalMissIsEmptyResult(t *testing.T) {
	res, err := NewRetrieval(5).Handle(context.Background(), retrievalRequest(t, &stubIndex{}))
	require.NoError(t, err)
	assert.Empty(t, res.Text)
	assert.Empty(t, res.SideEffects)
}

func TestRetrievalFiltersLowScores(t *testing.T) {
	idx := &stubIndex{matches: []index.Match{
		{EntityID: "p1", Score: 0.05, Content: "barely related"},
	}}
	res, err := NewRetrieval(5).Handle(context.Background(), retrievalRequest(t, idx))
	require.NoError(t, err)
	assert.Empty(t, res.Text)
}

func TestRetrievalIndexFailureIsFatal(t *testing.T) {
	idx := &stubIndex{err: errors.New("collection gone")}
	_, err := NewRetrieval(5).Handle(context.Background(), retrievalRequest(t, idx))
	require.Error(t, err)
	assert.True(t, core.IsFatalAgent(err))
}

func TestRecommendationRanksAndCaps(t *testing.T) {
	idx := &stubIndex{matches: []index.Match{
		{EntityID: "a", Score: 0.9, Content: "Caterer A"},
		{EntityID: "b", Score: 0.8, Content: "Caterer B"},
		{EntityID: "c", Score: 0.7, Content: "Caterer C"},
		{EntityID: "d", Score: 0.6, Content: "Caterer D"},
	}}
	req := retrievalRequest(t, idx)
	req.Message.Intent = core.IntentRecommendation

	res, err := NewRecommendation(nil, 2).Handle(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "A few options you might consider:\n1. Caterer A\n2. Caterer B", res.Text)
}

func TestRecommendationWithoutIndexIsEmpty(t *testing.T) {
	req, _ := captureRequest(t, "recommend a caterer")
	res, err := NewRecommendation(nil, 3).Handle(context.Background(), req)
	require.NoError(t, err)
	assert.Empty(t, res.Text)
}
