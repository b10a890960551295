package index

import (
	"context"
	"fmt"
	"strings"
	"sync"

	chromem "github.com/philippgille/chromem-go"
)

// ChromemIndex implements Index on chromem-go, a pure Go embedded
// vector database. Each client gets its own collection for namespace
// isolation.
type ChromemIndex struct {
	db          *chromem.DB
	collections map[string]*chromem.Collection
	mu          sync.RWMutex
}

// NewChromem creates an empty in-process index.
func NewChromem() *ChromemIndex {
	return &ChromemIndex{
		db:          chromem.NewDB(),
		collections: make(map[string]*chromem.Collection),
	}
}

func (x *ChromemIndex) collection(clientID string) (*chromem.Collection, error) {
	x.mu.RLock()
	col, ok := x.collections[clientID]
	x.mu.RUnlock()
	if ok {
		return col, nil
	}

	x.mu.Lock()
	defer x.mu.Unlock()
	if col, ok := x.collections[clientID]; ok {
		return col, nil
	}
	name := "client_" + clientID
	if clientID == "" {
		name = "shared"
	}
	// nil embedding func: documents arrive with embeddings precomputed.
	col, err := x.db.CreateCollection(name, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("create collection: %w", err)
	}
	x.collections[clientID] = col
	return col, nil
}

func (x *ChromemIndex) Upsert(ctx context.Context, clientID string, doc Document) error {
	if len(doc.Embedding) == 0 {
		return fmt.Errorf("document %s has no embedding", doc.EntityID)
	}
	col, err := x.collection(clientID)
	if err != nil {
		return err
	}
	meta := map[string]string{"client_id": clientID}
	for k, v := range doc.Metadata {
		meta[k] = v
	}
	err = col.AddDocument(ctx, chromem.Document{
		ID:        doc.EntityID,
		Content:   doc.Text,
		Embedding: doc.Embedding,
		Metadata:  meta,
	})
	if err != nil {
		return fmt.Errorf("add document: %w", err)
	}
	return nil
}

func (x *ChromemIndex) Query(ctx context.Context, clientID string, vector []float32, topK int) ([]Match, error) {
	col, err := x.collection(clientID)
	if err != nil {
		return nil, err
	}

	// chromem rejects nResults larger than the collection; shrink until
	// the query fits, bottoming out at an empty result.
	var results []chromem.Result
	for k := topK; k >= 1; k-- {
		results, err = col.QueryEmbedding(ctx, vector, k, nil, nil)
		if err == nil {
			break
		}
		if !isTooFewDocs(err) {
			return nil, fmt.Errorf("query embedding: %w", err)
		}
		if k == 1 {
			return nil, nil
		}
	}

	matches := make([]Match, 0, len(results))
	for _, r := range results {
		matches = append(matches, Match{EntityID: r.ID, Score: r.Similarity, Content: r.Content})
	}
	return matches, nil
}

func (x *ChromemIndex) Close() error { return nil }

func isTooFewDocs(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "nResults must be") || strings.Contains(msg, "number of documents")
}

var _ Index = (*ChromemIndex)(nil)
