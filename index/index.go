// Package index provides the Embedding Index capability: nearest
// neighbor matches for a query vector against stored client and vendor
// documents.
//
// Architecture:
//   - Index: vector storage and query backend (chromem-go embedded here;
//     pgvector or a hosted index in production)
//   - Embedder: text-to-vector conversion (deterministic hash embedder
//     for tests and local runs; a model-backed embedder in production)
//
// The retrieval and recommendation agents are the consumers: they embed
// the inbound message and query for the owning client's documents.
package index

import "context"

// Document is one indexable entity (a client note, vendor record, or
// knowledge snippet) owned by a client.
type Document struct {
	EntityID  string
	Text      string
	Embedding []float32
	Metadata  map[string]string
}

// Match is one nearest-neighbor result. Content carries the matched
// document's text so consumers can format replies without a second
// store round-trip.
type Match struct {
	EntityID string
	Score    float32
	Content  string
}

// Index is the embedding index capability.
type Index interface {
	// Upsert stores a document under the client's namespace. The
	// document must carry its embedding.
	Upsert(ctx context.Context, clientID string, doc Document) error

	// Query returns up to topK matches for the vector within the
	// client's namespace, ordered by descending score. An empty result
	// is not an error.
	Query(ctx context.Context, clientID string, vector []float32, topK int) ([]Match, error)

	Close() error
}

// Embedder converts text to vector embeddings.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	Dimensions() int
}
