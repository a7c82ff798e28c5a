// Package search provides the vector index client used by the ingestion
// pipeline and similarity queries.
//
// The Index interface treats the index as an opaque RPC capability:
// vectors are upserted under an owner namespace and queried top-k within
// that namespace. Two implementations exist: a Qdrant-backed index and
// a pgvector-on-Postgres fallback selected when no Qdrant endpoint is
// configured.
package search

import "context"

// Match is one similarity search hit. Metadata is carried verbatim from
// the upsert; callers must re-validate it against authoritative storage
// rather than trusting it to still reference a live entity.
type Match struct {
	VectorID string
	Score    float32
	Metadata map[string]string
}

// Metadata keys attached to every indexed vector.
const (
	MetaURL    = "url"
	MetaLinkID = "link_id"
)

// Index is a namespaced vector index.
// Implementations must be safe for concurrent use, and Upsert must be
// idempotent per vector ID: re-upserting an existing ID replaces it.
type Index interface {
	// Upsert inserts or replaces one vector under the namespace.
	Upsert(ctx context.Context, namespace, vectorID string, vector []float32, metadata map[string]string) error

	// Query returns up to topK matches for the vector, scoped to the
	// namespace, best first.
	Query(ctx context.Context, namespace string, vector []float32, topK int) ([]Match, error)

	// Delete removes vectors by ID. Missing IDs are not an error.
	Delete(ctx context.Context, vectorIDs []string) error

	// Healthy returns nil if the index is reachable.
	Healthy(ctx context.Context) error
}
