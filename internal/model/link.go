// Package model defines the core domain types for Lodestone.
//
// All types correspond directly to database tables. Types use strong
// typing (int64 surrogate keys, UUIDs, time.Time, enums) and avoid
// interface{} wherever possible.
package model

import (
	"fmt"
	"time"
)

// Link is one URL saved on behalf of an owner. Immutable once created;
// removed only by an explicit owner-store delete, which cascades to its
// vector references.
type Link struct {
	ID        int64     `json:"id"`
	Owner     string    `json:"owner"`
	URL       string    `json:"url"`
	CreatedAt time.Time `json:"created_at"`
}

// VectorRef associates one externally indexed vector with a Link.
// The vector ID encodes (owner, link id, chunk index), so repeated
// upserts of the same chunk resolve to the same ref.
type VectorRef struct {
	VectorID string `json:"vector_id"`
	LinkID   int64  `json:"link_id"`
}

// VectorID derives the globally unique vector identifier for one chunk
// of a link's content. The derivation must stay stable across retries:
// the ID is the idempotency key for index upserts.
func VectorID(owner string, linkID int64, chunk int) string {
	return fmt.Sprintf("%s-%d-%d", owner, linkID, chunk)
}
