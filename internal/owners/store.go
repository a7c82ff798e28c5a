// Package owners serializes all mutation of a single owner's link set.
//
// Each owner behaves like a single-writer actor: writes for one owner
// are linearized through a keyed mutex, while different owners proceed
// in parallel. The store keeps an in-memory view of each owner's links,
// materialized from Postgres on first access and updated synchronously
// with every durable write, so reads never race a half-applied
// mutation.
package owners

import (
	"context"
	"fmt"
	"hash/fnv"
	"log/slog"
	"strconv"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/lodestone-ai/lodestone/internal/model"
	"github.com/lodestone-ai/lodestone/internal/search"
	"github.com/lodestone-ai/lodestone/internal/service/embedding"
)

// shardCount is the number of owner mutex shards. Owners hash onto a
// shard; two owners on the same shard serialize with each other, which
// is harmless, only slightly pessimistic.
const shardCount = 64

// LinkStore is the durable persistence the store depends on.
// *storage.DB satisfies it.
type LinkStore interface {
	InsertLink(ctx context.Context, owner, url string) (model.Link, error)
	ListLinks(ctx context.Context, owner string) ([]model.Link, error)
	GetLink(ctx context.Context, owner string, id int64) (model.Link, error)
	DeleteLink(ctx context.Context, owner string, id int64) error
	InsertVectorRefs(ctx context.Context, linkID int64, vectorIDs []string) error
	ListVectorRefs(ctx context.Context, linkID int64) ([]model.VectorRef, error)
}

// QueryResult is a similarity query hit resolved against the owner's
// authoritative link set.
type QueryResult struct {
	Link  model.Link
	Score float32
}

// Store is the per-owner link actor.
type Store struct {
	db     LinkStore
	index  search.Index
	embed  embedding.Provider
	logger *slog.Logger

	shards [shardCount]sync.Mutex

	mu    sync.RWMutex
	cache map[string][]model.Link
	sf    singleflight.Group
}

// New creates an owner store backed by the given persistence, vector
// index, and embedding provider.
func New(db LinkStore, index search.Index, embed embedding.Provider, logger *slog.Logger) *Store {
	return &Store{
		db:     db,
		index:  index,
		embed:  embed,
		logger: logger,
		cache:  make(map[string][]model.Link),
	}
}

func (s *Store) shard(owner string) *sync.Mutex {
	h := fnv.New32a()
	h.Write([]byte(owner))
	return &s.shards[h.Sum32()%shardCount]
}

// materialize returns the owner's cached links, loading them from
// Postgres on first access. Concurrent first accesses for the same
// owner collapse into a single query.
func (s *Store) materialize(ctx context.Context, owner string) ([]model.Link, error) {
	s.mu.RLock()
	links, ok := s.cache[owner]
	s.mu.RUnlock()
	if ok {
		return links, nil
	}

	v, err, _ := s.sf.Do(owner, func() (any, error) {
		s.mu.RLock()
		cached, ok := s.cache[owner]
		s.mu.RUnlock()
		if ok {
			return cached, nil
		}

		loaded, err := s.db.ListLinks(ctx, owner)
		if err != nil {
			return nil, fmt.Errorf("owners: materialize %q: %w", owner, err)
		}
		if loaded == nil {
			loaded = []model.Link{}
		}

		s.mu.Lock()
		s.cache[owner] = loaded
		s.mu.Unlock()
		return loaded, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]model.Link), nil
}

// AddLink persists a new link for the owner and updates the cached
// view. A URL the owner already holds surfaces storage.ErrDuplicateURL
// from the unique constraint; there is no read-then-write pre-check.
func (s *Store) AddLink(ctx context.Context, owner, url string) (model.Link, error) {
	mu := s.shard(owner)
	mu.Lock()
	defer mu.Unlock()

	if _, err := s.materialize(ctx, owner); err != nil {
		return model.Link{}, err
	}

	link, err := s.db.InsertLink(ctx, owner, url)
	if err != nil {
		return model.Link{}, err
	}

	s.mu.Lock()
	s.cache[owner] = append(s.cache[owner], link)
	s.mu.Unlock()

	return link, nil
}

// GetLinks returns the owner's links in insertion order. The returned
// slice is a copy; callers may mutate it freely.
func (s *Store) GetLinks(ctx context.Context, owner string) ([]model.Link, error) {
	links, err := s.materialize(ctx, owner)
	if err != nil {
		return nil, err
	}
	out := make([]model.Link, len(links))
	copy(out, links)
	return out, nil
}

// AddVectorRefs records which vector IDs belong to a link. Re-recording
// an existing ref is a no-op, so a replayed pipeline step is safe.
func (s *Store) AddVectorRefs(ctx context.Context, owner string, linkID int64, vectorIDs []string) error {
	mu := s.shard(owner)
	mu.Lock()
	defer mu.Unlock()

	if err := s.db.InsertVectorRefs(ctx, linkID, vectorIDs); err != nil {
		return fmt.Errorf("owners: add vector refs for link %d: %w", linkID, err)
	}
	return nil
}

// DeleteLink removes a link, its vector refs (via cascade), and
// best-effort the vectors themselves from the index. Index deletion
// failure is logged, not returned: the durable state is already
// consistent and the orphaned vectors are unreachable through the
// owner's link set.
func (s *Store) DeleteLink(ctx context.Context, owner string, id int64) error {
	mu := s.shard(owner)
	mu.Lock()
	defer mu.Unlock()

	refs, err := s.db.ListVectorRefs(ctx, id)
	if err != nil {
		return fmt.Errorf("owners: list vector refs for link %d: %w", id, err)
	}

	if err := s.db.DeleteLink(ctx, owner, id); err != nil {
		return err
	}

	s.mu.Lock()
	links := s.cache[owner]
	for i, l := range links {
		if l.ID == id {
			s.cache[owner] = append(links[:i], links[i+1:]...)
			break
		}
	}
	s.mu.Unlock()

	if len(refs) > 0 {
		vectorIDs := make([]string, len(refs))
		for i, r := range refs {
			vectorIDs[i] = r.VectorID
		}
		if err := s.index.Delete(ctx, vectorIDs); err != nil {
			s.logger.Warn("owners: index delete failed",
				"owner", owner,
				"link_id", id,
				"vectors", len(vectorIDs),
				"error", err,
			)
		}
	}

	return nil
}

// QueryBySimilarity embeds the query text, asks the index for the best
// match in the owner's namespace, and resolves it against the owner's
// authoritative link set. A match whose link no longer exists resolves
// to no result rather than an error; the index is allowed to lag
// deletes.
func (s *Store) QueryBySimilarity(ctx context.Context, owner, query string) (QueryResult, bool, error) {
	vector, err := s.embed.Embed(ctx, query)
	if err != nil {
		return QueryResult{}, false, fmt.Errorf("owners: embed query: %w", err)
	}

	matches, err := s.index.Query(ctx, owner, vector, 1)
	if err != nil {
		return QueryResult{}, false, fmt.Errorf("owners: index query: %w", err)
	}
	if len(matches) == 0 {
		return QueryResult{}, false, nil
	}
	match := matches[0]

	links, err := s.materialize(ctx, owner)
	if err != nil {
		return QueryResult{}, false, err
	}

	linkID, parseErr := strconv.ParseInt(match.Metadata[search.MetaLinkID], 10, 64)
	for _, l := range links {
		if parseErr == nil && l.ID == linkID {
			return QueryResult{Link: l, Score: match.Score}, true, nil
		}
		if parseErr != nil && l.URL == match.Metadata[search.MetaURL] {
			return QueryResult{Link: l, Score: match.Score}, true, nil
		}
	}

	s.logger.Debug("owners: stale index match dropped",
		"owner", owner,
		"vector_id", match.VectorID,
	)
	return QueryResult{}, false, nil
}
