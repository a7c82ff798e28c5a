package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/lodestone-ai/lodestone/internal/model"
)

// InsertLink inserts a new link for an owner and returns it with its
// assigned id and server timestamp. Returns ErrDuplicateURL when the
// owner already has the URL on file.
func (db *DB) InsertLink(ctx context.Context, owner, url string) (model.Link, error) {
	link := model.Link{Owner: owner, URL: url}
	err := db.pool.QueryRow(ctx,
		`INSERT INTO links (owner, url) VALUES ($1, $2)
		 RETURNING id, created_at`,
		owner, url,
	).Scan(&link.ID, &link.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return model.Link{}, ErrDuplicateURL
		}
		return model.Link{}, fmt.Errorf("storage: insert link: %w", err)
	}
	return link, nil
}

// ListLinks returns all links for an owner in insertion order.
func (db *DB) ListLinks(ctx context.Context, owner string) ([]model.Link, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT id, owner, url, created_at FROM links
		 WHERE owner = $1 ORDER BY id ASC`,
		owner,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list links: %w", err)
	}
	defer rows.Close()

	var links []model.Link
	for rows.Next() {
		var l model.Link
		if err := rows.Scan(&l.ID, &l.Owner, &l.URL, &l.CreatedAt); err != nil {
			return nil, fmt.Errorf("storage: scan link: %w", err)
		}
		links = append(links, l)
	}
	return links, rows.Err()
}

// GetLink retrieves a single link by id, scoped to the owner.
func (db *DB) GetLink(ctx context.Context, owner string, id int64) (model.Link, error) {
	var l model.Link
	err := db.pool.QueryRow(ctx,
		`SELECT id, owner, url, created_at FROM links
		 WHERE owner = $1 AND id = $2`,
		owner, id,
	).Scan(&l.ID, &l.Owner, &l.URL, &l.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Link{}, ErrNotFound
		}
		return model.Link{}, fmt.Errorf("storage: get link: %w", err)
	}
	return l, nil
}

// DeleteLink removes a link, cascading to its vector references via the
// foreign key. Returns ErrNotFound when the owner has no such link.
func (db *DB) DeleteLink(ctx context.Context, owner string, id int64) error {
	tag, err := db.pool.Exec(ctx,
		`DELETE FROM links WHERE owner = $1 AND id = $2`, owner, id,
	)
	if err != nil {
		return fmt.Errorf("storage: delete link: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// InsertVectorRefs associates vector ids with a link. Inserting an
// already-present vector id is a no-op, so the call is idempotent
// across pipeline retries.
func (db *DB) InsertVectorRefs(ctx context.Context, linkID int64, vectorIDs []string) error {
	for _, vid := range vectorIDs {
		if _, err := db.pool.Exec(ctx,
			`INSERT INTO link_vectors (vector_id, link_id) VALUES ($1, $2)
			 ON CONFLICT (vector_id) DO NOTHING`,
			vid, linkID,
		); err != nil {
			return fmt.Errorf("storage: insert vector ref %s: %w", vid, err)
		}
	}
	return nil
}

// ListVectorRefs returns the vector references owned by a link.
func (db *DB) ListVectorRefs(ctx context.Context, linkID int64) ([]model.VectorRef, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT vector_id, link_id FROM link_vectors
		 WHERE link_id = $1 ORDER BY vector_id ASC`,
		linkID,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list vector refs: %w", err)
	}
	defer rows.Close()

	var refs []model.VectorRef
	for rows.Next() {
		var r model.VectorRef
		if err := rows.Scan(&r.VectorID, &r.LinkID); err != nil {
			return nil, fmt.Errorf("storage: scan vector ref: %w", err)
		}
		refs = append(refs, r)
	}
	return refs, rows.Err()
}
