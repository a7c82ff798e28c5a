package storage

import (
	"errors"

	"github.com/jackc/pgx/v5/pgconn"
)

var (
	// ErrNotFound is returned when a requested entity does not exist.
	ErrNotFound = errors.New("storage: not found")

	// ErrDuplicateURL is returned when a link insert violates the
	// per-owner URL uniqueness constraint. Detection relies on the
	// constraint itself rather than a pre-check, so concurrent inserts
	// cannot race past it.
	ErrDuplicateURL = errors.New("storage: url already exists for owner")
)

// isUniqueViolation reports whether err is a Postgres unique_violation.
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
