package store

import (
	"database/sql"
	"errors"
	"time"
)

// ErrNotFound is returned by single-row readers when no row matches.
var ErrNotFound = errors.New("store: not found")

// Queries holds the typed accessors. It is embedded by both Client
// (auto-commit reads) and Tx (transactional reads and writes).
type Queries struct {
	q querier
}

// now returns the canonical timestamp written to rows. All timestamps are
// UTC so the sqlite text representation compares lexically.
func now() time.Time {
	return time.Now().UTC()
}

func notFound(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	return err
}
