// Package query serves reads from the projection tables. All lookups are
// instance-scoped; a row owned by another instance is indistinguishable from
// a missing one.
package query

import (
	"database/sql"
	"encoding/json"
)

// Queries reads the materialized views. It shares the database handle with
// the projection runtime.
type Queries struct {
	db *sql.DB
}

// New creates a Queries over the read-model database.
func New(db *sql.DB) *Queries {
	return &Queries{db: db}
}

// SearchOptions bound list queries.
type SearchOptions struct {
	Limit  uint64
	Offset uint64
}

func (o SearchOptions) clause() (string, []any) {
	limit := o.Limit
	if limit == 0 || limit > 1000 {
		limit = 1000
	}
	return " LIMIT ? OFFSET ?", []any{int64(limit), int64(o.Offset)}
}

func decodeStrings(raw string) []string {
	if raw == "" {
		return nil
	}
	var values []string
	if err := json.Unmarshal([]byte(raw), &values); err != nil {
		return nil
	}
	return values
}
