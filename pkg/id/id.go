// Package id generates identifiers for aggregates and requests.
package id

import (
	"crypto/rand"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

// Generator produces a new aggregate identifier.
// It is a field on the command dispatcher so tests can inject fixed IDs.
type Generator func() string

// Sortable returns a ULID. Aggregate IDs sort by creation time which keeps
// the per-aggregate event index dense.
func Sortable() string {
	return ulid.MustNew(ulid.Now(), rand.Reader).String()
}

// Request returns a UUIDv4 for request correlation and token jti values.
func Request() string {
	return uuid.NewString()
}
