// Package idgen generates identifiers for records and events.
package idgen

import (
	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

// New returns a UUIDv7 identifier string, used for event and job instance ids.
// If UUIDv7 generation fails, it falls back to a random UUIDv4.
func New() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

// Record returns a ULID identifier string. ULIDs sort lexicographically by
// creation time, which keeps message listings in insertion order.
func Record() string {
	return ulid.Make().String()
}
