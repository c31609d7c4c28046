package util

import "github.com/google/uuid"

// NewID returns a random UUID, optionally prefixed ("jti_...").
func NewID(prefix string) string {
	id := uuid.NewString()
	if prefix == "" {
		return id
	}
	return prefix + "_" + id
}

// IsUUID reports whether value parses as a UUID. The Postgres store checks
// ids with it before binding them to uuid-typed columns.
func IsUUID(value string) bool {
	_, err := uuid.Parse(value)
	return err == nil
}
