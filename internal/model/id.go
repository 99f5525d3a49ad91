package model

import "github.com/oklog/ulid/v2"

// NewJobID generates a ULID job identifier for jobs submitted without one
// (manual triggers and the publish command).
func NewJobID() string {
	return ulid.Make().String()
}
