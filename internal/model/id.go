package model

import (
	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

// NewID generates a new ULID string for task and round identifiers. ULIDs
// sort by creation time, which keeps oldest-first queries cheap.
func NewID() string {
	return ulid.Make().String()
}

// NewClientID generates an opaque identity token for a fleet client.
// Identity tokens must not encode creation time or sort order.
func NewClientID() string {
	return uuid.NewString()
}
