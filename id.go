package strand

import (
	"github.com/google/uuid"
)

// NewRunID generates a globally unique, time-sortable UUIDv7 (RFC 9562)
// used as both run identifier and state-cache key.
func NewRunID() string {
	return uuid.Must(uuid.NewV7()).String()
}

// NewApprovalID generates an identifier for a tool-approval suspension.
func NewApprovalID() string {
	return uuid.Must(uuid.NewV7()).String()
}

// newFileID generates an identifier for a blob uploaded to storage.
func newFileID() string {
	return uuid.Must(uuid.NewV7()).String()
}
