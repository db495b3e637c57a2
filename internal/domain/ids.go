// Package domain holds the typed entities shared across every orchestrator
// component. The orchestrator manipulates these typed values only, never
// raw JSON, leaving encode/decode boundaries to the Store implementation.
package domain

import (
	"time"

	"github.com/google/uuid"
)

// NewID returns a fresh opaque string identifier. Every entity in this
// package is keyed by one of these rather than a sequential integer, so
// callers never need to round-trip through the Store to learn an id before
// referencing it in a child row.
func NewID() string {
	return uuid.NewString()
}

// NowMillis returns the current time as a millisecond epoch, the timestamp
// unit used by every entity in this package.
func NowMillis() int64 {
	return time.Now().UnixMilli()
}
