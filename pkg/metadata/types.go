// ABOUTME: Metadata storage data model
// ABOUTME: Key-value annotations on graphs and saved searches

package metadata

import (
	"errors"
	"time"
)

// Entity types annotated by the store
const (
	EntityGraph  = "graph"
	EntitySearch = "search"
)

// Value type hints
const (
	ValueString = "string"
	ValueNumber = "number"
	ValueJSON   = "json"
)

var (
	// ErrNotFound is returned when no entry matches
	ErrNotFound = errors.New("metadata not found")
	// ErrReservedKey is returned when an annotation would overwrite internal metadata
	ErrReservedKey = errors.New("reserved metadata key")
)

// MetadataEntry represents a single metadata attribute
type MetadataEntry struct {
	EntityType string    // Type of entity (graph, search)
	EntityID   string    // Entity identifier
	Key        string    // Metadata key
	Value      string    // Metadata value
	ValueType  string    // Type hint (string, number, json)
	CreatedAt  time.Time // When metadata was added
	UpdatedAt  time.Time // Last update time
}

// SavedState identifies a graph with a persisted find state
type SavedState struct {
	GraphID   string
	UpdatedAt time.Time
}
