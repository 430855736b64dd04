// ABOUTME: Saved search data model
// ABOUTME: Named find states kept as an append-only, tagged version history

package history

import (
	"errors"
	"time"

	"github.com/nainya/constellation/pkg/find"
)

var (
	ErrNotFound    = errors.New("search not found")
	ErrInvalidName = errors.New("search name must not be empty")
)

// Search is one saved version of a named find state
type Search struct {
	Name        string    // Search name shared by all its versions
	VersionID   string    // Unique version identifier
	GraphID     string    // Graph the state was built against, if any
	CreatedAt   time.Time // Version creation time
	CreatedBy   string    // User/system that saved the version
	Description string    // Change description
	Tags        []string  // Version tags (e.g., "stable", "draft")
	State       find.State
}

// SearchSummary describes a named search without its versions
type SearchSummary struct {
	Name            string
	Versions        int
	LatestVersionID string
	UpdatedAt       time.Time
}

// SearchHistory is the timeline of a named search
type SearchHistory struct {
	Name     string
	Versions []*Search
}
