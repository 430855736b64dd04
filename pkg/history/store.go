// ABOUTME: Saved search store with temporal and tag lookups
// ABOUTME: Every save appends a version; older versions stay addressable

package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/nainya/constellation/pkg/find"
	"github.com/nainya/constellation/pkg/store"
)

const versionColumns = "version_id, name, graph_id, created_at, created_by, description, document"

// SearchStore manages saved search versions
type SearchStore struct {
	db  *store.DB
	now func() time.Time
}

// NewSearchStore creates a new search store
func NewSearchStore(db *store.DB) *SearchStore {
	return &SearchStore{db: db, now: time.Now}
}

// SaveSearch appends a new version of s.Name. An empty VersionID is replaced by a
// UUID and a zero CreatedAt by the current time.
func (ss *SearchStore) SaveSearch(ctx context.Context, s *Search) error {
	if strings.TrimSpace(s.Name) == "" {
		return ErrInvalidName
	}

	doc, err := find.Marshal(s.State)
	if err != nil {
		return fmt.Errorf("failed to encode search %s: %w", s.Name, err)
	}

	if s.VersionID == "" {
		s.VersionID = uuid.NewString()
	}
	if s.CreatedAt.IsZero() {
		s.CreatedAt = ss.now()
	}

	return ss.db.WithTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO search_versions (`+versionColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?)`,
			s.VersionID, s.Name, s.GraphID, s.CreatedAt.UnixNano(), s.CreatedBy, s.Description, string(doc),
		)
		if err != nil {
			return fmt.Errorf("failed to save search %s: %w", s.Name, err)
		}

		for _, tag := range s.Tags {
			_, err := tx.ExecContext(ctx,
				`INSERT OR IGNORE INTO search_tags (name, tag, version_id) VALUES (?, ?, ?)`,
				s.Name, tag, s.VersionID,
			)
			if err != nil {
				return fmt.Errorf("failed to tag search %s: %w", s.Name, err)
			}
		}
		return nil
	})
}

// GetSearch retrieves a specific version of a search
func (ss *SearchStore) GetSearch(ctx context.Context, name, versionID string) (*Search, error) {
	return ss.queryOne(ctx,
		fmt.Errorf("%w: %s@%s", ErrNotFound, name, versionID),
		`SELECT `+versionColumns+` FROM search_versions WHERE name = ? AND version_id = ?`,
		name, versionID,
	)
}

// GetLatestSearch returns the most recent version of a search
func (ss *SearchStore) GetLatestSearch(ctx context.Context, name string) (*Search, error) {
	return ss.queryOne(ctx,
		fmt.Errorf("%w: %s", ErrNotFound, name),
		`SELECT `+versionColumns+` FROM search_versions WHERE name = ?
		ORDER BY created_at DESC, rowid DESC LIMIT 1`,
		name,
	)
}

// GetSearchAsOf returns the version that was current at a specific time
func (ss *SearchStore) GetSearchAsOf(ctx context.Context, name string, asOf time.Time) (*Search, error) {
	return ss.queryOne(ctx,
		fmt.Errorf("%w: %s as of %s", ErrNotFound, name, asOf.Format(time.RFC3339)),
		`SELECT `+versionColumns+` FROM search_versions WHERE name = ? AND created_at <= ?
		ORDER BY created_at DESC, rowid DESC LIMIT 1`,
		name, asOf.UnixNano(),
	)
}

// GetSearchByTag returns the newest version carrying tag
func (ss *SearchStore) GetSearchByTag(ctx context.Context, name, tag string) (*Search, error) {
	return ss.queryOne(ctx,
		fmt.Errorf("%w: %s tagged %s", ErrNotFound, name, tag),
		`SELECT v.version_id, v.name, v.graph_id, v.created_at, v.created_by, v.description, v.document
		FROM search_versions v JOIN search_tags t ON t.version_id = v.version_id
		WHERE t.name = ? AND t.tag = ?
		ORDER BY v.created_at DESC, v.rowid DESC LIMIT 1`,
		name, tag,
	)
}

// ListVersions returns the versions of a search, oldest first
func (ss *SearchStore) ListVersions(ctx context.Context, name string, limit int) ([]*Search, error) {
	query := `SELECT ` + versionColumns + ` FROM search_versions WHERE name = ?
		ORDER BY created_at, rowid`
	args := []any{name}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	return ss.queryMany(ctx, query, args...)
}

// GetSearchHistory returns the complete version history of a search
func (ss *SearchStore) GetSearchHistory(ctx context.Context, name string) (*SearchHistory, error) {
	versions, err := ss.ListVersions(ctx, name, 0)
	if err != nil {
		return nil, err
	}
	if len(versions) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	}

	return &SearchHistory{Name: name, Versions: versions}, nil
}

// ListSearches summarises every named search, ordered by name
func (ss *SearchStore) ListSearches(ctx context.Context) ([]SearchSummary, error) {
	rows, err := ss.db.SQL().QueryContext(ctx, `
		SELECT v.name, COUNT(*), MAX(v.created_at),
			(SELECT l.version_id FROM search_versions l WHERE l.name = v.name
			 ORDER BY l.created_at DESC, l.rowid DESC LIMIT 1)
		FROM search_versions v
		GROUP BY v.name
		ORDER BY v.name`)
	if err != nil {
		return nil, fmt.Errorf("failed to list searches: %w", err)
	}
	defer rows.Close()

	var out []SearchSummary
	for rows.Next() {
		var s SearchSummary
		var updated int64
		if err := rows.Scan(&s.Name, &s.Versions, &updated, &s.LatestVersionID); err != nil {
			return nil, err
		}
		s.UpdatedAt = time.Unix(0, updated)
		out = append(out, s)
	}
	return out, rows.Err()
}

func (ss *SearchStore) queryOne(ctx context.Context, notFound error, query string, args ...any) (*Search, error) {
	s, err := scanSearch(ss.db.SQL().QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound
	}
	if err != nil {
		return nil, err
	}
	if err := ss.loadTags(ctx, s); err != nil {
		return nil, err
	}
	return s, nil
}

func (ss *SearchStore) queryMany(ctx context.Context, query string, args ...any) ([]*Search, error) {
	rows, err := ss.db.SQL().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query searches: %w", err)
	}

	var out []*Search
	for rows.Next() {
		s, err := scanSearch(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		out = append(out, s)
	}
	if err := rows.Close(); err != nil {
		return nil, err
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Tags are read once the cursor is closed; the pool holds a single connection.
	for _, s := range out {
		if err := ss.loadTags(ctx, s); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (ss *SearchStore) loadTags(ctx context.Context, s *Search) error {
	rows, err := ss.db.SQL().QueryContext(ctx,
		`SELECT tag FROM search_tags WHERE version_id = ? ORDER BY tag`, s.VersionID)
	if err != nil {
		return fmt.Errorf("failed to load tags: %w", err)
	}
	defer rows.Close()

	s.Tags = nil
	for rows.Next() {
		var tag string
		if err := rows.Scan(&tag); err != nil {
			return err
		}
		s.Tags = append(s.Tags, tag)
	}
	return rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSearch(sc scanner) (*Search, error) {
	var s Search
	var created int64
	var doc string
	if err := sc.Scan(&s.VersionID, &s.Name, &s.GraphID, &created, &s.CreatedBy, &s.Description, &doc); err != nil {
		return nil, err
	}
	s.CreatedAt = time.Unix(0, created)

	state, _, err := find.Unmarshal([]byte(doc), nil)
	if err != nil {
		return nil, fmt.Errorf("search %s@%s: %w", s.Name, s.VersionID, err)
	}
	s.State = state
	return &s, nil
}
