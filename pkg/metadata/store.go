// ABOUTME: Metadata store backed by SQLite with key and value indexes
// ABOUTME: Persists graph annotations and the saved find state of each graph

package metadata

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/nainya/constellation/pkg/find"
	"github.com/nainya/constellation/pkg/graph"
	"github.com/nainya/constellation/pkg/store"
)

const entryColumns = "entity_type, entity_id, key, value, value_type, created_at, updated_at"

// MetadataStore manages custom metadata and attributes
type MetadataStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewMetadataStore creates a new metadata store
func NewMetadataStore(db *store.DB) *MetadataStore {
	return &MetadataStore{db: db.SQL(), now: time.Now}
}

// SetMetadata stores or updates a metadata entry. CreatedAt is kept from the
// first write; zero timestamps are filled with the current time.
func (ms *MetadataStore) SetMetadata(ctx context.Context, entry *MetadataEntry) error {
	now := ms.now()
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = now
	}
	if entry.UpdatedAt.IsZero() {
		entry.UpdatedAt = now
	}
	if entry.ValueType == "" {
		entry.ValueType = ValueString
	}

	_, err := ms.db.ExecContext(ctx, `
		INSERT INTO metadata (`+entryColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (entity_type, entity_id, key) DO UPDATE SET
			value = excluded.value,
			value_type = excluded.value_type,
			updated_at = excluded.updated_at`,
		entry.EntityType, entry.EntityID, entry.Key, entry.Value, entry.ValueType,
		entry.CreatedAt.UnixNano(), entry.UpdatedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("failed to set metadata %s/%s/%s: %w", entry.EntityType, entry.EntityID, entry.Key, err)
	}
	return nil
}

// GetMetadata retrieves a specific metadata entry
func (ms *MetadataStore) GetMetadata(ctx context.Context, entityType, entityID, key string) (*MetadataEntry, error) {
	row := ms.db.QueryRowContext(ctx,
		`SELECT `+entryColumns+` FROM metadata WHERE entity_type = ? AND entity_id = ? AND key = ?`,
		entityType, entityID, key,
	)

	entry, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s/%s/%s", ErrNotFound, entityType, entityID, key)
	}
	if err != nil {
		return nil, err
	}
	return entry, nil
}

// GetAllMetadata retrieves all metadata for an entity
func (ms *MetadataStore) GetAllMetadata(ctx context.Context, entityType, entityID string) (map[string]string, error) {
	rows, err := ms.db.QueryContext(ctx,
		`SELECT key, value FROM metadata WHERE entity_type = ? AND entity_id = ? ORDER BY key`,
		entityType, entityID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list metadata: %w", err)
	}
	defer rows.Close()

	result := make(map[string]string)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, err
		}
		result[k] = v
	}
	return result, rows.Err()
}

// DeleteMetadata removes a metadata entry
func (ms *MetadataStore) DeleteMetadata(ctx context.Context, entityType, entityID, key string) error {
	res, err := ms.db.ExecContext(ctx,
		`DELETE FROM metadata WHERE entity_type = ? AND entity_id = ? AND key = ?`,
		entityType, entityID, key,
	)
	if err != nil {
		return fmt.Errorf("failed to delete metadata: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s/%s/%s", ErrNotFound, entityType, entityID, key)
	}
	return nil
}

// QueryByKey finds all entities with a specific metadata key
func (ms *MetadataStore) QueryByKey(ctx context.Context, key string, entityType *string, limit int) ([]*MetadataEntry, error) {
	query := `SELECT ` + entryColumns + ` FROM metadata WHERE key = ?`
	args := []any{key}
	if entityType != nil {
		query += ` AND entity_type = ?`
		args = append(args, *entityType)
	}
	query += ` ORDER BY entity_type, entity_id`
	return ms.queryEntries(ctx, query, args, limit)
}

// QueryByKeyValue finds all entities with a specific key-value pair
func (ms *MetadataStore) QueryByKeyValue(ctx context.Context, key, value string, entityType *string, limit int) ([]*MetadataEntry, error) {
	query := `SELECT ` + entryColumns + ` FROM metadata WHERE key = ? AND value = ?`
	args := []any{key, value}
	if entityType != nil {
		query += ` AND entity_type = ?`
		args = append(args, *entityType)
	}
	query += ` ORDER BY entity_type, entity_id`
	return ms.queryEntries(ctx, query, args, limit)
}

// QueryMultiple finds the ids of entities matching every key-value pair
func (ms *MetadataStore) QueryMultiple(ctx context.Context, filters map[string]string, entityType *string, limit int) ([]string, error) {
	if len(filters) == 0 {
		return []string{}, nil
	}

	keys := make([]string, 0, len(filters))
	for k := range filters {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString(`SELECT DISTINCT m.entity_id FROM metadata m WHERE 1 = 1`)
	var args []any
	if entityType != nil {
		b.WriteString(` AND m.entity_type = ?`)
		args = append(args, *entityType)
	}
	for _, k := range keys {
		b.WriteString(` AND EXISTS (SELECT 1 FROM metadata f WHERE f.entity_type = m.entity_type` +
			` AND f.entity_id = m.entity_id AND f.key = ? AND f.value = ?)`)
		args = append(args, k, filters[k])
	}
	b.WriteString(` ORDER BY m.entity_id`)
	if limit > 0 {
		b.WriteString(` LIMIT ?`)
		args = append(args, limit)
	}

	rows, err := ms.db.QueryContext(ctx, b.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query metadata: %w", err)
	}
	defer rows.Close()

	results := []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		results = append(results, id)
	}
	return results, rows.Err()
}

// SaveState persists the find state of a graph
func (ms *MetadataStore) SaveState(ctx context.Context, graphID string, s find.State) error {
	data, err := find.Marshal(s)
	if err != nil {
		return err
	}
	return ms.SetMetadata(ctx, &MetadataEntry{
		EntityType: EntityGraph,
		EntityID:   graphID,
		Key:        find.StateAttribute,
		Value:      string(data),
		ValueType:  ValueJSON,
	})
}

// LoadState restores the find state saved for a graph. When rg is non-nil, rules
// that no longer fit it are dropped and reported.
func (ms *MetadataStore) LoadState(ctx context.Context, graphID string, rg graph.ReadMethods) (find.State, []find.DroppedRule, error) {
	entry, err := ms.GetMetadata(ctx, EntityGraph, graphID, find.StateAttribute)
	if errors.Is(err, ErrNotFound) {
		return find.State{}, nil, fmt.Errorf("%w: graph %s", find.ErrNoSavedState, graphID)
	}
	if err != nil {
		return find.State{}, nil, err
	}
	return find.Unmarshal([]byte(entry.Value), rg)
}

// DeleteState forgets the find state saved for a graph
func (ms *MetadataStore) DeleteState(ctx context.Context, graphID string) error {
	err := ms.DeleteMetadata(ctx, EntityGraph, graphID, find.StateAttribute)
	if errors.Is(err, ErrNotFound) {
		return fmt.Errorf("%w: graph %s", find.ErrNoSavedState, graphID)
	}
	return err
}

// SavedStates lists the graphs with a saved find state, ordered by graph id
func (ms *MetadataStore) SavedStates(ctx context.Context) ([]SavedState, error) {
	entity := EntityGraph
	entries, err := ms.QueryByKey(ctx, find.StateAttribute, &entity, 0)
	if err != nil {
		return nil, err
	}

	states := make([]SavedState, len(entries))
	for i, e := range entries {
		states[i] = SavedState{GraphID: e.EntityID, UpdatedAt: e.UpdatedAt}
	}
	return states, nil
}

// Annotate sets string annotations on a graph
func (ms *MetadataStore) Annotate(ctx context.Context, graphID string, annotations map[string]string) error {
	for key := range annotations {
		if key == "" || key == find.StateAttribute {
			return fmt.Errorf("%w: %q", ErrReservedKey, key)
		}
	}
	for key, value := range annotations {
		err := ms.SetMetadata(ctx, &MetadataEntry{
			EntityType: EntityGraph,
			EntityID:   graphID,
			Key:        key,
			Value:      value,
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// Annotations returns the annotations of a graph, leaving out its saved state
func (ms *MetadataStore) Annotations(ctx context.Context, graphID string) (map[string]string, error) {
	all, err := ms.GetAllMetadata(ctx, EntityGraph, graphID)
	if err != nil {
		return nil, err
	}
	delete(all, find.StateAttribute)
	return all, nil
}

// AnnotatedGraphs returns the ids of graphs carrying every annotation in filters
func (ms *MetadataStore) AnnotatedGraphs(ctx context.Context, filters map[string]string) ([]string, error) {
	entity := EntityGraph
	if len(filters) != 1 {
		return ms.QueryMultiple(ctx, filters, &entity, 0)
	}

	ids := []string{}
	for key, value := range filters {
		entries, err := ms.QueryByKeyValue(ctx, key, value, &entity, 0)
		if err != nil {
			return nil, err
		}
		for _, e := range entries {
			ids = append(ids, e.EntityID)
		}
	}
	return ids, nil
}

func (ms *MetadataStore) queryEntries(ctx context.Context, query string, args []any, limit int) ([]*MetadataEntry, error) {
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := ms.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query metadata: %w", err)
	}
	defer rows.Close()

	var results []*MetadataEntry
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, entry)
	}
	return results, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEntry(s scanner) (*MetadataEntry, error) {
	var e MetadataEntry
	var created, updated int64
	if err := s.Scan(&e.EntityType, &e.EntityID, &e.Key, &e.Value, &e.ValueType, &created, &updated); err != nil {
		return nil, err
	}
	e.CreatedAt = time.Unix(0, created)
	e.UpdatedAt = time.Unix(0, updated)
	return &e, nil
}
