// ABOUTME: Loads graphs from a Neo4j database
// ABOUTME: Nodes become vertices and relationships become directed transactions

package importer

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"github.com/nainya/constellation/pkg/graph"
)

// Attributes created for every Neo4j import
const (
	IdentifierAttribute = "Identifier"
	TypeAttribute       = "Type"
)

const (
	nodeQuery = `MATCH (n) RETURN elementId(n) AS id, labels(n) AS labels, properties(n) AS props
ORDER BY id LIMIT $limit`
	relationshipQuery = `MATCH (a)-[r]->(b) RETURN elementId(a) AS source, elementId(b) AS target,
type(r) AS type, properties(r) AS props ORDER BY elementId(r) LIMIT $limit`
)

// Runner executes a Cypher query and buffers its records
type Runner interface {
	Run(ctx context.Context, query string, params map[string]any) (*neo4j.EagerResult, error)
}

// Neo4jExecutor runs queries against one database through the official driver
type Neo4jExecutor struct {
	Driver neo4j.DriverWithContext
	DBName string
}

// NewNeo4jExecutor creates a driver for uri with basic auth
func NewNeo4jExecutor(uri, username, password, dbName string) (*Neo4jExecutor, error) {
	driver, err := neo4j.NewDriverWithContext(uri, neo4j.BasicAuth(username, password, ""))
	if err != nil {
		return nil, fmt.Errorf("could not create Neo4j driver: %w", err)
	}
	return &Neo4jExecutor{Driver: driver, DBName: dbName}, nil
}

// Verify checks connectivity
func (e *Neo4jExecutor) Verify(ctx context.Context) error {
	return e.Driver.VerifyConnectivity(ctx)
}

// Run implements Runner
func (e *Neo4jExecutor) Run(ctx context.Context, query string, params map[string]any) (*neo4j.EagerResult, error) {
	result, err := neo4j.ExecuteQuery(ctx, e.Driver, query, params,
		neo4j.EagerResultTransformer,
		neo4j.ExecuteQueryWithDatabase(e.DBName),
		neo4j.ExecuteQueryWithReadersRouting(),
	)
	if err != nil {
		return nil, fmt.Errorf("neo4j query failed: %w", err)
	}
	return result, nil
}

// Close releases the driver
func (e *Neo4jExecutor) Close(ctx context.Context) error {
	return e.Driver.Close(ctx)
}

// Neo4jOptions bounds a Neo4j import
type Neo4jOptions struct {
	GraphID string
	// Limit caps nodes and relationships read; 0 means 10000
	Limit int
}

// FromNeo4j reads every node and relationship reachable through runner. Property
// values that clash with the kind first inferred for their name are skipped and counted.
func FromNeo4j(ctx context.Context, runner Runner, opts Neo4jOptions) (*graph.Graph, *Report, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = 10000
	}
	params := map[string]any{"limit": int64(limit)}

	nodes, err := runner.Run(ctx, nodeQuery, params)
	if err != nil {
		return nil, nil, err
	}
	rels, err := runner.Run(ctx, relationshipQuery, params)
	if err != nil {
		return nil, nil, err
	}

	g := graph.New(opts.GraphID)
	report := &Report{}

	err = g.Update(func(w *graph.WritableGraph) error {
		b := &builder{w: w, report: report, lenient: true}
		for _, spec := range []struct {
			t    graph.ElementType
			name string
		}{
			{graph.Vertex, IdentifierAttribute},
			{graph.Vertex, TypeAttribute},
			{graph.Transaction, TypeAttribute},
		} {
			if err := b.declare(spec.t, AttributeSpec{Name: spec.name, Kind: "string"}); err != nil {
				return err
			}
		}

		ids := make(map[string]int, len(nodes.Records))
		for _, rec := range nodes.Records {
			elementID := recordString(rec, "id")
			id := w.AddVertex()
			ids[elementID] = id
			report.Vertices++

			values := convertProperties(recordMap(rec, "props"))
			values[IdentifierAttribute] = elementID
			values[TypeAttribute] = strings.Join(recordStrings(rec, "labels"), ":")
			if err := b.setValues(graph.Vertex, id, values); err != nil {
				return err
			}
		}

		for _, rec := range rels.Records {
			src, okSrc := ids[recordString(rec, "source")]
			dst, okDst := ids[recordString(rec, "target")]
			if !okSrc || !okDst {
				// Endpoint fell outside the node limit
				report.SkippedValues++
				continue
			}
			id, err := w.AddTransaction(src, dst, true)
			if err != nil {
				return err
			}
			report.Transactions++

			values := convertProperties(recordMap(rec, "props"))
			values[TypeAttribute] = recordString(rec, "type")
			if err := b.setValues(graph.Transaction, id, values); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}

	return g, report, nil
}

func recordString(record *neo4j.Record, key string) string {
	val, ok := record.Get(key)
	if !ok || val == nil {
		return ""
	}
	if str, ok := val.(string); ok {
		return str
	}
	return fmt.Sprint(val)
}

func recordStrings(record *neo4j.Record, key string) []string {
	val, ok := record.Get(key)
	if !ok || val == nil {
		return nil
	}
	slice, ok := val.([]any)
	if !ok {
		return nil
	}
	result := make([]string, 0, len(slice))
	for _, v := range slice {
		if str, ok := v.(string); ok {
			result = append(result, str)
		}
	}
	return result
}

func recordMap(record *neo4j.Record, key string) map[string]any {
	val, ok := record.Get(key)
	if !ok || val == nil {
		return nil
	}
	m, _ := val.(map[string]any)
	return m
}

// convertProperties maps driver values onto values the graph can coerce
func convertProperties(props map[string]any) map[string]any {
	out := make(map[string]any, len(props)+2)
	for k, v := range props {
		switch val := v.(type) {
		case neo4j.Date:
			out[k] = dateValue(val.Time())
		case neo4j.LocalDateTime:
			out[k] = val.Time()
		case neo4j.LocalTime:
			t := val.Time()
			out[k] = time.Duration(t.Hour())*time.Hour +
				time.Duration(t.Minute())*time.Minute +
				time.Duration(t.Second())*time.Second
		case []any:
			parts := make([]string, len(val))
			for i, item := range val {
				parts[i] = fmt.Sprint(item)
			}
			out[k] = strings.Join(parts, ", ")
		default:
			out[k] = v
		}
	}
	return out
}
