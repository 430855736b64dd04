package importer

import (
	"context"
	"errors"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nainya/constellation/pkg/graph"
)

type fakeRunner struct {
	nodes   []*neo4j.Record
	rels    []*neo4j.Record
	err     error
	queries []string
	params  []map[string]any
}

func (f *fakeRunner) Run(_ context.Context, query string, params map[string]any) (*neo4j.EagerResult, error) {
	f.queries = append(f.queries, query)
	f.params = append(f.params, params)
	if f.err != nil {
		return nil, f.err
	}
	if strings.Contains(query, "-[r]->") {
		return &neo4j.EagerResult{Keys: []string{"source", "target", "type", "props"}, Records: f.rels}, nil
	}
	return &neo4j.EagerResult{Keys: []string{"id", "labels", "props"}, Records: f.nodes}, nil
}

func node(id string, labels []any, props map[string]any) *neo4j.Record {
	return &neo4j.Record{Keys: []string{"id", "labels", "props"}, Values: []any{id, labels, props}}
}

func rel(src, dst, typ string, props map[string]any) *neo4j.Record {
	return &neo4j.Record{Keys: []string{"source", "target", "type", "props"}, Values: []any{src, dst, typ, props}}
}

func TestFromNeo4j(t *testing.T) {
	runner := &fakeRunner{
		nodes: []*neo4j.Record{
			node("4:a", []any{"Person", "Employee"}, map[string]any{
				"name":  "Alice",
				"age":   int64(34),
				"tags":  []any{"x", "y"},
				"hired": neo4j.Date(time.Date(2020, 5, 4, 0, 0, 0, 0, time.UTC)),
			}),
			node("4:b", []any{"Person"}, map[string]any{"name": "Bob", "age": "unknown"}),
		},
		rels: []*neo4j.Record{
			rel("4:a", "4:b", "KNOWS", map[string]any{"since": int64(2019)}),
			rel("4:a", "4:zzz", "KNOWS", nil),
		},
	}

	g, report, err := FromNeo4j(context.Background(), runner, Neo4jOptions{GraphID: "people", Limit: 50})
	require.NoError(t, err)

	assert.Equal(t, "people", g.ID())
	assert.Equal(t, 2, report.Vertices)
	assert.Equal(t, 1, report.Transactions)
	// Bob's textual age and the dangling relationship
	assert.Equal(t, 2, report.SkippedValues)
	assert.Equal(t, int64(50), runner.params[0]["limit"])

	rg := g.ReadableGraph()
	defer rg.Release()

	alice := rg.Element(graph.Vertex, 0)
	typ, ok := rg.Attribute(graph.Vertex, TypeAttribute)
	require.True(t, ok)
	labels, _ := rg.StringValue(typ.ID, alice)
	assert.Equal(t, "Person:Employee", labels)

	ident, ok := rg.Attribute(graph.Vertex, IdentifierAttribute)
	require.True(t, ok)
	id, _ := rg.StringValue(ident.ID, alice)
	assert.Equal(t, "4:a", id)

	hired, ok := rg.Attribute(graph.Vertex, "hired")
	require.True(t, ok)
	assert.Equal(t, graph.KindDate, hired.Kind)

	tags, ok := rg.Attribute(graph.Vertex, "tags")
	require.True(t, ok)
	joined, _ := rg.StringValue(tags.ID, alice)
	assert.Equal(t, "x, y", joined)

	txType, ok := rg.Attribute(graph.Transaction, TypeAttribute)
	require.True(t, ok)
	kind, _ := rg.StringValue(txType.ID, rg.Element(graph.Transaction, 0))
	assert.Equal(t, "KNOWS", kind)
}

func TestFromNeo4jRunnerError(t *testing.T) {
	boom := errors.New("connection refused")
	_, _, err := FromNeo4j(context.Background(), &fakeRunner{err: boom}, Neo4jOptions{})
	assert.ErrorIs(t, err, boom)
}

func TestFromNeo4jDefaultLimit(t *testing.T) {
	runner := &fakeRunner{}
	_, _, err := FromNeo4j(context.Background(), runner, Neo4jOptions{})
	require.NoError(t, err)
	require.Len(t, runner.params, 2)
	assert.Equal(t, int64(10000), runner.params[1]["limit"])
}

func TestNeo4jIntegration(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping Neo4j integration test in short mode")
	}
	uri := os.Getenv("CONSTELLATION_NEO4J_TEST_URI")
	if uri == "" {
		t.Skip("CONSTELLATION_NEO4J_TEST_URI not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	exec, err := NewNeo4jExecutor(uri,
		os.Getenv("CONSTELLATION_NEO4J_USER"), os.Getenv("CONSTELLATION_NEO4J_PASSWORD"), "neo4j")
	require.NoError(t, err)
	defer exec.Close(ctx)

	require.NoError(t, exec.Verify(ctx))

	g, report, err := FromNeo4j(ctx, exec, Neo4jOptions{Limit: 100})
	require.NoError(t, err)

	rg := g.ReadableGraph()
	defer rg.Release()
	assert.Equal(t, report.Vertices, rg.ElementCount(graph.Vertex))
}
