package server

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nainya/constellation/internal/logger"
	"github.com/nainya/constellation/pkg/find"
	"github.com/nainya/constellation/pkg/graph"
)

func graphYAML(id string, labels ...string) string {
	doc := fmt.Sprintf("id: %s\nattributes:\n  vertex:\n    - {name: Label, kind: string}\nvertices:\n", id)
	for i, l := range labels {
		doc += fmt.Sprintf("  - {key: v%d, values: {Label: %s}}\n", i, l)
	}
	return doc
}

func writeGraphFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func vertexCount(r *Registry, id string) int {
	g, ok := r.Get(id)
	if !ok {
		return -1
	}
	rg := g.ReadableGraph()
	defer rg.Release()
	return rg.ElementCount(graph.Vertex)
}

func quietLogger() *logger.Logger {
	return logger.NewLogger(logger.Config{Level: "error", Output: io.Discard})
}

func TestRegistryLoadFiles(t *testing.T) {
	dir := t.TempDir()
	writeGraphFile(t, filepath.Join(dir, "a.yaml"), graphYAML("people", "Alice"))
	writeGraphFile(t, filepath.Join(dir, "nested", "b.yaml"), graphYAML("places", "Paris", "Rome"))

	r := NewRegistry()
	require.NoError(t, r.LoadFiles(filepath.Join(dir, "**", "*.yaml"), quietLogger()))
	assert.Equal(t, []string{"people", "places"}, r.IDs())
	assert.Equal(t, 2, vertexCount(r, "places"))

	// Reloading a file under a new id replaces the old graph
	writeGraphFile(t, filepath.Join(dir, "a.yaml"), graphYAML("staff", "Alice"))
	require.NoError(t, r.LoadFile(filepath.Join(dir, "a.yaml"), quietLogger()))
	assert.Equal(t, []string{"places", "staff"}, r.IDs())

	id, ok := r.Unload(filepath.Join(dir, "nested", "b.yaml"))
	assert.True(t, ok)
	assert.Equal(t, "places", id)
	assert.Equal(t, 1, r.Len())

	_, ok = r.Unload(filepath.Join(dir, "missing.yaml"))
	assert.False(t, ok)

	assert.Error(t, r.LoadFiles(filepath.Join(dir, "*.json"), quietLogger()))
}

func TestWatcherReloadsGraphs(t *testing.T) {
	dir := t.TempDir()
	pattern := filepath.Join(dir, "**", "*.yaml")
	writeGraphFile(t, filepath.Join(dir, "a.yaml"), graphYAML("people", "Alice"))

	r := NewRegistry()
	require.NoError(t, r.LoadFiles(pattern, quietLogger()))

	w, err := NewWatcher(r, pattern, 10*time.Millisecond, quietLogger())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	writeGraphFile(t, filepath.Join(dir, "a.yaml"), graphYAML("people", "Alice", "Bob"))
	require.Eventually(t, func() bool { return vertexCount(r, "people") == 2 },
		5*time.Second, 10*time.Millisecond)

	writeGraphFile(t, filepath.Join(dir, "b.yaml"), graphYAML("places", "Paris"))
	require.Eventually(t, func() bool { return vertexCount(r, "places") == 1 },
		5*time.Second, 10*time.Millisecond)

	// A broken file keeps serving the previous graph
	writeGraphFile(t, filepath.Join(dir, "b.yaml"), "vertices: [")
	writeGraphFile(t, filepath.Join(dir, "notes.txt"), "ignored")
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 1, vertexCount(r, "places"))

	require.NoError(t, os.Remove(filepath.Join(dir, "a.yaml")))
	require.Eventually(t, func() bool { _, ok := r.Get("people"); return !ok },
		5*time.Second, 10*time.Millisecond)
}

func TestReloadedGraphReportsOldResultsStale(t *testing.T) {
	path := filepath.Join(t.TempDir(), "people.yaml")
	writeGraphFile(t, path, graphYAML("people", "Alice", "Bob", "Carol"))

	r := NewRegistry()
	require.NoError(t, r.LoadFile(path, quietLogger()))
	before, _ := r.Get("people")

	results, err := find.NewEngine(before).QuickQuery(context.Background(), graph.Vertex, "bob")
	require.NoError(t, err)
	require.Len(t, results, 1)

	// Same id, same slots, different elements
	writeGraphFile(t, path, graphYAML("people", "Zed", "Xavier", "Carol"))
	require.NoError(t, r.LoadFile(path, quietLogger()))
	after, _ := r.Get("people")
	require.NotSame(t, before, after)

	report, err := find.NewEngine(after).Select(context.Background(), results, false)
	require.NoError(t, err)
	assert.Equal(t, find.SelectionReport{Selected: 0, Stale: 1}, report)

	rg := after.ReadableGraph()
	defer rg.Release()
	attr, ok := rg.Attribute(graph.Vertex, graph.SelectedAttribute)
	require.True(t, ok)
	selected, _ := rg.BoolValue(attr.ID, results[0].ID)
	assert.False(t, selected)
}
