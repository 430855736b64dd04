package server

import (
	"fmt"
	"path/filepath"
	"sort"
	"sync"

	"github.com/nainya/constellation/internal/logger"
	"github.com/nainya/constellation/pkg/graph"
	"github.com/nainya/constellation/pkg/importer"
)

// Registry holds the graphs served by the process, keyed by graph id
type Registry struct {
	mu      sync.RWMutex
	graphs  map[string]*graph.Graph
	sources map[string]string // file path -> graph id
}

// NewRegistry creates a registry holding graphs
func NewRegistry(graphs ...*graph.Graph) *Registry {
	r := &Registry{
		graphs:  make(map[string]*graph.Graph),
		sources: make(map[string]string),
	}
	for _, g := range graphs {
		r.Add(g)
	}
	return r
}

// Add registers g, replacing any graph with the same id
func (r *Registry) Add(g *graph.Graph) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.graphs[g.ID()] = g
}

// Get returns the graph with the given id
func (r *Registry) Get(id string) (*graph.Graph, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	g, ok := r.graphs[id]
	return g, ok
}

// IDs returns the registered graph ids in order
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.graphs))
	for id := range r.graphs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Len returns the number of registered graphs
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.graphs)
}

// LoadFiles imports every graph description matching pattern
func (r *Registry) LoadFiles(pattern string, log *logger.Logger) error {
	files, err := importer.Glob(pattern)
	if err != nil {
		return err
	}
	if len(files) == 0 {
		return fmt.Errorf("no graph files match %q", pattern)
	}

	for _, path := range files {
		if err := r.LoadFile(path, log); err != nil {
			return err
		}
	}
	return nil
}

// LoadFile imports one graph description and remembers its path, replacing the
// graph previously loaded from the same file
func (r *Registry) LoadFile(path string, log *logger.Logger) error {
	path = filepath.Clean(path)
	g, report, err := importer.FromFile(path)
	if err != nil {
		return err
	}

	r.mu.Lock()
	if old, ok := r.sources[path]; ok && old != g.ID() {
		delete(r.graphs, old)
	}
	r.graphs[g.ID()] = g
	r.sources[path] = g.ID()
	r.mu.Unlock()

	log.Info("Graph loaded").
		Str("graph", g.ID()).
		Str("path", path).
		Int("vertices", report.Vertices).
		Int("transactions", report.Transactions).
		Send()
	return nil
}

// Unload drops the graph loaded from path
func (r *Registry) Unload(path string) (string, bool) {
	path = filepath.Clean(path)
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.sources[path]
	if !ok {
		return "", false
	}
	delete(r.sources, path)
	delete(r.graphs, id)
	return id, true
}
