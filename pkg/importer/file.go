// ABOUTME: Loads graphs from YAML or JSON description files
// ABOUTME: Attributes are declared up front or inferred from the first value seen

package importer

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"gopkg.in/yaml.v3"

	"github.com/nainya/constellation/pkg/graph"
)

var (
	ErrUnknownVertex = errors.New("unknown vertex key")
	ErrDuplicateKey  = errors.New("duplicate vertex key")
)

// Extensions accepted by Glob
var Extensions = []string{".yaml", ".yml", ".json"}

// Description is the on-disk form of a graph. JSON files use the same field names.
type Description struct {
	ID           string                     `yaml:"id"`
	Attributes   map[string][]AttributeSpec `yaml:"attributes"`
	Meta         map[string]any             `yaml:"meta"`
	Vertices     []VertexSpec               `yaml:"vertices"`
	Transactions []TransactionSpec          `yaml:"transactions"`
}

// AttributeSpec declares one attribute of an element type
type AttributeSpec struct {
	Name    string `yaml:"name"`
	Kind    string `yaml:"kind"`
	Default any    `yaml:"default"`
}

// VertexSpec is one vertex; Key is referenced by transactions
type VertexSpec struct {
	Key    string         `yaml:"key"`
	Values map[string]any `yaml:"values"`
}

// TransactionSpec is one transaction between two vertex keys
type TransactionSpec struct {
	Source      string         `yaml:"source"`
	Destination string         `yaml:"destination"`
	Directed    *bool          `yaml:"directed"`
	Values      map[string]any `yaml:"values"`
}

// Report counts what an import created
type Report struct {
	Vertices      int
	Transactions  int
	Attributes    int
	SkippedValues int
}

// FromFile loads the graph described by the YAML or JSON file at path. The graph id
// defaults to the file name without extension.
func FromFile(path string) (*graph.Graph, *Report, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open graph file: %w", err)
	}
	defer f.Close()

	id := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	g, report, err := Load(f, id)
	if err != nil {
		return nil, nil, fmt.Errorf("%s: %w", path, err)
	}
	return g, report, nil
}

// Load reads a description from r. defaultID is used when the description has none.
func Load(r io.Reader, defaultID string) (*graph.Graph, *Report, error) {
	var desc Description
	if err := yaml.NewDecoder(r).Decode(&desc); err != nil && !errors.Is(err, io.EOF) {
		return nil, nil, fmt.Errorf("failed to parse graph description: %w", err)
	}
	if desc.ID == "" {
		desc.ID = defaultID
	}
	return Build(&desc)
}

// Build creates the graph for a parsed description
func Build(desc *Description) (*graph.Graph, *Report, error) {
	g := graph.New(desc.ID)
	report := &Report{}

	err := g.Update(func(w *graph.WritableGraph) error {
		b := &builder{w: w, report: report}

		types := make([]string, 0, len(desc.Attributes))
		for name := range desc.Attributes {
			types = append(types, name)
		}
		sort.Strings(types)

		for _, name := range types {
			t, err := graph.ParseElementType(name)
			if err != nil {
				return err
			}
			for _, spec := range desc.Attributes[name] {
				if err := b.declare(t, spec); err != nil {
					return err
				}
			}
		}

		if err := b.setValues(graph.Meta, w.Element(graph.Meta, 0), desc.Meta); err != nil {
			return fmt.Errorf("meta: %w", err)
		}

		keys := make(map[string]int, len(desc.Vertices))
		for i, v := range desc.Vertices {
			key := v.Key
			if key == "" {
				key = fmt.Sprintf("#%d", i)
			}
			if _, ok := keys[key]; ok {
				return fmt.Errorf("%w: %s", ErrDuplicateKey, key)
			}
			id := w.AddVertex()
			keys[key] = id
			report.Vertices++
			if err := b.setValues(graph.Vertex, id, v.Values); err != nil {
				return fmt.Errorf("vertex %s: %w", key, err)
			}
		}

		for i, tx := range desc.Transactions {
			src, ok := keys[tx.Source]
			if !ok {
				return fmt.Errorf("transaction %d: %w: %s", i, ErrUnknownVertex, tx.Source)
			}
			dst, ok := keys[tx.Destination]
			if !ok {
				return fmt.Errorf("transaction %d: %w: %s", i, ErrUnknownVertex, tx.Destination)
			}
			directed := tx.Directed == nil || *tx.Directed
			id, err := w.AddTransaction(src, dst, directed)
			if err != nil {
				return fmt.Errorf("transaction %d: %w", i, err)
			}
			report.Transactions++
			if err := b.setValues(graph.Transaction, id, tx.Values); err != nil {
				return fmt.Errorf("transaction %d: %w", i, err)
			}
		}

		return nil
	})
	if err != nil {
		return nil, nil, err
	}

	return g, report, nil
}

// Glob expands a pattern (supporting **) to the sorted graph description files it
// matches
func Glob(pattern string) ([]string, error) {
	matches, err := doublestar.FilepathGlob(pattern)
	if err != nil {
		return nil, fmt.Errorf("glob error: %w", err)
	}

	var files []string
	for _, m := range matches {
		info, err := os.Stat(m)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return nil, err
		}
		if info.IsDir() || !hasGraphExtension(m) {
			continue
		}
		files = append(files, m)
	}
	sort.Strings(files)
	return files, nil
}

// Match reports whether path is a graph description file matched by pattern
func Match(pattern, path string) bool {
	ok, err := doublestar.PathMatch(filepath.Clean(pattern), filepath.Clean(path))
	return err == nil && ok && hasGraphExtension(path)
}

func hasGraphExtension(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	for _, e := range Extensions {
		if ext == e {
			return true
		}
	}
	return false
}

type builder struct {
	w      *graph.WritableGraph
	report *Report
	// When lenient, values that cannot be stored are counted instead of failing
	lenient bool
}

func (b *builder) declare(t graph.ElementType, spec AttributeSpec) error {
	kind, err := graph.ParseKind(spec.Kind)
	if err != nil {
		return fmt.Errorf("%s.%s: %w", t, spec.Name, err)
	}
	if _, ok := b.w.Attribute(t, spec.Name); !ok {
		b.report.Attributes++
	}
	_, err = b.w.AddAttribute(t, spec.Name, kind, normalise(kind, spec.Default))
	return err
}

func (b *builder) setValues(t graph.ElementType, id int, values map[string]any) error {
	names := make([]string, 0, len(values))
	for name := range values {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		v := values[name]
		if v == nil {
			continue
		}

		attr, ok := b.w.Attribute(t, name)
		if !ok {
			if _, err := b.w.AddAttribute(t, name, inferKind(v), nil); err != nil {
				return err
			}
			attr, _ = b.w.Attribute(t, name)
			b.report.Attributes++
		}

		if err := b.w.SetValue(attr.ID, id, normalise(attr.Kind, v)); err != nil {
			if b.lenient {
				b.report.SkippedValues++
				continue
			}
			return err
		}
	}
	return nil
}

// dateValue marks a calendar date coming from a typed source
type dateValue time.Time

// inferKind picks the attribute kind for an undeclared value
func inferKind(v any) graph.AttributeKind {
	switch v.(type) {
	case bool:
		return graph.KindBoolean
	case int, int32, int64:
		return graph.KindInteger
	case float32, float64:
		return graph.KindFloat
	case dateValue:
		return graph.KindDate
	case time.Time:
		return graph.KindDateTime
	case time.Duration:
		return graph.KindTime
	}
	return graph.KindString
}

// normalise renders non-string values as text for string-like kinds
func normalise(kind graph.AttributeKind, v any) any {
	if v == nil {
		return nil
	}
	if d, ok := v.(dateValue); ok {
		v = time.Time(d)
	}
	if kind == graph.KindString || kind == graph.KindIcon {
		if _, ok := v.(string); !ok {
			return fmt.Sprint(v)
		}
	}
	return v
}
