package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/nainya/constellation/pkg/graph"
	"github.com/nainya/constellation/pkg/importer"
)

// graphSource selects where a command reads its graph from
type graphSource struct {
	file       string
	neo4j      bool
	neo4jLimit int
	graphID    string
}

func (s *graphSource) bind(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&s.file, "graph", "g", "", "Graph description file (YAML or JSON)")
	cmd.Flags().BoolVar(&s.neo4j, "neo4j", false, "Import the graph from the configured Neo4j database")
	cmd.Flags().IntVar(&s.neo4jLimit, "neo4j-limit", 0, "Maximum nodes and relationships to import from Neo4j")
	cmd.Flags().StringVar(&s.graphID, "graph-id", "", "Graph id for Neo4j imports")
	cmd.MarkFlagsMutuallyExclusive("graph", "neo4j")
}

func (a *app) loadGraph(ctx context.Context, s graphSource) (*graph.Graph, error) {
	var (
		g      *graph.Graph
		report *importer.Report
		err    error
	)

	switch {
	case s.file != "":
		g, report, err = importer.FromFile(s.file)
	case s.neo4j:
		g, report, err = a.importNeo4j(ctx, importer.Neo4jOptions{GraphID: s.graphID, Limit: s.neo4jLimit})
	default:
		return nil, errors.New("one of --graph or --neo4j is required")
	}
	if err != nil {
		return nil, err
	}

	a.log.Debug("Graph loaded").
		Str("graph", g.ID()).
		Int("vertices", report.Vertices).
		Int("transactions", report.Transactions).
		Int("skipped_values", report.SkippedValues).
		Send()
	return g, nil
}

func (a *app) importNeo4j(ctx context.Context, opts importer.Neo4jOptions) (*graph.Graph, *importer.Report, error) {
	nc := a.cfg.Neo4j
	exec, err := importer.NewNeo4jExecutor(nc.URI, nc.User, nc.Password, nc.Database)
	if err != nil {
		return nil, nil, err
	}
	defer exec.Close(ctx)

	if err := exec.Verify(ctx); err != nil {
		return nil, nil, fmt.Errorf("neo4j connectivity: %w", err)
	}
	return importer.FromNeo4j(ctx, exec, opts)
}
