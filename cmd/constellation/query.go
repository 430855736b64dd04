package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/nainya/constellation/internal/server"
	"github.com/nainya/constellation/pkg/find"
	"github.com/nainya/constellation/pkg/graph"
)

// queryFlags are shared by quick and advanced
type queryFlags struct {
	source      graphSource
	elementType string
	json        bool
}

func (q *queryFlags) bind(cmd *cobra.Command) {
	q.source.bind(cmd)
	cmd.Flags().StringVarP(&q.elementType, "type", "t", "vertex", "Element type to search (vertex, transaction, edge, link)")
	cmd.Flags().BoolVar(&q.json, "json", false, "Print results as JSON")
}

func (a *app) engine(g *graph.Graph, mode string) *find.Engine {
	return find.NewEngine(g,
		find.WithWorkers(a.cfg.Find.Workers),
		find.WithMaxThreshold(a.cfg.Find.MaxThreshold),
		find.WithTimeout(a.cfg.Find.QueryTimeout),
		find.WithLogger(*a.log.QueryLogger(mode).GetZerolog()),
	)
}

func (a *app) quickCmd() *cobra.Command {
	var q queryFlags

	cmd := &cobra.Command{
		Use:   "quick <term>",
		Short: "Find elements with any attribute containing a term",
		Long: `Quick finds every element whose attribute values contain the term, ignoring
case. A term of the form "value | attribute" matches that attribute only.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			t, err := graph.ParseElementType(q.elementType)
			if err != nil {
				return err
			}
			g, err := a.loadGraph(cmd.Context(), q.source)
			if err != nil {
				return err
			}

			start := time.Now()
			results, err := a.engine(g, "quick").QuickQuery(cmd.Context(), t, args[0])
			a.log.LogQuery("quick", t.String(), len(results), time.Since(start), err)
			return a.report(cmd.OutOrStdout(), results, err, q.json)
		},
	}
	q.bind(cmd)
	return cmd
}

func (a *app) advancedCmd() *cobra.Command {
	var (
		q             queryFlags
		statePath     string
		rules         []string
		mode          string
		caseSensitive bool
		useList       bool
		saveState     string
	)

	cmd := &cobra.Command{
		Use:   "advanced",
		Short: "Find elements matching attribute rules",
		Long: `Advanced evaluates rules against typed attribute values. Rules come from a
saved state document (--state) or from --rule flags of the form

  attribute:operator:value
  attribute:operator:first..second   (between, occurred_between)

Operators: is, is_not, contains, not_contains, begins_with, ends_with, regex,
less_than, greater_than, between, occurred_on, not_occurred_on,
occurred_before, occurred_after, occurred_between.`,
		Example: `  constellation advanced -g people.yaml --rule 'age:greater_than:30' --rule 'Label:begins_with:a' --mode all
  constellation advanced -g people.yaml --rule 'joined:occurred_between:2020-01-01..2021-06-30'`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if statePath == "" && len(rules) == 0 {
				return errors.New("one of --state or --rule is required")
			}

			g, err := a.loadGraph(cmd.Context(), q.source)
			if err != nil {
				return err
			}

			var state find.State
			if statePath != "" {
				state, err = a.readState(g, statePath)
			} else {
				state, err = buildState(g, q.elementType, mode, rules, stringOptions{caseSensitive, useList})
			}
			if err != nil {
				return err
			}
			if err := state.Validate(); err != nil {
				return err
			}

			if saveState != "" {
				raw, err := find.Marshal(state)
				if err != nil {
					return err
				}
				if err := os.WriteFile(saveState, raw, 0o644); err != nil {
					return fmt.Errorf("failed to write state: %w", err)
				}
			}

			start := time.Now()
			results, err := a.engine(g, "advanced").Run(cmd.Context(), state)
			a.log.LogQuery("advanced", state.ElementType.String(), len(results), time.Since(start), err)
			return a.report(cmd.OutOrStdout(), results, err, q.json)
		},
	}

	q.bind(cmd)
	cmd.Flags().StringVarP(&statePath, "state", "s", "", "Saved state document (JSON)")
	cmd.Flags().StringArrayVarP(&rules, "rule", "r", nil, "Rule as attribute:operator:value (repeatable)")
	cmd.Flags().StringVarP(&mode, "mode", "m", "any", "Combine rules with any or all")
	cmd.Flags().BoolVar(&caseSensitive, "case-sensitive", false, "Match string rules case-sensitively")
	cmd.Flags().BoolVar(&useList, "list", false, "Treat string rule content as a comma-separated list")
	cmd.Flags().StringVar(&saveState, "save-state", "", "Write the state document to this file")
	cmd.MarkFlagsMutuallyExclusive("state", "rule")
	return cmd
}

func (a *app) readState(g *graph.Graph, path string) (find.State, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return find.State{}, fmt.Errorf("failed to read state: %w", err)
	}

	rg := g.ReadableGraph()
	defer rg.Release()

	state, dropped, err := find.Unmarshal(data, rg)
	if err != nil {
		return find.State{}, err
	}
	for _, d := range dropped {
		a.log.Warn("Rule dropped from saved state").
			Str("attribute", d.Attribute).
			Err(d.Reason).
			Send()
	}
	return state, nil
}

func buildState(g *graph.Graph, elementType, mode string, exprs []string, opts stringOptions) (find.State, error) {
	t, err := graph.ParseElementType(elementType)
	if err != nil {
		return find.State{}, err
	}
	m, err := find.ParseMode(mode)
	if err != nil {
		return find.State{}, err
	}

	rg := g.ReadableGraph()
	defer rg.Release()

	b := find.NewState(t)
	if m == find.ModeAll {
		b.All()
	}
	for _, expr := range exprs {
		rule, err := parseRule(rg, t, expr, opts)
		if err != nil {
			return find.State{}, err
		}
		b.Rule(rule)
	}
	return b.Build(), nil
}

// report prints results. A query cut short by the configured timeout still
// prints what it found.
func (a *app) report(w io.Writer, results []find.Result, err error, asJSON bool) error {
	partial := false
	if err != nil {
		if !errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		partial = true
		a.log.Warn("Query timed out, results are partial").Int("results", len(results)).Send()
	}

	sort.Slice(results, func(i, j int) bool {
		if results[i].Type != results[j].Type {
			return results[i].Type < results[j].Type
		}
		return results[i].ID < results[j].ID
	})

	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(server.QueryResponse{
			Results: server.ResultDocs(results),
			Count:   len(results),
			Partial: partial,
		})
	}

	if len(results) == 0 {
		_, err := fmt.Fprintln(w, "No matches")
		return err
	}

	tbl := newTable("ID", "TYPE", "ATTRIBUTE", "VALUE")
	for _, r := range results {
		tbl.Row(strconv.Itoa(r.ID), r.Type.String(), r.AttributeName, r.Value)
	}

	suffix := ""
	if partial {
		suffix = " (partial)"
	}
	_, err = fmt.Fprintf(w, "%s\n%d match(es)%s\n", tbl.Render(), len(results), suffix)
	return err
}
