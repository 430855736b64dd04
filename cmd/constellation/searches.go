package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/nainya/constellation/pkg/find"
	"github.com/nainya/constellation/pkg/history"
	"github.com/nainya/constellation/pkg/store"
)

func (a *app) searchesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "searches",
		Short: "Manage named, versioned searches",
	}
	cmd.AddCommand(
		a.searchesListCmd(),
		a.searchesSaveCmd(),
		a.searchesShowCmd(),
		a.searchesHistoryCmd(),
	)
	return cmd
}

// withSearches opens the configured store for the duration of fn
func (a *app) withSearches(fn func(*history.SearchStore) error) error {
	db, err := store.Open(a.cfg.Store.Path)
	if err != nil {
		return err
	}
	defer db.Close()
	return fn(history.NewSearchStore(db))
}

func (a *app) searchesListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List saved searches",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withSearches(func(ss *history.SearchStore) error {
				summaries, err := ss.ListSearches(cmd.Context())
				if err != nil {
					return err
				}
				return printSummaries(cmd.OutOrStdout(), summaries, time.Now())
			})
		},
	}
}

func (a *app) searchesSaveCmd() *cobra.Command {
	var (
		statePath   string
		graphID     string
		createdBy   string
		description string
		tags        []string
	)

	cmd := &cobra.Command{
		Use:   "save <name>",
		Short: "Save a state document as a new version of a search",
		Example: `  constellation advanced -g people.yaml -r 'age:greater_than:30' --save-state adults.json
  constellation searches save adults --state adults.json --tag stable -d "over thirty"`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(statePath)
			if err != nil {
				return fmt.Errorf("failed to read state: %w", err)
			}
			state, _, err := find.Unmarshal(data, nil)
			if err != nil {
				return err
			}
			if err := state.Validate(); err != nil {
				return err
			}

			s := &history.Search{
				Name:        args[0],
				GraphID:     graphID,
				CreatedBy:   createdBy,
				Description: description,
				Tags:        tags,
				State:       state,
			}
			return a.withSearches(func(ss *history.SearchStore) error {
				if err := ss.SaveSearch(cmd.Context(), s); err != nil {
					return err
				}
				a.log.Info("Search saved").
					Str("name", s.Name).
					Str("version", s.VersionID).
					Strs("tags", s.Tags).
					Send()
				_, err := fmt.Fprintf(cmd.OutOrStdout(), "Saved %s version %s\n", s.Name, s.VersionID)
				return err
			})
		},
	}

	cmd.Flags().StringVarP(&statePath, "state", "s", "", "State document to save (JSON)")
	cmd.Flags().StringVar(&graphID, "graph-id", "", "Graph the state was built against")
	cmd.Flags().StringVar(&createdBy, "by", os.Getenv("USER"), "Author of this version")
	cmd.Flags().StringVarP(&description, "description", "d", "", "Change description")
	cmd.Flags().StringSliceVar(&tags, "tag", nil, "Version tags (repeatable)")
	cmd.MarkFlagRequired("state")
	return cmd
}

func (a *app) searchesShowCmd() *cobra.Command {
	var (
		versionID string
		tag       string
		asOf      string
	)

	cmd := &cobra.Command{
		Use:   "show <name>",
		Short: "Print one version of a search and its state document",
		Long: `Show prints the latest version of a search, or the version selected by
--version, --tag (newest tagged) or --as-of (newest saved at or before the time).
--as-of accepts most date and datetime layouts.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var at time.Time
			if asOf != "" {
				var err error
				if at, err = parseInstant(asOf); err != nil {
					return err
				}
			}
			return a.withSearches(func(ss *history.SearchStore) error {
				s, err := lookupSearch(cmd.Context(), ss, args[0], versionID, tag, at)
				if err != nil {
					return err
				}
				return printSearch(cmd.OutOrStdout(), s)
			})
		},
	}

	cmd.Flags().StringVar(&versionID, "version", "", "Version id")
	cmd.Flags().StringVar(&tag, "tag", "", "Newest version with this tag")
	cmd.Flags().StringVar(&asOf, "as-of", "", "Newest version saved at or before this time")
	cmd.MarkFlagsMutuallyExclusive("version", "tag", "as-of")
	return cmd
}

func (a *app) searchesHistoryCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "history <name>",
		Short: "List every version of a search, oldest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withSearches(func(ss *history.SearchStore) error {
				h, err := ss.GetSearchHistory(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				tbl := newTable("VERSION", "CREATED", "BY", "TAGS", "RULES", "DESCRIPTION")
				for _, v := range h.Versions {
					tbl.Row(v.VersionID, v.CreatedAt.Local().Format(time.DateTime), v.CreatedBy,
						strings.Join(v.Tags, ","), strconv.Itoa(len(v.State.Rules)), v.Description)
				}
				_, err = fmt.Fprintln(cmd.OutOrStdout(), tbl.Render())
				return err
			})
		},
	}
}

func lookupSearch(ctx context.Context, ss *history.SearchStore, name, versionID, tag string, asOf time.Time) (*history.Search, error) {
	switch {
	case versionID != "":
		return ss.GetSearch(ctx, name, versionID)
	case tag != "":
		return ss.GetSearchByTag(ctx, name, tag)
	case !asOf.IsZero():
		return ss.GetSearchAsOf(ctx, name, asOf)
	}
	return ss.GetLatestSearch(ctx, name)
}

func printSummaries(w io.Writer, summaries []history.SearchSummary, now time.Time) error {
	if len(summaries) == 0 {
		_, err := fmt.Fprintln(w, "No saved searches")
		return err
	}
	tbl := newTable("NAME", "VERSIONS", "LATEST", "UPDATED")
	for _, s := range summaries {
		tbl.Row(s.Name, strconv.Itoa(s.Versions), s.LatestVersionID, humanize.RelTime(s.UpdatedAt, now, "ago", "from now"))
	}
	_, err := fmt.Fprintln(w, tbl.Render())
	return err
}

func printSearch(w io.Writer, s *history.Search) error {
	doc, err := find.Marshal(s.State)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "Name:        %s\nVersion:     %s\nGraph:       %s\nCreated:     %s by %s\nTags:        %s\nDescription: %s\n\n%s\n",
		s.Name, s.VersionID, s.GraphID,
		s.CreatedAt.Local().Format(time.DateTime), s.CreatedBy,
		strings.Join(s.Tags, ", "), s.Description, doc)
	return err
}
