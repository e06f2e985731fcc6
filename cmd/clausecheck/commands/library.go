package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/lexon/clausecheck/internal/domain"
	"github.com/lexon/clausecheck/internal/logging"
)

// NewLibraryCmd constructs the `clausecheck library` command group for
// managing the standard clause library.
func NewLibraryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "library",
		Short: "Manage the standard clause library",
		Long: `Add, list, remove and reindex standard clauses.

Each clause has a caller-assigned ID, a title, canonical wording, and a
category. Clauses in the "prohibited" category must NOT appear in contracts:
a confident match against one produces a conflicting verdict.

Editing a clause's wording marks its embedding stale; stale clauses are
excluded from matching until the next reindex.`,
	}

	cmd.AddCommand(
		newLibraryAddCmd(),
		newLibraryListCmd(),
		newLibraryRemoveCmd(),
		newLibraryReindexCmd(),
	)

	return cmd
}

func newLibraryAddCmd() *cobra.Command {
	var title, text, textFile, category string

	cmd := &cobra.Command{
		Use:   "add <clause-id>",
		Short: "Add or update a clause",
		Long: `Add a clause, or update it if the ID already exists.

A wording change bumps the clause version and marks its embedding stale.

Examples:
  clausecheck library add liability-cap --title "Limitation of Liability" \
      --category liability --text "Liability is capped at twelve months of fees."
  clausecheck library add non-compete --title "Non-Compete" \
      --category prohibited --text-file clauses/non-compete.txt`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			log := logging.New()
			ctx := logging.WithLogger(cmd.Context(), log)

			if text == "" && textFile != "" {
				data, err := os.ReadFile(textFile)
				if err != nil {
					return fmt.Errorf("library add: read %s: %w", textFile, err)
				}
				text = string(data)
			}

			a, err := newApp(ctx, log)
			if err != nil {
				return fmt.Errorf("library add: %w", err)
			}
			defer a.Close()

			clause, err := a.lib.Put(ctx, domain.Clause{
				ID:       args[0],
				Title:    title,
				Text:     text,
				Category: category,
			})
			if err != nil {
				return fmt.Errorf("library add: %w", err)
			}
			fmt.Printf("clause %s stored (version %d) — run 'clausecheck library reindex' to make it matchable\n",
				clause.ID, clause.Version)
			return nil
		},
	}

	cmd.Flags().StringVar(&title, "title", "", "Human-readable clause title")
	cmd.Flags().StringVar(&text, "text", "", "Canonical clause wording")
	cmd.Flags().StringVar(&textFile, "text-file", "", "Read the clause wording from a file")
	cmd.Flags().StringVar(&category, "category", "", `Clause category ("prohibited" inverts match semantics)`)

	return cmd
}

func newLibraryListCmd() *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List all clauses in the library",
		RunE: func(cmd *cobra.Command, args []string) error {
			log := logging.New()
			ctx := logging.WithLogger(cmd.Context(), log)

			a, err := newApp(ctx, log)
			if err != nil {
				return fmt.Errorf("library list: %w", err)
			}
			defer a.Close()

			clauses, err := a.lib.List(ctx)
			if err != nil {
				return fmt.Errorf("library list: %w", err)
			}
			if asJSON {
				return printJSON(clauses)
			}
			if len(clauses) == 0 {
				fmt.Println("clause library is empty")
				return nil
			}
			for _, c := range clauses {
				freshness := "fresh"
				if c.EmbeddingStale {
					freshness = "stale"
				}
				fmt.Printf("%-24s v%-3d %-12s %-6s %s\n", c.ID, c.Version, c.Category, freshness, c.Title)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "Print clauses as JSON")

	return cmd
}

func newLibraryRemoveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rm <clause-id>",
		Short: "Remove a clause from the library and the vector index",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			log := logging.New()
			ctx := logging.WithLogger(cmd.Context(), log)

			a, err := newApp(ctx, log)
			if err != nil {
				return fmt.Errorf("library rm: %w", err)
			}
			defer a.Close()

			id := args[0]
			if err := a.lib.Delete(ctx, id); err != nil {
				return fmt.Errorf("library rm: %w", err)
			}
			if err := a.clauseIndex.Delete(ctx, id); err != nil {
				return fmt.Errorf("library rm: remove from index: %w", err)
			}
			fmt.Printf("clause %s removed\n", id)
			return nil
		},
	}
}

func newLibraryReindexCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reindex",
		Short: "Re-embed stale clauses and refresh the vector index",
		RunE: func(cmd *cobra.Command, args []string) error {
			log := logging.New()
			ctx := logging.WithLogger(cmd.Context(), log)

			a, err := newApp(ctx, log)
			if err != nil {
				return fmt.Errorf("library reindex: %w", err)
			}
			defer a.Close()

			refreshed, err := a.reindexer.Reindex(ctx)
			if err != nil {
				return fmt.Errorf("library reindex: %w", err)
			}
			fmt.Printf("%d clause(s) refreshed\n", refreshed)
			return nil
		},
	}
}
