package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/lexon/clausecheck/internal/logging"
)

// NewValidateCmd constructs the `clausecheck validate` command, which runs a
// stored contract through clause validation and prints the report.
func NewValidateCmd() *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "validate <contract-id>",
		Short: "Validate a stored contract against the clause library",
		Long: `Match every chunk of a previously uploaded contract against the clause
library and print the per-clause verdict report.

The report is also persisted, so 'GET /api/contracts/{id}/report' returns
the same run.

Examples:
  clausecheck validate 7c9e6679-7425-40de-944b-e07fc1f90ae7
  clausecheck validate 7c9e6679-7425-40de-944b-e07fc1f90ae7 --json`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			log := logging.New()
			ctx := logging.WithLogger(cmd.Context(), log)

			a, err := newApp(ctx, log)
			if err != nil {
				return fmt.Errorf("validate: %w", err)
			}
			defer a.Close()

			contractID := args[0]
			if _, err := a.contracts.GetContract(ctx, contractID); err != nil {
				return fmt.Errorf("validate: contract %s: %w", contractID, err)
			}

			// Refresh edited clauses first so the run matches current wording.
			if _, err := a.reindexer.Reindex(ctx); err != nil {
				return fmt.Errorf("validate: reindex clause library: %w", err)
			}

			chunks, err := a.contracts.GetChunks(ctx, contractID)
			if err != nil {
				return fmt.Errorf("validate: %w", err)
			}
			report, err := a.validator.Validate(ctx, contractID, chunks)
			if err != nil {
				return fmt.Errorf("validate: %w", err)
			}
			if err := a.contracts.SaveReport(ctx, report); err != nil {
				return fmt.Errorf("validate: save report: %w", err)
			}

			if asJSON {
				return printJSON(report)
			}

			if report.NoBaseline {
				fmt.Println("clause library is empty — no baseline to validate against")
				return nil
			}
			fmt.Printf("contract %s: compliance %.0f%%\n", report.ContractID, report.OverallComplianceRatio*100)
			for _, v := range report.Verdicts {
				fmt.Printf("  [%-11s] %s/%s (best score %.2f, evidence %d)\n",
					v.Status, v.Category, v.ClauseID, v.BestScore, len(v.EvidenceChunkIDs))
			}
			for _, w := range report.Warnings {
				fmt.Printf("  warning: %s\n", w)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the full report as JSON")

	return cmd
}
