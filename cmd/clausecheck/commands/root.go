// Package commands defines all Cobra CLI commands for the clausecheck binary.
package commands

import (
	"github.com/spf13/cobra"

	"github.com/lexon/clausecheck/internal/audit"
	"github.com/lexon/clausecheck/internal/config"
	"github.com/lexon/clausecheck/internal/logging"
)

// configPath holds the --config flag value for YAML config file override.
var configPath string

// loadedConfigPath stores the resolved config file path for audit logging.
var loadedConfigPath string

// NewRootCmd constructs the root Cobra command that all subcommands attach to.
func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "clausecheck",
		Short: "ClauseCheck — contract clause validation against a standard library",
		Long: `ClauseCheck validates uploaded contracts against a library of standard
clauses using embedding similarity.

Documents are chunked, embedded, and matched against every library clause;
the result is a per-clause verdict report (satisfied, partial, missing,
conflicting) with evidence chunks and an overall compliance ratio.

Embedding and chat backends are selected via the MODEL_PROVIDER environment
variable or a YAML config file (~/.clausecheck/config.yaml).
See 'clausecheck --help' for available commands.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			log := logging.New()

			// Load YAML config (env vars always override YAML values).
			path, err := config.Load(configPath, log)
			if err != nil {
				return err
			}
			loadedConfigPath = path

			// Emit structured audit log for every command invocation.
			audit.LogCommandStart(log, cmd.Name(), loadedConfigPath)

			return nil
		},
	}

	root.PersistentFlags().StringVar(&configPath, "config", "", "Path to YAML config file (default: ~/.clausecheck/config.yaml)")

	root.AddCommand(
		NewServeCmd(),
		NewUploadCmd(),
		NewValidateCmd(),
		NewLibraryCmd(),
		NewVersionCmd(),
	)

	return root
}
