package commands

import (
	"encoding/json"
	"fmt"
	"mime"
	"net/http"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/lexon/clausecheck/internal/logging"
)

// NewUploadCmd constructs the `clausecheck upload` command, which ingests a
// contract document from disk without going through the HTTP server.
func NewUploadCmd() *cobra.Command {
	var runValidation bool

	cmd := &cobra.Command{
		Use:   "upload <file>",
		Short: "Ingest a contract document into the local store",
		Long: `Extract, chunk, embed and index a contract document.

The document text is extracted (via the OCR service for non-text formats),
split into overlapping chunks, embedded, and stored for later validation,
search and chat.

Examples:
  clausecheck upload msa.txt
  clausecheck upload scan.pdf --validate`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			log := logging.New()
			ctx := logging.WithLogger(cmd.Context(), log)

			a, err := newApp(ctx, log)
			if err != nil {
				return fmt.Errorf("upload: %w", err)
			}
			defer a.Close()

			path := args[0]
			data, err := os.ReadFile(path)
			if err != nil {
				return fmt.Errorf("upload: read %s: %w", path, err)
			}

			contract, err := a.ingestor.Ingest(ctx, filepath.Base(path), detectContentType(path, data), data)
			if err != nil {
				return fmt.Errorf("upload: %w", err)
			}
			fmt.Printf("uploaded %s: contract %s (%d chunks, %d bytes of text)\n",
				contract.Filename, contract.ID, contract.ChunkCount, contract.TextLength)

			if !runValidation {
				return nil
			}

			if _, err := a.reindexer.Reindex(ctx); err != nil {
				return fmt.Errorf("upload: reindex clause library: %w", err)
			}
			chunks, err := a.contracts.GetChunks(ctx, contract.ID)
			if err != nil {
				return fmt.Errorf("upload: %w", err)
			}
			report, err := a.validator.Validate(ctx, contract.ID, chunks)
			if err != nil {
				return fmt.Errorf("upload: validate: %w", err)
			}
			if err := a.contracts.SaveReport(ctx, report); err != nil {
				return fmt.Errorf("upload: save report: %w", err)
			}
			return printJSON(report)
		},
	}

	cmd.Flags().BoolVar(&runValidation, "validate", false, "Run clause validation immediately after upload")

	return cmd
}

// detectContentType resolves a MIME type from the file extension, falling
// back to content sniffing for unknown extensions.
func detectContentType(path string, data []byte) string {
	if ct := mime.TypeByExtension(filepath.Ext(path)); ct != "" {
		return ct
	}
	return http.DetectContentType(data)
}

// printJSON writes v to stdout as indented JSON.
func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
