package commands

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/cloudwego/eino/callbacks"
	"github.com/spf13/cobra"

	"github.com/lexon/clausecheck/internal/llm"
	"github.com/lexon/clausecheck/internal/logging"
	"github.com/lexon/clausecheck/internal/provider"
	"github.com/lexon/clausecheck/internal/server"
	"github.com/lexon/clausecheck/internal/tracing"
)

// NewServeCmd constructs the `clausecheck serve` command, which starts the
// HTTP server exposing the contract validation API.
func NewServeCmd() *cobra.Command {
	var host string
	var port int

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the ClauseCheck HTTP server",
		Long: `Start the ClauseCheck HTTP server on localhost.

The server exposes a REST API for contract upload, clause library management,
validation, similarity search, and an SSE chat endpoint grounded in contract
excerpts.

Examples:
  clausecheck serve
  clausecheck serve --port 9090
  MODEL_PROVIDER=openai clausecheck serve`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			log := logging.New()
			ctx = logging.WithLogger(ctx, log)

			log.Info("serve starting", slog.String("provider", os.Getenv("MODEL_PROVIDER")))

			// Setup Langfuse tracing — opt-in, no-op if keys are absent.
			handler, flush, ok := tracing.Setup()
			if ok {
				callbacks.AppendGlobalHandlers(handler)
				defer flush()
				log.Info("langfuse tracing enabled")
			} else {
				log.Info("langfuse tracing disabled", slog.String("reason", "LANGFUSE_PUBLIC_KEY not set"))
			}

			a, err := newApp(ctx, log)
			if err != nil {
				return fmt.Errorf("serve: %w", err)
			}
			defer a.Close()

			// Refresh any clauses edited since the last run so matching never
			// sees stale vectors.
			if refreshed, err := a.reindexer.Reindex(ctx); err != nil {
				log.Warn("serve: startup reindex failed, stale clauses stay unmatched until retried",
					slog.Any("error", err))
			} else if refreshed > 0 {
				log.Info("serve: startup reindex complete", slog.Int("refreshed", refreshed))
			}

			// Chat is optional: without a chat model the endpoint reports 501
			// and the rest of the API works normally.
			var answerer server.Answerer
			chatModel, err := provider.NewFromEnv(ctx)
			if err != nil {
				log.Warn("serve: chat disabled, model provider unavailable", slog.Any("error", err))
			} else {
				answerer = llm.New(chatModel, a.contracts, 0)
				log.Info("serve: chat enabled", slog.String("provider", os.Getenv("MODEL_PROVIDER")))
			}

			var pingers []server.Pinger
			if a.qdrant != nil {
				pingers = append(pingers, server.NewQdrantPinger(a.qdrant.Client()))
			}
			if endpoint := os.Getenv("OCR_ENDPOINT"); endpoint != "" {
				pingers = append(pingers, server.NewHTTPPinger("ocr", endpoint))
			}

			srv, err := server.New(server.Deps{
				Ingestor:    a.ingestor,
				Validator:   a.validator,
				Searcher:    a.searcher,
				Answerer:    answerer,
				Reindexer:   a.reindexer,
				Contracts:   a.contracts,
				Library:     a.lib,
				ClauseIndex: a.clauseIndex,
			}, &server.Config{
				Host:    host,
				Port:    port,
				Logger:  log,
				Pingers: pingers,
				APIKey:  os.Getenv("CLAUSECHECK_API_KEY"),
			})
			if err != nil {
				return fmt.Errorf("serve: failed to create server: %w", err)
			}

			return srv.Start(ctx)
		},
	}

	cmd.Flags().StringVar(&host, "host", "127.0.0.1", "Host address to bind to")
	cmd.Flags().IntVarP(&port, "port", "p", 8080, "TCP port to listen on")

	return cmd
}
