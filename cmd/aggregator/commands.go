package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"feedstash/aggregator/internal/config"
	"feedstash/aggregator/internal/database"
	"feedstash/aggregator/internal/feed"
	"feedstash/aggregator/internal/ingest"
	"feedstash/aggregator/internal/opml"
	"feedstash/aggregator/internal/process"
	"feedstash/aggregator/internal/server"
)

var parseCmd = &cobra.Command{
	Use:   "parse URL",
	Short: "Fetch, parse and ingest a single feed",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withPipeline(func(ctx context.Context, p *process.FeedProcessor) error {
			outcome := p.ProcessFeed(ctx, args[0])
			if err := printJSON(outcome); err != nil {
				return err
			}
			return outcome.Err
		})
	},
}

var opmlCmd = &cobra.Command{
	Use:   "opml [SOURCE]",
	Short: "Ingest every feed of an OPML subscription list",
	Long:  "SOURCE is an http(s) URL, a file:// URL or a local path. It defaults to the configured subscriptions.",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		source := cfg.Subscriptions
		if len(args) == 1 {
			source = args[0]
		}
		return withPipeline(func(ctx context.Context, p *process.FeedProcessor) error {
			report, err := p.ProcessSubscriptions(ctx, source)
			if err != nil {
				return err
			}
			return printJSON(report)
		})
	},
}

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Poll the subscription list, once or periodically",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withPipeline(func(ctx context.Context, p *process.FeedProcessor) error {
			return runStart(ctx, p, cfg)
		})
	},
}

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Serve the HTTP API",
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openDB(cfg)
		if err != nil {
			return err
		}
		defer db.Close()

		processor, err := newProcessor(cfg, db)
		if err != nil {
			return err
		}
		return server.RunServer(server.Options{
			DB:            db,
			Processor:     processor,
			Subscriptions: cfg.Subscriptions,
		}, cfg.ListenAddr(), log.Logger)
	},
}

var rollbackCount int

var schemaCmd = &cobra.Command{
	Use:   "schema",
	Short: "Create or migrate the database schema",
	RunE: func(cmd *cobra.Command, args []string) error {
		// Opening the database applies pending migrations.
		db, err := openDB(cfg)
		if err != nil {
			return err
		}
		defer db.Close()

		if rollbackCount > 0 {
			return db.Rollback(rollbackCount)
		}
		log.Info().Str("db_path", cfg.DBPath).Msg("Schema is up to date")
		return nil
	},
}

func init() {
	opmlCmd.Flags().String("subscriptions", config.DefaultSubscriptions, "default OPML source (env: AGGREGATOR_SUBSCRIPTIONS)")
	opmlCmd.Flags().Int("workers", config.DefaultWorkerCount, "concurrent feeds, 0 for one per feed (env: AGGREGATOR_WORKERS)")

	startCmd.Flags().String("subscriptions", config.DefaultSubscriptions, "OPML source to poll (env: AGGREGATOR_SUBSCRIPTIONS)")
	startCmd.Flags().Int("workers", config.DefaultWorkerCount, "concurrent feeds, 0 for one per feed (env: AGGREGATOR_WORKERS)")
	startCmd.Flags().Duration("interval", config.DefaultInterval, "time between runs, 0 for one-shot mode (env: AGGREGATOR_INTERVAL)")

	serverCmd.Flags().String("host", config.DefaultServerHost, "host to bind the server to (env: AGGREGATOR_HOST)")
	serverCmd.Flags().Int("port", config.DefaultServerPort, "port to listen on (env: AGGREGATOR_PORT)")
	serverCmd.Flags().String("subscriptions", config.DefaultSubscriptions, "OPML source for /v1/opml (env: AGGREGATOR_SUBSCRIPTIONS)")
	serverCmd.Flags().Int("workers", config.DefaultWorkerCount, "concurrent feeds, 0 for one per feed (env: AGGREGATOR_WORKERS)")

	schemaCmd.Flags().IntVar(&rollbackCount, "rollback", 0, "roll back the last N migrations instead")
}

func openDB(cfg *config.Config) (*database.DB, error) {
	db, err := database.NewDB(database.NewConfig(cfg.DBDriver, cfg.DBPath))
	if err != nil {
		log.Error().Err(err).Str("db_driver", cfg.DBDriver).Msg("Failed to initialize database")
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}
	return db, nil
}

func newProcessor(cfg *config.Config, db *database.DB) (*process.FeedProcessor, error) {
	fetcher := feed.NewFetcher(feed.Config{
		UserAgent:      cfg.UserAgent,
		RequestTimeout: cfg.FetchTimeout,
	})
	engine := ingest.NewEngine(db, ingest.WithWriteLock(cfg.DisallowWrite))
	if engine.Locked() {
		log.Warn().Msg("Database writes are disabled")
	}
	return process.NewFeedProcessor(fetcher, opml.NewResolver(fetcher), engine, process.Config{
		Workers:     cfg.WorkerCount,
		FeedTimeout: cfg.FeedTimeout,
	})
}

// withPipeline opens the database, builds the processor and runs fn with a
// context cancelled on SIGINT or SIGTERM.
func withPipeline(fn func(ctx context.Context, p *process.FeedProcessor) error) error {
	db, err := openDB(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	processor, err := newProcessor(cfg, db)
	if err != nil {
		return fmt.Errorf("failed to initialize feed processor: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	return fn(ctx, processor)
}

// runStart runs the subscription list either once or periodically based on configuration.
func runStart(ctx context.Context, p *process.FeedProcessor, cfg *config.Config) error {
	if cfg.Interval <= 0 {
		log.Info().Msg("Running in one-shot mode")
	} else {
		log.Info().Dur("interval", cfg.Interval).Msg("Running in periodic mode")
	}

	if err := runProcessingCycle(ctx, p, cfg); err != nil {
		if errors.Is(err, context.Canceled) {
			log.Info().Msg("Processing cycle canceled by shutdown signal")
			return nil
		}
		if cfg.Interval <= 0 {
			return err
		}
		log.Error().Err(err).Msg("Processing cycle failed")
	}

	if cfg.Interval <= 0 {
		log.Info().Msg("One-shot processing completed, exiting")
		return nil
	}

	ticker := time.NewTicker(cfg.Interval)
	defer ticker.Stop()

	log.Info().
		Time("next_run", time.Now().Add(cfg.Interval)).
		Msg("Waiting for next processing cycle")

	for {
		select {
		case <-ticker.C:
			log.Info().Msg("Starting scheduled processing cycle")

			if err := runProcessingCycle(ctx, p, cfg); err != nil {
				if errors.Is(err, context.Canceled) {
					log.Info().Msg("Processing cycle canceled by shutdown signal")
					return nil
				}
				// A failed cycle does not stop the schedule.
				log.Error().Err(err).Msg("Processing cycle failed")
			}

			log.Info().
				Time("next_run", time.Now().Add(cfg.Interval)).
				Msg("Waiting for next processing cycle")

		case <-ctx.Done():
			log.Info().Msg("Shutting down periodic processing")
			return nil
		}
	}
}

// runProcessingCycle executes a single pass over the subscription list.
func runProcessingCycle(ctx context.Context, p *process.FeedProcessor, cfg *config.Config) error {
	startTime := time.Now()
	report, err := p.ProcessSubscriptions(ctx, cfg.Subscriptions)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return fmt.Errorf("processing error: %w", err)
	}

	processed, inserted, duplicates, failed := p.Stats()
	log.Info().
		Dur("duration", time.Since(startTime)).
		Int("feeds", len(report.Outcomes)).
		Int("inserted", report.Inserted).
		Int("failed", report.Failed).
		Int64("total_processed", processed).
		Int64("total_inserted", inserted).
		Int64("total_duplicates", duplicates).
		Int64("total_failed", failed).
		Msg("Processing cycle finished")
	return ctx.Err()
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
