package main

import (
	"os"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"feedstash/aggregator/internal/config"
)

var (
	cfg        *config.Config
	configPath string
)

func init() {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "2006-01-02 15:04:05"})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
}

var rootCmd = &cobra.Command{
	Use:           "aggregator",
	Short:         "Incremental RSS/Atom aggregator",
	Long:          "aggregator fetches RSS and Atom feeds, alone or from an OPML subscription list, and stores entries newer than what it has already seen.",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		loaded, err := config.Load(configPath, cmd.Flags())
		if err != nil {
			return err
		}
		cfg = loaded
		zerolog.SetGlobalLevel(cfg.Level())
		log.Debug().
			Str("db_driver", cfg.DBDriver).
			Bool("disallow_write", cfg.DisallowWrite).
			Msg("Configuration loaded")
		return nil
	},
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&configPath, "config", "", "path to config file (default ./aggregator.{yaml,toml,json})")
	pf.String("db-driver", config.DefaultDBDriver, "database driver: sqlite3 or postgres (env: AGGREGATOR_DB_DRIVER)")
	pf.String("db-path", config.DefaultDBPath, "SQLite file or postgres DSN (env: AGGREGATOR_DB_PATH)")
	pf.String("log-level", config.DefaultLogLevel, "log level: debug, info, warn, error (env: AGGREGATOR_LOG_LEVEL)")
	pf.Bool("disallow-write", false, "skip all database writes (env: DISALLOW_WRITE)")
	pf.String("user-agent", config.DefaultUserAgent, "User-Agent sent with every request (env: AGGREGATOR_USER_AGENT)")
	pf.Duration("fetch-timeout", config.DefaultFetchTimeout, "HTTP timeout per request (env: AGGREGATOR_FETCH_TIMEOUT)")
	pf.Duration("feed-timeout", config.DefaultFeedTimeout, "timeout for fetching and storing one feed (env: AGGREGATOR_FEED_TIMEOUT)")

	rootCmd.AddCommand(parseCmd, opmlCmd, startCmd, serverCmd, schemaCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Error().Err(err).Msg("Command failed")
		os.Exit(1)
	}
}
