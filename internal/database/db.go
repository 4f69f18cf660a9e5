package database

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog/log"

	"feedstash/aggregator/internal/database/migrations"
)

// DB represents the database connection
type DB struct {
	*sqlx.DB
	dialect string
}

// NewDB opens the database, applies pending migrations and verifies the connection
func NewDB(cfg *Config) (*DB, error) {
	if cfg.MaxIdleConns <= 0 {
		cfg.MaxIdleConns = defaultMaxIdleConns
	}
	if cfg.MaxOpenConns <= 0 {
		cfg.MaxOpenConns = defaultMaxOpenConns
	}

	var dsn string
	switch cfg.Driver {
	case DriverSQLite:
		dir := filepath.Dir(cfg.DSN)
		if dir != "." {
			if err := os.MkdirAll(dir, 0755); err != nil {
				return nil, fmt.Errorf("failed to create directory for database: %w", err)
			}
		}
		// WAL mode allows concurrent reads while writing; foreign keys are
		// set in the DSN so every pooled connection enforces them.
		dsn = fmt.Sprintf("%s?_journal=WAL&_synchronous=NORMAL&_busy_timeout=%d&_foreign_keys=on",
			cfg.DSN, cfg.BusyTimeoutMS)
	case DriverPostgres:
		dsn = cfg.DSN
	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.Driver)
	}

	log.Info().Str("driver", cfg.Driver).Msg("Opening database")

	conn, err := sqlx.Open(cfg.Driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool
	conn.SetMaxOpenConns(cfg.MaxOpenConns)
	conn.SetMaxIdleConns(cfg.MaxIdleConns)
	conn.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	if cfg.Driver == DriverSQLite {
		pragmas := []string{
			fmt.Sprintf("PRAGMA cache_size = %d;", cfg.CacheSizeKB),
			"PRAGMA temp_store = MEMORY;",
		}
		for _, pragma := range pragmas {
			if _, err := conn.Exec(pragma); err != nil {
				log.Warn().Err(err).Str("pragma", pragma).Msg("Failed to set PRAGMA")
			}
		}
	}

	pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err = conn.PingContext(pingCtx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to ping db: %w", err)
	}

	db := &DB{DB: conn, dialect: cfg.dialect()}
	if err := db.EnsureSchema(); err != nil {
		conn.Close()
		return nil, err
	}

	log.Info().Str("driver", cfg.Driver).Msg("Database connection successful")
	return db, nil
}

// EnsureSchema creates the feed and entry tables if they are missing.
// It is safe to call on an up-to-date database.
func (db *DB) EnsureSchema() error {
	log.Info().Str("dialect", db.dialect).Msg("Running database migrations...")
	migrationFiles, err := migrations.Load(db.dialect)
	if err != nil {
		return fmt.Errorf("failed to load migrations: %w", err)
	}

	if err := migrations.RunMigrations(db.DB, migrationFiles); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	log.Info().Msg("Database migrations completed successfully")
	return nil
}

// Rollback reverts the n most recently applied migrations.
func (db *DB) Rollback(n int) error {
	migrationFiles, err := migrations.Load(db.dialect)
	if err != nil {
		return fmt.Errorf("failed to load migrations: %w", err)
	}
	if err := migrations.RollbackMigrations(db.DB, migrationFiles, n); err != nil {
		return fmt.Errorf("failed to roll back migrations: %w", err)
	}
	log.Info().Int("count", n).Msg("Rolled back migrations")
	return nil
}
