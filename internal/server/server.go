package server

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"

	"feedstash/aggregator/internal/database"
	"feedstash/aggregator/internal/server/api"
	"feedstash/aggregator/internal/server/storage"
)

// Options carries the collaborators of the HTTP layer.
type Options struct {
	DB            *database.DB
	Processor     api.Processor
	Subscriptions string
}

// NewHandler builds the routes wrapped in the request logging middleware.
func NewHandler(opts Options, logger zerolog.Logger) http.Handler {
	repo := storage.NewRepository(opts.DB)
	entriesHandler := api.NewEntriesHandler(repo)
	ingestHandler := api.NewIngestHandler(opts.Processor, opts.Subscriptions)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/parse", ingestHandler.Parse)
	mux.HandleFunc("GET /v1/opml", ingestHandler.OPML)
	mux.HandleFunc("GET /v1/entries", entriesHandler.GetEntries)
	mux.HandleFunc("GET /v1/feeds", api.ExportFeedsHandler(repo))
	mux.HandleFunc("GET /health", healthCheckHandler(opts.DB))

	// Set up middleware chain for logging and request tracking
	h := hlog.NewHandler(logger)(mux)
	h = hlog.MethodHandler("method")(h)
	h = hlog.URLHandler("url")(h)
	h = hlog.RemoteAddrHandler("remote_addr")(h)
	h = hlog.UserAgentHandler("user_agent")(h)
	h = hlog.RequestIDHandler("req_id", "Request-Id")(h)
	h = hlog.AccessHandler(func(r *http.Request, status, size int, duration time.Duration) {
		idReq, _ := hlog.IDFromRequest(r)

		hlog.FromRequest(r).Info().
			Str("method", r.Method).
			Stringer("url", r.URL).
			Int("status", status).
			Int("size", size).
			Dur("duration", duration).
			Str("req_id", idReq.String()).
			Msg("HTTP Request")
	})(h)
	return h
}

// RunServer starts the HTTP server and blocks until SIGINT or SIGTERM, then
// shuts down gracefully.
func RunServer(opts Options, listenAddr string, logger zerolog.Logger) error {
	logger = logger.With().Str("service", "feed-aggregator").Logger()

	httpServer := &http.Server{
		Addr:              listenAddr,
		Handler:           NewHandler(opts, logger),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		// Bulk OPML runs fetch many feeds before answering.
		WriteTimeout: 5 * time.Minute,
		IdleTimeout:  120 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info().Str("address", listenAddr).Msg("API Server starting")
		err := httpServer.ListenAndServe()
		if !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(shutdown)

	select {
	case err := <-serverErr:
		logger.Error().Err(err).Msg("Server failed to start")
		return err

	case sig := <-shutdown:
		logger.Info().Str("signal", sig.String()).Msg("Shutdown signal received")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("HTTP server shutdown error")
			if err := httpServer.Close(); err != nil {
				logger.Error().Err(err).Msg("HTTP server force close error")
			}
		} else {
			logger.Info().Msg("HTTP server shutdown complete.")
		}
		if err := <-serverErr; err != nil {
			logger.Error().Err(err).Msg("ListenAndServe error during shutdown")
		}
	}

	logger.Info().Msg("Server exiting.")
	return nil
}

// healthCheckHandler answers 200 OK while the database is reachable.
func healthCheckHandler(db *database.DB) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		log := hlog.FromRequest(r)
		log.Debug().Msg("Health check request received")

		if err := db.PingContext(r.Context()); err != nil {
			log.Error().Err(err).Msg("Database ping failed")
			http.Error(w, http.StatusText(http.StatusServiceUnavailable), http.StatusServiceUnavailable)
			return
		}

		w.Header().Set("Content-Type", "text/plain")
		w.WriteHeader(http.StatusOK)
		if _, err := w.Write([]byte("OK")); err != nil {
			log.Error().Err(err).Msg("Error writing health check response")
		}
	}
}
