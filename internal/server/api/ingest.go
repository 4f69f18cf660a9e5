package api

import (
	"context"
	"errors"
	"net/http"
	"net/url"

	"github.com/rs/zerolog/hlog"

	"feedstash/aggregator/internal/feed"
	"feedstash/aggregator/internal/ingest"
	"feedstash/aggregator/internal/process"
)

// Processor runs the fetch, parse and ingest pipeline. *process.FeedProcessor implements it.
type Processor interface {
	ProcessFeed(ctx context.Context, url string) process.Outcome
	ProcessSubscriptions(ctx context.Context, source string) (*process.Report, error)
}

// ParseResponse is returned by a successful /v1/parse call.
type ParseResponse struct {
	*feed.Document
	Result *ingest.Result `json:"result"`
}

// ErrorResponse wraps a failure for API clients.
type ErrorResponse struct {
	Error *feed.Error `json:"error"`
}

// IngestHandler exposes the pipeline over HTTP.
type IngestHandler struct {
	processor     Processor
	subscriptions string
}

// NewIngestHandler creates a handler. subscriptions is the OPML source used
// when a request does not name one.
func NewIngestHandler(processor Processor, subscriptions string) *IngestHandler {
	return &IngestHandler{processor: processor, subscriptions: subscriptions}
}

// Parse handles GET /v1/parse?feed=URL: fetch, parse and ingest one feed.
func (h *IngestHandler) Parse(w http.ResponseWriter, r *http.Request) {
	log := hlog.FromRequest(r)

	feedURL := r.URL.Query().Get("feed")
	if !isHTTPURL(feedURL) {
		log.Warn().Str("feed", feedURL).Msg("Invalid 'feed' parameter")
		http.Error(w, "Invalid 'feed' parameter: an absolute http(s) URL is required", http.StatusBadRequest)
		return
	}

	outcome := h.processor.ProcessFeed(r.Context(), feedURL)
	if outcome.Err != nil {
		writeError(w, r, feedURL, outcome.Err)
		return
	}

	writeJSON(w, r, http.StatusOK, ParseResponse{Document: outcome.Document, Result: outcome.Result})
}

// OPML handles GET /v1/opml?source=: ingest every feed of a subscription
// list. Per-feed failures are embedded in the report.
func (h *IngestHandler) OPML(w http.ResponseWriter, r *http.Request) {
	log := hlog.FromRequest(r)

	source := r.URL.Query().Get("source")
	if source == "" {
		source = h.subscriptions
	} else if !isHTTPURL(source) {
		// Only the configured source may point at the local filesystem.
		log.Warn().Str("source", source).Msg("Invalid 'source' parameter")
		http.Error(w, "Invalid 'source' parameter: an absolute http(s) URL is required", http.StatusBadRequest)
		return
	}
	if source == "" {
		http.Error(w, "No subscription source configured", http.StatusBadRequest)
		return
	}

	report, err := h.processor.ProcessSubscriptions(r.Context(), source)
	if err != nil {
		writeError(w, r, source, err)
		return
	}

	log.Info().
		Str("source", source).
		Int("feeds", len(report.Outcomes)).
		Int("inserted", report.Inserted).
		Int("failed", report.Failed).
		Msg("Subscriptions processed")
	writeJSON(w, r, http.StatusOK, report)
}

// writeError maps the failure origin to a status code and writes the error object.
func writeError(w http.ResponseWriter, r *http.Request, target string, err error) {
	var fe *feed.Error
	if !errors.As(err, &fe) {
		fe = &feed.Error{Origin: feed.OriginStore, URL: target, Err: err}
	}

	status := http.StatusInternalServerError
	switch fe.Origin {
	case feed.OriginTransport:
		status = http.StatusBadGateway
	case feed.OriginParse:
		status = http.StatusUnprocessableEntity
	case feed.OriginStore:
		status = http.StatusServiceUnavailable
	}

	hlog.FromRequest(r).Warn().Err(err).Str("target", target).Int("status", status).Msg("Request failed")
	writeJSON(w, r, status, ErrorResponse{Error: fe})
}

func isHTTPURL(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	return (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}
