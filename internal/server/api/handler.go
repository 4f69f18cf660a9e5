package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/rs/zerolog/hlog"

	"feedstash/aggregator/internal/models"
	"feedstash/aggregator/internal/server/pagination"
	"feedstash/aggregator/internal/server/storage"
)

const defaultLimit = 100
const maxLimit = 1000

// Response structure for the entries endpoint
type Response struct {
	Entries    []models.Entry `json:"entries"`
	NextCursor *string        `json:"next_cursor,omitempty"`
}

// EntriesHandler serves stored entries. The logger comes from the request context.
type EntriesHandler struct {
	repo storage.EntryRepository
}

// NewEntriesHandler creates a new handler instance.
func NewEntriesHandler(repo storage.EntryRepository) *EntriesHandler {
	return &EntriesHandler{
		repo: repo,
	}
}

// GetEntries handles GET /v1/entries?feed_id=&limit=&cursor=.
func (h *EntriesHandler) GetEntries(w http.ResponseWriter, r *http.Request) {
	log := hlog.FromRequest(r)
	log.Debug().Msg("Processing entries request")

	query := r.URL.Query()
	limitStr := query.Get("limit")
	feedIDStr := query.Get("feed_id")
	cursorStr := query.Get("cursor")

	limit := defaultLimit
	if limitStr != "" {
		parsedLimit, err := strconv.Atoi(limitStr)
		if err != nil || parsedLimit <= 0 || parsedLimit > maxLimit {
			log.Warn().Err(err).Str("limit", limitStr).Msg("Invalid 'limit' parameter value")
			http.Error(w, fmt.Sprintf("Invalid 'limit' parameter: must be between 1 and %d", maxLimit), http.StatusBadRequest)
			return
		}
		limit = parsedLimit
	}

	var feedID, afterID int64
	if cursorStr != "" {
		// The cursor carries the filter of the first page.
		var err error
		feedID, afterID, err = pagination.DecodeCursor(cursorStr)
		if err != nil {
			log.Warn().Err(err).Str("cursor", cursorStr).Msg("Invalid 'cursor' parameter")
			http.Error(w, "Invalid 'cursor' parameter", http.StatusBadRequest)
			return
		}
	} else if feedIDStr != "" {
		parsed, err := strconv.ParseInt(feedIDStr, 10, 64)
		if err != nil || parsed <= 0 {
			log.Warn().Err(err).Str("feed_id", feedIDStr).Msg("Invalid 'feed_id' parameter")
			http.Error(w, "Invalid 'feed_id' parameter", http.StatusBadRequest)
			return
		}
		feedID = parsed
	}

	entries, err := h.repo.FetchEntries(r.Context(), feedID, afterID, limit+1) // Fetch one extra
	if err != nil {
		log.Error().Err(err).Int64("feed_id", feedID).Str("cursor", cursorStr).Msg("Error fetching entries from repository")
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}

	response := Response{Entries: entries}
	if len(entries) > limit {
		response.Entries = entries[:limit]
		cursor := pagination.EncodeCursor(feedID, response.Entries[limit-1].ID)
		response.NextCursor = &cursor
	}

	writeJSON(w, r, http.StatusOK, response)
}

// writeJSON marshals v before writing any header so a marshaling failure
// can still become a 500.
func writeJSON(w http.ResponseWriter, r *http.Request, status int, v any) {
	log := hlog.FromRequest(r)

	jsonBytes, err := json.Marshal(v)
	if err != nil {
		log.Error().Err(err).Msg("Error marshaling JSON response")
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if _, err := w.Write(jsonBytes); err != nil {
		log.Error().Err(err).Msg("Error writing JSON response body to client")
		return
	}
	log.Debug().Int("bytes_written", len(jsonBytes)).Msg("Response completed")
}
