package api

import (
	"encoding/csv"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog/hlog"

	"feedstash/aggregator/internal/server/storage"
)

// ExportFeedsHandler returns a handler function that exports all feeds as a CSV file
func ExportFeedsHandler(repo storage.EntryRepository) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		log := hlog.FromRequest(r)
		log.Debug().Msg("Export feeds request received")

		feeds, err := repo.FetchFeeds(r.Context())
		if err != nil {
			log.Error().Err(err).Msg("Failed to query feeds")
			http.Error(w, "Internal server error", http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "text/csv")
		w.Header().Set("Content-Disposition", "attachment; filename=feeds.csv")

		csvWriter := csv.NewWriter(w)
		if err := csvWriter.Write([]string{"id", "title", "feed_url", "last_fetched"}); err != nil {
			log.Error().Err(err).Msg("Failed to write CSV header")
			return
		}

		for _, f := range feeds {
			lastFetched := ""
			if f.LastFetched.Valid() {
				lastFetched = f.LastFetched.UTC().Format(time.RFC3339)
			}
			record := []string{strconv.FormatInt(f.ID, 10), f.Title, f.FeedURL, lastFetched}
			if err := csvWriter.Write(record); err != nil {
				log.Error().Err(err).Msg("Failed to write CSV record")
				return
			}
		}

		csvWriter.Flush()
		if err := csvWriter.Error(); err != nil {
			log.Error().Err(err).Msg("Error flushing CSV data")
			return
		}

		log.Info().Int("feed_count", len(feeds)).Msg("Exported feeds as CSV")
	}
}
