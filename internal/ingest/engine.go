// Package ingest stores the new entries of a parsed feed.
//
// A feed seen for the first time is created and all of its items are stored.
// For a known feed only items published strictly after the newest stored
// entry (the watermark) are stored. Two ingestions of the same feed racing
// between the watermark read and the inserts can both offer an item; the
// unique guid column turns the loser into a benign duplicate.
package ingest

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"feedstash/aggregator/internal/database"
	"feedstash/aggregator/internal/feed"
	"feedstash/aggregator/internal/models"
)

// ErrNoFeedLink is returned for documents without a feed link to key on.
var ErrNoFeedLink = errors.New("document has no feed link")

// Store is the persistence the engine needs. *database.DB implements it.
type Store interface {
	FindFeedIDByURL(ctx context.Context, feedURL string) (int64, bool, error)
	LatestPublishDate(ctx context.Context, feedID int64) (time.Time, bool, error)
	CreateFeed(ctx context.Context, feed *models.Feed) (int64, error)
	InsertEntry(ctx context.Context, entry *models.Entry) error
	TouchFeed(ctx context.Context, feedID int64, fetchedAt time.Time) error
}

// Result reports what a single Ingest call wrote.
type Result struct {
	FeedID     int64  `json:"feedId,omitempty"`
	FeedURL    string `json:"feedUrl"`
	Created    bool   `json:"created"`
	Locked     bool   `json:"locked,omitempty"`
	Inserted   int    `json:"inserted"`
	Duplicates int    `json:"duplicates"`
	Skipped    int    `json:"skipped"`
	Failed     int    `json:"failed"`
}

// Engine runs incremental ingestion against a Store.
type Engine struct {
	store     Store
	writeLock atomic.Bool
	now       func() time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithWriteLock starts the engine with writes disabled.
func WithWriteLock(locked bool) Option {
	return func(e *Engine) { e.writeLock.Store(locked) }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// NewEngine creates an engine writing to store.
func NewEngine(store Store, opts ...Option) *Engine {
	e := &Engine{store: store, now: time.Now}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// SetWriteLock enables or disables the write kill-switch.
func (e *Engine) SetWriteLock(locked bool) {
	e.writeLock.Store(locked)
}

// Locked reports whether writes are disabled.
func (e *Engine) Locked() bool {
	return e.writeLock.Load()
}

// Ingest writes the entries of doc that are new to the store.
//
// Failing to read the feed or its watermark aborts the call with a store
// *feed.Error and nothing written. Individual insert failures are logged and
// counted; unique violations are counted as duplicates.
func (e *Engine) Ingest(ctx context.Context, doc *feed.Document) (*Result, error) {
	result := &Result{}
	if doc != nil {
		result.FeedURL = doc.Meta.Link
	}

	if e.Locked() {
		log.Info().Str("feed_url", result.FeedURL).Msg("Writing to the database is locked")
		result.Locked = true
		return result, nil
	}

	if doc == nil || doc.Meta.Link == "" {
		return nil, feed.ParseError("", ErrNoFeedLink)
	}

	logger := log.With().Str("feed_url", doc.Meta.Link).Logger()

	feedID, found, err := e.store.FindFeedIDByURL(ctx, doc.Meta.Link)
	if err != nil {
		logger.Error().Err(err).Msg("Feed lookup failed")
		return nil, feed.StoreError(doc.Meta.Link, err)
	}

	if !found {
		fetchedAt := e.now()
		feedID, err = e.store.CreateFeed(ctx, models.NewFeed(doc.Meta.Title, doc.Meta.Link, fetchedAt))
		switch {
		case err == nil:
			result.FeedID = feedID
			result.Created = true
			logger.Info().Int64("feed_id", feedID).Int("items", len(doc.Items)).Msg("Created feed")

			for i := range doc.Items {
				e.insert(ctx, logger, feedID, &doc.Items[i], result)
			}
			e.logResult(logger, result)
			return result, nil

		case errors.Is(err, database.ErrDuplicate):
			// Another ingestion created the feed first; continue as a known feed.
			feedID, found, err = e.store.FindFeedIDByURL(ctx, doc.Meta.Link)
			if err != nil {
				return nil, feed.StoreError(doc.Meta.Link, err)
			}
			if !found {
				return nil, feed.StoreError(doc.Meta.Link, errors.New("feed vanished after duplicate insert"))
			}

		default:
			logger.Error().Err(err).Msg("Feed creation failed")
			return nil, feed.StoreError(doc.Meta.Link, err)
		}
	}

	result.FeedID = feedID

	watermark, hasWatermark, err := e.store.LatestPublishDate(ctx, feedID)
	if err != nil {
		logger.Error().Err(err).Int64("feed_id", feedID).Msg("Watermark lookup failed")
		return nil, feed.StoreError(doc.Meta.Link, err)
	}

	for i := range doc.Items {
		item := &doc.Items[i]
		if item.PublishDate == nil {
			result.Skipped++
			continue
		}
		// Stored dates have millisecond precision; compare at the same precision.
		if hasWatermark && !item.PublishDate.Truncate(time.Millisecond).After(watermark) {
			result.Skipped++
			continue
		}
		logger.Debug().Time("publish_date", *item.PublishDate).Msg("Found newer entry")
		e.insert(ctx, logger, feedID, item, result)
	}

	if err := e.store.TouchFeed(ctx, feedID, e.now()); err != nil {
		logger.Warn().Err(err).Int64("feed_id", feedID).Msg("Failed to update last_fetched")
	}

	e.logResult(logger, result)
	return result, nil
}

func (e *Engine) insert(ctx context.Context, logger zerolog.Logger, feedID int64, item *feed.Item, result *Result) {
	entry := &models.Entry{
		GUID:     item.GUID,
		Title:    item.Title,
		EntryURL: item.Permalink,
		FeedID:   feedID,
	}
	if item.PublishDate != nil {
		entry.PublishDate = models.NewTimestamp(*item.PublishDate)
	}

	err := e.store.InsertEntry(ctx, entry)
	switch {
	case err == nil:
		result.Inserted++
	case errors.Is(err, database.ErrDuplicate):
		result.Duplicates++
		logger.Debug().Str("guid", item.GUID).Msg("Duplicate entry")
	default:
		result.Failed++
		logger.Error().Err(err).Str("guid", item.GUID).Str("entry_url", item.Permalink).Msg("Failed to insert entry")
	}
}

func (e *Engine) logResult(logger zerolog.Logger, result *Result) {
	logger.Info().
		Int64("feed_id", result.FeedID).
		Bool("created", result.Created).
		Int("inserted", result.Inserted).
		Int("duplicates", result.Duplicates).
		Int("skipped", result.Skipped).
		Int("failed", result.Failed).
		Msg("Ingestion finished")
}
