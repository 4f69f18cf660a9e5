package storage

import (
	"context"
	"fmt"

	"feedstash/aggregator/internal/database"
	"feedstash/aggregator/internal/models"
)

// EntryRepository defines read access to stored feeds and entries.
type EntryRepository interface {
	// FetchEntries returns up to limit entries with an id above afterID,
	// restricted to feedID unless it is 0.
	FetchEntries(ctx context.Context, feedID, afterID int64, limit int) ([]models.Entry, error)
	FetchFeeds(ctx context.Context) ([]models.Feed, error)
}

// sqlxRepository implements EntryRepository on top of the database package.
type sqlxRepository struct {
	db *database.DB
}

// NewRepository creates a new repository instance.
func NewRepository(db *database.DB) EntryRepository {
	return &sqlxRepository{db: db}
}

func (r *sqlxRepository) FetchEntries(ctx context.Context, feedID, afterID int64, limit int) ([]models.Entry, error) {
	if limit <= 0 {
		return nil, fmt.Errorf("limit must be positive, got %d", limit)
	}
	entries, err := r.db.ListEntries(ctx, feedID, afterID, limit)
	if err != nil {
		return nil, fmt.Errorf("database query failed: %w", err)
	}
	return entries, nil
}

func (r *sqlxRepository) FetchFeeds(ctx context.Context) ([]models.Feed, error) {
	feeds, err := r.db.ListFeeds(ctx)
	if err != nil {
		return nil, fmt.Errorf("database query failed: %w", err)
	}
	return feeds, nil
}
