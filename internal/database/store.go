package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/mattn/go-sqlite3"

	"feedstash/aggregator/internal/models"
)

// ErrDuplicate is returned when an insert is rejected by a uniqueness constraint.
var ErrDuplicate = errors.New("duplicate row")

// isUniqueViolation reports whether err is a unique constraint failure from either driver
func isUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	return false
}

// FindFeedIDByURL looks up a feed by its natural key.
func (db *DB) FindFeedIDByURL(ctx context.Context, feedURL string) (int64, bool, error) {
	var id int64
	err := db.GetContext(ctx, &id, db.Rebind(`SELECT id FROM feed WHERE feed_url = ?`), feedURL)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("querying feed by url: %w", err)
	}
	return id, true, nil
}

// LatestPublishDate returns the newest publish date stored for a feed.
// The boolean is false when the feed has no dated entries.
func (db *DB) LatestPublishDate(ctx context.Context, feedID int64) (time.Time, bool, error) {
	var latest models.Timestamp
	err := db.GetContext(ctx, &latest, db.Rebind(`SELECT MAX(publish_date) FROM entry WHERE feed_id = ?`), feedID)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("querying latest publish date: %w", err)
	}
	return latest.Time, latest.Valid(), nil
}

// CreateFeed inserts a feed row and returns its id. A second feed with the
// same URL yields ErrDuplicate.
func (db *DB) CreateFeed(ctx context.Context, feed *models.Feed) (int64, error) {
	var id int64
	err := db.QueryRowxContext(ctx,
		db.Rebind(`INSERT INTO feed (title, feed_url, last_fetched) VALUES (?, ?, ?) RETURNING id`),
		feed.Title, feed.FeedURL, feed.LastFetched,
	).Scan(&id)
	if err != nil {
		if isUniqueViolation(err) {
			return 0, fmt.Errorf("feed %s: %w", feed.FeedURL, ErrDuplicate)
		}
		return 0, fmt.Errorf("inserting feed: %w", err)
	}
	feed.ID = id
	return id, nil
}

// InsertEntry inserts a single entry. An empty GUID is stored as NULL so
// guid-less items never collide with each other.
func (db *DB) InsertEntry(ctx context.Context, entry *models.Entry) error {
	_, err := db.ExecContext(ctx,
		db.Rebind(`INSERT INTO entry (guid, title, entry_url, publish_date, feed_id) VALUES (?, ?, ?, ?, ?)`),
		nullString(entry.GUID), entry.Title, entry.EntryURL, entry.PublishDate, entry.FeedID,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("entry %s: %w", entry.GUID, ErrDuplicate)
		}
		return fmt.Errorf("inserting entry: %w", err)
	}
	return nil
}

// TouchFeed records a successful fetch.
func (db *DB) TouchFeed(ctx context.Context, feedID int64, fetchedAt time.Time) error {
	_, err := db.ExecContext(ctx,
		db.Rebind(`UPDATE feed SET last_fetched = ? WHERE id = ?`),
		models.NewTimestamp(fetchedAt), feedID,
	)
	if err != nil {
		return fmt.Errorf("updating last_fetched: %w", err)
	}
	return nil
}

// ListFeeds returns every feed ordered by id.
func (db *DB) ListFeeds(ctx context.Context) ([]models.Feed, error) {
	feeds := []models.Feed{}
	err := db.SelectContext(ctx, &feeds,
		`SELECT id, COALESCE(title, '') AS title, feed_url, last_fetched FROM feed ORDER BY id ASC`)
	if err != nil {
		return nil, fmt.Errorf("listing feeds: %w", err)
	}
	return feeds, nil
}

// ListEntries returns up to limit entries with an id greater than afterID.
// A feedID of 0 lists entries of every feed.
func (db *DB) ListEntries(ctx context.Context, feedID, afterID int64, limit int) ([]models.Entry, error) {
	query := `SELECT id, COALESCE(guid, '') AS guid, COALESCE(title, '') AS title,
			COALESCE(entry_url, '') AS entry_url, publish_date, feed_id
		FROM entry WHERE id > ?`
	args := []any{afterID}
	if feedID != 0 {
		query += ` AND feed_id = ?`
		args = append(args, feedID)
	}
	query += ` ORDER BY id ASC LIMIT ?`
	args = append(args, limit)

	entries := []models.Entry{}
	if err := db.SelectContext(ctx, &entries, db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("listing entries: %w", err)
	}
	return entries, nil
}

// CountFeeds returns the number of rows in the feed table.
func (db *DB) CountFeeds(ctx context.Context) (int64, error) {
	var n int64
	err := db.GetContext(ctx, &n, `SELECT COUNT(*) FROM feed`)
	return n, err
}

// CountEntries returns the number of rows in the entry table.
func (db *DB) CountEntries(ctx context.Context) (int64, error) {
	var n int64
	err := db.GetContext(ctx, &n, `SELECT COUNT(*) FROM entry`)
	return n, err
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
