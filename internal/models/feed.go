package models

import "time"

// Feed represents a row in the 'feed' table
type Feed struct {
	ID          int64     `db:"id" json:"id"`
	Title       string    `db:"title" json:"title"`
	FeedURL     string    `db:"feed_url" json:"feedUrl"`
	LastFetched Timestamp `db:"last_fetched" json:"lastFetched"`
}

// NewFeed creates a new Feed stamped with the given fetch time
func NewFeed(title, feedURL string, fetchedAt time.Time) *Feed {
	return &Feed{
		Title:       title,
		FeedURL:     feedURL,
		LastFetched: NewTimestamp(fetchedAt),
	}
}

// Entry represents a row in the 'entry' table
type Entry struct {
	ID          int64     `db:"id" json:"id"`
	GUID        string    `db:"guid" json:"guid"`
	Title       string    `db:"title" json:"title"`
	EntryURL    string    `db:"entry_url" json:"entryUrl"`
	PublishDate Timestamp `db:"publish_date" json:"publishDate"`
	FeedID      int64     `db:"feed_id" json:"feedId"`
}
