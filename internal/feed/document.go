package feed

import (
	"time"

	"github.com/mmcdole/gofeed"
)

// Document is a parsed feed: metadata plus items in document order.
type Document struct {
	Meta  Meta   `json:"meta"`
	Items []Item `json:"items"`
}

// Meta holds feed level metadata. Link is the natural key of the feed.
type Meta struct {
	Title    string `json:"title"`
	Link     string `json:"link"`
	FeedLink string `json:"feedLink,omitempty"`
}

// Item is a single feed entry as found in the document.
type Item struct {
	GUID        string     `json:"guid,omitempty"`
	Title       string     `json:"title"`
	Permalink   string     `json:"permalink"`
	PublishDate *time.Time `json:"publishDate,omitempty"`
}

// newDocument converts a gofeed result. requestURL is the last resort for Meta.Link.
func newDocument(parsed *gofeed.Feed, requestURL string) *Document {
	doc := &Document{
		Meta: Meta{
			Title:    parsed.Title,
			Link:     parsed.Link,
			FeedLink: parsed.FeedLink,
		},
		Items: make([]Item, 0, len(parsed.Items)),
	}
	if doc.Meta.Link == "" {
		doc.Meta.Link = parsed.FeedLink
	}
	if doc.Meta.Link == "" {
		doc.Meta.Link = requestURL
	}

	for _, it := range parsed.Items {
		if it == nil {
			continue
		}
		item := Item{
			GUID:      it.GUID,
			Title:     it.Title,
			Permalink: it.Link,
		}
		switch {
		case it.PublishedParsed != nil:
			t := it.PublishedParsed.UTC()
			item.PublishDate = &t
		case it.UpdatedParsed != nil:
			t := it.UpdatedParsed.UTC()
			item.PublishDate = &t
		}
		doc.Items = append(doc.Items, item)
	}
	return doc
}
