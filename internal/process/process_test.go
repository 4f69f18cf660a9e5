package process

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"feedstash/aggregator/internal/database"
	"feedstash/aggregator/internal/feed"
	"feedstash/aggregator/internal/ingest"
	"feedstash/aggregator/internal/opml"
)

const rssA = `<?xml version="1.0"?>
<rss version="2.0"><channel>
  <title>Feed A</title>
  <link>%s/a.xml</link>
  <item><guid>a-1</guid><title>A one</title><link>http://a.example.com/1</link><pubDate>Mon, 01 Jan 2024 10:00:00 GMT</pubDate></item>
  <item><guid>a-2</guid><title>A two</title><link>http://a.example.com/2</link><pubDate>Tue, 02 Jan 2024 10:00:00 GMT</pubDate></item>
</channel></rss>`

const atomB = `<?xml version="1.0" encoding="utf-8"?>
<feed xmlns="http://www.w3.org/2005/Atom">
  <title>Feed B</title>
  <link rel="self" href="%s/b.xml"/>
  <id>urn:feed:b</id>
  <updated>2024-01-03T00:00:00Z</updated>
  <entry><id>b-1</id><title>B one</title><link href="http://b.example.com/1"/><updated>2024-01-03T00:00:00Z</updated></entry>
</feed>`

const subscriptions = `<?xml version="1.0"?>
<opml version="2.0"><head><title>subs</title></head><body>
  <outline text="A" type="rss" xmlUrl="%[1]s/a.xml"/>
  <outline text="B" type="rss" xmlUrl="%[1]s/b.xml"/>
  <outline text="Broken" type="rss" xmlUrl="%[1]s/missing.xml"/>
</body></opml>`

func newFixtureServer(t *testing.T) *httptest.Server {
	t.Helper()
	var srv *httptest.Server
	mux := http.NewServeMux()
	mux.HandleFunc("/subs.opml", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, subscriptions, srv.URL)
	})
	mux.HandleFunc("/a.xml", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/rss+xml")
		fmt.Fprintf(w, rssA, srv.URL)
	})
	mux.HandleFunc("/b.xml", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/atom+xml")
		fmt.Fprintf(w, atomB, srv.URL)
	})
	srv = httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func newPipeline(t *testing.T, workers int) (*FeedProcessor, *database.DB) {
	t.Helper()
	db, err := database.NewDB(database.NewConfig(database.DriverSQLite, filepath.Join(t.TempDir(), "process.db")))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	fetcher := feed.NewFetcher(feed.Config{RequestTimeout: 5 * time.Second})
	p, err := NewFeedProcessor(fetcher, opml.NewResolver(fetcher), ingest.NewEngine(db), Config{Workers: workers})
	require.NoError(t, err)
	return p, db
}

func TestProcessSubscriptions_EndToEnd(t *testing.T) {
	srv := newFixtureServer(t)
	p, db := newPipeline(t, 0)
	ctx := context.Background()

	report, err := p.ProcessSubscriptions(ctx, srv.URL+"/subs.opml")
	require.NoError(t, err)
	require.Len(t, report.Outcomes, 3)

	// Outcomes follow subscription order.
	assert.Equal(t, srv.URL+"/a.xml", report.Outcomes[0].URL)
	assert.Equal(t, srv.URL+"/b.xml", report.Outcomes[1].URL)
	assert.Equal(t, srv.URL+"/missing.xml", report.Outcomes[2].URL)

	assert.Equal(t, 3, report.Inserted)
	assert.Equal(t, 1, report.Failed)

	broken := report.Outcomes[2]
	require.Error(t, broken.Err)
	origin, ok := feed.OriginOf(broken.Err)
	require.True(t, ok)
	assert.Equal(t, feed.OriginTransport, origin)

	feeds, err := db.CountFeeds(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 2, feeds)
	entries, err := db.CountEntries(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 3, entries)

	// A second run finds nothing new.
	again, err := p.ProcessSubscriptions(ctx, srv.URL+"/subs.opml")
	require.NoError(t, err)
	assert.Equal(t, 0, again.Inserted)
	entries, err = db.CountEntries(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 3, entries)

	processed, inserted, _, failed := p.Stats()
	assert.EqualValues(t, 6, processed)
	assert.EqualValues(t, 3, inserted)
	assert.EqualValues(t, 2, failed)
}

func TestProcessSubscriptions_BoundedWorkers(t *testing.T) {
	srv := newFixtureServer(t)
	p, _ := newPipeline(t, 1)

	report, err := p.ProcessSubscriptions(context.Background(), srv.URL+"/subs.opml")
	require.NoError(t, err)
	assert.Equal(t, 3, report.Inserted)
	assert.Equal(t, 1, report.Failed)
}

func TestProcessSubscriptions_UnresolvableSource(t *testing.T) {
	srv := newFixtureServer(t)
	p, _ := newPipeline(t, 0)

	_, err := p.ProcessSubscriptions(context.Background(), srv.URL+"/a.xml")
	require.Error(t, err)
	assert.ErrorIs(t, err, opml.ErrNotOPML)
}

func TestProcessFeed_Single(t *testing.T) {
	srv := newFixtureServer(t)
	p, _ := newPipeline(t, 0)

	outcome := p.ProcessFeed(context.Background(), srv.URL+"/b.xml")
	require.NoError(t, outcome.Err)
	require.NotNil(t, outcome.Document)
	assert.Equal(t, "Feed B", outcome.Document.Meta.Title)
	assert.True(t, outcome.Result.Created)
	assert.Equal(t, 1, outcome.Result.Inserted)
}

type slowFetcher struct{}

func (slowFetcher) FetchAndParse(ctx context.Context, url string) (*feed.Document, error) {
	<-ctx.Done()
	return nil, &feed.Error{Origin: feed.OriginTransport, URL: url, Err: ctx.Err()}
}

type nopIngester struct{}

func (nopIngester) Ingest(ctx context.Context, doc *feed.Document) (*ingest.Result, error) {
	return &ingest.Result{FeedURL: doc.Meta.Link}, nil
}

func TestProcessFeed_Timeout(t *testing.T) {
	p, err := NewFeedProcessor(slowFetcher{}, nil, nopIngester{}, Config{FeedTimeout: 20 * time.Millisecond})
	require.NoError(t, err)

	outcome := p.ProcessFeed(context.Background(), "http://slow.example.com/rss")
	require.Error(t, outcome.Err)
	assert.ErrorIs(t, outcome.Err, context.DeadlineExceeded)
}

func TestOutcome_JSON(t *testing.T) {
	outcome := Outcome{
		URL: "http://example.com/rss",
		Err: &feed.Error{Origin: feed.OriginTransport, URL: "http://example.com/rss", StatusCode: 503, Err: feed.ErrBadStatus},
	}
	data, err := json.Marshal(outcome)
	require.NoError(t, err)

	var got map[string]any
	require.NoError(t, json.Unmarshal(data, &got))
	assert.Equal(t, "http://example.com/rss", got["url"])
	require.Contains(t, got, "error")
	errObj := got["error"].(map[string]any)
	assert.Equal(t, "transport", errObj["origin"])
	assert.EqualValues(t, 503, errObj["status"])
	assert.NotContains(t, got, "result")
}

func TestOutcome_JSONUntaggedError(t *testing.T) {
	outcome := Outcome{
		URL: "http://example.com/rss",
		Err: fmt.Errorf("ingesting: %w", context.Canceled),
	}
	data, err := json.Marshal(outcome)
	require.NoError(t, err)

	var got map[string]any
	require.NoError(t, json.Unmarshal(data, &got))
	errObj := got["error"].(map[string]any)
	assert.NotContains(t, errObj, "origin")
	assert.Equal(t, "ingesting: context canceled", errObj["detail"])
}

func TestNewFeedProcessor_RequiresCollaborators(t *testing.T) {
	_, err := NewFeedProcessor(nil, nil, nopIngester{}, Config{})
	assert.Error(t, err)
}
