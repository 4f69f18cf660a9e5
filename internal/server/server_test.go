package server

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"feedstash/aggregator/internal/database"
	"feedstash/aggregator/internal/feed"
	"feedstash/aggregator/internal/ingest"
	"feedstash/aggregator/internal/opml"
	"feedstash/aggregator/internal/process"
)

const sampleRSS = `<?xml version="1.0"?>
<rss version="2.0"><channel>
  <title>Sample</title>
  <link>%s/rss.xml</link>
  <item><guid>s-1</guid><title>One</title><link>http://example.com/1</link><pubDate>Mon, 01 Jan 2024 10:00:00 GMT</pubDate></item>
  <item><guid>s-2</guid><title>Two</title><link>http://example.com/2</link><pubDate>Tue, 02 Jan 2024 10:00:00 GMT</pubDate></item>
  <item><guid>s-3</guid><title>Three</title><link>http://example.com/3</link><pubDate>Wed, 03 Jan 2024 10:00:00 GMT</pubDate></item>
</channel></rss>`

const sampleOPML = `<?xml version="1.0"?>
<opml version="2.0"><body>
  <outline text="Sample" xmlUrl="%[1]s/rss.xml"/>
  <outline text="Gone" xmlUrl="%[1]s/gone.xml"/>
</body></opml>`

type fixture struct {
	feeds *httptest.Server
	api   *httptest.Server
	db    *database.DB
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	var feeds *httptest.Server
	mux := http.NewServeMux()
	mux.HandleFunc("/rss.xml", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, sampleRSS, feeds.URL)
	})
	mux.HandleFunc("/subs.opml", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, sampleOPML, feeds.URL)
	})
	mux.HandleFunc("/text", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "just some text")
	})
	feeds = httptest.NewServer(mux)
	t.Cleanup(feeds.Close)

	db, err := database.NewDB(database.NewConfig(database.DriverSQLite, filepath.Join(t.TempDir(), "server.db")))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	fetcher := feed.NewFetcher(feed.Config{RequestTimeout: 5 * time.Second})
	processor, err := process.NewFeedProcessor(fetcher, opml.NewResolver(fetcher), ingest.NewEngine(db), process.Config{})
	require.NoError(t, err)

	api := httptest.NewServer(NewHandler(Options{
		DB:            db,
		Processor:     processor,
		Subscriptions: feeds.URL + "/subs.opml",
	}, zerolog.Nop()))
	t.Cleanup(api.Close)

	return &fixture{feeds: feeds, api: api, db: db}
}

func (f *fixture) get(t *testing.T, path string) *http.Response {
	t.Helper()
	resp, err := http.Get(f.api.URL + path)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	return body
}

func TestHealth(t *testing.T) {
	f := newFixture(t)

	resp := f.get(t, "/health")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("Request-Id"))
}

func TestParse(t *testing.T) {
	f := newFixture(t)

	resp := f.get(t, "/v1/parse?feed="+url.QueryEscape(f.feeds.URL+"/rss.xml"))
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body := decode(t, resp)
	meta := body["meta"].(map[string]any)
	assert.Equal(t, "Sample", meta["title"])
	assert.Len(t, body["items"], 3)
	result := body["result"].(map[string]any)
	assert.EqualValues(t, 3, result["inserted"])
	assert.Equal(t, true, result["created"])

	// Parsing again reports nothing new.
	resp = f.get(t, "/v1/parse?feed="+url.QueryEscape(f.feeds.URL+"/rss.xml"))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	result = decode(t, resp)["result"].(map[string]any)
	assert.EqualValues(t, 0, result["inserted"])
}

func TestParse_Failures(t *testing.T) {
	f := newFixture(t)

	tests := []struct {
		name   string
		path   string
		status int
		origin string
	}{
		{"missing feed", "/gone.xml", http.StatusBadGateway, "transport"},
		{"not a feed", "/text", http.StatusUnprocessableEntity, "parse"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := f.get(t, "/v1/parse?feed="+url.QueryEscape(f.feeds.URL+tt.path))
			require.Equal(t, tt.status, resp.StatusCode)

			errObj := decode(t, resp)["error"].(map[string]any)
			assert.Equal(t, tt.origin, errObj["origin"])
			assert.NotEmpty(t, errObj["detail"])
		})
	}

	resp := f.get(t, "/v1/parse?feed=ftp://example.com/rss")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp = f.get(t, "/v1/parse")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestOPML_EmbedsPerFeedFailures(t *testing.T) {
	f := newFixture(t)

	resp := f.get(t, "/v1/opml")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var report struct {
		Outcomes []struct {
			URL    string          `json:"url"`
			Result *ingest.Result  `json:"result"`
			Error  json.RawMessage `json:"error"`
		} `json:"outcomes"`
		Inserted int `json:"inserted"`
		Failed   int `json:"failed"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&report))
	require.Len(t, report.Outcomes, 2)
	assert.Equal(t, 3, report.Inserted)
	assert.Equal(t, 1, report.Failed)

	assert.Equal(t, 3, report.Outcomes[0].Result.Inserted)
	assert.Contains(t, string(report.Outcomes[1].Error), `"origin":"transport"`)

	resp = f.get(t, "/v1/opml?source="+url.QueryEscape("/etc/passwd"))
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = f.get(t, "/v1/opml?source="+url.QueryEscape(f.feeds.URL+"/rss.xml"))
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
}

func TestEntries_Pagination(t *testing.T) {
	f := newFixture(t)
	require.Equal(t, http.StatusOK, f.get(t, "/v1/parse?feed="+url.QueryEscape(f.feeds.URL+"/rss.xml")).StatusCode)

	var page struct {
		Entries []struct {
			ID   int64  `json:"id"`
			GUID string `json:"guid"`
		} `json:"entries"`
		NextCursor *string `json:"next_cursor"`
	}

	resp := f.get(t, "/v1/entries?feed_id=1&limit=2")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&page))
	require.Len(t, page.Entries, 2)
	require.NotNil(t, page.NextCursor)
	assert.Equal(t, "s-1", page.Entries[0].GUID)

	resp = f.get(t, "/v1/entries?limit=2&cursor="+url.QueryEscape(*page.NextCursor))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	page.NextCursor = nil
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&page))
	require.Len(t, page.Entries, 1)
	assert.Equal(t, "s-3", page.Entries[0].GUID)
	assert.Nil(t, page.NextCursor)

	for _, bad := range []string{"limit=0", "limit=5000", "feed_id=abc", "cursor=!!"} {
		resp := f.get(t, "/v1/entries?"+bad)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode, bad)
	}
}

func TestExportFeeds(t *testing.T) {
	f := newFixture(t)
	require.Equal(t, http.StatusOK, f.get(t, "/v1/parse?feed="+url.QueryEscape(f.feeds.URL+"/rss.xml")).StatusCode)

	resp := f.get(t, "/v1/feeds")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/csv", resp.Header.Get("Content-Type"))

	records, err := csv.NewReader(resp.Body).ReadAll()
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, []string{"id", "title", "feed_url", "last_fetched"}, records[0])
	assert.Equal(t, "Sample", records[1][1])
	assert.Equal(t, f.feeds.URL+"/rss.xml", records[1][2])
	assert.True(t, strings.HasSuffix(records[1][3], "Z"))
}

func TestMethodNotAllowed(t *testing.T) {
	f := newFixture(t)

	resp, err := http.Post(f.api.URL+"/v1/entries", "application/json", nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}
