package feed

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/mmcdole/gofeed"
	"github.com/mmcdole/gofeed/atom"
	jsonfeed "github.com/mmcdole/gofeed/json"
	"github.com/mmcdole/gofeed/rss"
	xpp "github.com/mmcdole/goxpp"
	"github.com/rs/zerolog/log"
	"golang.org/x/net/html/charset"
)

const (
	DefaultUserAgent      = "feedstash/1.0 (+https://github.com/feedstash/aggregator)"
	DefaultRequestTimeout = 30 * time.Second
	maxRedirects          = 5

	// sniffLimit bounds the prefix buffered to detect the feed format.
	sniffLimit = 64 << 10
)

// Config holds fetcher settings. Zero values fall back to defaults.
type Config struct {
	UserAgent      string
	RequestTimeout time.Duration
	Transport      http.RoundTripper
}

// Fetcher downloads feeds and OPML documents and parses feeds.
type Fetcher struct {
	client    *http.Client
	userAgent string
}

// NewFetcher creates a fetcher with a pooled transport.
func NewFetcher(cfg Config) *Fetcher {
	if cfg.UserAgent == "" {
		cfg.UserAgent = DefaultUserAgent
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = DefaultRequestTimeout
	}
	transport := cfg.Transport
	if transport == nil {
		transport = &http.Transport{
			Proxy:                 http.ProxyFromEnvironment,
			DialContext:           (&net.Dialer{Timeout: 10 * time.Second, KeepAlive: 30 * time.Second}).DialContext,
			ForceAttemptHTTP2:     true,
			MaxIdleConns:          100,
			MaxIdleConnsPerHost:   10,
			IdleConnTimeout:       90 * time.Second,
			ResponseHeaderTimeout: 15 * time.Second,
			TLSHandshakeTimeout:   10 * time.Second,
			ExpectContinueTimeout: 1 * time.Second,
		}
	}

	return &Fetcher{
		client: &http.Client{
			Timeout:   cfg.RequestTimeout,
			Transport: transport,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				if len(via) >= maxRedirects {
					return fmt.Errorf("stopped after %d redirects", maxRedirects)
				}
				return nil
			},
		},
		userAgent: cfg.UserAgent,
	}
}

// Open issues a GET for url and returns the response body of a 200 response.
// Any other outcome is a transport *Error. The caller closes the body.
func (f *Fetcher) Open(ctx context.Context, url string) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, transportError(url, 0, fmt.Errorf("creating request: %w", err))
	}
	req.Header.Set("User-Agent", f.userAgent)
	req.Header.Set("Accept", "application/rss+xml, application/atom+xml, text/x-opml, application/xml, text/xml;q=0.9, */*;q=0.8")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, transportError(url, 0, err)
	}

	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, transportError(url, resp.StatusCode, fmt.Errorf("%w: %d", ErrBadStatus, resp.StatusCode))
	}

	return resp.Body, nil
}

// FetchAndParse downloads url and parses the body as it streams in.
func (f *Fetcher) FetchAndParse(ctx context.Context, url string) (*Document, error) {
	body, err := f.Open(ctx, url)
	if err != nil {
		return nil, err
	}
	defer body.Close()

	r := &bodyReader{r: body}
	parsed, err := parseStream(bufio.NewReaderSize(r, sniffLimit))
	if err != nil {
		// A broken connection surfaces through the parser; report it as the transport failure it is.
		if r.err != nil {
			return nil, transportError(url, 0, r.err)
		}
		return nil, ParseError(url, err)
	}
	if parsed == nil {
		return nil, ParseError(url, errors.New("empty document"))
	}

	doc := newDocument(parsed, url)
	log.Debug().
		Str("url", url).
		Str("feed_link", doc.Meta.Link).
		Int("items", len(doc.Items)).
		Msg("Feed parsed")
	return doc, nil
}

// parseStream detects the format from a prefix of br and hands the same
// stream to the matching parser. XML feeds are pulled token by token, so
// parsing returns once the root element closes.
func parseStream(br *bufio.Reader) (*gofeed.Feed, error) {
	switch sniff(br) {
	case gofeed.FeedTypeRSS:
		parsed, err := (&rss.Parser{}).Parse(br)
		if err != nil {
			return nil, err
		}
		return (&gofeed.DefaultRSSTranslator{}).Translate(parsed)
	case gofeed.FeedTypeAtom:
		parsed, err := (&atom.Parser{}).Parse(br)
		if err != nil {
			return nil, err
		}
		return (&gofeed.DefaultAtomTranslator{}).Translate(parsed)
	case gofeed.FeedTypeJSON:
		parsed, err := (&jsonfeed.Parser{}).Parse(br)
		if err != nil {
			return nil, err
		}
		return (&gofeed.DefaultJSONTranslator{}).Translate(parsed)
	}
	return nil, gofeed.ErrFeedTypeNotDetected
}

// sniff buffers just enough of br to classify it, without consuming anything.
// It stops as soon as the root element of an XML document has been seen.
func sniff(br *bufio.Reader) gofeed.FeedType {
	for {
		_, err := br.Peek(br.Buffered() + 1)
		prefix, _ := br.Peek(br.Buffered())

		switch firstSignificantByte(prefix) {
		case 0:
			// Nothing but whitespace so far.
		case '{':
			return gofeed.FeedTypeJSON
		case '<':
			if t := gofeed.DetectFeedType(bytes.NewReader(prefix)); t != gofeed.FeedTypeUnknown {
				return t
			}
			if hasRootElement(prefix) {
				return gofeed.FeedTypeUnknown
			}
		default:
			return gofeed.FeedTypeUnknown
		}

		if err != nil {
			return gofeed.FeedTypeUnknown
		}
	}
}

func firstSignificantByte(b []byte) byte {
	for _, ch := range b {
		switch ch {
		case ' ', '\r', '\n', '\t', 0xFE, 0xFF, 0x00, 0xEF, 0xBB, 0xBF:
		default:
			return ch
		}
	}
	return 0
}

// hasRootElement reports whether prefix contains a complete root start tag.
func hasRootElement(prefix []byte) bool {
	p := xpp.NewXMLPullParser(bytes.NewReader(prefix), false, charset.NewReaderLabel)
	for {
		event, err := p.Next()
		if err != nil || event == xpp.EndDocument {
			return false
		}
		if event == xpp.StartTag {
			return true
		}
	}
}

// bodyReader remembers the first read error other than io.EOF.
type bodyReader struct {
	r   io.Reader
	err error
}

func (b *bodyReader) Read(p []byte) (int, error) {
	n, err := b.r.Read(p)
	if err != nil && err != io.EOF && b.err == nil {
		b.err = err
	}
	return n, err
}
