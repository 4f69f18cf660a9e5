// Package opml resolves an OPML subscription list into feed URLs.
package opml

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"strings"

	xpp "github.com/mmcdole/goxpp"
	"github.com/rs/zerolog/log"
	"golang.org/x/net/html/charset"

	"feedstash/aggregator/internal/feed"
)

var (
	// ErrNotOPML is returned when the document root is not <opml>.
	ErrNotOPML = errors.New("document is not OPML")
)

// Opener fetches remote documents. *feed.Fetcher satisfies it.
type Opener interface {
	Open(ctx context.Context, url string) (io.ReadCloser, error)
}

// Resolver turns an OPML source into the ordered list of feed URLs it subscribes to.
type Resolver struct {
	opener Opener
}

// NewResolver creates a resolver that fetches remote sources through opener.
func NewResolver(opener Opener) *Resolver {
	return &Resolver{opener: opener}
}

// Resolve reads source, an http(s) URL, a file:// URL or a local path, and
// returns its feed URLs in document order. Errors are *feed.Error values.
func (r *Resolver) Resolve(ctx context.Context, source string) ([]string, error) {
	body, err := r.open(ctx, source)
	if err != nil {
		return nil, err
	}
	defer body.Close()

	urls, err := Parse(body)
	if err != nil {
		return nil, feed.ParseError(source, err)
	}

	log.Info().
		Str("source", source).
		Int("feeds", len(urls)).
		Msg("Resolved subscriptions")
	return urls, nil
}

func (r *Resolver) open(ctx context.Context, source string) (io.ReadCloser, error) {
	u, err := url.Parse(source)
	if err == nil && (u.Scheme == "http" || u.Scheme == "https") {
		return r.opener.Open(ctx, source)
	}

	path := source
	if err == nil && u.Scheme == "file" {
		path = u.Path
	}

	log.Debug().Str("path", path).Msg("Using local OPML file")
	f, err := os.Open(path)
	if err != nil {
		return nil, &feed.Error{Origin: feed.OriginTransport, URL: source, Err: err}
	}
	return f, nil
}

// Parse pulls outlines from r one at a time. An outline counts as a feed when
// it declares an xmlUrl. Outlines nested in another outline are never listed.
func Parse(r io.Reader) ([]string, error) {
	p := xpp.NewXMLPullParser(r, false, charset.NewReaderLabel)

	urls := []string{}
	seenRoot := false
	for {
		event, err := p.Next()
		if err != nil {
			return nil, err
		}

		switch event {
		case xpp.EndDocument:
			if !seenRoot {
				return nil, ErrNotOPML
			}
			return urls, nil

		case xpp.StartTag:
			name := strings.ToLower(p.Name)
			if !seenRoot {
				if name != "opml" {
					return nil, fmt.Errorf("%w: root element is <%s>", ErrNotOPML, p.Name)
				}
				seenRoot = true
				continue
			}
			if name != "outline" {
				continue
			}

			if xmlURL := attr(p, "xmlUrl"); xmlURL != "" {
				urls = append(urls, xmlURL)
			}
			// Children of any outline, feed or folder, are not listed.
			if err := p.Skip(); err != nil {
				return nil, err
			}
		}
	}
}

// attr looks up an attribute ignoring case; OPML producers disagree on xmlUrl vs xmlurl.
func attr(p *xpp.XMLPullParser, name string) string {
	for _, a := range p.Attrs {
		if strings.EqualFold(a.Name.Local, name) {
			return strings.TrimSpace(a.Value)
		}
	}
	return ""
}
