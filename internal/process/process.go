package process

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"feedstash/aggregator/internal/feed"
	"feedstash/aggregator/internal/ingest"
)

const defaultFeedTimeout = 2 * time.Minute

// Fetcher retrieves and parses a single feed.
type Fetcher interface {
	FetchAndParse(ctx context.Context, url string) (*feed.Document, error)
}

// Resolver turns a subscription source into feed URLs.
type Resolver interface {
	Resolve(ctx context.Context, source string) ([]string, error)
}

// Ingester stores the new entries of a document.
type Ingester interface {
	Ingest(ctx context.Context, doc *feed.Document) (*ingest.Result, error)
}

// Outcome is the result of processing one feed URL. Exactly one of Result
// and Err is set.
type Outcome struct {
	URL      string
	Document *feed.Document
	Result   *ingest.Result
	Err      error
}

// MarshalJSON renders Err as the tagged error object, or as a bare detail
// when the failure was never classified.
func (o Outcome) MarshalJSON() ([]byte, error) {
	out := struct {
		URL    string         `json:"url"`
		Title  string         `json:"title,omitempty"`
		Items  int            `json:"items"`
		Result *ingest.Result `json:"result,omitempty"`
		Error  any            `json:"error,omitempty"`
	}{
		URL:    o.URL,
		Result: o.Result,
	}
	if o.Document != nil {
		out.Title = o.Document.Meta.Title
		out.Items = len(o.Document.Items)
	}
	if o.Err != nil {
		var fe *feed.Error
		if errors.As(o.Err, &fe) {
			out.Error = fe
		} else {
			// Untagged failures carry no origin.
			out.Error = struct {
				Detail string `json:"detail"`
				URL    string `json:"url,omitempty"`
			}{o.Err.Error(), o.URL}
		}
	}
	return json.Marshal(out)
}

// Report aggregates the outcomes of one subscription run in subscription order.
type Report struct {
	Source   string    `json:"source"`
	Outcomes []Outcome `json:"outcomes"`
	Inserted int       `json:"inserted"`
	Failed   int       `json:"failed"`
}

// Config controls the bulk pipeline.
type Config struct {
	// Workers caps concurrent feeds; zero or less means unbounded.
	Workers     int
	FeedTimeout time.Duration
}

// FeedProcessor wires fetching, subscription resolution and ingestion.
type FeedProcessor struct {
	fetcher     Fetcher
	resolver    Resolver
	ingester    Ingester
	workers     int
	feedTimeout time.Duration

	processed  atomic.Int64
	inserted   atomic.Int64
	duplicates atomic.Int64
	failed     atomic.Int64
}

// NewFeedProcessor creates a processor. Any of its collaborators may be shared
// between processors.
func NewFeedProcessor(fetcher Fetcher, resolver Resolver, ingester Ingester, cfg Config) (*FeedProcessor, error) {
	if fetcher == nil || ingester == nil {
		return nil, fmt.Errorf("fetcher and ingester cannot be nil")
	}
	if cfg.FeedTimeout <= 0 {
		cfg.FeedTimeout = defaultFeedTimeout
	}
	return &FeedProcessor{
		fetcher:     fetcher,
		resolver:    resolver,
		ingester:    ingester,
		workers:     cfg.Workers,
		feedTimeout: cfg.FeedTimeout,
	}, nil
}

// ProcessFeed fetches, parses and ingests a single feed.
func (p *FeedProcessor) ProcessFeed(ctx context.Context, url string) Outcome {
	feedCtx, cancel := context.WithTimeout(ctx, p.feedTimeout)
	defer cancel()

	outcome := Outcome{URL: url}
	p.processed.Add(1)

	log.Info().Str("url", url).Msg("Processing feed")

	doc, err := p.fetcher.FetchAndParse(feedCtx, url)
	if err != nil {
		p.failed.Add(1)
		log.Warn().Err(err).Str("url", url).Msg("Error fetching feed")
		outcome.Err = err
		return outcome
	}
	outcome.Document = doc

	result, err := p.ingester.Ingest(feedCtx, doc)
	if err != nil {
		p.failed.Add(1)
		log.Error().Err(err).Str("url", url).Msg("Error ingesting feed")
		outcome.Err = err
		return outcome
	}
	outcome.Result = result

	p.inserted.Add(int64(result.Inserted))
	p.duplicates.Add(int64(result.Duplicates))
	return outcome
}

// ProcessSubscriptions resolves source and processes every listed feed
// concurrently. A failing feed never cancels its siblings; only a failure to
// resolve the subscription list is returned as an error.
func (p *FeedProcessor) ProcessSubscriptions(ctx context.Context, source string) (*Report, error) {
	if p.resolver == nil {
		return nil, fmt.Errorf("no subscription resolver configured")
	}

	urls, err := p.resolver.Resolve(ctx, source)
	if err != nil {
		return nil, fmt.Errorf("resolving subscriptions %s: %w", source, err)
	}
	log.Info().
		Str("source", source).
		Int("feeds", len(urls)).
		Msg("Loaded subscriptions to process")

	return p.ProcessFeeds(ctx, source, urls), nil
}

// ProcessFeeds processes urls concurrently and reports outcomes in input order.
func (p *FeedProcessor) ProcessFeeds(ctx context.Context, source string, urls []string) *Report {
	outcomes := make([]Outcome, len(urls))

	// Workers never return an error, so the group context is only cancelled
	// by the caller.
	g, gctx := errgroup.WithContext(ctx)
	if p.workers > 0 {
		g.SetLimit(p.workers)
	}
	for i, url := range urls {
		g.Go(func() error {
			outcomes[i] = p.ProcessFeed(gctx, url)
			return nil
		})
	}
	_ = g.Wait()

	report := &Report{Source: source, Outcomes: outcomes}
	for _, o := range outcomes {
		if o.Err != nil {
			report.Failed++
			continue
		}
		report.Inserted += o.Result.Inserted
	}

	log.Info().
		Str("source", source).
		Int("feeds", len(urls)).
		Int("inserted", report.Inserted).
		Int("failed", report.Failed).
		Msg("Subscription run finished")
	return report
}

// Stats returns counters accumulated over the processor's lifetime.
func (p *FeedProcessor) Stats() (processed, inserted, duplicates, failed int64) {
	return p.processed.Load(), p.inserted.Load(), p.duplicates.Load(), p.failed.Load()
}
