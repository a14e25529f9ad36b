package scraper

import (
	"context"
	"strings"
	"time"

	"stock_scanner/apperrors"
	"stock_scanner/config"
	"stock_scanner/fetch"
	"stock_scanner/models"
)

// Window is the date range a scrape is interested in. Sources may use it to
// pick endpoints; it never filters records.
type Window struct {
	Since time.Time
	Until time.Time
}

// Fetcher is the slice of fetch.Engine a source needs.
type Fetcher interface {
	Fetch(ctx context.Context, req fetch.Request) ([]byte, error)
}

// ExtractFunc turns raw page content into listings. It performs no I/O,
// returns a ParsingError when the page as a whole is unusable and skips rows
// it cannot read.
type ExtractFunc func(content []byte) ([]models.Listing, error)

// Source fetches and normalizes the listings of one exchange feed.
type Source interface {
	ID() string
	Exchange() string
	Scrape(ctx context.Context, f Fetcher, w Window) ([]models.Listing, error)
}

type sourceFactory func(cfg *config.SourceConfig) (Source, error)

var sourceFactories = map[string]sourceFactory{
	"hkex":      newHKEXSource,
	"nasdaq":    newNasdaqSource,
	"frankfurt": newFrankfurtSource,
}

// NewSource picks the implementation named by cfg.Extractor.
func NewSource(cfg *config.SourceConfig) (Source, error) {
	factory, ok := sourceFactories[strings.ToLower(cfg.Extractor)]
	if !ok {
		return nil, &apperrors.ConfigurationError{Field: "sources." + cfg.ID + ".extractor", Msg: "unknown extractor " + cfg.Extractor}
	}
	return factory(cfg)
}

// pageSource is a source backed by a single page and an extractor.
type pageSource struct {
	id       string
	exchange string
	req      fetch.Request
	extract  ExtractFunc
}

func (s *pageSource) ID() string       { return s.id }
func (s *pageSource) Exchange() string { return s.exchange }

func (s *pageSource) Scrape(ctx context.Context, f Fetcher, _ Window) ([]models.Listing, error) {
	body, err := f.Fetch(ctx, s.req)
	if err != nil {
		return nil, err
	}
	return s.extract(body)
}

func endpoint(cfg *config.SourceConfig, name string) (string, error) {
	u := cfg.Endpoints[name]
	if u == "" {
		return "", &apperrors.ConfigurationError{Field: "sources." + cfg.ID + ".endpoints." + name, Msg: "missing"}
	}
	return u, nil
}

func requestTimeout(cfg *config.SourceConfig) time.Duration {
	if cfg.TimeoutSec > 0 {
		return time.Duration(cfg.TimeoutSec) * time.Second
	}
	return 0
}

func newHKEXSource(cfg *config.SourceConfig) (Source, error) {
	u, err := endpoint(cfg, "listings")
	if err != nil {
		return nil, err
	}
	return &pageSource{
		id:       cfg.ID,
		exchange: "HKEX",
		req:      fetch.Request{URL: u, Headers: cfg.Headers, Timeout: requestTimeout(cfg)},
		extract:  ExtractHKEX,
	}, nil
}

func newFrankfurtSource(cfg *config.SourceConfig) (Source, error) {
	u, err := endpoint(cfg, "announcements")
	if err != nil {
		return nil, err
	}
	return &pageSource{
		id:       cfg.ID,
		exchange: "FSE",
		req:      fetch.Request{URL: u, Headers: cfg.Headers, Timeout: requestTimeout(cfg)},
		extract:  ExtractFrankfurt,
	}, nil
}
