package scraper

import (
	"bytes"
	"context"
	"encoding/json"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/pkg/errors"

	"stock_scanner/apperrors"
	"stock_scanner/config"
	"stock_scanner/fetch"
	"stock_scanner/identity"
	"stock_scanner/logging"
	"stock_scanner/models"
)

const (
	nasdaqDefaultLotSize = 1000
	nasdaqMaxSymbol      = 20
	nasdaqMaxName        = 100
	nasdaqUndatedOffset  = 30 * 24 * time.Hour
)

var (
	nonDigitRegex = regexp.MustCompile(`[^\d]`)
	usDateRegex   = regexp.MustCompile(`(\d{1,2}/\d{1,2}/\d{2,4})`)

	// clock feeds the default listing date for undated rows.
	clock = time.Now
)

type nasdaqRow struct {
	CompanyName          string `json:"companyName"`
	ProposedTickerSymbol string `json:"proposedTickerSymbol"`
	PricingDate          string `json:"pricingDate"`
	ExpectedPriceDate    string `json:"expectedPriceDate"`
	Exchange             string `json:"exchange"`
	ProposedExchange     string `json:"proposedExchange"`
	SharesOffered        string `json:"sharesOffered"`
	OfferPrice           string `json:"offerPrice"`
}

type nasdaqSection struct {
	Rows []json.RawMessage `json:"rows"`
}

type nasdaqCalendar struct {
	Data *struct {
		Priced   *nasdaqSection `json:"priced"`
		Upcoming *nasdaqSection `json:"upcoming"`
		Filings  *nasdaqSection `json:"filings"`
	} `json:"data"`
}

// ExtractNasdaqAPI parses the IPO calendar JSON. Priced deals become
// "Trading", upcoming ones "Upcoming IPO" and filings "Filed IPO".
func ExtractNasdaqAPI(content []byte) ([]models.Listing, error) {
	var cal nasdaqCalendar
	if err := json.Unmarshal(content, &cal); err != nil {
		return nil, &apperrors.ParsingError{Source: "nasdaq", Msg: "invalid calendar json", Err: err}
	}
	if cal.Data == nil {
		return nil, &apperrors.ParsingError{Source: "nasdaq", Msg: "calendar response has no data section"}
	}

	sections := []struct {
		section *nasdaqSection
		status  string
	}{
		{cal.Data.Priced, "Trading"},
		{cal.Data.Upcoming, "Upcoming IPO"},
		{cal.Data.Filings, "Filed IPO"},
	}

	var listings []models.Listing
	for _, s := range sections {
		if s.section == nil {
			continue
		}
		for _, raw := range s.section.Rows {
			var row nasdaqRow
			if err := json.Unmarshal(raw, &row); err != nil {
				logging.Get().Warnw("skipping nasdaq row", "status", s.status, "error", err)
				continue
			}
			if listing, ok := nasdaqListing(row, s.status); ok {
				listings = append(listings, listing)
			}
		}
	}
	return listings, nil
}

func nasdaqListing(row nasdaqRow, status string) (models.Listing, bool) {
	name := identity.NormalizeName(row.CompanyName)
	if name == "" {
		return models.Listing{}, false
	}

	symbol := strings.TrimSpace(row.ProposedTickerSymbol)
	if symbol == "" {
		symbol = placeholderSymbol(name)
	}
	symbol = truncate(symbol, nasdaqMaxSymbol)

	dateText := strings.TrimSpace(row.PricingDate)
	if dateText == "" {
		dateText = strings.TrimSpace(row.ExpectedPriceDate)
	}

	exchangeText := strings.TrimSpace(row.Exchange)
	if exchangeText == "" {
		exchangeText = strings.TrimSpace(row.ProposedExchange)
	}

	if strings.TrimSpace(row.OfferPrice) != "" {
		status = "Trading"
	}

	return models.Listing{
		Name:         truncate(name, nasdaqMaxName),
		Symbol:       symbol,
		ListingDate:  parseUSDate(dateText),
		LotSize:      parseShares(row.SharesOffered),
		Status:       status,
		ExchangeCode: nasdaqExchangeCode(exchangeText),
		SecurityType: "Equity",
		URL:          "https://www.nasdaq.com/market-activity/stocks/" + url.PathEscape(strings.ToLower(symbol)),
	}, true
}

// ExtractNasdaqHTML is the last-resort parser for the IPO page: any table
// whose headers mention Symbol, Company or Date is read as company, symbol
// and an optional US-format date.
func ExtractNasdaqHTML(content []byte) ([]models.Listing, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(content))
	if err != nil {
		return nil, &apperrors.ParsingError{Source: "nasdaq", Msg: "invalid html", Err: err}
	}

	tables := doc.Find("table")
	if tables.Length() == 0 {
		return nil, &apperrors.ParsingError{Source: "nasdaq", Msg: "no tables in ipo page"}
	}

	var listings []models.Listing
	tables.Each(func(_ int, table *goquery.Selection) {
		header := table.Find("th").Text()
		if !strings.Contains(header, "Symbol") && !strings.Contains(header, "Company") && !strings.Contains(header, "Date") {
			return
		}
		table.Find("tr").Each(func(i int, row *goquery.Selection) {
			cols := row.Find("td")
			if cols.Length() < 3 {
				return
			}
			name := identity.NormalizeName(cols.Eq(0).Text())
			if name == "" {
				return
			}
			symbol := strings.TrimSpace(cols.Eq(1).Text())
			if symbol == "" {
				symbol = placeholderSymbol(name)
			}

			var dateText string
			cols.EachWithBreak(func(_ int, col *goquery.Selection) bool {
				if m := usDateRegex.FindString(col.Text()); m != "" {
					dateText = m
					return false
				}
				return true
			})

			listings = append(listings, models.Listing{
				Name:         truncate(name, nasdaqMaxName),
				Symbol:       truncate(symbol, nasdaqMaxSymbol),
				ListingDate:  parseUSDate(dateText),
				LotSize:      nasdaqDefaultLotSize,
				Status:       "Upcoming IPO",
				ExchangeCode: "NASDAQ",
				SecurityType: "Equity",
			})
		})
	})
	return listings, nil
}

func nasdaqExchangeCode(text string) string {
	upper := strings.ToUpper(text)
	switch {
	case strings.Contains(upper, "NASDAQ"):
		return "NASDAQ"
	case strings.Contains(upper, "NYSE"):
		return "NYSE"
	default:
		return "NASDAQ"
	}
}

func placeholderSymbol(name string) string {
	return "TBA-" + strings.TrimSpace(truncate(name, 5))
}

func parseUSDate(text string) time.Time {
	for _, layout := range []string{"01/02/2006", "1/2/2006", "2006-01-02"} {
		if t, err := time.Parse(layout, text); err == nil {
			return t
		}
	}
	return clock().UTC().Truncate(24 * time.Hour).Add(nasdaqUndatedOffset)
}

func parseShares(text string) int {
	digits := nonDigitRegex.ReplaceAllString(text, "")
	n, err := strconv.Atoi(digits)
	if err != nil || n <= 0 {
		return nasdaqDefaultLotSize
	}
	return n
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}

// nasdaqSource walks three tiers: the calendar API, the same API pinned to
// the window's month, then the IPO page.
type nasdaqSource struct {
	id        string
	headers   map[string]string
	timeout   time.Duration
	api       string
	alternate string
	page      string
	render    bool
}

func newNasdaqSource(cfg *config.SourceConfig) (Source, error) {
	api, err := endpoint(cfg, "api")
	if err != nil {
		return nil, err
	}
	return &nasdaqSource{
		id:        cfg.ID,
		headers:   cfg.Headers,
		timeout:   requestTimeout(cfg),
		api:       api,
		alternate: cfg.Endpoints["alternate"],
		page:      cfg.Endpoints["page"],
		render:    cfg.Render,
	}, nil
}

func (s *nasdaqSource) ID() string       { return s.id }
func (s *nasdaqSource) Exchange() string { return "NASDAQ" }

type nasdaqTier struct {
	name    string
	req     fetch.Request
	extract ExtractFunc
}

func (s *nasdaqSource) tiers(w Window) []nasdaqTier {
	month := w.Until
	if month.IsZero() {
		month = clock()
	}
	tiers := []nasdaqTier{
		{"api", fetch.Request{URL: s.api, Headers: s.headers, Timeout: s.timeout}, ExtractNasdaqAPI},
	}
	if s.alternate != "" {
		tiers = append(tiers, nasdaqTier{"alternate", fetch.Request{
			URL:     s.alternate,
			Headers: s.headers,
			Params:  url.Values{"date": {month.Format("2006-01")}},
			Timeout: s.timeout,
		}, ExtractNasdaqAPI})
	}
	if s.page != "" {
		tiers = append(tiers, nasdaqTier{"page", fetch.Request{
			URL:     s.page,
			Headers: map[string]string{"Accept": "text/html,application/xhtml+xml"},
			Timeout: s.timeout,
			Render:  s.render,
		}, ExtractNasdaqHTML})
	}
	return tiers
}

// Scrape returns the first tier that yields records. A tier that parses
// cleanly but is empty counts as a valid "nothing new" answer if no later
// tier does better.
func (s *nasdaqSource) Scrape(ctx context.Context, f Fetcher, w Window) ([]models.Listing, error) {
	log := logging.Get().With("source", s.id)

	var (
		lastErr  error
		anyClean bool
	)
	for _, tier := range s.tiers(w) {
		body, err := f.Fetch(ctx, tier.req)
		if err != nil {
			if ctx.Err() != nil {
				return nil, err
			}
			var unavailable *apperrors.UnavailableError
			if errors.As(err, &unavailable) {
				return nil, err
			}
			log.Warnw("nasdaq tier failed", "tier", tier.name, "error", err)
			lastErr = errors.Wrapf(err, "nasdaq %s tier", tier.name)
			continue
		}

		records, err := tier.extract(body)
		if err != nil {
			log.Warnw("nasdaq tier unparseable", "tier", tier.name, "error", err)
			lastErr = err
			continue
		}
		if len(records) > 0 {
			log.Infow("nasdaq tier succeeded", "tier", tier.name, "records", len(records))
			return records, nil
		}
		anyClean = true
		log.Infow("nasdaq tier returned no records", "tier", tier.name)
	}

	if anyClean {
		return nil, nil
	}
	return nil, lastErr
}
