package scraper

import (
	"bytes"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"stock_scanner/apperrors"
	"stock_scanner/identity"
	"stock_scanner/logging"
	"stock_scanner/models"
)

const (
	hkexBaseURL       = "https://www.hkex.com.hk"
	hkexListingsPage  = hkexBaseURL + "/Services/Trading/Securities/Trading-News/Newly-Listed-Securities?sc_lang=en"
	hkexBasicScope    = "Market%20Data|Listing"
	hkexExpandedScope = "Market%20Data|Products|Services|Listing|News|FAQ|Global"
	hkexMinColumns    = 10
)

// Corporate actions that rarely have their own detail page, so the market
// search is widened.
var hkexCorporateActions = []string{
	"Share Consolidation",
	"Trading in the Nil Paid Rights",
	"Suspended",
	"Delisted",
	"Stock Split",
}

// ExtractHKEX parses the "Newly Listed Securities" table.
func ExtractHKEX(content []byte) ([]models.Listing, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(content))
	if err != nil {
		return nil, &apperrors.ParsingError{Source: "hkex", Msg: "invalid html", Err: err}
	}

	table := doc.Find("table.migrate").First()
	if table.Length() == 0 {
		return nil, &apperrors.ParsingError{Source: "hkex", Msg: "listings table not found"}
	}

	var listings []models.Listing
	table.Find("tr").Each(func(i int, row *goquery.Selection) {
		if i == 0 {
			return
		}
		cols := row.Find("td")
		if cols.Length() < hkexMinColumns {
			logging.Get().Debugw("skipping hkex row with too few columns", "columns", cols.Length())
			return
		}
		listing, err := parseHKEXRow(cols)
		if err != nil {
			logging.Get().Warnw("skipping hkex row", "error", err)
			return
		}
		listings = append(listings, listing)
	})

	return listings, nil
}

func parseHKEXRow(cols *goquery.Selection) (models.Listing, error) {
	dateText := strings.TrimSpace(strings.TrimRight(strings.TrimSpace(cols.Eq(0).Text()), "*"))
	listingDate, err := time.Parse("02/01/2006", dateText)
	if err != nil {
		return models.Listing{}, fmt.Errorf("listing date %q: %w", dateText, err)
	}

	nameCol := cols.Eq(1)
	name := identity.NormalizeName(nameCol.Text())
	symbol := strings.TrimSpace(cols.Eq(2).Text())
	if name == "" || symbol == "" {
		return models.Listing{}, fmt.Errorf("missing name or symbol")
	}

	lotText := strings.ReplaceAll(strings.TrimSpace(cols.Eq(3).Text()), ",", "")
	lotSize, err := strconv.Atoi(lotText)
	if err != nil {
		return models.Listing{}, fmt.Errorf("lot size %q: %w", lotText, err)
	}

	status := identity.NormalizeName(cols.Eq(8).Text())
	if status == "" {
		status = "New Listing"
	}

	link := hkexListingsPage
	if href, ok := nameCol.Find("a").First().Attr("href"); ok && strings.TrimSpace(href) != "" {
		link = absoluteURL(hkexBaseURL, strings.TrimSpace(href))
	}

	return models.Listing{
		Name:         name,
		Symbol:       symbol,
		ListingDate:  listingDate,
		LotSize:      lotSize,
		Status:       status,
		ExchangeCode: "HKEX",
		SecurityType: hkexSecurityType(symbol, name),
		URL:          link,
		DetailURL:    hkexDetailURL(symbol, status),
	}, nil
}

func hkexSecurityType(symbol, name string) string {
	switch {
	case strings.Contains(name, "Note") || strings.Contains(name, "Bond") || strings.Contains(name, "B28"):
		return "Bond/Note"
	case strings.HasPrefix(symbol, "85"):
		return "Futures/Options"
	case strings.Contains(name, "RTS"):
		return "Rights Issue"
	default:
		return "Equity"
	}
}

func hkexDetailURL(symbol, status string) string {
	clean := strings.TrimLeft(symbol, "0")
	scope := hkexBasicScope
	for _, action := range hkexCorporateActions {
		if strings.Contains(status, action) {
			scope = hkexExpandedScope
			break
		}
	}
	return fmt.Sprintf("%s/Global/HKEX-Market-Search-Result?sc_lang=en&q=%s&sym=%s&u=%s", hkexBaseURL, clean, clean, scope)
}

func absoluteURL(base, href string) string {
	ref, err := url.Parse(href)
	if err != nil {
		return href
	}
	if ref.IsAbs() {
		return href
	}
	b, err := url.Parse(base)
	if err != nil {
		return href
	}
	return b.ResolveReference(ref).String()
}
