package scraper

import (
	"bytes"
	"fmt"
	"regexp"
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
	frankfurtBaseURL   = "https://www.deutsche-boerse-cash-market.com"
	frankfurtSearchURL = "https://www.boerse-frankfurt.de/suchergebnisse/"
	frankfurtHomeURL   = "https://www.boerse-frankfurt.de/"
)

var (
	isinParagraphRegex = regexp.MustCompile(`ISIN:\s*([A-Z0-9]+)`)
	isinTitleRegex     = regexp.MustCompile(`([A-Z]{2}[A-Z0-9]{10})`)

	germanMonths = map[string]time.Month{
		"januar": time.January, "februar": time.February, "märz": time.March,
		"april": time.April, "mai": time.May, "juni": time.June,
		"juli": time.July, "august": time.August, "september": time.September,
		"oktober": time.October, "november": time.November, "dezember": time.December,
	}
)

// ExtractFrankfurt parses the FWB announcement list. Each announcement is
// keyed by its ISIN; bulk "Diverse" notices get a synthetic key from date
// and announcement type.
func ExtractFrankfurt(content []byte) ([]models.Listing, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(content))
	if err != nil {
		return nil, &apperrors.ParsingError{Source: "fse", Msg: "invalid html", Err: err}
	}

	list := doc.Find("ol.list.search-results")
	if list.Length() == 0 {
		return nil, &apperrors.ParsingError{Source: "fse", Msg: "announcement list not found"}
	}

	var listings []models.Listing
	list.Children().Filter("li").Each(func(_ int, item *goquery.Selection) {
		listing, err := parseFrankfurtItem(item)
		if err != nil {
			logging.Get().Debugw("skipping fse announcement", "error", err)
			return
		}
		listings = append(listings, listing)
	})
	return listings, nil
}

func parseFrankfurtItem(item *goquery.Selection) (models.Listing, error) {
	titleEl := item.Find(".contentCol > h3 > a").First()
	if titleEl.Length() == 0 {
		return models.Listing{}, fmt.Errorf("announcement without title")
	}
	title := identity.NormalizeName(titleEl.Text())
	link, _ := titleEl.Attr("href")

	dateText := strings.TrimSpace(item.Find(".indexCol > .date").First().Text())
	category := strings.ToLower(strings.TrimSpace(item.Find(".contentCol > .categories").First().Text()))
	isinText := strings.TrimSpace(item.Find(".contentCol > p").First().Text())

	listingDate := parseGermanDate(dateText)
	lowerTitle := strings.ToLower(title)

	announcementType := ""
	if i := strings.Index(lowerTitle, ":"); i >= 0 {
		announcementType = strings.TrimSpace(lowerTitle[:i])
	}

	securityType := "Security"
	switch {
	case strings.Contains(category, "aktien"):
		securityType = "Equity"
	case strings.Contains(category, "anleihen"):
		securityType = "Bond"
	case strings.Contains(category, "strukturierte produkte"):
		securityType = "Structured Product"
	}

	var isin string
	diverse := false
	if m := isinParagraphRegex.FindStringSubmatch(isinText); m != nil {
		isin = m[1]
	} else if strings.Contains(isinText, "Diverse") {
		isin = strings.ToUpper(fmt.Sprintf("DIVERSE-%s-%s", listingDate.Format("20060102"), truncate(announcementType, 5)))
		diverse = true
	} else if m := isinTitleRegex.FindString(title); m != "" {
		isin = m
	} else {
		return models.Listing{}, fmt.Errorf("no isin in %q", title)
	}

	company := "Unknown"
	if i := strings.Index(title, ":"); i >= 0 {
		if c := strings.TrimSpace(title[i+1:]); c != "" {
			company = c
		}
	}
	if company == "Diverse" {
		desc := securityType
		if desc == "Security" {
			desc = "Securities"
		}
		company = fmt.Sprintf("Multiple %s - %s", desc, announcementType)
	}

	var status string
	switch {
	case strings.Contains(lowerTitle, "einbeziehung"):
		status = "New Listing"
	case strings.Contains(lowerTitle, "wiederaufnahme"):
		status = "Resumption of Trading"
	case strings.Contains(lowerTitle, "einstellung"):
		status = "Delisting"
	case announcementType != "":
		status = capitalize(announcementType)
	default:
		status = "Information"
	}

	detail := frankfurtHomeURL
	if !diverse {
		detail = frankfurtSearchURL + isin
	}

	var announcementURL string
	if link = strings.TrimSpace(link); link != "" {
		announcementURL = absoluteURL(frankfurtBaseURL+"/", link)
	}

	return models.Listing{
		Name:         company,
		Symbol:       isin,
		ListingDate:  listingDate,
		LotSize:      1,
		Status:       status,
		ExchangeCode: "FSE",
		SecurityType: securityType,
		URL:          announcementURL,
		DetailURL:    detail,
	}, nil
}

// parseGermanDate reads "14. März 2025"; anything else becomes today.
func parseGermanDate(text string) time.Time {
	today := clock().UTC().Truncate(24 * time.Hour)
	parts := strings.Fields(text)
	if len(parts) < 3 {
		return today
	}
	day, err := strconv.Atoi(strings.TrimSuffix(parts[0], "."))
	if err != nil {
		return today
	}
	month, ok := germanMonths[strings.ToLower(parts[1])]
	if !ok {
		return today
	}
	year, err := strconv.Atoi(parts[2])
	if err != nil {
		return today
	}
	return time.Date(year, month, day, 0, 0, 0, 0, time.UTC)
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	r := []rune(s)
	return strings.ToUpper(string(r[0])) + string(r[1:])
}
