package models

import "time"

type Exchange struct {
	ID          int64     `json:"id" db:"id"`
	Code        string    `json:"code" db:"code"`
	Name        string    `json:"name" db:"name"`
	URL         string    `json:"url" db:"url"`
	Description string    `json:"description" db:"description"`
	CreatedAt   time.Time `json:"created_at" db:"created_at"`
}

// KnownExchanges is the canonical exchange metadata. Listings referencing a
// code outside this table are skipped on save.
var KnownExchanges = map[string]Exchange{
	"NASDAQ": {
		Code:        "NASDAQ",
		Name:        "NASDAQ Stock Exchange",
		URL:         "https://www.nasdaq.com/",
		Description: "NASDAQ Stock Exchange",
	},
	"NYSE": {
		Code:        "NYSE",
		Name:        "New York Stock Exchange",
		URL:         "https://www.nyse.com/",
		Description: "New York Stock Exchange",
	},
	"HKEX": {
		Code:        "HKEX",
		Name:        "Hong Kong Stock Exchange",
		URL:         "https://www.hkex.com.hk/",
		Description: "Hong Kong Stock Exchange",
	},
	"FSE": {
		Code:        "FSE",
		Name:        "Frankfurt Stock Exchange",
		URL:         "https://www.boerse-frankfurt.de/en",
		Description: "Frankfurt Stock Exchange (Börse Frankfurt)",
	},
}
