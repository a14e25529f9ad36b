package identity

import (
	"crypto/sha256"
	"encoding/hex"
	"net/url"
	"regexp"
	"strings"
)

var multiSpaceRegex = regexp.MustCompile(`\s+`)

// NormalizeSymbol trims and upper-cases a ticker or ISIN.
func NormalizeSymbol(symbol string) string {
	return strings.ToUpper(strings.TrimSpace(symbol))
}

// NormalizeExchange maps an exchange code to its canonical upper-case form.
func NormalizeExchange(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// NormalizeName collapses runs of whitespace.
func NormalizeName(name string) string {
	return strings.TrimSpace(multiSpaceRegex.ReplaceAllString(name, " "))
}

// ListingKey is the dedup key for a listing: exchange plus symbol.
func ListingKey(exchange, symbol string) string {
	return NormalizeExchange(exchange) + ":" + NormalizeSymbol(symbol)
}

// ContentKey hashes a request identity for the response cache. Params are
// encoded in sorted order so equal requests share a key.
func ContentKey(method, rawURL string, params url.Values) string {
	input := strings.ToUpper(method) + "|" + rawURL
	if len(params) > 0 {
		input += "?" + params.Encode()
	}
	hash := sha256.Sum256([]byte(input))
	return hex.EncodeToString(hash[:])
}
