// Package notify turns new listings into chat messages and delivers them
// through a rate-limited, breaker-guarded channel with a file fallback.
package notify

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"unicode/utf8"

	"stock_scanner/identity"
	"stock_scanner/models"
)

const (
	DefaultListingsPerMessage = 10
	DefaultMaxMessageLength   = 4000

	// partSuffixReserve is the room kept for a " (Part NN/NN)" suffix when
	// splitting.
	partSuffixReserve = len(" (Part 99/99)")
)

var htmlEscaper = strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;")
var attrEscaper = strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;", `"`, "&quot;")

// Message is one chat message. ListingIDs names the listings it announces.
type Message struct {
	Title      string
	Body       string
	Exchange   string
	ListingIDs []int64
}

// Text is what goes on the wire.
func (m Message) Text() string {
	return m.Title + "\n\n" + m.Body
}

// Dedupe drops repeated (exchange, symbol, id) entries, keeping the first.
func Dedupe(records []models.Listing) []models.Listing {
	seen := make(map[string]bool, len(records))
	out := make([]models.Listing, 0, len(records))
	for _, l := range records {
		key := identity.ListingKey(l.ExchangeCode, l.Symbol) + "#" + strconv.FormatInt(l.ID, 10)
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, l)
	}
	return out
}

// FormatChunks groups listings by exchange, newest listing date first, and
// cuts each group into messages of at most perMessage entries.
func FormatChunks(records []models.Listing, perMessage int) []Message {
	if perMessage <= 0 {
		perMessage = DefaultListingsPerMessage
	}

	groups := make(map[string][]models.Listing)
	for _, l := range records {
		code := identity.NormalizeExchange(l.ExchangeCode)
		groups[code] = append(groups[code], l)
	}
	codes := make([]string, 0, len(groups))
	for code := range groups {
		codes = append(codes, code)
	}
	sort.Strings(codes)

	var messages []Message
	for _, code := range codes {
		group := groups[code]
		sort.SliceStable(group, func(i, j int) bool {
			return group[i].ListingDate.After(group[j].ListingDate)
		})

		parts := (len(group) + perMessage - 1) / perMessage
		for p := 0; p < parts; p++ {
			end := min((p+1)*perMessage, len(group))
			chunk := group[p*perMessage : end]

			title := fmt.Sprintf("🔔 %s New Listings", code)
			if parts > 1 {
				title += fmt.Sprintf(" (Part %d/%d)", p+1, parts)
			}

			entries := make([]string, len(chunk))
			ids := make([]int64, len(chunk))
			for i, l := range chunk {
				entries[i] = FormatListing(l)
				ids[i] = l.ID
			}
			messages = append(messages, Message{
				Title:      title,
				Body:       strings.Join(entries, "\n\n"),
				Exchange:   code,
				ListingIDs: ids,
			})
		}
	}
	return messages
}

// FormatSummary counts records per exchange for the message that leads a
// notification batch.
func FormatSummary(records []models.Listing) Message {
	counts := make(map[string]int)
	for _, l := range records {
		counts[identity.NormalizeExchange(l.ExchangeCode)]++
	}
	codes := make([]string, 0, len(counts))
	for code := range counts {
		codes = append(codes, code)
	}
	sort.Strings(codes)

	var b strings.Builder
	fmt.Fprintf(&b, "Found %d new listings across %d exchanges:\n", len(records), len(codes))
	for _, code := range codes {
		fmt.Fprintf(&b, "• %s: %d listings\n", code, counts[code])
	}
	b.WriteString("\nDetailed listings will follow in separate messages.")

	return Message{Title: "🔔 New Stock Listings Alert", Body: b.String()}
}

// FormatListing renders one listing as Telegram HTML.
func FormatListing(l models.Listing) string {
	var b strings.Builder

	symbol := htmlEscaper.Replace(l.Symbol)
	if l.URL != "" {
		symbol = fmt.Sprintf(`<a href="%s">%s</a>`, attrEscaper.Replace(l.URL), symbol)
	}
	fmt.Fprintf(&b, "<b>%s</b> (%s)\n", htmlEscaper.Replace(l.Name), symbol)

	if !l.ListingDate.IsZero() {
		fmt.Fprintf(&b, "📅 Listing Date: %s\n", l.ListingDate.Format("2006-01-02"))
	}
	fmt.Fprintf(&b, "📊 Lot Size: %s\n", thousands(l.LotSize))
	if l.Status != "" {
		fmt.Fprintf(&b, "📝 Status: %s\n", htmlEscaper.Replace(l.Status))
	}
	if l.SecurityType != "" {
		fmt.Fprintf(&b, "🔖 Type: %s\n", htmlEscaper.Replace(l.SecurityType))
	}
	if l.DetailURL != "" {
		fmt.Fprintf(&b, "🌐 <a href=\"%s\">View Details</a>\n", attrEscaper.Replace(l.DetailURL))
	}
	return strings.TrimRight(b.String(), "\n")
}

func thousands(n int) string {
	s := strconv.Itoa(n)
	neg := strings.HasPrefix(s, "-")
	s = strings.TrimPrefix(s, "-")
	for i := len(s) - 3; i > 0; i -= 3 {
		s = s[:i] + "," + s[i:]
	}
	if neg {
		return "-" + s
	}
	return s
}

// SplitMessage keeps every part's Text within maxLen characters. Bodies are
// cut at blank lines when they have any and by characters otherwise; each
// part repeats the title with a " (Part i/N)" suffix. All parts carry the
// original ListingIDs.
func SplitMessage(m Message, maxLen int) []Message {
	if maxLen <= 0 {
		maxLen = DefaultMaxMessageLength
	}
	if utf8.RuneCountInString(m.Text()) <= maxLen {
		return []Message{m}
	}

	limit := maxLen - utf8.RuneCountInString(m.Title) - partSuffixReserve - 2
	if limit < 1 {
		limit = 1
	}

	var pieces []string
	if strings.Contains(m.Body, "\n\n") {
		pieces = splitParagraphs(m.Body, limit)
	} else {
		pieces = splitRunes(m.Body, limit)
	}

	parts := make([]Message, len(pieces))
	for i, p := range pieces {
		parts[i] = Message{
			Title:      fmt.Sprintf("%s (Part %d/%d)", m.Title, i+1, len(pieces)),
			Body:       p,
			Exchange:   m.Exchange,
			ListingIDs: m.ListingIDs,
		}
	}
	return parts
}

func splitParagraphs(body string, limit int) []string {
	var (
		pieces  []string
		current string
	)
	flush := func() {
		if current != "" {
			pieces = append(pieces, current)
			current = ""
		}
	}
	for _, para := range strings.Split(body, "\n\n") {
		if utf8.RuneCountInString(para) > limit {
			flush()
			pieces = append(pieces, splitRunes(para, limit)...)
			continue
		}
		candidate := para
		if current != "" {
			candidate = current + "\n\n" + para
		}
		if utf8.RuneCountInString(candidate) > limit {
			flush()
			current = para
			continue
		}
		current = candidate
	}
	flush()
	return pieces
}

func splitRunes(s string, limit int) []string {
	r := []rune(s)
	var pieces []string
	for len(r) > 0 {
		n := min(limit, len(r))
		pieces = append(pieces, string(r[:n]))
		r = r[n:]
	}
	return pieces
}
