package notify

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"stock_scanner/apperrors"
	"stock_scanner/models"
	"stock_scanner/resilience"
)

// scriptedChannel returns errs in order, then succeeds.
type scriptedChannel struct {
	mu    sync.Mutex
	errs  []error
	fail  func(text string) error
	texts []string
}

func (c *scriptedChannel) Name() string { return "scripted" }

func (c *scriptedChannel) Send(_ context.Context, text string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.texts = append(c.texts, text)
	if c.fail != nil {
		return c.fail(text)
	}
	if len(c.texts) <= len(c.errs) {
		return c.errs[len(c.texts)-1]
	}
	return nil
}

func newTestTransmitter(t *testing.T, ch Channel, dir string) (*Transmitter, *[]time.Duration) {
	t.Helper()
	breaker := resilience.NewCircuitBreaker("notify-test", resilience.BreakerConfig{FailureThreshold: 5, RecoveryTimeout: time.Minute, HalfOpenMaxCalls: 1})
	limiter := resilience.NewRateLimiter(resilience.RateLimitConfig{Enabled: false})
	tx := NewTransmitter(ch, breaker, limiter, NewFileFallback(dir, nil), TransmitterConfig{
		MaxRetries:  3,
		BackoffBase: time.Second,
		BackoffMax:  30 * time.Second,
	})
	var slept []time.Duration
	tx.sleep = func(_ context.Context, d time.Duration) error {
		slept = append(slept, d)
		return nil
	}
	return tx, &slept
}

func fallbackFiles(t *testing.T, dir string) []string {
	t.Helper()
	matches, err := filepath.Glob(filepath.Join(dir, "notification_*.json"))
	if err != nil {
		t.Fatalf("glob failed: %v", err)
	}
	return matches
}

var testMessage = Message{Title: "🔔 HKEX New Listings", Body: "<b>ACME</b> (00001)", Exchange: "HKEX", ListingIDs: []int64{1}}

func TestSend_DeliversFirstTry(t *testing.T) {
	ch := &scriptedChannel{}
	tx, slept := newTestTransmitter(t, ch, t.TempDir())

	res := tx.Send(context.Background(), testMessage)
	if !res.Delivered || res.Attempts != 1 {
		t.Fatalf("unexpected delivery %+v", res)
	}
	if ch.texts[0] != "🔔 HKEX New Listings\n\n<b>ACME</b> (00001)" {
		t.Fatalf("unexpected text %q", ch.texts[0])
	}
	if len(*slept) != 0 {
		t.Fatalf("no backoff expected, got %v", *slept)
	}
}

func TestSend_BadRequestGoesStraightToFallback(t *testing.T) {
	dir := t.TempDir()
	ch := &scriptedChannel{fail: func(string) error {
		return &apperrors.HTTPError{StatusCode: http.StatusBadRequest, URL: "telegram sendMessage", Message: "can't parse entities"}
	}}
	tx, slept := newTestTransmitter(t, ch, dir)

	res := tx.Send(context.Background(), testMessage)
	if res.Delivered {
		t.Fatalf("message should not be delivered")
	}
	if len(ch.texts) != 1 || res.Attempts != 1 {
		t.Fatalf("400 must not be retried, got %d calls", len(ch.texts))
	}
	if len(*slept) != 0 {
		t.Fatalf("400 must not back off, got %v", *slept)
	}
	files := fallbackFiles(t, dir)
	if len(files) != 1 || res.FallbackPath != files[0] {
		t.Fatalf("expected exactly one fallback file at %s, got %v", res.FallbackPath, files)
	}
	if tx.Breaker().Failures() != 0 {
		t.Fatalf("data errors should not count against the breaker")
	}

	data, err := os.ReadFile(files[0])
	if err != nil {
		t.Fatalf("read fallback failed: %v", err)
	}
	var rec fallbackRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		t.Fatalf("fallback is not json: %v", err)
	}
	if rec.Title != testMessage.Title || rec.Message != testMessage.Text() || !strings.Contains(rec.Error, "400") {
		t.Fatalf("unexpected fallback record %+v", rec)
	}
}

func TestSend_ServerErrorsRetryThenFallback(t *testing.T) {
	dir := t.TempDir()
	ch := &scriptedChannel{fail: func(string) error {
		return &apperrors.HTTPError{StatusCode: http.StatusBadGateway, URL: "telegram sendMessage"}
	}}
	tx, slept := newTestTransmitter(t, ch, dir)

	res := tx.Send(context.Background(), testMessage)
	if res.Delivered || res.Attempts != 3 || len(ch.texts) != 3 {
		t.Fatalf("expected 3 attempts, got %+v with %d calls", res, len(ch.texts))
	}
	if len(*slept) != 2 || (*slept)[0] != time.Second || (*slept)[1] != 2*time.Second {
		t.Fatalf("expected backoff 1s,2s got %v", *slept)
	}
	if len(fallbackFiles(t, dir)) != 1 {
		t.Fatalf("expected one fallback file")
	}
	if tx.Breaker().Failures() != 3 {
		t.Fatalf("expected 3 breaker failures, got %d", tx.Breaker().Failures())
	}
}

func TestSend_TooManyRequestsHonoursRetryAfter(t *testing.T) {
	ch := &scriptedChannel{errs: []error{
		&apperrors.HTTPError{StatusCode: http.StatusTooManyRequests, RetryAfter: 5 * time.Second},
		&apperrors.HTTPError{StatusCode: http.StatusTooManyRequests, RetryAfter: 5 * time.Minute},
	}}
	tx, slept := newTestTransmitter(t, ch, t.TempDir())

	res := tx.Send(context.Background(), testMessage)
	if !res.Delivered || res.Attempts != 3 {
		t.Fatalf("expected delivery on the third attempt, got %+v", res)
	}
	if len(*slept) != 2 || (*slept)[0] != 5*time.Second || (*slept)[1] != time.Minute {
		t.Fatalf("expected retry-after 5s then capped 60s, got %v", *slept)
	}
}

func TestSend_NetworkErrorRecovers(t *testing.T) {
	ch := &scriptedChannel{errs: []error{errors.New("connection reset by peer")}}
	tx, _ := newTestTransmitter(t, ch, t.TempDir())

	res := tx.Send(context.Background(), testMessage)
	if !res.Delivered || res.Attempts != 2 {
		t.Fatalf("expected delivery on retry, got %+v", res)
	}
	if tx.Breaker().Failures() != 0 {
		t.Fatalf("success should reset breaker failures")
	}
}

func TestSend_OpenBreakerSkipsChannel(t *testing.T) {
	dir := t.TempDir()
	ch := &scriptedChannel{}
	tx, _ := newTestTransmitter(t, ch, dir)
	for i := 0; i < 5; i++ {
		tx.Breaker().RecordFailure()
	}

	res := tx.Send(context.Background(), testMessage)
	if res.Delivered || len(ch.texts) != 0 {
		t.Fatalf("open breaker should block the channel")
	}
	var unavailable *apperrors.UnavailableError
	if !errors.As(res.Err, &unavailable) {
		t.Fatalf("expected UnavailableError, got %v", res.Err)
	}
	if len(fallbackFiles(t, dir)) != 1 {
		t.Fatalf("blocked message should go to the fallback")
	}
}

type recordingAudit struct {
	created []models.NotificationLog
	updated []models.NotificationLog
}

func (a *recordingAudit) CreateNotificationLog(_ context.Context, n *models.NotificationLog) error {
	n.ID = int64(len(a.created) + 1)
	a.created = append(a.created, *n)
	return nil
}

func (a *recordingAudit) UpdateNotificationLog(_ context.Context, n *models.NotificationLog) error {
	a.updated = append(a.updated, *n)
	return nil
}

func TestDispatcher_ReportsDeliveredIDs(t *testing.T) {
	dir := t.TempDir()
	ch := &scriptedChannel{fail: func(text string) error {
		if strings.Contains(text, "NASDAQ") {
			return &apperrors.HTTPError{StatusCode: http.StatusBadRequest, Message: "bad entity"}
		}
		return nil
	}}
	tx, _ := newTestTransmitter(t, ch, dir)
	audit := &recordingAudit{}
	d := NewDispatcher(tx, audit, DispatcherConfig{MessageDelay: time.Second})
	var delays []time.Duration
	d.sleep = func(_ context.Context, dur time.Duration) error {
		delays = append(delays, dur)
		return nil
	}

	report := d.Notify(context.Background(), []models.Listing{
		testListing(1, "HKEX", "00001", 3),
		testListing(2, "HKEX", "00002", 2),
		testListing(3, "NASDAQ", "ABC", 1),
	})
	if report.Sent != 1 || report.Failed != 1 || report.OK() {
		t.Fatalf("unexpected report %+v", report)
	}
	if len(report.Delivered) != 2 || report.Delivered[0] != 1 || report.Delivered[1] != 2 {
		t.Fatalf("only HKEX ids should be delivered, got %v", report.Delivered)
	}
	if len(delays) != 1 || delays[0] != time.Second {
		t.Fatalf("expected one delay between two messages, got %v", delays)
	}

	if len(audit.created) != 2 || audit.created[0].Status != models.NotificationPending {
		t.Fatalf("expected 2 pending audit entries, got %+v", audit.created)
	}
	if len(audit.updated) != 2 {
		t.Fatalf("expected 2 audit updates, got %d", len(audit.updated))
	}
	if audit.updated[0].Status != models.NotificationSent || audit.updated[1].Status != models.NotificationFailed {
		t.Fatalf("unexpected audit statuses %s, %s", audit.updated[0].Status, audit.updated[1].Status)
	}
	var meta auditMetadata
	if err := json.Unmarshal(audit.updated[1].Metadata, &meta); err != nil {
		t.Fatalf("bad metadata: %v", err)
	}
	if meta.FallbackFile == "" || meta.Exchange != "NASDAQ" || meta.Attempts != 1 || meta.ListingIDs[0] != 3 {
		t.Fatalf("unexpected metadata %+v", meta)
	}
}

type failingAudit struct {
	createErr error
	updateErr error
	updates   int
}

func (a *failingAudit) CreateNotificationLog(_ context.Context, n *models.NotificationLog) error {
	if a.createErr != nil {
		return a.createErr
	}
	n.ID = 1
	return nil
}

func (a *failingAudit) UpdateNotificationLog(context.Context, *models.NotificationLog) error {
	a.updates++
	return a.updateErr
}

func TestDispatcher_AuditFailuresDoNotBlockDelivery(t *testing.T) {
	for _, audit := range []*failingAudit{
		{createErr: errors.New("database is locked")},
		{updateErr: errors.New("database is locked")},
	} {
		ch := &scriptedChannel{}
		tx, _ := newTestTransmitter(t, ch, t.TempDir())
		d := NewDispatcher(tx, audit, DispatcherConfig{})

		report := d.Notify(context.Background(), []models.Listing{testListing(1, "HKEX", "00001", 3)})
		if report.Sent != 1 || !report.OK() || len(report.Delivered) != 1 {
			t.Fatalf("audit failure changed delivery: %+v", report)
		}
		if len(ch.texts) != 1 {
			t.Fatalf("expected one message, got %d", len(ch.texts))
		}
		if audit.createErr != nil && audit.updates != 0 {
			t.Fatalf("an entry that was never created should not be updated")
		}
	}
}

func TestDispatcher_FallbackWriteFails(t *testing.T) {
	blocked := filepath.Join(t.TempDir(), "blocked")
	if err := os.WriteFile(blocked, []byte("not a directory"), 0o644); err != nil {
		t.Fatal(err)
	}
	ch := &scriptedChannel{fail: func(string) error {
		return &apperrors.HTTPError{StatusCode: http.StatusBadRequest, Message: "can't parse entities"}
	}}
	tx, _ := newTestTransmitter(t, ch, blocked)

	res := tx.Send(context.Background(), testMessage)
	if res.Delivered || res.FallbackPath != "" || res.Err == nil {
		t.Fatalf("unexpected delivery %+v", res)
	}

	audit := &recordingAudit{}
	d := NewDispatcher(tx, audit, DispatcherConfig{})
	report := d.Notify(context.Background(), []models.Listing{testListing(1, "HKEX", "00001", 3)})
	if report.Failed != 1 || len(report.Delivered) != 0 {
		t.Fatalf("unexpected report %+v", report)
	}
	if len(audit.updated) != 1 || audit.updated[0].Status != models.NotificationError {
		t.Fatalf("expected an error audit status, got %+v", audit.updated)
	}
}

func TestDispatcher_LeadingSummary(t *testing.T) {
	ch := &scriptedChannel{}
	tx, _ := newTestTransmitter(t, ch, t.TempDir())
	audit := &recordingAudit{}
	d := NewDispatcher(tx, audit, DispatcherConfig{MessageDelay: time.Second, Summary: true})
	var delays []time.Duration
	d.sleep = func(_ context.Context, dur time.Duration) error {
		delays = append(delays, dur)
		return nil
	}

	report := d.Notify(context.Background(), []models.Listing{
		testListing(1, "NASDAQ", "ABC", 1),
		testListing(2, "hkex", "00001", 3),
		testListing(3, "HKEX", "00002", 2),
	})
	if report.Sent != 2 || len(report.Delivered) != 3 {
		t.Fatalf("summary should not count as a listing message: %+v", report)
	}
	if len(ch.texts) != 3 {
		t.Fatalf("expected summary plus 2 exchange messages, got %d", len(ch.texts))
	}
	want := "🔔 New Stock Listings Alert\n\nFound 3 new listings across 2 exchanges:\n" +
		"• HKEX: 2 listings\n• NASDAQ: 1 listings\n\nDetailed listings will follow in separate messages."
	if ch.texts[0] != want {
		t.Fatalf("unexpected summary:\n%s", ch.texts[0])
	}
	if !strings.HasPrefix(ch.texts[1], "🔔 HKEX New Listings") {
		t.Fatalf("listing messages should follow the summary, got %q", ch.texts[1])
	}
	if len(delays) != 2 {
		t.Fatalf("expected a delay before each listing message, got %v", delays)
	}
	if audit.created[0].Type != models.NotificationTypeSummary || audit.created[1].Type != models.NotificationTypeNewListings {
		t.Fatalf("unexpected audit types %s, %s", audit.created[0].Type, audit.created[1].Type)
	}
}

func TestDispatcher_EmptyInput(t *testing.T) {
	ch := &scriptedChannel{}
	tx, _ := newTestTransmitter(t, ch, t.TempDir())
	report := NewDispatcher(tx, nil, DispatcherConfig{}).Notify(context.Background(), nil)
	if report.Sent != 0 || report.Failed != 0 || len(ch.texts) != 0 {
		t.Fatalf("nothing should be sent, got %+v", report)
	}
}

func TestTelegramChannel_Send(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/botTOKEN/sendMessage" || r.Method != http.MethodPost {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		body, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(body, &got)
		io.WriteString(w, `{"ok":true,"result":{}}`)
	}))
	defer srv.Close()

	ch, err := NewTelegramChannel(srv.Client(), srv.URL+"/", "TOKEN", "-100123")
	if err != nil {
		t.Fatalf("new channel failed: %v", err)
	}
	if err := ch.Send(context.Background(), "<b>hi</b>"); err != nil {
		t.Fatalf("send failed: %v", err)
	}
	if got["chat_id"] != "-100123" || got["text"] != "<b>hi</b>" || got["parse_mode"] != "HTML" {
		t.Fatalf("unexpected payload %v", got)
	}
}

func TestTelegramChannel_Verify(t *testing.T) {
	var valid atomic.Bool
	valid.Store(true)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/botTOKEN/getMe" || r.Method != http.MethodGet {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if !valid.Load() {
			w.WriteHeader(http.StatusUnauthorized)
			io.WriteString(w, `{"ok":false,"description":"Unauthorized"}`)
			return
		}
		io.WriteString(w, `{"ok":true,"result":{"is_bot":true}}`)
	}))
	defer srv.Close()

	ch, _ := NewTelegramChannel(srv.Client(), srv.URL, "TOKEN", "1")
	if err := ch.Verify(context.Background()); err != nil {
		t.Fatalf("valid token rejected: %v", err)
	}

	valid.Store(false)
	err := ch.Verify(context.Background())
	var cfgErr *apperrors.ConfigurationError
	if !errors.As(err, &cfgErr) || cfgErr.Field != "TELEGRAM_BOT_TOKEN" {
		t.Fatalf("expected ConfigurationError for a rejected token, got %v", err)
	}
	if strings.Contains(err.Error(), "TOKEN/") {
		t.Fatalf("error leaks the token: %v", err)
	}

	srv.Close()
	err = ch.Verify(context.Background())
	if err == nil || errors.As(err, &cfgErr) {
		t.Fatalf("unreachable api should not be a configuration error, got %v", err)
	}
}

func TestTelegramChannel_Errors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		io.WriteString(w, `{"ok":false,"description":"Too Many Requests: retry after 7","parameters":{"retry_after":7}}`)
	}))
	ch, _ := NewTelegramChannel(srv.Client(), srv.URL, "TOKEN", "1")

	err := ch.Send(context.Background(), "x")
	var httpErr *apperrors.HTTPError
	if !errors.As(err, &httpErr) || httpErr.StatusCode != http.StatusTooManyRequests || httpErr.RetryAfter != 7*time.Second {
		t.Fatalf("expected 429 with retry-after 7s, got %v", err)
	}

	srv.Close()
	err = ch.Send(context.Background(), "x")
	if err == nil {
		t.Fatalf("expected a transport error")
	}
	if errors.As(err, new(*apperrors.HTTPError)) {
		t.Fatalf("transport error should not be an HTTPError: %v", err)
	}
	if strings.Contains(err.Error(), "TOKEN") {
		t.Fatalf("error leaks the bot token: %v", err)
	}
}

func TestTelegramChannel_OkFalseIsBadRequest(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"ok":false,"description":"Bad Request: can't parse entities"}`)
	}))
	defer srv.Close()
	ch, _ := NewTelegramChannel(srv.Client(), srv.URL, "TOKEN", "1")

	err := ch.Send(context.Background(), "<b>")
	var httpErr *apperrors.HTTPError
	if !errors.As(err, &httpErr) || httpErr.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %v", err)
	}
	if !strings.Contains(httpErr.Message, "can't parse entities") {
		t.Fatalf("unexpected message %q", httpErr.Message)
	}
}

func TestNewTelegramChannel_RequiresCredentials(t *testing.T) {
	var cfgErr *apperrors.ConfigurationError
	if _, err := NewTelegramChannel(nil, "", "", "1"); !errors.As(err, &cfgErr) {
		t.Fatalf("expected ConfigurationError without token, got %v", err)
	}
	if _, err := NewTelegramChannel(nil, "", "TOKEN", ""); !errors.As(err, &cfgErr) {
		t.Fatalf("expected ConfigurationError without chat id, got %v", err)
	}
}
