package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"stock_scanner/apperrors"
)

func setBaseEnv(t *testing.T) {
	t.Helper()
	t.Setenv("NOTIFY_CHANNEL", "log")
	t.Setenv("SOURCES_DIR", "sources")
}

func TestLoad_Defaults(t *testing.T) {
	setBaseEnv(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if cfg.Scheduler.Interval != time.Hour {
		t.Fatalf("expected 60 minute interval, got %s", cfg.Scheduler.Interval)
	}
	if cfg.Scraper.MaxRetries != 3 || cfg.Scraper.RetryDelay != 5*time.Second {
		t.Fatalf("unexpected retry settings %+v", cfg.Scraper)
	}
	if cfg.RateLimit.RequestsPerMinute != 30 || !cfg.RateLimit.Enabled {
		t.Fatalf("unexpected rate limit %+v", cfg.RateLimit)
	}
	if cfg.Breaker.FailureThreshold != 5 || cfg.Breaker.RecoveryTimeout != time.Minute {
		t.Fatalf("unexpected breaker %+v", cfg.Breaker)
	}
	if cfg.Notify.ListingsPerMessage != 10 || cfg.Notify.MaxMessageLength != 4000 || !cfg.Notify.Summary {
		t.Fatalf("unexpected notify settings %+v", cfg.Notify)
	}
	if cfg.Scraper.FallbackMaxAge != 24*time.Hour || cfg.Scraper.IncrementalMaxDays != 30 {
		t.Fatalf("unexpected fallback/incremental settings %+v", cfg.Scraper)
	}

	if len(cfg.Sources) != 3 {
		t.Fatalf("expected 3 sources, got %d", len(cfg.Sources))
	}
	ids := []string{cfg.Sources[0].ID, cfg.Sources[1].ID, cfg.Sources[2].ID}
	if ids[0] != "fse" || ids[1] != "hkex" || ids[2] != "nasdaq" {
		t.Fatalf("sources should be sorted by id, got %v", ids)
	}
	nasdaq := cfg.Sources[2]
	if !nasdaq.Render || nasdaq.Endpoints["page"] == "" || nasdaq.Headers["Origin"] != "https://www.nasdaq.com" {
		t.Fatalf("nasdaq source not fully loaded: %+v", nasdaq)
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	setBaseEnv(t)
	t.Setenv("SCRAPING_INTERVAL_MINUTES", "15")
	t.Setenv("SCRAPE_CRON", "*/5 * * * *")
	t.Setenv("RATE_LIMIT_ENABLED", "false")
	t.Setenv("LISTINGS_PER_MESSAGE", "oops")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if cfg.Scheduler.Interval != 15*time.Minute || cfg.Scheduler.Cron != "*/5 * * * *" {
		t.Fatalf("unexpected scheduler %+v", cfg.Scheduler)
	}
	if cfg.RateLimit.Enabled {
		t.Fatalf("rate limit should be disabled")
	}
	if cfg.Notify.ListingsPerMessage != 10 {
		t.Fatalf("unparseable value should fall back to the default, got %d", cfg.Notify.ListingsPerMessage)
	}
}

func TestLoad_DefaultSourcesWhenDirMissing(t *testing.T) {
	setBaseEnv(t)
	t.Setenv("SOURCES_DIR", filepath.Join(t.TempDir(), "missing"))

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if len(cfg.Sources) != len(DefaultSources()) {
		t.Fatalf("expected built-in sources, got %d", len(cfg.Sources))
	}
}

func TestLoad_TelegramNeedsCredentials(t *testing.T) {
	setBaseEnv(t)
	t.Setenv("NOTIFY_CHANNEL", "telegram")
	t.Setenv("TELEGRAM_BOT_TOKEN", "")

	_, err := Load()
	var cfgErr *apperrors.ConfigurationError
	if !errors.As(err, &cfgErr) || cfgErr.Field != "TELEGRAM_BOT_TOKEN" {
		t.Fatalf("expected missing token error, got %v", err)
	}
}

func TestLoad_BadSourceYAML(t *testing.T) {
	setBaseEnv(t)
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "broken.yaml"), []byte("id: [unterminated"), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("SOURCES_DIR", dir)

	_, err := Load()
	var cfgErr *apperrors.ConfigurationError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("expected ConfigurationError, got %v", err)
	}
}

func TestValidate_DuplicateSourceIDs(t *testing.T) {
	cfg := &Config{
		Scheduler: SchedulerConfig{Interval: time.Hour},
		Scraper:   ScraperConfig{MaxRetries: 1},
		Sources: []*SourceConfig{
			{ID: "hkex", Extractor: "hkex"},
			{ID: "hkex", Extractor: "hkex"},
		},
	}
	if err := cfg.Validate(); err == nil {
		t.Fatalf("duplicate ids should be rejected")
	}
}

func TestSourceConfig_Matches(t *testing.T) {
	disabled := false
	src := &SourceConfig{ID: "nasdaq", Exchange: "NASDAQ", Aliases: []string{"nyse"}, Enabled: &disabled}

	for _, filter := range []string{"", "nasdaq", "NASDAQ", " nyse "} {
		if !src.Matches(filter) {
			t.Fatalf("expected %q to match", filter)
		}
	}
	if src.Matches("hkex") {
		t.Fatalf("hkex should not match nasdaq")
	}
	if src.IsEnabled() {
		t.Fatalf("explicitly disabled source reported enabled")
	}
	if !(&SourceConfig{}).IsEnabled() {
		t.Fatalf("sources default to enabled")
	}
}
