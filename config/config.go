package config

import (
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"stock_scanner/apperrors"
)

type Config struct {
	Env         string
	LogLevel    string
	LogPath     string
	DBPath      string
	DatabaseURL string
	HTTPAddr    string

	Scheduler SchedulerConfig
	Scraper   ScraperConfig
	RateLimit RateLimitConfig
	Breaker   BreakerConfig
	Notify    NotifyConfig
	Archive   ArchiveConfig

	// SourcesDir holds one YAML file per source.
	SourcesDir string
	Sources    []*SourceConfig
}

type SchedulerConfig struct {
	Interval time.Duration
	Cron     string
}

type ScraperConfig struct {
	MaxRetries         int
	RetryDelay         time.Duration
	RequestTimeout     time.Duration
	UserAgent          string
	ProxyURL           string
	BackoffBase        time.Duration
	BackoffMax         time.Duration
	CacheDir           string
	CacheMaxAge        time.Duration
	FallbackEnabled    bool
	FallbackMaxAge     time.Duration
	IncrementalEnabled bool
	IncrementalMaxDays int
	BrowserRender      bool
}

type RateLimitConfig struct {
	Enabled           bool
	RequestsPerMinute int
	DomainSpecific    bool
}

type BreakerConfig struct {
	FailureThreshold int
	RecoveryTimeout  time.Duration
	HalfOpenMaxCalls int
}

type NotifyConfig struct {
	Enabled            bool
	Channel            string // telegram or log
	TelegramToken      string
	TelegramChatID     string
	TelegramAPIBase    string
	ListingsPerMessage int
	MaxMessageLength   int
	MessageDelay       time.Duration
	Summary            bool
	MaxRetries         int
	RequestsPerMinute  int
	FallbackDir        string
}

// ArchiveConfig points at S3-compatible storage that mirrors notification
// fallback files. Empty Bucket disables archival.
type ArchiveConfig struct {
	Bucket          string
	Region          string
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
}

type SourceConfig struct {
	ID         string            `yaml:"id"`
	Name       string            `yaml:"name"`
	Exchange   string            `yaml:"exchange"`
	Extractor  string            `yaml:"extractor"`
	Enabled    *bool             `yaml:"enabled"`
	Aliases    []string          `yaml:"aliases"`
	TimeoutSec int               `yaml:"timeout_sec"`
	Render     bool              `yaml:"render"`
	Headers    map[string]string `yaml:"headers"`
	Endpoints  map[string]string `yaml:"endpoints"`
}

func (s *SourceConfig) IsEnabled() bool {
	return s.Enabled == nil || *s.Enabled
}

// Matches reports whether a scan filter selects this source.
func (s *SourceConfig) Matches(filter string) bool {
	filter = strings.ToLower(strings.TrimSpace(filter))
	if filter == "" || filter == strings.ToLower(s.ID) || filter == strings.ToLower(s.Exchange) {
		return true
	}
	for _, a := range s.Aliases {
		if filter == strings.ToLower(a) {
			return true
		}
	}
	return false
}

func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Env:         getEnv("ENV", "development"),
		LogLevel:    getEnv("LOG_LEVEL", "info"),
		LogPath:     getEnv("LOG_PATH", "scanner.log"),
		DBPath:      getEnv("DB_PATH", "stock_scanner.db"),
		DatabaseURL: os.Getenv("DATABASE_URL"),
		HTTPAddr:    getEnv("HTTP_ADDR", ":8080"),
		Scheduler: SchedulerConfig{
			Interval: time.Duration(getEnvInt("SCRAPING_INTERVAL_MINUTES", 60)) * time.Minute,
			Cron:     os.Getenv("SCRAPE_CRON"),
		},
		Scraper: ScraperConfig{
			MaxRetries:         getEnvInt("MAX_RETRIES", 3),
			RetryDelay:         time.Duration(getEnvInt("RETRY_DELAY_SECONDS", 5)) * time.Second,
			RequestTimeout:     time.Duration(getEnvInt("REQUEST_TIMEOUT", 30)) * time.Second,
			UserAgent:          getEnv("USER_AGENT", "StockScanner/1.0"),
			ProxyURL:           os.Getenv("HTTP_PROXY_URL"),
			BackoffBase:        time.Duration(getEnvInt("BACKOFF_BASE_MS", 1000)) * time.Millisecond,
			BackoffMax:         time.Duration(getEnvInt("BACKOFF_MAX_SECONDS", 60)) * time.Second,
			CacheDir:           getEnv("CACHE_DIR", "cache"),
			CacheMaxAge:        time.Duration(getEnvInt("CACHE_MAX_AGE_HOURS", 24)) * time.Hour,
			FallbackEnabled:    getEnvBool("FALLBACK_ENABLED", true),
			FallbackMaxAge:     time.Duration(getEnvInt("FALLBACK_MAX_AGE_HOURS", 24)) * time.Hour,
			IncrementalEnabled: getEnvBool("INCREMENTAL_SCRAPING_ENABLED", true),
			IncrementalMaxDays: getEnvInt("INCREMENTAL_SCRAPING_MAX_DAYS", 30),
			BrowserRender:      getEnvBool("BROWSER_RENDER_ENABLED", false),
		},
		RateLimit: RateLimitConfig{
			Enabled:           getEnvBool("RATE_LIMIT_ENABLED", true),
			RequestsPerMinute: getEnvInt("RATE_LIMIT_REQUESTS_PER_MINUTE", 30),
			DomainSpecific:    getEnvBool("RATE_LIMIT_DOMAIN_SPECIFIC", true),
		},
		Breaker: BreakerConfig{
			FailureThreshold: getEnvInt("CIRCUIT_FAILURE_THRESHOLD", 5),
			RecoveryTimeout:  time.Duration(getEnvInt("CIRCUIT_RECOVERY_TIMEOUT_SECONDS", 60)) * time.Second,
			HalfOpenMaxCalls: getEnvInt("CIRCUIT_HALF_OPEN_MAX_CALLS", 1),
		},
		Notify: NotifyConfig{
			Enabled:            getEnvBool("NOTIFICATIONS_ENABLED", true),
			Channel:            getEnv("NOTIFY_CHANNEL", "telegram"),
			TelegramToken:      os.Getenv("TELEGRAM_BOT_TOKEN"),
			TelegramChatID:     os.Getenv("TELEGRAM_CHAT_ID"),
			TelegramAPIBase:    getEnv("TELEGRAM_API_BASE", "https://api.telegram.org"),
			ListingsPerMessage: getEnvInt("LISTINGS_PER_MESSAGE", 10),
			MaxMessageLength:   getEnvInt("MAX_MESSAGE_LENGTH", 4000),
			MessageDelay:       time.Duration(getEnvInt("MESSAGE_DELAY_MS", 1000)) * time.Millisecond,
			Summary:            getEnvBool("NOTIFY_SUMMARY_ENABLED", true),
			MaxRetries:         getEnvInt("NOTIFY_MAX_RETRIES", 3),
			RequestsPerMinute:  getEnvInt("NOTIFY_REQUESTS_PER_MINUTE", 20),
			FallbackDir:        getEnv("NOTIFY_FALLBACK_DIR", "notifications"),
		},
		Archive: ArchiveConfig{
			Bucket:          os.Getenv("ARCHIVE_S3_BUCKET"),
			Region:          getEnv("ARCHIVE_S3_REGION", "us-east-1"),
			Endpoint:        os.Getenv("ARCHIVE_S3_ENDPOINT"),
			AccessKeyID:     os.Getenv("ARCHIVE_S3_ACCESS_KEY_ID"),
			SecretAccessKey: os.Getenv("ARCHIVE_S3_SECRET_ACCESS_KEY"),
		},
		SourcesDir: getEnv("SOURCES_DIR", "config/sources"),
	}

	if err := cfg.loadSourceConfigs(); err != nil {
		return nil, err
	}
	if len(cfg.Sources) == 0 {
		cfg.Sources = DefaultSources()
	}

	return cfg, cfg.Validate()
}

// Validate catches settings the daemon cannot start with.
func (c *Config) Validate() error {
	if c.Notify.Enabled && c.Notify.Channel == "telegram" {
		if c.Notify.TelegramToken == "" {
			return &apperrors.ConfigurationError{Field: "TELEGRAM_BOT_TOKEN", Msg: "required when NOTIFY_CHANNEL=telegram"}
		}
		if c.Notify.TelegramChatID == "" {
			return &apperrors.ConfigurationError{Field: "TELEGRAM_CHAT_ID", Msg: "required when NOTIFY_CHANNEL=telegram"}
		}
	}
	if c.Scraper.MaxRetries < 1 {
		return &apperrors.ConfigurationError{Field: "MAX_RETRIES", Msg: "must be at least 1"}
	}
	if c.Scheduler.Cron == "" && c.Scheduler.Interval <= 0 {
		return &apperrors.ConfigurationError{Field: "SCRAPING_INTERVAL_MINUTES", Msg: "must be positive when SCRAPE_CRON is unset"}
	}
	seen := make(map[string]bool)
	for _, s := range c.Sources {
		if s.ID == "" || s.Extractor == "" {
			return &apperrors.ConfigurationError{Field: "sources", Msg: "every source needs id and extractor"}
		}
		if seen[s.ID] {
			return &apperrors.ConfigurationError{Field: "sources", Msg: "duplicate source id " + s.ID}
		}
		seen[s.ID] = true
	}
	return nil
}

func (c *Config) loadSourceConfigs() error {
	entries, err := os.ReadDir(c.SourcesDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".yaml" {
			continue
		}

		path := filepath.Join(c.SourcesDir, entry.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}

		var src SourceConfig
		if err := yaml.Unmarshal(data, &src); err != nil {
			return &apperrors.ConfigurationError{Field: path, Msg: err.Error()}
		}
		c.Sources = append(c.Sources, &src)
	}

	sort.Slice(c.Sources, func(i, j int) bool { return c.Sources[i].ID < c.Sources[j].ID })
	return nil
}

// DefaultSources is used when no source YAML files are present.
func DefaultSources() []*SourceConfig {
	return []*SourceConfig{
		{
			ID:        "fse",
			Name:      "Frankfurt Stock Exchange",
			Exchange:  "FSE",
			Extractor: "frankfurt",
			Aliases:   []string{"frankfurt"},
			Headers: map[string]string{
				"Accept-Language": "de-DE,de;q=0.9,en;q=0.8",
			},
			Endpoints: map[string]string{
				"announcements": "https://www.deutsche-boerse-cash-market.com/dbcm-de/newsroom/fwb-bekanntmachungen/fwb-bekanntmachungen-ii",
			},
		},
		{
			ID:        "hkex",
			Name:      "Hong Kong Stock Exchange",
			Exchange:  "HKEX",
			Extractor: "hkex",
			Endpoints: map[string]string{
				"listings": "https://www.hkex.com.hk/Services/Trading/Securities/Trading-News/Newly-Listed-Securities?sc_lang=en",
			},
		},
		{
			ID:        "nasdaq",
			Name:      "NASDAQ IPO Calendar",
			Exchange:  "NASDAQ",
			Extractor: "nasdaq",
			Aliases:   []string{"nyse"},
			Headers: map[string]string{
				"Accept": "application/json, text/plain, */*",
			},
			Endpoints: map[string]string{
				"api":       "https://api.nasdaq.com/api/ipo/calendar",
				"alternate": "https://api.nasdaq.com/api/ipo/calendar",
				"page":      "https://www.nasdaq.com/market-activity/ipos",
			},
		},
	}
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

func getEnvBool(key string, defaultVal bool) bool {
	if val := os.Getenv(key); val != "" {
		if b, err := strconv.ParseBool(val); err == nil {
			return b
		}
	}
	return defaultVal
}
