package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/pkg/errors"

	"stock_scanner/apperrors"
	"stock_scanner/config"
	"stock_scanner/fetch"
	"stock_scanner/httputil"
	"stock_scanner/logging"
	"stock_scanner/models"
	"stock_scanner/notify"
	"stock_scanner/resilience"
	"stock_scanner/scheduler"
	"stock_scanner/scraper"
	"stock_scanner/server"
	"stock_scanner/services"
	"stock_scanner/storage"
)

var (
	scanNow  = flag.Bool("scan", false, "Run one scan and exit")
	exchange = flag.String("exchange", "", "Limit the scan to one exchange (hkex, nasdaq, nyse, fse)")
)

func main() {
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		logging.Get().Fatalw("failed to load config", "error", err)
	}

	logFile, err := logging.Setup(cfg.LogPath, cfg.Env, cfg.LogLevel)
	if err != nil {
		logging.Get().Warnw("could not set up file logging", "error", err)
	} else if logFile != nil {
		defer logFile.Close()
	}
	defer logging.Sync()
	log := logging.Get()

	log.Infow("starting stock scanner", "env", cfg.Env, "sources", len(cfg.Sources))
	for _, src := range cfg.Sources {
		log.Infow("source configured", "id", src.ID, "name", src.Name, "enabled", src.IsEnabled())
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store, err := openStore(ctx, cfg)
	if err != nil {
		log.Fatalw("failed to open storage", "error", err)
	}
	defer store.Close()

	var archiver notify.Archiver
	if cfg.Archive.Bucket != "" {
		a, err := storage.NewS3Archiver(ctx, cfg.Archive)
		if err != nil {
			log.Warnw("fallback archive disabled", "error", err)
		} else {
			archiver = a
			log.Infow("fallback files archived to s3", "bucket", cfg.Archive.Bucket)
		}
	}

	if err := verifyChannel(ctx, cfg); err != nil {
		log.Fatalw("notification channel rejected", "error", err)
	}

	listings := services.NewListingService(store)
	build := func(trigger models.TriggerKind) (*scraper.Orchestrator, func(), error) {
		return buildScanner(cfg, store, listings, archiver, trigger)
	}

	if *scanNow {
		orchestrator, release, err := build(models.TriggerCLI)
		if err != nil {
			log.Fatalw("failed to build scanner", "error", err)
		}
		defer release()

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		go func() {
			<-sigCh
			cancel()
		}()

		summary, err := orchestrator.ScanAndProcess(ctx, *exchange)
		if err != nil {
			log.Errorw("scan failed", "error", err)
		}
		if summary != nil {
			log.Infow("scan complete",
				"scan_id", summary.ScanID,
				"found", len(summary.AllListings),
				"saved", summary.SavedCount,
				"new", len(summary.NewListings),
				"unnotified_sent", summary.UnnotifiedSent,
				"new_notified", summary.NewNotified,
				"source_errors", summary.SourceErrors)
		}
		if err != nil {
			logging.Sync()
			os.Exit(1)
		}
		return
	}

	// Daemon mode
	scheduled, releaseScheduled, err := build(models.TriggerScheduled)
	if err != nil {
		log.Fatalw("failed to build scanner", "error", err)
	}
	defer releaseScheduled()

	sched := scheduler.New(cfg.Scheduler, scheduled, func() (scheduler.Scanner, func(), error) {
		o, release, err := build(models.TriggerManual)
		if err != nil {
			return nil, nil, err
		}
		return o, release, nil
	})
	if err := sched.Start(ctx); err != nil {
		log.Fatalw("failed to start scheduler", "error", err)
	}

	health := services.NewHealthcheckService(store, func() []*resilience.CircuitBreaker {
		var breakers []*resilience.CircuitBreaker
		for _, r := range scheduled.Runners() {
			breakers = append(breakers, r.Breaker())
		}
		return breakers
	})

	var srv *server.Server
	if cfg.HTTPAddr != "" {
		srv = server.New(cfg.HTTPAddr, sched, health)
		go func() {
			if err := srv.ListenAndServe(); err != nil {
				log.Errorw("http server stopped", "error", err)
			}
		}()
	}

	log.Info("daemon running, press Ctrl+C to stop")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Info("shutting down")
	if srv != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Warnw("http server shutdown", "error", err)
		}
		shutdownCancel()
	}
	sched.Stop()
	log.Info("goodbye")
}

func openStore(ctx context.Context, cfg *config.Config) (storage.Store, error) {
	if cfg.DatabaseURL != "" {
		pg, err := storage.NewPostgresStore(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, errors.Wrap(err, "connect postgres")
		}
		logging.Get().Infow("connected to postgres", "url", maskConnectionString(cfg.DatabaseURL))
		return pg, nil
	}

	sqlite, err := storage.NewSQLiteStore(cfg.DBPath)
	if err != nil {
		return nil, errors.Wrap(err, "open sqlite")
	}
	logging.Get().Infow("using sqlite database", "path", cfg.DBPath)
	return sqlite, nil
}

// buildScanner assembles a scanner with its own HTTP clients, runners,
// breakers, limiters and browser. The store and listing service are shared.
func buildScanner(cfg *config.Config, store storage.Store, listings *services.ListingService, archiver notify.Archiver, trigger models.TriggerKind) (*scraper.Orchestrator, func(), error) {
	clients := httputil.NewClients(cfg)

	var renderer *scraper.BrowserRenderer
	var fetchRenderer fetch.Renderer
	if cfg.Scraper.BrowserRender {
		renderer = scraper.NewBrowserRenderer(cfg.Scraper.UserAgent)
		fetchRenderer = renderer
	}

	release := func() {
		if renderer != nil {
			renderer.Close()
		}
		clients.CloseIdle()
	}

	runners, err := scraper.BuildRunners(cfg, clients.Scraping, fetchRenderer)
	if err != nil {
		release()
		return nil, nil, err
	}

	var notifier scraper.Notifier
	if cfg.Notify.Enabled {
		dispatcher, err := buildDispatcher(cfg, clients, store, archiver)
		if err != nil {
			release()
			return nil, nil, err
		}
		notifier = dispatcher
	}

	orchestrator := scraper.NewOrchestrator(runners, listings, notifier, store, scraper.OrchestratorOptions{
		MaxRetries: cfg.Scraper.MaxRetries,
		RetryDelay: cfg.Scraper.RetryDelay,
		Trigger:    trigger,
	})
	return orchestrator, release, nil
}

// verifyChannel checks the Telegram credentials once at startup. Only a
// configuration problem is fatal; an unreachable API is logged.
func verifyChannel(ctx context.Context, cfg *config.Config) error {
	if !cfg.Notify.Enabled || !strings.EqualFold(cfg.Notify.Channel, "telegram") {
		return nil
	}
	clients := httputil.NewClients(cfg)
	defer clients.CloseIdle()

	tg, err := notify.NewTelegramChannel(clients.Notify, cfg.Notify.TelegramAPIBase, cfg.Notify.TelegramToken, cfg.Notify.TelegramChatID)
	if err != nil {
		return err
	}
	vctx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	err = tg.Verify(vctx)
	var cfgErr *apperrors.ConfigurationError
	switch {
	case err == nil:
		logging.Get().Infow("telegram bot verified")
	case errors.As(err, &cfgErr):
		return err
	default:
		logging.Get().Warnw("could not verify telegram bot, continuing", "error", err)
	}
	return nil
}

func buildDispatcher(cfg *config.Config, clients *httputil.Clients, store storage.Store, archiver notify.Archiver) (*notify.Dispatcher, error) {
	var channel notify.Channel
	switch strings.ToLower(cfg.Notify.Channel) {
	case "telegram":
		tg, err := notify.NewTelegramChannel(clients.Notify, cfg.Notify.TelegramAPIBase, cfg.Notify.TelegramToken, cfg.Notify.TelegramChatID)
		if err != nil {
			return nil, err
		}
		channel = tg
	case "log":
		channel = notify.LogChannel{}
	default:
		return nil, errors.Errorf("unknown notification channel %q", cfg.Notify.Channel)
	}

	breaker := resilience.NewCircuitBreaker("notify-"+channel.Name(), resilience.BreakerConfig{
		FailureThreshold: cfg.Breaker.FailureThreshold,
		RecoveryTimeout:  cfg.Breaker.RecoveryTimeout,
		HalfOpenMaxCalls: cfg.Breaker.HalfOpenMaxCalls,
	})
	limiter := resilience.NewRateLimiter(resilience.RateLimitConfig{
		Enabled:           true,
		RequestsPerMinute: cfg.Notify.RequestsPerMinute,
	})

	var fallback *notify.FileFallback
	if cfg.Notify.FallbackDir != "" {
		fallback = notify.NewFileFallback(cfg.Notify.FallbackDir, archiver)
	}

	tx := notify.NewTransmitter(channel, breaker, limiter, fallback, notify.TransmitterConfig{
		MaxRetries:  cfg.Notify.MaxRetries,
		BackoffBase: cfg.Scraper.BackoffBase,
		BackoffMax:  cfg.Scraper.BackoffMax,
	})
	return notify.NewDispatcher(tx, store, notify.DispatcherConfig{
		ListingsPerMessage: cfg.Notify.ListingsPerMessage,
		MaxMessageLength:   cfg.Notify.MaxMessageLength,
		MessageDelay:       cfg.Notify.MessageDelay,
		Summary:            cfg.Notify.Summary,
	}), nil
}

// maskConnectionString hides the password in a connection URL for logging.
func maskConnectionString(connStr string) string {
	start := strings.Index(connStr, "://")
	if start < 0 {
		return connStr
	}
	start += 3

	at := strings.LastIndex(connStr, "@")
	if at < start {
		return connStr
	}
	colon := strings.Index(connStr[start:at], ":")
	if colon < 0 {
		return connStr
	}
	return connStr[:start+colon+1] + "****" + connStr[at:]
}
