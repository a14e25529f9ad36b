package scraper

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/playwright-community/playwright-go"

	"stock_scanner/logging"
)

// BrowserRenderer loads JavaScript-rendered pages in headless Chromium. The
// browser starts lazily on the first Render and lives until Close.
type BrowserRenderer struct {
	mu          sync.Mutex
	userAgent   string
	pw          *playwright.Playwright
	browser     playwright.Browser
	initialized bool
}

func NewBrowserRenderer(userAgent string) *BrowserRenderer {
	return &BrowserRenderer{userAgent: userAgent}
}

func (r *BrowserRenderer) ensureBrowser() error {
	if r.initialized {
		return nil
	}

	pw, err := playwright.Run()
	if err != nil {
		return errors.Wrap(err, "start playwright")
	}

	browser, err := pw.Chromium.Launch(playwright.BrowserTypeLaunchOptions{
		Headless: playwright.Bool(true),
		Args: []string{
			"--disable-blink-features=AutomationControlled",
			"--disable-dev-shm-usage",
			"--no-sandbox",
		},
	})
	if err != nil {
		pw.Stop()
		return errors.Wrap(err, "launch chromium")
	}

	r.pw = pw
	r.browser = browser
	r.initialized = true
	logging.Get().Info("headless browser started")
	return nil
}

// Render implements fetch.Renderer. Pages are rendered one at a time.
func (r *BrowserRenderer) Render(ctx context.Context, url string, timeout time.Duration) (int, []byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return 0, nil, err
	}
	if err := r.ensureBrowser(); err != nil {
		return 0, nil, err
	}

	page, err := r.browser.NewPage(playwright.BrowserNewPageOptions{
		UserAgent: playwright.String(r.userAgent),
	})
	if err != nil {
		return 0, nil, errors.Wrap(err, "open page")
	}
	defer page.Close()

	resp, err := page.Goto(url, playwright.PageGotoOptions{
		Timeout:   playwright.Float(float64(timeout.Milliseconds())),
		WaitUntil: playwright.WaitUntilStateNetworkidle,
	})
	if err != nil {
		return 0, nil, errors.Wrapf(err, "navigate %s", url)
	}

	status := 200
	if resp != nil {
		status = resp.Status()
	}

	html, err := page.Content()
	if err != nil {
		return status, nil, errors.Wrap(err, "read page content")
	}
	return status, []byte(html), nil
}

func (r *BrowserRenderer) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.browser != nil {
		r.browser.Close()
		r.browser = nil
	}
	if r.pw != nil {
		r.pw.Stop()
		r.pw = nil
	}
	r.initialized = false
}
