package httputil

import (
	"net"
	"net/http"
	"net/url"
	"time"

	"stock_scanner/config"
	"stock_scanner/logging"
)

type Clients struct {
	Scraping *http.Client // exchange sites, optionally proxied
	Notify   *http.Client // notification channel, direct
}

// NewClients builds the two HTTP clients. Client-level timeouts are only a
// backstop; every request also carries its own deadline.
func NewClients(cfg *config.Config) *Clients {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.DialContext = (&net.Dialer{
		Timeout:   10 * time.Second,
		KeepAlive: 30 * time.Second,
	}).DialContext
	transport.MaxIdleConnsPerHost = 4

	if cfg.Scraper.ProxyURL != "" {
		if proxyURL, err := url.Parse(cfg.Scraper.ProxyURL); err == nil {
			transport.Proxy = http.ProxyURL(proxyURL)
			logging.Get().Infow("scraping through proxy", "host", proxyURL.Host)
		} else {
			logging.Get().Warnw("ignoring invalid proxy url", "error", err)
		}
	}

	backstop := 2 * cfg.Scraper.RequestTimeout
	if backstop <= 0 {
		backstop = time.Minute
	}

	return &Clients{
		Scraping: &http.Client{Timeout: backstop, Transport: transport},
		Notify:   &http.Client{Timeout: 30 * time.Second},
	}
}

// CloseIdle drops pooled connections once a scanner built on these clients
// is done.
func (c *Clients) CloseIdle() {
	c.Scraping.CloseIdleConnections()
	c.Notify.CloseIdleConnections()
}
