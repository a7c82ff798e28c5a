package fetcher

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gocolly/colly/v2"
)

// HTTPConfig controls the colly-backed fetcher.
type HTTPConfig struct {
	UserAgent string
	Timeout   time.Duration
	MaxBytes  int64
}

// HTTPFetcher implements Fetcher with a plain HTTP GET via colly.
type HTTPFetcher struct {
	cfg  HTTPConfig
	base *colly.Collector
}

// NewHTTP builds an HTTPFetcher.
func NewHTTP(cfg HTTPConfig) *HTTPFetcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}

	c := colly.NewCollector(colly.Async(false))
	if cfg.MaxBytes > 0 {
		c.MaxBodySize = int(cfg.MaxBytes)
	}
	c.WithTransport(&http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:        32,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
	})
	c.SetRequestTimeout(cfg.Timeout)

	return &HTTPFetcher{cfg: cfg, base: c}
}

// Fetch executes a single GET and extracts the page text.
func (f *HTTPFetcher) Fetch(ctx context.Context, url string) (Page, error) {
	var (
		status   int
		body     []byte
		fetchErr error
	)

	collector := f.base.Clone()
	if f.cfg.UserAgent != "" {
		collector.UserAgent = f.cfg.UserAgent
	}
	collector.OnRequest(func(r *colly.Request) {
		if ctx.Err() != nil {
			r.Abort()
		}
	})
	collector.OnResponse(func(r *colly.Response) {
		status = r.StatusCode
		body = r.Body
	})
	collector.OnError(func(r *colly.Response, err error) {
		if r != nil {
			status = r.StatusCode
		}
		fetchErr = err
	})

	if err := collector.Visit(url); err != nil {
		fetchErr = err
	}
	collector.Wait()

	if ctx.Err() != nil {
		return Page{}, fmt.Errorf("fetcher: fetch %s: %w", url, ctx.Err())
	}
	if fetchErr != nil {
		// Colly reports non-2xx responses through OnError; separate
		// them from transport failures so the pipeline can classify.
		if status != 0 && (status < 200 || status >= 300) {
			return Page{}, fmt.Errorf("fetcher: fetch %s: status %d: %w", url, status, ErrBadStatus)
		}
		return Page{}, fmt.Errorf("fetcher: fetch %s: %w", url, fetchErr)
	}
	if status < 200 || status >= 300 {
		return Page{}, fmt.Errorf("fetcher: fetch %s: status %d: %w", url, status, ErrBadStatus)
	}

	text := extractText(string(body))
	if text == "" {
		return Page{}, fmt.Errorf("fetcher: fetch %s: %w", url, ErrEmptyBody)
	}

	return Page{URL: url, StatusCode: status, Text: text}, nil
}
