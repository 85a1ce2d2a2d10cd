// Package collyfetcher implements scan.Fetcher using gocolly.
package collyfetcher

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"
	"unicode/utf8"

	"github.com/gocolly/colly/v2"

	"github.com/JakeFAU/securescan/internal/scan"
)

// Defaults applied when Config leaves a field zero.
const (
	DefaultUserAgent    = "SecureScan/0.1 (+https://securascan.local)"
	DefaultTimeout      = 10 * time.Second
	DefaultMaxRedirects = 5
)

// Config controls collector behavior.
type Config struct {
	UserAgent    string
	Timeout      time.Duration
	MaxRedirects int
	// MaxBodySize caps the bytes read from a response; zero keeps colly's default.
	MaxBodySize int
	// Policy, when set, is checked against every redirect hop.
	Policy scan.TargetPolicy
}

// Fetcher implements scan.Fetcher using the Colly collector. The base
// collector is configured once; every fetch runs on a clone that shares its
// HTTP backend.
type Fetcher struct {
	cfg           Config
	baseCollector *colly.Collector
}

type collectorHooks interface {
	OnResponse(colly.ResponseCallback)
	OnError(colly.ErrorCallback)
}

// New builds a Fetcher.
func New(cfg Config) *Fetcher {
	if cfg.UserAgent == "" {
		cfg.UserAgent = DefaultUserAgent
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.MaxRedirects <= 0 {
		cfg.MaxRedirects = DefaultMaxRedirects
	}

	c := colly.NewCollector(
		colly.Async(false),
		colly.UserAgent(cfg.UserAgent),
		colly.IgnoreRobotsTxt(),
		colly.AllowURLRevisit(),
		colly.ParseHTTPErrorResponse(),
		colly.DetectCharset(),
	)
	if cfg.MaxBodySize > 0 {
		c.MaxBodySize = cfg.MaxBodySize
	}
	c.WithTransport(newHTTPTransport())
	c.SetRequestTimeout(cfg.Timeout)
	maxRedirects, policy := cfg.MaxRedirects, cfg.Policy
	c.SetRedirectHandler(func(req *http.Request, via []*http.Request) error {
		if len(via) > maxRedirects {
			return fmt.Errorf("stopped after %d redirects", maxRedirects)
		}
		if policy != nil && !policy.AllowTarget(req.URL.String()) {
			return fmt.Errorf("redirect to blocked host %s", req.URL.Hostname())
		}
		return nil
	})

	return &Fetcher{
		cfg:           cfg,
		baseCollector: c,
	}
}

// Fetch executes a single HTTP GET using Colly. Non-2xx responses are
// returned as results; only transport failures produce an error, always a
// *scan.FetchError.
func (f *Fetcher) Fetch(ctx context.Context, target string) (scan.FetchResponse, error) {
	var (
		result   scan.FetchResponse
		fetchErr error
	)
	start := time.Now()
	collector := f.baseCollector.Clone()
	collector.Context = ctx
	f.configureCollectorHooks(collector, start, &result, &fetchErr)

	if err := f.runCollector(ctx, collector, target, &fetchErr); err != nil {
		return scan.FetchResponse{}, &scan.FetchError{URL: target, Err: err}
	}
	return result, nil
}

func (f *Fetcher) configureCollectorHooks(
	hooks collectorHooks,
	start time.Time,
	result *scan.FetchResponse,
	fetchErr *error,
) {
	hooks.OnResponse(func(r *colly.Response) {
		headers := http.Header{}
		if r.Headers != nil {
			headers = r.Headers.Clone()
		}
		*result = scan.FetchResponse{
			URL:        r.Request.URL.String(),
			StatusCode: r.StatusCode,
			Headers:    headers,
			Body:       bodyText(r.Body),
			Duration:   time.Since(start),
		}
	})

	hooks.OnError(func(_ *colly.Response, err error) {
		*fetchErr = err
	})
}

func (f *Fetcher) runCollector(ctx context.Context, collector *colly.Collector, url string, fetchErr *error) error {
	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(url)
	}()

	select {
	case <-ctx.Done():
		return fmt.Errorf("colly fetch canceled: %w", ctx.Err())
	case err := <-done:
		if err != nil {
			return fmt.Errorf("colly visit failed: %w", err)
		}
		if *fetchErr != nil {
			return fmt.Errorf("colly response failed: %w", *fetchErr)
		}
		return nil
	}
}

// bodyText returns the decoded body, or "" when it is not valid UTF-8.
func bodyText(body []byte) string {
	if !utf8.Valid(body) {
		return ""
	}
	return string(body)
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
}
