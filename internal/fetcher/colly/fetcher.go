// Package collyfetcher provides the shared HTTP client that source adapters
// use to call external APIs.
package collyfetcher

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gocolly/colly/v2"

	"github.com/JakeFAU/content-ingest/internal/ingest"
	"github.com/JakeFAU/content-ingest/internal/metrics"
)

const defaultTimeout = 15 * time.Second

// Config controls collector behavior.
type Config struct {
	UserAgent    string
	Timeout      time.Duration
	MaxIdleConns int
}

// StatusError reports a non-success HTTP response.
type StatusError struct {
	URL        string
	StatusCode int
	kind       error
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("GET %s: status %d", e.URL, e.StatusCode)
}

// Unwrap exposes ErrThrottled or ErrPermanent when the status maps onto one.
func (e *StatusError) Unwrap() error {
	return e.kind
}

// Client issues GET requests through one pooled collector. It is safe for
// concurrent use; every call runs on a clone sharing the transport.
type Client struct {
	base *colly.Collector
}

// New builds a Client.
func New(cfg Config) *Client {
	c := colly.NewCollector(
		colly.AllowURLRevisit(),
		colly.IgnoreRobotsTxt(),
	)
	if cfg.UserAgent != "" {
		c.UserAgent = cfg.UserAgent
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	c.WithTransport(newHTTPTransport(cfg.MaxIdleConns))
	c.SetRequestTimeout(timeout)
	c.DisableCookies()
	return &Client{base: c}
}

// Get fetches rawURL and returns the response body. 429 maps to
// ErrThrottled; 408 and 5xx stay transient; any other 4xx maps to ErrPermanent.
func (c *Client) Get(ctx context.Context, rawURL string, headers map[string]string) ([]byte, error) {
	collector := c.base.Clone()
	collector.Context = ctx

	var (
		body     []byte
		status   int
		fetchErr error
	)
	collector.OnRequest(func(r *colly.Request) {
		for k, v := range headers {
			r.Headers.Set(k, v)
		}
	})
	collector.OnResponse(func(r *colly.Response) {
		status = r.StatusCode
		body = append([]byte(nil), r.Body...)
	})
	collector.OnError(func(r *colly.Response, err error) {
		if r != nil {
			status = r.StatusCode
		}
		fetchErr = err
	})

	err := collector.Visit(rawURL)
	metrics.ObserveFetch(rawURL, status)
	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, fmt.Errorf("fetch %s: %w", rawURL, ctxErr)
	}
	if err == nil {
		err = fetchErr
	}
	if status >= http.StatusBadRequest || (err != nil && status > 0) {
		return nil, &StatusError{URL: rawURL, StatusCode: status, kind: classify(status)}
	}
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", rawURL, err)
	}
	return body, nil
}

func classify(status int) error {
	switch {
	case status == http.StatusTooManyRequests:
		return ingest.ErrThrottled
	case status == http.StatusRequestTimeout, status >= http.StatusInternalServerError:
		return nil
	case status >= http.StatusBadRequest:
		return ingest.ErrPermanent
	default:
		return nil
	}
}

// IsStatus reports whether err carries the given HTTP status.
func IsStatus(err error, status int) bool {
	var se *StatusError
	return errors.As(err, &se) && se.StatusCode == status
}

func newHTTPTransport(maxIdle int) *http.Transport {
	if maxIdle <= 0 {
		maxIdle = 100
	}
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          maxIdle,
		MaxIdleConnsPerHost:   maxIdle,
		IdleConnTimeout:       90 * time.Second,
	}
}
