// Package fetch performs conditional HTTP GETs for tracked pages.
//
// The validators recorded with a page's latest version are sent as
// If-None-Match / If-Modified-Since, and a 304 answer is reported as
// ErrNotModified so the caller can skip ingest entirely.
package fetch

import (
	"context"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"time"

	"github.com/cockroachdb/errors"
	"golang.org/x/time/rate"

	"github.com/saworbit/pagekeeper/internal/metrics"
	"github.com/saworbit/pagekeeper/pkg/chain"
)

var (
	// ErrNotModified reports a 304 answer to a conditional request.
	ErrNotModified = errors.New("not modified")

	// ErrTooLarge reports a body above the configured limit.
	ErrTooLarge = errors.New("response body too large")
)

// Result contains the outcome of a fetch.
type Result struct {
	URL         string
	Body        []byte
	StatusCode  int
	ContentType string
	Validators  chain.Validators
}

// Config configures the fetcher.
type Config struct {
	Timeout   time.Duration // HTTP timeout. Default: 30s.
	MaxBytes  int64         // Max response body size. Default: 16MB.
	UserAgent string
	RateLimit float64 // requests per second shared by all callers; 0 disables
	Burst     int
}

func (c *Config) defaults() {
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}
	if c.MaxBytes <= 0 {
		c.MaxBytes = 16 * 1024 * 1024
	}
	if c.UserAgent == "" {
		c.UserAgent = "pagekeeper/1.0"
	}
	if c.RateLimit > 0 && c.Burst <= 0 {
		c.Burst = 1
	}
}

// Fetcher performs HTTP requests with conditional GET. It is safe for
// concurrent use.
type Fetcher struct {
	client  *http.Client
	config  Config
	limiter *rate.Limiter
	logger  *slog.Logger
}

// New creates a Fetcher.
func New(cfg Config, logger *slog.Logger) *Fetcher {
	cfg.defaults()
	if logger == nil {
		logger = slog.Default()
	}

	f := &Fetcher{
		client: &http.Client{
			Timeout: cfg.Timeout,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				if len(via) >= 5 {
					return errors.Newf("too many redirects (%d)", len(via))
				}
				return nil
			},
		},
		config: cfg,
		logger: logger.With("component", "fetch"),
	}
	if cfg.RateLimit > 0 {
		f.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), cfg.Burst)
	}
	return f
}

// Fetch retrieves url, sending v as conditional headers. It returns
// ErrNotModified when the origin answers 304.
func (f *Fetcher) Fetch(ctx context.Context, url string, v chain.Validators) (*Result, error) {
	res, err := f.fetch(ctx, url, v)
	switch {
	case err == nil:
		metrics.ObserveFetch("ok")
	case errors.Is(err, ErrNotModified):
		metrics.ObserveFetch("not_modified")
	default:
		metrics.ObserveFetch("error")
	}
	return res, err
}

func (f *Fetcher) fetch(ctx context.Context, url string, v chain.Validators) (*Result, error) {
	if f.limiter != nil {
		if err := f.limiter.Wait(ctx); err != nil {
			return nil, errors.Wrap(err, "rate limit")
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, errors.Wrap(err, "new request")
	}
	req.Header.Set("User-Agent", f.config.UserAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml;q=0.9,*/*;q=0.5")

	if v.ETag != "" {
		req.Header.Set("If-None-Match", v.ETag)
	}
	if v.LastModified != "" {
		req.Header.Set("If-Modified-Since", v.LastModified)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, errors.Wrapf(err, "get %s", url)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotModified {
		f.logger.Debug("not modified", "url", url)
		return nil, errors.Wrapf(ErrNotModified, "%s", url)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 400 {
		return nil, errors.Newf("get %s: http %d", url, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, f.config.MaxBytes+1))
	if err != nil {
		return nil, errors.Wrapf(err, "read body of %s", url)
	}
	if int64(len(body)) > f.config.MaxBytes {
		return nil, errors.Wrapf(ErrTooLarge, "%s exceeds %d bytes", url, f.config.MaxBytes)
	}

	contentType := resp.Header.Get("Content-Type")
	if mediaType, _, err := mime.ParseMediaType(contentType); err != nil || (mediaType != "text/html" && mediaType != "application/xhtml+xml") {
		f.logger.Warn("non-html response archived as is", "url", url, "content_type", contentType)
	}

	return &Result{
		URL:         url,
		Body:        body,
		StatusCode:  resp.StatusCode,
		ContentType: contentType,
		Validators: chain.Validators{
			ETag:         resp.Header.Get("ETag"),
			LastModified: resp.Header.Get("Last-Modified"),
		},
	}, nil
}
