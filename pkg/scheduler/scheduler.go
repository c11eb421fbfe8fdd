// Package scheduler drives archive cycles: every tracked page is fetched,
// sanitized and handed to ingest once per cycle with bounded parallelism.
package scheduler

import (
	"context"
	"log/slog"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/saworbit/pagekeeper/internal/metrics"
	"github.com/saworbit/pagekeeper/pkg/chain"
	"github.com/saworbit/pagekeeper/pkg/config"
	"github.com/saworbit/pagekeeper/pkg/fetch"
	"github.com/saworbit/pagekeeper/pkg/ingest"
)

// Fetcher retrieves a page, conditionally on the stored validators.
type Fetcher interface {
	Fetch(ctx context.Context, url string, v chain.Validators) (*fetch.Result, error)
}

// Transformer rewrites a fetched body before it is stored.
type Transformer interface {
	Transform(ctx context.Context, url string, body []byte) ([]byte, error)
}

// Ingester records a fetched body.
type Ingester interface {
	Ingest(ctx context.Context, req ingest.Request) (ingest.Outcome, error)
}

// ValidatorSource returns the validators of a page's latest capture.
type ValidatorSource interface {
	LatestValidators(ctx context.Context, pageID string) (chain.Validators, bool, error)
}

// Page statuses reported in PageResult.Status.
const (
	StatusAppended    = "appended"
	StatusUnchanged   = "unchanged"
	StatusNotModified = "not_modified"
	StatusFailed      = "failed"
)

// PageResult is the result of one page within a cycle.
type PageResult struct {
	Site        config.Site
	Outcome     ingest.Outcome
	NotModified bool
	Err         error
	Duration    time.Duration
}

// Status summarises the result as one of the Status constants.
func (r PageResult) Status() string {
	switch {
	case r.Err != nil:
		return StatusFailed
	case r.NotModified:
		return StatusNotModified
	case r.Outcome.Kind == ingest.Appended:
		return StatusAppended
	default:
		return StatusUnchanged
	}
}

// Report describes a finished cycle. Pages keeps the order of the input sites.
type Report struct {
	RunID    string
	Started  time.Time
	Duration time.Duration
	Pages    []PageResult
}

// Count returns how many pages ended with status.
func (r Report) Count(status string) int {
	n := 0
	for _, p := range r.Pages {
		if p.Status() == status {
			n++
		}
	}
	return n
}

// Options tunes a Scheduler.
type Options struct {
	Workers     int           // parallel pages, default 4
	PageTimeout time.Duration // fetch+ingest budget per page, default 60s
	Logger      *slog.Logger
}

// Scheduler runs archive cycles.
type Scheduler struct {
	fetcher    Fetcher
	transform  Transformer
	ingester   Ingester
	validators ValidatorSource
	opts       Options
	logger     *slog.Logger
}

// New builds a Scheduler. transform and validators may be nil.
func New(f Fetcher, transform Transformer, ing Ingester, validators ValidatorSource, opts Options) (*Scheduler, error) {
	if f == nil || ing == nil {
		return nil, errors.New("scheduler requires a fetcher and an ingester")
	}
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	if opts.PageTimeout <= 0 {
		opts.PageTimeout = 60 * time.Second
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		fetcher:    f,
		transform:  transform,
		ingester:   ing,
		validators: validators,
		opts:       opts,
		logger:     logger.With("component", "scheduler"),
	}, nil
}

// RunCycle processes every site once. A failing page is recorded in the
// report and never stops the others; the returned error is only set when ctx
// ends before the cycle completes.
func (s *Scheduler) RunCycle(ctx context.Context, sites []config.Site) (Report, error) {
	report := Report{
		RunID:   uuid.NewString(),
		Started: time.Now(),
		Pages:   make([]PageResult, len(sites)),
	}
	logger := s.logger.With("run", report.RunID)
	logger.Info("cycle started", "pages", len(sites), "workers", s.opts.Workers)
	metrics.SetPagesTracked(len(sites))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.opts.Workers)
	for i, site := range sites {
		if gctx.Err() != nil {
			report.Pages[i] = PageResult{Site: site, Err: gctx.Err()}
			continue
		}
		g.Go(func() error {
			res := s.processPage(gctx, site)
			report.Pages[i] = res
			metrics.ObserveCyclePage(res.Status())
			if res.Err != nil {
				logger.Warn("page failed", "page", site.PageID(), "err", res.Err)
			}
			return nil
		})
	}
	_ = g.Wait()

	report.Duration = time.Since(report.Started)
	metrics.ObserveCycle(report.Started)
	logger.Info("cycle finished",
		"appended", report.Count(StatusAppended),
		"unchanged", report.Count(StatusUnchanged),
		"not_modified", report.Count(StatusNotModified),
		"failed", report.Count(StatusFailed),
		"duration", report.Duration)

	return report, ctx.Err()
}

func (s *Scheduler) processPage(ctx context.Context, site config.Site) PageResult {
	start := time.Now()
	res := PageResult{Site: site}

	ctx, cancel := context.WithTimeout(ctx, s.opts.PageTimeout)
	defer cancel()

	pageID := site.PageID()
	var prior chain.Validators
	if s.validators != nil {
		v, ok, err := s.validators.LatestValidators(ctx, pageID)
		switch {
		case err != nil:
			s.logger.Debug("no validators", "page", pageID, "err", err)
		case ok:
			prior = v
		}
	}

	fetched, err := s.fetcher.Fetch(ctx, site.URL, prior)
	if errors.Is(err, fetch.ErrNotModified) {
		res.NotModified = true
		res.Duration = time.Since(start)
		return res
	}
	if err != nil {
		res.Err = errors.Wrapf(err, "fetch %s", site.URL)
		res.Duration = time.Since(start)
		return res
	}

	body := fetched.Body
	if s.transform != nil {
		body, err = s.transform.Transform(ctx, site.URL, body)
		if err != nil {
			res.Err = errors.Wrapf(err, "transform %s", site.URL)
			res.Duration = time.Since(start)
			return res
		}
	}

	res.Outcome, res.Err = s.ingester.Ingest(ctx, ingest.Request{
		PageID:     pageID,
		Subdomain:  site.Subdomain,
		Content:    body,
		Validators: fetched.Validators,
		HTTPStatus: fetched.StatusCode,
	})
	res.Duration = time.Since(start)
	return res
}

// Run executes a cycle immediately and then every interval until ctx ends.
// Site lists received on updates replace the current list from the next
// cycle on. onReport, when set, is called after each cycle.
func (s *Scheduler) Run(ctx context.Context, interval time.Duration, sites []config.Site, updates <-chan []config.Site, onReport func(Report)) error {
	if interval <= 0 {
		return errors.Newf("interval must be positive, got %s", interval)
	}

	runOnce := func() error {
		report, err := s.RunCycle(ctx, sites)
		if onReport != nil {
			onReport(report)
		}
		return err
	}

	if err := runOnce(); err != nil {
		return ignoreCancel(err)
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case next, ok := <-updates:
			if !ok {
				updates = nil
				continue
			}
			s.logger.Info("sites reloaded", "pages", len(next))
			sites = next
		case <-ticker.C:
			if err := runOnce(); err != nil {
				return ignoreCancel(err)
			}
		}
	}
}

func ignoreCancel(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
