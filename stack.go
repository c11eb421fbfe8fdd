package main

import (
	"log/slog"
	"os"
	"runtime"

	"github.com/cockroachdb/errors"

	"github.com/saworbit/pagekeeper/internal/logging"
	"github.com/saworbit/pagekeeper/internal/metrics"
	"github.com/saworbit/pagekeeper/internal/platform"
	"github.com/saworbit/pagekeeper/internal/version"
	"github.com/saworbit/pagekeeper/pkg/chain"
	"github.com/saworbit/pagekeeper/pkg/compress"
	"github.com/saworbit/pagekeeper/pkg/config"
	"github.com/saworbit/pagekeeper/pkg/delta"
	"github.com/saworbit/pagekeeper/pkg/fetch"
	"github.com/saworbit/pagekeeper/pkg/ingest"
	"github.com/saworbit/pagekeeper/pkg/reconstruct"
	"github.com/saworbit/pagekeeper/pkg/sanitize"
	"github.com/saworbit/pagekeeper/pkg/scheduler"
)

// globalFlags are shared by every command.
type globalFlags struct {
	configPath string
	stateDir   string
	sitesFile  string
}

func (g *globalFlags) load() (*config.Config, *slog.Logger, error) {
	if g.configPath != "" {
		if err := checkReadable(g.configPath); err != nil {
			return nil, nil, err
		}
	}
	cfg, err := config.LoadFile(g.configPath)
	if err != nil {
		return nil, nil, err
	}
	if g.stateDir != "" {
		cfg.StateDir = g.stateDir
	}
	if g.sitesFile != "" {
		cfg.SitesFile = g.sitesFile
	}
	if err := cfg.Validate(); err != nil {
		return nil, nil, errors.Wrap(err, "invalid configuration")
	}

	logger := logging.New(os.Stderr, cfg.LogLevel, cfg.LogFormat)
	slog.SetDefault(logger)
	return cfg, logger, nil
}

// archive bundles the store with its reconstructor.
type archive struct {
	cfg    *config.Config
	store  *chain.Store
	rec    *reconstruct.Reconstructor
	logger *slog.Logger
}

func openArchive(cfg *config.Config, logger *slog.Logger, readOnly bool) (*archive, error) {
	opts := []chain.Option{chain.WithLogger(logger)}
	if readOnly {
		opts = append(opts, chain.WithReadOnly())
	}
	store, err := chain.Open(platform.LongPathname(cfg.StateDir), opts...)
	if err != nil {
		return nil, err
	}
	rec, err := reconstruct.New(store,
		reconstruct.WithCache(cfg.CacheBytes()),
		reconstruct.WithLogger(logger))
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	return &archive{cfg: cfg, store: store, rec: rec, logger: logger}, nil
}

func (a *archive) Close() error {
	a.rec.Close()
	return a.store.Close()
}

func (a *archive) coordinator() (*ingest.Coordinator, error) {
	engine, err := delta.NewEngine(a.cfg.DeltaEngine)
	if err != nil {
		return nil, err
	}
	codec, err := compress.New(a.cfg.Compression)
	if err != nil {
		return nil, err
	}
	metrics.SetAgentInfo(runtime.GOOS, runtime.GOARCH, version.Version, engine.Name())
	return ingest.New(a.store, a.rec, ingest.Options{
		Engine:           engine,
		Codec:            codec,
		HashAlgo:         a.cfg.HashAlgo,
		SnapshotInterval: uint64(a.cfg.SnapshotInterval),
		Logger:           a.logger,
	})
}

func (a *archive) scheduler() (*scheduler.Scheduler, error) {
	coord, err := a.coordinator()
	if err != nil {
		return nil, err
	}
	fc := a.cfg.Fetch
	fetcher := fetch.New(fetch.Config{
		Timeout:   fc.Timeout,
		MaxBytes:  fc.MaxBodyBytes,
		UserAgent: fc.UserAgent,
		RateLimit: fc.RateLimit,
		Burst:     fc.Burst,
	}, a.logger)

	var transform scheduler.Transformer
	if a.cfg.Sanitize.StripAds || a.cfg.Sanitize.Strict {
		transform = sanitize.New(sanitize.Options{
			StripAds: a.cfg.Sanitize.StripAds,
			Strict:   a.cfg.Sanitize.Strict,
		})
	}

	return scheduler.New(fetcher, transform, coord, a.store, scheduler.Options{
		Workers:     fc.Workers,
		PageTimeout: 2 * fc.Timeout,
		Logger:      a.logger,
	})
}

func loadSites(cfg *config.Config) ([]config.Site, error) {
	if err := checkReadable(cfg.SitesFile); err != nil {
		return nil, err
	}
	sites, err := config.LoadSites(cfg.SitesFile)
	if err != nil {
		return nil, err
	}
	if len(sites) == 0 {
		return nil, errors.Newf("no sites listed in %s", cfg.SitesFile)
	}
	return sites, nil
}
