package metrics

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "pagekeeper"

var (
	// Registry is a dedicated Prometheus registry for all PageKeeper metrics.
	Registry = prometheus.NewRegistry()

	// CaptureDuration measures time spent ingesting one fetched page.
	CaptureDuration = promauto.With(Registry).NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "capture_duration_ms",
			Help:      "Duration of page ingest operations in milliseconds",
			Buckets:   []float64{1, 2, 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000},
		},
		[]string{"type"}, // snapshot | delta | unchanged
	)

	// CaptureTotal counts ingest operations by type and outcome.
	CaptureTotal = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "capture_total",
			Help:      "Total number of page ingest operations",
		},
		[]string{"type", "outcome"},
	)

	// StorageSavedBytesTotal accumulates bytes saved vs storing every version in full.
	StorageSavedBytesTotal = promauto.With(Registry).NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "storage_saved_bytes_total",
			Help:      "Cumulative bytes saved by storing compressed deltas instead of full pages",
		},
	)

	// StorageSavedRatio tracks the current savings ratio (0.0 - 1.0).
	StorageSavedRatio = promauto.With(Registry).NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "storage_saved_ratio",
			Help:      "Current storage savings ratio (saved_bytes / total_written_bytes)",
		},
	)

	// MaterializeDuration measures version reconstruction latency.
	MaterializeDuration = promauto.With(Registry).NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "materialize_duration_ms",
			Help:      "Duration of version reconstruction in milliseconds",
			Buckets:   []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500},
		},
	)

	// MaterializeTotal counts reconstructions and their outcomes.
	MaterializeTotal = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "materialize_total",
			Help:      "Total number of version reconstructions",
		},
		[]string{"outcome"}, // success | not_found | corrupt | error
	)

	// FetchTotal counts fetch attempts by outcome.
	FetchTotal = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fetch_total",
			Help:      "Total number of page fetches",
		},
		[]string{"outcome"}, // ok | not_modified | error
	)

	// CycleDuration measures a full archive cycle.
	CycleDuration = promauto.With(Registry).NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "cycle_duration_seconds",
			Help:      "Duration of archive cycles in seconds",
			Buckets:   prometheus.ExponentialBuckets(0.5, 2, 10),
		},
	)

	// CyclePagesTotal counts per-page results inside archive cycles.
	CyclePagesTotal = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cycle_pages_total",
			Help:      "Pages processed by archive cycles",
		},
		[]string{"outcome"}, // appended | unchanged | not_modified | failed
	)

	// StoreSizeBytes tracks logical and physical store footprint.
	StoreSizeBytes = promauto.With(Registry).NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "store_size_bytes",
			Help:      "Size of the version chain store",
		},
		[]string{"type"}, // logical | stored | disk
	)

	// PagesTracked reports the number of pages in the store.
	PagesTracked = promauto.With(Registry).NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pages_tracked_total",
			Help:      "Number of pages currently tracked",
		},
	)

	// DeltasTotal counts delta writes grouped by engine.
	DeltasTotal = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "deltas_total",
			Help:      "Number of deltas written",
		},
		[]string{"engine"}, // chunked | bsdiff
	)

	// IntegrityErrorsTotal counts corrupt payloads, deltas and chains.
	IntegrityErrorsTotal = promauto.With(Registry).NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "integrity_errors_total",
			Help:      "Number of data-integrity failures surfaced",
		},
	)

	// AgentInfo exposes static information about the running archiver.
	AgentInfo = promauto.With(Registry).NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "agent_info",
			Help:      "Static information about the archiver",
		},
		[]string{"os", "arch", "version", "engine"},
	)

	// Up is a liveness gauge.
	Up = promauto.With(Registry).NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "up",
			Help:      "1 if the archiver is running and healthy",
		},
	)
)

var (
	totalWrittenBytes atomic.Int64
	totalSavedBytes   atomic.Int64
)

func init() {
	Registry.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))
	Registry.MustRegister(prometheus.NewGoCollector())
	Up.Set(1)
}

// SetAgentInfo publishes a single info metric for the running archiver.
func SetAgentInfo(osName, arch, version, engine string) {
	if osName == "" {
		osName = runtime.GOOS
	}
	if arch == "" {
		arch = runtime.GOARCH
	}
	if engine == "" {
		engine = "unknown"
	}
	if version == "" {
		version = "dev"
	}
	AgentInfo.WithLabelValues(osName, arch, version, engine).Set(1)
}

// ObserveCapture records timing and counters for ingest operations.
func ObserveCapture(start time.Time, captureType, outcome string) {
	elapsed := float64(time.Since(start)) / float64(time.Millisecond)
	CaptureDuration.WithLabelValues(captureType).Observe(elapsed)
	CaptureTotal.WithLabelValues(captureType, outcome).Inc()
}

// ObserveStorageSavings updates storage counters and ratios.
func ObserveStorageSavings(originalBytes, storedBytes int64) {
	if originalBytes <= 0 || storedBytes < 0 {
		return
	}

	saved := originalBytes - storedBytes
	written := totalWrittenBytes.Add(originalBytes)

	if saved > 0 {
		totalSavedBytes.Add(saved)
		StorageSavedBytesTotal.Add(float64(saved))
	}

	if written > 0 {
		currentSaved := totalSavedBytes.Load()
		StorageSavedRatio.Set(float64(currentSaved) / float64(written))
	}
}

// ObserveMaterialize records a reconstruction.
func ObserveMaterialize(start time.Time, outcome string) {
	elapsed := float64(time.Since(start)) / float64(time.Millisecond)
	MaterializeDuration.Observe(elapsed)
	MaterializeTotal.WithLabelValues(outcome).Inc()
	if outcome == "corrupt" {
		IntegrityErrorsTotal.Inc()
	}
}

// ObserveFetch counts one fetch outcome.
func ObserveFetch(outcome string) {
	FetchTotal.WithLabelValues(outcome).Inc()
}

// ObserveCycle records the duration of an archive cycle.
func ObserveCycle(start time.Time) {
	CycleDuration.Observe(time.Since(start).Seconds())
}

// ObserveCyclePage counts one page result within a cycle.
func ObserveCyclePage(outcome string) {
	CyclePagesTotal.WithLabelValues(outcome).Inc()
}

// SetStoreSize reports store footprint by category.
func SetStoreSize(kind string, sizeBytes int64) {
	if sizeBytes < 0 {
		return
	}
	StoreSizeBytes.WithLabelValues(kind).Set(float64(sizeBytes))
}

// SetPagesTracked reports the number of tracked pages.
func SetPagesTracked(count int) {
	if count < 0 {
		count = 0
	}
	PagesTracked.Set(float64(count))
}

// AddDeltas increments the delta counter for an engine.
func AddDeltas(engine string, count int) {
	if count <= 0 {
		return
	}
	DeltasTotal.WithLabelValues(engine).Add(float64(count))
}

// SetUp toggles the liveness gauge.
func SetUp(healthy bool) {
	if healthy {
		Up.Set(1)
		return
	}
	Up.Set(0)
}

// Handler returns the /metrics handler.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{EnableOpenMetrics: true})
}

// Serve starts the /metrics HTTP endpoint on the provided address.
func Serve(ctx context.Context, addr string, logger *slog.Logger) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if logger == nil {
		logger = slog.Default()
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())

	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	idleClosed := make(chan struct{})
	go func() {
		defer close(idleClosed)
		<-ctx.Done()
		_ = srv.Shutdown(context.Background())
	}()

	logger.Info("prometheus endpoint listening", "component", "metrics", "addr", addr)
	err := srv.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		<-idleClosed
		return nil
	}

	return err
}
