package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestCaptureDurationRecordsObservation(t *testing.T) {
	label := "delta_test"
	start := time.Now()
	time.Sleep(5 * time.Millisecond)
	ObserveCapture(start, label, "success")

	mfs, err := Registry.Gather()
	if err != nil {
		t.Fatalf("failed to gather metrics: %v", err)
	}

	found := false
	for _, mf := range mfs {
		if mf.GetName() != "pagekeeper_capture_duration_ms" {
			continue
		}
		found = true
		if len(mf.Metric) == 0 {
			t.Fatalf("capture_duration_ms metric has no samples")
		}
		if got := mf.Metric[0].GetHistogram().GetSampleCount(); got == 0 {
			t.Fatalf("expected histogram sample count > 0, got %d", got)
		}
	}
	if !found {
		t.Fatalf("pagekeeper_capture_duration_ms not found")
	}
}

func TestMetricsEndpointExposesCoreMetrics(t *testing.T) {
	ObserveCapture(time.Now(), "snapshot_endpoint", "success")

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	w := httptest.NewRecorder()
	Handler().ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("unexpected status code: %d", w.Code)
	}

	body := w.Body.String()
	if !strings.Contains(body, "pagekeeper_capture_duration_ms_bucket") {
		t.Fatalf("expected capture_duration_ms histogram buckets, body: %s", body)
	}
	if !strings.Contains(body, "pagekeeper_up") {
		t.Fatalf("expected up gauge, body: %s", body)
	}
}

func TestObserveMaterializeCountsCorruption(t *testing.T) {
	before := testutil.ToFloat64(IntegrityErrorsTotal)
	ObserveMaterialize(time.Now(), "corrupt")
	ObserveMaterialize(time.Now(), "success")

	if got := testutil.ToFloat64(IntegrityErrorsTotal) - before; got != 1 {
		t.Fatalf("integrity errors grew by %v, want 1", got)
	}
	if got := testutil.ToFloat64(MaterializeTotal.WithLabelValues("corrupt")); got < 1 {
		t.Fatalf("materialize_total{corrupt} = %v", got)
	}
}

func TestObserveStorageSavingsIgnoresInvalidInput(t *testing.T) {
	before := testutil.ToFloat64(StorageSavedBytesTotal)
	ObserveStorageSavings(0, 10)
	ObserveStorageSavings(10, -1)
	if got := testutil.ToFloat64(StorageSavedBytesTotal); got != before {
		t.Fatalf("invalid input changed saved bytes: %v -> %v", before, got)
	}

	ObserveStorageSavings(1000, 100)
	if got := testutil.ToFloat64(StorageSavedBytesTotal) - before; got != 900 {
		t.Fatalf("saved bytes grew by %v, want 900", got)
	}
	if ratio := testutil.ToFloat64(StorageSavedRatio); ratio <= 0 || ratio > 1 {
		t.Fatalf("saved ratio out of range: %v", ratio)
	}
}

func TestObserveCyclePage(t *testing.T) {
	before := testutil.ToFloat64(CyclePagesTotal.WithLabelValues("failed"))
	ObserveCyclePage("failed")
	ObserveCyclePage("appended")
	if got := testutil.ToFloat64(CyclePagesTotal.WithLabelValues("failed")) - before; got != 1 {
		t.Fatalf("failed pages grew by %v, want 1", got)
	}
}
