package bench

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/cockroachdb/pebble/vfs"

	"github.com/saworbit/pagekeeper/pkg/chain"
	"github.com/saworbit/pagekeeper/pkg/delta"
	"github.com/saworbit/pagekeeper/pkg/ingest"
	"github.com/saworbit/pagekeeper/pkg/reconstruct"
)

// page renders a synthetic article whose headline and one paragraph change
// with rev, the way a news front page drifts between captures.
func page(rev int) []byte {
	var sb strings.Builder
	sb.WriteString("<html><head><title>Front page</title></head><body>\n")
	fmt.Fprintf(&sb, "<h1>Edition %d</h1>\n", rev)
	for i := 0; i < 400; i++ {
		if i == rev%400 {
			fmt.Fprintf(&sb, "<p>Breaking story %d, revision %d</p>\n", i, rev)
			continue
		}
		fmt.Fprintf(&sb, "<p>Paragraph %d of the archived article body.</p>\n", i)
	}
	sb.WriteString("</body></html>\n")
	return []byte(sb.String())
}

func setup(b *testing.B, engine string, cacheBytes int64) (*chain.Store, *reconstruct.Reconstructor, *ingest.Coordinator) {
	b.Helper()
	store, err := chain.Open("bench", chain.WithFS(vfs.NewMem()))
	if err != nil {
		b.Fatal(err)
	}
	b.Cleanup(func() { _ = store.Close() })

	rec, err := reconstruct.New(store, reconstruct.WithCache(cacheBytes))
	if err != nil {
		b.Fatal(err)
	}
	b.Cleanup(rec.Close)

	eng, err := delta.NewEngine(engine)
	if err != nil {
		b.Fatal(err)
	}
	coord, err := ingest.New(store, rec, ingest.Options{Engine: eng})
	if err != nil {
		b.Fatal(err)
	}
	return store, rec, coord
}

func benchmarkIngest(b *testing.B, engine string) {
	ctx := context.Background()
	store, _, coord := setup(b, engine, 16<<20)

	var logical, stored int64
	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		body := page(i)
		out, err := coord.Ingest(ctx, ingest.Request{PageID: "front", Content: body})
		if err != nil {
			b.Fatal(err)
		}
		logical += int64(len(body))
		stored += int64(out.Stats.DeltaSize)
	}
	b.StopTimer()

	if logical > 0 {
		b.ReportMetric(float64(stored)/float64(logical), "stored/logical")
	}
	if _, err := store.Stats(ctx); err != nil {
		b.Fatal(err)
	}
}

func BenchmarkIngestChunked(b *testing.B) { benchmarkIngest(b, "chunked") }

func BenchmarkIngestBsdiff(b *testing.B) { benchmarkIngest(b, "bsdiff") }

// benchmarkMaterialize measures replaying the last version of a pure delta
// chain of the given depth.
func benchmarkMaterialize(b *testing.B, depth int, cacheBytes int64) {
	ctx := context.Background()
	_, rec, coord := setup(b, "chunked", cacheBytes)
	for i := 0; i < depth; i++ {
		if _, err := coord.Ingest(ctx, ingest.Request{PageID: "front", Content: page(i)}); err != nil {
			b.Fatal(err)
		}
	}

	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := rec.Materialize(ctx, "front", uint64(depth-1)); err != nil {
			b.Fatal(err)
		}
	}
}

func BenchmarkMaterializeDepth10(b *testing.B)  { benchmarkMaterialize(b, 10, 0) }
func BenchmarkMaterializeDepth100(b *testing.B) { benchmarkMaterialize(b, 100, 0) }

func BenchmarkMaterializeDepth100Cached(b *testing.B) { benchmarkMaterialize(b, 100, 16<<20) }
