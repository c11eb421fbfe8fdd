package web

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/pebble/vfs"

	"github.com/saworbit/pagekeeper/pkg/chain"
	"github.com/saworbit/pagekeeper/pkg/ingest"
	"github.com/saworbit/pagekeeper/pkg/reconstruct"
)

const pageA = "https://example.com/news"

func newTestServer(t *testing.T) (*Server, *chain.Store) {
	t.Helper()
	store, err := chain.Open("chain", chain.WithFS(vfs.NewMem()))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = store.Close() })
	rec, err := reconstruct.New(store)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(rec.Close)
	coord, err := ingest.New(store, rec, ingest.Options{})
	if err != nil {
		t.Fatal(err)
	}

	for _, body := range []string{"<p>first</p>\n", "<p>second</p>\n<script>alert(1)</script>\n"} {
		if _, err := coord.Ingest(context.Background(), ingest.Request{PageID: pageA, Content: []byte(body), HTTPStatus: 200}); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := coord.Ingest(context.Background(), ingest.Request{PageID: "https://blog.example.org/", Subdomain: "blog", Content: []byte("blog")}); err != nil {
		t.Fatal(err)
	}
	return New(store, rec, nil), store
}

func get(t *testing.T, h http.Handler, target string) (*http.Response, string) {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, target, nil))
	res := rec.Result()
	body, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatal(err)
	}
	return res, string(body)
}

func TestRoutes(t *testing.T) {
	srv, _ := newTestServer(t)
	h := srv.Routes()
	page := PagePath(pageA)

	tests := []struct {
		name     string
		target   string
		status   int
		contains []string
		excludes []string
	}{
		{"index lists pages", "/", 200, []string{pageA, "blog.example.org", page}, nil},
		{"index filter", "/?query=BLOG", 200, []string{"blog.example.org"}, []string{pageA}},
		{"index filter no match", "/?query=nothing", 200, []string{"No pages archived"}, nil},
		{"history newest first", page, 200, []string{page + "/version/1", page + "/version/0", "snapshot", "delta"}, nil},
		{"raw version", page + "/version/0", 200, []string{"<p>first</p>"}, nil},
		{"compare explicit", page + "/compare?from=0&to=1", 200, []string{"-&lt;p&gt;first&lt;/p&gt;", "+&lt;p&gt;second&lt;/p&gt;"}, nil},
		{"compare defaults to latest pair", page + "/compare", 200, []string{"version 0 &rarr; 1"}, nil},
		{"compare identical", page + "/compare?from=1&to=1", 200, []string{"identical"}, nil},
		{"unknown page", PagePath("https://nowhere.test/"), 404, nil, nil},
		{"unknown version", page + "/version/9", 404, nil, nil},
		{"bad version", page + "/version/x", 400, nil, nil},
		{"bad compare", page + "/compare?from=a&to=1", 400, nil, nil},
		{"single version compare", PagePath("https://blog.example.org/") + "/compare", 400, nil, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, body := get(t, h, tt.target)
			if res.StatusCode != tt.status {
				t.Fatalf("status = %d, want %d: %s", res.StatusCode, tt.status, body)
			}
			for _, c := range tt.contains {
				if !strings.Contains(body, c) {
					t.Errorf("body missing %q:\n%s", c, body)
				}
			}
			for _, c := range tt.excludes {
				if strings.Contains(body, c) {
					t.Errorf("body unexpectedly contains %q", c)
				}
			}
		})
	}
}

func TestHistoryOrder(t *testing.T) {
	srv, _ := newTestServer(t)
	_, body := get(t, srv.Routes(), PagePath(pageA))
	newer := strings.Index(body, "/version/1")
	older := strings.Index(body, "/version/0")
	if newer < 0 || older < 0 || newer > older {
		t.Fatalf("history not newest-first:\n%s", body)
	}
}

func TestVersionIsSandboxed(t *testing.T) {
	srv, _ := newTestServer(t)
	res, body := get(t, srv.Routes(), PagePath(pageA)+"/version/1")
	if res.Header.Get("Content-Security-Policy") != "sandbox" {
		t.Fatalf("missing sandbox CSP: %v", res.Header)
	}
	if res.Header.Get("X-Archive-Hash") == "" {
		t.Fatal("missing content hash header")
	}
	if !strings.Contains(body, "<script>alert(1)</script>") {
		t.Fatalf("archived markup altered: %s", body)
	}
}

type corruptMaterializer struct{}

func (corruptMaterializer) Materialize(context.Context, string, uint64) (reconstruct.Version, error) {
	return reconstruct.Version{}, errors.Wrap(chain.ErrCorruptChain, "content hash mismatch")
}

func (corruptMaterializer) Compare(context.Context, string, uint64, uint64) (string, error) {
	return "", errors.Wrap(chain.ErrCorruptChain, "content hash mismatch")
}

func TestCorruptChainIsServerError(t *testing.T) {
	_, store := newTestServer(t)
	srv := New(store, corruptMaterializer{}, nil)

	for _, target := range []string{PagePath(pageA) + "/version/0", PagePath(pageA) + "/compare?from=0&to=1"} {
		res, body := get(t, srv.Routes(), target)
		if res.StatusCode != http.StatusInternalServerError || !strings.Contains(body, "corrupt") {
			t.Errorf("%s: status %d body %q", target, res.StatusCode, body)
		}
	}
}

func TestReadOnly(t *testing.T) {
	srv, _ := newTestServer(t)
	rec := httptest.NewRecorder()
	srv.Routes().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, PagePath(pageA), strings.NewReader("x")))
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("POST status = %d, want 405", rec.Code)
	}
}
