// Package web serves a read-only browser over the archive.
package web

import (
	"context"
	"html/template"
	"log/slog"
	"net/http"
	"net/url"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/dustin/go-humanize"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/saworbit/pagekeeper/pkg/chain"
	"github.com/saworbit/pagekeeper/pkg/digest"
	"github.com/saworbit/pagekeeper/pkg/reconstruct"
)

// Archive is the read side of the chain store.
type Archive interface {
	ListPages(ctx context.Context) ([]chain.PageSummary, error)
	GetPage(ctx context.Context, pageID string) (chain.Page, error)
	History(ctx context.Context, pageID string) ([]chain.NodeInfo, error)
}

// Materializer rebuilds stored versions.
type Materializer interface {
	Materialize(ctx context.Context, pageID string, seq uint64) (reconstruct.Version, error)
	Compare(ctx context.Context, pageID string, from, to uint64) (string, error)
}

// Server renders pages, histories, versions and diffs.
type Server struct {
	archive Archive
	mat     Materializer
	logger  *slog.Logger
}

// New returns a Server.
func New(archive Archive, mat Materializer, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{archive: archive, mat: mat, logger: logger.With("component", "web")}
}

// Routes returns the HTTP handler. Every route is a GET.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/", s.handleIndex)
	r.Get("/site/{page}", s.handleHistory)
	r.Get("/site/{page}/version/{seq}", s.handleVersion)
	r.Get("/site/{page}/compare", s.handleCompare)
	return r
}

// Serve listens on addr until ctx is cancelled.
func (s *Server) Serve(ctx context.Context, addr string) error {
	srv := &http.Server{Addr: addr, Handler: s.Routes(), ReadHeaderTimeout: 10 * time.Second}

	closed := make(chan struct{})
	go func() {
		defer close(closed)
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	s.logger.Info("browser listening", "addr", addr)
	err := srv.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		<-closed
		return nil
	}
	return err
}

// PagePath is the history URL of a page.
func PagePath(pageID string) string {
	return "/site/" + url.PathEscape(pageID)
}

type pageRow struct {
	ID         string
	Path       string
	Subdomain  string
	Versions   int
	LastChange string
	Created    string
}

type indexView struct {
	Query string
	Pages []pageRow
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	query := strings.TrimSpace(r.URL.Query().Get("query"))

	pages, err := s.archive.ListPages(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}

	view := indexView{Query: query}
	needle := strings.ToLower(query)
	for _, p := range pages {
		if needle != "" && !strings.Contains(strings.ToLower(p.ID), needle) {
			continue
		}
		view.Pages = append(view.Pages, pageRow{
			ID:         p.ID,
			Path:       PagePath(p.ID),
			Subdomain:  p.Subdomain,
			Versions:   p.Versions,
			LastChange: when(p.LastChange),
			Created:    when(p.CreatedAt),
		})
	}
	s.render(w, r, indexTmpl, view)
}

type versionRow struct {
	Seq      uint64
	Kind     string
	Hash     string
	Captured string
	Status   int
	Size     string
	Stored   string
}

type historyView struct {
	ID        string
	Path      string
	Subdomain string
	Versions  []versionRow
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	pageID, ok := s.pageParam(w, r)
	if !ok {
		return
	}
	page, err := s.archive.GetPage(r.Context(), pageID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	infos, err := s.archive.History(r.Context(), pageID)
	if err != nil {
		s.fail(w, r, err)
		return
	}

	view := historyView{ID: page.ID, Path: PagePath(page.ID), Subdomain: page.Subdomain}
	for _, info := range slices.Backward(infos) {
		view.Versions = append(view.Versions, versionRow{
			Seq:      info.Seq,
			Kind:     info.Kind.String(),
			Hash:     digest.Short(info.ContentHash),
			Captured: info.CapturedAt.UTC().Format(time.RFC3339),
			Status:   info.HTTPStatus,
			Size:     humanize.IBytes(uint64(info.Size)),
			Stored:   humanize.IBytes(uint64(info.StoredSize)),
		})
	}
	s.render(w, r, historyTmpl, view)
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	pageID, ok := s.pageParam(w, r)
	if !ok {
		return
	}
	seq, err := strconv.ParseUint(chi.URLParam(r, "seq"), 10, 64)
	if err != nil {
		http.Error(w, "invalid version", http.StatusBadRequest)
		return
	}

	v, err := s.mat.Materialize(r.Context(), pageID, seq)
	if err != nil {
		s.fail(w, r, err)
		return
	}

	// Archived markup is replayed as-is; the sandbox keeps its scripts inert.
	h := w.Header()
	h.Set("Content-Type", "text/html; charset=utf-8")
	h.Set("Content-Security-Policy", "sandbox")
	h.Set("X-Content-Type-Options", "nosniff")
	h.Set("X-Archive-Hash", v.Hash)
	_, _ = w.Write(v.Content)
}

type compareView struct {
	ID   string
	Path string
	From uint64
	To   uint64
	Diff string
}

func (s *Server) handleCompare(w http.ResponseWriter, r *http.Request) {
	pageID, ok := s.pageParam(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()

	var from, to uint64
	var err error
	switch {
	case q.Get("from") != "" && q.Get("to") != "":
		from, err = strconv.ParseUint(q.Get("from"), 10, 64)
		if err == nil {
			to, err = strconv.ParseUint(q.Get("to"), 10, 64)
		}
		if err != nil {
			http.Error(w, "invalid version", http.StatusBadRequest)
			return
		}
	default:
		infos, err := s.archive.History(r.Context(), pageID)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		if len(infos) < 2 {
			http.Error(w, "page has fewer than two versions", http.StatusBadRequest)
			return
		}
		to = infos[len(infos)-1].Seq
		from = to - 1
	}

	diff, err := s.mat.Compare(r.Context(), pageID, from, to)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.render(w, r, compareTmpl, compareView{ID: pageID, Path: PagePath(pageID), From: from, To: to, Diff: diff})
}

func (s *Server) pageParam(w http.ResponseWriter, r *http.Request) (string, bool) {
	pageID, err := url.PathUnescape(chi.URLParam(r, "page"))
	if err != nil || pageID == "" {
		http.Error(w, "invalid page", http.StatusBadRequest)
		return "", false
	}
	return pageID, true
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, chain.ErrNotFound):
		http.Error(w, "not found", http.StatusNotFound)
	case chain.IsIntegrityError(err):
		s.logger.Error("archive integrity failure", "path", r.URL.Path, "err", err)
		http.Error(w, "archive data is corrupt", http.StatusInternalServerError)
	case errors.Is(err, context.Canceled):
	default:
		s.logger.Error("request failed", "path", r.URL.Path, "err", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}

func (s *Server) render(w http.ResponseWriter, r *http.Request, t *template.Template, data any) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := t.Execute(w, data); err != nil {
		s.logger.Warn("render failed", "path", r.URL.Path, "err", err)
	}
}

func when(t time.Time) string {
	if t.IsZero() {
		return "never"
	}
	return humanize.Time(t)
}
