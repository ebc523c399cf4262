package httpserver

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"

	"github.com/fairyhunter13/clausepipe/internal/adapter/observability"
	"github.com/fairyhunter13/clausepipe/internal/domain"
	"github.com/fairyhunter13/clausepipe/internal/usecase"
)

// RateLimiter is the subset of ratelimiter.Limiter the router depends on.
type RateLimiter interface {
	Allow(ctx domain.Context, key string, cost int64) (allowed bool, retryAfter time.Duration, err error)
}

// ReadinessCheck reports whether a dependency is reachable.
type ReadinessCheck func(ctx domain.Context) error

// Router wires the ingest use case and document-read ports to HTTP handlers.
type Router struct {
	Ingest       usecase.IngestService
	Documents    domain.DocumentRepository
	Clauses      domain.ClauseRepository
	Limiter      RateLimiter
	MaxUploadMB  int64
	DemoUserID   string
	AllowOrigins []string
	DBCheck      ReadinessCheck
	TikaCheck    ReadinessCheck
}

// NewRouter assembles the chi mux with the full middleware chain.
func (rt *Router) NewRouter() http.Handler {
	r := chi.NewRouter()
	r.Use(Recoverer())
	r.Use(RequestID())
	r.Use(TraceMiddleware)
	r.Use(observability.HTTPMetricsMiddleware)
	r.Use(AccessLog())
	r.Use(SecurityHeaders)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   rt.AllowOrigins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders:   []string{"Content-Type", "X-Request-Id"},
		AllowCredentials: false,
		MaxAge:           300,
	}))
	r.Use(TimeoutMiddleware(30 * time.Second))
	r.Use(httprate.LimitByIP(120, time.Minute))

	r.Get("/healthz", rt.handleHealthz)
	r.Get("/readyz", rt.handleReadyz)
	r.Post("/upload", rt.handleUpload)
	r.Get("/documents/{id}", rt.handleGetDocument)
	r.Get("/documents/{id}/clauses", rt.handleListClauses)

	return r
}

func (rt *Router) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (rt *Router) handleReadyz(w http.ResponseWriter, r *http.Request) {
	checks := map[string]string{}
	ready := true
	if rt.DBCheck != nil {
		if err := rt.DBCheck(r.Context()); err != nil {
			ready = false
			checks["db"] = err.Error()
		} else {
			checks["db"] = "ok"
		}
	}
	if rt.TikaCheck != nil {
		if err := rt.TikaCheck(r.Context()); err != nil {
			checks["tika"] = err.Error()
		} else {
			checks["tika"] = "ok"
		}
	}
	status := http.StatusOK
	if !ready {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]any{"ready": ready, "checks": checks})
}

type uploadResponse struct {
	DocumentID string `json:"document_id"`
}

func (rt *Router) handleUpload(w http.ResponseWriter, r *http.Request) {
	if rt.Limiter != nil {
		allowed, retryAfter, err := rt.Limiter.Allow(r.Context(), "upload:"+rt.userID(r), 1)
		if err == nil && !allowed {
			w.Header().Set("Retry-After", retryAfter.Round(time.Second).String())
			writeError(w, r, fmt.Errorf("op=httpserver.upload: %w", domain.ErrRateLimited), nil)
			return
		}
	}

	maxBytes := rt.MaxUploadMB * 1024 * 1024
	if maxBytes <= 0 {
		maxBytes = 25 * 1024 * 1024
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxBytes)

	if err := r.ParseMultipartForm(maxBytes); err != nil {
		writeError(w, r, fmt.Errorf("op=httpserver.upload.parse_form: %w: %v", domain.ErrInvalidArgument, err), nil)
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, r, fmt.Errorf("op=httpserver.upload.form_file: %w: %v", domain.ErrInvalidArgument, err), nil)
		return
	}
	defer func() { _ = file.Close() }()

	data, err := io.ReadAll(file)
	if err != nil {
		writeError(w, r, fmt.Errorf("op=httpserver.upload.read: %w: %v", domain.ErrInvalidArgument, err), nil)
		return
	}

	filename := SanitizeFilename(header.Filename)
	mime := header.Header.Get("Content-Type")
	if mime == "" {
		mime = "application/octet-stream"
	}

	docID, err := rt.Ingest.Upload(r.Context(), rt.userID(r), filename, mime, data)
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusAccepted, uploadResponse{DocumentID: docID})
}

type documentResponse struct {
	ID        string          `json:"id"`
	Filename  string          `json:"filename"`
	MIME      string          `json:"mime"`
	Status    string          `json:"status"`
	Leverage  json.RawMessage `json:"leverage_json"`
	Graph     json.RawMessage `json:"graph_json,omitempty"`
	PagesJSON json.RawMessage `json:"pages_json,omitempty"`
}

func (rt *Router) handleGetDocument(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if res := ValidateDocumentID(id); !res.Valid {
		writeError(w, r, fmt.Errorf("op=httpserver.get_document: %w", domain.ErrInvalidArgument), res.Errors)
		return
	}

	doc, err := rt.Documents.Get(r.Context(), id)
	if err != nil {
		writeError(w, r, fmt.Errorf("op=httpserver.get_document: %w", err), nil)
		return
	}
	if doc.UserID != rt.userID(r) {
		writeError(w, r, fmt.Errorf("op=httpserver.get_document: %w", domain.ErrNotFound), nil)
		return
	}

	if err := rt.Ingest.EnsureProgress(r.Context(), doc); err != nil {
		LoggerFrom(r).Warn("auto-heal failed", "document_id", id, "error", err)
	}

	writeJSON(w, http.StatusOK, documentResponse{
		ID:        doc.ID,
		Filename:  doc.Filename,
		MIME:      doc.MIME,
		Status:    string(doc.Status),
		Leverage:  doc.Leverage,
		Graph:     doc.GraphJSON,
		PagesJSON: doc.PagesJSON,
	})
}

type clauseResponse struct {
	ID        string `json:"id"`
	ClauseKey string `json:"clause_key"`
	Title     string `json:"title"`
	Text      string `json:"text"`
	PageHint  *int   `json:"page_hint,omitempty"`
}

func (rt *Router) handleListClauses(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if res := ValidateDocumentID(id); !res.Valid {
		writeError(w, r, fmt.Errorf("op=httpserver.list_clauses: %w", domain.ErrInvalidArgument), res.Errors)
		return
	}

	doc, err := rt.Documents.Get(r.Context(), id)
	if err != nil {
		writeError(w, r, fmt.Errorf("op=httpserver.list_clauses: %w", err), nil)
		return
	}
	if doc.UserID != rt.userID(r) {
		writeError(w, r, fmt.Errorf("op=httpserver.list_clauses: %w", domain.ErrNotFound), nil)
		return
	}

	clauses, err := rt.Clauses.ListByDocument(r.Context(), id)
	if err != nil {
		writeError(w, r, fmt.Errorf("op=httpserver.list_clauses: %w", err), nil)
		return
	}
	out := make([]clauseResponse, 0, len(clauses))
	for _, c := range clauses {
		out = append(out, clauseResponse{ID: c.ID, ClauseKey: c.ClauseKey, Title: c.Title, Text: c.Text, PageHint: c.PageHint})
	}
	writeJSON(w, http.StatusOK, out)
}

// userID resolves the owning user for a request. There is no auth layer in
// scope; every request acts as the configured demo user (§6 "no external
// identity provider").
func (rt *Router) userID(_ *http.Request) string {
	if rt.DemoUserID == "" {
		return "demo-user"
	}
	return rt.DemoUserID
}
