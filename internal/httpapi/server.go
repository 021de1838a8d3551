// Package httpapi exposes the object service over HTTP.
package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/driftfs/driftfs/internal/object"
)

// statusRecorder wraps http.ResponseWriter to capture the HTTP status code.
// Note: Not thread-safe. Must only be used within a single request handler.
type statusRecorder struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (r *statusRecorder) WriteHeader(code int) {
	if !r.wroteHeader {
		r.status = code
		r.wroteHeader = true
		r.ResponseWriter.WriteHeader(code)
	}
}

// getStatus returns the recorded status, defaulting to 200 if WriteHeader was never called.
func (r *statusRecorder) getStatus() int {
	if r.status == 0 {
		return http.StatusOK
	}
	return r.status
}

// classifyStatus converts an HTTP status code to a metric status string.
func classifyStatus(httpStatus int) string {
	switch {
	case httpStatus >= 200 && httpStatus < 300:
		return "success"
	case httpStatus == http.StatusNotFound:
		return "not_found"
	case httpStatus == http.StatusGone:
		return "expired"
	case httpStatus == http.StatusRequestEntityTooLarge:
		return "too_large"
	default:
		return "error"
	}
}

// Server exposes the object service as a JSON HTTP API.
type Server struct {
	svc      *object.Service
	metrics  *object.Metrics
	gatherer prometheus.Gatherer
}

// NewServer creates an HTTP server over svc.
// If metrics is nil, request metrics are not recorded. If gatherer is nil,
// the metrics endpoint serves the default Prometheus gatherer.
func NewServer(svc *object.Service, metrics *object.Metrics, gatherer prometheus.Gatherer) *Server {
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	return &Server{
		svc:      svc,
		metrics:  metrics,
		gatherer: gatherer,
	}
}

// Handler returns the routed HTTP handler.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Route("/api", func(r chi.Router) {
		r.Post("/objects", s.instrument("create", s.handleCreate))
		r.Get("/objects/{handle}/download", s.instrument("download", s.handleDownload))
		r.Get("/objects/{handle}/info", s.instrument("info", s.handleInfo))
		r.Delete("/objects/{handle}", s.instrument("delete", s.handleDelete))
		r.Get("/stats", s.instrument("stats", s.handleStats))
	})

	r.Get("/livez", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))

	return r
}

// instrument wraps a handler to record request count and duration.
func (s *Server) instrument(operation string, h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w}
		start := time.Now()
		h(rec, r)
		if s.metrics != nil {
			s.metrics.RecordRequest(operation, classifyStatus(rec.getStatus()), time.Since(start).Seconds())
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeServiceError maps the object service sentinels onto HTTP statuses.
func writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, object.ErrNotFound):
		writeError(w, http.StatusNotFound, "object not found")
	case errors.Is(err, object.ErrExpired):
		writeError(w, http.StatusGone, "object expired")
	case errors.Is(err, object.ErrMissingData):
		writeError(w, http.StatusNotFound, "object data missing")
	case errors.Is(err, object.ErrTooLarge):
		writeError(w, http.StatusRequestEntityTooLarge, err.Error())
	default:
		log.Error().Err(err).Msg("object request failed")
		writeError(w, http.StatusInternalServerError, "storage failure")
	}
}

type createResponse struct {
	ID          string    `json:"id"`
	URL         string    `json:"url"`
	DownloadURL string    `json:"download_url"`
	InfoURL     string    `json:"info_url"`
	Name        string    `json:"name,omitempty"`
	Size        int64     `json:"size"`
	Volume      string    `json:"volume"`
	CreatedAt   time.Time `json:"created_at"`
	ExpiresAt   time.Time `json:"expires_at"`
	MaxSize     int64     `json:"max_size"`
}

// handleCreate accepts the request body as the object's bytes. The ttl query
// parameter is whole seconds; absent means the configured default.
func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	ttl := s.svc.DefaultTTL()
	if raw := r.URL.Query().Get("ttl"); raw != "" {
		secs, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || secs < 0 {
			writeError(w, http.StatusBadRequest, "ttl must be a non-negative integer number of seconds")
			return
		}
		ttl = time.Duration(secs) * time.Second
	}

	opts := object.CreateOptions{
		Name:        r.URL.Query().Get("name"),
		ContentType: r.Header.Get("Content-Type"),
		TTL:         ttl,
	}
	if r.ContentLength > 0 {
		opts.SizeHint = r.ContentLength
	}

	rec, err := s.svc.Create(r.Context(), r.Body, opts)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	base := "/api/objects/" + rec.Handle
	writeJSON(w, http.StatusCreated, createResponse{
		ID:          rec.Handle,
		URL:         base,
		DownloadURL: base + "/download",
		InfoURL:     base + "/info",
		Name:        rec.OriginalName,
		Size:        rec.Size,
		Volume:      rec.Volume,
		CreatedAt:   rec.CreatedAt,
		ExpiresAt:   rec.ExpiresAt,
		MaxSize:     s.svc.MaxObjectSize(),
	})
}

func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	handle := chi.URLParam(r, "handle")

	rc, rec, err := s.svc.Open(r.Context(), handle)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	defer rc.Close()

	contentType := rec.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Length", strconv.FormatInt(rec.Size, 10))
	name := rec.OriginalName
	if name == "" {
		name = rec.Handle
	}
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", name))

	n, err := io.Copy(w, rc)
	if err != nil {
		// Headers are gone; all we can do is log the broken stream.
		log.Warn().Err(err).Str("handle", handle).Msg("download stream interrupted")
	}
	if s.metrics != nil {
		s.metrics.RecordDownload(n)
	}
}

type infoResponse struct {
	ID               string    `json:"id"`
	Name             string    `json:"name,omitempty"`
	Size             int64     `json:"size"`
	ContentType      string    `json:"content_type,omitempty"`
	Volume           string    `json:"volume"`
	CreatedAt        time.Time `json:"created_at"`
	ExpiresAt        time.Time `json:"expires_at"`
	RemainingSeconds int64     `json:"remaining_seconds"`
	Expired          bool      `json:"expired"`
}

func (s *Server) handleInfo(w http.ResponseWriter, r *http.Request) {
	info, err := s.svc.Stat(r.Context(), chi.URLParam(r, "handle"))
	if err != nil {
		writeServiceError(w, err)
		return
	}

	rec := info.Record
	writeJSON(w, http.StatusOK, infoResponse{
		ID:               rec.Handle,
		Name:             rec.OriginalName,
		Size:             rec.Size,
		ContentType:      rec.ContentType,
		Volume:           rec.Volume,
		CreatedAt:        rec.CreatedAt,
		ExpiresAt:        rec.ExpiresAt,
		RemainingSeconds: info.RemainingSeconds,
		Expired:          info.Expired,
	})
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.Delete(r.Context(), chi.URLParam(r, "handle")); err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.svc.Stats(r.Context()))
}
