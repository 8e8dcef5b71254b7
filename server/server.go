// Package server exposes the payload engine over HTTP. Any method and path
// is a generation endpoint: the request body carries the shape, query
// parameters carry per-request overrides, and the path participates in the
// cache key. Maintenance endpoints live under /-/ so they can never collide
// with a mocked API route.
package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/mirage-ai/mirage/engine"
	"github.com/mirage-ai/mirage/shape"
)

// maxShapeBytes bounds the request body read for a shape template.
const maxShapeBytes = 1 << 20

// Server handles HTTP traffic for one engine.
type Server struct {
	eng *engine.Engine
	log *slog.Logger
}

// New creates a server. A nil logger falls back to slog.Default.
func New(eng *engine.Engine, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{eng: eng, log: log}
}

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/-/cache", s.handleCache)
	mux.HandleFunc("/-/plan", s.handlePlan)
	mux.HandleFunc("/-/health", s.handleHealth)
	mux.HandleFunc("/", s.handleGenerate)
	return s.withAccessLog(mux)
}

// statusRecorder captures the status code for the access log.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) withAccessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := uuid.NewString()
		w.Header().Set("X-Mirage-Request-Id", id)
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		next.ServeHTTP(rec, r)
		s.log.Info("request",
			"id", id,
			"method", r.Method,
			"path", r.URL.RequestURI(),
			"status", rec.status,
			"duration", time.Since(start),
		)
	})
}

func (s *Server) handleGenerate(w http.ResponseWriter, r *http.Request) {
	shp, err := s.readShape(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}

	req := engine.Request{
		Method: r.Method,
		Path:   r.URL.RequestURI(),
		Shape:  shp,
	}
	q := r.URL.Query()
	if v := q.Get("count"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			s.writeError(w, http.StatusBadRequest, fmt.Errorf("invalid count: %q", v))
			return
		}
		req.Count = n
	}
	if v := q.Get("cache"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			s.writeError(w, http.StatusBadRequest, fmt.Errorf("invalid cache variant count: %q", v))
			return
		}
		req.CacheVariants = n
	}
	if v := q.Get("nochunk"); v != "" {
		req.NoChunk = v == "true" || v == "1"
	}
	req.Priority = q.Get("priority")

	resp, err := s.eng.Respond(r.Context(), req)
	if err != nil {
		status := http.StatusBadGateway
		if errors.Is(err, engine.ErrInvalidRequest) {
			status = http.StatusBadRequest
		}
		s.writeError(w, status, err)
		return
	}

	h := w.Header()
	h.Set("Content-Type", "application/json")
	h.Set("X-Mirage-Source", string(resp.Source))
	h.Set("X-Mirage-Chunks", strconv.Itoa(resp.Meta.ChunkCount))
	if resp.Meta.Capped {
		h.Set("X-Mirage-Capped", "true")
	}
	io.WriteString(w, resp.JSON)
}

// handleCache serves cache statistics and explicit clears.
func (s *Server) handleCache(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s.writeJSON(w, http.StatusOK, s.eng.CacheStats())
	case http.MethodDelete:
		s.eng.ClearCache()
		w.WriteHeader(http.StatusNoContent)
	default:
		s.writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
	}
}

// planResponse is the dry-run planning result.
type planResponse struct {
	TokensPerItem  int   `json:"tokens_per_item"`
	TotalRequested int   `json:"total_requested"`
	EffectiveTotal int   `json:"effective_total"`
	ItemsPerChunk  int   `json:"items_per_chunk"`
	ChunkSizes     []int `json:"chunk_sizes"`
	Capped         bool  `json:"capped"`
}

// handlePlan previews the chunk plan for a shape without calling the backend.
func (s *Server) handlePlan(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
		return
	}
	shp, err := s.readShape(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	count := 0
	if v := r.URL.Query().Get("count"); v != "" {
		if count, err = strconv.Atoi(v); err != nil {
			s.writeError(w, http.StatusBadRequest, fmt.Errorf("invalid count: %q", v))
			return
		}
	}
	noChunk := r.URL.Query().Get("nochunk") == "true"

	plan, tokensPerItem := s.eng.PlanPreview(shp, count, noChunk)
	s.writeJSON(w, http.StatusOK, planResponse{
		TokensPerItem:  tokensPerItem,
		TotalRequested: plan.TotalRequested,
		EffectiveTotal: plan.EffectiveTotal,
		ItemsPerChunk:  plan.ItemsPerChunk,
		ChunkSizes:     plan.ChunkSizes,
		Capped:         plan.Capped,
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// readShape parses the request body as a shape template.
func (s *Server) readShape(r *http.Request) (shape.Descriptor, error) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxShapeBytes))
	if err != nil {
		return shape.Descriptor{}, fmt.Errorf("reading body: %w", err)
	}
	if len(strings.TrimSpace(string(body))) == 0 {
		return shape.Descriptor{}, fmt.Errorf("request body must contain a JSON shape")
	}
	shp, err := shape.Parse(body)
	if err != nil {
		return shape.Descriptor{}, err
	}
	return shp, nil
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Error("encoding response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, err error) {
	s.writeJSON(w, status, map[string]string{"error": err.Error()})
}
