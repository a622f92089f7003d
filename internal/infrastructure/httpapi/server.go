package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/davarch/ci-orchestrator/internal/domain"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"
)

// Engine is the part of the orchestrator the API drives.
type Engine interface {
	OnEvent(ctx context.Context, ev domain.Event) ([]*domain.Run, error)
	Active() []domain.RunSnapshot
	Cancel(runID string) bool
	Groups() map[string]string
}

type eventsResponse struct {
	Runs []domain.RunSnapshot `json:"runs"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// NewHandler mounts the event ingress and run inspection routes. metrics may
// be nil.
func NewHandler(l *zap.Logger, engine Engine, metrics http.Handler) http.Handler {
	s := &server{log: l, engine: engine}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.logRequests)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Post("/events", s.postEvent)
	r.Get("/runs", s.listRuns)
	r.Post("/runs/{id}/cancel", s.cancelRun)
	r.Get("/groups", s.listGroups)
	if metrics != nil {
		r.Method(http.MethodGet, "/metrics", metrics)
	}
	return r
}

type server struct {
	log    *zap.Logger
	engine Engine
}

func (s *server) postEvent(w http.ResponseWriter, r *http.Request) {
	var ev domain.Event
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&ev); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid event: " + err.Error()})
		return
	}

	runs, err := s.engine.OnEvent(r.Context(), ev)
	switch {
	case errors.Is(err, domain.ErrUnknownEvent), errors.Is(err, domain.ErrUnresolvedRef):
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	case err != nil:
		s.log.Error("event dispatch failed", zap.String("kind", string(ev.Kind)), zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: err.Error()})
		return
	}

	resp := eventsResponse{Runs: make([]domain.RunSnapshot, 0, len(runs))}
	for _, run := range runs {
		resp.Runs = append(resp.Runs, run.Snapshot())
	}
	writeJSON(w, http.StatusAccepted, resp)
}

func (s *server) listRuns(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, eventsResponse{Runs: s.engine.Active()})
}

func (s *server) cancelRun(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if !s.engine.Cancel(id) {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "no active run " + id})
		return
	}
	s.log.Info("run cancelled via api", zap.String("run", id))
	writeJSON(w, http.StatusAccepted, map[string]string{"cancelled": id})
}

func (s *server) listGroups(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.Groups())
}

func (s *server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.log.Debug("http",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("took", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
