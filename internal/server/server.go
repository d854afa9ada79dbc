// Package server is the internal HTTP surface: worker registration and
// heartbeats, routing lookups, progress reads, health and metrics. It is
// not a public API; workers and sibling services are the only clients.
package server

import (
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/gpufleet/gpufleet/internal/heartbeat"
	"github.com/gpufleet/gpufleet/internal/metrics"
	"github.com/gpufleet/gpufleet/internal/models"
	"github.com/gpufleet/gpufleet/internal/progress"
	"github.com/gpufleet/gpufleet/internal/routing"
	"github.com/gpufleet/gpufleet/internal/store"
)

type Server struct {
	store     store.Store
	heartbeat *heartbeat.Service
	selector  *routing.Selector
	registry  *prometheus.Registry
	log       zerolog.Logger
}

func New(st store.Store, hb *heartbeat.Service, sel *routing.Selector, registry *prometheus.Registry, log zerolog.Logger) *Server {
	return &Server{
		store:     st,
		heartbeat: hb,
		selector:  sel,
		registry:  registry,
		log:       log.With().Str("component", "server").Logger(),
	}
}

// Handler builds the router. Kept separate from ListenAndServe so tests
// can drive it through httptest.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(s.requestLogger)

	r.Route("/internal", func(r chi.Router) {
		r.Post("/worker/register", s.handleRegister)
		r.Post("/worker/heartbeat", s.handleHeartbeat)
		r.Get("/route", s.handleRoute)
		r.Get("/instances/{id}/progress", s.handleProgress)
	})
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))
	return r
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.log.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("duration", time.Since(start)).
			Str("request_id", middleware.GetReqID(r.Context())).
			Msg("request")
	})
}

type registerRequest struct {
	InstanceID    uuid.UUID         `json:"instance_id"`
	ModelID       string            `json:"model_id"`
	HealthPort    int               `json:"health_port"`
	InferencePort int               `json:"inference_port"`
	Metadata      map[string]string `json:"metadata,omitempty"`
}

type registerResponse struct {
	Token string `json:"token"`
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "undecodable body")
		return
	}
	if req.InstanceID == uuid.Nil || req.HealthPort == 0 {
		writeError(w, http.StatusBadRequest, "instance_id and health_port are required")
		return
	}
	token, err := s.heartbeat.Register(r.Context(), req.InstanceID, remoteIP(r), store.WorkerRegistration{
		ModelID:       req.ModelID,
		HealthPort:    req.HealthPort,
		InferencePort: req.InferencePort,
		Metadata:      req.Metadata,
	})
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, registerResponse{Token: token})
}

type heartbeatRequest struct {
	InstanceID     uuid.UUID         `json:"instance_id"`
	Status         string            `json:"status"`
	ModelID        string            `json:"model_id,omitempty"`
	QueueDepth     *int              `json:"queue_depth,omitempty"`
	GPUUtilization *float64          `json:"gpu_utilization,omitempty"`
	Metadata       map[string]string `json:"metadata,omitempty"`
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	var req heartbeatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "undecodable body")
		return
	}
	if req.InstanceID == uuid.Nil {
		writeError(w, http.StatusBadRequest, "instance_id is required")
		return
	}
	token, ok := bearerToken(r)
	if !ok {
		metrics.HeartbeatsTotal.WithLabelValues("unauthorized").Inc()
		writeError(w, http.StatusUnauthorized, "missing bearer token")
		return
	}
	if err := s.heartbeat.Authenticate(r.Context(), req.InstanceID, token); err != nil {
		metrics.HeartbeatsTotal.WithLabelValues("unauthorized").Inc()
		writeServiceError(w, err)
		return
	}
	err := s.heartbeat.Report(r.Context(), req.InstanceID, store.WorkerReport{
		Status:         models.WorkerStatus(req.Status),
		ModelID:        req.ModelID,
		QueueDepth:     req.QueueDepth,
		GPUUtilization: req.GPUUtilization,
		Metadata:       req.Metadata,
	})
	if err != nil {
		metrics.HeartbeatsTotal.WithLabelValues("error").Inc()
		writeServiceError(w, err)
		return
	}
	metrics.HeartbeatsTotal.WithLabelValues("ok").Inc()
	writeJSON(w, http.StatusOK, map[string]string{"status": "accepted"})
}

type routeResponse struct {
	InstanceID    uuid.UUID `json:"instance_id"`
	IPAddress     string    `json:"ip_address"`
	InferencePort int       `json:"inference_port"`
	ModelID       string    `json:"model_id"`
}

func (s *Server) handleRoute(w http.ResponseWriter, r *http.Request) {
	modelID := r.URL.Query().Get("model")
	if modelID == "" {
		writeError(w, http.StatusBadRequest, "model is required")
		return
	}
	inst, err := s.selector.Select(r.Context(), modelID, r.URL.Query().Get("sticky"))
	if errors.Is(err, routing.ErrNoReadyWorker) {
		metrics.RoutingRequestsTotal.WithLabelValues("no_worker").Inc()
		writeError(w, http.StatusServiceUnavailable, "no ready worker for model")
		return
	}
	if err != nil {
		metrics.RoutingRequestsTotal.WithLabelValues("error").Inc()
		writeError(w, http.StatusInternalServerError, "routing failed")
		return
	}
	metrics.RoutingRequestsTotal.WithLabelValues("ok").Inc()
	writeJSON(w, http.StatusOK, routeResponse{
		InstanceID:    inst.ID,
		IPAddress:     inst.IPAddress,
		InferencePort: inst.Worker.InferencePort,
		ModelID:       inst.ModelID,
	})
}

type progressResponse struct {
	InstanceID uuid.UUID `json:"instance_id"`
	Status     string    `json:"status"`
	Progress   int       `json:"progress"`
}

func (s *Server) handleProgress(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "malformed instance id")
		return
	}
	inst, err := s.store.GetInstance(r.Context(), id)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	done, err := s.store.CompletedActions(r.Context(), id)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, progressResponse{
		InstanceID: inst.ID,
		Status:     string(inst.Status),
		Progress:   progress.Compute(inst.Status, done),
	})
}

func bearerToken(r *http.Request) (string, bool) {
	h := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if !strings.HasPrefix(h, prefix) {
		return "", false
	}
	return strings.TrimSpace(h[len(prefix):]), true
}

// remoteIP strips the port; middleware.RealIP already resolved proxies.
func remoteIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "instance not found")
	case errors.Is(err, heartbeat.ErrUnauthorized):
		writeError(w, http.StatusUnauthorized, "invalid token")
	case errors.Is(err, heartbeat.ErrIPMismatch):
		writeError(w, http.StatusForbidden, "source address mismatch")
	case errors.Is(err, heartbeat.ErrAlreadyRegistered):
		writeError(w, http.StatusConflict, "worker already registered")
	case errors.Is(err, store.ErrEndpointConflict):
		writeError(w, http.StatusConflict, "worker endpoint already in use")
	case errors.Is(err, heartbeat.ErrInstanceTerminal):
		writeError(w, http.StatusGone, "instance is terminal")
	default:
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
