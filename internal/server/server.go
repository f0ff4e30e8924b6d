package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/tributary-ai/llm-router-cooldown/internal/metrics"
	"github.com/tributary-ai/llm-router-cooldown/internal/routing"
	"github.com/tributary-ai/llm-router-cooldown/internal/security"
	"github.com/tributary-ai/llm-router-cooldown/internal/types"
)

// maxRequestBodyBytes bounds JSON bodies accepted by the ingress
const maxRequestBodyBytes = 64 << 10

// Server represents the HTTP server
type Server struct {
	router         *routing.Router
	sinks          *metrics.Registry
	auth           *security.Authenticator
	metricsHandler http.Handler
	httpServer     *http.Server
	logger         *logrus.Logger
	config         *ServerConfig
}

// ServerConfig holds server configuration
type ServerConfig struct {
	Port           string           `yaml:"port"`
	ReadTimeout    time.Duration    `yaml:"read_timeout"`
	WriteTimeout   time.Duration    `yaml:"write_timeout"`
	MaxHeaderBytes int              `yaml:"max_header_bytes"`
	Auth           *security.Config `yaml:"auth"`
}

// NewServer creates a new server instance. sinks is listed by /health and
// metricsHandler serves /metrics; either may be nil.
func NewServer(router *routing.Router, sinks *metrics.Registry, metricsHandler http.Handler, config *ServerConfig, logger *logrus.Logger) (*Server, error) {
	if router == nil {
		return nil, errors.New("router is required")
	}

	authConfig := config.Auth
	if authConfig == nil {
		authConfig = &security.Config{}
	}

	return &Server{
		router:         router,
		sinks:          sinks,
		auth:           security.NewAuthenticator(authConfig, logger),
		metricsHandler: metricsHandler,
		logger:         logger,
		config:         config,
	}, nil
}

// Start starts the HTTP server
func (s *Server) Start() error {
	s.httpServer = &http.Server{
		Addr:           ":" + s.config.Port,
		Handler:        s.Handler(),
		ReadTimeout:    s.config.ReadTimeout,
		WriteTimeout:   s.config.WriteTimeout,
		MaxHeaderBytes: s.config.MaxHeaderBytes,
	}

	s.logger.WithField("port", s.config.Port).Info("Starting cooldown bridge server")
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop stops the HTTP server gracefully
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("Stopping cooldown bridge server")
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

// Handler returns the routed HTTP handler
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.Use(s.loggingMiddleware)

	r.HandleFunc("/health", s.handleHealthCheck).Methods("GET")
	if s.metricsHandler != nil {
		r.Handle("/metrics", s.metricsHandler).Methods("GET")
	}

	api := r.PathPrefix("/v1").Subrouter()
	read := s.auth.Require(security.ScopeReadDeployments)
	write := s.auth.Require(security.ScopeReportCooldown)
	manage := s.auth.Require(security.ScopeManageDeployments)

	api.Handle("/deployments", read(http.HandlerFunc(s.handleListDeployments))).Methods("GET")
	api.Handle("/deployments/{id}", read(http.HandlerFunc(s.handleGetDeployment))).Methods("GET")
	api.Handle("/deployments/{id}", manage(http.HandlerFunc(s.handleRemoveDeployment))).Methods("DELETE")
	api.Handle("/deployments/{id}/cooldown", write(http.HandlerFunc(s.handleCooldown))).Methods("POST")
	api.Handle("/deployments/{id}/failure", write(http.HandlerFunc(s.handleFailure))).Methods("POST")

	return r
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWriter{ResponseWriter: w, statusCode: 200}

		next.ServeHTTP(wrapped, r)

		s.logger.WithFields(logrus.Fields{
			"method":      r.Method,
			"path":        r.URL.Path,
			"status":      wrapped.statusCode,
			"duration_ms": time.Since(start).Milliseconds(),
			"remote_addr": r.RemoteAddr,
		}).Debug("HTTP request")
	})
}

// DeploymentResponse is the public view of a registered deployment
type DeploymentResponse struct {
	ModelID       string                 `json:"model_id"`
	ModelName     string                 `json:"model_name"`
	LiteLLMParams map[string]interface{} `json:"litellm_params"`
	CoolingDown   bool                   `json:"cooling_down"`
	CooldownUntil *time.Time             `json:"cooldown_until,omitempty"`
}

// CooldownRequest reports a cooldown decision taken by the router
type CooldownRequest struct {
	ExceptionStatus types.ExceptionStatus `json:"exception_status"`
	CooldownSeconds float64               `json:"cooldown_seconds"`
}

// FailureRequest reports a failed call that did not trigger a cooldown
type FailureRequest struct {
	ExceptionStatus types.ExceptionStatus `json:"exception_status"`
}

func (s *Server) handleHealthCheck(w http.ResponseWriter, r *http.Request) {
	sinks := []string{}
	if s.sinks != nil {
		sinks = s.sinks.Names()
		sort.Strings(sinks)
	}

	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":           "healthy",
		"deployments":      len(s.router.ListDeployments()),
		"active_cooldowns": len(s.router.Cooldowns()),
		"metrics_sinks":    sinks,
		"timestamp":        time.Now().Unix(),
	})
}

func (s *Server) handleListDeployments(w http.ResponseWriter, r *http.Request) {
	cooldowns := s.router.Cooldowns()
	deployments := s.router.ListDeployments()

	out := make([]DeploymentResponse, 0, len(deployments))
	for _, d := range deployments {
		out = append(out, toDeploymentResponse(d, cooldowns))
	}

	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"deployments": out,
		"count":       len(out),
	})
}

func (s *Server) handleGetDeployment(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	deployment, ok := s.router.GetDeployment(id)
	if !ok {
		s.writeErrorResponse(w, http.StatusNotFound, fmt.Sprintf("Deployment %s not found", id))
		return
	}

	s.writeJSON(w, http.StatusOK, toDeploymentResponse(deployment, s.router.Cooldowns()))
}

func (s *Server) handleCooldown(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	var req CooldownRequest
	if !s.decodeBody(w, r, &req) {
		return
	}
	if req.ExceptionStatus == "" {
		s.writeErrorResponse(w, http.StatusBadRequest, "exception_status is required")
		return
	}
	if req.CooldownSeconds <= 0 {
		s.writeErrorResponse(w, http.StatusBadRequest, "cooldown_seconds must be positive")
		return
	}

	event, err := s.router.CooldownDeployment(r.Context(), id, req.ExceptionStatus, req.CooldownSeconds)
	if errors.Is(err, routing.ErrDeploymentNotFound) {
		s.writeErrorResponse(w, http.StatusNotFound, fmt.Sprintf("Deployment %s not found", id))
		return
	}
	if err != nil {
		s.writeErrorResponse(w, http.StatusBadRequest, err.Error())
		return
	}

	s.writeJSON(w, http.StatusAccepted, event)
}

func (s *Server) handleFailure(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	var req FailureRequest
	if !s.decodeBody(w, r, &req) {
		return
	}
	if req.ExceptionStatus == "" {
		s.writeErrorResponse(w, http.StatusBadRequest, "exception_status is required")
		return
	}

	if err := s.router.ReportFailure(r.Context(), id, req.ExceptionStatus); err != nil {
		s.writeErrorResponse(w, http.StatusNotFound, fmt.Sprintf("Deployment %s not found", id))
		return
	}

	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleRemoveDeployment(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	if err := s.router.RemoveDeployment(r.Context(), id); err != nil {
		s.writeErrorResponse(w, http.StatusNotFound, fmt.Sprintf("Deployment %s not found", id))
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func toDeploymentResponse(d *types.DeploymentRecord, cooldowns map[string]time.Time) DeploymentResponse {
	resp := DeploymentResponse{
		ModelID:       d.ID(),
		ModelName:     d.ModelName,
		LiteLLMParams: d.LiteLLMParams.Redacted(),
	}
	if until, ok := cooldowns[d.ID()]; ok {
		resp.CoolingDown = true
		resp.CooldownUntil = &until
	}
	return resp
}

// Helper functions

// decodeBody reads a size-limited JSON body into v, writing the error
// response itself when decoding fails.
func (s *Server) decodeBody(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodyBytes)

	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			s.writeErrorResponse(w, http.StatusRequestEntityTooLarge, fmt.Sprintf("Request body exceeds %d bytes", tooLarge.Limit))
			return false
		}
		s.writeErrorResponse(w, http.StatusBadRequest, fmt.Sprintf("Invalid JSON: %v", err))
		return false
	}
	return true
}

func (s *Server) writeJSON(w http.ResponseWriter, statusCode int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.logger.WithError(err).Warn("Failed to encode response")
	}
}

func (s *Server) writeErrorResponse(w http.ResponseWriter, statusCode int, message string) {
	s.writeJSON(w, statusCode, map[string]interface{}{
		"error": map[string]interface{}{
			"message": message,
			"type":    "api_error",
			"code":    statusCode,
		},
		"timestamp": time.Now().Unix(),
	})
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}
