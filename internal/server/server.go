package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/devrev/pairdb/replication/internal/errors"
	"github.com/devrev/pairdb/replication/internal/model"
	"github.com/devrev/pairdb/replication/internal/service"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Domain is the read side of a replication domain
type Domain interface {
	ID() string
	ServerState() *model.ServerState
	Topology() service.TopologyView
	ReplicationHealth() model.ReplicationHealth
}

// Resyncer replays history towards a peer
type Resyncer interface {
	ResyncAll(ctx context.Context, peer *model.ServerState) (service.ResyncReport, error)
}

// HealthHandlers serves the liveness and readiness checks
type HealthHandlers interface {
	LivenessHandler(w http.ResponseWriter, r *http.Request)
	ReadinessHandler(w http.ResponseWriter, r *http.Request)
}

// Config holds configuration for the admin server
type Config struct {
	Host         string
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	MetricsPath  string
}

type domainEntry struct {
	domain Domain
	resync Resyncer
}

// Server serves metrics, health checks and the replication views over HTTP
type Server struct {
	router     *mux.Router
	httpServer *http.Server
	gatherer   prometheus.Gatherer
	health     HealthHandlers
	logger     *zap.Logger
	cfg        Config

	mu      sync.RWMutex
	domains map[string]domainEntry
}

// NewServer creates the admin server; routes are set up by SetupRoutes
func NewServer(cfg Config, gatherer prometheus.Gatherer, health HealthHandlers, logger *zap.Logger) *Server {
	if cfg.MetricsPath == "" {
		cfg.MetricsPath = "/metrics"
	}
	router := mux.NewRouter()
	return &Server{
		router: router,
		httpServer: &http.Server{
			Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
			Handler:      router,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
			IdleTimeout:  60 * time.Second,
		},
		gatherer: gatherer,
		health:   health,
		logger:   logger,
		cfg:      cfg,
		domains:  make(map[string]domainEntry),
	}
}

// AddDomain exposes d; resync may be nil
func (s *Server) AddDomain(d Domain, resync Resyncer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.domains[model.NormalizeDN(d.ID())] = domainEntry{domain: d, resync: resync}
}

// SetupRoutes configures all HTTP routes
func (s *Server) SetupRoutes() {
	s.router.Use(Recovery(s.logger), RequestID, Logging(s.logger))

	s.router.Handle(s.cfg.MetricsPath, promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	if s.health != nil {
		s.router.HandleFunc("/health/live", s.health.LivenessHandler).Methods(http.MethodGet)
		s.router.HandleFunc("/health/ready", s.health.ReadinessHandler).Methods(http.MethodGet)
	}

	s.router.HandleFunc("/domains", s.listDomains).Methods(http.MethodGet)
	domains := s.router.PathPrefix("/domains/{id}").Subrouter()
	domains.HandleFunc("/state", s.getState).Methods(http.MethodGet)
	domains.HandleFunc("/health", s.getHealth).Methods(http.MethodGet)
	domains.HandleFunc("/topology", s.getTopology).Methods(http.MethodGet)
	domains.HandleFunc("/resync", s.resync).Methods(http.MethodPost)

	s.router.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "endpoint not found", r.Header.Get("X-Request-ID"))
	})
	s.router.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "method not allowed", r.Header.Get("X-Request-ID"))
	})
}

// Handler returns the router
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start serves in the background
func (s *Server) Start() error {
	s.logger.Info("Starting admin server", zap.String("addr", s.httpServer.Addr))

	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("Admin server failed", zap.Error(err))
		}
	}()
	return nil
}

// Shutdown gracefully stops the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("Stopping admin server")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("admin server shutdown failed: %w", err)
	}
	return nil
}

func (s *Server) lookup(w http.ResponseWriter, r *http.Request) (domainEntry, bool) {
	id := mux.Vars(r)["id"]
	s.mu.RLock()
	entry, ok := s.domains[model.NormalizeDN(id)]
	s.mu.RUnlock()
	if !ok {
		writeError(w, http.StatusNotFound, "DOMAIN_NOT_FOUND", fmt.Sprintf("no replication domain %q", id), r.Header.Get("X-Request-ID"))
	}
	return entry, ok
}

func (s *Server) listDomains(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	ids := make([]string, 0, len(s.domains))
	for _, entry := range s.domains {
		ids = append(ids, entry.domain.ID())
	}
	s.mu.RUnlock()
	sort.Strings(ids)

	writeJSON(w, http.StatusOK, map[string]interface{}{"domains": ids})
}

func (s *Server) getState(w http.ResponseWriter, r *http.Request) {
	entry, ok := s.lookup(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"domain": entry.domain.ID(),
		"state":  entry.domain.ServerState(),
	})
}

func (s *Server) getHealth(w http.ResponseWriter, r *http.Request) {
	entry, ok := s.lookup(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, entry.domain.ReplicationHealth())
}

func (s *Server) getTopology(w http.ResponseWriter, r *http.Request) {
	entry, ok := s.lookup(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, entry.domain.Topology())
}

// resyncRequest names the peer state; an empty state resends the whole history
type resyncRequest struct {
	State []string `json:"state"`
}

func (s *Server) resync(w http.ResponseWriter, r *http.Request) {
	entry, ok := s.lookup(w, r)
	if !ok {
		return
	}
	requestID := r.Header.Get("X-Request-ID")
	if entry.resync == nil {
		writeError(w, http.StatusNotImplemented, "RESYNC_DISABLED", "resync is not enabled for this domain", requestID)
		return
	}

	var req resyncRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_REQUEST", fmt.Sprintf("invalid request body: %v", err), requestID)
			return
		}
	}
	var peer *model.ServerState
	if len(req.State) > 0 {
		state, err := model.DecodeServerState(req.State)
		if err != nil {
			writeReplicationError(w, err, requestID)
			return
		}
		peer = state
	}

	report, err := entry.resync.ResyncAll(r.Context(), peer)
	if err != nil {
		s.logger.Warn("Resync failed",
			zap.String("domain", entry.domain.ID()),
			zap.Error(err))
		writeReplicationError(w, err, requestID)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// ErrorResponse is the body of every error reply
type ErrorResponse struct {
	Status    string `json:"status"`
	ErrorCode string `json:"error_code"`
	Message   string `json:"message"`
	RequestID string `json:"request_id,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, code, message, requestID string) {
	writeJSON(w, status, ErrorResponse{Status: "error", ErrorCode: code, Message: message, RequestID: requestID})
}

func writeReplicationError(w http.ResponseWriter, err error, requestID string) {
	code := errors.GetCode(err)
	writeError(w, httpStatus(code), fmt.Sprintf("REPLICATION_%d", code), err.Error(), requestID)
}

// httpStatus maps replication error codes onto HTTP statuses
func httpStatus(code errors.ErrorCode) int {
	switch code {
	case errors.ErrCodeInvalidArgument, errors.ErrCodeDecode:
		return http.StatusBadRequest
	case errors.ErrCodeEntryNotFound:
		return http.StatusNotFound
	case errors.ErrCodeEntryExists:
		return http.StatusConflict
	case errors.ErrCodeGenerationMismatch, errors.ErrCodeStopped:
		return http.StatusPreconditionFailed
	case errors.ErrCodeUnavailable, errors.ErrCodeNoReplicationServer:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
