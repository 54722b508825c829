package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/hayashikawa/renderpool/internal/capability"
	"github.com/hayashikawa/renderpool/internal/launch"
	"github.com/hayashikawa/renderpool/internal/pool"
	"github.com/hayashikawa/renderpool/internal/store"
)

// Config defines API server configuration.
type Config struct {
	Enabled           bool          `mapstructure:"enabled"`
	ListenAddr        string        `mapstructure:"listen_addr"`
	AllowOrigins      []string      `mapstructure:"allow_origins"`
	BroadcastInterval time.Duration `mapstructure:"broadcast_interval"`
}

// DefaultConfig returns default API server configuration.
func DefaultConfig() Config {
	return Config{
		Enabled:           true,
		ListenAddr:        "127.0.0.1:8750",
		BroadcastInterval: 5 * time.Second,
	}
}

// PoolController is the controller surface the API needs.
type PoolController interface {
	Statuses() []pool.Status
	GetPoolStatus(service string) (pool.Status, error)
	RequestWorker(ctx context.Context, service, taskClass string, overrides map[string]string) (pool.WorkerHandle, error)
	CompleteOperation(service, workerID string, responseTime time.Duration, opErr bool) error
	ReportOperation(service string, responseTime time.Duration, opErr bool) error
	ReportAccelerationFailure(service, workerID string) error
}

// CapabilityProvider exposes the hardware capability cache.
type CapabilityProvider interface {
	Detect(ctx context.Context) capability.Profile
	Invalidate()
}

// AuditReader serves persisted controller decisions. May be nil when the
// audit store is disabled.
type AuditReader interface {
	RecentScalingEvents(ctx context.Context, service string, limit int) ([]store.ScalingRecord, error)
	RecentLaunchEvents(ctx context.Context, service string, limit int) ([]store.LaunchRecord, error)
}

// Response represents the API response envelope.
type Response struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
	Time    time.Time   `json:"time"`
}

// Server provides the HTTP API and WebSocket status feed.
type Server struct {
	logger     *zap.Logger
	config     Config
	router     *mux.Router
	server     *http.Server
	controller PoolController
	capability CapabilityProvider
	audit      AuditReader
	metrics    http.Handler

	upgrader  websocket.Upgrader
	clientsMu sync.Mutex
	clients   map[*websocket.Conn]bool

	startedAt time.Time
}

// NewServer creates the API server. audit and metrics may be nil.
func NewServer(
	logger *zap.Logger,
	config Config,
	controller PoolController,
	caps CapabilityProvider,
	audit AuditReader,
	metrics http.Handler,
) *Server {
	s := &Server{
		logger:     logger,
		config:     config,
		controller: controller,
		capability: caps,
		audit:      audit,
		metrics:    metrics,
		clients:    make(map[*websocket.Conn]bool),
		startedAt:  time.Now(),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				if origin == "" {
					return true
				}
				for _, allowed := range config.AllowOrigins {
					if allowed == "*" || allowed == origin {
						return true
					}
				}
				return false
			},
		},
	}

	s.setupRoutes()
	return s
}

// Start begins serving and launches the WebSocket broadcast loop. Non-blocking.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:         s.config.ListenAddr,
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info("Starting API server",
		zap.String("listen_addr", s.config.ListenAddr),
	)

	go func() {
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("API server error", zap.Error(err))
		}
	}()

	interval := s.config.BroadcastInterval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	go s.broadcastLoop(ctx, interval)

	return nil
}

// Shutdown gracefully stops the API server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("Shutting down API server")

	s.clientsMu.Lock()
	for client := range s.clients {
		client.Close()
	}
	s.clients = make(map[*websocket.Conn]bool)
	s.clientsMu.Unlock()

	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

// Router exposes the handler for tests and embedding.
func (s *Server) Router() http.Handler {
	return s.router
}

func (s *Server) setupRoutes() {
	s.router = mux.NewRouter()

	s.router.HandleFunc("/healthz", s.handleHealth).Methods("GET")
	if s.metrics != nil {
		s.router.Handle("/metrics", s.metrics).Methods("GET")
	}

	api := s.router.PathPrefix("/api/v1").Subrouter()
	api.Use(s.corsMiddleware)
	api.Use(s.loggingMiddleware)

	api.HandleFunc("/status", s.handleStatus).Methods("GET")
	api.HandleFunc("/capability", s.handleCapability).Methods("GET")
	api.HandleFunc("/capability/invalidate", s.handleCapabilityInvalidate).Methods("POST")

	api.HandleFunc("/pools", s.handlePools).Methods("GET")
	api.HandleFunc("/pools/{service}", s.handlePoolStatus).Methods("GET")
	api.HandleFunc("/pools/{service}/workers", s.handleRequestWorker).Methods("POST")
	api.HandleFunc("/pools/{service}/workers/{id}/complete", s.handleCompleteOperation).Methods("POST")
	api.HandleFunc("/pools/{service}/report", s.handleReportOperation).Methods("POST")

	api.HandleFunc("/audit/scaling", s.handleAuditScaling).Methods("GET")
	api.HandleFunc("/audit/launches", s.handleAuditLaunches).Methods("GET")

	api.HandleFunc("/ws", s.handleWebSocket)
}

// Middleware

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" {
			for _, allowed := range s.config.AllowOrigins {
				if allowed == "*" || allowed == origin {
					w.Header().Set("Access-Control-Allow-Origin", origin)
					break
				}
			}
		}
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)

		s.logger.Debug("API request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Duration("duration", time.Since(start)),
		)
	})
}

// Handlers

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.sendJSON(w, http.StatusOK, Response{
		Success: true,
		Data:    map[string]interface{}{"status": "healthy"},
		Time:    time.Now(),
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	s.sendJSON(w, http.StatusOK, Response{
		Success: true,
		Data: map[string]interface{}{
			"service": "renderpool",
			"uptime":  time.Since(s.startedAt).Seconds(),
			"pools":   len(s.controller.Statuses()),
		},
		Time: time.Now(),
	})
}

func (s *Server) handleCapability(w http.ResponseWriter, r *http.Request) {
	profile := s.capability.Detect(r.Context())
	s.sendJSON(w, http.StatusOK, Response{
		Success: true,
		Data:    profile,
		Time:    time.Now(),
	})
}

func (s *Server) handleCapabilityInvalidate(w http.ResponseWriter, r *http.Request) {
	s.capability.Invalidate()
	s.sendJSON(w, http.StatusOK, Response{
		Success: true,
		Data:    map[string]interface{}{"message": "capability cache invalidated"},
		Time:    time.Now(),
	})
}

func (s *Server) handlePools(w http.ResponseWriter, r *http.Request) {
	s.sendJSON(w, http.StatusOK, Response{
		Success: true,
		Data:    s.controller.Statuses(),
		Time:    time.Now(),
	})
}

func (s *Server) handlePoolStatus(w http.ResponseWriter, r *http.Request) {
	service := mux.Vars(r)["service"]

	status, err := s.controller.GetPoolStatus(service)
	if err != nil {
		s.sendControllerError(w, err)
		return
	}

	s.sendJSON(w, http.StatusOK, Response{
		Success: true,
		Data:    status,
		Time:    time.Now(),
	})
}

func (s *Server) handleRequestWorker(w http.ResponseWriter, r *http.Request) {
	service := mux.Vars(r)["service"]

	var req struct {
		TaskClass string            `json:"task_class"`
		Overrides map[string]string `json:"overrides"`
	}
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			s.sendError(w, http.StatusBadRequest, "Invalid request body")
			return
		}
	}

	worker, err := s.controller.RequestWorker(r.Context(), service, req.TaskClass, req.Overrides)
	if err != nil {
		s.sendControllerError(w, err)
		return
	}

	s.sendJSON(w, http.StatusOK, Response{
		Success: true,
		Data:    worker,
		Time:    time.Now(),
	})
}

func (s *Server) handleCompleteOperation(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	service := vars["service"]
	workerID := vars["id"]

	var req struct {
		ResponseTimeMS      int64 `json:"response_time_ms"`
		Error               bool  `json:"error"`
		AccelerationFailure bool  `json:"acceleration_failure"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.ResponseTimeMS < 0 {
		s.sendError(w, http.StatusBadRequest, "response_time_ms must be non-negative")
		return
	}

	d := time.Duration(req.ResponseTimeMS) * time.Millisecond
	if err := s.controller.CompleteOperation(service, workerID, d, req.Error); err != nil {
		s.sendControllerError(w, err)
		return
	}
	if req.AccelerationFailure {
		if err := s.controller.ReportAccelerationFailure(service, workerID); err != nil {
			s.sendControllerError(w, err)
			return
		}
	}

	s.sendJSON(w, http.StatusOK, Response{
		Success: true,
		Data:    map[string]interface{}{"worker_id": workerID},
		Time:    time.Now(),
	})
}

func (s *Server) handleReportOperation(w http.ResponseWriter, r *http.Request) {
	service := mux.Vars(r)["service"]

	var req struct {
		ResponseTimeMS int64 `json:"response_time_ms"`
		Error          bool  `json:"error"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.ResponseTimeMS < 0 {
		s.sendError(w, http.StatusBadRequest, "response_time_ms must be non-negative")
		return
	}

	d := time.Duration(req.ResponseTimeMS) * time.Millisecond
	if err := s.controller.ReportOperation(service, d, req.Error); err != nil {
		s.sendControllerError(w, err)
		return
	}

	s.sendJSON(w, http.StatusOK, Response{
		Success: true,
		Time:    time.Now(),
	})
}

func (s *Server) handleAuditScaling(w http.ResponseWriter, r *http.Request) {
	if s.audit == nil {
		s.sendError(w, http.StatusNotFound, "Audit store disabled")
		return
	}

	service := r.URL.Query().Get("service")
	limit := parseLimit(r.URL.Query().Get("limit"))

	recs, err := s.audit.RecentScalingEvents(r.Context(), service, limit)
	if err != nil {
		s.sendError(w, http.StatusInternalServerError, fmt.Sprintf("Audit query failed: %v", err))
		return
	}

	s.sendJSON(w, http.StatusOK, Response{
		Success: true,
		Data:    recs,
		Time:    time.Now(),
	})
}

func (s *Server) handleAuditLaunches(w http.ResponseWriter, r *http.Request) {
	if s.audit == nil {
		s.sendError(w, http.StatusNotFound, "Audit store disabled")
		return
	}

	service := r.URL.Query().Get("service")
	limit := parseLimit(r.URL.Query().Get("limit"))

	recs, err := s.audit.RecentLaunchEvents(r.Context(), service, limit)
	if err != nil {
		s.sendError(w, http.StatusInternalServerError, fmt.Sprintf("Audit query failed: %v", err))
		return
	}

	s.sendJSON(w, http.StatusOK, Response{
		Success: true,
		Data:    recs,
		Time:    time.Now(),
	})
}

// WebSocket

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("WebSocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	s.clientsMu.Lock()
	s.clients[conn] = true
	s.clientsMu.Unlock()

	s.logger.Info("WebSocket client connected",
		zap.String("remote_addr", conn.RemoteAddr().String()),
	)

	s.sendStatusToClient(conn)

	for {
		var msg map[string]interface{}
		if err := conn.ReadJSON(&msg); err != nil {
			s.logger.Debug("WebSocket client disconnected", zap.Error(err))
			break
		}

		switch msg["type"] {
		case "get_status":
			s.sendStatusToClient(conn)
		case "ping":
			conn.WriteJSON(map[string]interface{}{"type": "pong", "time": time.Now()})
		}
	}

	s.clientsMu.Lock()
	delete(s.clients, conn)
	s.clientsMu.Unlock()
}

func (s *Server) broadcastLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.broadcastStatus()
		}
	}
}

func (s *Server) broadcastStatus() {
	message := map[string]interface{}{
		"type": "status_update",
		"data": s.controller.Statuses(),
		"time": time.Now(),
	}

	s.clientsMu.Lock()
	defer s.clientsMu.Unlock()
	for client := range s.clients {
		if err := client.WriteJSON(message); err != nil {
			s.logger.Debug("WebSocket broadcast failed", zap.Error(err))
			client.Close()
			delete(s.clients, client)
		}
	}
}

func (s *Server) sendStatusToClient(conn *websocket.Conn) {
	message := map[string]interface{}{
		"type": "status_update",
		"data": s.controller.Statuses(),
		"time": time.Now(),
	}
	if err := conn.WriteJSON(message); err != nil {
		s.logger.Debug("WebSocket send failed", zap.Error(err))
	}
}

// Helpers

func (s *Server) sendControllerError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, launch.ErrUnknownTaskClass), errors.Is(err, launch.ErrInvalidOverride):
		status = http.StatusBadRequest
	case errors.Is(err, pool.ErrUnknownService), errors.Is(err, pool.ErrUnknownWorker):
		status = http.StatusNotFound
	case errors.Is(err, pool.ErrAtCapacity), errors.Is(err, pool.ErrShuttingDown):
		status = http.StatusServiceUnavailable
	}
	s.sendError(w, status, err.Error())
}

func (s *Server) sendJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Error("Failed to encode JSON response", zap.Error(err))
	}
}

func (s *Server) sendError(w http.ResponseWriter, status int, message string) {
	s.sendJSON(w, status, Response{
		Success: false,
		Error:   message,
		Time:    time.Now(),
	})
}

func parseLimit(raw string) int {
	if raw == "" {
		return 0
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0
	}
	return n
}
