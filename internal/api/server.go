// Package api provides the HTTP and WebSocket status surface of the
// engine: health, service status, metrics, event history, automation
// control and a live event stream.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
	"go.uber.org/zap"

	"github.com/zakaria-lahyani/quantronaute-sub000/internal/automation"
	"github.com/zakaria-lahyani/quantronaute-sub000/internal/broker"
	"github.com/zakaria-lahyani/quantronaute-sub000/internal/events"
	"github.com/zakaria-lahyani/quantronaute-sub000/internal/orchestrator"
	"github.com/zakaria-lahyani/quantronaute-sub000/internal/risk"
)

// ServerConfig holds the HTTP server settings.
type ServerConfig struct {
	Host         string        `json:"host"`
	Port         int           `json:"port"`
	EnableCORS   bool          `json:"enable_cors"`
	ReadTimeout  time.Duration `json:"read_timeout"`
	WriteTimeout time.Duration `json:"write_timeout"`
}

// DefaultServerConfig returns sensible defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Host:         "0.0.0.0",
		Port:         8080,
		EnableCORS:   true,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
	}
}

// Server exposes the engine over HTTP and WebSocket. It only reads from
// the components it is handed; all mutation goes through bus events.
type Server struct {
	logger *zap.Logger
	config ServerConfig

	bus          *events.Bus
	orchestrator *orchestrator.Orchestrator
	automation   *automation.Manager
	guard        *risk.Guard
	broker       broker.Broker

	router     *mux.Router
	httpServer *http.Server
	hub        *Hub
	startedAt  time.Time
}

// NewServer creates the API server and registers its routes.
func NewServer(
	logger *zap.Logger,
	bus *events.Bus,
	orch *orchestrator.Orchestrator,
	autoMgr *automation.Manager,
	guard *risk.Guard,
	brk broker.Broker,
	hub *Hub,
	config ServerConfig,
) *Server {
	def := DefaultServerConfig()
	if config.ReadTimeout <= 0 {
		config.ReadTimeout = def.ReadTimeout
	}
	if config.WriteTimeout <= 0 {
		config.WriteTimeout = def.WriteTimeout
	}

	s := &Server{
		logger:       logger.Named("api"),
		config:       config,
		bus:          bus,
		orchestrator: orch,
		automation:   autoMgr,
		guard:        guard,
		broker:       brk,
		router:       mux.NewRouter(),
		hub:          hub,
		startedAt:    time.Now(),
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")
	s.router.HandleFunc("/status", s.handleStatus).Methods("GET")
	s.router.Handle("/metrics", promhttp.Handler()).Methods("GET")

	s.router.HandleFunc("/api/v1/events", s.handleEvents).Methods("GET")
	s.router.HandleFunc("/api/v1/automation", s.handleGetAutomation).Methods("GET")
	s.router.HandleFunc("/api/v1/automation", s.handlePostAutomation).Methods("POST")
	s.router.HandleFunc("/api/v1/positions", s.handlePositions).Methods("GET")
	s.router.HandleFunc("/api/v1/risk", s.handleRisk).Methods("GET")
	s.router.HandleFunc("/api/v1/regimes", s.handleRegimes).Methods("GET")
	s.router.HandleFunc("/api/v1/system", s.handleSystem).Methods("GET")

	if s.hub != nil {
		s.router.HandleFunc("/ws", s.hub.HandleWebSocket)
	}
}

// Start runs the HTTP listener. Blocks until shutdown; the caller runs it
// on its own goroutine.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)

	var handler http.Handler = s.router
	if s.config.EnableCORS {
		handler = cors.New(cors.Options{
			AllowedOrigins: []string{"*"},
			AllowedMethods: []string{"GET", "POST", "OPTIONS"},
			AllowedHeaders: []string{"*"},
		}).Handler(s.router)
	}

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      handler,
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
	}

	s.logger.Info("API server listening", zap.String("addr", addr))
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Stop shuts the listener down gracefully and closes the websocket hub.
func (s *Server) Stop(ctx context.Context) error {
	if s.hub != nil {
		s.hub.Stop()
	}
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Warn("Response encode failed", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": "healthy",
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	payload := map[string]interface{}{
		"running":        s.orchestrator.IsRunning(),
		"halted":         s.orchestrator.IsHalted(),
		"uptime_seconds": time.Since(s.startedAt).Seconds(),
		"services":       s.orchestrator.HealthSnapshot(),
	}
	s.writeJSON(w, http.StatusOK, payload)
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			s.writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}
	eventType := events.EventType(r.URL.Query().Get("type"))

	entries := s.bus.History(eventType, limit)
	out := make([]map[string]interface{}, 0, len(entries))
	for _, entry := range entries {
		out = append(out, map[string]interface{}{
			"type":        entry.Event.GetType(),
			"id":          entry.Event.GetID(),
			"recorded_at": entry.RecordedAt.UTC().Format(time.RFC3339Nano),
			"payload":     entry.Event,
		})
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"events": out,
		"count":  len(out),
	})
}

func (s *Server) handleGetAutomation(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.automation.State())
}

type automationRequest struct {
	Action string `json:"action"`
	Reason string `json:"reason"`
}

func (s *Server) handlePostAutomation(w http.ResponseWriter, r *http.Request) {
	var req automationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	action := events.ToggleAction(req.Action)
	switch action {
	case events.ToggleEnable, events.ToggleDisable, events.ToggleQuery:
	default:
		s.writeError(w, http.StatusBadRequest, "action must be ENABLE, DISABLE or QUERY")
		return
	}

	reason := req.Reason
	if reason == "" {
		reason = "api request"
	}
	s.bus.Publish(events.NewAutomationToggleEvent(action, reason, "api"))
	s.writeJSON(w, http.StatusOK, s.automation.State())
}

func (s *Server) handlePositions(w http.ResponseWriter, r *http.Request) {
	positions, err := s.broker.OpenPositions()
	if err != nil {
		s.writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"positions": positions,
		"count":     len(positions),
	})
}

func (s *Server) handleRisk(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.guard.Metrics())
}

func (s *Server) handleRegimes(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.orchestrator.Regimes())
}

func (s *Server) handleSystem(w http.ResponseWriter, r *http.Request) {
	payload := map[string]interface{}{
		"uptime_seconds": time.Since(s.startedAt).Seconds(),
	}

	if percents, err := cpu.Percent(0, false); err == nil && len(percents) > 0 {
		payload["cpu_percent"] = percents[0]
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		payload["memory_percent"] = vm.UsedPercent
		payload["memory_used_mb"] = float64(vm.Used) / 1024 / 1024
	}

	s.writeJSON(w, http.StatusOK, payload)
}
