package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/cuemby/broker/pkg/engine"
	"github.com/cuemby/broker/pkg/log"
	"github.com/cuemby/broker/pkg/metrics"
	"github.com/cuemby/broker/pkg/muxer"
	"github.com/rs/zerolog"
)

// StatisticsSource is anything that can describe itself as JSON
type StatisticsSource interface {
	Statistics() interface{}
}

// Server exposes health, metrics, statistics and engine control over HTTP
type Server struct {
	engine   *engine.Engine
	registry *muxer.Registry
	mux      *http.ServeMux

	mu      sync.RWMutex
	feeders map[string]StatisticsSource
	server  *http.Server

	logger zerolog.Logger
}

// NewServer creates a server for eng and the muxers of reg
func NewServer(eng *engine.Engine, reg *muxer.Registry) *Server {
	s := &Server{
		engine:   eng,
		registry: reg,
		mux:      http.NewServeMux(),
		feeders:  make(map[string]StatisticsSource),
		logger:   log.WithComponent("api"),
	}

	s.mux.HandleFunc("GET /health", metrics.HealthHandler())
	s.mux.HandleFunc("GET /ready", metrics.ReadyHandler())
	s.mux.HandleFunc("GET /live", metrics.LivenessHandler())
	s.mux.Handle("GET /metrics", metrics.Handler())
	s.mux.HandleFunc("GET /statistics", s.statisticsHandler)
	s.mux.HandleFunc("GET /muxers/{name}", s.muxerHandler)
	s.mux.HandleFunc("POST /engine/{action}", s.engineHandler)

	return s
}

// AddFeeder includes a feeder in the statistics output
func (s *Server) AddFeeder(name string, f StatisticsSource) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.feeders[name] = f
}

// Handler returns the HTTP handler for embedding in other servers
func (s *Server) Handler() http.Handler {
	return s.mux
}

// Start serves on addr until Stop is called
func (s *Server) Start(addr string) error {
	server := &http.Server{
		Addr:         addr,
		Handler:      s.mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	s.mu.Lock()
	s.server = server
	s.mu.Unlock()

	s.logger.Info().Str("addr", addr).Msg("HTTP server listening")
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop shuts the server down gracefully
func (s *Server) Stop(ctx context.Context) error {
	s.mu.RLock()
	server := s.server
	s.mu.RUnlock()

	if server == nil {
		return nil
	}
	return server.Shutdown(ctx)
}

// EngineStats describes the engine in the statistics output
type EngineStats struct {
	State             string `json:"state"`
	Subscribers       int    `json:"subscribers"`
	Pending           int    `json:"pending_events"`
	EventQueueMaxSize int    `json:"event_queue_max_size"`
	CacheFile         string `json:"cache_file"`
}

// StatisticsResponse is the body of GET /statistics
type StatisticsResponse struct {
	Timestamp time.Time              `json:"timestamp"`
	Engine    EngineStats            `json:"engine"`
	Muxers    []muxer.Stats          `json:"muxers"`
	Feeders   map[string]interface{} `json:"feeders,omitempty"`
}

func (s *Server) engineStats() EngineStats {
	return EngineStats{
		State:             s.engine.State().String(),
		Subscribers:       s.engine.SubscriberCount(),
		Pending:           s.engine.Pending(),
		EventQueueMaxSize: s.engine.EventQueueMaxSize(),
		CacheFile:         s.engine.CacheFile(),
	}
}

func (s *Server) statisticsHandler(w http.ResponseWriter, r *http.Request) {
	resp := StatisticsResponse{
		Timestamp: time.Now(),
		Engine:    s.engineStats(),
		Muxers:    s.registry.Stats(),
	}

	s.mu.RLock()
	names := make([]string, 0, len(s.feeders))
	for name := range s.feeders {
		names = append(names, name)
	}
	sort.Strings(names)
	if len(names) > 0 {
		resp.Feeders = make(map[string]interface{}, len(names))
		for _, name := range names {
			resp.Feeders[name] = s.feeders[name].Statistics()
		}
	}
	s.mu.RUnlock()

	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) muxerHandler(w http.ResponseWriter, r *http.Request) {
	m := s.registry.Get(r.PathValue("name"))
	if m == nil {
		writeError(w, http.StatusNotFound, "muxer not found")
		return
	}
	writeJSON(w, http.StatusOK, m.Stats())
}

// engineHandler runs start, stop or clear
func (s *Server) engineHandler(w http.ResponseWriter, r *http.Request) {
	action := r.PathValue("action")

	var err error
	switch action {
	case "start":
		err = s.engine.Start()
	case "stop":
		err = s.engine.Stop()
	case "clear":
		s.engine.Clear()
	default:
		writeError(w, http.StatusNotFound, "unknown engine action "+action)
		return
	}

	if err != nil {
		s.logger.Error().Err(err).Str("action", action).Msg("engine action failed")
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	s.logger.Info().Str("action", action).Msg("engine action applied")
	writeJSON(w, http.StatusOK, s.engineStats())
}

func writeJSON(w http.ResponseWriter, statusCode int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, statusCode int, message string) {
	writeJSON(w, statusCode, map[string]string{"error": message})
}
