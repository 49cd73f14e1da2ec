// Package api serves the operational surface of the ingester: health and
// status endpoints, prometheus metrics, a websocket stream of live-tail
// records, and JWT-guarded admin actions.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"

	"cantonscan-ingest/internal/ingester"
	"cantonscan-ingest/internal/metrics"
)

const statusCacheTTL = 3 * time.Second

type statusCache struct {
	mu        sync.Mutex
	payload   []byte
	expiresAt time.Time
}

type Server struct {
	engine      *ingester.Engine
	registry    *prometheus.Registry
	auth        *AuthMiddleware
	hub         *Hub
	statusCache statusCache
	httpSrv     *http.Server
}

func NewServer(engine *ingester.Engine, registry *prometheus.Registry, jwtSecret string, port int) *Server {
	s := &Server{
		engine:   engine,
		registry: registry,
		auth:     NewAuthMiddleware(jwtSecret),
		hub:      NewHub(engine.Bus()),
	}

	r := mux.NewRouter()
	r.HandleFunc("/health", s.handleHealth).Methods("GET")
	r.HandleFunc("/status", s.handleStatus).Methods("GET")
	r.Handle("/metrics", metrics.Handler(registry)).Methods("GET")
	r.HandleFunc("/ws/updates", s.hub.HandleWebSocket)
	r.HandleFunc("/admin/flush", s.auth.Require(s.handleAdminFlush)).Methods("POST")
	r.HandleFunc("/admin/tuner", s.auth.Require(s.handleAdminTuner)).Methods("POST")

	s.httpSrv = &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	return s
}

// Start runs the HTTP server and the websocket hub until Shutdown.
func (s *Server) Start() {
	go s.hub.Run()
	go func() {
		log.Printf("[api] listening on %s", s.httpSrv.Addr)
		if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("[api] server error: %v", err)
		}
	}()
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.hub.Stop()
	return s.httpSrv.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	now := time.Now()
	s.statusCache.mu.Lock()
	if now.Before(s.statusCache.expiresAt) && len(s.statusCache.payload) > 0 {
		cached := append([]byte(nil), s.statusCache.payload...)
		s.statusCache.mu.Unlock()
		w.Write(cached)
		return
	}
	s.statusCache.mu.Unlock()

	snapshot := s.engine.StatusSnapshot()
	snapshot["ws_dropped"] = s.hub.Dropped()
	payload, err := json.Marshal(snapshot)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	s.statusCache.mu.Lock()
	s.statusCache.payload = payload
	s.statusCache.expiresAt = time.Now().Add(statusCacheTTL)
	s.statusCache.mu.Unlock()

	w.Write(payload)
}

func (s *Server) handleAdminFlush(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 60*time.Second)
	defer cancel()
	if err := s.engine.FlushAll(ctx); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "flushed"})
}

func (s *Server) handleAdminTuner(w http.ResponseWriter, r *http.Request) {
	var body struct {
		ParallelFetches int `json:"parallel_fetches"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}
	applied := s.engine.Tuner().Set(body.ParallelFetches)
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]int{"parallel_fetches": applied})
}
