// Package server exposes health, stats, metrics and a small cache API over
// HTTP.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"cachejanitor/internal/janitor"
	"cachejanitor/internal/logging"
	"cachejanitor/internal/metrics"
	"cachejanitor/internal/storage"
	"cachejanitor/pkg/config"
)

// Server serves the HTTP API for one node.
type Server struct {
	cfg     config.HTTPConfig
	nodeID  string
	janitor *janitor.Janitor
	stores  map[string]*storage.MemoryStore
	names   []string
	metrics *prometheus.Registry
}

// New builds a server over the janitor and its stores.
func New(cfg config.HTTPConfig, nodeID string, j *janitor.Janitor, stores []*storage.MemoryStore) *Server {
	s := &Server{
		cfg:     cfg,
		nodeID:  nodeID,
		janitor: j,
		stores:  make(map[string]*storage.MemoryStore, len(stores)),
		metrics: prometheus.NewRegistry(),
	}
	for _, store := range stores {
		s.stores[store.Name()] = store
		s.names = append(s.names, store.Name())
	}
	sort.Strings(s.names)

	s.metrics.MustRegister(
		metrics.NewCollector(j, s.storeList),
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return s
}

func (s *Server) storeList() []*storage.MemoryStore {
	out := make([]*storage.MemoryStore, 0, len(s.names))
	for _, name := range s.names {
		out = append(out, s.stores[name])
	}
	return out
}

// Handler returns the routed, logged handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /stats", s.handleStats)
	mux.Handle("GET /metrics", promhttp.HandlerFor(s.metrics, promhttp.HandlerOpts{}))
	mux.HandleFunc("GET /api/cache/{store}/{key}", s.handleGet)
	mux.HandleFunc("PUT /api/cache/{store}/{key}", s.handlePut)
	mux.HandleFunc("DELETE /api/cache/{store}/{key}", s.handleDelete)
	mux.HandleFunc("POST /api/cache/{store}/clear", s.handleClear)
	return logging.HTTPMiddleware(mux)
}

// Run listens until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	server := &http.Server{
		Addr:         s.cfg.Addr(),
		Handler:      s.Handler(),
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
	}

	logging.Info(ctx, logging.ComponentHTTP, logging.ActionStart, "HTTP API server starting", logging.Fields{
		"addr":    server.Addr,
		"node_id": s.nodeID,
	})

	serverErr := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- fmt.Errorf("HTTP server failed: %w", err)
			return
		}
		serverErr <- nil
	}()

	select {
	case <-ctx.Done():
		logging.Info(ctx, logging.ComponentHTTP, logging.ActionStop, "HTTP API server shutting down", logging.Fields{
			"node_id": s.nodeID,
		})
		timeout := s.cfg.ShutdownTimeout
		if timeout <= 0 {
			timeout = 5 * time.Second
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	case err := <-serverErr:
		return err
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	running := s.janitor.Running()
	status := http.StatusOK
	if !running {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]interface{}{
		"healthy":        running,
		"node":           s.nodeID,
		"stores":         len(s.names),
		"correlation_id": logging.GetCorrelationID(r.Context()),
	})
}

// StatsResponse is the body of GET /stats.
type StatsResponse struct {
	Node    string                     `json:"node"`
	Janitor janitor.Stats              `json:"janitor"`
	Stores  []storage.MemoryStoreStats `json:"stores"`
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	resp := StatsResponse{
		Node:    s.nodeID,
		Janitor: s.janitor.Stats(),
		Stores:  make([]storage.MemoryStoreStats, 0, len(s.names)),
	}
	for _, store := range s.storeList() {
		resp.Stores = append(resp.Stores, store.Stats())
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) lookup(w http.ResponseWriter, r *http.Request) (*storage.MemoryStore, bool) {
	name := r.PathValue("store")
	store, ok := s.stores[name]
	if !ok {
		s.writeError(w, r, http.StatusNotFound, fmt.Sprintf("unknown store %q", name))
	}
	return store, ok
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	store, ok := s.lookup(w, r)
	if !ok {
		return
	}
	key := r.PathValue("key")

	value, err := store.Get(key)
	if err != nil {
		s.writeError(w, r, http.StatusNotFound, "key not found")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"data": map[string]interface{}{
			"store": store.Name(),
			"key":   key,
			"value": string(value),
		},
		"node":           s.nodeID,
		"correlation_id": logging.GetCorrelationID(r.Context()),
	})
}

// putRequest is the body of PUT /api/cache/{store}/{key}. TTL uses Go
// duration syntax; empty means the store default.
type putRequest struct {
	Value string `json:"value"`
	TTL   string `json:"ttl,omitempty"`
}

func (s *Server) handlePut(w http.ResponseWriter, r *http.Request) {
	store, ok := s.lookup(w, r)
	if !ok {
		return
	}
	key := r.PathValue("key")

	var body putRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.writeError(w, r, http.StatusBadRequest, "invalid JSON body")
		return
	}
	var ttl time.Duration
	if body.TTL != "" {
		parsed, err := time.ParseDuration(body.TTL)
		if err != nil || parsed < 0 {
			s.writeError(w, r, http.StatusBadRequest, fmt.Sprintf("invalid ttl %q", body.TTL))
			return
		}
		ttl = parsed
	}

	if err := store.Set(key, []byte(body.Value), ttl); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, storage.ErrStoreClosed) {
			status = http.StatusServiceUnavailable
		}
		logging.Error(r.Context(), logging.ComponentHTTP, logging.ActionRequest, "Failed to set key", err, logging.Fields{
			"store": store.Name(),
			"key":   key,
		})
		s.writeError(w, r, status, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success":        true,
		"store":          store.Name(),
		"key":            key,
		"node":           s.nodeID,
		"correlation_id": logging.GetCorrelationID(r.Context()),
	})
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	store, ok := s.lookup(w, r)
	if !ok {
		return
	}
	key := r.PathValue("key")

	if err := store.Delete(key); err != nil {
		s.writeError(w, r, http.StatusNotFound, "key not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success":        true,
		"deleted":        key,
		"correlation_id": logging.GetCorrelationID(r.Context()),
	})
}

func (s *Server) handleClear(w http.ResponseWriter, r *http.Request) {
	store, ok := s.lookup(w, r)
	if !ok {
		return
	}
	removed := store.Size()
	if err := store.Clear(); err != nil {
		s.writeError(w, r, http.StatusInternalServerError, err.Error())
		return
	}
	logging.Info(r.Context(), logging.ComponentHTTP, logging.ActionRequest, "Store cleared", logging.Fields{
		"store":   store.Name(),
		"removed": removed,
	})
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"store":   store.Name(),
		"removed": removed,
	})
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, status int, message string) {
	writeJSON(w, status, map[string]interface{}{
		"success":        false,
		"error":          message,
		"node":           s.nodeID,
		"correlation_id": logging.GetCorrelationID(r.Context()),
	})
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}
