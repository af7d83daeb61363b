// Package api serves a read-only view of the sync layer over HTTP for
// local inspection: health, component stats, coalescer traces, locally
// stored events and Prometheus metrics.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"zapstream-sync/internal/assets"
	"zapstream-sync/internal/config"
	"zapstream-sync/internal/localdb"
	"zapstream-sync/internal/logging"
	"zapstream-sync/internal/query"
	"zapstream-sync/internal/relaypool"

	"github.com/gorilla/mux"
	"github.com/nbd-wtf/go-nostr"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// QuerySource exposes coalescer state.
type QuerySource interface {
	Queries() []string
	Pending(id string) []nostr.Filter
	Traces(id string) []query.Trace
}

type RelaySource interface {
	Stats() []relaypool.RelayStats
}

type AssetSource interface {
	Stats() assets.Stats
}

// Sources are the components the server reports on. Any of them may be nil.
type Sources struct {
	Store    localdb.Store
	Queries  QuerySource
	Relays   RelaySource
	Assets   AssetSource
	Gatherer prometheus.Gatherer
}

type StatusServer struct {
	config  config.StatusAPIConfig
	sources Sources
	logger  *slog.Logger
	started time.Time
	server  *http.Server
}

type APIResponse struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
}

type HealthResponse struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	Uptime    string    `json:"uptime"`
}

type StatsResponse struct {
	Store   *localdb.Stats         `json:"store,omitempty"`
	Relays  []relaypool.RelayStats `json:"relays"`
	Assets  *assets.Stats          `json:"assets,omitempty"`
	Queries int                    `json:"queries"`
}

type TraceView struct {
	ID       string         `json:"id"`
	Filters  []nostr.Filter `json:"filters"`
	QueuedAt time.Time      `json:"queued_at"`
	SentAt   *time.Time     `json:"sent_at,omitempty"`
	EOSEAt   *time.Time     `json:"eose_at,omitempty"`
	Error    string         `json:"error,omitempty"`
}

type QueryView struct {
	ID      string         `json:"id"`
	Pending []nostr.Filter `json:"pending"`
	Traces  []TraceView    `json:"traces"`
}

func NewStatusServer(config config.StatusAPIConfig, sources Sources, logger *slog.Logger) *StatusServer {
	return &StatusServer{
		config:  config,
		sources: sources,
		logger:  logging.OrDiscard(logger).With("component", "status_api"),
		started: time.Now(),
	}
}

// Router builds the HTTP handler.
func (s *StatusServer) Router() http.Handler {
	router := mux.NewRouter()

	api := router.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/health", s.handleHealth).Methods("GET")
	api.HandleFunc("/stats", s.handleStats).Methods("GET")
	api.HandleFunc("/queries", s.handleQueries).Methods("GET")
	api.HandleFunc("/queries/{id}", s.handleQuery).Methods("GET")
	api.HandleFunc("/events", s.handleEvents).Methods("GET")

	if s.sources.Gatherer != nil {
		router.Handle("/metrics", promhttp.HandlerFor(s.sources.Gatherer, promhttp.HandlerOpts{})).Methods("GET")
	}
	return router
}

// Start serves until ctx is done, then shuts down gracefully.
func (s *StatusServer) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", s.config.Host, s.config.Port),
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("Starting status API server", "addr", s.server.Addr)
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("status API server error: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.server.Shutdown(shutdownCtx)
}

func (s *StatusServer) handleHealth(w http.ResponseWriter, req *http.Request) {
	s.sendSuccess(w, HealthResponse{
		Status:    "healthy",
		Timestamp: time.Now(),
		Uptime:    time.Since(s.started).Round(time.Second).String(),
	})
}

func (s *StatusServer) handleStats(w http.ResponseWriter, req *http.Request) {
	stats := StatsResponse{Relays: []relaypool.RelayStats{}}
	if s.sources.Store != nil {
		st := s.sources.Store.Stats()
		stats.Store = &st
	}
	if s.sources.Relays != nil {
		stats.Relays = s.sources.Relays.Stats()
	}
	if s.sources.Assets != nil {
		st := s.sources.Assets.Stats()
		stats.Assets = &st
	}
	if s.sources.Queries != nil {
		stats.Queries = len(s.sources.Queries.Queries())
	}
	s.sendSuccess(w, stats)
}

func (s *StatusServer) handleQueries(w http.ResponseWriter, req *http.Request) {
	if s.sources.Queries == nil {
		s.sendSuccess(w, []QueryView{})
		return
	}
	views := []QueryView{}
	for _, id := range s.sources.Queries.Queries() {
		views = append(views, s.queryView(id))
	}
	s.sendSuccess(w, views)
}

func (s *StatusServer) handleQuery(w http.ResponseWriter, req *http.Request) {
	id := mux.Vars(req)["id"]
	if s.sources.Queries == nil {
		s.sendError(w, "Query not found", http.StatusNotFound)
		return
	}
	for _, known := range s.sources.Queries.Queries() {
		if known == id {
			s.sendSuccess(w, s.queryView(id))
			return
		}
	}
	s.sendError(w, "Query not found", http.StatusNotFound)
}

func (s *StatusServer) queryView(id string) QueryView {
	view := QueryView{
		ID:      id,
		Pending: s.sources.Queries.Pending(id),
		Traces:  []TraceView{},
	}
	for _, t := range s.sources.Queries.Traces(id) {
		tv := TraceView{
			ID:       t.ID,
			Filters:  t.Filters,
			QueuedAt: t.QueuedAt,
			SentAt:   t.SentAt,
			EOSEAt:   t.EOSEAt,
		}
		if t.Err != nil {
			tv.Error = t.Err.Error()
		}
		view.Traces = append(view.Traces, tv)
	}
	return view
}

func (s *StatusServer) handleEvents(w http.ResponseWriter, req *http.Request) {
	if s.sources.Store == nil {
		s.sendError(w, "No local store", http.StatusServiceUnavailable)
		return
	}

	var filter nostr.Filter
	q := req.URL.Query()
	if authors := q["authors"]; len(authors) > 0 {
		filter.Authors = authors
	}
	for _, kind := range q["kinds"] {
		k, err := strconv.Atoi(kind)
		if err != nil {
			s.sendError(w, fmt.Sprintf("Invalid kind %q", kind), http.StatusBadRequest)
			return
		}
		filter.Kinds = append(filter.Kinds, k)
	}
	limit := 100
	if l := q.Get("limit"); l != "" {
		v, err := strconv.Atoi(l)
		if err != nil || v <= 0 {
			s.sendError(w, "Invalid limit", http.StatusBadRequest)
			return
		}
		limit = v
	}
	filter.Limit = limit

	results, err := s.sources.Store.Query(req.Context(), []nostr.Filter{filter}, limit)
	if err != nil {
		s.sendError(w, fmt.Sprintf("Failed to query events: %v", err), http.StatusInternalServerError)
		return
	}

	events := make([]*nostr.Event, 0, len(results))
	for _, r := range results {
		events = append(events, r.Event)
	}
	s.sendSuccess(w, events)
}

func (s *StatusServer) sendSuccess(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)

	response := APIResponse{
		Success: true,
		Data:    data,
	}

	json.NewEncoder(w).Encode(response)
}

func (s *StatusServer) sendError(w http.ResponseWriter, message string, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	response := APIResponse{
		Success: false,
		Error:   message,
	}

	json.NewEncoder(w).Encode(response)
}
