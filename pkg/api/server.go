// Package api exposes the coordinator's HTTP surface: batch submission,
// liveness/readiness, a Server-Sent Events stream of coordinator events,
// and Prometheus metrics, over a plain
// net/http.ServeMux.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/streamplane/coordinator/pkg/coordinator"
	"github.com/streamplane/coordinator/pkg/events"
	"github.com/streamplane/coordinator/pkg/metrics"
	"github.com/streamplane/coordinator/pkg/request"
)

// Server is the coordinator's HTTP server: one mux serving /submit,
// /health, /ready, /events and /metrics.
type Server struct {
	coord *coordinator.Coordinator
	mux   *http.ServeMux
	http  *http.Server
}

// New builds a Server over coord, bound to addr once Start is called.
func New(coord *coordinator.Coordinator, addr string) *Server {
	mux := http.NewServeMux()
	s := &Server{coord: coord, mux: mux}

	mux.HandleFunc("/submit", s.submitHandler)
	mux.HandleFunc("/health", s.healthHandler)
	mux.HandleFunc("/ready", s.readyHandler)
	mux.HandleFunc("/events", s.eventsHandler)
	mux.Handle("/metrics", metrics.Handler())

	s.http = &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

// Start blocks serving HTTP until the server is shut down or fails.
func (s *Server) Start() error {
	return s.http.ListenAndServe()
}

// Shutdown gracefully stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

// Handler returns the server's mux for embedding or testing.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// SubmitRequest is the wire envelope /submit accepts: an ordered batch of
// commands applied atomically by the update phase (ISQP batches are the
// exception, applied event-by-event internally).
type SubmitRequest struct {
	Batch []request.Command `json:"batch"`
}

// SubmitResponse reports the outcome of one /submit call.
type SubmitResponse struct {
	Accepted bool   `json:"accepted"`
	Error    string `json:"error,omitempty"`
}

func (s *Server) submitHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req SubmitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, SubmitResponse{Accepted: false, Error: err.Error()})
		return
	}

	if err := s.coord.SubmitBatch(req.Batch); err != nil {
		writeJSON(w, http.StatusConflict, SubmitResponse{Accepted: false, Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, SubmitResponse{Accepted: true})
}

// eventsHandler streams the coordinator's event broker as Server-Sent
// Events. A plan query parameter narrows delivery to one shared plan's
// lifecycle; repeated type parameters narrow delivery to those event types.
// The stream runs until the client disconnects, at which point the
// subscription is torn down.
func (s *Server) eventsHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	var types []events.EventType
	for _, t := range r.URL.Query()["type"] {
		types = append(types, events.EventType(t))
	}

	var sub events.Subscriber
	if planID := r.URL.Query().Get("plan"); planID != "" {
		sub = s.coord.Broker.SubscribePlan(planID, types...)
	} else {
		sub = s.coord.Broker.Subscribe(types...)
	}
	defer s.coord.Broker.Unsubscribe(sub)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case evt, ok := <-sub:
			if !ok {
				return
			}
			payload, err := json.Marshal(evt)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", evt.Type, payload)
			flusher.Flush()
		case <-r.Context().Done():
			return
		}
	}
}

// HealthResponse is a liveness check: 200 whenever the process is answering
// requests at all.
type HealthResponse struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, HealthResponse{Status: "healthy", Timestamp: time.Now()})
}

// ReadyResponse reports whether the coordinator's own state (topology root,
// catalog) is usable.
type ReadyResponse struct {
	Status  string            `json:"status"`
	Checks  map[string]string `json:"checks"`
	Message string            `json:"message,omitempty"`
}

func (s *Server) readyHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	checks := make(map[string]string)
	ready := true
	var message string

	if _, ok := s.coord.Topology.RootID(); ok {
		checks["topology"] = "root installed"
	} else {
		checks["topology"] = "no root"
		ready = false
		message = "topology root not installed"
	}

	if _, err := s.coord.Catalog.ListSources(); err != nil {
		checks["catalog"] = "error: " + err.Error()
		ready = false
		if message == "" {
			message = "catalog not accessible"
		}
	} else {
		checks["catalog"] = "ok"
	}

	status := "ready"
	code := http.StatusOK
	if !ready {
		status = "not ready"
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, ReadyResponse{Status: status, Checks: checks, Message: message})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
