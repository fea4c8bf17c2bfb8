// api/server.go

// HTTP REST API server implementing the operator-facing contract:
// threat sharing, ranked queries, feedback submission and node status.
// Uses Gorilla Mux for routing, includes CORS support and logging middleware.
// Peer-originated failures are never surfaced here, only logged; operator
// errors map to 400, internal failures to 500.

package api

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/cors"

	"github.com/visa2any/frauddetex-sub001/core/threat"
	"github.com/visa2any/frauddetex-sub001/intel"
)

// NodeStatus supplies the network-level fields of /health and /stats that
// live outside the intelligence service. Implemented by the node.
type NodeStatus interface {
	PeerID() string
	PeerCount() int
	Uptime() time.Duration
	NetworkStats() map[string]interface{}
}

// Server represents the HTTP API server.
type Server struct {
	service *intel.Service
	status  NodeStatus
	router  *mux.Router
	server  *http.Server
	addr    string
}

// NewServer creates a new API server bound to the intelligence service.
func NewServer(service *intel.Service, status NodeStatus, addr string, enableCORS bool) *Server {
	s := &Server{
		service: service,
		status:  status,
		addr:    addr,
	}
	s.setupRoutes(enableCORS)
	return s
}

// setupRoutes configures all API routes.
func (s *Server) setupRoutes(enableCORS bool) {
	s.router = mux.NewRouter()

	s.router.HandleFunc("/threat/share", s.shareThreat).Methods("POST")
	s.router.HandleFunc("/threat/query", s.queryThreats).Methods("POST")
	s.router.HandleFunc("/feedback", s.submitFeedback).Methods("POST")
	s.router.HandleFunc("/health", s.getHealth).Methods("GET")
	s.router.HandleFunc("/stats", s.getStats).Methods("GET")

	if enableCORS {
		c := cors.New(cors.Options{
			AllowedOrigins: []string{"*"},
			AllowedMethods: []string{"GET", "POST", "OPTIONS"},
			AllowedHeaders: []string{"*"},
		})
		s.router.Use(c.Handler)
	}
	s.router.Use(s.loggingMiddleware)
	s.router.Use(s.jsonMiddleware)
}

// Router exposes the configured handler, used by tests.
func (s *Server) Router() http.Handler {
	return s.router
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:         s.addr,
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	log.Printf("🌐 API Server starting on %s", s.addr)
	return s.server.ListenAndServe()
}

// Stop stops the HTTP server.
func (s *Server) Stop() error {
	if s.server != nil {
		return s.server.Close()
	}
	return nil
}

// Handlers

func (s *Server) shareThreat(w http.ResponseWriter, r *http.Request) {
	var input intel.ShareInput
	if err := json.NewDecoder(r.Body).Decode(&input); err != nil {
		s.writeError(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	rec, err := s.service.ShareThreat(&input)
	if err != nil {
		var verr *threat.ValidationError
		if errors.As(err, &verr) {
			s.writeError(w, verr.Error(), http.StatusBadRequest)
			return
		}
		log.Printf("ShareThreat failed: %v", err)
		s.writeError(w, "Failed to share threat", http.StatusInternalServerError)
		return
	}

	s.writeJSON(w, map[string]interface{}{
		"success":  true,
		"threatId": rec.ID,
	})
}

func (s *Server) queryThreats(w http.ResponseWriter, r *http.Request) {
	var q threat.Query
	if err := json.NewDecoder(r.Body).Decode(&q); err != nil {
		s.writeError(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	results, err := s.service.QueryThreats(&q)
	if err != nil {
		var verr *threat.ValidationError
		if errors.As(err, &verr) {
			s.writeError(w, verr.Error(), http.StatusBadRequest)
			return
		}
		log.Printf("QueryThreats failed: %v", err)
		s.writeError(w, "Failed to query threats", http.StatusInternalServerError)
		return
	}

	if results == nil {
		results = []*threat.Record{}
	}
	s.writeJSON(w, map[string]interface{}{
		"success": true,
		"results": results,
	})
}

func (s *Server) submitFeedback(w http.ResponseWriter, r *http.Request) {
	var input intel.FeedbackInput
	if err := json.NewDecoder(r.Body).Decode(&input); err != nil {
		s.writeError(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	if err := s.service.SubmitFeedback(&input); err != nil {
		var verr *threat.ValidationError
		if errors.As(err, &verr) {
			s.writeError(w, verr.Error(), http.StatusBadRequest)
			return
		}
		log.Printf("SubmitFeedback failed: %v", err)
		s.writeError(w, "Failed to submit feedback", http.StatusInternalServerError)
		return
	}

	s.writeJSON(w, map[string]interface{}{"success": true})
}

func (s *Server) getHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, map[string]interface{}{
		"status":      "healthy",
		"peerId":      s.status.PeerID(),
		"connections": s.status.PeerCount(),
		"uptime":      int64(s.status.Uptime().Seconds()),
	})
}

func (s *Server) getStats(w http.ResponseWriter, r *http.Request) {
	stats := s.service.Stats()
	stats["network"] = s.status.NetworkStats()
	s.writeJSON(w, stats)
}

// Helper methods

func (s *Server) writeJSON(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Printf("Error encoding JSON: %v", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
	}
}

func (s *Server) writeError(w http.ResponseWriter, message string, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"success": false,
		"error":   message,
		"status":  statusCode,
	})
}

// Middleware

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		lrw := &loggingResponseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(lrw, r)

		log.Printf("%s %s %d %v", r.Method, r.URL.Path, lrw.statusCode, time.Since(start))
	})
}

func (s *Server) jsonMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		next.ServeHTTP(w, r)
	})
}

type loggingResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (lrw *loggingResponseWriter) WriteHeader(code int) {
	lrw.statusCode = code
	lrw.ResponseWriter.WriteHeader(code)
}
