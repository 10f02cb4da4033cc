// Package server provides the HTTP REST API for the brand monitoring agent.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/jonathan/brandpulse/internal/brand"
	"github.com/jonathan/brandpulse/internal/feedback"
	"github.com/jonathan/brandpulse/internal/types"
)

// RunStore is the read-side run persistence the API serves from.
type RunStore interface {
	GetRun(ctx context.Context, id int64) (*types.Run, error)
	ListRuns(ctx context.Context, limit int) ([]types.Run, error)
}

// Trigger starts a new agent run.
type Trigger interface {
	Trigger(ctx context.Context) (runID int64, deduped bool, err error)
}

// FeedbackAcceptor records a yes/no answer for a feedback token.
type FeedbackAcceptor interface {
	Accept(ctx context.Context, token string, answer feedback.Answer) error
}

// Server represents the HTTP server.
type Server struct {
	httpServer *http.Server
	runs       RunStore
	trigger    Trigger
	feedback   FeedbackAcceptor
	brands     *brand.Repo
	validate   *validator.Validate
	jwtService *JWTService
}

// Config holds server configuration.
type Config struct {
	Addr string
}

// New creates a new server instance. jwtService may be nil, in which case
// config writes are disabled.
func New(cfg Config, runs RunStore, trigger Trigger, feedback FeedbackAcceptor, brands *brand.Repo, jwtService *JWTService) *Server {
	s := &Server{
		runs:       runs,
		trigger:    trigger,
		feedback:   feedback,
		brands:     brands,
		validate:   validator.New(),
		jwtService: jwtService,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /trigger-run", s.handleTriggerRun)
	mux.HandleFunc("GET /runs/{id}", s.handleGetRun)
	mux.HandleFunc("GET /runs", s.handleListRuns)
	mux.HandleFunc("GET /feedback", s.handleFeedback)
	mux.HandleFunc("GET /config", s.handleGetConfig)
	mux.HandleFunc("PUT /config", s.withAdminAuth(s.handlePutConfig))
	mux.HandleFunc("GET /health", s.handleHealth)

	s.httpServer = &http.Server{
		Addr:         cfg.Addr,
		Handler:      s.withLogging(s.withCORS(mux)),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

// Start begins listening for requests and blocks until SIGINT/SIGTERM.
func (s *Server) Start() error {
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	go func() {
		log.Printf("Server starting on %s", s.httpServer.Addr)
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	<-stop
	log.Println("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}
	log.Println("Server stopped")
	return nil
}

// Handler exposes the configured handler for tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// withCORS adds CORS headers.
func (s *Server) withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// withLogging adds request logging.
func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		log.Printf("[%s] %s %s", r.Method, r.URL.Path, r.RemoteAddr)
		next.ServeHTTP(w, r)
		log.Printf("[%s] %s completed in %v", r.Method, r.URL.Path, time.Since(start))
	})
}

// withAdminAuth requires a valid admin bearer token.
func (s *Server) withAdminAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.jwtService == nil {
			s.errorResponse(w, http.StatusForbidden, "Config writes are disabled")
			return
		}
		token, err := extractBearerToken(r)
		if err != nil {
			s.errorResponse(w, http.StatusUnauthorized, err.Error())
			return
		}
		if _, err := s.jwtService.ValidateToken(token); err != nil {
			s.errorResponse(w, http.StatusUnauthorized, "Invalid token")
			return
		}
		next(w, r)
	}
}

// handleHealth returns server health status.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.jsonResponse(w, http.StatusOK, map[string]string{"status": "ok"})
}

// jsonResponse writes a JSON response.
func (s *Server) jsonResponse(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Printf("Error encoding JSON response: %v", err)
	}
}

// errorResponse writes an error JSON response.
func (s *Server) errorResponse(w http.ResponseWriter, status int, message string) {
	s.jsonResponse(w, status, map[string]string{"error": message})
}
