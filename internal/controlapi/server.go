// Package controlapi mirrors the engine's command surface over a
// loopback-only HTTP API, token-authenticated and concurrency-capped the
// same way the teacher's AI control surface was, generalized from a
// single-provider download manager to the generic engine's command set.
package controlapi

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync/atomic"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"tachyon-engine/internal/config"
	"tachyon-engine/internal/security"
	"tachyon-engine/internal/storage"
)

// Engine is the command surface the control API drives.
type Engine interface {
	Add(req AddRequest) (*storage.Download, error)
	Get(id string) (*storage.Download, error)
	List() ([]storage.Download, error)
	Remove(id string) error
	SetPriority(id, priority string) error
	Pause(id string) error
	Cancel(id string) error
	Retry(id string) error
}

// Queuer enqueues downloads on the admission queue.
type Queuer interface {
	Enqueue(id, priority string)
}

// AddRequest mirrors engine.AddRequest without importing the engine
// package, avoiding a dependency cycle with the composition root.
type AddRequest struct {
	URL      string
	Filename string
	Referrer string
	Priority string
}

type Server struct {
	engine     Engine
	queue      Queuer
	cfg        *config.ConfigManager
	audit      *security.AuditLogger
	router     *chi.Mux
	activeReqs int64
}

func NewServer(engine Engine, queue Queuer, cfg *config.ConfigManager, audit *security.AuditLogger) *Server {
	s := &Server{engine: engine, queue: queue, cfg: cfg, audit: audit, router: chi.NewRouter()}
	s.setupRoutes()
	return s
}

func (s *Server) concurrencyLimitMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		max := int64(s.cfg.GetControlAPIMaxConcurrent())
		if max <= 0 {
			max = 1
		}

		current := atomic.AddInt64(&s.activeReqs, 1)
		defer atomic.AddInt64(&s.activeReqs, -1)

		if current > max {
			s.audit.Log("127.0.0.1", r.UserAgent(), "overloaded "+r.URL.Path, 429, "max concurrent reached")
			http.Error(w, "Too Many Requests", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Start binds the loopback listener and serves in the background. A
// no-op if the control API is disabled in settings.
func (s *Server) Start(logger *slog.Logger) {
	if !s.cfg.GetEnableControlAPI() {
		return
	}

	addr := fmt.Sprintf("127.0.0.1:%d", s.cfg.GetControlAPIPort())

	go func() {
		conn, err := net.Listen("tcp", addr)
		if err != nil {
			logger.Error("control API failed to bind", "addr", addr, "error", err)
			return
		}
		logger.Info("control API listening", "addr", addr)
		if err := http.Serve(conn, s.router); err != nil {
			logger.Error("control API stopped", "error", err)
		}
	}()
}

func (s *Server) setupRoutes() {
	s.router.Use(middleware.Logger)
	s.router.Use(middleware.Recoverer)
	s.router.Use(s.securityMiddleware)
	s.router.Use(s.concurrencyLimitMiddleware)

	s.router.Post("/v1/downloads", s.handleAdd)
	s.router.Get("/v1/downloads", s.handleList)
	s.router.Get("/v1/downloads/{id}", s.handleGet)
	s.router.Post("/v1/downloads/{id}/control", s.handleControl)
	s.router.Get("/v1/status", s.handleStatus)
}

func (s *Server) securityMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sourceIP, _, _ := net.SplitHostPort(r.RemoteAddr)
		userAgent := r.UserAgent()
		action := fmt.Sprintf("%s %s", r.Method, r.URL.Path)

		if !s.cfg.GetEnableControlAPI() {
			s.audit.Log(sourceIP, userAgent, action, 503, "control API disabled")
			http.Error(w, "Control API Disabled", http.StatusServiceUnavailable)
			return
		}

		if sourceIP != "127.0.0.1" && sourceIP != "::1" {
			s.audit.Log(sourceIP, userAgent, action, 403, "external access denied")
			http.Error(w, "Forbidden", http.StatusForbidden)
			return
		}

		token := r.Header.Get("X-Engine-Token")
		if token != s.cfg.GetControlAPIToken() {
			s.audit.Log(sourceIP, userAgent, action, 401, "invalid token")
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}

		s.audit.Log(sourceIP, userAgent, action, 200, "authorized")
		next.ServeHTTP(w, r)
	})
}

type enqueueRequest struct {
	URL      string `json:"url"`
	Filename string `json:"filename"`
	Referrer string `json:"referrer"`
	Priority string `json:"priority"`
}

type enqueueResponse struct {
	ID string `json:"id"`
}

type controlRequest struct {
	Action string `json:"action"` // "pause", "resume", "cancel", "retry", "remove"
}

func (s *Server) handleAdd(w http.ResponseWriter, r *http.Request) {
	var req enqueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	d, err := s.engine.Add(AddRequest{URL: req.URL, Filename: req.Filename, Referrer: req.Referrer, Priority: req.Priority})
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	s.queue.Enqueue(d.ID, d.Priority)
	json.NewEncoder(w).Encode(enqueueResponse{ID: d.ID})
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	downloads, err := s.engine.List()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	json.NewEncoder(w).Encode(downloads)
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	d, err := s.engine.Get(id)
	if err != nil {
		http.Error(w, "download not found", http.StatusNotFound)
		return
	}
	json.NewEncoder(w).Encode(d)
}

func (s *Server) handleControl(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req controlRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	var err error
	switch req.Action {
	case "pause":
		err = s.engine.Pause(id)
	case "resume":
		s.queue.Enqueue(id, "normal")
	case "cancel":
		err = s.engine.Cancel(id)
	case "retry":
		if err = s.engine.Retry(id); err == nil {
			s.queue.Enqueue(id, "normal")
		}
	case "remove":
		err = s.engine.Remove(id)
	default:
		http.Error(w, "invalid action", http.StatusBadRequest)
		return
	}

	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	w.Write([]byte(`{"status":"running"}`))
}
