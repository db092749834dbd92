// Package server exposes the engine over HTTP: the REST API, login, and the
// SSE room feed.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/GoCodeAlone/turnstile/comms"
	"github.com/GoCodeAlone/turnstile/config"
	"github.com/GoCodeAlone/turnstile/server/api"
	"github.com/GoCodeAlone/turnstile/server/ws"
)

const defaultAddr = ":9090"

// Engine is the slice of the engine the server depends on.
type Engine interface {
	api.Engine
	Subscribe(ctx context.Context, roomID string) (*comms.Subscription, error)
}

// Server owns the listener and routing for one engine.
type Server struct {
	cfg     config.Config
	engine  Engine
	version string
	logger  *slog.Logger
	hub     *ws.Hub

	mux     *http.ServeMux
	routes  sync.Once
	httpSrv *http.Server

	secretOnce      sync.Once
	generatedSecret []byte
}

// New returns a server for eng. Routes are registered on first use.
func New(cfg config.Config, eng Engine, ver string, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Server{
		cfg:     cfg,
		engine:  eng,
		version: ver,
		logger:  logger,
		hub:     ws.NewHub(logger),
		mux:     http.NewServeMux(),
	}
}

// Handler returns the fully routed handler, wrapped in request logging.
func (s *Server) Handler() http.Handler {
	s.routes.Do(s.registerRoutes)
	return s.logRequests(s.mux)
}

// Start connects every room's bus to the SSE hub, then serves until Stop
// is called or ctx ends. A clean shutdown returns nil.
func (s *Server) Start(ctx context.Context) error {
	for _, room := range s.engine.Rooms() {
		sub, err := s.engine.Subscribe(ctx, room)
		if err != nil {
			return err
		}
		go s.hub.Feed(ctx, sub)
	}

	addr := s.cfg.Server.Addr
	if addr == "" {
		addr = defaultAddr
	}
	s.httpSrv = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 15 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	s.logger.Info("server listening", slog.String("addr", addr))
	err := s.httpSrv.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Stop drains in-flight requests until ctx ends.
func (s *Server) Stop(ctx context.Context) error {
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}

func (s *Server) registerRoutes() {
	h := &api.Handlers{Engine: s.engine, Logger: s.logger, Version: s.version}

	s.mux.HandleFunc("POST /api/auth/login", s.handleLogin)
	s.mux.HandleFunc("GET /api/status", h.StatusHandler())
	// EventSource cannot send headers, so the feed takes its token as a
	// query parameter.
	s.mux.HandleFunc("GET /events", s.handleSSE)

	protected := http.NewServeMux()
	h.RegisterRoutes(protected)
	protected.HandleFunc("GET /api/auth/me", s.handleMe)
	s.mux.Handle("/api/", s.authMiddleware(protected))
}

func (s *Server) handleSSE(w http.ResponseWriter, r *http.Request) {
	if _, err := s.verifyToken(r.URL.Query().Get("token")); err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	s.hub.ServeSSE(w, r)
}

// statusRecorder captures the response code. It forwards Flush so the SSE
// feed still streams through it.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.logger.Debug("http request",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("status", rec.status),
			slog.Duration("elapsed", time.Since(start)))
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeJSONError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
