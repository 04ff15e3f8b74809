// Package web implements the HTTP surface: run creation, event
// streaming over websockets, and thread administration.
package web

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/mhollis/reeve/internal/agent"
	"github.com/mhollis/reeve/internal/approval"
	"github.com/mhollis/reeve/internal/buildinfo"
	"github.com/mhollis/reeve/internal/checkpoint"
	"github.com/mhollis/reeve/internal/events"
	"github.com/mhollis/reeve/internal/state"
)

// writeJSON encodes v as JSON to w, logging any errors at debug level.
// Errors here typically mean the client disconnected mid-response.
func writeJSON(w http.ResponseWriter, v any, logger *slog.Logger) {
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("failed to write JSON response", "error", err)
	}
}

// defaultClaimTimeout is how long a created run waits for its events
// endpoint to be attached before it is cancelled and discarded.
const defaultClaimTimeout = 5 * time.Minute

// runHandle tracks one in-flight run between creation and stream
// consumption.
type runHandle struct {
	id       string
	threadID string
	stream   *events.Stream
	cancel   context.CancelFunc
	started  time.Time
	expire   *time.Timer
}

// Server is the HTTP API server.
type Server struct {
	address string
	port    int
	engine  *agent.Engine
	store   checkpoint.Store
	logger  *slog.Logger
	server  *http.Server

	claimTimeout time.Duration

	mu   sync.Mutex
	runs map[string]*runHandle
}

// NewServer creates a new API server. store may be nil when the engine
// runs without persistence; the thread endpoints then return 404.
func NewServer(address string, port int, engine *agent.Engine, store checkpoint.Store, logger *slog.Logger) *Server {
	return &Server{
		address:      address,
		port:         port,
		engine:       engine,
		store:        store,
		logger:       logger.With("component", "web"),
		claimTimeout: defaultClaimTimeout,
		runs:         make(map[string]*runHandle),
	}
}

// Start begins serving HTTP requests.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", s.address, s.port),
		Handler:      s.withLogging(s.Handler()),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // event streams stay open indefinitely
	}

	addr := s.address
	if addr == "" {
		addr = "0.0.0.0"
	}
	s.logger.Info("starting API server", "address", addr, "port", s.port)
	return s.server.ListenAndServe()
}

// Handler returns the route mux without binding a listener. Tests serve
// it through httptest.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// Run endpoints
	mux.HandleFunc("POST /v1/runs", s.handleRunCreate)
	mux.HandleFunc("GET /v1/runs/{id}/events", s.handleRunEvents)
	mux.HandleFunc("DELETE /v1/runs/{id}", s.handleRunCancel)

	// Thread administration
	mux.HandleFunc("GET /v1/threads", s.handleThreadList)
	mux.HandleFunc("GET /v1/threads/{id}", s.handleThreadGet)
	mux.HandleFunc("DELETE /v1/threads/{id}", s.handleThreadDelete)

	// Health endpoints
	mux.HandleFunc("GET /v1/version", s.handleVersion)
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET /", s.handleRoot)

	return mux
}

// Shutdown gracefully stops the server and cancels in-flight runs.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	for _, h := range s.runs {
		h.cancel()
	}
	s.mu.Unlock()

	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"duration", time.Since(start),
		)
	})
}

// runRequest is the POST /v1/runs body.
type runRequest struct {
	ThreadID string          `json:"thread_id,omitempty"`
	Prompt   string          `json:"prompt,omitempty"`
	Messages []state.Message `json:"messages,omitempty"`
	Model    string          `json:"model,omitempty"`
	MaxSteps int             `json:"max_steps,omitempty"`
	Resume   *resumeRequest  `json:"resume,omitempty"`
}

type resumeRequest struct {
	ToolCallID string `json:"tool_call_id"`
	Approve    bool   `json:"approve"`
}

func (s *Server) handleRunCreate(w http.ResponseWriter, r *http.Request) {
	var req runRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return
	}

	opts := agent.RunOptions{
		ThreadID: req.ThreadID,
		Prompt:   req.Prompt,
		Messages: req.Messages,
		Model:    req.Model,
		MaxSteps: req.MaxSteps,
	}
	if req.Resume != nil {
		opts.Resume = &approval.Decision{
			ToolCallID: req.Resume.ToolCallID,
			Approve:    req.Resume.Approve,
		}
	}

	// The run outlives this request; it is cancelled via DELETE or
	// server shutdown, not by the POST disconnecting.
	runCtx, cancel := context.WithCancel(context.Background())
	handle := &runHandle{
		id:       uuid.NewString(),
		threadID: req.ThreadID,
		stream:   s.engine.Run(runCtx, opts),
		cancel:   cancel,
		started:  time.Now().UTC(),
	}
	// An orphaned run would sit in the map with a blocked stream until
	// shutdown; reclaim it if nobody attaches in time.
	handle.expire = time.AfterFunc(s.claimTimeout, func() { s.expireRun(handle.id) })

	s.mu.Lock()
	s.runs[handle.id] = handle
	s.mu.Unlock()

	s.logger.Info("run created", "run_id", handle.id, "thread", req.ThreadID)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	writeJSON(w, map[string]string{
		"run_id":    handle.id,
		"thread_id": req.ThreadID,
		"events":    fmt.Sprintf("/v1/runs/%s/events", handle.id),
	}, s.logger)
}

// expireRun cancels and drains a run whose events endpoint was never
// attached.
func (s *Server) expireRun(id string) {
	s.mu.Lock()
	handle, ok := s.runs[id]
	if ok {
		delete(s.runs, id)
	}
	s.mu.Unlock()
	if !ok {
		return
	}
	s.logger.Warn("run events never claimed, cancelling", "run_id", id, "age", time.Since(handle.started))
	handle.cancel()
	handle.stream.Drain()
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// The daemon is an internal service; origin policy belongs to
	// whatever fronts it.
	CheckOrigin: func(r *http.Request) bool { return true },
}

func (s *Server) handleRunEvents(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	s.mu.Lock()
	handle, ok := s.runs[id]
	if ok {
		// Claim the stream: each run has exactly one consumer.
		delete(s.runs, id)
	}
	s.mu.Unlock()

	if !ok {
		s.errorResponse(w, http.StatusNotFound, fmt.Sprintf("no pending run %q", id))
		return
	}
	handle.expire.Stop()

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "run_id", id, "error", err)
		handle.cancel()
		go handle.stream.Drain()
		return
	}
	defer conn.Close()

	for ev := range handle.stream.Events() {
		if err := conn.WriteJSON(ev); err != nil {
			s.logger.Debug("event write failed, cancelling run", "run_id", id, "error", err)
			handle.cancel()
			go handle.stream.Drain()
			return
		}
	}

	deadline := time.Now().Add(5 * time.Second)
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "run finished")
	if err := conn.WriteControl(websocket.CloseMessage, msg, deadline); err != nil {
		s.logger.Debug("close handshake failed", "run_id", id, "error", err)
	}
}

func (s *Server) handleRunCancel(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	id := r.PathValue("id")

	s.mu.Lock()
	handle, ok := s.runs[id]
	s.mu.Unlock()

	if !ok {
		s.errorResponse(w, http.StatusNotFound, fmt.Sprintf("no pending run %q", id))
		return
	}
	handle.cancel()
	writeJSON(w, map[string]string{"run_id": id, "status": "cancelling"}, s.logger)
}

func (s *Server) handleThreadList(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if s.store == nil {
		s.errorResponse(w, http.StatusNotFound, "no checkpoint store configured")
		return
	}
	threads, err := s.store.List(r.Context())
	if err != nil {
		s.errorResponse(w, http.StatusInternalServerError, err.Error())
		return
	}
	if threads == nil {
		threads = []string{}
	}
	writeJSON(w, map[string]any{"threads": threads}, s.logger)
}

func (s *Server) handleThreadGet(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if s.store == nil {
		s.errorResponse(w, http.StatusNotFound, "no checkpoint store configured")
		return
	}
	id := r.PathValue("id")
	cp, err := s.store.Load(r.Context(), id)
	if err != nil {
		if errors.Is(err, checkpoint.ErrNotFound) {
			s.errorResponse(w, http.StatusNotFound, fmt.Sprintf("thread %q not found", id))
			return
		}
		s.errorResponse(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, cp, s.logger)
}

func (s *Server) handleThreadDelete(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if s.store == nil {
		s.errorResponse(w, http.StatusNotFound, "no checkpoint store configured")
		return
	}
	id := r.PathValue("id")
	if err := s.store.Delete(r.Context(), id); err != nil {
		if errors.Is(err, checkpoint.ErrNotFound) {
			s.errorResponse(w, http.StatusNotFound, fmt.Sprintf("thread %q not found", id))
			return
		}
		s.errorResponse(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, map[string]string{"thread_id": id, "status": "deleted"}, s.logger)
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]string{
		"name":    "Reeve",
		"version": buildinfo.Version,
		"status":  "ok",
	}, s.logger)
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, buildinfo.Info(), s.logger)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]string{
		"status": "healthy",
		"uptime": buildinfo.Uptime().String(),
	}, s.logger)
}

func (s *Server) errorResponse(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	writeJSON(w, map[string]any{"error": message}, s.logger)
}
