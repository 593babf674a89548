// Package api serves the orchestrator's JSON API and live progress feeds.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/hochfrequenz/batch-orchestrator/internal/batch"
	"github.com/hochfrequenz/batch-orchestrator/internal/domain"
	"github.com/hochfrequenz/batch-orchestrator/internal/jobs"
)

// Options configures the defaults used by job requests that omit them
type Options struct {
	Addr           string
	Provision      domain.ProvisionConfig
	ProvisionCount int
	ProvisionDelay time.Duration
	JoinDelay      time.Duration
	Logger         *zap.Logger
}

// Server is the HTTP API server
type Server struct {
	orch     *jobs.Orchestrator
	opts     Options
	logger   *zap.Logger
	mux      *http.ServeMux
	hub      *Hub
	upgrader websocket.Upgrader

	// jobs outlive the request that started them
	baseCtx context.Context
}

// NewServer creates a server and subscribes its hub to every job the
// orchestrator launches
func NewServer(ctx context.Context, orch *jobs.Orchestrator, opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	s := &Server{
		orch:   orch,
		opts:   opts,
		logger: opts.Logger,
		mux:    http.NewServeMux(),
		hub:    NewHub(),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		baseCtx: ctx,
	}
	orch.OnLaunch(s.follow)
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.mux.HandleFunc("GET /api/status", s.statusHandler())
	s.mux.HandleFunc("GET /api/accounts", s.listAccountsHandler())
	s.mux.HandleFunc("GET /api/accounts/export", s.exportAccountsHandler())
	s.mux.HandleFunc("GET /api/jobs/current", s.currentJobHandler())
	s.mux.HandleFunc("POST /api/jobs/provision", s.startProvisionHandler())
	s.mux.HandleFunc("POST /api/jobs/join", s.startJoinHandler())
	s.mux.HandleFunc("POST /api/jobs/stop", s.stopJobHandler())
	s.mux.HandleFunc("GET /api/events", s.sseHandler())
	s.mux.HandleFunc("GET /api/ws", s.wsHandler())
}

// Handler returns the routed handler
func (s *Server) Handler() http.Handler {
	return s.mux
}

// Run serves until ctx is cancelled, then shuts down gracefully
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.opts.Addr,
		Handler:           s.mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("api listening", zap.String("addr", s.opts.Addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		s.hub.Close()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

// follow forwards a job's progress and completion to all subscribers
func (s *Server) follow(h *jobs.Handle) {
	kind := h.Kind()
	h.OnProgress(func(completed, target, succeeded int) {
		s.hub.Broadcast(Event{Type: EventProgress, Data: ProgressEvent{
			Kind:        kind,
			Completed:   completed,
			Target:      target,
			Succeeded:   succeeded,
			SuccessRate: domain.SuccessRate(succeeded, completed),
		}})
	})
	go func() {
		<-h.Done()
		s.hub.Broadcast(Event{Type: EventFinished, Data: jobToResponse(h)})
	}()
}

// Broadcast sends an event to all SSE and WebSocket clients
func (s *Server) Broadcast(event Event) {
	s.hub.Broadcast(event)
}

func writeJSON(w http.ResponseWriter, code int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, code int, message string) {
	writeJSON(w, code, map[string]string{"error": message})
}

// statusFor maps the error taxonomy onto HTTP status codes
func statusFor(err error) int {
	switch {
	case errors.Is(err, batch.ErrInvalidArgument):
		return http.StatusBadRequest
	case errors.Is(err, batch.ErrAlreadyRunning), errors.Is(err, batch.ErrNotRunning):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}
