// Package api is the HTTP surface of the gateway: tool calls, approval
// decisions, event streams, webhook management, and the admin plane.
package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/intelli/agent-gateway/internal/approval"
	"github.com/intelli/agent-gateway/internal/audit"
	"github.com/intelli/agent-gateway/internal/auth"
	"github.com/intelli/agent-gateway/internal/capability"
	"github.com/intelli/agent-gateway/internal/compaction"
	"github.com/intelli/agent-gateway/internal/config"
	"github.com/intelli/agent-gateway/internal/events"
	"github.com/intelli/agent-gateway/internal/killswitch"
	"github.com/intelli/agent-gateway/internal/ratelimit"
	"github.com/intelli/agent-gateway/internal/scheduler"
	"github.com/intelli/agent-gateway/internal/supervisor"
	"github.com/intelli/agent-gateway/internal/webhooks"
	"github.com/intelli/agent-gateway/internal/workerpool"
)

// Server wires handlers to the gateway core.
type Server struct {
	store      *config.Store
	sup        *supervisor.Supervisor
	queue      *approval.Queue
	kill       *killswitch.Switch
	limiter    *ratelimit.Limiter
	caps       *capability.Verifier
	bus        *events.Bus
	registry   *webhooks.Registry
	dispatcher *webhooks.Dispatcher
	pool       *workerpool.Pool
	sched      *scheduler.Scheduler
	audit      *audit.Logger
	auth       *auth.Authenticator
	compactor  *compaction.Compactor

	router *mux.Router
}

// Options collects the server's collaborators.
type Options struct {
	Store      *config.Store
	Supervisor *supervisor.Supervisor
	Queue      *approval.Queue
	Kill       *killswitch.Switch
	Limiter    *ratelimit.Limiter
	Caps       *capability.Verifier
	Bus        *events.Bus
	Registry   *webhooks.Registry
	Dispatcher *webhooks.Dispatcher
	Pool       *workerpool.Pool
	Scheduler  *scheduler.Scheduler
	Audit      *audit.Logger
	// Auth may be nil, in which case every endpoint is open. Dev only.
	Auth *auth.Authenticator
	// Compactor may be nil when no summarizer is configured.
	Compactor *compaction.Compactor
}

func NewServer(opts Options) *Server {
	s := &Server{
		store:      opts.Store,
		sup:        opts.Supervisor,
		queue:      opts.Queue,
		kill:       opts.Kill,
		limiter:    opts.Limiter,
		caps:       opts.Caps,
		bus:        opts.Bus,
		registry:   opts.Registry,
		dispatcher: opts.Dispatcher,
		pool:       opts.Pool,
		sched:      opts.Scheduler,
		audit:      opts.Audit,
		auth:       opts.Auth,
		compactor:  opts.Compactor,
	}
	s.router = s.routes()
	return s
}

func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) routes() *mux.Router {
	r := mux.NewRouter()
	r.Use(corsMiddleware)

	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	api := r.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/auth/login", s.handleLogin).Methods(http.MethodPost)
	api.HandleFunc("/tools/call", s.handleToolCall).Methods(http.MethodPost)
	api.HandleFunc("/context/compact", s.handleCompact).Methods(http.MethodPost)

	api.Handle("/approvals", s.requireRole(auth.RoleApprover, s.handleListApprovals)).Methods(http.MethodGet)
	api.Handle("/approvals/{id}/approve", s.requireRole(auth.RoleApprover, s.handleApprove)).Methods(http.MethodPost)
	api.Handle("/approvals/{id}/deny", s.requireRole(auth.RoleApprover, s.handleDeny)).Methods(http.MethodPost)

	api.HandleFunc("/events", s.handleSSE).Methods(http.MethodGet)
	api.HandleFunc("/events/ws", s.handleWebSocket).Methods(http.MethodGet)

	api.Handle("/webhooks", s.requireRole(auth.RoleAdmin, s.handleListWebhooks)).Methods(http.MethodGet)
	api.Handle("/webhooks", s.requireRole(auth.RoleAdmin, s.handleRegisterWebhook)).Methods(http.MethodPost)
	api.Handle("/webhooks/{id}", s.requireRole(auth.RoleAdmin, s.handleUnregisterWebhook)).Methods(http.MethodDelete)
	api.Handle("/webhooks/failures", s.requireRole(auth.RoleAdmin, s.handleWebhookFailures)).Methods(http.MethodGet)

	api.Handle("/scheduler/tasks", s.requireRole(auth.RoleAdmin, s.handleListTasks)).Methods(http.MethodGet)
	api.Handle("/scheduler/tasks", s.requireRole(auth.RoleAdmin, s.handleAddTask)).Methods(http.MethodPost)
	api.Handle("/scheduler/tasks/{id}", s.requireRole(auth.RoleAdmin, s.handleRemoveTask)).Methods(http.MethodDelete)
	api.Handle("/scheduler/tasks/{id}/enable", s.requireRole(auth.RoleAdmin, s.handleEnableTask(true))).Methods(http.MethodPost)
	api.Handle("/scheduler/tasks/{id}/disable", s.requireRole(auth.RoleAdmin, s.handleEnableTask(false))).Methods(http.MethodPost)
	api.Handle("/scheduler/history", s.requireRole(auth.RoleAdmin, s.handleRunHistory)).Methods(http.MethodGet)

	admin := r.PathPrefix("/admin").Subrouter()
	admin.Handle("/kill-switch", s.requireRole(auth.RoleAdmin, s.handleActivateKillSwitch)).Methods(http.MethodPost)
	admin.Handle("/kill-switch", s.requireRole(auth.RoleAdmin, s.handleClearKillSwitch)).Methods(http.MethodDelete)
	admin.Handle("/kill-switch", s.requireRole(auth.RoleAdmin, s.handleKillSwitchStatus)).Methods(http.MethodGet)
	admin.Handle("/rate-limits/reset", s.requireRole(auth.RoleAdmin, s.handleResetRateLimits)).Methods(http.MethodPost)
	admin.Handle("/audit", s.requireRole(auth.RoleAdmin, s.handleReadAudit)).Methods(http.MethodGet)

	return r
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// requireRole gates a handler on the bearer token's role. With no
// authenticator configured everything is open.
func (s *Server) requireRole(role string, h http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.auth != nil && !s.auth.CheckRole(r.Header.Get("Authorization"), role) {
			writeError(w, http.StatusUnauthorized, "unauthorized", "missing or invalid token")
			return
		}
		h(w, r)
	})
}

// clientKey extracts the rate-limit key: leftmost X-Forwarded-For entry,
// else the peer IP without port.
func clientKey(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		if i := strings.Index(xff, ","); i >= 0 {
			xff = xff[:i]
		}
		if k := strings.TrimSpace(xff); k != "" {
			return k
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("write response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]interface{}{
		"error":   code,
		"message": message,
	})
}

// Run serves until ctx is cancelled, then drains with a 10 s grace.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:    addr,
		Handler: s.router,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("gateway listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}
