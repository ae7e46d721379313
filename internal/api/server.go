// Package api exposes the Talaria HTTP surface: the conversation endpoint,
// the realtime stream upgrade, health probes, metrics, and the key-management
// admin endpoints.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/talaria-ai/talaria/internal/admission"
	"github.com/talaria-ai/talaria/internal/health"
	"github.com/talaria-ai/talaria/internal/observe"
	"github.com/talaria-ai/talaria/internal/store"
	"github.com/talaria-ai/talaria/internal/turn"
)

// shutdownGrace is how long in-flight requests get to finish on shutdown.
const shutdownGrace = 10 * time.Second

// TurnRunner executes one conversation turn. [*turn.Orchestrator] satisfies
// it.
type TurnRunner interface {
	Do(ctx context.Context, req turn.Request) (*turn.Response, error)
}

// AuditSink records audit events. *store.Store satisfies it. Payloads are
// digested before they reach the sink; user content never does.
type AuditSink interface {
	AppendAudit(ctx context.Context, e *store.AuditEvent) error
}

// Config wires the server.
type Config struct {
	// ListenAddr is the TCP address to bind (e.g., ":8080"). Required.
	ListenAddr string

	// TLSCertFile and TLSKeyFile enable HTTPS when both are set.
	TLSCertFile string
	TLSKeyFile  string

	// AdminToken protects the /admin/keys endpoints. When empty, the admin
	// routes are not registered at all.
	AdminToken string

	// Turns executes conversation turns. Required.
	Turns TurnRunner

	// Admitter authenticates API keys. Nil disables admission.
	Admitter *admission.Admitter

	// Stream handles the realtime websocket upgrade. Nil disables the
	// endpoint.
	Stream http.Handler

	// Health serves the liveness and readiness probes. Nil disables them.
	Health *health.Handler

	// Audit receives per-request audit events. May be nil.
	Audit AuditSink

	// Metrics enables the /metrics endpoint and request instrumentation.
	// May be nil.
	Metrics *observe.Metrics

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// Server is the HTTP front of the Talaria backend.
type Server struct {
	cfg     Config
	log     *slog.Logger
	handler http.Handler
}

// New creates a [Server] from cfg and assembles its routes.
func New(cfg Config) (*Server, error) {
	if cfg.ListenAddr == "" {
		return nil, errors.New("api: config: ListenAddr is required")
	}
	if cfg.Turns == nil {
		return nil, errors.New("api: config: Turns is required")
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	s := &Server{cfg: cfg, log: log}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /conversation", s.handleConversation)
	if cfg.Stream != nil {
		mux.Handle("GET /rtc/stream", cfg.Stream)
	}
	if cfg.Health != nil {
		cfg.Health.Register(mux)
	}
	if cfg.Metrics != nil {
		mux.Handle("GET /metrics", promhttp.Handler())
	}
	if cfg.AdminToken != "" {
		mux.HandleFunc("POST /admin/keys", s.requireAdmin(s.handleCreateKey))
		mux.HandleFunc("GET /admin/keys", s.requireAdmin(s.handleListKeys))
		mux.HandleFunc("DELETE /admin/keys/{id}", s.requireAdmin(s.handleRevokeKey))
	}

	s.handler = http.Handler(mux)
	if cfg.Metrics != nil {
		s.handler = observe.Middleware(cfg.Metrics)(s.handler)
	}
	return s, nil
}

// Handler returns the assembled route tree. Exposed for tests.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Run serves until ctx is cancelled, then drains in-flight requests.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.ListenAddr,
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		s.log.Info("http server listening", "addr", s.cfg.ListenAddr, "tls", s.cfg.TLSCertFile != "")
		if s.cfg.TLSCertFile != "" && s.cfg.TLSKeyFile != "" {
			errc <- srv.ListenAndServeTLS(s.cfg.TLSCertFile, s.cfg.TLSKeyFile)
		} else {
			errc <- srv.ListenAndServe()
		}
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return srv.Close()
	}
	return nil
}
