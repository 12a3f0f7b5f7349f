// Package server exposes the router and the sync engine over HTTP for
// callers that do not link unisync directly.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/soyeahso/unisync/internal/domain"
	"github.com/soyeahso/unisync/internal/health"
	"github.com/soyeahso/unisync/internal/llm"
	"github.com/soyeahso/unisync/internal/logging"
	"github.com/soyeahso/unisync/internal/syncer"
)

// Agents is the caller-facing agent API, implemented by fallback.Router.
type Agents interface {
	Get(ctx context.Context, id string) (*domain.Agent, bool)
	List(ctx context.Context, filter domain.AgentFilter) ([]*domain.Agent, error)
	Create(ctx context.Context, in domain.AgentInput) (*domain.Agent, error)
	Update(ctx context.Context, id string, patch domain.AgentPatch) (*domain.Agent, error)
	Invoke(ctx context.Context, agentID, message, conversationID string) (*domain.Message, error)
	InvokeStream(ctx context.Context, agentID, message, conversationID string) <-chan llm.StreamEvent
}

// Syncer is the sync API, implemented by syncer.Engine.
type Syncer interface {
	SyncEntity(ctx context.Context, id string, dir domain.Direction) syncer.Result
	SyncConversation(ctx context.Context, id string) syncer.Result
	SyncPendingEntities(ctx context.Context) syncer.BatchResult
	SyncAll(ctx context.Context) syncer.BatchResult
	CheckSyncHealth(ctx context.Context) (syncer.HealthReport, error)
}

// HealthChecker reports the external service state.
type HealthChecker interface {
	IsHealthy(ctx context.Context) bool
	Snapshot() health.Snapshot
}

// Options configures a Server.
type Options struct {
	Listen         string
	Token          string   // required as a bearer token on /api routes when set
	AllowedOrigins []string // browser origins allowed for CORS and WebSocket
}

// Server is the unisync HTTP + WebSocket server.
type Server struct {
	opts   Options
	agents Agents
	sync   Syncer
	health HealthChecker
	log    *logging.Logger

	events Subscriber // nil disables /api/events

	httpServer  *http.Server
	upgrader    websocket.Upgrader
	authLimiter *authRateLimiter
}

// Option configures optional Server collaborators.
type Option func(*Server)

// WithEvents enables the /api/events stream backed by sub.
func WithEvents(sub Subscriber) Option {
	return func(s *Server) { s.events = sub }
}

// New creates a Server.
func New(agents Agents, sync Syncer, hc HealthChecker, opts Options, log *logging.Logger, extra ...Option) *Server {
	s := &Server{
		opts:        opts,
		agents:      agents,
		sync:        sync,
		health:      hc,
		log:         log.Sub("server"),
		authLimiter: newAuthRateLimiter(time.Now),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     checkWebSocketOrigin(opts.AllowedOrigins),
		},
	}
	for _, o := range extra {
		o(s)
	}
	return s
}

// checkWebSocketOrigin returns a function that validates WebSocket Origin headers.
// If no origins are configured, only same-origin (no Origin header) or non-browser
// clients are allowed. If origins are configured, the Origin must match one of them.
func checkWebSocketOrigin(allowed []string) func(*http.Request) bool {
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true // Same-origin or non-browser clients
		}
		return isOriginAllowed(origin, allowed)
	}
}

// Handler returns the full route table wrapped in the middleware chain.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.registerRoutes(mux)
	return withMiddleware(mux, s.log, s.opts.AllowedOrigins)
}

// Start begins listening for HTTP and WebSocket connections.
// It blocks until the context is cancelled or an error occurs.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.opts.Listen)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.opts.Listen, err)
	}
	return s.Serve(ctx, ln)
}

// Serve runs the server on ln until ctx is cancelled.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.httpServer = &http.Server{
		Handler:     s.Handler(),
		ReadTimeout: 30 * time.Second,
		// no WriteTimeout: invoke streams stay open for as long as the model talks
		IdleTimeout: 120 * time.Second,
		BaseContext: func(l net.Listener) context.Context { return ctx },
	}

	if s.opts.Token == "" {
		host, _, _ := net.SplitHostPort(ln.Addr().String())
		if ip := net.ParseIP(host); ip == nil || !ip.IsLoopback() {
			s.log.Warn().Msg("no server token configured and listening beyond loopback, /api is unauthenticated")
		}
	}

	s.log.Info().
		Str("addr", ln.Addr().String()).
		Bool("auth", s.opts.Token != "").
		Msg("server ready")

	// Shutdown when context is cancelled
	go func() {
		<-ctx.Done()
		s.log.Info().Msg("shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		s.httpServer.Shutdown(shutdownCtx)
	}()

	if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
