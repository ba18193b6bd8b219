package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/debitum/syncengine/internal/authtoken"
	"github.com/debitum/syncengine/internal/logging"
	"github.com/debitum/syncengine/internal/membership"
	"github.com/debitum/syncengine/internal/ratelimit"
	"github.com/debitum/syncengine/internal/realtime"
	"github.com/debitum/syncengine/internal/syncserver"
)

// Server is the HTTP RPC surface over the sync engine: the single
// long-lived *http.Server plus everything its handlers close over.
// Modeled on the teacher's applications/httpapi Service lifecycle.
type Server struct {
	httpServer  *http.Server
	log         *logging.Logger
	sync        *syncserver.Server
	memberships *membership.Service
	bus         *realtime.Bus
	tokens      *authtoken.Issuer
	limiter     *ratelimit.Limiter
}

// Option customizes Server construction.
type Option func(*Server)

// WithRateLimiter installs a per-IP rate limiter on the RPC surface.
func WithRateLimiter(l *ratelimit.Limiter) Option {
	return func(s *Server) { s.limiter = l }
}

// New builds an httpapi.Server bound to addr. Call Start to begin serving.
func New(addr string, sync *syncserver.Server, memberships *membership.Service, bus *realtime.Bus, tokens *authtoken.Issuer, log *logging.Logger, opts ...Option) *Server {
	s := &Server{
		log:         log,
		sync:        sync,
		memberships: memberships,
		bus:         bus,
		tokens:      tokens,
		limiter:     ratelimit.New(0, 0),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.router(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	return s
}

// Start begins serving and blocks until the listener stops. A caller
// typically runs this in its own goroutine and calls Stop to unblock it.
func (s *Server) Start() error {
	if s.log != nil {
		s.log.WithField("addr", s.httpServer.Addr).Info("http server starting")
	}
	err := s.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Stop gracefully shuts the server down, waiting for in-flight requests to
// finish until ctx is done.
func (s *Server) Stop(ctx context.Context) error {
	if s.log != nil {
		s.log.Info("http server stopping")
	}
	return s.httpServer.Shutdown(ctx)
}
