// Package api exposes enrollment, matching and session control over HTTP.
package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/andresmejia3/facewatch/internal/matcher"
	"github.com/andresmejia3/facewatch/internal/notify"
	"github.com/andresmejia3/facewatch/internal/registry"
	"github.com/andresmejia3/facewatch/internal/session"
	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"
)

// Deps are the components the API serves. Session and Hub may be nil, in
// which case their endpoints answer 503.
type Deps struct {
	Registry  *registry.Registry
	Session   *session.Controller
	Hub       *notify.Hub
	Threshold float64 // used for /match when no session is attached
	Logger    *zap.Logger
}

// Server represents the HTTP server
type Server struct {
	router     *chi.Mux
	httpServer *http.Server
	logger     *zap.Logger

	// closing ends open event streams; Shutdown does not cancel active requests.
	closing   chan struct{}
	closeOnce sync.Once
}

// NewServer creates a server listening on addr.
func NewServer(deps Deps, addr string) *Server {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if matcher.ValidateThreshold(deps.Threshold) != nil {
		deps.Threshold = matcher.DefaultThreshold
	}
	logger := deps.Logger.Named("api")

	r := chi.NewRouter()
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(requestLogger(logger))
	r.Use(chiMiddleware.Recoverer)

	closing := make(chan struct{})
	h := &handler{deps: deps, logger: logger, closing: closing}
	setupRoutes(r, h)

	return &Server{
		router:  r,
		logger:  logger,
		closing: closing,
		httpServer: &http.Server{
			Addr:              addr,
			Handler:           r,
			ReadHeaderTimeout: 10 * time.Second,
			IdleTimeout:       60 * time.Second,
			// No WriteTimeout: the event stream stays open.
		},
	}
}

func setupRoutes(r chi.Router, h *handler) {
	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", h.health)

		r.Get("/identities", h.listIdentities)
		r.Get("/identities/{name}", h.getIdentity)
		r.Delete("/identities/{name}", h.removeIdentity)
		r.Post("/identities/{name}/embeddings", h.enroll)

		r.Post("/match", h.match)

		r.Get("/session", h.getSession)
		r.Put("/session", h.putSession)

		r.Get("/events", h.events)
	})
}

// Start serves until Shutdown is called.
func (s *Server) Start() error {
	s.logger.Info("starting API server", zap.String("addr", s.httpServer.Addr))
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("failed to start server: %w", err)
	}
	return s.Serve(ln)
}

// Serve accepts connections on l until Shutdown is called.
func (s *Server) Serve(l net.Listener) error {
	if err := s.httpServer.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serving: %w", err)
	}
	return nil
}

// Shutdown ends event streams, then gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down API server")
	s.closeOnce.Do(func() { close(s.closing) })
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutting down server: %w", err)
	}
	return nil
}

// Router returns the chi router for testing
func (s *Server) Router() http.Handler {
	return s.router
}

func requestLogger(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := chiMiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			logger.Debug("request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Duration("took", time.Since(start)),
				zap.String("request_id", chiMiddleware.GetReqID(r.Context())),
			)
		})
	}
}
