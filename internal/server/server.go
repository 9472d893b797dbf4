package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"deployhook/internal/deployment"
	"deployhook/internal/rules"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

const (
	// HTTP server timeouts
	HTTPReadTimeout  = 10 * time.Second
	HTTPWriteTimeout = 10 * time.Second
	HTTPIdleTimeout  = 60 * time.Second

	// Request timeout for middleware
	RequestTimeout = 30 * time.Second

	// DefaultWebhookPath is the only path push notifications are accepted on.
	DefaultWebhookPath = "/webhook"
)

// Dispatcher accepts matched jobs for asynchronous execution.
// *deployment.Dispatcher is the production implementation.
type Dispatcher interface {
	Submit(job *deployment.Job)
	InFlight() int64
	Wait(ctx context.Context) error
}

// Server represents the HTTP server
type Server struct {
	Rules      *rules.Registry
	Dispatcher Dispatcher
	Logger     *slog.Logger
	Secret     string

	// WebhookPath is the single POST route; DefaultWebhookPath when empty.
	WebhookPath string
	// HealthPath enables a GET health endpoint when non-empty.
	HealthPath string
	// RateLimit is the per-IP webhook request budget per minute; 0 disables it.
	RateLimit int
	// MaxPayloadBytes caps the request body; DefaultMaxPayloadBytes when zero.
	MaxPayloadBytes int64

	mu         sync.Mutex
	httpServer *http.Server
}

// NewServer creates a new server instance
func NewServer(registry *rules.Registry, dispatcher Dispatcher, secret string, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		Rules:       registry,
		Dispatcher:  dispatcher,
		Logger:      logger,
		Secret:      secret,
		WebhookPath: DefaultWebhookPath,
	}
}

// Router creates and configures the HTTP router
func (s *Server) Router() *chi.Mux {
	r := chi.NewRouter()

	// Global middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(RequestTimeout))

	// Logging middleware
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			defer func() {
				s.Logger.Info("http_request",
					"method", r.Method,
					"path", r.URL.Path,
					"status", ww.Status(),
					"request_id", middleware.GetReqID(r.Context()),
					"duration_ms", time.Since(start).Milliseconds())
			}()

			next.ServeHTTP(ww, r)
		})
	})

	// Anything other than the configured routes is a plain 404, wrong
	// methods included
	r.NotFound(s.handleNotFound)
	r.MethodNotAllowed(s.handleNotFound)

	webhookPath := s.WebhookPath
	if webhookPath == "" {
		webhookPath = DefaultWebhookPath
	}

	if s.RateLimit > 0 {
		r.With(NewWebhookRateLimitMiddleware(s.RateLimit, s.Logger)).Post(webhookPath, s.HandleWebhook)
	} else {
		r.Post(webhookPath, s.HandleWebhook)
	}

	if s.HealthPath != "" && s.HealthPath != webhookPath {
		r.Get(s.HealthPath, s.HandleHealth)
	}

	return r
}

// Start starts the HTTP server and blocks until it stops. A graceful
// Shutdown makes Start return nil.
func (s *Server) Start(host string, port int) error {
	addr := fmt.Sprintf("%s:%d", host, port)
	s.Logger.Info("Starting server", "addr", addr, "webhook_path", s.WebhookPath)

	server := &http.Server{
		Addr:         addr,
		Handler:      s.Router(),
		ReadTimeout:  HTTPReadTimeout,
		WriteTimeout: HTTPWriteTimeout,
		IdleTimeout:  HTTPIdleTimeout,
	}

	s.mu.Lock()
	s.httpServer = server
	s.mu.Unlock()

	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting requests, then waits for in-flight deployments
// until ctx expires.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	server := s.httpServer
	s.mu.Unlock()

	if server != nil {
		if err := server.Shutdown(ctx); err != nil {
			return fmt.Errorf("http shutdown: %w", err)
		}
	}

	if s.Dispatcher != nil {
		if pending := s.Dispatcher.InFlight(); pending > 0 {
			s.Logger.Info("Waiting for in-flight deployments", "in_flight", pending)
		}
		if err := s.Dispatcher.Wait(ctx); err != nil {
			return fmt.Errorf("waiting for deployments: %w", err)
		}
	}

	return nil
}
