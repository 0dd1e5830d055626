// Package api exposes the delivery engine over HTTP.
//
// Calling features submit send requests here instead of talking SMTP
// themselves; operators inspect the delivery log and run ledger and can
// trigger an orchestrator run by hand.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/BTreeMap/MailPipe/internal/models"
	"github.com/BTreeMap/MailPipe/internal/store"
)

const (
	// DefaultRequestTimeout bounds a request, including a synchronous send.
	DefaultRequestTimeout = 90 * time.Second
	// DefaultShutdownTimeout bounds graceful shutdown.
	DefaultShutdownTimeout = 15 * time.Second
	// DefaultListLimit is used when a list request has no limit parameter.
	DefaultListLimit = 50
	// MaxListLimit caps the limit parameter.
	MaxListLimit = 500
)

// Mailer accepts send requests.
type Mailer interface {
	Enqueue(ctx context.Context, req models.SendRequest) (models.LogEntry, error)
	SendNow(ctx context.Context, req models.SendRequest) (models.LogEntry, error)
}

// Runner executes one orchestrator run.
type Runner interface {
	Run(ctx context.Context) (models.JobRun, error)
	JobName() string
}

// Server is the HTTP front of the service.
type Server struct {
	mailer Mailer
	runner Runner
	store  store.Store
	opts   Opts
}

// Opts holds optional server settings.
type Opts struct {
	Addr            string
	RequestTimeout  time.Duration
	ShutdownTimeout time.Duration
}

// Option configures a Server.
type Option func(*Opts)

// WithAddr sets the listen address.
func WithAddr(addr string) Option {
	return func(o *Opts) { o.Addr = addr }
}

// WithRequestTimeout sets the per-request timeout.
func WithRequestTimeout(d time.Duration) Option {
	return func(o *Opts) { o.RequestTimeout = d }
}

// WithShutdownTimeout sets how long Start waits for in-flight requests.
func WithShutdownTimeout(d time.Duration) Option {
	return func(o *Opts) { o.ShutdownTimeout = d }
}

// NewServer creates a Server. runner may be nil, in which case POST /runs
// answers 503.
func NewServer(mailer Mailer, runner Runner, st store.Store, opts ...Option) *Server {
	o := Opts{
		Addr:            ":8080",
		RequestTimeout:  DefaultRequestTimeout,
		ShutdownTimeout: DefaultShutdownTimeout,
	}
	for _, opt := range opts {
		opt(&o)
	}
	return &Server{mailer: mailer, runner: runner, store: st, opts: o}
}

// Handler returns the routed handler with middleware installed.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(s.opts.RequestTimeout))

	r.Get("/healthz", s.healthHandler)

	r.Route("/messages", func(r chi.Router) {
		r.Post("/", s.enqueueHandler)
		r.Post("/send", s.sendHandler)
		r.Get("/", s.listMessagesHandler)
		r.Get("/{id}", s.getMessageHandler)
	})
	r.Route("/runs", func(r chi.Router) {
		r.Post("/", s.triggerRunHandler)
		r.Get("/", s.listRunsHandler)
	})
	r.Get("/templates", s.listTemplatesHandler)

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "Not found", nil)
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "Method not allowed", nil)
	})
	return r
}

// Start serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.opts.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("Server.Start: listening", "addr", s.opts.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok {
			return fmt.Errorf("http server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	slog.Info("Server.Start: shutting down", "timeout", s.opts.ShutdownTimeout)
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.opts.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http server shutdown: %w", err)
	}
	return nil
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		slog.Debug("Server.request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"duration", time.Since(start),
			"request_id", middleware.GetReqID(r.Context()))
	})
}
