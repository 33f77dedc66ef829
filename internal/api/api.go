// Package api provides the operator HTTP API for SeatWatch.
//
// It exposes a health check, read-only views of tracked trips and, when the
// Twilio back-end is active, the inbound message webhook.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/BTreeMap/SeatWatch/internal/monitor"
	"github.com/BTreeMap/SeatWatch/internal/store"
	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
)

const (
	// DefaultAddr is the default listen address.
	DefaultAddr = ":8080"
	// DefaultShutdownTimeout bounds graceful shutdown of in-flight requests.
	DefaultShutdownTimeout = 15 * time.Second
)

// StatusSource reports the most recent monitor cycle. *monitor.Engine satisfies it.
type StatusSource interface {
	LastReport() (monitor.CycleReport, bool)
}

// Opts holds configuration for the API server.
type Opts struct {
	Addr          string
	TwilioWebhook http.Handler
	Monitor       StatusSource
}

// Option defines a configuration option for the API server.
type Option func(*Opts)

// WithAddr sets the listen address.
func WithAddr(addr string) Option {
	return func(o *Opts) {
		o.Addr = addr
	}
}

// WithTwilioWebhook mounts h at POST /webhooks/twilio.
func WithTwilioWebhook(h http.Handler) Option {
	return func(o *Opts) {
		o.TwilioWebhook = h
	}
}

// WithMonitor adds the last cycle report to the health check.
func WithMonitor(m StatusSource) Option {
	return func(o *Opts) {
		o.Monitor = m
	}
}

// Server serves the operator API.
type Server struct {
	st     store.TripStore
	opts   Opts
	router chi.Router
}

// NewServer creates a Server reading trips from st.
func NewServer(st store.TripStore, opts ...Option) *Server {
	cfg := Opts{Addr: DefaultAddr}
	for _, opt := range opts {
		opt(&cfg)
	}
	s := &Server{st: st, opts: cfg}
	s.router = s.routes()
	return s
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(NewSlogLogger(slog.Default()))
	r.Use(chimiddleware.Recoverer)

	r.Get("/healthz", s.healthHandler)
	r.Route("/trips", func(r chi.Router) {
		r.Get("/", s.listTripsHandler)
		r.Get("/{id}", s.getTripHandler)
	})
	if s.opts.TwilioWebhook != nil {
		r.Method(http.MethodPost, "/webhooks/twilio", s.opts.TwilioWebhook)
	}
	return r
}

// Handler returns the HTTP handler for the API.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:         s.opts.Addr,
		Handler:      s.router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("Server.Run: listening", "addr", srv.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), DefaultShutdownTimeout)
	defer cancel()
	slog.Info("Server.Run: shutting down")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return nil
}
