// Package server exposes deploys and rollbacks over HTTP so a CI job can
// trigger them without shell access to the operator machine.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/log"

	"github.com/3cpo-dev/deployctl/internal/deploy"
	"github.com/3cpo-dev/deployctl/internal/descriptor"
	"github.com/3cpo-dev/deployctl/internal/telemetry"
)

// Loader returns the descriptor for service, with image overriding the
// descriptor's image when non-empty.
type Loader func(ctx context.Context, service, image string) (descriptor.Descriptor, error)

// Server is the webhook HTTP server. Accepted runs continue in the background
// after the response is written.
type Server struct {
	Orchestrator *deploy.Orchestrator
	Load         Loader
	Token        string
	Version      string
	Telemetry    *telemetry.Collector

	mu     sync.Mutex
	srv    *http.Server
	runs   sync.WaitGroup
	closed bool
	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a server for o. Runs started through it are cancelled by
// Shutdown only when they outlive its deadline.
func New(o *deploy.Orchestrator, load Loader) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{Orchestrator: o, Load: load, ctx: ctx, cancel: cancel}
}

// Handler returns the router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(s.requestLogger)
	r.Use(bodySizeLimit)

	r.Get("/healthz", s.health)

	r.Group(func(r chi.Router) {
		r.Use(tokenAuth(s.Token))
		r.Method(http.MethodGet, "/metrics", telemetry.Handler(s.Telemetry))
		r.Route("/v1/services/{service}", func(r chi.Router) {
			r.Post("/deploy", s.deploy)
			r.Post("/rollback", s.rollback)
			r.Get("/status", s.status)
			r.Get("/history", s.history)
		})
	})
	return r
}

// ListenAndServe starts the server
func (s *Server) ListenAndServe(addr string) error {
	return s.serve(&http.Server{Addr: addr, Handler: s.Handler(), ReadHeaderTimeout: 10 * time.Second}, "", "")
}

func (s *Server) serve(srv *http.Server, certFile, keyFile string) error {
	s.mu.Lock()
	s.srv = srv
	s.mu.Unlock()
	log.Info().Str("addr", srv.Addr).Bool("tls", srv.TLSConfig != nil).Msg("Webhook listening")
	var err error
	if srv.TLSConfig != nil {
		err = srv.ListenAndServeTLS(certFile, keyFile)
	} else {
		err = srv.ListenAndServe()
	}
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown stops accepting requests and waits for background runs. Runs still
// going when ctx expires are cancelled, which stops their health polling, and
// are then waited for so every ledger record is closed. Requests arriving
// after Shutdown starts are refused and start no run.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	srv := s.srv
	s.mu.Unlock()
	if srv == nil {
		return fmt.Errorf("server not running")
	}
	err := srv.Shutdown(ctx)

	done := make(chan struct{})
	go func() {
		s.runs.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		log.Warn().Msg("Cancelling runs still in progress")
		s.cancel()
		<-done
	}
	s.cancel()
	return err
}

// track registers a background run, or reports false once Shutdown has begun.
func (s *Server) track() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.runs.Add(1)
	return true
}

// Wait blocks until every background run has finished.
func (s *Server) Wait() {
	s.runs.Wait()
}
