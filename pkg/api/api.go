// Package api serves stored run results over HTTP.
package api

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/ethpandaops/rpgtestoor/pkg/config"
	"github.com/ethpandaops/rpgtestoor/pkg/store"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

const shutdownTimeout = 10 * time.Second

// Server exposes the API HTTP server lifecycle.
type Server interface {
	Start(ctx context.Context) error
	Stop() error
	// Addr returns the address the server listens on once started.
	Addr() string
}

// Compile-time interface check.
var _ Server = (*server)(nil)

// Options are the optional backends of the server. A nil store disables the
// run endpoints; an empty results dir disables file serving.
type Options struct {
	Store      store.Store
	ResultsDir string
	Gatherer   prometheus.Gatherer
}

type server struct {
	log         logrus.FieldLogger
	cfg         *config.APIConfig
	store       store.Store
	gatherer    prometheus.Gatherer
	localServer *localFileServer
	httpServer  *http.Server
	listener    net.Listener
	wg          sync.WaitGroup
	done        chan struct{}
}

// NewServer creates a new API server.
func NewServer(
	log logrus.FieldLogger,
	cfg *config.APIConfig,
	opts Options,
) Server {
	s := &server{
		log:      log.WithField("component", "api"),
		cfg:      cfg,
		store:    opts.Store,
		gatherer: opts.Gatherer,
		done:     make(chan struct{}),
	}

	if cfg.ServeFiles && opts.ResultsDir != "" {
		s.localServer = newLocalFileServer(s.log, opts.ResultsDir)
	}

	return s
}

// Start binds the listener and serves requests in the background.
func (s *server) Start(_ context.Context) error {
	router := s.buildRouter()

	s.httpServer = &http.Server{
		Addr:              s.cfg.Listen,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Bind the listener synchronously so we fail fast on port conflicts.
	ln, err := net.Listen("tcp", s.cfg.Listen)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.cfg.Listen, err)
	}

	s.listener = ln

	s.wg.Add(1)

	go func() {
		defer s.wg.Done()

		s.log.WithField("listen", ln.Addr().String()).
			Info("API server starting")

		if err := s.httpServer.Serve(ln); err != nil &&
			err != http.ErrServerClosed {
			s.log.WithError(err).Error("HTTP server error")
		}
	}()

	return nil
}

// Stop gracefully shuts down the HTTP server.
func (s *server) Stop() error {
	close(s.done)

	if s.httpServer != nil {
		ctx, cancel := context.WithTimeout(
			context.Background(), shutdownTimeout,
		)
		defer cancel()

		if err := s.httpServer.Shutdown(ctx); err != nil {
			s.log.WithError(err).Warn("HTTP server shutdown error")
		}
	}

	s.wg.Wait()

	s.log.Info("API server stopped")

	return nil
}

// Addr implements Server.
func (s *server) Addr() string {
	if s.listener == nil {
		return ""
	}

	return s.listener.Addr().String()
}
