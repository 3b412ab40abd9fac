// Package server runs the HTTP listener of the chat service and shuts it
// down gracefully, closing the hub and the backing stores in order.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"
)

// Closer releases one resource during shutdown.
type Closer struct {
	Name  string
	Close func(ctx context.Context) error
}

type Options struct {
	Addr         string
	Handler      http.Handler
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
	Logger       zerolog.Logger

	// Closers run in order after the listener stopped.
	Closers []Closer
}

type Server struct {
	server    *http.Server
	closers   []Closer
	logger    zerolog.Logger
	mutex     sync.RWMutex
	isRunning bool
	listener  net.Listener
	done      chan error
}

// New creates a server for opts.Handler. An empty address listens on :8080.
func New(opts Options) *Server {
	addr := opts.Addr
	if addr == "" {
		addr = ":8080"
	}
	return &Server{
		closers: opts.Closers,
		logger:  opts.Logger,
		server: &http.Server{
			Addr:         addr,
			Handler:      opts.Handler,
			ReadTimeout:  opts.ReadTimeout,
			WriteTimeout: opts.WriteTimeout,
			IdleTimeout:  opts.IdleTimeout,
		},
	}
}

// Start begins listening in the background.
func (s *Server) Start() error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if s.isRunning {
		return errors.New("server is already running")
	}

	listener, err := net.Listen("tcp", s.server.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.server.Addr, err)
	}
	s.listener = listener
	s.isRunning = true
	s.done = make(chan error, 1)

	go func(done chan error) {
		err := s.server.Serve(listener)
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}

		s.mutex.Lock()
		s.isRunning = false
		s.mutex.Unlock()

		done <- err
	}(s.done)

	s.logger.Info().Str("addr", listener.Addr().String()).Msg("server listening")
	return nil
}

// Addr is the address the server listens on once started.
func (s *Server) Addr() string {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	if s.listener == nil {
		return s.server.Addr
	}
	return s.listener.Addr().String()
}

// Listen starts the server and blocks until SIGINT, SIGTERM, ctx is done or
// the listener fails, then shuts down within timeout.
func (s *Server) Listen(ctx context.Context, timeout time.Duration) error {
	if err := s.Start(); err != nil {
		return err
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(quit)

	s.mutex.RLock()
	done := s.done
	s.mutex.RUnlock()

	select {
	case sig := <-quit:
		s.logger.Info().Str("signal", sig.String()).Msg("shutting down")
	case <-ctx.Done():
		s.logger.Info().Msg("context cancelled, shutting down")
	case err := <-done:
		if err != nil {
			return fmt.Errorf("server stopped unexpectedly: %w", err)
		}
	}
	return s.Stop(timeout)
}

func (s *Server) IsRunning() bool {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	return s.isRunning
}

// Stop shuts the listener down, waiting up to timeout for in-flight requests,
// then runs the closers. Every closer runs even when an earlier one failed.
func (s *Server) Stop(timeout time.Duration) error {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	var errs []error
	if s.IsRunning() {
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("http server shutdown failed: %w", err))
		}
	}

	for _, closer := range s.closers {
		if err := closer.Close(shutdownCtx); err != nil {
			s.logger.Warn().Err(err).Str("resource", closer.Name).Msg("failed to close")
			errs = append(errs, fmt.Errorf("%s: %w", closer.Name, err))
		}
	}
	s.closers = nil

	s.logger.Info().Msg("server stopped")
	return errors.Join(errs...)
}
