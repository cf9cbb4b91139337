// This file contains the Server type, which runs the HTTP listener in front
// of the gateway and coordinates graceful shutdown.
package gateway

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/founditure/realtime/internal/protocol"
)

type Server struct {
	server    *http.Server
	gateway   *Gateway
	mutex     sync.RWMutex
	isRunning bool
	errs      chan error
}

// NewServer hosts handler, normally the API router that mounts the
// gateway at /ws. Websocket connections are hijacked from the HTTP server,
// so Stop shuts the gateway down separately.
func NewServer(options *ServerOptions, handler http.Handler, gw *Gateway) *Server {
	addr := options.ServerAddr
	if addr == "" {
		addr = ":8080"
	}
	return &Server{
		gateway: gw,
		errs:    make(chan error, 1),
		server: &http.Server{
			Addr:         addr,
			Handler:      handler,
			ReadTimeout:  options.ServerReadTimeout,
			WriteTimeout: options.ServerWriteTimeout,
			IdleTimeout:  options.ServerIdleTimeout,
			TLSConfig:    options.ServerTLSConfig,
		},
	}
}

// Start begins listening in the background and returns immediately.
func (s *Server) Start() error {
	s.mutex.Lock()

	if s.isRunning {
		s.mutex.Unlock()

		return protocol.Internal("server is already running")
	}
	s.isRunning = true
	s.mutex.Unlock()

	go func() {
		var err error
		if s.server.TLSConfig != nil {
			err = s.server.ListenAndServeTLS("", "")
		} else {
			err = s.server.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.errs <- err
		}

		s.mutex.Lock()

		s.isRunning = false
		s.mutex.Unlock()
	}()

	return nil
}

// Listen starts the server and blocks until SIGINT or SIGTERM, or until
// the listener fails.
func (s *Server) Listen() error {
	if err := s.Start(); err != nil {
		return err
	}
	quit := make(chan os.Signal, 1)

	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-quit:
	case err := <-s.errs:
		return protocol.Wrap(err, "http server failed")
	}
	if err := s.Stop(30 * time.Second); err != nil {
		return protocol.Wrap(err, "error during server shutdown")
	}
	return nil
}

func (s *Server) IsRunning() bool {
	s.mutex.RLock()

	defer s.mutex.RUnlock()

	return s.isRunning
}

// Stop refuses new requests, closes every websocket and waits up to
// timeout for connection teardown to complete.
func (s *Server) Stop(timeout time.Duration) error {
	s.mutex.RLock()
	running := s.isRunning
	s.mutex.RUnlock()

	if !running {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)

	defer cancel()

	var errs []error
	if err := s.server.Shutdown(ctx); err != nil {
		errs = append(errs, protocol.Wrap(err, "http server shutdown failed"))
	}
	if s.gateway != nil {
		if err := s.gateway.Shutdown(ctx); err != nil {
			errs = append(errs, protocol.Wrap(err, "gateway shutdown failed"))
		}
	}
	return protocol.Combine(errs...)
}
