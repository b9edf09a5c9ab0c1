package httptransport

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"postkeeper/internal/platform/logging"
)

const shutdownTimeout = 5 * time.Second

// Server runs an http.Handler until its context ends.
type Server struct {
	addr    string
	handler http.Handler
	logger  logging.Interface
	onStop  func()

	httpSrv *http.Server
	ln      net.Listener
}

// NewServer builds a server. onStop, when set, runs after the listener has
// shut down, for closing long-lived streams.
func NewServer(addr string, handler http.Handler, logger logging.Interface, onStop func()) *Server {
	return &Server{addr: addr, handler: handler, logger: logging.OrDiscard(logger), onStop: onStop}
}

// Listen binds the address so Addr is known before Serve.
func (s *Server) Listen() error {
	if s.ln != nil {
		return nil
	}
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	s.ln = ln
	return nil
}

func (s *Server) Addr() string {
	if s.ln != nil {
		return s.ln.Addr().String()
	}
	return s.addr
}

// Serve blocks until ctx is done, then shuts down gracefully.
func (s *Server) Serve(ctx context.Context) error {
	if err := s.Listen(); err != nil {
		return err
	}
	s.httpSrv = &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeoutCause(context.Background(), shutdownTimeout, context.Cause(ctx))
		defer cancel()
		_ = s.httpSrv.Shutdown(shutdownCtx)
		if s.onStop != nil {
			s.onStop()
		}
	}()

	s.logger.Info("[HTTP] control API listening on %s", s.Addr())
	err := s.httpSrv.Serve(s.ln)
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
