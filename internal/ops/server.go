package ops

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"go.uber.org/zap"

	"apollonia/pkg/logger"
)

// ShutdownTimeout bounds how long in-flight requests get on shutdown
const ShutdownTimeout = 5 * time.Second

// Server is the ops HTTP listener. A server with no port is disabled and
// every method is a no-op.
type Server struct {
	srv      *http.Server
	listener net.Listener
	logger   *zap.Logger
}

// NewServer creates a server for handler on port
func NewServer(port string, handler http.Handler, log *zap.Logger) *Server {
	s := &Server{logger: logger.OrDefault(log)}
	if port != "" {
		s.srv = &http.Server{
			Addr:              ":" + port,
			Handler:           handler,
			ReadHeaderTimeout: 5 * time.Second,
		}
	}
	return s
}

// Enabled reports whether a port was configured
func (s *Server) Enabled() bool {
	return s.srv != nil
}

// Addr returns the bound address once started
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Start binds the port and serves in the background
func (s *Server) Start() error {
	if s.srv == nil {
		return nil
	}

	ln, err := net.Listen("tcp", s.srv.Addr)
	if err != nil {
		return err
	}
	s.listener = ln

	go func() {
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("Ops server stopped", zap.Error(err))
		}
	}()

	s.logger.Info("Ops server started", zap.String("addr", ln.Addr().String()))
	return nil
}

// Shutdown stops accepting requests and waits for in-flight ones
func (s *Server) Shutdown(ctx context.Context) error {
	if s.srv == nil || s.listener == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}

// Run starts the server and shuts it down when ctx is done
func (s *Server) Run(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	if err := s.Start(); err != nil {
		return err
	}
	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), ShutdownTimeout)
	defer cancel()
	if err := s.Shutdown(shutdownCtx); err != nil {
		s.logger.Error("Ops server forced to shutdown", zap.Error(err))
	}
	return nil
}
