package admin

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/rs/zerolog"
)

const shutdownGrace = 5 * time.Second

// Server runs the admin router until its context ends.
type Server struct {
	addr   string
	http   *http.Server
	logger zerolog.Logger
}

func NewServer(addr string, src Source, cfg RouterConfig) *Server {
	return &Server{
		addr: addr,
		http: &http.Server{
			Addr:              addr,
			Handler:           NewRouter(src, cfg),
			ReadHeaderTimeout: 5 * time.Second,
		},
		logger: cfg.Logger,
	}
}

// Handler exposes the router for in-process tests.
func (s *Server) Handler() http.Handler {
	return s.http.Handler
}

// Run listens on the configured address and shuts down gracefully when ctx
// is cancelled.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("addr", ln.Addr().String()).Msg("admin.Server listening")
		errCh <- s.http.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := s.http.Shutdown(shutdownCtx); err != nil {
		return err
	}
	<-errCh
	s.logger.Info().Msg("admin.Server stopped")
	return nil
}
