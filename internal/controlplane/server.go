package controlplane

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"
)

const DefaultAddr = "127.0.0.1:9292"

type Config struct {
	Addr      string
	Token     string
	RateLimit string
}

// Server serves the control plane of one sync engine.
type Server struct {
	config   Config
	server   *http.Server
	listener net.Listener
}

// New builds the server. A missing token is generated and can be read back
// with Token.
func New(config Config, engine Engine) (*Server, error) {
	if config.Addr == "" {
		config.Addr = DefaultAddr
	}
	if config.Token == "" {
		config.Token = uuid.NewString()
	}

	routes, err := SetupRoutes(engine, &RouteConfig{
		Token:     config.Token,
		RateLimit: config.RateLimit,
	})
	if err != nil {
		return nil, fmt.Errorf("control plane routes: %w", err)
	}

	return &Server{
		config: config,
		server: &http.Server{
			Handler:           routes,
			ReadTimeout:       30 * time.Second,
			IdleTimeout:       120 * time.Second,
			ReadHeaderTimeout: 10 * time.Second,
			MaxHeaderBytes:    1 << 20,
		},
	}, nil
}

func (s *Server) Token() string {
	return s.config.Token
}

// Addr is the bound address once Start has been called.
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.config.Addr
}

// Listen binds the address. Start calls it when needed.
func (s *Server) Listen() error {
	if s.listener != nil {
		return nil
	}
	listener, err := net.Listen("tcp", s.config.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.config.Addr, err)
	}
	s.listener = listener
	return nil
}

// Start serves until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	if err := s.Listen(); err != nil {
		return err
	}
	slog.Info("control plane start", "addr", fmt.Sprintf("http://%s", s.Addr()))

	// event streams end with ctx
	s.server.BaseContext = func(net.Listener) context.Context { return ctx }

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.Serve(s.listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	slog.Info("control plane stop")
	return s.server.Shutdown(shutdownCtx)
}
