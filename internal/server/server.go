package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/wallflowercc/wallflower-atto/internal/atto"
)

type Server struct {
	log *slog.Logger
	cfg Config

	handler *Handler

	httpSrv      *http.Server
	shutdownOnce sync.Once
}

func New(log *slog.Logger, cfg Config) (*Server, error) {
	if log == nil {
		return nil, errors.New("logger is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	h, err := NewHandler(log, cfg)
	if err != nil {
		return nil, err
	}

	return &Server{
		log:     log,
		cfg:     cfg,
		handler: h,
	}, nil
}

// Bootstrap creates the configured network when it does not exist yet.
func (s *Server) Bootstrap(ctx context.Context) error {
	req := map[string]any{
		"network-details": map[string]any{"network-name": s.cfg.NetworkName},
	}
	msg := s.cfg.Gateway.Do(ctx, req, atto.OpCreate, atto.LevelNetwork, []string{s.cfg.NetworkID})
	switch msg.Code(atto.LevelNetwork) {
	case 201:
		s.log.Info("created default network", "network_id", s.cfg.NetworkID, "network_name", s.cfg.NetworkName)
		return nil
	case 304:
		return nil
	}
	return fmt.Errorf("failed to create network %s: %v", s.cfg.NetworkID, msg["network-error"])
}

func (s *Server) Start(ctx context.Context, cancel context.CancelFunc, listener net.Listener) <-chan error {
	errCh := make(chan error, 1)
	var wg sync.WaitGroup
	wg.Add(1)

	go func() {
		defer wg.Done()
		defer cancel()
		if err := s.Bootstrap(ctx); err != nil {
			s.log.Error("failed to bootstrap network", "error", err)
			errCh <- err
			return
		}
		if err := s.Serve(ctx, listener); err != nil {
			s.log.Error("server exited with error", "error", err)
			errCh <- err
		} else {
			s.log.Info("server stopped")
		}
	}()

	go func() {
		wg.Wait()
		close(errCh)
	}()

	return errCh
}

func (s *Server) Serve(ctx context.Context, listener net.Listener) error {
	s.httpSrv = &http.Server{
		Handler:           s.handler.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		s.shutdown()
	}()

	err := s.httpSrv.Serve(listener)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (s *Server) shutdown() {
	s.shutdownOnce.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
		defer cancel()
		if s.httpSrv != nil {
			_ = s.httpSrv.Shutdown(ctx)
		}
	})
}
