package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v3"

	"github.com/zhouzirui/z-relay/backend/internal/config"
	"github.com/zhouzirui/z-relay/backend/internal/handler"
	"github.com/zhouzirui/z-relay/backend/internal/handler/ws"
	"github.com/zhouzirui/z-relay/backend/internal/service/auth"
	chatservice "github.com/zhouzirui/z-relay/backend/internal/service/chat"
	"github.com/zhouzirui/z-relay/backend/internal/service/registry"
	"github.com/zhouzirui/z-relay/backend/internal/service/relay"
)

const (
	shutdownTimeout = 10 * time.Second
	drainTimeout    = 3 * time.Second
)

func runServe(ctx context.Context, _ *cli.Command) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if err := setupLogger(cfg.Log); err != nil {
		return err
	}
	logger := log.Logger

	verifier, err := auth.NewVerifier([]byte(cfg.Auth.JWTSecret), auth.WithInsecureTestTokens(cfg.Auth.AllowInsecureTestTokens))
	if err != nil {
		return fmt.Errorf("%w: %v", config.ErrInvalid, err)
	}
	if verifier.InsecureTestTokens() {
		logger.Warn().Msg("insecure test tokens enabled, do not use in production")
	}

	gateway, closeStore, err := openStore(cfg.Store, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	reg := registry.New(logger)
	manager := relay.NewManager(verifier, reg, gateway, logger)
	wsHandler := ws.New(manager, ws.Options{
		MaxMessageSize: cfg.Socket.MaxMessageSize,
		SendBuffer:     cfg.Socket.SendBufferSize,
		WriteTimeout:   cfg.Socket.WriteTimeout,
		PongTimeout:    cfg.Socket.PongTimeout,
	}, logger)
	router := handler.NewRouter(wsHandler, reg)

	srv := &http.Server{
		Addr:              cfg.Server.Addr(),
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       120 * time.Second,
		// WebSocket handlers watch the request context, which derives from this one.
		BaseContext: func(net.Listener) context.Context { return ctx },
	}

	logger.Info().Str("addr", srv.Addr).Str("store", cfg.Store.Driver).Msg("z-relay listening")
	err = runServer(ctx, srv)

	reg.Close()
	waitDrained(reg, drainTimeout)
	logger.Info().Msg("server stopped")
	return err
}

// openStore returns the configured gateway and the function that releases it.
func openStore(cfg config.StoreConfig, logger zerolog.Logger) (chatservice.Gateway, func(), error) {
	switch cfg.Driver {
	case "memory":
		return chatservice.NewMemoryStore(), func() {}, nil
	default:
		store, err := chatservice.OpenBadger(cfg.BadgerPath, logger)
		if err != nil {
			return nil, nil, fmt.Errorf("open badger at %s: %w", cfg.BadgerPath, err)
		}
		return store, func() {
			if err := store.Close(); err != nil {
				logger.Error().Err(err).Msg("close badger")
			}
		}, nil
	}
}

func runServer(ctx context.Context, srv *http.Server) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		err := <-errCh
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// waitDrained gives hijacked WebSocket handlers time to run their release path
// before the store underneath them is closed.
func waitDrained(reg *registry.Registry, timeout time.Duration) {
	deadline := time.Now().Add(timeout)
	for reg.Len() > 0 && time.Now().Before(deadline) {
		time.Sleep(50 * time.Millisecond)
	}
}
