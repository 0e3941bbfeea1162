package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"chat_relay/internal"
	"chat_relay/internal/auth"
	"chat_relay/internal/config"
	"chat_relay/internal/database"
	"chat_relay/internal/hub"
	"chat_relay/internal/logging"
)

func main() {
	if err := run(); err != nil {
		slog.Error("server stopped", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load(".env")
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger, err := logging.New(os.Stdout, cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	h := hub.NewHub(ctx,
		hub.WithQueueSize(cfg.HubQueueSize),
		hub.WithEmptyRoomReaping(cfg.ReapEmptyRooms),
	)
	go h.Run()

	opts := []ControllerOption{WithClientConfig(clientConfig(cfg))}

	if cfg.DatabaseDSN != "" {
		db, err := database.Open(cfg.DatabaseDSN)
		if err != nil {
			return err
		}
		defer func() {
			if err := database.Close(db); err != nil {
				slog.Error("failed to close database", "error", err)
			}
		}()
		opts = append(opts, WithRecorder(database.NewConnectionLog(db)))
	}

	if cfg.AppSecret != "" {
		opts = append(opts, WithValidator(auth.NewJWTValidator([]byte(cfg.AppSecret)), cfg.AuthRequired))
	}

	policy := newCORS(cfg.AllowedOrigins)
	controller := NewController(ctx, h, newUpgrader(policy), opts...)

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           NewHandler(controller, policy),
		ReadHeaderTimeout: 10 * time.Second,
	}
	if cfg.TLSEnabled() {
		tlsConfig, err := internal.LoadTLSConfig(cfg.TLSCertFile, cfg.TLSKeyFile)
		if err != nil {
			return err
		}
		srv.TLSConfig = tlsConfig
	}

	errCh := make(chan error, 1)
	go func() {
		defer close(errCh)
		slog.Info("Server starting", "addr", cfg.Addr, "tls", cfg.TLSEnabled())

		var err error
		if cfg.TLSEnabled() {
			err = srv.ListenAndServeTLS("", "")
		} else {
			err = srv.ListenAndServe()
		}
		if !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("listen: %w", err)
	case <-ctx.Done():
	}

	slog.Info("Shutting down", "timeout", cfg.ShutdownTimeout)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}

	select {
	case <-h.Done():
	case <-shutdownCtx.Done():
	}
	return nil
}

func clientConfig(cfg config.Config) hub.ClientConfig {
	return hub.ClientConfig{
		SendBuffer:     cfg.SendBuffer,
		Overflow:       hub.OverflowPolicy(cfg.SlowConsumerPolicy),
		MaxMessageSize: cfg.MaxMessageSize,
		WriteWait:      cfg.WriteWait,
		PongWait:       cfg.PongWait,
		PingInterval:   cfg.PingInterval,
	}
}
