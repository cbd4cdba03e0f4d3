// Command detectd serves a single detector over HTTP.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/nvr-ai/go-detect/config"
	"github.com/nvr-ai/go-detect/detector"
	"github.com/nvr-ai/go-detect/events"
	"github.com/nvr-ai/go-detect/logging"
	"github.com/nvr-ai/go-detect/server"
)

func main() {
	configPath := flag.String("config", "", "YAML config file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "detectd: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	logger, err := logging.New(cfg.Log)
	if err != nil {
		return err
	}
	defer logger.Sync()
	cfg.Detector.Logger = logger

	det, err := detector.New(cfg.Detector)
	if err != nil {
		return err
	}
	defer func() {
		if err := det.Close(); err != nil {
			logger.Error("failed to close detector", zap.Error(err))
		}
	}()

	hub := events.NewHub(logger)
	defer hub.Close()
	opts := server.Options{
		MaxInputSide: cfg.MaxInputSide,
		MaxBodyBytes: cfg.Server.MaxBodyBytes,
		Hub:          hub,
	}
	if cfg.Events.Database != "" {
		store, err := events.Open(cfg.Events.Database)
		if err != nil {
			return err
		}
		defer store.Close()
		opts.History = store
		logger.Info("recording events", zap.String("database", cfg.Events.Database))
	}

	srv := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      server.New(det, logger, opts).Handler(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errc := make(chan error, 1)
	go func() {
		logger.Info("listening", zap.String("addr", srv.Addr), zap.String("detector_id", det.ID()))
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		if !errors.Is(err, http.ErrServerClosed) {
			return errors.Wrap(err, "serve")
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return errors.Wrap(err, "shutdown")
	}
	return nil
}
