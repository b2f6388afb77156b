// agentrelay is the relay daemon: the single authoritative store of agent
// and task state that bridges publish to and observers subscribe to.
//
// Usage:
//
//	agentrelay [--config agentrelay.yaml] [--addr 127.0.0.1:8750] [--data-dir DIR] [--store file|sqlite]
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/ssd-technologies/agentrelay/internal/config"
	"github.com/ssd-technologies/agentrelay/internal/relay"
	"github.com/ssd-technologies/agentrelay/internal/storage"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "agentrelay: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	flags := pflag.NewFlagSet("agentrelay", pflag.ExitOnError)
	configPath := flags.String("config", "", "configuration file (default $AGENTRELAY_CONFIG)")
	addr := flags.String("addr", "", "listen address")
	dataDir := flags.String("data-dir", "", "data directory")
	store := flags.String("store", "", "persistence backend: file or sqlite")
	logLevel := flags.String("log-level", "", "log level: debug, info, warn, error")
	flags.Parse(os.Args[1:])

	cfg, err := config.Resolve(*configPath)
	if err != nil {
		return err
	}
	if *addr != "" {
		cfg.Relay.Addr = *addr
	}
	if *dataDir != "" {
		cfg.Relay.DataDir = *dataDir
	}
	if *store != "" {
		cfg.Relay.Store = *store
	}
	if *logLevel != "" {
		cfg.Log.Level = *logLevel
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	logger, err := config.NewLogger(os.Stderr, cfg.Log.Level)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)

	st, err := openStore(cfg.Relay)
	if err != nil {
		return err
	}

	r, err := relay.New(st, relay.WithLogger(logger), relay.WithQueueSize(cfg.Relay.QueueSize))
	if err != nil {
		st.Close()
		return err
	}
	defer r.Close()

	srv := relay.NewServer(r, relay.ServerConfig{
		Token:           cfg.Relay.Token,
		EventsPerMinute: cfg.Relay.EventsPerMinute,
		FramesPerMinute: cfg.Relay.FramesPerMinute,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go srv.Limiter().Run(ctx, time.Minute)

	httpServer := &http.Server{
		Addr:              cfg.Relay.Addr,
		Handler:           srv,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		logger.Info("relay listening", "addr", cfg.Relay.Addr, "store", cfg.Relay.Store, "data_dir", cfg.Relay.DataDir)
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve: %w", err)
		}
	case <-ctx.Done():
		logger.Info("shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return httpServer.Shutdown(shutdownCtx)
}

// openStore opens the configured persistence backend.
func openStore(cfg config.RelayConfig) (relay.Store, error) {
	switch cfg.Store {
	case "sqlite":
		if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
		db, err := storage.NewDB(filepath.Join(cfg.DataDir, "agentrelay.db"))
		if err != nil {
			return nil, fmt.Errorf("open database: %w", err)
		}
		return db, nil
	default:
		fs, err := storage.NewFileStore(cfg.DataDir, cfg.MaxLogBytes)
		if err != nil {
			return nil, fmt.Errorf("open file store: %w", err)
		}
		return fs, nil
	}
}
