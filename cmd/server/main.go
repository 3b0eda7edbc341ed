// Command server is the Rusty Timer central hub binary: it owns the
// canonical Postgres store, the Forwarder and Receiver websocket
// endpoints, and the REST+SSE control API (spec.md §4.4, §4.5, §6).
package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rustytimer/rusty-timer/internal/applog"
	"github.com/rustytimer/rusty-timer/internal/fanout"
	"github.com/rustytimer/rusty-timer/internal/ingestsvc"
	"github.com/rustytimer/rusty-timer/internal/serverapi"
	"github.com/rustytimer/rusty-timer/internal/serverconfig"
	"github.com/rustytimer/rusty-timer/internal/serverstore"
)

func main() {
	cfg, err := serverconfig.Load()
	if err != nil {
		log.Fatalf("server: config: %v", err)
	}
	logger := applog.New(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := serverstore.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Error("failed to open store", "error", err)
		os.Exit(1)
	}
	defer store.Close()

	hub := fanout.NewHub(fanout.WithHubLogger(logger))
	go hub.Run()

	registry := ingestsvc.NewRegistry()

	apiOpts := []serverapi.Option{serverapi.WithLogger(logger)}
	if cfg.DashboardDir != "" {
		logger.Info("serving dashboard", "dir", cfg.DashboardDir)
		apiOpts = append(apiOpts, serverapi.WithDashboardDir(cfg.DashboardDir))
	}
	api := serverapi.NewServer(cfg.BindAddr, store, hub, registry, apiOpts...)

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting", "bind_addr", cfg.BindAddr)
		if err := api.Start(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-errCh:
		logger.Error("server error", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := api.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", "error", err)
	}
	logger.Info("server stopped")
}
