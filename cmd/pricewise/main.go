package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Jeskrill/PriceWiseApi/api"
	"github.com/Jeskrill/PriceWiseApi/browser"
	"github.com/Jeskrill/PriceWiseApi/config"
	"github.com/Jeskrill/PriceWiseApi/cooldown"
	"github.com/Jeskrill/PriceWiseApi/fetch"
	"github.com/Jeskrill/PriceWiseApi/search"
)

func main() {
	// ── 1. Load configuration ───────────────────────────────────────
	cfg := config.Load()

	// ── 2. Initialise structured logging ────────────────────────────
	initLogger(cfg.Log)
	slog.Info("pricewise starting",
		"host", cfg.Server.Host,
		"port", cfg.Server.Port,
		"mode", cfg.Server.Mode,
		"search_timeout", cfg.Search.Timeout,
	)

	// ── 3. Shared leaves: client pool, browser gateway, cooldowns ──
	pool := fetch.NewPool(cfg)
	defer pool.Close()

	gateway := browser.NewGateway(cfg)
	defer gateway.Close()

	cooldowns := cooldown.NewRegistry()

	// ── 4. Search orchestrator ─────────────────────────────────────
	svc := search.NewService(cfg, pool, gateway, cooldowns)

	// ── 5. Router and HTTP server ──────────────────────────────────
	startTime := time.Now()
	router := api.NewRouter(svc, cfg, startTime)

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	srv := &http.Server{
		Addr:    addr,
		Handler: router,
	}

	go func() {
		slog.Info("HTTP server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("HTTP server error", "error", err)
			os.Exit(1)
		}
	}()

	// ── 6. Graceful shutdown ───────────────────────────────────────
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit
	slog.Info("shutdown signal received", "signal", sig.String())

	// Give in-flight requests 5 seconds to complete. Background fan-out
	// stragglers are abandoned by design.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("HTTP server forced shutdown", "error", err)
	} else {
		slog.Info("HTTP server drained gracefully")
	}

	// pool.Close() and gateway.Close() run via defer.
	slog.Info("pricewise stopped")
}

// initLogger configures slog based on the LogConfig.
func initLogger(cfg config.LogConfig) {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	if cfg.Format == "text" {
		handler = slog.NewTextHandler(os.Stdout, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}

	slog.SetDefault(slog.New(handler))
}
