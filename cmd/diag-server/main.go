// Command diag-server runs the local diagnostics HTTP service consumed by the
// configuration UI. It reconciles the pool from the settings file once at
// startup and then serves probe and status endpoints until interrupted.
package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/opalchat/mcp-toolpool/pkg/diaghttp"
	"github.com/opalchat/mcp-toolpool/pkg/settings"
	"github.com/opalchat/mcp-toolpool/pkg/toolpool"
)

func main() {
	os.Exit(run())
}

func run() int {
	settingsPath := flag.String("settings", "settings.yaml", "path to the tool server settings file")
	addr := flag.String("addr", "127.0.0.1:8711", "listen address for the diagnostics API")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	specs, err := settings.Load(*settingsPath)
	if err != nil {
		slog.Warn("some server entries were skipped", "error", err)
	}

	connector := &toolpool.TransportConnector{}
	pool := toolpool.NewPool(connector, nil)
	defer pool.Shutdown()
	tester := &toolpool.Tester{Connector: connector}

	if err := pool.EnsureReady(ctx, specs); err != nil {
		slog.Error("initial reconciliation failed", "error", err)
		return 1
	}

	service, err := diaghttp.NewService(pool, tester, &diaghttp.Options{Addr: *addr})
	if err != nil {
		slog.Error("failed to build diagnostics service", "error", err)
		return 1
	}

	slog.Info("diagnostics API listening", "addr", *addr)
	if err := service.ListenAndServe(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("diagnostics server stopped", "error", err)
		return 1
	}
	return 0
}
