// Command pool-example loads a settings file, reconciles the connection pool
// against it, and prints the aggregated tool catalogue.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/opalchat/mcp-toolpool/pkg/settings"
	"github.com/opalchat/mcp-toolpool/pkg/toolpool"
)

func main() {
	os.Exit(run())
}

func run() int {
	settingsPath := flag.String("settings", "settings.yaml", "path to the tool server settings file")
	flag.Parse()

	specs, err := settings.Load(*settingsPath)
	if err != nil {
		// Validation errors are per-entry; valid servers still load.
		slog.Warn("some server entries were skipped", "error", err)
	}
	for _, warning := range settings.Lint(specs) {
		slog.Warn(warning)
	}

	pool := toolpool.NewPool(&toolpool.TransportConnector{}, nil)
	defer pool.Shutdown()

	ctx := context.Background()
	if err := pool.EnsureReady(ctx, specs); err != nil {
		slog.Error("reconciliation failed", "error", err)
		return 1
	}

	for _, failed := range pool.LastReport().Failed() {
		fmt.Printf("unavailable: %s (%v)\n", failed.Server, failed.Err)
	}
	for _, status := range pool.Status() {
		fmt.Printf("server %s: %d tool(s)\n", status.Name, status.ToolCount)
	}
	for _, tool := range pool.ListTools() {
		fmt.Printf("  %s: %s\n", tool.Name, tool.Description)
	}
	return 0
}
