// Package chatbackend is the thin glue a desktop chat application embeds: it
// owns the single Pool instance for the process and refreshes it from the
// settings store whenever the UI saves a change. The chat pipeline consumes
// the catalogue through ListTools/CallTool; the settings screen uses
// TestServer.
package chatbackend

import (
	"context"
	"log/slog"

	"github.com/opalchat/mcp-toolpool/pkg/settings"
	"github.com/opalchat/mcp-toolpool/pkg/toolpool"
)

// PoolService wires one connection pool, its connector, and a tester into an
// application. The zero value is not usable; construct with NewPoolService.
type PoolService struct {
	pool   *toolpool.Pool
	tester *toolpool.Tester
	logger *slog.Logger

	settingsPath string
}

// NewPoolService builds the service around the settings file at path. No
// connections are opened until the first Refresh call.
func NewPoolService(path string, logger *slog.Logger) *PoolService {
	if logger == nil {
		logger = slog.Default()
	}
	connector := &toolpool.TransportConnector{Logger: logger}
	return &PoolService{
		pool:         toolpool.NewPool(connector, &toolpool.PoolOptions{Logger: logger}),
		tester:       &toolpool.Tester{Connector: connector, Logger: logger},
		logger:       logger,
		settingsPath: path,
	}
}

// Refresh re-reads the settings file and reconciles the pool against it. The
// manager does not watch for changes; the application calls Refresh whenever
// it believes the configuration may have changed (startup, settings saved).
// Unchanged configuration makes this a cheap no-op.
func (s *PoolService) Refresh(ctx context.Context) error {
	specs, err := settings.Load(s.settingsPath)
	if err != nil {
		// Per-entry validation failures degrade the list; the valid
		// remainder still reconciles.
		s.logger.Warn("settings contained invalid server entries", "error", err)
	}
	for _, warning := range settings.Lint(specs) {
		s.logger.Warn(warning)
	}
	return s.pool.EnsureReady(ctx, specs)
}

// ListTools returns the aggregated catalogue for the chat pipeline.
func (s *PoolService) ListTools() []toolpool.ToolDescriptor {
	return s.pool.ListTools()
}

// CallTool routes a tool invocation to the owning server connection.
func (s *PoolService) CallTool(ctx context.Context, name string, args map[string]any) (*toolpool.DispatchResult, error) {
	return s.pool.CallTool(ctx, name, args)
}

// TestServer probes a single candidate entry for the settings screen without
// touching the live pool.
func (s *PoolService) TestServer(ctx context.Context, entry settings.Server) toolpool.TestResult {
	spec, err := entry.Spec()
	if err != nil {
		return toolpool.TestResult{
			Server:  entry.Name,
			Success: false,
			Message: "the server configuration is invalid",
			Error:   err.Error(),
			Reason:  toolpool.ReasonInvalidSpec,
		}
	}
	return s.tester.Test(ctx, spec)
}

// Pool exposes the underlying pool for advanced integrations (for example,
// mounting the diagnostics HTTP service).
func (s *PoolService) Pool() *toolpool.Pool { return s.pool }

// Tester exposes the underlying tester.
func (s *PoolService) Tester() *toolpool.Tester { return s.tester }

// Close shuts the pool down, closing every live connection.
func (s *PoolService) Close() {
	s.pool.Shutdown()
}
