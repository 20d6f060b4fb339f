// Package diaghttp exposes the connection manager's diagnostics over a small
// local HTTP JSON API for the configuration UI: probing candidate server
// specs without touching the shared pool, and inspecting the pool's current
// catalogue and status. Desktop UIs load from a renderer origin, so every
// route is CORS-wrapped.
package diaghttp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/rs/cors"

	"github.com/opalchat/mcp-toolpool/pkg/settings"
	"github.com/opalchat/mcp-toolpool/pkg/toolpool"
)

// Options configure a Service instance.
type Options struct {
	// Addr controls the listen address used by ListenAndServe.
	// Defaults to "127.0.0.1:8711"; the API is meant for the local UI only.
	Addr string

	// AllowedOrigins restricts CORS. Defaults to allowing any origin, which
	// is acceptable for a loopback-only diagnostics surface.
	AllowedOrigins []string

	// TestTimeout bounds each individual connection probe. Defaults to 15s.
	TestTimeout time.Duration

	// Logger receives structured diagnostics. Defaults to slog.Default().
	Logger *slog.Logger
}

func (o *Options) withDefaults() Options {
	if o == nil {
		o = &Options{}
	}
	opts := *o
	if opts.Addr == "" {
		opts.Addr = "127.0.0.1:8711"
	}
	if len(opts.AllowedOrigins) == 0 {
		opts.AllowedOrigins = []string{"*"}
	}
	if opts.TestTimeout <= 0 {
		opts.TestTimeout = 15 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return opts
}

// Service serves the diagnostics API for one pool/tester pair.
type Service struct {
	pool   *toolpool.Pool
	tester *toolpool.Tester
	opts   Options

	handler http.Handler

	httpServerMu sync.Mutex
	httpServer   *http.Server
}

// NewService builds a Service around the given pool and tester.
func NewService(pool *toolpool.Pool, tester *toolpool.Tester, opts *Options) (*Service, error) {
	if pool == nil {
		return nil, fmt.Errorf("diaghttp: pool is required")
	}
	if tester == nil {
		return nil, fmt.Errorf("diaghttp: tester is required")
	}
	s := &Service{pool: pool, tester: tester, opts: opts.withDefaults()}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/test", s.handleTest)
	mux.HandleFunc("POST /api/test-all", s.handleTestAll)
	mux.HandleFunc("GET /api/tools", s.handleTools)
	mux.HandleFunc("GET /api/status", s.handleStatus)

	s.handler = cors.New(cors.Options{
		AllowedOrigins: s.opts.AllowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost},
		AllowedHeaders: []string{"Content-Type"},
	}).Handler(mux)

	return s, nil
}

// Handler exposes the HTTP handler serving the diagnostics routes.
func (s *Service) Handler() http.Handler { return s.handler }

// ListenAndServe runs an HTTP server until the provided context is cancelled
// or the server stops.
func (s *Service) ListenAndServe(ctx context.Context) error {
	s.httpServerMu.Lock()
	if s.httpServer != nil {
		srv := s.httpServer
		s.httpServerMu.Unlock()
		return fmt.Errorf("diaghttp: server already running on %s", srv.Addr)
	}
	srv := &http.Server{Addr: s.opts.Addr, Handler: s.handler}
	s.httpServer = srv
	s.httpServerMu.Unlock()
	defer func() {
		s.httpServerMu.Lock()
		if s.httpServer == srv {
			s.httpServer = nil
		}
		s.httpServerMu.Unlock()
	}()

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// Shutdown stops the embedded HTTP server if it is running.
func (s *Service) Shutdown(ctx context.Context) error {
	s.httpServerMu.Lock()
	srv := s.httpServer
	s.httpServer = nil
	s.httpServerMu.Unlock()
	if srv == nil {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	return srv.Shutdown(ctx)
}

// handleTest probes one candidate server entry.
func (s *Service) handleTest(w http.ResponseWriter, r *http.Request) {
	var entry settings.Server
	if err := json.NewDecoder(r.Body).Decode(&entry); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid request body: %w", err))
		return
	}
	spec, err := entry.Spec()
	if err != nil {
		// Still a 200: an invalid spec is a test outcome, not an API error.
		writeJSON(w, toolpool.TestResult{
			Server:  entry.Name,
			Success: false,
			Message: "the server configuration is invalid",
			Error:   err.Error(),
			Reason:  toolpool.ReasonInvalidSpec,
		})
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), s.opts.TestTimeout)
	defer cancel()
	writeJSON(w, s.tester.Test(ctx, spec))
}

// handleTestAll probes a list of entries sequentially.
func (s *Service) handleTestAll(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Servers []settings.Server `json:"servers"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid request body: %w", err))
		return
	}

	results := make(map[string]toolpool.TestResult, len(body.Servers))
	for _, entry := range body.Servers {
		spec, err := entry.Spec()
		if err != nil {
			results[entry.Name] = toolpool.TestResult{
				Server:  entry.Name,
				Success: false,
				Message: "the server configuration is invalid",
				Error:   err.Error(),
				Reason:  toolpool.ReasonInvalidSpec,
			}
			continue
		}
		probe := func() toolpool.TestResult {
			ctx, cancel := context.WithTimeout(r.Context(), s.opts.TestTimeout)
			defer cancel()
			return s.tester.Test(ctx, spec)
		}
		results[entry.Name] = probe()
	}
	writeJSON(w, results)
}

// handleTools returns the pool's current flattened catalogue.
func (s *Service) handleTools(w http.ResponseWriter, r *http.Request) {
	tools := s.pool.ListTools()
	if tools == nil {
		tools = []toolpool.ToolDescriptor{}
	}
	writeJSON(w, struct {
		Tools []toolpool.ToolDescriptor `json:"tools"`
	}{Tools: tools})
}

// handleStatus returns the pool's fingerprint and per-server summaries.
func (s *Service) handleStatus(w http.ResponseWriter, r *http.Request) {
	status := s.pool.Status()
	if status == nil {
		status = []toolpool.ServerStatus{}
	}
	report := s.pool.LastReport()
	failed := make([]string, 0)
	for _, res := range report.Failed() {
		failed = append(failed, res.Server)
	}
	writeJSON(w, struct {
		Fingerprint string                  `json:"fingerprint"`
		Servers     []toolpool.ServerStatus `json:"servers"`
		Failed      []string                `json:"failed"`
	}{
		Fingerprint: s.pool.CurrentFingerprint(),
		Servers:     status,
		Failed:      failed,
	})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
}
