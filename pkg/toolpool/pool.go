package toolpool

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

// reconcileKey is the single-flight key shared by all reconciliations of one
// pool; there is never more than one rebuild in flight per pool.
const reconcileKey = "reconcile"

// PoolOptions configure a Pool instance.
type PoolOptions struct {
	// Logger receives structured diagnostics. Defaults to slog.Default().
	Logger *slog.Logger

	// Metrics receives pool instrumentation. Defaults to DefaultMetrics(),
	// which is a no-op unless an OTel SDK is installed.
	Metrics *Metrics
}

// ServerResult records the per-server outcome of one reconciliation pass.
// A nil Err means the server connected and its catalogue was imported.
type ServerResult struct {
	Server    string
	ToolCount int
	Err       error
}

// Report is the aggregated outcome of the most recent reconciliation,
// retained so that callers (and tests) can inspect partial failures that were
// deliberately recovered rather than surfaced as errors.
type Report struct {
	// Generation uniquely identifies the rebuild pass, for log correlation.
	Generation string

	// Fingerprint is the configuration fingerprint the pass applied.
	Fingerprint string

	// Results holds one entry per deduplicated spec, in input order.
	Results []ServerResult

	// Started and Elapsed time the pass.
	Started time.Time
	Elapsed time.Duration
}

// Failed returns the results whose connection attempt failed.
func (r Report) Failed() []ServerResult {
	var out []ServerResult
	for _, res := range r.Results {
		if res.Err != nil {
			out = append(out, res)
		}
	}
	return out
}

// Pool owns the live set of tool server connections and reconciles it against
// the desired configuration on demand. It is the single mutable hub of the
// package: construct one per application at the composition root and inject
// it into whatever consumes the catalogue.
//
// All methods are safe for concurrent use. Reads (Catalog, ListTools,
// CallTool, Status) take a snapshot and never block on an in-flight
// reconciliation.
type Pool struct {
	connector Connector
	logger    *slog.Logger
	metrics   *Metrics

	// group coalesces concurrent EnsureReady callers onto one rebuild;
	// rebuildMu serializes the rebuild body against Shutdown.
	group     singleflight.Group
	rebuildMu sync.Mutex

	mu          sync.RWMutex
	conns       map[string]*ServerConnection
	order       []string
	fingerprint string
	report      Report
}

// NewPool constructs a Pool that dials servers through connector.
func NewPool(connector Connector, opts *PoolOptions) *Pool {
	var o PoolOptions
	if opts != nil {
		o = *opts
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.Metrics == nil {
		o.Metrics = DefaultMetrics()
	}
	return &Pool{
		connector:   connector,
		logger:      o.Logger,
		metrics:     o.Metrics,
		conns:       make(map[string]*ServerConnection),
		fingerprint: FingerprintUnknown,
	}
}

// CurrentFingerprint returns the fingerprint of the last applied
// configuration, or FingerprintUnknown when no configuration is applied.
func (p *Pool) CurrentFingerprint() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.fingerprint
}

// LastReport returns the outcome of the most recent reconciliation pass.
func (p *Pool) LastReport() Report {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.report
}

// EnsureReady reconciles the pool against specs. It is idempotent with
// respect to unchanged configuration: when the fingerprint of specs matches
// the last applied one the call returns immediately without touching any
// connection.
//
// When the configuration did change, exactly one caller executes the rebuild
// while concurrent callers await the same in-flight pass. A caller whose
// context is cancelled while waiting detaches and returns ctx.Err(); the
// rebuild itself is never aborted, because other waiters (and the pool's
// consistency) depend on it running to completion.
//
// Per-server connect failures never fail EnsureReady; the failing server is
// absent from the catalogue and recorded in LastReport. Only a
// *ReconciliationError, an unexpected failure of the rebuild bookkeeping
// itself, is returned, after resetting the fingerprint so the next call
// retries.
func (p *Pool) EnsureReady(ctx context.Context, specs []ServerSpec) error {
	want := Fingerprint(specs)
	for {
		if p.CurrentFingerprint() == want {
			return nil
		}
		ch := p.group.DoChan(reconcileKey, func() (any, error) {
			// Detach from the initiating caller: an abandoned rebuild must
			// still complete for the waiters that share it.
			return nil, p.reconcile(context.WithoutCancel(ctx), specs, want)
		})
		select {
		case <-ctx.Done():
			return ctx.Err()
		case res := <-ch:
			if res.Err != nil {
				return res.Err
			}
		}
		// The pass we shared may have applied someone else's configuration.
		// Loop: either the fingerprint now matches and we are done, or we
		// start a pass of our own.
	}
}

// reconcile tears down the current connection set and rebuilds it from specs.
// It runs outside the pool's read lock; readers observe either the old set or
// the new one, never a partially-built intermediate.
func (p *Pool) reconcile(ctx context.Context, specs []ServerSpec, want string) (err error) {
	p.rebuildMu.Lock()
	defer p.rebuildMu.Unlock()

	generation := uuid.NewString()
	started := time.Now()

	defer func() {
		if r := recover(); r != nil {
			p.mu.Lock()
			p.fingerprint = FingerprintUnknown
			p.mu.Unlock()
			err = &ReconciliationError{Generation: generation, Err: fmt.Errorf("panic: %v", r)}
			p.logger.Error("reconciliation panicked", "reconcile_id", generation, "error", err)
			p.metrics.recordReconcile(ctx, time.Since(started), "error")
		}
	}()

	// The fast path may have been satisfied by a pass that finished while we
	// were queued behind it.
	if p.CurrentFingerprint() == want {
		return nil
	}

	// Snapshot and clear, then close everything best-effort. A close failure
	// for one connection never prevents closing the others; Close logs and
	// swallows individual errors.
	p.mu.Lock()
	old := p.conns
	p.conns = make(map[string]*ServerConnection)
	p.order = nil
	p.mu.Unlock()
	for _, conn := range old {
		conn.Close()
		p.metrics.addActive(ctx, -1)
	}

	deduped := dedupeByName(specs)
	if len(deduped) == 0 {
		p.mu.Lock()
		p.fingerprint = want
		p.report = Report{Generation: generation, Fingerprint: want, Started: started, Elapsed: time.Since(started)}
		p.mu.Unlock()
		p.logger.Info("pool reconciled to empty configuration", "reconcile_id", generation)
		p.metrics.recordReconcile(ctx, time.Since(started), "ok")
		return nil
	}

	// Connect every spec independently; a failing server is omitted from the
	// pool, not fatal to the pass.
	results := make([]ServerResult, len(deduped))
	conns := make([]*ServerConnection, len(deduped))
	g, gctx := errgroup.WithContext(ctx)
	for i, spec := range deduped {
		g.Go(func() error {
			results[i].Server = spec.base().Name
			if verr := spec.Validate(); verr != nil {
				results[i].Err = verr
				return nil
			}
			conn, cerr := p.connector.Connect(gctx, spec)
			if cerr != nil {
				results[i].Err = cerr
				return nil
			}
			conns[i] = conn
			results[i].ToolCount = len(conn.Tools())
			return nil
		})
	}
	_ = g.Wait() // individual failures are soft, the group never errors

	next := make(map[string]*ServerConnection, len(deduped))
	var order []string
	for i, conn := range conns {
		if conn == nil {
			p.logger.Warn("tool server unavailable",
				"reconcile_id", generation,
				"server", results[i].Server,
				"error", results[i].Err,
			)
			p.metrics.connectFailure(ctx, results[i].Server)
			continue
		}
		next[conn.Name()] = conn
		order = append(order, conn.Name())
		p.metrics.addActive(ctx, 1)
	}

	elapsed := time.Since(started)
	p.mu.Lock()
	p.conns = next
	p.order = order
	p.fingerprint = want
	p.report = Report{Generation: generation, Fingerprint: want, Results: results, Started: started, Elapsed: elapsed}
	p.mu.Unlock()

	p.logger.Info("pool reconciled",
		"reconcile_id", generation,
		"servers", len(order),
		"failed", len(deduped)-len(order),
		"elapsed", elapsed,
	)
	p.metrics.recordReconcile(ctx, elapsed, "ok")
	return nil
}

// Shutdown closes every connection and resets the pool to its initial state.
// The fingerprint reverts to FingerprintUnknown, so a later EnsureReady with
// any configuration performs a real rebuild.
func (p *Pool) Shutdown() {
	p.rebuildMu.Lock()
	defer p.rebuildMu.Unlock()

	p.mu.Lock()
	old := p.conns
	p.conns = make(map[string]*ServerConnection)
	p.order = nil
	p.fingerprint = FingerprintUnknown
	p.report = Report{}
	p.mu.Unlock()

	for _, conn := range old {
		conn.Close()
		p.metrics.addActive(context.Background(), -1)
	}
	if len(old) > 0 {
		p.logger.Info("pool shut down", "closed", len(old))
	}
}

// Catalog returns a read-only snapshot of the aggregated tool catalogue. The
// snapshot stays valid (listing the tools it captured) even if the pool
// reconciles afterwards, though invocations against removed servers will
// fail at the transport level.
func (p *Pool) Catalog() *Catalog {
	p.mu.RLock()
	defer p.mu.RUnlock()
	entries := make([]*ServerConnection, 0, len(p.order))
	for _, name := range p.order {
		if conn, ok := p.conns[name]; ok {
			entries = append(entries, conn)
		}
	}
	return &Catalog{conns: entries}
}

// ServerStatus summarizes one live connection for UIs.
type ServerStatus struct {
	Name      string `json:"name"`
	ToolCount int    `json:"toolCount"`
}

// Status returns a summary of every live connection in pool order.
func (p *Pool) Status() []ServerStatus {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]ServerStatus, 0, len(p.order))
	for _, name := range p.order {
		if conn, ok := p.conns[name]; ok {
			out = append(out, ServerStatus{Name: name, ToolCount: len(conn.tools)})
		}
	}
	return out
}

// ListTools returns the flattened tool catalogue across all connections.
func (p *Pool) ListTools() []ToolDescriptor {
	return p.Catalog().Tools()
}

// MissReason explains a CallTool miss.
type MissReason string

const (
	// MissNoServers means the pool currently holds no connections at all.
	MissNoServers MissReason = "no_servers"

	// MissUnknownTool means servers are connected but none advertises the
	// requested tool.
	MissUnknownTool MissReason = "unknown_tool"
)

// DispatchResult is the structured outcome of CallTool.
type DispatchResult struct {
	Found  bool        `json:"found"`
	Miss   MissReason  `json:"miss,omitempty"`
	Server string      `json:"server,omitempty"`
	Result *ToolResult `json:"result,omitempty"`
}

// CallTool resolves name against the current catalogue and invokes it on the
// owning connection. A miss is not an error: the result distinguishes "no
// servers configured" from "tool name unknown". An invocation failure is
// returned as a *ToolInvocationError alongside a found result identifying
// the server that failed.
func (p *Pool) CallTool(ctx context.Context, name string, args map[string]any) (*DispatchResult, error) {
	catalog := p.Catalog()
	if catalog.Empty() {
		p.metrics.toolCall(ctx, name, "not_found", 0)
		return &DispatchResult{Found: false, Miss: MissNoServers}, nil
	}
	conn, ok := catalog.Resolve(name)
	if !ok {
		p.metrics.toolCall(ctx, name, "not_found", 0)
		return &DispatchResult{Found: false, Miss: MissUnknownTool}, nil
	}

	started := time.Now()
	result, err := conn.Invoke(ctx, name, args)
	if err != nil {
		p.metrics.toolCall(ctx, name, "error", time.Since(started))
		return &DispatchResult{Found: true, Server: conn.Name()}, err
	}
	status := "ok"
	if result.IsError {
		status = "error"
	}
	p.metrics.toolCall(ctx, name, status, time.Since(started))
	return &DispatchResult{Found: true, Server: conn.Name(), Result: result}, nil
}

// Metric recording helpers; all tolerate a nil bundle or nil instruments so
// the pool never has to care whether telemetry is installed.

func (m *Metrics) recordReconcile(ctx context.Context, elapsed time.Duration, outcome string) {
	if m == nil || m.ReconcileDuration == nil {
		return
	}
	m.ReconcileDuration.Record(ctx, elapsed.Seconds(),
		metric.WithAttributes(attribute.String("outcome", outcome)))
}

func (m *Metrics) connectFailure(ctx context.Context, server string) {
	if m == nil || m.ConnectFailures == nil {
		return
	}
	m.ConnectFailures.Add(ctx, 1, metric.WithAttributes(attribute.String("server", server)))
}

func (m *Metrics) addActive(ctx context.Context, delta int64) {
	if m == nil || m.ActiveConnections == nil {
		return
	}
	m.ActiveConnections.Add(ctx, delta)
}

func (m *Metrics) toolCall(ctx context.Context, tool, status string, elapsed time.Duration) {
	if m == nil {
		return
	}
	if m.ToolCalls != nil {
		m.ToolCalls.Add(ctx, 1, metric.WithAttributes(
			attribute.String("tool", tool),
			attribute.String("status", status),
		))
	}
	if m.ToolCallDuration != nil && elapsed > 0 {
		m.ToolCallDuration.Record(ctx, elapsed.Seconds(),
			metric.WithAttributes(attribute.String("tool", tool)))
	}
}
