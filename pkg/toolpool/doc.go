// Package toolpool manages a pool of connections to externally-configured
// Model Context Protocol (MCP) tool servers on behalf of a chat application.
// It reconciles a mutable, user-editable list of server specifications against
// the live connection set, aggregates the tool catalogues of every connected
// server, and routes tool invocations to the owning connection.
//
// # Core entry points
//
//   - Pool is the long-lived orchestration type. Construct it with NewPool,
//     then call EnsureReady whenever the configured server list may have
//     changed; the pool reconnects only when the configuration fingerprint
//     actually differs.
//   - ServerSpec (and the CommandSpec / URLSpec variants) declare how each
//     tool server should be launched or contacted.
//   - TransportConnector dials a single server: subprocess over stdio for
//     command specs, streamable HTTP with a one-shot SSE fallback for URL
//     specs. Tool discovery is part of the dial; a connection is never
//     handed out with an unknown catalogue.
//   - Tester probes a single candidate spec without touching the shared
//     pool, returning a classified diagnostic for configuration UIs.
//
// Reconciliation is single-flight: concurrent EnsureReady callers share one
// rebuild pass, and a caller that gives up (context cancelled) merely detaches
// from the rebuild; the rebuild itself always runs to completion so that the
// remaining waiters observe a consistent pool. Per-server connect failures
// are soft: the failing server is simply absent from the catalogue and the
// failure is recorded in the pool's Report.
//
// The pool is purely in-memory and is rebuilt on every process start; it never
// persists connection state.
package toolpool
