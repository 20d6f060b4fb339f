package toolpool

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// FailureReason is a best-effort classification of a failed connection test,
// derived from substring matching on the error text. It exists to drive
// human-readable remediation hints in configuration UIs and must not be used
// for programmatic branching.
type FailureReason string

const (
	ReasonCommandNotFound  FailureReason = "command_not_found"
	ReasonTimeout          FailureReason = "timeout"
	ReasonPermissionDenied FailureReason = "permission_denied"
	ReasonPortInUse        FailureReason = "port_in_use"
	ReasonCORS             FailureReason = "cors"
	ReasonInvalidSpec      FailureReason = "invalid_spec"
	ReasonUnknown          FailureReason = "unknown"
)

// TestResult is the outcome of probing a single candidate spec. A result is
// always produced; the tester never lets an error escape its boundary, so UI
// code can render partial success per server.
type TestResult struct {
	Server     string        `json:"server"`
	Success    bool          `json:"success"`
	Message    string        `json:"message"`
	ToolCount  int           `json:"toolCount,omitempty"`
	ToolNames  []string      `json:"toolNames,omitempty"`
	DurationMs int64         `json:"durationMs"`
	Error      string        `json:"error,omitempty"`
	Reason     FailureReason `json:"reason,omitempty"`
}

// Tester probes candidate server specs without touching any shared pool: it
// opens a fresh connection, lists the tools, and closes the connection again.
// Configuration UIs use it to validate user input before saving.
type Tester struct {
	// Connector dials the candidate. Required.
	Connector Connector

	// Logger receives structured diagnostics. Defaults to slog.Default().
	Logger *slog.Logger
}

// Test connects to a single candidate spec, discovers its tools, closes the
// connection, and reports the classified outcome.
func (t *Tester) Test(ctx context.Context, spec ServerSpec) TestResult {
	name := SpecName(spec)
	if spec == nil {
		return TestResult{
			Success: false,
			Message: "no server spec provided",
			Error:   "nil spec",
			Reason:  ReasonInvalidSpec,
		}
	}
	if err := spec.Validate(); err != nil {
		return TestResult{
			Server:  name,
			Success: false,
			Message: "the server configuration is incomplete. " + remediationHint(ReasonInvalidSpec),
			Error:   err.Error(),
			Reason:  ReasonInvalidSpec,
		}
	}

	started := time.Now()
	conn, err := t.Connector.Connect(ctx, spec)
	elapsed := time.Since(started)
	if err != nil {
		reason := classifyFailure(err)
		t.logger().Debug("connection test failed", "server", name, "reason", reason, "error", err)
		return TestResult{
			Server:     name,
			Success:    false,
			Message:    remediationHint(reason),
			DurationMs: elapsed.Milliseconds(),
			Error:      err.Error(),
			Reason:     reason,
		}
	}
	defer conn.Close()

	tools := conn.Tools()
	names := make([]string, 0, len(tools))
	for _, tool := range tools {
		names = append(names, tool.Name)
	}
	return TestResult{
		Server:     name,
		Success:    true,
		Message:    fmt.Sprintf("connected to %s, %d tool(s) available", describeSpec(spec), len(tools)),
		ToolCount:  len(tools),
		ToolNames:  names,
		DurationMs: elapsed.Milliseconds(),
	}
}

// TestAll probes every spec sequentially, deliberately not in parallel, so
// that testing a long server list does not overwhelm the local machine with
// simultaneous subprocess launches. The result map is keyed by server name.
func (t *Tester) TestAll(ctx context.Context, specs []ServerSpec) map[string]TestResult {
	out := make(map[string]TestResult, len(specs))
	for _, spec := range specs {
		result := t.Test(ctx, spec)
		key := result.Server
		if key == "" {
			key = fmt.Sprintf("spec-%d", len(out))
		}
		out[key] = result
	}
	return out
}

func (t *Tester) logger() *slog.Logger {
	if t.Logger != nil {
		return t.Logger
	}
	return slog.Default()
}

// classifyFailure inspects the error text for recognizable substrings.
func classifyFailure(err error) FailureReason {
	if err == nil {
		return ReasonUnknown
	}
	text := strings.ToLower(err.Error())
	switch {
	case strings.Contains(text, "executable file not found"),
		strings.Contains(text, "no such file or directory"),
		strings.Contains(text, "command not found"):
		return ReasonCommandNotFound
	case strings.Contains(text, "context deadline exceeded"),
		strings.Contains(text, "timed out"),
		strings.Contains(text, "timeout"):
		return ReasonTimeout
	case strings.Contains(text, "permission denied"),
		strings.Contains(text, "operation not permitted"):
		return ReasonPermissionDenied
	case strings.Contains(text, "address already in use"):
		return ReasonPortInUse
	case strings.Contains(text, "cors"),
		strings.Contains(text, "cross-origin"):
		return ReasonCORS
	default:
		return ReasonUnknown
	}
}

// remediationHint maps a classified reason to a suggestion the UI can show
// next to the failure.
func remediationHint(reason FailureReason) string {
	switch reason {
	case ReasonCommandNotFound:
		return "The command could not be found. Check that it is installed and on your PATH, or configure an absolute path."
	case ReasonTimeout:
		return "The server did not respond in time. It may be slow to start, or the URL may be unreachable."
	case ReasonPermissionDenied:
		return "Permission was denied. Check that the command is executable and that you have access to the configured resource."
	case ReasonPortInUse:
		return "The address is already in use. Another process may be bound to the server's port."
	case ReasonCORS:
		return "The endpoint rejected the request's origin. Check the server's CORS configuration."
	case ReasonInvalidSpec:
		return "Provide either a command (with optional args/env) or a url, and a unique name."
	default:
		return "The connection failed. Check the server configuration and consult the error details."
	}
}
