package toolpool

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// ToolDescriptor is an immutable value copied out of a server's advertised
// catalogue at connect time.
type ToolDescriptor struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	InputSchema map[string]any `json:"inputSchema,omitempty"`
}

// ToolResult is the outcome of a tool invocation. Content carries the
// concatenated text portions of the server's reply. When a server returns a
// payload with no recognizable text content, the whole result is passed
// through opaquely in Raw rather than treated as an error; tool servers in
// the wild are tolerant producers and the pool is a tolerant consumer.
type ToolResult struct {
	Content string          `json:"content"`
	Raw     json.RawMessage `json:"raw,omitempty"`
	IsError bool            `json:"isError,omitempty"`
}

// toolSession is the slice of *mcp.ClientSession a connection depends on.
type toolSession interface {
	CallTool(ctx context.Context, params *mcp.CallToolParams) (*mcp.CallToolResult, error)
	Close() error
}

// ServerConnection wraps one connected MCP client session together with the
// tool catalogue discovered at connect time. It is the unit of lifecycle and
// failure isolation: connections are created only by a successful
// Connector.Connect and owned exclusively by the pool (or, transiently, by
// the tester).
type ServerConnection struct {
	name   string
	tools  []ToolDescriptor
	sess   toolSession
	logger *slog.Logger

	closeOnce sync.Once
}

func newServerConnection(name string, sess toolSession, tools []ToolDescriptor, logger *slog.Logger) *ServerConnection {
	if logger == nil {
		logger = slog.Default()
	}
	return &ServerConnection{name: name, tools: tools, sess: sess, logger: logger}
}

// Name returns the originating server name.
func (c *ServerConnection) Name() string { return c.name }

// Tools returns a copy of the catalogue discovered at connect time.
func (c *ServerConnection) Tools() []ToolDescriptor {
	return append([]ToolDescriptor(nil), c.tools...)
}

// hasTool reports whether the connection advertises the named tool.
func (c *ServerConnection) hasTool(name string) bool {
	for _, t := range c.tools {
		if t.Name == name {
			return true
		}
	}
	return false
}

// Invoke calls the named tool on this connection. Protocol or transport
// failures are reported as *ToolInvocationError; an application-level error
// reported by the tool itself comes back as a ToolResult with IsError set.
func (c *ServerConnection) Invoke(ctx context.Context, tool string, args map[string]any) (*ToolResult, error) {
	res, err := c.sess.CallTool(ctx, &mcp.CallToolParams{Name: tool, Arguments: args})
	if err != nil {
		return nil, &ToolInvocationError{Tool: tool, Err: err}
	}
	return resultFromCall(res), nil
}

// resultFromCall flattens an MCP call result into a ToolResult, degrading
// gracefully on non-standard shapes.
func resultFromCall(res *mcp.CallToolResult) *ToolResult {
	if res == nil {
		return &ToolResult{}
	}
	out := &ToolResult{IsError: res.IsError}
	sawText := false
	for _, content := range res.Content {
		if tc, ok := content.(*mcp.TextContent); ok {
			out.Content += tc.Text
			sawText = true
		}
	}
	if !sawText && len(res.Content) > 0 {
		if raw, err := json.Marshal(res); err == nil {
			out.Raw = raw
		}
	}
	return out
}

// Close releases the underlying transport (killing the subprocess for command
// servers). It is idempotent and never fails: close errors are logged and
// swallowed, since by the time a connection is being torn down there is
// nothing useful a caller can do about them.
func (c *ServerConnection) Close() {
	c.closeOnce.Do(func() {
		if err := c.sess.Close(); err != nil {
			c.logger.Warn("error closing tool server connection", "server", c.name, "error", err)
		}
	})
}

// schemaToMap converts the SDK's schema representation to a plain map via a
// JSON round-trip.
func schemaToMap(schema any) map[string]any {
	if schema == nil {
		return nil
	}
	if m, ok := schema.(map[string]any); ok {
		return m
	}
	data, err := json.Marshal(schema)
	if err != nil {
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil
	}
	return m
}
