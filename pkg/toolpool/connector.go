package toolpool

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/exec"
	"sort"
	"strings"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// defaultConnectTimeout bounds a single connect attempt when neither the spec
// nor the connector configures one, so one unresponsive server cannot stall a
// whole reconciliation.
const defaultConnectTimeout = 30 * time.Second

// Connector establishes one live connection to one tool server. The pool and
// the tester both depend on this interface; TransportConnector is the
// production implementation.
type Connector interface {
	Connect(ctx context.Context, spec ServerSpec) (*ServerConnection, error)
}

// TransportConnector dials tool servers over the two supported transport
// families. For command specs it spawns a subprocess wired to the client over
// its stdio streams; for URL specs it attempts streamable HTTP first and
// falls back once to server-sent events against the same endpoint.
//
// Tool discovery is part of Connect: a ServerConnection is never returned
// with a stale or unknown catalogue. Callers own the returned connection and
// must eventually call Close to avoid leaking the spawned process or socket.
type TransportConnector struct {
	// Resolver maps a configured command name to an executable path.
	// Defaults to DefaultResolver.
	Resolver ExecResolver

	// HTTPClient is used for both remote transports. Defaults to
	// http.DefaultClient.
	HTTPClient *http.Client

	// ConnectTimeout bounds connect attempts for specs without their own
	// timeout. Defaults to defaultConnectTimeout.
	ConnectTimeout time.Duration

	// Impl identifies this client to servers during the MCP handshake.
	Impl *mcp.Implementation

	// Logger receives structured diagnostics. Defaults to slog.Default().
	Logger *slog.Logger
}

var _ Connector = (*TransportConnector)(nil)

// Connect dials the server described by spec, performs the protocol
// handshake, discovers the server's tools, and returns the live connection.
// Failures are reported as *ConnectionError carrying the server name.
func (c *TransportConnector) Connect(ctx context.Context, spec ServerSpec) (*ServerConnection, error) {
	if spec == nil {
		return nil, &ConnectionError{Err: fmt.Errorf("nil server spec")}
	}
	name := spec.base().Name
	if err := spec.Validate(); err != nil {
		return nil, &ConnectionError{Server: name, Err: err}
	}

	ctx, cancel := context.WithTimeout(ctx, c.connectTimeout(spec))
	defer cancel()

	var session *mcp.ClientSession
	var err error
	switch s := spec.(type) {
	case *CommandSpec:
		session, err = c.connectCommand(ctx, s)
	case *URLSpec:
		session, err = c.connectURL(ctx, s)
	default:
		err = fmt.Errorf("unsupported spec type %T", spec)
	}
	if err != nil {
		return nil, &ConnectionError{Server: name, Err: err}
	}

	tools, err := discoverTools(ctx, session)
	if err != nil {
		_ = session.Close()
		return nil, &ConnectionError{Server: name, Err: fmt.Errorf("tool discovery: %w", err)}
	}

	c.logger().Debug("tool server connected", "server", name, "kind", spec.Kind(), "tools", len(tools))
	return newServerConnection(name, session, tools, c.logger()), nil
}

func (c *TransportConnector) connectCommand(ctx context.Context, spec *CommandSpec) (*mcp.ClientSession, error) {
	executable := c.resolver().Resolve(spec.Command)
	cmd := exec.Command(executable, spec.Args...)
	cmd.Env = mergeEnviron(os.Environ(), spec.Env)
	client := mcp.NewClient(c.impl(), nil)
	return client.Connect(ctx, &mcp.CommandTransport{Command: cmd}, nil)
}

func (c *TransportConnector) connectURL(ctx context.Context, spec *URLSpec) (*mcp.ClientSession, error) {
	streamable := &mcp.StreamableClientTransport{
		Endpoint:   spec.URL,
		HTTPClient: c.httpClient(),
	}
	// A fresh client per attempt; sessions are not shared across transports.
	session, streamErr := mcp.NewClient(c.impl(), nil).Connect(ctx, streamable, nil)
	if streamErr == nil {
		return session, nil
	}

	c.logger().Debug("streamable transport failed, falling back to SSE", "server", spec.Name, "error", streamErr)
	sse := &mcp.SSEClientTransport{
		Endpoint:   spec.URL,
		HTTPClient: c.httpClient(),
	}
	session, sseErr := mcp.NewClient(c.impl(), nil).Connect(ctx, sse, nil)
	if sseErr != nil {
		return nil, fmt.Errorf("streamable error: %v; sse error: %w", streamErr, sseErr)
	}
	return session, nil
}

// discoverTools materializes the server's advertised tool catalogue. The
// descriptors are copied out once at connect time and not re-fetched until
// the next reconnect.
func discoverTools(ctx context.Context, session *mcp.ClientSession) ([]ToolDescriptor, error) {
	res, err := session.ListTools(ctx, nil)
	if err != nil {
		return nil, err
	}
	if res == nil {
		return nil, nil
	}
	tools := make([]ToolDescriptor, 0, len(res.Tools))
	for _, tool := range res.Tools {
		if tool == nil {
			continue
		}
		tools = append(tools, ToolDescriptor{
			Name:        tool.Name,
			Description: tool.Description,
			InputSchema: schemaToMap(tool.InputSchema),
		})
	}
	return tools, nil
}

func (c *TransportConnector) resolver() ExecResolver {
	if c.Resolver != nil {
		return c.Resolver
	}
	return DefaultResolver
}

func (c *TransportConnector) httpClient() *http.Client {
	if c.HTTPClient != nil {
		return c.HTTPClient
	}
	return http.DefaultClient
}

func (c *TransportConnector) impl() *mcp.Implementation {
	if c.Impl != nil {
		return c.Impl
	}
	return &mcp.Implementation{Name: "toolpool", Version: "1.0.0"}
}

func (c *TransportConnector) connectTimeout(spec ServerSpec) time.Duration {
	if t := spec.base().Timeout; t > 0 {
		return t
	}
	if c.ConnectTimeout > 0 {
		return c.ConnectTimeout
	}
	return defaultConnectTimeout
}

func (c *TransportConnector) logger() *slog.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return slog.Default()
}

// mergeEnviron layers overrides on top of the inherited environment. Later
// entries win when exec.Cmd deduplicates, so overrides are appended after the
// inherited set, in sorted key order for determinism. PATH is special-cased:
// an override may replace it but never blank it, so spawned servers can
// always locate their own helper binaries.
func mergeEnviron(inherited []string, overrides map[string]string) []string {
	if len(overrides) == 0 {
		return inherited
	}
	env := append([]string(nil), inherited...)
	keys := make([]string, 0, len(overrides))
	for k := range overrides {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		v := overrides[k]
		if strings.EqualFold(k, "PATH") && v == "" {
			continue
		}
		env = append(env, k+"="+v)
	}
	return env
}
