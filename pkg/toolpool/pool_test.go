package toolpool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// stubSession stands in for an *mcp.ClientSession in tests.
type stubSession struct {
	callErr  error
	result   *mcp.CallToolResult
	closeErr error

	mu     sync.Mutex
	calls  []*mcp.CallToolParams
	closes int
}

func (s *stubSession) CallTool(_ context.Context, params *mcp.CallToolParams) (*mcp.CallToolResult, error) {
	s.mu.Lock()
	s.calls = append(s.calls, params)
	s.mu.Unlock()
	if s.callErr != nil {
		return nil, s.callErr
	}
	if s.result != nil {
		return s.result, nil
	}
	return &mcp.CallToolResult{Content: []mcp.Content{&mcp.TextContent{Text: "ok"}}}, nil
}

func (s *stubSession) Close() error {
	s.mu.Lock()
	s.closes++
	s.mu.Unlock()
	return s.closeErr
}

func (s *stubSession) closeCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closes
}

// stubConnector fabricates connections without any transport. Tool catalogues
// are keyed by server name; fail entries make that server's connect fail.
type stubConnector struct {
	tools   map[string][]ToolDescriptor
	fail    map[string]error
	delay   time.Duration
	panicOn string

	connects atomic.Int64

	mu       sync.Mutex
	sessions map[string][]*stubSession
}

func (c *stubConnector) Connect(ctx context.Context, spec ServerSpec) (*ServerConnection, error) {
	name := SpecName(spec)
	if name == c.panicOn {
		panic("synthetic connect panic")
	}
	c.connects.Add(1)
	if c.delay > 0 {
		select {
		case <-time.After(c.delay):
		case <-ctx.Done():
			return nil, &ConnectionError{Server: name, Err: ctx.Err()}
		}
	}
	if err, ok := c.fail[name]; ok {
		return nil, &ConnectionError{Server: name, Err: err}
	}
	sess := &stubSession{}
	c.mu.Lock()
	if c.sessions == nil {
		c.sessions = make(map[string][]*stubSession)
	}
	c.sessions[name] = append(c.sessions[name], sess)
	c.mu.Unlock()
	return newServerConnection(name, sess, c.tools[name], slog.Default()), nil
}

func (c *stubConnector) sessionsFor(name string) []*stubSession {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*stubSession(nil), c.sessions[name]...)
}

func commandSpec(name, command string, args ...string) *CommandSpec {
	return &CommandSpec{BaseSpec: BaseSpec{Name: name}, Command: command, Args: args}
}

func toolNamed(name string) []ToolDescriptor {
	return []ToolDescriptor{{Name: name, Description: name + " tool"}}
}

func TestEnsureReadyIdempotent(t *testing.T) {
	t.Parallel()

	connector := &stubConnector{tools: map[string][]ToolDescriptor{
		"alpha": toolNamed("foo"),
		"beta":  toolNamed("bar"),
	}}
	pool := NewPool(connector, nil)
	defer pool.Shutdown()

	specs := []ServerSpec{
		commandSpec("alpha", "alpha-server"),
		commandSpec("beta", "beta-server"),
	}
	if err := pool.EnsureReady(context.Background(), specs); err != nil {
		t.Fatalf("first EnsureReady: %v", err)
	}
	if got := connector.connects.Load(); got != 2 {
		t.Fatalf("connects after first pass = %d, expected 2", got)
	}

	first, _ := pool.Catalog().Resolve("foo")
	if err := pool.EnsureReady(context.Background(), specs); err != nil {
		t.Fatalf("second EnsureReady: %v", err)
	}
	if got := connector.connects.Load(); got != 2 {
		t.Fatalf("connects after unchanged pass = %d, expected 2", got)
	}
	second, _ := pool.Catalog().Resolve("foo")
	if first != second {
		t.Fatalf("unchanged configuration replaced the connection")
	}
}

func TestEnsureReadyOrderIndependent(t *testing.T) {
	t.Parallel()

	connector := &stubConnector{tools: map[string][]ToolDescriptor{
		"alpha": toolNamed("foo"),
		"beta":  toolNamed("bar"),
	}}
	pool := NewPool(connector, nil)
	defer pool.Shutdown()

	if err := pool.EnsureReady(context.Background(), []ServerSpec{
		commandSpec("alpha", "alpha-server"),
		commandSpec("beta", "beta-server"),
	}); err != nil {
		t.Fatalf("EnsureReady: %v", err)
	}
	if err := pool.EnsureReady(context.Background(), []ServerSpec{
		commandSpec("beta", "beta-server"),
		commandSpec("alpha", "alpha-server"),
	}); err != nil {
		t.Fatalf("reordered EnsureReady: %v", err)
	}
	if got := connector.connects.Load(); got != 2 {
		t.Fatalf("connects after reorder = %d, expected 2", got)
	}
}

func TestEnsureReadyChangeSensitivity(t *testing.T) {
	t.Parallel()

	connector := &stubConnector{tools: map[string][]ToolDescriptor{
		"alpha": toolNamed("foo"),
		"beta":  toolNamed("bar"),
	}}
	pool := NewPool(connector, nil)
	defer pool.Shutdown()

	if err := pool.EnsureReady(context.Background(), []ServerSpec{
		commandSpec("alpha", "alpha-server"),
		commandSpec("beta", "beta-server"),
	}); err != nil {
		t.Fatalf("EnsureReady: %v", err)
	}
	if err := pool.EnsureReady(context.Background(), []ServerSpec{
		commandSpec("alpha", "alpha-server", "--verbose"),
		commandSpec("beta", "beta-server"),
	}); err != nil {
		t.Fatalf("changed EnsureReady: %v", err)
	}
	if got := connector.connects.Load(); got != 4 {
		t.Fatalf("connects after change = %d, expected 4", got)
	}
	for _, sess := range connector.sessionsFor("alpha")[:1] {
		if sess.closeCount() != 1 {
			t.Fatalf("replaced session close count = %d, expected 1", sess.closeCount())
		}
	}
}

func TestEnsureReadySingleFlight(t *testing.T) {
	t.Parallel()

	connector := &stubConnector{
		tools: map[string][]ToolDescriptor{"alpha": toolNamed("foo"), "beta": toolNamed("bar")},
		delay: 30 * time.Millisecond,
	}
	pool := NewPool(connector, nil)
	defer pool.Shutdown()

	specs := []ServerSpec{
		commandSpec("alpha", "alpha-server"),
		commandSpec("beta", "beta-server"),
	}
	var wg sync.WaitGroup
	errs := make([]error, 8)
	for i := range errs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[i] = pool.EnsureReady(context.Background(), specs)
		}()
	}
	wg.Wait()
	for i, err := range errs {
		if err != nil {
			t.Fatalf("caller %d: %v", i, err)
		}
	}
	if got := connector.connects.Load(); got != 2 {
		t.Fatalf("connects under concurrency = %d, expected 2", got)
	}
}

func TestEnsureReadyPartialFailure(t *testing.T) {
	t.Parallel()

	bomb := errors.New("address already in use")
	connector := &stubConnector{
		tools: map[string][]ToolDescriptor{"alpha": toolNamed("foo"), "gamma": toolNamed("baz")},
		fail:  map[string]error{"beta": bomb},
	}
	pool := NewPool(connector, nil)
	defer pool.Shutdown()

	err := pool.EnsureReady(context.Background(), []ServerSpec{
		commandSpec("alpha", "alpha-server"),
		commandSpec("beta", "beta-server"),
		commandSpec("gamma", "gamma-server"),
	})
	if err != nil {
		t.Fatalf("partial failure surfaced as error: %v", err)
	}

	status := pool.Status()
	if len(status) != 2 {
		t.Fatalf("live servers = %d, expected 2: %+v", len(status), status)
	}
	failed := pool.LastReport().Failed()
	if len(failed) != 1 || failed[0].Server != "beta" {
		t.Fatalf("failed results = %+v, expected beta only", failed)
	}
	if !errors.Is(failed[0].Err, bomb) {
		t.Fatalf("failure cause not preserved: %v", failed[0].Err)
	}
	if _, ok := pool.Catalog().Resolve("baz"); !ok {
		t.Fatalf("healthy server gamma missing from catalogue")
	}
}

func TestEnsureReadyInvalidSpecIsSoft(t *testing.T) {
	t.Parallel()

	connector := &stubConnector{tools: map[string][]ToolDescriptor{"alpha": toolNamed("foo")}}
	pool := NewPool(connector, nil)
	defer pool.Shutdown()

	err := pool.EnsureReady(context.Background(), []ServerSpec{
		commandSpec("alpha", "alpha-server"),
		commandSpec("broken", ""),
	})
	if err != nil {
		t.Fatalf("EnsureReady: %v", err)
	}
	failed := pool.LastReport().Failed()
	if len(failed) != 1 || failed[0].Server != "broken" {
		t.Fatalf("failed results = %+v, expected broken only", failed)
	}
	var verr *ValidationError
	if !errors.As(failed[0].Err, &verr) {
		t.Fatalf("expected *ValidationError, got %T", failed[0].Err)
	}
	if got := connector.connects.Load(); got != 1 {
		t.Fatalf("connects = %d, expected invalid spec to skip dialing", got)
	}
}

func TestEnsureReadyDuplicateNamesLastWins(t *testing.T) {
	t.Parallel()

	connector := &stubConnector{tools: map[string][]ToolDescriptor{"alpha": toolNamed("foo")}}
	pool := NewPool(connector, nil)
	defer pool.Shutdown()

	err := pool.EnsureReady(context.Background(), []ServerSpec{
		commandSpec("alpha", "old-binary"),
		commandSpec("alpha", "new-binary"),
	})
	if err != nil {
		t.Fatalf("EnsureReady: %v", err)
	}
	if got := connector.connects.Load(); got != 1 {
		t.Fatalf("connects = %d, expected duplicates to collapse to one", got)
	}
	report := pool.LastReport()
	if len(report.Results) != 1 || report.Results[0].Server != "alpha" {
		t.Fatalf("report results = %+v, expected single alpha entry", report.Results)
	}
}

func TestEnsureReadyEmptySpecs(t *testing.T) {
	t.Parallel()

	connector := &stubConnector{tools: map[string][]ToolDescriptor{"alpha": toolNamed("foo")}}
	pool := NewPool(connector, nil)
	defer pool.Shutdown()

	if err := pool.EnsureReady(context.Background(), []ServerSpec{commandSpec("alpha", "alpha-server")}); err != nil {
		t.Fatalf("EnsureReady: %v", err)
	}
	if err := pool.EnsureReady(context.Background(), nil); err != nil {
		t.Fatalf("empty EnsureReady: %v", err)
	}

	if len(pool.Status()) != 0 {
		t.Fatalf("expected empty pool, got %+v", pool.Status())
	}
	if got, want := pool.CurrentFingerprint(), Fingerprint(nil); got != want {
		t.Fatalf("fingerprint = %q, expected empty-list fingerprint %q", got, want)
	}
	sessions := connector.sessionsFor("alpha")
	if len(sessions) != 1 || sessions[0].closeCount() != 1 {
		t.Fatalf("removed connection not closed exactly once")
	}

	res, err := pool.CallTool(context.Background(), "foo", nil)
	if err != nil {
		t.Fatalf("CallTool: %v", err)
	}
	if res.Found || res.Miss != MissNoServers {
		t.Fatalf("dispatch on empty pool = %+v, expected no_servers miss", res)
	}
}

func TestCallToolDispatch(t *testing.T) {
	t.Parallel()

	connector := &stubConnector{tools: map[string][]ToolDescriptor{
		"alpha": toolNamed("foo"),
		"beta":  toolNamed("bar"),
	}}
	pool := NewPool(connector, nil)
	defer pool.Shutdown()

	if err := pool.EnsureReady(context.Background(), []ServerSpec{
		commandSpec("alpha", "alpha-server"),
		commandSpec("beta", "beta-server"),
	}); err != nil {
		t.Fatalf("EnsureReady: %v", err)
	}

	res, err := pool.CallTool(context.Background(), "bar", map[string]any{"q": "x"})
	if err != nil {
		t.Fatalf("CallTool: %v", err)
	}
	if !res.Found || res.Server != "beta" {
		t.Fatalf("dispatch = %+v, expected bar routed to beta", res)
	}
	if res.Result == nil || res.Result.Content != "ok" {
		t.Fatalf("result = %+v, expected text content", res.Result)
	}
	sessions := connector.sessionsFor("beta")
	if len(sessions) != 1 || len(sessions[0].calls) != 1 || sessions[0].calls[0].Name != "bar" {
		t.Fatalf("call not delivered to beta's session")
	}

	res, err = pool.CallTool(context.Background(), "does-not-exist", nil)
	if err != nil {
		t.Fatalf("CallTool miss: %v", err)
	}
	if res.Found || res.Miss != MissUnknownTool {
		t.Fatalf("miss = %+v, expected unknown_tool", res)
	}
}

func TestCallToolInvocationError(t *testing.T) {
	t.Parallel()

	connector := &stubConnector{tools: map[string][]ToolDescriptor{"alpha": toolNamed("foo")}}
	pool := NewPool(connector, nil)
	defer pool.Shutdown()

	if err := pool.EnsureReady(context.Background(), []ServerSpec{commandSpec("alpha", "alpha-server")}); err != nil {
		t.Fatalf("EnsureReady: %v", err)
	}
	cause := errors.New("session torn down")
	connector.sessionsFor("alpha")[0].callErr = cause

	res, err := pool.CallTool(context.Background(), "foo", nil)
	if err == nil {
		t.Fatalf("expected invocation error")
	}
	var invErr *ToolInvocationError
	if !errors.As(err, &invErr) || invErr.Tool != "foo" {
		t.Fatalf("error = %v, expected *ToolInvocationError for foo", err)
	}
	if !res.Found || res.Server != "alpha" {
		t.Fatalf("result = %+v, expected found result naming alpha", res)
	}
}

func TestShutdownResetsFingerprint(t *testing.T) {
	t.Parallel()

	connector := &stubConnector{tools: map[string][]ToolDescriptor{"alpha": toolNamed("foo")}}
	pool := NewPool(connector, nil)

	specs := []ServerSpec{commandSpec("alpha", "alpha-server")}
	if err := pool.EnsureReady(context.Background(), specs); err != nil {
		t.Fatalf("EnsureReady: %v", err)
	}
	pool.Shutdown()

	if got := pool.CurrentFingerprint(); got != FingerprintUnknown {
		t.Fatalf("fingerprint after Shutdown = %q, expected unknown sentinel", got)
	}
	sessions := connector.sessionsFor("alpha")
	if len(sessions) != 1 || sessions[0].closeCount() != 1 {
		t.Fatalf("Shutdown did not close the connection exactly once")
	}

	// The same configuration must dial again after a shutdown.
	if err := pool.EnsureReady(context.Background(), specs); err != nil {
		t.Fatalf("EnsureReady after Shutdown: %v", err)
	}
	defer pool.Shutdown()
	if got := connector.connects.Load(); got != 2 {
		t.Fatalf("connects = %d, expected a fresh dial after Shutdown", got)
	}
}

func TestEnsureReadyCancelledWaiterDetaches(t *testing.T) {
	t.Parallel()

	connector := &stubConnector{
		tools: map[string][]ToolDescriptor{"alpha": toolNamed("foo")},
		delay: 80 * time.Millisecond,
	}
	pool := NewPool(connector, nil)
	defer pool.Shutdown()

	specs := []ServerSpec{commandSpec("alpha", "alpha-server")}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- pool.EnsureReady(ctx, specs)
	}()
	time.Sleep(20 * time.Millisecond)
	cancel()

	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("cancelled waiter returned %v, expected context.Canceled", err)
	}

	// The rebuild the waiter abandoned still runs to completion.
	want := Fingerprint(specs)
	deadline := time.After(2 * time.Second)
	for pool.CurrentFingerprint() != want {
		select {
		case <-deadline:
			t.Fatalf("abandoned rebuild never completed")
		case <-time.After(10 * time.Millisecond):
		}
	}
	if _, ok := pool.Catalog().Resolve("foo"); !ok {
		t.Fatalf("catalogue not populated by the detached rebuild")
	}
}

func TestReconcilePanicResetsFingerprint(t *testing.T) {
	t.Parallel()

	connector := &stubConnector{
		tools:   map[string][]ToolDescriptor{"alpha": toolNamed("foo")},
		panicOn: "alpha",
	}
	pool := NewPool(connector, nil)
	defer pool.Shutdown()

	specs := []ServerSpec{commandSpec("alpha", "alpha-server")}
	err := pool.EnsureReady(context.Background(), specs)
	var rerr *ReconciliationError
	if !errors.As(err, &rerr) {
		t.Fatalf("error = %v, expected *ReconciliationError", err)
	}
	if got := pool.CurrentFingerprint(); got != FingerprintUnknown {
		t.Fatalf("fingerprint after panic = %q, expected unknown sentinel", got)
	}

	// A later call with the same configuration retries from scratch.
	connector.panicOn = ""
	if err := pool.EnsureReady(context.Background(), specs); err != nil {
		t.Fatalf("retry after panic: %v", err)
	}
	if _, ok := pool.Catalog().Resolve("foo"); !ok {
		t.Fatalf("retry did not repopulate the catalogue")
	}
}

func TestLastReportShape(t *testing.T) {
	t.Parallel()

	connector := &stubConnector{tools: map[string][]ToolDescriptor{
		"alpha": toolNamed("foo"),
		"beta":  {{Name: "bar"}, {Name: "baz"}},
	}}
	pool := NewPool(connector, nil)
	defer pool.Shutdown()

	specs := []ServerSpec{
		commandSpec("alpha", "alpha-server"),
		commandSpec("beta", "beta-server"),
	}
	if err := pool.EnsureReady(context.Background(), specs); err != nil {
		t.Fatalf("EnsureReady: %v", err)
	}

	report := pool.LastReport()
	if report.Generation == "" {
		t.Fatalf("report has no generation id")
	}
	if report.Fingerprint != Fingerprint(specs) {
		t.Fatalf("report fingerprint mismatch")
	}
	counts := map[string]int{}
	for _, res := range report.Results {
		if res.Err != nil {
			t.Fatalf("unexpected failure for %s: %v", res.Server, res.Err)
		}
		counts[res.Server] = res.ToolCount
	}
	if counts["alpha"] != 1 || counts["beta"] != 2 {
		t.Fatalf("tool counts = %v, expected alpha=1 beta=2", counts)
	}
}

func TestListToolsFlattens(t *testing.T) {
	t.Parallel()

	connector := &stubConnector{tools: map[string][]ToolDescriptor{
		"alpha": {{Name: "foo"}, {Name: "shared"}},
		"beta":  {{Name: "bar"}, {Name: "shared"}},
	}}
	pool := NewPool(connector, nil)
	defer pool.Shutdown()

	if err := pool.EnsureReady(context.Background(), []ServerSpec{
		commandSpec("alpha", "alpha-server"),
		commandSpec("beta", "beta-server"),
	}); err != nil {
		t.Fatalf("EnsureReady: %v", err)
	}

	tools := pool.ListTools()
	names := make([]string, 0, len(tools))
	for _, tool := range tools {
		names = append(names, tool.Name)
	}
	want := []string{"foo", "shared", "bar"}
	if fmt.Sprint(names) != fmt.Sprint(want) {
		t.Fatalf("ListTools() = %v, expected %v", names, want)
	}
}
