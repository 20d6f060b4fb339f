package toolpool

import (
	"context"
	"errors"
	"testing"
)

func TestTesterSuccess(t *testing.T) {
	t.Parallel()

	connector := &stubConnector{tools: map[string][]ToolDescriptor{
		"alpha": {{Name: "foo"}, {Name: "bar"}},
	}}
	tester := &Tester{Connector: connector}

	result := tester.Test(context.Background(), commandSpec("alpha", "alpha-server"))
	if !result.Success {
		t.Fatalf("Test failed: %+v", result)
	}
	if result.Server != "alpha" || result.ToolCount != 2 {
		t.Fatalf("result = %+v, expected alpha with 2 tools", result)
	}
	if len(result.ToolNames) != 2 || result.ToolNames[0] != "foo" || result.ToolNames[1] != "bar" {
		t.Fatalf("tool names = %v", result.ToolNames)
	}
	if result.Reason != "" || result.Error != "" {
		t.Fatalf("success result carries failure fields: %+v", result)
	}

	// The probe connection must not be left open.
	sessions := connector.sessionsFor("alpha")
	if len(sessions) != 1 || sessions[0].closeCount() != 1 {
		t.Fatalf("probe connection not closed after the test")
	}
}

func TestTesterFailure(t *testing.T) {
	t.Parallel()

	connector := &stubConnector{fail: map[string]error{
		"alpha": errors.New("context deadline exceeded"),
	}}
	tester := &Tester{Connector: connector}

	result := tester.Test(context.Background(), commandSpec("alpha", "alpha-server"))
	if result.Success {
		t.Fatalf("expected failure, got %+v", result)
	}
	if result.Reason != ReasonTimeout {
		t.Fatalf("reason = %s, expected timeout", result.Reason)
	}
	if result.Error == "" || result.Message == "" {
		t.Fatalf("failure result missing diagnostics: %+v", result)
	}
}

func TestTesterInvalidSpec(t *testing.T) {
	t.Parallel()

	tester := &Tester{Connector: &stubConnector{}}

	result := tester.Test(context.Background(), commandSpec("alpha", ""))
	if result.Success || result.Reason != ReasonInvalidSpec {
		t.Fatalf("result = %+v, expected invalid_spec failure", result)
	}

	result = tester.Test(context.Background(), nil)
	if result.Success || result.Reason != ReasonInvalidSpec {
		t.Fatalf("nil spec result = %+v, expected invalid_spec failure", result)
	}
}

func TestTesterTestAll(t *testing.T) {
	t.Parallel()

	connector := &stubConnector{
		tools: map[string][]ToolDescriptor{"alpha": toolNamed("foo")},
		fail:  map[string]error{"beta": errors.New("permission denied")},
	}
	tester := &Tester{Connector: connector}

	results := tester.TestAll(context.Background(), []ServerSpec{
		commandSpec("alpha", "alpha-server"),
		commandSpec("beta", "beta-server"),
	})
	if len(results) != 2 {
		t.Fatalf("results = %d entries, expected 2", len(results))
	}
	if !results["alpha"].Success {
		t.Fatalf("alpha = %+v, expected success", results["alpha"])
	}
	if results["beta"].Success || results["beta"].Reason != ReasonPermissionDenied {
		t.Fatalf("beta = %+v, expected permission_denied failure", results["beta"])
	}
}

func TestClassifyFailure(t *testing.T) {
	t.Parallel()

	cases := []struct {
		text string
		want FailureReason
	}{
		{`exec: "mcp-server": executable file not found in $PATH`, ReasonCommandNotFound},
		{"fork/exec /opt/bin/tool: no such file or directory", ReasonCommandNotFound},
		{"sh: mcp-server: command not found", ReasonCommandNotFound},
		{"context deadline exceeded", ReasonTimeout},
		{"dial tcp: i/o timeout", ReasonTimeout},
		{"request timed out", ReasonTimeout},
		{"fork/exec /opt/bin/tool: permission denied", ReasonPermissionDenied},
		{"operation not permitted", ReasonPermissionDenied},
		{"listen tcp :8711: bind: address already in use", ReasonPortInUse},
		{"CORS preflight rejected", ReasonCORS},
		{"blocked by cross-origin policy", ReasonCORS},
		{"connection refused", ReasonUnknown},
		{"protocol error", ReasonUnknown},
	}
	for _, tc := range cases {
		if got := classifyFailure(errors.New(tc.text)); got != tc.want {
			t.Fatalf("classifyFailure(%q) = %s, expected %s", tc.text, got, tc.want)
		}
	}
	if classifyFailure(nil) != ReasonUnknown {
		t.Fatalf("nil error should classify as unknown")
	}
}

func TestRemediationHintCoversAllReasons(t *testing.T) {
	t.Parallel()

	reasons := []FailureReason{
		ReasonCommandNotFound, ReasonTimeout, ReasonPermissionDenied,
		ReasonPortInUse, ReasonCORS, ReasonInvalidSpec, ReasonUnknown,
	}
	seen := make(map[string]FailureReason, len(reasons))
	for _, reason := range reasons {
		hint := remediationHint(reason)
		if hint == "" {
			t.Fatalf("no hint for %s", reason)
		}
		if prev, dup := seen[hint]; dup {
			t.Fatalf("reasons %s and %s share a hint", prev, reason)
		}
		seen[hint] = reason
	}
}
