package routing

import (
	"context"
	"errors"
	"testing"

	"modelgate/pkg/models"
)

type scriptedExecutor struct {
	results  map[string]Result
	failures map[string]error
	calls    []string
}

func (e *scriptedExecutor) Invoke(ctx context.Context, inv Invocation) (Result, error) {
	e.calls = append(e.calls, inv.BackendID)
	if err, ok := e.failures[inv.BackendID]; ok {
		return Result{}, err
	}
	if res, ok := e.results[inv.BackendID]; ok {
		return res, nil
	}
	return Result{}, &BackendError{BackendID: inv.BackendID, Err: errors.New("no endpoint configured")}
}

func routingSnapshot(failOpen bool) *models.PolicySnapshot {
	return &models.PolicySnapshot{
		TenantID:   "tenant-a",
		SnapshotID: "snap-1",
		Rules: models.PolicyRules{
			ModelAllowList: []string{"gpt-large", "gpt-small", "local-llm"},
			FallbackRoutes: map[string][]string{
				"gpt-large": {"gpt-small", "local-llm"},
			},
			FailOpen:          failOpen,
			FailOpenWorkloads: []string{"completion"},
		},
	}
}

func routingEnvelope() *models.RequestEnvelope {
	return &models.RequestEnvelope{
		RequestID:      "req-1",
		TenantID:       "tenant-a",
		LogicalModelID: "gpt-large",
		OperationType:  "completion",
		MaxTokens:      256,
		TimeoutMS:      5000,
	}
}

func noopRevalidate(context.Context, string, bool) error { return nil }

func TestExecutePrimaryHealthy(t *testing.T) {
	exec := &scriptedExecutor{results: map[string]Result{
		"gpt-large": {Output: "hi", Usage: models.Usage{TokensIn: 3, TokensOut: 5}},
	}}
	o := &Orchestrator{Executor: exec}
	res, decision, err := o.Execute(context.Background(), routingSnapshot(false), routingEnvelope(), "prompt", noopRevalidate)
	if err != nil {
		t.Fatalf("unexpected error: %+v", err)
	}
	if res.Output != "hi" || decision.BackendID != "gpt-large" {
		t.Fatalf("unexpected result: %+v %+v", res, decision)
	}
	if decision.DegradationStage != models.StageNone {
		t.Fatalf("healthy path must stay NONE, got %s", decision.DegradationStage)
	}
}

func TestExecuteReroutesOnTransientFault(t *testing.T) {
	exec := &scriptedExecutor{
		failures: map[string]error{"gpt-large": &BackendError{BackendID: "gpt-large", Status: 503}},
		results:  map[string]Result{"gpt-small": {Output: "fallback answer"}},
	}
	o := &Orchestrator{Executor: exec}
	res, decision, err := o.Execute(context.Background(), routingSnapshot(false), routingEnvelope(), "prompt", noopRevalidate)
	if err != nil {
		t.Fatalf("unexpected error: %+v", err)
	}
	if res.Output != "fallback answer" || decision.BackendID != "gpt-small" {
		t.Fatalf("unexpected result: %+v %+v", res, decision)
	}
	if decision.DegradationStage != models.StageRerouted {
		t.Fatalf("expected REROUTED, got %s", decision.DegradationStage)
	}
	if len(decision.AttemptedChain) != 2 {
		t.Fatalf("unexpected attempted chain: %+v", decision.AttemptedChain)
	}
}

func TestExecuteFailClosedWhenChainExhausted(t *testing.T) {
	exec := &scriptedExecutor{failures: map[string]error{
		"gpt-large": &BackendError{BackendID: "gpt-large", Status: 503},
		"gpt-small": &BackendError{BackendID: "gpt-small", Status: 502},
		"local-llm": &BackendError{BackendID: "local-llm", Status: 500},
	}}
	o := &Orchestrator{Executor: exec}
	_, decision, err := o.Execute(context.Background(), routingSnapshot(false), routingEnvelope(), "prompt", noopRevalidate)
	if !errors.Is(err, ErrLLMUnavailable) {
		t.Fatalf("expected ErrLLMUnavailable, got %+v", err)
	}
	if decision.DegradationStage != models.StageFailClosed {
		t.Fatalf("expected FAIL_CLOSED, got %s", decision.DegradationStage)
	}
	if decision.FailOpen {
		t.Fatal("fail-closed decision must not be fail-open")
	}
}

func TestExecuteNonTransientFaultSkipsFallback(t *testing.T) {
	exec := &scriptedExecutor{failures: map[string]error{
		"gpt-large": &BackendError{BackendID: "gpt-large", Status: 400},
	}}
	o := &Orchestrator{Executor: exec}
	_, decision, err := o.Execute(context.Background(), routingSnapshot(false), routingEnvelope(), "prompt", noopRevalidate)
	if !errors.Is(err, ErrLLMUnavailable) {
		t.Fatalf("expected ErrLLMUnavailable, got %+v", err)
	}
	if len(exec.calls) != 1 {
		t.Fatalf("non-transient fault must not walk the chain, calls: %+v", exec.calls)
	}
	if decision.DegradationStage != models.StageFailClosed {
		t.Fatalf("expected FAIL_CLOSED, got %s", decision.DegradationStage)
	}
}

func TestExecuteFallbackSkipsOffAllowlist(t *testing.T) {
	snap := routingSnapshot(false)
	snap.Rules.ModelAllowList = []string{"gpt-large", "local-llm"}
	exec := &scriptedExecutor{
		failures: map[string]error{"gpt-large": &BackendError{BackendID: "gpt-large", Status: 503}},
		results:  map[string]Result{"gpt-small": {Output: "should never run"}, "local-llm": {Output: "approved fallback"}},
	}
	o := &Orchestrator{Executor: exec}
	res, decision, err := o.Execute(context.Background(), snap, routingEnvelope(), "prompt", noopRevalidate)
	if err != nil {
		t.Fatalf("unexpected error: %+v", err)
	}
	if res.Output != "approved fallback" || decision.BackendID != "local-llm" {
		t.Fatalf("unexpected result: %+v %+v", res, decision)
	}
	for _, call := range exec.calls {
		if call == "gpt-small" {
			t.Fatal("off-allowlist fallback must never be invoked")
		}
	}
}

func TestExecuteRevalidationFailureSkipsFallback(t *testing.T) {
	exec := &scriptedExecutor{
		failures: map[string]error{"gpt-large": &BackendError{BackendID: "gpt-large", Status: 503}},
		results:  map[string]Result{"gpt-small": {Output: "x"}, "local-llm": {Output: "y"}},
	}
	o := &Orchestrator{Executor: exec}
	revalidate := func(ctx context.Context, backendID string, essentialOnly bool) error {
		if backendID == "gpt-small" {
			return errors.New("revalidation blocked")
		}
		return nil
	}
	res, decision, err := o.Execute(context.Background(), routingSnapshot(false), routingEnvelope(), "prompt", revalidate)
	if err != nil {
		t.Fatalf("unexpected error: %+v", err)
	}
	if decision.BackendID != "local-llm" || res.Output != "y" {
		t.Fatalf("unexpected result: %+v %+v", res, decision)
	}
}

func TestExecuteFailOpenForWhitelistedWorkload(t *testing.T) {
	// Every normal attempt fails; the degraded fail-open retry of the
	// chain tail succeeds on its second invocation.
	failCount := 0
	exec := &scriptedExecutor{}
	exec.failures = map[string]error{
		"gpt-large": &BackendError{BackendID: "gpt-large", Status: 503},
		"gpt-small": &BackendError{BackendID: "gpt-small", Status: 503},
	}
	// local-llm fails once during the chain walk, then recovers.
	base := &Orchestrator{Executor: executorFunc(func(ctx context.Context, inv Invocation) (Result, error) {
		if inv.BackendID == "local-llm" {
			failCount++
			if failCount == 1 {
				return Result{}, &BackendError{BackendID: "local-llm", Status: 503}
			}
			return Result{Output: "degraded answer"}, nil
		}
		return exec.Invoke(ctx, inv)
	})}

	var essentialSeen []bool
	revalidate := func(ctx context.Context, backendID string, essentialOnly bool) error {
		essentialSeen = append(essentialSeen, essentialOnly)
		return nil
	}
	res, decision, err := base.Execute(context.Background(), routingSnapshot(true), routingEnvelope(), "prompt", revalidate)
	if err != nil {
		t.Fatalf("unexpected error: %+v", err)
	}
	if !decision.FailOpen || decision.DegradationStage != models.StageFailOpen {
		t.Fatalf("expected fail-open decision, got %+v", decision)
	}
	if res.Output != "degraded answer" {
		t.Fatalf("unexpected result: %+v", res)
	}
	if len(essentialSeen) == 0 || !essentialSeen[len(essentialSeen)-1] {
		t.Fatalf("fail-open revalidation must be essential-only: %+v", essentialSeen)
	}
}

func TestExecuteFailOpenDeniedForOtherWorkloads(t *testing.T) {
	snap := routingSnapshot(true)
	env := routingEnvelope()
	env.OperationType = "tool_use"
	exec := &scriptedExecutor{failures: map[string]error{
		"gpt-large": &BackendError{BackendID: "gpt-large", Status: 503},
		"gpt-small": &BackendError{BackendID: "gpt-small", Status: 503},
		"local-llm": &BackendError{BackendID: "local-llm", Status: 503},
	}}
	o := &Orchestrator{Executor: exec}
	_, decision, err := o.Execute(context.Background(), snap, env, "prompt", noopRevalidate)
	if !errors.Is(err, ErrLLMUnavailable) {
		t.Fatalf("expected ErrLLMUnavailable, got %+v", err)
	}
	if decision.DegradationStage != models.StageFailClosed {
		t.Fatalf("expected FAIL_CLOSED for non-whitelisted workload, got %s", decision.DegradationStage)
	}
}

type executorFunc func(ctx context.Context, inv Invocation) (Result, error)

func (f executorFunc) Invoke(ctx context.Context, inv Invocation) (Result, error) { return f(ctx, inv) }

func TestBackendErrorTransient(t *testing.T) {
	cases := []struct {
		err  *BackendError
		want bool
	}{
		{&BackendError{Status: 503}, true},
		{&BackendError{Status: 500}, true},
		{&BackendError{Err: errors.New("connection refused")}, true},
		{&BackendError{Status: 400}, false},
		{&BackendError{Status: 429}, false},
	}
	for _, tc := range cases {
		if got := tc.err.Transient(); got != tc.want {
			t.Fatalf("Transient(%+v) = %v, want %v", tc.err, got, tc.want)
		}
	}
}
