package agentloop

import "testing"

func newTestMachine() (*ContextState, *StateMachine) {
	ctx := NewContextState("trace-1", "who is Chloe?", nil, nil, nil)
	return ctx, NewStateMachine(ctx)
}

func TestValidate_StartsExploringOnSearch(t *testing.T) {
	ctx, m := newTestMachine()
	valid, reason := m.Validate("search_entities", map[string]interface{}{"query": "Chloe"})
	if !valid {
		t.Fatalf("expected valid, got rejected: %s", reason)
	}
	m.RecordCall("search_entities", map[string]interface{}{"query": "Chloe"})
	if ctx.CurrentState != StateExploring {
		t.Fatalf("state = %s, want exploring", ctx.CurrentState)
	}
}

func TestValidate_RejectsUnreachableTool(t *testing.T) {
	_, m := newTestMachine()
	valid, reason := m.Validate("find_path", map[string]interface{}{"entity_a": "a", "entity_b": "b"})
	if valid {
		t.Fatal("expected find_path to be rejected from start")
	}
	if reason == "" {
		t.Fatal("expected a rejection reason")
	}
}

func TestValidate_RejectsDuplicateCall(t *testing.T) {
	_, m := newTestMachine()
	args := map[string]interface{}{"query": "Chloe"}
	m.RecordCall("search_entities", args)
	valid, reason := m.Validate("search_entities", args)
	if valid {
		t.Fatal("expected duplicate call to be rejected")
	}
	if reason == "" {
		t.Fatal("expected a rejection reason")
	}
}

func TestValidate_FinishRequiresEvidence(t *testing.T) {
	ctx, m := newTestMachine()
	ctx.CurrentState = StateExploring
	valid, _ := m.Validate("finish", nil)
	if valid {
		t.Fatal("expected finish to be rejected with no evidence")
	}
	ctx.EntityProfiles = append(ctx.EntityProfiles, EntitySummary{Name: "Chloe"})
	valid, reason := m.Validate("finish", nil)
	if !valid {
		t.Fatalf("expected finish to be accepted with evidence, got: %s", reason)
	}
}

func TestValidate_RejectsAtCallLimit(t *testing.T) {
	ctx, m := newTestMachine()
	ctx.CallCount = ctx.MaxCalls
	valid, reason := m.Validate("search_entities", map[string]interface{}{"query": "x"})
	if valid {
		t.Fatal("expected rejection at call limit")
	}
	if reason != "call limit reached" {
		t.Fatalf("reason = %q, want %q", reason, "call limit reached")
	}
}

func TestValidate_ClarificationAlwaysReachableExceptFromTerminal(t *testing.T) {
	_, m := newTestMachine()
	if valid, _ := m.Validate("request_clarification", nil); !valid {
		t.Fatal("expected request_clarification to be valid from start")
	}
}

func TestTryAdvance(t *testing.T) {
	ctx, m := newTestMachine()
	ctx.CurrentState = StateExploring
	m.TryAdvance()
	if ctx.CurrentState != StateExploring {
		t.Fatalf("should not advance without evidence, got %s", ctx.CurrentState)
	}

	ctx.EntityProfiles = append(ctx.EntityProfiles, EntitySummary{Name: "Chloe"})
	ctx.GraphResults = append(ctx.GraphResults, GraphResult{Target: "Sam"})
	m.TryAdvance()
	if ctx.CurrentState != StateGrounded {
		t.Fatalf("expected advance to grounded, got %s", ctx.CurrentState)
	}
}

func TestFinishTransitionsToComplete(t *testing.T) {
	ctx, m := newTestMachine()
	ctx.CurrentState = StateGrounded
	m.Finish()
	if ctx.CurrentState != StateComplete {
		t.Fatalf("state = %s, want complete", ctx.CurrentState)
	}
	if !ctx.CurrentState.IsTerminal() {
		t.Fatal("complete should be terminal")
	}
}

func TestRequestClarificationTransitionsToClarify(t *testing.T) {
	ctx, m := newTestMachine()
	m.RequestClarification()
	if ctx.CurrentState != StateClarify {
		t.Fatalf("state = %s, want clarify", ctx.CurrentState)
	}
}

func TestCallSignatureOrdersArgsDeterministically(t *testing.T) {
	a := callSignature("t", map[string]interface{}{"b": 1, "a": 2})
	b := callSignature("t", map[string]interface{}{"a": 2, "b": 1})
	if a != b {
		t.Fatalf("signatures should be order-independent: %q vs %q", a, b)
	}
}
