package agentloop

import "testing"

func TestSummarizeResultGetProfile(t *testing.T) {
	summary, count := summarizeResult("get_profile", &EntitySummary{Name: "Chloe", Type: "person"}, nil)
	if summary != "Found: Chloe (person)" || count != 1 {
		t.Fatalf("got %q/%d", summary, count)
	}

	summary, count = summarizeResult("get_profile", (*EntitySummary)(nil), nil)
	if summary != "Not found" || count != 0 {
		t.Fatalf("got %q/%d", summary, count)
	}
}

func TestSummarizeResultList(t *testing.T) {
	summary, count := summarizeResult("search_entities", []EntitySummary{{Name: "Chloe"}, {Name: "Sam"}}, nil)
	if summary != "Found 2 results" || count != 2 {
		t.Fatalf("got %q/%d", summary, count)
	}
}

func TestSummarizeResultError(t *testing.T) {
	summary, count := summarizeResult("get_profile", nil, errBoom)
	if count != 0 || summary == "" {
		t.Fatalf("expected an error summary, got %q/%d", summary, count)
	}
}

var errBoom = fmtError("boom")

type fmtError string

func (e fmtError) Error() string { return string(e) }

func TestUpdateAccumulatorsGetProfile(t *testing.T) {
	state := NewContextState("t", "q", nil, nil, nil)
	updateAccumulators(state, "get_profile", &EntitySummary{Name: "Chloe"})
	if len(state.EntityProfiles) != 1 || state.EntityProfiles[0].Name != "Chloe" {
		t.Fatalf("expected one profile, got %+v", state.EntityProfiles)
	}
}

func TestUpdateAccumulatorsGraphResults(t *testing.T) {
	state := NewContextState("t", "q", nil, nil, nil)
	updateAccumulators(state, "get_connections", []GraphResult{{Target: "Sam"}})
	if len(state.GraphResults) != 1 {
		t.Fatalf("expected one graph result, got %+v", state.GraphResults)
	}
}

func TestIntArgFallback(t *testing.T) {
	if got := intArg(map[string]interface{}{"hours": float64(48)}, "hours", 24); got != 48 {
		t.Fatalf("got %d, want 48", got)
	}
	if got := intArg(map[string]interface{}{}, "hours", 24); got != 24 {
		t.Fatalf("got %d, want default 24", got)
	}
}
