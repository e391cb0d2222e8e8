package batch

import (
	"strings"
	"testing"
	"time"
)

func TestRelativeTimeBuckets(t *testing.T) {
	now := time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC)
	cases := []struct {
		name string
		then time.Time
		want string
	}{
		{"just now", now.Add(-30 * time.Second), "just now"},
		{"minutes", now.Add(-5 * time.Minute), "5 minutes ago"},
		{"hours", now.Add(-3 * time.Hour), "3 hours ago"},
		{"days", now.Add(-50 * time.Hour), "2 days ago"},
	}
	for _, c := range cases {
		if got := relativeTime(now, c.then); got != c.want {
			t.Errorf("%s: got %q, want %q", c.name, got, c.want)
		}
	}
}

func TestBuildProfileUpdatePromptIncludesAliasesAndSummary(t *testing.T) {
	now := time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC)
	prompt := BuildProfileUpdatePrompt(
		"existing summary text",
		[]string{"Chloe", "CJ"},
		nil,
		now,
	)
	if !strings.Contains(prompt, "Chloe, CJ") {
		t.Errorf("expected joined alias list in prompt, got %q", prompt)
	}
	if !strings.Contains(prompt, "existing summary text") {
		t.Errorf("expected existing summary embedded in prompt, got %q", prompt)
	}
}
