package scheduler

import "testing"

func TestTallyTop2(t *testing.T) {
	primary, primaryCount, secondary, secondaryCount := tallyTop2([]string{"joy", "joy", "joy", "calm", "calm"})
	if primary != "joy" || primaryCount != 3 {
		t.Fatalf("primary = %s/%d, want joy/3", primary, primaryCount)
	}
	if secondary != "calm" || secondaryCount != 2 {
		t.Fatalf("secondary = %s/%d, want calm/2", secondary, secondaryCount)
	}
}

func TestTallyTop2SingleLabel(t *testing.T) {
	primary, primaryCount, secondary, secondaryCount := tallyTop2([]string{"anxious"})
	if primary != "anxious" || primaryCount != 1 {
		t.Fatalf("primary = %s/%d, want anxious/1", primary, primaryCount)
	}
	if secondary != "neutral" || secondaryCount != 0 {
		t.Fatalf("secondary = %s/%d, want neutral/0", secondary, secondaryCount)
	}
}

func TestTallyTop2Empty(t *testing.T) {
	primary, _, secondary, _ := tallyTop2(nil)
	if primary != "neutral" || secondary != "neutral" {
		t.Fatalf("expected neutral/neutral for empty input, got %s/%s", primary, secondary)
	}
}

func TestTallyTop2TieBreaksLexicographically(t *testing.T) {
	primary, _, secondary, _ := tallyTop2([]string{"sad", "glad"})
	if primary != "glad" || secondary != "sad" {
		t.Fatalf("tie should break lexicographically, got primary=%s secondary=%s", primary, secondary)
	}
}
