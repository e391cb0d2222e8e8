package batch

import "testing"

func TestClassifyEmotionMatchesKeyword(t *testing.T) {
	cases := map[string]string{
		"I'm so happy today":             "happy",
		"feeling really down lately":      "sad",
		"work has me so stressed out":     "stressed",
		"I'm furious about this":          "angry",
		"completely exhausted after that": "tired",
		"just feeling calm right now":     "calm",
		"nothing notable happened":        "neutral",
	}
	for text, want := range cases {
		if got := ClassifyEmotion(text); got != want {
			t.Errorf("ClassifyEmotion(%q) = %q, want %q", text, got, want)
		}
	}
}

func TestClassifyEmotionPicksEarliestKeyword(t *testing.T) {
	// "sad" appears before "happy" in the text, so it should win.
	got := ClassifyEmotion("feeling sad but trying to stay happy")
	if got != "sad" {
		t.Fatalf("expected earliest keyword match 'sad', got %q", got)
	}
}

func TestClassifyEmotionCaseInsensitive(t *testing.T) {
	if got := ClassifyEmotion("I AM SO EXCITED"); got != "happy" {
		t.Fatalf("expected case-insensitive match, got %q", got)
	}
}
