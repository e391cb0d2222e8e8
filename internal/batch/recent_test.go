package batch

import (
	"testing"

	"github.com/vestige-memory/vestige/internal/model"
)

func TestRecentMessagesWindowNewestFirst(t *testing.T) {
	r := NewRecentMessages()
	for i := int64(1); i <= 3; i++ {
		r.Add(model.Message{ID: i, Text: "msg"})
	}

	window := r.Window(2)
	if len(window) != 2 {
		t.Fatalf("expected window of 2, got %d", len(window))
	}
	if window[0].ID != 3 || window[1].ID != 2 {
		t.Fatalf("expected newest-first order [3,2], got [%d,%d]", window[0].ID, window[1].ID)
	}
}

func TestRecentMessagesWindowClampsToSize(t *testing.T) {
	r := NewRecentMessages()
	r.Add(model.Message{ID: 1})
	if got := r.Window(10); len(got) != 1 {
		t.Fatalf("expected window clamped to 1 message, got %d", len(got))
	}
}

func TestRecentMessagesMaxID(t *testing.T) {
	r := NewRecentMessages()
	r.Add(model.Message{ID: 5})
	r.Add(model.Message{ID: 9})
	r.Add(model.Message{ID: 3})
	if got := r.MaxID(); got != 9 {
		t.Fatalf("expected max id 9, got %d", got)
	}
}

func TestRecentMessagesEvictsOldestAtCapacity(t *testing.T) {
	r := NewRecentMessages()
	for i := int64(0); i < int64(recentCapacity)+5; i++ {
		r.Add(model.Message{ID: i})
	}
	window := r.Window(recentCapacity)
	if len(window) != recentCapacity {
		t.Fatalf("expected full capacity window, got %d", len(window))
	}
	if window[0].ID != int64(recentCapacity)+4 {
		t.Fatalf("expected newest id at front, got %d", window[0].ID)
	}
	for _, m := range window {
		if m.ID < 5 {
			t.Fatalf("expected oldest 5 messages evicted, found id %d", m.ID)
		}
	}
}

func TestFilterMentioningMatchesWholeWordCaseInsensitive(t *testing.T) {
	messages := []model.Message{
		{ID: 1, Text: "I saw Chloe at the park"},
		{ID: 2, Text: "chloefish is a username, not a mention"},
		{ID: 3, Text: "nothing relevant here"},
		{ID: 4, Text: "CHLOE called earlier"},
	}
	out := FilterMentioning(messages, []string{"Chloe"})
	if len(out) != 2 {
		t.Fatalf("expected 2 matches, got %d: %+v", len(out), out)
	}
	if out[0].ID != 1 || out[1].ID != 4 {
		t.Fatalf("expected matches [1,4], got [%d,%d]", out[0].ID, out[1].ID)
	}
}

func TestFilterMentioningEmptyAliasesReturnsNil(t *testing.T) {
	messages := []model.Message{{ID: 1, Text: "hello"}}
	if out := FilterMentioning(messages, nil); out != nil {
		t.Fatalf("expected nil for empty alias list, got %+v", out)
	}
}
