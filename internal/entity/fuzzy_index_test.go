package entity

import "testing"

func TestFuzzyIndexAddAndSearch(t *testing.T) {
	idx, err := NewFuzzyIndex(DefaultFuzzyIndexConfig(), nil)
	if err != nil {
		t.Fatalf("NewFuzzyIndex: %v", err)
	}
	defer idx.Close()

	if err := idx.Add("Chloe", 1); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := idx.Add("Marcus", 2); err != nil {
		t.Fatalf("Add: %v", err)
	}

	matches, err := idx.FuzzySearch("Chloe", 5)
	if err != nil {
		t.Fatalf("FuzzySearch: %v", err)
	}
	if len(matches) == 0 {
		t.Fatal("expected at least one fuzzy match for an exact-text query")
	}
	found := false
	for _, m := range matches {
		if m.EntityID == 1 {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected entity 1 among matches, got %+v", matches)
	}
}

func TestFuzzyIndexRemove(t *testing.T) {
	idx, err := NewFuzzyIndex(DefaultFuzzyIndexConfig(), nil)
	if err != nil {
		t.Fatalf("NewFuzzyIndex: %v", err)
	}
	defer idx.Close()

	if err := idx.Add("Chloe", 1); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := idx.Remove("Chloe", 1); err != nil {
		t.Fatalf("Remove: %v", err)
	}

	matches, err := idx.FuzzySearch("Chloe", 5)
	if err != nil {
		t.Fatalf("FuzzySearch: %v", err)
	}
	for _, m := range matches {
		if m.EntityID == 1 {
			t.Fatal("removed alias still present in search results")
		}
	}
}

func TestDocIDDistinguishesSameAliasDifferentEntity(t *testing.T) {
	if docID("Chloe", 1) == docID("Chloe", 2) {
		t.Fatal("expected distinct doc ids for the same alias owned by different entities")
	}
}
