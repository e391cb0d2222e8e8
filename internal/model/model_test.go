package model

import "testing"

func TestEntityHasAliasCaseInsensitive(t *testing.T) {
	e := &Entity{Aliases: []string{"Chloe", "CJ"}}
	if !e.HasAlias("chloe") {
		t.Fatal("expected case-insensitive match for an existing alias")
	}
	if !e.HasAlias("cj") {
		t.Fatal("expected case-insensitive match for a short alias")
	}
	if e.HasAlias("Marcus") {
		t.Fatal("did not expect a match for an alias that was never added")
	}
}

func TestCanonicalPairSortsLexicographically(t *testing.T) {
	a, b := CanonicalPair("Zed", "Alice")
	if a != "Alice" || b != "Zed" {
		t.Fatalf("expected (Alice, Zed), got (%s, %s)", a, b)
	}
	a, b = CanonicalPair("Alice", "Zed")
	if a != "Alice" || b != "Zed" {
		t.Fatalf("expected stable (Alice, Zed) regardless of input order, got (%s, %s)", a, b)
	}
}
