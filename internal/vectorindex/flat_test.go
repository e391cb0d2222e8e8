package vectorindex

import "testing"

func TestFlatIndexSearchRanksByCosineSimilarity(t *testing.T) {
	idx := NewFlatIndex()
	idx.Insert(1, []float64{1, 0, 0})
	idx.Insert(2, []float64{0, 1, 0})
	idx.Insert(3, []float64{0.9, 0.1, 0})

	if idx.Len() != 3 {
		t.Fatalf("expected 3 vectors indexed, got %d", idx.Len())
	}

	results := idx.Search([]float64{1, 0, 0}, 2)
	if len(results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(results))
	}
	if results[0].ID != 1 {
		t.Fatalf("expected id 1 to rank first (exact match), got %d", results[0].ID)
	}
	if results[1].ID != 3 {
		t.Fatalf("expected id 3 to rank second (closest neighbor), got %d", results[1].ID)
	}
	if results[0].Score < results[1].Score {
		t.Fatalf("expected descending score order, got %v then %v", results[0].Score, results[1].Score)
	}
}

func TestFlatIndexRemove(t *testing.T) {
	idx := NewFlatIndex()
	idx.Insert(1, []float64{1, 0})
	idx.Insert(2, []float64{0, 1})
	idx.Remove(1)

	if idx.Len() != 1 {
		t.Fatalf("expected 1 vector after removal, got %d", idx.Len())
	}
	results := idx.Search([]float64{1, 0}, 5)
	for _, r := range results {
		if r.ID == 1 {
			t.Fatal("removed id still present in search results")
		}
	}
}

func TestFlatIndexSearchZeroTopKReturnsNil(t *testing.T) {
	idx := NewFlatIndex()
	idx.Insert(1, []float64{1, 0})
	if got := idx.Search([]float64{1, 0}, 0); got != nil {
		t.Fatalf("expected nil for topK<=0, got %v", got)
	}
}
