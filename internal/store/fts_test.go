package store

import (
	"strings"
	"testing"
)

func hitFor(hits []*SearchHit, blockID string) *SearchHit {
	for _, h := range hits {
		if h.BlockID == blockID {
			return h
		}
	}
	return nil
}

func TestSearchBlocksAndTitles(t *testing.T) {
	s := newTestStore(t)
	p := newTestPage(t, s, "gardening notes")
	b := mustCreateBlock(t, s, p.ID, "", "", "water the tomato plants daily")
	mustCreateBlock(t, s, p.ID, "", "", "unrelated content")

	hits, err := s.Search("tomato", 10)
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}
	h := hitFor(hits, b.ID)
	if h == nil {
		t.Fatalf("Block hit missing: %v", hits)
	}
	if h.ResultType != ResultTypeBlock || h.PageID != p.ID || h.PageTitle != "gardening notes" {
		t.Errorf("Hit = %+v", h)
	}
	if !strings.Contains(h.Snippet, "**tomato**") {
		t.Errorf("Snippet missing sentinel: %q", h.Snippet)
	}

	// Title match surfaces as a page hit with no block id.
	hits, err = s.Search("gardening", 10)
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}
	var page *SearchHit
	for _, h := range hits {
		if h.ResultType == ResultTypePage {
			page = h
		}
	}
	if page == nil || page.PageID != p.ID || page.BlockID != "" {
		t.Errorf("Page hit = %+v", page)
	}
}

func TestSearchANDSemantics(t *testing.T) {
	s := newTestStore(t)
	p := newTestPage(t, s, "p")
	both := mustCreateBlock(t, s, p.ID, "", "", "alpha beta gamma")
	mustCreateBlock(t, s, p.ID, "", "", "alpha only")

	hits, err := s.Search("alpha gamma", 10)
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}
	if len(hits) != 1 || hits[0].BlockID != both.ID {
		t.Errorf("AND semantics broken: %v", hits)
	}
}

func TestSearchPhrase(t *testing.T) {
	s := newTestStore(t)
	p := newTestPage(t, s, "p")
	exact := mustCreateBlock(t, s, p.ID, "", "", "the quick brown fox")
	mustCreateBlock(t, s, p.ID, "", "", "brown and quick fox")

	hits, err := s.Search(`"quick brown"`, 10)
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}
	if len(hits) != 1 || hits[0].BlockID != exact.ID {
		t.Errorf("Phrase search = %v", hits)
	}
}

func TestSearchStopwordsDropped(t *testing.T) {
	s := newTestStore(t)
	p := newTestPage(t, s, "p")
	b := mustCreateBlock(t, s, p.ID, "", "", "deploy pipeline config")

	// "the" never appears in the block; dropping it is what makes the query
	// match.
	hits, err := s.Search("the deploy pipeline", 10)
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}
	if hitFor(hits, b.ID) == nil {
		t.Errorf("Stopword not dropped: %v", hits)
	}

	// An all-stopword query falls back to the literal tokens.
	if _, err := s.Search("the", 10); err != nil {
		t.Fatalf("All-stopword search failed: %v", err)
	}
}

func TestSearchEmptyQuery(t *testing.T) {
	s := newTestStore(t)
	hits, err := s.Search("   ", 10)
	if err != nil || hits != nil {
		t.Errorf("Empty query: %v, %v", hits, err)
	}
}

// Scenario: rename a linked page and search both the old and new titles.
func TestSearchAfterRename(t *testing.T) {
	s := newTestStore(t)
	alpha := newTestPage(t, s, "alpha")
	other := newTestPage(t, s, "other")
	b := mustCreateBlock(t, s, other.ID, "", "", "[[alpha]] is here")

	if _, err := s.UpdatePageTitle(alpha.ID, "beta"); err != nil {
		t.Fatalf("UpdatePageTitle failed: %v", err)
	}

	hits, err := s.Search("alpha", 10)
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}
	if hitFor(hits, b.ID) != nil {
		t.Errorf("Old title still matches block: %v", hits)
	}

	hits, err = s.Search("beta", 10)
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}
	if hitFor(hits, b.ID) == nil {
		t.Errorf("New title does not match rewritten block: %v", hits)
	}
}

func TestFTSRowParity(t *testing.T) {
	s := newTestStore(t)
	p := newTestPage(t, s, "p")
	a := mustCreateBlock(t, s, p.ID, "", "", "one")
	mustCreateBlock(t, s, p.ID, "", "", "two")
	if _, err := s.DeleteBlock(a.ID); err != nil {
		t.Fatalf("DeleteBlock failed: %v", err)
	}

	var blocks, fts int
	if err := s.db.QueryRow("SELECT COUNT(*) FROM blocks").Scan(&blocks); err != nil {
		t.Fatal(err)
	}
	if err := s.db.QueryRow("SELECT COUNT(*) FROM blocks_fts").Scan(&fts); err != nil {
		t.Fatal(err)
	}
	if blocks != fts {
		t.Errorf("FTS rows %d != block rows %d", fts, blocks)
	}
}

func TestFTSRebuildOnMismatch(t *testing.T) {
	s := newTestStore(t)
	p := newTestPage(t, s, "p")
	mustCreateBlock(t, s, p.ID, "", "", "indexed content")

	// Sabotage the index, then run the startup verification directly.
	if _, err := s.db.Exec("DELETE FROM blocks_fts"); err != nil {
		t.Fatal(err)
	}
	if err := s.verifyFTS(); err != nil {
		t.Fatalf("verifyFTS failed: %v", err)
	}

	hits, err := s.Search("indexed", 10)
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}
	if len(hits) == 0 {
		t.Error("Rebuild did not restore the index")
	}
}
