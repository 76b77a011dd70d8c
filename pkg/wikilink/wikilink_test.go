package wikilink

import (
	"reflect"
	"testing"
)

func TestScan(t *testing.T) {
	ix, err := Compile([]string{"alpha", "beta page"})
	if err != nil {
		t.Fatalf("Compile failed: %v", err)
	}

	links := ix.Scan("see [[alpha]] and [[beta page]] but not [[gamma]]")
	if len(links) != 2 {
		t.Fatalf("Expected 2 links, got %d: %#v", len(links), links)
	}
	if links[0].Title != "alpha" || links[1].Title != "beta page" {
		t.Errorf("Wrong titles: %#v", links)
	}
	text := "see [[alpha]] and [[beta page]] but not [[gamma]]"
	if got := text[links[0].Start:links[0].End]; got != "[[alpha]]" {
		t.Errorf("Span mismatch: %q", got)
	}
}

func TestScanPrefixTitles(t *testing.T) {
	// "alpha" is a prefix of "alpha two"; the full token must win.
	ix, err := Compile([]string{"alpha", "alpha two"})
	if err != nil {
		t.Fatalf("Compile failed: %v", err)
	}
	links := ix.Scan("[[alpha two]]")
	if len(links) != 1 || links[0].Title != "alpha two" {
		t.Errorf("Expected single [[alpha two]] match, got %#v", links)
	}
}

func TestTargets(t *testing.T) {
	ix, err := Compile([]string{"a", "b"})
	if err != nil {
		t.Fatalf("Compile failed: %v", err)
	}
	got := ix.Targets("[[a]] [[b]] [[a]]")
	if !reflect.DeepEqual(got, []string{"a", "b"}) {
		t.Errorf("Targets = %#v", got)
	}
}

func TestEmptyIndex(t *testing.T) {
	ix, err := Compile(nil)
	if err != nil {
		t.Fatalf("Compile failed: %v", err)
	}
	if links := ix.Scan("[[anything]]"); links != nil {
		t.Errorf("Expected no links, got %#v", links)
	}
}

func TestRewrite(t *testing.T) {
	got, changed := Rewrite("[[old]] is here, [[old]] again, [[older]] not", "old", "new")
	if !changed {
		t.Fatal("Expected change")
	}
	want := "[[new]] is here, [[new]] again, [[older]] not"
	if got != want {
		t.Errorf("Rewrite = %q, want %q", got, want)
	}

	got, changed = Rewrite("no links", "old", "new")
	if changed || got != "no links" {
		t.Errorf("Unexpected rewrite: %q %v", got, changed)
	}
}
