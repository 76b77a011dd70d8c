// Package wikilink scans block content for [[Page Title]] tokens.
// An Index (one AC automaton over all known titles) finds the titles a text
// links to. Token and Rewrite work on a single title by plain substring
// matching and do not use the automaton.
package wikilink

import (
	"strings"

	"github.com/coregx/ahocorasick"
)

const (
	open  = "[["
	closing = "]]"
)

// Token returns the literal wiki-link form of a title.
func Token(title string) string {
	return open + title + closing
}

// Link is one detected wiki-link in a piece of content.
type Link struct {
	Title string
	Start int // Byte offset of "[[" in the original text
	End   int // Byte offset just past "]]"
}

// Index matches the wiki-link tokens of a set of page titles.
type Index struct {
	// The AC automaton built from all [[Title]] literals
	ac *ahocorasick.Automaton

	// Pattern index -> title
	titles []string
}

// Compile builds an Index from page titles. Matching is byte-exact on the
// full [[Title]] token; titles that collide after tokenization are deduped.
func Compile(titles []string) (*Index, error) {
	ix := &Index{}

	seen := make(map[string]bool, len(titles))
	patterns := make([]string, 0, len(titles))
	for _, t := range titles {
		if t == "" || seen[t] {
			continue
		}
		seen[t] = true
		ix.titles = append(ix.titles, t)
		patterns = append(patterns, Token(t))
	}
	if len(patterns) == 0 {
		return ix, nil
	}

	// Distinct full tokens cannot overlap, but keep LeftmostLongest so a
	// title that is a prefix of another never shadows it.
	automaton, err := ahocorasick.NewBuilder().
		AddStrings(patterns).
		SetMatchKind(ahocorasick.LeftmostLongest).
		SetPrefilter(true).
		Build()
	if err != nil {
		return nil, err
	}
	ix.ac = automaton

	return ix, nil
}

// Scan finds every known wiki-link token in text (O(n) via AC).
func (ix *Index) Scan(text string) []Link {
	if ix.ac == nil {
		return nil
	}

	matches := ix.ac.FindAllOverlapping([]byte(text))
	result := make([]Link, 0, len(matches))
	for _, m := range matches {
		if m.PatternID >= len(ix.titles) {
			continue
		}
		result = append(result, Link{
			Title: ix.titles[m.PatternID],
			Start: m.Start,
			End:   m.End,
		})
	}
	return result
}

// Targets returns the distinct titles linked from text, in first-seen order.
func (ix *Index) Targets(text string) []string {
	links := ix.Scan(text)
	seen := make(map[string]bool, len(links))
	out := make([]string, 0, len(links))
	for _, l := range links {
		if !seen[l.Title] {
			seen[l.Title] = true
			out = append(out, l.Title)
		}
	}
	return out
}

// Rewrite replaces every [[oldTitle]] token in text with [[newTitle]].
// Reports whether anything changed. Callers are responsible for skipping
// code and fence content, which is opaque to the scanner.
func Rewrite(text, oldTitle, newTitle string) (string, bool) {
	oldTok := Token(oldTitle)
	if !strings.Contains(text, oldTok) {
		return text, false
	}
	return strings.ReplaceAll(text, oldTok, Token(newTitle)), true
}
