package store

import (
	"database/sql"
	"sort"
	"strings"
	"unicode"
)

// defaultSearchLimit bounds Search when the caller passes limit <= 0.
const defaultSearchLimit = 50

// =============================================================================
// Index maintenance
// =============================================================================

func ftsInsertBlock(tx *sql.Tx, b *Block) error {
	_, err := tx.Exec("INSERT INTO blocks_fts (content, block_id, page_id) VALUES (?, ?, ?)",
		b.Content, b.ID, b.PageID)
	return translateErr(err, b.ID)
}

func ftsDeleteBlock(tx *sql.Tx, blockID string) error {
	_, err := tx.Exec("DELETE FROM blocks_fts WHERE block_id = ?", blockID)
	return translateErr(err, blockID)
}

func ftsSetPageTitle(tx *sql.Tx, pageID, title string) error {
	if _, err := tx.Exec("DELETE FROM pages_fts WHERE page_id = ?", pageID); err != nil {
		return translateErr(err, pageID)
	}
	_, err := tx.Exec("INSERT INTO pages_fts (title, page_id) VALUES (?, ?)", title, pageID)
	return translateErr(err, pageID)
}

// verifyFTS compares row counts between the source tables and their FTS
// shadows at startup; any disagreement rebuilds both indexes in one
// transaction.
func (s *SQLiteStore) verifyFTS() error {
	var blocks, blocksFTS, pages, pagesFTS int
	for query, dst := range map[string]*int{
		"SELECT COUNT(*) FROM blocks":     &blocks,
		"SELECT COUNT(*) FROM blocks_fts": &blocksFTS,
		"SELECT COUNT(*) FROM pages":      &pages,
		"SELECT COUNT(*) FROM pages_fts":  &pagesFTS,
	} {
		if err := s.db.QueryRow(query).Scan(dst); err != nil {
			return translateErr(err, "")
		}
	}
	if blocks == blocksFTS && pages == pagesFTS {
		return nil
	}

	s.logger.Debug().
		Int("blocks", blocks).Int("blocks_fts", blocksFTS).
		Int("pages", pages).Int("pages_fts", pagesFTS).
		Msg("fts index out of sync, rebuilding")

	return s.withTx(func(tx *sql.Tx) error {
		for _, stmt := range []string{
			"DELETE FROM blocks_fts",
			"INSERT INTO blocks_fts (content, block_id, page_id) SELECT content, id, page_id FROM blocks",
			"DELETE FROM pages_fts",
			"INSERT INTO pages_fts (title, page_id) SELECT title, id FROM pages",
		} {
			if _, err := tx.Exec(stmt); err != nil {
				return translateErr(err, "")
			}
		}
		return nil
	})
}

// =============================================================================
// Query
// =============================================================================

type rankedHit struct {
	hit       *SearchHit
	rank      float64
	updatedAt int64
}

// Search runs a full-text query over block content and page titles and
// returns one merged stream ordered by rank, ties broken by most recent
// update. Matched spans in snippets are delimited by **.
func (s *SQLiteStore) Search(query string, limit int) ([]*SearchHit, error) {
	if limit <= 0 {
		limit = defaultSearchLimit
	}
	match := s.buildMatch(query)
	if match == "" {
		return nil, nil
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var hits []rankedHit

	rows, err := s.db.Query(`
		SELECT blocks_fts.block_id, blocks_fts.page_id, pages.title,
		       snippet(blocks_fts, 0, '**', '**', '…', 12),
		       bm25(blocks_fts), blocks.updated_at
		FROM blocks_fts
		JOIN blocks ON blocks.id = blocks_fts.block_id
		JOIN pages ON pages.id = blocks_fts.page_id
		WHERE blocks_fts MATCH ?
	`, match)
	if err != nil {
		return nil, translateErr(err, "")
	}
	for rows.Next() {
		var h SearchHit
		var r rankedHit
		h.ResultType = ResultTypeBlock
		if err := rows.Scan(&h.BlockID, &h.PageID, &h.PageTitle, &h.Snippet, &r.rank, &r.updatedAt); err != nil {
			rows.Close()
			return nil, translateErr(err, "")
		}
		r.hit = &h
		hits = append(hits, r)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, translateErr(err, "")
	}

	rows, err = s.db.Query(`
		SELECT pages_fts.page_id, pages.title,
		       snippet(pages_fts, 0, '**', '**', '…', 12),
		       bm25(pages_fts), pages.updated_at
		FROM pages_fts
		JOIN pages ON pages.id = pages_fts.page_id
		WHERE pages_fts MATCH ?
	`, match)
	if err != nil {
		return nil, translateErr(err, "")
	}
	for rows.Next() {
		var h SearchHit
		var r rankedHit
		h.ResultType = ResultTypePage
		if err := rows.Scan(&h.PageID, &h.PageTitle, &h.Snippet, &r.rank, &r.updatedAt); err != nil {
			rows.Close()
			return nil, translateErr(err, "")
		}
		r.hit = &h
		hits = append(hits, r)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, translateErr(err, "")
	}

	// bm25 is lower-is-better.
	sort.SliceStable(hits, func(i, j int) bool {
		if hits[i].rank != hits[j].rank {
			return hits[i].rank < hits[j].rank
		}
		return hits[i].updatedAt > hits[j].updatedAt
	})
	if len(hits) > limit {
		hits = hits[:limit]
	}

	out := make([]*SearchHit, len(hits))
	for i, r := range hits {
		out[i] = r.hit
	}
	return out, nil
}

// buildMatch turns a user query into an FTS5 MATCH expression. Quoted
// phrases are preserved; bare tokens get AND semantics. English stopwords
// are dropped from bare tokens as long as at least one content token (or a
// phrase) remains.
func (s *SQLiteStore) buildMatch(query string) string {
	phrases, remainder := splitPhrases(query)

	tokens := strings.FieldsFunc(remainder, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})

	var content, stop []string
	for _, t := range tokens {
		if s.sw != nil && s.sw.Contains(strings.ToLower(t)) {
			stop = append(stop, t)
		} else {
			content = append(content, t)
		}
	}
	if len(content) == 0 && len(phrases) == 0 {
		content = stop
	}

	parts := make([]string, 0, len(phrases)+len(content))
	for _, p := range phrases {
		parts = append(parts, quoteFTS(p))
	}
	for _, t := range content {
		parts = append(parts, quoteFTS(t))
	}
	return strings.Join(parts, " AND ")
}

// splitPhrases extracts double-quoted phrases and returns the remaining
// unquoted text. An unterminated quote runs to end of query.
func splitPhrases(query string) ([]string, string) {
	var phrases []string
	var rest strings.Builder
	for {
		i := strings.IndexByte(query, '"')
		if i < 0 {
			rest.WriteString(query)
			break
		}
		rest.WriteString(query[:i])
		rest.WriteByte(' ')
		query = query[i+1:]
		j := strings.IndexByte(query, '"')
		if j < 0 {
			j = len(query)
		}
		if p := strings.TrimSpace(query[:j]); p != "" {
			phrases = append(phrases, p)
		}
		if j == len(query) {
			break
		}
		query = query[j+1:]
	}
	return phrases, rest.String()
}

// quoteFTS wraps a token or phrase as an FTS5 string literal.
func quoteFTS(tok string) string {
	return `"` + strings.ReplaceAll(tok, `"`, `""`) + `"`
}
