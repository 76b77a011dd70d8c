// SQLite-backed store. Uses ncruces/go-sqlite3/driver which provides a
// database/sql interface; every operation runs in one transaction and emits
// a change notification after commit.
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "github.com/asg017/sqlite-vec-go-bindings/ncruces"
	"github.com/google/uuid"
	_ "github.com/ncruces/go-sqlite3/driver"
	"github.com/orsinium-labs/stopwords"
	"github.com/rs/zerolog"

	"github.com/kittclouds/outline/pkg/fracidx"
	"github.com/kittclouds/outline/pkg/log"
	"github.com/kittclouds/outline/pkg/markdown"
	"github.com/kittclouds/outline/pkg/wikilink"
)

// SQLiteStore is the SQLite-backed data store.
// One exclusive writer at a time. Readers share the lock, but all queries
// run over a single database connection, so reads do not run in parallel.
type SQLiteStore struct {
	mu     sync.RWMutex
	db     *sql.DB
	root   string // workspace root for page file renames/removals; "" disables
	logger zerolog.Logger
	sw     *stopwords.Stopwords

	lmu       sync.Mutex
	listeners []func(Change)
}

// schema defines the page/block tables and their derived FTS5 tables.
// Note: No foreign keys - referential integrity managed at application level
const schema = `
CREATE TABLE IF NOT EXISTS pages (
    id TEXT PRIMARY KEY,
    title TEXT NOT NULL,
    parent_id TEXT NOT NULL DEFAULT '',
    is_directory INTEGER DEFAULT 0,
    file_path TEXT NOT NULL UNIQUE,
    created_at INTEGER NOT NULL,
    updated_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_pages_parent ON pages(parent_id);

CREATE TABLE IF NOT EXISTS blocks (
    id TEXT PRIMARY KEY,
    page_id TEXT NOT NULL,
    parent_id TEXT NOT NULL DEFAULT '',
    content TEXT NOT NULL,
    order_weight REAL NOT NULL,
    is_collapsed INTEGER DEFAULT 0,
    kind TEXT NOT NULL DEFAULT 'bullet',
    language TEXT,
    created_at INTEGER NOT NULL,
    updated_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_blocks_page ON blocks(page_id);
CREATE INDEX IF NOT EXISTS idx_blocks_siblings ON blocks(page_id, parent_id, order_weight);

CREATE VIRTUAL TABLE IF NOT EXISTS blocks_fts USING fts5(content, block_id UNINDEXED, page_id UNINDEXED);
CREATE VIRTUAL TABLE IF NOT EXISTS pages_fts USING fts5(title, page_id UNINDEXED);
`

// Open opens (or creates) the store at dbPath. root is the workspace
// directory used for page file renames and removals; pass "" to disable
// filesystem side effects.
func Open(dbPath, root string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, translateErr(err, "")
	}
	// One connection: in-memory DSNs are per-connection databases, and the
	// store serializes writes itself.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, translateErr(err, "")
	}

	s := &SQLiteStore{
		db:     db,
		root:   root,
		logger: log.WithComponent("store"),
		sw:     stopwords.MustGet("en"),
	}

	if err := s.verifyFTS(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db != nil {
		return translateErr(s.db.Close(), "")
	}
	return nil
}

// Subscribe registers a listener for committed changes. Listeners run on the
// mutating goroutine and must not call back into the store.
func (s *SQLiteStore) Subscribe(fn func(Change)) {
	s.lmu.Lock()
	defer s.lmu.Unlock()
	s.listeners = append(s.listeners, fn)
}

func (s *SQLiteStore) emit(c Change) {
	if len(c.PageIDs) == 0 && len(c.BlockIDs) == 0 {
		return
	}
	s.lmu.Lock()
	listeners := make([]func(Change), len(s.listeners))
	copy(listeners, s.listeners)
	s.lmu.Unlock()
	for _, fn := range listeners {
		fn(c)
	}
}

func now() int64 { return time.Now().UnixMilli() }

func newID() string { return uuid.NewString() }

// dbtx is satisfied by *sql.DB and *sql.Tx.
type dbtx interface {
	Exec(query string, args ...any) (sql.Result, error)
	Query(query string, args ...any) (*sql.Rows, error)
	QueryRow(query string, args ...any) *sql.Row
}

func (s *SQLiteStore) withTx(fn func(tx *sql.Tx) error) error {
	tx, err := s.db.Begin()
	if err != nil {
		return translateErr(err, "")
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return translateErr(err, "")
	}
	return nil
}

// =============================================================================
// Row scanning
// =============================================================================

const pageCols = "id, title, parent_id, is_directory, file_path, created_at, updated_at"

func scanPage(row interface{ Scan(...any) error }) (*Page, error) {
	var p Page
	var isDir int
	if err := row.Scan(&p.ID, &p.Title, &p.ParentID, &isDir, &p.FilePath, &p.CreatedAt, &p.UpdatedAt); err != nil {
		return nil, err
	}
	p.IsDirectory = isDir != 0
	return &p, nil
}

const blockCols = "id, page_id, parent_id, content, order_weight, is_collapsed, kind, language, created_at, updated_at"

func scanBlock(row interface{ Scan(...any) error }) (*Block, error) {
	var b Block
	var collapsed int
	var kind string
	var language sql.NullString
	if err := row.Scan(&b.ID, &b.PageID, &b.ParentID, &b.Content, &b.OrderWeight,
		&collapsed, &kind, &language, &b.CreatedAt, &b.UpdatedAt); err != nil {
		return nil, err
	}
	b.IsCollapsed = collapsed != 0
	b.Kind = BlockKind(kind)
	if language.Valid {
		b.Language = language.String
	}
	return &b, nil
}

func getPageTx(q dbtx, id string) (*Page, error) {
	p, err := scanPage(q.QueryRow("SELECT "+pageCols+" FROM pages WHERE id = ?", id))
	if err == sql.ErrNoRows {
		return nil, newErr(KindNotFound, id, "page does not exist")
	}
	if err != nil {
		return nil, translateErr(err, id)
	}
	return p, nil
}

func getBlockTx(q dbtx, id string) (*Block, error) {
	b, err := scanBlock(q.QueryRow("SELECT "+blockCols+" FROM blocks WHERE id = ?", id))
	if err == sql.ErrNoRows {
		return nil, newErr(KindNotFound, id, "block does not exist")
	}
	if err != nil {
		return nil, translateErr(err, id)
	}
	return b, nil
}

// =============================================================================
// Page operations
// =============================================================================

// ListPages returns all pages ordered by file path.
func (s *SQLiteStore) ListPages() ([]*Page, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query("SELECT " + pageCols + " FROM pages ORDER BY file_path")
	if err != nil {
		return nil, translateErr(err, "")
	}
	defer rows.Close()

	var pages []*Page
	for rows.Next() {
		p, err := scanPage(rows)
		if err != nil {
			return nil, translateErr(err, "")
		}
		pages = append(pages, p)
	}
	return pages, translateErr(rows.Err(), "")
}

// GetPage retrieves a page by ID.
func (s *SQLiteStore) GetPage(id string) (*Page, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return getPageTx(s.db, id)
}

// GetPageByPath retrieves a page by its workspace-relative file path.
func (s *SQLiteStore) GetPageByPath(filePath string) (*Page, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, err := scanPage(s.db.QueryRow("SELECT "+pageCols+" FROM pages WHERE file_path = ?", filePath))
	if err == sql.ErrNoRows {
		return nil, newErr(KindNotFound, filePath, "no page at path")
	}
	if err != nil {
		return nil, translateErr(err, filePath)
	}
	return p, nil
}

// CreatePage creates a page under parentID (which must be a directory page,
// or "" for the workspace root). The file path derives from the title plus
// the parent path; collisions get a numeric suffix.
func (s *SQLiteStore) CreatePage(title, parentID string, isDirectory bool) (*Page, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		return nil, newErr(KindConflict, "", "page title must not be empty")
	}

	s.mu.Lock()
	page, err := s.createPage(title, parentID, isDirectory)
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}
	s.emit(Change{PageIDs: []string{page.ID}})
	return page, nil
}

func (s *SQLiteStore) createPage(title, parentID string, isDirectory bool) (*Page, error) {
	var page *Page
	err := s.withTx(func(tx *sql.Tx) error {
		parentPath := ""
		if parentID != "" {
			parent, err := getPageTx(tx, parentID)
			if err != nil {
				return err
			}
			if !parent.IsDirectory {
				return newErr(KindInvalidParent, parentID, "parent page is not a directory")
			}
			parentPath = parent.FilePath
		}

		filePath, err := uniquePathTx(tx, parentPath, sanitizeName(title), isDirectory, "")
		if err != nil {
			return err
		}

		ts := now()
		page = &Page{
			ID:          newID(),
			Title:       title,
			ParentID:    parentID,
			IsDirectory: isDirectory,
			FilePath:    filePath,
			CreatedAt:   ts,
			UpdatedAt:   ts,
		}
		if _, err := tx.Exec(`
			INSERT INTO pages (id, title, parent_id, is_directory, file_path, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
		`, page.ID, page.Title, page.ParentID, boolToInt(page.IsDirectory), page.FilePath,
			page.CreatedAt, page.UpdatedAt); err != nil {
			return translateErr(err, page.ID)
		}
		return ftsSetPageTitle(tx, page.ID, page.Title)
	})
	if err != nil {
		return nil, err
	}
	return page, nil
}

// UpdatePageTitle renames a page: new file path, inbound [[old]] wiki-links
// rewritten to [[new]] in bullet blocks, FTS entries refreshed. Code and
// fence content is opaque to the link scanner.
func (s *SQLiteStore) UpdatePageTitle(pageID, title string) (*Page, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		return nil, newErr(KindConflict, pageID, "page title must not be empty")
	}

	s.mu.Lock()
	page, oldPath, change, err := s.updatePageTitle(pageID, title)
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}
	if oldPath != page.FilePath {
		s.renameOnDisk(oldPath, page.FilePath)
	}
	s.emit(change)
	return page, nil
}

func (s *SQLiteStore) updatePageTitle(pageID, title string) (*Page, string, Change, error) {
	var page *Page
	var oldPath string
	change := Change{PageIDs: []string{pageID}}

	err := s.withTx(func(tx *sql.Tx) error {
		p, err := getPageTx(tx, pageID)
		if err != nil {
			return err
		}
		oldTitle := p.Title
		oldPath = p.FilePath

		newPath, err := uniquePathTx(tx, parentPathOf(p.FilePath), sanitizeName(title), p.IsDirectory, pageID)
		if err != nil {
			return err
		}

		ts := now()
		if _, err := tx.Exec(`UPDATE pages SET title = ?, file_path = ?, updated_at = ? WHERE id = ?`,
			title, newPath, ts, pageID); err != nil {
			return translateErr(err, pageID)
		}
		if err := ftsSetPageTitle(tx, pageID, title); err != nil {
			return err
		}
		if p.IsDirectory && newPath != oldPath {
			if err := updateDescendantPaths(tx, oldPath, newPath); err != nil {
				return err
			}
		}

		if oldTitle != title {
			blockIDs, pageIDs, err := rewriteLinks(tx, oldTitle, title, ts)
			if err != nil {
				return err
			}
			change.BlockIDs = blockIDs
			change.PageIDs = append(change.PageIDs, pageIDs...)
		}

		p.Title = title
		p.FilePath = newPath
		p.UpdatedAt = ts
		page = p
		return nil
	})
	if err != nil {
		return nil, "", Change{}, err
	}
	return page, oldPath, change, nil
}

// MovePage re-parents a page under newParentID ("" for the workspace root).
// The target must be a directory and must not be the page itself or one of
// its descendants.
func (s *SQLiteStore) MovePage(pageID, newParentID string) (*Page, error) {
	s.mu.Lock()
	page, oldPath, err := s.movePage(pageID, newParentID)
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}
	if oldPath != page.FilePath {
		s.renameOnDisk(oldPath, page.FilePath)
	}
	s.emit(Change{PageIDs: []string{page.ID}})
	return page, nil
}

func (s *SQLiteStore) movePage(pageID, newParentID string) (*Page, string, error) {
	var page *Page
	var oldPath string

	err := s.withTx(func(tx *sql.Tx) error {
		p, err := getPageTx(tx, pageID)
		if err != nil {
			return err
		}
		oldPath = p.FilePath

		parentPath := ""
		if newParentID != "" {
			if newParentID == pageID {
				return newErr(KindCycleDetected, pageID, "page cannot be its own parent")
			}
			np, err := getPageTx(tx, newParentID)
			if err != nil {
				return err
			}
			if !np.IsDirectory {
				return newErr(KindInvalidParent, newParentID, "target page is not a directory")
			}
			if ok, err := pageIsAncestor(tx, pageID, newParentID); err != nil {
				return err
			} else if ok {
				return newErr(KindCycleDetected, pageID, "target is a descendant of the moved page")
			}
			parentPath = np.FilePath
		}

		newPath, err := uniquePathTx(tx, parentPath, sanitizeName(p.Title), p.IsDirectory, pageID)
		if err != nil {
			return err
		}

		ts := now()
		if _, err := tx.Exec(`UPDATE pages SET parent_id = ?, file_path = ?, updated_at = ? WHERE id = ?`,
			newParentID, newPath, ts, pageID); err != nil {
			return translateErr(err, pageID)
		}
		if p.IsDirectory && newPath != oldPath {
			if err := updateDescendantPaths(tx, oldPath, newPath); err != nil {
				return err
			}
		}

		p.ParentID = newParentID
		p.FilePath = newPath
		p.UpdatedAt = ts
		page = p
		return nil
	})
	if err != nil {
		return nil, "", err
	}
	return page, oldPath, nil
}

// DeletePage removes a page, its blocks, and its FTS entries. Pages with
// child pages cannot be deleted. The mirrored file is removed best-effort
// after commit.
func (s *SQLiteStore) DeletePage(pageID string) error {
	s.mu.Lock()
	filePath, blockIDs, err := s.deletePage(pageID)
	s.mu.Unlock()
	if err != nil {
		return err
	}
	s.removeOnDisk(filePath)
	s.emit(Change{PageIDs: []string{pageID}, BlockIDs: blockIDs})
	return nil
}

func (s *SQLiteStore) deletePage(pageID string) (string, []string, error) {
	var filePath string
	var blockIDs []string

	err := s.withTx(func(tx *sql.Tx) error {
		p, err := getPageTx(tx, pageID)
		if err != nil {
			return err
		}
		filePath = p.FilePath

		var children int
		if err := tx.QueryRow("SELECT COUNT(*) FROM pages WHERE parent_id = ?", pageID).Scan(&children); err != nil {
			return translateErr(err, pageID)
		}
		if children > 0 {
			return newErr(KindConflict, pageID, "page has child pages")
		}

		rows, err := tx.Query("SELECT id FROM blocks WHERE page_id = ?", pageID)
		if err != nil {
			return translateErr(err, pageID)
		}
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return translateErr(err, pageID)
			}
			blockIDs = append(blockIDs, id)
		}
		rows.Close()

		for _, stmt := range []string{
			"DELETE FROM blocks WHERE page_id = ?",
			"DELETE FROM blocks_fts WHERE page_id = ?",
			"DELETE FROM pages_fts WHERE page_id = ?",
		} {
			if _, err := tx.Exec(stmt, pageID); err != nil {
				return translateErr(err, pageID)
			}
		}
		if _, err := tx.Exec("DELETE FROM pages WHERE id = ?", pageID); err != nil {
			return translateErr(err, pageID)
		}
		return nil
	})
	if err != nil {
		return "", nil, err
	}
	return filePath, blockIDs, nil
}

// =============================================================================
// Block operations
// =============================================================================

// GetPageBlocks returns all blocks of a page sorted by (parent_id,
// order_weight). Callers reconstruct the tree.
func (s *SQLiteStore) GetPageBlocks(pageID string) ([]*Block, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, err := getPageTx(s.db, pageID); err != nil {
		return nil, err
	}

	rows, err := s.db.Query("SELECT "+blockCols+" FROM blocks WHERE page_id = ? ORDER BY parent_id, order_weight", pageID)
	if err != nil {
		return nil, translateErr(err, pageID)
	}
	defer rows.Close()

	var blocks []*Block
	for rows.Next() {
		b, err := scanBlock(rows)
		if err != nil {
			return nil, translateErr(err, pageID)
		}
		blocks = append(blocks, b)
	}
	return blocks, translateErr(rows.Err(), pageID)
}

// GetBlock retrieves a block by ID.
func (s *SQLiteStore) GetBlock(blockID string) (*Block, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return getBlockTx(s.db, blockID)
}

// CreateBlock inserts a block. parentID may be inferred from afterBlockID's
// parent; an empty afterBlockID appends to end-of-siblings.
func (s *SQLiteStore) CreateBlock(pageID, parentID, afterBlockID, content string, kind BlockKind) (*Block, error) {
	if kind == "" {
		kind = BlockKindBullet
	}
	if !kind.Valid() {
		return nil, newErr(KindConflict, pageID, fmt.Sprintf("unknown block kind %q", kind))
	}

	s.mu.Lock()
	block, err := s.createBlock(pageID, parentID, afterBlockID, content, kind)
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}
	s.emit(Change{PageIDs: []string{block.PageID}, BlockIDs: []string{block.ID}})
	return block, nil
}

func (s *SQLiteStore) createBlock(pageID, parentID, afterBlockID, content string, kind BlockKind) (*Block, error) {
	var block *Block
	err := s.withTx(func(tx *sql.Tx) error {
		page, err := getPageTx(tx, pageID)
		if err != nil {
			return err
		}
		if page.IsDirectory {
			return newErr(KindInvalidParent, pageID, "directory pages own no blocks")
		}

		if afterBlockID != "" {
			after, err := getBlockTx(tx, afterBlockID)
			if err != nil {
				return err
			}
			if after.PageID != pageID {
				return newErr(KindInvalidParent, afterBlockID, "afterBlock belongs to another page")
			}
			if parentID == "" {
				parentID = after.ParentID
			} else if parentID != after.ParentID {
				return newErr(KindInvalidParent, afterBlockID, "afterBlock is not a child of parent")
			}
		} else if parentID != "" {
			parent, err := getBlockTx(tx, parentID)
			if err != nil {
				return err
			}
			if parent.PageID != pageID {
				return newErr(KindInvalidParent, parentID, "parent block belongs to another page")
			}
		}

		weight, err := s.insertWeight(tx, pageID, parentID, afterBlockID, "", false)
		if err != nil {
			return err
		}

		ts := now()
		block = &Block{
			ID:          newID(),
			PageID:      pageID,
			ParentID:    parentID,
			Content:     content,
			OrderWeight: weight,
			Kind:        kind,
			CreatedAt:   ts,
			UpdatedAt:   ts,
		}
		if err := insertBlockTx(tx, block); err != nil {
			return err
		}
		return ftsInsertBlock(tx, block)
	})
	if err != nil {
		return nil, err
	}
	return block, nil
}

// UpdateBlock applies the non-nil fields of upd. Content changes refresh the
// FTS entry in the same transaction.
func (s *SQLiteStore) UpdateBlock(blockID string, upd BlockUpdate) (*Block, error) {
	if upd.Kind != nil && !upd.Kind.Valid() {
		return nil, newErr(KindConflict, blockID, fmt.Sprintf("unknown block kind %q", *upd.Kind))
	}

	s.mu.Lock()
	block, err := s.updateBlock(blockID, upd)
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}
	s.emit(Change{PageIDs: []string{block.PageID}, BlockIDs: []string{block.ID}})
	return block, nil
}

func (s *SQLiteStore) updateBlock(blockID string, upd BlockUpdate) (*Block, error) {
	var block *Block
	err := s.withTx(func(tx *sql.Tx) error {
		b, err := getBlockTx(tx, blockID)
		if err != nil {
			return err
		}

		contentChanged := false
		if upd.Content != nil && *upd.Content != b.Content {
			b.Content = *upd.Content
			contentChanged = true
		}
		if upd.IsCollapsed != nil {
			b.IsCollapsed = *upd.IsCollapsed
		}
		if upd.Kind != nil {
			b.Kind = *upd.Kind
		}
		if upd.Language != nil {
			b.Language = *upd.Language
		}
		b.UpdatedAt = now()

		if _, err := tx.Exec(`
			UPDATE blocks SET content = ?, is_collapsed = ?, kind = ?, language = ?, updated_at = ?
			WHERE id = ?
		`, b.Content, boolToInt(b.IsCollapsed), string(b.Kind), b.Language, b.UpdatedAt, b.ID); err != nil {
			return translateErr(err, blockID)
		}

		if contentChanged {
			if err := ftsDeleteBlock(tx, b.ID); err != nil {
				return err
			}
			if err := ftsInsertBlock(tx, b); err != nil {
				return err
			}
		}
		block = b
		return nil
	})
	if err != nil {
		return nil, err
	}
	return block, nil
}

// DeleteBlock removes a block and all transitive descendants, returning the
// removed ids (the block first).
func (s *SQLiteStore) DeleteBlock(blockID string) ([]string, error) {
	s.mu.Lock()
	pageID, ids, err := s.deleteBlock(blockID)
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}
	s.emit(Change{PageIDs: []string{pageID}, BlockIDs: ids})
	return ids, nil
}

func (s *SQLiteStore) deleteBlock(blockID string) (string, []string, error) {
	var pageID string
	var ids []string

	err := s.withTx(func(tx *sql.Tx) error {
		b, err := getBlockTx(tx, blockID)
		if err != nil {
			return err
		}
		pageID = b.PageID

		ids, err = descendantIDs(tx, blockID)
		if err != nil {
			return err
		}

		placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
		args := make([]any, len(ids))
		for i, id := range ids {
			args[i] = id
		}
		if _, err := tx.Exec("DELETE FROM blocks WHERE id IN ("+placeholders+")", args...); err != nil {
			return translateErr(err, blockID)
		}
		if _, err := tx.Exec("DELETE FROM blocks_fts WHERE block_id IN ("+placeholders+")", args...); err != nil {
			return translateErr(err, blockID)
		}
		return nil
	})
	if err != nil {
		return "", nil, err
	}
	return pageID, ids, nil
}

// IndentBlock re-parents a block under its preceding sibling, appended to
// the end of that sibling's children.
func (s *SQLiteStore) IndentBlock(blockID string) (*Block, error) {
	s.mu.Lock()
	block, err := s.indentBlock(blockID)
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}
	s.emit(Change{PageIDs: []string{block.PageID}, BlockIDs: []string{block.ID}})
	return block, nil
}

func (s *SQLiteStore) indentBlock(blockID string) (*Block, error) {
	var block *Block
	err := s.withTx(func(tx *sql.Tx) error {
		b, err := getBlockTx(tx, blockID)
		if err != nil {
			return err
		}

		prev, err := scanBlock(tx.QueryRow(`
			SELECT `+blockCols+` FROM blocks
			WHERE page_id = ? AND parent_id = ? AND order_weight < ?
			ORDER BY order_weight DESC LIMIT 1
		`, b.PageID, b.ParentID, b.OrderWeight))
		if err == sql.ErrNoRows {
			return newErr(KindNoPreviousSibling, blockID, "block has no preceding sibling")
		}
		if err != nil {
			return translateErr(err, blockID)
		}

		weight, err := s.insertWeight(tx, b.PageID, prev.ID, "", b.ID, false)
		if err != nil {
			return err
		}
		return s.reposition(tx, b, prev.ID, weight, &block)
	})
	if err != nil {
		return nil, err
	}
	return block, nil
}

// OutdentBlock re-parents a block to its grandparent, placed immediately
// after its current parent in sibling order.
func (s *SQLiteStore) OutdentBlock(blockID string) (*Block, error) {
	s.mu.Lock()
	block, err := s.outdentBlock(blockID)
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}
	s.emit(Change{PageIDs: []string{block.PageID}, BlockIDs: []string{block.ID}})
	return block, nil
}

func (s *SQLiteStore) outdentBlock(blockID string) (*Block, error) {
	var block *Block
	err := s.withTx(func(tx *sql.Tx) error {
		b, err := getBlockTx(tx, blockID)
		if err != nil {
			return err
		}
		if b.ParentID == "" {
			return newErr(KindAlreadyAtRoot, blockID, "block is already at page root")
		}

		parent, err := getBlockTx(tx, b.ParentID)
		if err != nil {
			return err
		}

		weight, err := s.insertWeight(tx, b.PageID, parent.ParentID, parent.ID, b.ID, false)
		if err != nil {
			return err
		}
		return s.reposition(tx, b, parent.ParentID, weight, &block)
	})
	if err != nil {
		return nil, err
	}
	return block, nil
}

// MoveBlock repositions a block under newParentID ("" for page root). An
// empty afterBlockID places it before all current siblings. The target
// parent must not be the block itself or one of its descendants.
func (s *SQLiteStore) MoveBlock(blockID, newParentID, afterBlockID string) (*Block, error) {
	s.mu.Lock()
	block, err := s.moveBlock(blockID, newParentID, afterBlockID)
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}
	s.emit(Change{PageIDs: []string{block.PageID}, BlockIDs: []string{block.ID}})
	return block, nil
}

func (s *SQLiteStore) moveBlock(blockID, newParentID, afterBlockID string) (*Block, error) {
	var block *Block
	err := s.withTx(func(tx *sql.Tx) error {
		b, err := getBlockTx(tx, blockID)
		if err != nil {
			return err
		}

		if newParentID != "" {
			if newParentID == blockID {
				return newErr(KindCycleDetected, blockID, "block cannot be its own parent")
			}
			np, err := getBlockTx(tx, newParentID)
			if err != nil {
				return err
			}
			if np.PageID != b.PageID {
				return newErr(KindInvalidParent, newParentID, "target parent belongs to another page")
			}
			if ok, err := blockIsAncestor(tx, blockID, newParentID); err != nil {
				return err
			} else if ok {
				return newErr(KindCycleDetected, blockID, "target is a descendant of the moved block")
			}
		}

		if afterBlockID != "" {
			after, err := getBlockTx(tx, afterBlockID)
			if err != nil {
				return err
			}
			if after.ParentID != newParentID || after.PageID != b.PageID {
				return newErr(KindInvalidParent, afterBlockID, "afterBlock is not a child of the target parent")
			}
		}

		weight, err := s.insertWeight(tx, b.PageID, newParentID, afterBlockID, b.ID, afterBlockID == "")
		if err != nil {
			return err
		}
		return s.reposition(tx, b, newParentID, weight, &block)
	})
	if err != nil {
		return nil, err
	}
	return block, nil
}

// reposition persists a parent/weight change and fills out.
func (s *SQLiteStore) reposition(tx *sql.Tx, b *Block, parentID string, weight float64, out **Block) error {
	ts := now()
	if _, err := tx.Exec(`UPDATE blocks SET parent_id = ?, order_weight = ?, updated_at = ? WHERE id = ?`,
		parentID, weight, ts, b.ID); err != nil {
		return translateErr(err, b.ID)
	}
	b.ParentID = parentID
	b.OrderWeight = weight
	b.UpdatedAt = ts
	*out = b
	return nil
}

// ReplacePageBlocks swaps a page's entire block set for a parsed markdown
// sequence; order weights are assigned 1.0, 2.0, ... per sibling group.
func (s *SQLiteStore) ReplacePageBlocks(pageID string, parsed []markdown.Block) error {
	s.mu.Lock()
	blockIDs, err := s.replacePageBlocks(pageID, parsed)
	s.mu.Unlock()
	if err != nil {
		return err
	}
	s.emit(Change{PageIDs: []string{pageID}, BlockIDs: blockIDs})
	return nil
}

func (s *SQLiteStore) replacePageBlocks(pageID string, parsed []markdown.Block) ([]string, error) {
	var blockIDs []string
	err := s.withTx(func(tx *sql.Tx) error {
		page, err := getPageTx(tx, pageID)
		if err != nil {
			return err
		}
		if page.IsDirectory {
			return newErr(KindInvalidParent, pageID, "directory pages own no blocks")
		}

		if _, err := tx.Exec("DELETE FROM blocks WHERE page_id = ?", pageID); err != nil {
			return translateErr(err, pageID)
		}
		if _, err := tx.Exec("DELETE FROM blocks_fts WHERE page_id = ?", pageID); err != nil {
			return translateErr(err, pageID)
		}

		type frame struct {
			id    string
			depth int
		}
		var stack []frame
		counters := make(map[string]int)
		ts := now()

		for _, pb := range parsed {
			for len(stack) > 0 && stack[len(stack)-1].depth >= pb.Depth {
				stack = stack[:len(stack)-1]
			}
			parentID := ""
			if len(stack) > 0 {
				parentID = stack[len(stack)-1].id
			}

			counters[parentID]++
			b := &Block{
				ID:          newID(),
				PageID:      pageID,
				ParentID:    parentID,
				Content:     pb.Content,
				OrderWeight: float64(counters[parentID]),
				Kind:        BlockKind(pb.Kind),
				Language:    pb.Language,
				CreatedAt:   ts,
				UpdatedAt:   ts,
			}
			if err := insertBlockTx(tx, b); err != nil {
				return err
			}
			if err := ftsInsertBlock(tx, b); err != nil {
				return err
			}
			blockIDs = append(blockIDs, b.ID)
			stack = append(stack, frame{id: b.ID, depth: pb.Depth})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return blockIDs, nil
}

// =============================================================================
// Link graph
// =============================================================================

// Backlinks returns bullet blocks on other pages that link [[title]] of the
// given page.
func (s *SQLiteStore) Backlinks(pageID string) ([]*Block, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	page, err := getPageTx(s.db, pageID)
	if err != nil {
		return nil, err
	}

	rows, err := s.db.Query(`
		SELECT `+blockCols+` FROM blocks
		WHERE kind = 'bullet' AND page_id != ? AND instr(content, ?) > 0
		ORDER BY page_id, parent_id, order_weight
	`, pageID, wikilink.Token(page.Title))
	if err != nil {
		return nil, translateErr(err, pageID)
	}
	defer rows.Close()

	var blocks []*Block
	for rows.Next() {
		b, err := scanBlock(rows)
		if err != nil {
			return nil, translateErr(err, pageID)
		}
		blocks = append(blocks, b)
	}
	return blocks, translateErr(rows.Err(), pageID)
}

// PageLinks returns the distinct pages a page links to through [[Title]]
// tokens in its bullet blocks, in first-seen order.
func (s *SQLiteStore) PageLinks(pageID string) ([]*Page, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, err := getPageTx(s.db, pageID); err != nil {
		return nil, err
	}

	pages, err := s.allPagesByTitle()
	if err != nil {
		return nil, err
	}
	titles := make([]string, 0, len(pages))
	for t := range pages {
		titles = append(titles, t)
	}
	ix, err := wikilink.Compile(titles)
	if err != nil {
		return nil, translateErr(err, pageID)
	}

	rows, err := s.db.Query(`
		SELECT content FROM blocks
		WHERE page_id = ? AND kind = 'bullet'
		ORDER BY parent_id, order_weight
	`, pageID)
	if err != nil {
		return nil, translateErr(err, pageID)
	}
	defer rows.Close()

	seen := make(map[string]bool)
	var out []*Page
	for rows.Next() {
		var content string
		if err := rows.Scan(&content); err != nil {
			return nil, translateErr(err, pageID)
		}
		for _, title := range ix.Targets(content) {
			target := pages[title]
			if target == nil || target.ID == pageID || seen[target.ID] {
				continue
			}
			seen[target.ID] = true
			out = append(out, target)
		}
	}
	return out, translateErr(rows.Err(), pageID)
}

// allPagesByTitle maps current titles to pages. Duplicate titles keep the
// first page in file-path order.
func (s *SQLiteStore) allPagesByTitle() (map[string]*Page, error) {
	rows, err := s.db.Query("SELECT " + pageCols + " FROM pages ORDER BY file_path")
	if err != nil {
		return nil, translateErr(err, "")
	}
	defer rows.Close()

	out := make(map[string]*Page)
	for rows.Next() {
		p, err := scanPage(rows)
		if err != nil {
			return nil, translateErr(err, "")
		}
		if _, ok := out[p.Title]; !ok {
			out[p.Title] = p
		}
	}
	return out, translateErr(rows.Err(), "")
}

// =============================================================================
// Ordering helpers
// =============================================================================

// insertWeight computes the order weight for an insertion into the
// (pageID, parentID) sibling group: after a named sibling, at the front, or
// appended. exclude removes a block (the one being moved) from neighbor
// queries. Precision exhaustion triggers a group rebalance and one retry.
func (s *SQLiteStore) insertWeight(tx *sql.Tx, pageID, parentID, afterID, exclude string, front bool) (float64, error) {
	for attempt := 0; ; attempt++ {
		var before, after *float64
		var err error

		switch {
		case afterID != "":
			var aw float64
			if err := tx.QueryRow("SELECT order_weight FROM blocks WHERE id = ?", afterID).Scan(&aw); err != nil {
				return 0, translateErr(err, afterID)
			}
			before = &aw
			if after, err = s.siblingWeight(tx, pageID, parentID, exclude, "> ?", "ASC", &aw); err != nil {
				return 0, err
			}
		case front:
			if after, err = s.siblingWeight(tx, pageID, parentID, exclude, "", "ASC", nil); err != nil {
				return 0, err
			}
		default:
			if before, err = s.siblingWeight(tx, pageID, parentID, exclude, "", "DESC", nil); err != nil {
				return 0, err
			}
		}

		k, err := fracidx.Between(before, after)
		if err == nil {
			return k, nil
		}
		if !errors.Is(err, fracidx.ErrPrecisionExhausted) || attempt > 0 {
			return 0, &Error{Kind: KindPrecisionExhausted, Entity: afterID, Msg: "sibling group cannot be rebalanced", cause: err}
		}
		if err := s.rebalanceGroup(tx, pageID, parentID); err != nil {
			return 0, err
		}
	}
}

// siblingWeight returns one neighbor weight from the sibling group, or nil
// when the group side is empty. cmp is an optional "order_weight <op> ?"
// filter against ref.
func (s *SQLiteStore) siblingWeight(tx *sql.Tx, pageID, parentID, exclude, cmp, dir string, ref *float64) (*float64, error) {
	query := "SELECT order_weight FROM blocks WHERE page_id = ? AND parent_id = ? AND id != ?"
	args := []any{pageID, parentID, exclude}
	if cmp != "" {
		query += " AND order_weight " + cmp
		args = append(args, *ref)
	}
	query += " ORDER BY order_weight " + dir + " LIMIT 1"

	var w float64
	err := tx.QueryRow(query, args...).Scan(&w)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, translateErr(err, pageID)
	}
	return &w, nil
}

// rebalanceGroup rewrites a sibling group's weights to 1.0, 2.0, ... n,
// preserving the visible order.
func (s *SQLiteStore) rebalanceGroup(tx *sql.Tx, pageID, parentID string) error {
	rows, err := tx.Query(`
		SELECT id FROM blocks WHERE page_id = ? AND parent_id = ?
		ORDER BY order_weight, id
	`, pageID, parentID)
	if err != nil {
		return translateErr(err, pageID)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return translateErr(err, pageID)
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return translateErr(err, pageID)
	}

	keys := fracidx.Rebalanced(len(ids))
	for i, id := range ids {
		if _, err := tx.Exec("UPDATE blocks SET order_weight = ? WHERE id = ?", keys[i], id); err != nil {
			return translateErr(err, id)
		}
	}
	s.logger.Debug().Str("page_id", pageID).Int("siblings", len(ids)).Msg("rebalanced sibling group")
	return nil
}

// =============================================================================
// Tree helpers
// =============================================================================

// descendantIDs collects blockID and all transitive descendants.
func descendantIDs(tx *sql.Tx, blockID string) ([]string, error) {
	rows, err := tx.Query(`
		WITH RECURSIVE sub(id) AS (
			SELECT id FROM blocks WHERE id = ?
			UNION ALL
			SELECT b.id FROM blocks b JOIN sub ON b.parent_id = sub.id
		)
		SELECT id FROM sub
	`, blockID)
	if err != nil {
		return nil, translateErr(err, blockID)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, translateErr(err, blockID)
		}
		ids = append(ids, id)
	}
	return ids, translateErr(rows.Err(), blockID)
}

// blockIsAncestor reports whether ancestorID is an ancestor of blockID,
// walking parent pointers from blockID upward.
func blockIsAncestor(tx *sql.Tx, ancestorID, blockID string) (bool, error) {
	cur := blockID
	for i := 0; cur != "" && i < 1<<16; i++ {
		var parent string
		err := tx.QueryRow("SELECT parent_id FROM blocks WHERE id = ?", cur).Scan(&parent)
		if err == sql.ErrNoRows {
			return false, nil
		}
		if err != nil {
			return false, translateErr(err, blockID)
		}
		if parent == ancestorID {
			return true, nil
		}
		cur = parent
	}
	return false, nil
}

// pageIsAncestor reports whether ancestorID is an ancestor of pageID.
func pageIsAncestor(tx *sql.Tx, ancestorID, pageID string) (bool, error) {
	cur := pageID
	for i := 0; cur != "" && i < 1<<16; i++ {
		var parent string
		err := tx.QueryRow("SELECT parent_id FROM pages WHERE id = ?", cur).Scan(&parent)
		if err == sql.ErrNoRows {
			return false, nil
		}
		if err != nil {
			return false, translateErr(err, pageID)
		}
		if parent == ancestorID {
			return true, nil
		}
		cur = parent
	}
	return false, nil
}

// =============================================================================
// Path helpers
// =============================================================================

// sanitizeName makes a title usable as a single path element.
func sanitizeName(title string) string {
	name := strings.Map(func(r rune) rune {
		if r == '/' || r == '\\' {
			return '-'
		}
		return r
	}, title)
	name = strings.Trim(name, " .")
	if name == "" {
		name = "untitled"
	}
	return name
}

func parentPathOf(filePath string) string {
	dir := filepath.Dir(filePath)
	if dir == "." {
		return ""
	}
	return dir
}

// uniquePathTx derives the file path for name under parentPath, resolving
// collisions with a numeric suffix. excludeID lets a page keep its own path.
func uniquePathTx(tx dbtx, parentPath, name string, isDirectory bool, excludeID string) (string, error) {
	for i := 1; ; i++ {
		candidate := name
		if i > 1 {
			candidate = fmt.Sprintf("%s-%d", name, i)
		}
		if !isDirectory {
			candidate += ".md"
		}
		if parentPath != "" {
			candidate = parentPath + "/" + candidate
		}

		var id string
		err := tx.QueryRow("SELECT id FROM pages WHERE file_path = ?", candidate).Scan(&id)
		if err == sql.ErrNoRows {
			return candidate, nil
		}
		if err != nil {
			return "", translateErr(err, "")
		}
		if id == excludeID {
			return candidate, nil
		}
	}
}

// updateDescendantPaths rewrites the path prefix of every page under a moved
// or renamed directory page.
func updateDescendantPaths(tx *sql.Tx, oldPrefix, newPrefix string) error {
	rows, err := tx.Query("SELECT id, file_path FROM pages WHERE substr(file_path, 1, ?) = ?",
		len(oldPrefix)+1, oldPrefix+"/")
	if err != nil {
		return translateErr(err, "")
	}
	type entry struct{ id, path string }
	var entries []entry
	for rows.Next() {
		var e entry
		if err := rows.Scan(&e.id, &e.path); err != nil {
			rows.Close()
			return translateErr(err, "")
		}
		entries = append(entries, e)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return translateErr(err, "")
	}

	for _, e := range entries {
		if _, err := tx.Exec("UPDATE pages SET file_path = ? WHERE id = ?",
			newPrefix+e.path[len(oldPrefix):], e.id); err != nil {
			return translateErr(err, e.id)
		}
	}
	return nil
}

// rewriteLinks replaces [[old]] with [[new]] in every bullet block and
// refreshes the FTS entries of the rewritten blocks.
func rewriteLinks(tx *sql.Tx, oldTitle, newTitle string, ts int64) ([]string, []string, error) {
	rows, err := tx.Query(`
		SELECT id, page_id, content FROM blocks
		WHERE kind = 'bullet' AND instr(content, ?) > 0
	`, wikilink.Token(oldTitle))
	if err != nil {
		return nil, nil, translateErr(err, "")
	}

	type hit struct{ id, pageID, content string }
	var hits []hit
	for rows.Next() {
		var h hit
		if err := rows.Scan(&h.id, &h.pageID, &h.content); err != nil {
			rows.Close()
			return nil, nil, translateErr(err, "")
		}
		hits = append(hits, h)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, nil, translateErr(err, "")
	}

	var blockIDs []string
	pageSet := make(map[string]bool)
	for _, h := range hits {
		rewritten, changed := wikilink.Rewrite(h.content, oldTitle, newTitle)
		if !changed {
			continue
		}
		if _, err := tx.Exec("UPDATE blocks SET content = ?, updated_at = ? WHERE id = ?",
			rewritten, ts, h.id); err != nil {
			return nil, nil, translateErr(err, h.id)
		}
		if _, err := tx.Exec("UPDATE blocks_fts SET content = ? WHERE block_id = ?",
			rewritten, h.id); err != nil {
			return nil, nil, translateErr(err, h.id)
		}
		blockIDs = append(blockIDs, h.id)
		pageSet[h.pageID] = true
	}

	pageIDs := make([]string, 0, len(pageSet))
	for id := range pageSet {
		pageIDs = append(pageIDs, id)
	}
	return blockIDs, pageIDs, nil
}

// =============================================================================
// Row helpers
// =============================================================================

func insertBlockTx(tx *sql.Tx, b *Block) error {
	_, err := tx.Exec(`
		INSERT INTO blocks (id, page_id, parent_id, content, order_weight, is_collapsed, kind, language, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, b.ID, b.PageID, b.ParentID, b.Content, b.OrderWeight,
		boolToInt(b.IsCollapsed), string(b.Kind), b.Language, b.CreatedAt, b.UpdatedAt)
	return translateErr(err, b.ID)
}

// renameOnDisk moves the mirrored file or directory. Best-effort after
// commit; the mirror rewrites at the new path anyway.
func (s *SQLiteStore) renameOnDisk(oldPath, newPath string) {
	if s.root == "" || oldPath == newPath {
		return
	}
	err := os.Rename(filepath.Join(s.root, oldPath), filepath.Join(s.root, newPath))
	if err != nil && !os.IsNotExist(err) {
		s.logger.Warn().Err(err).Str("from", oldPath).Str("to", newPath).Msg("file rename failed")
	}
}

// removeOnDisk deletes the mirrored file of a removed page. Best-effort.
func (s *SQLiteStore) removeOnDisk(path string) {
	if s.root == "" || path == "" {
		return
	}
	err := os.Remove(filepath.Join(s.root, path))
	if err != nil && !os.IsNotExist(err) {
		s.logger.Warn().Err(err).Str("path", path).Msg("file removal failed")
	}
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// Compile-time interface check
var _ Storer = (*SQLiteStore)(nil)
