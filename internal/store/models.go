// Package store provides SQLite-backed persistence for the outline engine.
// It owns the page/block tables, enforces the tree invariants, and keeps the
// full-text index in step with every mutation.
package store

import "github.com/kittclouds/outline/pkg/markdown"

// BlockKind tags the three block variants.
type BlockKind string

const (
	BlockKindBullet BlockKind = "bullet"
	BlockKindCode   BlockKind = "code"
	BlockKindFence  BlockKind = "fence"
)

// Valid reports whether k is one of the three known kinds.
func (k BlockKind) Valid() bool {
	switch k {
	case BlockKindBullet, BlockKindCode, BlockKindFence:
		return true
	}
	return false
}

// Page is a container for a block tree, mirrored to one markdown file.
// A directory page groups child pages and owns no blocks.
type Page struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	ParentID    string `json:"parentId,omitempty"` // "" means workspace root
	IsDirectory bool   `json:"isDirectory"`
	FilePath    string `json:"filePath"` // relative to the workspace root, unique
	CreatedAt   int64  `json:"createdAt"`
	UpdatedAt   int64  `json:"updatedAt"`
}

// Block is one node in a page's outline tree.
type Block struct {
	ID          string    `json:"id"`
	PageID      string    `json:"pageId"`
	ParentID    string    `json:"parentId,omitempty"` // "" means page root
	Content     string    `json:"content"`
	OrderWeight float64   `json:"orderWeight"`
	IsCollapsed bool      `json:"isCollapsed"`
	Kind        BlockKind `json:"kind"`
	Language    string    `json:"language,omitempty"` // meaningful only for kind=code
	CreatedAt   int64     `json:"createdAt"`
	UpdatedAt   int64     `json:"updatedAt"`
}

// BlockUpdate carries the mutable block fields; nil means leave unchanged.
type BlockUpdate struct {
	Content     *string
	IsCollapsed *bool
	Kind        *BlockKind
	Language    *string
}

// ResultType distinguishes page-title hits from block-content hits.
type ResultType string

const (
	ResultTypePage  ResultType = "page"
	ResultTypeBlock ResultType = "block"
)

// SearchHit is one ranked full-text match. Matched spans in the snippet are
// delimited by **.
type SearchHit struct {
	BlockID    string     `json:"blockId,omitempty"` // empty for page-title hits
	PageID     string     `json:"pageId"`
	PageTitle  string     `json:"pageTitle"`
	ResultType ResultType `json:"resultType"`
	Snippet    string     `json:"snippet"`
}

// Change names the entities affected by a committed mutation. Listeners run
// after commit and must not call back into the store.
type Change struct {
	PageIDs  []string
	BlockIDs []string
}

// Storer defines the interface for the persistent data layer.
// SQLiteStore is the sole implementation.
type Storer interface {
	// Pages
	ListPages() ([]*Page, error)
	GetPage(id string) (*Page, error)
	GetPageByPath(filePath string) (*Page, error)
	CreatePage(title, parentID string, isDirectory bool) (*Page, error)
	UpdatePageTitle(pageID, title string) (*Page, error)
	MovePage(pageID, newParentID string) (*Page, error)
	DeletePage(pageID string) error

	// Blocks
	GetPageBlocks(pageID string) ([]*Block, error)
	GetBlock(blockID string) (*Block, error)
	CreateBlock(pageID, parentID, afterBlockID, content string, kind BlockKind) (*Block, error)
	UpdateBlock(blockID string, upd BlockUpdate) (*Block, error)
	DeleteBlock(blockID string) ([]string, error)
	IndentBlock(blockID string) (*Block, error)
	OutdentBlock(blockID string) (*Block, error)
	MoveBlock(blockID, newParentID, afterBlockID string) (*Block, error)

	// Bulk replace used by import
	ReplacePageBlocks(pageID string, parsed []markdown.Block) error

	// Link graph
	Backlinks(pageID string) ([]*Block, error)
	PageLinks(pageID string) ([]*Page, error)

	// Full-text search
	Search(query string, limit int) ([]*SearchHit, error)

	// Change notifications
	Subscribe(fn func(Change))

	// Lifecycle
	Close() error
}
