// Package cache holds the normalized in-memory state of one open page:
// blocks by id plus ordered children per parent. Mutations apply
// optimistically and reconcile against the store's response; failures roll
// the local state back.
package cache

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog"

	"github.com/kittclouds/outline/internal/store"
	"github.com/kittclouds/outline/pkg/log"
)

// RootKey indexes the page-root sibling sequence in the children map.
const RootKey = ""

// closedPageCapacity bounds the LRU of recently closed pages.
const closedPageCapacity = 8

// Listener observes one block. It receives the new block value, or nil when
// the block is removed.
type Listener func(*store.Block)

// pageState is the normalized snapshot of one page.
type pageState struct {
	blocks   map[string]*store.Block
	children map[string][]string
}

func newPageState() *pageState {
	return &pageState{
		blocks:   make(map[string]*store.Block),
		children: make(map[string][]string),
	}
}

func (ps *pageState) clone() *pageState {
	out := newPageState()
	for id, b := range ps.blocks {
		out.blocks[id] = b
	}
	for parent, ids := range ps.children {
		out.children[parent] = append([]string(nil), ids...)
	}
	return out
}

// Cache is the per-UI-instance client cache. All state is confined to the
// caller's goroutine apart from background revalidation, which the mutex
// covers.
type Cache struct {
	mu     sync.Mutex
	st     store.Storer
	logger zerolog.Logger

	pageID string
	state  *pageState
	gen    uint64

	recent *lru.Cache[string, *pageState]

	subs    map[string]map[int]Listener
	nextSub int

	focusedBlockID   string
	selectedBlockIDs map[string]struct{}
}

// New creates an empty cache over the store.
func New(st store.Storer) *Cache {
	recent, _ := lru.New[string, *pageState](closedPageCapacity)
	return &Cache{
		st:               st,
		logger:           log.WithComponent("cache"),
		state:            newPageState(),
		recent:           recent,
		subs:             make(map[string]map[int]Listener),
		selectedBlockIDs: make(map[string]struct{}),
	}
}

// =============================================================================
// Page lifecycle
// =============================================================================

// OpenPage loads a page and replaces the cache state atomically. A hit in
// the recently-closed LRU restores synchronously and revalidates in the
// background. If the caller navigates away (ctx cancelled, or another
// OpenPage starts) the late-arriving result is discarded.
func (c *Cache) OpenPage(ctx context.Context, pageID string) error {
	c.mu.Lock()
	c.stashCurrent()
	c.gen++
	gen := c.gen
	c.pageID = pageID
	c.focusedBlockID = ""
	c.selectedBlockIDs = make(map[string]struct{})

	if cached, ok := c.recent.Get(pageID); ok {
		c.state = cached.clone()
		c.mu.Unlock()
		go c.revalidate(pageID, gen)
		return nil
	}
	c.state = newPageState()
	c.mu.Unlock()

	blocks, err := c.st.GetPageBlocks(pageID)
	if err != nil {
		return err
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.gen != gen {
		return nil // a newer OpenPage superseded this load
	}
	c.state = buildState(blocks)
	return nil
}

func (c *Cache) revalidate(pageID string, gen uint64) {
	blocks, err := c.st.GetPageBlocks(pageID)
	if err != nil {
		c.logger.Warn().Err(err).Str("page_id", pageID).Msg("revalidation failed")
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.gen != gen {
		return
	}
	c.state = buildState(blocks)
}

// stashCurrent parks the open page in the recently-closed LRU.
// Caller holds mu.
func (c *Cache) stashCurrent() {
	if c.pageID != "" {
		c.recent.Add(c.pageID, c.state)
	}
}

func buildState(blocks []*store.Block) *pageState {
	ps := newPageState()
	for _, b := range blocks {
		ps.blocks[b.ID] = b
		// GetPageBlocks is sorted by (parent, weight); append preserves
		// sibling order.
		ps.children[b.ParentID] = append(ps.children[b.ParentID], b.ID)
	}
	return ps
}

// PageID returns the currently open page id.
func (c *Cache) PageID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pageID
}

// Block returns the cached block, or nil. The returned value is immutable
// from the caller's perspective.
func (c *Cache) Block(blockID string) *store.Block {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state.blocks[blockID]
}

// Children returns the ordered child ids of a parent (RootKey for the page
// root).
func (c *Cache) Children(parentID string) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.state.children[parentID]...)
}

// =============================================================================
// Subscriptions
// =============================================================================

// SubscribeBlock registers a listener for one block and returns the
// unsubscribe function.
func (c *Cache) SubscribeBlock(blockID string, fn Listener) func() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.subs[blockID] == nil {
		c.subs[blockID] = make(map[int]Listener)
	}
	id := c.nextSub
	c.nextSub++
	c.subs[blockID][id] = fn
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.subs[blockID], id)
	}
}

// notify invokes a block's listeners outside the mutex.
func (c *Cache) notify(blockID string, b *store.Block) {
	c.mu.Lock()
	listeners := make([]Listener, 0, len(c.subs[blockID]))
	for _, fn := range c.subs[blockID] {
		listeners = append(listeners, fn)
	}
	c.mu.Unlock()
	for _, fn := range listeners {
		fn(b)
	}
}

// =============================================================================
// Focus and selection (pure UI state)
// =============================================================================

func (c *Cache) FocusedBlock() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.focusedBlockID
}

func (c *Cache) SetFocusedBlock(blockID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.focusedBlockID = blockID
}

func (c *Cache) SelectedBlocks() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.selectedBlockIDs))
	for id := range c.selectedBlockIDs {
		out = append(out, id)
	}
	return out
}

func (c *Cache) SetSelected(blockIDs []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.selectedBlockIDs = make(map[string]struct{}, len(blockIDs))
	for _, id := range blockIDs {
		c.selectedBlockIDs[id] = struct{}{}
	}
}

// =============================================================================
// Optimistic mutations
// =============================================================================

// CreateBlock inserts optimistically under a temporary id, then swaps in the
// store entity at the same local position.
func (c *Cache) CreateBlock(parentID, afterID, content string, kind store.BlockKind) (*store.Block, error) {
	if kind == "" {
		kind = store.BlockKindBullet
	}

	c.mu.Lock()
	pageID := c.pageID
	rollback := c.snapshotSiblings(parentID)
	tmp := &store.Block{
		ID:          "tmp-" + uuid.NewString(),
		PageID:      pageID,
		ParentID:    parentID,
		Content:     content,
		Kind:        kind,
		OrderWeight: c.localWeight(parentID, afterID),
	}
	c.state.blocks[tmp.ID] = tmp
	c.insertChild(parentID, afterID, tmp.ID)
	c.mu.Unlock()
	c.notify(tmp.ID, tmp)

	created, err := c.retryIO(func() (*store.Block, error) {
		return c.st.CreateBlock(pageID, parentID, afterID, content, kind)
	})

	c.mu.Lock()
	if err != nil {
		delete(c.state.blocks, tmp.ID)
		rollback()
		c.mu.Unlock()
		c.notify(tmp.ID, nil)
		return nil, err
	}

	// Replace the temporary entity, preserving the local position.
	delete(c.state.blocks, tmp.ID)
	c.state.blocks[created.ID] = created
	c.replaceChildID(parentID, tmp.ID, created.ID)
	c.mu.Unlock()

	c.notify(tmp.ID, nil)
	c.notify(created.ID, created)
	return created, nil
}

// UpdateContent applies a content edit optimistically. The optimistic text
// is kept when it matches the store echo; a mismatch adopts the store value.
func (c *Cache) UpdateContent(blockID, content string) (*store.Block, error) {
	c.mu.Lock()
	prev, ok := c.state.blocks[blockID]
	if !ok {
		c.mu.Unlock()
		return nil, store.ErrNotFound
	}
	optimistic := *prev
	optimistic.Content = content
	c.state.blocks[blockID] = &optimistic
	c.mu.Unlock()
	c.notify(blockID, &optimistic)

	echoed, err := c.retryIO(func() (*store.Block, error) {
		return c.st.UpdateBlock(blockID, store.BlockUpdate{Content: &content})
	})

	c.mu.Lock()
	if err != nil {
		c.state.blocks[blockID] = prev
		c.mu.Unlock()
		c.notify(blockID, prev)
		return nil, err
	}
	adopted := echoed
	if echoed.Content == optimistic.Content {
		merged := optimistic
		merged.UpdatedAt = echoed.UpdatedAt
		adopted = &merged
	}
	c.state.blocks[blockID] = adopted
	c.mu.Unlock()
	c.notify(blockID, adopted)
	return adopted, nil
}

// ToggleCollapse flips a block's collapsed flag.
func (c *Cache) ToggleCollapse(blockID string) (*store.Block, error) {
	c.mu.Lock()
	prev, ok := c.state.blocks[blockID]
	if !ok {
		c.mu.Unlock()
		return nil, store.ErrNotFound
	}
	collapsed := !prev.IsCollapsed
	optimistic := *prev
	optimistic.IsCollapsed = collapsed
	c.state.blocks[blockID] = &optimistic
	c.mu.Unlock()
	c.notify(blockID, &optimistic)

	echoed, err := c.retryIO(func() (*store.Block, error) {
		return c.st.UpdateBlock(blockID, store.BlockUpdate{IsCollapsed: &collapsed})
	})

	c.mu.Lock()
	if err != nil {
		c.state.blocks[blockID] = prev
		c.mu.Unlock()
		c.notify(blockID, prev)
		return nil, err
	}
	c.state.blocks[blockID] = echoed
	c.mu.Unlock()
	c.notify(blockID, echoed)
	return echoed, nil
}

// DeleteBlock removes a subtree optimistically; failure restores every
// removed block and the sibling sequence.
func (c *Cache) DeleteBlock(blockID string) error {
	c.mu.Lock()
	b, ok := c.state.blocks[blockID]
	if !ok {
		c.mu.Unlock()
		return store.ErrNotFound
	}
	rollbackSiblings := c.snapshotSiblings(b.ParentID)

	removedIDs := c.subtreeIDs(blockID)
	removed := make(map[string]*store.Block, len(removedIDs))
	removedChildren := make(map[string][]string, len(removedIDs))
	for _, id := range removedIDs {
		removed[id] = c.state.blocks[id]
		removedChildren[id] = c.state.children[id]
		delete(c.state.blocks, id)
		delete(c.state.children, id)
	}
	c.removeChildID(b.ParentID, blockID)
	c.mu.Unlock()
	for _, id := range removedIDs {
		c.notify(id, nil)
	}

	_, err := c.retryIODelete(func() ([]string, error) {
		return c.st.DeleteBlock(blockID)
	})
	if err == nil {
		return nil
	}

	c.mu.Lock()
	for id, blk := range removed {
		c.state.blocks[id] = blk
	}
	for id, kids := range removedChildren {
		if kids != nil {
			c.state.children[id] = kids
		}
	}
	rollbackSiblings()
	c.mu.Unlock()
	for _, id := range removedIDs {
		c.notify(id, removed[id])
	}
	return err
}

// IndentBlock nests a block under its preceding sibling.
func (c *Cache) IndentBlock(blockID string) (*store.Block, error) {
	return c.structural(blockID, func() (*store.Block, error) {
		return c.st.IndentBlock(blockID)
	})
}

// OutdentBlock lifts a block to its grandparent.
func (c *Cache) OutdentBlock(blockID string) (*store.Block, error) {
	return c.structural(blockID, func() (*store.Block, error) {
		return c.st.OutdentBlock(blockID)
	})
}

// MoveBlock repositions a block arbitrarily.
func (c *Cache) MoveBlock(blockID, newParentID, afterID string) (*store.Block, error) {
	return c.structural(blockID, func() (*store.Block, error) {
		return c.st.MoveBlock(blockID, newParentID, afterID)
	})
}

// structural runs a store re-parenting operation and rebuilds the affected
// sibling sequences from the result. Failure reloads the whole page rather
// than attempting a fine-grained rollback.
func (c *Cache) structural(blockID string, op func() (*store.Block, error)) (*store.Block, error) {
	c.mu.Lock()
	prev, ok := c.state.blocks[blockID]
	if !ok {
		c.mu.Unlock()
		return nil, store.ErrNotFound
	}
	oldParent := prev.ParentID
	pageID := c.pageID
	c.mu.Unlock()

	moved, err := c.retryIO(op)
	if err != nil {
		c.reload(pageID)
		return nil, err
	}

	c.mu.Lock()
	c.removeChildID(oldParent, blockID)
	c.state.blocks[blockID] = moved
	c.insertChildByWeight(moved.ParentID, moved.ID, moved.OrderWeight)
	c.mu.Unlock()
	c.notify(blockID, moved)
	return moved, nil
}

// reload replaces the page state from the store after a failed structural
// mutation.
func (c *Cache) reload(pageID string) {
	blocks, err := c.st.GetPageBlocks(pageID)
	if err != nil {
		c.logger.Warn().Err(err).Str("page_id", pageID).Msg("page reload failed")
		return
	}
	c.mu.Lock()
	c.state = buildState(blocks)
	c.mu.Unlock()
}

// =============================================================================
// Local tree surgery (caller holds mu unless noted)
// =============================================================================

// snapshotSiblings captures one sibling sequence; the returned func restores
// it. Caller holds mu for both calls.
func (c *Cache) snapshotSiblings(parentID string) func() {
	saved, present := c.state.children[parentID]
	copied := append([]string(nil), saved...)
	return func() {
		if present {
			c.state.children[parentID] = copied
		} else {
			delete(c.state.children, parentID)
		}
	}
}

func (c *Cache) insertChild(parentID, afterID, id string) {
	kids := c.state.children[parentID]
	if afterID == "" {
		c.state.children[parentID] = append(kids, id)
		return
	}
	for i, k := range kids {
		if k == afterID {
			kids = append(kids[:i+1], append([]string{id}, kids[i+1:]...)...)
			c.state.children[parentID] = kids
			return
		}
	}
	c.state.children[parentID] = append(kids, id)
}

func (c *Cache) insertChildByWeight(parentID, id string, weight float64) {
	kids := c.state.children[parentID]
	at := len(kids)
	for i, k := range kids {
		if b := c.state.blocks[k]; b != nil && b.OrderWeight > weight {
			at = i
			break
		}
	}
	kids = append(kids[:at], append([]string{id}, kids[at:]...)...)
	c.state.children[parentID] = kids
}

func (c *Cache) removeChildID(parentID, id string) {
	kids := c.state.children[parentID]
	for i, k := range kids {
		if k == id {
			c.state.children[parentID] = append(kids[:i], kids[i+1:]...)
			return
		}
	}
}

func (c *Cache) replaceChildID(parentID, oldID, newID string) {
	for i, k := range c.state.children[parentID] {
		if k == oldID {
			c.state.children[parentID][i] = newID
			return
		}
	}
}

// subtreeIDs collects a block and its local descendants.
func (c *Cache) subtreeIDs(blockID string) []string {
	out := []string{blockID}
	for i := 0; i < len(out); i++ {
		out = append(out, c.state.children[out[i]]...)
	}
	return out
}

// localWeight approximates the order weight a new child will get, for
// display until the store echoes the real key.
func (c *Cache) localWeight(parentID, afterID string) float64 {
	kids := c.state.children[parentID]
	if len(kids) == 0 {
		return 1.0
	}
	if afterID == "" {
		if last := c.state.blocks[kids[len(kids)-1]]; last != nil {
			return last.OrderWeight + 1
		}
		return float64(len(kids) + 1)
	}
	for i, k := range kids {
		if k != afterID {
			continue
		}
		after := c.state.blocks[k]
		if after == nil {
			break
		}
		if i+1 < len(kids) {
			if next := c.state.blocks[kids[i+1]]; next != nil {
				return after.OrderWeight + (next.OrderWeight-after.OrderWeight)/2
			}
		}
		return after.OrderWeight + 1
	}
	return float64(len(kids) + 1)
}

// =============================================================================
// Store call helpers
// =============================================================================

// retryIO retries a transient IO failure once before surfacing it.
func (c *Cache) retryIO(fn func() (*store.Block, error)) (*store.Block, error) {
	b, err := fn()
	if err != nil && errors.Is(err, store.ErrIOFailure) {
		b, err = fn()
	}
	return b, err
}

func (c *Cache) retryIODelete(fn func() ([]string, error)) ([]string, error) {
	ids, err := fn()
	if err != nil && errors.Is(err, store.ErrIOFailure) {
		ids, err = fn()
	}
	return ids, err
}
