package cache

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kittclouds/outline/internal/store"
)

// failingStore wraps the real store and injects failures per operation.
type failingStore struct {
	store.Storer
	failDelete int // remaining DeleteBlock failures
	failIndent int
}

func (f *failingStore) DeleteBlock(id string) ([]string, error) {
	if f.failDelete > 0 {
		f.failDelete--
		return nil, &store.Error{Kind: store.KindIOFailure, Entity: id, Msg: "injected failure"}
	}
	return f.Storer.DeleteBlock(id)
}

func (f *failingStore) IndentBlock(id string) (*store.Block, error) {
	if f.failIndent > 0 {
		f.failIndent--
		return nil, &store.Error{Kind: store.KindConflict, Entity: id, Msg: "injected failure"}
	}
	return f.Storer.IndentBlock(id)
}

func newFixture(t *testing.T) (*store.SQLiteStore, *failingStore, *Cache, *store.Page) {
	t.Helper()
	st, err := store.Open(":memory:", "")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	fs := &failingStore{Storer: st}
	c := New(fs)

	p, err := st.CreatePage("p", "", false)
	require.NoError(t, err)
	return st, fs, c, p
}

func seedBlocks(t *testing.T, st *store.SQLiteStore, pageID string, contents ...string) []*store.Block {
	t.Helper()
	var out []*store.Block
	for _, content := range contents {
		b, err := st.CreateBlock(pageID, "", "", content, store.BlockKindBullet)
		require.NoError(t, err)
		out = append(out, b)
	}
	return out
}

func contents(c *Cache, parentID string) []string {
	var out []string
	for _, id := range c.Children(parentID) {
		out = append(out, c.Block(id).Content)
	}
	return out
}

func TestOpenPageBuildsState(t *testing.T) {
	st, _, c, p := newFixture(t)
	blocks := seedBlocks(t, st, p.ID, "A", "B")
	child, err := st.CreateBlock(p.ID, blocks[0].ID, "", "A1", store.BlockKindBullet)
	require.NoError(t, err)

	require.NoError(t, c.OpenPage(context.Background(), p.ID))
	require.Equal(t, []string{"A", "B"}, contents(c, RootKey))
	require.Equal(t, []string{child.ID}, c.Children(blocks[0].ID))
}

func TestOpenPageCancelled(t *testing.T) {
	st, _, c, p := newFixture(t)
	seedBlocks(t, st, p.ID, "A")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.Error(t, c.OpenPage(ctx, p.ID))
}

func TestCreateBlockReconcilesTempID(t *testing.T) {
	st, _, c, p := newFixture(t)
	seedBlocks(t, st, p.ID, "A")
	require.NoError(t, c.OpenPage(context.Background(), p.ID))

	created, err := c.CreateBlock(RootKey, "", "B", store.BlockKindBullet)
	require.NoError(t, err)
	require.NotContains(t, created.ID, "tmp-")

	kids := c.Children(RootKey)
	require.Len(t, kids, 2)
	require.Equal(t, created.ID, kids[1])
	require.Equal(t, created, c.Block(created.ID))

	// Durable too.
	persisted, err := st.GetBlock(created.ID)
	require.NoError(t, err)
	require.Equal(t, "B", persisted.Content)
}

func TestUpdateContentKeepsMatchingOptimisticText(t *testing.T) {
	st, _, c, p := newFixture(t)
	blocks := seedBlocks(t, st, p.ID, "old")
	require.NoError(t, c.OpenPage(context.Background(), p.ID))

	var seen []string
	c.SubscribeBlock(blocks[0].ID, func(b *store.Block) {
		if b != nil {
			seen = append(seen, b.Content)
		}
	})

	upd, err := c.UpdateContent(blocks[0].ID, "new")
	require.NoError(t, err)
	require.Equal(t, "new", upd.Content)
	// Optimistic apply then reconcile.
	require.Equal(t, []string{"new", "new"}, seen)
}

// Optimistic delete whose store call fails: the cache must restore the
// block at its original position and weight, and listeners must see both
// the removal and the restore.
func TestDeleteRollbackOnFailure(t *testing.T) {
	st, fs, c, p := newFixture(t)
	blocks := seedBlocks(t, st, p.ID, "A", "B", "C")
	require.NoError(t, c.OpenPage(context.Background(), p.ID))

	b := blocks[1]
	var events []*store.Block
	c.SubscribeBlock(b.ID, func(blk *store.Block) { events = append(events, blk) })

	// Two failures: the transparent retry must also fail.
	fs.failDelete = 2
	err := c.DeleteBlock(b.ID)
	require.Error(t, err)
	require.ErrorIs(t, err, store.ErrIOFailure)

	require.Equal(t, []string{"A", "B", "C"}, contents(c, RootKey))
	restored := c.Block(b.ID)
	require.NotNil(t, restored)
	require.Equal(t, b.OrderWeight, restored.OrderWeight)

	require.Len(t, events, 2)
	require.Nil(t, events[0])
	require.NotNil(t, events[1])
}

func TestDeleteTransientRetrySucceeds(t *testing.T) {
	st, fs, c, p := newFixture(t)
	blocks := seedBlocks(t, st, p.ID, "A", "B")
	require.NoError(t, c.OpenPage(context.Background(), p.ID))

	// One transient failure: the silent retry lands the delete.
	fs.failDelete = 1
	require.NoError(t, c.DeleteBlock(blocks[1].ID))
	require.Equal(t, []string{"A"}, contents(c, RootKey))
	_, err := st.GetBlock(blocks[1].ID)
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestDeleteRemovesSubtree(t *testing.T) {
	st, _, c, p := newFixture(t)
	blocks := seedBlocks(t, st, p.ID, "A", "B")
	child, err := st.CreateBlock(p.ID, blocks[0].ID, "", "A1", store.BlockKindBullet)
	require.NoError(t, err)
	require.NoError(t, c.OpenPage(context.Background(), p.ID))

	require.NoError(t, c.DeleteBlock(blocks[0].ID))
	require.Equal(t, []string{"B"}, contents(c, RootKey))
	require.Nil(t, c.Block(child.ID))
}

func TestIndentOutdentThroughCache(t *testing.T) {
	st, _, c, p := newFixture(t)
	blocks := seedBlocks(t, st, p.ID, "A", "B")
	require.NoError(t, c.OpenPage(context.Background(), p.ID))

	moved, err := c.IndentBlock(blocks[1].ID)
	require.NoError(t, err)
	require.Equal(t, blocks[0].ID, moved.ParentID)
	require.Equal(t, []string{"A"}, contents(c, RootKey))
	require.Equal(t, []string{blocks[1].ID}, c.Children(blocks[0].ID))

	back, err := c.OutdentBlock(blocks[1].ID)
	require.NoError(t, err)
	require.Equal(t, "", back.ParentID)
	require.Equal(t, []string{"A", "B"}, contents(c, RootKey))
}

func TestStructuralFailureReloads(t *testing.T) {
	st, fs, c, p := newFixture(t)
	blocks := seedBlocks(t, st, p.ID, "A", "B")
	require.NoError(t, c.OpenPage(context.Background(), p.ID))

	fs.failIndent = 1
	_, err := c.IndentBlock(blocks[1].ID)
	require.Error(t, err)

	// State equals the store's truth after reload.
	require.Equal(t, []string{"A", "B"}, contents(c, RootKey))
}

func TestRecentlyClosedLRURestore(t *testing.T) {
	st, _, c, p := newFixture(t)
	seedBlocks(t, st, p.ID, "A", "B")
	p2, err := st.CreatePage("p2", "", false)
	require.NoError(t, err)
	seedBlocks(t, st, p2.ID, "X")

	require.NoError(t, c.OpenPage(context.Background(), p.ID))
	require.NoError(t, c.OpenPage(context.Background(), p2.ID))
	require.Equal(t, []string{"X"}, contents(c, RootKey))

	// Returning to the first page restores from the LRU synchronously.
	require.NoError(t, c.OpenPage(context.Background(), p.ID))
	require.Equal(t, []string{"A", "B"}, contents(c, RootKey))
}

func TestFocusAndSelection(t *testing.T) {
	st, _, c, p := newFixture(t)
	blocks := seedBlocks(t, st, p.ID, "A")
	require.NoError(t, c.OpenPage(context.Background(), p.ID))

	c.SetFocusedBlock(blocks[0].ID)
	c.SetSelected([]string{blocks[0].ID})
	require.Equal(t, blocks[0].ID, c.FocusedBlock())
	require.Equal(t, []string{blocks[0].ID}, c.SelectedBlocks())

	// Navigation clears UI state.
	p2, err := st.CreatePage("p2", "", false)
	require.NoError(t, err)
	require.NoError(t, c.OpenPage(context.Background(), p2.ID))
	require.Empty(t, c.FocusedBlock())
	require.Empty(t, c.SelectedBlocks())
}
