package mirror

import (
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/kittclouds/outline/internal/store"
)

func newFixture(t *testing.T, debounce time.Duration) (*store.SQLiteStore, *Service, string, *atomic.Int32) {
	t.Helper()
	root := t.TempDir()
	st, err := store.Open(":memory:", root)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	svc := New(st, root, Options{Debounce: debounce, MaxElapsed: 500 * time.Millisecond})
	t.Cleanup(svc.Close)

	var writes atomic.Int32
	svc.onWrite = func(string) { writes.Add(1) }
	return st, svc, root, &writes
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not reached in time")
}

func TestMirrorWritesPage(t *testing.T) {
	st, _, root, writes := newFixture(t, 30*time.Millisecond)

	p, err := st.CreatePage("daily", "", false)
	require.NoError(t, err)
	_, err = st.CreateBlock(p.ID, "", "", "hello world", store.BlockKindBullet)
	require.NoError(t, err)

	path := filepath.Join(root, "daily.md")
	waitFor(t, 2*time.Second, func() bool {
		data, err := os.ReadFile(path)
		return err == nil && strings.Contains(string(data), "- hello world")
	})
	require.GreaterOrEqual(t, writes.Load(), int32(1))
}

func TestMirrorCoalesces(t *testing.T) {
	st, _, root, writes := newFixture(t, 120*time.Millisecond)

	p, err := st.CreatePage("busy", "", false)
	require.NoError(t, err)
	b, err := st.CreateBlock(p.ID, "", "", "v0", store.BlockKindBullet)
	require.NoError(t, err)

	// A burst of updates well inside one debounce window.
	updates := 20
	for i := 0; i < updates; i++ {
		content := "v" + string(rune('a'+i))
		_, err := st.UpdateBlock(b.ID, store.BlockUpdate{Content: &content})
		require.NoError(t, err)
		time.Sleep(2 * time.Millisecond)
	}

	path := filepath.Join(root, "busy.md")
	waitFor(t, 2*time.Second, func() bool {
		data, err := os.ReadFile(path)
		return err == nil && strings.Contains(string(data), "- v"+string(rune('a'+updates-1)))
	})

	// Far fewer writes than mutations, and the file holds the final state.
	require.Less(t, writes.Load(), int32(updates))
}

func TestMirrorCloseFlushesPending(t *testing.T) {
	root := t.TempDir()
	st, err := store.Open(":memory:", root)
	require.NoError(t, err)
	defer st.Close()

	// Debounce far longer than the test; only Close can produce the file.
	svc := New(st, root, Options{Debounce: time.Hour})

	p, err := st.CreatePage("pending", "", false)
	require.NoError(t, err)
	_, err = st.CreateBlock(p.ID, "", "", "last words", store.BlockKindBullet)
	require.NoError(t, err)

	svc.Close()

	data, err := os.ReadFile(filepath.Join(root, "pending.md"))
	require.NoError(t, err)
	require.Contains(t, string(data), "- last words")
}

func TestMirrorDirectoryPage(t *testing.T) {
	st, svc, root, _ := newFixture(t, 10*time.Millisecond)

	dir, err := st.CreatePage("projects", "", true)
	require.NoError(t, err)
	require.NoError(t, svc.Flush(dir.ID))

	info, err := os.Stat(filepath.Join(root, "projects"))
	require.NoError(t, err)
	require.True(t, info.IsDir())
}

func TestMirrorDeletedPageIsNoop(t *testing.T) {
	st, svc, _, _ := newFixture(t, time.Hour)

	p, err := st.CreatePage("gone", "", false)
	require.NoError(t, err)
	require.NoError(t, st.DeletePage(p.ID))

	// The enqueue from creation is still pending; flushing must not fail.
	require.NoError(t, svc.Flush(p.ID))
}

func TestMirrorNestedTree(t *testing.T) {
	st, svc, root, _ := newFixture(t, time.Hour)

	p, err := st.CreatePage("tree", "", false)
	require.NoError(t, err)
	h, err := st.CreateBlock(p.ID, "", "", "H", store.BlockKindBullet)
	require.NoError(t, err)
	_, err = st.CreateBlock(p.ID, h.ID, "", "H1", store.BlockKindBullet)
	require.NoError(t, err)
	_, err = st.CreateBlock(p.ID, "", "", "K", store.BlockKindBullet)
	require.NoError(t, err)

	require.NoError(t, svc.Flush(p.ID))

	data, err := os.ReadFile(filepath.Join(root, "tree.md"))
	require.NoError(t, err)
	require.Equal(t, "- H\n  - H1\n- K\n", string(data))
}
