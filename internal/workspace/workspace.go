// Package workspace ties the engine together: one root directory, one
// database, one mirror. The database is authoritative while a workspace is
// open; files are parsed only at import.
package workspace

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"

	"github.com/kittclouds/outline/internal/cache"
	"github.com/kittclouds/outline/internal/mirror"
	"github.com/kittclouds/outline/internal/store"
	"github.com/kittclouds/outline/pkg/log"
	"github.com/kittclouds/outline/pkg/markdown"
)

// AppDir is the workspace-local directory holding the database and config.
const AppDir = ".outline"

// Workspace is one open workspace: store plus mirror over a root directory.
type Workspace struct {
	Root   string
	Store  *store.SQLiteStore
	Mirror *mirror.Service

	cfg    Config
	logger zerolog.Logger
}

// Open opens (creating on first use) the workspace rooted at root.
func Open(root string) (*Workspace, error) {
	root, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Join(root, AppDir), 0o755); err != nil {
		return nil, err
	}

	cfg, err := LoadConfig(root)
	if err != nil {
		return nil, err
	}

	st, err := store.Open(filepath.Join(root, AppDir, "store.db"), root)
	if err != nil {
		return nil, err
	}
	m := mirror.New(st, root, mirror.Options{
		Debounce:   cfg.MirrorDebounce.Std(),
		MaxElapsed: cfg.MirrorRetryCap.Std(),
	})

	w := &Workspace{
		Root:   root,
		Store:  st,
		Mirror: m,
		cfg:    cfg,
		logger: log.WithWorkspace(root),
	}
	w.logger.Info().Msg("workspace opened")
	return w, nil
}

// Config returns the loaded workspace configuration.
func (w *Workspace) Config() Config { return w.cfg }

// NewCache builds a client cache over this workspace's store.
func (w *Workspace) NewCache() *cache.Cache { return cache.New(w.Store) }

// Close flushes the mirror and closes the store.
func (w *Workspace) Close() error {
	w.Mirror.Close()
	return w.Store.Close()
}

// Import scans the workspace for .md files and loads each into the store,
// one page per file. Already-imported pages are skipped unless force is set,
// in which case their blocks are replaced from the file. Returns the number
// of pages imported.
func (w *Workspace) Import(force bool) (int, error) {
	imported := 0
	err := filepath.WalkDir(w.Root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		name := d.Name()
		if d.IsDir() {
			if path != w.Root && strings.HasPrefix(name, ".") {
				return filepath.SkipDir
			}
			return nil
		}
		if strings.HasPrefix(name, ".") || !strings.HasSuffix(name, ".md") {
			return nil
		}

		rel, err := filepath.Rel(w.Root, path)
		if err != nil {
			return err
		}
		ok, err := w.importFile(filepath.ToSlash(rel), path, force)
		if err != nil {
			return err
		}
		if ok {
			imported++
		}
		return nil
	})
	if err != nil {
		return imported, err
	}
	w.logger.Info().Int("pages", imported).Bool("force", force).Msg("workspace import finished")
	return imported, nil
}

// importFile loads one markdown file. Reports whether the page was
// (re)imported.
func (w *Workspace) importFile(rel, path string, force bool) (bool, error) {
	page, err := w.Store.GetPageByPath(rel)
	switch {
	case err == nil:
		if !force {
			return false, nil
		}
	case errors.Is(err, store.ErrNotFound):
		parentID, err := w.ensureDirPages(filepath.ToSlash(filepath.Dir(rel)))
		if err != nil {
			return false, err
		}
		title := strings.TrimSuffix(filepath.Base(rel), ".md")
		page, err = w.Store.CreatePage(title, parentID, false)
		if err != nil {
			return false, err
		}
	default:
		return false, err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return false, err
	}
	if err := w.Store.ReplacePageBlocks(page.ID, markdown.Parse(data)); err != nil {
		return false, err
	}
	return true, nil
}

// ensureDirPages creates the chain of directory pages for a slash-separated
// relative directory, returning the innermost page id ("" for the root).
func (w *Workspace) ensureDirPages(dir string) (string, error) {
	if dir == "." || dir == "" {
		return "", nil
	}

	parentID := ""
	prefix := ""
	for _, part := range strings.Split(dir, "/") {
		if prefix == "" {
			prefix = part
		} else {
			prefix = prefix + "/" + part
		}

		page, err := w.Store.GetPageByPath(prefix)
		if err == nil {
			parentID = page.ID
			continue
		}
		if !errors.Is(err, store.ErrNotFound) {
			return "", err
		}
		created, err := w.Store.CreatePage(part, parentID, true)
		if err != nil {
			return "", err
		}
		parentID = created.ID
	}
	return parentID, nil
}
