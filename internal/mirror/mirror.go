// Package mirror keeps the workspace's markdown files in step with the
// store. Pages are flushed on a per-page debounce; enqueues during one
// window coalesce into a single write.
package mirror

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/natefinch/atomic"
	"github.com/rs/zerolog"

	"github.com/kittclouds/outline/internal/store"
	"github.com/kittclouds/outline/pkg/log"
	"github.com/kittclouds/outline/pkg/markdown"
)

const (
	defaultDebounce = time.Second
	maxRetryWait    = 30 * time.Second
)

// Options tunes the service. Zero values pick the defaults.
type Options struct {
	Debounce   time.Duration
	MaxElapsed time.Duration // total retry budget before a failing page is dropped
}

// Service is the debounced page-to-file mirror worker.
type Service struct {
	st         store.Storer
	root       string
	debounce   time.Duration
	maxElapsed time.Duration
	logger     zerolog.Logger

	mu      sync.Mutex
	pending map[string]*time.Timer
	closed  bool
	wg      sync.WaitGroup

	// test hook, called after each successful write
	onWrite func(pageID string)
}

// New creates a mirror rooted at the workspace directory and subscribes it
// to the store's change stream.
func New(st store.Storer, root string, opts Options) *Service {
	s := &Service{
		st:         st,
		root:       root,
		debounce:   opts.Debounce,
		maxElapsed: opts.MaxElapsed,
		logger:     log.WithComponent("mirror"),
		pending:    make(map[string]*time.Timer),
	}
	if s.debounce <= 0 {
		s.debounce = defaultDebounce
	}
	if s.maxElapsed <= 0 {
		s.maxElapsed = 2 * time.Minute
	}

	st.Subscribe(func(c store.Change) {
		for _, pageID := range c.PageIDs {
			s.Enqueue(pageID)
		}
	})
	return s
}

// Enqueue schedules a page flush after the debounce window. Re-enqueueing
// an already-pending page restarts its window.
func (s *Service) Enqueue(pageID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	if t, ok := s.pending[pageID]; ok {
		t.Reset(s.debounce)
		return
	}
	s.pending[pageID] = time.AfterFunc(s.debounce, func() { s.flush(pageID) })
}

// Flush writes a page immediately, cancelling any pending debounce.
func (s *Service) Flush(pageID string) error {
	s.mu.Lock()
	if t, ok := s.pending[pageID]; ok {
		t.Stop()
		delete(s.pending, pageID)
	}
	s.mu.Unlock()
	return s.writePage(pageID)
}

// Close flushes all pending pages synchronously and stops the worker.
func (s *Service) Close() {
	s.mu.Lock()
	s.closed = true
	var ids []string
	for pageID, t := range s.pending {
		t.Stop()
		ids = append(ids, pageID)
	}
	s.pending = make(map[string]*time.Timer)
	s.mu.Unlock()

	for _, pageID := range ids {
		if err := s.writePage(pageID); err != nil {
			s.logger.Warn().Err(err).Str("page_id", pageID).Msg("final flush failed")
		}
	}
	s.wg.Wait()
}

// flush runs when a page's debounce fires. Write failures retry with
// exponential backoff; when the budget is exhausted the page is dropped
// with a warning.
func (s *Service) flush(pageID string) {
	s.mu.Lock()
	if _, ok := s.pending[pageID]; !ok {
		s.mu.Unlock()
		return
	}
	delete(s.pending, pageID)
	s.wg.Add(1)
	s.mu.Unlock()
	defer s.wg.Done()

	bo := backoff.NewExponentialBackOff()
	bo.MaxInterval = maxRetryWait
	bo.MaxElapsedTime = s.maxElapsed

	if err := backoff.Retry(func() error { return s.writePage(pageID) }, bo); err != nil {
		s.logger.Warn().Err(err).Str("page_id", pageID).Msg("mirror write failed, dropping page")
	}
}

// writePage serializes a page's block tree and writes it atomically. The
// read is a non-transactional snapshot; a mutation landing during the write
// simply re-enqueues the page.
func (s *Service) writePage(pageID string) error {
	page, err := s.st.GetPage(pageID)
	if errors.Is(err, store.ErrNotFound) {
		return nil // deleted since enqueue
	}
	if err != nil {
		return err
	}

	path := filepath.Join(s.root, filepath.FromSlash(page.FilePath))
	if page.IsDirectory {
		if err := os.MkdirAll(path, 0o755); err != nil {
			return err
		}
		if s.onWrite != nil {
			s.onWrite(pageID)
		}
		return nil
	}

	blocks, err := s.st.GetPageBlocks(pageID)
	if err != nil {
		return err
	}
	data := markdown.Serialize(Flatten(blocks))

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	if err := atomic.WriteFile(path, bytes.NewReader(data)); err != nil {
		return err
	}
	if s.onWrite != nil {
		s.onWrite(pageID)
	}
	return nil
}

// Flatten orders a page's blocks depth-first, children after their parent,
// siblings by order weight.
func Flatten(blocks []*store.Block) []markdown.Block {
	byParent := make(map[string][]*store.Block)
	for _, b := range blocks {
		byParent[b.ParentID] = append(byParent[b.ParentID], b)
	}

	out := make([]markdown.Block, 0, len(blocks))
	var walk func(parentID string, depth int)
	walk = func(parentID string, depth int) {
		for _, b := range byParent[parentID] {
			out = append(out, markdown.Block{
				Content:  b.Content,
				Kind:     markdown.Kind(b.Kind),
				Language: b.Language,
				Depth:    depth,
			})
			walk(b.ID, depth+1)
		}
	}
	walk("", 0)
	return out
}
