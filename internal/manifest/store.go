package manifest

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/nictes1/orquesta/internal/observability"
)

// Store caches parsed manifests per (vertical, workspace) and reloads
// them copy-on-write: readers keep the manifest they resolved even
// while an invalidation swaps the cache underneath.
type Store struct {
	dir    string
	logger *observability.Logger

	mu    sync.RWMutex
	cache map[string]*Manifest
}

// NewStore creates a manifest store rooted at dir. Vertical manifests
// live at <dir>/<vertical>.yaml; workspace overrides, when present, at
// <dir>/overrides/<workspace_id>.yaml.
func NewStore(dir string, logger *observability.Logger) *Store {
	if logger == nil {
		logger = observability.NewNopLogger()
	}
	return &Store{
		dir:    dir,
		logger: logger,
		cache:  make(map[string]*Manifest),
	}
}

// For resolves the manifest for a (vertical, workspace) tuple, loading
// it lazily and caching the parsed result.
func (s *Store) For(vertical, workspaceID string) (*Manifest, error) {
	path := s.resolvePath(vertical, workspaceID)
	if path == "" {
		return nil, fmt.Errorf("no manifest for vertical %q", vertical)
	}

	s.mu.RLock()
	m, ok := s.cache[path]
	s.mu.RUnlock()
	if ok {
		return m, nil
	}

	m, err := Load(path)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	// Another goroutine may have loaded the same file; keep the first.
	if cached, ok := s.cache[path]; ok {
		return cached, nil
	}
	s.cache[path] = m
	return m, nil
}

func (s *Store) resolvePath(vertical, workspaceID string) string {
	if workspaceID != "" {
		override := filepath.Join(s.dir, "overrides", workspaceID+".yaml")
		if _, err := os.Stat(override); err == nil {
			return override
		}
	}
	if vertical == "" {
		return ""
	}
	return filepath.Join(s.dir, vertical+".yaml")
}

// Invalidate drops every cached manifest; the next For reloads from disk.
func (s *Store) Invalidate() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cache = make(map[string]*Manifest)
}

// Watch invalidates the cache whenever a manifest file changes on
// disk. It blocks until ctx is done.
func (s *Store) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("manifest watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(s.dir); err != nil {
		return fmt.Errorf("watch %s: %w", s.dir, err)
	}
	// The overrides dir is optional.
	overrides := filepath.Join(s.dir, "overrides")
	if _, statErr := os.Stat(overrides); statErr == nil {
		if err := watcher.Add(overrides); err != nil {
			return fmt.Errorf("watch %s: %w", overrides, err)
		}
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) != 0 {
				s.logger.Info(ctx, "manifest changed, invalidating cache", "path", event.Name)
				s.Invalidate()
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			s.logger.Warn(ctx, "manifest watcher error", "error", err.Error())
		}
	}
}
