package fs

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// indexEntry records the last snapshot file this process wrote or imported.
type indexEntry struct {
	Instance     string    `json:"instance"`
	Hash         uint64    `json:"hash"`
	Keys         int       `json:"keys"`
	LastModified time.Time `json:"lastModified"`
}

// index is the persistent cache state.
type index struct {
	Version int                    `json:"version"`
	Entries map[string]*indexEntry `json:"entries"` // keyed by file name
	dirty   bool
	mu      sync.RWMutex
}

// cache tells the watcher which file contents it has already seen, across
// restarts, so its own writes are not imported back.
type cache struct {
	Path  string
	index *index
}

func newCache(dir, systemDir string) *cache {
	return &cache{
		Path: filepath.Join(dir, systemDir, "index.json"),
		index: &index{
			Version: 1,
			Entries: make(map[string]*indexEntry),
		},
	}
}

// Load reads the cache from disk. A missing or corrupt file yields an empty
// index.
func (c *cache) Load() error {
	c.index.mu.Lock()
	defer c.index.mu.Unlock()

	data, err := os.ReadFile(c.Path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read cache: %w", err)
	}
	if err := json.Unmarshal(data, c.index); err != nil || c.index.Entries == nil {
		c.index.Entries = make(map[string]*indexEntry)
	}
	c.index.dirty = false
	return nil
}

// Save persists the cache if it changed.
func (c *cache) Save() error {
	c.index.mu.RLock()
	if !c.index.dirty {
		c.index.mu.RUnlock()
		return nil
	}
	data, err := json.MarshalIndent(c.index, "", "  ")
	c.index.mu.RUnlock()
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(c.Path), 0o755); err != nil {
		return err
	}
	if err := writeFileAtomic(c.Path, data, 0o644); err != nil {
		return err
	}

	c.index.mu.Lock()
	c.index.dirty = false
	c.index.mu.Unlock()
	return nil
}

// Get returns the entry for name.
func (c *cache) Get(name string) (*indexEntry, bool) {
	c.index.mu.RLock()
	defer c.index.mu.RUnlock()
	e, ok := c.index.Entries[name]
	return e, ok
}

// Fresh reports whether name is unchanged since it was last recorded.
func (c *cache) Fresh(name string, mtime time.Time) bool {
	e, ok := c.Get(name)
	return ok && e.LastModified.Equal(mtime)
}

// Set records an entry for name.
func (c *cache) Set(name string, e *indexEntry) {
	c.index.mu.Lock()
	defer c.index.mu.Unlock()
	c.index.Entries[name] = e
	c.index.dirty = true
}

// Len returns the number of recorded files.
func (c *cache) Len() int {
	c.index.mu.RLock()
	defer c.index.mu.RUnlock()
	return len(c.index.Entries)
}
