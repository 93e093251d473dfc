package fs

import (
	"time"

	"github.com/aretw0/introspection"
)

// PersisterState exposes internal state for observability.
type PersisterState struct {
	Dir           string     `json:"dir"`
	Format        string     `json:"format"`
	SystemDir     string     `json:"system_dir"`
	IndexedFiles  int        `json:"indexed_files"`
	Saves         uint64     `json:"saves"`
	Imports       uint64     `json:"imports"`
	WatcherActive bool       `json:"watcher_active"`
	LastReconcile *time.Time `json:"last_reconcile,omitempty"`
}

// State implements introspection.Introspectable.
func (p *Persister) State() any {
	p.mu.RLock()
	defer p.mu.RUnlock()

	return PersisterState{
		Dir:           p.Dir,
		Format:        p.config.Format,
		SystemDir:     p.config.SystemDir,
		IndexedFiles:  p.cache.Len(),
		Saves:         p.saves.Load(),
		Imports:       p.imports.Load(),
		WatcherActive: p.watcherActive,
		LastReconcile: p.lastReconcile,
	}
}

// ComponentType implements introspection.Component.
func (p *Persister) ComponentType() string {
	return "persister"
}

var _ introspection.Introspectable = (*Persister)(nil)
var _ introspection.Component = (*Persister)(nil)

func (p *Persister) setWatcherActive(active bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.watcherActive = active
}

func (p *Persister) recordReconcile() {
	p.mu.Lock()
	defer p.mu.Unlock()
	now := time.Now()
	p.lastReconcile = &now
}
