// Package fs persists instance snapshots as files, one per instance, in a
// format people can edit by hand. A watch worker imports external edits
// back into the running instance.
package fs

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/aretw0/mindcache/pkg/codec"
	"github.com/aretw0/mindcache/pkg/core"
)

// Config holds the configuration for the filesystem persister.
type Config struct {
	Dir          string
	Format       string // file extension: ".json" (default), ".md" or ".markdown"
	SystemDir    string // holds the write index, default ".mindcache"
	FileMode     os.FileMode
	Logger       *slog.Logger
	ErrorHandler func(error)
}

// Persister implements core.Persister on a directory.
type Persister struct {
	Dir        string
	config     Config
	serializer codec.Serializer
	cache      *cache

	mu            sync.RWMutex
	watcherActive bool
	lastReconcile *time.Time

	saves   atomic.Uint64
	imports atomic.Uint64
}

// Importer receives snapshots edited outside the process. *server.Hub
// implements it.
type Importer interface {
	Import(ctx context.Context, instanceID string, snap core.Snapshot) (int, error)
}

// NewPersister creates the directory if needed and loads the write index.
func NewPersister(config Config) (*Persister, error) {
	if config.Dir == "" {
		return nil, &core.ValidationError{Reason: "persister directory is required"}
	}
	if config.Format == "" {
		config.Format = ".json"
	}
	if config.SystemDir == "" {
		config.SystemDir = ".mindcache"
	}
	if config.FileMode == 0 {
		config.FileMode = 0o644
	}
	if config.Logger == nil {
		config.Logger = slog.New(slog.DiscardHandler)
	}
	serializer, err := codec.ForPath("snapshot" + config.Format)
	if err != nil {
		return nil, &core.ValidationError{Reason: err.Error()}
	}
	if err := os.MkdirAll(config.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("create %s: %w", config.Dir, err)
	}

	p := &Persister{
		Dir:        config.Dir,
		config:     config,
		serializer: serializer,
		cache:      newCache(config.Dir, config.SystemDir),
	}
	if err := p.cache.Load(); err != nil {
		config.Logger.Warn("write index unreadable, starting fresh", "error", err)
	}
	return p, nil
}

// Path returns the snapshot file of instanceID.
func (p *Persister) Path(instanceID string) (string, error) {
	if instanceID == "" || strings.ContainsAny(instanceID, `/\`) || strings.HasPrefix(instanceID, ".") {
		return "", &core.ValidationError{Reason: fmt.Sprintf("instance id %q cannot name a file", instanceID)}
	}
	return filepath.Join(p.Dir, instanceID+p.config.Format), nil
}

// instanceOf maps a file in Dir back to its instance id.
func (p *Persister) instanceOf(path string) (string, bool) {
	if filepath.Dir(path) != filepath.Clean(p.Dir) || isTempFile(path) {
		return "", false
	}
	name := filepath.Base(path)
	if !strings.EqualFold(filepath.Ext(name), p.config.Format) || strings.HasPrefix(name, ".") {
		return "", false
	}
	return strings.TrimSuffix(name, filepath.Ext(name)), true
}

// Load implements core.Persister.
func (p *Persister) Load(_ context.Context, instanceID string) (core.Snapshot, error) {
	path, err := p.Path(instanceID)
	if err != nil {
		return core.Snapshot{}, err
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return core.Snapshot{}, fmt.Errorf("%w: no snapshot for %q", core.ErrNotFound, instanceID)
	}
	if err != nil {
		return core.Snapshot{}, fmt.Errorf("read %s: %w", path, err)
	}
	snap, err := p.serializer.Parse(bytes.NewReader(data))
	if err != nil {
		return core.Snapshot{}, fmt.Errorf("parse %s: %w", path, err)
	}
	p.remember(path, instanceID, data, len(snap.Entries))
	return snap, nil
}

// Save implements core.Persister.
func (p *Persister) Save(_ context.Context, instanceID string, snap core.Snapshot) error {
	path, err := p.Path(instanceID)
	if err != nil {
		return err
	}
	data, err := p.serializer.Serialize(snap)
	if err != nil {
		return err
	}
	if err := writeFileAtomic(path, data, p.config.FileMode); err != nil {
		return err
	}
	p.remember(path, instanceID, data, len(snap.Entries))
	p.saves.Add(1)
	if err := p.cache.Save(); err != nil {
		p.config.Logger.Warn("save write index", "error", err)
	}
	p.config.Logger.Debug("snapshot saved", "instance", instanceID, "keys", len(snap.Entries), "path", path)
	return nil
}

// Close implements core.Persister.
func (p *Persister) Close() error {
	return p.cache.Save()
}

// Instances lists the instances with a snapshot on disk.
func (p *Persister) Instances() ([]string, error) {
	entries, err := os.ReadDir(p.Dir)
	if err != nil {
		return nil, err
	}
	var ids []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if id, ok := p.instanceOf(filepath.Join(p.Dir, e.Name())); ok {
			ids = append(ids, id)
		}
	}
	slices.Sort(ids)
	return ids, nil
}

func (p *Persister) remember(path, instanceID string, data []byte, keys int) {
	e := &indexEntry{Instance: instanceID, Hash: xxhash.Sum64(data), Keys: keys}
	if info, err := os.Stat(path); err == nil {
		e.LastModified = info.ModTime()
	}
	p.cache.Set(filepath.Base(path), e)
}

// importFile pushes an externally edited file into imp. It reports false
// when the content is what this process last wrote or imported.
func (p *Persister) importFile(ctx context.Context, imp Importer, path string) (bool, error) {
	id, ok := p.instanceOf(path)
	if !ok {
		return false, nil
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if e, seen := p.cache.Get(filepath.Base(path)); seen && e.Hash == xxhash.Sum64(data) {
		return false, nil
	}
	snap, err := p.serializer.Parse(bytes.NewReader(data))
	if err != nil {
		return false, fmt.Errorf("parse %s: %w", path, err)
	}
	n, err := imp.Import(ctx, id, snap)
	if err != nil {
		return false, fmt.Errorf("import %s: %w", path, err)
	}
	p.remember(path, id, data, len(snap.Entries))
	p.imports.Add(1)
	p.config.Logger.Info("imported external edit", "instance", id, "mutations", n, "path", path)
	return true, nil
}

// Reconcile imports every snapshot file changed since this process last
// recorded it, catching edits made while nothing was watching.
func (p *Persister) Reconcile(ctx context.Context, imp Importer) (int, error) {
	entries, err := os.ReadDir(p.Dir)
	if err != nil {
		return 0, err
	}
	imported := 0
	var errs []error
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		path := filepath.Join(p.Dir, e.Name())
		if _, ok := p.instanceOf(path); !ok {
			continue
		}
		if info, err := e.Info(); err == nil && p.cache.Fresh(e.Name(), info.ModTime()) {
			continue
		}
		ok, err := p.importFile(ctx, imp, path)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if ok {
			imported++
		}
	}
	p.recordReconcile()
	if err := p.cache.Save(); err != nil {
		p.config.Logger.Warn("save write index", "error", err)
	}
	return imported, errors.Join(errs...)
}

func (p *Persister) report(err error) {
	if p.config.ErrorHandler != nil {
		p.config.ErrorHandler(err)
		return
	}
	p.config.Logger.Error("snapshot watcher", "error", err)
}

var _ core.Persister = (*Persister)(nil)
