// Package badger persists instance snapshots in an embedded BadgerDB, for
// servers that do not need hand-editable files.
package badger

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"github.com/aretw0/lifecycle"
	"github.com/dgraph-io/badger/v4"

	"github.com/aretw0/mindcache/pkg/codec"
	"github.com/aretw0/mindcache/pkg/core"
)

const keyPrefix = "instance/"

// Config holds configuration for the BadgerDB persister.
type Config struct {
	// Path is the database directory. Ignored when InMemory is set.
	Path     string
	InMemory bool
	// SyncWrites fsyncs every save.
	SyncWrites bool
	// Logger receives BadgerDB's own logs too. Nil silences them.
	Logger *slog.Logger
	// GCInterval is how often value log GC runs. Zero disables it.
	GCInterval     time.Duration
	GCDiscardRatio float64
}

// DefaultConfig returns durable production defaults.
func DefaultConfig() Config {
	return Config{
		SyncWrites:     true,
		GCInterval:     5 * time.Minute,
		GCDiscardRatio: 0.5,
	}
}

// InMemoryConfig returns a configuration for tests: no disk, no GC.
func InMemoryConfig() Config {
	return Config{InMemory: true}
}

// badgerLogger adapts slog.Logger to BadgerDB's Logger interface.
type badgerLogger struct {
	logger *slog.Logger
}

func (l *badgerLogger) Errorf(format string, args ...any) {
	l.logger.Error(strings.TrimSpace(fmt.Sprintf(format, args...)))
}

func (l *badgerLogger) Warningf(format string, args ...any) {
	l.logger.Warn(strings.TrimSpace(fmt.Sprintf(format, args...)))
}

func (l *badgerLogger) Infof(format string, args ...any) {
	l.logger.Info(strings.TrimSpace(fmt.Sprintf(format, args...)))
}

func (l *badgerLogger) Debugf(format string, args ...any) {
	l.logger.Debug(strings.TrimSpace(fmt.Sprintf(format, args...)))
}

// Persister implements core.Persister on BadgerDB, one key per instance.
type Persister struct {
	db         *badger.DB
	serializer codec.Serializer
	logger     *slog.Logger
	stopGC     context.CancelFunc
	gcDone     chan struct{}
	saves      atomic.Uint64
	closed     atomic.Bool
}

// Open opens the database and starts value log GC when configured.
func Open(cfg Config) (*Persister, error) {
	if !cfg.InMemory && cfg.Path == "" {
		return nil, &core.ValidationError{Reason: "badger path is required for a persistent database"}
	}

	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(cfg.Path, 0o750); err != nil {
			return nil, fmt.Errorf("create database directory %s: %w", cfg.Path, err)
		}
		opts = badger.DefaultOptions(cfg.Path)
	}
	opts = opts.WithSyncWrites(cfg.SyncWrites).WithNumVersionsToKeep(1)

	logger := cfg.Logger
	if logger != nil {
		opts = opts.WithLogger(&badgerLogger{logger: logger})
	} else {
		opts = opts.WithLogger(nil)
		logger = slog.New(slog.DiscardHandler)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger database: %w", err)
	}

	p := &Persister{
		db:         db,
		serializer: &codec.JSONSerializer{},
		logger:     logger,
	}
	if cfg.GCInterval > 0 && !cfg.InMemory {
		p.startGC(cfg.GCInterval, cfg.GCDiscardRatio)
	}
	return p, nil
}

func (p *Persister) startGC(interval time.Duration, ratio float64) {
	ctx, cancel := context.WithCancel(context.Background())
	p.stopGC = cancel
	p.gcDone = make(chan struct{})
	lifecycle.Go(ctx, func(ctx context.Context) error {
		defer close(p.gcDone)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
				p.runGC(ratio)
			}
		}
	})
}

func (p *Persister) runGC(ratio float64) {
	err := p.db.RunValueLogGC(ratio)
	switch {
	case err == nil:
		p.logger.Debug("badger value log GC completed")
	case !errors.Is(err, badger.ErrNoRewrite):
		p.logger.Warn("badger value log GC", "error", err)
	}
}

func instanceKey(id string) []byte {
	return []byte(keyPrefix + id)
}

// Load implements core.Persister.
func (p *Persister) Load(_ context.Context, instanceID string) (core.Snapshot, error) {
	var data []byte
	err := p.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(instanceKey(instanceID))
		if err != nil {
			return err
		}
		data, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return core.Snapshot{}, fmt.Errorf("%w: no snapshot for %q", core.ErrNotFound, instanceID)
	}
	if err != nil {
		return core.Snapshot{}, fmt.Errorf("load %q: %w", instanceID, err)
	}
	return p.serializer.Parse(bytes.NewReader(data))
}

// Save implements core.Persister.
func (p *Persister) Save(_ context.Context, instanceID string, snap core.Snapshot) error {
	if instanceID == "" {
		return &core.ValidationError{Reason: "instance id is required"}
	}
	data, err := p.serializer.Serialize(snap)
	if err != nil {
		return err
	}
	if err := p.db.Update(func(txn *badger.Txn) error {
		return txn.Set(instanceKey(instanceID), data)
	}); err != nil {
		return fmt.Errorf("save %q: %w", instanceID, err)
	}
	p.saves.Add(1)
	p.logger.Debug("snapshot saved", "instance", instanceID, "keys", len(snap.Entries), "bytes", len(data))
	return nil
}

// Delete drops the snapshot of instanceID.
func (p *Persister) Delete(_ context.Context, instanceID string) error {
	return p.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(instanceKey(instanceID))
	})
}

// Instances lists the stored instance ids in key order.
func (p *Persister) Instances() ([]string, error) {
	var ids []string
	err := p.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = []byte(keyPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			ids = append(ids, strings.TrimPrefix(string(it.Item().Key()), keyPrefix))
		}
		return nil
	})
	return ids, err
}

// Close stops GC and closes the database. It is idempotent.
func (p *Persister) Close() error {
	if !p.closed.CompareAndSwap(false, true) {
		return nil
	}
	if p.stopGC != nil {
		p.stopGC()
		<-p.gcDone
	}
	return p.db.Close()
}

var _ core.Persister = (*Persister)(nil)
