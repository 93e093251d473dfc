package fs

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/aretw0/lifecycle/pkg/core/supervisor"
	"github.com/aretw0/lifecycle/pkg/core/worker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aretw0/mindcache/pkg/core"
)

type recordingImporter struct {
	mu    sync.Mutex
	calls map[string][]core.Snapshot
}

func (r *recordingImporter) Import(_ context.Context, id string, snap core.Snapshot) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.calls == nil {
		r.calls = make(map[string][]core.Snapshot)
	}
	r.calls[id] = append(r.calls[id], snap)
	return len(snap.Entries), nil
}

func (r *recordingImporter) count(id string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls[id])
}

func (r *recordingImporter) last(id string) core.Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	calls := r.calls[id]
	return calls[len(calls)-1]
}

const externalEdit = `{"version":1,"entries":[{"key":"name","value":"Grace","attributes":{"type":"text"},"updatedAt":1}]}`

func newTestPersister(t *testing.T) *Persister {
	t.Helper()
	p, err := NewPersister(Config{Dir: t.TempDir()})
	require.NoError(t, err)
	return p
}

func startWatcher(t *testing.T, p *Persister, imp Importer) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	w := newWatchWorker(p, imp)
	require.NoError(t, w.Start(ctx))
	t.Cleanup(func() {
		cancel()
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer stopCancel()
		_ = w.Stop(stopCtx)
	})
	waitForWatcher(t, p, true)
}

func TestWatcherImportsExternalEdits(t *testing.T) {
	p := newTestPersister(t)
	imp := &recordingImporter{}
	startWatcher(t, p, imp)

	path, err := p.Path("inst")
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, []byte(externalEdit), 0o644))

	require.Eventually(t, func() bool { return imp.count("inst") == 1 }, 2*time.Second, 10*time.Millisecond)
	snap := imp.last("inst")
	require.Len(t, snap.Entries, 1)
	assert.Equal(t, "name", snap.Entries[0].Key)

	t.Run("Own Writes Are Skipped", func(t *testing.T) {
		require.NoError(t, p.Save(context.Background(), "inst", snap))
		assert.Never(t, func() bool { return imp.count("inst") > 1 }, 200*time.Millisecond, 10*time.Millisecond)
	})

	t.Run("Other Files Are Ignored", func(t *testing.T) {
		require.NoError(t, os.WriteFile(filepath.Join(p.Dir, "notes.txt"), []byte("hi"), 0o644))
		assert.Never(t, func() bool { return imp.count("notes") > 0 }, 150*time.Millisecond, 10*time.Millisecond)
	})

	assert.Equal(t, uint64(1), p.State().(PersisterState).Imports)
}

func TestWatcherReconcilesOnStart(t *testing.T) {
	p := newTestPersister(t)
	require.NoError(t, os.WriteFile(filepath.Join(p.Dir, "offline.json"), []byte(externalEdit), 0o644))

	imp := &recordingImporter{}
	startWatcher(t, p, imp)
	require.Eventually(t, func() bool { return imp.count("offline") == 1 }, 2*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool { return p.State().(PersisterState).LastReconcile != nil }, 2*time.Second, 10*time.Millisecond)

	n, err := p.Reconcile(context.Background(), imp)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestWatcherSupervisorRestarts(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	p := newTestPersister(t)
	created := make(chan *watchWorker, 2)

	spec := supervisor.Spec{
		Name: "snapshot-watcher",
		Type: string(worker.TypeGoroutine),
		Factory: func() (worker.Worker, error) {
			w := newWatchWorker(p, &recordingImporter{})
			created <- w
			return w, nil
		},
		Backoff: supervisor.Backoff{
			InitialInterval: 10 * time.Millisecond,
			MaxInterval:     50 * time.Millisecond,
			Multiplier:      1,
			ResetDuration:   50 * time.Millisecond,
			MaxRestarts:     2,
			MaxDuration:     200 * time.Millisecond,
		},
		RestartPolicy: supervisor.RestartOnFailure,
	}

	sup := supervisor.New("test-watcher", supervisor.StrategyOneForOne, spec)
	require.NoError(t, sup.Start(ctx))

	first := waitForWorker(t, created, "first")
	waitForWatcher(t, p, true)
	_ = first.watcher.Close()

	second := waitForWorker(t, created, "second")
	assert.NotSame(t, first, second)
	waitForWatcher(t, p, true)

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer stopCancel()
	require.NoError(t, sup.Stop(stopCtx))
}

func TestDebouncer(t *testing.T) {
	d := newDebouncer(20 * time.Millisecond)
	var (
		mu    sync.Mutex
		calls []string
	)
	record := func(v string) func() {
		return func() {
			mu.Lock()
			calls = append(calls, v)
			mu.Unlock()
		}
	}
	d.add("a", record("a1"))
	d.add("a", record("a2"))
	d.add("b", record("b1"))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(calls) == 2
	}, time.Second, 5*time.Millisecond)
	mu.Lock()
	assert.ElementsMatch(t, []string{"a2", "b1"}, calls)
	mu.Unlock()

	d.add("c", record("c1"))
	assert.True(t, d.stopAndWait(time.Second))
	d.add("d", record("d1"))
	time.Sleep(50 * time.Millisecond)
	mu.Lock()
	assert.Len(t, calls, 2)
	mu.Unlock()
}

func waitForWorker(t *testing.T, ch <-chan *watchWorker, label string) *watchWorker {
	t.Helper()
	select {
	case w := <-ch:
		return w
	case <-time.After(2 * time.Second):
		t.Fatalf("timeout waiting for %s worker", label)
		return nil
	}
}

func waitForWatcher(t *testing.T, p *Persister, expected bool) {
	t.Helper()
	require.Eventually(t, func() bool {
		state, ok := p.State().(PersisterState)
		return ok && state.WatcherActive == expected
	}, 2*time.Second, 10*time.Millisecond, "watcher state = %v", expected)
}
