package fs

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/aretw0/lifecycle"
	"github.com/aretw0/lifecycle/pkg/core/worker"
	"github.com/fsnotify/fsnotify"
)

// DebounceDelay is how long a file must stay quiet before it is imported.
const DebounceDelay = 50 * time.Millisecond

type watchWorker struct {
	*worker.BaseWorker
	persister *Persister
	importer  Importer
	watcher   *fsnotify.Watcher
	debouncer *debouncer
	cancel    context.CancelFunc
}

// Watcher returns a worker that imports edits of snapshot files into imp.
// Run it under a lifecycle supervisor; it fails when fsnotify does.
func (p *Persister) Watcher(imp Importer) worker.Worker {
	return newWatchWorker(p, imp)
}

func newWatchWorker(p *Persister, imp Importer) *watchWorker {
	return &watchWorker{
		BaseWorker: worker.NewBaseWorker("snapshot-watcher"),
		persister:  p,
		importer:   imp,
	}
}

func (w *watchWorker) Start(ctx context.Context) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}

	status := w.State().Status
	if status != worker.StatusCreated && status != worker.StatusPending {
		return fmt.Errorf("watcher already started (status: %s)", status)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	if err := watcher.Add(w.persister.Dir); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("watch %s: %w", w.persister.Dir, err)
	}

	w.watcher = watcher
	w.debouncer = newDebouncer(DebounceDelay)
	w.persister.setWatcherActive(true)

	runCtx, cancel := context.WithCancel(ctx)
	w.cancel = cancel

	w.SetStatus(worker.StatusRunning)
	w.reconcile(runCtx)
	return w.StartFunc(runCtx, w.run)
}

func (w *watchWorker) Stop(ctx context.Context) error {
	if w.cancel != nil {
		w.StopRequested = true
		w.cancel()
	}
	return w.BaseWorker.Stop(ctx)
}

func (w *watchWorker) State() worker.State {
	return w.ExportState(func(s *worker.State) {
		s.Metadata = map[string]string{
			worker.MetadataType: string(worker.TypeGoroutine),
		}
	})
}

// reconcile catches up on edits made before the watcher was running.
func (w *watchWorker) reconcile(ctx context.Context) {
	logger := w.persister.config.Logger
	lifecycle.Go(ctx, func(ctx context.Context) error {
		n, err := w.persister.Reconcile(ctx, w.importer)
		if err != nil {
			w.persister.report(fmt.Errorf("reconcile: %w", err))
		}
		if n > 0 {
			logger.Info("reconciled snapshot files", "imported", n)
		}
		return nil
	}, lifecycle.WithErrorHandler(func(err error) {
		w.persister.report(fmt.Errorf("reconcile panic: %w", err))
	}))
}

func (w *watchWorker) handle(ctx context.Context, event fsnotify.Event) {
	w.persister.config.Logger.Debug("event received", "name", event.Name, "op", event.Op.String())
	if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
		return
	}
	if _, ok := w.persister.instanceOf(event.Name); !ok {
		return
	}
	path := event.Name
	w.debouncer.add(path, func() {
		if ctx.Err() != nil {
			return
		}
		if _, err := w.persister.importFile(ctx, w.importer, path); err != nil {
			w.persister.report(err)
		}
	})
}

func (w *watchWorker) run(ctx context.Context) (err error) {
	logger := w.persister.config.Logger
	defer func() {
		if recovered := recover(); recovered != nil {
			panicErr := fmt.Errorf("watcher panic: %v", recovered)
			if logger.Enabled(ctx, slog.LevelDebug) {
				logger.Error("watcher panic", "error", panicErr, "stack", string(debug.Stack()))
			} else {
				logger.Error("watcher panic", "error", panicErr)
			}
			err = panicErr
		}
	}()
	defer w.persister.setWatcherActive(false)
	defer w.watcher.Close()

	err = w.loop(ctx)

	// Stop before returning so no import outlives the worker.
	w.debouncer.stopAndWait(5 * time.Second)
	return err
}

func (w *watchWorker) loop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-w.watcher.Events:
			if !ok {
				if w.StopRequested || ctx.Err() != nil {
					return nil
				}
				return fmt.Errorf("watcher events channel closed")
			}
			w.handle(ctx, event)

		case wErr, ok := <-w.watcher.Errors:
			if !ok {
				if w.StopRequested || ctx.Err() != nil {
					return nil
				}
				return fmt.Errorf("watcher errors channel closed")
			}
			w.persister.report(fmt.Errorf("fsnotify: %w", wErr))
		}
	}
}
