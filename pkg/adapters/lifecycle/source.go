// Package lifecycle exposes store changes as a lifecycle event source.
package lifecycle

import (
	"context"

	"github.com/aretw0/lifecycle"

	"github.com/aretw0/mindcache/pkg/core"
)

type changeSource struct {
	changes <-chan core.Change
	out     chan lifecycle.Event
}

// NewSource creates a lifecycle.Source that emits store changes, typically
// from core.Store.Watch. core.Change satisfies lifecycle.Event.
func NewSource(changes <-chan core.Change) lifecycle.Source {
	return &changeSource{
		changes: changes,
		out:     make(chan lifecycle.Event),
	}
}

func (s *changeSource) Events() <-chan lifecycle.Event {
	return s.out
}

func (s *changeSource) Start(ctx context.Context) error {
	lifecycle.Go(ctx, func(ctx context.Context) error {
		defer close(s.out)
		for {
			select {
			case <-ctx.Done():
				return nil
			case c, ok := <-s.changes:
				if !ok {
					return nil
				}
				select {
				case s.out <- c:
				case <-ctx.Done():
					return nil
				}
			}
		}
	})
	return nil
}
