package core

import (
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/bmatcuk/doublestar/v4"
)

// SubscriptionID identifies a registered listener.
type SubscriptionID uint64

// Listener receives store changes synchronously, in registration order.
type Listener func(Change)

type subscription struct {
	id        SubscriptionID
	key       string
	pattern   string
	fn        Listener
	delivered atomic.Uint64
}

func (s *subscription) matches(c Change) bool {
	switch {
	case s.key == "" && s.pattern == "":
		return true
	case c.Kind == ChangeReset:
		return true
	case c.Kind == ChangeCleared:
		return slices.ContainsFunc(c.Removed, s.matchKey)
	}
	return s.matchKey(c.Key)
}

func (s *subscription) matchKey(key string) bool {
	if s.key != "" {
		return s.key == key
	}
	ok, _ := doublestar.Match(s.pattern, key)
	return ok
}

// registry is an ordered set of listeners with delivery accounting.
type registry struct {
	mu     sync.RWMutex
	subs   []*subscription
	next   SubscriptionID
	failed atomic.Uint64
	logger *slog.Logger
}

func newRegistry(logger *slog.Logger) *registry {
	return &registry{logger: logger}
}

func (r *registry) add(key, pattern string, fn Listener) SubscriptionID {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.next++
	r.subs = append(r.subs, &subscription{id: r.next, key: key, pattern: pattern, fn: fn})
	return r.next
}

func (r *registry) remove(id SubscriptionID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, s := range r.subs {
		if s.id == id {
			r.subs = slices.Delete(r.subs, i, i+1)
			return true
		}
	}
	return false
}

func (r *registry) len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.subs)
}

// dispatch delivers c to every matching listener. A panicking listener is
// logged and counted but does not prevent delivery to the others.
func (r *registry) dispatch(c Change) {
	r.mu.RLock()
	subs := slices.Clone(r.subs)
	r.mu.RUnlock()

	for _, s := range subs {
		if !s.matches(c) {
			continue
		}
		r.deliver(s, c)
	}
}

func (r *registry) deliver(s *subscription, c Change) {
	defer func() {
		if rec := recover(); rec != nil {
			r.failed.Add(1)
			r.logger.Error("listener panic", "subscription", s.id, "key", c.Key, "error", fmt.Sprint(rec))
		}
	}()
	s.fn(c)
	s.delivered.Add(1)
}

// SubscriptionStats is the delivery accounting of one listener.
type SubscriptionStats struct {
	ID        SubscriptionID `json:"id"`
	Key       string         `json:"key,omitempty"`
	Pattern   string         `json:"pattern,omitempty"`
	Delivered uint64         `json:"delivered"`
}

func (r *registry) stats() []SubscriptionStats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]SubscriptionStats, 0, len(r.subs))
	for _, s := range r.subs {
		out = append(out, SubscriptionStats{ID: s.id, Key: s.key, Pattern: s.pattern, Delivered: s.delivered.Load()})
	}
	return out
}
