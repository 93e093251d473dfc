package core

import (
	"github.com/aretw0/introspection"
)

// StoreState exposes internal state for observability.
type StoreState struct {
	Keys           int                 `json:"keys"`
	Documents      int                 `json:"documents"`
	Protected      int                 `json:"protected"`
	LastTimestamp  int64               `json:"last_timestamp"`
	DroppedEvents  uint64              `json:"dropped_events"`
	ListenerPanics uint64              `json:"listener_panics"`
	Subscriptions  []SubscriptionStats `json:"subscriptions"`
}

// State implements introspection.Introspectable.
func (s *Store) State() any {
	s.mu.RLock()
	state := StoreState{Keys: len(s.entries)}
	for _, rec := range s.entries {
		if rec.Attributes.Type == TypeDocument {
			state.Documents++
		}
		if rec.Attributes.Protected() {
			state.Protected++
		}
	}
	s.mu.RUnlock()

	state.LastTimestamp = s.clock.Last()
	state.DroppedEvents = s.dropped.Load()
	state.ListenerPanics = s.subs.failed.Load()
	state.Subscriptions = s.subs.stats()
	return state
}

// ComponentType implements introspection.Component.
func (s *Store) ComponentType() string {
	return "store"
}

var _ introspection.Introspectable = (*Store)(nil)
var _ introspection.Component = (*Store)(nil)
