package server

import (
	"time"

	"github.com/aretw0/introspection"
)

// CoordinatorState exposes internal state for observability.
type CoordinatorState struct {
	Instance     string     `json:"instance"`
	Running      bool       `json:"running"`
	Sessions     []string   `json:"sessions"`
	Keys         int        `json:"keys"`
	Persistent   bool       `json:"persistent"`
	FlushPending bool       `json:"flush_pending"`
	Flushes      uint64     `json:"flushes"`
	LastFlush    *time.Time `json:"last_flush,omitempty"`
	FlushError   string     `json:"flush_error,omitempty"`
}

// State implements introspection.Introspectable.
func (c *Coordinator) State() any {
	c.mu.Lock()
	sessions := make([]string, 0, len(c.sessions))
	for id := range c.sessions {
		sessions = append(sessions, id)
	}
	c.mu.Unlock()

	state := CoordinatorState{
		Instance:     c.id,
		Running:      c.started.Load() && !isClosed(c.stopped),
		Sessions:     sessions,
		Keys:         c.store.Len(),
		Persistent:   c.opts.persister != nil,
		FlushPending: c.pending.Load(),
		Flushes:      c.flushes.Load(),
	}
	if ms := c.lastFlush.Load(); ms > 0 {
		t := time.UnixMilli(ms)
		state.LastFlush = &t
	}
	if msg, ok := c.flushErr.Load().(string); ok {
		state.FlushError = msg
	}
	return state
}

// ComponentType implements introspection.Component.
func (c *Coordinator) ComponentType() string {
	return "coordinator"
}

// HubState exposes internal state for observability.
type HubState struct {
	Running    bool     `json:"running"`
	Instances  []string `json:"instances"`
	AutoCreate bool     `json:"auto_create"`
}

// State implements introspection.Introspectable.
func (h *Hub) State() any {
	h.mu.Lock()
	running := h.running
	h.mu.Unlock()
	return HubState{
		Running:    running,
		Instances:  h.Instances(),
		AutoCreate: h.opts.autoCreate,
	}
}

// ComponentType implements introspection.Component.
func (h *Hub) ComponentType() string {
	return "hub"
}

func isClosed(ch <-chan struct{}) bool {
	select {
	case <-ch:
		return true
	default:
		return false
	}
}

var (
	_ introspection.Introspectable = (*Coordinator)(nil)
	_ introspection.Component      = (*Coordinator)(nil)
	_ introspection.Introspectable = (*Hub)(nil)
	_ introspection.Component      = (*Hub)(nil)
)
