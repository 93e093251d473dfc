package badger

import (
	"github.com/aretw0/introspection"
)

// PersisterState exposes internal state for observability.
type PersisterState struct {
	Saves     uint64 `json:"saves"`
	LSMBytes  int64  `json:"lsm_bytes"`
	VLogBytes int64  `json:"vlog_bytes"`
	Closed    bool   `json:"closed"`
	GC        bool   `json:"gc"`
}

// State implements introspection.Introspectable.
func (p *Persister) State() any {
	s := PersisterState{
		Saves:  p.saves.Load(),
		Closed: p.closed.Load(),
		GC:     p.stopGC != nil,
	}
	if !s.Closed {
		s.LSMBytes, s.VLogBytes = p.db.Size()
	}
	return s
}

// ComponentType implements introspection.Component.
func (p *Persister) ComponentType() string {
	return "badger-persister"
}

var (
	_ introspection.Introspectable = (*Persister)(nil)
	_ introspection.Component      = (*Persister)(nil)
)
