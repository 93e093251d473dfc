package client

import (
	"time"

	"github.com/aretw0/introspection"
)

// ClientState exposes internal state for observability.
type ClientState struct {
	State      State      `json:"state"`
	Error      string     `json:"error,omitempty"`
	InstanceID string     `json:"instance_id,omitempty"`
	UserID     string     `json:"user_id,omitempty"`
	SessionID  string     `json:"session_id,omitempty"`
	Permission string     `json:"permission,omitempty"`
	Pending    int        `json:"pending"`
	Keys       int        `json:"keys"`
	Connects   int        `json:"connects"`
	LastSynced *time.Time `json:"last_synced,omitempty"`
}

// State implements introspection.Introspectable.
func (c *Client) State() any {
	keys := c.store.Len()
	c.mu.Lock()
	defer c.mu.Unlock()
	s := ClientState{
		State:      c.state,
		InstanceID: c.session.InstanceID,
		UserID:     c.session.UserID,
		SessionID:  c.session.SessionID,
		Permission: string(c.session.Permission),
		Pending:    c.queue.len(),
		Keys:       keys,
		Connects:   c.connects,
	}
	if c.err != nil {
		s.Error = c.err.Error()
	}
	if !c.lastSynced.IsZero() {
		t := c.lastSynced
		s.LastSynced = &t
	}
	return s
}

// ComponentType implements introspection.Component.
func (c *Client) ComponentType() string {
	return "client"
}

var (
	_ introspection.Introspectable = (*Client)(nil)
	_ introspection.Component      = (*Client)(nil)
)
