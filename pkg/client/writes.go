package client

import (
	"github.com/aretw0/mindcache/pkg/core"
)

// Writes through the client are checked against the session permission
// before they reach the replica, so a read-only session never diverges
// from the server.

func (c *Client) authorize(op, key string, patch *core.AttributesPatch, changesType bool) error {
	c.mu.Lock()
	perm := c.session.Permission
	c.mu.Unlock()
	if perm == "" {
		return nil
	}
	if !perm.CanWrite() {
		return &core.PermissionError{Key: key, Op: op, Reason: "session is read-only"}
	}
	if perm.CanAdmin() {
		return nil
	}
	e, exists := c.store.Entry(key)
	if patch.TouchesProtection(e.Attributes) {
		return &core.PermissionError{Key: key, Op: op, Reason: "protected tag requires admin"}
	}
	if exists && (changesType || patch.ChangesType(e.Attributes)) {
		return &core.PermissionError{Key: key, Op: op, Reason: "type change requires admin"}
	}
	return nil
}

// Set writes value to key in the replica and queues it for the server.
func (c *Client) Set(key string, value core.Value, patch *core.AttributesPatch) error {
	if err := c.authorize("set", key, patch, false); err != nil {
		return err
	}
	if e, ok := c.store.Entry(key); ok && value != nil && value.Kind() != e.Attributes.Type {
		if err := c.authorize("set", key, nil, true); err != nil {
			return err
		}
	}
	return c.store.Set(key, value, patch)
}

// SetAttributes patches the attributes of an existing key.
func (c *Client) SetAttributes(key string, patch *core.AttributesPatch) error {
	if err := c.authorize("set", key, patch, false); err != nil {
		return err
	}
	return c.store.SetAttributes(key, patch)
}

// Delete removes key.
func (c *Client) Delete(key string) error {
	if err := c.authorize("delete", key, nil, false); err != nil {
		return err
	}
	return c.store.Delete(key)
}

// Clear removes every non-protected key and returns the removed keys.
func (c *Client) Clear() ([]string, error) {
	if err := c.authorize("clear", "", nil, false); err != nil {
		return nil, err
	}
	return c.store.Clear(), nil
}

// SetType converts key to t.
func (c *Client) SetType(key string, t core.KeyType) error {
	if err := c.authorize("set_type", key, nil, true); err != nil {
		return err
	}
	return c.store.SetType(key, t)
}

// SetDocument creates or replaces a collaborative document.
func (c *Client) SetDocument(key, text string, patch *core.AttributesPatch) error {
	e, exists := c.store.Entry(key)
	if err := c.authorize("set", key, patch, exists && e.Attributes.Type != core.TypeDocument); err != nil {
		return err
	}
	return c.store.SetDocument(key, text, patch)
}

// ReplaceDocumentText rewrites a document through a minimal diff.
func (c *Client) ReplaceDocumentText(key, text string) error {
	if err := c.authorize("set", key, nil, false); err != nil {
		return err
	}
	return c.store.ReplaceDocumentText(key, text)
}

// InsertDocumentText inserts text at pos.
func (c *Client) InsertDocumentText(key string, pos int, text string) error {
	if err := c.authorize("set", key, nil, false); err != nil {
		return err
	}
	return c.store.InsertDocumentText(key, pos, text)
}

// DeleteDocumentText removes n characters starting at pos.
func (c *Client) DeleteDocumentText(key string, pos, n int) error {
	if err := c.authorize("set", key, nil, false); err != nil {
		return err
	}
	return c.store.DeleteDocumentText(key, pos, n)
}

// ExecuteTool runs a generated write tool against the replica.
func (c *Client) ExecuteTool(name, value string) (*core.Change, error) {
	if err := c.authorize("tool", "", nil, false); err != nil {
		return nil, err
	}
	return c.store.ExecuteTool(name, value)
}
