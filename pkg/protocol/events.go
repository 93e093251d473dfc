package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/aretw0/mindcache/pkg/core"
)

// Author identifies who caused a change.
type Author struct {
	UserID    string
	SessionID string
}

// FromChange renders a store change as the event broadcast to sessions.
// Document updates carry only the operations the change contributed.
func FromChange(c core.Change, by Author) (Message, error) {
	switch c.Kind {
	case core.ChangeUpdated:
		value, err := ChangeValue(c)
		if err != nil {
			return nil, err
		}
		return &KeyUpdated{
			Key:        c.Key,
			Value:      value,
			Attributes: c.Entry.Attributes,
			UpdatedBy:  by.UserID,
			SessionID:  by.SessionID,
			Timestamp:  c.Timestamp,
			Ref:        c.Ref,
		}, nil
	case core.ChangeDeleted:
		return &KeyDeleted{Key: c.Key, DeletedBy: by.UserID, SessionID: by.SessionID, Timestamp: c.Timestamp, Ref: c.Ref}, nil
	case core.ChangeCleared:
		return &Cleared{ClearedBy: by.UserID, SessionID: by.SessionID, Keys: c.Removed, Timestamp: c.Timestamp, Ref: c.Ref}, nil
	}
	return nil, fmt.Errorf("change %q has no wire event", c.Kind)
}

// ChangeValue encodes the value of an update.
func ChangeValue(c core.Change) (json.RawMessage, error) {
	if _, ok := c.Entry.Value.(core.DocumentValue); ok && len(c.Ops) > 0 {
		return json.Marshal(core.DocumentPayload{Ops: c.Ops})
	}
	return core.EncodeValue(c.Entry.Value)
}

// EntryUpdate renders the current state of an entry as a key_updated frame.
func EntryUpdate(e core.Entry, ref string) (*KeyUpdated, error) {
	value, err := core.EncodeValue(e.Value)
	if err != nil {
		return nil, err
	}
	return &KeyUpdated{Key: e.Key, Value: value, Attributes: e.Attributes, Timestamp: e.UpdatedAt, Ref: ref}, nil
}
