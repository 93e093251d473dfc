// Package protocol defines the JSON messages exchanged between sync clients
// and the instance server.
//
// Every frame is a JSON object with a "type" discriminator. Client frames are
// auth, set, delete, clear and ping; the server answers with auth_success or
// auth_error, a single sync snapshot, then key_updated, key_deleted, cleared,
// error and pong.
package protocol

import (
	"encoding/json"

	"github.com/aretw0/mindcache/pkg/core"
)

// Type discriminates messages on the wire.
type Type string

const (
	TypeAuth  Type = "auth"
	TypeSet   Type = "set"
	TypeDel   Type = "delete"
	TypeClear Type = "clear"
	TypePing  Type = "ping"

	TypeAuthSuccess Type = "auth_success"
	TypeAuthError   Type = "auth_error"
	TypeSync        Type = "sync"
	TypeKeyUpdated  Type = "key_updated"
	TypeKeyDeleted  Type = "key_deleted"
	TypeCleared     Type = "cleared"
	TypeError       Type = "error"
	TypePong        Type = "pong"
)

// Message is implemented by every frame.
type Message interface {
	MessageType() Type
}

// Auth opens a session with a token or API key.
type Auth struct {
	APIKey string `json:"apiKey" validate:"required"`
}

// Set creates or overwrites a key. For document keys Value carries either
// {"ops":[...]} to merge or a bare string to diff against.
type Set struct {
	Key        string                `json:"key" validate:"required"`
	Value      json.RawMessage       `json:"value"`
	Attributes *core.AttributesPatch `json:"attributes,omitempty"`
	Timestamp  int64                 `json:"timestamp" validate:"gte=0"`
	Ref        string                `json:"ref,omitempty" validate:"max=128"`
}

// Delete removes a key.
type Delete struct {
	Key       string `json:"key" validate:"required"`
	Timestamp int64  `json:"timestamp" validate:"gte=0"`
	Ref       string `json:"ref,omitempty" validate:"max=128"`
}

// Clear removes every non-protected key.
type Clear struct {
	Timestamp int64  `json:"timestamp" validate:"gte=0"`
	Ref       string `json:"ref,omitempty" validate:"max=128"`
}

// Ping asks for a pong.
type Ping struct{}

// AuthSuccess confirms a session.
type AuthSuccess struct {
	InstanceID string          `json:"instanceId"`
	UserID     string          `json:"userId"`
	Permission core.Permission `json:"permission"`
	SessionID  string          `json:"sessionId,omitempty"`
}

// AuthError rejects a session. The connection is closed right after.
type AuthError struct {
	Error string        `json:"error"`
	Code  core.AuthCode `json:"code" validate:"required"`
}

// Sync carries the full snapshot, once per session, right after auth.
type Sync struct {
	Data       core.Snapshot `json:"data"`
	InstanceID string        `json:"instanceId"`
}

// KeyUpdated broadcasts an accepted set. For documents Value carries the
// operations the write contributed.
type KeyUpdated struct {
	Key        string          `json:"key" validate:"required"`
	Value      json.RawMessage `json:"value"`
	Attributes core.Attributes `json:"attributes"`
	UpdatedBy  string          `json:"updatedBy"`
	SessionID  string          `json:"sessionId,omitempty"`
	Timestamp  int64           `json:"timestamp"`
	Ref        string          `json:"ref,omitempty"`
}

// KeyDeleted broadcasts an accepted delete.
type KeyDeleted struct {
	Key       string `json:"key" validate:"required"`
	DeletedBy string `json:"deletedBy"`
	SessionID string `json:"sessionId,omitempty"`
	Timestamp int64  `json:"timestamp"`
	Ref       string `json:"ref,omitempty"`
}

// Cleared broadcasts an accepted clear with the keys it removed.
type Cleared struct {
	ClearedBy string   `json:"clearedBy"`
	SessionID string   `json:"sessionId,omitempty"`
	Keys      []string `json:"keys,omitempty"`
	Timestamp int64    `json:"timestamp"`
	Ref       string   `json:"ref,omitempty"`
}

// Error reports a rejected or malformed frame. The session stays open.
type Error struct {
	Error string `json:"error"`
	Code  Code   `json:"code" validate:"required"`
	Ref   string `json:"ref,omitempty"`
}

// Pong answers a ping.
type Pong struct{}

func (*Auth) MessageType() Type        { return TypeAuth }
func (*Set) MessageType() Type         { return TypeSet }
func (*Delete) MessageType() Type      { return TypeDel }
func (*Clear) MessageType() Type       { return TypeClear }
func (*Ping) MessageType() Type        { return TypePing }
func (*AuthSuccess) MessageType() Type { return TypeAuthSuccess }
func (*AuthError) MessageType() Type   { return TypeAuthError }
func (*Sync) MessageType() Type        { return TypeSync }
func (*KeyUpdated) MessageType() Type  { return TypeKeyUpdated }
func (*KeyDeleted) MessageType() Type  { return TypeKeyDeleted }
func (*Cleared) MessageType() Type     { return TypeCleared }
func (*Error) MessageType() Type       { return TypeError }
func (*Pong) MessageType() Type        { return TypePong }

func newMessage(t Type) Message {
	switch t {
	case TypeAuth:
		return &Auth{}
	case TypeSet:
		return &Set{}
	case TypeDel:
		return &Delete{}
	case TypeClear:
		return &Clear{}
	case TypePing:
		return &Ping{}
	case TypeAuthSuccess:
		return &AuthSuccess{}
	case TypeAuthError:
		return &AuthError{}
	case TypeSync:
		return &Sync{}
	case TypeKeyUpdated:
		return &KeyUpdated{}
	case TypeKeyDeleted:
		return &KeyDeleted{}
	case TypeCleared:
		return &Cleared{}
	case TypeError:
		return &Error{}
	case TypePong:
		return &Pong{}
	}
	return nil
}

// IsClientMessage reports whether t may be sent by a client.
func IsClientMessage(t Type) bool {
	switch t {
	case TypeAuth, TypeSet, TypeDel, TypeClear, TypePing:
		return true
	}
	return false
}
