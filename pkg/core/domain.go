// Package core holds the tagged key/value store at the centre of mindcache.
//
// A Store maps key names to entries (value, attributes, updatedAt). Attributes
// carry user content tags and a fixed vocabulary of system tags which decide
// what a language model may read or write. The store derives template
// substitutions and the system prompt from its entries, and notifies
// registered observers after every mutation.
package core

import (
	"slices"
	"strings"
)

// KeyType is the closed set of value kinds a key can hold.
type KeyType string

const (
	TypeText     KeyType = "text"
	TypeImage    KeyType = "image"
	TypeFile     KeyType = "file"
	TypeJSON     KeyType = "json"
	TypeDocument KeyType = "document"
)

// Valid reports whether t is one of the known key types.
func (t KeyType) Valid() bool {
	switch t {
	case TypeText, TypeImage, TypeFile, TypeJSON, TypeDocument:
		return true
	}
	return false
}

// SystemTag controls how a key is exposed to a language model.
type SystemTag string

const (
	TagSystemPrompt  SystemTag = "SystemPrompt"
	TagLLMRead       SystemTag = "LLMRead"
	TagLLMWrite      SystemTag = "LLMWrite"
	TagProtected     SystemTag = "protected"
	TagApplyTemplate SystemTag = "ApplyTemplate"
)

// Valid reports whether tag belongs to the system vocabulary.
func (t SystemTag) Valid() bool {
	switch t {
	case TagSystemPrompt, TagLLMRead, TagLLMWrite, TagProtected, TagApplyTemplate:
		return true
	}
	return false
}

// Attributes describe a key.
type Attributes struct {
	Type        KeyType     `json:"type" yaml:"type"`
	ContentType string      `json:"contentType,omitempty" yaml:"contentType,omitempty"`
	ContentTags []string    `json:"contentTags,omitempty" yaml:"contentTags,omitempty"`
	SystemTags  []SystemTag `json:"systemTags,omitempty" yaml:"systemTags,omitempty"`
	ZIndex      int         `json:"zIndex" yaml:"zIndex"`
}

// HasSystemTag reports whether tag is set.
func (a Attributes) HasSystemTag(tag SystemTag) bool {
	return slices.Contains(a.SystemTags, tag)
}

// HasTag reports whether the content tag is set.
func (a Attributes) HasTag(tag string) bool {
	return slices.Contains(a.ContentTags, tag)
}

// Readable reports whether the key appears in the system prompt.
func (a Attributes) Readable() bool {
	return a.HasSystemTag(TagSystemPrompt) || a.HasSystemTag(TagLLMRead)
}

// Writable reports whether the key is exposed as a write tool.
func (a Attributes) Writable() bool {
	return a.HasSystemTag(TagLLMWrite)
}

// Protected reports whether the key resists delete and clear.
func (a Attributes) Protected() bool {
	return a.HasSystemTag(TagProtected)
}

// Equal reports whether a and b describe the key identically.
func (a Attributes) Equal(b Attributes) bool {
	return a.Type == b.Type &&
		a.ContentType == b.ContentType &&
		a.ZIndex == b.ZIndex &&
		slices.Equal(a.ContentTags, b.ContentTags) &&
		slices.Equal(a.SystemTags, b.SystemTags)
}

// ChangesType reports whether applying p to base changes the key type.
func (p *AttributesPatch) ChangesType(base Attributes) bool {
	return p != nil && p.Type != nil && *p.Type != base.Type
}

// Clone returns a deep copy.
func (a Attributes) Clone() Attributes {
	a.ContentTags = slices.Clone(a.ContentTags)
	a.SystemTags = slices.Clone(a.SystemTags)
	return a
}

// AttributesPatch is a partial attribute update. Nil fields are left untouched,
// so toggling one tag list does not clobber the others.
type AttributesPatch struct {
	Type        *KeyType     `json:"type,omitempty" validate:"omitnil,oneof=text image file json document"`
	ContentType *string      `json:"contentType,omitempty"`
	ContentTags *[]string    `json:"contentTags,omitempty"`
	SystemTags  *[]SystemTag `json:"systemTags,omitempty"`
	ZIndex      *int         `json:"zIndex,omitempty"`
}

// PatchFrom builds a patch that sets every field of a.
func PatchFrom(a Attributes) *AttributesPatch {
	a = a.Clone()
	return &AttributesPatch{
		Type:        &a.Type,
		ContentType: &a.ContentType,
		ContentTags: &a.ContentTags,
		SystemTags:  &a.SystemTags,
		ZIndex:      &a.ZIndex,
	}
}

// WithSystemTags is a convenience patch that replaces the system tags.
func WithSystemTags(tags ...SystemTag) *AttributesPatch {
	return &AttributesPatch{SystemTags: &tags}
}

// WithContentTags is a convenience patch that replaces the content tags.
func WithContentTags(tags ...string) *AttributesPatch {
	return &AttributesPatch{ContentTags: &tags}
}

// mergeInto applies the patch on top of base.
func (p *AttributesPatch) mergeInto(base Attributes) Attributes {
	out := base.Clone()
	if p == nil {
		return out
	}
	if p.Type != nil {
		out.Type = *p.Type
	}
	if p.ContentType != nil {
		out.ContentType = *p.ContentType
	}
	if p.ContentTags != nil {
		out.ContentTags = dedupe(*p.ContentTags)
	}
	if p.SystemTags != nil {
		out.SystemTags = dedupe(*p.SystemTags)
	}
	if p.ZIndex != nil {
		out.ZIndex = *p.ZIndex
	}
	return out
}

// TouchesProtection reports whether applying p to base adds or removes the protected tag.
func (p *AttributesPatch) TouchesProtection(base Attributes) bool {
	if p == nil || p.SystemTags == nil {
		return false
	}
	return slices.Contains(*p.SystemTags, TagProtected) != base.Protected()
}

func dedupe[T comparable](in []T) []T {
	if len(in) == 0 {
		return nil
	}
	out := make([]T, 0, len(in))
	for _, v := range in {
		if !slices.Contains(out, v) {
			out = append(out, v)
		}
	}
	return out
}

// Entry is one key's state.
type Entry struct {
	Key        string
	Value      Value
	Attributes Attributes
	UpdatedAt  int64
}

// Permission is the access level resolved for a session.
type Permission string

const (
	PermissionRead   Permission = "read"
	PermissionWrite  Permission = "write"
	PermissionAdmin  Permission = "admin"
	PermissionSystem Permission = "system"
)

// Valid reports whether p is a known level.
func (p Permission) Valid() bool {
	switch p {
	case PermissionRead, PermissionWrite, PermissionAdmin, PermissionSystem:
		return true
	}
	return false
}

// CanWrite reports whether p allows set, delete and clear.
func (p Permission) CanWrite() bool {
	return p == PermissionWrite || p == PermissionAdmin || p == PermissionSystem
}

// CanAdmin reports whether p may change key types and the protected tag.
func (p Permission) CanAdmin() bool {
	return p == PermissionAdmin || p == PermissionSystem
}

// Virtual keys are computed at read time and never stored or broadcast.
const (
	KeyDate = "$date"
	KeyTime = "$time"
)

// IsVirtual reports whether key is in the reserved "$" namespace.
func IsVirtual(key string) bool {
	return strings.HasPrefix(key, "$")
}
