// Package codec converts store snapshots to and from their interchange
// formats: a JSON snapshot and a human-editable Markdown export.
package codec

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/aretw0/mindcache/pkg/core"
)

// ErrMalformed is returned when an export cannot be parsed.
var ErrMalformed = errors.New("malformed export")

var validate = validator.New(validator.WithRequiredStructEnabled())

// Serializer reads and writes one snapshot format.
type Serializer interface {
	// Parse reads a snapshot from r.
	Parse(r io.Reader) (core.Snapshot, error)
	// Serialize renders snap.
	Serialize(snap core.Snapshot) ([]byte, error)
}

// DefaultSerializers returns the serializers keyed by file extension.
func DefaultSerializers() map[string]Serializer {
	md := NewMarkdownSerializer()
	return map[string]Serializer{
		".json":     NewJSONSerializer(),
		".md":       md,
		".markdown": md,
	}
}

// ForPath picks a serializer from the extension of path.
func ForPath(path string) (Serializer, error) {
	ext := strings.ToLower(filepath.Ext(path))
	s, ok := DefaultSerializers()[ext]
	if !ok {
		return nil, fmt.Errorf("no serializer for %q", ext)
	}
	return s, nil
}

// ToJSON renders the whole store as a JSON snapshot.
func ToJSON(s *core.Store) ([]byte, error) {
	return NewJSONSerializer().Serialize(s.Snapshot())
}

// FromJSON replaces the store content with a JSON snapshot.
func FromJSON(s *core.Store, data []byte) error {
	snap, err := NewJSONSerializer().Parse(bytes.NewReader(data))
	if err != nil {
		return err
	}
	return s.Restore(snap)
}

// ToMarkdown renders the whole store as a Markdown export.
func ToMarkdown(s *core.Store) ([]byte, error) {
	return NewMarkdownSerializer().Serialize(s.Snapshot())
}

// FromMarkdown replaces the store content with a Markdown export.
func FromMarkdown(s *core.Store, data []byte) error {
	snap, err := NewMarkdownSerializer().Parse(bytes.NewReader(data))
	if err != nil {
		return err
	}
	return s.Restore(snap)
}
