package core

import (
	"fmt"

	"github.com/aretw0/mindcache/pkg/crdt"
)

// SetDocument creates a document key holding text, or rewrites an existing
// document to text with minimal edits.
func (s *Store) SetDocument(key, text string, patch *AttributesPatch) error {
	_, err := s.Apply(Mutation{Kind: MutationDocReplace, Key: key, Text: text, Patch: patch})
	return err
}

// Document returns the live handle of a document key. Edits should go through
// the store so they are stamped, broadcast and observed.
func (s *Store) Document(key string) (*crdt.Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.entries[key]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrNotFound, key)
	}
	dv, ok := rec.Value.(DocumentValue)
	if !ok {
		return nil, &ValidationError{Key: key, Reason: fmt.Sprintf("key holds %s, not document", rec.Attributes.Type), Err: ErrTypeMismatch}
	}
	return dv.Doc, nil
}

// DocumentText returns the flattened text of a document key.
func (s *Store) DocumentText(key string) (string, error) {
	doc, err := s.Document(key)
	if err != nil {
		return "", err
	}
	return doc.Text(), nil
}

// ReplaceDocumentText rewrites an existing document through a character diff
// so concurrent edits elsewhere in the text survive.
func (s *Store) ReplaceDocumentText(key, text string) error {
	if _, err := s.Document(key); err != nil {
		return err
	}
	_, err := s.Apply(Mutation{Kind: MutationDocReplace, Key: key, Text: text})
	return err
}

// InsertDocumentText inserts text at a character position.
func (s *Store) InsertDocumentText(key string, pos int, text string) error {
	_, err := s.Apply(Mutation{Kind: MutationDocInsert, Key: key, Pos: pos, Text: text})
	return err
}

// DeleteDocumentText removes n characters starting at pos.
func (s *Store) DeleteDocumentText(key string, pos, n int) error {
	_, err := s.Apply(Mutation{Kind: MutationDocDelete, Key: key, Pos: pos, Count: n})
	return err
}

// ObserveDocument registers fn on a document key for local and remote edits.
func (s *Store) ObserveDocument(key string, fn func(crdt.Change)) (crdt.ObserverID, error) {
	doc, err := s.Document(key)
	if err != nil {
		return 0, err
	}
	return doc.Observe(fn), nil
}

// UnobserveDocument removes a document observer.
func (s *Store) UnobserveDocument(key string, id crdt.ObserverID) bool {
	doc, err := s.Document(key)
	if err != nil {
		return false
	}
	return doc.Unobserve(id)
}
