package core

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"github.com/aretw0/mindcache/pkg/crdt"
)

// SnapshotVersion is bumped when the snapshot layout changes incompatibly.
const SnapshotVersion = 1

// SnapshotEntry is the serialized form of one key.
type SnapshotEntry struct {
	Key        string          `json:"key" validate:"required"`
	Value      json.RawMessage `json:"value"`
	Attributes Attributes      `json:"attributes"`
	UpdatedAt  int64           `json:"updatedAt"`
}

// Snapshot is a full serialized store, entries in Keys order.
type Snapshot struct {
	Version int             `json:"version"`
	Entries []SnapshotEntry `json:"entries" validate:"dive"`
}

// Persister stores snapshots of an instance between server restarts.
type Persister interface {
	// Load returns ErrNotFound when nothing was saved for instanceID.
	Load(ctx context.Context, instanceID string) (Snapshot, error)
	Save(ctx context.Context, instanceID string, snap Snapshot) error
	Close() error
}

// Snapshot serializes the whole store.
func (s *Store) Snapshot() Snapshot {
	entries := s.Entries()
	snap := Snapshot{Version: SnapshotVersion, Entries: make([]SnapshotEntry, 0, len(entries))}
	for _, e := range entries {
		raw, err := EncodeValue(e.Value)
		if err != nil {
			s.logger.Error("encode value", "key", e.Key, "error", err)
			continue
		}
		snap.Entries = append(snap.Entries, SnapshotEntry{
			Key:        e.Key,
			Value:      raw,
			Attributes: e.Attributes,
			UpdatedAt:  e.UpdatedAt,
		})
	}
	return snap
}

// Restore replaces the store content with snap. Listeners receive a single
// reset change.
func (s *Store) Restore(snap Snapshot) error {
	recs, err := s.decodeSnapshot(snap)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.replaceLocked(recs)
	s.mu.Unlock()
	s.subs.dispatch(Change{Kind: ChangeReset, Origin: OriginRemote, Timestamp: s.clock.Last()})
	return nil
}

// Rebase is Restore for a replica catching up: documents that exist on both
// sides are merged into the local handle instead of replaced, so local edits
// made while disconnected survive and document observers stay attached.
func (s *Store) Rebase(snap Snapshot) error {
	recs, err := s.decodeSnapshot(snap)
	if err != nil {
		return err
	}

	type merge struct {
		key string
		doc *crdt.Document
		ops []crdt.Op
	}
	var merges []merge

	s.mu.Lock()
	for _, rec := range recs {
		old, ok := s.entries[rec.Key]
		if !ok || old.Attributes.Type != TypeDocument || rec.Attributes.Type != TypeDocument {
			continue
		}
		local := old.Value.(DocumentValue).Doc
		merges = append(merges, merge{key: rec.Key, doc: local, ops: rec.Value.(DocumentValue).Doc.Ops()})
		rec.Value = DocumentValue{Doc: local}
	}
	s.replaceLocked(recs)
	s.mu.Unlock()

	for _, m := range merges {
		if err := m.doc.Apply(m.ops); err != nil {
			s.logger.Error("rebase document", "key", m.key, "error", err)
		}
	}
	s.subs.dispatch(Change{Kind: ChangeReset, Origin: OriginRemote, Timestamp: s.clock.Last()})
	return nil
}

func (s *Store) decodeSnapshot(snap Snapshot) ([]*record, error) {
	if snap.Version > SnapshotVersion {
		return nil, &ValidationError{Reason: fmt.Sprintf("unsupported snapshot version %d", snap.Version)}
	}
	recs := make([]*record, 0, len(snap.Entries))
	seen := make(map[string]bool, len(snap.Entries))
	for _, se := range snap.Entries {
		if err := ValidateKey(se.Key); err != nil {
			return nil, err
		}
		if seen[se.Key] {
			return nil, &ValidationError{Key: se.Key, Reason: "duplicate key in snapshot"}
		}
		seen[se.Key] = true
		attrs := se.Attributes.Clone()
		if attrs.Type == "" {
			attrs.Type = InferType(se.Value)
		}
		if err := validateAttributes(se.Key, attrs); err != nil {
			return nil, err
		}
		v, err := DecodeValue(attrs.Type, se.Value, s.site)
		if err != nil {
			return nil, fmt.Errorf("key %q: %w", se.Key, err)
		}
		recs = append(recs, &record{Entry: Entry{Key: se.Key, Value: v, Attributes: attrs, UpdatedAt: se.UpdatedAt}})
	}
	return recs, nil
}

func (s *Store) replaceLocked(recs []*record) {
	s.entries = make(map[string]*record, len(recs))
	for _, rec := range recs {
		s.seq++
		rec.seq = s.seq
		s.entries[rec.Key] = rec
		s.clock.Observe(rec.UpdatedAt)
	}
}

// LatestUpdate returns the newest updatedAt across entries.
func (snap Snapshot) LatestUpdate() int64 {
	var latest int64
	for _, e := range snap.Entries {
		latest = max(latest, e.UpdatedAt)
	}
	return latest
}

// Lookup returns the entry for key.
func (snap Snapshot) Lookup(key string) (SnapshotEntry, bool) {
	for _, e := range snap.Entries {
		if e.Key == key {
			return e, true
		}
	}
	return SnapshotEntry{}, false
}

// Diff returns the mutations that bring the store to the state of snap.
// Documents are rewritten through a text diff so concurrent edits survive;
// keys absent from snap are deleted.
func (s *Store) Diff(snap Snapshot, origin string) ([]Mutation, error) {
	target, err := s.decodeSnapshot(snap)
	if err != nil {
		return nil, err
	}

	var out []Mutation
	write := func(rec *record) Mutation {
		m := Mutation{Key: rec.Key, Patch: PatchFrom(rec.Attributes), Origin: origin}
		if rec.Attributes.Type == TypeDocument {
			m.Kind, m.Text = MutationDocReplace, Render(rec.Value)
		} else {
			m.Kind, m.Value = MutationSet, rec.Value
		}
		return m
	}

	seen := make(map[string]bool, len(target))
	for _, rec := range target {
		seen[rec.Key] = true
		cur, ok := s.Entry(rec.Key)
		switch {
		case !ok:
			out = append(out, write(rec))
		case cur.Attributes.Type != rec.Attributes.Type:
			out = append(out, Mutation{Kind: MutationSetType, Key: rec.Key, Type: rec.Attributes.Type, Origin: origin}, write(rec))
		case !sameValue(cur.Value, rec.Value) || !cur.Attributes.Equal(rec.Attributes):
			out = append(out, write(rec))
		}
	}
	for _, key := range s.Keys() {
		if !seen[key] {
			out = append(out, Mutation{Kind: MutationDelete, Key: key, Origin: origin})
		}
	}
	return out, nil
}

func sameValue(a, b Value) bool {
	if a.Kind() != b.Kind() {
		return false
	}
	if a.Kind() == TypeDocument {
		return Render(a) == Render(b)
	}
	ra, errA := EncodeValue(a)
	rb, errB := EncodeValue(b)
	return errA == nil && errB == nil && bytes.Equal(ra, rb)
}
