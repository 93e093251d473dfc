package client

import (
	"encoding/json"
	"slices"

	"github.com/google/uuid"

	"github.com/aretw0/mindcache/pkg/core"
	"github.com/aretw0/mindcache/pkg/protocol"
)

// pending is a local mutation the server has not confirmed yet.
type pending struct {
	ref       string
	msg       protocol.Message
	keys      []string
	document  bool
	timestamp int64
	sent      bool
}

// outbox keeps unconfirmed mutations in the order they were made.
type outbox struct {
	items []*pending
}

func (q *outbox) push(p *pending) { q.items = append(q.items, p) }

func (q *outbox) len() int { return len(q.items) }

// retire drops the entry carrying ref and reports whether it existed.
func (q *outbox) retire(ref string) bool {
	if ref == "" {
		return false
	}
	i := slices.IndexFunc(q.items, func(p *pending) bool { return p.ref == ref })
	if i < 0 {
		return false
	}
	q.items = slices.Delete(q.items, i, i+1)
	return true
}

// touches reports whether an unconfirmed mutation covers key.
func (q *outbox) touches(key string) bool {
	for _, p := range q.items {
		if slices.Contains(p.keys, key) {
			return true
		}
	}
	return false
}

func (q *outbox) unsent() []*pending {
	var out []*pending
	for _, p := range q.items {
		if !p.sent {
			out = append(out, p)
		}
	}
	return out
}

// rebase prepares the queue for replay against a fresh snapshot. Scalar
// writes older than the snapshot's copy of their key lose; a queued clear
// becomes per-key deletes so it cannot remove keys created since.
func (q *outbox) rebase(snap core.Snapshot) {
	var expanded []*pending
	for _, p := range q.items {
		c, ok := p.msg.(*protocol.Clear)
		if !ok {
			expanded = append(expanded, p)
			continue
		}
		for _, key := range p.keys {
			ref := uuid.NewString()
			expanded = append(expanded, &pending{
				ref:       ref,
				msg:       &protocol.Delete{Key: key, Timestamp: c.Timestamp, Ref: ref},
				keys:      []string{key},
				timestamp: c.Timestamp,
			})
		}
	}

	kept := expanded[:0]
	for _, p := range expanded {
		if !p.document {
			if e, exists := snap.Lookup(p.keys[0]); exists && e.UpdatedAt > p.timestamp {
				continue
			}
		}
		p.sent = false
		kept = append(kept, p)
	}
	q.items = kept
}

// frame renders a local change as the mutation sent to the server.
func frame(c core.Change) (*pending, error) {
	ref := uuid.NewString()
	switch c.Kind {
	case core.ChangeUpdated:
		value, err := protocol.ChangeValue(c)
		if err != nil {
			return nil, err
		}
		doc := c.Entry.Attributes.Type == core.TypeDocument
		set := &protocol.Set{Key: c.Key, Value: value, Attributes: core.PatchFrom(c.Entry.Attributes), Ref: ref}
		if !doc {
			set.Timestamp = c.Timestamp
		}
		return &pending{ref: ref, msg: set, keys: []string{c.Key}, document: doc, timestamp: c.Timestamp}, nil
	case core.ChangeDeleted:
		return &pending{ref: ref, msg: &protocol.Delete{Key: c.Key, Timestamp: c.Timestamp, Ref: ref}, keys: []string{c.Key}, timestamp: c.Timestamp}, nil
	case core.ChangeCleared:
		return &pending{ref: ref, msg: &protocol.Clear{Timestamp: c.Timestamp, Ref: ref}, keys: slices.Clone(c.Removed), timestamp: c.Timestamp}, nil
	}
	return nil, nil
}

// replay re-applies a surviving queued mutation to a freshly rebased replica.
func replay(store *core.Store, p *pending) error {
	switch m := p.msg.(type) {
	case *protocol.Set:
		return applySet(store, m.Key, m.Value, m.Attributes, m.Timestamp, originReplay)
	case *protocol.Delete:
		_, err := store.Apply(core.Mutation{Kind: core.MutationDelete, Key: m.Key, Timestamp: m.Timestamp, Origin: originReplay})
		return err
	}
	return nil
}

// applySet writes a wire value into the replica, switching the key type
// first when the sender changed it.
func applySet(store *core.Store, key string, raw json.RawMessage, patch *core.AttributesPatch, ts int64, origin string) error {
	t := core.InferType(raw)
	if patch != nil && patch.Type != nil {
		t = *patch.Type
	}
	if e, ok := store.Entry(key); ok && e.Attributes.Type != t {
		if _, err := store.Apply(core.Mutation{Kind: core.MutationSetType, Key: key, Type: t, Origin: origin}); err != nil {
			return err
		}
	}

	m := core.Mutation{Key: key, Patch: patch, Timestamp: ts, Origin: origin}
	if t == core.TypeDocument {
		payload, err := core.DecodeDocumentPayload(raw)
		if err != nil {
			return &core.ValidationError{Key: key, Reason: err.Error()}
		}
		if len(payload.Ops) > 0 {
			m.Kind, m.Ops = core.MutationDocOps, payload.Ops
		} else {
			m.Kind, m.Text = core.MutationDocReplace, payload.Text
		}
	} else {
		value, err := core.DecodeValue(t, raw, store.Site())
		if err != nil {
			return err
		}
		m.Kind, m.Value = core.MutationSet, value
	}
	_, err := store.Apply(m)
	return err
}
