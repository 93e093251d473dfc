package crdt

import (
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
)

type element struct {
	id      ID
	origin  ID
	char    string
	deleted bool
}

// ObserverID identifies a registered document observer.
type ObserverID uint64

// Change describes one applied batch of operations.
type Change struct {
	Ops   []Op
	Local bool
}

type observer struct {
	id ObserverID
	fn func(Change)
}

// Document is a replicated text sequence owned by one replica (site).
// It is safe for concurrent use.
type Document struct {
	mu    sync.RWMutex
	site  string
	clock uint64

	elems []*element
	index map[ID]*element

	// Inserts whose origin has not arrived yet, and deletes whose target has not.
	pending    []Op
	pendingIDs map[ID]struct{}
	pendingDel map[ID]struct{}

	obsMu     sync.RWMutex
	observers []observer
	nextObs   ObserverID
}

// New creates an empty document for the given site. An empty site gets a random one.
func New(site string) *Document {
	if site == "" {
		site = uuid.NewString()
	}
	return &Document{
		site:       site,
		index:      make(map[ID]*element),
		pendingIDs: make(map[ID]struct{}),
		pendingDel: make(map[ID]struct{}),
	}
}

// FromText creates a document seeded with text, authored by site.
func FromText(site, text string) *Document {
	d := New(site)
	if text != "" {
		_, _ = d.Insert(0, text)
	}
	return d
}

// Load creates a document for site and applies a full operation history to it.
func Load(site string, ops []Op) (*Document, error) {
	d := New(site)
	if err := d.Apply(ops); err != nil {
		return nil, err
	}
	return d, nil
}

// Site returns the replica id used for locally generated operations.
func (d *Document) Site() string {
	return d.site
}

// Text returns the visible text.
func (d *Document) Text() string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.textLocked()
}

// Len returns the number of visible characters.
func (d *Document) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	n := 0
	for _, e := range d.elems {
		if !e.deleted {
			n++
		}
	}
	return n
}

// Pending returns how many received operations are waiting for a dependency.
func (d *Document) Pending() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.pending) + len(d.pendingDel)
}

// Ops returns the full causal history as an operation list.
// Inserts come in sequence order, so every origin precedes its dependants.
func (d *Document) Ops() []Op {
	d.mu.RLock()
	defer d.mu.RUnlock()

	ops := make([]Op, 0, len(d.elems)+len(d.pending))
	var deletes []Op
	for _, e := range d.elems {
		ops = append(ops, Op{Kind: OpInsert, ID: e.id, Origin: e.origin, Char: e.char})
		if e.deleted {
			deletes = append(deletes, Op{Kind: OpDelete, ID: e.id})
		}
	}
	ops = append(ops, d.pending...)
	ops = append(ops, deletes...)
	for id := range d.pendingDel {
		ops = append(ops, Op{Kind: OpDelete, ID: id})
	}
	return ops
}

// Clone returns an independent copy of the document bound to the same site.
func (d *Document) Clone() *Document {
	c, err := Load(d.site, d.Ops())
	if err != nil {
		// Ops of a consistent document always reload.
		panic(fmt.Sprintf("crdt: clone failed: %v", err))
	}
	return c
}

// Apply integrates remote operations. It is idempotent and order-independent:
// operations whose dependencies are missing are buffered until they arrive.
// Observers are notified once with the operations that changed the sequence.
func (d *Document) Apply(ops []Op) error {
	_, err := d.Integrate(ops)
	return err
}

// Integrate is Apply returning the operations that changed the sequence,
// including buffered ones released by this batch.
func (d *Document) Integrate(ops []Op) ([]Op, error) {
	for _, op := range ops {
		if err := op.validate(); err != nil {
			return nil, err
		}
	}

	d.mu.Lock()
	var applied []Op
	var firstErr error
	for _, op := range ops {
		ok, err := d.integrate(op)
		if err != nil && firstErr == nil {
			firstErr = err
		}
		if ok {
			applied = append(applied, op)
		}
	}
	applied = append(applied, d.drainPending()...)
	d.mu.Unlock()

	if len(applied) > 0 {
		d.notify(Change{Ops: applied})
	}
	return applied, firstErr
}

// Merge applies every operation known to other.
func (d *Document) Merge(other *Document) error {
	return d.Apply(other.Ops())
}

// Insert types text at the visible position pos and returns the generated operations.
func (d *Document) Insert(pos int, text string) ([]Op, error) {
	d.mu.Lock()
	ops, err := d.insertLocked(pos, text)
	d.mu.Unlock()
	if err != nil {
		return nil, err
	}
	d.notify(Change{Ops: ops, Local: true})
	return ops, nil
}

// Delete removes n visible characters starting at pos.
func (d *Document) Delete(pos, n int) ([]Op, error) {
	d.mu.Lock()
	ops, err := d.deleteLocked(pos, n)
	d.mu.Unlock()
	if err != nil {
		return nil, err
	}
	d.notify(Change{Ops: ops, Local: true})
	return ops, nil
}

// Observe registers fn to be called once per applied local or remote batch.
func (d *Document) Observe(fn func(Change)) ObserverID {
	d.obsMu.Lock()
	defer d.obsMu.Unlock()
	d.nextObs++
	d.observers = append(d.observers, observer{id: d.nextObs, fn: fn})
	return d.nextObs
}

// Unobserve removes an observer. It reports whether the observer was registered.
func (d *Document) Unobserve(id ObserverID) bool {
	d.obsMu.Lock()
	defer d.obsMu.Unlock()
	for i, o := range d.observers {
		if o.id == id {
			d.observers = append(d.observers[:i:i], d.observers[i+1:]...)
			return true
		}
	}
	return false
}

func (d *Document) notify(c Change) {
	if len(c.Ops) == 0 {
		return
	}
	d.obsMu.RLock()
	obs := make([]observer, len(d.observers))
	copy(obs, d.observers)
	d.obsMu.RUnlock()

	for _, o := range obs {
		o.fn(c)
	}
}

func (d *Document) textLocked() string {
	var b strings.Builder
	for _, e := range d.elems {
		if !e.deleted {
			b.WriteString(e.char)
		}
	}
	return b.String()
}

// integrate applies a single op and reports whether it changed the sequence.
func (d *Document) integrate(op Op) (bool, error) {
	switch op.Kind {
	case OpInsert:
		ok, ready, err := d.integrateInsert(op)
		if err != nil {
			return false, err
		}
		if !ready {
			if _, dup := d.pendingIDs[op.ID]; !dup {
				d.pendingIDs[op.ID] = struct{}{}
				d.pending = append(d.pending, op)
			}
		}
		return ok, nil
	case OpDelete:
		e, found := d.index[op.ID]
		if !found {
			d.pendingDel[op.ID] = struct{}{}
			return false, nil
		}
		if e.deleted {
			return false, nil
		}
		e.deleted = true
		return true, nil
	}
	return false, fmt.Errorf("%w: unknown kind %q", ErrInvalidOp, op.Kind)
}

func (d *Document) integrateInsert(op Op) (applied, ready bool, err error) {
	if e, found := d.index[op.ID]; found {
		if e.char != op.Char || e.origin != op.Origin {
			return false, true, fmt.Errorf("%w: %s already holds %q after %s", ErrConflict, op.ID, e.char, e.origin)
		}
		return false, true, nil
	}

	i := 0
	if !op.Origin.IsZero() {
		if _, found := d.index[op.Origin]; !found {
			return false, false, nil
		}
		i = d.indexOf(op.Origin) + 1
	}
	// Concurrent siblings with a greater id, and everything anchored to them, stay to the left.
	for i < len(d.elems) && op.ID.Less(d.elems[i].id) {
		i++
	}

	e := &element{id: op.ID, origin: op.Origin, char: op.Char}
	if _, del := d.pendingDel[op.ID]; del {
		e.deleted = true
		delete(d.pendingDel, op.ID)
	}
	d.elems = append(d.elems, nil)
	copy(d.elems[i+1:], d.elems[i:])
	d.elems[i] = e
	d.index[op.ID] = e
	if op.ID.Counter > d.clock {
		d.clock = op.ID.Counter
	}
	return true, true, nil
}

// drainPending retries buffered inserts until no more can be integrated.
func (d *Document) drainPending() []Op {
	var applied []Op
	for progress := true; progress && len(d.pending) > 0; {
		progress = false
		rest := make([]Op, 0, len(d.pending))
		for _, op := range d.pending {
			ok, ready, err := d.integrateInsert(op)
			if !ready {
				rest = append(rest, op)
				continue
			}
			delete(d.pendingIDs, op.ID)
			progress = true
			if err == nil && ok {
				applied = append(applied, op)
			}
		}
		d.pending = rest
	}
	return applied
}

func (d *Document) indexOf(id ID) int {
	for i, e := range d.elems {
		if e.id == id {
			return i
		}
	}
	return -1
}

// visibleIndex maps a visible position to an index in elems.
// pos equal to the visible length maps to len(elems).
func (d *Document) visibleIndex(pos int) (int, bool) {
	if pos < 0 {
		return 0, false
	}
	seen := 0
	for i, e := range d.elems {
		if e.deleted {
			continue
		}
		if seen == pos {
			return i, true
		}
		seen++
	}
	if seen == pos {
		return len(d.elems), true
	}
	return 0, false
}

func (d *Document) insertLocked(pos int, text string) ([]Op, error) {
	at, ok := d.visibleIndex(pos)
	if !ok {
		return nil, fmt.Errorf("%w: insert at %d", ErrOutOfRange, pos)
	}
	// The new text follows the last element (visible or not) before the insertion point.
	origin := ID{}
	if at > 0 {
		origin = d.elems[at-1].id
	}

	ops := make([]Op, 0, len(text))
	for _, r := range text {
		d.clock++
		op := Op{Kind: OpInsert, ID: ID{Counter: d.clock, Site: d.site}, Origin: origin, Char: string(r)}
		if _, _, err := d.integrateInsert(op); err != nil {
			return ops, err
		}
		ops = append(ops, op)
		origin = op.ID
	}
	return ops, nil
}

func (d *Document) deleteLocked(pos, n int) ([]Op, error) {
	if n <= 0 {
		return nil, nil
	}
	visible := 0
	for _, e := range d.elems {
		if !e.deleted {
			visible++
		}
	}
	if pos < 0 || pos+n > visible {
		return nil, fmt.Errorf("%w: delete %d at %d of %d", ErrOutOfRange, n, pos, visible)
	}

	ops := make([]Op, 0, n)
	seen := 0
	for _, e := range d.elems {
		if e.deleted {
			continue
		}
		if seen >= pos {
			e.deleted = true
			ops = append(ops, Op{Kind: OpDelete, ID: e.id})
		}
		seen++
		if seen >= pos+n {
			break
		}
	}
	return ops, nil
}
