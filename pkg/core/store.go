package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aretw0/lifecycle"
	"github.com/bmatcuk/doublestar/v4"
	"github.com/google/uuid"

	"github.com/aretw0/mindcache/pkg/crdt"
)

// Well-known mutation origins. OriginRemote marks state relayed by the sync
// server; it is authoritative and bypasses the protected-key guards.
const (
	OriginLocal  = "local"
	OriginRemote = "remote"
	OriginLLM    = "llm"
)

const defaultWatchBuffer = 64

// MutationKind names a store mutation.
type MutationKind string

const (
	MutationSet        MutationKind = "set"
	MutationPatch      MutationKind = "patch"
	MutationDelete     MutationKind = "delete"
	MutationClear      MutationKind = "clear"
	MutationSetType    MutationKind = "set_type"
	MutationDocOps     MutationKind = "doc_ops"
	MutationDocReplace MutationKind = "doc_replace"
	MutationDocInsert  MutationKind = "doc_insert"
	MutationDocDelete  MutationKind = "doc_delete"
)

// Mutation is the single write path into a Store. Local helpers, the sync
// coordinator and replicas applying remote events all build one.
type Mutation struct {
	Kind  MutationKind
	Key   string
	Value Value
	Patch *AttributesPatch
	// Type is the target of MutationSetType. On a MutationSet it permits the
	// patch to retype the key together with the new value.
	Type  KeyType
	Ops   []crdt.Op
	Text  string
	Pos   int
	Count int

	// Origin and Ref are echoed on the resulting Change.
	Origin string
	Ref    string

	// Timestamp is the writer's clock reading. Zero asks the store to stamp
	// the mutation. A non-zero timestamp is adopted. With Conditional set it
	// is first compared against the entry's updatedAt and older writes fail
	// with ErrStale.
	Timestamp   int64
	Conditional bool
}

// ChangeKind names a store notification.
type ChangeKind string

const (
	ChangeUpdated ChangeKind = "updated"
	ChangeDeleted ChangeKind = "deleted"
	ChangeCleared ChangeKind = "cleared"
	ChangeReset   ChangeKind = "reset"
)

// Change describes one applied mutation.
type Change struct {
	Kind ChangeKind
	Key  string
	// Entry is the state after an update, or the removed entry for a delete.
	Entry Entry
	// Ops holds the document operations a document edit contributed. Empty
	// for scalar updates and for document creation.
	Ops []crdt.Op
	// Removed lists the keys a clear deleted.
	Removed   []string
	Origin    string
	Ref       string
	Timestamp int64
}

// String renders the change for logs and event streams.
func (c Change) String() string {
	switch c.Kind {
	case ChangeCleared:
		return fmt.Sprintf("cleared %d keys (%s)", len(c.Removed), c.Origin)
	case ChangeReset:
		return fmt.Sprintf("reset (%s)", c.Origin)
	}
	return fmt.Sprintf("%s %s (%s)", c.Kind, c.Key, c.Origin)
}

type record struct {
	Entry
	seq uint64
}

// StoreOption configures a Store.
type StoreOption func(*storeOptions)

type storeOptions struct {
	logger *slog.Logger
	now    func() time.Time
	site   string
}

// WithLogger sets the logger for listener failures and dropped watch events.
func WithLogger(logger *slog.Logger) StoreOption {
	return func(o *storeOptions) {
		o.logger = logger
	}
}

// WithNow overrides the wall clock used for timestamps and virtual keys.
func WithNow(now func() time.Time) StoreOption {
	return func(o *storeOptions) {
		o.now = now
	}
}

// WithSite sets the replica identifier stamped on locally generated document operations.
func WithSite(site string) StoreOption {
	return func(o *storeOptions) {
		o.site = site
	}
}

// Store is a concurrency-safe tagged key/value store.
type Store struct {
	mu      sync.RWMutex
	entries map[string]*record
	seq     uint64

	site    string
	now     func() time.Time
	clock   *Clock
	logger  *slog.Logger
	subs    *registry
	dropped atomic.Uint64
}

// NewStore creates an empty store.
func NewStore(opts ...StoreOption) *Store {
	o := storeOptions{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = slog.New(slog.DiscardHandler)
	}
	if o.site == "" {
		o.site = uuid.NewString()
	}
	return &Store{
		entries: make(map[string]*record),
		site:    o.site,
		now:     o.now,
		clock:   NewClock(o.now),
		logger:  o.logger,
		subs:    newRegistry(o.logger),
	}
}

// Site returns the replica identifier of this store.
func (s *Store) Site() string { return s.site }

// Clock returns the store's timestamp source.
func (s *Store) Clock() *Clock { return s.clock }

// Apply performs m and notifies listeners once. It returns a nil Change when
// the mutation was a no-op.
func (s *Store) Apply(m Mutation) (*Change, error) {
	if m.Origin == "" {
		m.Origin = OriginLocal
	}
	var (
		change *Change
		err    error
	)
	switch m.Kind {
	case MutationDocOps, MutationDocReplace, MutationDocInsert, MutationDocDelete:
		change, err = s.applyDocument(m)
	case MutationSet:
		if _, ok := m.Value.(DocumentValue); ok {
			change, err = s.applyDocument(m)
			break
		}
		fallthrough
	default:
		s.mu.Lock()
		change, err = s.applyLocked(m)
		s.mu.Unlock()
	}
	if change != nil {
		s.subs.dispatch(*change)
	}
	return change, err
}

func (s *Store) applyLocked(m Mutation) (*Change, error) {
	switch m.Kind {
	case MutationSet:
		return s.setLocked(m)
	case MutationPatch:
		return s.patchLocked(m)
	case MutationDelete:
		return s.deleteLocked(m)
	case MutationClear:
		return s.clearLocked(m)
	case MutationSetType:
		return s.setTypeLocked(m)
	}
	return nil, &ValidationError{Key: m.Key, Reason: fmt.Sprintf("unknown mutation %q", m.Kind)}
}

// stamp picks the updatedAt for a mutation on an entry last written at prev.
// A writer's timestamp is kept so that its next write to the same key, stamped
// later on its own clock, still passes the stale check.
func (s *Store) stamp(m Mutation, prev int64) int64 {
	if m.Timestamp == 0 {
		return max(s.clock.Next(), prev)
	}
	s.clock.Observe(m.Timestamp)
	return max(m.Timestamp, prev)
}

func guarded(m Mutation, rec *record) bool {
	return rec.Attributes.Protected() && m.Origin != OriginRemote
}

func staleCheck(m Mutation, rec *record) error {
	if m.Conditional && rec != nil && m.Timestamp < rec.UpdatedAt {
		return fmt.Errorf("%w: key %q written at %d, mutation at %d", ErrStale, m.Key, rec.UpdatedAt, m.Timestamp)
	}
	return nil
}

func validateAttributes(key string, a Attributes) error {
	if !a.Type.Valid() {
		return &ValidationError{Key: key, Reason: fmt.Sprintf("unknown key type %q", a.Type)}
	}
	for _, tag := range a.SystemTags {
		if !tag.Valid() {
			return &ValidationError{Key: key, Reason: fmt.Sprintf("unknown system tag %q", tag)}
		}
	}
	return nil
}

func (s *Store) change(kind ChangeKind, m Mutation, rec *record) *Change {
	return &Change{
		Kind:      kind,
		Key:       m.Key,
		Entry:     rec.snapshot(),
		Origin:    m.Origin,
		Ref:       m.Ref,
		Timestamp: rec.UpdatedAt,
	}
}

func (r *record) snapshot() Entry {
	e := r.Entry
	e.Attributes = e.Attributes.Clone()
	return e
}

func (s *Store) setLocked(m Mutation) (*Change, error) {
	if err := ValidateKey(m.Key); err != nil {
		return nil, err
	}
	if m.Value == nil {
		return nil, &ValidationError{Key: m.Key, Reason: "value is required"}
	}
	if v, ok := m.Value.(JSONValue); ok {
		normalized, err := DecodeValue(TypeJSON, []byte(v), s.site)
		if err != nil {
			return nil, &ValidationError{Key: m.Key, Reason: "json value is not valid JSON"}
		}
		m.Value = normalized
	}

	rec, exists := s.entries[m.Key]
	if !exists {
		attrs := m.Patch.mergeInto(Attributes{Type: m.Value.Kind()})
		if attrs.Type != m.Value.Kind() {
			return nil, &ValidationError{Key: m.Key, Reason: fmt.Sprintf("value of type %s cannot be stored as %s", m.Value.Kind(), attrs.Type), Err: ErrTypeMismatch}
		}
		if err := validateAttributes(m.Key, attrs); err != nil {
			return nil, err
		}
		s.seq++
		rec = &record{seq: s.seq, Entry: Entry{Key: m.Key, Value: m.Value, Attributes: attrs}}
		rec.UpdatedAt = s.stamp(m, 0)
		s.entries[m.Key] = rec
		return s.change(ChangeUpdated, m, rec), nil
	}

	if err := staleCheck(m, rec); err != nil {
		return nil, err
	}
	attrs := m.Patch.mergeInto(rec.Attributes)
	if attrs.Type != rec.Attributes.Type && attrs.Type != m.Type {
		return nil, &ValidationError{Key: m.Key, Reason: "key type is immutable, use SetType", Err: ErrTypeMismatch}
	}
	if m.Value.Kind() != attrs.Type {
		return nil, &ValidationError{Key: m.Key, Reason: fmt.Sprintf("key holds %s, got %s", attrs.Type, m.Value.Kind()), Err: ErrTypeMismatch}
	}
	if guarded(m, rec) && isEmpty(m.Value) {
		return nil, &ProtectedKeyError{Key: m.Key, Op: "clear value"}
	}
	if err := validateAttributes(m.Key, attrs); err != nil {
		return nil, err
	}
	rec.Value = m.Value
	rec.Attributes = attrs
	rec.UpdatedAt = s.stamp(m, rec.UpdatedAt)
	return s.change(ChangeUpdated, m, rec), nil
}

func (s *Store) patchLocked(m Mutation) (*Change, error) {
	rec, ok := s.entries[m.Key]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrNotFound, m.Key)
	}
	if err := staleCheck(m, rec); err != nil {
		return nil, err
	}
	attrs := m.Patch.mergeInto(rec.Attributes)
	if attrs.Type != rec.Attributes.Type {
		return nil, &ValidationError{Key: m.Key, Reason: "key type is immutable, use SetType", Err: ErrTypeMismatch}
	}
	if err := validateAttributes(m.Key, attrs); err != nil {
		return nil, err
	}
	rec.Attributes = attrs
	rec.UpdatedAt = s.stamp(m, rec.UpdatedAt)
	return s.change(ChangeUpdated, m, rec), nil
}

func (s *Store) deleteLocked(m Mutation) (*Change, error) {
	rec, ok := s.entries[m.Key]
	if !ok {
		return nil, nil
	}
	if guarded(m, rec) {
		return nil, &ProtectedKeyError{Key: m.Key, Op: "delete"}
	}
	if err := staleCheck(m, rec); err != nil {
		return nil, err
	}
	delete(s.entries, m.Key)
	c := s.change(ChangeDeleted, m, rec)
	c.Timestamp = s.stamp(m, rec.UpdatedAt)
	return c, nil
}

func (s *Store) clearLocked(m Mutation) (*Change, error) {
	var removed []string
	for _, rec := range s.orderedLocked() {
		if rec.Attributes.Protected() {
			continue
		}
		removed = append(removed, rec.Key)
		delete(s.entries, rec.Key)
	}
	return &Change{
		Kind:      ChangeCleared,
		Removed:   removed,
		Origin:    m.Origin,
		Ref:       m.Ref,
		Timestamp: s.stamp(m, 0),
	}, nil
}

func (s *Store) setTypeLocked(m Mutation) (*Change, error) {
	rec, ok := s.entries[m.Key]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrNotFound, m.Key)
	}
	if !m.Type.Valid() {
		return nil, &ValidationError{Key: m.Key, Reason: fmt.Sprintf("unknown key type %q", m.Type)}
	}
	if err := staleCheck(m, rec); err != nil {
		return nil, err
	}
	if rec.Attributes.Type == m.Type {
		return nil, nil
	}
	value, err := convertValue(rec.Value, m.Type, s.site)
	if err != nil {
		return nil, err
	}
	rec.Value = value
	rec.Attributes.Type = m.Type
	rec.UpdatedAt = s.stamp(m, rec.UpdatedAt)
	return s.change(ChangeUpdated, m, rec), nil
}

// applyDocument handles document creation and edits. The document itself is
// edited outside the store lock so its observers may read the store.
func (s *Store) applyDocument(m Mutation) (*Change, error) {
	s.mu.Lock()
	rec, exists := s.entries[m.Key]
	if !exists {
		switch m.Kind {
		case MutationSet, MutationDocOps, MutationDocReplace:
		default:
			s.mu.Unlock()
			return nil, fmt.Errorf("%w: %q", ErrNotFound, m.Key)
		}
		change, err := s.createDocumentLocked(m)
		s.mu.Unlock()
		return change, err
	}
	if rec.Attributes.Type != TypeDocument {
		s.mu.Unlock()
		return nil, &ValidationError{Key: m.Key, Reason: fmt.Sprintf("key holds %s, not document", rec.Attributes.Type), Err: ErrTypeMismatch}
	}
	if err := staleCheck(m, rec); err != nil {
		s.mu.Unlock()
		return nil, err
	}
	attrs := m.Patch.mergeInto(rec.Attributes)
	if attrs.Type != TypeDocument {
		s.mu.Unlock()
		return nil, &ValidationError{Key: m.Key, Reason: "key type is immutable, use SetType", Err: ErrTypeMismatch}
	}
	if err := validateAttributes(m.Key, attrs); err != nil {
		s.mu.Unlock()
		return nil, err
	}
	doc := rec.Value.(DocumentValue).Doc
	protected := guarded(m, rec)
	s.mu.Unlock()

	if protected && emptiesDocument(m, doc) {
		return nil, &ProtectedKeyError{Key: m.Key, Op: "clear value"}
	}

	var (
		ops []crdt.Op
		err error
	)
	switch m.Kind {
	case MutationSet:
		if src := m.Value.(DocumentValue).Doc; src != nil {
			ops, err = doc.Integrate(src.Ops())
		}
	case MutationDocOps:
		ops, err = doc.Integrate(m.Ops)
	case MutationDocReplace:
		ops, err = doc.Replace(m.Text)
	case MutationDocInsert:
		ops, err = doc.Insert(m.Pos, m.Text)
	case MutationDocDelete:
		ops, err = doc.Delete(m.Pos, m.Count)
	}
	if err != nil {
		if errors.Is(err, crdt.ErrConflict) {
			err = &MergeConflictError{Key: m.Key, Err: err}
		} else if !errors.Is(err, ErrMergeConflict) {
			err = &ValidationError{Key: m.Key, Reason: err.Error(), Err: err}
		}
		if len(ops) == 0 {
			return nil, err
		}
		s.logger.Error("document merge", "key", m.Key, "error", err)
	}
	if len(ops) == 0 && m.Patch == nil {
		return nil, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.entries[m.Key] != rec {
		// Deleted or replaced while the document was being edited.
		return nil, nil
	}
	rec.Attributes = attrs
	rec.UpdatedAt = s.stamp(m, rec.UpdatedAt)
	c := s.change(ChangeUpdated, m, rec)
	c.Ops = ops
	return c, err
}

// emptiesDocument reports whether m would leave doc with no visible text.
// Operation batches are tried on a copy.
func emptiesDocument(m Mutation, doc *crdt.Document) bool {
	var ops []crdt.Op
	switch m.Kind {
	case MutationDocReplace:
		return m.Text == ""
	case MutationDocDelete:
		return m.Count > 0 && m.Pos == 0 && m.Count >= doc.Len()
	case MutationDocOps:
		ops = m.Ops
	case MutationSet:
		if src := m.Value.(DocumentValue).Doc; src != nil {
			ops = src.Ops()
		}
	}
	if len(ops) == 0 || doc.Len() == 0 {
		return false
	}
	trial := doc.Clone()
	if _, err := trial.Integrate(ops); err != nil {
		return false
	}
	return trial.Len() == 0
}

func (s *Store) createDocumentLocked(m Mutation) (*Change, error) {
	if err := ValidateKey(m.Key); err != nil {
		return nil, err
	}
	attrs := m.Patch.mergeInto(Attributes{Type: TypeDocument})
	if attrs.Type != TypeDocument {
		return nil, &ValidationError{Key: m.Key, Reason: fmt.Sprintf("document cannot be stored as %s", attrs.Type), Err: ErrTypeMismatch}
	}
	if err := validateAttributes(m.Key, attrs); err != nil {
		return nil, err
	}

	var (
		doc *crdt.Document
		err error
	)
	switch m.Kind {
	case MutationSet:
		src := m.Value.(DocumentValue).Doc
		if src == nil {
			doc = crdt.New(s.site)
		} else {
			doc, err = crdt.Load(s.site, src.Ops())
		}
	case MutationDocOps:
		doc, err = crdt.Load(s.site, m.Ops)
	case MutationDocReplace:
		doc = crdt.FromText(s.site, m.Text)
	}
	if err != nil {
		return nil, &ValidationError{Key: m.Key, Reason: err.Error(), Err: err}
	}

	s.seq++
	rec := &record{seq: s.seq, Entry: Entry{Key: m.Key, Value: DocumentValue{Doc: doc}, Attributes: attrs}}
	rec.UpdatedAt = s.stamp(m, 0)
	s.entries[m.Key] = rec
	return s.change(ChangeUpdated, m, rec), nil
}

// orderedLocked returns records by zIndex, then insertion order.
func (s *Store) orderedLocked() []*record {
	recs := make([]*record, 0, len(s.entries))
	for _, rec := range s.entries {
		recs = append(recs, rec)
	}
	sort.Slice(recs, func(i, j int) bool {
		if recs[i].Attributes.ZIndex != recs[j].Attributes.ZIndex {
			return recs[i].Attributes.ZIndex < recs[j].Attributes.ZIndex
		}
		return recs[i].seq < recs[j].seq
	})
	return recs
}

// Set stores value under key, creating the key when absent. A non-nil patch
// is merged into the key's attributes.
func (s *Store) Set(key string, value Value, patch *AttributesPatch) error {
	_, err := s.Apply(Mutation{Kind: MutationSet, Key: key, Value: value, Patch: patch})
	return err
}

// SetAttributes merges patch into an existing key's attributes.
func (s *Store) SetAttributes(key string, patch *AttributesPatch) error {
	_, err := s.Apply(Mutation{Kind: MutationPatch, Key: key, Patch: patch})
	return err
}

// Get returns the value of key, computing virtual keys on the fly.
func (s *Store) Get(key string) (Value, bool) {
	e, ok := s.Entry(key)
	return e.Value, ok
}

// Entry returns the full state of key.
func (s *Store) Entry(key string) (Entry, bool) {
	switch key {
	case KeyDate:
		return Entry{Key: key, Value: TextValue(s.now().Format(time.DateOnly)), Attributes: Attributes{Type: TypeText}}, true
	case KeyTime:
		return Entry{Key: key, Value: TextValue(s.now().Format(time.TimeOnly)), Attributes: Attributes{Type: TypeText}}, true
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.entries[key]
	if !ok {
		return Entry{}, false
	}
	return rec.snapshot(), true
}

// Has reports whether key exists. Virtual keys always exist.
func (s *Store) Has(key string) bool {
	if key == KeyDate || key == KeyTime {
		return true
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.entries[key]
	return ok
}

// Delete removes key. Deleting a missing key is a no-op.
func (s *Store) Delete(key string) error {
	_, err := s.Apply(Mutation{Kind: MutationDelete, Key: key})
	return err
}

// Clear removes every key not tagged protected and returns the removed keys.
func (s *Store) Clear() []string {
	c, _ := s.Apply(Mutation{Kind: MutationClear})
	if c == nil {
		return nil
	}
	return c.Removed
}

// SetType changes the type of key, converting its value.
func (s *Store) SetType(key string, t KeyType) error {
	_, err := s.Apply(Mutation{Kind: MutationSetType, Key: key, Type: t})
	return err
}

// Keys lists stored keys by zIndex, then insertion order. Virtual keys are excluded.
func (s *Store) Keys() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	recs := s.orderedLocked()
	keys := make([]string, len(recs))
	for i, rec := range recs {
		keys[i] = rec.Key
	}
	return keys
}

// Entries returns every stored entry in Keys order.
func (s *Store) Entries() []Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	recs := s.orderedLocked()
	out := make([]Entry, len(recs))
	for i, rec := range recs {
		out[i] = rec.snapshot()
	}
	return out
}

// Len returns the number of stored keys.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// Tags returns the sorted set of content tags in use.
func (s *Store) Tags() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var tags []string
	for _, rec := range s.entries {
		for _, t := range rec.Attributes.ContentTags {
			if !slices.Contains(tags, t) {
				tags = append(tags, t)
			}
		}
	}
	slices.Sort(tags)
	return tags
}

// Tagged returns the entries carrying the content tag, in Keys order.
func (s *Store) Tagged(tag string) []Entry {
	var out []Entry
	for _, e := range s.Entries() {
		if e.Attributes.HasTag(tag) {
			out = append(out, e)
		}
	}
	return out
}

// Match returns the keys matching a glob pattern such as "user.*" or "notes/**".
func (s *Store) Match(pattern string) ([]string, error) {
	if !doublestar.ValidatePattern(pattern) {
		return nil, &ValidationError{Reason: fmt.Sprintf("invalid pattern %q", pattern)}
	}
	var out []string
	for _, key := range s.Keys() {
		if ok, _ := doublestar.Match(pattern, key); ok {
			out = append(out, key)
		}
	}
	return out, nil
}

// AddTag adds a content tag to key.
func (s *Store) AddTag(key, tag string) error {
	return s.editTags(key, func(a *Attributes) {
		a.ContentTags = append(a.ContentTags, tag)
	})
}

// RemoveTag removes a content tag from key.
func (s *Store) RemoveTag(key, tag string) error {
	return s.editTags(key, func(a *Attributes) {
		a.ContentTags = slices.DeleteFunc(a.ContentTags, func(t string) bool { return t == tag })
	})
}

// AddSystemTag adds a system tag to key.
func (s *Store) AddSystemTag(key string, tag SystemTag) error {
	if !tag.Valid() {
		return &ValidationError{Key: key, Reason: fmt.Sprintf("unknown system tag %q", tag)}
	}
	return s.editTags(key, func(a *Attributes) {
		a.SystemTags = append(a.SystemTags, tag)
	})
}

// RemoveSystemTag removes a system tag from key.
func (s *Store) RemoveSystemTag(key string, tag SystemTag) error {
	return s.editTags(key, func(a *Attributes) {
		a.SystemTags = slices.DeleteFunc(a.SystemTags, func(t SystemTag) bool { return t == tag })
	})
}

func (s *Store) editTags(key string, edit func(*Attributes)) error {
	e, ok := s.Entry(key)
	if !ok || IsVirtual(key) {
		return fmt.Errorf("%w: %q", ErrNotFound, key)
	}
	attrs := e.Attributes
	edit(&attrs)
	return s.SetAttributes(key, &AttributesPatch{ContentTags: &attrs.ContentTags, SystemTags: &attrs.SystemTags})
}

// Subscribe registers fn for changes to a single key.
func (s *Store) Subscribe(key string, fn Listener) SubscriptionID {
	return s.subs.add(key, "", fn)
}

// SubscribePattern registers fn for changes to keys matching a glob pattern.
func (s *Store) SubscribePattern(pattern string, fn Listener) (SubscriptionID, error) {
	if !doublestar.ValidatePattern(pattern) {
		return 0, &ValidationError{Reason: fmt.Sprintf("invalid pattern %q", pattern)}
	}
	return s.subs.add("", pattern, fn), nil
}

// SubscribeAll registers fn for every change.
func (s *Store) SubscribeAll(fn Listener) SubscriptionID {
	return s.subs.add("", "", fn)
}

// Unsubscribe removes a listener. It reports whether it was registered.
func (s *Store) Unsubscribe(id SubscriptionID) bool {
	return s.subs.remove(id)
}

// Watch streams every change until ctx is done. Changes are dropped, and
// counted, when the consumer falls more than buffer changes behind.
func (s *Store) Watch(ctx context.Context, buffer int) <-chan Change {
	if buffer <= 0 {
		buffer = defaultWatchBuffer
	}
	ch := make(chan Change, buffer)
	var (
		mu     sync.Mutex
		closed bool
	)
	id := s.SubscribeAll(func(c Change) {
		mu.Lock()
		defer mu.Unlock()
		if closed {
			return
		}
		select {
		case ch <- c:
		default:
			s.dropped.Add(1)
			s.logger.Warn("watch buffer full, dropping change", "key", c.Key, "kind", c.Kind)
		}
	})

	lifecycle.Go(ctx, func(ctx context.Context) error {
		<-ctx.Done()
		s.Unsubscribe(id)
		mu.Lock()
		closed = true
		close(ch)
		mu.Unlock()
		return nil
	})
	return ch
}
