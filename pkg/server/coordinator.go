// Package server hosts authoritative instances and the sync sessions attached
// to them.
//
// Each instance is owned by a Coordinator: a single goroutine through which
// every mutation from every session is funnelled, so the instance store sees
// one writer. Accepted changes are fanned out to all attached sessions,
// the originator included, without blocking the writer on any of them.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/aretw0/mindcache/pkg/core"
	"github.com/aretw0/mindcache/pkg/protocol"
)

// OriginSystem marks mutations made in-process rather than by a session.
const OriginSystem = "system"

const finalFlushTimeout = 10 * time.Second

// ErrRunning is returned when Run is called on a coordinator that already ran.
var ErrRunning = errors.New("coordinator already started")

type command struct {
	run  func()
	done chan struct{}
}

// Coordinator owns the authoritative store of one instance.
type Coordinator struct {
	id     string
	store  *core.Store
	opts   options
	logger *slog.Logger

	cmds    chan command
	stopped chan struct{}
	started atomic.Bool

	mu       sync.Mutex
	sessions map[string]*Session
	subID    core.SubscriptionID

	dirty     chan struct{}
	pending   atomic.Bool
	flushes   atomic.Uint64
	lastFlush atomic.Int64
	flushErr  atomic.Value
}

// NewCoordinator wraps store. Mutations must go through the coordinator
// (sessions, Apply, Import) once Run has started.
func NewCoordinator(id string, store *core.Store, opts ...Option) *Coordinator {
	return newCoordinator(id, store, buildOptions(opts))
}

func newCoordinator(id string, store *core.Store, o options) *Coordinator {
	c := &Coordinator{
		id:       id,
		store:    store,
		opts:     o,
		logger:   o.logger.With("instance", id),
		cmds:     make(chan command),
		stopped:  make(chan struct{}),
		sessions: make(map[string]*Session),
		dirty:    make(chan struct{}, 1),
	}
	c.subID = store.SubscribeAll(c.broadcast)
	return c
}

// ID returns the instance id.
func (c *Coordinator) ID() string { return c.id }

// Store returns the authoritative store for reads.
func (c *Coordinator) Store() *core.Store { return c.store }

// Run processes mutations until ctx is done, then flushes pending changes
// and closes every attached session.
func (c *Coordinator) Run(ctx context.Context) error {
	if !c.started.CompareAndSwap(false, true) {
		return ErrRunning
	}
	c.logger.Debug("coordinator started")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return c.loop(gctx) })
	if c.opts.persister != nil {
		g.Go(func() error { return c.flushLoop(gctx) })
	}
	err := g.Wait()

	c.store.Unsubscribe(c.subID)
	c.mu.Lock()
	sessions := make([]*Session, 0, len(c.sessions))
	for _, s := range c.sessions {
		sessions = append(sessions, s)
	}
	c.mu.Unlock()
	for _, s := range sessions {
		s.Close()
	}

	if c.opts.persister != nil && c.pending.Load() {
		flushCtx, cancel := context.WithTimeout(context.Background(), finalFlushTimeout)
		defer cancel()
		if ferr := c.Flush(flushCtx); ferr != nil {
			err = errors.Join(err, ferr)
		}
	}
	c.logger.Debug("coordinator stopped")
	return err
}

func (c *Coordinator) loop(ctx context.Context) error {
	defer close(c.stopped)
	for {
		select {
		case <-ctx.Done():
			return nil
		case cmd := <-c.cmds:
			c.exec(cmd)
		}
	}
}

func (c *Coordinator) exec(cmd command) {
	defer close(cmd.done)
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("coordinator command panic", "panic", r)
			c.logger.Debug("coordinator command panic", "stack", string(debug.Stack()))
		}
	}()
	cmd.run()
}

// do runs fn on the coordinator goroutine and waits for it.
func (c *Coordinator) do(ctx context.Context, fn func()) error {
	cmd := command{run: fn, done: make(chan struct{})}
	select {
	case c.cmds <- cmd:
	case <-c.stopped:
		return core.ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	<-cmd.done
	return nil
}

// Apply performs an in-process mutation through the funnel.
func (c *Coordinator) Apply(ctx context.Context, m core.Mutation) (*core.Change, error) {
	if m.Origin == "" {
		m.Origin = OriginSystem
	}
	var (
		change *core.Change
		err    error
	)
	if derr := c.do(ctx, func() {
		change, err = c.store.Apply(m)
	}); derr != nil {
		return nil, derr
	}
	return change, err
}

// Import brings the store to the state of snap through ordinary mutations,
// so attached sessions receive deltas instead of a second sync.
func (c *Coordinator) Import(ctx context.Context, snap core.Snapshot) (int, error) {
	var (
		applied int
		err     error
	)
	if derr := c.do(ctx, func() {
		var muts []core.Mutation
		muts, err = c.store.Diff(snap, OriginSystem)
		if err != nil {
			return
		}
		for _, m := range muts {
			change, aerr := c.store.Apply(m)
			if aerr != nil {
				c.logger.Warn("import mutation rejected", "key", m.Key, "kind", m.Kind, "error", aerr)
				continue
			}
			if change != nil {
				applied++
			}
		}
	}); derr != nil {
		return 0, derr
	}
	return applied, err
}

// attach registers s and queues its handshake replies. It runs on the
// coordinator goroutine so no broadcast can reach s before its sync.
func (c *Coordinator) attach(ctx context.Context, s *Session) error {
	return c.do(ctx, func() {
		c.mu.Lock()
		c.sessions[s.id] = s
		c.mu.Unlock()
		c.opts.metrics.Sessions.WithLabelValues(c.id).Inc()

		s.reply(&protocol.AuthSuccess{
			InstanceID: c.id,
			UserID:     s.grant.UserID,
			Permission: s.grant.Permission,
			SessionID:  s.id,
		})
		s.reply(&protocol.Sync{Data: c.store.Snapshot(), InstanceID: c.id})
		c.logger.Info("session attached", "session", s.id, "user", s.grant.UserID, "permission", s.grant.Permission)
	})
}

// detach drops s from the fan-out immediately. It is safe to call twice.
func (c *Coordinator) detach(s *Session) {
	c.mu.Lock()
	_, ok := c.sessions[s.id]
	delete(c.sessions, s.id)
	c.mu.Unlock()
	if ok {
		c.opts.metrics.Sessions.WithLabelValues(c.id).Dec()
		c.logger.Info("session detached", "session", s.id)
	}
}

// Sessions returns the number of attached sessions.
func (c *Coordinator) Sessions() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sessions)
}

func (c *Coordinator) author(origin string) protocol.Author {
	c.mu.Lock()
	defer c.mu.Unlock()
	if s, ok := c.sessions[origin]; ok {
		return protocol.Author{UserID: s.grant.UserID, SessionID: s.id}
	}
	return protocol.Author{UserID: origin}
}

// broadcast is the store listener. It runs synchronously inside Apply.
func (c *Coordinator) broadcast(change core.Change) {
	c.markDirty()
	if change.Kind == core.ChangeReset {
		return
	}
	msg, err := protocol.FromChange(change, c.author(change.Origin))
	if err != nil {
		c.logger.Error("render change", "key", change.Key, "error", err)
		return
	}
	frame, err := protocol.Encode(msg)
	if err != nil {
		c.logger.Error("encode change", "key", change.Key, "error", err)
		return
	}
	// The ref is only meaningful to the session that sent it.
	anon := frame
	if change.Ref != "" {
		if anon, err = protocol.Encode(withoutRef(msg)); err != nil {
			c.logger.Error("encode change", "key", change.Key, "error", err)
			return
		}
	}

	c.mu.Lock()
	targets := make([]*Session, 0, len(c.sessions))
	for _, s := range c.sessions {
		targets = append(targets, s)
	}
	c.mu.Unlock()

	c.opts.metrics.EventsOut.WithLabelValues(string(msg.MessageType())).Add(float64(len(targets)))
	for _, s := range targets {
		f := anon
		if s.id == change.Origin {
			f = frame
		}
		if !s.enqueue(f) && !s.Closed() {
			c.opts.metrics.Dropped.Inc()
			c.logger.Warn("session too slow, disconnecting", "session", s.id, "key", change.Key)
			c.detach(s)
			s.Close()
		}
	}
}

func withoutRef(m protocol.Message) protocol.Message {
	switch v := m.(type) {
	case *protocol.KeyUpdated:
		cp := *v
		cp.Ref = ""
		return &cp
	case *protocol.KeyDeleted:
		cp := *v
		cp.Ref = ""
		return &cp
	case *protocol.Cleared:
		cp := *v
		cp.Ref = ""
		return &cp
	}
	return m
}

// handle applies one client frame. It runs on the coordinator goroutine.
func (c *Coordinator) handle(s *Session, m protocol.Message) {
	ref := refOf(m)
	change, err := c.applyFrame(s, m)
	result := "ok"
	if err != nil {
		code := protocol.CodeFor(err)
		result = string(code)
		s.reply(protocol.ErrorFrame(err, ref))
		// The sender already applied the write to its replica.
		c.correct(s, m)
		c.logger.Debug("frame rejected", "session", s.id, "type", m.MessageType(), "code", code, "error", err)
	} else if change == nil && ref != "" {
		// No-op writes still retire the sender's queue entry.
		c.ack(s, m, ref)
	}
	c.opts.metrics.Mutations.WithLabelValues(string(m.MessageType()), result).Inc()
}

func (c *Coordinator) applyFrame(s *Session, m protocol.Message) (*core.Change, error) {
	switch f := m.(type) {
	case *protocol.Set:
		return c.applySet(s, f)
	case *protocol.Delete:
		return c.store.Apply(core.Mutation{
			Kind:        core.MutationDelete,
			Key:         f.Key,
			Origin:      s.id,
			Ref:         f.Ref,
			Timestamp:   f.Timestamp,
			Conditional: f.Timestamp > 0,
		})
	case *protocol.Clear:
		return c.store.Apply(core.Mutation{Kind: core.MutationClear, Origin: s.id, Ref: f.Ref})
	}
	return nil, fmt.Errorf("%w: %s is not a mutation", protocol.ErrMalformed, m.MessageType())
}

func (c *Coordinator) applySet(s *Session, f *protocol.Set) (*core.Change, error) {
	if err := core.ValidateKey(f.Key); err != nil {
		return nil, err
	}
	entry, exists := c.store.Entry(f.Key)
	if f.Attributes.TouchesProtection(entry.Attributes) && !s.grant.Permission.CanAdmin() {
		return nil, &core.PermissionError{Key: f.Key, Op: "set", Reason: "changing the protected tag requires admin"}
	}

	var (
		t      core.KeyType
		retype bool
	)
	switch {
	case exists:
		t = entry.Attributes.Type
		if f.Attributes.ChangesType(entry.Attributes) {
			if !s.grant.Permission.CanAdmin() {
				return nil, &core.PermissionError{Key: f.Key, Op: "set", Reason: "changing a key type requires admin"}
			}
			t, retype = *f.Attributes.Type, true
		}
	case f.Attributes != nil && f.Attributes.Type != nil:
		t = *f.Attributes.Type
	default:
		t = core.InferType(f.Value)
	}

	m := core.Mutation{Key: f.Key, Patch: f.Attributes, Origin: s.id, Ref: f.Ref}
	if t == core.TypeDocument {
		payload, err := core.DecodeDocumentPayload(f.Value)
		if err != nil {
			return nil, &core.ValidationError{Key: f.Key, Reason: err.Error()}
		}
		if len(payload.Ops) > 0 {
			m.Kind, m.Ops = core.MutationDocOps, payload.Ops
		} else {
			m.Kind, m.Text = core.MutationDocReplace, payload.Text
		}
		if retype {
			// Documents are edited in place, so the key becomes one first.
			if entry.Attributes.Protected() && len(payload.Ops) == 0 && payload.Text == "" {
				return nil, &core.ProtectedKeyError{Key: f.Key, Op: "clear value"}
			}
			if _, err := c.store.Apply(core.Mutation{Kind: core.MutationSetType, Key: f.Key, Type: t, Origin: s.id}); err != nil {
				return nil, err
			}
		}
		return c.store.Apply(m)
	}

	value, err := core.DecodeValue(t, f.Value, c.store.Site())
	if err != nil {
		var ve *core.ValidationError
		if errors.As(err, &ve) && ve.Key == "" {
			ve.Key = f.Key
		}
		return nil, err
	}
	m.Kind, m.Value = core.MutationSet, value
	if retype {
		m.Type = t
	}
	m.Timestamp, m.Conditional = f.Timestamp, f.Timestamp > 0
	return c.store.Apply(m)
}

// correct sends the authoritative state of a key to a session whose write
// was rejected.
func (c *Coordinator) correct(s *Session, m protocol.Message) {
	key := keyOf(m)
	if key == "" {
		return
	}
	if e, ok := c.store.Entry(key); ok {
		if u, err := protocol.EntryUpdate(e, ""); err == nil {
			s.reply(u)
		}
		return
	}
	s.reply(&protocol.KeyDeleted{Key: key, Timestamp: c.store.Clock().Last()})
}

func (c *Coordinator) ack(s *Session, m protocol.Message, ref string) {
	switch f := m.(type) {
	case *protocol.Set:
		if e, ok := c.store.Entry(f.Key); ok {
			u, err := protocol.EntryUpdate(e, ref)
			if err == nil {
				u.UpdatedBy, u.SessionID = s.grant.UserID, s.id
				s.reply(u)
			}
		}
	case *protocol.Delete:
		s.reply(&protocol.KeyDeleted{Key: f.Key, DeletedBy: s.grant.UserID, SessionID: s.id, Timestamp: c.store.Clock().Last(), Ref: ref})
	}
}

func refOf(m protocol.Message) string {
	switch f := m.(type) {
	case *protocol.Set:
		return f.Ref
	case *protocol.Delete:
		return f.Ref
	case *protocol.Clear:
		return f.Ref
	}
	return ""
}

func keyOf(m protocol.Message) string {
	switch f := m.(type) {
	case *protocol.Set:
		return f.Key
	case *protocol.Delete:
		return f.Key
	}
	return ""
}

func (c *Coordinator) markDirty() {
	if c.opts.persister == nil {
		return
	}
	c.pending.Store(true)
	select {
	case c.dirty <- struct{}{}:
	default:
	}
}

// flushLoop debounces persistence: the first change after a flush starts a
// timer and everything that lands before it fires is saved together.
func (c *Coordinator) flushLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-c.dirty:
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(c.opts.flushInterval):
		}
		if err := c.Flush(ctx); err != nil && ctx.Err() == nil {
			c.logger.Error("flush instance", "error", err)
		}
	}
}

// Flush saves the current snapshot to the persister.
func (c *Coordinator) Flush(ctx context.Context) error {
	if c.opts.persister == nil {
		return nil
	}
	c.pending.Store(false)
	err := c.opts.persister.Save(ctx, c.id, c.store.Snapshot())
	if err != nil {
		c.pending.Store(true)
		c.flushErr.Store(err.Error())
		c.opts.metrics.Flushes.WithLabelValues("error").Inc()
		return fmt.Errorf("save instance %q: %w", c.id, err)
	}
	c.flushErr.Store("")
	c.flushes.Add(1)
	c.lastFlush.Store(time.Now().UnixMilli())
	c.opts.metrics.Flushes.WithLabelValues("ok").Inc()
	return nil
}
