// Package client keeps a local replica of a remote instance in sync.
//
// A Client owns a core.Store. Local writes apply to the replica at once and
// are queued for the server; remote events apply as they arrive. The
// connection is re-established with capped, jittered exponential backoff
// and every reconnect starts from a fresh snapshot, against which queued
// writes are replayed: last writer wins for scalar keys, documents merge.
package client

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/aretw0/lifecycle"
	"golang.org/x/sync/errgroup"

	"github.com/aretw0/mindcache/pkg/core"
	"github.com/aretw0/mindcache/pkg/protocol"
	"github.com/aretw0/mindcache/pkg/transport"
)

// originReplay marks queued writes re-applied after a rebase, so they are
// not queued a second time.
const originReplay = "replay"

// State is the observable connection state.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateError        State = "error"
)

// StateListener is told about every connection state change. err carries
// the cause of a disconnect or of the error state.
type StateListener func(state State, err error)

// Client is one sync session with a replica store.
type Client struct {
	store  *core.Store
	dial   transport.DialFunc
	apiKey string
	opts   options
	logger *slog.Logger
	subID  core.SubscriptionID
	kick   chan struct{}

	mu         sync.Mutex
	state      State
	err        error
	session    protocol.AuthSuccess
	queue      outbox
	synced     chan struct{}
	fatal      chan struct{}
	cancel     context.CancelFunc
	done       chan struct{}
	listeners  map[int]StateListener
	errorFns   map[int]func(error)
	nextID     int
	connects   int
	lastSynced time.Time
}

// New creates a disconnected client. Call Connect to start syncing.
func New(dial transport.DialFunc, apiKey string, opts ...Option) *Client {
	o := buildOptions(opts)
	c := &Client{
		store:     core.NewStore(append([]core.StoreOption{core.WithLogger(o.logger)}, o.storeOpts...)...),
		dial:      dial,
		apiKey:    apiKey,
		opts:      o,
		logger:    o.logger,
		kick:      make(chan struct{}, 1),
		state:     StateDisconnected,
		synced:    make(chan struct{}),
		fatal:     make(chan struct{}),
		listeners: make(map[int]StateListener),
		errorFns:  make(map[int]func(error)),
	}
	c.subID = c.store.SubscribeAll(c.onChange)
	return c
}

// Store returns the local replica. Writes made directly on it are synced
// like writes made through the client, minus the permission pre-checks.
func (c *Client) Store() *core.Store { return c.store }

// ConnectionState returns the current connection state.
func (c *Client) ConnectionState() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Err returns the error behind the current state, if any.
func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// SessionID returns the id the server assigned to the current session.
func (c *Client) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session.SessionID
}

// Permission returns the level granted by the server, empty before the
// first successful handshake.
func (c *Client) Permission() core.Permission {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session.Permission
}

// Pending returns the number of writes the server has not confirmed.
func (c *Client) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.queue.len()
}

// OnStateChange registers fn and returns a function that removes it.
func (c *Client) OnStateChange(fn StateListener) func() {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := c.nextID
	c.nextID++
	c.listeners[id] = fn
	return func() {
		c.mu.Lock()
		delete(c.listeners, id)
		c.mu.Unlock()
	}
}

// OnError registers fn for writes the server rejected. The replica is
// corrected by a follow-up event from the server.
func (c *Client) OnError(fn func(error)) func() {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := c.nextID
	c.nextID++
	c.errorFns[id] = fn
	return func() {
		c.mu.Lock()
		delete(c.errorFns, id)
		c.mu.Unlock()
	}
}

func (c *Client) setState(s State, err error) {
	c.mu.Lock()
	if c.state == s && c.err == err {
		c.mu.Unlock()
		return
	}
	c.state, c.err = s, err
	if s == StateError && !isClosed(c.fatal) {
		close(c.fatal)
	}
	fns := make([]StateListener, 0, len(c.listeners))
	for _, id := range sortedKeys(c.listeners) {
		fns = append(fns, c.listeners[id])
	}
	c.mu.Unlock()

	c.logger.Debug("connection state", "state", s, "error", err)
	for _, fn := range fns {
		fn(s, err)
	}
}

// Connect starts the connection loop. It returns at once; use WaitForSync
// to block until the replica holds the server snapshot. Calling Connect on
// a running client does nothing.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.cancel != nil {
		c.mu.Unlock()
		return nil
	}
	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	c.cancel, c.done = cancel, done
	if isClosed(c.fatal) {
		c.fatal = make(chan struct{})
	}
	c.mu.Unlock()

	lifecycle.Go(runCtx, func(ctx context.Context) error {
		defer close(done)
		c.run(ctx)
		c.mu.Lock()
		if c.done == done {
			c.cancel = nil
		}
		c.mu.Unlock()
		return nil
	})
	return nil
}

// Disconnect stops the connection loop and waits for it. Queued writes are
// kept for the next Connect. It is idempotent.
func (c *Client) Disconnect() {
	c.mu.Lock()
	cancel, done := c.cancel, c.done
	c.cancel = nil
	c.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// Close disconnects and detaches the client from its replica.
func (c *Client) Close() error {
	c.Disconnect()
	c.store.Unsubscribe(c.subID)
	return nil
}

// WaitForSync blocks until the current session has applied its snapshot.
// Without a deadline on ctx the configured sync timeout applies.
func (c *Client) WaitForSync(ctx context.Context) error {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.opts.syncTimeout)
		defer cancel()
	}
	c.mu.Lock()
	synced, fatal := c.synced, c.fatal
	c.mu.Unlock()

	select {
	case <-synced:
		return nil
	case <-fatal:
		return c.Err()
	case <-ctx.Done():
		return fmt.Errorf("%w: waiting for sync: %v", core.ErrTimeout, ctx.Err())
	}
}

func (c *Client) run(ctx context.Context) {
	attempt := 0
	for {
		c.setState(StateConnecting, nil)
		synced, err := c.connect(ctx)
		c.unsync()

		switch {
		case ctx.Err() != nil:
			c.setState(StateDisconnected, nil)
			return
		case errors.Is(err, core.ErrAuth):
			c.logger.Warn("authentication rejected", "error", err)
			c.setState(StateError, err)
			return
		}
		c.setState(StateDisconnected, err)
		if synced {
			attempt = 0
		}
		delay := c.opts.backoff.Delay(attempt)
		attempt++
		c.logger.Info("connection lost, retrying", "error", err, "delay", delay, "attempt", attempt)
		select {
		case <-ctx.Done():
			c.setState(StateDisconnected, nil)
			return
		case <-time.After(delay):
		}
	}
}

func (c *Client) unsync() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if isClosed(c.synced) {
		c.synced = make(chan struct{})
	}
}

// connect runs one session: dial, handshake, snapshot, then steady state
// until the connection fails. It reports whether the snapshot was applied.
func (c *Client) connect(ctx context.Context) (bool, error) {
	conn, err := c.dial(ctx)
	if err != nil {
		if !errors.Is(err, core.ErrTransport) {
			err = &core.TransportError{Op: "dial", Err: err}
		}
		return false, err
	}
	defer conn.Close()

	if err := send(ctx, conn, &protocol.Auth{APIKey: c.apiKey}); err != nil {
		return false, err
	}
	answer, err := c.await(ctx, conn, c.opts.authTimeout)
	if err != nil {
		return false, err
	}
	switch f := answer.(type) {
	case *protocol.AuthError:
		return false, f.AuthErr()
	case *protocol.AuthSuccess:
		c.onAuth(f)
	default:
		return false, fmt.Errorf("%w: expected auth answer, got %s", protocol.ErrMalformed, answer.MessageType())
	}

	first, err := c.await(ctx, conn, c.opts.syncTimeout)
	if err != nil {
		return false, err
	}
	snap, ok := first.(*protocol.Sync)
	if !ok {
		return false, fmt.Errorf("%w: expected sync, got %s", protocol.ErrMalformed, first.MessageType())
	}
	if err := c.applySync(snap.Data); err != nil {
		return false, err
	}

	c.mu.Lock()
	c.connects++
	c.lastSynced = time.Now()
	close(c.synced)
	c.mu.Unlock()
	c.setState(StateConnected, nil)
	c.signal()

	g, gctx := errgroup.WithContext(ctx)
	pongs := make(chan struct{}, 1)
	g.Go(func() error { return c.readLoop(gctx, conn, pongs) })
	g.Go(func() error { return c.writeLoop(gctx, conn) })
	g.Go(func() error { return c.pingLoop(gctx, conn, pongs) })
	return true, g.Wait()
}

func send(ctx context.Context, conn transport.Conn, m protocol.Message) error {
	data, err := protocol.Encode(m)
	if err != nil {
		return err
	}
	return conn.Write(ctx, data)
}

func (c *Client) await(ctx context.Context, conn transport.Conn, timeout time.Duration) (protocol.Message, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	data, err := conn.Read(ctx)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: no answer from server: %v", core.ErrTimeout, err)
		}
		return nil, err
	}
	return protocol.Decode(data)
}

func (c *Client) onAuth(a *protocol.AuthSuccess) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.session = *a
	if !a.Permission.CanWrite() && c.queue.len() > 0 {
		c.logger.Warn("read-only session, dropping queued writes", "count", c.queue.len())
		c.queue = outbox{}
	}
	c.logger.Info("authenticated", "instance", a.InstanceID, "user", a.UserID, "permission", a.Permission, "session", a.SessionID)
}

// applySync rebases the replica on snap and replays the writes that
// survive last-writer-wins against it.
func (c *Client) applySync(snap core.Snapshot) error {
	c.mu.Lock()
	c.queue.rebase(snap)
	survivors := slices.Clone(c.queue.items)
	c.mu.Unlock()

	if err := c.store.Rebase(snap); err != nil {
		return err
	}
	for _, p := range survivors {
		if err := replay(c.store, p); err != nil {
			c.logger.Warn("replay queued write", "keys", p.keys, "error", err)
		}
	}
	c.logger.Debug("snapshot applied", "keys", len(snap.Entries), "replayed", len(survivors))
	return nil
}

func (c *Client) readLoop(ctx context.Context, conn transport.Conn, pongs chan<- struct{}) error {
	for {
		data, err := conn.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		m, err := protocol.Decode(data)
		if err != nil {
			c.logger.Warn("dropping malformed server frame", "error", err)
			continue
		}
		switch f := m.(type) {
		case *protocol.Pong:
			select {
			case pongs <- struct{}{}:
			default:
			}
		case *protocol.AuthError:
			return f.AuthErr()
		case *protocol.Sync:
			if err := c.applySync(f.Data); err != nil {
				return err
			}
			c.signal()
		default:
			c.handle(m)
		}
	}
}

func (c *Client) writeLoop(ctx context.Context, conn transport.Conn) error {
	for {
		c.mu.Lock()
		batch := c.queue.unsent()
		c.mu.Unlock()
		for _, p := range batch {
			if err := send(ctx, conn, p.msg); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return err
			}
			c.mu.Lock()
			p.sent = true
			c.mu.Unlock()
		}
		select {
		case <-ctx.Done():
			return nil
		case <-c.kick:
		}
	}
}

func (c *Client) pingLoop(ctx context.Context, conn transport.Conn, pongs <-chan struct{}) error {
	ticker := time.NewTicker(c.opts.pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
		select {
		case <-pongs:
		default:
		}
		if err := send(ctx, conn, &protocol.Ping{}); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		select {
		case <-ctx.Done():
			return nil
		case <-pongs:
		case <-time.After(c.opts.pongTimeout):
			return fmt.Errorf("%w: no pong within %s", core.ErrTimeout, c.opts.pongTimeout)
		}
	}
}

func (c *Client) signal() {
	select {
	case c.kick <- struct{}{}:
	default:
	}
}

// handle applies one server event to the replica.
func (c *Client) handle(m protocol.Message) {
	switch f := m.(type) {
	case *protocol.KeyUpdated:
		c.store.Clock().Observe(f.Timestamp)
		own, busy := c.settle(f.Ref, f.Key)
		document := f.Attributes.Type == core.TypeDocument
		if busy && !document {
			return
		}
		if own && c.current(f) {
			return
		}
		if err := applySet(c.store, f.Key, f.Value, core.PatchFrom(f.Attributes), f.Timestamp, core.OriginRemote); err != nil {
			c.logger.Error("apply remote update", "key", f.Key, "error", err)
		}
	case *protocol.KeyDeleted:
		c.store.Clock().Observe(f.Timestamp)
		if _, busy := c.settle(f.Ref, f.Key); busy {
			return
		}
		if _, err := c.store.Apply(core.Mutation{Kind: core.MutationDelete, Key: f.Key, Timestamp: f.Timestamp, Origin: core.OriginRemote}); err != nil {
			c.logger.Error("apply remote delete", "key", f.Key, "error", err)
		}
	case *protocol.Cleared:
		c.store.Clock().Observe(f.Timestamp)
		c.mu.Lock()
		c.queue.retire(f.Ref)
		idle := c.queue.len() == 0
		var keys []string
		for _, key := range f.Keys {
			if !c.queue.touches(key) {
				keys = append(keys, key)
			}
		}
		c.mu.Unlock()
		if idle {
			if _, err := c.store.Apply(core.Mutation{Kind: core.MutationClear, Timestamp: f.Timestamp, Origin: core.OriginRemote}); err != nil {
				c.logger.Error("apply remote clear", "error", err)
			}
			return
		}
		for _, key := range keys {
			if _, err := c.store.Apply(core.Mutation{Kind: core.MutationDelete, Key: key, Timestamp: f.Timestamp, Origin: core.OriginRemote}); err != nil {
				c.logger.Error("apply remote clear", "key", key, "error", err)
			}
		}
	case *protocol.Error:
		c.mu.Lock()
		c.queue.retire(f.Ref)
		fns := make([]func(error), 0, len(c.errorFns))
		for _, id := range sortedKeys(c.errorFns) {
			fns = append(fns, c.errorFns[id])
		}
		c.mu.Unlock()
		err := f.Err("")
		c.logger.Warn("server rejected write", "code", f.Code, "ref", f.Ref, "error", f.Error)
		for _, fn := range fns {
			fn(err)
		}
	}
}

// settle retires ref and reports whether it was ours and whether other
// unconfirmed writes still cover key.
func (c *Client) settle(ref, key string) (own, busy bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	own = c.queue.retire(ref)
	return own, c.queue.touches(key)
}

// current reports whether the replica already holds what u describes.
func (c *Client) current(u *protocol.KeyUpdated) bool {
	e, ok := c.store.Entry(u.Key)
	if !ok || !e.Attributes.Equal(u.Attributes) {
		return false
	}
	if e.Attributes.Type == core.TypeDocument {
		return false
	}
	raw, err := core.EncodeValue(e.Value)
	return err == nil && bytes.Equal(raw, u.Value)
}

// onChange queues local writes for the server. It runs inside Store.Apply.
func (c *Client) onChange(change core.Change) {
	if change.Origin != core.OriginLocal && change.Origin != core.OriginLLM {
		return
	}
	p, err := frame(change)
	if err != nil {
		c.logger.Error("queue local change", "key", change.Key, "error", err)
		return
	}
	if p == nil {
		return
	}
	c.mu.Lock()
	if perm := c.session.Permission; perm != "" && !perm.CanWrite() {
		c.mu.Unlock()
		c.logger.Warn("read-only session, local change not synced", "key", change.Key)
		return
	}
	c.queue.push(p)
	c.mu.Unlock()
	c.signal()
}

func isClosed(ch <-chan struct{}) bool {
	select {
	case <-ch:
		return true
	default:
		return false
	}
}

func sortedKeys[V any](m map[int]V) []int {
	keys := make([]int, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
