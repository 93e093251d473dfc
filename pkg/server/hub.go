package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/aretw0/mindcache/pkg/auth"
	"github.com/aretw0/mindcache/pkg/core"
	"github.com/aretw0/mindcache/pkg/protocol"
	"github.com/aretw0/mindcache/pkg/transport"
)

// Hub is the registry of instances served by one process.
type Hub struct {
	authn auth.Authenticator
	opts  options

	mu        sync.Mutex
	instances map[string]*Coordinator
	running   bool
	ctx       context.Context
	group     *errgroup.Group
}

// NewHub creates a hub that authenticates sessions with authn.
func NewHub(authn auth.Authenticator, opts ...Option) *Hub {
	o := buildOptions(opts)
	return &Hub{
		authn:     authn,
		opts:      o,
		instances: make(map[string]*Coordinator),
	}
}

// Run starts every coordinator and blocks until ctx is done and all of them
// have flushed and stopped.
func (h *Hub) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	h.mu.Lock()
	if h.running {
		h.mu.Unlock()
		return ErrRunning
	}
	h.running, h.ctx, h.group = true, gctx, g
	// Keeps the group alive while coordinators come and go.
	g.Go(func() error {
		<-gctx.Done()
		return nil
	})
	for _, c := range h.instances {
		h.startLocked(c)
	}
	h.mu.Unlock()

	h.opts.logger.Info("hub started", "instances", len(h.instances))
	err := g.Wait()
	h.opts.logger.Info("hub stopped")
	return err
}

func (h *Hub) startLocked(c *Coordinator) {
	h.group.Go(func() error {
		if err := c.Run(h.ctx); err != nil && !errors.Is(err, ErrRunning) {
			h.opts.logger.Error("coordinator stopped with error", "instance", c.id, "error", err)
		}
		return nil
	})
}

// Instance returns the coordinator of id, or nil.
func (h *Hub) Instance(id string) *Coordinator {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.instances[id]
}

// Instances lists the loaded instance ids.
func (h *Hub) Instances() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	ids := make([]string, 0, len(h.instances))
	for id := range h.instances {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Create loads or creates instance id. Creating an existing instance
// returns it unchanged.
func (h *Hub) Create(ctx context.Context, id string) (*Coordinator, error) {
	if id == "" || id == auth.AnyInstance {
		return nil, &core.ValidationError{Reason: fmt.Sprintf("invalid instance id %q", id)}
	}
	if c := h.Instance(id); c != nil {
		return c, nil
	}

	store := core.NewStore(
		core.WithLogger(h.opts.logger.With("instance", id)),
		core.WithSite("server:"+id),
	)
	if p := h.opts.persister; p != nil {
		snap, err := p.Load(ctx, id)
		switch {
		case errors.Is(err, core.ErrNotFound):
		case err != nil:
			return nil, fmt.Errorf("load instance %q: %w", id, err)
		default:
			if err := store.Restore(snap); err != nil {
				return nil, fmt.Errorf("restore instance %q: %w", id, err)
			}
		}
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if c, ok := h.instances[id]; ok {
		return c, nil
	}
	c := newCoordinator(id, store, h.opts)
	h.instances[id] = c
	h.opts.metrics.Instances.Inc()
	if h.running {
		h.startLocked(c)
	}
	h.opts.logger.Info("instance loaded", "instance", id, "keys", store.Len())
	return c, nil
}

// Import merges an externally edited snapshot into instance id, creating
// the instance when auto-create is on.
func (h *Hub) Import(ctx context.Context, id string, snap core.Snapshot) (int, error) {
	c := h.Instance(id)
	if c == nil {
		if !h.opts.autoCreate {
			return 0, fmt.Errorf("%w: instance %q", core.ErrNotFound, id)
		}
		var err error
		if c, err = h.Create(ctx, id); err != nil {
			return 0, err
		}
	}
	return c.Import(ctx, snap)
}

// Serve runs the handshake on conn and then serves the session until it
// ends. An empty instanceID selects the instance named by the credential.
func (h *Hub) Serve(ctx context.Context, conn transport.Conn, instanceID string) error {
	h.mu.Lock()
	hubCtx := h.ctx
	h.mu.Unlock()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	if hubCtx != nil {
		stop := context.AfterFunc(hubCtx, cancel)
		defer stop()
	}

	grant, coord, err := h.handshake(ctx, conn, instanceID)
	if err != nil {
		_ = conn.Close()
		return err
	}
	s := newSession(conn, grant, coord, h.opts)
	return s.run(ctx)
}

func (h *Hub) handshake(ctx context.Context, conn transport.Conn, instanceID string) (auth.Grant, *Coordinator, error) {
	authCtx, cancel := context.WithTimeout(ctx, h.opts.authTimeout)
	defer cancel()

	data, err := conn.Read(authCtx)
	if err != nil {
		return auth.Grant{}, nil, fmt.Errorf("await auth: %w", err)
	}
	m, err := protocol.Decode(data)
	if err != nil {
		h.reject(authCtx, conn, protocol.ErrorFrame(err, ""))
		return auth.Grant{}, nil, err
	}
	frame, ok := m.(*protocol.Auth)
	if !ok {
		err := &core.AuthError{Code: core.AuthInvalidKey, Reason: fmt.Sprintf("expected auth, got %s", m.MessageType())}
		h.reject(authCtx, conn, &protocol.Error{Error: err.Error(), Code: protocol.CodeNotAuthenticated})
		return auth.Grant{}, nil, err
	}

	grant, err := h.authn.Authenticate(authCtx, frame.APIKey)
	if err != nil {
		return auth.Grant{}, nil, h.rejectAuth(authCtx, conn, err)
	}
	if instanceID == "" {
		instanceID = grant.InstanceID
	}
	if instanceID == auth.AnyInstance {
		return auth.Grant{}, nil, h.rejectAuth(authCtx, conn, &core.AuthError{Code: core.AuthInstanceNotFound, Reason: "no instance selected"})
	}
	if !grant.Allows(instanceID) {
		return auth.Grant{}, nil, h.rejectAuth(authCtx, conn, &core.AuthError{Code: core.AuthNoAccess, Reason: fmt.Sprintf("credential does not cover instance %q", instanceID)})
	}

	coord := h.Instance(instanceID)
	if coord == nil && h.opts.autoCreate {
		if coord, err = h.Create(ctx, instanceID); err != nil {
			return auth.Grant{}, nil, err
		}
	}
	if coord == nil {
		return auth.Grant{}, nil, h.rejectAuth(authCtx, conn, &core.AuthError{Code: core.AuthInstanceNotFound, Reason: fmt.Sprintf("instance %q does not exist", instanceID)})
	}
	return grant, coord, nil
}

func (h *Hub) rejectAuth(ctx context.Context, conn transport.Conn, err error) error {
	var ae *core.AuthError
	if !errors.As(err, &ae) {
		ae = &core.AuthError{Code: core.AuthInvalidKey, Reason: err.Error()}
	}
	h.opts.metrics.AuthFailures.WithLabelValues(string(ae.Code)).Inc()
	h.opts.logger.Info("session rejected", "code", ae.Code, "remote", conn.RemoteAddr(), "reason", ae.Reason)
	h.reject(ctx, conn, &protocol.AuthError{Error: ae.Reason, Code: ae.Code})
	return ae
}

func (h *Hub) reject(ctx context.Context, conn transport.Conn, m protocol.Message) {
	frame, err := protocol.Encode(m)
	if err != nil {
		return
	}
	if err := conn.Write(ctx, frame); err != nil {
		h.opts.logger.Debug("write rejection", "error", err)
	}
}

// Handler serves the websocket endpoints and a health check.
//
//	GET /ws                  instance taken from the credential
//	GET /instances/{id}/ws   explicit instance, checked against the credential
//	GET /healthz
func (h *Hub) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /ws", h.serveWS)
	mux.HandleFunc("GET /instances/{id}/ws", h.serveWS)
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})
	return mux
}

func (h *Hub) serveWS(w http.ResponseWriter, r *http.Request) {
	conn, err := transport.Upgrade(w, r, h.opts.transport)
	if err != nil {
		h.opts.logger.Debug("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}
	if err := h.Serve(r.Context(), conn, r.PathValue("id")); err != nil && !errors.Is(err, core.ErrAuth) {
		h.opts.logger.Debug("session closed", "remote", r.RemoteAddr, "error", err)
	}
}
