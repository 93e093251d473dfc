package platform

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/aretw0/introspection"
	"github.com/aretw0/lifecycle/pkg/core/supervisor"
	"github.com/aretw0/lifecycle/pkg/core/worker"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/aretw0/mindcache/pkg/adapters/badger"
	"github.com/aretw0/mindcache/pkg/adapters/fs"
	"github.com/aretw0/mindcache/pkg/auth"
	"github.com/aretw0/mindcache/pkg/core"
	"github.com/aretw0/mindcache/pkg/server"
	"github.com/aretw0/mindcache/pkg/transport"
)

const shutdownTimeout = 10 * time.Second

// Server is a configured hub with its storage, credentials and HTTP surface.
type Server struct {
	Config    Config
	Hub       *server.Hub
	Signer    *auth.Signer // nil when token authentication is off
	Persister core.Persister
	Files     *fs.Persister // set for the fs adapter
	Registry  *prometheus.Registry

	logger      *slog.Logger
	watchErrors func(error)
}

// Build wires a Server from cfg. Instances listed in cfg are loaded before
// it returns.
//
//	srv, err := platform.Build(ctx, cfg, platform.WithLogger(logger))
func Build(ctx context.Context, cfg Config, opts ...Option) (*Server, error) {
	o := defaultOptions()
	for _, opt := range opts {
		opt(o)
	}
	if o.adapter != "" {
		cfg.Storage.Adapter = o.adapter
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger := o.logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	s := &Server{
		Config:      cfg,
		Registry:    o.registry,
		logger:      logger,
		watchErrors: o.watchErrors,
	}
	if s.Registry == nil {
		s.Registry = prometheus.NewRegistry()
		s.Registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	}

	if err := s.openStorage(cfg.Storage, o.persister); err != nil {
		return nil, err
	}

	authn, err := s.authenticator(cfg, o.authenticators)
	if err != nil {
		s.closeStorage()
		return nil, err
	}

	hubOpts := []server.Option{
		server.WithLogger(logger),
		server.WithMetrics(server.NewMetrics(s.Registry)),
		server.WithAutoCreate(cfg.AutoCreate),
		server.WithAuthTimeout(cfg.Session.AuthTimeout),
		server.WithIdleTimeout(cfg.Session.IdleTimeout),
		server.WithMaxMalformed(cfg.Session.MaxMalformed),
		server.WithMalformedWindow(cfg.Session.MalformedWindow),
		server.WithSendBuffer(cfg.Session.SendBuffer),
		server.WithFlushInterval(cfg.Storage.FlushInterval),
		server.WithTransport(transport.Options{MaxMessageSize: cfg.Session.MaxMessageSize}),
	}
	if cfg.Session.RateLimit > 0 {
		hubOpts = append(hubOpts, server.WithRateLimit(cfg.Session.RateLimit, max(cfg.Session.RateBurst, 1)))
	}
	if s.Persister != nil {
		hubOpts = append(hubOpts, server.WithPersister(s.Persister))
	}
	s.Hub = server.NewHub(authn, hubOpts...)

	for _, id := range cfg.Instances {
		if _, err := s.Hub.Create(ctx, id); err != nil {
			s.closeStorage()
			return nil, fmt.Errorf("load instance %q: %w", id, err)
		}
	}
	return s, nil
}

func (s *Server) openStorage(cfg StorageConfig, injected core.Persister) error {
	if injected != nil {
		s.Persister = injected
		return nil
	}
	if cfg.Watch && cfg.Adapter != AdapterFS {
		return &core.ValidationError{Reason: fmt.Sprintf("storage.watch needs the fs adapter, not %q", cfg.Adapter)}
	}

	switch cfg.Adapter {
	case AdapterMemory:
		return nil
	case AdapterFS:
		p, err := fs.NewPersister(fs.Config{
			Dir:          cfg.Path,
			Format:       cfg.Format,
			Logger:       s.logger.With("component", "fs"),
			ErrorHandler: s.watchErrors,
		})
		if err != nil {
			return err
		}
		s.Persister, s.Files = p, p
		return nil
	case AdapterBadger:
		bc := badger.DefaultConfig()
		bc.Path = cfg.Path
		bc.Logger = s.logger.With("component", "badger")
		p, err := badger.Open(bc)
		if err != nil {
			return err
		}
		s.Persister = p
		return nil
	default:
		return &core.ValidationError{Reason: fmt.Sprintf("unknown storage adapter %q", cfg.Adapter)}
	}
}

func (s *Server) closeStorage() {
	if s.Persister == nil {
		return
	}
	if err := s.Persister.Close(); err != nil {
		s.logger.Error("close storage", "error", err)
	}
}

func (s *Server) authenticator(cfg Config, extra []auth.Authenticator) (auth.Authenticator, error) {
	var chain []auth.Authenticator
	secret, err := cfg.SigningSecret()
	if err != nil {
		return nil, err
	}
	if len(secret) > 0 {
		s.Signer, err = auth.NewSigner(secret, auth.WithTTL(cfg.Auth.TokenTTL))
		if err != nil {
			return nil, err
		}
		chain = append(chain, s.Signer)
	}
	if len(cfg.Auth.Keys) > 0 {
		chain = append(chain, cfg.StaticKeys())
	}
	chain = append(chain, extra...)
	return auth.Chain(chain...), nil
}

// Handler serves the hub endpoints, metrics and a state dump.
//
//	GET /ws, /instances/{id}/ws, /healthz   see server.Hub.Handler
//	GET /metrics                            Prometheus, when enabled
//	GET /debug/state                        component states as JSON
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/", s.Hub.Handler())
	if s.Config.Metrics.Enabled {
		path := s.Config.Metrics.Path
		if path == "" {
			path = "/metrics"
		}
		mux.Handle("GET "+path, promhttp.HandlerFor(s.Registry, promhttp.HandlerOpts{}))
	}
	mux.HandleFunc("GET /debug/state", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		_ = enc.Encode(s.State())
	})
	return mux
}

// Run listens on the configured address and serves until ctx is done.
func (s *Server) Run(ctx context.Context) error {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", s.Config.Listen)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.Config.Listen, err)
	}
	return s.Serve(ctx, ln)
}

// Serve runs the hub, the snapshot watcher and the HTTP server on ln until
// ctx is done, then flushes every instance and closes storage.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	defer s.closeStorage()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return s.Hub.Run(gctx)
	})

	httpSrv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return gctx },
	}
	g.Go(func() error {
		s.logger.Info("listening", "addr", ln.Addr().String())
		if err := httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return httpSrv.Shutdown(shutdownCtx)
	})

	if s.Files != nil && s.Config.Storage.Watch {
		g.Go(func() error {
			return s.superviseWatcher(gctx)
		})
	}
	return g.Wait()
}

// superviseWatcher keeps the snapshot watcher running, restarting it when
// fsnotify fails.
func (s *Server) superviseWatcher(ctx context.Context) error {
	spec := supervisor.Spec{
		Name: "snapshot-watcher",
		Type: string(worker.TypeGoroutine),
		Factory: func() (worker.Worker, error) {
			return s.Files.Watcher(s.Hub), nil
		},
		Backoff: supervisor.Backoff{
			InitialInterval: 100 * time.Millisecond,
			MaxInterval:     10 * time.Second,
			Multiplier:      2,
			ResetDuration:   time.Minute,
			MaxRestarts:     10,
			MaxDuration:     5 * time.Minute,
		},
		RestartPolicy: supervisor.RestartOnFailure,
	}
	sup := supervisor.New("storage", supervisor.StrategyOneForOne, spec)
	if err := sup.Start(ctx); err != nil {
		return fmt.Errorf("start snapshot watcher: %w", err)
	}
	s.logger.Info("watching snapshot files", "dir", s.Files.Dir)

	<-ctx.Done()
	stopCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return sup.Stop(stopCtx)
}

// ServerState aggregates the state of every component.
type ServerState struct {
	Hub       any            `json:"hub"`
	Instances map[string]any `json:"instances"`
	Storage   any            `json:"storage,omitempty"`
}

// State implements introspection.Introspectable.
func (s *Server) State() any {
	st := ServerState{
		Hub:       s.Hub.State(),
		Instances: make(map[string]any),
	}
	for _, id := range s.Hub.Instances() {
		if c := s.Hub.Instance(id); c != nil {
			st.Instances[id] = c.State()
		}
	}
	if i, ok := s.Persister.(introspection.Introspectable); ok {
		st.Storage = i.State()
	}
	return st
}

// ComponentType implements introspection.Component.
func (s *Server) ComponentType() string {
	return "server"
}

var (
	_ introspection.Introspectable = (*Server)(nil)
	_ introspection.Component      = (*Server)(nil)
)
