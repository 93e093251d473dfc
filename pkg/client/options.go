package client

import (
	"log/slog"
	"math"
	"math/rand/v2"
	"time"

	"github.com/aretw0/mindcache/pkg/core"
)

// Defaults for the connection state machine.
const (
	DefaultPingInterval = 15 * time.Second
	DefaultPongTimeout  = 10 * time.Second
	DefaultAuthTimeout  = 5 * time.Second
	DefaultSyncTimeout  = 10 * time.Second
)

// Backoff computes reconnect delays: exponential, capped and jittered.
type Backoff struct {
	Initial time.Duration
	Max     time.Duration
	Factor  float64
	// Jitter is the maximum deviation as a fraction of the delay (0-1).
	Jitter float64
}

// DefaultBackoff returns 500ms doubling up to 30s with 20% jitter.
func DefaultBackoff() Backoff {
	return Backoff{Initial: 500 * time.Millisecond, Max: 30 * time.Second, Factor: 2, Jitter: 0.2}
}

// Delay returns the wait before reconnect attempt n (0-based).
func (b Backoff) Delay(n int) time.Duration {
	return b.delay(n, rand.Float64)
}

func (b Backoff) delay(n int, random func() float64) time.Duration {
	base := float64(b.Initial) * math.Pow(max(b.Factor, 1), float64(n))
	base = min(base, float64(b.Max))
	if b.Jitter > 0 {
		base *= 1 + (random()*2-1)*b.Jitter
	}
	return time.Duration(base)
}

type options struct {
	logger       *slog.Logger
	storeOpts    []core.StoreOption
	pingInterval time.Duration
	pongTimeout  time.Duration
	authTimeout  time.Duration
	syncTimeout  time.Duration
	backoff      Backoff
}

// Option configures a Client.
type Option func(*options)

func buildOptions(opts []Option) options {
	o := options{
		logger:       slog.New(slog.DiscardHandler),
		pingInterval: DefaultPingInterval,
		pongTimeout:  DefaultPongTimeout,
		authTimeout:  DefaultAuthTimeout,
		syncTimeout:  DefaultSyncTimeout,
		backoff:      DefaultBackoff(),
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithStoreOptions configures the local replica.
func WithStoreOptions(opts ...core.StoreOption) Option {
	return func(o *options) {
		o.storeOpts = append(o.storeOpts, opts...)
	}
}

// WithPing sets the liveness ping interval and how long to wait for the pong.
func WithPing(interval, timeout time.Duration) Option {
	return func(o *options) {
		if interval > 0 {
			o.pingInterval = interval
		}
		if timeout > 0 {
			o.pongTimeout = timeout
		}
	}
}

// WithAuthTimeout bounds the wait for the server's auth answer.
func WithAuthTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.authTimeout = d
		}
	}
}

// WithSyncTimeout is the deadline WaitForSync applies when its context has none.
func WithSyncTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.syncTimeout = d
		}
	}
}

// WithBackoff sets the reconnect policy.
func WithBackoff(b Backoff) Option {
	return func(o *options) {
		o.backoff = b
	}
}
