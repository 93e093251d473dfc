package server

import (
	"log/slog"
	"time"

	"golang.org/x/time/rate"

	"github.com/aretw0/mindcache/pkg/core"
	"github.com/aretw0/mindcache/pkg/transport"
)

// Defaults for session and coordinator behaviour.
const (
	DefaultAuthTimeout     = 5 * time.Second
	DefaultIdleTimeout     = 45 * time.Second
	DefaultMaxMalformed    = 3
	DefaultMalformedWindow = time.Minute
	DefaultSendBuffer      = 256
	DefaultFlushInterval   = time.Second
	DefaultRateLimit       = 100
	DefaultRateBurst       = 200

	minSendBuffer = 16
)

type options struct {
	logger        *slog.Logger
	metrics       *Metrics
	persister     core.Persister
	autoCreate    bool
	authTimeout   time.Duration
	idleTimeout   time.Duration
	maxMalformed  int
	malformedWin  time.Duration
	sendBuffer    int
	flushInterval time.Duration
	rateLimit     rate.Limit
	rateBurst     int
	transport     transport.Options
}

// Option configures a Hub or Coordinator.
type Option func(*options)

func defaultOptions() options {
	return options{
		logger:        slog.New(slog.DiscardHandler),
		authTimeout:   DefaultAuthTimeout,
		idleTimeout:   DefaultIdleTimeout,
		maxMalformed:  DefaultMaxMalformed,
		malformedWin:  DefaultMalformedWindow,
		sendBuffer:    DefaultSendBuffer,
		flushInterval: DefaultFlushInterval,
		rateLimit:     DefaultRateLimit,
		rateBurst:     DefaultRateBurst,
	}
}

func buildOptions(opts []Option) options {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	if o.metrics == nil {
		o.metrics = NewMetrics(nil)
	}
	o.sendBuffer = max(o.sendBuffer, minSendBuffer)
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

// WithMetrics sets the Prometheus collectors.
func WithMetrics(m *Metrics) Option {
	return func(o *options) {
		o.metrics = m
	}
}

// WithPersister loads instances from and flushes them to p.
func WithPersister(p core.Persister) Option {
	return func(o *options) {
		o.persister = p
	}
}

// WithAutoCreate makes the hub create unknown instances on first access
// instead of answering INSTANCE_NOT_FOUND.
func WithAutoCreate(enabled bool) Option {
	return func(o *options) {
		o.autoCreate = enabled
	}
}

// WithAuthTimeout bounds the wait for a session's auth frame.
func WithAuthTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.authTimeout = d
		}
	}
}

// WithIdleTimeout closes sessions that send nothing, not even a ping, for d.
func WithIdleTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.idleTimeout = d
		}
	}
}

// WithMaxMalformed sets how many malformed frames a session may send within
// the malformed window before it is disconnected.
func WithMaxMalformed(n int) Option {
	return func(o *options) {
		o.maxMalformed = n
	}
}

// WithMalformedWindow sets the period over which the malformed allowance
// refills.
func WithMalformedWindow(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.malformedWin = d
		}
	}
}

// WithSendBuffer sets the per-session outbound queue length.
func WithSendBuffer(n int) Option {
	return func(o *options) {
		o.sendBuffer = n
	}
}

// WithFlushInterval sets the persistence debounce interval.
func WithFlushInterval(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.flushInterval = d
		}
	}
}

// WithRateLimit bounds inbound frames per session.
func WithRateLimit(perSecond float64, burst int) Option {
	return func(o *options) {
		o.rateLimit = rate.Limit(perSecond)
		o.rateBurst = burst
	}
}

// WithTransport tunes websocket connections accepted by the handler.
func WithTransport(t transport.Options) Option {
	return func(o *options) {
		o.transport = t
	}
}
