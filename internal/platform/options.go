package platform

import (
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/aretw0/mindcache/pkg/auth"
	"github.com/aretw0/mindcache/pkg/core"
)

// options holds the wiring overrides for Build.
type options struct {
	persister      core.Persister
	logger         *slog.Logger
	adapter        string
	registry       *prometheus.Registry
	authenticators []auth.Authenticator
	watchErrors    func(error)
}

// Option defines a functional option for Build.
type Option func(*options)

func defaultOptions() *options {
	return &options{}
}

// WithLogger sets the logger handed to every component.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithPersister injects a storage backend and skips the configured adapter.
func WithPersister(p core.Persister) Option {
	return func(o *options) {
		o.persister = p
	}
}

// WithAdapter overrides storage.adapter from the configuration
// ("memory", "fs" or "badger").
func WithAdapter(name string) Option {
	return func(o *options) {
		o.adapter = name
	}
}

// WithRegistry registers the server metrics on reg instead of a fresh
// registry.
func WithRegistry(reg *prometheus.Registry) Option {
	return func(o *options) {
		o.registry = reg
	}
}

// WithAuthenticator accepts credentials from a, tried after tokens and
// configured API keys.
func WithAuthenticator(a auth.Authenticator) Option {
	return func(o *options) {
		if a != nil {
			o.authenticators = append(o.authenticators, a)
		}
	}
}

// WithWatchErrorHandler receives runtime errors of the snapshot watcher,
// which are otherwise only logged.
func WithWatchErrorHandler(fn func(error)) Option {
	return func(o *options) {
		o.watchErrors = fn
	}
}
