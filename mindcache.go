package mindcache

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/aretw0/mindcache/internal/platform"
	"github.com/aretw0/mindcache/pkg/client"
	"github.com/aretw0/mindcache/pkg/codec"
	"github.com/aretw0/mindcache/pkg/core"
	"github.com/aretw0/mindcache/pkg/transport"
)

// --- Types ---

// Store is the tag-governed key/value store.
type Store = core.Store

// Entry is a key with its value and attributes.
type Entry = core.Entry

// Value is one of TextValue, JSONValue, ImageValue, FileValue or a document.
type Value = core.Value

// TextValue is a plain string value.
type TextValue = core.TextValue

// SystemTag governs how a key is exposed to a language model.
type SystemTag = core.SystemTag

// Client is a replica synchronized with a server instance.
type Client = client.Client

// Config is the server configuration.
type Config = platform.Config

// StorageConfig selects the persister in Config.
type StorageConfig = platform.StorageConfig

// KeyConfig is a long-lived API key in Config.
type KeyConfig = platform.KeyConfig

// Server is a configured hub with storage and an HTTP surface.
type Server = platform.Server

// System tags.
const (
	SystemPrompt  = core.TagSystemPrompt
	LLMRead       = core.TagLLMRead
	LLMWrite      = core.TagLLMWrite
	Protected     = core.TagProtected
	ApplyTemplate = core.TagApplyTemplate
)

// Storage adapters.
const (
	AdapterMemory = platform.AdapterMemory
	AdapterFS     = platform.AdapterFS
	AdapterBadger = platform.AdapterBadger
)

// --- Configuration ---

// Option configures a Server built by Serve or Build.
type Option = platform.Option

// WithLogger sets the logger handed to every server component.
func WithLogger(logger *slog.Logger) Option {
	return platform.WithLogger(logger)
}

// WithPersister injects a storage backend and skips the configured adapter.
func WithPersister(p core.Persister) Option {
	return platform.WithPersister(p)
}

// WithAdapter overrides the configured storage adapter by name.
func WithAdapter(name string) Option {
	return platform.WithAdapter(name)
}

// DefaultConfig returns an in-memory server configuration.
func DefaultConfig() Config {
	return platform.DefaultConfig()
}

// LoadConfig reads and validates a YAML configuration file.
func LoadConfig(path string) (Config, error) {
	return platform.LoadConfig(path)
}

// --- Factory ---

// NewStore creates an empty local store.
func NewStore(opts ...core.StoreOption) *Store {
	return core.NewStore(opts...)
}

// Build wires a server from cfg without starting it.
func Build(ctx context.Context, cfg Config, opts ...Option) (*Server, error) {
	return platform.Build(ctx, cfg, opts...)
}

// Serve builds a server from cfg and runs it until ctx is done.
func Serve(ctx context.Context, cfg Config, opts ...Option) error {
	srv, err := platform.Build(ctx, cfg, opts...)
	if err != nil {
		return err
	}
	return srv.Run(ctx)
}

// Connect dials a server websocket endpoint, such as
// "ws://host:8787/instances/notes/ws", and starts a synchronized replica.
// Call WaitForSync before relying on the replica's contents. The connection
// stays up until ctx is done or the client is closed.
func Connect(ctx context.Context, url, credential string, opts ...client.Option) (*Client, error) {
	c := client.New(transport.WebsocketDialer(url, http.Header{}, transport.Options{}), credential, opts...)
	if err := c.Connect(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

// --- Codecs ---

// ToJSON serializes the store as a JSON snapshot.
func ToJSON(s *Store) ([]byte, error) {
	return codec.ToJSON(s)
}

// FromJSON replaces the contents of s with a JSON snapshot.
func FromJSON(s *Store, data []byte) error {
	return codec.FromJSON(s, data)
}

// ToMarkdown exports the store as a Markdown document.
func ToMarkdown(s *Store) ([]byte, error) {
	return codec.ToMarkdown(s)
}

// FromMarkdown replaces the contents of s with a Markdown export.
func FromMarkdown(s *Store, data []byte) error {
	return codec.FromMarkdown(s, data)
}
