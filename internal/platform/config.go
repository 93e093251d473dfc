package platform

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/aretw0/mindcache/pkg/auth"
	"github.com/aretw0/mindcache/pkg/core"
	"github.com/aretw0/mindcache/pkg/server"
)

// Storage adapters understood by Build.
const (
	AdapterMemory = "memory"
	AdapterFS     = "fs"
	AdapterBadger = "badger"
)

// Config is the server configuration file, usually mindcache.yaml.
type Config struct {
	Listen     string   `yaml:"listen" validate:"required,hostname_port"`
	AutoCreate bool     `yaml:"auto_create"`
	Instances  []string `yaml:"instances" validate:"dive,required,excludesall=/\\*"`

	Storage StorageConfig `yaml:"storage"`
	Auth    AuthConfig    `yaml:"auth"`
	Session SessionConfig `yaml:"session"`
	Metrics MetricsConfig `yaml:"metrics"`
}

// StorageConfig selects and tunes the persister.
type StorageConfig struct {
	Adapter       string        `yaml:"adapter" validate:"required,oneof=memory fs badger"`
	Path          string        `yaml:"path" validate:"required_unless=Adapter memory"`
	Format        string        `yaml:"format" validate:"omitempty,oneof=.json .md .markdown"`
	Watch         bool          `yaml:"watch"`
	FlushInterval time.Duration `yaml:"flush_interval" validate:"gte=0"`
}

// AuthConfig holds the token secret and the static API keys.
type AuthConfig struct {
	// Secret signs short-lived tokens. SecretEnv names an environment
	// variable to read it from instead.
	Secret    string        `yaml:"secret"`
	SecretEnv string        `yaml:"secret_env"`
	TokenTTL  time.Duration `yaml:"token_ttl" validate:"gte=0"`
	Keys      []KeyConfig   `yaml:"keys" validate:"dive"`
}

// KeyConfig is a long-lived API key.
type KeyConfig struct {
	Key        string          `yaml:"key" validate:"required,min=8"`
	Instance   string          `yaml:"instance" validate:"required"`
	User       string          `yaml:"user" validate:"required"`
	Permission core.Permission `yaml:"permission" validate:"required,oneof=read write admin"`
}

// SessionConfig tunes sync sessions.
type SessionConfig struct {
	AuthTimeout     time.Duration `yaml:"auth_timeout" validate:"gte=0"`
	IdleTimeout     time.Duration `yaml:"idle_timeout" validate:"gte=0"`
	MaxMalformed    int           `yaml:"max_malformed" validate:"gte=0"`
	MalformedWindow time.Duration `yaml:"malformed_window" validate:"gte=0"`
	SendBuffer      int           `yaml:"send_buffer" validate:"gte=0"`
	RateLimit       float64       `yaml:"rate_limit" validate:"gte=0"`
	RateBurst       int           `yaml:"rate_burst" validate:"gte=0"`
	MaxMessageSize  int64         `yaml:"max_message_size" validate:"gte=0"`
}

// MetricsConfig exposes Prometheus metrics on the listen address.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path" validate:"omitempty,startswith=/"`
}

// DefaultConfig returns a single-process, in-memory configuration.
func DefaultConfig() Config {
	return Config{
		Listen: "127.0.0.1:8787",
		Storage: StorageConfig{
			Adapter:       AdapterMemory,
			Format:        ".json",
			FlushInterval: server.DefaultFlushInterval,
		},
		Auth: AuthConfig{
			TokenTTL: auth.DefaultTokenTTL,
		},
		Session: SessionConfig{
			AuthTimeout:     server.DefaultAuthTimeout,
			IdleTimeout:     server.DefaultIdleTimeout,
			MaxMalformed:    server.DefaultMaxMalformed,
			MalformedWindow: server.DefaultMalformedWindow,
			SendBuffer:      server.DefaultSendBuffer,
			RateLimit:       server.DefaultRateLimit,
			RateBurst:       server.DefaultRateBurst,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
	}
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks the configuration. Failures are *core.ValidationError.
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return &core.ValidationError{Reason: fmt.Sprintf("config: %v", err)}
	}
	secret, err := c.SigningSecret()
	if err != nil {
		return err
	}
	if len(secret) > 0 && len(secret) < 16 {
		return &core.ValidationError{Reason: "config: auth secret must be at least 16 bytes"}
	}
	if len(secret) == 0 && len(c.Auth.Keys) == 0 {
		return &core.ValidationError{Reason: "config: no auth secret and no api keys, nobody could connect"}
	}
	return nil
}

// SigningSecret resolves the token secret. An empty result means token
// authentication is off and only static keys are accepted.
func (c Config) SigningSecret() ([]byte, error) {
	secret := c.Auth.Secret
	if c.Auth.SecretEnv != "" {
		v, ok := os.LookupEnv(c.Auth.SecretEnv)
		if !ok {
			return nil, &core.ValidationError{Reason: fmt.Sprintf("config: environment variable %s is not set", c.Auth.SecretEnv)}
		}
		secret = v
	}
	return []byte(secret), nil
}

// ParseConfig decodes YAML over DefaultConfig and validates the result.
// Unknown fields are errors.
func ParseConfig(r io.Reader) (Config, error) {
	cfg, err := decodeConfig(r)
	if err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func decodeConfig(r io.Reader) (Config, error) {
	cfg := DefaultConfig()
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, &core.ValidationError{Reason: fmt.Sprintf("config: %v", err)}
	}
	return cfg, nil
}

// LoadConfig reads and validates the configuration file at path.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	return ParseConfig(bytes.NewReader(data))
}

// ReadConfig decodes the file at path without validating it, for callers
// that override fields before Build validates them.
func ReadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	return decodeConfig(bytes.NewReader(data))
}

// StaticKeys converts the configured API keys for the authenticator.
func (c Config) StaticKeys() auth.StaticKeys {
	keys := make(auth.StaticKeys, len(c.Auth.Keys))
	for _, k := range c.Auth.Keys {
		keys[k.Key] = auth.Grant{InstanceID: k.Instance, UserID: k.User, Permission: k.Permission}
	}
	return keys
}
