// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/absmach/mqproxy/auth"
	"github.com/absmach/mqproxy/backend"
	"github.com/absmach/mqproxy/devauth"
	mqtls "github.com/absmach/mqproxy/pkg/tls"
	"github.com/absmach/mqproxy/proxy"
	"github.com/absmach/mqproxy/ratelimit"
	"github.com/absmach/mqproxy/router"
	"github.com/absmach/mqproxy/server/otel"
	"github.com/absmach/mqproxy/tenant"
	"github.com/absmach/mqproxy/transport"
	"gopkg.in/yaml.v3"
)

// Config holds the proxy configuration.
type Config struct {
	Proxy     proxy.Config     `yaml:"proxy"`
	Backend   BackendConfig    `yaml:"backend"`
	Server    ServerConfig     `yaml:"server"`
	Auth      AuthConfig       `yaml:"auth"`
	Devices   devauth.Config   `yaml:"devices"`
	Router    router.Config    `yaml:"router"`
	RateLimit ratelimit.Config `yaml:"ratelimit"`
	Storage   StorageConfig    `yaml:"storage"`
	Log       LogConfig        `yaml:"log"`
	Telemetry otel.Config      `yaml:"telemetry"`

	// Topic rule sets and client class sets, by name.
	Rules      tenant.Rules      `yaml:",inline"`
	WillPolicy tenant.WillPolicy `yaml:"will_policy"`
	Tenants    []tenant.Config   `yaml:"tenants"`
	Users      []UserConfig      `yaml:"users"`
}

// BackendConfig holds the backend broker connection.
type BackendConfig struct {
	backend.Config `yaml:",inline"`

	Security BackendTLSConfig `yaml:"tls"`
}

// BackendTLSConfig configures TLS towards the backend.
type BackendTLSConfig struct {
	Enabled            bool   `yaml:"enabled"`
	CAFile             string `yaml:"ca_file"`
	CertFile           string `yaml:"cert_file"`
	KeyFile            string `yaml:"key_file"`
	ServerName         string `yaml:"server_name"`
	InsecureSkipVerify bool   `yaml:"insecure_skip_verify"`
}

// ServerConfig holds the client facing listeners.
type ServerConfig struct {
	TCP       ListenerConfig  `yaml:"tcp"`
	TLS       ListenerConfig  `yaml:"tls"`
	WebSocket WebSocketConfig `yaml:"websocket"`
	Health    HealthConfig    `yaml:"health"`

	ShutdownTimeout time.Duration    `yaml:"shutdown_timeout"`
	Link            transport.Config `yaml:"link"`
}

// ListenerConfig is one MQTT stream listener.
type ListenerConfig struct {
	Enabled          bool          `yaml:"enabled"`
	Addr             string        `yaml:"addr"`
	MaxConnections   int           `yaml:"max_connections"`
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`
	TCPKeepAlive     time.Duration `yaml:"tcp_keepalive"`
	BufferSize       int           `yaml:"buffer_size"`
	TLS              mqtls.Config  `yaml:"tls"`
}

// WebSocketConfig is the MQTT over WebSocket listener. TLS is used when a
// certificate is configured.
type WebSocketConfig struct {
	Enabled        bool         `yaml:"enabled"`
	Addr           string       `yaml:"addr"`
	Path           string       `yaml:"path"`
	MaxConnections int          `yaml:"max_connections"`
	TrustForwarded bool         `yaml:"trust_forwarded"`
	TLS            mqtls.Config `yaml:"tls"`
}

// HealthConfig is the health, statistics and device hook listener.
type HealthConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

// AuthConfig configures credential checks.
type AuthConfig struct {
	// External is the remote authenticator, used when URL is set.
	External auth.HTTPConfig `yaml:"external"`
	// Registrar authorizes gateway devices, used when URL is set.
	Registrar  auth.HTTPConfig `yaml:"registrar"`
	Timeout    time.Duration   `yaml:"timeout"`
	BcryptCost int             `yaml:"bcrypt_cost"`
}

// StorageConfig selects the local user store.
type StorageConfig struct {
	Type       string        `yaml:"type"` // "memory" or "badger"
	BadgerDir  string        `yaml:"badger_dir"`
	GCInterval time.Duration `yaml:"gc_interval"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text, json
}

// UserConfig is a local user seeded into the user store at startup. One of
// Password and PasswordHash is required.
type UserConfig struct {
	Org          string   `yaml:"org"`
	Name         string   `yaml:"name"`
	Password     string   `yaml:"password,omitempty"`
	PasswordHash string   `yaml:"password_hash,omitempty"`
	Masks        []string `yaml:"masks,omitempty"`
}

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		Proxy: proxy.DefaultConfig(),
		Backend: BackendConfig{
			Config: backend.DefaultConfig(),
		},
		Server: ServerConfig{
			TCP: ListenerConfig{
				Enabled:          true,
				Addr:             ":1883",
				MaxConnections:   10000,
				HandshakeTimeout: 10 * time.Second,
				TCPKeepAlive:     15 * time.Second,
				BufferSize:       8192,
			},
			TLS: ListenerConfig{
				Addr:             ":8883",
				MaxConnections:   10000,
				HandshakeTimeout: 10 * time.Second,
				TCPKeepAlive:     15 * time.Second,
				BufferSize:       8192,
			},
			WebSocket: WebSocketConfig{
				Addr:           ":8083",
				Path:           "/mqtt",
				MaxConnections: 10000,
			},
			Health: HealthConfig{
				Enabled: true,
				Addr:    ":8080",
			},
			ShutdownTimeout: 30 * time.Second,
			Link:            transport.DefaultConfig(),
		},
		Auth: AuthConfig{
			External: auth.HTTPConfig{
				Timeout:          10 * time.Second,
				FailureThreshold: 5,
				ResetTimeout:     30 * time.Second,
			},
			Registrar: auth.HTTPConfig{
				Timeout:          10 * time.Second,
				FailureThreshold: 5,
				ResetTimeout:     30 * time.Second,
			},
			Timeout: 30 * time.Second,
		},
		Devices:   devauth.DefaultConfig(),
		Router:    router.DefaultConfig(),
		RateLimit: ratelimit.DefaultConfig(),
		Storage: StorageConfig{
			Type:       "memory",
			BadgerDir:  "/tmp/mqproxy/data",
			GCInterval: 5 * time.Minute,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Telemetry: otel.Config{
			Endpoint:        "localhost:4317",
			Insecure:        true,
			ServiceName:     "mqproxy",
			ServiceVersion:  "0.1.0",
			TraceSampleRate: 0.1,
			ExportInterval:  10 * time.Second,
		},
		WillPolicy: tenant.WillReject,
	}
}

// Load reads configuration from a YAML file. Missing fields keep their
// defaults.
func Load(filename string) (*Config, error) {
	if filename == "" {
		return Default(), nil
	}

	data, err := os.ReadFile(filename)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.Proxy.ProxyID == "" {
		return fmt.Errorf("proxy.proxy_id cannot be empty")
	}
	if c.Proxy.MaxPacketSize <= 0 {
		return fmt.Errorf("proxy.max_packet_size must be positive")
	}
	if c.Proxy.PendingSoft < 0 || c.Proxy.PendingHard < c.Proxy.PendingSoft {
		return fmt.Errorf("proxy.pending_hard must be at least proxy.pending_soft")
	}

	if c.Backend.Address == "" {
		return fmt.Errorf("backend.address cannot be empty")
	}
	if c.Backend.Security.Enabled && (c.Backend.Security.CertFile == "") != (c.Backend.Security.KeyFile == "") {
		return fmt.Errorf("backend.tls.cert_file and backend.tls.key_file must be set together")
	}

	if !c.Server.TCP.Enabled && !c.Server.TLS.Enabled && !c.Server.WebSocket.Enabled {
		return fmt.Errorf("server: at least one listener must be enabled")
	}
	if err := validateListener("server.tcp", c.Server.TCP); err != nil {
		return err
	}
	if err := validateListener("server.tls", c.Server.TLS); err != nil {
		return err
	}
	if c.Server.TLS.Enabled && !c.Server.TLS.TLS.Enabled() {
		return fmt.Errorf("server.tls.tls.cert_file and key_file required when the TLS listener is enabled")
	}
	if c.Server.WebSocket.Enabled {
		if c.Server.WebSocket.Addr == "" {
			return fmt.Errorf("server.websocket.addr cannot be empty")
		}
		if c.Server.WebSocket.MaxConnections < 0 {
			return fmt.Errorf("server.websocket.max_connections cannot be negative")
		}
	}
	if c.Server.Health.Enabled && c.Server.Health.Addr == "" {
		return fmt.Errorf("server.health.addr cannot be empty")
	}

	if c.Router.Enabled {
		if c.Router.QueueSize < 100 {
			return fmt.Errorf("router.queue_size must be at least 100")
		}
		if c.Router.DropPolicy != "oldest" && c.Router.DropPolicy != "newest" {
			return fmt.Errorf("router.drop_policy must be 'oldest' or 'newest'")
		}
		if c.Router.Workers < 1 {
			return fmt.Errorf("router.workers must be at least 1")
		}
		if c.Router.Defaults.Retry.MaxAttempts < 1 {
			return fmt.Errorf("router.defaults.retry.max_attempts must be at least 1")
		}
		for i, ep := range c.Router.Endpoints {
			if ep.Name == "" {
				return fmt.Errorf("router.endpoints[%d].name cannot be empty", i)
			}
			if ep.URL == "" {
				return fmt.Errorf("router.endpoints[%d].url cannot be empty", i)
			}
		}
	}

	if c.Devices.TTL <= 0 {
		return fmt.Errorf("devices.ttl must be positive")
	}

	switch c.Storage.Type {
	case "memory":
	case "badger":
		if c.Storage.BadgerDir == "" {
			return fmt.Errorf("storage.badger_dir required when type is badger")
		}
	default:
		return fmt.Errorf("storage.type must be one of: memory, badger")
	}

	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log.level must be one of: debug, info, warn, error")
	}
	if c.Log.Format != "text" && c.Log.Format != "json" {
		return fmt.Errorf("log.format must be one of: text, json")
	}

	if c.Telemetry.MetricsEnabled || c.Telemetry.TracesEnabled {
		if c.Telemetry.ServiceName == "" {
			return fmt.Errorf("telemetry.service_name cannot be empty when telemetry is enabled")
		}
		if c.Telemetry.TraceSampleRate < 0 || c.Telemetry.TraceSampleRate > 1 {
			return fmt.Errorf("telemetry.trace_sample_rate must be between 0.0 and 1.0")
		}
	}

	seen := make(map[string]bool, len(c.Tenants))
	for i, t := range c.Tenants {
		if t.Name == "" {
			return fmt.Errorf("tenants[%d].name cannot be empty", i)
		}
		if seen[t.Name] {
			return fmt.Errorf("tenants[%d].name %q is duplicated", i, t.Name)
		}
		seen[t.Name] = true
	}

	for i, u := range c.Users {
		if u.Name == "" {
			return fmt.Errorf("users[%d].name cannot be empty", i)
		}
		if u.Password == "" && u.PasswordHash == "" {
			return fmt.Errorf("users[%d]: password or password_hash required", i)
		}
	}

	return nil
}

func validateListener(name string, l ListenerConfig) error {
	if !l.Enabled {
		return nil
	}
	if l.Addr == "" {
		return fmt.Errorf("%s.addr cannot be empty", name)
	}
	if l.MaxConnections < 0 {
		return fmt.Errorf("%s.max_connections cannot be negative", name)
	}
	return nil
}

// Save writes the configuration to a YAML file.
func (c *Config) Save(filename string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(filename, data, 0o644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

var errBackendCA = errors.New("failed to load backend CA")

// ClientTLS returns the TLS configuration used to dial the backend, or nil
// when backend TLS is disabled.
func (b BackendTLSConfig) ClientTLS() (*tls.Config, error) {
	if !b.Enabled {
		return nil, nil
	}
	cfg := &tls.Config{
		MinVersion:         tls.VersionTLS12,
		ServerName:         b.ServerName,
		InsecureSkipVerify: b.InsecureSkipVerify,
	}
	if b.CAFile != "" {
		pem, err := os.ReadFile(b.CAFile)
		if err != nil {
			return nil, errors.Join(errBackendCA, err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("%w: no certificates in %s", errBackendCA, b.CAFile)
		}
		cfg.RootCAs = pool
	}
	if b.CertFile != "" {
		cert, err := tls.LoadX509KeyPair(b.CertFile, b.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load backend client certificate: %w", err)
		}
		cfg.Certificates = []tls.Certificate{cert}
	}
	return cfg, nil
}
