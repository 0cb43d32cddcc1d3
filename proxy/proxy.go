// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package proxy implements the per connection MQTT state machine that sits
// between a client and the backend server: it authenticates the client,
// applies tenant policy, rewrites topics in both directions and holds
// traffic until the backend and device authorizations are ready.
package proxy

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/absmach/mqproxy/devauth"
	"github.com/absmach/mqproxy/mqtt/packets"
	"github.com/absmach/mqproxy/topics"
	"github.com/absmach/mqproxy/transport"
	"go.opentelemetry.io/otel/trace"
)

// Config holds proxy wide session settings.
type Config struct {
	// ProxyID names this instance in routed events and logs.
	ProxyID       string `yaml:"proxy_id"`
	MaxPacketSize int    `yaml:"max_packet_size"`
	// MaxKeepAlive caps the client keep alive when the tenant sets none.
	MaxKeepAlive uint16 `yaml:"max_keepalive"`
	// TopicAliasMax is the topic alias maximum offered to v5 clients.
	TopicAliasMax uint16 `yaml:"topic_alias_max"`
	// PendingSoft and PendingHard are the discard limits, in bytes, of data
	// held before the backend accepts the session.
	PendingSoft    int           `yaml:"pending_soft"`
	PendingHard    int           `yaml:"pending_hard"`
	AuthTimeout    time.Duration `yaml:"auth_timeout"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
}

// DefaultConfig returns the default session settings.
func DefaultConfig() Config {
	return Config{
		ProxyID:        "mqproxy",
		MaxPacketSize:  1 << 20,
		MaxKeepAlive:   1200,
		TopicAliasMax:  16,
		PendingSoft:    256 << 10,
		PendingHard:    1 << 20,
		AuthTimeout:    30 * time.Second,
		ConnectTimeout: 30 * time.Second,
	}
}

// Deps are the collaborators of the proxy. Tenants and Dialer are required.
type Deps struct {
	Tenants   Tenants
	Classes   *topics.ClassRules
	Auth      Authenticator
	Registrar Registrar
	Devices   *devauth.Cache
	Router    Router
	Dialer    Dialer
	Limiter   Limiter
	Metrics   Metrics
	Tracer    trace.Tracer
}

// ConnInfo is what the listener knows about a client connection.
type ConnInfo struct {
	Secure bool
	// CertNames are the verified client certificate subject common name
	// followed by its subject alternative names.
	CertNames []string
	// ServerName is the TLS server name the client asked for.
	ServerName string
	RemoteAddr string
	Protocol   string
}

// Proxy creates sessions and owns the state they share.
type Proxy struct {
	cfg      Config
	deps     Deps
	registry *Registry
	stats    *Stats
	logger   *slog.Logger
	seq      atomic.Uint64
	closed   atomic.Bool
}

// New creates a proxy.
func New(cfg Config, deps Deps, logger *slog.Logger) (*Proxy, error) {
	if deps.Tenants == nil {
		return nil, errors.New("proxy: tenant store is required")
	}
	if deps.Dialer == nil {
		return nil, errors.New("proxy: backend dialer is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if deps.Classes == nil {
		deps.Classes = topics.MustDefaultClassRules()
	}
	if deps.Devices == nil {
		deps.Devices = devauth.New(devauth.DefaultConfig(), logger)
	}
	if deps.Metrics == nil {
		deps.Metrics = noopMetrics{}
	}
	if cfg.AuthTimeout <= 0 {
		cfg.AuthTimeout = DefaultConfig().AuthTimeout
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = DefaultConfig().ConnectTimeout
	}
	return &Proxy{
		cfg:      cfg,
		deps:     deps,
		registry: NewRegistry(),
		stats:    &Stats{},
		logger:   logger,
	}, nil
}

// Config returns the proxy configuration.
func (p *Proxy) Config() Config {
	return p.cfg
}

// Registry returns the live session registry.
func (p *Proxy) Registry() *Registry {
	return p.registry
}

// Stats returns the current counters.
func (p *Proxy) Stats() StatsSnapshot {
	return p.stats.Snapshot()
}

// NewSession creates the session of a new client connection. The listener
// feeds client frames to Session.Receive.
func (p *Proxy) NewSession(link transport.Link, info ConnInfo) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	name := "c" + strconv.FormatUint(p.seq.Add(1), 10)
	s := &Session{
		p:         p,
		name:      name,
		client:    link,
		info:      info,
		ctx:       ctx,
		cancel:    cancel,
		logger:    p.logger.With(slog.String("conn", name), slog.String("remote", info.RemoteAddr)),
		pending:   NewPendingBuffer(p.cfg.PendingSoft, p.cfg.PendingHard),
		subs:      make(map[uint16]*filterMerge),
		unsubs:    make(map[uint16]*filterMerge),
		localQoS2: make(map[uint16]struct{}),
		created:   time.Now(),
	}
	p.stats.connections.Add(1)
	p.stats.totalConnections.Add(1)
	return s
}

// DeleteDevice handles a device deletion: the cached authorization is
// dropped and a live session of the device is disconnected. It reports
// whether anything was found.
func (p *Proxy) DeleteDevice(org, devType, devID string) bool {
	found := p.deps.Devices.Delete(devauth.Key{Org: org, Type: devType, ID: devID})
	if s := p.registry.FindDevice(org, devType, devID); s != nil {
		s.Abort(newError(KindAuthorizationFailed, packets.AdministrativeAction, "device deleted"))
		found = true
	}
	if found {
		p.logger.Info("device_deleted",
			slog.String("org", org),
			slog.String("type", devType),
			slog.String("id", devID))
	}
	return found
}

// Closed reports whether Close was called.
func (p *Proxy) Closed() bool {
	return p.closed.Load()
}

// Close disconnects every session. New sessions are refused afterwards.
func (p *Proxy) Close() {
	if p.closed.Swap(true) {
		return
	}
	var sessions []*Session
	p.registry.ForEach(func(s *Session) {
		sessions = append(sessions, s)
	})
	for _, s := range sessions {
		s.Abort(newError(KindClosed, packets.ServerShuttingDown, "server shutting down"))
	}
	p.logger.Info("proxy_closed", slog.Int("sessions", len(sessions)))
}
