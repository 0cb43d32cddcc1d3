// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package ratelimit holds the token buckets guarding the proxy: connection
// attempts per remote IP, publications per client, and authentication
// requests per client identifier.
package ratelimit

import (
	"errors"
	"net"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Authentication throttle errors.
var (
	ErrQueued    = errors.New("connect request in queue")
	ErrThrottled = errors.New("connect rate exceeded")
)

const defaultCleanupInterval = 5 * time.Minute

type bucket struct {
	lim  *rate.Limiter
	seen time.Time
}

// buckets maps keys to limiters and remembers when each was last used.
// Callers hold mu.
type buckets struct {
	mu sync.Mutex
	m  map[string]*bucket
}

// get returns the limiter of key, creating it with r and burst. A limiter
// whose settings differ is replaced.
func (b *buckets) get(key string, r rate.Limit, burst int, now time.Time) *rate.Limiter {
	e, ok := b.m[key]
	if !ok || e.lim.Limit() != r || e.lim.Burst() != burst {
		e = &bucket{lim: rate.NewLimiter(r, burst)}
		b.m[key] = e
	}
	e.seen = now
	return e.lim
}

// expire drops buckets unused since before, except those keep names.
func (b *buckets) expire(before time.Time, keep func(string) bool) int {
	n := 0
	for key, e := range b.m {
		if e.seen.Before(before) && (keep == nil || !keep(key)) {
			delete(b.m, key)
			n++
		}
	}
	return n
}

// IPRateLimiter limits connection attempts per IP address.
type IPRateLimiter struct {
	buckets
	rate  rate.Limit
	burst int
}

// NewIPRateLimiter creates a limiter allowing r connections per second with
// the given burst from each address.
func NewIPRateLimiter(r float64, burst int) *IPRateLimiter {
	return &IPRateLimiter{buckets: buckets{m: make(map[string]*bucket)}, rate: rate.Limit(r), burst: burst}
}

// Allow reports whether a connection from addr is allowed. Addresses
// without an IP are never limited.
func (l *IPRateLimiter) Allow(addr net.Addr) bool {
	ip := hostOf(addr)
	if ip == "" {
		return true
	}
	now := time.Now()
	l.mu.Lock()
	lim := l.get(ip, l.rate, l.burst, now)
	l.mu.Unlock()
	return lim.AllowN(now, 1)
}

// Sweep drops addresses idle since before and returns how many went.
func (l *IPRateLimiter) Sweep(before time.Time) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.expire(before, nil)
}

// FairUseLimiter limits the publish rate of each client. Limits are given
// per call so each tenant can carry its own.
type FairUseLimiter struct {
	buckets
}

func NewFairUseLimiter() *FairUseLimiter {
	return &FairUseLimiter{buckets: buckets{m: make(map[string]*bucket)}}
}

// Allow reports whether clientID may publish one more message. A
// non-positive rate means unlimited.
func (l *FairUseLimiter) Allow(clientID string, r float64, burst int) bool {
	if r <= 0 {
		return true
	}
	burst = max(burst, 1)
	now := time.Now()
	l.mu.Lock()
	lim := l.get(clientID, rate.Limit(r), burst, now)
	l.mu.Unlock()
	return lim.AllowN(now, 1)
}

// Remove drops the limiter of a disconnected client.
func (l *FairUseLimiter) Remove(clientID string) {
	l.mu.Lock()
	delete(l.m, clientID)
	l.mu.Unlock()
}

// Sweep drops clients idle since before.
func (l *FairUseLimiter) Sweep(before time.Time) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.expire(before, nil)
}

// AuthThrottle spaces out authentication requests per client identifier.
// One request per client may be queued at a time.
type AuthThrottle struct {
	buckets
	queued   map[string]struct{}
	rate     rate.Limit
	burst    int
	maxDelay time.Duration
}

// NewAuthThrottle creates a throttle allowing r requests per second per
// client. Requests that would wait longer than maxDelay are refused; zero
// means no bound.
func NewAuthThrottle(r float64, burst int, maxDelay time.Duration) *AuthThrottle {
	return &AuthThrottle{
		buckets:  buckets{m: make(map[string]*bucket)},
		queued:   make(map[string]struct{}),
		rate:     rate.Limit(r),
		burst:    max(burst, 1),
		maxDelay: maxDelay,
	}
}

// Reserve queues an authentication request for clientID and returns how
// long the caller must wait before dispatching it. Done must be called when
// the request completes.
func (t *AuthThrottle) Reserve(clientID string) (time.Duration, error) {
	now := time.Now()
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.queued[clientID]; ok {
		return 0, ErrQueued
	}
	r := t.get(clientID, t.rate, t.burst, now).ReserveN(now, 1)
	if !r.OK() {
		return 0, ErrThrottled
	}
	delay := r.DelayFrom(now)
	if t.maxDelay > 0 && delay > t.maxDelay {
		r.CancelAt(now)
		return 0, ErrThrottled
	}
	t.queued[clientID] = struct{}{}
	return delay, nil
}

// Done marks the queued request of clientID complete.
func (t *AuthThrottle) Done(clientID string) {
	t.mu.Lock()
	delete(t.queued, clientID)
	t.mu.Unlock()
}

// Queued returns the number of queued requests.
func (t *AuthThrottle) Queued() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.queued)
}

// Sweep drops clients idle since before. Clients with a queued request are
// kept.
func (t *AuthThrottle) Sweep(before time.Time) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.expire(before, func(id string) bool {
		_, ok := t.queued[id]
		return ok
	})
}

func hostOf(addr net.Addr) string {
	switch a := addr.(type) {
	case nil:
		return ""
	case *net.TCPAddr:
		return a.IP.String()
	case *net.UDPAddr:
		return a.IP.String()
	}
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String()
	}
	return host
}

// Config holds rate limiting configuration.
type Config struct {
	Enabled bool `yaml:"enabled"`
	// CleanupInterval is how often idle buckets are dropped. A bucket is
	// idle after two intervals without use.
	CleanupInterval time.Duration `yaml:"cleanup_interval"`

	Connection ConnectionConfig `yaml:"connection"`
	FairUse    FairUseConfig    `yaml:"fair_use"`
	Auth       AuthConfig       `yaml:"auth"`
}

// ConnectionConfig holds per-IP connection rate limiting settings.
type ConnectionConfig struct {
	Enabled bool    `yaml:"enabled"`
	Rate    float64 `yaml:"rate"`  // connections per second per IP
	Burst   int     `yaml:"burst"` // burst allowance
}

// FairUseConfig is the publish limit used for tenants without their own.
type FairUseConfig struct {
	Enabled bool    `yaml:"enabled"`
	Rate    float64 `yaml:"rate"`  // messages per second per client
	Burst   int     `yaml:"burst"` // burst allowance
}

// AuthConfig holds the authentication throttle settings.
type AuthConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Rate     float64       `yaml:"rate"`      // requests per second per client id
	Burst    int           `yaml:"burst"`     // burst allowance
	MaxDelay time.Duration `yaml:"max_delay"` // longer waits are refused
}

func DefaultConfig() Config {
	return Config{
		Enabled:         false,
		CleanupInterval: defaultCleanupInterval,
		Connection: ConnectionConfig{
			Enabled: true,
			Rate:    100.0 / 60.0, // 100 connections per minute per IP
			Burst:   20,
		},
		FairUse: FairUseConfig{
			Enabled: true,
			Rate:    1000,
			Burst:   100,
		},
		Auth: AuthConfig{
			Enabled:  true,
			Rate:     1,
			Burst:    3,
			MaxDelay: 30 * time.Second,
		},
	}
}

// Manager owns every limiter and the loop that expires idle buckets. A
// manager built from a disabled configuration allows everything.
type Manager struct {
	config  Config
	ip      *IPRateLimiter
	fairUse *FairUseLimiter
	auth    *AuthThrottle

	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

func NewManager(cfg Config) *Manager {
	m := &Manager{config: cfg, stop: make(chan struct{}), done: make(chan struct{})}
	if !cfg.Enabled {
		close(m.done)
		return m
	}

	m.fairUse = NewFairUseLimiter()
	if cfg.Connection.Enabled {
		m.ip = NewIPRateLimiter(cfg.Connection.Rate, cfg.Connection.Burst)
	}
	if cfg.Auth.Enabled {
		m.auth = NewAuthThrottle(cfg.Auth.Rate, cfg.Auth.Burst, cfg.Auth.MaxDelay)
	}
	interval := cfg.CleanupInterval
	if interval <= 0 {
		interval = defaultCleanupInterval
	}
	go m.cleanup(interval)
	return m
}

func (m *Manager) cleanup(interval time.Duration) {
	defer close(m.done)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stop:
			return
		case now := <-ticker.C:
			m.Sweep(now.Add(-2 * interval))
		}
	}
}

// Sweep drops buckets of every limiter unused since before.
func (m *Manager) Sweep(before time.Time) int {
	n := 0
	if m.ip != nil {
		n += m.ip.Sweep(before)
	}
	if m.fairUse != nil {
		n += m.fairUse.Sweep(before)
	}
	if m.auth != nil {
		n += m.auth.Sweep(before)
	}
	return n
}

// AllowConnection checks a new connection from addr.
func (m *Manager) AllowConnection(addr net.Addr) bool {
	if m.ip == nil {
		return true
	}
	return m.ip.Allow(addr)
}

// AllowPublish applies the fair use limit. A tenant limit with a positive
// rate takes precedence over the configured default.
func (m *Manager) AllowPublish(clientID string, r float64, burst int) bool {
	if m.fairUse == nil {
		return true
	}
	if r <= 0 {
		if !m.config.FairUse.Enabled {
			return true
		}
		r, burst = m.config.FairUse.Rate, m.config.FairUse.Burst
	}
	return m.fairUse.Allow(clientID, r, burst)
}

// ReserveAuth queues an authentication request. See AuthThrottle.Reserve.
func (m *Manager) ReserveAuth(clientID string) (time.Duration, error) {
	if m.auth == nil {
		return 0, nil
	}
	return m.auth.Reserve(clientID)
}

// AuthDone completes a request queued by ReserveAuth.
func (m *Manager) AuthDone(clientID string) {
	if m.auth != nil {
		m.auth.Done(clientID)
	}
}

// OnClientDisconnect drops the publish limiter of a disconnected client.
func (m *Manager) OnClientDisconnect(clientID string) {
	if m.fairUse != nil {
		m.fairUse.Remove(clientID)
	}
}

// Stop ends the cleanup loop and waits for it.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() { close(m.stop) })
	<-m.done
}
