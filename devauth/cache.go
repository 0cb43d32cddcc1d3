// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package devauth caches authorization outcomes of devices a gateway acts
// for, and queues the gateway packets that wait for such an outcome.
package devauth

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrTooManyDevices is returned when a connection references more devices
// than the cache allows for a single connection.
var ErrTooManyDevices = errors.New("too many active devices")

// Outcome is a cached authorization result.
type Outcome int

const (
	Unknown Outcome = iota
	Allowed
	Denied
)

func (o Outcome) String() string {
	switch o {
	case Allowed:
		return "allowed"
	case Denied:
		return "denied"
	default:
		return "unknown"
	}
}

// Key identifies a device.
type Key struct {
	Org  string
	Type string
	ID   string
}

func (k Key) String() string {
	return k.Org + ":" + k.Type + ":" + k.ID
}

// Request is one packet waiting for a device outcome.
type Request struct {
	// Frame is the complete packet to replay once the outcome is known.
	Frame []byte
	// Value is opaque data the caller needs to resume.
	Value any
}

// Entry is the cached state of one device. Entry fields are guarded by its
// own lock; the cache lock only guards the map.
type Entry struct {
	mu      sync.Mutex
	key     Key
	done    bool
	outcome Outcome
	reason  string
	checked time.Time
	pending map[string][]Request
	// revoked holds the connections whose queued requests were made
	// before the device was deleted.
	revoked map[string]struct{}
}

// Key returns the device the entry belongs to.
func (e *Entry) Key() Key { return e.key }

// Unlock releases an entry returned locked by Lookup or GetOrCreate.
func (e *Entry) Unlock() { e.mu.Unlock() }

// RecordPending appends req to the list of conn. It reports whether the
// list was empty, in which case the caller owns the dispatch.
func (e *Entry) RecordPending(conn string, req Request) bool {
	list := e.pending[conn]
	e.pending[conn] = append(list, req)
	return len(list) == 0
}

// TakePending removes and returns the requests of conn in arrival order.
func (e *Entry) TakePending(conn string) []Request {
	list := e.pending[conn]
	delete(e.pending, conn)
	delete(e.revoked, conn)
	return list
}

// HasPending reports whether conn has requests queued on this entry.
func (e *Entry) HasPending(conn string) bool {
	_, ok := e.pending[conn]
	return ok
}

// RecordOutcome stores the result of an authorization.
func (e *Entry) RecordOutcome(o Outcome, reason string, at time.Time) {
	e.done = true
	e.outcome = o
	e.reason = reason
	e.checked = at
}

// Check returns the usable cached outcome for conn. Requests already queued
// by conn keep the entry Unknown so new ones line up behind them. A denial
// is remembered for ttl; an expired denial is cleared.
func (e *Entry) Check(conn string, now time.Time, ttl time.Duration) (Outcome, string) {
	if e.HasPending(conn) || !e.done {
		return Unknown, ""
	}
	if e.outcome == Denied && now.Sub(e.checked) >= ttl {
		e.done, e.outcome, e.reason = false, Unknown, ""
		return Unknown, ""
	}
	return e.outcome, e.reason
}

// Config configures a Cache.
type Config struct {
	// TTL is how long a cached outcome is used.
	TTL time.Duration `yaml:"ttl"`
	// MaxDevices bounds the pending and known devices of one connection.
	MaxDevices int `yaml:"max_devices"`
	// CleanupInterval is the sweep period of expired entries.
	CleanupInterval time.Duration `yaml:"cleanup_interval"`
}

// DefaultConfig returns the default cache settings.
func DefaultConfig() Config {
	return Config{
		TTL:             5 * time.Minute,
		MaxDevices:      1000,
		CleanupInterval: time.Minute,
	}
}

// Cache is the process wide device authorization cache.
type Cache struct {
	mu      sync.Mutex
	entries map[string]*Entry
	conns   map[string]map[string]struct{}
	cfg     Config
	now     func() time.Time
	logger  *slog.Logger
}

// New creates a cache.
func New(cfg Config, logger *slog.Logger) *Cache {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultConfig().TTL
	}
	return &Cache{
		entries: make(map[string]*Entry),
		conns:   make(map[string]map[string]struct{}),
		cfg:     cfg,
		now:     time.Now,
		logger:  logger,
	}
}

// Lookup returns the locked entry for key, or nil. The entry lock is taken
// before the cache lock is released, so a returned entry is never one that
// was already removed from the map.
func (c *Cache) Lookup(key Key) *Entry {
	c.mu.Lock()
	defer c.mu.Unlock()
	e := c.entries[key.String()]
	if e == nil {
		return nil
	}
	e.mu.Lock()
	return e
}

// GetOrCreate returns the locked entry for key, creating it when absent.
func (c *Cache) GetOrCreate(key Key) *Entry {
	k := key.String()
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[k]
	if !ok {
		e = &Entry{key: key, pending: make(map[string][]Request)}
		c.entries[k] = e
	}
	e.mu.Lock()
	return e
}

// Decision is the result of Authorize.
type Decision struct {
	Outcome Outcome
	Reason  string
	// Dispatch is set when the caller must start the single authorization
	// request for this device and connection.
	Dispatch bool
}

// Authorize checks the cached outcome of key for conn. When it is Unknown,
// req is queued and the first request of conn for the device asks the
// caller to dispatch.
func (c *Cache) Authorize(key Key, conn string, req Request) (Decision, error) {
	if err := c.track(conn, key.String()); err != nil {
		return Decision{}, err
	}
	e := c.GetOrCreate(key)
	defer e.Unlock()

	if o, reason := e.Check(conn, c.now(), c.cfg.TTL); o != Unknown {
		return Decision{Outcome: o, Reason: reason}, nil
	}
	return Decision{Outcome: Unknown, Dispatch: e.RecordPending(conn, req)}, nil
}

// Result is the resolution of the requests a connection queued for a device.
type Result struct {
	Outcome  Outcome
	Reason   string
	Requests []Request
}

// Complete records the outcome for key and returns the requests conn queued
// for it, oldest first. Requests queued before the device was deleted are
// resolved as Denied and the outcome is not cached.
func (c *Cache) Complete(key Key, conn string, o Outcome, reason string) Result {
	e := c.GetOrCreate(key)
	defer e.Unlock()
	if _, ok := e.revoked[conn]; ok {
		o, reason = Denied, "device deleted"
	} else {
		e.RecordOutcome(o, reason, c.now())
	}
	reqs := e.TakePending(conn)
	c.logger.Debug("device_auth_complete",
		slog.String("device", key.String()),
		slog.String("conn", conn),
		slog.String("outcome", o.String()),
		slog.Int("requests", len(reqs)))
	return Result{Outcome: o, Reason: reason, Requests: reqs}
}

// Check returns the cached outcome of key without queueing anything.
func (c *Cache) Check(key Key, conn string) (Outcome, string) {
	e := c.Lookup(key)
	if e == nil {
		return Unknown, ""
	}
	defer e.Unlock()
	return e.Check(conn, c.now(), c.cfg.TTL)
}

// Delete drops the entry of a deleted device. It reports whether the entry
// existed. An entry with queued requests stays until they are completed:
// its cached outcome is cleared and those requests will be denied.
func (c *Cache) Delete(key Key) bool {
	k := key.String()
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[k]
	if !ok {
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.pending) == 0 {
		delete(c.entries, k)
		return true
	}
	e.done, e.outcome, e.reason = false, Unknown, ""
	if e.revoked == nil {
		e.revoked = make(map[string]struct{}, len(e.pending))
	}
	for conn := range e.pending {
		e.revoked[conn] = struct{}{}
	}
	return true
}

// Release drops everything conn holds: its queued requests and its device
// count. Queued requests are discarded.
func (c *Cache) Release(conn string) int {
	c.mu.Lock()
	keys := c.conns[conn]
	delete(c.conns, conn)
	entries := make([]*Entry, 0, len(keys))
	for k := range keys {
		if e, ok := c.entries[k]; ok {
			entries = append(entries, e)
		}
	}
	c.mu.Unlock()

	dropped := 0
	for _, e := range entries {
		e.mu.Lock()
		dropped += len(e.TakePending(conn))
		e.mu.Unlock()
	}
	return dropped
}

// Devices returns the number of devices conn has referenced.
func (c *Cache) Devices(conn string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.conns[conn])
}

// Len returns the number of cached entries.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func (c *Cache) track(conn, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	set, ok := c.conns[conn]
	if !ok {
		set = make(map[string]struct{})
		c.conns[conn] = set
	}
	if _, ok := set[key]; ok {
		return nil
	}
	if c.cfg.MaxDevices > 0 && len(set) >= c.cfg.MaxDevices {
		return ErrTooManyDevices
	}
	set[key] = struct{}{}
	return nil
}

// Sweep removes resolved entries older than the TTL that nothing waits on.
func (c *Cache) Sweep() int {
	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()
	removed := 0
	for k, e := range c.entries {
		e.mu.Lock()
		stale := len(e.pending) == 0 && (!e.done || now.Sub(e.checked) >= c.cfg.TTL)
		e.mu.Unlock()
		if stale {
			delete(c.entries, k)
			removed++
		}
	}
	return removed
}

// Run sweeps the cache until ctx is done.
func (c *Cache) Run(ctx context.Context) {
	interval := c.cfg.CleanupInterval
	if interval <= 0 {
		interval = DefaultConfig().CleanupInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if n := c.Sweep(); n > 0 {
				c.logger.Debug("device_cache_swept", slog.Int("removed", n))
			}
		case <-ctx.Done():
			return
		}
	}
}
