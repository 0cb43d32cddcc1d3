// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package router forwards client publications to HTTP endpoints outside the
// backend broker.
package router

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/absmach/mqproxy/topics"
	"github.com/google/uuid"
	"github.com/sony/gobreaker"
)

// ErrNilSender is returned when the router has no sender.
var ErrNilSender = errors.New("sender cannot be nil")

// Config holds message routing configuration.
type Config struct {
	Enabled         bool          `yaml:"enabled"`
	QueueSize       int           `yaml:"queue_size"`
	DropPolicy      string        `yaml:"drop_policy"` // "oldest" or "newest"
	Workers         int           `yaml:"workers"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	Defaults        Defaults      `yaml:"defaults"`
	Endpoints       []Endpoint    `yaml:"endpoints"`
}

// Defaults holds default settings for endpoints.
type Defaults struct {
	Timeout        time.Duration        `yaml:"timeout"`
	Retry          RetryConfig          `yaml:"retry"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
}

// RetryConfig holds retry configuration for delivery.
type RetryConfig struct {
	MaxAttempts     int           `yaml:"max_attempts"`
	InitialInterval time.Duration `yaml:"initial_interval"`
	MaxInterval     time.Duration `yaml:"max_interval"`
	Multiplier      float64       `yaml:"multiplier"`
}

// CircuitBreakerConfig holds circuit breaker configuration.
type CircuitBreakerConfig struct {
	FailureThreshold int           `yaml:"failure_threshold"`
	ResetTimeout     time.Duration `yaml:"reset_timeout"`
}

// Endpoint is one routing destination.
type Endpoint struct {
	Name string `yaml:"name"`
	URL  string `yaml:"url"`
	// Orgs restricts the endpoint to some organizations (empty = all).
	Orgs []string `yaml:"orgs"`
	// TopicFilters match canonical topics (empty = all).
	TopicFilters []string          `yaml:"topic_filters"`
	Headers      map[string]string `yaml:"headers"`
	Gzip         bool              `yaml:"gzip"`
	// Exclusive messages are not forwarded to the backend.
	Exclusive bool          `yaml:"exclusive"`
	Timeout   time.Duration `yaml:"timeout,omitempty"`
	Retry     *RetryConfig  `yaml:"retry,omitempty"`
}

// DefaultConfig returns the default routing settings.
func DefaultConfig() Config {
	return Config{
		Enabled:         false,
		QueueSize:       10000,
		DropPolicy:      "oldest",
		Workers:         5,
		ShutdownTimeout: 30 * time.Second,
		Defaults: Defaults{
			Timeout: 5 * time.Second,
			Retry: RetryConfig{
				MaxAttempts:     3,
				InitialInterval: time.Second,
				MaxInterval:     30 * time.Second,
				Multiplier:      2.0,
			},
			CircuitBreaker: CircuitBreakerConfig{
				FailureThreshold: 5,
				ResetTimeout:     60 * time.Second,
			},
		},
	}
}

// Message is a publication accepted from a client.
type Message struct {
	Org      string
	ClientID string
	Topic    string
	QoS      byte
	Retain   bool
	Payload  []byte
}

type envelope struct {
	ID        string    `json:"id"`
	Type      string    `json:"type"`
	ProxyID   string    `json:"proxy_id"`
	Timestamp time.Time `json:"timestamp"`
	Org       string    `json:"org"`
	ClientID  string    `json:"client_id"`
	Topic     string    `json:"topic"`
	QoS       byte      `json:"qos"`
	Retain    bool      `json:"retain,omitempty"`
	Payload   []byte    `json:"payload,omitempty"`
}

// Sender delivers a payload to an endpoint.
type Sender interface {
	Send(ctx context.Context, url string, headers map[string]string, payload []byte, gzip bool) error
}

type endpoint struct {
	name      string
	url       string
	orgs      map[string]bool
	filters   []string
	headers   map[string]string
	gzip      bool
	exclusive bool
	timeout   time.Duration
	retry     RetryConfig
}

type job struct {
	env      envelope
	endpoint *endpoint
	attempt  int
}

// Router routes messages to endpoints with a worker pool and a circuit
// breaker per endpoint.
type Router struct {
	cfg       Config
	proxyID   string
	endpoints []*endpoint
	queue     chan job
	breakers  map[string]*gobreaker.CircuitBreaker
	sender    Sender
	logger    *slog.Logger
	wg        sync.WaitGroup
	ctx       context.Context
	cancel    context.CancelFunc

	routed    atomic.Uint64
	dropped   atomic.Uint64
	delivered atomic.Uint64
	failed    atomic.Uint64
}

// New creates a router and starts its workers.
func New(cfg Config, proxyID string, sender Sender, logger *slog.Logger) (*Router, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if sender == nil {
		return nil, ErrNilSender
	}
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	if cfg.QueueSize < 1 {
		cfg.QueueSize = 1
	}

	ctx, cancel := context.WithCancel(context.Background())

	endpoints := make([]*endpoint, 0, len(cfg.Endpoints))
	breakers := make(map[string]*gobreaker.CircuitBreaker, len(cfg.Endpoints))
	threshold := uint32(max(cfg.Defaults.CircuitBreaker.FailureThreshold, 1))
	for _, ep := range cfg.Endpoints {
		e := &endpoint{
			name:      ep.Name,
			url:       ep.URL,
			filters:   ep.TopicFilters,
			headers:   ep.Headers,
			gzip:      ep.Gzip,
			exclusive: ep.Exclusive,
			timeout:   cfg.Defaults.Timeout,
			retry:     cfg.Defaults.Retry,
		}
		if ep.Timeout > 0 {
			e.timeout = ep.Timeout
		}
		if ep.Retry != nil {
			e.retry = *ep.Retry
		}
		if len(ep.Orgs) > 0 {
			e.orgs = make(map[string]bool, len(ep.Orgs))
			for _, o := range ep.Orgs {
				e.orgs[o] = true
			}
		}
		endpoints = append(endpoints, e)

		breakers[ep.Name] = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        ep.Name,
			MaxRequests: 1,
			Timeout:     cfg.Defaults.CircuitBreaker.ResetTimeout,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= threshold
			},
			OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
				logger.Warn("router_breaker_state_changed",
					slog.String("endpoint", name),
					slog.String("from", from.String()),
					slog.String("to", to.String()))
			},
		})
	}

	r := &Router{
		cfg:       cfg,
		proxyID:   proxyID,
		endpoints: endpoints,
		queue:     make(chan job, cfg.QueueSize),
		breakers:  breakers,
		sender:    sender,
		logger:    logger,
		ctx:       ctx,
		cancel:    cancel,
	}

	for i := 0; i < cfg.Workers; i++ {
		r.wg.Add(1)
		go r.worker()
	}

	logger.Info("router_started",
		slog.Int("workers", cfg.Workers),
		slog.Int("queue_size", cfg.QueueSize),
		slog.Int("endpoints", len(endpoints)))

	return r, nil
}

// RouteMessage queues msg for every matching endpoint. It reports whether
// the message must also go to the backend, which is false when an
// exclusive endpoint took it.
func (r *Router) RouteMessage(msg Message) bool {
	toBackend := true
	var env *envelope
	for _, ep := range r.endpoints {
		if !ep.matches(msg) {
			continue
		}
		if ep.exclusive {
			toBackend = false
		}
		if env == nil {
			env = &envelope{
				ID:        uuid.NewString(),
				Type:      "message.published",
				ProxyID:   r.proxyID,
				Timestamp: time.Now().UTC(),
				Org:       msg.Org,
				ClientID:  msg.ClientID,
				Topic:     msg.Topic,
				QoS:       msg.QoS,
				Retain:    msg.Retain,
				Payload:   bytes.Clone(msg.Payload),
			}
		}
		r.routed.Add(1)
		r.enqueue(job{env: *env, endpoint: ep})
	}
	return toBackend
}

func (ep *endpoint) matches(msg Message) bool {
	if ep.orgs != nil && !ep.orgs[msg.Org] {
		return false
	}
	return len(ep.filters) == 0 || topics.MatchAny(ep.filters, msg.Topic)
}

func (r *Router) enqueue(j job) {
	select {
	case r.queue <- j:
		return
	default:
	}
	if r.cfg.DropPolicy == "oldest" {
		select {
		case <-r.queue:
			r.dropped.Add(1)
		default:
		}
		select {
		case r.queue <- j:
			return
		default:
		}
	}
	r.dropped.Add(1)
	r.logger.Warn("router_queue_full",
		slog.String("endpoint", j.endpoint.name),
		slog.String("topic", topics.Sanitize(j.env.Topic)))
}

func (r *Router) worker() {
	defer r.wg.Done()

	for {
		select {
		case <-r.ctx.Done():
			return
		case j := <-r.queue:
			r.process(j)
		}
	}
}

func (r *Router) process(j job) {
	breaker := r.breakers[j.endpoint.name]
	_, err := breaker.Execute(func() (any, error) {
		return nil, r.send(j)
	})
	if err == nil {
		r.delivered.Add(1)
		return
	}

	if retryable(err) && j.attempt < j.endpoint.retry.MaxAttempts-1 {
		j.attempt++
		delay := retryDelay(j.attempt, j.endpoint.retry)
		r.logger.Debug("router_delivery_retry",
			slog.String("endpoint", j.endpoint.name),
			slog.Int("attempt", j.attempt),
			slog.Duration("retry_after", delay),
			slog.String("error", err.Error()))
		time.AfterFunc(delay, func() {
			if r.ctx.Err() != nil {
				return
			}
			r.enqueue(j)
		})
		return
	}

	r.failed.Add(1)
	r.logger.Error("router_delivery_failed",
		slog.String("endpoint", j.endpoint.name),
		slog.Int("attempts", j.attempt+1),
		slog.String("error", err.Error()))
}

func (r *Router) send(j job) error {
	payload, err := json.Marshal(j.env)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}
	ctx, cancel := context.WithTimeout(r.ctx, j.endpoint.timeout)
	defer cancel()
	return r.sender.Send(ctx, j.endpoint.url, j.endpoint.headers, payload, j.endpoint.gzip)
}

func retryDelay(attempt int, cfg RetryConfig) time.Duration {
	delay := float64(cfg.InitialInterval) * math.Pow(cfg.Multiplier, float64(attempt))
	if cfg.MaxInterval > 0 && delay > float64(cfg.MaxInterval) {
		delay = float64(cfg.MaxInterval)
	}
	return time.Duration(delay)
}

// Stats is a snapshot of router counters.
type Stats struct {
	Routed    uint64 `json:"routed"`
	Delivered uint64 `json:"delivered"`
	Failed    uint64 `json:"failed"`
	Dropped   uint64 `json:"dropped"`
	Queued    int    `json:"queued"`
}

// Stats returns the router counters.
func (r *Router) Stats() Stats {
	return Stats{
		Routed:    r.routed.Load(),
		Delivered: r.delivered.Load(),
		Failed:    r.failed.Load(),
		Dropped:   r.dropped.Load(),
		Queued:    len(r.queue),
	}
}

// Close stops the workers, waiting up to the shutdown timeout.
func (r *Router) Close() error {
	r.logger.Info("router_stopping")
	r.cancel()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	timeout := r.cfg.ShutdownTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	select {
	case <-done:
	case <-time.After(timeout):
		r.logger.Warn("router_shutdown_timeout", slog.Int("queue_depth", len(r.queue)))
	}
	return nil
}
