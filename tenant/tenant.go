// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package tenant holds per organization policy and the compiled rules the
// proxy applies to the tenant's connections.
package tenant

import (
	"errors"
	"fmt"
	"regexp"
	"sort"
	"sync"

	"github.com/absmach/mqproxy/topics"
)

// Errors returned by the store.
var (
	ErrNotFound      = errors.New("tenant not found")
	ErrUnknownRules  = errors.New("unknown rule set")
	ErrInvalidConfig = errors.New("invalid tenant configuration")
)

// Quickstart is the organization that connects without credentials.
const Quickstart = "quickstart"

// FairUse limits the publish rate of each client of a tenant.
type FairUse struct {
	Rate  float64 `yaml:"rate"`
	Burst int     `yaml:"burst"`
}

// Config is the configured policy of one organization.
type Config struct {
	Name string `yaml:"name"`
	// Enabled defaults to true when omitted.
	Enabled *bool `yaml:"enabled,omitempty"`

	RequireSecure      bool `yaml:"require_secure"`
	RequireCertificate bool `yaml:"require_certificate"`
	RequireUser        bool `yaml:"require_user"`
	// CheckUser authenticates connections that present a user name.
	CheckUser bool `yaml:"check_user"`
	// UserIsClientID requires the user name to equal the client identifier.
	UserIsClientID bool `yaml:"user_is_client_id"`
	// RemoveUser strips the user name and password from the backend CONNECT.
	RemoveUser     bool `yaml:"remove_user"`
	AllowAnonymous bool `yaml:"allow_anonymous"`
	AllowDurable   bool `yaml:"allow_durable"`
	AllowRetain    bool `yaml:"allow_retain"`
	AllowShared    bool `yaml:"allow_shared"`
	AllowSysTopic  bool `yaml:"allow_sys_topic"`
	// AutoRegister lets gateways register unknown devices.
	AutoRegister bool `yaml:"auto_register"`

	MaxQoS           int    `yaml:"max_qos"`
	MaxConnections   int    `yaml:"max_connections"`
	MaxMessageSize   int    `yaml:"max_message_size"`
	MaxSessionExpiry uint32 `yaml:"max_session_expiry"`
	MaxKeepAlive     uint16 `yaml:"max_keepalive"`
	ExpectedMsgRate  uint16 `yaml:"expected_msg_rate"`

	WillPolicy WillPolicy `yaml:"will_policy"`
	FairUse    FairUse    `yaml:"fair_use"`

	ClientIDPattern   string `yaml:"client_id_pattern"`
	DeviceIDPattern   string `yaml:"device_id_pattern"`
	DeviceTypePattern string `yaml:"device_type_pattern"`

	TopicRules    string `yaml:"topic_rules"`
	ClientClasses string `yaml:"client_classes"`
}

// Tenant is a compiled, read-only tenant.
type Tenant struct {
	Config

	Topics  *topics.TopicRules
	Classes *topics.ClassRules

	clientID   *regexp.Regexp
	deviceID   *regexp.Regexp
	deviceType *regexp.Regexp
}

// IsEnabled reports whether connections for the tenant are accepted.
func (t *Tenant) IsEnabled() bool {
	return t.Enabled == nil || *t.Enabled
}

// IsQuickstart reports whether the tenant accepts unauthenticated clients
// under the quickstart rules.
func (t *Tenant) IsQuickstart() bool {
	return t.Name == Quickstart
}

// MatchClientID checks the client identifier against the tenant pattern.
func (t *Tenant) MatchClientID(id string) bool {
	return t.clientID == nil || t.clientID.MatchString(id)
}

// MatchDevice checks a device type and identifier against the tenant
// patterns.
func (t *Tenant) MatchDevice(devType, devID string) bool {
	if t.deviceType != nil && !t.deviceType.MatchString(devType) {
		return false
	}
	return t.deviceID == nil || t.deviceID.MatchString(devID)
}

// QoSLimit returns the highest QoS the tenant accepts.
func (t *Tenant) QoSLimit() byte {
	if t.MaxQoS < 0 || t.MaxQoS > 2 {
		return 2
	}
	return byte(t.MaxQoS)
}

// Rules is the set of named topic rule sets and client class sets.
type Rules struct {
	Topics  map[string]map[string]topics.RuleSetConfig `yaml:"topic_rules"`
	Classes map[string]map[string][]string             `yaml:"client_classes"`
}

// Store resolves tenants by organization name.
type Store struct {
	mu      sync.RWMutex
	tenants map[string]*Tenant
	topics  map[string]*topics.TopicRules
	classes map[string]*topics.ClassRules
	will    WillPolicy
}

// NewStore compiles rules and tenants. The built-in iot2 rule and class sets
// are always available and may be overridden by name.
func NewStore(rules Rules, tenants []Config, will WillPolicy) (*Store, error) {
	s := &Store{
		tenants: make(map[string]*Tenant, len(tenants)),
		topics:  map[string]*topics.TopicRules{"iot2": topics.MustDefaultTopicRules()},
		classes: map[string]*topics.ClassRules{"iot2": topics.MustDefaultClassRules()},
		will:    will,
	}
	for name, cfg := range rules.Topics {
		tr, err := topics.NewTopicRules(name, cfg)
		if err != nil {
			return nil, err
		}
		s.topics[name] = tr
	}
	for name, cfg := range rules.Classes {
		cr, err := topics.NewClassRules(name, cfg)
		if err != nil {
			return nil, err
		}
		s.classes[name] = cr
	}
	for _, cfg := range tenants {
		if err := s.Put(cfg); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Put compiles cfg and adds or replaces the tenant.
func (s *Store) Put(cfg Config) error {
	if cfg.Name == "" {
		return fmt.Errorf("%w: tenant name cannot be empty", ErrInvalidConfig)
	}
	t := &Tenant{Config: cfg}
	var err error
	if t.clientID, err = compilePattern(cfg.Name, "client_id_pattern", cfg.ClientIDPattern); err != nil {
		return err
	}
	if t.deviceID, err = compilePattern(cfg.Name, "device_id_pattern", cfg.DeviceIDPattern); err != nil {
		return err
	}
	if t.deviceType, err = compilePattern(cfg.Name, "device_type_pattern", cfg.DeviceTypePattern); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if cfg.TopicRules != "" {
		if t.Topics = s.topics[cfg.TopicRules]; t.Topics == nil {
			return fmt.Errorf("%w: tenant %s topic_rules %q", ErrUnknownRules, cfg.Name, cfg.TopicRules)
		}
	}
	if cfg.ClientClasses != "" {
		if t.Classes = s.classes[cfg.ClientClasses]; t.Classes == nil {
			return fmt.Errorf("%w: tenant %s client_classes %q", ErrUnknownRules, cfg.Name, cfg.ClientClasses)
		}
	}
	s.tenants[cfg.Name] = t
	return nil
}

func compilePattern(tenant, key, expr string) (*regexp.Regexp, error) {
	if expr == "" {
		return nil, nil
	}
	re, err := regexp.Compile(expr)
	if err != nil {
		return nil, fmt.Errorf("%w: tenant %s %s: %w", ErrInvalidConfig, tenant, key, err)
	}
	return re, nil
}

// Get returns the tenant for org.
func (s *Store) Get(org string) (*Tenant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tenants[org]
	if !ok {
		return nil, ErrNotFound
	}
	return t, nil
}

// Delete removes a tenant.
func (s *Store) Delete(org string) {
	s.mu.Lock()
	delete(s.tenants, org)
	s.mu.Unlock()
}

// Names returns the configured organizations in order.
func (s *Store) Names() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.tenants))
	for n := range s.tenants {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// ClassRules returns a named client class set.
func (s *Store) ClassRules(name string) (*topics.ClassRules, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cr, ok := s.classes[name]
	if !ok {
		return nil, fmt.Errorf("%w: client_classes %q", ErrUnknownRules, name)
	}
	return cr, nil
}

// TopicRules returns a named topic rule set.
func (s *Store) TopicRules(name string) (*topics.TopicRules, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	tr, ok := s.topics[name]
	if !ok {
		return nil, fmt.Errorf("%w: topic_rules %q", ErrUnknownRules, name)
	}
	return tr, nil
}

// WillPolicy returns the effective will policy for t.
func (s *Store) WillPolicy(t *Tenant) WillPolicy {
	if t == nil {
		return WillUnset.Resolve(s.will)
	}
	return t.WillPolicy.Resolve(s.will)
}
