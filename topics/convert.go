// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package topics

import (
	"fmt"
	"strings"
)

// Direction selects publish or subscribe rules.
type Direction int

const (
	Publish Direction = iota
	Subscribe
)

func (d Direction) String() string {
	if d == Subscribe {
		return "subscribe"
	}
	return "publish"
}

// RuleSetConfig is the configuration of one client class in a topic rule set.
type RuleSetConfig struct {
	Publish   []string `yaml:"publish"`
	Subscribe []string `yaml:"subscribe"`
	Convert   string   `yaml:"convert"`
	NoHash    bool     `yaml:"nohash"`
}

// RuleSet holds the compiled rules of one client class.
type RuleSet struct {
	Publish   []*Rule
	Subscribe []*Rule
	Convert   *Rule
	NoHash    bool
}

// TopicRules is a named set of per class topic rules.
type TopicRules struct {
	Name    string
	classes map[byte]*RuleSet
}

// NewTopicRules compiles a topic rule set. Keys are a class letter or "default".
func NewTopicRules(name string, cfg map[string]RuleSetConfig) (*TopicRules, error) {
	tr := &TopicRules{Name: name, classes: make(map[byte]*RuleSet, len(cfg))}
	for key, c := range cfg {
		class, err := classKey(key)
		if err != nil {
			return nil, fmt.Errorf("topic rule %s: %w", name, err)
		}
		rs := &RuleSet{NoHash: c.NoHash}
		if rs.Publish, err = compileAll(c.Publish); err != nil {
			return nil, fmt.Errorf("topic rule %s/%s publish: %w", name, key, err)
		}
		if rs.Subscribe, err = compileAll(c.Subscribe); err != nil {
			return nil, fmt.Errorf("topic rule %s/%s subscribe: %w", name, key, err)
		}
		if c.Convert != "" {
			if rs.Convert, err = CompileRule(c.Convert, ConvertRule); err != nil {
				return nil, fmt.Errorf("topic rule %s/%s convert: %w", name, key, err)
			}
		}
		tr.classes[class] = rs
	}
	return tr, nil
}

func compileAll(srcs []string) ([]*Rule, error) {
	rules := make([]*Rule, 0, len(srcs))
	for _, src := range srcs {
		r, err := CompileRule(src, TopicRule)
		if err != nil {
			return nil, err
		}
		rules = append(rules, r)
	}
	return rules, nil
}

// For returns the rules for class, the default rules, or nil.
func (tr *TopicRules) For(class byte) *RuleSet {
	if tr == nil {
		return nil
	}
	if rs, ok := tr.classes[class]; ok {
		return rs
	}
	return tr.classes[defaultClass]
}

// Scope is what a connection brings to topic conversion.
type Scope struct {
	Identity
	AllowSys    bool
	AllowShared bool
	Masks       []string
}

func (s *Scope) hasMask(m string) bool {
	for _, x := range s.Masks {
		if x == m {
			return true
		}
	}
	return false
}

// ConvertTopic validates a client topic or filter and rewrites it to the
// backend canonical form. A nil rule set accepts every valid topic unchanged.
func (tr *TopicRules) ConvertTopic(sc *Scope, topic string, dir Direction) (string, error) {
	if err := Check(topic, dir == Subscribe); err != nil {
		return "", err
	}
	if topic[0] == '$' {
		return tr.convertDollar(sc, topic, dir)
	}
	out, err := tr.convertPlain(sc, topic, dir)
	if err != nil {
		return "", err
	}
	if dir == Subscribe && sc.Class == ClassScaleOutApp && tr.For(sc.Class) != nil {
		return legacySharePrefix + LegacyShareName(sc.Org, sc.ID, topic) + "/" + out, nil
	}
	return out, nil
}

func (tr *TopicRules) convertDollar(sc *Scope, topic string, dir Direction) (string, error) {
	if IsSys(topic) {
		if !sc.AllowSys {
			return "", ErrSysNotAllowed
		}
		return topic, nil
	}
	if !IsShared(topic) {
		return "", ErrBadSysTopic
	}
	if dir == Publish {
		return "", ErrBadTopic
	}
	name, filter, ok := ParseShared(topic)
	if !ok || name == "" || filter == "" || filter[0] == '$' {
		return "", ErrBadTopic
	}
	if !sc.AllowShared {
		return "", ErrSharedDenied
	}
	out, err := tr.convertPlain(sc, filter, Subscribe)
	if err != nil {
		return "", err
	}
	if sc.Org == "" {
		return legacySharePrefix + name + "/" + out, nil
	}
	return SharedFilter(sc.Org, name, out), nil
}

func (tr *TopicRules) convertPlain(sc *Scope, topic string, dir Direction) (string, error) {
	rs := tr.For(sc.Class)
	if rs == nil {
		return topic, nil
	}
	if dir == Subscribe && rs.NoHash && strings.Contains(topic, "#") {
		return "", ErrNotAuthorized
	}

	rules := rs.Publish
	if dir == Subscribe {
		rules = rs.Subscribe
	}
	matched := false
	for _, r := range rules {
		if r.AuthMask != "" && !sc.hasMask(r.AuthMask) {
			continue
		}
		if r.Match(topic, &sc.Identity) {
			matched = true
			break
		}
	}
	if !matched {
		return "", ErrNotAuthorized
	}

	if own, ok := gatewayOwnTopic(&sc.Identity, topic); ok {
		return own, nil
	}
	if rs.Convert == nil {
		return topic, nil
	}
	return insert(rs.Convert, &sc.Identity, topic)
}

// ConvertTopicOut rewrites a backend canonical topic to the form the client
// subscribed with. It is the inverse of ConvertTopic for plain topics.
func (tr *TopicRules) ConvertTopicOut(id *Identity, topic string) (string, error) {
	if topic == "" || IsSys(topic) {
		return topic, nil
	}
	rs := tr.For(id.Class)
	if rs == nil {
		return topic, nil
	}
	if id.Class == ClassGateway {
		if prefix, ok := gatewayOwnPrefix(id); ok && strings.HasPrefix(topic, prefix) {
			return dmPrefix + topic[len(prefix):], nil
		}
	}
	if rs.Convert == nil {
		return topic, nil
	}
	tmpl, ok := rs.Convert.Expand(id)
	if !ok {
		return "", ErrNotAuthorized
	}
	pos, ok := levelOffset(topic, rs.Convert.After)
	if !ok || !strings.HasPrefix(topic[pos:], tmpl) {
		return "", ErrNotAuthorized
	}
	return topic[:pos] + topic[pos+len(tmpl):], nil
}

func insert(conv *Rule, id *Identity, topic string) (string, error) {
	tmpl, ok := conv.Expand(id)
	if !ok {
		return "", ErrNotAuthorized
	}
	pos, ok := levelOffset(topic, conv.After)
	if !ok {
		return "", ErrBadTopic
	}
	return topic[:pos] + tmpl + topic[pos:], nil
}

// levelOffset returns the byte offset just past the first n levels.
func levelOffset(topic string, n int) (int, bool) {
	pos := 0
	for i := 0; i < n; i++ {
		j := strings.IndexByte(topic[pos:], '/')
		if j < 0 {
			return 0, false
		}
		pos += j + 1
	}
	return pos, true
}

const (
	dmPrefix     = "iotdm-1/"
	dmTypePrefix = "iotdm-1/type/"
)

// gatewayOwnTopic expands the short device management topics a gateway uses
// for itself into its fully qualified device path.
func gatewayOwnTopic(id *Identity, topic string) (string, bool) {
	if id.Class != ClassGateway || !strings.HasPrefix(topic, dmPrefix) || strings.HasPrefix(topic, dmTypePrefix) {
		return "", false
	}
	prefix, ok := gatewayOwnPrefix(id)
	if !ok {
		return "", false
	}
	return prefix + topic[len(dmPrefix):], true
}

func gatewayOwnPrefix(id *Identity) (string, bool) {
	if id.Org == "" || id.Type == "" || id.ID == "" {
		return "", false
	}
	return dmPrefix + id.Org + "/type/" + id.Type + "/id/" + id.ID + "/", true
}

// DeviceRef extracts the device a gateway addresses in a client topic of the
// form iot-2/type/T/id/D/... or iotdm-1/type/T/id/D/...
func DeviceRef(topic string) (devType, devID string, ok bool) {
	var rest string
	switch {
	case strings.HasPrefix(topic, "iot-2/type/"):
		rest = topic[len("iot-2/type/"):]
	case strings.HasPrefix(topic, dmTypePrefix):
		rest = topic[len(dmTypePrefix):]
	default:
		return "", "", false
	}
	parts := strings.SplitN(rest, "/", 4)
	if len(parts) < 3 || parts[1] != "id" || parts[0] == "" || parts[2] == "" {
		return "", "", false
	}
	if strings.ContainsAny(parts[0]+parts[2], "+#") {
		return "", "", false
	}
	return parts[0], parts[2], true
}

// DefaultTopicRules returns the built-in iot2 topic rule set.
func DefaultTopicRules() map[string]RuleSetConfig {
	app := RuleSetConfig{
		Publish: []string{
			"iot-2/type/~/id/~/evt/~/fmt/~",
			"iot-2/type/~/id/~/cmd/~/fmt/~",
		},
		Subscribe: []string{
			"iot-2/type/+/id/+/evt/+/fmt/+",
			"iot-2/type/+/id/+/cmd/+/fmt/+",
			"iot-2/type/+/id/+/mon",
			"iot-2/app/+/mon",
		},
		Convert: "1,{org}/",
	}
	return map[string]RuleSetConfig{
		"d": {
			Publish:   []string{"iot-2/evt/~/fmt/~", "iotdm-1/*"},
			Subscribe: []string{"iot-2/cmd/+/fmt/+", "iotdm-1/*"},
			Convert:   "1,{org}/type/{type}/id/{id}/",
		},
		"g": {
			Publish:   []string{"iot-2/type/~/id/~/evt/~/fmt/~", "iotdm-1/*"},
			Subscribe: []string{"iot-2/type/+/id/+/cmd/+/fmt/+", "iotdm-1/*"},
			Convert:   "1,{org}/",
		},
		"a": app,
		"A": app,
		"c": {
			Subscribe: []string{"iot-2/type/+/id/+/evt/+/fmt/+"},
			Convert:   "1,{org}/",
			NoHash:    true,
		},
	}
}

// MustDefaultTopicRules compiles the built-in topic rules.
func MustDefaultTopicRules() *TopicRules {
	tr, err := NewTopicRules(defaultClassRuleSet, DefaultTopicRules())
	if err != nil {
		panic(err)
	}
	return tr
}
