// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package topics

import (
	"errors"
	"fmt"
	"sort"
)

// ErrBadClientID is returned when no class rule accepts a client identifier.
var ErrBadClientID = errors.New("client identifier does not match a client class")

// Client classes of the built-in rule sets.
const (
	ClassDevice         byte = 'd'
	ClassGateway        byte = 'g'
	ClassApp            byte = 'a'
	ClassScaleOutApp    byte = 'A'
	ClassConnector      byte = 'c'
	defaultClassKey          = "default"
	defaultClass        byte = 0
	defaultClassRuleSet      = "iot2"
)

// ClassRules classifies client identifiers.
type ClassRules struct {
	Name  string
	rules map[byte][]*Rule
}

// NewClassRules compiles class rules keyed by a single class letter or
// "default".
func NewClassRules(name string, cfg map[string][]string) (*ClassRules, error) {
	cr := &ClassRules{Name: name, rules: make(map[byte][]*Rule, len(cfg))}
	for key, srcs := range cfg {
		class, err := classKey(key)
		if err != nil {
			return nil, fmt.Errorf("client class %s: %w", name, err)
		}
		for _, src := range srcs {
			r, err := CompileRule(src, ClassRule)
			if err != nil {
				return nil, fmt.Errorf("client class %s/%s: %w", name, key, err)
			}
			cr.rules[class] = append(cr.rules[class], r)
		}
	}
	return cr, nil
}

func classKey(key string) (byte, error) {
	if key == defaultClassKey {
		return defaultClass, nil
	}
	if len(key) != 1 {
		return 0, fmt.Errorf("%w: class key %q", ErrRuleSyntax, key)
	}
	return key[0], nil
}

// Classes returns the configured class letters in order.
func (cr *ClassRules) Classes() []byte {
	out := make([]byte, 0, len(cr.rules))
	for c := range cr.rules {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Match classifies clientID. The class letter is taken from the first byte
// of the identifier; identifiers whose letter has no rules fall back to the
// default rules.
func (cr *ClassRules) Match(clientID string) (Identity, error) {
	if clientID == "" {
		return Identity{}, ErrBadClientID
	}
	class := clientID[0]
	rules, ok := cr.rules[class]
	if !ok {
		class = defaultClass
		rules = cr.rules[defaultClass]
	}
	for _, r := range rules {
		id := Identity{Class: class}
		if r.Capture(clientID, &id) {
			id.UserScoped = r.After == 1
			return id, nil
		}
	}
	return Identity{}, ErrBadClientID
}

// DefaultClassRules returns the built-in iot2 client classes.
func DefaultClassRules() map[string][]string {
	return map[string][]string{
		"d": {"d:{org}:{type}:{id}"},
		"g": {"g:{org}:{type}:{id}"},
		"a": {"1,a:{org}:{id}"},
		"A": {"A:{org}:{id}", "A:{org}:{id}:{type}"},
		"c": {"c:{org}:{id}"},
	}
}

// MustDefaultClassRules compiles the built-in client classes.
func MustDefaultClassRules() *ClassRules {
	cr, err := NewClassRules(defaultClassRuleSet, DefaultClassRules())
	if err != nil {
		panic(err)
	}
	return cr
}
