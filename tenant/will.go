// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package tenant

import (
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

// WillPolicy decides what happens to a will message whose topic fails the
// session's rules. Unset is distinct from Allow: an unset tenant policy
// falls back to the global policy.
type WillPolicy int

const (
	WillUnset WillPolicy = iota
	// WillAllow keeps the will without checking its topic.
	WillAllow
	// WillRemove drops an invalid will and accepts the connection.
	WillRemove
	// WillReject refuses the connection.
	WillReject
)

var willNames = map[string]WillPolicy{
	"":       WillUnset,
	"unset":  WillUnset,
	"allow":  WillAllow,
	"remove": WillRemove,
	"reject": WillReject,
}

// ParseWillPolicy parses a policy name.
func ParseWillPolicy(s string) (WillPolicy, error) {
	p, ok := willNames[strings.ToLower(strings.TrimSpace(s))]
	if !ok {
		return WillUnset, fmt.Errorf("unknown will policy %q", s)
	}
	return p, nil
}

func (p WillPolicy) String() string {
	switch p {
	case WillAllow:
		return "allow"
	case WillRemove:
		return "remove"
	case WillReject:
		return "reject"
	default:
		return "unset"
	}
}

// Resolve returns the effective policy: p when set, else global when set,
// else WillReject.
func (p WillPolicy) Resolve(global WillPolicy) WillPolicy {
	if p != WillUnset {
		return p
	}
	if global != WillUnset {
		return global
	}
	return WillReject
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (p *WillPolicy) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}
	v, err := ParseWillPolicy(s)
	if err != nil {
		return err
	}
	*p = v
	return nil
}

// MarshalYAML implements yaml.Marshaler. Unset is written as an empty string.
func (p WillPolicy) MarshalYAML() (any, error) {
	if p == WillUnset {
		return "", nil
	}
	return p.String(), nil
}
