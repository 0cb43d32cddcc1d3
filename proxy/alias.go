// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package proxy

// aliases tracks the topic aliases of one session in both directions.
// Callers hold the session lock.
type aliases struct {
	// inMax is the highest alias the client may use.
	inMax uint16
	// outMax is the highest alias the client accepts from us.
	outMax   uint16
	inbound  map[uint16]string
	outbound map[string]uint16
	next     uint16
}

func newAliases(inMax, outMax uint16) *aliases {
	return &aliases{
		inMax:    inMax,
		outMax:   outMax,
		inbound:  make(map[uint16]string),
		outbound: make(map[string]uint16),
	}
}

// resolveInbound applies a client alias to topic. An empty topic is replaced
// with the topic previously bound to alias; a non-empty topic rebinds it.
func (a *aliases) resolveInbound(alias uint16, topic string) (string, bool) {
	if alias == 0 || alias > a.inMax {
		return "", false
	}
	if topic == "" {
		t, ok := a.inbound[alias]
		return t, ok
	}
	a.inbound[alias] = topic
	return topic, true
}

// outboundAlias returns the alias to send with topic and whether the client
// already knows it. Zero means no alias is used.
func (a *aliases) outboundAlias(topic string) (uint16, bool) {
	if a.outMax == 0 {
		return 0, false
	}
	if alias, ok := a.outbound[topic]; ok {
		return alias, true
	}
	if a.next >= a.outMax {
		return 0, false
	}
	a.next++
	a.outbound[topic] = a.next
	return a.next, false
}
