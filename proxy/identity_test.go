// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package proxy

import (
	"testing"

	"github.com/absmach/mqproxy/topics"
	"github.com/stretchr/testify/assert"
)

func TestMatchCert(t *testing.T) {
	dev := &topics.Identity{Class: topics.ClassDevice, Org: "org1", Type: "sensor", ID: "dev1"}
	app := &topics.Identity{Class: topics.ClassScaleOutApp, Org: "org1", ID: "app1"}

	cases := []struct {
		desc  string
		names []string
		id    *topics.Identity
		score int
		name  string
	}{
		{desc: "no names", id: dev, score: certNoMatch},
		{desc: "exact device", names: []string{"d:sensor:dev1"}, id: dev, score: certExact, name: "d:sensor:dev1"},
		{desc: "any device of type", names: []string{"d:sensor:"}, id: dev, score: certPartial, name: "d:sensor:"},
		{desc: "exact wins over partial", names: []string{"d:sensor:", "d:sensor:dev1"}, id: dev, score: certExact, name: "d:sensor:dev1"},
		{desc: "other type", names: []string{"d:meter:dev1"}, id: dev, score: certNoMatch},
		{desc: "gateway name for device", names: []string{"g:sensor:dev1"}, id: dev, score: certNoMatch},
		{desc: "application name", names: []string{"a:app1"}, id: app, score: certExact, name: "a:app1"},
		{desc: "scale-out application name", names: []string{"A:"}, id: app, score: certPartial, name: "A:"},
		{desc: "plain common name", names: []string{"host.example.com"}, id: app, score: certNoMatch},
	}

	for _, tc := range cases {
		t.Run(tc.desc, func(t *testing.T) {
			score, name := matchCert(tc.names, tc.id)
			assert.Equal(t, tc.score, score)
			assert.Equal(t, tc.name, name)
		})
	}
}

func TestClientIDFromCert(t *testing.T) {
	cases := []struct {
		desc       string
		names      []string
		serverName string
		want       string
		ok         bool
	}{
		{desc: "device", names: []string{"d:sensor:dev1"}, serverName: "org1.messaging.example.com", want: "d:org1:sensor:dev1", ok: true},
		{desc: "skips partial names", names: []string{"d:sensor:", "g:gw:gw1"}, serverName: "org1.example.com", want: "g:org1:gw:gw1", ok: true},
		{desc: "no server name", names: []string{"d:sensor:dev1"}},
		{desc: "application only", names: []string{"a:app1"}, serverName: "org1.example.com"},
	}

	for _, tc := range cases {
		t.Run(tc.desc, func(t *testing.T) {
			got, ok := clientIDFromCert(tc.names, tc.serverName)
			assert.Equal(t, tc.ok, ok)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestAliases(t *testing.T) {
	a := newAliases(2, 1)

	_, ok := a.resolveInbound(0, "x")
	assert.False(t, ok)
	_, ok = a.resolveInbound(3, "x")
	assert.False(t, ok)
	_, ok = a.resolveInbound(1, "")
	assert.False(t, ok, "unbound alias")

	topic, ok := a.resolveInbound(1, "a/b")
	assert.True(t, ok)
	assert.Equal(t, "a/b", topic)
	topic, ok = a.resolveInbound(1, "")
	assert.True(t, ok)
	assert.Equal(t, "a/b", topic)

	alias, known := a.outboundAlias("x/y")
	assert.Equal(t, uint16(1), alias)
	assert.False(t, known)
	alias, known = a.outboundAlias("x/y")
	assert.Equal(t, uint16(1), alias)
	assert.True(t, known)
	alias, _ = a.outboundAlias("x/z")
	assert.Equal(t, uint16(0), alias, "aliases exhausted")
}
