// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package proxy

import "sync/atomic"

// Stats holds process wide proxy counters.
type Stats struct {
	connections      atomic.Int64
	totalConnections atomic.Uint64
	connectFailures  atomic.Uint64
	authPending      atomic.Int64
	devicePending    atomic.Int64
	publishIn        atomic.Uint64
	publishOut       atomic.Uint64
	routed           atomic.Uint64
	rejected         atomic.Uint64
	lost             atomic.Uint64
	takeovers        atomic.Uint64
}

// StatsSnapshot is a point in time copy of Stats.
type StatsSnapshot struct {
	Connections      int64  `json:"connections"`
	TotalConnections uint64 `json:"total_connections"`
	ConnectFailures  uint64 `json:"connect_failures"`
	AuthPending      int64  `json:"auth_pending"`
	DevicePending    int64  `json:"device_pending"`
	PublishIn        uint64 `json:"publish_in"`
	PublishOut       uint64 `json:"publish_out"`
	Routed           uint64 `json:"routed"`
	Rejected         uint64 `json:"rejected"`
	Lost             uint64 `json:"lost"`
	Takeovers        uint64 `json:"takeovers"`
}

// Snapshot returns the current counters.
func (s *Stats) Snapshot() StatsSnapshot {
	return StatsSnapshot{
		Connections:      s.connections.Load(),
		TotalConnections: s.totalConnections.Load(),
		ConnectFailures:  s.connectFailures.Load(),
		AuthPending:      s.authPending.Load(),
		DevicePending:    s.devicePending.Load(),
		PublishIn:        s.publishIn.Load(),
		PublishOut:       s.publishOut.Load(),
		Routed:           s.routed.Load(),
		Rejected:         s.rejected.Load(),
		Lost:             s.lost.Load(),
		Takeovers:        s.takeovers.Load(),
	}
}
