// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package proxy

// State is the connection state of a session.
type State int

const (
	// StateNotConnected is the state before CONNECT.
	StateNotConnected State = iota
	// StateInProgress covers authentication and the backend handshake.
	StateInProgress
	// StateConnected is entered when the backend accepts the session.
	StateConnected
	// StateStolen marks a session another connection took over.
	StateStolen
	// StateClosed is terminal.
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateNotConnected:
		return "not_connected"
	case StateInProgress:
		return "in_progress"
	case StateConnected:
		return "connected"
	case StateStolen:
		return "stolen"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}
