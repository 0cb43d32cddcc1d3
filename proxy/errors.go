// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package proxy

import (
	"errors"
	"fmt"

	"github.com/absmach/mqproxy/mqtt/packets"
)

// Kind classifies session errors. Kinds are ordered by severity: kinds at or
// above KindAuthenticationFailed close the connection.
type Kind int

const (
	// KindAsyncPending is not a failure: the operation completes later.
	KindAsyncPending Kind = iota + 1
	KindAuthorizationFailed
	KindTooManyRequests
	KindResourceExhausted
	KindAuthenticationFailed
	KindProtocolViolation
	KindMalformedWire
	KindBackendUnavailable
	KindClosed
)

var kindNames = map[Kind]string{
	KindAsyncPending:         "async_pending",
	KindAuthorizationFailed:  "authorization_failed",
	KindTooManyRequests:      "too_many_requests",
	KindResourceExhausted:    "resource_exhausted",
	KindAuthenticationFailed: "authentication_failed",
	KindProtocolViolation:    "protocol_violation",
	KindMalformedWire:        "malformed_wire",
	KindBackendUnavailable:   "backend_unavailable",
	KindClosed:               "closed",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Error is a session error with the MQTT 5 reason code reported to the
// client and a human readable reason.
type Error struct {
	Kind   Kind
	Code   byte
	Reason string
	// Disconnect closes the connection even when Kind alone would not.
	Disconnect bool
	Err        error
}

func (e *Error) Error() string {
	msg := e.Kind.String() + ": " + e.Reason
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Closes reports whether the error ends the connection.
func (e *Error) Closes() bool {
	return e.Disconnect || e.Kind >= KindAuthenticationFailed
}

// closing marks e as ending the connection regardless of its kind.
func (e *Error) closing() *Error {
	e.Disconnect = true
	return e
}

var (
	ErrConnectFirst = errors.New("first packet must be CONNECT")
	ErrClosed       = errors.New("session closed")
	ErrPendingFull  = errors.New("pending data limit exceeded")
	ErrDiscarded    = errors.New("message discarded")
	errPending      = &Error{Kind: KindAsyncPending, Reason: "pending"}
)

func newError(kind Kind, code byte, reason string) *Error {
	return &Error{Kind: kind, Code: code, Reason: reason}
}

func wrapError(kind Kind, code byte, reason string, err error) *Error {
	return &Error{Kind: kind, Code: code, Reason: reason, Err: err}
}

func protocolError(reason string) *Error {
	return newError(KindProtocolViolation, packets.ProtocolError, reason)
}

func malformedError(err error) *Error {
	return wrapError(KindMalformedWire, packets.MalformedPacket, "malformed packet", err)
}

// asError converts err to *Error, treating foreign errors as malformed input.
func asError(err error) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return malformedError(err)
}

func isPending(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == KindAsyncPending
}
