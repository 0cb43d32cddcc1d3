// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package packets

import (
	"errors"
	"unicode/utf8"
)

// MaxClientIDLen bounds client identifiers the proxy forwards.
const MaxClientIDLen = 256

// Common validation errors.
var (
	ErrInvalidClientID = errors.New("invalid client id")
	ErrInvalidQoS      = errors.New("invalid qos level")
)

// ValidateClientID checks that a client identifier is printable UTF-8 of
// acceptable length. Shape rules for client classes live in topics.
func ValidateClientID(clientID string) error {
	if len(clientID) > MaxClientIDLen {
		return ErrInvalidClientID
	}
	if !utf8.ValidString(clientID) {
		return ErrInvalidClientID
	}
	for _, r := range clientID {
		if r < 0x20 || r == 0x7F {
			return ErrInvalidClientID
		}
	}
	return nil
}

// ValidateQoS checks a QoS level against a ceiling.
func ValidateQoS(qos, max byte) error {
	if qos > 2 || qos > max {
		return ErrInvalidQoS
	}
	return nil
}
