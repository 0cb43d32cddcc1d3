// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package packets decodes and encodes the MQTT 3.1, 3.1.1 and 5 control
// packets the proxy handles, and the proxy variant spoken to the backend.
package packets

import (
	"errors"
	"fmt"
)

// Protocol versions.
const (
	V31  byte = 3
	V311 byte = 4
	V5   byte = 5
)

// Control packet types. Type 0 is reserved by MQTT and carries the proxy
// extension packets on the backend link.
const (
	ExtType byte = iota
	ConnectType
	ConnackType
	PublishType
	PubackType
	PubrecType
	PubrelType
	PubcompType
	SubscribeType
	SubackType
	UnsubscribeType
	UnsubackType
	PingreqType
	PingrespType
	DisconnectType
	AuthType
)

var typeNames = [...]string{
	"EXT", "CONNECT", "CONNACK", "PUBLISH", "PUBACK", "PUBREC", "PUBREL", "PUBCOMP",
	"SUBSCRIBE", "SUBACK", "UNSUBSCRIBE", "UNSUBACK", "PINGREQ", "PINGRESP", "DISCONNECT", "AUTH",
}

// TypeName returns the packet type name used in logs.
func TypeName(t byte) string {
	if int(t) < len(typeNames) {
		return typeNames[t]
	}
	return "UNKNOWN"
}

var (
	ErrMalformed          = errors.New("malformed packet")
	ErrProtocol           = errors.New("protocol error")
	ErrUnsupportedVersion = errors.New("unsupported protocol version")
	ErrBadProperty        = errors.New("invalid property")
	ErrAuthNotSupported   = errors.New("enhanced authentication not supported")
)

// PingReq and PingResp are the only fixed packets.
var (
	PingReq  = []byte{PingreqType << 4, 0}
	PingResp = []byte{PingrespType << 4, 0}
)

// Header builds a fixed header byte.
func Header(typ, flags byte) byte {
	return typ<<4 | flags&0x0F
}

// requiredFlags holds the fixed header flags MQTT mandates per packet type.
// PUBLISH carries its own flags and is checked separately.
var requiredFlags = [16]byte{
	PubrelType:      0x02,
	SubscribeType:   0x02,
	UnsubscribeType: 0x02,
}

// CheckFlags validates the fixed header flags of a client packet.
func CheckFlags(header byte) error {
	typ := header >> 4
	if typ == PublishType || typ == ExtType {
		return nil
	}
	if header&0x0F != requiredFlags[typ] {
		return fmt.Errorf("%w: reserved flags 0x%x on %s", ErrMalformed, header&0x0F, TypeName(typ))
	}
	return nil
}

func malformed(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrMalformed) || errors.Is(err, ErrBadProperty) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrMalformed, err)
}
