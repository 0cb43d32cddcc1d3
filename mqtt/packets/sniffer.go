// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package packets

import (
	"errors"
	"fmt"

	"github.com/absmach/mqproxy/mqtt/codec"
)

// ErrInvalidProtocol indicates the protocol name or structure is invalid for MQTT.
var ErrInvalidProtocol = errors.New("invalid protocol")

// DetectProtocolVersion looks at a CONNECT body and returns the protocol
// version without decoding the rest, so a reply can be formatted even when
// the packet is otherwise broken. proxied reports the backend variant.
func DetectProtocolVersion(body []byte) (version byte, proxied bool, err error) {
	r := codec.NewReader(body)
	name, err := r.ReadBytes()
	if err != nil {
		return 0, false, fmt.Errorf("%w: %w", ErrInvalidProtocol, err)
	}
	v, err := r.ReadByte()
	if err != nil {
		return 0, false, fmt.Errorf("%w: %w", ErrInvalidProtocol, err)
	}

	switch string(name) {
	case protocolNameV311:
		if v == V311 || v == V5 {
			return v, false, nil
		}
	case protocolNameV31:
		if v == V31 {
			return v, false, nil
		}
	case ProtocolNameProxy:
		if v >= V31 && v <= V5 {
			return v, true, nil
		}
	}
	return v, false, ErrInvalidProtocol
}
