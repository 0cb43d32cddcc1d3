// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package packets

import (
	"fmt"

	"github.com/absmach/mqproxy/mqtt/codec"
)

// Connack is a CONNACK packet. ReasonCode always holds an MQTT 5 reason;
// Encode maps it for older versions.
type Connack struct {
	SessionPresent bool
	ReasonCode     byte
	Properties     Properties
}

// DecodeConnack decodes a CONNACK body sent in the given protocol version.
func DecodeConnack(body []byte, version byte) (*Connack, error) {
	r := codec.NewReader(body)
	flags, err := r.ReadByte()
	if err != nil {
		return nil, malformed(err)
	}
	if flags&0xFE != 0 {
		return nil, fmt.Errorf("%w: connack flags 0x%x", ErrMalformed, flags)
	}
	rc, err := r.ReadByte()
	if err != nil {
		return nil, malformed(err)
	}
	ca := &Connack{SessionPresent: flags&0x01 != 0, ReasonCode: rc}
	if version < V5 {
		ca.ReasonCode = ConnackReasonFromLegacy(rc)
		return ca, nil
	}
	if r.Remaining() > 0 {
		if ca.Properties, err = DecodeProperties(r, MaskOf(ConnackType)); err != nil {
			return nil, malformed(err)
		}
	}
	return ca, nil
}

// Encode returns the complete CONNACK for version. For pre-5 versions the
// reason must have a legacy equivalent, see LegacyConnackCode.
func (ca *Connack) Encode(version byte) []byte {
	buf := codec.NewBuffer(8 + ca.Properties.Len())
	var flags byte
	if ca.SessionPresent && ca.ReasonCode == Success {
		flags = 1
	}
	_ = buf.WriteByte(flags)
	if version < V5 {
		code, _ := LegacyConnackCode(ca.ReasonCode)
		_ = buf.WriteByte(code)
		return buf.Frame(Header(ConnackType, 0))
	}
	_ = buf.WriteByte(ca.ReasonCode)
	ca.Properties.Encode(buf)
	return buf.Frame(Header(ConnackType, 0))
}
