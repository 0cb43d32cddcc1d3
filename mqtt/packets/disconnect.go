// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package packets

import (
	"github.com/absmach/mqproxy/mqtt/codec"
)

// Disconnect is a DISCONNECT packet.
type Disconnect struct {
	ReasonCode byte
	Properties Properties
}

// DecodeDisconnect decodes a DISCONNECT body.
func DecodeDisconnect(body []byte, version byte) (*Disconnect, error) {
	d := &Disconnect{}
	if version < V5 || len(body) == 0 {
		return d, nil
	}
	r := codec.NewReader(body)
	var err error
	if d.ReasonCode, err = r.ReadByte(); err != nil {
		return nil, malformed(err)
	}
	if r.Remaining() > 0 {
		if d.Properties, err = DecodeProperties(r, MaskOf(DisconnectType)); err != nil {
			return nil, malformed(err)
		}
	}
	return d, nil
}

// Encode returns the complete DISCONNECT for version.
func (d *Disconnect) Encode(version byte) []byte {
	buf := codec.NewBuffer(4 + d.Properties.Len())
	if version == V5 && (d.ReasonCode != Success || len(d.Properties) > 0) {
		_ = buf.WriteByte(d.ReasonCode)
		if len(d.Properties) > 0 {
			d.Properties.Encode(buf)
		}
	}
	return buf.Frame(Header(DisconnectType, 0))
}

// NewDisconnect builds a DISCONNECT with an optional reason string.
func NewDisconnect(rc byte, reason string) *Disconnect {
	d := &Disconnect{ReasonCode: rc}
	if reason != "" {
		d.Properties = Properties{StringProp(ReasonStringProp, reason)}
	}
	return d
}
