// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package packets

import (
	"github.com/absmach/mqproxy/mqtt/codec"
)

// Ack is a PUBACK, PUBREC, PUBREL or PUBCOMP packet.
type Ack struct {
	Type       byte
	PacketID   uint16
	ReasonCode byte
	Properties Properties
}

// DecodeAck decodes a publish acknowledgement body of type typ.
func DecodeAck(typ byte, body []byte, version byte) (*Ack, error) {
	r := codec.NewReader(body)
	a := &Ack{Type: typ}
	var err error
	if a.PacketID, err = readPacketID(r); err != nil {
		return nil, err
	}
	if version < V5 || r.Remaining() == 0 {
		return a, nil
	}
	if a.ReasonCode, err = r.ReadByte(); err != nil {
		return nil, malformed(err)
	}
	if r.Remaining() > 0 {
		if a.Properties, err = DecodeProperties(r, MaskOf(typ)); err != nil {
			return nil, malformed(err)
		}
	}
	return a, nil
}

// Encode returns the complete acknowledgement for version, using the short
// forms MQTT 5 allows when there is nothing to add.
func (a *Ack) Encode(version byte) []byte {
	buf := codec.NewBuffer(4 + a.Properties.Len())
	buf.WriteUint16(a.PacketID)
	if version == V5 && (a.ReasonCode != Success || len(a.Properties) > 0) {
		_ = buf.WriteByte(a.ReasonCode)
		if len(a.Properties) > 0 {
			a.Properties.Encode(buf)
		}
	}
	var flags byte
	if a.Type == PubrelType {
		flags = 0x02
	}
	return buf.Frame(Header(a.Type, flags))
}

// NewAck builds an acknowledgement with a reason string when one is given.
func NewAck(typ byte, id uint16, rc byte, reason string) *Ack {
	a := &Ack{Type: typ, PacketID: id, ReasonCode: rc}
	if reason != "" {
		a.Properties = Properties{StringProp(ReasonStringProp, reason)}
	}
	return a
}
