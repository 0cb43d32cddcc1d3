// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package packets

import (
	"fmt"

	"github.com/absmach/mqproxy/mqtt/codec"
)

// Subscription is one topic filter with its subscription options byte.
type Subscription struct {
	Filter  string
	Options byte
}

// QoS returns the requested maximum QoS.
func (s Subscription) QoS() byte {
	return s.Options & 0x03
}

// Subscribe is a SUBSCRIBE packet.
type Subscribe struct {
	PacketID      uint16
	Properties    Properties
	Subscriptions []Subscription
}

// DecodeSubscribe decodes a SUBSCRIBE body.
func DecodeSubscribe(body []byte, version byte) (*Subscribe, error) {
	r := codec.NewReader(body)
	s := &Subscribe{}
	var err error
	if s.PacketID, err = readPacketID(r); err != nil {
		return nil, err
	}
	if version == V5 {
		if s.Properties, err = DecodeProperties(r, MaskOf(SubscribeType)); err != nil {
			return nil, malformed(err)
		}
	}
	for r.Remaining() > 0 {
		f, err := r.ReadString()
		if err != nil {
			return nil, malformed(err)
		}
		opts, err := r.ReadByte()
		if err != nil {
			return nil, malformed(err)
		}
		if opts&0x03 == 3 {
			return nil, fmt.Errorf("%w: subscription qos 3", ErrMalformed)
		}
		reserved := byte(0xFC)
		if version == V5 {
			reserved = 0xC0
			if (opts>>4)&0x03 == 3 {
				return nil, fmt.Errorf("%w: retain handling 3", ErrMalformed)
			}
		}
		if opts&reserved != 0 {
			return nil, fmt.Errorf("%w: reserved subscription options", ErrMalformed)
		}
		s.Subscriptions = append(s.Subscriptions, Subscription{Filter: f, Options: opts})
	}
	if len(s.Subscriptions) == 0 {
		return nil, fmt.Errorf("%w: subscribe without filters", ErrProtocol)
	}
	return s, nil
}

// Encode returns the complete SUBSCRIBE for version.
func (s *Subscribe) Encode(version byte) []byte {
	buf := codec.NewBuffer(32)
	buf.WriteUint16(s.PacketID)
	if version == V5 {
		s.Properties.Encode(buf)
	}
	for _, sub := range s.Subscriptions {
		buf.WriteString(sub.Filter)
		_ = buf.WriteByte(sub.Options)
	}
	return buf.Frame(Header(SubscribeType, 0x02))
}

// Suback is a SUBACK packet.
type Suback struct {
	PacketID    uint16
	Properties  Properties
	ReasonCodes []byte
}

// DecodeSuback decodes a SUBACK body.
func DecodeSuback(body []byte, version byte) (*Suback, error) {
	r := codec.NewReader(body)
	s := &Suback{}
	var err error
	if s.PacketID, err = readPacketID(r); err != nil {
		return nil, err
	}
	if version == V5 {
		if s.Properties, err = DecodeProperties(r, MaskOf(SubackType)); err != nil {
			return nil, malformed(err)
		}
	}
	s.ReasonCodes = cloneBytes(r.ReadRemaining())
	return s, nil
}

// Encode returns the complete SUBACK for version. Failure reasons become
// 0x80 before MQTT 5.
func (s *Suback) Encode(version byte) []byte {
	buf := codec.NewBuffer(8 + len(s.ReasonCodes))
	buf.WriteUint16(s.PacketID)
	if version == V5 {
		s.Properties.Encode(buf)
	}
	for _, rc := range s.ReasonCodes {
		if version < V5 && rc >= UnspecifiedError {
			rc = SubackFailureV3
		}
		_ = buf.WriteByte(rc)
	}
	return buf.Frame(Header(SubackType, 0))
}

// Unsubscribe is an UNSUBSCRIBE packet.
type Unsubscribe struct {
	PacketID   uint16
	Properties Properties
	Filters    []string
}

// DecodeUnsubscribe decodes an UNSUBSCRIBE body.
func DecodeUnsubscribe(body []byte, version byte) (*Unsubscribe, error) {
	r := codec.NewReader(body)
	u := &Unsubscribe{}
	var err error
	if u.PacketID, err = readPacketID(r); err != nil {
		return nil, err
	}
	if version == V5 {
		if u.Properties, err = DecodeProperties(r, MaskOf(UnsubscribeType)); err != nil {
			return nil, malformed(err)
		}
	}
	for r.Remaining() > 0 {
		f, err := r.ReadString()
		if err != nil {
			return nil, malformed(err)
		}
		u.Filters = append(u.Filters, f)
	}
	if len(u.Filters) == 0 {
		return nil, fmt.Errorf("%w: unsubscribe without filters", ErrProtocol)
	}
	return u, nil
}

// Encode returns the complete UNSUBSCRIBE for version.
func (u *Unsubscribe) Encode(version byte) []byte {
	buf := codec.NewBuffer(32)
	buf.WriteUint16(u.PacketID)
	if version == V5 {
		u.Properties.Encode(buf)
	}
	for _, f := range u.Filters {
		buf.WriteString(f)
	}
	return buf.Frame(Header(UnsubscribeType, 0x02))
}

// Unsuback is an UNSUBACK packet. Reason codes exist only in MQTT 5.
type Unsuback struct {
	PacketID    uint16
	Properties  Properties
	ReasonCodes []byte
}

// DecodeUnsuback decodes an UNSUBACK body.
func DecodeUnsuback(body []byte, version byte) (*Unsuback, error) {
	r := codec.NewReader(body)
	u := &Unsuback{}
	var err error
	if u.PacketID, err = readPacketID(r); err != nil {
		return nil, err
	}
	if version == V5 {
		if u.Properties, err = DecodeProperties(r, MaskOf(UnsubackType)); err != nil {
			return nil, malformed(err)
		}
		u.ReasonCodes = cloneBytes(r.ReadRemaining())
	}
	return u, nil
}

// Encode returns the complete UNSUBACK for version.
func (u *Unsuback) Encode(version byte) []byte {
	buf := codec.NewBuffer(8 + len(u.ReasonCodes))
	buf.WriteUint16(u.PacketID)
	if version == V5 {
		u.Properties.Encode(buf)
		_, _ = buf.Write(u.ReasonCodes)
	}
	return buf.Frame(Header(UnsubackType, 0))
}

func readPacketID(r *codec.Reader) (uint16, error) {
	id, err := r.ReadUint16()
	if err != nil {
		return 0, malformed(err)
	}
	if id == 0 {
		return 0, fmt.Errorf("%w: packet id 0", ErrMalformed)
	}
	return id, nil
}
