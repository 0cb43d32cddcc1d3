// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package packets

import (
	"fmt"

	"github.com/absmach/mqproxy/mqtt/codec"
)

// Publish is a PUBLISH packet. Payload aliases the decoded frame.
type Publish struct {
	Dup        bool
	QoS        byte
	Retain     bool
	Topic      string
	PacketID   uint16
	Properties Properties
	Payload    []byte
}

// DecodePublish decodes a PUBLISH with the given header flags and body.
func DecodePublish(flags byte, body []byte, version byte) (*Publish, error) {
	p := &Publish{
		Dup:    flags&0x08 != 0,
		QoS:    (flags >> 1) & 0x03,
		Retain: flags&0x01 != 0,
	}
	if p.QoS > 2 {
		return nil, fmt.Errorf("%w: publish qos 3", ErrMalformed)
	}
	if p.QoS == 0 && p.Dup {
		return nil, fmt.Errorf("%w: dup set on qos 0", ErrMalformed)
	}

	r := codec.NewReader(body)
	var err error
	if p.Topic, err = r.ReadString(); err != nil {
		return nil, malformed(err)
	}
	if p.QoS > 0 {
		if p.PacketID, err = r.ReadUint16(); err != nil {
			return nil, malformed(err)
		}
		if p.PacketID == 0 {
			return nil, fmt.Errorf("%w: packet id 0", ErrMalformed)
		}
	}
	if version == V5 {
		if p.Properties, err = DecodeProperties(r, MaskOf(PublishType)); err != nil {
			return nil, malformed(err)
		}
	}
	p.Payload = r.ReadRemaining()
	return p, nil
}

// Flags returns the fixed header flags.
func (p *Publish) Flags() byte {
	var f byte
	if p.Dup {
		f |= 0x08
	}
	f |= (p.QoS & 0x03) << 1
	if p.Retain {
		f |= 0x01
	}
	return f
}

// Encode returns the complete PUBLISH for version.
func (p *Publish) Encode(version byte) []byte {
	buf := codec.NewBuffer(8 + len(p.Topic) + len(p.Payload) + p.Properties.Len())
	buf.WriteString(p.Topic)
	if p.QoS > 0 {
		buf.WriteUint16(p.PacketID)
	}
	if version == V5 {
		p.Properties.Encode(buf)
	}
	_, _ = buf.Write(p.Payload)
	return buf.Frame(Header(PublishType, p.Flags()))
}

// TopicAlias returns the topic alias property, 0 when absent.
func (p *Publish) TopicAlias() uint16 {
	v, _ := p.Properties.Uint(TopicAliasProp)
	return uint16(v)
}

// PayloadIsUTF8 reports whether the payload is declared as character data.
func (p *Publish) PayloadIsUTF8() bool {
	v, ok := p.Properties.Uint(PayloadFormatProp)
	return ok && v == 1
}
