// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package packets

import (
	"fmt"
	"unicode/utf8"

	"github.com/absmach/mqproxy/mqtt/codec"
)

// MQTT 5 property identifiers.
const (
	PayloadFormatProp          byte = 0x01
	MessageExpiryProp          byte = 0x02
	ContentTypeProp            byte = 0x03
	ResponseTopicProp          byte = 0x08
	CorrelationDataProp        byte = 0x09
	SubscriptionIdentifierProp byte = 0x0B
	SessionExpiryIntervalProp  byte = 0x11
	AssignedClientIDProp       byte = 0x12
	ServerKeepAliveProp        byte = 0x13
	AuthMethodProp             byte = 0x15
	AuthDataProp               byte = 0x16
	RequestProblemInfoProp     byte = 0x17
	WillDelayIntervalProp      byte = 0x18
	RequestResponseInfoProp    byte = 0x19
	ResponseInfoProp           byte = 0x1A
	ServerReferenceProp        byte = 0x1C
	ReasonStringProp           byte = 0x1F
	ReceiveMaximumProp         byte = 0x21
	TopicAliasMaximumProp      byte = 0x22
	TopicAliasProp             byte = 0x23
	MaximumQoSProp             byte = 0x24
	RetainAvailableProp        byte = 0x25
	UserProp                   byte = 0x26
	MaximumPacketSizeProp      byte = 0x27
	WildcardSubAvailableProp   byte = 0x28
	SubIDAvailableProp         byte = 0x29
	SharedSubAvailableProp     byte = 0x2A
)

type wireType byte

const (
	wireByte wireType = iota + 1
	wireInt16
	wireInt32
	wireVBI
	wireString
	wireBinary
	wirePair
)

// WillMask selects will properties in the CONNECT payload. Other masks are
// one bit per packet type.
const WillMask uint32 = 1 << 16

func mask(types ...byte) uint32 {
	var m uint32
	for _, t := range types {
		m |= 1 << t
	}
	return m
}

// MaskOf returns the property mask for a packet type.
func MaskOf(typ byte) uint32 {
	return 1 << typ
}

type propDef struct {
	name  string
	wire  wireType
	mask  uint32
	min   uint32
	max   uint32
	multi bool
}

var (
	ackMask   = mask(PubackType, PubrecType, PubrelType, PubcompType, SubackType, UnsubackType)
	allMask   = mask(ConnectType, ConnackType, PublishType, SubscribeType, UnsubscribeType, DisconnectType, AuthType) | ackMask | WillMask
	propTable = map[byte]propDef{
		PayloadFormatProp:          {"PayloadFormat", wireByte, mask(PublishType) | WillMask, 0, 1, false},
		MessageExpiryProp:          {"MessageExpiry", wireInt32, mask(PublishType) | WillMask, 0, 0, false},
		ContentTypeProp:            {"ContentType", wireString, mask(PublishType) | WillMask, 0, 0, false},
		ResponseTopicProp:          {"ResponseTopic", wireString, mask(PublishType) | WillMask, 0, 0, false},
		CorrelationDataProp:        {"CorrelationData", wireBinary, mask(PublishType) | WillMask, 0, 0, false},
		SubscriptionIdentifierProp: {"SubscriptionIdentifier", wireVBI, mask(PublishType, SubscribeType), 1, codec.MaxVBI, true},
		SessionExpiryIntervalProp:  {"SessionExpiryInterval", wireInt32, mask(ConnectType, ConnackType, DisconnectType), 0, 0, false},
		AssignedClientIDProp:       {"AssignedClientID", wireString, mask(ConnackType), 0, 0, false},
		ServerKeepAliveProp:        {"ServerKeepAlive", wireInt16, mask(ConnackType), 0, 0, false},
		AuthMethodProp:             {"AuthMethod", wireString, mask(ConnectType, ConnackType, AuthType), 0, 0, false},
		AuthDataProp:               {"AuthData", wireBinary, mask(ConnectType, ConnackType, AuthType), 0, 0, false},
		RequestProblemInfoProp:     {"RequestProblemInfo", wireByte, mask(ConnectType), 0, 1, false},
		WillDelayIntervalProp:      {"WillDelayInterval", wireInt32, WillMask, 0, 0, false},
		RequestResponseInfoProp:    {"RequestResponseInfo", wireByte, mask(ConnectType), 0, 1, false},
		ResponseInfoProp:           {"ResponseInfo", wireString, mask(ConnackType), 0, 0, false},
		ServerReferenceProp:        {"ServerReference", wireString, mask(ConnackType, DisconnectType), 0, 0, false},
		ReasonStringProp:           {"ReasonString", wireString, mask(ConnackType, DisconnectType, AuthType) | ackMask, 0, 0, false},
		ReceiveMaximumProp:         {"ReceiveMaximum", wireInt16, mask(ConnectType, ConnackType), 1, 65535, false},
		TopicAliasMaximumProp:      {"TopicAliasMaximum", wireInt16, mask(ConnectType, ConnackType), 0, 0, false},
		TopicAliasProp:             {"TopicAlias", wireInt16, mask(PublishType), 1, 65535, false},
		MaximumQoSProp:             {"MaximumQoS", wireByte, mask(ConnackType), 0, 1, false},
		RetainAvailableProp:        {"RetainAvailable", wireByte, mask(ConnackType), 0, 1, false},
		UserProp:                   {"UserProperty", wirePair, allMask, 0, 0, true},
		MaximumPacketSizeProp:      {"MaximumPacketSize", wireInt32, mask(ConnectType, ConnackType), 1, 0xFFFFFFFF, false},
		WildcardSubAvailableProp:   {"WildcardSubAvailable", wireByte, mask(ConnackType), 0, 1, false},
		SubIDAvailableProp:         {"SubIDAvailable", wireByte, mask(ConnackType), 0, 1, false},
		SharedSubAvailableProp:     {"SharedSubAvailable", wireByte, mask(ConnackType), 0, 1, false},
	}
)

// PropertyName returns the property name for logs.
func PropertyName(id byte) string {
	if d, ok := propTable[id]; ok {
		return d.name
	}
	return fmt.Sprintf("0x%02x", id)
}

// Property is one MQTT 5 property. Numeric values live in Value; strings,
// binary data and user property names in Data; user property values in Pair.
type Property struct {
	ID    byte
	Value uint32
	Data  []byte
	Pair  []byte
}

// Properties keeps properties in wire order so unmodified packets re-encode
// to the same bytes.
type Properties []Property

// DecodeProperties reads a property block whose entries must be valid for m.
func DecodeProperties(r *codec.Reader, m uint32) (Properties, error) {
	n, err := r.ReadVBI()
	if err != nil {
		return nil, err
	}
	if n > r.Remaining() {
		return nil, codec.ErrBadLength
	}
	block, _ := r.ReadN(n)
	if n == 0 {
		return nil, nil
	}

	pr := codec.NewReader(block)
	var props Properties
	var seen [64]bool
	for pr.Remaining() > 0 {
		id, err := pr.ReadVBI()
		if err != nil {
			return nil, err
		}
		if id > 0x7F {
			return nil, fmt.Errorf("%w: unknown property 0x%x", ErrBadProperty, id)
		}
		def, ok := propTable[byte(id)]
		if !ok {
			return nil, fmt.Errorf("%w: unknown property 0x%x", ErrBadProperty, id)
		}
		if def.mask&m == 0 {
			return nil, fmt.Errorf("%w: %s not allowed here", ErrBadProperty, def.name)
		}
		if seen[id] && !def.multi {
			return nil, fmt.Errorf("%w: duplicate %s", ErrBadProperty, def.name)
		}
		seen[id] = true

		p := Property{ID: byte(id)}
		switch def.wire {
		case wireByte:
			b, err := pr.ReadByte()
			if err != nil {
				return nil, codec.ErrBadLength
			}
			p.Value = uint32(b)
		case wireInt16:
			v, err := pr.ReadUint16()
			if err != nil {
				return nil, codec.ErrBadLength
			}
			p.Value = uint32(v)
		case wireInt32:
			v, err := pr.ReadUint32()
			if err != nil {
				return nil, codec.ErrBadLength
			}
			p.Value = v
		case wireVBI:
			v, err := pr.ReadVBI()
			if err != nil {
				return nil, codec.ErrBadLength
			}
			p.Value = uint32(v)
		case wireString, wireBinary:
			b, err := pr.ReadBytes()
			if err != nil {
				return nil, codec.ErrBadLength
			}
			if def.wire == wireString && !utf8.Valid(b) {
				return nil, fmt.Errorf("%w: %s is not UTF-8", ErrBadProperty, def.name)
			}
			p.Data = b
		case wirePair:
			k, err := pr.ReadBytes()
			if err != nil {
				return nil, codec.ErrBadLength
			}
			v, err := pr.ReadBytes()
			if err != nil {
				return nil, codec.ErrBadLength
			}
			p.Data, p.Pair = k, v
		}
		if def.max > 0 && (p.Value < def.min || p.Value > def.max) {
			return nil, fmt.Errorf("%w: %s value %d out of range", ErrBadProperty, def.name, p.Value)
		}
		props = append(props, p)
	}
	return props, nil
}

func (p Property) size() int {
	n := 1
	switch propTable[p.ID].wire {
	case wireByte:
		n++
	case wireInt16:
		n += 2
	case wireInt32:
		n += 4
	case wireVBI:
		n += codec.VBISize(int(p.Value))
	case wireString, wireBinary:
		n += 2 + len(p.Data)
	case wirePair:
		n += 4 + len(p.Data) + len(p.Pair)
	}
	return n
}

// Len returns the encoded size of the property entries, without the length prefix.
func (ps Properties) Len() int {
	n := 0
	for _, p := range ps {
		n += p.size()
	}
	return n
}

// Encode writes the length prefix and the properties.
func (ps Properties) Encode(buf *codec.Buffer) {
	buf.WriteVBI(ps.Len())
	for _, p := range ps {
		_ = buf.WriteByte(p.ID)
		switch propTable[p.ID].wire {
		case wireByte:
			_ = buf.WriteByte(byte(p.Value))
		case wireInt16:
			buf.WriteUint16(uint16(p.Value))
		case wireInt32:
			buf.WriteUint32(p.Value)
		case wireVBI:
			buf.WriteVBI(int(p.Value))
		case wireString, wireBinary:
			buf.WriteBinary(p.Data)
		case wirePair:
			buf.WriteBinary(p.Data)
			buf.WriteBinary(p.Pair)
		}
	}
}

// Find returns the first property with the given id.
func (ps Properties) Find(id byte) (Property, bool) {
	for _, p := range ps {
		if p.ID == id {
			return p, true
		}
	}
	return Property{}, false
}

// Uint returns a numeric property value.
func (ps Properties) Uint(id byte) (uint32, bool) {
	p, ok := ps.Find(id)
	return p.Value, ok
}

// String returns a string property value.
func (ps Properties) String(id byte) (string, bool) {
	p, ok := ps.Find(id)
	return string(p.Data), ok
}

// Has reports whether a property is present.
func (ps Properties) Has(id byte) bool {
	_, ok := ps.Find(id)
	return ok
}

// Without returns a copy of ps with every property in ids removed.
func (ps Properties) Without(ids ...byte) Properties {
	var out Properties
	for _, p := range ps {
		drop := false
		for _, id := range ids {
			if p.ID == id {
				drop = true
				break
			}
		}
		if !drop {
			out = append(out, p)
		}
	}
	return out
}

// Set returns ps with the single valued property p replaced or appended.
func (ps Properties) Set(p Property) Properties {
	out := ps.Without(p.ID)
	return append(out, p)
}

// Clone deep copies the properties so they no longer alias packet bytes.
func (ps Properties) Clone() Properties {
	if ps == nil {
		return nil
	}
	out := make(Properties, len(ps))
	for i, p := range ps {
		out[i] = Property{ID: p.ID, Value: p.Value, Data: cloneBytes(p.Data), Pair: cloneBytes(p.Pair)}
	}
	return out
}

// IntProp builds a numeric property.
func IntProp(id byte, v uint32) Property {
	return Property{ID: id, Value: v}
}

// StringProp builds a string property.
func StringProp(id byte, s string) Property {
	return Property{ID: id, Data: []byte(s)}
}

func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	return append([]byte(nil), b...)
}
