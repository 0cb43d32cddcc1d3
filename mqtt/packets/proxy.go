// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package packets

import (
	"fmt"

	"github.com/absmach/mqproxy/mqtt/codec"
)

// ProtocolNameProxy identifies the proxied CONNECT sent to the backend.
const ProtocolNameProxy = "MQTTpx"

// ProxyVersion is the version of the proxy header format.
const ProxyVersion byte = 1

// Proxy header entry identifiers.
const (
	hdrOrg             byte = 0x01
	hdrMaxConnectCount byte = 0x02
	hdrClientAddr      byte = 0x03
	hdrCertName        byte = 0x04
	hdrExpectedMsgRate byte = 0x05
	hdrWaitACL         byte = 0x06
	hdrClientClass     byte = 0x07
	hdrUserID          byte = 0x08
)

// ProxyHeader is per connection metadata the backend cannot learn from the
// client packets.
type ProxyHeader struct {
	Org             string
	MaxConnectCount uint32
	ClientAddr      string
	CertName        string
	ExpectedMsgRate uint32
	WaitACL         bool
	ClientClass     byte
	UserID          string
}

func (h *ProxyHeader) encode(buf *codec.Buffer) {
	body := codec.NewBuffer(64)
	str := func(id byte, s string) {
		if s != "" {
			_ = body.WriteByte(id)
			body.WriteString(s)
		}
	}
	u32 := func(id byte, v uint32) {
		if v != 0 {
			_ = body.WriteByte(id)
			body.WriteUint32(v)
		}
	}
	str(hdrOrg, h.Org)
	u32(hdrMaxConnectCount, h.MaxConnectCount)
	str(hdrClientAddr, h.ClientAddr)
	str(hdrCertName, h.CertName)
	u32(hdrExpectedMsgRate, h.ExpectedMsgRate)
	if h.WaitACL {
		_ = body.WriteByte(hdrWaitACL)
		_ = body.WriteByte(1)
	}
	if h.ClientClass != 0 {
		_ = body.WriteByte(hdrClientClass)
		_ = body.WriteByte(h.ClientClass)
	}
	str(hdrUserID, h.UserID)

	buf.WriteVBI(body.Len())
	_, _ = buf.Write(body.Body())
}

func decodeProxyHeader(r *codec.Reader) (ProxyHeader, error) {
	var h ProxyHeader
	n, err := r.ReadVBI()
	if err != nil {
		return h, malformed(err)
	}
	block, err := r.ReadN(n)
	if err != nil {
		return h, codec.ErrBadLength
	}
	hr := codec.NewReader(block)
	for hr.Remaining() > 0 {
		id, _ := hr.ReadByte()
		switch id {
		case hdrOrg, hdrClientAddr, hdrCertName, hdrUserID:
			s, err := hr.ReadString()
			if err != nil {
				return h, malformed(err)
			}
			switch id {
			case hdrOrg:
				h.Org = s
			case hdrClientAddr:
				h.ClientAddr = s
			case hdrCertName:
				h.CertName = s
			default:
				h.UserID = s
			}
		case hdrMaxConnectCount, hdrExpectedMsgRate:
			v, err := hr.ReadUint32()
			if err != nil {
				return h, malformed(err)
			}
			if id == hdrMaxConnectCount {
				h.MaxConnectCount = v
			} else {
				h.ExpectedMsgRate = v
			}
		case hdrWaitACL, hdrClientClass:
			b, err := hr.ReadByte()
			if err != nil {
				return h, malformed(err)
			}
			if id == hdrWaitACL {
				h.WaitACL = b != 0
			} else {
				h.ClientClass = b
			}
		default:
			return h, fmt.Errorf("%w: proxy header entry 0x%x", ErrMalformed, id)
		}
	}
	return h, nil
}

// ProxyConnect is the CONNECT the proxy sends to the backend: the client's
// CONNECT behind a proxy protocol name and a proxy header.
type ProxyConnect struct {
	Connect *Connect
	Header  ProxyHeader
}

// Encode returns the complete proxied CONNECT.
func (pc *ProxyConnect) Encode() []byte {
	c := pc.Connect
	buf := codec.NewBuffer(96 + len(c.ClientID) + len(c.WillPayload) + len(c.Password))
	buf.WriteString(ProtocolNameProxy)
	_ = buf.WriteByte(c.Version)
	_ = buf.WriteByte(ProxyVersion)
	_ = buf.WriteByte(c.Flags())
	buf.WriteUint16(c.KeepAlive)
	pc.Header.encode(buf)
	if c.Version == V5 {
		c.Properties.Encode(buf)
	}
	c.encodePayload(buf)
	return buf.Frame(Header(ConnectType, 0))
}

// DecodeProxyConnect decodes a proxied CONNECT body.
func DecodeProxyConnect(body []byte) (*ProxyConnect, error) {
	r := codec.NewReader(body)
	name, err := r.ReadString()
	if err != nil {
		return nil, malformed(err)
	}
	if name != ProtocolNameProxy {
		return nil, fmt.Errorf("%w: %q is not a proxy connect", ErrProtocol, name)
	}
	c := &Connect{ProtocolName: protocolNameV311}
	if c.Version, err = r.ReadByte(); err != nil {
		return nil, malformed(err)
	}
	if c.Version == V31 {
		c.ProtocolName = protocolNameV31
	}
	pv, err := r.ReadByte()
	if err != nil {
		return nil, malformed(err)
	}
	if pv != ProxyVersion {
		return nil, fmt.Errorf("%w: proxy version %d", ErrUnsupportedVersion, pv)
	}
	flags, err := r.ReadByte()
	if err != nil {
		return nil, malformed(err)
	}
	if err := c.setFlags(flags); err != nil {
		return nil, err
	}
	if c.KeepAlive, err = r.ReadUint16(); err != nil {
		return nil, malformed(err)
	}
	hdr, err := decodeProxyHeader(r)
	if err != nil {
		return nil, err
	}
	if err := c.decodeTail(r); err != nil {
		return nil, err
	}
	return &ProxyConnect{Connect: c, Header: hdr}, nil
}

// Extension packet flags for packet type 0 on the backend link.
const (
	ExtACL  byte = 0x01
	ExtPing byte = 0x02
)

// ACL actions.
const (
	ACLReplace byte = iota
	ACLAdd
	ACLRemove
)

// ACL delivers topic filters the backend authorizes for the session.
type ACL struct {
	Action  byte
	Filters []string
}

// DecodeACL decodes an ACL extension body.
func DecodeACL(body []byte) (*ACL, error) {
	r := codec.NewReader(body)
	a := &ACL{}
	var err error
	if a.Action, err = r.ReadByte(); err != nil {
		return nil, malformed(err)
	}
	if a.Action > ACLRemove {
		return nil, fmt.Errorf("%w: acl action %d", ErrMalformed, a.Action)
	}
	for r.Remaining() > 0 {
		f, err := r.ReadString()
		if err != nil {
			return nil, malformed(err)
		}
		a.Filters = append(a.Filters, f)
	}
	return a, nil
}

// Encode returns the complete ACL extension packet.
func (a *ACL) Encode() []byte {
	buf := codec.NewBuffer(32)
	_ = buf.WriteByte(a.Action)
	for _, f := range a.Filters {
		buf.WriteString(f)
	}
	return buf.Frame(Header(ExtType, ExtACL))
}

// Extended ping kinds.
const (
	PingRequest byte = iota
	PingResponse
)

// ExtendedPing carries a timestamp and, in responses, connection counters.
type ExtendedPing struct {
	Kind      byte
	Timestamp uint64
	Inflight  uint32
	Pending   uint32
}

// DecodeExtendedPing decodes an extended ping body.
func DecodeExtendedPing(body []byte) (*ExtendedPing, error) {
	r := codec.NewReader(body)
	p := &ExtendedPing{}
	var err error
	if p.Kind, err = r.ReadByte(); err != nil {
		return nil, malformed(err)
	}
	if p.Timestamp, err = r.ReadUint64(); err != nil {
		return nil, malformed(err)
	}
	if p.Kind == PingResponse {
		if p.Inflight, err = r.ReadUint32(); err != nil {
			return nil, malformed(err)
		}
		if p.Pending, err = r.ReadUint32(); err != nil {
			return nil, malformed(err)
		}
	}
	return p, nil
}

// Encode returns the complete extended ping packet.
func (p *ExtendedPing) Encode() []byte {
	buf := codec.NewBuffer(24)
	_ = buf.WriteByte(p.Kind)
	buf.WriteUint64(p.Timestamp)
	if p.Kind == PingResponse {
		buf.WriteUint32(p.Inflight)
		buf.WriteUint32(p.Pending)
	}
	return buf.Frame(Header(ExtType, ExtPing))
}
